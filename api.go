package cfddns

import (
	"context"
	"net/netip"
	"time"
)

// Resolver discovers the public address of the host.
type Resolver interface {
	Resolve(context.Context) (Observation, error)
}

// ResolverFunc adapts an ordinary function to the Resolver interface.
type ResolverFunc func(context.Context) (Observation, error)

func (f ResolverFunc) Resolve(ctx context.Context) (Observation, error) { return f(ctx) }

// ZoneAPI reads and updates a single DNS record by identifier.
//
// Implementations should return an *APIError so that callers can tell the failure kinds apart.
type ZoneAPI interface {
	GetRecord(ctx context.Context, zoneID, recordID string) (Record, error)
	UpdateRecord(ctx context.Context, zoneID, recordID string, update RecordUpdate) error
}

// CacheStore persists the last confirmed address for each tracked record.
//
// Read reports found == false with a nil error when no entry exists yet.
type CacheStore interface {
	Read(ctx context.Context, key string) (entry CacheEntry, found bool, err error)
	Write(ctx context.Context, key string, entry CacheEntry) error
}

// HistoryLog is an append-only log of applied address changes.
type HistoryLog interface {
	Append(ctx context.Context, record HistoryRecord) error
}

// Notifier delivers an event to a human.
// Delivery is best-effort; a failed Outcome never affects the update that produced the event.
type Notifier interface {
	Notify(ctx context.Context, event Event) Outcome
}

// Observation is a public address seen at a point in time.
type Observation struct {
	Addr       netip.Addr
	ObservedAt time.Time
}

// Record is the remote state of a DNS record.
type Record struct {
	ID      string
	ZoneID  string
	Name    string
	Type    string
	Content string
	TTL     int
	Proxied bool
}

// RecordUpdate is the new content for a record.
// Zero TTL and nil Proxied leave the remote values as they are.
type RecordUpdate struct {
	Name    string
	Type    string
	Content string
	TTL     int
	Proxied *bool
}
