package cfddns

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Target identifies a remote address record kept in sync with the public IP.
// Targets come from configuration and are never modified by the engine.
type Target struct {
	ZoneID     string
	RecordID   string
	RecordName string
	RecordType string // "A" or "AAAA"
	TTL        int    // 0 keeps the remote TTL
	Proxied    *bool  // nil keeps the remote setting
}

// Key is the identity of a target in the cache store and in per-target locks.
func (t Target) Key() string {
	return t.ZoneID + "/" + t.RecordID
}

func (t Target) String() string {
	return fmt.Sprintf("%s %s (%s)", t.RecordType, t.RecordName, t.Key())
}

// accepts reports whether addr belongs to the address family of the record type.
func (t Target) accepts(addr netip.Addr) bool {
	switch strings.ToUpper(t.RecordType) {
	case "A":
		return addr.Is4()
	case "AAAA":
		return addr.Is6() && !addr.Is4In6()
	}
	return false
}

// CacheEntry is the last address confirmed on the remote record.
type CacheEntry struct {
	Addr      netip.Addr `json:"ip"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// HistoryRecord is one applied address change.
// PreviousAddress is nil for the first change recorded for a target.
type HistoryRecord struct {
	PreviousAddress *string   `json:"previous_address"`
	NewAddress      string    `json:"new_address"`
	ChangedAt       time.Time `json:"changed_at"`
	RecordName      string    `json:"record_name"`
}

type EventKind string

const (
	EventIPChanged       EventKind = "ip_changed"
	EventUpdateSucceeded EventKind = "update_succeeded"
	EventUpdateFailed    EventKind = "update_failed"
)

// Event describes something a human may want to hear about.
type Event struct {
	Kind       EventKind
	Payload    map[string]string
	OccurredAt time.Time
}

// Summary renders the event as a single line of text.
func (e Event) Summary() string {
	p := e.Payload
	switch e.Kind {
	case EventIPChanged:
		old := p["old"]
		if old == "" {
			old = "(none)"
		}
		return fmt.Sprintf("IP for %s changed from %s to %s", p["record_name"], old, p["new"])
	case EventUpdateSucceeded:
		return fmt.Sprintf("record %s restored to %s", p["record_name"], p["new"])
	case EventUpdateFailed:
		if p["attempted_address"] == "" {
			return fmt.Sprintf("update of %s failed: %s", p["record_name"], p["error"])
		}
		return fmt.Sprintf("update of %s to %s failed: %s", p["record_name"], p["attempted_address"], p["error"])
	}
	return string(e.Kind)
}

// Outcome is the result of one notification attempt.
type Outcome struct {
	Delivered bool
	Err       error
}

func delivered() Outcome { return Outcome{Delivered: true} }

func failed(err error) Outcome { return Outcome{Err: err} }

// Family selects which addresses a resolver accepts.
type Family int

const (
	AnyFamily Family = 0
	IPv4      Family = 4
	IPv6      Family = 6
)

// FamilyOf returns the address family stored by a record type.
func FamilyOf(recordType string) Family {
	if strings.EqualFold(recordType, "AAAA") {
		return IPv6
	}
	return IPv4
}

func (f Family) matches(addr netip.Addr) bool {
	switch f {
	case IPv4:
		return addr.Is4()
	case IPv6:
		return addr.Is6()
	}
	return addr.IsValid()
}

func (f Family) String() string {
	switch f {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	}
	return "IP"
}
