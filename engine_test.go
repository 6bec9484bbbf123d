package cfddns

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTarget = Target{ZoneID: "zone1", RecordID: "rec1", RecordName: "home.example.com", RecordType: "A"}

type fakeZone struct {
	mu       sync.Mutex
	content  string
	getErr   error
	updErr   error
	updates  []RecordUpdate
	gets     int
	onUpdate func(ctx context.Context) error

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (z *fakeZone) GetRecord(_ context.Context, zoneID, recordID string) (Record, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.gets++
	if z.getErr != nil {
		return Record{}, z.getErr
	}
	return Record{ID: recordID, ZoneID: zoneID, Type: "A", Content: z.content}, nil
}

func (z *fakeZone) UpdateRecord(ctx context.Context, _, _ string, u RecordUpdate) error {
	n := z.inFlight.Add(1)
	defer z.inFlight.Add(-1)
	for {
		m := z.maxInFlight.Load()
		if n <= m || z.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if z.onUpdate != nil {
		if err := z.onUpdate(ctx); err != nil {
			return err
		}
	}

	z.mu.Lock()
	defer z.mu.Unlock()
	z.updates = append(z.updates, u)
	if z.updErr != nil {
		return z.updErr
	}
	z.content = u.Content
	return nil
}

func (z *fakeZone) updateCount() int {
	z.mu.Lock()
	defer z.mu.Unlock()
	return len(z.updates)
}

type memCache struct {
	mu       sync.Mutex
	entries  map[string]CacheEntry
	readErr  error
	writeErr error
}

func (c *memCache) Read(_ context.Context, key string) (CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return CacheEntry{}, false, c.readErr
	}
	e, ok := c.entries[key]
	return e, ok, nil
}

func (c *memCache) Write(_ context.Context, key string, e CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	if c.entries == nil {
		c.entries = map[string]CacheEntry{}
	}
	c.entries[key] = e
	return nil
}

type memHistory struct {
	mu      sync.Mutex
	records []HistoryRecord
	err     error
}

func (h *memHistory) Append(_ context.Context, r HistoryRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.records = append(h.records, r)
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(_ context.Context, e Event) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return delivered()
}

type fakeResolver struct {
	mu   sync.Mutex
	addr netip.Addr
	err  error
}

func (r *fakeResolver) set(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addr, r.err = netip.MustParseAddr(addr), nil
}

func (r *fakeResolver) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *fakeResolver) Resolve(context.Context) (Observation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return Observation{}, r.err
	}
	return Observation{Addr: r.addr, ObservedAt: time.Now()}, nil
}

type harness struct {
	zone     *fakeZone
	cache    *memCache
	history  *memHistory
	notes    *recorder
	resolver *fakeResolver
	now      time.Time
}

func newHarness(t *testing.T, options ...Option) (*Engine, *harness) {
	t.Helper()
	h := &harness{
		zone:     &fakeZone{},
		cache:    &memCache{},
		history:  &memHistory{},
		notes:    &recorder{},
		resolver: &fakeResolver{},
		now:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	h.resolver.set("203.0.113.7")
	options = append([]Option{
		UsingZoneAPI(h.zone),
		WithCache(h.cache),
		WithHistory(h.history),
		WithNotifier(h.notes),
		UsingResolver(h.resolver),
		withClock(func() time.Time { return h.now }),
	}, options...)
	e, err := New(options...)
	require.NoError(t, err)
	return e, h
}

func (h *harness) seed(addr string) {
	_ = h.cache.Write(context.Background(), testTarget.Key(), CacheEntry{Addr: netip.MustParseAddr(addr), UpdatedAt: h.now.Add(-time.Hour)})
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(WithCache(&memCache{}), WithHistory(&memHistory{}))
	assert.Error(t, err, "zone API is required")

	_, err = New(UsingZoneAPI(&fakeZone{}))
	assert.Error(t, err, "cache and history are required")

	_, err = New(UsingZoneAPI(nil))
	assert.Error(t, err)
}

func TestFirstRunForcesUpdate(t *testing.T) {
	e, h := newHarness(t)

	res := e.Tick(context.Background(), testTarget)

	require.NoError(t, res.Err)
	assert.Equal(t, StateCommitted, res.State)
	assert.Equal(t, ReasonFirstRun, res.Reason)
	assert.False(t, res.Previous.IsValid())
	require.Len(t, h.zone.updates, 1)
	assert.Equal(t, RecordUpdate{Name: "home.example.com", Type: "A", Content: "203.0.113.7"}, h.zone.updates[0])

	entry := h.cache.entries[testTarget.Key()]
	assert.Equal(t, netip.MustParseAddr("203.0.113.7"), entry.Addr)
	assert.Equal(t, h.now, entry.UpdatedAt)

	require.Len(t, h.history.records, 1)
	assert.Nil(t, h.history.records[0].PreviousAddress)
	assert.Equal(t, "203.0.113.7", h.history.records[0].NewAddress)
	assert.Equal(t, "home.example.com", h.history.records[0].RecordName)

	require.Len(t, h.notes.events, 1)
	assert.Equal(t, EventIPChanged, h.notes.events[0].Kind)
	assert.Equal(t, "", h.notes.events[0].Payload["old"])
	assert.Equal(t, "203.0.113.7", h.notes.events[0].Payload["new"])
}

func TestUnchangedAddressIsNoop(t *testing.T) {
	e, h := newHarness(t)
	h.seed("203.0.113.7")

	res := e.Tick(context.Background(), testTarget)

	assert.Equal(t, StateNoChange, res.State)
	assert.NoError(t, res.Err)
	assert.Empty(t, res.Reason)
	assert.Zero(t, h.zone.updateCount())
	assert.Zero(t, h.zone.gets, "remote is not read unless verifying")
	assert.Empty(t, h.history.records)
	assert.Empty(t, h.notes.events)
}

func TestAddressChange(t *testing.T) {
	e, h := newHarness(t)
	h.seed("198.51.100.1")

	res := e.Tick(context.Background(), testTarget)

	require.NoError(t, res.Err)
	assert.Equal(t, StateCommitted, res.State)
	assert.Equal(t, ReasonAddressChanged, res.Reason)
	assert.Equal(t, netip.MustParseAddr("198.51.100.1"), res.Previous)
	assert.Equal(t, 1, h.zone.updateCount())

	require.Len(t, h.history.records, 1)
	require.NotNil(t, h.history.records[0].PreviousAddress)
	assert.Equal(t, "198.51.100.1", *h.history.records[0].PreviousAddress)

	require.Len(t, h.notes.events, 1)
	ev := h.notes.events[0]
	assert.Equal(t, EventIPChanged, ev.Kind)
	assert.Equal(t, map[string]string{"old": "198.51.100.1", "new": "203.0.113.7", "record_name": "home.example.com"}, ev.Payload)
	assert.Equal(t, h.now, ev.OccurredAt)

	// a second tick with the same address does nothing more
	res = e.Tick(context.Background(), testTarget)
	assert.Equal(t, StateNoChange, res.State)
	assert.Equal(t, 1, h.zone.updateCount())
	assert.Len(t, h.history.records, 1)
}

func TestUpdateFailureLeavesCacheForRetry(t *testing.T) {
	e, h := newHarness(t)
	h.seed("198.51.100.1")
	h.zone.updErr = &APIError{Kind: KindRateLimited, Op: "update record rec1", Err: errors.New("429")}

	res := e.Tick(context.Background(), testTarget)

	assert.Equal(t, StateUpdateFailed, res.State)
	var apiErr *APIError
	require.ErrorAs(t, res.Err, &apiErr)
	assert.Equal(t, KindRateLimited, apiErr.Kind)
	assert.Equal(t, netip.MustParseAddr("198.51.100.1"), h.cache.entries[testTarget.Key()].Addr)
	assert.Empty(t, h.history.records)

	require.Len(t, h.notes.events, 1)
	ev := h.notes.events[0]
	assert.Equal(t, EventUpdateFailed, ev.Kind)
	assert.Equal(t, "203.0.113.7", ev.Payload["attempted_address"])
	assert.Equal(t, "rate limited", ev.Payload["error_kind"])
	assert.NotEmpty(t, ev.Payload["error"])

	// the next tick retries and succeeds
	h.zone.updErr = nil
	res = e.Tick(context.Background(), testTarget)
	assert.Equal(t, StateCommitted, res.State)
	assert.Equal(t, 2, h.zone.updateCount())
	assert.Len(t, h.history.records, 1)
}

func TestUnclassifiedUpdateErrorIsNetwork(t *testing.T) {
	e, h := newHarness(t)
	h.zone.updErr = errors.New("connection reset")

	res := e.Tick(context.Background(), testTarget)

	assert.Equal(t, StateUpdateFailed, res.State)
	assert.Equal(t, KindNetwork, apiErrorKind(res.Err))
}

func TestRateLimitedFirstRunLeavesNoTrace(t *testing.T) {
	e, h := newHarness(t)
	h.zone.updErr = &APIError{Kind: KindRateLimited, Op: "update record", Err: errors.New("429 Too Many Requests")}

	res := e.Tick(context.Background(), testTarget)

	assert.Equal(t, StateUpdateFailed, res.State)
	assert.Equal(t, KindRateLimited, apiErrorKind(res.Err))
	assert.Empty(t, h.cache.entries)
	assert.Empty(t, h.history.records)
	require.Len(t, h.notes.events, 1)
	assert.Equal(t, EventUpdateFailed, h.notes.events[0].Kind)
	assert.Equal(t, "203.0.113.7", h.notes.events[0].Payload["attempted_address"])

	h.zone.updErr = nil
	res = e.Tick(context.Background(), testTarget)

	assert.Equal(t, StateCommitted, res.State)
	assert.Equal(t, ReasonFirstRun, res.Reason)
	assert.Equal(t, 2, h.zone.updateCount())
}

func TestHTTPClientReachesCachedWebResolver(t *testing.T) {
	web := &WebResolver{Family: IPv4}
	client := &http.Client{Timeout: time.Second}

	newHarness(t, UsingResolver(CachedResolver(web, time.Minute)), UsingHTTPClient(client))

	assert.Same(t, client, web.HTTPClient)
}

func TestResolutionFailureSkipsTick(t *testing.T) {
	e, h := newHarness(t)
	h.seed("198.51.100.1")
	h.resolver.fail(errors.New("all providers down"))

	res := e.Tick(context.Background(), testTarget)

	assert.Equal(t, StateResolutionFailed, res.State)
	var resErr *ResolutionError
	assert.ErrorAs(t, res.Err, &resErr)
	assert.Zero(t, h.zone.updateCount())
	assert.Empty(t, h.notes.events, "resolution failures are not notified by default")
	assert.Equal(t, netip.MustParseAddr("198.51.100.1"), h.cache.entries[testTarget.Key()].Addr)
}

func TestResolutionFailureNotification(t *testing.T) {
	e, h := newHarness(t, NotifyResolutionFailures(true))
	h.resolver.fail(errors.New("all providers down"))

	res := e.Tick(context.Background(), testTarget)

	assert.Equal(t, StateResolutionFailed, res.State)
	require.Len(t, h.notes.events, 1)
	assert.Equal(t, EventUpdateFailed, h.notes.events[0].Kind)
	assert.Equal(t, "resolution unavailable", h.notes.events[0].Payload["error"])
}

func TestFamilyMismatchIsResolutionFailure(t *testing.T) {
	static, err := FromString("203.0.113.1")
	require.NoError(t, err)
	e, h := newHarness(t, UsingIPv6Resolver(static))

	aaaa := testTarget
	aaaa.RecordType = "AAAA"
	res := e.Tick(context.Background(), aaaa)

	assert.Equal(t, StateResolutionFailed, res.State)
	assert.Zero(t, h.zone.updateCount())
}

func TestRemoteDriftIsRepaired(t *testing.T) {
	e, h := newHarness(t, VerifyRemote(true))
	h.seed("203.0.113.7")
	h.zone.content = "192.0.2.99"

	res := e.Tick(context.Background(), testTarget)

	require.NoError(t, res.Err)
	assert.Equal(t, StateCommitted, res.State)
	assert.Equal(t, ReasonRemoteDrift, res.Reason)
	assert.Equal(t, "203.0.113.7", h.zone.content)
	assert.Equal(t, h.now, h.cache.entries[testTarget.Key()].UpdatedAt, "cache timestamp is refreshed")
	assert.Empty(t, h.history.records, "the public address did not change")
	require.Len(t, h.notes.events, 1)
	assert.Equal(t, EventUpdateSucceeded, h.notes.events[0].Kind)
}

func TestVerifyRemoteAgrees(t *testing.T) {
	e, h := newHarness(t, VerifyRemote(true))
	h.seed("203.0.113.7")
	h.zone.content = "203.0.113.7"

	res := e.Tick(context.Background(), testTarget)

	assert.Equal(t, StateNoChange, res.State)
	assert.Equal(t, 1, h.zone.gets)
	assert.Zero(t, h.zone.updateCount())
}

func TestVerifyRemoteFailureTrustsCache(t *testing.T) {
	e, h := newHarness(t, VerifyRemote(true))
	h.seed("203.0.113.7")
	h.zone.getErr = &APIError{Kind: KindNetwork, Op: "get record rec1", Err: errors.New("timeout")}

	res := e.Tick(context.Background(), testTarget)

	assert.Equal(t, StateNoChange, res.State)
	assert.Zero(t, h.zone.updateCount())
}

func TestDryRunHasNoEffects(t *testing.T) {
	e, h := newHarness(t, DryRun(true))

	res := e.Tick(context.Background(), testTarget)

	assert.True(t, res.DryRun)
	assert.Equal(t, StateNoChange, res.State)
	assert.Equal(t, ReasonFirstRun, res.Reason)
	assert.Zero(t, h.zone.updateCount())
	assert.Empty(t, h.cache.entries)
	assert.Empty(t, h.history.records)
	assert.Empty(t, h.notes.events)
}

func TestCacheReadErrorTreatedAsFirstRun(t *testing.T) {
	e, h := newHarness(t)
	h.cache.readErr = errors.New("corrupt")

	res := e.Tick(context.Background(), testTarget)

	assert.Equal(t, StateCommitted, res.State)
	assert.Equal(t, ReasonFirstRun, res.Reason)
}

func TestPersistenceFailureAfterUpdate(t *testing.T) {
	e, h := newHarness(t)
	h.seed("198.51.100.1")
	h.cache.writeErr = &PersistenceError{Op: "write", Path: "cache.json", Err: errors.New("disk full")}

	res := e.Tick(context.Background(), testTarget)

	assert.Equal(t, StateCommitted, res.State, "the remote update is not undone")
	var perr *PersistenceError
	require.ErrorAs(t, res.Err, &perr)
	assert.Len(t, h.history.records, 1)
	require.Len(t, h.notes.events, 1)
	assert.Contains(t, h.notes.events[0].Payload["persistence_error"], "disk full")
}

func TestCallTimeoutBoundsUpdate(t *testing.T) {
	e, h := newHarness(t, WithCallTimeout(50*time.Millisecond))
	h.seed("198.51.100.1")
	h.zone.onUpdate = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	start := time.Now()
	res := e.Tick(context.Background(), testTarget)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, StateUpdateFailed, res.State)
	assert.True(t, IsTimeout(res.Err))
	assert.Equal(t, KindNetwork, apiErrorKind(res.Err))
	assert.Equal(t, netip.MustParseAddr("198.51.100.1"), h.cache.entries[testTarget.Key()].Addr)
}

func TestCommitSurvivesCancellation(t *testing.T) {
	cache := NewFileCache(t.TempDir() + "/cache.json")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, h := newHarness(t, WithCache(cache))
	h.zone.onUpdate = func(context.Context) error {
		cancel()
		return nil
	}

	res := e.Tick(ctx, testTarget)

	require.NoError(t, res.Err)
	assert.Equal(t, StateCommitted, res.State)
	entry, found, err := cache.Read(context.Background(), testTarget.Key())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, netip.MustParseAddr("203.0.113.7"), entry.Addr)
}

func TestCorruptCacheFileIsRepaired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ip_cache.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	e, h := newHarness(t, WithCache(NewFileCache(path)))

	for i := 0; i < 3; i++ {
		e.Tick(context.Background(), testTarget)
	}

	assert.Equal(t, 1, h.zone.updateCount())
	assert.Len(t, h.history.records, 1)
	assert.Len(t, h.notes.events, 1)
}

func TestSingleEntryCacheFileIsHonored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ip_cache.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"ip": "203.0.113.7", "updated_at": "2024-05-01T09:00:00Z"}`), 0o600))
	e, h := newHarness(t, WithCache(NewFileCache(path)))

	for i := 0; i < 3; i++ {
		res := e.Tick(context.Background(), testTarget)
		assert.Equal(t, StateNoChange, res.State)
	}

	assert.Zero(t, h.zone.updateCount())
	assert.Empty(t, h.history.records)
	assert.Empty(t, h.notes.events)
}

func TestTicksAreSerializedPerTarget(t *testing.T) {
	e, h := newHarness(t)
	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	h.zone.onUpdate = func(context.Context) error {
		entered <- struct{}{}
		<-release
		return nil
	}

	var wg sync.WaitGroup
	results := make([]TickResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.Tick(context.Background(), testTarget)
		}(i)
	}

	<-entered
	assert.Equal(t, StateUpdating, e.State(testTarget))
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, h.zone.maxInFlight.Load())
	assert.Equal(t, 1, h.zone.updateCount(), "the second tick sees the committed cache")
	states := []State{results[0].State, results[1].State}
	assert.ElementsMatch(t, []State{StateCommitted, StateNoChange}, states)
	assert.Equal(t, StateIdle, e.State(testTarget))
}

func TestTargetsAreIndependent(t *testing.T) {
	e, h := newHarness(t)
	other := Target{ZoneID: "zone1", RecordID: "rec2", RecordName: "vpn.example.com", RecordType: "A"}

	assert.Equal(t, StateCommitted, e.Tick(context.Background(), testTarget).State)
	assert.Equal(t, StateCommitted, e.Tick(context.Background(), other).State, "each target has its own cache entry")
	assert.Equal(t, 2, h.zone.updateCount())
	assert.Len(t, h.cache.entries, 2)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	e, h := newHarness(t, WithMetrics(reg))

	e.Tick(context.Background(), testTarget)
	e.Tick(context.Background(), testTarget)
	h.resolver.set("203.0.113.8")
	h.zone.updErr = errors.New("boom")
	e.Tick(context.Background(), testTarget)

	m := e.metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ticks.WithLabelValues("home.example.com", "committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ticks.WithLabelValues("home.example.com", "no_change")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.updates.WithLabelValues("home.example.com", "failure")))
	assert.Equal(t, float64(h.now.Unix()), testutil.ToFloat64(m.lastChange.WithLabelValues("home.example.com")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.notifications.WithLabelValues("delivered")))
}
