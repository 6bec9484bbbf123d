package cfddns

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var discard = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

const (
	defaultCallTimeout   = 30 * time.Second
	defaultNotifyTimeout = 10 * time.Second
)

// State is a step of the per-target update state machine.
type State int

const (
	StateIdle State = iota
	StateResolving
	StateComparing
	StateNoChange
	StateUpdating
	StateCommitted
	StateUpdateFailed
	StateResolutionFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateComparing:
		return "comparing"
	case StateNoChange:
		return "no_change"
	case StateUpdating:
		return "updating"
	case StateCommitted:
		return "committed"
	case StateUpdateFailed:
		return "update_failed"
	case StateResolutionFailed:
		return "resolution_failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Reasons for attempting an update.
const (
	ReasonFirstRun       = "first run"
	ReasonAddressChanged = "address changed"
	ReasonRemoteDrift    = "remote record edited"
)

// TickResult describes what one tick did for one target.
type TickResult struct {
	Target   Target
	State    State      // final state before returning to idle
	Previous netip.Addr // cached address before the tick; invalid on first run
	Addr     netip.Addr // resolved address; invalid if resolution failed
	Reason   string     // why an update was due; empty when nothing changed
	DryRun   bool       // an update was due but skipped
	Err      error
}

// Engine performs update ticks for tracked targets.
//
// It should be constructed using New.
type Engine struct {
	zone      ZoneAPI
	cache     CacheStore
	history   HistoryLog
	resolvers map[Family]Resolver
	notifier  Notifier
	logger    logrus.FieldLogger
	metrics   *engineMetrics

	httpClient               *http.Client
	verifyRemote             bool
	dryRun                   bool
	notifyResolutionFailures bool
	callTimeout              time.Duration
	notifyTimeout            time.Duration
	now                      func() time.Time

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	states map[string]State
}

type Option func(*Engine) error

// New constructs an Engine.
// A zone API (UsingCloudflare or UsingZoneAPI), a cache (WithCache) and a history log (WithHistory) are required.
// Without UsingResolver the public address is looked up with the DefaultIPv4Services and DefaultIPv6Services.
func New(options ...Option) (*Engine, error) {
	e := &Engine{
		resolvers:     map[Family]Resolver{},
		logger:        discard,
		callTimeout:   defaultCallTimeout,
		notifyTimeout: defaultNotifyTimeout,
		now:           time.Now,
		locks:         map[string]*sync.Mutex{},
		states:        map[string]State{},
	}
	for i, opt := range options {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("cfddns.New: option %d returned an error: %s", i, err)
		}
	}

	if e.zone == nil {
		return nil, errors.New("cfddns.New: no zone API was registered - use cfddns.UsingCloudflare or similar")
	}
	if e.cache == nil || e.history == nil {
		return nil, errors.New("cfddns.New: a cache store and a history log are required - use cfddns.WithCache and cfddns.WithHistory")
	}
	if _, ok := e.resolvers[IPv4]; !ok {
		e.resolvers[IPv4] = &WebResolver{Family: IPv4, URLs: mustParseURLs(DefaultIPv4Services)}
	}
	if _, ok := e.resolvers[IPv6]; !ok {
		e.resolvers[IPv6] = &WebResolver{Family: IPv6, URLs: mustParseURLs(DefaultIPv6Services)}
	}

	// this lets us propagate the logger and http client to dependencies registered after WithLogger or UsingHTTPClient
	e.propagate()
	return e, nil
}

func (e *Engine) propagate() {
	type setLogger interface {
		SetLogger(logrus.FieldLogger)
	}
	type setHTTPClient interface {
		SetHTTPClient(*http.Client)
	}

	deps := []any{e.zone, e.notifier}
	for _, r := range e.resolvers {
		deps = append(deps, r)
	}
	if ns, ok := e.notifier.(Notifiers); ok {
		for _, n := range ns {
			deps = append(deps, n)
		}
	}
	for _, d := range deps {
		if l, ok := d.(setLogger); ok {
			l.SetLogger(e.logger)
		}
		if hc, ok := d.(setHTTPClient); ok && e.httpClient != nil {
			hc.SetHTTPClient(e.httpClient)
		}
	}
}

func UsingCloudflare(token string) Option {
	return func(e *Engine) (err error) {
		if e.zone, err = newCloudflareZone(token); err != nil {
			return fmt.Errorf("cfddns.UsingCloudflare: error creating cloudflare zone API: %w", err)
		}
		return nil
	}
}

func UsingZoneAPI(z ZoneAPI) Option {
	return func(e *Engine) error {
		if z == nil {
			return errors.New("zone API cannot be nil")
		}
		e.zone = z
		return nil
	}
}

// UsingResolver sets the resolver for A records.
func UsingResolver(r Resolver) Option {
	return usingResolver(IPv4, r)
}

// UsingIPv6Resolver sets the resolver for AAAA records.
func UsingIPv6Resolver(r Resolver) Option {
	return usingResolver(IPv6, r)
}

func usingResolver(f Family, r Resolver) Option {
	return func(e *Engine) error {
		if r == nil {
			return fmt.Errorf("%s resolver cannot be nil", f)
		}
		e.resolvers[f] = r
		return nil
	}
}

func WithCache(c CacheStore) Option {
	return func(e *Engine) error {
		e.cache = c
		return nil
	}
}

func WithHistory(h HistoryLog) Option {
	return func(e *Engine) error {
		e.history = h
		return nil
	}
}

// WithNotifier sets where events are sent. Use Notifiers for several channels.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) error {
		e.notifier = n
		return nil
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(e *Engine) error {
		if logger == nil {
			logger = discard
		}
		e.logger = logger
		return nil
	}
}

// WithMetrics registers the engine's prometheus collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(e *Engine) error {
		e.metrics = newEngineMetrics(reg)
		return nil
	}
}

func UsingHTTPClient(httpclient *http.Client) Option {
	return func(e *Engine) error {
		if httpclient == nil {
			httpclient = http.DefaultClient
		}
		e.httpClient = httpclient
		return nil
	}
}

// VerifyRemote makes the engine read the live record whenever the cache agrees with the resolved address,
// so that edits made outside this program are detected and reverted.
func VerifyRemote(verify bool) Option {
	return func(e *Engine) error {
		e.verifyRemote = verify
		return nil
	}
}

// DryRun makes ticks stop after deciding; no update, cache write, history or notification happens.
func DryRun(dryRun bool) Option {
	return func(e *Engine) error {
		e.dryRun = dryRun
		return nil
	}
}

// NotifyResolutionFailures sends an update_failed event when the public address cannot be resolved.
func NotifyResolutionFailures(notify bool) Option {
	return func(e *Engine) error {
		e.notifyResolutionFailures = notify
		return nil
	}
}

// WithCallTimeout bounds each resolve and zone API call.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) error {
		if d <= 0 {
			return errors.New("call timeout must be positive")
		}
		e.callTimeout = d
		return nil
	}
}

// WithNotifyTimeout bounds each notification.
func WithNotifyTimeout(d time.Duration) Option {
	return func(e *Engine) error {
		if d <= 0 {
			return errors.New("notify timeout must be positive")
		}
		e.notifyTimeout = d
		return nil
	}
}

func withClock(now func() time.Time) Option {
	return func(e *Engine) error {
		e.now = now
		return nil
	}
}

// State returns the current state of t; StateIdle when no tick is running.
func (e *Engine) State(t Target) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[t.Key()]
}

func (e *Engine) setState(t Target, s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s == StateIdle {
		delete(e.states, t.Key())
		return
	}
	e.states[t.Key()] = s
}

// lock serializes ticks of one target, including ticks started outside a Scheduler.
func (e *Engine) lock(key string) (unlock func()) {
	e.mu.Lock()
	l, ok := e.locks[key]
	if !ok {
		l = new(sync.Mutex)
		e.locks[key] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Tick runs one pass of the state machine for t:
// resolve the public address, compare it with the cache (and the live record when verifying),
// and on a mismatch issue exactly one update.
// Cache, history and notifications are written only after the update outcome is known.
//
// Tick never panics on provider or storage failures; they are reported in the result.
func (e *Engine) Tick(ctx context.Context, t Target) TickResult {
	unlock := e.lock(t.Key())
	defer unlock()
	defer e.setState(t, StateIdle)

	log := e.logger.WithFields(logrus.Fields{"record": t.RecordName, "zone": t.ZoneID})
	res := e.tick(ctx, t, log)
	e.metrics.tick(res)
	return res
}

func (e *Engine) tick(ctx context.Context, t Target, log logrus.FieldLogger) TickResult {
	res := TickResult{Target: t}

	e.setState(t, StateResolving)
	obs, err := e.resolve(ctx, t)
	if err != nil {
		log.Warnf("skipping tick: %s", err)
		res.State, res.Err = StateResolutionFailed, err
		if e.notifyResolutionFailures {
			e.notify(ctx, log, Event{
				Kind:       EventUpdateFailed,
				OccurredAt: e.now(),
				Payload: map[string]string{
					"record_name": t.RecordName,
					"error":       "resolution unavailable",
					"detail":      err.Error(),
				},
			})
		}
		return res
	}
	res.Addr = obs.Addr
	log = log.WithField("ip", obs.Addr.String())

	e.setState(t, StateComparing)
	cached, found, err := e.cache.Read(ctx, t.Key())
	if err != nil {
		log.Errorf("unable to read cache, treating as first run: %s", err)
		found = false
	}
	if found {
		res.Previous = cached.Addr
	}
	res.Reason = e.compare(ctx, log, t, obs.Addr, cached, found)
	if res.Reason == "" {
		log.Debugf("address unchanged")
		res.State = StateNoChange
		return res
	}
	if e.dryRun {
		log.Infof("dry run: would update record to %s (%s)", obs.Addr, res.Reason)
		res.State, res.DryRun = StateNoChange, true
		return res
	}

	e.setState(t, StateUpdating)
	log.Infof("updating record (%s)", res.Reason)
	if err := e.update(ctx, t, obs.Addr); err != nil {
		log.Errorf("update failed, will retry next tick: %s", err)
		res.State, res.Err = StateUpdateFailed, err
		e.notify(ctx, log, Event{
			Kind:       EventUpdateFailed,
			OccurredAt: e.now(),
			Payload: map[string]string{
				"record_name":       t.RecordName,
				"attempted_address": obs.Addr.String(),
				"error":             err.Error(),
				"error_kind":        apiErrorKind(err).String(),
			},
		})
		return res
	}

	res.State = StateCommitted
	res.Err = e.commit(ctx, log, t, obs.Addr, cached, found)
	return res
}

func (e *Engine) resolve(ctx context.Context, t Target) (Observation, error) {
	r, ok := e.resolvers[FamilyOf(t.RecordType)]
	if !ok {
		return Observation{}, &ResolutionError{Err: fmt.Errorf("no resolver for %s records", t.RecordType)}
	}
	ctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	obs, err := r.Resolve(ctx)
	if err != nil {
		var resErr *ResolutionError
		if errors.As(err, &resErr) {
			return Observation{}, err
		}
		return Observation{}, &ResolutionError{Err: err}
	}
	if !t.accepts(obs.Addr) {
		return Observation{}, &ResolutionError{Err: fmt.Errorf("resolver returned %q for %s record", obs.Addr, t.RecordType)}
	}
	return obs, nil
}

// compare returns why the record needs an update, or "" if it does not.
// The cache is the fast path; the live record is read only to catch edits made elsewhere.
func (e *Engine) compare(ctx context.Context, log logrus.FieldLogger, t Target, addr netip.Addr, cached CacheEntry, found bool) string {
	if !found {
		return ReasonFirstRun
	}
	if cached.Addr != addr {
		return ReasonAddressChanged
	}
	if !e.verifyRemote {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	rec, err := e.zone.GetRecord(ctx, t.ZoneID, t.RecordID)
	if err != nil {
		log.Warnf("unable to verify remote record, trusting cache: %s", err)
		return ""
	}
	remote, err := netip.ParseAddr(rec.Content)
	if err != nil || remote.Unmap() != addr {
		log.Warnf("remote record holds %q: edited outside cfddns", rec.Content)
		return ReasonRemoteDrift
	}
	return ""
}

func (e *Engine) update(ctx context.Context, t Target, addr netip.Addr) error {
	ctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	err := e.zone.UpdateRecord(ctx, t.ZoneID, t.RecordID, RecordUpdate{
		Name:    t.RecordName,
		Type:    t.RecordType,
		Content: addr.String(),
		TTL:     t.TTL,
		Proxied: t.Proxied,
	})
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		err = &APIError{Kind: KindNetwork, Op: "update record " + t.RecordID, Err: err}
	}
	return err
}

// commit records a confirmed update. The remote record has already changed,
// so the effects run even if ctx is cancelled, and storage failures are reported, not undone.
func (e *Engine) commit(ctx context.Context, log logrus.FieldLogger, t Target, addr netip.Addr, cached CacheEntry, found bool) error {
	ctx = context.WithoutCancel(ctx)
	now := e.now()
	var errs *multierror.Error

	if err := e.cache.Write(ctx, t.Key(), CacheEntry{Addr: addr, UpdatedAt: now}); err != nil {
		log.Errorf("record updated but cache write failed: %s", err)
		errs = multierror.Append(errs, err)
	}

	changed := !found || cached.Addr != addr
	event := Event{
		Kind:       EventUpdateSucceeded,
		OccurredAt: now,
		Payload: map[string]string{
			"record_name": t.RecordName,
			"new":         addr.String(),
		},
	}
	if changed {
		rec := HistoryRecord{NewAddress: addr.String(), ChangedAt: now, RecordName: t.RecordName}
		event.Kind = EventIPChanged
		event.Payload["old"] = ""
		if found {
			prev := cached.Addr.String()
			rec.PreviousAddress = &prev
			event.Payload["old"] = prev
		}
		if err := e.history.Append(ctx, rec); err != nil {
			log.Errorf("record updated but history append failed: %s", err)
			errs = multierror.Append(errs, err)
		}
	}
	if errs != nil {
		event.Payload["persistence_error"] = errs.Error()
	}

	e.metrics.committed(t, float64(now.Unix()))
	log.Infof("record updated")
	e.notify(ctx, log, event)
	return errs.ErrorOrNil()
}

func (e *Engine) notify(ctx context.Context, log logrus.FieldLogger, event Event) {
	if e.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.notifyTimeout)
	defer cancel()

	out := e.notifier.Notify(ctx, event)
	e.metrics.notified(out)
	switch {
	case !out.Delivered:
		log.Errorf("%s notification not delivered: %s", event.Kind, out.Err)
	case out.Err != nil:
		log.Warnf("%s notification partially delivered: %s", event.Kind, out.Err)
	}
}

func mustParseURLs(services []string) []*url.URL {
	wr, err := NewWebResolver(AnyFamily, services...)
	if err != nil {
		panic(err)
	}
	return wr.URLs
}
