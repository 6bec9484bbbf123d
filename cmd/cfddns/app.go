package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Travis-Britz/cfddns"
	"github.com/Travis-Britz/cfddns/internal/config"
	"github.com/Travis-Britz/cfddns/internal/logging"
)

// loadConfig reads the config file, applies command line overrides and initializes logging.
func loadConfig(cmd *cobra.Command) (*config.Config, io.Closer, error) {
	path := config.Path(rootOpts.ConfigPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("loading %s: %w", path, err)
	}
	if cmd.Flags().Changed("dry-run") {
		cfg.DryRun = rootOpts.DryRun
	}
	if rootOpts.LogLevel != "" {
		cfg.Log.Level = rootOpts.LogLevel
	}
	if rootOpts.LogFile != "" {
		cfg.Log.File = rootOpts.LogFile
	}

	closer, err := logging.Init(log.StandardLogger(), cfg.Log.Level, cfg.Resolve(cfg.Log.File))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize log: %w", err)
	}
	log.Debugf("loaded config from %s", path)
	return cfg, closer, nil
}

type historyReader interface {
	Records(ctx context.Context) ([]cfddns.HistoryRecord, error)
}

type stores struct {
	cache   cfddns.CacheStore
	history interface {
		cfddns.HistoryLog
		historyReader
	}
	closer io.Closer
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		rs, err := cfddns.NewRedisStore(ctx, cfg.Storage.RedisURL, cfg.Storage.RedisPrefix)
		if err != nil {
			return nil, err
		}
		return &stores{cache: rs, history: rs, closer: rs}, nil
	case config.BackendFile:
		return &stores{
			cache:   cfddns.NewFileCache(cfg.Resolve(cfg.Storage.CacheFile)),
			history: cfddns.NewFileHistory(cfg.Resolve(cfg.Storage.HistoryFile)),
			closer:  nopCloser{},
		}, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

func (s *stores) Close() error { return s.closer.Close() }

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// apiToken returns api_token, or else the first line of the key file.
func apiToken(cfg *config.Config) (string, error) {
	if cfg.APIToken != "" {
		return cfg.APIToken, nil
	}
	keyFile := cfg.Resolve(cfg.KeyFile)
	if keyFile == "" {
		keyFile = defaultKeyFile()
	}
	if err := verifyPermissions(keyFile); err != nil {
		return "", err
	}
	key, err := readKey(keyFile)
	if err != nil {
		return "", err
	}
	log.Debugf("successfully read key from key file %s", keyFile)
	return key, nil
}

// buildResolvers returns the A and AAAA resolvers described by rc.
func buildResolvers(rc config.ResolverConfig) (v4, v6 cfddns.Resolver, err error) {
	switch {
	case rc.Static != "":
		static, err := cfddns.FromString(rc.Static)
		if err != nil {
			return nil, nil, err
		}
		web4, web6, err := webResolvers(rc)
		if err != nil {
			return nil, nil, err
		}
		if netip.MustParseAddr(rc.Static).Unmap().Is4() {
			return static, web6, nil
		}
		return web4, static, nil
	case len(rc.Interfaces) > 0:
		v4 = cfddns.InterfaceResolver(cfddns.IPv4, rc.Interfaces...)
		v6 = cfddns.InterfaceResolver(cfddns.IPv6, rc.Interfaces...)
	default:
		web4, web6, err := webResolvers(rc)
		if err != nil {
			return nil, nil, err
		}
		v4, v6 = web4, web6
	}
	ttl := rc.CacheTTL.Std()
	return cfddns.CachedResolver(v4, ttl), cfddns.CachedResolver(v6, ttl), nil
}

func webResolvers(rc config.ResolverConfig) (v4, v6 *cfddns.WebResolver, err error) {
	services4, services6 := rc.IPv4, rc.IPv6
	if len(services4) == 0 {
		services4 = cfddns.DefaultIPv4Services
	}
	if len(services6) == 0 {
		services6 = cfddns.DefaultIPv6Services
	}
	if v4, err = cfddns.NewWebResolver(cfddns.IPv4, services4...); err != nil {
		return nil, nil, fmt.Errorf("resolver ipv4: %w", err)
	}
	if v6, err = cfddns.NewWebResolver(cfddns.IPv6, services6...); err != nil {
		return nil, nil, fmt.Errorf("resolver ipv6: %w", err)
	}
	v4.Timeout = rc.Timeout.Std()
	v6.Timeout = rc.Timeout.Std()
	return v4, v6, nil
}

// buildNotifier returns nil when no channel is configured.
func buildNotifier(nc config.NotifyConfig) cfddns.Notifier {
	var ns cfddns.Notifiers
	if nc.Webhook.URL != "" {
		ns = append(ns, &cfddns.WebhookNotifier{URL: nc.Webhook.URL, Username: nc.Webhook.Username})
	}
	if s := nc.SMTP; s.Host != "" {
		ns = append(ns, &cfddns.SMTPNotifier{
			Host:     s.Host,
			Port:     s.Port,
			Username: s.Username,
			Password: s.Password,
			From:     s.From,
			To:       s.To,
		})
	}
	if len(ns) == 0 {
		return nil
	}
	return ns
}

// app is everything a command needs to run ticks.
type app struct {
	cfg      *config.Config
	engine   *cfddns.Engine
	targets  []cfddns.Target
	registry *prometheus.Registry
	stores   *stores
}

func newApp(ctx context.Context, cfg *config.Config, extra ...cfddns.Option) (*app, error) {
	targets, err := cfg.AllTargets()
	if err != nil {
		return nil, err
	}
	token, err := apiToken(cfg)
	if err != nil {
		return nil, err
	}
	v4, v6, err := buildResolvers(cfg.Resolver)
	if err != nil {
		return nil, err
	}
	st, err := openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, targets: targets, stores: st}
	options := []cfddns.Option{
		cfddns.UsingCloudflare(token),
		cfddns.WithCache(st.cache),
		cfddns.WithHistory(st.history),
		cfddns.UsingResolver(v4),
		cfddns.UsingIPv6Resolver(v6),
		cfddns.WithLogger(log.StandardLogger()),
		cfddns.VerifyRemote(cfg.VerifyRemote),
		cfddns.DryRun(cfg.DryRun),
		cfddns.NotifyResolutionFailures(cfg.Notify.OnResolutionFailure),
	}
	if n := buildNotifier(cfg.Notify); n != nil {
		options = append(options, cfddns.WithNotifier(n))
	}
	if cfg.Notify.Timeout > 0 {
		options = append(options, cfddns.WithNotifyTimeout(cfg.Notify.Timeout.Std()))
	}
	if cfg.Metrics.Listen != "" {
		a.registry = prometheus.NewRegistry()
		options = append(options, cfddns.WithMetrics(a.registry))
	}

	a.engine, err = cfddns.New(append(options, extra...)...)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("error creating engine: %w", err)
	}
	return a, nil
}

func (a *app) Close() error { return a.stores.Close() }

// tickAll runs one tick per target in order and returns the failures.
func (a *app) tickAll(ctx context.Context, targets []cfddns.Target, report func(cfddns.TickResult)) error {
	var errs *multierror.Error
	for _, t := range targets {
		res := a.engine.Tick(ctx, t)
		report(res)
		if res.Err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", t.RecordName, res.Err))
		}
	}
	return errs.ErrorOrNil()
}

func filterTargets(targets []cfddns.Target, names []string) ([]cfddns.Target, error) {
	if len(names) == 0 {
		return targets, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []cfddns.Target
	matched := make(map[string]bool, len(names))
	for _, t := range targets {
		if want[t.RecordName] {
			out = append(out, t)
			matched[t.RecordName] = true
		}
	}
	var missing []string
	for n := range want {
		if !matched[n] {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("unknown record(s): %v", missing)
	}
	if len(out) == 0 {
		return nil, errors.New("no targets selected")
	}
	return out, nil
}
