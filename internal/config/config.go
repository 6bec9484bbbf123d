// Package config loads the cfddns YAML configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.yaml.in/yaml/v3"

	"github.com/Travis-Britz/cfddns"
)

// EnvPath names the environment variable holding the config file path.
const EnvPath = "CFDDNS_CONFIG"

const (
	DefaultPath        = "cfddns.yaml"
	DefaultInterval    = 5 * time.Minute
	DefaultCacheFile   = "ip_cache.json"
	DefaultHistoryFile = "ip_history.jsonl"

	BackendFile  = "file"
	BackendRedis = "redis"
)

// Config is the whole configuration file.
type Config struct {
	Interval     Duration       `yaml:"interval"`
	VerifyRemote bool           `yaml:"verify_remote"`
	DryRun       bool           `yaml:"dry_run"`
	APIToken     string         `yaml:"api_token"`
	KeyFile      string         `yaml:"key_file"`
	Storage      StorageConfig  `yaml:"storage"`
	Resolver     ResolverConfig `yaml:"resolver"`
	Notify       NotifyConfig   `yaml:"notify"`
	Targets      []TargetConfig `yaml:"targets"`
	TargetsFile  string         `yaml:"targets_file"`
	Log          LogConfig      `yaml:"log"`
	Metrics      MetricsConfig  `yaml:"metrics"`

	// dir is the directory of the config file; relative paths are resolved against it.
	dir string
}

type StorageConfig struct {
	Backend     string `yaml:"backend"`
	CacheFile   string `yaml:"cache_file"`
	HistoryFile string `yaml:"history_file"`
	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`
}

type ResolverConfig struct {
	IPv4       []string `yaml:"ipv4"`
	IPv6       []string `yaml:"ipv6"`
	Timeout    Duration `yaml:"timeout"`
	CacheTTL   Duration `yaml:"cache_ttl"`
	Interfaces []string `yaml:"interfaces"`
	Static     string   `yaml:"static"`
}

type NotifyConfig struct {
	Timeout             Duration      `yaml:"timeout"`
	OnResolutionFailure bool          `yaml:"on_resolution_failure"`
	Webhook             WebhookConfig `yaml:"webhook"`
	SMTP                SMTPConfig    `yaml:"smtp"`
}

type WebhookConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
}

type SMTPConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

type TargetConfig struct {
	Name     string `yaml:"name"`
	ZoneID   string `yaml:"zone_id"`
	RecordID string `yaml:"record_id"`
	Type     string `yaml:"type"`
	TTL      int    `yaml:"ttl"`
	Proxied  *bool  `yaml:"proxied"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Duration accepts either a Go duration string ("5m") or an integer number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if secs, err := strconv.Atoi(value.Value); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, value.Value)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Path returns the config path from the flag value, then $CFDDNS_CONFIG, then DefaultPath.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.dir = filepath.Dir(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data and applies defaults without validating.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Expand ${ENV_VAR} references in secrets and endpoints.
	for _, s := range []*string{
		&cfg.APIToken,
		&cfg.KeyFile,
		&cfg.Storage.RedisURL,
		&cfg.Notify.Webhook.URL,
		&cfg.Notify.SMTP.Username,
		&cfg.Notify.SMTP.Password,
	} {
		*s = os.ExpandEnv(*s)
	}

	if cfg.Interval == 0 {
		cfg.Interval = Duration(DefaultInterval)
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendFile
	}
	if cfg.Storage.CacheFile == "" {
		cfg.Storage.CacheFile = DefaultCacheFile
	}
	if cfg.Storage.HistoryFile == "" {
		cfg.Storage.HistoryFile = DefaultHistoryFile
	}
	for i := range cfg.Targets {
		if cfg.Targets[i].Type == "" {
			cfg.Targets[i].Type = "A"
		}
		cfg.Targets[i].Type = strings.ToUpper(cfg.Targets[i].Type)
	}
	return &cfg, nil
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs *multierror.Error
	if c.Interval.Std() < cfddns.MinInterval {
		errs = multierror.Append(errs, fmt.Errorf("interval %s is shorter than the minimum %s", c.Interval.Std(), cfddns.MinInterval))
	}
	switch c.Storage.Backend {
	case BackendFile:
	case BackendRedis:
		if c.Storage.RedisURL == "" {
			errs = multierror.Append(errs, errors.New("storage: redis backend needs redis_url"))
		}
	default:
		errs = multierror.Append(errs, fmt.Errorf("storage: unknown backend %q", c.Storage.Backend))
	}
	if c.Resolver.Static != "" {
		if _, err := cfddns.FromString(c.Resolver.Static); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("resolver: static: %w", err))
		}
	}
	if len(c.Targets) == 0 && c.TargetsFile == "" {
		errs = multierror.Append(errs, errors.New("no targets configured"))
	}
	for i, t := range c.Targets {
		if err := t.validate(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("targets[%d]: %w", i, err))
		}
	}
	if s := c.Notify.SMTP; s.Host != "" && (s.From == "" || len(s.To) == 0) {
		errs = multierror.Append(errs, errors.New("notify: smtp needs from and to"))
	}
	return errs.ErrorOrNil()
}

func (t TargetConfig) validate() error {
	var errs *multierror.Error
	if t.Type != "A" && t.Type != "AAAA" {
		errs = multierror.Append(errs, fmt.Errorf("type %q is not an address record type", t.Type))
	}
	if t.ZoneID == "" {
		errs = multierror.Append(errs, errors.New("missing zone_id"))
	}
	if t.RecordID == "" {
		errs = multierror.Append(errs, errors.New("missing record_id"))
	}
	if t.Name == "" {
		errs = multierror.Append(errs, errors.New("missing name"))
	}
	if t.TTL < 0 {
		errs = multierror.Append(errs, errors.New("ttl cannot be negative"))
	}
	return errs.ErrorOrNil()
}

func (t TargetConfig) Target() cfddns.Target {
	return cfddns.Target{
		ZoneID:     t.ZoneID,
		RecordID:   t.RecordID,
		RecordName: t.Name,
		RecordType: t.Type,
		TTL:        t.TTL,
		Proxied:    t.Proxied,
	}
}

// Resolve returns path relative to the config file directory unless it is absolute.
func (c *Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || c.dir == "" {
		return path
	}
	return filepath.Join(c.dir, path)
}

// AllTargets returns the configured targets followed by those imported from TargetsFile.
// A target listed in both places is kept once.
func (c *Config) AllTargets() ([]cfddns.Target, error) {
	seen := make(map[string]bool)
	var targets []cfddns.Target
	for _, tc := range c.Targets {
		t := tc.Target()
		if !seen[t.Key()] {
			seen[t.Key()] = true
			targets = append(targets, t)
		}
	}
	if c.TargetsFile == "" {
		return targets, nil
	}

	legacy, err := LoadTargetsFile(c.Resolve(c.TargetsFile))
	if err != nil {
		return nil, err
	}
	for _, t := range legacy {
		if !seen[t.Key()] {
			seen[t.Key()] = true
			targets = append(targets, t)
		}
	}
	if len(targets) == 0 {
		return nil, errors.New("no targets configured")
	}
	return targets, nil
}

type legacyTarget struct {
	ZoneID   string `json:"zone_id"`
	RecordID string `json:"record_id"`
}

// LoadTargetsFile reads an auto-update target file, a JSON object of
//
//	"<domain>:<record name>": {"zone_id": "...", "record_id": "..."}
//
// Every entry becomes an A record target. Record names without the domain suffix are qualified with it.
func LoadTargetsFile(path string) ([]cfddns.Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading targets file: %w", err)
	}
	entries := make(map[string]legacyTarget)
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing targets file: %w", err)
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs *multierror.Error
	targets := make([]cfddns.Target, 0, len(keys))
	for _, k := range keys {
		domain, name, ok := strings.Cut(k, ":")
		e := entries[k]
		if !ok || name == "" || e.ZoneID == "" || e.RecordID == "" {
			errs = multierror.Append(errs, fmt.Errorf("targets file entry %q is incomplete", k))
			continue
		}
		if name != domain && !strings.HasSuffix(name, "."+domain) {
			name = name + "." + domain
		}
		targets = append(targets, cfddns.Target{
			ZoneID:     e.ZoneID,
			RecordID:   e.RecordID,
			RecordName: name,
			RecordType: "A",
		})
	}
	return targets, errs.ErrorOrNil()
}
