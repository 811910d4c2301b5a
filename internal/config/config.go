// Package config loads the emulator configuration from a YAML file and
// GEMINI_* environment variables, in that order of precedence (env wins).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// DefaultPath is the config file read when none is given.
const DefaultPath = "gemini.yaml"

// Clock configures emulated time. A zero Start means wall-clock time.
type Clock struct {
	Start time.Time `yaml:"start"`
	Speed float64   `yaml:"speed"`
}

// Config is the full emulator configuration.
type Config struct {
	TLEFile       string `yaml:"tle_file"`
	TLEURL        string `yaml:"tle_url"`
	TLECacheDir   string `yaml:"tle_cache_dir"`
	TLECacheFiles int    `yaml:"tle_cache_files"`

	FacilitiesFile string `yaml:"facilities_file"`
	ISLsFile       string `yaml:"isls_file"`
	HostsFile      string `yaml:"hosts_file"`

	UpdateInterval  time.Duration `yaml:"update_interval"`
	MinElevationDeg float64       `yaml:"min_elevation_deg"`
	ReferenceTime   time.Time     `yaml:"reference_time"`
	Clock           Clock         `yaml:"clock"`

	DryRun              bool          `yaml:"dry_run"`
	HostTimeout         time.Duration `yaml:"host_timeout"`
	DispatchConcurrency int           `yaml:"dispatch_concurrency"`

	RouterWorkers     int `yaml:"router_workers"`
	VisibilityWorkers int `yaml:"visibility_workers"`

	// HTTPAddr is the API listen address; empty disables the API.
	HTTPAddr       string `yaml:"http_addr"`
	APIToken       string `yaml:"api_token"`
	TrustProxy     bool   `yaml:"trust_proxy"`
	StreamMaxPerIP int    `yaml:"stream_max_per_ip"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
}

// Default returns the configuration used for anything not set explicitly.
func Default() Config {
	return Config{
		TLECacheDir:         "data/tle-cache",
		TLECacheFiles:       5,
		UpdateInterval:      100 * time.Second,
		ReferenceTime:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Clock:               Clock{Speed: 1},
		DryRun:              true,
		HostTimeout:         10 * time.Second,
		DispatchConcurrency: 16,
		RouterWorkers:       runtime.GOMAXPROCS(0),
		VisibilityWorkers:   runtime.GOMAXPROCS(0),
		HTTPAddr:            ":8080",
		StreamMaxPerIP:      10,
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// Load reads path over the defaults, applies environment overrides from
// lookup and validates the result. A missing file is an error only when
// required is set.
func Load(path string, required bool, lookup func(string) (string, bool), logger *slog.Logger) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.Strict()); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !required:
		logger.Info("no config file, using defaults and environment", "path", path)
	default:
		return Config{}, err
	}

	applyEnv(&cfg, lookup, logger)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.TLEFile == "" && c.TLEURL == "":
		return errors.New("config: one of tle_file or tle_url is required")
	case c.FacilitiesFile == "":
		return errors.New("config: facilities_file is required")
	case c.ISLsFile == "":
		return errors.New("config: isls_file is required")
	case c.UpdateInterval <= 0:
		return fmt.Errorf("config: update_interval must be positive, got %s", c.UpdateInterval)
	case c.MinElevationDeg < -90 || c.MinElevationDeg > 90:
		return fmt.Errorf("config: min_elevation_deg must be within [-90, 90], got %g", c.MinElevationDeg)
	case c.Clock.Speed < 0:
		return fmt.Errorf("config: clock.speed must not be negative, got %g", c.Clock.Speed)
	case c.HostTimeout <= 0:
		return fmt.Errorf("config: host_timeout must be positive, got %s", c.HostTimeout)
	case c.DispatchConcurrency < 1:
		return fmt.Errorf("config: dispatch_concurrency must be at least 1, got %d", c.DispatchConcurrency)
	case c.RouterWorkers < 0 || c.VisibilityWorkers < 0:
		return errors.New("config: worker counts must not be negative")
	case c.StreamMaxPerIP < 1:
		return fmt.Errorf("config: stream_max_per_ip must be at least 1, got %d", c.StreamMaxPerIP)
	case c.TLECacheFiles < 1:
		return fmt.Errorf("config: tle_cache_files must be at least 1, got %d", c.TLECacheFiles)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("config: log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

const envPrefix = "GEMINI_"

type envVar struct {
	name  string
	apply func(c *Config, v string) error
}

var envVars = []envVar{
	{"TLE_FILE", func(c *Config, v string) error { c.TLEFile = v; return nil }},
	{"TLE_URL", func(c *Config, v string) error { c.TLEURL = v; return nil }},
	{"TLE_CACHE_DIR", func(c *Config, v string) error { c.TLECacheDir = v; return nil }},
	{"TLE_CACHE_FILES", intVar(func(c *Config) *int { return &c.TLECacheFiles })},
	{"FACILITIES_FILE", func(c *Config, v string) error { c.FacilitiesFile = v; return nil }},
	{"ISLS_FILE", func(c *Config, v string) error { c.ISLsFile = v; return nil }},
	{"HOSTS_FILE", func(c *Config, v string) error { c.HostsFile = v; return nil }},
	{"UPDATE_INTERVAL", durationVar(func(c *Config) *time.Duration { return &c.UpdateInterval })},
	{"MIN_ELEVATION_DEG", floatVar(func(c *Config) *float64 { return &c.MinElevationDeg })},
	{"REFERENCE_TIME", timeVar(func(c *Config) *time.Time { return &c.ReferenceTime })},
	{"CLOCK_START", timeVar(func(c *Config) *time.Time { return &c.Clock.Start })},
	{"CLOCK_SPEED", floatVar(func(c *Config) *float64 { return &c.Clock.Speed })},
	{"DRY_RUN", boolVar(func(c *Config) *bool { return &c.DryRun })},
	{"HOST_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.HostTimeout })},
	{"DISPATCH_CONCURRENCY", intVar(func(c *Config) *int { return &c.DispatchConcurrency })},
	{"ROUTER_WORKERS", intVar(func(c *Config) *int { return &c.RouterWorkers })},
	{"VISIBILITY_WORKERS", intVar(func(c *Config) *int { return &c.VisibilityWorkers })},
	{"HTTP_ADDR", func(c *Config, v string) error { c.HTTPAddr = v; return nil }},
	{"API_TOKEN", func(c *Config, v string) error { c.APIToken = v; return nil }},
	{"TRUST_PROXY", boolVar(func(c *Config) *bool { return &c.TrustProxy })},
	{"STREAM_MAX_PER_IP", intVar(func(c *Config) *int { return &c.StreamMaxPerIP })},
	{"LOG_LEVEL", func(c *Config, v string) error { c.LogLevel = strings.ToLower(v); return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.LogFormat = strings.ToLower(v); return nil }},
	{"LOG_FILE", func(c *Config, v string) error { c.LogFile = v; return nil }},
}

// applyEnv overrides fields from GEMINI_* variables. Unparseable values are
// logged and the previous value kept.
func applyEnv(cfg *Config, lookup func(string) (string, bool), logger *slog.Logger) {
	for _, ev := range envVars {
		name := envPrefix + ev.name
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		if err := ev.apply(cfg, v); err != nil {
			logger.Warn("invalid environment value, ignoring", "name", name, "value", v, "error", err)
		}
	}
}

func intVar(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func boolVar(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func floatVar(field func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(c) = f
		return nil
	}
}

// durationVar accepts a Go duration ("90s") or whole seconds ("90").
func durationVar(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		if n, err := strconv.Atoi(v); err == nil {
			*field(c) = time.Duration(n) * time.Second
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func timeVar(field func(*Config) *time.Time) func(*Config, string) error {
	return func(c *Config, v string) error {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return err
		}
		*field(c) = t.UTC()
		return nil
	}
}
