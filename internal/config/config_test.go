package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gemini.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimal = `
tle_file: data/starlink.tle
facilities_file: data/facilities.yaml
isls_file: data/isls.txt
`

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, minimal+`
hosts_file: data/hosts.yaml
update_interval: 30s
min_elevation_deg: 25
reference_time: 2024-04-10T12:00:00Z
clock:
  start: 2024-04-10T00:00:00Z
  speed: 10
dry_run: false
host_timeout: 5s
dispatch_concurrency: 4
router_workers: 2
http_addr: ":9090"
log_level: debug
log_format: json
`)
	cfg, err := Load(path, true, env(nil), testLogger())
	require.NoError(t, err)

	assert.Equal(t, "data/starlink.tle", cfg.TLEFile)
	assert.Equal(t, "data/hosts.yaml", cfg.HostsFile)
	assert.Equal(t, 30*time.Second, cfg.UpdateInterval)
	assert.Equal(t, 25.0, cfg.MinElevationDeg)
	assert.True(t, cfg.ReferenceTime.Equal(time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)))
	assert.True(t, cfg.Clock.Start.Equal(time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 10.0, cfg.Clock.Speed)
	assert.False(t, cfg.DryRun)
	assert.Equal(t, 5*time.Second, cfg.HostTimeout)
	assert.Equal(t, 4, cfg.DispatchConcurrency)
	assert.Equal(t, 2, cfg.RouterWorkers)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "json", cfg.LogFormat)

	// Unset fields keep their defaults.
	assert.Equal(t, Default().TLECacheDir, cfg.TLECacheDir)
	assert.Equal(t, Default().VisibilityWorkers, cfg.VisibilityWorkers)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal), true, env(nil), testLogger())
	require.NoError(t, err)

	assert.Equal(t, 100*time.Second, cfg.UpdateInterval)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, 10*time.Second, cfg.HostTimeout)
	assert.Equal(t, 16, cfg.DispatchConcurrency)
	assert.True(t, cfg.Clock.Start.IsZero())
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadUnknownField(t *testing.T) {
	_, err := Load(writeConfig(t, minimal+"update_intervall: 10s\n"), true, env(nil), testLogger())
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")

	_, err := Load(missing, true, env(nil), testLogger())
	assert.ErrorIs(t, err, os.ErrNotExist)

	cfg, err := Load(missing, false, env(map[string]string{
		"GEMINI_TLE_URL":         "https://example.com/starlink.tle",
		"GEMINI_FACILITIES_FILE": "f.yaml",
		"GEMINI_ISLS_FILE":       "i.txt",
	}), testLogger())
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/starlink.tle", cfg.TLEURL)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, minimal+"update_interval: 30s\n")
	cfg, err := Load(path, true, env(map[string]string{
		"GEMINI_UPDATE_INTERVAL":   "45",
		"GEMINI_HOST_TIMEOUT":      "1500ms",
		"GEMINI_MIN_ELEVATION_DEG": "15.5",
		"GEMINI_DRY_RUN":           "false",
		"GEMINI_CLOCK_START":       "2024-01-01T00:00:00+08:00",
		"GEMINI_LOG_LEVEL":         "WARN",
		"GEMINI_ROUTER_WORKERS":    "3",
		"GEMINI_API_TOKEN":         "tok",
		"GEMINI_TRUST_PROXY":       "true",
	}), testLogger())
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.UpdateInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.HostTimeout)
	assert.Equal(t, 15.5, cfg.MinElevationDeg)
	assert.False(t, cfg.DryRun)
	assert.True(t, cfg.Clock.Start.Equal(time.Date(2023, 12, 31, 16, 0, 0, 0, time.UTC)))
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 3, cfg.RouterWorkers)
	assert.Equal(t, "tok", cfg.APIToken)
	assert.True(t, cfg.TrustProxy)
}

func TestEnvInvalidKeepsValue(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	path := writeConfig(t, minimal+"dispatch_concurrency: 8\n")
	cfg, err := Load(path, true, env(map[string]string{
		"GEMINI_DISPATCH_CONCURRENCY": "many",
		"GEMINI_UPDATE_INTERVAL":      "soon",
	}), logger)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.DispatchConcurrency)
	assert.Equal(t, 100*time.Second, cfg.UpdateInterval)
	assert.Contains(t, buf.String(), "GEMINI_DISPATCH_CONCURRENCY")
	assert.Contains(t, buf.String(), "GEMINI_UPDATE_INTERVAL")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Default()
		c.TLEFile = "t.tle"
		c.FacilitiesFile = "f.yaml"
		c.ISLsFile = "i.txt"
		return c
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no tle source", func(c *Config) { c.TLEFile = "" }, "tle_file"},
		{"no facilities", func(c *Config) { c.FacilitiesFile = "" }, "facilities_file"},
		{"no isls", func(c *Config) { c.ISLsFile = "" }, "isls_file"},
		{"zero interval", func(c *Config) { c.UpdateInterval = 0 }, "update_interval"},
		{"elevation too high", func(c *Config) { c.MinElevationDeg = 91 }, "min_elevation_deg"},
		{"negative speed", func(c *Config) { c.Clock.Speed = -1 }, "clock.speed"},
		{"zero host timeout", func(c *Config) { c.HostTimeout = 0 }, "host_timeout"},
		{"zero concurrency", func(c *Config) { c.DispatchConcurrency = 0 }, "dispatch_concurrency"},
		{"negative workers", func(c *Config) { c.RouterWorkers = -1 }, "worker"},
		{"zero cache files", func(c *Config) { c.TLECacheFiles = 0 }, "tle_cache_files"},
		{"zero stream limit", func(c *Config) { c.StreamMaxPerIP = 0 }, "stream_max_per_ip"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "log level"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, l)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}
