package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettingsFromFile(t *testing.T) {
	content := `
server:
  address: ":9000"
  metrics_path: "/stats"
project:
  root: "./app"
  document: "workergraph.config.yaml"
  strict_compatibility_dates: true
  aliases:
    "@lib": "./src/lib"
bridge:
  builtin_prefixes: ["cloudflare:", "host:", "node:"]
  request_timeout: 5s
telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true
logging:
  level: "DEBUG"
  format: "json"
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "workergraph.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, "/stats", cfg.Server.MetricsPath)
	assert.True(t, filepath.IsAbs(cfg.Project.Root))
	assert.Equal(t, filepath.Join(cfg.Project.Root, "workergraph.config.yaml"), cfg.Project.Document)
	assert.True(t, cfg.Project.StrictCompatibilityDates)
	assert.Equal(t, map[string]string{"@lib": "./src/lib"}, cfg.Project.Aliases)
	assert.Equal(t, []string{"cloudflare:", "host:", "node:"}, cfg.Bridge.BuiltinPrefixes)
	assert.Equal(t, 5*time.Second, cfg.Bridge.RequestTimeout)
	assert.Equal(t, "localhost:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	opts := cfg.ValidateOptions()
	assert.Equal(t, cfg.Project.Root, opts.Root)
	require.NotNil(t, opts.CompatibilityDate)
	assert.Error(t, opts.CompatibilityDate("soon"))
}

func TestLoadSettingsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, defaultAddress, cfg.Server.Address)
	assert.Equal(t, defaultMetricsPath, cfg.Server.MetricsPath)
	assert.Equal(t, []string{"cloudflare:", "host:"}, cfg.Bridge.BuiltinPrefixes)
	assert.Equal(t, 30*time.Second, cfg.Bridge.RequestTimeout)
	assert.Equal(t, defaultRunnerModule, cfg.Project.RunnerModule)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Nil(t, cfg.ValidateOptions().CompatibilityDate)
}

func TestLoadSettingsEnvOverrides(t *testing.T) {
	t.Setenv("WORKERGRAPH_ADDR", ":7000")
	t.Setenv("WORKERGRAPH_BUILTIN_PREFIXES", "host:, cloudflare: ,,")
	t.Setenv("WORKERGRAPH_BRIDGE_TIMEOUT", "250ms")
	t.Setenv("WORKERGRAPH_LOG_LEVEL", "warn")
	t.Setenv("WORKERGRAPH_STRICT_DATES", "true")
	t.Setenv("WORKERGRAPH_OTLP_INSECURE", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Address)
	assert.Equal(t, []string{"host:", "cloudflare:"}, cfg.Bridge.BuiltinPrefixes)
	assert.Equal(t, 250*time.Millisecond, cfg.Bridge.RequestTimeout)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.True(t, cfg.Project.StrictCompatibilityDates)
	assert.True(t, cfg.Telemetry.Insecure)
}

func TestLoadSettingsInvalidEnv(t *testing.T) {
	t.Setenv("WORKERGRAPH_BRIDGE_TIMEOUT", "soon")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKERGRAPH_BRIDGE_TIMEOUT")
}

func TestSettingsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Settings)
		wantErr string
	}{
		{"bad level", func(cfg *Settings) { cfg.Logging.Level = "verbose" }, "invalid log level"},
		{"bad format", func(cfg *Settings) { cfg.Logging.Format = "xml" }, "invalid log format"},
		{"relative metrics path", func(cfg *Settings) { cfg.Server.MetricsPath = "metrics" }, "must start with"},
		{"reserved metrics path", func(cfg *Settings) { cfg.Server.MetricsPath = "/__plan" }, "reserved"},
		{"empty prefix", func(cfg *Settings) { cfg.Bridge.BuiltinPrefixes = []string{"host:", " "} }, "builtin prefix 1"},
		{"negative timeout", func(cfg *Settings) { cfg.Bridge.RequestTimeout = -time.Second }, "must not be negative"},
		{"half alias", func(cfg *Settings) { cfg.Project.Aliases = map[string]string{"@x": ""} }, "alias"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadSettingsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}
