// Package config loads and validates configuration documents and the runtime
// settings of the development server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/workergraph/pkg/bridge"
)

// Settings holds the runtime configuration of the development server.
type Settings struct {
	Server    ServerConfig    `yaml:"server"`
	Project   ProjectConfig   `yaml:"project"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Address     string `yaml:"address"`
	MetricsPath string `yaml:"metrics_path"`
}

// ProjectConfig describes the project whose document is served.
type ProjectConfig struct {
	Root                     string            `yaml:"root"`
	Document                 string            `yaml:"document"`
	Aliases                  map[string]string `yaml:"aliases,omitempty"`
	StrictCompatibilityDates bool              `yaml:"strict_compatibility_dates"`
	RunnerModule             string            `yaml:"runner_module"`
}

// BridgeConfig holds configuration for the module invocation bridge.
type BridgeConfig struct {
	BuiltinPrefixes []string      `yaml:"builtin_prefixes"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	WatchDebounce   time.Duration `yaml:"watch_debounce"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	defaultAddress        = "127.0.0.1:8787"
	defaultMetricsPath    = "/metrics"
	defaultRunnerModule   = "workergraph:runner"
	defaultRequestTimeout = 30 * time.Second
	defaultWatchDebounce  = 100 * time.Millisecond
	defaultServiceName    = "workergraph"
)

// Default returns settings with every default applied.
func Default() *Settings {
	return &Settings{
		Server: ServerConfig{
			Address:     defaultAddress,
			MetricsPath: defaultMetricsPath,
		},
		Project: ProjectConfig{
			Root:         ".",
			RunnerModule: defaultRunnerModule,
		},
		Bridge: BridgeConfig{
			BuiltinPrefixes: append([]string(nil), bridge.DefaultBuiltinPrefixes...),
			RequestTimeout:  defaultRequestTimeout,
			WatchDebounce:   defaultWatchDebounce,
		},
		Telemetry: TelemetryConfig{
			ServiceName: defaultServiceName,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads settings from a file and applies environment variable overrides.
// An empty path yields the defaults plus overrides.
func Load(path string) (*Settings, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Settings path is controlled by the developer
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Settings) error {
	if val := os.Getenv("WORKERGRAPH_ADDR"); val != "" {
		cfg.Server.Address = val
	}
	if val := os.Getenv("WORKERGRAPH_METRICS_PATH"); val != "" {
		cfg.Server.MetricsPath = val
	}

	if val := os.Getenv("WORKERGRAPH_ROOT"); val != "" {
		cfg.Project.Root = val
	}
	if val := os.Getenv("WORKERGRAPH_DOCUMENT"); val != "" {
		cfg.Project.Document = val
	}
	if val := os.Getenv("WORKERGRAPH_STRICT_DATES"); val == "true" {
		cfg.Project.StrictCompatibilityDates = true
	}

	if val := os.Getenv("WORKERGRAPH_BUILTIN_PREFIXES"); val != "" {
		// Comma-separated, e.g. "cloudflare:,host:,node:"
		prefixes := strings.Split(val, ",")
		cfg.Bridge.BuiltinPrefixes = cfg.Bridge.BuiltinPrefixes[:0]
		for _, p := range prefixes {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Bridge.BuiltinPrefixes = append(cfg.Bridge.BuiltinPrefixes, p)
			}
		}
	}
	if val := os.Getenv("WORKERGRAPH_BRIDGE_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid WORKERGRAPH_BRIDGE_TIMEOUT %q: %w", val, err)
		}
		cfg.Bridge.RequestTimeout = d
	}

	if val := os.Getenv("WORKERGRAPH_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("WORKERGRAPH_OTLP_INSECURE"); val != "" {
		insecure, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid WORKERGRAPH_OTLP_INSECURE %q: %w", val, err)
		}
		cfg.Telemetry.Insecure = insecure
	}

	if val := os.Getenv("WORKERGRAPH_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("WORKERGRAPH_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
	return nil
}

// Validate performs validation of the entire settings tree.
func (c *Settings) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Project.Validate(); err != nil {
		return fmt.Errorf("project configuration: %w", err)
	}
	if err := c.Bridge.Validate(); err != nil {
		return fmt.Errorf("bridge configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = defaultAddress
	}
	if strings.TrimSpace(c.MetricsPath) == "" {
		c.MetricsPath = defaultMetricsPath
	}
	if !strings.HasPrefix(c.MetricsPath, "/") {
		return fmt.Errorf("metrics_path %q must start with '/'", c.MetricsPath)
	}
	if strings.HasPrefix(c.MetricsPath, "/__") {
		return fmt.Errorf("metrics_path %q collides with reserved routes", c.MetricsPath)
	}
	return nil
}

// Validate performs validation of project configuration.
func (c *ProjectConfig) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		c.Root = "."
	}
	root, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("resolve root %q: %w", c.Root, err)
	}
	c.Root = root

	if c.Document != "" && !filepath.IsAbs(c.Document) {
		c.Document = filepath.Join(c.Root, c.Document)
	}
	if strings.TrimSpace(c.RunnerModule) == "" {
		c.RunnerModule = defaultRunnerModule
	}
	for from, to := range c.Aliases {
		if from == "" || to == "" {
			return fmt.Errorf("alias %q -> %q must name both sides", from, to)
		}
	}
	return nil
}

// Validate performs validation of bridge configuration.
func (c *BridgeConfig) Validate() error {
	if len(c.BuiltinPrefixes) == 0 {
		c.BuiltinPrefixes = append([]string(nil), bridge.DefaultBuiltinPrefixes...)
	}
	for i, p := range c.BuiltinPrefixes {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("builtin prefix %d is empty", i)
		}
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative, got %s", c.RequestTimeout)
	}
	if c.WatchDebounce <= 0 {
		c.WatchDebounce = defaultWatchDebounce
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}
	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}

	format := strings.TrimSpace(strings.ToLower(c.Format))
	switch format {
	case "":
		c.Format = "text"
	case "text", "json":
		c.Format = format
	default:
		return fmt.Errorf("invalid log format %q, supported formats: text, json", c.Format)
	}
	return nil
}

// ValidateOptions derives document validation options from the settings.
func (c *Settings) ValidateOptions() ValidateOptions {
	opts := ValidateOptions{Root: c.Project.Root}
	if c.Project.StrictCompatibilityDates {
		opts.CompatibilityDate = StrictCompatibilityDate
	}
	return opts
}
