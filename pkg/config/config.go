package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ladpipe/ladpipe/pkg/provision"
	"github.com/ladpipe/ladpipe/pkg/retry"
)

// AppConfig is the application configuration loaded from a YAML file.
// Every field has a usable default; an absent config file is not an error.
type AppConfig struct {
	// Region is the AWS region. Empty means resolve at runtime.
	Region string `yaml:"region"`

	// DataDir holds the run-history database.
	DataDir string `yaml:"dataDir"`

	// OutDir is where retrieval artifacts are written.
	OutDir string `yaml:"outDir"`

	// Concurrency bounds parallel retrieval jobs within a batch.
	Concurrency int `yaml:"concurrency" validate:"min=0,max=64"`

	// LookbackHours is the default retrieval window when the manifest
	// gives no explicit start time.
	LookbackHours int `yaml:"lookbackHours" validate:"min=0"`

	// Retry is the shared retry policy for AWS calls.
	Retry RetryConfig `yaml:"retry"`

	// Provision holds launch defaults merged under explicit flags.
	Provision ProvisionConfig `yaml:"provision"`

	// Telemetry configures logging, metrics, and tracing.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// RetryConfig mirrors retry.Policy in YAML form.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"maxAttempts" validate:"min=0"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// ProvisionConfig holds launch defaults.
type ProvisionConfig struct {
	Request   provision.Request         `yaml:",inline"`
	Bootstrap provision.BootstrapConfig `yaml:"bootstrap"`
}

// TelemetryConfig is the YAML surface for observability settings.
type TelemetryConfig struct {
	LogLevel       string `yaml:"logLevel"`
	LogFormat      string `yaml:"logFormat"`
	MetricsEnabled bool   `yaml:"metricsEnabled"`
	MetricsAddress string `yaml:"metricsAddress"`
	TracingEnabled bool   `yaml:"tracingEnabled"`
	TracingOTLP    string `yaml:"tracingOtlpEndpoint"`
}

var validate = validator.New()

// Default returns the configuration used when no file is present.
func Default() *AppConfig {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &AppConfig{
		DataDir:       filepath.Join(home, ".ladpipe"),
		OutDir:        "artifacts",
		Concurrency:   4,
		LookbackHours: 24,
		Retry: RetryConfig{
			MaxAttempts:  5,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogFormat:      "console",
			MetricsAddress: ":9090",
		},
	}
}

// Load reads the configuration at path, layered over defaults. An empty
// path or a missing file yields the defaults.
func Load(path string) (*AppConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: validating %s: %w", path, err)
	}
	return cfg, nil
}

// RetryPolicy converts the YAML retry section to a retry.Policy, filling
// zero values from the package defaults.
func (c *AppConfig) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	if c.Retry.MaxAttempts > 0 {
		p.MaxAttempts = c.Retry.MaxAttempts
	}
	if c.Retry.InitialDelay > 0 {
		p.InitialDelay = c.Retry.InitialDelay
	}
	if c.Retry.MaxDelay > 0 {
		p.MaxDelay = c.Retry.MaxDelay
	}
	if c.Retry.Multiplier > 1 {
		p.Multiplier = c.Retry.Multiplier
	}
	return p
}

// DatabasePath returns the run-history database location, creating the
// data directory if needed.
func (c *AppConfig) DatabasePath() (string, error) {
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return "", fmt.Errorf("config: creating data dir %s: %w", c.DataDir, err)
	}
	return filepath.Join(c.DataDir, "ladpipe.db"), nil
}
