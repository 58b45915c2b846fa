// Package auraconfig loads the host-wide tunables the Story orchestration
// engine is configured with: default max parallelism, per-tool and
// per-ReAct-Execute timeouts, the Autonomous retry budget, and LLM
// provider credentials. Configuration is a single YAML file, decoded with
// struct tags via gopkg.in/yaml.v3, with smart defaults applied after
// decode.
package auraconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the tunables below, each a single configuration value
// rather than a range or a per-environment override.
const (
	DefaultMaxParallelism     = 4
	DefaultToolTimeout        = 5 * time.Minute
	DefaultReactStepBudget    = 90 * time.Second
	DefaultAutonomousRetries  = 2
	DefaultMaxReactSteps      = 10
	DefaultHostConcurrencyMul = 2
)

// Config is the root of the YAML configuration file.
//
//nolint:govet // fieldalignment: logical grouping preferred over byte savings
type Config struct {
	// Scheduler carries Wave Scheduler tunables.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// ReAct carries ReAct Executor tunables.
	ReAct ReactConfig `yaml:"react"`

	// Agents points at the directory of Markdown agent definitions.
	AgentsDir string `yaml:"agentsDir"`

	// DatabasePath is the SQLite file internal/storydb opens.
	DatabasePath string `yaml:"databasePath"`

	// SecretsPath is the encrypted provider-credential file maintained
	// by aura-ctl. Decrypted at startup when AURA_PASSPHRASE is set.
	SecretsPath string `yaml:"secretsPath"`

	// HTTPAddr is the listen address for the HTTP/SSE transport.
	HTTPAddr string `yaml:"httpAddr"`

	// PrometheusURL points the read-side metrics queries at a Prometheus
	// server. Empty disables the per-Story metrics endpoint.
	PrometheusURL string `yaml:"prometheusUrl"`

	// HostConcurrencyMultiplier bounds cross-Story concurrency as
	// cpus * multiplier.
	HostConcurrencyMultiplier int `yaml:"hostConcurrencyMultiplier"`
}

// SchedulerConfig holds Wave Scheduler tunables.
//
//nolint:govet // fieldalignment: logical grouping preferred over byte savings
type SchedulerConfig struct {
	// DefaultMaxParallelism seeds Story.MaxParallelism when a caller does
	// not specify one at Create.
	DefaultMaxParallelism int `yaml:"defaultMaxParallelism"`

	// AutonomousRetryLimit is the number of retries applied to a Failed
	// Step in Autonomous mode before the wave gives up (Attempts <= 1 +
	// this value). A single field governs the retry budget rather than a
	// fixed constant, so hosts can tune it per deployment.
	AutonomousRetryLimit int `yaml:"autonomousRetryLimit"`
}

// Duration decodes "5m" / "90s" style YAML values into a time.Duration;
// plain integers are taken as nanoseconds, matching yaml.v3's native
// behavior.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(v)
	case int64:
		*d = Duration(v)
	default:
		return fmt.Errorf("cannot decode %T as duration", raw)
	}
	return nil
}

// Std converts back to a time.Duration for call sites.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ReactConfig holds ReAct Executor tunables.
//
//nolint:govet // fieldalignment: logical grouping preferred over byte savings
type ReactConfig struct {
	DefaultMaxSteps     int      `yaml:"defaultMaxSteps"`
	ToolTimeout         Duration `yaml:"toolTimeout"`
	PerStepWallBudget   Duration `yaml:"perStepWallBudget"`
	ObservationCapBytes int      `yaml:"observationCapBytes"`
}

// Default returns a Config with every tunable set to its documented
// default.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			DefaultMaxParallelism: DefaultMaxParallelism,
			AutonomousRetryLimit:  DefaultAutonomousRetries,
		},
		ReAct: ReactConfig{
			DefaultMaxSteps:     DefaultMaxReactSteps,
			ToolTimeout:         Duration(DefaultToolTimeout),
			PerStepWallBudget:   Duration(DefaultReactStepBudget),
			ObservationCapBytes: 2048,
		},
		AgentsDir:                 "./agents",
		DatabasePath:              "./aura.db",
		SecretsPath:               "./aura.secrets",
		HTTPAddr:                  ":8085",
		HostConcurrencyMultiplier: DefaultHostConcurrencyMul,
	}
}

// Load reads and decodes a YAML config file at path, applying defaults for
// any field the file leaves at its zero value.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Scheduler.DefaultMaxParallelism <= 0 {
		cfg.Scheduler.DefaultMaxParallelism = DefaultMaxParallelism
	}
	if cfg.Scheduler.AutonomousRetryLimit < 0 {
		cfg.Scheduler.AutonomousRetryLimit = DefaultAutonomousRetries
	}
	if cfg.ReAct.DefaultMaxSteps <= 0 {
		cfg.ReAct.DefaultMaxSteps = DefaultMaxReactSteps
	}
	if cfg.ReAct.ToolTimeout <= 0 {
		cfg.ReAct.ToolTimeout = Duration(DefaultToolTimeout)
	}
	if cfg.ReAct.PerStepWallBudget <= 0 {
		cfg.ReAct.PerStepWallBudget = Duration(DefaultReactStepBudget)
	}
	if cfg.ReAct.ObservationCapBytes <= 0 {
		cfg.ReAct.ObservationCapBytes = 2048
	}
	if cfg.AgentsDir == "" {
		cfg.AgentsDir = "./agents"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "./aura.db"
	}
	if cfg.SecretsPath == "" {
		cfg.SecretsPath = "./aura.secrets"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8085"
	}
	if cfg.HostConcurrencyMultiplier <= 0 {
		cfg.HostConcurrencyMultiplier = DefaultHostConcurrencyMul
	}
}
