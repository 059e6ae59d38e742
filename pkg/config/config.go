package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/FLASH-73/assembler/pkg/telemetry"
)

// Environment variables that override file values.
const (
	EnvLogLevel    = "ASSEMBLER_LOG_LEVEL"
	EnvDBPath      = "ASSEMBLER_DB_PATH"
	EnvPoliciesDir = "ASSEMBLER_POLICIES_DIR"
)

// Config is the root runtime configuration.
type Config struct {
	Environment string `yaml:"environment" validate:"required"`

	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Store      StoreConfig      `yaml:"store"`
	Policies   PoliciesConfig   `yaml:"policies"`
	Primitives PrimitivesConfig `yaml:"primitives"`
	Sequencer  SequencerConfig  `yaml:"sequencer"`
	Planner    PlannerConfig    `yaml:"planner"`
	Rules      RulesConfig      `yaml:"rules"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"oneof=console json"`
	Output string `yaml:"output" validate:"required"`
	Caller bool   `yaml:"caller"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address" validate:"required_if=Enabled true"`
	Path    string `yaml:"path" validate:"omitempty,startswith=/"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string  `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool    `yaml:"insecure"`
}

// StoreConfig configures the SQLite run store.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

// PoliciesConfig configures trained policy checkpoints.
type PoliciesConfig struct {
	Dir string `yaml:"dir" validate:"required"`
	// Watch reloads checkpoints when files under Dir change.
	Watch bool `yaml:"watch"`
	// RateHz paces policy actions; 0 disables pacing.
	RateHz float64 `yaml:"rate_hz" validate:"gte=0"`
}

// PrimitivesConfig configures the primitive library.
type PrimitivesConfig struct {
	// SpeedFactor scales simulated motion time; 0 makes primitives instant.
	SpeedFactor float64 `yaml:"speed_factor" validate:"gte=0"`
}

// SequencerConfig configures run execution.
type SequencerConfig struct {
	StepTimeout time.Duration `yaml:"step_timeout" validate:"gte=0"`
	Verify      bool          `yaml:"verify"`
}

// PlannerConfig configures sequence planning.
type PlannerConfig struct {
	MaxRetries int `yaml:"max_retries" validate:"gte=1,lte=100"`
	// OverridesScript is an optional Starlark file applied after classification.
	OverridesScript string `yaml:"overrides_script" validate:"omitempty,endswith=.star"`
}

// RulesConfig configures assembly linting.
type RulesConfig struct {
	// Dirs are extra directories of .rego or .json rules.
	Dirs []string `yaml:"dirs"`
	// MaxRetries is the retry budget ceiling enforced by the retry-budget rule.
	MaxRetries int `yaml:"max_retries" validate:"gte=1"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Environment: "development",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "none",
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    "assembler.db",
		},
		Policies: PoliciesConfig{
			Dir:    "policies",
			Watch:  false,
			RateHz: 50,
		},
		Primitives: PrimitivesConfig{
			SpeedFactor: 1.0,
		},
		Sequencer: SequencerConfig{
			StepTimeout: 2 * time.Minute,
			Verify:      true,
		},
		Planner: PlannerConfig{
			MaxRetries: 3,
		},
		Rules: RulesConfig{
			MaxRetries: 10,
		},
	}
}

// Load reads path over Default, applies environment overrides and
// validates the result. An empty path skips the file; a missing file is an
// error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found", path)
			}
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.unmarshal(data); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over Default without consulting the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.unmarshal(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) unmarshal(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from the environment using lookup, which has the
// signature of os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v, ok := lookup(EnvDBPath); ok && v != "" {
		c.Store.Path = v
	}
	if v, ok := lookup(EnvPoliciesDir); ok && v != "" {
		c.Policies.Dir = v
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct tags of every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Telemetry converts the logging, tracing and metrics sections.
func (c *Config) Telemetry(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Environment = c.Environment

	tc.Logging.Level = c.Logging.Level
	tc.Logging.Format = c.Logging.Format
	tc.Logging.Output = c.Logging.Output
	tc.Logging.EnableCaller = c.Logging.Caller

	tc.Tracing.Enabled = c.Tracing.Enabled
	tc.Tracing.Exporter = c.Tracing.Exporter
	tc.Tracing.Endpoint = c.Tracing.Endpoint
	tc.Tracing.SamplingRate = c.Tracing.SamplingRate
	tc.Tracing.Insecure = c.Tracing.Insecure

	tc.Metrics.Enabled = c.Metrics.Enabled
	tc.Metrics.ListenAddress = c.Metrics.Address
	tc.Metrics.Path = c.Metrics.Path

	return tc
}
