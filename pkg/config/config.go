package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tessera/modrt/pkg/executor"
	"github.com/tessera/modrt/pkg/fetch"
	"github.com/tessera/modrt/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MODRT_"

// DefaultFile is the configuration file read when no path is given and it exists.
const DefaultFile = "modrt.yaml"

// Config is the runtime configuration.
type Config struct {
	// ModsDir holds one subdirectory per installed mod.
	ModsDir string `yaml:"mods_dir" env:"MODS_DIR" validate:"required"`

	// PolicyDir holds extra .rego admission policies. Optional.
	PolicyDir string `yaml:"policy_dir" env:"POLICY_DIR"`

	// DBPath is the SQLite database holding mod state.
	DBPath string `yaml:"db_path" env:"DB_PATH" validate:"required"`

	// AllowedKinds lists the entrypoint kinds admission accepts.
	AllowedKinds []string `yaml:"allowed_kinds" env:"ALLOWED_KINDS" envSeparator:"," validate:"min=1,dive,oneof=native starlark wasm"`

	// TickInterval is the period of the main-thread tick in `modrt run`.
	TickInterval time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL" validate:"gt=0"`

	// WatchDebounce coalesces bursts of file system events.
	WatchDebounce time.Duration `yaml:"watch_debounce" env:"WATCH_DEBOUNCE" validate:"gte=0"`

	// ScriptTimeout bounds every call into a Starlark or WASM mod.
	ScriptTimeout time.Duration `yaml:"script_timeout" env:"SCRIPT_TIMEOUT" validate:"gt=0"`

	Executor  executor.Config  `yaml:"executor" envPrefix:"EXECUTOR_"`
	Fetch     fetch.Config     `yaml:"fetch" envPrefix:"FETCH_"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		ModsDir:       "mods",
		PolicyDir:     "",
		DBPath:        "modrt.db",
		AllowedKinds:  []string{"native", "starlark", "wasm"},
		TickInterval:  50 * time.Millisecond,
		WatchDebounce: 500 * time.Millisecond,
		ScriptTimeout: 5 * time.Second,
		Executor:      executor.DefaultConfig(),
		Fetch:         fetch.DefaultConfig(),
		Telemetry:     *telemetry.DefaultConfig(),
	}
}

// Load builds the configuration in layers: defaults, then the YAML file at
// path (skipped when path is empty), then MODRT_* environment variables.
// The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decodeYAML(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadBytes is Load for configuration that is already in memory.
func LoadBytes(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decodeYAML(data); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeYAML overlays data onto c. Unknown keys are rejected so typos do
// not silently fall back to defaults.
func (c *Config) decodeYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

var validate = validator.New()

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := c.Executor.Validate(); err != nil {
		return fmt.Errorf("invalid executor configuration: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	return nil
}

// Resolve finds the configuration file to load: explicit wins, otherwise
// DefaultFile when it exists in the working directory, otherwise none.
func Resolve(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if _, err := os.Stat(DefaultFile); err == nil {
		return DefaultFile
	}
	return ""
}
