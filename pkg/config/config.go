package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/factsync/factsync/pkg/stores"
	"github.com/factsync/factsync/pkg/synccache"
	"github.com/factsync/factsync/pkg/telemetry"
)

// DefaultFileName is the config file created by "factsync init".
const DefaultFileName = "factsync.yaml"

// DefaultDataDir holds the store and the config file unless overridden.
const DefaultDataDir = ".factsync"

// Config is the factsync configuration file.
type Config struct {
	// DataDir is the directory relative store paths resolve against.
	DataDir string `yaml:"data_dir" json:"data_dir" validate:"required"`

	// Store selects and tunes the knowledge store backend.
	Store stores.Config `yaml:"store" json:"store"`

	// Cache tunes the identity cache.
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Policy configures admission policies.
	Policy PolicyConfig `yaml:"policy" json:"policy"`

	// Telemetry configures logging, metrics, tracing and events.
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`
}

// CacheConfig tunes the identity cache.
type CacheConfig struct {
	// Shards is rounded up to a power of two.
	Shards int `yaml:"shards" json:"shards" validate:"min=1,max=4096"`
}

// PolicyConfig configures admission policies.
type PolicyConfig struct {
	// Enabled turns admission checks on. Built-in policies apply even when
	// Paths is empty.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Paths lists .rego/.json files and directories to load.
	Paths []string `yaml:"paths,omitempty" json:"paths,omitempty" validate:"dive,required"`

	// Watch reloads policies when files under Paths change.
	Watch bool `yaml:"watch" json:"watch"`

	// Disabled lists policies, built-in or loaded, to turn off.
	Disabled []string `yaml:"disabled,omitempty" json:"disabled,omitempty" validate:"dive,required"`
}

// Default returns the configuration written by "factsync init".
func Default() *Config {
	store := stores.DefaultConfig()
	store.Driver = stores.DriverSQLite
	store.Path = "facts.db"

	tel := telemetry.DefaultConfig()
	tel.Events.EnableAsync = false

	return &Config{
		DataDir:   DefaultDataDir,
		Store:     store,
		Cache:     CacheConfig{Shards: synccache.DefaultShards},
		Policy:    PolicyConfig{Enabled: true},
		Telemetry: *tel,
	}
}

// Load reads a YAML config file. Keys absent from the file keep their
// default values. The result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Write saves the configuration as YAML, creating parent directories.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return formatValidationError(err)
	}

	if c.Store.Driver == stores.DriverSQLite && c.Store.Path == "" {
		return errors.New("store.path is required for the sqlite driver")
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

// StoreConfig returns the store configuration with a relative path resolved
// against DataDir.
func (c *Config) StoreConfig() stores.Config {
	sc := c.Store
	if sc.Path == "" || sc.Path == ":memory:" || filepath.IsAbs(sc.Path) {
		return sc
	}
	sc.Path = filepath.Join(c.DataDir, sc.Path)
	return sc
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
