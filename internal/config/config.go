// Package config loads the RuntimeConfig cmd/agentd wires into every
// component, following the shape of internal/multiagent's own YAML config
// loader: unmarshal into a struct, then fill in defaults field by field.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig selects and configures the event store backend.
type StoreConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver"`

	// SQLite
	Path       string `yaml:"path"`
	DriverName string `yaml:"driver_name"`

	// Postgres
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// SandboxConfig configures the Docker-backed sandbox.
type SandboxConfig struct {
	Image      string `yaml:"image"`
	Dockerfile string `yaml:"dockerfile"`
	Host       string `yaml:"host"`
	Network    string `yaml:"network"`
}

// ModelConfig selects an LLM provider and its default call parameters.
// Provider and BaseURL can be overridden by LLM_PROVIDER/DATABRICKS_HOST at
// load time; API keys and tokens stay out of this struct and are read
// straight from the environment by whichever provider adapter agentd
// constructs.
type ModelConfig struct {
	Provider     string  `yaml:"provider"`
	DefaultModel string  `yaml:"default_model"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
	MaxRetries   int     `yaml:"max_retries"`
	BaseURL      string  `yaml:"base_url"`
	Region       string  `yaml:"region"`
}

// PlannerConfig configures the planner aggregate and its child dispatch.
type PlannerConfig struct {
	Model                   string   `yaml:"model"`
	ChildTerminalEventTypes []string `yaml:"child_terminal_event_types"`
	MaxDepth                int      `yaml:"max_depth"`
}

// RuntimeConfig is the top-level shape cmd/agentd loads.
type RuntimeConfig struct {
	Store   StoreConfig   `yaml:"store"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Model   ModelConfig   `yaml:"model"`
	Planner PlannerConfig `yaml:"planner"`
}

// Load reads and parses a RuntimeConfig from a YAML file, defaults it, and
// overlays the environment variables named below.
func Load(path string) (*RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses RuntimeConfig from YAML bytes, applies defaults, then
// applies env overrides. Split out from Load so tests can exercise it
// without touching the filesystem.
func Parse(data []byte) (*RuntimeConfig, error) {
	var cfg RuntimeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	applyDefaults(&cfg)
	applyEnv(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *RuntimeConfig) {
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Driver == "sqlite" {
		if cfg.Store.Path == "" {
			cfg.Store.Path = "agentloom.db"
		}
		if cfg.Store.DriverName == "" {
			cfg.Store.DriverName = "sqlite"
		}
	}
	if cfg.Store.Driver == "postgres" {
		if cfg.Store.MaxOpenConns <= 0 {
			cfg.Store.MaxOpenConns = 10
		}
		if cfg.Store.MaxIdleConns <= 0 {
			cfg.Store.MaxIdleConns = 5
		}
		if cfg.Store.ConnMaxLifetime <= 0 {
			cfg.Store.ConnMaxLifetime = 30 * time.Minute
		}
		if cfg.Store.ConnectTimeout <= 0 {
			cfg.Store.ConnectTimeout = 5 * time.Second
		}
	}

	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = "python:3.12-slim"
	}
	if cfg.Sandbox.Network == "" {
		cfg.Sandbox.Network = "none"
	}

	if cfg.Model.Provider == "" {
		cfg.Model.Provider = "anthropic"
	}
	if cfg.Model.Temperature == 0 {
		cfg.Model.Temperature = 0.2
	}
	if cfg.Model.MaxTokens <= 0 {
		cfg.Model.MaxTokens = 4096
	}
	if cfg.Model.MaxRetries <= 0 {
		cfg.Model.MaxRetries = 3
	}

	if cfg.Planner.Model == "" {
		cfg.Planner.Model = cfg.Model.DefaultModel
	}
	if cfg.Planner.MaxDepth <= 0 {
		cfg.Planner.MaxDepth = 10
	}
	if len(cfg.Planner.ChildTerminalEventTypes) == 0 {
		cfg.Planner.ChildTerminalEventTypes = []string{"finished"}
	}
}

// applyEnv overlays the deployment-time environment variables: these take
// precedence over whatever the YAML file set.
func applyEnv(cfg *RuntimeConfig) {
	if provider := os.Getenv("LLM_PROVIDER"); provider != "" {
		cfg.Model.Provider = provider
	}
	if model := os.Getenv("PLANNER_MODEL"); model != "" {
		cfg.Planner.Model = model
	}
	if host := os.Getenv("DATABRICKS_HOST"); host != "" {
		cfg.Model.BaseURL = host
	}
	// DATABRICKS_TOKEN and DATABRICKS_WAREHOUSE_ID are not read here and are
	// not held on RuntimeConfig.
}
