// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Assignment    AssignmentConfig    `yaml:"assignment"`
	Store         StoreConfig         `yaml:"store"`
	Redis         RedisConfig         `yaml:"redis"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes the operational HTTP server (health, readiness,
// metrics).
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefinitionsConfig describes where to find workflow definition YAML files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
	// Workflow selects the workflow the engine serves when more than one is
	// loaded.
	Workflow string `yaml:"workflow"`
}

// WorkflowConfig describes workflow engine settings.
type WorkflowConfig struct {
	// StrictTimeLimits rejects transitions out of a time-limited stage when
	// the stage entry time is unknown.
	StrictTimeLimits bool `yaml:"strict_time_limits"`
}

// AssignmentConfig describes the job assignment engine.
type AssignmentConfig struct {
	DefaultStrategy    string             `yaml:"default_strategy"`
	NearDeadlineWindow time.Duration      `yaml:"near_deadline_window"`
	SLAHours           map[string]float64 `yaml:"sla_hours"`
	Candidates         []CandidateConfig  `yaml:"candidates"`
	// SLACheckInterval is how often the daemon sweeps for breached
	// assignments. Zero disables the sweep.
	SLACheckInterval time.Duration `yaml:"sla_check_interval"`
}

// CandidateConfig is one operator of the static candidate pool.
type CandidateConfig struct {
	ID    string   `yaml:"id"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// StoreConfig describes assignment persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ApplySchema     bool          `yaml:"apply_schema"`
}

// RedisConfig describes the Redis connection shared by the round-robin
// counters and the event publisher. An empty address disables both.
type RedisConfig struct {
	AddrEnv       string `yaml:"addr_env"`
	DB            int    `yaml:"db"`
	KeyPrefix     string `yaml:"key_prefix"`
	EventsChannel string `yaml:"events_channel"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
		},
		Assignment: AssignmentConfig{
			DefaultStrategy:    "workload",
			NearDeadlineWindow: 24 * time.Hour,
			SLACheckInterval:   5 * time.Minute,
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "CERTFLOW_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			AddrEnv:       "CERTFLOW_REDIS_ADDR",
			KeyPrefix:     "certflow",
			EventsChannel: "certflow.assignments",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

var validStrategies = map[string]bool{
	"round_robin": true, "workload": true, "performance": true, "manual": true,
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories must list at least one directory")
	}
	if !validStrategies[c.Assignment.DefaultStrategy] {
		errs = append(errs, fmt.Sprintf("assignment.default_strategy %q is not a known strategy", c.Assignment.DefaultStrategy))
	}
	if c.Assignment.NearDeadlineWindow <= 0 {
		errs = append(errs, "assignment.near_deadline_window must be positive")
	}
	if c.Assignment.SLACheckInterval < 0 {
		errs = append(errs, "assignment.sla_check_interval must not be negative")
	}
	for jobType, hours := range c.Assignment.SLAHours {
		if hours <= 0 {
			errs = append(errs, fmt.Sprintf("assignment.sla_hours[%s] must be positive", jobType))
		}
	}
	seen := make(map[string]bool)
	for i, cand := range c.Assignment.Candidates {
		if cand.ID == "" {
			errs = append(errs, fmt.Sprintf("assignment.candidates[%d].id is required", i))
		} else if seen[cand.ID] {
			errs = append(errs, fmt.Sprintf("assignment.candidates[%d].id %q is duplicated", i, cand.ID))
		}
		seen[cand.ID] = true
		if len(cand.Roles) == 0 {
			errs = append(errs, fmt.Sprintf("assignment.candidates[%d].roles must not be empty", i))
		}
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (memory, postgres)", c.Store.Driver))
	}
	if !validLogLevels[c.Observability.LogLevel] {
		errs = append(errs, fmt.Sprintf("observability.log_level %q is invalid", c.Observability.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads CERTFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CERTFLOW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CERTFLOW_DEFINITIONS_DIRS"); v != "" {
		cfg.Definitions.Directories = strings.Split(v, ",")
	}
	if v := os.Getenv("CERTFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("CERTFLOW_DEFAULT_STRATEGY"); v != "" {
		cfg.Assignment.DefaultStrategy = v
	}
	if v := os.Getenv("CERTFLOW_STRICT_TIME_LIMITS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Workflow.StrictTimeLimits = b
		}
	}
	if v := os.Getenv("CERTFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}

// DSN resolves the database connection string from the configured
// environment variable.
func (s StoreConfig) DSN() string {
	if s.DSNEnv == "" {
		return ""
	}
	return os.Getenv(s.DSNEnv)
}

// Addr resolves the Redis address from the configured environment
// variable.
func (r RedisConfig) Addr() string {
	if r.AddrEnv == "" {
		return ""
	}
	return os.Getenv(r.AddrEnv)
}

// CandidatesByRole groups the configured candidates by role, keeping
// declaration order.
func (a AssignmentConfig) CandidatesByRole() map[string][]CandidateConfig {
	out := make(map[string][]CandidateConfig)
	for _, c := range a.Candidates {
		for _, r := range c.Roles {
			out[r] = append(out[r], c)
		}
	}
	return out
}
