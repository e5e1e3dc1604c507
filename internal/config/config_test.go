package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 10*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 10s", cfg.Server.WriteTimeout)
	}
	if cfg.Definitions.Workflow != "gacp" {
		t.Errorf("Definitions.Workflow = %q", cfg.Definitions.Workflow)
	}
	if !cfg.Workflow.StrictTimeLimits {
		t.Error("Workflow.StrictTimeLimits = false, want true")
	}
	if cfg.Assignment.DefaultStrategy != "round_robin" {
		t.Errorf("Assignment.DefaultStrategy = %q", cfg.Assignment.DefaultStrategy)
	}
	if cfg.Assignment.NearDeadlineWindow != 12*time.Hour {
		t.Errorf("Assignment.NearDeadlineWindow = %v", cfg.Assignment.NearDeadlineWindow)
	}
	if cfg.Assignment.SLAHours["document-review"] != 36 {
		t.Errorf("Assignment.SLAHours = %v", cfg.Assignment.SLAHours)
	}
	if len(cfg.Assignment.Candidates) != 2 {
		t.Fatalf("Assignment.Candidates = %d, want 2", len(cfg.Assignment.Candidates))
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.DSNEnv != "CERTFLOW_TEST_DSN" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Store.MaxOpenConns != 25 {
		t.Errorf("Store.MaxOpenConns = %d, want default 25", cfg.Store.MaxOpenConns)
	}
	if cfg.Redis.KeyPrefix != "cf-test" || cfg.Redis.EventsChannel != "certflow.assignments" {
		t.Errorf("Redis = %+v", cfg.Redis)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.Observability.LogLevel)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_invalid_strategy(t *testing.T) {
	_, err := Load("testdata/bad_strategy.yaml")
	if err == nil || !strings.Contains(err.Error(), "default_strategy") {
		t.Fatalf("Load() error = %v, want default_strategy error", err)
	}
}

func TestLoad_invalid_candidates(t *testing.T) {
	_, err := Load("testdata/bad_candidates.yaml")
	if err == nil {
		t.Fatal("Load() with duplicate candidate should return error")
	}
	if !strings.Contains(err.Error(), "duplicated") || !strings.Contains(err.Error(), "roles must not be empty") {
		t.Errorf("error should report every problem, got %v", err)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Assignment.DefaultStrategy != "workload" {
		t.Errorf("default strategy = %q, want workload", cfg.Assignment.DefaultStrategy)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("default Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
	if cfg.Assignment.SLACheckInterval != 5*time.Minute {
		t.Errorf("default SLACheckInterval = %v, want 5m", cfg.Assignment.SLACheckInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults() should validate, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CERTFLOW_SERVER_PORT", "3000")
	t.Setenv("CERTFLOW_DEFINITIONS_DIRS", "/a,/b")
	t.Setenv("CERTFLOW_STORE_DRIVER", "memory")
	t.Setenv("CERTFLOW_DEFAULT_STRATEGY", "performance")
	t.Setenv("CERTFLOW_STRICT_TIME_LIMITS", "false")
	t.Setenv("CERTFLOW_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if len(cfg.Definitions.Directories) != 2 {
		t.Errorf("Definitions.Directories = %v", cfg.Definitions.Directories)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want env override", cfg.Store.Driver)
	}
	if cfg.Assignment.DefaultStrategy != "performance" {
		t.Errorf("DefaultStrategy = %q, want env override", cfg.Assignment.DefaultStrategy)
	}
	if cfg.Workflow.StrictTimeLimits {
		t.Error("StrictTimeLimits should be overridden to false")
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestValidate_invalid_port(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with port 0 should return error")
	}
}

func TestValidate_postgres_requires_dsn_env(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Driver = "postgres"
	cfg.Store.DSNEnv = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should require dsn_env for postgres")
	}
}

func TestValidate_non_positive_sla(t *testing.T) {
	cfg := Defaults()
	cfg.Assignment.SLAHours = map[string]float64{"general": 0}

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should reject non-positive SLA hours")
	}
}

func TestValidate_negative_sla_check_interval(t *testing.T) {
	cfg := Defaults()
	cfg.Assignment.SLACheckInterval = -time.Second

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should reject a negative SLA check interval")
	}
}

func TestResolvers(t *testing.T) {
	t.Setenv("CERTFLOW_TEST_DSN", "postgres://x")
	t.Setenv("CERTFLOW_TEST_REDIS", "localhost:6379")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.DSN() != "postgres://x" {
		t.Errorf("DSN() = %q", cfg.Store.DSN())
	}
	if cfg.Redis.Addr() != "localhost:6379" {
		t.Errorf("Addr() = %q", cfg.Redis.Addr())
	}

	byRole := cfg.Assignment.CandidatesByRole()
	if len(byRole["dtam_officer"]) != 2 || byRole["dtam_officer"][0].ID != "officer-1" {
		t.Errorf("CandidatesByRole()[dtam_officer] = %+v", byRole["dtam_officer"])
	}
	if len(byRole["inspector"]) != 1 {
		t.Errorf("CandidatesByRole()[inspector] = %+v", byRole["inspector"])
	}
}
