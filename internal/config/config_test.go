package config

import (
	"testing"
	"time"
)

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func baseConfig(env string) Config {
	return Config{
		App:   AppConfig{Env: env, Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "providerpool", SSLMode: "disable"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
		Tasks: TasksConfig{SharedSecret: "task-secret"},
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := baseConfig("production")
	c.DB.SSLMode = ""
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaultsSSLMode(t *testing.T) {
	c := baseConfig("local")
	c.DB.SSLMode = ""
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
}

func TestValidate_AppliesLeaseAndSweepDefaults(t *testing.T) {
	c := baseConfig("local")
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Lease.SafetyWindow != 10*time.Minute {
		t.Fatalf("expected 10m safety window default, got %v", c.Lease.SafetyWindow)
	}
	if c.Lease.MaxCallDuration != 2*time.Hour {
		t.Fatalf("expected 2h max call duration default, got %v", c.Lease.MaxCallDuration)
	}
	if c.Sweep.BusyThreshold != 15*time.Minute || c.Sweep.ExtendedGrace != 30*time.Minute {
		t.Fatalf("unexpected sweep thresholds: %+v", c.Sweep)
	}
	if c.Sweep.StalenessThreshold != 180*time.Minute {
		t.Fatalf("expected 180m staleness default, got %v", c.Sweep.StalenessThreshold)
	}
	if c.Sweep.ReleaseBatchLimit != 400 {
		t.Fatalf("expected batch limit 400, got %d", c.Sweep.ReleaseBatchLimit)
	}
}

func TestValidate_SweepThresholdOrdering(t *testing.T) {
	c := baseConfig("local")
	c.Lease.SafetyWindow = 10 * time.Minute
	// A busy threshold shorter than the safety window would make the sweep
	// release leases the per-lease task still legitimately owns.
	c.Sweep.BusyThreshold = 5 * time.Minute
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for busy threshold below safety window")
	}

	c = baseConfig("local")
	c.Sweep.BusyThreshold = 15 * time.Minute
	c.Sweep.ExtendedGrace = 10 * time.Minute
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for extended grace below busy threshold")
	}
}

func TestValidate_RequiresTaskSecret(t *testing.T) {
	c := baseConfig("local")
	c.Tasks.SharedSecret = ""
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for missing TASKS_SHARED_SECRET")
	}
}
