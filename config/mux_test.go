package config

import (
	"testing"
	"time"
)

func TestDefaultMuxConfigValidates(t *testing.T) {
	if err := DefaultMuxConfig().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestMuxValidateRelationships(t *testing.T) {
	cfg := DefaultMuxConfig()
	cfg.UpstreamTimeout = 30 * time.Second
	cfg.OpenSafetyTimeout = 20 * time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatal("UpstreamTimeout > OpenSafetyTimeout accepted")
	}
}

func TestMuxValidateRejectsNonPositive(t *testing.T) {
	cfg := DefaultMuxConfig()
	cfg.MaxSubscribersPerKey = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero MaxSubscribersPerKey accepted")
	}

	cfg = DefaultMuxConfig()
	cfg.SinkBufferBytes = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("negative SinkBufferBytes accepted")
	}
}

func TestLoadMuxFromEnvOverrides(t *testing.T) {
	t.Setenv("MUX_INITIAL_DATA_TIMEOUT", "5s")
	t.Setenv("MUX_MIN_SWITCH_DELAY", "250ms")
	t.Setenv("MUX_MAX_SUBSCRIBERS_PER_KEY", "50")

	cfg, err := LoadMuxFromEnv(DefaultMuxConfig())
	if err != nil {
		t.Fatalf("LoadMuxFromEnv failed: %v", err)
	}

	if cfg.InitialDataTimeout != 5*time.Second {
		t.Fatalf("InitialDataTimeout not applied: %v", cfg.InitialDataTimeout)
	}
	if cfg.MinSwitchDelay != 250*time.Millisecond {
		t.Fatalf("MinSwitchDelay not applied: %v", cfg.MinSwitchDelay)
	}
	if cfg.MaxSubscribersPerKey != 50 {
		t.Fatalf("MaxSubscribersPerKey not applied: %d", cfg.MaxSubscribersPerKey)
	}
	// Untouched values keep their defaults.
	if cfg.SweepInterval != 60*time.Second {
		t.Fatalf("SweepInterval changed unexpectedly: %v", cfg.SweepInterval)
	}
}

func TestLoadMuxFromEnvBadDuration(t *testing.T) {
	t.Setenv("MUX_SWEEP_INTERVAL", "sixty seconds")

	if _, err := LoadMuxFromEnv(DefaultMuxConfig()); err == nil {
		t.Fatal("invalid duration accepted")
	}
}

func TestLoadMuxFromEnvRelationshipCheck(t *testing.T) {
	t.Setenv("MUX_UPSTREAM_TIMEOUT", "30s")
	t.Setenv("MUX_OPEN_SAFETY_TIMEOUT", "20s")

	if _, err := LoadMuxFromEnv(DefaultMuxConfig()); err == nil {
		t.Fatal("timeout ordering violation accepted")
	}
}
