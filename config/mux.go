package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MuxConfig centralizes stream multiplexer tuning
type MuxConfig struct {
	// Open gating
	MaxPendingOpens      int           // Cap on concurrent upstream opens across all keys
	MaxSubscribersPerKey int           // Cap on sinks attached to a single upstream
	UpstreamTimeout      time.Duration // Budget for the upstream to accept a stream
	OpenSafetyTimeout    time.Duration // Hard cap on a single open attempt
	StalePendingAge      time.Duration // Age at which the sweep evicts a pending open

	// Upstream liveness
	InitialDataTimeout    time.Duration // No first byte within this window destroys the upstream
	ActivityCheckInterval time.Duration // How often idle upstreams are checked
	ActivityTimeout       time.Duration // Idle longer than this destroys the upstream

	// Teardown
	CleanupWaitCap    time.Duration // Max wait on an in-flight destruction before forgetting it
	PostDestroySettle time.Duration // Pause after teardown before the key is reopened

	// Exclusive streams
	MinSwitchDelay time.Duration // Minimum spacing between exclusive key switches per user

	// Maintenance
	SweepInterval time.Duration // Period of the stale-subscriber/zombie/pending sweep

	// Sink buffering
	SinkBufferBytes int // Per-sink write buffer; a full buffer marks the sink dead
}

// DefaultMuxConfig returns a MuxConfig with production defaults
func DefaultMuxConfig() *MuxConfig {
	return &MuxConfig{
		MaxPendingOpens:      10,
		MaxSubscribersPerKey: 100,
		UpstreamTimeout:      15 * time.Second,
		OpenSafetyTimeout:    20 * time.Second,
		StalePendingAge:      20 * time.Second,

		InitialDataTimeout:    10 * time.Second,
		ActivityCheckInterval: 30 * time.Second,
		ActivityTimeout:       30 * time.Second,

		CleanupWaitCap:    2 * time.Second,
		PostDestroySettle: 50 * time.Millisecond,

		MinSwitchDelay: 100 * time.Millisecond,

		SweepInterval: 60 * time.Second,

		SinkBufferBytes: 1024 * 1024, // 1MB per sink
	}
}

// envParser is a helper for parsing environment variables with validation
type envParser struct {
	errors []string
}

// parseDuration parses a duration environment variable, ensuring it's positive
func (p *envParser) parseDuration(envName string, target *time.Duration) {
	val := os.Getenv(envName)
	if val == "" {
		return
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		p.errors = append(p.errors, fmt.Sprintf("%s: invalid duration format (use '30s', '1m', etc.)", envName))
		return
	}

	if duration <= 0 {
		p.errors = append(p.errors, fmt.Sprintf("%s must be positive", envName))
		return
	}

	*target = duration
}

// parseInt parses an integer environment variable, ensuring it's positive
func (p *envParser) parseInt(envName string, target *int) {
	val := os.Getenv(envName)
	if val == "" {
		return
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		p.errors = append(p.errors, fmt.Sprintf("%s: must be a valid integer", envName))
		return
	}

	if intVal <= 0 {
		p.errors = append(p.errors, fmt.Sprintf("%s must be positive", envName))
		return
	}

	*target = intVal
}

// parseEnum parses an enum environment variable from a set of valid values
func (p *envParser) parseEnum(envName string, target *string, validValues map[string]bool) {
	val := os.Getenv(envName)
	if val == "" {
		return
	}

	normalized := strings.ToUpper(val)
	if !validValues[normalized] {
		var validList []string
		for k := range validValues {
			validList = append(validList, k)
		}
		p.errors = append(p.errors, fmt.Sprintf("%s must be one of: %s", envName, strings.Join(validList, ", ")))
		return
	}

	*target = normalized
}

// LoadMuxFromEnv loads mux tuning from environment variables on top of base
// and returns an error if any value is invalid
func LoadMuxFromEnv(base *MuxConfig) (*MuxConfig, error) {
	cfg := *base
	parser := &envParser{}

	parser.parseInt("MUX_MAX_PENDING_OPENS", &cfg.MaxPendingOpens)
	parser.parseInt("MUX_MAX_SUBSCRIBERS_PER_KEY", &cfg.MaxSubscribersPerKey)
	parser.parseDuration("MUX_UPSTREAM_TIMEOUT", &cfg.UpstreamTimeout)
	parser.parseDuration("MUX_OPEN_SAFETY_TIMEOUT", &cfg.OpenSafetyTimeout)
	parser.parseDuration("MUX_STALE_PENDING_AGE", &cfg.StalePendingAge)
	parser.parseDuration("MUX_INITIAL_DATA_TIMEOUT", &cfg.InitialDataTimeout)
	parser.parseDuration("MUX_ACTIVITY_CHECK_INTERVAL", &cfg.ActivityCheckInterval)
	parser.parseDuration("MUX_ACTIVITY_TIMEOUT", &cfg.ActivityTimeout)
	parser.parseDuration("MUX_CLEANUP_WAIT_CAP", &cfg.CleanupWaitCap)
	parser.parseDuration("MUX_POST_DESTROY_SETTLE", &cfg.PostDestroySettle)
	parser.parseDuration("MUX_MIN_SWITCH_DELAY", &cfg.MinSwitchDelay)
	parser.parseDuration("MUX_SWEEP_INTERVAL", &cfg.SweepInterval)
	parser.parseInt("MUX_SINK_BUFFER_BYTES", &cfg.SinkBufferBytes)

	// Validate relationships between values
	if cfg.UpstreamTimeout > cfg.OpenSafetyTimeout {
		parser.errors = append(parser.errors, "MUX_UPSTREAM_TIMEOUT must be less than or equal to MUX_OPEN_SAFETY_TIMEOUT")
	}

	if len(parser.errors) > 0 {
		return nil, fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(parser.errors, "\n  - "))
	}

	return &cfg, nil
}

// Validate performs additional validation on the configuration
func (c *MuxConfig) Validate() error {
	var errors []string

	if c.MaxPendingOpens <= 0 {
		errors = append(errors, "MaxPendingOpens must be positive")
	}
	if c.MaxSubscribersPerKey <= 0 {
		errors = append(errors, "MaxSubscribersPerKey must be positive")
	}
	if c.UpstreamTimeout <= 0 {
		errors = append(errors, "UpstreamTimeout must be positive")
	}
	if c.OpenSafetyTimeout <= 0 {
		errors = append(errors, "OpenSafetyTimeout must be positive")
	}
	if c.UpstreamTimeout > c.OpenSafetyTimeout {
		errors = append(errors, "UpstreamTimeout must be <= OpenSafetyTimeout")
	}
	if c.StalePendingAge <= 0 {
		errors = append(errors, "StalePendingAge must be positive")
	}
	if c.InitialDataTimeout <= 0 {
		errors = append(errors, "InitialDataTimeout must be positive")
	}
	if c.ActivityCheckInterval <= 0 {
		errors = append(errors, "ActivityCheckInterval must be positive")
	}
	if c.ActivityTimeout <= 0 {
		errors = append(errors, "ActivityTimeout must be positive")
	}
	if c.CleanupWaitCap <= 0 {
		errors = append(errors, "CleanupWaitCap must be positive")
	}
	if c.PostDestroySettle < 0 {
		errors = append(errors, "PostDestroySettle must not be negative")
	}
	if c.MinSwitchDelay < 0 {
		errors = append(errors, "MinSwitchDelay must not be negative")
	}
	if c.SweepInterval <= 0 {
		errors = append(errors, "SweepInterval must be positive")
	}
	if c.SinkBufferBytes <= 0 {
		errors = append(errors, "SinkBufferBytes must be positive")
	}

	if len(errors) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}
