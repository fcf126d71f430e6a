package config

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validTestConfig() *Config {
	cfg := Default()
	cfg.Upstream.ClientID = "cid"
	cfg.Upstream.ClientSecret = "secret"
	cfg.Auth.JWTSecret = "jwt-secret"
	cfg.SetCredentialsKey(bytes.Repeat([]byte{0x01}, 32))
	return cfg
}

func TestDefaultConfigValidates(t *testing.T) {
	if err := validTestConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateCatchesMissingSecrets(t *testing.T) {
	cfg := validTestConfig()
	cfg.Upstream.ClientID = ""
	cfg.Auth.JWTSecret = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "client ID") || !strings.Contains(err.Error(), "JWT secret") {
		t.Fatalf("error missing causes: %v", err)
	}
}

func TestValidateRequires32ByteKey(t *testing.T) {
	cfg := validTestConfig()
	cfg.SetCredentialsKey([]byte("short"))
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for short credentials key")
	}
}

func TestDecodeCredentialsKeyFormats(t *testing.T) {
	key := bytes.Repeat([]byte{0xAB}, 32)

	cfg := Default()
	cfg.CredentialsKey = base64.StdEncoding.EncodeToString(key)
	if err := cfg.decodeCredentialsKey(); err != nil {
		t.Fatalf("base64 key rejected: %v", err)
	}
	if !bytes.Equal(cfg.CredentialsKeyBytes(), key) {
		t.Fatal("base64 key decoded wrong")
	}

	cfg = Default()
	cfg.CredentialsKey = "abababababababababababababababababababababababababababababababab"
	if err := cfg.decodeCredentialsKey(); err != nil {
		t.Fatalf("hex key rejected: %v", err)
	}
	if !bytes.Equal(cfg.CredentialsKeyBytes(), key) {
		t.Fatal("hex key decoded wrong")
	}

	cfg = Default()
	cfg.CredentialsKey = "not-a-key"
	if err := cfg.decodeCredentialsKey(); err == nil {
		t.Fatal("garbage key accepted")
	}

	cfg = Default()
	if err := cfg.decodeCredentialsKey(); err == nil {
		t.Fatal("missing key accepted")
	}
}

func TestLoadFromFile(t *testing.T) {
	content := `
http:
  address: 0.0.0.0
  port: "9000"
upstream:
  client_id: file-cid
  client_secret: file-secret
auth:
  jwt_secret: file-jwt
log_level: DEBUG
mux:
  maxpendingopens: 25
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.HTTP.Address != "0.0.0.0" || cfg.HTTP.Port != "9000" {
		t.Fatalf("http settings not loaded: %+v", cfg.HTTP)
	}
	if cfg.Upstream.ClientID != "file-cid" {
		t.Fatalf("upstream settings not loaded: %+v", cfg.Upstream)
	}
	if cfg.LogLevel != "DEBUG" {
		t.Fatalf("log level not loaded: %q", cfg.LogLevel)
	}
	// Unset fields keep their defaults.
	if cfg.Upstream.LiveBaseURL != "https://api.tradestation.com/v3" {
		t.Fatalf("default lost: %q", cfg.Upstream.LiveBaseURL)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "7777")
	t.Setenv("TS_CLIENT_ID", "env-cid")
	t.Setenv("JWT_SECRET", "env-jwt")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("MUX_MAX_PENDING_OPENS", "3")
	t.Setenv("MUX_SWEEP_INTERVAL", "90s")

	cfg := Default()
	if err := applyEnvOverrides(cfg); err != nil {
		t.Fatalf("applyEnvOverrides failed: %v", err)
	}

	if cfg.HTTP.Port != "7777" {
		t.Fatalf("HTTP_PORT not applied: %q", cfg.HTTP.Port)
	}
	if cfg.Upstream.ClientID != "env-cid" {
		t.Fatalf("TS_CLIENT_ID not applied: %q", cfg.Upstream.ClientID)
	}
	if cfg.Auth.JWTSecret != "env-jwt" {
		t.Fatalf("JWT_SECRET not applied")
	}
	if cfg.LogLevel != "WARN" {
		t.Fatalf("LOG_LEVEL not normalized: %q", cfg.LogLevel)
	}
	if cfg.Mux.MaxPendingOpens != 3 {
		t.Fatalf("MUX_MAX_PENDING_OPENS not applied: %d", cfg.Mux.MaxPendingOpens)
	}
	if cfg.Mux.SweepInterval != 90*time.Second {
		t.Fatalf("MUX_SWEEP_INTERVAL not applied: %v", cfg.Mux.SweepInterval)
	}
}

func TestEnvOverridesRejectBadValues(t *testing.T) {
	t.Setenv("MUX_MAX_PENDING_OPENS", "-1")

	cfg := Default()
	if err := applyEnvOverrides(cfg); err == nil {
		t.Fatal("negative MUX_MAX_PENDING_OPENS accepted")
	}
}

func TestEnvOverridesRejectBadLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "VERBOSE")

	cfg := Default()
	if err := applyEnvOverrides(cfg); err == nil {
		t.Fatal("invalid LOG_LEVEL accepted")
	}
}
