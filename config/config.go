package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration
type Config struct {
	// HTTP server settings
	HTTP struct {
		Address string `yaml:"address"`
		Port    string `yaml:"port"`
	} `yaml:"http"`

	// Upstream brokerage API settings
	Upstream struct {
		LiveBaseURL  string `yaml:"live_base_url"`
		PaperBaseURL string `yaml:"paper_base_url"`
		SigninURL    string `yaml:"signin_url"`
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		RedirectURI  string `yaml:"redirect_uri"`
	} `yaml:"upstream"`

	// Auth settings for inbound routes
	Auth struct {
		JWTSecret   string `yaml:"jwt_secret"`
		FrontendURL string `yaml:"frontend_url"`
	} `yaml:"auth"`

	// Storage settings
	DB struct {
		Path string `yaml:"path"`
	} `yaml:"db"`

	// CredentialsKey is the base64 or hex encoded 32-byte key used to
	// encrypt stored tokens at rest. Decoded form is in credentialsKey.
	CredentialsKey string `yaml:"credentials_key"`

	// Mux holds stream multiplexer tuning (embedded)
	Mux MuxConfig `yaml:"mux"`

	// Breaker holds circuit breaker settings for upstream opens
	Breaker struct {
		FailureThreshold int           `yaml:"failure_threshold"`
		Timeout          time.Duration `yaml:"timeout"`
		HalfOpenRequests int           `yaml:"half_open_requests"`
	} `yaml:"breaker"`

	// LogLevel: DEBUG, INFO, WARN, ERROR
	LogLevel string `yaml:"log_level"`

	credentialsKey []byte
}

// Default returns a Config with sensible default values
func Default() *Config {
	cfg := &Config{}

	cfg.HTTP.Address = "127.0.0.1"
	cfg.HTTP.Port = "8080"

	cfg.Upstream.LiveBaseURL = "https://api.tradestation.com/v3"
	cfg.Upstream.PaperBaseURL = "https://sim-api.tradestation.com/v3"
	cfg.Upstream.SigninURL = "https://signin.tradestation.com/oauth/token"

	cfg.Auth.FrontendURL = "http://localhost:3000"

	cfg.DB.Path = "streamgate.db"

	cfg.Mux = *DefaultMuxConfig()

	cfg.Breaker.FailureThreshold = 5
	cfg.Breaker.Timeout = 30 * time.Second
	cfg.Breaker.HalfOpenRequests = 1

	cfg.LogLevel = "INFO"

	return cfg
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	var errors []string

	if c.HTTP.Address == "" {
		errors = append(errors, "HTTP address is required")
	}
	if c.HTTP.Port == "" {
		errors = append(errors, "HTTP port is required")
	}

	if c.Upstream.LiveBaseURL == "" {
		errors = append(errors, "Upstream live base URL is required")
	}
	if c.Upstream.PaperBaseURL == "" {
		errors = append(errors, "Upstream paper base URL is required")
	}
	if c.Upstream.SigninURL == "" {
		errors = append(errors, "Upstream signin URL is required")
	}
	if c.Upstream.ClientID == "" {
		errors = append(errors, "Upstream client ID is required")
	}
	if c.Upstream.ClientSecret == "" {
		errors = append(errors, "Upstream client secret is required")
	}

	if c.Auth.JWTSecret == "" {
		errors = append(errors, "JWT secret is required")
	}

	if c.DB.Path == "" {
		errors = append(errors, "DB path is required")
	}

	if len(c.credentialsKey) != 32 {
		errors = append(errors, "Credentials key must decode to exactly 32 bytes")
	}

	if c.Breaker.FailureThreshold <= 0 {
		errors = append(errors, "Breaker failure threshold must be positive")
	}
	if c.Breaker.Timeout <= 0 {
		errors = append(errors, "Breaker timeout must be positive")
	}
	if c.Breaker.HalfOpenRequests <= 0 {
		errors = append(errors, "Breaker half-open requests must be positive")
	}

	if err := c.Mux.Validate(); err != nil {
		errors = append(errors, fmt.Sprintf("Mux config: %v", err))
	}

	validLevels := map[string]bool{"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true}
	if !validLevels[strings.ToUpper(c.LogLevel)] {
		errors = append(errors, "LogLevel must be one of: DEBUG, INFO, WARN, ERROR")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

// CredentialsKeyBytes returns the decoded 32-byte credentials encryption key
func (c *Config) CredentialsKeyBytes() []byte {
	return c.credentialsKey
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Load loads configuration from a file (if provided) and applies environment variable overrides
func Load() (*Config, error) {
	configPath := os.Getenv("CONFIG_FILE")
	if configPath == "" {
		configPath = "config.yaml"
	}

	var cfg *Config

	// Try to load from file if it exists
	if _, err := os.Stat(configPath); err == nil {
		cfg, err = LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	} else {
		cfg = Default()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.decodeCredentialsKey(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("HTTP_ADDRESS"); val != "" {
		cfg.HTTP.Address = val
	}
	if val := os.Getenv("HTTP_PORT"); val != "" {
		cfg.HTTP.Port = val
	}

	if val := os.Getenv("TS_LIVE_BASE_URL"); val != "" {
		cfg.Upstream.LiveBaseURL = val
	}
	if val := os.Getenv("TS_PAPER_BASE_URL"); val != "" {
		cfg.Upstream.PaperBaseURL = val
	}
	if val := os.Getenv("TS_SIGNIN_URL"); val != "" {
		cfg.Upstream.SigninURL = val
	}
	if val := os.Getenv("TS_CLIENT_ID"); val != "" {
		cfg.Upstream.ClientID = val
	}
	if val := os.Getenv("TS_CLIENT_SECRET"); val != "" {
		cfg.Upstream.ClientSecret = val
	}
	if val := os.Getenv("TS_REDIRECT_URI"); val != "" {
		cfg.Upstream.RedirectURI = val
	}

	if val := os.Getenv("JWT_SECRET"); val != "" {
		cfg.Auth.JWTSecret = val
	}
	if val := os.Getenv("FRONTEND_URL"); val != "" {
		cfg.Auth.FrontendURL = val
	}

	if val := os.Getenv("DB_PATH"); val != "" {
		cfg.DB.Path = val
	}
	if val := os.Getenv("CREDENTIALS_KEY"); val != "" {
		cfg.CredentialsKey = val
	}

	parser := &envParser{}
	parser.parseInt("BREAKER_FAILURE_THRESHOLD", &cfg.Breaker.FailureThreshold)
	parser.parseDuration("BREAKER_TIMEOUT", &cfg.Breaker.Timeout)
	parser.parseInt("BREAKER_HALF_OPEN_REQUESTS", &cfg.Breaker.HalfOpenRequests)
	parser.parseEnum("LOG_LEVEL", &cfg.LogLevel, map[string]bool{
		"DEBUG": true,
		"INFO":  true,
		"WARN":  true,
		"ERROR": true,
	})
	if len(parser.errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(parser.errors, "\n  - "))
	}

	// Mux tuning (uses existing LoadMuxFromEnv logic)
	muxCfg, err := LoadMuxFromEnv(&cfg.Mux)
	if err != nil {
		return fmt.Errorf("failed to load mux config: %w", err)
	}
	cfg.Mux = *muxCfg

	return nil
}

// decodeCredentialsKey decodes the configured key from base64 or hex.
func (c *Config) decodeCredentialsKey() error {
	if c.CredentialsKey == "" {
		return fmt.Errorf("CREDENTIALS_KEY is required")
	}

	if key, err := base64.StdEncoding.DecodeString(c.CredentialsKey); err == nil && len(key) == 32 {
		c.credentialsKey = key
		return nil
	}
	if key, err := hex.DecodeString(c.CredentialsKey); err == nil && len(key) == 32 {
		c.credentialsKey = key
		return nil
	}

	return fmt.Errorf("CREDENTIALS_KEY must be a base64 or hex encoded 32-byte key")
}

// SetCredentialsKey installs an already-decoded key (used by tests)
func (c *Config) SetCredentialsKey(key []byte) {
	c.credentialsKey = key
}

// Print outputs the non-secret configuration to stdout
func (c *Config) Print() {
	fmt.Printf("httpAddress: %v\n", c.HTTP.Address)
	fmt.Printf("httpPort: %v\n", c.HTTP.Port)
	fmt.Printf("liveBaseUrl: %v\n", c.Upstream.LiveBaseURL)
	fmt.Printf("paperBaseUrl: %v\n", c.Upstream.PaperBaseURL)
	fmt.Printf("signinUrl: %v\n", c.Upstream.SigninURL)
	fmt.Printf("frontendUrl: %v\n", c.Auth.FrontendURL)
	fmt.Printf("dbPath: %v\n", c.DB.Path)
	fmt.Printf("maxPendingOpens: %v\n", c.Mux.MaxPendingOpens)
	fmt.Printf("maxSubscribersPerKey: %v\n", c.Mux.MaxSubscribersPerKey)
	fmt.Printf("sweepInterval: %v\n", c.Mux.SweepInterval)
	fmt.Printf("logLevel: %v\n", c.LogLevel)
}
