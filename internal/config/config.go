// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration.
type Config struct {
	DatabasePath string
	ListenAddr   string
	// BaseURL is the externally reachable root used inside tracking links.
	BaseURL string
	// FallbackURL is where broken click links redirect.
	FallbackURL string
	LogLevel    string
	SourcesPath string

	SMTPHost    string
	SMTPPort    int
	SMTPUser    string
	SMTPPass    string
	FromAddress string

	MaxItems      int
	MaxPerMessage int

	DispatchWorkers  int
	MaxSendAttempts  int
	SendTimeout      time.Duration
	FailureThreshold float64
	RunInterval      time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		DatabasePath: getEnv("DATABASE_PATH", "./data/newsletter.db"),
		ListenAddr:   getEnv("LISTEN_ADDR", ":8080"),
		BaseURL:      getEnv("BASE_URL", "http://localhost:8080"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		SourcesPath:  getEnv("SOURCES_PATH", "./sources.yaml"),
		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPUser:     os.Getenv("SMTP_USER"),
		SMTPPass:     os.Getenv("SMTP_PASS"),
		FromAddress:  getEnv("FROM_ADDRESS", "newsletter@localhost"),
	}
	cfg.FallbackURL = getEnv("FALLBACK_URL", cfg.BaseURL)

	var err error
	if cfg.SMTPPort, err = getEnvInt("SMTP_PORT", 587); err != nil {
		return nil, err
	}
	if cfg.MaxItems, err = getEnvInt("MAX_ITEMS", 20); err != nil {
		return nil, err
	}
	if cfg.MaxPerMessage, err = getEnvInt("MAX_PER_MESSAGE", 5); err != nil {
		return nil, err
	}
	if cfg.DispatchWorkers, err = getEnvInt("DISPATCH_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.MaxSendAttempts, err = getEnvInt("MAX_SEND_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.SendTimeout, err = getEnvDuration("SEND_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.RunInterval, err = getEnvDuration("RUN_INTERVAL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.FailureThreshold, err = getEnvFloat("FAILURE_THRESHOLD", 0.5); err != nil {
		return nil, err
	}
	if cfg.FailureThreshold < 0 || cfg.FailureThreshold > 1 {
		return nil, fmt.Errorf("FAILURE_THRESHOLD must be between 0 and 1, got %v", cfg.FailureThreshold)
	}

	return cfg, nil
}

// SMTPConfigured reports whether real SMTP delivery is set up. Without it the
// application falls back to a log-only transport.
func (c *Config) SMTPConfigured() bool {
	return c.SMTPHost != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return f, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
