package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location relative to the working
// directory of the service binary.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port            string `yaml:"port"`
	DatabaseURL     string `yaml:"databaseURL"`
	RedisURL        string `yaml:"redisURL"`
	LogLevel        string `yaml:"logLevel"`
	PapersURL       string `yaml:"papersURL"`
	JWTSecret       string `yaml:"jwtSecret"`
	JWTIssuer       string `yaml:"jwtIssuer"`
	JWTAudience     string `yaml:"jwtAudience"`
	JWTLeeway       string `yaml:"jwtLeeway"`
	AIBaseURL       string `yaml:"aiBaseURL"`
	AIAPIKey        string `yaml:"aiAPIKey"`
	AIModel         string `yaml:"aiModel"`
	AIOffline       bool   `yaml:"aiOffline"`
	MaxTokens       int    `yaml:"maxTokens"`
	Temperature     float32 `yaml:"temperature"`
	HistoryLimit    int    `yaml:"historyLimit"`
	ExchangeTimeout string `yaml:"exchangeTimeout"`
	RateLimit       int    `yaml:"rateLimit"`
	RateWindow      string `yaml:"rateWindow"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("PAPERS_SERVICE_URL"); v != "" {
		cfg.PapersURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("AI_BASE_URL"); v != "" {
		cfg.AIBaseURL = v
	}
	if v := os.Getenv("AI_API_KEY"); v != "" {
		cfg.AIAPIKey = v
	}
	if v := os.Getenv("AI_MODEL"); v != "" {
		cfg.AIModel = v
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.PapersURL == "" {
		return errors.New("config: papersURL is required (set in config.yaml)")
	}
	if cfg.JWTSecret == "" {
		return errors.New("config: jwtSecret is required (set in config.yaml or JWT_SECRET)")
	}
	if !cfg.AIOffline {
		if cfg.AIBaseURL == "" {
			return errors.New("config: aiBaseURL is required unless aiOffline is set")
		}
		if cfg.AIModel == "" {
			return errors.New("config: aiModel is required unless aiOffline is set")
		}
	}
	return nil
}

// ParseJWTLeeway converts the configured leeway into a duration.
// Empty means the verifier default.
func ParseJWTLeeway(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid jwtLeeway: %w", err)
	}
	return d, nil
}

// ParseExchangeTimeout converts the configured timeout into a
// duration. Empty means the orchestrator default.
func ParseExchangeTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid exchangeTimeout: %w", err)
	}
	return d, nil
}

// ParseRateWindow converts the configured limiter window. Empty means
// one minute.
func ParseRateWindow(raw string) (time.Duration, error) {
	if raw == "" {
		return time.Minute, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid rateWindow: %w", err)
	}
	return d, nil
}
