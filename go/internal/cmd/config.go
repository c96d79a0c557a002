package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the directory server configuration. Values come from an optional
// YAML file and are overridden by the environment.
type Config struct {
	Port     string `yaml:"port"`
	Storage  string `yaml:"storage"`
	NATSURL  string `yaml:"nats_url"`
	LogLevel string `yaml:"log_level"`
	Auth     struct {
		Secret   string        `yaml:"secret"`
		TokenTTL time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`
	Publish struct {
		Retries    int           `yaml:"retries"`
		RetryDelay time.Duration `yaml:"retry_delay"`
	} `yaml:"publish"`
}

const (
	storagePostgres = "postgres"
	storageMemory   = "memory"
)

func defaultConfig() *Config {
	cfg := &Config{
		Port:     "8080",
		Storage:  storagePostgres,
		LogLevel: "info",
	}
	cfg.Auth.TokenTTL = 24 * time.Hour
	cfg.Publish.Retries = 3
	cfg.Publish.RetryDelay = 200 * time.Millisecond
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// loadConfig reads path when it exists and applies environment overrides.
func loadConfig(path string) (*Config, error) {
	config := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	config.Port = getEnv("DIRECTORY_PORT", config.Port)
	config.Storage = getEnv("DIRECTORY_STORAGE", config.Storage)
	config.NATSURL = getEnv("NATS_URL", config.NATSURL)
	config.LogLevel = getEnv("LOG_LEVEL", config.LogLevel)
	config.Auth.Secret = getEnv("JWT_SECRET", config.Auth.Secret)
	config.Auth.TokenTTL = getEnvAsDuration("JWT_TTL", config.Auth.TokenTTL)
	config.Publish.Retries = getEnvAsInt("PUBLISH_RETRIES", config.Publish.Retries)
	config.Publish.RetryDelay = getEnvAsDuration("PUBLISH_RETRY_DELAY", config.Publish.RetryDelay)

	if config.Auth.Secret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if config.Storage != storagePostgres && config.Storage != storageMemory {
		return nil, fmt.Errorf("unknown storage %q", config.Storage)
	}
	return config, nil
}
