// Package clientconfig loads the poll client's settings from an optional YAML
// file and the environment.
package clientconfig

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mcdev12/livepoll/go/internal/poll/live"
)

type ReconnectConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// Config holds the only externally meaningful client settings: where the
// directory and channel live, reconnect bounds and the viewer's credential.
type Config struct {
	DirectoryURL string          `yaml:"directory_url"`
	ChannelURL   string          `yaml:"channel_url"`
	Reconnect    ReconnectConfig `yaml:"reconnect"`
	Credential   string          `yaml:"credential"`
}

// Default returns the configuration used when nothing is set
func Default() Config {
	policy := live.DefaultReconnectPolicy()
	return Config{
		DirectoryURL: "http://localhost:8080",
		ChannelURL:   "ws://localhost:8081/ws/polls",
		Reconnect: ReconnectConfig{
			MaxAttempts:  policy.MaxAttempts,
			InitialDelay: policy.Delay,
			MaxDelay:     policy.MaxDelay,
		},
	}
}

// Load reads path (optional, may be empty) over the defaults and applies
// environment overrides. A .env file in the working directory is loaded
// first when present.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	config := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.DirectoryURL = getEnv("DIRECTORY_URL", config.DirectoryURL)
	config.ChannelURL = getEnv("CHANNEL_URL", config.ChannelURL)
	config.Credential = getEnv("POLL_TOKEN", config.Credential)
	config.Reconnect.MaxAttempts = getEnvAsInt("RECONNECT_MAX_ATTEMPTS", config.Reconnect.MaxAttempts)
	config.Reconnect.InitialDelay = getEnvAsDuration("RECONNECT_DELAY", config.Reconnect.InitialDelay)
	config.Reconnect.MaxDelay = getEnvAsDuration("RECONNECT_MAX_DELAY", config.Reconnect.MaxDelay)

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate rejects settings the client cannot run with
func (c Config) Validate() error {
	if c.DirectoryURL == "" {
		return errors.New("directory_url is required")
	}
	if c.ChannelURL == "" {
		return errors.New("channel_url is required")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must not be negative, got %d", c.Reconnect.MaxAttempts)
	}
	if c.Reconnect.InitialDelay < 0 || c.Reconnect.MaxDelay < 0 {
		return errors.New("reconnect delays must not be negative")
	}
	return nil
}

// ReconnectPolicy converts the reconnect bounds for the connection manager
func (c Config) ReconnectPolicy() live.ReconnectPolicy {
	return live.ReconnectPolicy{
		MaxAttempts: c.Reconnect.MaxAttempts,
		Delay:       c.Reconnect.InitialDelay,
		MaxDelay:    c.Reconnect.MaxDelay,
	}
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
