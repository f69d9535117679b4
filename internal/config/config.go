// Package config loads and watches the client configuration file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full client configuration.
type Config struct {
	// Endpoint is the backend WebSocket URL (ws:// or wss://).
	Endpoint string `yaml:"endpoint"`
	// Token authenticates the connection. TokenFile, when set, wins over
	// Token and is read at load time.
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
	// ProjectPath stamps every outbound command.
	ProjectPath string `yaml:"project_path"`

	Backoff   BackoffConfig   `yaml:"backoff"`
	Queue     QueueConfig     `yaml:"queue"`
	Keepalive KeepaliveConfig `yaml:"keepalive"`
}

// BackoffConfig tunes the reconnection policy.
type BackoffConfig struct {
	Base        time.Duration `yaml:"base"`
	Cap         time.Duration `yaml:"cap"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// QueueConfig tunes the offline command queue.
type QueueConfig struct {
	Capacity   int `yaml:"capacity"`
	MaxRetries int `yaml:"max_retries"`
	// Path locates the persistence database. Empty keeps the queue in
	// memory only.
	Path string `yaml:"path"`
}

// KeepaliveConfig tunes connection liveness timing.
type KeepaliveConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	ReadWait     time.Duration `yaml:"read_wait"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Defaults returns the configuration used when no file exists.
func Defaults() Config {
	return Config{
		Endpoint: "ws://localhost:8080/ws",
		Backoff: BackoffConfig{
			Base:        time.Second,
			Cap:         30 * time.Second,
			MaxAttempts: 10,
		},
		Queue: QueueConfig{
			Capacity:   100,
			MaxRetries: 3,
		},
		Keepalive: KeepaliveConfig{
			PingInterval: 30 * time.Second,
			ProbeTimeout: 5 * time.Second,
			ReadWait:     60 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads path, layering the file over Defaults. A missing file is not
// an error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.TokenFile != "" {
		raw, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			return cfg, fmt.Errorf("read token file %s: %w", cfg.TokenFile, err)
		}
		cfg.Token = strings.TrimSpace(string(raw))
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the transport cannot work with.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("config: endpoint is required")
	}
	if !strings.HasPrefix(c.Endpoint, "ws://") && !strings.HasPrefix(c.Endpoint, "wss://") {
		return fmt.Errorf("config: endpoint %q must use ws:// or wss://", c.Endpoint)
	}
	if c.Backoff.Base < 0 || c.Backoff.Cap < 0 {
		return fmt.Errorf("config: backoff durations must not be negative")
	}
	if c.Backoff.Cap > 0 && c.Backoff.Base > c.Backoff.Cap {
		return fmt.Errorf("config: backoff base %v exceeds cap %v", c.Backoff.Base, c.Backoff.Cap)
	}
	if c.Queue.Capacity < 0 {
		return fmt.Errorf("config: queue capacity must not be negative")
	}
	return nil
}
