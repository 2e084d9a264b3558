package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents a profile's config.toml.
type Config struct {
	// ServerURL is the HTTP base URL of the chat backend.
	ServerURL string `toml:"server_url"`
	// WebsocketURL is the real-time channel endpoint.
	WebsocketURL string `toml:"websocket_url"`
	// SessionToken authenticates the send, history and real-time channels.
	SessionToken string `toml:"session_token"`
	// SenderID is the current session's user identifier.
	SenderID string `toml:"sender_id"`

	// SendTimeoutMS bounds a single remote send attempt.
	SendTimeoutMS int `toml:"send_timeout_ms"`
	// MaxAutoRetries is the ceiling on automatic retries of a failed send;
	// beyond it the message stays failed until the user retries.
	MaxAutoRetries int `toml:"max_auto_retries"`
	// DedupWindowMS is the timestamp tolerance for content-based echo matching.
	DedupWindowMS int `toml:"dedup_window_ms"`
	// ProbeIntervalMS is how often the connectivity monitor checks the backend.
	ProbeIntervalMS int `toml:"probe_interval_ms"`
}

// Default returns a config with engine defaults applied.
func Default() *Config {
	return &Config{
		SendTimeoutMS:   15000,
		MaxAutoRetries:  5,
		DedupWindowMS:   1000,
		ProbeIntervalMS: 5000,
	}
}

// Load reads config from the given path, filling unset engine knobs with
// defaults. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	def := Default()
	if cfg.SendTimeoutMS <= 0 {
		cfg.SendTimeoutMS = def.SendTimeoutMS
	}
	if cfg.MaxAutoRetries <= 0 {
		cfg.MaxAutoRetries = def.MaxAutoRetries
	}
	if cfg.DedupWindowMS <= 0 {
		cfg.DedupWindowMS = def.DedupWindowMS
	}
	if cfg.ProbeIntervalMS <= 0 {
		cfg.ProbeIntervalMS = def.ProbeIntervalMS
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// SendTimeout returns the per-attempt send timeout as a duration.
func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMS) * time.Millisecond
}

// DedupWindow returns the content-match tolerance as a duration.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowMS) * time.Millisecond
}

// ProbeInterval returns the connectivity probe interval as a duration.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalMS) * time.Millisecond
}
