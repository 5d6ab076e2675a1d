// Package config loads the TOML configuration shared by every profile.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Redis holds options used when broker_url has the redis scheme.
type Redis struct {
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

// Config represents ~/.duochat/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	BrokerURL      string `toml:"broker_url"`
	APIURL         string `toml:"api_url"`

	ReconnectDelay Duration `toml:"reconnect_delay"`
	HeartBeat      Duration `toml:"heartbeat"`
	TypingTimeout  Duration `toml:"typing_timeout"`
	BlurGrace      Duration `toml:"blur_grace"`
	TypingExpiry   Duration `toml:"typing_expiry"`
	// PendingTimeout marks unconfirmed sends as failed; zero disables it.
	PendingTimeout Duration `toml:"pending_timeout"`

	Redis Redis `toml:"redis"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BrokerURL:      "ws://localhost:8080/ws/websocket",
		APIURL:         "http://localhost:8080",
		ReconnectDelay: Duration{5 * time.Second},
		HeartBeat:      Duration{10 * time.Second},
		TypingTimeout:  Duration{2 * time.Second},
		BlurGrace:      Duration{500 * time.Millisecond},
		TypingExpiry:   Duration{3 * time.Second},
		Redis:          Redis{Prefix: "duochat"},
	}
}

// Load reads config from path over the defaults. Returns an error if the
// file is missing or invalid.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.BrokerURL == "" {
		return errors.New("broker_url is required")
	}
	if c.ReconnectDelay.Duration <= 0 {
		return errors.New("reconnect_delay must be positive")
	}
	if t := c.TypingTimeout.Duration; t < time.Second || t > 2*time.Second {
		return fmt.Errorf("typing_timeout %s must be between 1s and 2s", t)
	}
	if c.BlurGrace.Duration <= 0 || c.TypingExpiry.Duration <= 0 {
		return errors.New("blur_grace and typing_expiry must be positive")
	}
	if c.PendingTimeout.Duration < 0 {
		return errors.New("pending_timeout must not be negative")
	}
	return nil
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
