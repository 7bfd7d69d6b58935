package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sethvargo/go-envconfig"
)

// Duration wraps time.Duration so it can be written as "5s" in both the
// TOML file and environment overrides.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for toml and envconfig.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents ~/.sohbet/config.toml with SOHBET_* env overrides.
// The timing values are tunables, not contracts; Validate enforces the one
// relationship that is a contract (ack timeout below window deadline).
type Config struct {
	ServerURL string `toml:"server_url" env:"SOHBET_SERVER_URL"`
	Username  string `toml:"username" env:"SOHBET_USERNAME"`

	// ReconnectDelay is the fixed pause between automatic reconnect
	// attempts after an unexpected transport drop.
	ReconnectDelay Duration `toml:"reconnect_delay" env:"SOHBET_RECONNECT_DELAY"`

	// AckTimeout bounds a connect-for-acknowledgment attempt.
	AckTimeout Duration `toml:"ack_timeout" env:"SOHBET_ACK_TIMEOUT"`

	// WindowDeadline bounds a background execution window.
	WindowDeadline Duration `toml:"window_deadline" env:"SOHBET_WINDOW_DEADLINE"`

	// IdleGrace is how long the connection is kept up after a window
	// completes before it is allowed to idle-disconnect.
	IdleGrace Duration `toml:"idle_grace" env:"SOHBET_IDLE_GRACE"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ReconnectDelay: Duration(time.Second),
		AckTimeout:     Duration(5 * time.Second),
		WindowDeadline: Duration(8 * time.Second),
		IdleGrace:      Duration(2 * time.Second),
	}
}

// Load reads config from path (missing file is not an error; defaults
// apply), then applies environment overrides, then validates.
func Load(ctx context.Context, path string) (*Config, error) {
	cfg := Default()

	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	if err := envconfig.Process(ctx, cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to path, creating parent dirs as needed.
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

// Validate checks the timing contract and required fields.
func (c *Config) Validate() error {
	if c.ReconnectDelay <= 0 || c.AckTimeout <= 0 || c.WindowDeadline <= 0 || c.IdleGrace < 0 {
		return fmt.Errorf("timing values must be positive")
	}
	// The coordinator must be able to fail fast and hand cleanup to the
	// window manager instead of racing its deadline.
	if c.AckTimeout.Std() >= c.WindowDeadline.Std() {
		return fmt.Errorf("ack_timeout (%s) must be below window_deadline (%s)",
			c.AckTimeout.Std(), c.WindowDeadline.Std())
	}
	return nil
}
