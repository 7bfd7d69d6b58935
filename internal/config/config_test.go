package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ReconnectDelay.Std() != time.Second {
		t.Errorf("reconnect_delay = %s, want 1s", cfg.ReconnectDelay.Std())
	}
	if cfg.AckTimeout.Std() != 5*time.Second {
		t.Errorf("ack_timeout = %s, want 5s", cfg.AckTimeout.Std())
	}
	if cfg.WindowDeadline.Std() != 8*time.Second {
		t.Errorf("window_deadline = %s, want 8s", cfg.WindowDeadline.Std())
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `server_url = "ws://example.test:3000"
username = "bob"
ack_timeout = "3s"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SOHBET_USERNAME", "alice")

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerURL != "ws://example.test:3000" {
		t.Errorf("server_url = %q", cfg.ServerURL)
	}
	if cfg.Username != "alice" {
		t.Errorf("username = %q, want alice (env override)", cfg.Username)
	}
	if cfg.AckTimeout.Std() != 3*time.Second {
		t.Errorf("ack_timeout = %s, want 3s", cfg.AckTimeout.Std())
	}
}

func TestValidateRejectsInvertedTimeouts(t *testing.T) {
	cfg := Default()
	cfg.AckTimeout = Duration(10 * time.Second)
	cfg.WindowDeadline = Duration(5 * time.Second)
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when ack_timeout >= window_deadline")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	cfg := Default()
	cfg.Username = "carol"
	cfg.ServerURL = "ws://localhost:3000"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Username != "carol" {
		t.Errorf("username = %q, want carol", loaded.Username)
	}
	if loaded.IdleGrace.Std() != cfg.IdleGrace.Std() {
		t.Errorf("idle_grace = %s, want %s", loaded.IdleGrace.Std(), cfg.IdleGrace.Std())
	}
}
