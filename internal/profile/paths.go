package profile

import (
	"os"
	"path/filepath"
)

// BaseDir returns the data root, ~/.sohbet by default. SOHBET_HOME
// relocates it wholesale, profiles and config included.
func BaseDir() string {
	if dir := os.Getenv("SOHBET_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".sohbet")
}

// Dir returns the per-user profile directory.
func Dir(username string) string {
	return filepath.Join(BaseDir(), "profiles", username)
}

// DBPath returns the message store path for a profile.
func DBPath(username string) string {
	return filepath.Join(Dir(username), "sohbet.db")
}

// LogPath returns the daemon log file path for a profile.
func LogPath(username string) string {
	return filepath.Join(Dir(username), "logs", "sohbetd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with private permissions.
func EnsureDir(username string) error {
	dirs := []string{
		Dir(username),
		filepath.Join(Dir(username), "logs"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
