// Package profile locates per-profile state. A profile is one logged-in
// account with its own database, lock and logs.
package profile

import (
	"os"
	"path/filepath"
)

// HomeEnv overrides the base directory, mainly for tests and side-by-side
// instances.
const HomeEnv = "DUOCHAT_HOME"

// BaseDir returns $DUOCHAT_HOME or ~/.duochat.
func BaseDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".duochat")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// StateDBPath returns the client state database path.
func StateDBPath(name string) string {
	return filepath.Join(Dir(name), "state.db")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "duochat.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
