// Package config loads the relay's closed, environment-driven
// configuration surface, layering JSON config files from the relay's XDG
// config directory and the project's .relay directory, then
// environment-variable overrides.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds the standard relay data locations.
type Paths struct {
	Data   string // ~/.local/share/relay
	Config string // ~/.config/relay
}

// GetPaths returns the standard paths for relay data.
func GetPaths() *Paths {
	return &Paths{
		Data:   filepath.Join(getEnvOrDefault("XDG_DATA_HOME", defaultDataHome()), "relay"),
		Config: filepath.Join(getEnvOrDefault("XDG_CONFIG_HOME", defaultConfigHome()), "relay"),
	}
}

// EnsurePaths creates the relay's data directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Config} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// StoragePath is where the filestore persistence backend keeps its rows.
func (p *Paths) StoragePath() string {
	return filepath.Join(p.Data, "storage")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultDataHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share")
}

func defaultConfigHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".config")
}
