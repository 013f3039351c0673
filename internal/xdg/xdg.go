// Package xdg resolves XDG Base Directory paths for plughost.
package xdg

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

const appName = "plughost"

// ConfigDir returns $XDG_CONFIG_HOME/plughost, falling back to
// ~/.config/plughost.
func ConfigDir() (string, error) {
	return resolve("XDG_CONFIG_HOME", ".config")
}

// DataDir returns $XDG_DATA_HOME/plughost, falling back to
// ~/.local/share/plughost.
func DataDir() (string, error) {
	return resolve("XDG_DATA_HOME", ".local", "share")
}

// StateDir returns $XDG_STATE_HOME/plughost, falling back to
// ~/.local/state/plughost.
func StateDir() (string, error) {
	return resolve("XDG_STATE_HOME", ".local", "state")
}

// ConfigFile returns the default configuration file path.
func ConfigFile() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// PluginsDir returns the directory the CLI searches for plugin packages given
// by bare name.
func PluginsDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "plugins"), nil
}

func resolve(env string, fallback ...string) (string, error) {
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, appName), nil
	}
	home := os.Getenv("HOME")
	if home == "" {
		var err error
		home, err = os.UserHomeDir()
		if err != nil {
			return "", oops.With("env", env).Wrapf(err, "cannot locate home directory")
		}
	}
	parts := append([]string{home}, fallback...)
	return filepath.Join(append(parts, appName)...), nil
}

// EnsureDir creates a directory and its parents with 0700 permissions.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return oops.With("path", path).Wrapf(err, "failed to create directory")
	}
	return nil
}
