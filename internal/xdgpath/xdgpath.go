// Package xdgpath centralizes the XDG Base Directory resolution (with the
// Windows APPDATA/LOCALAPPDATA fallback) shared by the config loader and
// the session store, so the two don't duplicate the same
// environment-variable dance.
package xdgpath

import (
	"os"
	"path/filepath"
	"runtime"
)

// ConfigHome returns the directory that should hold "three"'s config files:
// $XDG_CONFIG_HOME/three, or on Windows %APPDATA%\three, or ~/.config/three.
func ConfigHome() string {
	return appHome("XDG_CONFIG_HOME", "APPDATA", ".config")
}

// DataHome returns the directory that should hold "three"'s data files
// (the session store): $XDG_DATA_HOME/three, or on Windows
// %LOCALAPPDATA%\three, or ~/.local/share/three.
func DataHome() string {
	return appHome("XDG_DATA_HOME", "LOCALAPPDATA", filepath.Join(".local", "share"))
}

func appHome(xdgVar, winVar, unixFallback string) string {
	if v := os.Getenv(xdgVar); v != "" {
		return filepath.Join(v, "three")
	}
	if runtime.GOOS == "windows" {
		if v := os.Getenv(winVar); v != "" {
			return filepath.Join(v, "three")
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, unixFallback, "three")
}

// DefaultConfigPath returns the default user config file path.
func DefaultConfigPath() string {
	return filepath.Join(ConfigHome(), "config.json")
}

// DefaultSessionStorePath returns the default session store file path.
func DefaultSessionStorePath() string {
	return filepath.Join(DataHome(), "sessions.json")
}
