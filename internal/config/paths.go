package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "shadowgate"

// Config file name.
const configFileName = "config.toml"

// Shadow store database file name.
const databaseFileName = "shadows.db"

// systemConfigPath is the conventional location when the gateway runs as a
// system service rather than under a user account.
const systemConfigPath = "/etc/shadowgate/config.toml"

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/shadowgate).
// On macOS, uses ~/Library/Application Support/shadowgate.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxConfigDir(home)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

func linuxConfigDir(home string) string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".config", appName)
}

// DefaultDataDir returns the platform-specific directory for application
// data (the shadow store and pid file). On Linux, respects XDG_DATA_HOME
// (defaults to ~/.local/share/shadowgate).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxDataDir(home)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

func linuxDataDir(home string) string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".local", "share", appName)
}

// DefaultConfigPath returns the config file the gateway reads when neither
// SHADOWGATE_CONFIG nor --config is set. An existing user config wins;
// otherwise an existing system config; otherwise the user path, which
// LoadOrDefault resolves to defaults when absent.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir != "" {
		userPath := filepath.Join(dir, configFileName)
		if _, err := os.Stat(userPath); err == nil {
			return userPath
		}
	}

	if _, err := os.Stat(systemConfigPath); err == nil {
		return systemConfigPath
	}

	if dir == "" {
		return systemConfigPath
	}

	return filepath.Join(dir, configFileName)
}

// DatabasePath returns the shadow store location under the data directory.
func DatabasePath(dataDir string) string {
	return filepath.Join(dataDir, databaseFileName)
}
