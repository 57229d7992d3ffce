package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig  = "SHADOWGATE_CONFIG"
	EnvDataDir = "SHADOWGATE_DATA_DIR"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // SHADOWGATE_CONFIG: override config file path
	DataDir    string // SHADOWGATE_DATA_DIR: override state directory
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. Callers apply the relevant fields; the Config is not modified.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		DataDir:    os.Getenv(EnvDataDir),
	}
}
