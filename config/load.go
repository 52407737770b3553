package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/borgitory/borgitory/errors"
)

var globalConfig *Config
var viperInstance *viper.Viper

// Load reads the engine configuration using Viper
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	globalConfig = &config
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	return initViper()
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	// Set defaults but don't bind environment variables for this specific load
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", configPath)
	}

	return &config, nil
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	globalConfig = nil
	viperInstance = nil
}

// initViper initializes Viper with configuration sources and defaults
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	// Set up environment variable binding
	v.SetEnvPrefix("BORGITORY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind specific sensitive configuration values to environment variables
	BindSensitiveEnvVars(v)

	// Set defaults first
	SetDefaults(v)

	// Manually merge configs in precedence order: system -> user -> project -> env vars
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// findProjectConfig searches for borgitory.toml by walking up the directory
// tree. Returns the path to the first config file found, or empty string.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		path := filepath.Join(dir, "borgitory.toml")
		if _, err := os.Stat(path); err == nil {
			return path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root, stop searching
			break
		}
		dir = parent
	}

	return ""
}

// mergeConfigFiles manually merges configuration files in the correct
// precedence order (lowest to highest): system < user < project < env vars
func mergeConfigFiles(v *viper.Viper) {
	homeDir, _ := os.UserHomeDir()

	userDir := filepath.Join(homeDir, ".borgitory")
	os.MkdirAll(userDir, DefaultDirPermissions)

	projectConfig := findProjectConfig()
	configPaths := []string{
		"/etc/borgitory/config.toml",          // System config (lowest precedence)
		filepath.Join(userDir, "config.toml"), // User config
	}

	// Project config found via upward search (highest file precedence, below env vars)
	if projectConfig != "" {
		configPaths = append(configPaths, projectConfig)
	}

	for _, configPath := range configPaths {
		if _, err := os.Stat(configPath); err == nil {
			tempViper := viper.New()
			tempViper.SetConfigFile(configPath)
			tempViper.SetConfigType("toml")

			if err := tempViper.ReadInConfig(); err == nil {
				for key, value := range tempViper.AllSettings() {
					v.Set(key, value)
				}
			}
		}
	}
}

// GetDatabasePath returns the configured database path
func GetDatabasePath() (string, error) {
	if dbPath := os.Getenv("BORGITORY_DATABASE_PATH"); dbPath != "" {
		return dbPath, nil
	}

	config, err := Load()
	if err != nil {
		return "", err
	}
	return config.Database.Path, nil
}
