package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/Ning0612/Incsync/internal/domain"
)

// EnvPrefix is the prefix for environment overrides, e.g. INCSYNC_OUTPUT_DIR
const EnvPrefix = "INCSYNC"

// requiredKeys must be present in every config file
var requiredKeys = []string{
	"file_extensions",
	"scan_paths",
	"output_dir",
	"history_store_path",
	"calculate_md5_hash",
}

// newViper creates a viper instance with defaults for the optional keys
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	v.SetDefault("prune_missing", true)
	v.SetDefault("follow_symlinks", true)
	v.SetDefault("workers", DefaultWorkers)
	v.SetDefault("checkpoint_every", 0)
	v.SetDefault("reset_corrupt_history", false)
	v.SetDefault("restore_missing", false)

	return v
}

// configType picks the viper decoder from the file extension, JSON by default
func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	default:
		return "json"
	}
}

// Load reads and parses a configuration file
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: no config path given", domain.ErrConfigNotFound)
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", domain.ErrConfigInvalid, path)
	}

	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType(configType(path))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	cfg.Source = path

	return cfg, nil
}

// LoadFromString parses configuration from a string in the given
// format ("json", "yaml" or "toml")
func LoadFromString(content, format string) (*Config, error) {
	v := newViper()
	v.SetConfigType(format)

	if err := v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var missing []string
	for _, key := range requiredKeys {
		if !v.IsSet(key) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required field(s): %s",
			domain.ErrConfigInvalid, strings.Join(missing, ", "))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}

	cfg.Normalize()

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
