package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// configName is the config file name without extension.
const configName = ".thinbackup"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for thinbackup settings.
const envPrefix = "THINBACKUP"

// envKeySeparator is the nested key separator in environment variable names.
const envKeySeparator = "_"

// Default configuration values.
const (
	DefaultBlockSize      = 65536
	DefaultCheckpointDir  = ".thinbackup/checkpoints"
	DefaultCommandTimeout = "30s"
	DefaultLVSPath        = "lvs"
	DefaultLVCreatePath   = "lvcreate"
	DefaultLVRenamePath   = "lvrename"
	DefaultLVRemovePath   = "lvremove"
	DefaultDMSetupPath    = "dmsetup"
	DefaultThinDeltaPath  = "thin_delta"
	DefaultThinDumpPath   = "thin_dump"
)

// LoadConfig loads configuration from file, env vars, and defaults.
// If configPath is non-empty, it is used as the explicit config file path.
// Otherwise, the config file is searched in CWD and $HOME.
// Missing config file is not an error; defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viperCfg.AddConfigPath(home)
		}
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

func applyDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("block_size", DefaultBlockSize)
	viperCfg.SetDefault("retention.keep_prior_last", false)
	viperCfg.SetDefault("checkpoint.dir", DefaultCheckpointDir)

	viperCfg.SetDefault("tooling.lvs_path", DefaultLVSPath)
	viperCfg.SetDefault("tooling.lvcreate_path", DefaultLVCreatePath)
	viperCfg.SetDefault("tooling.lvrename_path", DefaultLVRenamePath)
	viperCfg.SetDefault("tooling.lvremove_path", DefaultLVRemovePath)
	viperCfg.SetDefault("tooling.dmsetup_path", DefaultDMSetupPath)
	viperCfg.SetDefault("tooling.thin_delta_path", DefaultThinDeltaPath)
	viperCfg.SetDefault("tooling.thin_dump_path", DefaultThinDumpPath)
	viperCfg.SetDefault("tooling.command_timeout", DefaultCommandTimeout)
}
