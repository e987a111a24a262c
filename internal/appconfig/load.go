package appconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses
// DefaultConfigPath. A missing file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("work_dir", cfg.WorkDir)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("limits.max_single_file_bytes", cfg.Limits.MaxSingleFileBytes)
	v.SetDefault("limits.max_total_file_bytes", cfg.Limits.MaxTotalFileBytes)
	v.SetDefault("limits.max_env_vars", cfg.Limits.MaxEnvVars)
	v.SetDefault("limits.max_env_value_len", cfg.Limits.MaxEnvValueLen)
	v.SetDefault("limits.max_input_len", cfg.Limits.MaxInputLen)
	v.SetDefault("limits.max_instances", cfg.Limits.MaxInstances)
	v.SetDefault("runtime.silence_unlock_millis", cfg.Runtime.SilenceUnlockMillis)
	v.SetDefault("runtime.terminal_cols", cfg.Runtime.TerminalCols)
	v.SetDefault("runtime.terminal_rows", cfg.Runtime.TerminalRows)
	v.SetDefault("maintenance.interval_minutes", cfg.Maintenance.IntervalMinutes)
	v.SetDefault("maintenance.instance_duration_days", cfg.Maintenance.InstanceDurationDays)
	v.SetDefault("maintenance.expiry_grace_days", cfg.Maintenance.ExpiryGraceDays)
	v.SetDefault("maintenance.audit_retention_days", cfg.Maintenance.AuditRetentionDays)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d",
				v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.DataDir = expandEnv(cfg.DataDir)
	cfg.WorkDir = expandEnv(cfg.WorkDir)
	return cfg, nil
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
