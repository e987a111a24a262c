// Package appconfig loads and writes the host configuration file.
package appconfig

import (
	"os"
	"path/filepath"

	"github.com/codekingibk/nodehost/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int               `mapstructure:"config_version" yaml:"config_version"`
	DataDir       string            `mapstructure:"data_dir" yaml:"data_dir"`
	WorkDir       string            `mapstructure:"work_dir" yaml:"work_dir"`
	HTTP          HTTPConfig        `mapstructure:"http" yaml:"http"`
	Limits        LimitsConfig      `mapstructure:"limits" yaml:"limits"`
	Runtime       RuntimeConfig     `mapstructure:"runtime" yaml:"runtime"`
	Maintenance   MaintenanceConfig `mapstructure:"maintenance" yaml:"maintenance"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// HTTPConfig configures the HTTP and streaming server.
type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LimitsConfig carries the per-instance ceilings.
type LimitsConfig struct {
	MaxSingleFileBytes int `mapstructure:"max_single_file_bytes" yaml:"max_single_file_bytes"`
	MaxTotalFileBytes  int `mapstructure:"max_total_file_bytes" yaml:"max_total_file_bytes"`
	MaxEnvVars         int `mapstructure:"max_env_vars" yaml:"max_env_vars"`
	MaxEnvValueLen     int `mapstructure:"max_env_value_len" yaml:"max_env_value_len"`
	MaxInputLen        int `mapstructure:"max_input_len" yaml:"max_input_len"`
	MaxInstances       int `mapstructure:"max_instances" yaml:"max_instances"`
}

// RuntimeConfig configures process supervision behavior.
type RuntimeConfig struct {
	SilenceUnlockMillis int `mapstructure:"silence_unlock_millis" yaml:"silence_unlock_millis"`
	TerminalCols        int `mapstructure:"terminal_cols" yaml:"terminal_cols"`
	TerminalRows        int `mapstructure:"terminal_rows" yaml:"terminal_rows"`
}

// MaintenanceConfig configures the housekeeping sweep.
type MaintenanceConfig struct {
	IntervalMinutes      int `mapstructure:"interval_minutes" yaml:"interval_minutes"`
	InstanceDurationDays int `mapstructure:"instance_duration_days" yaml:"instance_duration_days"`
	ExpiryGraceDays      int `mapstructure:"expiry_grace_days" yaml:"expiry_grace_days"`
	AuditRetentionDays   int `mapstructure:"audit_retention_days" yaml:"audit_retention_days"`
}

// Limits converts the config section to the schema type.
func (l LimitsConfig) Limits() schema.Limits {
	return schema.Limits{
		MaxSingleFileBytes: l.MaxSingleFileBytes,
		MaxTotalFileBytes:  l.MaxTotalFileBytes,
		MaxEnvVars:         l.MaxEnvVars,
		MaxEnvValueLen:     l.MaxEnvValueLen,
		MaxInputLen:        l.MaxInputLen,
		MaxInstances:       l.MaxInstances,
	}.Normalize()
}

// DefaultConfigPath returns the stock config file location.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".nodehost", "config.yaml"), nil
}

// DefaultConfig returns a config with stock defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		DataDir:       filepath.Join(home, ".nodehost", "data"),
		WorkDir:       filepath.Join(home, ".nodehost", "work"),
		HTTP: HTTPConfig{
			Addr: ":8720",
		},
		Limits: LimitsConfig{
			MaxSingleFileBytes: schema.DefaultMaxSingleFileBytes,
			MaxTotalFileBytes:  schema.DefaultMaxTotalFileBytes,
			MaxEnvVars:         schema.DefaultMaxEnvVars,
			MaxEnvValueLen:     schema.DefaultMaxEnvValueLen,
			MaxInputLen:        schema.DefaultMaxInputLen,
			MaxInstances:       schema.DefaultMaxInstances,
		},
		Runtime: RuntimeConfig{
			SilenceUnlockMillis: int(schema.DefaultSilenceUnlock.Milliseconds()),
			TerminalCols:        schema.DefaultTerminalCols,
			TerminalRows:        schema.DefaultTerminalRows,
		},
		Maintenance: MaintenanceConfig{
			IntervalMinutes:      int(schema.DefaultMaintenanceInterval.Minutes()),
			InstanceDurationDays: schema.DefaultInstanceDurationDays,
			ExpiryGraceDays:      schema.DefaultExpiryGraceDays,
			AuditRetentionDays:   schema.DefaultAuditRetentionDays,
		},
	}, nil
}
