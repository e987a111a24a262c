package schema

import "time"

// Default limits and timings for the core service.
const (
	DefaultNodeVersion = "18"

	DefaultMaxSingleFileBytes = 256 * 1024
	DefaultMaxTotalFileBytes  = 1024 * 1024
	DefaultMaxEnvVars         = 20
	DefaultMaxEnvValueLen     = 2000
	DefaultMaxInputLen        = 256
	DefaultMaxInstances       = 2

	DefaultInstanceDurationDays = 10
	DefaultExpiryGraceDays      = 3
	DefaultAuditRetentionDays   = 30

	DefaultSilenceUnlock       = 1200 * time.Millisecond
	DefaultMaintenanceInterval = 30 * time.Minute

	DefaultTerminalCols = 80
	DefaultTerminalRows = 30
)

// Limits bundles the mutation ceilings enforced before any store change.
type Limits struct {
	MaxSingleFileBytes int
	MaxTotalFileBytes  int
	MaxEnvVars         int
	MaxEnvValueLen     int
	MaxInputLen        int
	MaxInstances       int
}

// DefaultLimits returns the stock ceilings.
func DefaultLimits() Limits {
	return Limits{
		MaxSingleFileBytes: DefaultMaxSingleFileBytes,
		MaxTotalFileBytes:  DefaultMaxTotalFileBytes,
		MaxEnvVars:         DefaultMaxEnvVars,
		MaxEnvValueLen:     DefaultMaxEnvValueLen,
		MaxInputLen:        DefaultMaxInputLen,
		MaxInstances:       DefaultMaxInstances,
	}
}

// Normalize fills zero fields with defaults.
func (l Limits) Normalize() Limits {
	def := DefaultLimits()
	if l.MaxSingleFileBytes <= 0 {
		l.MaxSingleFileBytes = def.MaxSingleFileBytes
	}
	if l.MaxTotalFileBytes <= 0 {
		l.MaxTotalFileBytes = def.MaxTotalFileBytes
	}
	if l.MaxEnvVars <= 0 {
		l.MaxEnvVars = def.MaxEnvVars
	}
	if l.MaxEnvValueLen <= 0 {
		l.MaxEnvValueLen = def.MaxEnvValueLen
	}
	if l.MaxInputLen <= 0 {
		l.MaxInputLen = def.MaxInputLen
	}
	if l.MaxInstances <= 0 {
		l.MaxInstances = def.MaxInstances
	}
	return l
}
