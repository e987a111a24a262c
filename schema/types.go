package schema

import (
	"regexp"
	"strings"
	"time"
)

// InstanceID identifies a tenant instance.
type InstanceID string

// AccountID identifies the owning account.
type AccountID string

// InstanceStatus is the lifecycle state of an instance.
type InstanceStatus string

const (
	// StatusStopped means no process is live for the instance.
	StatusStopped InstanceStatus = "STOPPED"
	// StatusInstalling means the dependency-install step is running.
	StatusInstalling InstanceStatus = "INSTALLING"
	// StatusRunning means the main process is live.
	StatusRunning InstanceStatus = "RUNNING"
	// StatusBroken means the install step or the main process failed.
	StatusBroken InstanceStatus = "BROKEN"
)

// Valid reports whether the status is one of the four lifecycle states.
func (s InstanceStatus) Valid() bool {
	switch s {
	case StatusStopped, StatusInstalling, StatusRunning, StatusBroken:
		return true
	}
	return false
}

// EnvVar is a single environment variable entry. Order is preserved.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Instance is the persisted record for a tenant execution slot.
type Instance struct {
	ID          InstanceID     `json:"id" db:"id"`
	AccountID   AccountID      `json:"account_id" db:"account_id"`
	Name        string         `json:"name" db:"name"`
	Status      InstanceStatus `json:"status" db:"status"`
	NodeVersion string         `json:"node_version" db:"node_version"`
	EnvVars     []EnvVar       `json:"env_vars,omitempty" db:"-"`
	PID         *int           `json:"pid,omitempty" db:"pid"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty" db:"started_at"`
	StoppedAt   *time.Time     `json:"stopped_at,omitempty" db:"stopped_at"`
	ExpiresAt   time.Time      `json:"expires_at" db:"expires_at"`
	RenewedAt   *time.Time     `json:"renewed_at,omitempty" db:"renewed_at"`
}

// Expired reports whether the instance's subscription has lapsed.
func (i Instance) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && i.ExpiresAt.Before(now)
}

// FileRecord is a single stored file in an instance's virtual filesystem.
// Content is always present; Hidden marks bookkeeping entries (directory
// placeholders) that file listings should skip.
type FileRecord struct {
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
	Hidden    bool      `json:"hidden,omitempty"`
}

var (
	envKeyPattern      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	allowedNodeVersion = map[string]bool{"16": true, "18": true, "20": true, "22": true}
)

// ValidEnvKey reports whether key is an acceptable environment variable name.
func ValidEnvKey(key string) bool {
	return envKeyPattern.MatchString(key)
}

// NormalizeNodeVersion validates the advisory runtime version tag.
func NormalizeNodeVersion(version string) (string, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		version = DefaultNodeVersion
	}
	if !allowedNodeVersion[version] {
		return "", ErrInvalidNodeVersion
	}
	return version, nil
}

// NormalizeEnvVars validates and trims an env var list.
func NormalizeEnvVars(vars []EnvVar, limits Limits) ([]EnvVar, error) {
	if len(vars) > limits.MaxEnvVars {
		return nil, ErrTooManyEnvVars
	}
	out := make([]EnvVar, 0, len(vars))
	for _, v := range vars {
		key := strings.TrimSpace(v.Key)
		if key == "" {
			continue
		}
		if !ValidEnvKey(key) {
			return nil, ErrInvalidEnvKey
		}
		if len(v.Value) > limits.MaxEnvValueLen {
			return nil, ErrEnvValueTooLong
		}
		out = append(out, EnvVar{Key: key, Value: v.Value})
	}
	return out, nil
}
