package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/codekingibk/nodehost/schema"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConfigVersion != CurrentConfigVersion {
		t.Fatalf("unexpected version %d", cfg.ConfigVersion)
	}
	if cfg.HTTP.Addr != ":8720" {
		t.Fatalf("unexpected addr %q", cfg.HTTP.Addr)
	}
	if cfg.Limits.MaxInputLen != schema.DefaultMaxInputLen {
		t.Fatalf("unexpected input ceiling %d", cfg.Limits.MaxInputLen)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "config_version: 1\nhttp:\n  addr: \":9000\"\nlimits:\n  max_instances: 5\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":9000" {
		t.Fatalf("override missed: %q", cfg.HTTP.Addr)
	}
	if cfg.Limits.MaxInstances != 5 {
		t.Fatalf("override missed: %d", cfg.Limits.MaxInstances)
	}
	// Untouched keys keep defaults.
	if cfg.Limits.MaxEnvVars != schema.DefaultMaxEnvVars {
		t.Fatalf("default lost: %d", cfg.Limits.MaxEnvVars)
	}
}

func TestLoadRejectsMissingVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("http:\n  addr: \":9000\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRejectsWrongVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("config_version: 99\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected version error, got %v", err)
	}
}

func TestLoadExpandsEnvInPaths(t *testing.T) {
	t.Setenv("NODEHOST_TEST_BASE", "/srv/nodehost")
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "config_version: 1\ndata_dir: $NODEHOST_TEST_BASE/data\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/srv/nodehost/data" {
		t.Fatalf("env not expanded: %q", cfg.DataDir)
	}
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	written, err := WriteDefault(path, false)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if written != path {
		t.Fatalf("unexpected path %q", written)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("second write without overwrite must fail")
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.ConfigVersion != CurrentConfigVersion {
		t.Fatalf("round trip lost version: %d", cfg.ConfigVersion)
	}
}
