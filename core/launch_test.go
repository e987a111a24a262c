package core

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/codekingibk/nodehost/schema"
)

func writeWorkFile(t *testing.T, dir, name, content string) {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestResolveLaunchNodeMode(t *testing.T) {
	dir := t.TempDir()
	writeWorkFile(t, dir, "bot.js", "x")

	intent, err := ParseStartCommand("node bot.js")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	plan, err := ResolveLaunch(dir, intent)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if plan.RequiresInstall {
		t.Fatalf("node mode must skip install")
	}
	if plan.TermName != "dumb" {
		t.Fatalf("unexpected term %q", plan.TermName)
	}
}

func TestResolveLaunchNodeModeMissingEntry(t *testing.T) {
	intent, err := ParseStartCommand("node missing.js")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := ResolveLaunch(t.TempDir(), intent); !errors.Is(err, schema.ErrEntryFileMissing) {
		t.Fatalf("expected ErrEntryFileMissing, got %v", err)
	}
}

func TestResolveLaunchNPMMode(t *testing.T) {
	dir := t.TempDir()
	writeWorkFile(t, dir, "package.json", `{"scripts":{"start":"node index.js"}}`)

	intent, err := ParseStartCommand("npm start -- index.js")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	plan, err := ResolveLaunch(dir, intent)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !plan.RequiresInstall {
		t.Fatalf("npm mode must require install")
	}
	if plan.TermName != "xterm-color" {
		t.Fatalf("unexpected term %q", plan.TermName)
	}
}

func TestResolveLaunchNPMModeMissingManifest(t *testing.T) {
	intent, err := ParseStartCommand("npm start")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := ResolveLaunch(t.TempDir(), intent); !errors.Is(err, schema.ErrManifestMissing) {
		t.Fatalf("expected ErrManifestMissing, got %v", err)
	}
}

func TestResolveLaunchNPMModeMissingStartScript(t *testing.T) {
	dir := t.TempDir()
	writeWorkFile(t, dir, "package.json", `{"scripts":{"build":"tsc"}}`)

	intent, err := ParseStartCommand("npm start")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := ResolveLaunch(dir, intent); !errors.Is(err, schema.ErrStartScriptMissing) {
		t.Fatalf("expected ErrStartScriptMissing, got %v", err)
	}
}

func TestResolveLaunchNPMModeBlankStartScript(t *testing.T) {
	dir := t.TempDir()
	writeWorkFile(t, dir, "package.json", `{"scripts":{"start":"   "}}`)

	intent, err := ParseStartCommand("npm start")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := ResolveLaunch(dir, intent); !errors.Is(err, schema.ErrStartScriptMissing) {
		t.Fatalf("expected ErrStartScriptMissing, got %v", err)
	}
}
