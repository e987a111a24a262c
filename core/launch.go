package core

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/codekingibk/nodehost/schema"
)

// LaunchPlan is everything the supervisor needs to spawn the process.
type LaunchPlan struct {
	Cmd             string
	Args            []string
	Display         string
	TermName        string
	RequiresInstall bool
	Mode            LaunchMode
}

type manifest struct {
	Scripts map[string]string `json:"scripts"`
}

// ResolveLaunch turns a validated intent into a concrete plan against the
// materialized working directory. Direct interpreter intents require the
// entry file on disk and skip the install step; package-manager intents
// require a manifest with a non-empty start script.
func ResolveLaunch(workDir string, intent LaunchIntent) (LaunchPlan, error) {
	if intent.Mode == ModeNode {
		entry := intent.EntryFile
		if _, err := os.Stat(filepath.Join(workDir, filepath.FromSlash(entry))); err != nil {
			return LaunchPlan{}, schema.ErrEntryFileMissing
		}
		if runtime.GOOS == "windows" {
			return LaunchPlan{
				Cmd:      "cmd.exe",
				Args:     []string{"/d", "/s", "/c", "node", entry},
				Display:  intent.Display,
				TermName: "dumb",
				Mode:     ModeNode,
			}, nil
		}
		return LaunchPlan{
			Cmd:      "node",
			Args:     []string{entry},
			Display:  intent.Display,
			TermName: "dumb",
			Mode:     ModeNode,
		}, nil
	}

	raw, err := os.ReadFile(filepath.Join(workDir, "package.json"))
	if err != nil {
		return LaunchPlan{}, schema.ErrManifestMissing
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return LaunchPlan{}, schema.ErrManifestMissing
	}
	if strings.TrimSpace(m.Scripts["start"]) == "" {
		return LaunchPlan{}, schema.ErrStartScriptMissing
	}

	return LaunchPlan{
		Cmd:             npmCommand(),
		Args:            intent.Args,
		Display:         intent.Display,
		TermName:        "xterm-color",
		RequiresInstall: true,
		Mode:            ModeNPM,
	}, nil
}

func npmCommand() string {
	if runtime.GOOS == "windows" {
		return "npm.cmd"
	}
	return "npm"
}
