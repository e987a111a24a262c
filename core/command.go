package core

import (
	"regexp"
	"strings"

	"github.com/codekingibk/nodehost/schema"
)

// LaunchMode selects how a validated start command is executed.
type LaunchMode string

const (
	// ModeNPM runs the package manager's start script, with a dependency
	// install step first.
	ModeNPM LaunchMode = "npm"
	// ModeNode runs the interpreter directly on one entry file, no install.
	ModeNode LaunchMode = "node"
)

// LaunchIntent is the structured result of validating a raw start command.
type LaunchIntent struct {
	Mode      LaunchMode
	Args      []string
	Display   string
	EntryFile string
}

// DefaultStartCommand is used when the caller supplies a blank command.
const DefaultStartCommand = "npm start -- index.js"

// DefaultEntryFile is assumed when a package-manager command names none.
const DefaultEntryFile = "index.js"

var (
	npmStartPattern = regexp.MustCompile(`(?i)^npm start(?:\s+--)?(?:\s+[A-Za-z0-9_./-]+)?$`)
	nodeRunPattern  = regexp.MustCompile(`(?i)^node\s+([A-Za-z0-9_./-]+)$`)
	whitespaceRun   = regexp.MustCompile(`\s+`)
)

// ParseStartCommand validates an untrusted start command and returns the
// launch intent. Only two shapes are accepted: the package-manager start
// invocation with an optional entry file, and a direct interpreter call on
// exactly one entry file. Pure function, no filesystem access.
func ParseStartCommand(raw string) (LaunchIntent, error) {
	command := strings.TrimSpace(raw)
	if command == "" {
		return LaunchIntent{
			Mode:      ModeNPM,
			Args:      []string{"start", "--", DefaultEntryFile},
			Display:   DefaultStartCommand,
			EntryFile: DefaultEntryFile,
		}, nil
	}

	normalized := whitespaceRun.ReplaceAllString(command, " ")

	if m := nodeRunPattern.FindStringSubmatch(normalized); m != nil {
		entry := strings.TrimSpace(m[1])
		if !safeEntryFile(entry) {
			return LaunchIntent{}, schema.ErrInvalidEntryFile
		}
		return LaunchIntent{
			Mode:      ModeNode,
			Args:      []string{entry},
			Display:   "node " + entry,
			EntryFile: entry,
		}, nil
	}

	if !npmStartPattern.MatchString(normalized) {
		return LaunchIntent{}, schema.ErrInvalidStartCommand
	}

	parts := strings.Split(normalized, " ")
	entry := ""
	if len(parts) > 2 {
		if parts[2] == "--" {
			if len(parts) > 3 {
				entry = parts[3]
			}
		} else {
			entry = parts[2]
		}
	}
	if entry == "" {
		return LaunchIntent{
			Mode:      ModeNPM,
			Args:      []string{"start"},
			Display:   "npm start",
			EntryFile: DefaultEntryFile,
		}, nil
	}
	if !safeEntryFile(entry) {
		return LaunchIntent{}, schema.ErrInvalidEntryFile
	}
	return LaunchIntent{
		Mode:      ModeNPM,
		Args:      []string{"start", "--", entry},
		Display:   "npm start -- " + entry,
		EntryFile: entry,
	}, nil
}

func safeEntryFile(entry string) bool {
	if entry == "" || strings.Contains(entry, "..") {
		return false
	}
	return !strings.HasPrefix(entry, "/")
}
