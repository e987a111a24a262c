// Package termline reconstructs discrete terminal lines from a raw PTY
// character stream. The transport delivers arbitrary chunks, not lines, so
// carriage-return overwrites, ANSI escapes and progress spinners have to be
// resolved here before anything is rendered or classified.
package termline

import (
	"regexp"
	"strings"
)

// Kind is the presentation class of a reconstructed line.
type Kind string

const (
	KindSystem  Kind = "system"
	KindError   Kind = "error"
	KindSuccess Kind = "success"
	KindNormal  Kind = "normal"
)

// Line is one committed or live terminal line.
type Line struct {
	Text string `json:"text"`
	Kind Kind   `json:"kind"`
}

const (
	// DefaultMaxLines caps the scrollback; the oldest lines drop first.
	DefaultMaxLines = 800
	// DefaultMaxLineLen forcibly commits runaway in-progress lines.
	DefaultMaxLineLen = 2000
)

var (
	oscPattern     = regexp.MustCompile(`\x1b\][^\x07]*(?:\x07|\x1b\\)`)
	csiPattern     = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]`)
	controlPattern = regexp.MustCompile("[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]")
	spinnerPattern = regexp.MustCompile(`^[⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏]+$`)

	systemPattern  = regexp.MustCompile(`(?i)\[NodeHost\]`)
	errorPattern   = regexp.MustCompile(`(?i)(error|failed|missing script|exited with code|npm\s+error)`)
	successPattern = regexp.MustCompile(`(?i)(install complete|running|success|enabled)`)
)

// Sanitize strips OSC and CSI escape sequences and non-printable control
// bytes, keeping tab, carriage return and newline.
func Sanitize(text string) string {
	text = oscPattern.ReplaceAllString(text, "")
	text = csiPattern.ReplaceAllString(text, "")
	return controlPattern.ReplaceAllString(text, "")
}

// Classify maps a line to its presentation kind. Purely cosmetic; nothing
// branches on the result.
func Classify(line string) Kind {
	switch {
	case line == "":
		return KindNormal
	case systemPattern.MatchString(line):
		return KindSystem
	case errorPattern.MatchString(line):
		return KindError
	case successPattern.MatchString(line):
		return KindSuccess
	default:
		return KindNormal
	}
}

// Reconstructor folds a chunked character stream into committed lines plus
// one live in-progress line. Not safe for concurrent use.
type Reconstructor struct {
	maxLines   int
	maxLineLen int

	lines     []Line
	buf       strings.Builder
	crPending bool
}

// New returns a reconstructor with the default scrollback and line ceilings.
func New() *Reconstructor {
	return &Reconstructor{maxLines: DefaultMaxLines, maxLineLen: DefaultMaxLineLen}
}

// Feed consumes one raw chunk. Carriage-return state carries across calls,
// so a CRLF split over two chunks still commits a single line.
func (r *Reconstructor) Feed(chunk string) {
	for _, c := range Sanitize(chunk) {
		switch c {
		case '\r':
			// Overwrite semantics: the line is discarded only if more
			// characters actually arrive before the next newline.
			r.crPending = true
		case '\n':
			r.crPending = false
			r.commit()
		default:
			if r.crPending {
				r.buf.Reset()
				r.crPending = false
			}
			r.buf.WriteRune(c)
			if r.buf.Len() > r.maxLineLen {
				r.commit()
			}
		}
	}
}

func (r *Reconstructor) commit() {
	text := r.buf.String()
	r.buf.Reset()
	if spinnerPattern.MatchString(strings.TrimSpace(text)) {
		return
	}
	r.lines = append(r.lines, Line{Text: text, Kind: Classify(text)})
	if over := len(r.lines) - r.maxLines; over > 0 {
		r.lines = append(r.lines[:0:0], r.lines[over:]...)
	}
}

// Lines returns the committed scrollback, oldest first.
func (r *Reconstructor) Lines() []Line {
	out := make([]Line, len(r.lines))
	copy(out, r.lines)
	return out
}

// Drain returns the lines committed since the previous call and clears
// them. Streaming consumers print drained lines as they arrive instead of
// re-rendering the whole scrollback.
func (r *Reconstructor) Drain() []Line {
	out := r.lines
	r.lines = nil
	return out
}

// Live returns the in-progress line, if any.
func (r *Reconstructor) Live() (Line, bool) {
	if r.buf.Len() == 0 {
		return Line{}, false
	}
	text := r.buf.String()
	return Line{Text: text, Kind: Classify(text)}, true
}

// Reset drops all state, committed and live.
func (r *Reconstructor) Reset() {
	r.lines = nil
	r.buf.Reset()
	r.crPending = false
}
