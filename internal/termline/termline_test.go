package termline

import (
	"strings"
	"testing"
)

func committedTexts(r *Reconstructor) []string {
	lines := r.Lines()
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}

func TestCarriageReturnOverwrites(t *testing.T) {
	r := New()
	r.Feed("abc\rdef\n")
	got := committedTexts(r)
	if len(got) != 1 || got[0] != "def" {
		t.Fatalf("expected [def], got %v", got)
	}
}

func TestCRLFCommitsSingleLine(t *testing.T) {
	r := New()
	r.Feed("line1\r\nline2\n")
	got := committedTexts(r)
	if len(got) != 2 || got[0] != "line1" || got[1] != "line2" {
		t.Fatalf("expected [line1 line2], got %v", got)
	}
}

func TestCRLFSplitAcrossChunks(t *testing.T) {
	r := New()
	r.Feed("line1\r")
	r.Feed("\nline2\n")
	got := committedTexts(r)
	if len(got) != 2 || got[0] != "line1" || got[1] != "line2" {
		t.Fatalf("expected [line1 line2], got %v", got)
	}
}

func TestProgressBarRedrawKeepsFinalFrame(t *testing.T) {
	r := New()
	r.Feed("10%\r20%\r100%\n")
	got := committedTexts(r)
	if len(got) != 1 || got[0] != "100%" {
		t.Fatalf("expected [100%%], got %v", got)
	}
}

func TestSanitizeStripsEscapes(t *testing.T) {
	r := New()
	r.Feed("\x1b]0;title\x07\x1b[32mgreen\x1b[0m text\n")
	got := committedTexts(r)
	if len(got) != 1 || got[0] != "green text" {
		t.Fatalf("expected [green text], got %v", got)
	}
}

func TestSanitizeKeepsTab(t *testing.T) {
	if got := Sanitize("a\tb\x00c"); got != "a\tbc" {
		t.Fatalf("unexpected sanitize result %q", got)
	}
}

func TestSpinnerLinesSuppressed(t *testing.T) {
	r := New()
	r.Feed("⠋\n⠙⠹\n  ⠸  \nreal output\n")
	got := committedTexts(r)
	if len(got) != 1 || got[0] != "real output" {
		t.Fatalf("expected spinner frames dropped, got %v", got)
	}
}

func TestOverlongLineForceCommitted(t *testing.T) {
	r := New()
	r.Feed(strings.Repeat("x", DefaultMaxLineLen+10))
	if len(r.Lines()) != 1 {
		t.Fatalf("expected forced commit, got %d lines", len(r.Lines()))
	}
	live, ok := r.Live()
	if !ok || len(live.Text) != 9 {
		t.Fatalf("unexpected live remainder: %q %v", live.Text, ok)
	}
}

func TestScrollbackCapDropsOldest(t *testing.T) {
	r := New()
	for i := 0; i < DefaultMaxLines+5; i++ {
		r.Feed("line\n")
	}
	if len(r.Lines()) != DefaultMaxLines {
		t.Fatalf("expected %d lines, got %d", DefaultMaxLines, len(r.Lines()))
	}
}

func TestDrainClearsCommitted(t *testing.T) {
	r := New()
	r.Feed("one\ntwo\n")
	drained := r.Drain()
	if len(drained) != 2 || drained[0].Text != "one" || drained[1].Text != "two" {
		t.Fatalf("unexpected drain %v", drained)
	}
	if len(r.Drain()) != 0 {
		t.Fatalf("second drain should be empty")
	}
	r.Feed("three\n")
	drained = r.Drain()
	if len(drained) != 1 || drained[0].Text != "three" {
		t.Fatalf("expected only new line, got %v", drained)
	}
}

func TestLiveLine(t *testing.T) {
	r := New()
	r.Feed("partial")
	live, ok := r.Live()
	if !ok || live.Text != "partial" {
		t.Fatalf("unexpected live line %q %v", live.Text, ok)
	}
	r.Feed("\n")
	if _, ok := r.Live(); ok {
		t.Fatalf("live line survived commit")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		line string
		want Kind
	}{
		{"[NodeHost] starting up", KindSystem},
		{"[nodehost] lowercase tag", KindSystem},
		{"npm error code ELIFECYCLE", KindError},
		{"process exited with code 1", KindError},
		{"Missing script: start", KindError},
		{"install complete", KindSuccess},
		{"Bot is running on port 3000", KindSuccess},
		{"plain output", KindNormal},
		{"", KindNormal},
	}
	for _, tc := range cases {
		if got := Classify(tc.line); got != tc.want {
			t.Errorf("Classify(%q) = %v, want %v", tc.line, got, tc.want)
		}
	}
}
