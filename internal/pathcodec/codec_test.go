package pathcodec

import (
	"errors"
	"testing"

	"github.com/codekingibk/nodehost/schema"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	paths := []string{
		"index.js",
		"src/bot.js",
		"deep/nested/dir/file.test.js",
		".env",
		"weird%name.js",
		"no-dots",
		"pkg/%2E-literal.txt",
	}
	for _, p := range paths {
		if got := Decode(Encode(p)); got != p {
			t.Fatalf("round trip mismatch for %q: got %q", p, got)
		}
	}
}

func TestEncodeEscapesDots(t *testing.T) {
	key := Encode("src/index.js")
	if key != "src/index%2Ejs" {
		t.Fatalf("unexpected encoded key: %q", key)
	}
}

func TestValidateRejectsUnsafePaths(t *testing.T) {
	bad := []string{
		"",
		"/etc/passwd",
		"../escape.js",
		"src/../../escape.js",
		"a/b/..",
		"windows\\style.js",
	}
	for _, p := range bad {
		if err := Validate(p); !errors.Is(err, schema.ErrInvalidPath) {
			t.Fatalf("expected ErrInvalidPath for %q, got %v", p, err)
		}
	}
}

func TestValidateAcceptsRelativePaths(t *testing.T) {
	good := []string{"index.js", "src/bot.js", ".env", "a.b/c.d"}
	for _, p := range good {
		if err := Validate(p); err != nil {
			t.Fatalf("expected %q to validate, got %v", p, err)
		}
	}
}
