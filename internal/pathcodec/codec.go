// Package pathcodec encodes relative file paths into keys acceptable to the
// persistence layer, which forbids dots in key names. The transform is
// bijective: Decode(Encode(p)) == p for every valid relative path p.
package pathcodec

import (
	"strings"

	"github.com/codekingibk/nodehost/schema"
)

// Encode escapes characters the storage key space disallows. Literal percent
// signs are escaped first so the transform stays reversible.
func Encode(p string) string {
	p = strings.ReplaceAll(p, "%", "%25")
	return strings.ReplaceAll(p, ".", "%2E")
}

// Decode is the exact inverse of Encode.
func Decode(key string) string {
	key = strings.ReplaceAll(key, "%2E", ".")
	return strings.ReplaceAll(key, "%25", "%")
}

// Validate rejects absolute paths and paths containing a ".." segment.
// Every mutation entry point re-applies this check on raw user input.
func Validate(p string) error {
	if p == "" {
		return schema.ErrInvalidPath
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return schema.ErrInvalidPath
	}
	for _, segment := range strings.Split(p, "/") {
		if segment == ".." {
			return schema.ErrInvalidPath
		}
	}
	return nil
}
