package vfs

import (
	"errors"
	"strings"
	"testing"

	"github.com/codekingibk/nodehost/schema"
)

func newTestStore() *Store {
	return New(schema.Limits{MaxSingleFileBytes: 64, MaxTotalFileBytes: 128})
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore()
	if err := s.Put("src/index.js", "console.log('hi')"); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	rec, err := s.Get("src/index.js")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.Content != "console.log('hi')" {
		t.Fatalf("unexpected content: %q", rec.Content)
	}
}

func TestPutRejectsOversizedFile(t *testing.T) {
	s := newTestStore()
	if err := s.Put("big.js", strings.Repeat("x", 65)); !errors.Is(err, schema.ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("store mutated after rejection")
	}
}

func TestPutRejectsOverTotalCeilingAndLeavesStoreUnchanged(t *testing.T) {
	s := newTestStore()
	if err := s.Put("a.js", strings.Repeat("a", 60)); err != nil {
		t.Fatalf("put a failed: %v", err)
	}
	if err := s.Put("b.js", strings.Repeat("b", 60)); err != nil {
		t.Fatalf("put b failed: %v", err)
	}
	before := s.TotalBytes()
	if err := s.Put("c.js", strings.Repeat("c", 20)); !errors.Is(err, schema.ErrStorageLimit) {
		t.Fatalf("expected ErrStorageLimit, got %v", err)
	}
	if s.TotalBytes() != before {
		t.Fatalf("byte count changed after rejected put: before %d after %d", before, s.TotalBytes())
	}
}

func TestPutOverwriteCountsReplacedBytes(t *testing.T) {
	s := newTestStore()
	if err := s.Put("a.js", strings.Repeat("a", 60)); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	// Replacing a 60-byte file with another 60-byte body stays within the
	// 128-byte total even with a second 60-byte file present.
	if err := s.Put("b.js", strings.Repeat("b", 60)); err != nil {
		t.Fatalf("put b failed: %v", err)
	}
	if err := s.Put("a.js", strings.Repeat("z", 60)); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	if s.TotalBytes() != 120 {
		t.Fatalf("expected 120 total bytes, got %d", s.TotalBytes())
	}
}

func TestDeleteDirectoryPrefixLeavesSiblings(t *testing.T) {
	s := newTestStore()
	for _, p := range []string{"src/a.js", "src/sub/b.js", "src2/x.js", "src.js"} {
		if err := s.Put(p, "x"); err != nil {
			t.Fatalf("put %s failed: %v", p, err)
		}
	}
	removed, err := s.Delete("src")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if _, err := s.Get("src2/x.js"); err != nil {
		t.Fatalf("sibling src2/x.js removed: %v", err)
	}
	if _, err := s.Get("src.js"); err != nil {
		t.Fatalf("sibling src.js removed: %v", err)
	}
}

func TestDeleteExactFile(t *testing.T) {
	s := newTestStore()
	if err := s.Put("bot.js", "x"); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	removed, err := s.Delete("bot.js")
	if err != nil || removed != 1 {
		t.Fatalf("expected 1 removed, got %d err %v", removed, err)
	}
	if _, err := s.Get("bot.js"); !errors.Is(err, schema.ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
}

func TestRenameDirectoryMovesDescendants(t *testing.T) {
	s := newTestStore()
	for _, p := range []string{"src/a.js", "src/sub/b.js", "other.js"} {
		if err := s.Put(p, "x"); err != nil {
			t.Fatalf("put %s failed: %v", p, err)
		}
	}
	if err := s.Rename("src", "lib"); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	for _, p := range []string{"lib/a.js", "lib/sub/b.js", "other.js"} {
		if _, err := s.Get(p); err != nil {
			t.Fatalf("expected %s after rename: %v", p, err)
		}
	}
	if _, err := s.Get("src/a.js"); !errors.Is(err, schema.ErrFileNotFound) {
		t.Fatalf("old path still present")
	}
}

func TestRenameSingleFileMovesExactlyOneKey(t *testing.T) {
	s := newTestStore()
	if err := s.Put("a.js", "x"); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := s.Put("a.json", "y"); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := s.Rename("a.js", "b.js"); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", s.Len())
	}
	if _, err := s.Get("a.json"); err != nil {
		t.Fatalf("unrelated file moved: %v", err)
	}
}

func TestRenameMissingPath(t *testing.T) {
	s := newTestStore()
	if err := s.Rename("nope", "still-nope"); !errors.Is(err, schema.ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
}

func TestMutationsRejectUnsafePaths(t *testing.T) {
	s := newTestStore()
	if err := s.Put("../evil.js", "x"); !errors.Is(err, schema.ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
	if _, err := s.Delete("/abs"); !errors.Is(err, schema.ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
	if err := s.Rename("ok.js", "../out.js"); !errors.Is(err, schema.ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
}

func TestTreeSortsDirectoriesFirst(t *testing.T) {
	s := newTestStore()
	for _, p := range []string{"zeta.js", "src/b.js", "src/a.js", "Alpha.js"} {
		if err := s.Put(p, "x"); err != nil {
			t.Fatalf("put %s failed: %v", p, err)
		}
	}
	tree := s.Tree()
	if len(tree) != 3 {
		t.Fatalf("expected 3 top-level nodes, got %d", len(tree))
	}
	if tree[0].Name != "src" || tree[0].Type != "directory" {
		t.Fatalf("expected src directory first, got %+v", tree[0])
	}
	if tree[1].Name != "Alpha.js" || tree[2].Name != "zeta.js" {
		t.Fatalf("unexpected file order: %s, %s", tree[1].Name, tree[2].Name)
	}
	if len(tree[0].Children) != 2 || tree[0].Children[0].Name != "a.js" {
		t.Fatalf("unexpected src children: %+v", tree[0].Children)
	}
}

func TestTreeHidesPlaceholderRecords(t *testing.T) {
	s := newTestStore()
	if err := s.PutRecord("assets/.keep", schema.FileRecord{Hidden: true}); err != nil {
		t.Fatalf("put placeholder failed: %v", err)
	}
	tree := s.Tree()
	if len(tree) != 1 || tree[0].Name != "assets" || tree[0].Type != "directory" {
		t.Fatalf("expected assets directory, got %+v", tree)
	}
	if len(tree[0].Children) != 0 {
		t.Fatalf("placeholder leaked into listing: %+v", tree[0].Children)
	}
}
