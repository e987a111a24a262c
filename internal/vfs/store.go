// Package vfs implements the per-instance virtual filesystem: a flat mapping
// from encoded relative path to file record. The store is the durable source
// of truth; the on-disk working directory is a disposable cache rebuilt from
// it by the rehydrator.
package vfs

import (
	"sort"
	"strings"
	"time"

	"github.com/codekingibk/nodehost/internal/pathcodec"
	"github.com/codekingibk/nodehost/schema"
)

// Store maps encoded relative paths to file records. It is not safe for
// concurrent use; callers serialize mutations per instance.
type Store struct {
	limits schema.Limits
	files  map[string]schema.FileRecord
}

// New returns an empty store with the given ceilings.
func New(limits schema.Limits) *Store {
	return &Store{
		limits: limits.Normalize(),
		files:  make(map[string]schema.FileRecord),
	}
}

// Load builds a store from persisted records keyed by encoded path.
func Load(files map[string]schema.FileRecord, limits schema.Limits) *Store {
	s := New(limits)
	for key, rec := range files {
		s.files[key] = rec
	}
	return s
}

// Len returns the number of file records.
func (s *Store) Len() int { return len(s.files) }

// Empty reports whether the store holds no records.
func (s *Store) Empty() bool { return len(s.files) == 0 }

// Files returns a copy of the underlying records keyed by encoded path.
func (s *Store) Files() map[string]schema.FileRecord {
	out := make(map[string]schema.FileRecord, len(s.files))
	for key, rec := range s.files {
		out[key] = rec
	}
	return out
}

// Get returns the record stored at the given relative path.
func (s *Store) Get(path string) (schema.FileRecord, error) {
	if err := pathcodec.Validate(path); err != nil {
		return schema.FileRecord{}, err
	}
	rec, ok := s.files[pathcodec.Encode(path)]
	if !ok {
		return schema.FileRecord{}, schema.ErrFileNotFound
	}
	return rec, nil
}

// Put stores content at the given relative path, enforcing the per-file and
// total byte ceilings before mutating. A rejected call leaves the store
// unchanged.
func (s *Store) Put(path, content string) error {
	return s.PutRecord(path, schema.FileRecord{Content: content, UpdatedAt: time.Now()})
}

// PutRecord stores a full record, enforcing the same ceilings as Put.
func (s *Store) PutRecord(path string, rec schema.FileRecord) error {
	if err := pathcodec.Validate(path); err != nil {
		return err
	}
	size := len(rec.Content)
	if size > s.limits.MaxSingleFileBytes {
		return schema.ErrFileTooLarge
	}
	key := pathcodec.Encode(path)
	projected := s.TotalBytes() - len(s.files[key].Content) + size
	if projected > s.limits.MaxTotalFileBytes {
		return schema.ErrStorageLimit
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	s.files[key] = rec
	return nil
}

// Delete removes the exact path and, when the path names a directory, every
// record whose decoded path starts with path + "/". It returns the number of
// records removed. Sibling paths sharing a literal prefix are untouched.
func (s *Store) Delete(path string) (int, error) {
	if err := pathcodec.Validate(path); err != nil {
		return 0, err
	}
	prefix := strings.TrimSuffix(path, "/") + "/"
	removed := 0
	for key := range s.files {
		decoded := pathcodec.Decode(key)
		if decoded == path || strings.HasPrefix(decoded, prefix) {
			delete(s.files, key)
			removed++
		}
	}
	return removed, nil
}

// Rename moves the exact path and every descendant under the directory
// prefix, preserving suffixes. The move set is computed over a snapshot of
// matching keys and applied in one step, so a rename never leaves part of a
// directory moved.
func (s *Store) Rename(oldPath, newPath string) error {
	if err := pathcodec.Validate(oldPath); err != nil {
		return err
	}
	if err := pathcodec.Validate(newPath); err != nil {
		return err
	}

	type move struct {
		from, to string
		rec      schema.FileRecord
	}
	oldPrefix := strings.TrimSuffix(oldPath, "/") + "/"
	newPrefix := strings.TrimSuffix(newPath, "/") + "/"

	var moves []move
	if rec, ok := s.files[pathcodec.Encode(oldPath)]; ok {
		moves = append(moves, move{from: pathcodec.Encode(oldPath), to: pathcodec.Encode(newPath), rec: rec})
	}
	for key, rec := range s.files {
		decoded := pathcodec.Decode(key)
		if strings.HasPrefix(decoded, oldPrefix) {
			suffix := strings.TrimPrefix(decoded, oldPrefix)
			moves = append(moves, move{from: key, to: pathcodec.Encode(newPrefix + suffix), rec: rec})
		}
	}
	if len(moves) == 0 {
		return schema.ErrFileNotFound
	}
	for _, m := range moves {
		delete(s.files, m.from)
	}
	for _, m := range moves {
		s.files[m.to] = m.rec
	}
	return nil
}

// TotalBytes returns the UTF-8 byte length of all stored content.
func (s *Store) TotalBytes() int {
	total := 0
	for _, rec := range s.files {
		total += len(rec.Content)
	}
	return total
}

// Node is one entry in the reconstructed directory tree.
type Node struct {
	Name     string  `json:"name"`
	Type     string  `json:"type"` // "file" or "directory"
	Path     string  `json:"path"`
	Children []*Node `json:"children,omitempty"`
}

// Tree reconstructs a nested directory/file tree from the flat key set,
// sorted directories-first then case-insensitive by name. Hidden records
// contribute their parent directories but are not listed themselves.
func (s *Store) Tree() []*Node {
	var root []*Node
	for key, rec := range s.files {
		parts := strings.Split(pathcodec.Decode(key), "/")
		leafDir := false
		if rec.Hidden {
			parts = parts[:len(parts)-1]
			leafDir = true
		}
		addNode(&root, parts, "", leafDir)
	}
	sortNodes(root)
	return root
}

func addNode(level *[]*Node, parts []string, parent string, leafDir bool) {
	if len(parts) == 0 {
		return
	}
	name := parts[0]
	full := name
	if parent != "" {
		full = parent + "/" + name
	}
	var node *Node
	for _, n := range *level {
		if n.Name == name {
			node = n
			break
		}
	}
	if node == nil {
		nodeType := "file"
		if len(parts) > 1 || leafDir {
			nodeType = "directory"
		}
		node = &Node{Name: name, Type: nodeType, Path: full}
		*level = append(*level, node)
	}
	if len(parts) > 1 {
		node.Type = "directory"
		addNode(&node.Children, parts[1:], full, leafDir)
	}
}

func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Type != nodes[j].Type {
			return nodes[i].Type == "directory"
		}
		return strings.ToLower(nodes[i].Name) < strings.ToLower(nodes[j].Name)
	})
	for _, n := range nodes {
		if len(n.Children) > 0 {
			sortNodes(n.Children)
		}
	}
}
