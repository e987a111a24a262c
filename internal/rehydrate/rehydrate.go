// Package rehydrate moves instance files between the virtual filesystem
// store and an on-disk working directory. The store is the source of
// truth; its files are written over the work directory before every launch
// and captured back after runs that may have changed files.
package rehydrate

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/codekingibk/nodehost/internal/pathcodec"
	"github.com/codekingibk/nodehost/internal/vfs"
	"github.com/codekingibk/nodehost/schema"
)

// DefaultManifest seeds an empty instance so that the default launch command
// has something to run.
const DefaultManifest = `{"name":"my-bot","version":"1.0.0","main":"index.js","scripts":{"start":"node index.js"}}`

// ManifestPath is the npm manifest location inside the work directory.
const ManifestPath = "package.json"

// Directories never captured back into the store.
var skipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
}

// Rehydrator owns the base directory under which per-instance work
// directories live.
type Rehydrator struct {
	baseDir string
}

// New returns a rehydrator rooted at baseDir.
func New(baseDir string) *Rehydrator {
	return &Rehydrator{baseDir: baseDir}
}

// WorkDir returns the on-disk working directory for an instance.
func (r *Rehydrator) WorkDir(id schema.InstanceID) string {
	return filepath.Join(r.baseDir, string(id))
}

// Materialize writes the store's files into the instance work directory
// and returns its path. Existing files are overwritten to match the store;
// extraneous files from a previous run (installed dependencies, session
// state) are left in place so they survive restarts until the next capture.
// An empty store is seeded with the default manifest, in the store as well
// as on disk.
func (r *Rehydrator) Materialize(id schema.InstanceID, store *vfs.Store) (string, error) {
	dir := r.WorkDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	if store.Empty() {
		if err := store.Put(ManifestPath, DefaultManifest); err != nil {
			return "", fmt.Errorf("seed manifest: %w", err)
		}
	}
	for path, rec := range decodedFiles(store) {
		target := filepath.Join(dir, filepath.FromSlash(path))
		if rec.Hidden {
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return "", fmt.Errorf("materialize %s: %w", path, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", fmt.Errorf("materialize %s: %w", path, err)
		}
		if err := os.WriteFile(target, []byte(rec.Content), 0o644); err != nil {
			return "", fmt.Errorf("materialize %s: %w", path, err)
		}
	}
	return dir, nil
}

// Dehydrate builds a fresh store reflecting exactly the files on disk, so
// files the instance deleted while running drop out of the capture.
// Dependency and VCS directories are skipped, as are files the store's
// ceilings reject; capture is best effort and a partial result is still
// useful. Directories left without captured files keep a hidden placeholder
// so they survive the round trip. A missing work directory yields an empty
// store.
func (r *Rehydrator) Dehydrate(id schema.InstanceID, limits schema.Limits) (*vfs.Store, error) {
	store := vfs.New(limits)
	dir := r.WorkDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return store, nil
	}
	var dirs []string
	populated := make(map[string]bool)
	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(dir, p)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			dirs = append(dirs, rel)
			return nil
		}
		data, readErr := os.ReadFile(p)
		if readErr != nil {
			return nil
		}
		// Ceiling rejections drop the file rather than failing the capture.
		if store.Put(rel, string(data)) == nil {
			markParents(populated, rel)
		}
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	// Deepest first so a placeholder in a subdirectory covers its parents.
	for i := len(dirs) - 1; i >= 0; i-- {
		if populated[dirs[i]] {
			continue
		}
		if store.PutRecord(dirs[i]+"/.keep", schema.FileRecord{Hidden: true}) == nil {
			markParents(populated, dirs[i])
		}
	}
	return store, nil
}

func markParents(populated map[string]bool, rel string) {
	for parent := path.Dir(rel); parent != "."; parent = path.Dir(parent) {
		populated[parent] = true
	}
}

// Remove deletes the instance work directory.
func (r *Rehydrator) Remove(id schema.InstanceID) error {
	return os.RemoveAll(r.WorkDir(id))
}

// WriteThrough mirrors a single store write onto disk when the work
// directory already exists. A missing work directory is not an error; the
// next materialize will produce the file.
func (r *Rehydrator) WriteThrough(id schema.InstanceID, path, content string) error {
	dir := r.WorkDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	target := filepath.Join(dir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(target, []byte(content), 0o644)
}

// RemoveFromDisk mirrors a store delete onto disk.
func (r *Rehydrator) RemoveFromDisk(id schema.InstanceID, path string) error {
	dir := r.WorkDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return os.RemoveAll(filepath.Join(dir, filepath.FromSlash(path)))
}

// RenameOnDisk mirrors a store rename onto disk.
func (r *Rehydrator) RenameOnDisk(id schema.InstanceID, oldPath, newPath string) error {
	dir := r.WorkDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	from := filepath.Join(dir, filepath.FromSlash(oldPath))
	to := filepath.Join(dir, filepath.FromSlash(newPath))
	if _, err := os.Stat(from); os.IsNotExist(err) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}
	return os.Rename(from, to)
}

func decodedFiles(store *vfs.Store) map[string]schema.FileRecord {
	out := make(map[string]schema.FileRecord)
	for key, rec := range store.Files() {
		out[pathcodec.Decode(key)] = rec
	}
	return out
}
