package core

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zip"
	"pkt.systems/pslog"

	"github.com/codekingibk/nodehost/internal/logx"
	"github.com/codekingibk/nodehost/internal/pathcodec"
	"github.com/codekingibk/nodehost/internal/persist"
	"github.com/codekingibk/nodehost/internal/rehydrate"
	"github.com/codekingibk/nodehost/internal/vfs"
	"github.com/codekingibk/nodehost/schema"
)

// FileDeps captures the collaborators of the file service.
type FileDeps struct {
	DB         *persist.Store
	Rehydrator *rehydrate.Rehydrator
	Limits     schema.Limits
	Logger     pslog.Logger
}

// FileService mediates all virtual-filesystem mutations. Mutations are
// serialized per instance; the persisted store is authoritative and disk
// mirroring is best effort.
type FileService struct {
	db     *persist.Store
	fs     *rehydrate.Rehydrator
	limits schema.Limits
	logger pslog.Logger

	mu    sync.Mutex
	locks map[schema.InstanceID]*sync.Mutex
}

// NewFileService constructs the file service.
func NewFileService(deps FileDeps) *FileService {
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &FileService{
		db:     deps.DB,
		fs:     deps.Rehydrator,
		limits: deps.Limits.Normalize(),
		logger: logger,
		locks:  make(map[schema.InstanceID]*sync.Mutex),
	}
}

func (s *FileService) lockFor(id schema.InstanceID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.locks[id]
	if l == nil {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *FileService) load(id schema.InstanceID) (*vfs.Store, error) {
	files, err := s.db.LoadFilesystem(id)
	if err != nil {
		return nil, fmt.Errorf("load filesystem: %w", err)
	}
	return vfs.Load(files, s.limits), nil
}

// Tree returns the instance's directory tree.
func (s *FileService) Tree(ctx context.Context, id schema.InstanceID) ([]*vfs.Node, error) {
	store, err := s.load(id)
	if err != nil {
		return nil, err
	}
	return store.Tree(), nil
}

// Read returns one file's record.
func (s *FileService) Read(ctx context.Context, id schema.InstanceID, path string) (schema.FileRecord, error) {
	store, err := s.load(id)
	if err != nil {
		return schema.FileRecord{}, err
	}
	return store.Get(path)
}

// Save writes or overwrites one file. The store write is authoritative; a
// failed disk mirror is logged only.
func (s *FileService) Save(ctx context.Context, id schema.InstanceID, path, content string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	store, err := s.load(id)
	if err != nil {
		return err
	}
	if err := store.Put(path, content); err != nil {
		return err
	}
	if err := s.db.SaveFilesystem(id, store.Files()); err != nil {
		return fmt.Errorf("persist filesystem: %w", err)
	}
	if err := s.fs.WriteThrough(id, path, content); err != nil {
		logx.WithInstance(ctx, id).Warn("file disk mirror failed", "path", path, "err", err)
	}
	return nil
}

// CreateDir records an empty directory via a hidden placeholder entry.
func (s *FileService) CreateDir(ctx context.Context, id schema.InstanceID, path string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	store, err := s.load(id)
	if err != nil {
		return err
	}
	if err := store.PutRecord(path+"/.keep", schema.FileRecord{Hidden: true}); err != nil {
		return err
	}
	return s.db.SaveFilesystem(id, store.Files())
}

// Delete removes a file or a whole directory prefix. Returns the number of
// records removed.
func (s *FileService) Delete(ctx context.Context, id schema.InstanceID, path string) (int, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	store, err := s.load(id)
	if err != nil {
		return 0, err
	}
	removed, err := store.Delete(path)
	if err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, schema.ErrFileNotFound
	}
	if err := s.db.SaveFilesystem(id, store.Files()); err != nil {
		return 0, fmt.Errorf("persist filesystem: %w", err)
	}
	if err := s.fs.RemoveFromDisk(id, path); err != nil {
		logx.WithInstance(ctx, id).Warn("file disk removal failed", "path", path, "err", err)
	}
	return removed, nil
}

// Rename moves a file or directory prefix.
func (s *FileService) Rename(ctx context.Context, id schema.InstanceID, oldPath, newPath string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	store, err := s.load(id)
	if err != nil {
		return err
	}
	if err := store.Rename(oldPath, newPath); err != nil {
		return err
	}
	if err := s.db.SaveFilesystem(id, store.Files()); err != nil {
		return fmt.Errorf("persist filesystem: %w", err)
	}
	if err := s.fs.RenameOnDisk(id, oldPath, newPath); err != nil {
		logx.WithInstance(ctx, id).Warn("file disk rename failed", "old", oldPath, "new", newPath, "err", err)
	}
	return nil
}

// Archive writes the instance's files as a zip archive. Hidden placeholder
// records become directory entries.
func (s *FileService) Archive(ctx context.Context, id schema.InstanceID, w io.Writer) error {
	store, err := s.load(id)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(w)
	for key, rec := range store.Files() {
		path := pathcodec.Decode(key)
		if rec.Hidden {
			continue
		}
		header := &zip.FileHeader{Name: path, Method: zip.Deflate}
		if !rec.UpdatedAt.IsZero() {
			header.Modified = rec.UpdatedAt
		}
		fw, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("archive %s: %w", path, err)
		}
		if _, err := fw.Write([]byte(rec.Content)); err != nil {
			return fmt.Errorf("archive %s: %w", path, err)
		}
	}
	return zw.Close()
}

// Capture rebuilds the store from the on-disk work directory and persists
// it as the new source of truth, so files a running program wrote (session
// state, downloads) survive and files it deleted stay deleted. An empty
// capture, including the missing-work-directory case, leaves the persisted
// filesystem untouched.
func (s *FileService) Capture(ctx context.Context, id schema.InstanceID) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	store, err := s.fs.Dehydrate(id, s.limits)
	if err != nil {
		return fmt.Errorf("dehydrate: %w", err)
	}
	if store.Empty() {
		logx.WithInstance(ctx, id).Debug("file capture skipped", "reason", "nothing on disk")
		return nil
	}
	if err := s.db.SaveFilesystem(id, store.Files()); err != nil {
		return fmt.Errorf("persist filesystem: %w", err)
	}
	logx.WithInstance(ctx, id).Info("file capture complete", "files", store.Len(), "bytes", store.TotalBytes())
	return nil
}
