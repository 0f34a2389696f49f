package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/trajpipe/pyramid/internal/fsutil"
	"github.com/trajpipe/pyramid/internal/monitoring"
	"github.com/trajpipe/pyramid/internal/pyramid"
)

var storeLogf = monitoring.Component("SnapshotStore")

// SnapshotStore persists and restores the whole pyramid.
type SnapshotStore interface {
	Exists(ctx context.Context) (bool, error)
	// Load returns pyramid.ErrNotFound when nothing has been saved and
	// pyramid.ErrCorrupt when the stored snapshot fails validation.
	Load(ctx context.Context) (*pyramid.Pyramid, error)
	Save(ctx context.Context, p *pyramid.Pyramid) error
}

// FileStore keeps the snapshot as a single JSON file. Saves write a
// temporary sibling and rename it over the target.
type FileStore struct {
	fs   fsutil.FileSystem
	path string
}

// NewFileStore returns a FileStore for path.
func NewFileStore(fsys fsutil.FileSystem, path string) *FileStore {
	return &FileStore{fs: fsys, path: path}
}

// Path returns the snapshot file path.
func (s *FileStore) Path() string {
	return s.path
}

// Exists reports whether the snapshot file is present.
func (s *FileStore) Exists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.fs.Exists(s.path), nil
}

// Load reads and validates the snapshot file.
func (s *FileStore) Load(ctx context.Context) (*pyramid.Pyramid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := s.fs.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", pyramid.ErrNotFound, s.path)
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	p, err := pyramid.UnmarshalSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", s.path, err)
	}
	storeLogf("loaded snapshot %s: height=%d", s.path, p.Height())
	return p, nil
}

// Save writes p atomically.
func (s *FileStore) Save(ctx context.Context, p *pyramid.Pyramid) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := p.Marshal()
	if err != nil {
		return fmt.Errorf("serialize snapshot: %w", err)
	}
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.fs, s.path, data, 0644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	storeLogf("persisted snapshot %s: %d bytes", s.path, len(data))
	return nil
}

func (s *FileStore) String() string {
	return "file snapshot store " + s.path
}
