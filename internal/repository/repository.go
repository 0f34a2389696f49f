// Package repository owns a pyramid together with its snapshot store and the
// per-cell model locations. It is the single writer of the pyramid: Admit
// installs models, Resolve answers which model serves a region.
package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"

	"github.com/trajpipe/pyramid/internal/config"
	"github.com/trajpipe/pyramid/internal/dataset"
	"github.com/trajpipe/pyramid/internal/fsutil"
	"github.com/trajpipe/pyramid/internal/geom"
	"github.com/trajpipe/pyramid/internal/ledger"
	"github.com/trajpipe/pyramid/internal/monitoring"
	"github.com/trajpipe/pyramid/internal/pyramid"
	"github.com/trajpipe/pyramid/internal/security"
)

var logf = monitoring.Component("Repository")

// Recorder receives every admission attempt. *ledger.Ledger implements it.
type Recorder interface {
	RecordAdmission(ctx context.Context, a *ledger.Admission) error
}

// Admission is a request to install a model for the region covered by Box.
// An empty ModelRef lets the repository use the cell's model location.
type Admission struct {
	Box        geom.BoundingBox
	TokenCount uint64
	ModelRef   string
}

// Repository is safe for concurrent use: one writer, many readers.
type Repository struct {
	mu       sync.RWMutex
	cfg      *config.PyramidConfig
	dir      string
	fs       fsutil.FileSystem
	store    SnapshotStore
	recorder Recorder
	ledger   *ledger.Ledger
	p        *pyramid.Pyramid
}

// Option configures Open.
type Option func(*Repository)

// WithFileSystem replaces the OS filesystem.
func WithFileSystem(fsys fsutil.FileSystem) Option {
	return func(r *Repository) { r.fs = fsys }
}

// WithStore overrides the snapshot store chosen from the config.
func WithStore(s SnapshotStore) Option {
	return func(r *Repository) { r.store = s }
}

// WithLedger records admissions in l and makes the sqlite snapshot backend
// available.
func WithLedger(l *ledger.Ledger) Option {
	return func(r *Repository) {
		r.ledger = l
		if l != nil {
			r.recorder = l
		}
	}
}

// WithRecorder sets the admission recorder without a ledger.
func WithRecorder(rec Recorder) Option {
	return func(r *Repository) { r.recorder = rec }
}

// OpenDir loads pyramidConfig.json from dir and opens the repository.
func OpenDir(ctx context.Context, dir string, opts ...Option) (*Repository, error) {
	probe := &Repository{fs: fsutil.OSFileSystem{}}
	for _, o := range opts {
		o(probe)
	}
	cfg, err := config.LoadPyramidConfigFS(probe.fs, filepath.Join(dir, config.DefaultConfigFile))
	if err != nil {
		return nil, err
	}
	return Open(ctx, dir, cfg, opts...)
}

// Open builds or loads the pyramid for the repository at dir.
//
// With build_pyramid_from_scratch set, a fresh pyramid of height H is built
// and persisted immediately. Otherwise the stored snapshot is loaded; a
// missing snapshot is pyramid.ErrNotFound and one whose height differs from H
// is pyramid.ErrConfig.
func Open(ctx context.Context, dir string, cfg *config.PyramidConfig, opts ...Option) (*Repository, error) {
	if cfg == nil {
		cfg = config.EmptyPyramidConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r := &Repository{cfg: cfg, dir: dir, fs: fsutil.OSFileSystem{}}
	for _, o := range opts {
		o(r)
	}
	if err := r.checkPaths(); err != nil {
		return nil, err
	}
	if r.store == nil {
		switch cfg.GetSnapshotBackend() {
		case config.BackendSQLite:
			if r.ledger == nil {
				return nil, fmt.Errorf("%w: snapshot_backend %q requires a ledger", pyramid.ErrConfig, config.BackendSQLite)
			}
			r.store = ledger.NewSnapshotStore(r.ledger)
		default:
			r.store = NewFileStore(r.fs, filepath.Join(dir, cfg.GetSnapshotFile()))
		}
	}

	h := cfg.GetHeight()
	if cfg.GetBuildFromScratch() {
		p, err := pyramid.Build(h)
		if err != nil {
			return nil, err
		}
		if err := r.store.Save(ctx, p); err != nil {
			return nil, fmt.Errorf("persist fresh pyramid: %w", err)
		}
		r.p = p
		logf("built fresh pyramid: H=%d, cells=%d, store=%v", h, pyramid.TotalCells(h), r.store)
		return r, nil
	}

	p, err := r.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if p.Height() != h {
		return nil, fmt.Errorf("%w: snapshot height %d does not match configured H=%d", pyramid.ErrConfig, p.Height(), h)
	}
	r.p = p
	logf("loaded pyramid: H=%d, occupied=%d, store=%v", h, len(p.Occupied()), r.store)
	return r, nil
}

// checkPaths rejects a models_dir or snapshot_file that resolves, through
// symlinks, to somewhere outside the repository directory. Only the real
// filesystem can hold symlinks, and a directory that does not exist yet
// cannot contain any.
func (r *Repository) checkPaths() error {
	if _, ok := r.fs.(fsutil.OSFileSystem); !ok || !r.fs.Exists(r.dir) {
		return nil
	}
	paths := []string{filepath.Join(r.dir, r.cfg.GetModelsDir())}
	if r.cfg.GetSnapshotBackend() == config.BackendFile {
		paths = append(paths, filepath.Join(r.dir, r.cfg.GetSnapshotFile()))
	}
	for _, p := range paths {
		if err := security.ValidatePathWithinDirectory(p, r.dir); err != nil {
			return fmt.Errorf("%w: %v", pyramid.ErrConfig, err)
		}
	}
	return nil
}

// Dir returns the repository directory.
func (r *Repository) Dir() string { return r.dir }

// Config returns the configuration the repository was opened with.
func (r *Repository) Config() *config.PyramidConfig { return r.cfg }

// ModelDir returns the model location for a cell.
func (r *Repository) ModelDir(ref pyramid.CellRef) string {
	return filepath.Join(r.dir, r.cfg.GetModelsDir(), ref.StorageKey())
}

// Admit installs a model into the finest cell enclosing a.Box, provided the
// token count meets that cell's threshold. The resolve, threshold check,
// mutation and snapshot write happen under the write lock; if the snapshot
// cannot be persisted the cell is restored.
func (r *Repository) Admit(ctx context.Context, a Admission) (pyramid.CellRef, error) {
	if err := ctx.Err(); err != nil {
		return pyramid.CellRef{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec := &ledger.Admission{Box: a.Box, TokenCount: a.TokenCount}
	ref, required, err := r.admitLocked(ctx, a, rec)
	if err != nil {
		rec.Reason = err.Error()
		r.record(ctx, rec)
		logf("admission rejected: box=%s tokens=%d: %v", a.Box, a.TokenCount, err)
		return ref, err
	}
	rec.Accepted = true
	r.record(ctx, rec)
	logf("admitted model into %s: tokens=%d required=%d model=%s", ref, a.TokenCount, required, rec.ModelRef)
	return ref, nil
}

func (r *Repository) admitLocked(ctx context.Context, a Admission, rec *ledger.Admission) (pyramid.CellRef, uint64, error) {
	ref, err := r.p.FindEnclosing(a.Box)
	if err != nil {
		return pyramid.CellRef{}, 0, err
	}
	rec.Cell = &ref

	required, err := r.p.CheckAdmission(r.cfg.GetTokensThreshold(), ref, a.TokenCount)
	rec.Required = required
	if err != nil {
		return ref, required, err
	}

	prev, err := r.p.Cell(ref)
	if err != nil {
		return ref, required, err
	}
	next := prev
	createdDir := ""
	if prev.Occupied {
		switch r.cfg.GetReadmitPolicy() {
		case config.ReadmitReject:
			return ref, required, fmt.Errorf("%w: %s holds %s", pyramid.ErrCellOccupied, ref, prev.ModelRef)
		case config.ReadmitAccumulate:
			next.TokenCount = saturatingAdd(prev.TokenCount, a.TokenCount)
		default:
			next.TokenCount = a.TokenCount
		}
		if a.ModelRef != "" && a.ModelRef != prev.ModelRef {
			rec.Reason = fmt.Sprintf("model ref %q ignored: %s keeps %q", a.ModelRef, ref, prev.ModelRef)
			logf("readmission into %s: %s", ref, rec.Reason)
		}
	} else {
		modelDir := r.ModelDir(ref)
		if !r.fs.Exists(modelDir) {
			if err := r.fs.MkdirAll(modelDir, 0755); err != nil {
				return ref, required, fmt.Errorf("create model location: %w", err)
			}
			createdDir = modelDir
		}
		next.Occupied = true
		next.ModelRef = a.ModelRef
		if next.ModelRef == "" {
			next.ModelRef = modelDir
		}
		next.TokenCount = a.TokenCount
	}
	rec.ModelRef = next.ModelRef

	if err := r.p.SetCell(next); err != nil {
		return ref, required, err
	}
	if err := r.store.Save(ctx, r.p); err != nil {
		if rbErr := r.p.SetCell(prev); rbErr != nil {
			return ref, required, errors.Join(err, rbErr)
		}
		if createdDir != "" {
			_ = r.fs.Remove(createdDir)
		}
		return ref, required, fmt.Errorf("persist snapshot: %w", err)
	}
	return ref, required, nil
}

func (r *Repository) record(ctx context.Context, rec *ledger.Admission) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordAdmission(ctx, rec); err != nil {
		logf("failed to record admission: %v", err)
	}
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

// Resolve returns the model reference serving box.
func (r *Repository) Resolve(ctx context.Context, box geom.BoundingBox) (string, error) {
	c, err := r.ResolveCell(ctx, box)
	if err != nil {
		return "", err
	}
	return c.ModelRef, nil
}

// ResolveCell returns the occupied cell serving box. pyramid.ErrNoModelFound
// is returned when no cell encloses box or the enclosing cell has no model.
func (r *Repository) ResolveCell(ctx context.Context, box geom.BoundingBox) (pyramid.Cell, error) {
	if err := ctx.Err(); err != nil {
		return pyramid.Cell{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ref, err := r.p.FindEnclosing(box)
	if err != nil {
		return pyramid.Cell{}, fmt.Errorf("%w: %w", pyramid.ErrNoModelFound, err)
	}
	c, err := r.p.Cell(ref)
	if err != nil {
		return pyramid.Cell{}, err
	}
	if !c.Occupied {
		return c, fmt.Errorf("%w: enclosing cell %s has no model", pyramid.ErrNoModelFound, ref)
	}
	return c, nil
}

// AdmitDataset admits ds under modelRef using the bounding box of its
// trajectories and its metadata token count.
func (r *Repository) AdmitDataset(ctx context.Context, ds *dataset.Dataset, modelRef string) (pyramid.CellRef, error) {
	box, err := ds.MBR()
	if err != nil {
		return pyramid.CellRef{}, err
	}
	return r.Admit(ctx, Admission{Box: box, TokenCount: ds.Metadata.TotalTokens, ModelRef: modelRef})
}

// ResolveTrajectories returns the model serving the bounding box of trajs.
func (r *Repository) ResolveTrajectories(ctx context.Context, trajs [][]geom.Point) (string, error) {
	box, err := geom.MBROfTrajectories(trajs)
	if err != nil {
		return "", err
	}
	return r.Resolve(ctx, box)
}

// Snapshot returns a deep copy of the current pyramid.
func (r *Repository) Snapshot() *pyramid.Pyramid {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.p.Clone()
}

// Stats returns per-height occupancy, coarsest first.
func (r *Repository) Stats() []pyramid.LevelStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.p.Stats()
}

// Cell returns a copy of one cell.
func (r *Repository) Cell(ref pyramid.CellRef) (pyramid.Cell, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.p.Cell(ref)
}
