package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trajpipe/pyramid/internal/config"
	"github.com/trajpipe/pyramid/internal/dataset"
	"github.com/trajpipe/pyramid/internal/fsutil"
	"github.com/trajpipe/pyramid/internal/geom"
	"github.com/trajpipe/pyramid/internal/ledger"
	"github.com/trajpipe/pyramid/internal/pyramid"
)

const repoDir = "/repo"

var (
	quadrantBox = geom.BoundingBox{LatMin: 0.26, LatMax: 0.49, LonMin: 0.27, LonMax: 0.45}
	spanningBox = geom.BoundingBox{LatMin: 0.1, LatMax: 0.6, LonMin: 0.1, LonMax: 0.2}
)

type recordingLedger struct {
	mu   sync.Mutex
	recs []ledger.Admission
	err  error
}

func (l *recordingLedger) RecordAdmission(_ context.Context, a *ledger.Admission) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recs = append(l.recs, *a)
	return l.err
}

func (l *recordingLedger) records() []ledger.Admission {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ledger.Admission(nil), l.recs...)
}

func freshConfig(h int, k uint64) *config.PyramidConfig {
	return config.EmptyPyramidConfig().WithHeight(h).WithTokensThreshold(k).WithBuildFromScratch(true)
}

func openFresh(t *testing.T, cfg *config.PyramidConfig, opts ...Option) (*Repository, *fsutil.MemoryFileSystem) {
	t.Helper()
	mfs := fsutil.NewMemoryFileSystem()
	r, err := Open(context.Background(), repoDir, cfg, append([]Option{WithFileSystem(mfs)}, opts...)...)
	require.NoError(t, err)
	return r, mfs
}

func TestOpen_BuildFreshPersists(t *testing.T) {
	t.Parallel()

	r, mfs := openFresh(t, freshConfig(2, 1))
	snapshotPath := filepath.Join(repoDir, "partioningPyramid.json")
	assert.True(t, mfs.Exists(snapshotPath))
	assert.Equal(t, []string{snapshotPath}, mfs.Files(), "no temp files left behind")

	stats := r.Stats()
	require.Len(t, stats, 3)
	assert.Equal(t, uint64(16), stats[2].Cells)

	// Reopening without the build flag loads the same pyramid.
	cfg := freshConfig(2, 1).WithBuildFromScratch(false)
	loaded, err := Open(context.Background(), repoDir, cfg, WithFileSystem(mfs))
	require.NoError(t, err)
	if diff := cmp.Diff(r.Snapshot(), loaded.Snapshot(), cmp.AllowUnexported(pyramid.Pyramid{})); diff != "" {
		t.Errorf("reloaded pyramid mismatch (-want +got):\n%s", diff)
	}
}

func TestOpen_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("missing snapshot", func(t *testing.T) {
		mfs := fsutil.NewMemoryFileSystem()
		_, err := Open(ctx, repoDir, freshConfig(2, 1).WithBuildFromScratch(false), WithFileSystem(mfs))
		assert.ErrorIs(t, err, pyramid.ErrNotFound)
	})

	t.Run("corrupt snapshot", func(t *testing.T) {
		mfs := fsutil.NewMemoryFileSystem()
		require.NoError(t, mfs.WriteFile(filepath.Join(repoDir, "partioningPyramid.json"), []byte(`{"0": {}}`), 0644))
		_, err := Open(ctx, repoDir, freshConfig(2, 1).WithBuildFromScratch(false), WithFileSystem(mfs))
		assert.ErrorIs(t, err, pyramid.ErrCorrupt)
	})

	t.Run("height mismatch", func(t *testing.T) {
		_, mfs := openFresh(t, freshConfig(2, 1))
		_, err := Open(ctx, repoDir, freshConfig(3, 1).WithBuildFromScratch(false), WithFileSystem(mfs))
		assert.ErrorIs(t, err, pyramid.ErrConfig)
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := Open(ctx, repoDir, freshConfig(-1, 1), WithFileSystem(fsutil.NewMemoryFileSystem()))
		assert.ErrorIs(t, err, pyramid.ErrConfig)
	})

	t.Run("sqlite backend without ledger", func(t *testing.T) {
		cfg := freshConfig(2, 1).WithSnapshotBackend(config.BackendSQLite)
		_, err := Open(ctx, repoDir, cfg, WithFileSystem(fsutil.NewMemoryFileSystem()))
		assert.ErrorIs(t, err, pyramid.ErrConfig)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := Open(cctx, repoDir, freshConfig(2, 1), WithFileSystem(fsutil.NewMemoryFileSystem()))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestOpenDir_ReadsConfigFile(t *testing.T) {
	t.Parallel()

	mfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, mfs.WriteFile(filepath.Join(repoDir, config.DefaultConfigFile),
		[]byte(`{"H": 1, "L": 3, "build_pyramid_from_scratch": true}`), 0644))

	r, err := OpenDir(context.Background(), repoDir, WithFileSystem(mfs))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Snapshot().Height())

	_, err = OpenDir(context.Background(), "/elsewhere", WithFileSystem(mfs))
	assert.ErrorIs(t, err, pyramid.ErrConfig)
}

func TestAdmit_QuadrantScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := &recordingLedger{}
	r, mfs := openFresh(t, freshConfig(2, 1), WithRecorder(rec))

	// Nothing admitted yet.
	_, err := r.Resolve(ctx, quadrantBox)
	assert.ErrorIs(t, err, pyramid.ErrNoModelFound)

	ref, err := r.Admit(ctx, Admission{Box: quadrantBox, TokenCount: 16})
	require.NoError(t, err)
	assert.Equal(t, pyramid.CellRef{Height: 2, Index: 3}, ref)

	modelDir := filepath.Join(repoDir, "models", "2_3")
	assert.True(t, mfs.Exists(modelDir), "model location created")

	got, err := r.Resolve(ctx, quadrantBox)
	require.NoError(t, err)
	assert.Equal(t, modelDir, got)

	c, err := r.Cell(ref)
	require.NoError(t, err)
	assert.True(t, c.Occupied)
	assert.Equal(t, uint64(16), c.TokenCount)

	// The persisted snapshot carries the admission.
	reloaded, err := NewFileStore(mfs, filepath.Join(repoDir, "partioningPyramid.json")).Load(ctx)
	require.NoError(t, err)
	rc, err := reloaded.Cell(ref)
	require.NoError(t, err)
	assert.Equal(t, c, rc)

	recs := rec.records()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Accepted)
	assert.Equal(t, &ref, recs[0].Cell)
	assert.Equal(t, uint64(1), recs[0].Required)
	assert.Equal(t, modelDir, recs[0].ModelRef)
}

func TestAdmit_SpanningBoxUsesRoot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _ := openFresh(t, freshConfig(2, 1))

	_, err := r.Admit(ctx, Admission{Box: spanningBox, TokenCount: 15})
	var ide *pyramid.InsufficientDataError
	require.ErrorAs(t, err, &ide)
	assert.Equal(t, uint64(16), ide.Required)
	assert.Equal(t, uint64(1), ide.Shortfall())

	ref, err := r.Admit(ctx, Admission{Box: spanningBox, TokenCount: 16, ModelRef: "s3://models/root"})
	require.NoError(t, err)
	assert.Equal(t, pyramid.CellRef{Height: 0, Index: 0}, ref)

	got, err := r.Resolve(ctx, spanningBox)
	require.NoError(t, err)
	assert.Equal(t, "s3://models/root", got)

	// A finer region still resolves to its own (empty) cell.
	_, err = r.Resolve(ctx, quadrantBox)
	assert.ErrorIs(t, err, pyramid.ErrNoModelFound)
}

func TestAdmit_ThresholdBoundary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := &recordingLedger{}
	r, mfs := openFresh(t, freshConfig(2, 100), WithRecorder(rec))

	_, err := r.Admit(ctx, Admission{Box: quadrantBox, TokenCount: 99})
	assert.ErrorIs(t, err, pyramid.ErrInsufficientData)
	assert.False(t, mfs.HasPrefix(filepath.Join(repoDir, "models")))
	assert.False(t, mfs.Exists(filepath.Join(repoDir, "models", "2_3")))

	_, err = r.Admit(ctx, Admission{Box: quadrantBox, TokenCount: 100})
	require.NoError(t, err)

	recs := rec.records()
	require.Len(t, recs, 2)
	assert.False(t, recs[0].Accepted)
	assert.Contains(t, recs[0].Reason, "short by 1")
	assert.True(t, recs[1].Accepted)
}

func TestAdmit_NoEnclosingCell(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := &recordingLedger{}
	r, _ := openFresh(t, freshConfig(2, 1), WithRecorder(rec))

	for _, box := range []geom.BoundingBox{
		{LatMin: 0.2, LatMax: 1.4, LonMin: 0.1, LonMax: 0.2},
		{LatMin: -0.1, LatMax: 0.2, LonMin: 0.1, LonMax: 0.2},
		{LatMin: 0.5, LatMax: 0.4, LonMin: 0.1, LonMax: 0.2},
	} {
		_, err := r.Admit(ctx, Admission{Box: box, TokenCount: 1 << 20})
		assert.ErrorIs(t, err, pyramid.ErrNoEnclosingCell, "box %s", box)

		_, err = r.Resolve(ctx, box)
		assert.ErrorIs(t, err, pyramid.ErrNoModelFound, "box %s", box)
		assert.ErrorIs(t, err, pyramid.ErrNoEnclosingCell, "box %s", box)
	}

	for _, a := range rec.records() {
		assert.Nil(t, a.Cell)
		assert.False(t, a.Accepted)
	}
}

func TestAdmit_ReadmitPolicies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		policy     string
		wantTokens uint64
		wantErr    error
	}{
		{config.ReadmitReplace, 30, nil},
		{config.ReadmitAccumulate, 50, nil},
		{config.ReadmitReject, 20, pyramid.ErrCellOccupied},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			r, _ := openFresh(t, freshConfig(2, 1).WithReadmitPolicy(tt.policy))

			ref, err := r.Admit(ctx, Admission{Box: quadrantBox, TokenCount: 20, ModelRef: "first"})
			require.NoError(t, err)

			_, err = r.Admit(ctx, Admission{Box: quadrantBox, TokenCount: 30, ModelRef: "second"})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			c, err := r.Cell(ref)
			require.NoError(t, err)
			assert.Equal(t, "first", c.ModelRef, "model ref is immutable")
			assert.Equal(t, tt.wantTokens, c.TokenCount)
		})
	}
}

func TestAdmit_RollbackOnPersistFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := &recordingLedger{}
	r, mfs := openFresh(t, freshConfig(2, 1), WithRecorder(rec))
	before := r.Snapshot()

	mfs.FailRename = errors.New("disk full")
	_, err := r.Admit(ctx, Admission{Box: quadrantBox, TokenCount: 16})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	if diff := cmp.Diff(before, r.Snapshot(), cmp.AllowUnexported(pyramid.Pyramid{})); diff != "" {
		t.Errorf("pyramid changed after failed persist (-want +got):\n%s", diff)
	}
	assert.False(t, mfs.Exists(filepath.Join(repoDir, "models", "2_3")), "model location removed")
	_, err = r.Resolve(ctx, quadrantBox)
	assert.ErrorIs(t, err, pyramid.ErrNoModelFound)

	recs := rec.records()
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Accepted)

	// Recovery once the disk is back.
	mfs.FailRename = nil
	_, err = r.Admit(ctx, Admission{Box: quadrantBox, TokenCount: 16})
	require.NoError(t, err)
}

func TestAdmit_RecorderFailureDoesNotFailAdmission(t *testing.T) {
	t.Parallel()
	rec := &recordingLedger{err: errors.New("ledger offline")}
	r, _ := openFresh(t, freshConfig(2, 1), WithRecorder(rec))

	_, err := r.Admit(context.Background(), Admission{Box: quadrantBox, TokenCount: 16})
	require.NoError(t, err)
	assert.Len(t, rec.records(), 1)
}

func TestAdmit_CancelledContext(t *testing.T) {
	t.Parallel()
	r, _ := openFresh(t, freshConfig(2, 1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Admit(ctx, Admission{Box: quadrantBox, TokenCount: 16})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = r.Resolve(ctx, quadrantBox)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAdmitDataset_AndResolveTrajectories(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _ := openFresh(t, freshConfig(2, 1))

	ds := &dataset.Dataset{
		Trajectories: [][]geom.Point{
			{{Lat: 0.26, Lon: 0.27}, {Lat: 0.30, Lon: 0.45}},
			{{Lat: 0.49, Lon: 0.30}},
		},
		Metadata: dataset.Metadata{TotalTokens: 16},
	}
	ref, err := r.AdmitDataset(ctx, ds, "")
	require.NoError(t, err)
	assert.Equal(t, pyramid.CellRef{Height: 2, Index: 3}, ref)

	got, err := r.ResolveTrajectories(ctx, [][]geom.Point{{{Lat: 0.3, Lon: 0.3}, {Lat: 0.4, Lon: 0.4}}})
	require.NoError(t, err)
	assert.Equal(t, r.ModelDir(ref), got)

	_, err = r.AdmitDataset(ctx, &dataset.Dataset{}, "")
	assert.ErrorIs(t, err, pyramid.ErrEmptyInput)
	_, err = r.ResolveTrajectories(ctx, nil)
	assert.ErrorIs(t, err, pyramid.ErrEmptyInput)
}

func TestSnapshot_IsACopy(t *testing.T) {
	t.Parallel()
	r, _ := openFresh(t, freshConfig(1, 1))

	snap := r.Snapshot()
	c, err := snap.Cell(pyramid.CellRef{Height: 1, Index: 0})
	require.NoError(t, err)
	c.Occupied, c.ModelRef = true, "tampered"
	require.NoError(t, snap.SetCell(c))

	_, err = r.Resolve(context.Background(), geom.BoundingBox{LatMin: 0.1, LatMax: 0.2, LonMin: 0.1, LonMax: 0.2})
	assert.ErrorIs(t, err, pyramid.ErrNoModelFound)
}

func TestRepository_ConcurrentAdmitAndResolve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _ := openFresh(t, freshConfig(3, 1))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lo := float64(i) / 8
			box := geom.BoundingBox{LatMin: lo + 0.01, LatMax: lo + 0.1, LonMin: 0.01, LonMax: 0.1}
			_, err := r.Admit(ctx, Admission{Box: box, TokenCount: 1})
			assert.NoError(t, err)
		}(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := r.Resolve(ctx, quadrantBox)
				if err != nil && !errors.Is(err, pyramid.ErrNoModelFound) {
					t.Errorf("unexpected resolve error: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	require.NoError(t, r.Snapshot().Validate())
	assert.Len(t, r.Snapshot().Occupied(), 8)
}

func TestOpen_SQLiteBackend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer l.Close()

	cfg := freshConfig(2, 1).WithSnapshotBackend(config.BackendSQLite)
	mfs := fsutil.NewMemoryFileSystem()
	r, err := Open(ctx, repoDir, cfg, WithFileSystem(mfs), WithLedger(l))
	require.NoError(t, err)
	assert.False(t, mfs.Exists(filepath.Join(repoDir, "partioningPyramid.json")), "sqlite backend writes no snapshot file")

	ref, err := r.Admit(ctx, Admission{Box: quadrantBox, TokenCount: 16})
	require.NoError(t, err)

	reopened, err := Open(ctx, repoDir, cfg.WithBuildFromScratch(false), WithFileSystem(mfs), WithLedger(l))
	require.NoError(t, err)
	got, err := reopened.Resolve(ctx, quadrantBox)
	require.NoError(t, err)
	assert.Equal(t, r.ModelDir(ref), got)

	history, err := l.ListForCell(ctx, ref, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Accepted)

	snaps, err := ledger.NewSnapshotStore(l).History(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}

func TestOpen_RejectsSymlinkEscapes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name  string
		cfg   func() *config.PyramidConfig
		setup func(t *testing.T, repo, outside string)
	}{
		{
			name: "models dir",
			cfg:  func() *config.PyramidConfig { return freshConfig(1, 1) },
			setup: func(t *testing.T, repo, outside string) {
				require.NoError(t, os.Symlink(outside, filepath.Join(repo, "models")))
			},
		},
		{
			name: "snapshot directory",
			cfg: func() *config.PyramidConfig {
				c := freshConfig(1, 1)
				c.SnapshotFile = new(string)
				*c.SnapshotFile = "state/partioningPyramid.json"
				return c
			},
			setup: func(t *testing.T, repo, outside string) {
				require.NoError(t, os.Symlink(outside, filepath.Join(repo, "state")))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmp := t.TempDir()
			repo := filepath.Join(tmp, "repo")
			outside := filepath.Join(tmp, "outside")
			require.NoError(t, os.MkdirAll(repo, 0755))
			require.NoError(t, os.MkdirAll(outside, 0755))
			tt.setup(t, repo, outside)

			_, err := Open(ctx, repo, tt.cfg(), WithFileSystem(fsutil.OSFileSystem{}))
			assert.ErrorIs(t, err, pyramid.ErrConfig)

			entries, err := os.ReadDir(outside)
			require.NoError(t, err)
			assert.Empty(t, entries, "nothing written through the symlink")
		})
	}

	// A symlink that stays inside the repository is fine.
	tmp := t.TempDir()
	repo := filepath.Join(tmp, "repo")
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "trained"), 0755))
	require.NoError(t, os.Symlink(filepath.Join(repo, "trained"), filepath.Join(repo, "models")))
	r, err := Open(ctx, repo, freshConfig(1, 1), WithFileSystem(fsutil.OSFileSystem{}))
	require.NoError(t, err)
	_, err = r.Admit(ctx, Admission{Box: quadrantBox, TokenCount: 4})
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(repo, "trained", "1_0"))
}

func TestAdmit_ReadmitRecordsIgnoredModelRef(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := &recordingLedger{}
	r, _ := openFresh(t, freshConfig(2, 1), WithRecorder(rec))

	_, err := r.Admit(ctx, Admission{Box: quadrantBox, TokenCount: 20, ModelRef: "first"})
	require.NoError(t, err)
	_, err = r.Admit(ctx, Admission{Box: quadrantBox, TokenCount: 30, ModelRef: "second"})
	require.NoError(t, err)
	_, err = r.Admit(ctx, Admission{Box: quadrantBox, TokenCount: 40})
	require.NoError(t, err)

	recs := rec.records()
	require.Len(t, recs, 3)
	assert.Empty(t, recs[0].Reason)
	assert.True(t, recs[1].Accepted)
	assert.Equal(t, "first", recs[1].ModelRef)
	assert.Contains(t, recs[1].Reason, `model ref "second" ignored`)
	assert.Empty(t, recs[2].Reason, "no ref supplied, nothing dropped")
}
