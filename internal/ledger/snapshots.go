package ledger

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/trajpipe/pyramid/internal/pyramid"
)

// SnapshotInfo describes one stored snapshot without its payload.
type SnapshotInfo struct {
	ID            int64
	TakenAt       time.Time
	Height        int
	OccupiedCells int
	Reason        string
	BlobSize      int
}

// SnapshotStore persists every pyramid snapshot as a gzip-compressed JSON
// blob row. Load returns the newest row. Rows are append-only, so a reader
// never sees a half-written snapshot.
type SnapshotStore struct {
	ledger *Ledger
	// Reason is stored with each saved snapshot.
	Reason string
}

// NewSnapshotStore returns a SnapshotStore over l.
func NewSnapshotStore(l *Ledger) *SnapshotStore {
	return &SnapshotStore{ledger: l, Reason: "update"}
}

// compressSnapshot gzips the JSON snapshot of p.
func compressSnapshot(p *pyramid.Pyramid) ([]byte, error) {
	data, err := p.Marshal()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompressSnapshot reverses compressSnapshot and validates the result.
func decompressSnapshot(blob []byte) (*pyramid.Pyramid, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: empty snapshot blob", pyramid.ErrCorrupt)
	}
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", pyramid.ErrCorrupt, err)
	}
	defer gz.Close()
	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", pyramid.ErrCorrupt, err)
	}
	return pyramid.UnmarshalSnapshot(data)
}

// Save appends a snapshot of p.
func (s *SnapshotStore) Save(ctx context.Context, p *pyramid.Pyramid) error {
	blob, err := compressSnapshot(p)
	if err != nil {
		return fmt.Errorf("serialize snapshot: %w", err)
	}
	occupied := len(p.Occupied())
	_, err = s.ledger.ExecContext(ctx, `
		INSERT INTO pyramid_snapshots (taken_unix_nanos, height, occupied_cells, snapshot_reason, snapshot_blob)
		VALUES (?, ?, ?, ?, ?)`,
		s.ledger.clock.Now().UnixNano(), p.Height(), occupied, s.Reason, blob)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	logf("persisted snapshot: height=%d, occupied=%d, blob_size=%d bytes", p.Height(), occupied, len(blob))
	return nil
}

// Load restores the newest snapshot. pyramid.ErrNotFound is returned when
// none has been saved.
func (s *SnapshotStore) Load(ctx context.Context) (*pyramid.Pyramid, error) {
	var blob []byte
	err := s.ledger.QueryRowContext(ctx, `
		SELECT snapshot_blob FROM pyramid_snapshots
		ORDER BY snapshot_id DESC LIMIT 1`).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no rows in pyramid_snapshots", pyramid.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	return decompressSnapshot(blob)
}

// Exists reports whether any snapshot has been saved.
func (s *SnapshotStore) Exists(ctx context.Context) (bool, error) {
	var n int
	if err := s.ledger.QueryRowContext(ctx, `SELECT COUNT(*) FROM pyramid_snapshots`).Scan(&n); err != nil {
		return false, fmt.Errorf("count snapshots: %w", err)
	}
	return n > 0, nil
}

// History lists stored snapshots, newest first.
func (s *SnapshotStore) History(ctx context.Context, limit int) ([]SnapshotInfo, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.ledger.QueryContext(ctx, `
		SELECT snapshot_id, taken_unix_nanos, height, occupied_cells, snapshot_reason, LENGTH(snapshot_blob)
		FROM pyramid_snapshots
		ORDER BY snapshot_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshot history: %w", err)
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		var taken int64
		if err := rows.Scan(&info.ID, &taken, &info.Height, &info.OccupiedCells, &info.Reason, &info.BlobSize); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		info.TakenAt = time.Unix(0, taken)
		out = append(out, info)
	}
	return out, rows.Err()
}

// String names the store in log lines.
func (s *SnapshotStore) String() string {
	return "sqlite snapshot store"
}
