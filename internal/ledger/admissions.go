package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trajpipe/pyramid/internal/geom"
	"github.com/trajpipe/pyramid/internal/pyramid"
)

// Admission is one attempt to install a model into the pyramid, accepted or
// not. Cell is nil when no enclosing cell was found.
type Admission struct {
	ID         string
	CreatedAt  time.Time
	Cell       *pyramid.CellRef
	Box        geom.BoundingBox
	TokenCount uint64
	Required   uint64
	Accepted   bool
	ModelRef   string
	Reason     string
}

// RecordAdmission inserts a. An empty ID is filled with a new UUID and a zero
// CreatedAt with the ledger clock.
func (l *Ledger) RecordAdmission(ctx context.Context, a *Admission) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = l.clock.Now()
	}

	var height, index sql.NullInt64
	if a.Cell != nil {
		height = sql.NullInt64{Int64: int64(a.Cell.Height), Valid: true}
		index = sql.NullInt64{Int64: int64(a.Cell.Index), Valid: true}
	}

	query := `
		INSERT INTO pyramid_admissions (
			admission_id, created_unix_nanos, cell_height, cell_index,
			lat_min, lat_max, lon_min, lon_max,
			token_count, required_tokens, accepted, model_ref, reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := l.ExecContext(ctx, query,
		a.ID,
		a.CreatedAt.UnixNano(),
		height,
		index,
		a.Box.LatMin, a.Box.LatMax, a.Box.LonMin, a.Box.LonMax,
		int64(a.TokenCount),
		int64(a.Required),
		a.Accepted,
		nullString(a.ModelRef),
		nullString(a.Reason),
	)
	if err != nil {
		return fmt.Errorf("insert admission: %w", err)
	}
	return nil
}

const admissionColumns = `
	admission_id, created_unix_nanos, cell_height, cell_index,
	lat_min, lat_max, lon_min, lon_max,
	token_count, required_tokens, accepted, model_ref, reason
`

// ListAdmissions returns the most recent admissions, newest first.
// A non-positive limit returns everything.
func (l *Ledger) ListAdmissions(ctx context.Context, limit int) ([]Admission, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.QueryContext(ctx, `SELECT `+admissionColumns+`
		FROM pyramid_admissions
		ORDER BY created_unix_nanos DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query admissions: %w", err)
	}
	defer rows.Close()
	return scanAdmissions(rows)
}

// ListForCell returns the admissions that resolved to ref, oldest first.
// A positive limit keeps only the most recent limit entries.
func (l *Ledger) ListForCell(ctx context.Context, ref pyramid.CellRef, limit int) ([]Admission, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.QueryContext(ctx, `SELECT `+admissionColumns+` FROM (
			SELECT rowid AS rid, * FROM pyramid_admissions
			WHERE cell_height = ? AND cell_index = ?
			ORDER BY created_unix_nanos DESC, rowid DESC
			LIMIT ?
		)
		ORDER BY created_unix_nanos ASC, rid ASC`, ref.Height, int64(ref.Index), limit)
	if err != nil {
		return nil, fmt.Errorf("query admissions for %s: %w", ref, err)
	}
	defer rows.Close()
	return scanAdmissions(rows)
}

// CountAccepted returns the number of accepted and rejected admissions.
func (l *Ledger) CountAccepted(ctx context.Context) (accepted, rejected int, err error) {
	err = l.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN accepted THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN accepted THEN 0 ELSE 1 END), 0)
		FROM pyramid_admissions`).Scan(&accepted, &rejected)
	if err != nil {
		return 0, 0, fmt.Errorf("count admissions: %w", err)
	}
	return accepted, rejected, nil
}

func scanAdmissions(rows *sql.Rows) ([]Admission, error) {
	var out []Admission
	for rows.Next() {
		var (
			a               Admission
			createdNanos    int64
			height, index   sql.NullInt64
			tokens, require int64
			modelRef        sql.NullString
			reason          sql.NullString
		)
		if err := rows.Scan(
			&a.ID, &createdNanos, &height, &index,
			&a.Box.LatMin, &a.Box.LatMax, &a.Box.LonMin, &a.Box.LonMax,
			&tokens, &require, &a.Accepted, &modelRef, &reason,
		); err != nil {
			return nil, fmt.Errorf("scan admission: %w", err)
		}
		a.CreatedAt = time.Unix(0, createdNanos)
		if height.Valid && index.Valid {
			a.Cell = &pyramid.CellRef{Height: int(height.Int64), Index: uint64(index.Int64)}
		}
		a.TokenCount = uint64(tokens)
		a.Required = uint64(require)
		a.ModelRef = modelRef.String
		a.Reason = reason.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
