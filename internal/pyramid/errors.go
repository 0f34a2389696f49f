package pyramid

import (
	"errors"
	"fmt"

	"github.com/trajpipe/pyramid/internal/geom"
)

var (
	// ErrConfig marks malformed or missing configuration. Fatal at startup.
	ErrConfig = errors.New("pyramid config error")
	// ErrNotFound is returned when a snapshot load was requested but none exists.
	ErrNotFound = errors.New("pyramid snapshot not found")
	// ErrCorrupt marks a snapshot that violates a structural invariant.
	ErrCorrupt = errors.New("pyramid snapshot corrupt")
	// ErrEmptyInput is returned for an MBR over no points.
	ErrEmptyInput = geom.ErrEmptyInput
	// ErrNoEnclosingCell is returned when no cell at any height contains a box.
	ErrNoEnclosingCell = errors.New("no enclosing cell")
	// ErrNoModelFound is returned by the resolver when a region has no model.
	ErrNoModelFound = errors.New("no model found")
	// ErrInsufficientData is the sentinel wrapped by InsufficientDataError.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrCellOccupied is returned when re-admission is disabled for a cell
	// that already holds a model.
	ErrCellOccupied = errors.New("cell already occupied")
)

// InsufficientDataError reports an admission rejected by the density
// threshold.
type InsufficientDataError struct {
	Cell     CellRef
	Required uint64
	Got      uint64
}

// Shortfall is the number of tokens still missing.
func (e *InsufficientDataError) Shortfall() uint64 {
	return e.Required - e.Got
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%v: cell %s needs %d tokens, got %d (short by %d)",
		ErrInsufficientData, e.Cell, e.Required, e.Got, e.Shortfall())
}

func (e *InsufficientDataError) Unwrap() error {
	return ErrInsufficientData
}

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrCorrupt}, args...)...)
}
