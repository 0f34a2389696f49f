package pyramid

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/trajpipe/pyramid/internal/geom"
)

// CellRef names a cell by height and Z-order index within that height.
type CellRef struct {
	Height int
	Index  uint64
}

func (r CellRef) String() string {
	return fmt.Sprintf("h=%d i=%d", r.Height, r.Index)
}

// StorageKey is the namespaced model location name for the cell.
func (r CellRef) StorageKey() string {
	return fmt.Sprintf("%d_%d", r.Height, r.Index)
}

// ParseStorageKey parses the "<height>_<index>" form produced by StorageKey.
func ParseStorageKey(s string) (CellRef, error) {
	hs, is, ok := strings.Cut(s, "_")
	if !ok {
		return CellRef{}, fmt.Errorf("invalid cell key %q: missing separator", s)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 {
		return CellRef{}, fmt.Errorf("invalid cell key %q: bad height", s)
	}
	i, err := strconv.ParseUint(is, 10, 64)
	if err != nil {
		return CellRef{}, fmt.Errorf("invalid cell key %q: bad index", s)
	}
	return CellRef{Height: h, Index: i}, nil
}

// Cell is one node of the pyramid. Occupied is true exactly when ModelRef is
// set; ModelRef is an opaque handle the pyramid never opens.
type Cell struct {
	Height     int
	Index      uint64
	Bounds     geom.BoundingBox
	Occupied   bool
	ModelRef   string
	TokenCount uint64
}

// Ref returns the cell's identifier.
func (c Cell) Ref() CellRef {
	return CellRef{Height: c.Height, Index: c.Index}
}

// Pyramid is a dense array of cells indexed by height, then Z-order index.
// A Pyramid is not safe for concurrent mutation.
type Pyramid struct {
	height int
	levels [][]Cell
}

// Build generates a fresh pyramid of the given height with every cell
// unoccupied. It is a pure function of height.
func Build(height int) (*Pyramid, error) {
	if err := checkHeight(height); err != nil {
		return nil, err
	}
	p := &Pyramid{height: height, levels: make([][]Cell, height+1)}
	for h := 0; h <= height; h++ {
		n := CellCount(h)
		cells := make([]Cell, n)
		for i := uint64(0); i < n; i++ {
			cells[i] = Cell{Height: h, Index: i, Bounds: CellBounds(h, i)}
		}
		p.levels[h] = cells
	}
	return p, nil
}

func checkHeight(height int) error {
	if height < 0 || height > MaxHeight {
		return fmt.Errorf("%w: height %d outside [0, %d]", ErrConfig, height, MaxHeight)
	}
	return nil
}

// Height returns H, the finest height.
func (p *Pyramid) Height() int {
	return p.height
}

// Contains reports whether ref names a cell of this pyramid.
func (p *Pyramid) Contains(ref CellRef) bool {
	return ref.Height >= 0 && ref.Height <= p.height && ref.Index < CellCount(ref.Height)
}

// Cell returns a copy of the referenced cell.
func (p *Pyramid) Cell(ref CellRef) (Cell, error) {
	if !p.Contains(ref) {
		return Cell{}, fmt.Errorf("cell %s out of range for height %d pyramid", ref, p.height)
	}
	return p.levels[ref.Height][ref.Index], nil
}

// Cells returns a copy of every cell at height h, in index order.
func (p *Pyramid) Cells(h int) []Cell {
	if h < 0 || h > p.height {
		return nil
	}
	out := make([]Cell, len(p.levels[h]))
	copy(out, p.levels[h])
	return out
}

// Occupied returns copies of all occupied cells, finest height first.
func (p *Pyramid) Occupied() []Cell {
	var out []Cell
	for h := p.height; h >= 0; h-- {
		for _, c := range p.levels[h] {
			if c.Occupied {
				out = append(out, c)
			}
		}
	}
	return out
}

// SetCell replaces a cell wholesale. The bounds and identity must match the
// grid, and Occupied must agree with ModelRef.
func (p *Pyramid) SetCell(c Cell) error {
	ref := c.Ref()
	if !p.Contains(ref) {
		return fmt.Errorf("cell %s out of range for height %d pyramid", ref, p.height)
	}
	if c.Bounds != CellBounds(c.Height, c.Index) {
		return fmt.Errorf("cell %s bounds %s do not match grid", ref, c.Bounds)
	}
	if c.Occupied != (c.ModelRef != "") {
		return fmt.Errorf("cell %s: occupied=%t with model ref %q", ref, c.Occupied, c.ModelRef)
	}
	p.levels[ref.Height][ref.Index] = c
	return nil
}

// FindEnclosing returns the finest cell whose bounds contain box.
// Heights are searched from H down to 0 and the candidate at each height is
// computed from the box's minimum corner, so no level is scanned.
func (p *Pyramid) FindEnclosing(box geom.BoundingBox) (CellRef, error) {
	if err := box.Validate(); err != nil {
		return CellRef{}, fmt.Errorf("%w: %v", ErrNoEnclosingCell, err)
	}
	for h := p.height; h >= 0; h-- {
		if ref, ok := p.FindEnclosingAt(box, h); ok {
			return ref, nil
		}
	}
	return CellRef{}, fmt.Errorf("%w: box %s lies outside the normalized domain", ErrNoEnclosingCell, box)
}

// FindEnclosingAt returns the cell at height h containing box, if any.
func (p *Pyramid) FindEnclosingAt(box geom.BoundingBox, h int) (CellRef, bool) {
	if h < 0 || h > p.height {
		return CellRef{}, false
	}
	// Negated comparison also rejects NaN.
	if !(box.LatMin >= 0) || !(box.LonMin >= 0) {
		return CellRef{}, false
	}
	side := Side(h)
	ref := CellRef{Height: h, Index: IndexOf(gridCoord(box.LatMin, side), gridCoord(box.LonMin, side))}
	if !p.levels[h][ref.Index].Bounds.Contains(box) {
		return CellRef{}, false
	}
	return ref, true
}

// Ancestor returns the cell at height h that geometrically contains ref.
func (p *Pyramid) Ancestor(ref CellRef, h int) (CellRef, error) {
	if !p.Contains(ref) {
		return CellRef{}, fmt.Errorf("cell %s out of range for height %d pyramid", ref, p.height)
	}
	if h < 0 || h > ref.Height {
		return CellRef{}, fmt.Errorf("height %d is not an ancestor level of %s", h, ref)
	}
	return CellRef{Height: h, Index: ref.Index >> (2 * uint(ref.Height-h))}, nil
}

// Children returns the four cells one level below ref, or nil at height H.
func (p *Pyramid) Children(ref CellRef) []CellRef {
	if !p.Contains(ref) || ref.Height == p.height {
		return nil
	}
	out := make([]CellRef, 4)
	for q := uint64(0); q < 4; q++ {
		out[q] = CellRef{Height: ref.Height + 1, Index: 4*ref.Index + q}
	}
	return out
}

// Clone returns a deep copy.
func (p *Pyramid) Clone() *Pyramid {
	c := &Pyramid{height: p.height, levels: make([][]Cell, len(p.levels))}
	for h, lvl := range p.levels {
		c.levels[h] = make([]Cell, len(lvl))
		copy(c.levels[h], lvl)
	}
	return c
}

// LevelStats summarizes one height.
type LevelStats struct {
	Height   int
	Cells    uint64
	Occupied int
	Tokens   uint64
}

// Stats returns per-height summaries, coarsest first.
func (p *Pyramid) Stats() []LevelStats {
	out := make([]LevelStats, 0, p.height+1)
	for h, lvl := range p.levels {
		s := LevelStats{Height: h, Cells: uint64(len(lvl))}
		for _, c := range lvl {
			if c.Occupied {
				s.Occupied++
			}
			s.Tokens += c.TokenCount
		}
		out = append(out, s)
	}
	return out
}
