package pyramid

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/trajpipe/pyramid/internal/geom"
)

// CellRecord is the persisted form of a Cell. Field names follow the
// partioningPyramid.json layout.
type CellRecord struct {
	Height    int        `json:"height"`
	Index     uint64     `json:"index"`
	Bounds    [4]float64 `json:"bounds"` // lat_min, lat_max, lon_min, lon_max
	Occupied  bool       `json:"occupied"`
	ModelPath *string    `json:"model_path"`
	NumTokens uint64     `json:"num_tokens"`
}

// Snapshot maps height → index → record, with both keys rendered as decimal
// strings.
type Snapshot map[string]map[string]CellRecord

// Snapshot renders the pyramid in its persisted form.
func (p *Pyramid) Snapshot() Snapshot {
	s := make(Snapshot, len(p.levels))
	for h, lvl := range p.levels {
		m := make(map[string]CellRecord, len(lvl))
		for _, c := range lvl {
			rec := CellRecord{
				Height:    c.Height,
				Index:     c.Index,
				Bounds:    c.Bounds.Array(),
				Occupied:  c.Occupied,
				NumTokens: c.TokenCount,
			}
			if c.ModelRef != "" {
				ref := c.ModelRef
				rec.ModelPath = &ref
			}
			m[strconv.FormatUint(c.Index, 10)] = rec
		}
		s[strconv.Itoa(h)] = m
	}
	return s
}

// Marshal encodes the pyramid snapshot as indented JSON.
func (p *Pyramid) Marshal() ([]byte, error) {
	return json.MarshalIndent(p.Snapshot(), "", "    ")
}

// Load decodes and validates a snapshot from r.
func Load(r io.Reader) (*Pyramid, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return UnmarshalSnapshot(data)
}

// UnmarshalSnapshot decodes a JSON snapshot. Any malformed input or violated
// invariant yields ErrCorrupt; a corrupt snapshot is never repaired.
func UnmarshalSnapshot(data []byte) (*Pyramid, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, corruptf("decode: %v", err)
	}
	return FromSnapshot(s)
}

// FromSnapshot restores a pyramid from its persisted form. Bounds are taken
// verbatim from the records, after checking they are exactly the grid bounds.
func FromSnapshot(s Snapshot) (*Pyramid, error) {
	if len(s) == 0 {
		return nil, corruptf("no heights")
	}
	height := len(s) - 1
	if height > MaxHeight {
		return nil, corruptf("%d heights exceeds maximum height %d", len(s), MaxHeight)
	}
	p := &Pyramid{height: height, levels: make([][]Cell, height+1)}
	for hk, lvl := range s {
		h, err := strconv.Atoi(hk)
		if err != nil || h < 0 || h > height {
			return nil, corruptf("height key %q not in [0, %d]", hk, height)
		}
		if p.levels[h] != nil {
			return nil, corruptf("duplicate height %d", h)
		}
		cells, err := restoreLevel(h, lvl)
		if err != nil {
			return nil, err
		}
		p.levels[h] = cells
	}
	return p, nil
}

func restoreLevel(h int, lvl map[string]CellRecord) ([]Cell, error) {
	n := CellCount(h)
	if uint64(len(lvl)) != n {
		return nil, corruptf("height %d has %d cells, want %d", h, len(lvl), n)
	}
	cells := make([]Cell, n)
	seen := make([]bool, n)
	for ik, rec := range lvl {
		i, err := strconv.ParseUint(ik, 10, 64)
		if err != nil || i >= n {
			return nil, corruptf("height %d: index key %q not in [0, %d)", h, ik, n)
		}
		if seen[i] {
			return nil, corruptf("height %d: duplicate index %d", h, i)
		}
		seen[i] = true
		if rec.Height != h || rec.Index != i {
			return nil, corruptf("record at %d/%d claims height %d index %d", h, i, rec.Height, rec.Index)
		}
		bounds := geom.NewBoundingBox(rec.Bounds)
		if want := CellBounds(h, i); bounds != want {
			return nil, corruptf("cell h=%d i=%d bounds %s, want %s", h, i, bounds, want)
		}
		ref := ""
		if rec.ModelPath != nil {
			ref = *rec.ModelPath
		}
		if rec.Occupied != (ref != "") {
			return nil, corruptf("cell h=%d i=%d occupied=%t with model_path %q", h, i, rec.Occupied, ref)
		}
		cells[i] = Cell{
			Height:     h,
			Index:      i,
			Bounds:     bounds,
			Occupied:   rec.Occupied,
			ModelRef:   ref,
			TokenCount: rec.NumTokens,
		}
	}
	return cells, nil
}
