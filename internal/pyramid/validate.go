package pyramid

// Validate checks every structural invariant: one level per height, exactly
// 4^h cells per level, grid bounds (which tile the domain and nest
// parent/child), and occupancy agreeing with the model reference.
func (p *Pyramid) Validate() error {
	if p == nil || len(p.levels) == 0 {
		return corruptf("empty pyramid")
	}
	if len(p.levels) != p.height+1 {
		return corruptf("%d levels for height %d", len(p.levels), p.height)
	}
	for h, lvl := range p.levels {
		if uint64(len(lvl)) != CellCount(h) {
			return corruptf("height %d has %d cells, want %d", h, len(lvl), CellCount(h))
		}
		for i, c := range lvl {
			if c.Height != h || c.Index != uint64(i) {
				return corruptf("slot %d/%d holds cell %s", h, i, c.Ref())
			}
			if want := CellBounds(h, uint64(i)); c.Bounds != want {
				return corruptf("cell %s bounds %s, want %s", c.Ref(), c.Bounds, want)
			}
			if c.Occupied != (c.ModelRef != "") {
				return corruptf("cell %s occupied=%t with model ref %q", c.Ref(), c.Occupied, c.ModelRef)
			}
		}
	}
	return nil
}
