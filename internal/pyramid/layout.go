package pyramid

import "github.com/trajpipe/pyramid/internal/geom"

// MaxHeight bounds the pyramid depth. Height 10 already holds ~1.4M cells and
// keeps k·4^H comfortably inside uint64 for any sane threshold.
const MaxHeight = 10

// Side returns the grid width at height h (2^h).
func Side(h int) uint64 {
	return 1 << uint(h)
}

// CellCount returns the number of cells at height h (4^h).
func CellCount(h int) uint64 {
	return 1 << (2 * uint(h))
}

// TotalCells returns the number of cells across heights 0..height.
func TotalCells(height int) uint64 {
	return (CellCount(height+1) - 1) / 3
}

// IndexOf interleaves row and col into a Z-order index: bit b of row lands on
// bit 2b+1, bit b of col on bit 2b.
func IndexOf(row, col uint64) uint64 {
	return spread(row)<<1 | spread(col)
}

// RowCol is the inverse of IndexOf.
func RowCol(index uint64) (row, col uint64) {
	return compact(index >> 1), compact(index)
}

// CellBounds computes the bounds of cell index at height h.
// side is a power of two, so every boundary is exact in float64.
func CellBounds(h int, index uint64) geom.BoundingBox {
	row, col := RowCol(index)
	size := 1 / float64(Side(h))
	return geom.BoundingBox{
		LatMin: float64(row) * size,
		LatMax: float64(row+1) * size,
		LonMin: float64(col) * size,
		LonMax: float64(col+1) * size,
	}
}

// gridCoord maps a coordinate in [0,1] to its row or column at the given side.
// The closed upper edge folds into the last cell.
func gridCoord(v float64, side uint64) uint64 {
	if v >= 1 {
		return side - 1
	}
	c := uint64(v * float64(side))
	if c >= side {
		c = side - 1
	}
	return c
}

func spread(x uint64) uint64 {
	x &= 0x00000000ffffffff
	x = (x | x<<16) & 0x0000ffff0000ffff
	x = (x | x<<8) & 0x00ff00ff00ff00ff
	x = (x | x<<4) & 0x0f0f0f0f0f0f0f0f
	x = (x | x<<2) & 0x3333333333333333
	x = (x | x<<1) & 0x5555555555555555
	return x
}

func compact(x uint64) uint64 {
	x &= 0x5555555555555555
	x = (x | x>>1) & 0x3333333333333333
	x = (x | x>>2) & 0x0f0f0f0f0f0f0f0f
	x = (x | x>>4) & 0x00ff00ff00ff00ff
	x = (x | x>>8) & 0x0000ffff0000ffff
	x = (x | x>>16) & 0x00000000ffffffff
	return x
}
