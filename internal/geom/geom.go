// Package geom provides the axis-aligned bounding boxes used by the
// partitioning pyramid.
//
// All coordinates live in the normalized domain [0,1)×[0,1). Callers holding
// real-world coordinates must normalize them first (see NormalizeWGS84); the
// pyramid never interprets degrees.
package geom

import (
	"errors"
	"fmt"
	"math"
)

// ErrEmptyInput is returned when a bounding rectangle is requested for an
// empty point sequence.
var ErrEmptyInput = errors.New("empty input")

// ErrInvalidBox is returned by Validate for inverted or non-finite boxes.
var ErrInvalidBox = errors.New("invalid bounding box")

// Point is a (lat, lon) pair in normalized coordinates.
type Point struct {
	Lat float64
	Lon float64
}

// BoundingBox is an axis-aligned rectangle over the normalized domain.
type BoundingBox struct {
	LatMin float64
	LatMax float64
	LonMin float64
	LonMax float64
}

// UnitBox covers the full normalized domain.
var UnitBox = BoundingBox{LatMin: 0, LatMax: 1, LonMin: 0, LonMax: 1}

// NewBoundingBox builds a box from the snapshot ordering
// [lat_min, lat_max, lon_min, lon_max].
func NewBoundingBox(b [4]float64) BoundingBox {
	return BoundingBox{LatMin: b[0], LatMax: b[1], LonMin: b[2], LonMax: b[3]}
}

// Array returns the box in snapshot ordering.
func (b BoundingBox) Array() [4]float64 {
	return [4]float64{b.LatMin, b.LatMax, b.LonMin, b.LonMax}
}

// Validate checks the box is finite and not inverted.
func (b BoundingBox) Validate() error {
	for _, v := range b.Array() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite coordinate in %s", ErrInvalidBox, b)
		}
	}
	if b.LatMin > b.LatMax {
		return fmt.Errorf("%w: lat_min %g > lat_max %g", ErrInvalidBox, b.LatMin, b.LatMax)
	}
	if b.LonMin > b.LonMax {
		return fmt.Errorf("%w: lon_min %g > lon_max %g", ErrInvalidBox, b.LonMin, b.LonMax)
	}
	return nil
}

// Contains reports whether other lies fully inside b. Edges count as inside.
func (b BoundingBox) Contains(other BoundingBox) bool {
	return other.LatMin >= b.LatMin &&
		other.LatMax <= b.LatMax &&
		other.LonMin >= b.LonMin &&
		other.LonMax <= b.LonMax
}

// Overlaps reports whether the interiors of b and other intersect.
// Boxes that only share an edge do not overlap.
func (b BoundingBox) Overlaps(other BoundingBox) bool {
	return b.LatMin < other.LatMax && other.LatMin < b.LatMax &&
		b.LonMin < other.LonMax && other.LonMin < b.LonMax
}

// InDomain reports whether the box lies inside the closed unit square.
func (b BoundingBox) InDomain() bool {
	return b.Validate() == nil && UnitBox.Contains(b)
}

// Area returns the box area.
func (b BoundingBox) Area() float64 {
	return (b.LatMax - b.LatMin) * (b.LonMax - b.LonMin)
}

// Center returns the midpoint of the box.
func (b BoundingBox) Center() Point {
	return Point{Lat: (b.LatMin + b.LatMax) / 2, Lon: (b.LonMin + b.LonMax) / 2}
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("[%g,%g]x[%g,%g]", b.LatMin, b.LatMax, b.LonMin, b.LonMax)
}
