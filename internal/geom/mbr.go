package geom

import "fmt"

// MBR returns the minimum bounding rectangle of points.
// An empty sequence yields ErrEmptyInput rather than an infinite box.
func MBR(points []Point) (BoundingBox, error) {
	if len(points) == 0 {
		return BoundingBox{}, fmt.Errorf("mbr: %w", ErrEmptyInput)
	}
	b := BoundingBox{
		LatMin: points[0].Lat, LatMax: points[0].Lat,
		LonMin: points[0].Lon, LonMax: points[0].Lon,
	}
	for _, p := range points[1:] {
		b = b.extend(p)
	}
	return b, nil
}

// MBROfTrajectories reduces every point of every trajectory to one box.
// Empty trajectories are skipped; ErrEmptyInput is returned only when no
// trajectory carries a point.
func MBROfTrajectories(trajectories [][]Point) (BoundingBox, error) {
	var b BoundingBox
	seen := false
	for _, traj := range trajectories {
		for _, p := range traj {
			if !seen {
				b = BoundingBox{LatMin: p.Lat, LatMax: p.Lat, LonMin: p.Lon, LonMax: p.Lon}
				seen = true
				continue
			}
			b = b.extend(p)
		}
	}
	if !seen {
		return BoundingBox{}, fmt.Errorf("mbr: %w: %d trajectories without points", ErrEmptyInput, len(trajectories))
	}
	return b, nil
}

func (b BoundingBox) extend(p Point) BoundingBox {
	b.LatMin = min(b.LatMin, p.Lat)
	b.LatMax = max(b.LatMax, p.Lat)
	b.LonMin = min(b.LonMin, p.Lon)
	b.LonMax = max(b.LonMax, p.Lon)
	return b
}
