package geom

// NormalizeWGS84 maps latitude [-90,90] and longitude [-180,180] degrees onto
// the unit square. Out-of-range inputs are not clamped, so they land outside
// the domain and are rejected by the pyramid.
func NormalizeWGS84(lat, lon float64) Point {
	return Point{Lat: (lat + 90) / 180, Lon: (lon + 180) / 360}
}
