package geo

import (
	"math"

	"github.com/paulmach/orb"
)

const (
	EarthRadiusMeters = 6371000.0
	// AvgTransitSpeedKph is the assumed bus speed when no routing service reports a duration.
	AvgTransitSpeedKph = 25.0
)

// Coordinate is a [lon, lat] pair in decimal degrees (WGS84), GeoJSON ordering.
type Coordinate = orb.Point

// Path is an ordered route geometry. Order defines travel direction.
type Path []Coordinate

// Drawable reports whether the path has enough points to be rendered as a line.
func (p Path) Drawable() bool { return len(p) >= 2 }

// LineString converts the path for GeoJSON encoding.
func (p Path) LineString() orb.LineString {
	ls := make(orb.LineString, len(p))
	copy(ls, p)
	return ls
}

func (p Path) Clone() Path {
	if p == nil {
		return nil
	}
	out := make(Path, len(p))
	copy(out, p)
	return out
}

// Valid reports whether c has finite components within geographic ranges.
func Valid(c Coordinate) bool {
	lon, lat := c[0], c[1]
	if math.IsNaN(lon) || math.IsNaN(lat) || math.IsInf(lon, 0) || math.IsInf(lat, 0) {
		return false
	}
	return lon >= -180 && lon <= 180 && lat >= -90 && lat <= 90
}

// Haversine distance in meters
func Haversine(a, b Coordinate) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	lat1, lat2 := a.Lat(), b.Lat()
	dLat := toRad(lat2 - lat1)
	dLon := toRad(b.Lon() - a.Lon())
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

// PathLength sums the haversine distance of every segment.
func PathLength(p Path) float64 {
	total := 0.0
	for i := 1; i < len(p); i++ {
		total += Haversine(p[i-1], p[i])
	}
	return total
}

// EstimateDuration returns seconds needed to cover meters at the average transit speed.
func EstimateDuration(meters float64) float64 {
	mps := AvgTransitSpeedKph * 1000 / 3600
	return meters / mps
}

// Bounds returns the bounding box of p. ok is false for an empty path.
func Bounds(p Path) (b orb.Bound, ok bool) {
	if len(p) == 0 {
		return orb.Bound{}, false
	}
	return p.LineString().Bound(), true
}

// Nearest returns the index of the point in p closest to c and its distance in meters.
// Returns -1 for an empty path.
func Nearest(p Path, c Coordinate) (int, float64) {
	best := -1
	bestDist := math.MaxFloat64
	for i, pt := range p {
		d := Haversine(pt, c)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return -1, 0
	}
	return best, bestDist
}
