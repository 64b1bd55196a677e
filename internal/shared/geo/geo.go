package geo

import (
	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the mean Earth radius used for all great-circle math.
const EarthRadiusMeters = 6371000.0

// Haversine returns the great-circle distance in metres between two
// (lng, lat) points.
func Haversine(lng1, lat1, lng2, lat2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lng1)
	p2 := s2.LatLngFromDegrees(lat2, lng2)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// Point is a (lng, lat) coordinate pair.
type Point struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

// ClosestIndex returns the index of the point in pts closest to p by
// straight-line (great-circle) distance, and that distance in metres.
// Returns (-1, 0) for an empty slice.
func ClosestIndex(p Point, pts []Point) (int, float64) {
	best := -1
	var bestDist float64
	for i, q := range pts {
		d := Haversine(p.Lng, p.Lat, q.Lng, q.Lat)
		if best == -1 || d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best, bestDist
}
