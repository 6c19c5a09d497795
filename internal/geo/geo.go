package geo

import "math"

const earthRadiusKm = 6371.0

// Point is a WGS84 coordinate pair
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point lies within coordinate bounds
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// DistanceKm returns the great-circle (haversine) distance between two points
func DistanceKm(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180.0
	lat2 := b.Lat * math.Pi / 180.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180.0
	dLng := (b.Lng - a.Lng) * math.Pi / 180.0

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)

	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// CumulativeDistancesKm returns, for an ordered polyline, the running distance
// at each point. The result has the same length as the input and starts at 0.
func CumulativeDistancesKm(points []Point) []float64 {
	if len(points) == 0 {
		return nil
	}
	out := make([]float64, len(points))
	for i := 1; i < len(points); i++ {
		out[i] = out[i-1] + DistanceKm(points[i-1], points[i])
	}
	return out
}

// PointInPolygon tests membership with a ray-casting pass over the ring.
// The ring does not need to repeat its first point.
func PointInPolygon(p Point, ring []Point) bool {
	if len(ring) < 3 {
		return false
	}
	inside := false
	j := len(ring) - 1
	for i := 0; i < len(ring); i++ {
		vi, vj := ring[i], ring[j]
		if (vi.Lat > p.Lat) != (vj.Lat > p.Lat) &&
			p.Lng < (vj.Lng-vi.Lng)*(p.Lat-vi.Lat)/(vj.Lat-vi.Lat)+vi.Lng {
			inside = !inside
		}
		j = i
	}
	return inside
}
