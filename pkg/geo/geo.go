// Package geo implements the distance and containment math used for zone checks.
// Coordinates are WGS84 degrees treated on a sphere, without datum correction.
package geo

import "math"

// EarthRadiusMeters is the sphere radius used by Distance.
const EarthRadiusMeters = 6_371_000.0

// MetersPerDegree is the rough planar scale used by PlanarDistance.
const MetersPerDegree = 111_000.0

// Coordinate is a latitude/longitude pair in degrees.
type Coordinate struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// Distance returns the great-circle distance between a and b in meters (haversine).
func Distance(a, b Coordinate) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*sinLng*sinLng
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// PlanarDistance is a cheap flat-earth approximation of the distance in meters.
// It must never be used for containment.
func PlanarDistance(a, b Coordinate) float64 {
	dLat := b.Lat - a.Lat
	dLng := b.Lng - a.Lng
	return math.Sqrt(dLat*dLat+dLng*dLng) * MetersPerDegree
}

// PointInPolygon reports whether p lies inside the polygon using the even-odd
// rule, casting a ray towards increasing longitude. Callers must pass at least
// three vertices. Points exactly on an edge may land on either side, and
// self-intersecting polygons give parity-defined results.
func PointInPolygon(p Coordinate, vertices []Coordinate) bool {
	inside := false
	n := len(vertices)

	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		vi, vj := vertices[i], vertices[j]
		if (vi.Lat > p.Lat) != (vj.Lat > p.Lat) {
			crossLng := (vj.Lng-vi.Lng)*(p.Lat-vi.Lat)/(vj.Lat-vi.Lat) + vi.Lng
			if p.Lng < crossLng {
				inside = !inside
			}
		}
	}

	return inside
}

// Centroid returns the arithmetic mean of the vertices. It is not an area
// centroid and is only good enough for ranking zones by rough proximity.
func Centroid(vertices []Coordinate) Coordinate {
	if len(vertices) == 0 {
		return Coordinate{}
	}
	var sum Coordinate
	for _, v := range vertices {
		sum.Lat += v.Lat
		sum.Lng += v.Lng
	}
	n := float64(len(vertices))
	return Coordinate{Lat: sum.Lat / n, Lng: sum.Lng / n}
}

// IsFinite reports whether both components are finite numbers.
func IsFinite(c Coordinate) bool {
	return !math.IsNaN(c.Lat) && !math.IsInf(c.Lat, 0) &&
		!math.IsNaN(c.Lng) && !math.IsInf(c.Lng, 0)
}
