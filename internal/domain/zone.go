package domain

import (
	"errors"
	"fmt"
	"math"
	"time"

	"lockpoint/pkg/geo"
)

var ErrInvalidShape = errors.New("invalid zone shape")

// ShapeKind tags which fields of a ZoneShape are meaningful
type ShapeKind string

const (
	ShapeCircle  ShapeKind = "circle"
	ShapePolygon ShapeKind = "polygon"
)

// ZoneShape is a circle (Center, RadiusMeters) or a polygon (Vertices)
type ZoneShape struct {
	Kind         ShapeKind        `json:"type" yaml:"type"`
	Center       geo.Coordinate   `json:"center,omitempty" yaml:"center,omitempty"`
	RadiusMeters float64          `json:"radiusMeters,omitempty" yaml:"radiusMeters,omitempty"`
	Vertices     []geo.Coordinate `json:"vertices,omitempty" yaml:"vertices,omitempty"`
}

func Circle(center geo.Coordinate, radiusMeters float64) ZoneShape {
	return ZoneShape{Kind: ShapeCircle, Center: center, RadiusMeters: radiusMeters}
}

func Polygon(vertices []geo.Coordinate) ZoneShape {
	vs := make([]geo.Coordinate, len(vertices))
	copy(vs, vertices)
	return ZoneShape{Kind: ShapePolygon, Vertices: vs}
}

// Contains is the only place containment is decided. The circle boundary is inclusive.
func (s ZoneShape) Contains(p geo.Coordinate) bool {
	switch s.Kind {
	case ShapeCircle:
		return geo.Distance(p, s.Center) <= s.RadiusMeters
	case ShapePolygon:
		return geo.PointInPolygon(p, s.Vertices)
	default:
		return false
	}
}

// Validate guards shapes before they reach Contains. Polygon simplicity is not checked.
func (s ZoneShape) Validate() error {
	switch s.Kind {
	case ShapeCircle:
		if !geo.IsFinite(s.Center) {
			return fmt.Errorf("%w: circle center is not finite", ErrInvalidShape)
		}
		if !(s.RadiusMeters > 0) || math.IsInf(s.RadiusMeters, 0) {
			return fmt.Errorf("%w: radius must be a positive number of meters", ErrInvalidShape)
		}
	case ShapePolygon:
		if len(s.Vertices) < 3 {
			return fmt.Errorf("%w: polygon needs at least 3 vertices, got %d", ErrInvalidShape, len(s.Vertices))
		}
		for i, v := range s.Vertices {
			if !geo.IsFinite(v) {
				return fmt.Errorf("%w: vertex %d is not finite", ErrInvalidShape, i)
			}
		}
	default:
		return fmt.Errorf("%w: unknown shape type %q", ErrInvalidShape, s.Kind)
	}
	return nil
}

// Zone is a supervisor-defined perimeter. UnitID scopes it to a unit; empty means global.
type Zone struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Shape       ZoneShape `json:"shape" yaml:"shape"`
	IsActive    bool      `json:"isActive" yaml:"isActive"`
	UnitID      string    `json:"unitId,omitempty" yaml:"unitId,omitempty"`
	CreatedBy   string    `json:"createdBy,omitempty" yaml:"createdBy,omitempty"`
	CreatedAt   time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt   time.Time `json:"updatedAt" yaml:"-"`
}

func (z Zone) Contains(p geo.Coordinate) bool {
	return z.Shape.Contains(p)
}

// ActiveZones returns the active subset, preserving order.
func ActiveZones(zones []Zone) []Zone {
	result := make([]Zone, 0, len(zones))
	for _, z := range zones {
		if z.IsActive {
			result = append(result, z)
		}
	}
	return result
}

// FirstContaining returns the first active zone containing p. When zones
// overlap the attribution follows slice order.
func FirstContaining(p geo.Coordinate, zones []Zone) (Zone, bool) {
	for _, z := range zones {
		if z.IsActive && z.Contains(p) {
			return z, true
		}
	}
	return Zone{}, false
}

// ZoneDistance pairs a zone with a rough distance to it in meters
type ZoneDistance struct {
	Zone     Zone    `json:"zone"`
	Distance float64 `json:"distance"`
}

// NearestZone ranks circles by distance to their edge and polygons by distance
// to the vertex centroid.
func NearestZone(p geo.Coordinate, zones []Zone) (ZoneDistance, bool) {
	var best ZoneDistance
	found := false

	for _, z := range zones {
		if !z.IsActive {
			continue
		}

		var d float64
		switch z.Shape.Kind {
		case ShapeCircle:
			d = math.Max(0, geo.Distance(p, z.Shape.Center)-z.Shape.RadiusMeters)
		case ShapePolygon:
			d = geo.Distance(p, geo.Centroid(z.Shape.Vertices))
		default:
			continue
		}

		if !found || d < best.Distance {
			best = ZoneDistance{Zone: z, Distance: d}
			found = true
		}
	}

	return best, found
}
