package geofence

import "lockpoint/pkg/geo"

// DefaultDistanceFilterMeters is the significant-change threshold used when none is configured
const DefaultDistanceFilterMeters = 50.0

// Filter drops fixes that moved less than the threshold since the last reported
// one. It bounds how often the detector runs; it never decides containment.
// A Filter belongs to one stream and is not safe for concurrent use.
type Filter struct {
	threshold float64
	last      *geo.Coordinate
}

func NewFilter(thresholdMeters float64) *Filter {
	if !(thresholdMeters > 0) {
		thresholdMeters = DefaultDistanceFilterMeters
	}
	return &Filter{threshold: thresholdMeters}
}

// ShouldReport accepts the first fix and any fix farther than the threshold
// from the last accepted one. Accepting a fix remembers it.
func (f *Filter) ShouldReport(c geo.Coordinate) bool {
	if f.last != nil && geo.PlanarDistance(*f.last, c) <= f.threshold {
		return false
	}
	last := c
	f.last = &last
	return true
}

func (f *Filter) Threshold() float64 {
	return f.threshold
}

func (f *Filter) Reset() {
	f.last = nil
}
