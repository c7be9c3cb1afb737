// Package geofence turns a stream of position fixes into zone transitions.
package geofence

import (
	"lockpoint/internal/domain"
	"lockpoint/pkg/geo"
)

// Classify compares the previous and current fix against one zone.
func Classify(prev, curr geo.Coordinate, zone domain.Zone) domain.TransitionKind {
	wasInside := zone.Contains(prev)
	isInside := zone.Contains(curr)

	switch {
	case !wasInside && isInside:
		return domain.TransitionEnter
	case wasInside && !isInside:
		return domain.TransitionExit
	default:
		return domain.TransitionStay
	}
}
