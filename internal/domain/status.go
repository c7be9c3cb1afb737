package domain

import (
	"time"

	"lockpoint/pkg/geo"
)

// StatusUpdate is pushed to live subscribers of a unit
type StatusUpdate struct {
	SoldierID  string          `json:"soldierId"`
	UnitID     string          `json:"unitId"`
	Status     PresenceStatus  `json:"status"`
	ZoneID     string          `json:"zoneId,omitempty"`
	ZoneName   string          `json:"zoneName,omitempty"`
	Transition TransitionKind  `json:"transition,omitempty"`
	Location   *geo.Coordinate `json:"location,omitempty"`
	Corrected  bool            `json:"corrected,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}
