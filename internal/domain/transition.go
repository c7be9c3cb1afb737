package domain

import (
	"time"

	"lockpoint/pkg/geo"
)

type TransitionKind string

const (
	TransitionEnter TransitionKind = "ENTER"
	TransitionExit  TransitionKind = "EXIT"
	TransitionStay  TransitionKind = "STAY"
)

// PositionSample is one raw device fix
type PositionSample struct {
	Location       geo.Coordinate `json:"location"`
	AccuracyMeters float64        `json:"accuracy"`
	BatteryLevel   *int           `json:"batteryLevel,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// TransitionEvent is what the live detector emits
type TransitionEvent struct {
	SoldierID      string         `json:"soldierId"`
	ZoneID         string         `json:"zoneId"`
	ZoneName       string         `json:"zoneName"`
	Kind           TransitionKind `json:"transition"`
	Location       geo.Coordinate `json:"location"`
	AccuracyMeters float64        `json:"accuracy"`
	BatteryLevel   *int           `json:"batteryLevel,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// TransitionSource tells device-reported records from server-inferred corrections
type TransitionSource string

const (
	SourceDevice TransitionSource = "device"
	SourceServer TransitionSource = "server"
)

// TransitionRecord is a persisted transition
type TransitionRecord struct {
	ID             string           `json:"id"`
	SoldierID      string           `json:"soldierId"`
	ZoneID         string           `json:"zoneId"`
	ZoneName       string           `json:"zoneName,omitempty"`
	Kind           TransitionKind   `json:"transition"`
	Location       geo.Coordinate   `json:"location"`
	AccuracyMeters float64          `json:"accuracy"`
	BatteryLevel   *int             `json:"batteryLevel,omitempty"`
	Source         TransitionSource `json:"source"`
	Timestamp      time.Time        `json:"timestamp"`
}

func RecordFromEvent(ev TransitionEvent) TransitionRecord {
	return TransitionRecord{
		SoldierID:      ev.SoldierID,
		ZoneID:         ev.ZoneID,
		ZoneName:       ev.ZoneName,
		Kind:           ev.Kind,
		Location:       ev.Location,
		AccuracyMeters: ev.AccuracyMeters,
		BatteryLevel:   ev.BatteryLevel,
		Source:         SourceDevice,
		Timestamp:      ev.Timestamp,
	}
}

type ExitReason string

const (
	ReasonPersonalLeave ExitReason = "personal_leave"
	ReasonMedical       ExitReason = "medical"
	ReasonOfficialDuty  ExitReason = "official_duty"
	ReasonTraining      ExitReason = "training"
	ReasonEmergency     ExitReason = "emergency"
	ReasonOther         ExitReason = "other"
)

func (r ExitReason) Valid() bool {
	switch r {
	case ReasonPersonalLeave, ReasonMedical, ReasonOfficialDuty, ReasonTraining, ReasonEmergency, ReasonOther:
		return true
	default:
		return false
	}
}

// ExitReport is a soldier's "where to" answer linked to an EXIT transition
type ExitReport struct {
	ID              string     `json:"id"`
	SoldierID       string     `json:"soldierId"`
	EventID         string     `json:"eventId"`
	Destination     string     `json:"destination"`
	Reason          ExitReason `json:"reason"`
	FreeText        string     `json:"freeText,omitempty"`
	EstimatedReturn *time.Time `json:"estimatedReturn,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}
