package domain

import (
	"time"

	"lockpoint/pkg/geo"
)

// PresenceStatus is the stored zone presence of a soldier
type PresenceStatus string

const (
	StatusInZone    PresenceStatus = "in_zone"
	StatusOutOfZone PresenceStatus = "out_of_zone"
	StatusUnknown   PresenceStatus = "unknown"
)

func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusInZone, StatusOutOfZone, StatusUnknown:
		return true
	default:
		return false
	}
}

// StatusFor maps a containment result to a presence status
func StatusFor(inside bool) PresenceStatus {
	if inside {
		return StatusInZone
	}
	return StatusOutOfZone
}

type Role string

const (
	RoleSoldier         Role = "soldier"
	RoleCommander       Role = "commander"
	RoleSeniorCommander Role = "senior_commander"
)

// Soldier carries the presence state the live path and reconciliation both mutate
type Soldier struct {
	ID            string          `json:"id" yaml:"id"`
	ServiceNumber string          `json:"serviceNumber,omitempty" yaml:"serviceNumber,omitempty"`
	FirstName     string          `json:"firstName" yaml:"firstName"`
	LastName      string          `json:"lastName" yaml:"lastName"`
	RankCode      string          `json:"rankCode,omitempty" yaml:"rankCode,omitempty"`
	Role          Role            `json:"role" yaml:"role"`
	UnitID        string          `json:"unitId" yaml:"unitId"`
	Status        PresenceStatus  `json:"status" yaml:"status"`
	LastKnown     *geo.Coordinate `json:"lastKnown,omitempty" yaml:"lastKnown,omitempty"`
	LastUpdate    *time.Time      `json:"lastUpdate,omitempty" yaml:"lastUpdate,omitempty"`
}

// DisplayName is the "<rank> <last name>" form used in alert titles
func (s Soldier) DisplayName() string {
	if s.RankCode == "" {
		return s.LastName
	}
	return s.RankCode + " " + s.LastName
}

// Unit is one node of the organizational hierarchy
type Unit struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	ParentID    string `json:"parentId,omitempty" yaml:"parentId,omitempty"`
	CommanderID string `json:"commanderId,omitempty" yaml:"commanderId,omitempty"`
}

// StatusSnapshot is one row of the periodic population capture
type StatusSnapshot struct {
	ID         string          `json:"id"`
	SoldierID  string          `json:"soldierId"`
	UnitID     string          `json:"unitId"`
	Status     PresenceStatus  `json:"status"`
	Location   *geo.Coordinate `json:"location,omitempty"`
	CapturedAt time.Time       `json:"capturedAt"`
}
