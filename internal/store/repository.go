// Package store holds persistence contracts and the in-memory implementation.
package store

import (
	"context"
	"errors"
	"time"

	"lockpoint/internal/domain"
	"lockpoint/pkg/geo"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrAlreadyNotified is returned when a deduplicated alert already exists for its key.
	ErrAlreadyNotified = errors.New("alert already exists")
	ErrAlreadyReported = errors.New("exit report already submitted")
	ErrForbidden       = errors.New("forbidden")
)

type SoldierFilter struct {
	UnitID string
	Status domain.PresenceStatus
	Role   domain.Role
}

// ZoneSource is the read path the live tracker needs
type ZoneSource interface {
	ListActiveZones(ctx context.Context) ([]domain.Zone, error)
}

type Repository interface {
	ZoneSource
	ListZones(ctx context.Context) ([]domain.Zone, error)
	GetZone(ctx context.Context, id string) (domain.Zone, error)
	UpsertZone(ctx context.Context, zone domain.Zone) (domain.Zone, error)

	GetSoldier(ctx context.Context, id string) (domain.Soldier, error)
	ListSoldiers(ctx context.Context, filter SoldierFilter) ([]domain.Soldier, error)
	UpsertSoldier(ctx context.Context, soldier domain.Soldier) error
	UpdateSoldierStatus(ctx context.Context, id string, status domain.PresenceStatus, loc *geo.Coordinate, at time.Time) error

	GetUnit(ctx context.Context, id string) (domain.Unit, error)
	UpsertUnit(ctx context.Context, unit domain.Unit) error

	CreateTransition(ctx context.Context, rec domain.TransitionRecord) (domain.TransitionRecord, error)
	GetTransition(ctx context.Context, id string) (domain.TransitionRecord, error)
	ListTransitions(ctx context.Context, soldierID string, limit int) ([]domain.TransitionRecord, error)
	// FindUnreportedExits returns EXIT records older than olderThan with no exit report.
	FindUnreportedExits(ctx context.Context, olderThan time.Time) ([]domain.TransitionRecord, error)
	CreateExitReport(ctx context.Context, report domain.ExitReport) (domain.ExitReport, error)

	AlertExists(ctx context.Context, q domain.AlertQuery) (bool, error)
	CreateAlert(ctx context.Context, alert domain.Alert) (domain.Alert, error)
	ListAlerts(ctx context.Context, recipientID string, limit int) ([]domain.Alert, error)

	AppendStatusSnapshots(ctx context.Context, rows []domain.StatusSnapshot) error
	CountSnapshots(ctx context.Context) (int64, error)
	AppendAudit(ctx context.Context, entry domain.AuditEntry) error
}

// DefaultListLimit caps list reads when the caller passes a non-positive limit
const DefaultListLimit = 50

func ListLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
