package postgres

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"lockpoint/internal/domain"
	"lockpoint/pkg/geo"
)

const schema = "lockpoint"

type zoneModel struct {
	ID           string `gorm:"type:text;primaryKey"`
	Name         string `gorm:"not null"`
	Description  string
	Kind         string `gorm:"not null"`
	CenterLat    *float64
	CenterLng    *float64
	RadiusMeters *float64
	VertexLats   pq.Float64Array `gorm:"type:double precision[]"`
	VertexLngs   pq.Float64Array `gorm:"type:double precision[]"`
	IsActive     bool            `gorm:"not null;index"`
	UnitID       string          `gorm:"index"`
	CreatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (zoneModel) TableName() string { return schema + ".zones" }

type unitModel struct {
	ID          string `gorm:"type:text;primaryKey"`
	Name        string `gorm:"not null"`
	ParentID    string `gorm:"index"`
	CommanderID string
}

func (unitModel) TableName() string { return schema + ".units" }

type soldierModel struct {
	ID                 string `gorm:"type:text;primaryKey"`
	ServiceNumber      string `gorm:"index"`
	FirstName          string
	LastName           string
	RankCode           string
	Role               string `gorm:"not null;default:'soldier';index"`
	UnitID             string `gorm:"index"`
	CurrentStatus      string `gorm:"not null;default:'unknown';index"`
	LastKnownLat       *float64
	LastKnownLng       *float64
	LastLocationUpdate *time.Time
}

func (soldierModel) TableName() string { return schema + ".soldiers" }

type transitionModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	SoldierID    string    `gorm:"not null;index:idx_transitions_soldier_ts"`
	ZoneID       string    `gorm:"index"`
	ZoneName     string
	Kind         string    `gorm:"not null;index:idx_transitions_kind_ts"`
	Lat          float64
	Lng          float64
	Accuracy     float64
	BatteryLevel *int
	Source       string    `gorm:"not null;default:'device'"`
	Timestamp    time.Time `gorm:"not null;index:idx_transitions_soldier_ts;index:idx_transitions_kind_ts"`
}

func (transitionModel) TableName() string { return schema + ".transitions" }

type exitReportModel struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	SoldierID       string    `gorm:"not null;index"`
	EventID         uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	Destination     string
	Reason          string
	FreeText        string
	EstimatedReturn *time.Time
	CreatedAt       time.Time
}

func (exitReportModel) TableName() string { return schema + ".exit_reports" }

type notificationModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    string    `gorm:"not null;index:idx_notifications_key"`
	Type      string    `gorm:"not null;index:idx_notifications_key"`
	RelatedID string    `gorm:"index:idx_notifications_key"`
	Title     string
	Body      string
	Read      bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"index"`
}

func (notificationModel) TableName() string { return schema + ".notifications" }

type snapshotModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	SoldierID  string    `gorm:"not null;index"`
	UnitID     string
	Status     string
	Lat        *float64
	Lng        *float64
	CapturedAt time.Time `gorm:"index"`
}

func (snapshotModel) TableName() string { return schema + ".status_snapshots" }

type auditModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID     string    `gorm:"index"`
	Action     string    `gorm:"not null;index"`
	Resource   string
	ResourceID string
	Detail     []byte `gorm:"type:jsonb"`
	CreatedAt  time.Time
}

func (auditModel) TableName() string { return schema + ".audit_log" }

func toZoneModel(z domain.Zone) zoneModel {
	m := zoneModel{
		ID:          z.ID,
		Name:        z.Name,
		Description: z.Description,
		Kind:        string(z.Shape.Kind),
		IsActive:    z.IsActive,
		UnitID:      z.UnitID,
		CreatedBy:   z.CreatedBy,
		CreatedAt:   z.CreatedAt,
		UpdatedAt:   z.UpdatedAt,
	}
	switch z.Shape.Kind {
	case domain.ShapeCircle:
		lat, lng, r := z.Shape.Center.Lat, z.Shape.Center.Lng, z.Shape.RadiusMeters
		m.CenterLat, m.CenterLng, m.RadiusMeters = &lat, &lng, &r
	case domain.ShapePolygon:
		m.VertexLats = make(pq.Float64Array, len(z.Shape.Vertices))
		m.VertexLngs = make(pq.Float64Array, len(z.Shape.Vertices))
		for i, v := range z.Shape.Vertices {
			m.VertexLats[i], m.VertexLngs[i] = v.Lat, v.Lng
		}
	}
	return m
}

func (m zoneModel) toDomain() domain.Zone {
	z := domain.Zone{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		IsActive:    m.IsActive,
		UnitID:      m.UnitID,
		CreatedBy:   m.CreatedBy,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	switch domain.ShapeKind(m.Kind) {
	case domain.ShapeCircle:
		z.Shape = domain.ZoneShape{Kind: domain.ShapeCircle}
		if m.CenterLat != nil && m.CenterLng != nil {
			z.Shape.Center = geo.Coordinate{Lat: *m.CenterLat, Lng: *m.CenterLng}
		}
		if m.RadiusMeters != nil {
			z.Shape.RadiusMeters = *m.RadiusMeters
		}
	case domain.ShapePolygon:
		n := min(len(m.VertexLats), len(m.VertexLngs))
		vs := make([]geo.Coordinate, n)
		for i := range n {
			vs[i] = geo.Coordinate{Lat: m.VertexLats[i], Lng: m.VertexLngs[i]}
		}
		z.Shape = domain.ZoneShape{Kind: domain.ShapePolygon, Vertices: vs}
	default:
		z.Shape = domain.ZoneShape{Kind: domain.ShapeKind(m.Kind)}
	}
	return z
}

func toSoldierModel(s domain.Soldier) soldierModel {
	m := soldierModel{
		ID:                 s.ID,
		ServiceNumber:      s.ServiceNumber,
		FirstName:          s.FirstName,
		LastName:           s.LastName,
		RankCode:           s.RankCode,
		Role:               string(s.Role),
		UnitID:             s.UnitID,
		CurrentStatus:      string(s.Status),
		LastLocationUpdate: s.LastUpdate,
	}
	if s.LastKnown != nil {
		lat, lng := s.LastKnown.Lat, s.LastKnown.Lng
		m.LastKnownLat, m.LastKnownLng = &lat, &lng
	}
	return m
}

func (m soldierModel) toDomain() domain.Soldier {
	s := domain.Soldier{
		ID:            m.ID,
		ServiceNumber: m.ServiceNumber,
		FirstName:     m.FirstName,
		LastName:      m.LastName,
		RankCode:      m.RankCode,
		Role:          domain.Role(m.Role),
		UnitID:        m.UnitID,
		Status:        domain.PresenceStatus(m.CurrentStatus),
		LastUpdate:    m.LastLocationUpdate,
	}
	if m.LastKnownLat != nil && m.LastKnownLng != nil {
		s.LastKnown = &geo.Coordinate{Lat: *m.LastKnownLat, Lng: *m.LastKnownLng}
	}
	return s
}

func (m transitionModel) toDomain() domain.TransitionRecord {
	return domain.TransitionRecord{
		ID:             m.ID.String(),
		SoldierID:      m.SoldierID,
		ZoneID:         m.ZoneID,
		ZoneName:       m.ZoneName,
		Kind:           domain.TransitionKind(m.Kind),
		Location:       geo.Coordinate{Lat: m.Lat, Lng: m.Lng},
		AccuracyMeters: m.Accuracy,
		BatteryLevel:   m.BatteryLevel,
		Source:         domain.TransitionSource(m.Source),
		Timestamp:      m.Timestamp,
	}
}

func (m notificationModel) toDomain() domain.Alert {
	return domain.Alert{
		ID:          m.ID.String(),
		RecipientID: m.UserID,
		Type:        domain.AlertType(m.Type),
		Title:       m.Title,
		Body:        m.Body,
		RelatedID:   m.RelatedID,
		Read:        m.Read,
		CreatedAt:   m.CreatedAt,
	}
}
