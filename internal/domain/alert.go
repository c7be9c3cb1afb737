package domain

import "time"

type AlertType string

const (
	AlertExitNoReport     AlertType = "EXIT_NO_REPORT"
	AlertUnknownStatus    AlertType = "UNKNOWN_STATUS"
	AlertStatusCorrection AlertType = "STATUS_CORRECTION"
)

// Alert is a notification record. (RecipientID, Type, RelatedID) is the dedup key.
type Alert struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipientId"`
	Type        AlertType `json:"type"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	RelatedID   string    `json:"relatedId"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AlertQuery matches alerts by dedup key. A non-zero Since only matches
// alerts created strictly after it.
type AlertQuery struct {
	RecipientID string
	Type        AlertType
	RelatedID   string
	Since       time.Time
}

type AuditAction string

const (
	AuditGeofenceEvent    AuditAction = "GEOFENCE_EVENT"
	AuditGeofenceSync     AuditAction = "GEOFENCE_SYNC"
	AuditSubmitReport     AuditAction = "SUBMIT_REPORT"
	AuditStatusCorrection AuditAction = "STATUS_CORRECTION"
)

// AuditEntry is an append-only audit record
type AuditEntry struct {
	ID         string            `json:"id"`
	UserID     string            `json:"userId,omitempty"`
	Action     AuditAction       `json:"action"`
	Resource   string            `json:"resource,omitempty"`
	ResourceID string            `json:"resourceId,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}
