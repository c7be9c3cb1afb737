package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"lockpoint/internal/domain"
	"lockpoint/pkg/geo"
)

type alertKey struct {
	recipient string
	kind      domain.AlertType
	related   string
}

// Store is an in-memory Repository. Reads return copies.
type Store struct {
	mu sync.RWMutex

	zones     map[string]*domain.Zone
	zoneOrder []string

	soldiers map[string]*domain.Soldier
	byUnit   map[string]map[string]struct{}
	units    map[string]*domain.Unit

	transitions []*domain.TransitionRecord
	byEventID   map[string]*domain.TransitionRecord
	reports     map[string]*domain.ExitReport

	alerts     []*domain.Alert
	byAlertKey map[alertKey][]*domain.Alert

	snapshots []domain.StatusSnapshot
	audit     []domain.AuditEntry

	now func() time.Time
}

var _ Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		zones:      make(map[string]*domain.Zone),
		soldiers:   make(map[string]*domain.Soldier),
		byUnit:     make(map[string]map[string]struct{}),
		units:      make(map[string]*domain.Unit),
		byEventID:  make(map[string]*domain.TransitionRecord),
		reports:    make(map[string]*domain.ExitReport),
		byAlertKey: make(map[alertKey][]*domain.Alert),
		now:        time.Now,
	}
}

// SetClock overrides the clock used for CreatedAt stamps
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) ListActiveZones(ctx context.Context) ([]domain.Zone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Zone, 0, len(s.zoneOrder))
	for _, id := range s.zoneOrder {
		if z := s.zones[id]; z.IsActive {
			result = append(result, copyZone(z))
		}
	}
	return result, nil
}

func (s *Store) ListZones(ctx context.Context) ([]domain.Zone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Zone, 0, len(s.zoneOrder))
	for _, id := range s.zoneOrder {
		result = append(result, copyZone(s.zones[id]))
	}
	return result, nil
}

func (s *Store) GetZone(ctx context.Context, id string) (domain.Zone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	z, ok := s.zones[id]
	if !ok {
		return domain.Zone{}, fmt.Errorf("zone %s: %w", id, ErrNotFound)
	}
	return copyZone(z), nil
}

func (s *Store) UpsertZone(ctx context.Context, zone domain.Zone) (domain.Zone, error) {
	if err := zone.Shape.Validate(); err != nil {
		return domain.Zone{}, fmt.Errorf("zone %s: %w", zone.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if zone.ID == "" {
		zone.ID = uuid.NewString()
	}
	existing, exists := s.zones[zone.ID]
	if exists {
		zone.CreatedAt = existing.CreatedAt
	} else {
		if zone.CreatedAt.IsZero() {
			zone.CreatedAt = now
		}
		s.zoneOrder = append(s.zoneOrder, zone.ID)
	}
	zone.UpdatedAt = now

	stored := copyZone(&zone)
	s.zones[zone.ID] = &stored
	return copyZone(&stored), nil
}

func (s *Store) GetSoldier(ctx context.Context, id string) (domain.Soldier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sol, ok := s.soldiers[id]
	if !ok {
		return domain.Soldier{}, fmt.Errorf("soldier %s: %w", id, ErrNotFound)
	}
	return copySoldier(sol), nil
}

func (s *Store) ListSoldiers(ctx context.Context, filter SoldierFilter) ([]domain.Soldier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := s.soldierCandidates(filter.UnitID)
	result := make([]domain.Soldier, 0, len(candidates))
	for id := range candidates {
		sol := s.soldiers[id]
		if filter.Status != "" && sol.Status != filter.Status {
			continue
		}
		if filter.Role != "" && sol.Role != filter.Role {
			continue
		}
		result = append(result, copySoldier(sol))
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) soldierCandidates(unitID string) map[string]struct{} {
	if unitID != "" {
		return s.byUnit[unitID]
	}
	result := make(map[string]struct{}, len(s.soldiers))
	for id := range s.soldiers {
		result[id] = struct{}{}
	}
	return result
}

func (s *Store) UpsertSoldier(ctx context.Context, soldier domain.Soldier) error {
	if soldier.ID == "" {
		return fmt.Errorf("soldier id is required")
	}
	if soldier.Status == "" {
		soldier.Status = domain.StatusUnknown
	}
	if soldier.Role == "" {
		soldier.Role = domain.RoleSoldier
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// presence is owned by UpdateSoldierStatus once the soldier exists
	if existing, ok := s.soldiers[soldier.ID]; ok {
		soldier.Status = existing.Status
		soldier.LastKnown = existing.LastKnown
		soldier.LastUpdate = existing.LastUpdate
		if existing.UnitID != soldier.UnitID {
			s.removeFromUnitIndex(existing.ID, existing.UnitID)
		}
	}
	stored := copySoldier(&soldier)
	s.soldiers[soldier.ID] = &stored
	if s.byUnit[soldier.UnitID] == nil {
		s.byUnit[soldier.UnitID] = make(map[string]struct{})
	}
	s.byUnit[soldier.UnitID][soldier.ID] = struct{}{}
	return nil
}

func (s *Store) removeFromUnitIndex(id, unitID string) {
	if s.byUnit[unitID] != nil {
		delete(s.byUnit[unitID], id)
		if len(s.byUnit[unitID]) == 0 {
			delete(s.byUnit, unitID)
		}
	}
}

func (s *Store) UpdateSoldierStatus(ctx context.Context, id string, status domain.PresenceStatus, loc *geo.Coordinate, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sol, ok := s.soldiers[id]
	if !ok {
		return fmt.Errorf("soldier %s: %w", id, ErrNotFound)
	}
	sol.Status = status
	if loc != nil {
		c := *loc
		sol.LastKnown = &c
	}
	if !at.IsZero() {
		t := at
		sol.LastUpdate = &t
	}
	return nil
}

func (s *Store) GetUnit(ctx context.Context, id string) (domain.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.units[id]
	if !ok {
		return domain.Unit{}, fmt.Errorf("unit %s: %w", id, ErrNotFound)
	}
	return *u, nil
}

func (s *Store) UpsertUnit(ctx context.Context, unit domain.Unit) error {
	if unit.ID == "" {
		return fmt.Errorf("unit id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u := unit
	s.units[unit.ID] = &u
	return nil
}

func (s *Store) CreateTransition(ctx context.Context, rec domain.TransitionRecord) (domain.TransitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if _, exists := s.byEventID[rec.ID]; exists {
		return domain.TransitionRecord{}, fmt.Errorf("transition %s already exists", rec.ID)
	}
	if rec.Source == "" {
		rec.Source = domain.SourceDevice
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}

	stored := rec
	s.transitions = append(s.transitions, &stored)
	s.byEventID[rec.ID] = &stored
	return rec, nil
}

func (s *Store) GetTransition(ctx context.Context, id string) (domain.TransitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byEventID[id]
	if !ok {
		return domain.TransitionRecord{}, fmt.Errorf("transition %s: %w", id, ErrNotFound)
	}
	return *rec, nil
}

// ListTransitions returns the newest records first.
func (s *Store) ListTransitions(ctx context.Context, soldierID string, limit int) ([]domain.TransitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = ListLimit(limit)
	var result []domain.TransitionRecord
	for i := len(s.transitions) - 1; i >= 0 && len(result) < limit; i-- {
		rec := s.transitions[i]
		if soldierID != "" && rec.SoldierID != soldierID {
			continue
		}
		result = append(result, *rec)
	}
	return result, nil
}

func (s *Store) FindUnreportedExits(ctx context.Context, olderThan time.Time) ([]domain.TransitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.TransitionRecord
	for _, rec := range s.transitions {
		if rec.Kind != domain.TransitionExit || !rec.Timestamp.Before(olderThan) {
			continue
		}
		if _, reported := s.reports[rec.ID]; reported {
			continue
		}
		result = append(result, *rec)
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })
	return result, nil
}

// CreateExitReport links a report to an EXIT record owned by the same soldier.
func (s *Store) CreateExitReport(ctx context.Context, report domain.ExitReport) (domain.ExitReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byEventID[report.EventID]
	if !ok {
		return domain.ExitReport{}, fmt.Errorf("transition %s: %w", report.EventID, ErrNotFound)
	}
	if rec.SoldierID != report.SoldierID {
		return domain.ExitReport{}, fmt.Errorf("transition %s belongs to another soldier: %w", report.EventID, ErrForbidden)
	}
	if _, exists := s.reports[report.EventID]; exists {
		return domain.ExitReport{}, fmt.Errorf("transition %s: %w", report.EventID, ErrAlreadyReported)
	}

	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = s.now()
	}
	stored := report
	s.reports[report.EventID] = &stored
	return report, nil
}

func (s *Store) AlertExists(ctx context.Context, q domain.AlertQuery) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alertExistsLocked(q), nil
}

func (s *Store) alertExistsLocked(q domain.AlertQuery) bool {
	for _, a := range s.byAlertKey[alertKey{q.RecipientID, q.Type, q.RelatedID}] {
		if q.Since.IsZero() || a.CreatedAt.After(q.Since) {
			return true
		}
	}
	return false
}

// CreateAlert records an alert. EXIT_NO_REPORT alerts are unique per key.
func (s *Store) CreateAlert(ctx context.Context, alert domain.Alert) (domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := alertKey{alert.RecipientID, alert.Type, alert.RelatedID}
	if alert.Type == domain.AlertExitNoReport && len(s.byAlertKey[key]) > 0 {
		return domain.Alert{}, ErrAlreadyNotified
	}

	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now()
	}

	stored := alert
	s.alerts = append(s.alerts, &stored)
	s.byAlertKey[key] = append(s.byAlertKey[key], &stored)
	return alert, nil
}

// ListAlerts returns the newest alerts first. An empty recipient lists everyone's.
func (s *Store) ListAlerts(ctx context.Context, recipientID string, limit int) ([]domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = ListLimit(limit)
	var result []domain.Alert
	for i := len(s.alerts) - 1; i >= 0 && len(result) < limit; i-- {
		a := s.alerts[i]
		if recipientID != "" && a.RecipientID != recipientID {
			continue
		}
		result = append(result, *a)
	}
	return result, nil
}

func (s *Store) AppendStatusSnapshots(ctx context.Context, rows []domain.StatusSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, row := range rows {
		if row.ID == "" {
			row.ID = uuid.NewString()
		}
		if row.CapturedAt.IsZero() {
			row.CapturedAt = now
		}
		if row.Location != nil {
			c := *row.Location
			row.Location = &c
		}
		s.snapshots = append(s.snapshots, row)
	}
	return nil
}

func (s *Store) CountSnapshots(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.snapshots)), nil
}

func (s *Store) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.audit = append(s.audit, entry)
	return nil
}

// Audit returns a copy of the audit log in append order.
func (s *Store) Audit() []domain.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditEntry, len(s.audit))
	copy(result, s.audit)
	return result
}

func copyZone(z *domain.Zone) domain.Zone {
	c := *z
	if z.Shape.Vertices != nil {
		c.Shape.Vertices = append([]geo.Coordinate(nil), z.Shape.Vertices...)
	}
	return c
}

func copySoldier(sol *domain.Soldier) domain.Soldier {
	c := *sol
	if sol.LastKnown != nil {
		loc := *sol.LastKnown
		c.LastKnown = &loc
	}
	if sol.LastUpdate != nil {
		t := *sol.LastUpdate
		c.LastUpdate = &t
	}
	return c
}
