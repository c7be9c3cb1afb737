// Package tracker runs live geofence sessions and persists what they detect.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lockpoint/internal/domain"
	"lockpoint/internal/geofence"
	"lockpoint/internal/observability"
	"lockpoint/internal/store"
	"lockpoint/pkg/geo"
)

var ErrInvalidSample = errors.New("invalid position sample")

type Store interface {
	GetSoldier(ctx context.Context, id string) (domain.Soldier, error)
	UpdateSoldierStatus(ctx context.Context, id string, status domain.PresenceStatus, loc *geo.Coordinate, at time.Time) error
	CreateTransition(ctx context.Context, rec domain.TransitionRecord) (domain.TransitionRecord, error)
	AppendAudit(ctx context.Context, entry domain.AuditEntry) error
}

type Broadcaster interface {
	Broadcast(updates []domain.StatusUpdate)
}

type Config struct {
	DistanceFilterMeters float64
	ZoneRefreshInterval  time.Duration
}

// IngestResult describes what one sample did
type IngestResult struct {
	Reported    bool                      `json:"reported"`
	Status      domain.PresenceStatus     `json:"status,omitempty"`
	ZoneID      string                    `json:"zoneId,omitempty"`
	Synced      bool                      `json:"synced,omitempty"`
	Transitions []domain.TransitionRecord `json:"transitions,omitempty"`
}

type session struct {
	mu      sync.Mutex
	filter  *geofence.Filter
	manager *geofence.TransitionManager
	unitID  string
	status  domain.PresenceStatus
	synced  bool
	// closed is set by Stop; a closed session never processes another sample
	closed bool
}

type Tracker struct {
	zones       store.ZoneSource
	store       Store
	broadcaster Broadcaster
	metrics     *observability.Collector
	config      Config
	logger      *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	zoneSet  []domain.Zone

	ready   bool
	readyMu sync.RWMutex
}

func New(zones store.ZoneSource, st Store, broadcaster Broadcaster, metrics *observability.Collector, cfg Config, logger *slog.Logger) *Tracker {
	if cfg.ZoneRefreshInterval <= 0 {
		cfg.ZoneRefreshInterval = time.Minute
	}
	return &Tracker{
		zones:       zones,
		store:       st,
		broadcaster: broadcaster,
		metrics:     metrics,
		config:      cfg,
		logger:      logger.With("component", "tracker"),
		sessions:    make(map[string]*session),
	}
}

// Run refreshes the zone set on ZoneRefreshInterval until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.config.ZoneRefreshInterval)
	defer ticker.Stop()

	t.refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.refresh(ctx)
		}
	}
}

func (t *Tracker) refresh(ctx context.Context) {
	if err := t.RefreshZones(ctx); err != nil {
		t.logger.Error("failed to refresh zones", "error", err)
	}
}

// RefreshZones reloads active zones and hands them to every open session.
func (t *Tracker) RefreshZones(ctx context.Context) error {
	zones, err := t.zones.ListActiveZones(ctx)
	if err != nil {
		return fmt.Errorf("list active zones: %w", err)
	}
	zones = domain.ActiveZones(zones)

	t.mu.Lock()
	t.zoneSet = zones
	sessions := make([]*session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		s.manager.SetZones(zones)
		s.mu.Unlock()
	}

	if !t.IsReady() {
		t.setReady(true)
		t.logger.Info("tracker ready", "zones", len(zones))
	}
	t.logger.Debug("zones refreshed", "zones", len(zones), "sessions", len(sessions))
	return nil
}

// Ingest runs one sample through the soldier's session. Samples for the
// same soldier are serialized; different soldiers proceed in parallel.
func (t *Tracker) Ingest(ctx context.Context, soldierID string, sample domain.PositionSample) (IngestResult, error) {
	if !geo.IsFinite(sample.Location) {
		t.metrics.ObserveSample(observability.OutcomeError)
		return IngestResult{}, fmt.Errorf("%w: non-finite coordinates", ErrInvalidSample)
	}
	if sample.AccuracyMeters < 0 {
		t.metrics.ObserveSample(observability.OutcomeError)
		return IngestResult{}, fmt.Errorf("%w: negative accuracy", ErrInvalidSample)
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}

	sess, err := t.lockSession(ctx, soldierID)
	if err != nil {
		t.metrics.ObserveSample(observability.OutcomeError)
		return IngestResult{}, err
	}
	defer sess.mu.Unlock()

	if !sess.filter.ShouldReport(sample.Location) {
		t.metrics.ObserveSample(observability.OutcomeFiltered)
		return IngestResult{Reported: false, Status: sess.status}, nil
	}

	result := IngestResult{Reported: true}
	events := sess.manager.ProcessSample(sample)
	for _, ev := range events {
		rec, err := t.store.CreateTransition(ctx, domain.RecordFromEvent(ev))
		if err != nil {
			t.logger.Error("failed to record transition", "soldier_id", soldierID, "zone_id", ev.ZoneID, "error", err)
			continue
		}
		result.Transitions = append(result.Transitions, rec)
		t.audit(ctx, domain.AuditEntry{
			UserID:     soldierID,
			Action:     domain.AuditGeofenceEvent,
			Resource:   "Transition",
			ResourceID: rec.ID,
			Detail:     map[string]string{"transition": string(rec.Kind), "zone_id": rec.ZoneID},
		})
	}

	zone, inside := domain.FirstContaining(sample.Location, sess.manager.Zones())
	status := domain.StatusFor(inside)
	result.Status = status
	result.ZoneID = zone.ID

	loc := sample.Location
	if err := t.store.UpdateSoldierStatus(ctx, soldierID, status, &loc, sample.Timestamp); err != nil {
		t.logger.Error("failed to update soldier status", "soldier_id", soldierID, "error", err)
	}

	if !sess.synced {
		sess.synced = true
		result.Synced = true
		if sess.status != status {
			t.audit(ctx, domain.AuditEntry{
				UserID:     soldierID,
				Action:     domain.AuditGeofenceSync,
				Resource:   "Soldier",
				ResourceID: soldierID,
				Detail:     map[string]string{"from": string(sess.status), "to": string(status), "zone_id": zone.ID},
			})
		}
	}
	sess.status = status

	if t.broadcaster != nil {
		update := domain.StatusUpdate{
			SoldierID: soldierID,
			UnitID:    sess.unitID,
			Status:    status,
			ZoneID:    zone.ID,
			ZoneName:  zone.Name,
			Location:  &loc,
			Timestamp: sample.Timestamp,
		}
		if n := len(events); n > 0 {
			update.Transition = events[n-1].Kind
		}
		t.broadcaster.Broadcast([]domain.StatusUpdate{update})
	}

	t.metrics.ObserveSample(observability.OutcomeReported)
	return result, nil
}

// session returns the soldier's session, opening one on first use.
func (t *Tracker) session(ctx context.Context, soldierID string) (*session, error) {
	t.mu.RLock()
	s, ok := t.sessions[soldierID]
	t.mu.RUnlock()
	if ok {
		return s, nil
	}

	soldier, err := t.store.GetSoldier(ctx, soldierID)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[soldierID]; ok {
		return s, nil
	}

	s = &session{
		filter:  geofence.NewFilter(t.config.DistanceFilterMeters),
		manager: geofence.NewTransitionManager(soldierID),
		unitID:  soldier.UnitID,
		status:  soldier.Status,
	}
	s.manager.SetZones(t.zoneSet)
	s.manager.OnTransition(func(ev domain.TransitionEvent) {
		t.metrics.ObserveTransition(string(ev.Kind), string(domain.SourceDevice))
		t.logger.Info("zone transition",
			"soldier_id", ev.SoldierID,
			"zone_id", ev.ZoneID,
			"transition", ev.Kind,
			"accuracy", ev.AccuracyMeters,
		)
	})

	t.sessions[soldierID] = s
	t.metrics.SetActiveSessions(len(t.sessions))
	t.logger.Debug("session opened", "soldier_id", soldierID, "unit_id", soldier.UnitID)
	return s, nil
}

// lockSession returns the soldier's open session with its mutex held. A session
// stopped between lookup and lock is discarded and a fresh one is opened.
func (t *Tracker) lockSession(ctx context.Context, soldierID string) (*session, error) {
	for {
		sess, err := t.session(ctx, soldierID)
		if err != nil {
			return nil, err
		}
		sess.mu.Lock()
		if !sess.closed {
			return sess, nil
		}
		sess.mu.Unlock()

		t.mu.Lock()
		if t.sessions[soldierID] == sess {
			delete(t.sessions, soldierID)
		}
		t.mu.Unlock()
	}
}

// Stop ends monitoring for a soldier. The next sample opens a fresh session
// whose first fix is a baseline.
func (t *Tracker) Stop(soldierID string) bool {
	t.mu.Lock()
	s, ok := t.sessions[soldierID]
	delete(t.sessions, soldierID)
	n := len(t.sessions)
	t.mu.Unlock()

	if !ok {
		return false
	}

	s.mu.Lock()
	s.closed = true
	s.manager.Reset()
	s.filter.Reset()
	s.mu.Unlock()

	t.metrics.SetActiveSessions(n)
	t.logger.Debug("session stopped", "soldier_id", soldierID)
	return true
}

func (t *Tracker) SessionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

func (t *Tracker) ZoneCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.zoneSet)
}

func (t *Tracker) audit(ctx context.Context, entry domain.AuditEntry) {
	if err := t.store.AppendAudit(ctx, entry); err != nil {
		t.logger.Warn("failed to write audit entry", "action", entry.Action, "error", err)
	}
}

func (t *Tracker) IsReady() bool {
	t.readyMu.RLock()
	defer t.readyMu.RUnlock()
	return t.ready
}

func (t *Tracker) setReady(ready bool) {
	t.readyMu.Lock()
	defer t.readyMu.Unlock()
	t.ready = ready
}
