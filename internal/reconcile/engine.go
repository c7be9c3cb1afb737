// Package reconcile cross-checks stored presence against zone geometry,
// raises deduplicated alerts up the unit hierarchy and captures snapshots.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lockpoint/internal/domain"
	"lockpoint/internal/observability"
	"lockpoint/internal/store"
	"lockpoint/pkg/geo"
)

// Store is the slice of the repository the engine reads and writes
type Store interface {
	UnitReader
	ListActiveZones(ctx context.Context) ([]domain.Zone, error)
	GetSoldier(ctx context.Context, id string) (domain.Soldier, error)
	ListSoldiers(ctx context.Context, filter store.SoldierFilter) ([]domain.Soldier, error)
	UpdateSoldierStatus(ctx context.Context, id string, status domain.PresenceStatus, loc *geo.Coordinate, at time.Time) error
	CreateTransition(ctx context.Context, rec domain.TransitionRecord) (domain.TransitionRecord, error)
	FindUnreportedExits(ctx context.Context, olderThan time.Time) ([]domain.TransitionRecord, error)
	AlertExists(ctx context.Context, q domain.AlertQuery) (bool, error)
	CreateAlert(ctx context.Context, alert domain.Alert) (domain.Alert, error)
	AppendStatusSnapshots(ctx context.Context, rows []domain.StatusSnapshot) error
	AppendAudit(ctx context.Context, entry domain.AuditEntry) error
}

type Broadcaster interface {
	Broadcast(updates []domain.StatusUpdate)
}

type Config struct {
	ExitNoReportAfter      time.Duration
	UnknownFirstAlertAfter time.Duration
	UnknownRepeatAfter     time.Duration
	HierarchyMaxDepth      int
}

func DefaultConfig() Config {
	return Config{
		ExitNoReportAfter:      10 * time.Minute,
		UnknownFirstAlertAfter: 15 * time.Minute,
		UnknownRepeatAfter:     10 * time.Minute,
		HierarchyMaxDepth:      DefaultMaxDepth,
	}
}

// Result reports per-pass counts. RuleB and RuleC count alerts created,
// RuleD counts correction alerts and Corrections the statuses rewritten.
type Result struct {
	RuleB       int       `json:"ruleB"`
	RuleC       int       `json:"ruleC"`
	RuleD       int       `json:"ruleD"`
	Corrections int       `json:"corrections"`
	Snapshots   int       `json:"snapshots"`
	Errors      int       `json:"errors"`
	StartedAt   time.Time `json:"startedAt"`
	DurationMS  int64     `json:"durationMs"`
}

type Engine struct {
	store       Store
	resolver    *CommanderResolver
	cfg         Config
	logger      *slog.Logger
	metrics     *observability.Collector
	broadcaster Broadcaster
	tracer      trace.Tracer

	mu   sync.RWMutex
	last *Result
}

type Option func(*Engine)

func WithMetrics(m *observability.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithBroadcaster pushes corrections to live subscribers
func WithBroadcaster(b Broadcaster) Option {
	return func(e *Engine) { e.broadcaster = b }
}

func NewEngine(st Store, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.ExitNoReportAfter <= 0 {
		cfg.ExitNoReportAfter = def.ExitNoReportAfter
	}
	if cfg.UnknownFirstAlertAfter <= 0 {
		cfg.UnknownFirstAlertAfter = def.UnknownFirstAlertAfter
	}
	if cfg.UnknownRepeatAfter <= 0 {
		cfg.UnknownRepeatAfter = def.UnknownRepeatAfter
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		store:    st,
		resolver: NewCommanderResolver(st, cfg.HierarchyMaxDepth),
		cfg:      cfg,
		logger:   logger.With("component", "reconcile"),
		tracer:   observability.Tracer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// run carries the state of one invocation
type run struct {
	now        time.Time
	res        Result
	commanders map[string][]string
}

func (r *run) fail() { r.res.Errors++ }

// Run executes passes B, C, D and the snapshot in order. Item failures are
// logged and counted; only context cancellation returns an error.
func (e *Engine) Run(ctx context.Context, now time.Time) (Result, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "reconcile.Run")
	defer span.End()

	r := &run{
		now:        now,
		res:        Result{StartedAt: now},
		commanders: make(map[string][]string),
	}

	passes := []struct {
		name string
		fn   func(context.Context, *run)
	}{
		{"unreported_exit", e.passUnreportedExits},
		{"stale_unknown", e.passStaleUnknown},
		{"spatial", e.passSpatial},
		{"snapshot", e.captureSnapshot},
	}

	var runErr error
	for _, p := range passes {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		pctx, pspan := e.tracer.Start(ctx, "reconcile."+p.name)
		errsBefore := r.res.Errors
		p.fn(pctx, r)
		pspan.SetAttributes(attribute.Int("lockpoint.item_errors", r.res.Errors-errsBefore))
		pspan.End()
	}
	if runErr == nil {
		runErr = ctx.Err()
	}

	r.res.DurationMS = time.Since(start).Milliseconds()

	outcome := "ok"
	switch {
	case runErr != nil:
		outcome = "cancelled"
		span.SetStatus(codes.Error, runErr.Error())
	case r.res.Errors > 0:
		outcome = "partial"
	}
	span.SetAttributes(
		attribute.Int("lockpoint.rule_b", r.res.RuleB),
		attribute.Int("lockpoint.rule_c", r.res.RuleC),
		attribute.Int("lockpoint.rule_d", r.res.RuleD),
		attribute.Int("lockpoint.snapshots", r.res.Snapshots),
		attribute.Int("lockpoint.errors", r.res.Errors),
	)
	e.metrics.ObserveReconcile(outcome, time.Since(start), r.res.RuleB, r.res.RuleC, r.res.RuleD, r.res.Snapshots)

	e.logger.Info("reconciliation finished",
		"outcome", outcome,
		"rule_b", r.res.RuleB,
		"rule_c", r.res.RuleC,
		"rule_d", r.res.RuleD,
		"corrections", r.res.Corrections,
		"snapshots", r.res.Snapshots,
		"errors", r.res.Errors,
		"duration_ms", r.res.DurationMS,
	)

	res := r.res
	e.mu.Lock()
	e.last = &res
	e.mu.Unlock()

	if runErr != nil {
		return res, fmt.Errorf("reconciliation interrupted: %w", runErr)
	}
	return res, nil
}

// LastResult returns the most recent run's result
func (e *Engine) LastResult() (Result, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return Result{}, false
	}
	return *e.last, true
}

func (e *Engine) recordError(r *run, pass string, msg string, err error, args ...any) {
	r.fail()
	e.metrics.ObserveReconcileError(pass)
	e.logger.Warn(msg, append(args, "pass", pass, "error", err)...)
}

// recipients resolves and memoizes commander ids for a unit within one run.
func (e *Engine) recipients(ctx context.Context, r *run, unitID string) ([]string, error) {
	if ids, ok := r.commanders[unitID]; ok {
		return ids, nil
	}
	ids, err := e.resolver.Resolve(ctx, unitID)
	if errors.Is(err, ErrHierarchyCycle) {
		e.logger.Warn("unit hierarchy has a cycle, using commanders found so far", "unit_id", unitID, "error", err)
		err = nil
	}
	if err != nil {
		return nil, err
	}
	r.commanders[unitID] = ids
	return ids, nil
}

func (e *Engine) passUnreportedExits(ctx context.Context, r *run) {
	const pass = "B"
	exits, err := e.store.FindUnreportedExits(ctx, r.now.Add(-e.cfg.ExitNoReportAfter))
	if err != nil {
		e.recordError(r, pass, "find unreported exits failed", err)
		return
	}

	minutes := int(e.cfg.ExitNoReportAfter.Minutes())
	for _, ev := range exits {
		if ctx.Err() != nil {
			return
		}

		soldier, err := e.store.GetSoldier(ctx, ev.SoldierID)
		if err != nil {
			e.recordError(r, pass, "load soldier for exit failed", err, "event_id", ev.ID, "soldier_id", ev.SoldierID)
			continue
		}
		ids, err := e.recipients(ctx, r, soldier.UnitID)
		if err != nil {
			e.recordError(r, pass, "resolve commanders failed", err, "unit_id", soldier.UnitID)
			continue
		}

		for _, recipient := range ids {
			exists, err := e.store.AlertExists(ctx, domain.AlertQuery{
				RecipientID: recipient,
				Type:        domain.AlertExitNoReport,
				RelatedID:   ev.ID,
			})
			if err != nil {
				e.recordError(r, pass, "alert lookup failed", err, "event_id", ev.ID, "recipient_id", recipient)
				continue
			}
			if exists {
				continue
			}

			_, err = e.store.CreateAlert(ctx, domain.Alert{
				RecipientID: recipient,
				Type:        domain.AlertExitNoReport,
				Title:       fmt.Sprintf("%s: exit without report", soldier.DisplayName()),
				Body:        fmt.Sprintf("Left %s more than %d minutes ago without filing an exit report.", zoneLabel(ev.ZoneName, ev.ZoneID), minutes),
				RelatedID:   ev.ID,
				CreatedAt:   r.now,
			})
			if errors.Is(err, store.ErrAlreadyNotified) {
				continue
			}
			if err != nil {
				e.recordError(r, pass, "create alert failed", err, "event_id", ev.ID, "recipient_id", recipient)
				continue
			}
			r.res.RuleB++
		}
	}
}

func (e *Engine) passStaleUnknown(ctx context.Context, r *run) {
	const pass = "C"
	soldiers, err := e.store.ListSoldiers(ctx, store.SoldierFilter{Status: domain.StatusUnknown, Role: domain.RoleSoldier})
	if err != nil {
		e.recordError(r, pass, "list unknown soldiers failed", err)
		return
	}

	threshold := r.now.Add(-e.cfg.UnknownFirstAlertAfter)
	cooldown := r.now.Add(-e.cfg.UnknownRepeatAfter)

	for _, soldier := range soldiers {
		if ctx.Err() != nil {
			return
		}
		if soldier.LastUpdate != nil && !soldier.LastUpdate.Before(threshold) {
			continue
		}

		ids, err := e.recipients(ctx, r, soldier.UnitID)
		if err != nil {
			e.recordError(r, pass, "resolve commanders failed", err, "unit_id", soldier.UnitID)
			continue
		}

		body := "Has never reported a location. Check on them."
		if soldier.LastUpdate != nil {
			mins := int(math.Round(r.now.Sub(*soldier.LastUpdate).Minutes()))
			body = fmt.Sprintf("No location reported for %d minutes. Check on them.", mins)
		}

		for _, recipient := range ids {
			recent, err := e.store.AlertExists(ctx, domain.AlertQuery{
				RecipientID: recipient,
				Type:        domain.AlertUnknownStatus,
				RelatedID:   soldier.ID,
				Since:       cooldown,
			})
			if err != nil {
				e.recordError(r, pass, "alert lookup failed", err, "soldier_id", soldier.ID, "recipient_id", recipient)
				continue
			}
			if recent {
				continue
			}

			if _, err := e.store.CreateAlert(ctx, domain.Alert{
				RecipientID: recipient,
				Type:        domain.AlertUnknownStatus,
				Title:       fmt.Sprintf("%s: location unknown", soldier.DisplayName()),
				Body:        body,
				RelatedID:   soldier.ID,
				CreatedAt:   r.now,
			}); err != nil {
				e.recordError(r, pass, "create alert failed", err, "soldier_id", soldier.ID, "recipient_id", recipient)
				continue
			}
			r.res.RuleC++
		}
	}
}

func (e *Engine) passSpatial(ctx context.Context, r *run) {
	const pass = "D"
	zones, err := e.store.ListActiveZones(ctx)
	if err != nil {
		e.recordError(r, pass, "list zones failed", err)
		return
	}
	// With no active zones every located soldier is spatially out of zone.
	zones = domain.ActiveZones(zones)

	soldiers, err := e.store.ListSoldiers(ctx, store.SoldierFilter{Role: domain.RoleSoldier})
	if err != nil {
		e.recordError(r, pass, "list soldiers failed", err)
		return
	}

	for _, soldier := range soldiers {
		if ctx.Err() != nil {
			return
		}
		if soldier.LastKnown == nil || soldier.Status == domain.StatusUnknown {
			continue
		}

		zone, inside := domain.FirstContaining(*soldier.LastKnown, zones)
		spatial := domain.StatusFor(inside)
		if spatial == soldier.Status {
			continue
		}

		if err := e.correct(ctx, r, soldier, spatial, zone, inside, zones); err != nil {
			e.recordError(r, pass, "status correction failed", err, "soldier_id", soldier.ID)
		}
	}
}

// correct appends a server transition, notifies the commander chain and
// rewrites the drifted status last, so a failed step leaves the mismatch in
// place for the next run. Position and last-update time are left as the
// device reported them.
func (e *Engine) correct(ctx context.Context, r *run, soldier domain.Soldier, spatial domain.PresenceStatus, zone domain.Zone, inside bool, zones []domain.Zone) error {
	pos := *soldier.LastKnown
	at := r.now
	if soldier.LastUpdate != nil {
		at = *soldier.LastUpdate
	}

	kind := domain.TransitionEnter
	if !inside {
		kind = domain.TransitionExit
		if nearest, ok := domain.NearestZone(pos, zones); ok {
			zone = nearest.Zone
		}
	}

	ids, err := e.recipients(ctx, r, soldier.UnitID)
	if err != nil {
		return fmt.Errorf("resolve commanders: %w", err)
	}

	rec, err := e.store.CreateTransition(ctx, domain.TransitionRecord{
		SoldierID:      soldier.ID,
		ZoneID:         zone.ID,
		ZoneName:       zone.Name,
		Kind:           kind,
		Location:       pos,
		AccuracyMeters: 0,
		Source:         domain.SourceServer,
		Timestamp:      r.now,
	})
	if err != nil {
		return fmt.Errorf("record corrective transition: %w", err)
	}
	e.metrics.ObserveTransition(string(kind), string(domain.SourceServer))

	body := fmt.Sprintf("Status changed from %s to %s based on the last known position (%s).",
		soldier.Status, spatial, zoneLabel(zone.Name, zone.ID))

	var alertErr error
	for _, recipient := range ids {
		if _, err := e.store.CreateAlert(ctx, domain.Alert{
			RecipientID: recipient,
			Type:        domain.AlertStatusCorrection,
			Title:       fmt.Sprintf("%s: status corrected", soldier.DisplayName()),
			Body:        body,
			RelatedID:   soldier.ID,
			CreatedAt:   r.now,
		}); err != nil {
			if alertErr == nil {
				alertErr = fmt.Errorf("create correction alert for %s: %w", recipient, err)
			}
			continue
		}
		r.res.RuleD++
	}
	if alertErr != nil {
		return alertErr
	}

	if err := e.store.UpdateSoldierStatus(ctx, soldier.ID, spatial, &pos, at); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	r.res.Corrections++

	if err := e.store.AppendAudit(ctx, domain.AuditEntry{
		Action:     domain.AuditStatusCorrection,
		Resource:   "Soldier",
		ResourceID: soldier.ID,
		Detail: map[string]string{
			"from":          string(soldier.Status),
			"to":            string(spatial),
			"transition_id": rec.ID,
		},
		CreatedAt: r.now,
	}); err != nil {
		e.logger.Warn("audit write failed", "soldier_id", soldier.ID, "error", err)
	}

	e.logger.Info("status corrected",
		"soldier_id", soldier.ID,
		"from", soldier.Status,
		"to", spatial,
		"zone_id", zone.ID,
	)

	if e.broadcaster != nil {
		e.broadcaster.Broadcast([]domain.StatusUpdate{{
			SoldierID:  soldier.ID,
			UnitID:     soldier.UnitID,
			Status:     spatial,
			ZoneID:     zone.ID,
			ZoneName:   zone.Name,
			Transition: kind,
			Location:   &pos,
			Corrected:  true,
			Timestamp:  r.now,
		}})
	}
	return nil
}

func (e *Engine) captureSnapshot(ctx context.Context, r *run) {
	const pass = "snapshot"
	soldiers, err := e.store.ListSoldiers(ctx, store.SoldierFilter{Role: domain.RoleSoldier})
	if err != nil {
		e.recordError(r, pass, "list soldiers for snapshot failed", err)
		return
	}
	if len(soldiers) == 0 {
		return
	}

	rows := make([]domain.StatusSnapshot, 0, len(soldiers))
	for _, s := range soldiers {
		rows = append(rows, domain.StatusSnapshot{
			SoldierID:  s.ID,
			UnitID:     s.UnitID,
			Status:     s.Status,
			Location:   s.LastKnown,
			CapturedAt: r.now,
		})
	}

	if err := e.store.AppendStatusSnapshots(ctx, rows); err != nil {
		e.recordError(r, pass, "append snapshots failed", err, "rows", len(rows))
		return
	}
	r.res.Snapshots = len(rows)
}

func zoneLabel(name, id string) string {
	if name != "" {
		return name
	}
	if id != "" {
		return id
	}
	return "the zone"
}
