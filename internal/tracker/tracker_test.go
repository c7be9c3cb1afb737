package tracker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"lockpoint/internal/domain"
	"lockpoint/internal/observability"
	"lockpoint/internal/store"
	"lockpoint/pkg/geo"
)

var (
	t0     = time.Date(2026, 6, 10, 8, 0, 0, 0, time.UTC)
	center = geo.Coordinate{Lat: 32.0, Lng: 34.8}
	// about 220 m north, inside the 500 m zone
	nearCenter = geo.Coordinate{Lat: 32.002, Lng: 34.8}
	// about 2 km north
	outside = geo.Coordinate{Lat: 32.018, Lng: 34.8}
)

type recordingBroadcaster struct {
	mu      sync.Mutex
	updates []domain.StatusUpdate
}

func (b *recordingBroadcaster) Broadcast(updates []domain.StatusUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, updates...)
}

func (b *recordingBroadcaster) last() domain.StatusUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updates[len(b.updates)-1]
}

func setup(t *testing.T, withZone bool) (*Tracker, *store.Store, *recordingBroadcaster) {
	t.Helper()
	ctx := context.Background()
	st := store.New()
	if err := st.UpsertSoldier(ctx, domain.Soldier{ID: "s1", LastName: "Levi", UnitID: "platoon"}); err != nil {
		t.Fatal(err)
	}
	if withZone {
		if _, err := st.UpsertZone(ctx, domain.Zone{ID: "base", Name: "Main Base", IsActive: true, Shape: domain.Circle(center, 500)}); err != nil {
			t.Fatal(err)
		}
	}
	b := &recordingBroadcaster{}
	tr := New(st, st, b, nil, Config{DistanceFilterMeters: 50}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := tr.RefreshZones(ctx); err != nil {
		t.Fatal(err)
	}
	return tr, st, b
}

func sample(loc geo.Coordinate, offset time.Duration) domain.PositionSample {
	return domain.PositionSample{Location: loc, AccuracyMeters: 8, Timestamp: t0.Add(offset)}
}

func TestIngestFirstSampleIsBaseline(t *testing.T) {
	tr, st, b := setup(t, true)
	ctx := context.Background()

	res, err := tr.Ingest(ctx, "s1", sample(center, 0))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Reported || !res.Synced {
		t.Fatalf("expected reported and synced, got %+v", res)
	}
	if len(res.Transitions) != 0 {
		t.Fatalf("baseline emitted %d transitions", len(res.Transitions))
	}
	if res.Status != domain.StatusInZone || res.ZoneID != "base" {
		t.Errorf("status = %s zone = %q", res.Status, res.ZoneID)
	}

	sol, _ := st.GetSoldier(ctx, "s1")
	if sol.Status != domain.StatusInZone || sol.LastUpdate == nil || !sol.LastUpdate.Equal(t0) {
		t.Errorf("soldier not updated: %+v", sol)
	}

	audit := st.Audit()
	if len(audit) != 1 || audit[0].Action != domain.AuditGeofenceSync {
		t.Fatalf("expected one GEOFENCE_SYNC entry, got %+v", audit)
	}
	if audit[0].Detail["from"] != string(domain.StatusUnknown) || audit[0].Detail["to"] != string(domain.StatusInZone) {
		t.Errorf("sync detail = %v", audit[0].Detail)
	}

	if got := b.last(); got.UnitID != "platoon" || got.Status != domain.StatusInZone || got.Transition != "" {
		t.Errorf("broadcast = %+v", got)
	}
}

func TestIngestFiltersSmallMoves(t *testing.T) {
	tr, _, b := setup(t, true)
	ctx := context.Background()

	if _, err := tr.Ingest(ctx, "s1", sample(center, 0)); err != nil {
		t.Fatal(err)
	}
	// about 22 m
	res, err := tr.Ingest(ctx, "s1", sample(geo.Coordinate{Lat: 32.0002, Lng: 34.8}, time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if res.Reported {
		t.Error("expected sample under the distance filter to be dropped")
	}
	if len(b.updates) != 1 {
		t.Errorf("filtered sample broadcast: %d updates", len(b.updates))
	}
}

func TestIngestPersistsExitAndEnter(t *testing.T) {
	tr, st, b := setup(t, true)
	ctx := context.Background()

	steps := []struct {
		loc    geo.Coordinate
		want   domain.TransitionKind
		status domain.PresenceStatus
	}{
		{center, "", domain.StatusInZone},
		{nearCenter, "", domain.StatusInZone},
		{outside, domain.TransitionExit, domain.StatusOutOfZone},
		{center, domain.TransitionEnter, domain.StatusInZone},
	}
	for i, step := range steps {
		res, err := tr.Ingest(ctx, "s1", sample(step.loc, time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if res.Status != step.status {
			t.Errorf("step %d: status = %s, want %s", i, res.Status, step.status)
		}
		if step.want == "" {
			if len(res.Transitions) != 0 {
				t.Errorf("step %d: unexpected transitions %+v", i, res.Transitions)
			}
			continue
		}
		if len(res.Transitions) != 1 || res.Transitions[0].Kind != step.want {
			t.Fatalf("step %d: transitions = %+v, want one %s", i, res.Transitions, step.want)
		}
		if got := b.last().Transition; got != step.want {
			t.Errorf("step %d: broadcast transition = %s", i, got)
		}
	}

	records, err := st.ListTransitions(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 stored transitions, got %d", len(records))
	}
	for _, rec := range records {
		if rec.Source != domain.SourceDevice || rec.ZoneID != "base" || rec.AccuracyMeters != 8 {
			t.Errorf("unexpected record %+v", rec)
		}
	}

	var events int
	for _, e := range st.Audit() {
		if e.Action == domain.AuditGeofenceEvent {
			events++
		}
	}
	if events != 2 {
		t.Errorf("expected 2 GEOFENCE_EVENT entries, got %d", events)
	}
}

func TestIngestSyncAuditOnlyOnStatusChange(t *testing.T) {
	tr, st, _ := setup(t, true)
	ctx := context.Background()
	if err := st.UpdateSoldierStatus(ctx, "s1", domain.StatusInZone, &center, t0); err != nil {
		t.Fatal(err)
	}

	res, err := tr.Ingest(ctx, "s1", sample(center, time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Synced {
		t.Error("expected first sample to be marked synced")
	}
	if n := len(st.Audit()); n != 0 {
		t.Errorf("expected no audit when status is unchanged, got %d", n)
	}
}

func TestIngestRejectsBadInput(t *testing.T) {
	tr, _, _ := setup(t, true)
	ctx := context.Background()

	_, err := tr.Ingest(ctx, "s1", sample(geo.Coordinate{Lat: math.NaN(), Lng: 34.8}, 0))
	if !errors.Is(err, ErrInvalidSample) {
		t.Errorf("NaN: expected ErrInvalidSample, got %v", err)
	}

	bad := sample(center, 0)
	bad.AccuracyMeters = -1
	if _, err := tr.Ingest(ctx, "s1", bad); !errors.Is(err, ErrInvalidSample) {
		t.Errorf("negative accuracy: expected ErrInvalidSample, got %v", err)
	}

	if _, err := tr.Ingest(ctx, "ghost", sample(center, 0)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown soldier: expected ErrNotFound, got %v", err)
	}
	if tr.SessionCount() != 0 {
		t.Errorf("rejected samples opened %d sessions", tr.SessionCount())
	}
}

func TestStopResetsBaseline(t *testing.T) {
	tr, st, _ := setup(t, true)
	ctx := context.Background()

	if _, err := tr.Ingest(ctx, "s1", sample(center, 0)); err != nil {
		t.Fatal(err)
	}
	if !tr.Stop("s1") {
		t.Fatal("expected an open session to stop")
	}
	if tr.Stop("s1") {
		t.Error("second Stop should report no session")
	}

	res, err := tr.Ingest(ctx, "s1", sample(outside, time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Transitions) != 0 {
		t.Errorf("sample after Stop should be a baseline, got %+v", res.Transitions)
	}
	if !res.Synced || res.Status != domain.StatusOutOfZone {
		t.Errorf("unexpected result %+v", res)
	}
	records, _ := st.ListTransitions(ctx, "s1", 0)
	if len(records) != 0 {
		t.Errorf("expected no stored transitions, got %d", len(records))
	}
}

func TestIngestSkipsStoppedSession(t *testing.T) {
	tr, st, _ := setup(t, true)
	ctx := context.Background()

	if _, err := tr.Ingest(ctx, "s1", sample(center, 0)); err != nil {
		t.Fatal(err)
	}
	tr.mu.RLock()
	stale := tr.sessions["s1"]
	tr.mu.RUnlock()

	// a Stop that lands after an Ingest looked the session up
	stale.mu.Lock()
	stale.closed = true
	stale.mu.Unlock()

	res, err := tr.Ingest(ctx, "s1", sample(outside, time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Transitions) != 0 || !res.Synced {
		t.Errorf("sample on a stopped session should open a fresh baseline, got %+v", res)
	}
	tr.mu.RLock()
	current := tr.sessions["s1"]
	tr.mu.RUnlock()
	if current == stale || current == nil {
		t.Error("stopped session is still in use")
	}
	if records, _ := st.ListTransitions(ctx, "s1", 0); len(records) != 0 {
		t.Errorf("stopped session persisted %d transitions", len(records))
	}
	if tr.Stop("s1"); !current.closed {
		t.Error("Stop should close the session")
	}
}

func TestRefreshZonesReachesOpenSessions(t *testing.T) {
	tr, st, _ := setup(t, false)
	ctx := context.Background()

	if !tr.IsReady() {
		t.Fatal("tracker should be ready after the first refresh")
	}
	res, err := tr.Ingest(ctx, "s1", sample(outside, 0))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.StatusOutOfZone {
		t.Fatalf("with no zones status should be out_of_zone, got %s", res.Status)
	}

	if _, err := st.UpsertZone(ctx, domain.Zone{ID: "base", Name: "Main Base", IsActive: true, Shape: domain.Circle(center, 500)}); err != nil {
		t.Fatal(err)
	}
	if err := tr.RefreshZones(ctx); err != nil {
		t.Fatal(err)
	}
	if tr.ZoneCount() != 1 {
		t.Fatalf("zone count = %d", tr.ZoneCount())
	}

	res, err = tr.Ingest(ctx, "s1", sample(center, time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Transitions) != 1 || res.Transitions[0].Kind != domain.TransitionEnter {
		t.Fatalf("expected ENTER after refresh, got %+v", res.Transitions)
	}
}

func TestIngestRecordsMetrics(t *testing.T) {
	ctx := context.Background()
	st := store.New()
	if err := st.UpsertSoldier(ctx, domain.Soldier{ID: "s1", UnitID: "platoon"}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.UpsertZone(ctx, domain.Zone{ID: "base", IsActive: true, Shape: domain.Circle(center, 500)}); err != nil {
		t.Fatal(err)
	}
	m, err := observability.NewCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	tr := New(st, st, nil, m, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := tr.RefreshZones(ctx); err != nil {
		t.Fatal(err)
	}

	for i, loc := range []geo.Coordinate{center, center, outside} {
		if _, err := tr.Ingest(ctx, "s1", sample(loc, time.Duration(i)*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}

	if got := testutil.ToFloat64(m.SamplesTotal.WithLabelValues(observability.OutcomeReported)); got != 2 {
		t.Errorf("reported samples = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SamplesTotal.WithLabelValues(observability.OutcomeFiltered)); got != 1 {
		t.Errorf("filtered samples = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("EXIT", "device")); got != 1 {
		t.Errorf("device EXIT transitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("active sessions = %v, want 1", got)
	}
}
