package reconcile

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"lockpoint/internal/domain"
	"lockpoint/internal/store"
	"lockpoint/pkg/geo"
)

var (
	now        = time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	baseCenter = geo.Coordinate{Lat: 32.0, Lng: 34.8}
	// about 2 km north of the base center
	farAway = geo.Coordinate{Lat: 32.018, Lng: 34.8}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr[T any](v T) *T { return &v }

// newFixture seeds a platoon under a company, each with its own commander,
// and one 500 m base zone.
func newFixture(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s := store.New()
	s.SetClock(func() time.Time { return now })

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(s.UpsertUnit(ctx, domain.Unit{ID: "company", Name: "Company A", CommanderID: "cmd-company"}))
	must(s.UpsertUnit(ctx, domain.Unit{ID: "platoon", Name: "Platoon 1", ParentID: "company", CommanderID: "cmd-platoon"}))
	must(s.UpsertSoldier(ctx, domain.Soldier{ID: "cmd-platoon", LastName: "Cohen", Role: domain.RoleCommander, UnitID: "platoon"}))
	_, err := s.UpsertZone(ctx, domain.Zone{ID: "base", Name: "Main Base", IsActive: true, Shape: domain.Circle(baseCenter, 500)})
	must(err)
	return s
}

func addSoldier(t *testing.T, s *store.Store, sol domain.Soldier) {
	t.Helper()
	if sol.UnitID == "" {
		sol.UnitID = "platoon"
	}
	if err := s.UpsertSoldier(context.Background(), sol); err != nil {
		t.Fatal(err)
	}
	if sol.LastKnown != nil || sol.Status != "" {
		if err := s.UpdateSoldierStatus(context.Background(), sol.ID, sol.Status, sol.LastKnown, deref(sol.LastUpdate)); err != nil {
			t.Fatal(err)
		}
	}
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func newTestEngine(st Store, opts ...Option) *Engine {
	return NewEngine(st, DefaultConfig(), discardLogger(), opts...)
}

func alertsOfType(t *testing.T, s *store.Store, recipient string, kind domain.AlertType) []domain.Alert {
	t.Helper()
	all, err := s.ListAlerts(context.Background(), recipient, 1000)
	if err != nil {
		t.Fatal(err)
	}
	var out []domain.Alert
	for _, a := range all {
		if a.Type == kind {
			out = append(out, a)
		}
	}
	return out
}

type recordingBroadcaster struct {
	updates []domain.StatusUpdate
}

func (b *recordingBroadcaster) Broadcast(updates []domain.StatusUpdate) {
	b.updates = append(b.updates, updates...)
}
