package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"lockpoint/internal/domain"
	"lockpoint/internal/store"
	"lockpoint/pkg/geo"
)

var testStore *Store

func TestMain(m *testing.M) {
	_ = godotenv.Load("../../../.env.local")

	dsn := os.Getenv("LOCKPOINT_TEST_DATABASE_URL")
	if dsn == "" {
		os.Exit(m.Run())
	}

	s, err := Open(context.Background(), Options{DSN: dsn})
	if err != nil {
		panic(err)
	}
	testStore = s
	code := m.Run()
	s.Close()
	os.Exit(code)
}

func requireDB(t *testing.T) *Store {
	t.Helper()
	if testStore == nil {
		t.Skip("LOCKPOINT_TEST_DATABASE_URL not set")
	}
	return testStore
}

// unique ids keep test runs independent on a shared database
func testID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func TestZoneRoundTrip(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()

	square := []geo.Coordinate{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 1}, {Lat: 1, Lng: 1}, {Lat: 1, Lng: 0}}
	poly, err := s.UpsertZone(ctx, domain.Zone{ID: testID("poly"), Name: "square", IsActive: true, Shape: domain.Polygon(square)})
	if err != nil {
		t.Fatalf("UpsertZone: %v", err)
	}
	if len(poly.Shape.Vertices) != 4 || poly.Shape.Vertices[2] != (geo.Coordinate{Lat: 1, Lng: 1}) {
		t.Errorf("vertices = %+v", poly.Shape.Vertices)
	}

	circ, err := s.UpsertZone(ctx, domain.Zone{ID: testID("circ"), Name: "base", IsActive: true, Shape: domain.Circle(geo.Coordinate{Lat: 32, Lng: 34.8}, 500)})
	if err != nil {
		t.Fatalf("UpsertZone: %v", err)
	}
	if circ.Shape.RadiusMeters != 500 || !circ.Contains(geo.Coordinate{Lat: 32, Lng: 34.8}) {
		t.Errorf("circle = %+v", circ.Shape)
	}

	if _, err := s.GetZone(ctx, "missing-zone"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetZone missing err = %v", err)
	}
}

func TestZoneDeactivation(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()
	shape := domain.Circle(geo.Coordinate{Lat: 31.9, Lng: 34.9}, 200)

	idle, err := s.UpsertZone(ctx, domain.Zone{ID: testID("idle"), Name: "idle", IsActive: false, Shape: shape})
	if err != nil {
		t.Fatalf("UpsertZone inactive: %v", err)
	}
	if idle.IsActive {
		t.Error("inactive zone stored as active")
	}

	id := testID("live")
	if _, err := s.UpsertZone(ctx, domain.Zone{ID: id, Name: "live", IsActive: true, Shape: shape}); err != nil {
		t.Fatal(err)
	}
	off, err := s.UpsertZone(ctx, domain.Zone{ID: id, Name: "live", IsActive: false, Shape: shape})
	if err != nil {
		t.Fatalf("UpsertZone deactivate: %v", err)
	}
	if off.IsActive {
		t.Error("deactivated zone still active")
	}

	active, err := s.ListActiveZones(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, z := range active {
		if z.ID == id || z.ID == idle.ID {
			t.Errorf("inactive zone %s listed as active", z.ID)
		}
	}
}

func TestExitNoReportDedupIndex(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()

	a := domain.Alert{RecipientID: testID("cmd"), Type: domain.AlertExitNoReport, RelatedID: uuid.NewString(), Title: "t"}
	if _, err := s.CreateAlert(ctx, a); err != nil {
		t.Fatalf("first CreateAlert: %v", err)
	}
	if _, err := s.CreateAlert(ctx, a); !errors.Is(err, store.ErrAlreadyNotified) {
		t.Errorf("second CreateAlert err = %v, want ErrAlreadyNotified", err)
	}

	ok, err := s.AlertExists(ctx, domain.AlertQuery{RecipientID: a.RecipientID, Type: a.Type, RelatedID: a.RelatedID})
	if err != nil || !ok {
		t.Errorf("AlertExists = %v, %v", ok, err)
	}
}

func TestUnreportedExitsAndReports(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()
	soldierID := testID("sol")
	now := time.Now().UTC()

	exit, err := s.CreateTransition(ctx, domain.TransitionRecord{SoldierID: soldierID, ZoneID: "z", Kind: domain.TransitionExit, Timestamp: now.Add(-time.Hour)})
	if err != nil {
		t.Fatal(err)
	}

	exits, err := s.FindUnreportedExits(ctx, now.Add(-10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if !containsRecord(exits, exit.ID) {
		t.Fatalf("exit %s missing from unreported list", exit.ID)
	}

	if _, err := s.CreateExitReport(ctx, domain.ExitReport{SoldierID: "someone-else", EventID: exit.ID}); !errors.Is(err, store.ErrForbidden) {
		t.Errorf("foreign report err = %v", err)
	}
	if _, err := s.CreateExitReport(ctx, domain.ExitReport{SoldierID: soldierID, EventID: exit.ID, Reason: domain.ReasonTraining}); err != nil {
		t.Fatalf("CreateExitReport: %v", err)
	}
	if _, err := s.CreateExitReport(ctx, domain.ExitReport{SoldierID: soldierID, EventID: exit.ID}); !errors.Is(err, store.ErrAlreadyReported) {
		t.Errorf("second report err = %v", err)
	}

	exits, _ = s.FindUnreportedExits(ctx, now.Add(-10*time.Minute))
	if containsRecord(exits, exit.ID) {
		t.Error("reported exit still listed")
	}
}

func TestSoldierStatusUpdate(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()
	id := testID("sol")

	if err := s.UpsertSoldier(ctx, domain.Soldier{ID: id, LastName: "Levi", UnitID: "u"}); err != nil {
		t.Fatal(err)
	}
	loc := geo.Coordinate{Lat: 31.5, Lng: 34.5}
	at := time.Now().UTC().Truncate(time.Microsecond)
	if err := s.UpdateSoldierStatus(ctx, id, domain.StatusOutOfZone, &loc, at); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSoldier(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusOutOfZone || got.LastKnown == nil || *got.LastKnown != loc {
		t.Errorf("soldier = %+v", got)
	}
	if err := s.UpdateSoldierStatus(ctx, testID("ghost"), domain.StatusInZone, nil, at); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing soldier err = %v", err)
	}
}

func containsRecord(recs []domain.TransitionRecord, id string) bool {
	for _, r := range recs {
		if r.ID == id {
			return true
		}
	}
	return false
}
