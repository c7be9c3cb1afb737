package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"lockpoint/internal/domain"
	"lockpoint/internal/hub"
	"lockpoint/internal/observability"
	"lockpoint/internal/reconcile"
	"lockpoint/internal/store"
	"lockpoint/internal/tracker"
	"lockpoint/pkg/geo"
)

var (
	t0      = time.Date(2026, 6, 10, 8, 0, 0, 0, time.UTC)
	center  = geo.Coordinate{Lat: 32.0, Lng: 34.8}
	outside = geo.Coordinate{Lat: 32.018, Lng: 34.8}
)

type fixture struct {
	server       *httptest.Server
	store        *store.Store
	tracker      *tracker.Tracker
	metrics      *observability.Collector
	zonesChanged atomic.Int32
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func newFixture(t *testing.T, pinger Pinger) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st := store.New()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(st.UpsertUnit(ctx, domain.Unit{ID: "platoon", Name: "Platoon 1", CommanderID: "cmd"}))
	must(st.UpsertSoldier(ctx, domain.Soldier{ID: "cmd", LastName: "Cohen", Role: domain.RoleCommander, UnitID: "platoon"}))
	must(st.UpsertSoldier(ctx, domain.Soldier{ID: "s1", LastName: "Levi", RankCode: "Sgt", UnitID: "platoon"}))
	must(st.UpsertSoldier(ctx, domain.Soldier{ID: "s2", LastName: "Peretz", UnitID: "platoon"}))
	_, err := st.UpsertZone(ctx, domain.Zone{ID: "base", Name: "Main Base", IsActive: true, Shape: domain.Circle(center, 500)})
	must(err)

	metrics, err := observability.NewCollector(prometheus.NewRegistry())
	must(err)
	wsHub := hub.NewHub(logger, metrics)
	hubCtx, stopHub := context.WithCancel(ctx)
	t.Cleanup(stopHub)
	go wsHub.Run(hubCtx)
	tr := tracker.New(st, st, wsHub, metrics, tracker.Config{DistanceFilterMeters: 50}, logger)
	must(tr.RefreshZones(ctx))
	engine := reconcile.NewEngine(st, reconcile.DefaultConfig(), logger, reconcile.WithMetrics(metrics))

	f := &fixture{store: st, tracker: tr, metrics: metrics}
	api := NewHTTPHandler(st, nil, tr, engine, func(ctx context.Context) {
		f.zonesChanged.Add(1)
		_ = tr.RefreshZones(ctx)
	}, logger)

	f.server = httptest.NewServer(NewRouter(Routes{
		API:     api,
		WS:      NewWSHandler(wsHub, st, logger),
		Health:  NewHealthHandler(tr, pinger),
		Stats:   NewStatsHandler(tr, engine, wsHub, nil),
		Metrics: metrics,
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			if err != nil {
				t.Fatal(err)
			}
			rd = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, f.server.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("invalid JSON %s: %v", data, err)
	}
	return v
}

func position(loc geo.Coordinate, offset time.Duration) domain.PositionSample {
	return domain.PositionSample{Location: loc, AccuracyMeters: 10, Timestamp: t0.Add(offset)}
}

// exitTransition drives s1 inside then outside and returns the EXIT record id
func exitTransition(t *testing.T, f *fixture) string {
	t.Helper()
	if code, body := f.do(t, http.MethodPost, "/v1/soldiers/s1/positions", position(center, 0)); code != http.StatusOK {
		t.Fatalf("baseline: %d %s", code, body)
	}
	code, body := f.do(t, http.MethodPost, "/v1/soldiers/s1/positions", position(outside, time.Minute))
	if code != http.StatusOK {
		t.Fatalf("exit: %d %s", code, body)
	}
	res := decode[tracker.IngestResult](t, body)
	if len(res.Transitions) != 1 || res.Transitions[0].Kind != domain.TransitionExit {
		t.Fatalf("expected one EXIT, got %+v", res.Transitions)
	}
	return res.Transitions[0].ID
}

func TestIngestPosition(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.do(t, http.MethodPost, "/v1/soldiers/s1/positions", position(center, 0))
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", code, body)
	}
	res := decode[tracker.IngestResult](t, body)
	if !res.Reported || res.Status != domain.StatusInZone || res.ZoneID != "base" {
		t.Errorf("unexpected result %+v", res)
	}

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"unknown soldier", "/v1/soldiers/ghost/positions", position(center, 0), http.StatusNotFound},
		{"malformed body", "/v1/soldiers/s1/positions", "{not json", http.StatusBadRequest},
		{"unknown field", "/v1/soldiers/s1/positions", `{"location":{"lat":1,"lng":1},"speed":3}`, http.StatusBadRequest},
		{"negative accuracy", "/v1/soldiers/s1/positions", domain.PositionSample{Location: center, AccuracyMeters: -5}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, body := f.do(t, http.MethodPost, tt.path, tt.body); code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, code, body)
			}
		})
	}
}

func TestStopSession(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodPost, "/v1/soldiers/s1/positions", position(center, 0))

	code, body := f.do(t, http.MethodDelete, "/v1/soldiers/s1/session", nil)
	if code != http.StatusOK || !decode[stopResponse](t, body).Stopped {
		t.Fatalf("first stop: %d %s", code, body)
	}
	_, body = f.do(t, http.MethodDelete, "/v1/soldiers/s1/session", nil)
	if decode[stopResponse](t, body).Stopped {
		t.Error("second stop should report no session")
	}
}

func TestSoldierReads(t *testing.T) {
	f := newFixture(t, nil)
	exitTransition(t, f)

	code, body := f.do(t, http.MethodGet, "/v1/soldiers?status=out_of_zone", nil)
	if code != http.StatusOK {
		t.Fatalf("list: %d %s", code, body)
	}
	list := decode[SoldiersResponse](t, body)
	if list.Count != 1 || list.Soldiers[0].ID != "s1" {
		t.Errorf("out_of_zone soldiers = %+v", list.Soldiers)
	}

	if code, _ := f.do(t, http.MethodGet, "/v1/soldiers?status=lost", nil); code != http.StatusBadRequest {
		t.Errorf("invalid status: expected 400, got %d", code)
	}

	code, body = f.do(t, http.MethodGet, "/v1/soldiers/s1", nil)
	if code != http.StatusOK {
		t.Fatalf("get: %d", code)
	}
	sol := decode[domain.Soldier](t, body)
	if sol.LastKnown == nil || *sol.LastKnown != outside {
		t.Errorf("last known = %v", sol.LastKnown)
	}
	if code, _ := f.do(t, http.MethodGet, "/v1/soldiers/ghost", nil); code != http.StatusNotFound {
		t.Errorf("unknown soldier: expected 404, got %d", code)
	}

	code, body = f.do(t, http.MethodGet, "/v1/soldiers/s1/transitions?limit=10", nil)
	if code != http.StatusOK {
		t.Fatalf("transitions: %d %s", code, body)
	}
	if tr := decode[TransitionsResponse](t, body); tr.Count != 1 || tr.Transitions[0].Source != domain.SourceDevice {
		t.Errorf("transitions = %+v", tr)
	}
	if code, _ := f.do(t, http.MethodGet, "/v1/soldiers/s1/transitions?limit=-1", nil); code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", code)
	}
}

func TestZones(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.do(t, http.MethodGet, "/v1/zones/nearest?lat=32.018&lng=34.8", nil)
	if code != http.StatusOK {
		t.Fatalf("nearest: %d %s", code, body)
	}
	nearest := decode[NearestZoneResponse](t, body)
	if nearest.Zone.ID != "base" || nearest.Inside {
		t.Errorf("nearest = %+v", nearest)
	}
	// about 2 km from the center, 500 m radius
	if nearest.Distance < 1400 || nearest.Distance > 1600 {
		t.Errorf("distance to edge = %.0f m", nearest.Distance)
	}
	if code, _ := f.do(t, http.MethodGet, "/v1/zones/nearest?lat=abc&lng=34.8", nil); code != http.StatusBadRequest {
		t.Errorf("bad lat: expected 400, got %d", code)
	}

	bad := domain.Zone{Name: "Broken", IsActive: true, Shape: domain.Circle(center, -1)}
	if code, body := f.do(t, http.MethodPut, "/v1/zones/broken", bad); code != http.StatusBadRequest {
		t.Errorf("invalid shape: expected 400, got %d: %s", code, body)
	}
	if f.zonesChanged.Load() != 0 {
		t.Error("rejected zone should not refresh zones")
	}

	outpost := domain.Zone{Name: "Outpost", IsActive: true, Shape: domain.Circle(outside, 200)}
	if code, body := f.do(t, http.MethodPut, "/v1/zones/outpost", outpost); code != http.StatusOK {
		t.Fatalf("put zone: %d %s", code, body)
	}
	if f.zonesChanged.Load() != 1 || f.tracker.ZoneCount() != 2 {
		t.Errorf("zones changed %d times, tracker has %d zones", f.zonesChanged.Load(), f.tracker.ZoneCount())
	}

	_, body = f.do(t, http.MethodGet, "/v1/zones/nearest?lat=32.018&lng=34.8", nil)
	if nearest := decode[NearestZoneResponse](t, body); nearest.Zone.ID != "outpost" || !nearest.Inside {
		t.Errorf("after put, nearest = %+v", nearest)
	}

	_, body = f.do(t, http.MethodGet, "/v1/zones?active=true", nil)
	if zones := decode[ZonesResponse](t, body); zones.Count != 2 {
		t.Errorf("active zones = %d", zones.Count)
	}
}

func TestSubmitExitReport(t *testing.T) {
	f := newFixture(t, nil)
	eventID := exitTransition(t, f)
	path := "/v1/transitions/" + eventID + "/report"

	valid := map[string]any{"soldierId": "s1", "destination": "Home", "reason": "personal_leave"}

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"invalid reason", path, map[string]any{"soldierId": "s1", "destination": "Home", "reason": "bored"}, http.StatusBadRequest},
		{"missing destination", path, map[string]any{"soldierId": "s1", "reason": "medical"}, http.StatusBadRequest},
		{"other soldier", path, map[string]any{"soldierId": "s2", "destination": "Home", "reason": "medical"}, http.StatusForbidden},
		{"unknown event", "/v1/transitions/nope/report", valid, http.StatusNotFound},
		{"created", path, valid, http.StatusCreated},
		{"duplicate", path, valid, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, body := f.do(t, http.MethodPost, tt.path, tt.body); code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, code, body)
			}
		})
	}

	var submitted int
	for _, e := range f.store.Audit() {
		if e.Action == domain.AuditSubmitReport {
			submitted++
		}
	}
	if submitted != 1 {
		t.Errorf("expected one SUBMIT_REPORT audit entry, got %d", submitted)
	}
}

func TestReconcileAndAlerts(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.do(t, http.MethodPost, "/v1/reconcile", nil)
	if code != http.StatusOK {
		t.Fatalf("reconcile: %d %s", code, body)
	}
	res := decode[reconcile.Result](t, body)
	// s1 and s2 have never reported a location
	if res.RuleC != 2 || res.Snapshots != 2 || res.Errors != 0 {
		t.Errorf("result = %+v", res)
	}

	code, body = f.do(t, http.MethodGet, "/v1/alerts?recipient=cmd", nil)
	if code != http.StatusOK {
		t.Fatalf("alerts: %d %s", code, body)
	}
	alerts := decode[AlertsResponse](t, body)
	if alerts.Count != 2 {
		t.Fatalf("expected 2 alerts, got %+v", alerts)
	}
	for _, a := range alerts.Alerts {
		if a.Type != domain.AlertUnknownStatus || !strings.Contains(a.Body, "never reported") {
			t.Errorf("unexpected alert %+v", a)
		}
	}

	if code, _ := f.do(t, http.MethodGet, "/v1/alerts", nil); code != http.StatusBadRequest {
		t.Errorf("missing recipient: expected 400, got %d", code)
	}

	code, body = f.do(t, http.MethodGet, "/v1/stats", nil)
	if code != http.StatusOK {
		t.Fatalf("stats: %d", code)
	}
	stats := decode[StatsResponse](t, body)
	if stats.Reconcile == nil || stats.Reconcile.RuleC != 2 || stats.Tracking.ActiveZones != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	if code, body := f.do(t, http.MethodGet, "/healthz", nil); code != http.StatusOK || string(body) != "ok" {
		t.Errorf("healthz: %d %q", code, body)
	}
	code, body := f.do(t, http.MethodGet, "/readyz", nil)
	if code != http.StatusOK || !decode[ReadyResponse](t, body).Ready {
		t.Errorf("readyz: %d %s", code, body)
	}

	down := newFixture(t, failingPinger{})
	code, body = down.do(t, http.MethodGet, "/readyz", nil)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with failing store: %d", code)
	}
	if r := decode[ReadyResponse](t, body); r.Ready || !r.ZonesReady || r.Store != "connection refused" {
		t.Errorf("ready response = %+v", r)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, nil)
	code, _ := f.do(t, http.MethodOptions, "/v1/soldiers", nil)
	if code != http.StatusOK {
		t.Errorf("preflight: %d", code)
	}
}

func TestMetricsMiddlewareUsesRoutePattern(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodGet, "/v1/soldiers/s1", nil)
	f.do(t, http.MethodGet, "/v1/soldiers/s2", nil)
	f.do(t, http.MethodGet, "/v1/soldiers/ghost", nil)

	if got := testutil.ToFloat64(f.metrics.HTTPRequests.WithLabelValues("GET", "/v1/soldiers/{id}", "200")); got != 2 {
		t.Errorf("200 count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(f.metrics.HTTPRequests.WithLabelValues("GET", "/v1/soldiers/{id}", "404")); got != 1 {
		t.Errorf("404 count = %v, want 1", got)
	}

	code, body := f.do(t, http.MethodGet, "/metrics", nil)
	if code != http.StatusOK || !strings.Contains(string(body), "lockpoint_http_requests_total") {
		t.Errorf("metrics endpoint: %d", code)
	}
}

func TestWebSocketSnapshotAndStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.server.URL, "http")+"/v1/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub, _ := json.Marshal(map[string]any{"type": "subscribe", "payload": map[string]any{"unitIds": []string{"platoon"}}})
	if err := conn.Write(ctx, websocket.MessageText, sub); err != nil {
		t.Fatal(err)
	}

	read := func() hub.StatusMessage {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		return decode[hub.StatusMessage](t, data)
	}

	snap := read()
	if snap.Type != "snapshot" || len(snap.Payload.Updates) != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}

	if code, body := f.do(t, http.MethodPost, "/v1/soldiers/s1/positions", position(center, 0)); code != http.StatusOK {
		t.Fatalf("ingest: %d %s", code, body)
	}
	msg := read()
	if msg.Type != "status" || len(msg.Payload.Updates) != 1 {
		t.Fatalf("status message = %+v", msg)
	}
	if u := msg.Payload.Updates[0]; u.SoldierID != "s1" || u.Status != domain.StatusInZone || u.ZoneID != "base" {
		t.Errorf("update = %+v", u)
	}
}
