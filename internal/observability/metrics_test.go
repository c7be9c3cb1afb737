package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorRecordsReconcile(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	c.ObserveReconcile("ok", 120*time.Millisecond, 2, 1, 3, 10)
	c.ObserveReconcileError("D")

	if got := testutil.ToFloat64(c.ReconcileRuns.WithLabelValues("ok")); got != 1 {
		t.Errorf("runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.ReconcileAlerts.WithLabelValues("D")); got != 3 {
		t.Errorf("rule D alerts = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.ReconcileSnapshots); got != 10 {
		t.Errorf("snapshots = %v, want 10", got)
	}
	if got := testutil.ToFloat64(c.ReconcileErrors.WithLabelValues("D")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
}

func TestCollectorReRegistrationReuses(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewCollector(reg)
	if err != nil {
		t.Fatal(err)
	}
	second, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("second NewCollector: %v", err)
	}

	first.ObserveSample(OutcomeFiltered)
	if got := testutil.ToFloat64(second.SamplesTotal.WithLabelValues(OutcomeFiltered)); got != 1 {
		t.Errorf("shared counter = %v, want 1", got)
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.ObserveSample(OutcomeReported)
	c.ObserveTransition("ENTER", "device")
	c.ObserveReconcile("ok", time.Second, 1, 1, 1, 1)
	c.ObserveHTTP(http.MethodGet, "/healthz", 200, time.Millisecond)
	c.SetWSClients(3)
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	if err != nil {
		t.Fatal(err)
	}
	c.ObserveTransition("EXIT", "server")
	c.ObserveHTTP(http.MethodPost, "", 201, 5*time.Millisecond)

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)

	for _, want := range []string{
		`lockpoint_transitions_total{kind="EXIT",source="server"} 1`,
		`lockpoint_http_requests_total{code="201",method="POST",route="unmatched"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
