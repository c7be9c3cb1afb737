// Package observability holds the Prometheus collector and tracing bootstrap.
package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sample outcomes for SamplesTotal
const (
	OutcomeReported = "reported"
	OutcomeFiltered = "filtered"
	OutcomeError    = "error"
)

// Collector bundles the service metrics. A nil *Collector is valid and records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	SamplesTotal     *prometheus.CounterVec
	TransitionsTotal *prometheus.CounterVec

	ReconcileRuns      *prometheus.CounterVec
	ReconcileDuration  prometheus.Histogram
	ReconcileAlerts    *prometheus.CounterVec
	ReconcileErrors    *prometheus.CounterVec
	ReconcileSnapshots prometheus.Counter

	ZoneCacheRequests *prometheus.CounterVec
	WSClients         prometheus.Gauge
	ActiveSessions    prometheus.Gauge

	HTTPRequests  *prometheus.CounterVec
	HTTPDurations *prometheus.HistogramVec
}

// NewCollector registers metrics against reg, defaulting to the global
// registry when nil. Re-registration reuses the existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.SamplesTotal, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockpoint_position_samples_total",
		Help: "Position samples received, labeled by outcome (reported, filtered, error).",
	}, []string{"outcome"}), "lockpoint_position_samples_total"); err != nil {
		return nil, err
	}
	if c.TransitionsTotal, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockpoint_transitions_total",
		Help: "Zone transitions recorded, labeled by kind and source.",
	}, []string{"kind", "source"}), "lockpoint_transitions_total"); err != nil {
		return nil, err
	}
	if c.ReconcileRuns, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockpoint_reconcile_runs_total",
		Help: "Reconciliation runs, labeled by result (ok, partial, cancelled).",
	}, []string{"result"}), "lockpoint_reconcile_runs_total"); err != nil {
		return nil, err
	}
	if c.ReconcileDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lockpoint_reconcile_duration_seconds",
		Help:    "Wall time of a full reconciliation run.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}), "lockpoint_reconcile_duration_seconds"); err != nil {
		return nil, err
	}
	if c.ReconcileAlerts, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockpoint_reconcile_alerts_total",
		Help: "Alerts or corrections raised by reconciliation, labeled by rule (B, C, D).",
	}, []string{"rule"}), "lockpoint_reconcile_alerts_total"); err != nil {
		return nil, err
	}
	if c.ReconcileErrors, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockpoint_reconcile_errors_total",
		Help: "Per-item failures isolated during reconciliation, labeled by pass.",
	}, []string{"pass"}), "lockpoint_reconcile_errors_total"); err != nil {
		return nil, err
	}
	if c.ReconcileSnapshots, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockpoint_status_snapshot_rows_total",
		Help: "Status snapshot rows appended.",
	}), "lockpoint_status_snapshot_rows_total"); err != nil {
		return nil, err
	}
	if c.ZoneCacheRequests, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockpoint_zone_cache_requests_total",
		Help: "Active zone cache lookups, labeled by result (hit, miss, error).",
	}, []string{"result"}), "lockpoint_zone_cache_requests_total"); err != nil {
		return nil, err
	}
	if c.WSClients, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lockpoint_ws_clients",
		Help: "Connected websocket clients.",
	}), "lockpoint_ws_clients"); err != nil {
		return nil, err
	}
	if c.ActiveSessions, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lockpoint_tracking_sessions",
		Help: "Soldiers with an open live tracking session.",
	}), "lockpoint_tracking_sessions"); err != nil {
		return nil, err
	}
	if c.HTTPRequests, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockpoint_http_requests_total",
		Help: "HTTP requests, labeled by method, route pattern and status code.",
	}, []string{"method", "route", "code"}), "lockpoint_http_requests_total"); err != nil {
		return nil, err
	}
	if c.HTTPDurations, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lockpoint_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"method", "route"}), "lockpoint_http_request_duration_seconds"); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveSample(outcome string) {
	if c == nil {
		return
	}
	c.SamplesTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) ObserveTransition(kind, source string) {
	if c == nil {
		return
	}
	c.TransitionsTotal.WithLabelValues(kind, source).Inc()
}

// ObserveReconcile records one finished run.
func (c *Collector) ObserveReconcile(result string, d time.Duration, ruleB, ruleC, ruleD, snapshots int) {
	if c == nil {
		return
	}
	c.ReconcileRuns.WithLabelValues(result).Inc()
	c.ReconcileDuration.Observe(d.Seconds())
	c.ReconcileAlerts.WithLabelValues("B").Add(float64(ruleB))
	c.ReconcileAlerts.WithLabelValues("C").Add(float64(ruleC))
	c.ReconcileAlerts.WithLabelValues("D").Add(float64(ruleD))
	c.ReconcileSnapshots.Add(float64(snapshots))
}

func (c *Collector) ObserveReconcileError(pass string) {
	if c == nil {
		return
	}
	c.ReconcileErrors.WithLabelValues(pass).Inc()
}

func (c *Collector) ObserveZoneCache(result string) {
	if c == nil {
		return
	}
	c.ZoneCacheRequests.WithLabelValues(result).Inc()
}

func (c *Collector) SetWSClients(n int) {
	if c == nil {
		return
	}
	c.WSClients.Set(float64(n))
}

func (c *Collector) SetActiveSessions(n int) {
	if c == nil {
		return
	}
	c.ActiveSessions.Set(float64(n))
}

func (c *Collector) ObserveHTTP(method, route string, code int, d time.Duration) {
	if c == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	c.HTTPDurations.WithLabelValues(method, route).Observe(d.Seconds())
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
