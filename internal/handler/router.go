package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"lockpoint/internal/observability"
)

type Routes struct {
	API     *HTTPHandler
	WS      *WSHandler
	Health  *HealthHandler
	Stats   *StatsHandler
	Metrics *observability.Collector
	// RateLimit wraps the /v1 API; nil disables limiting
	RateLimit func(http.Handler) http.Handler
}

// NewRouter mounts the API. The websocket and health endpoints bypass the
// rate limiter and gzip.
func NewRouter(rt Routes) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(CORSMiddleware)
	r.Use(MetricsMiddleware(rt.Metrics))

	r.Get("/healthz", rt.Health.Healthz)
	r.Get("/readyz", rt.Health.Readyz)
	r.Handle("/metrics", rt.Metrics.Handler())
	if rt.WS != nil {
		r.Get("/v1/ws", rt.WS.ServeWS)
	}

	r.Group(func(r chi.Router) {
		if rt.RateLimit != nil {
			r.Use(rt.RateLimit)
		}
		r.Use(GzipMiddleware)

		r.Get("/v1/soldiers", rt.API.ListSoldiers)
		r.Get("/v1/soldiers/{id}", rt.API.GetSoldier)
		r.Get("/v1/soldiers/{id}/transitions", rt.API.ListTransitions)
		r.Post("/v1/soldiers/{id}/positions", rt.API.IngestPosition)
		r.Delete("/v1/soldiers/{id}/session", rt.API.StopSession)

		r.Get("/v1/zones", rt.API.ListZones)
		r.Get("/v1/zones/nearest", rt.API.NearestZone)
		r.Put("/v1/zones/{id}", rt.API.PutZone)

		r.Post("/v1/transitions/{id}/report", rt.API.SubmitExitReport)
		r.Get("/v1/alerts", rt.API.ListAlerts)
		r.Post("/v1/reconcile", rt.API.Reconcile)

		if rt.Stats != nil {
			r.Get("/v1/stats", rt.Stats.GetStats)
		}
	})

	return r
}
