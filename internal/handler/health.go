package handler

import (
	"context"
	"net/http"
	"time"
)

type ReadyChecker interface {
	IsReady() bool
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	ready  ReadyChecker
	pinger Pinger
}

// NewHealthHandler reports ready once ready is ready and pinger, when set, answers.
func NewHealthHandler(ready ReadyChecker, pinger Pinger) *HealthHandler {
	return &HealthHandler{ready: ready, pinger: pinger}
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type ReadyResponse struct {
	Ready      bool      `json:"ready"`
	ZonesReady bool      `json:"zonesReady"`
	Store      string    `json:"store"`
	ServerTime time.Time `json:"serverTime"`
}

func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{
		ZonesReady: h.ready.IsReady(),
		Store:      "ok",
		ServerTime: time.Now(),
	}
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := h.pinger.Ping(ctx)
		cancel()
		if err != nil {
			resp.Store = err.Error()
		}
	}
	resp.Ready = resp.ZonesReady && resp.Store == "ok"

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}
