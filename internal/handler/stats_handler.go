package handler

import (
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"lockpoint/internal/reconcile"
)

// Stats tracks server-wide counters
type Stats struct {
	startTime     time.Time
	requestCount  atomic.Int64
	wsConnections atomic.Int64
	wsMessagesIn  atomic.Int64
	wsMessagesOut atomic.Int64
}

var ServerStats = &Stats{
	startTime: time.Now(),
}

func (s *Stats) IncRequests()      { s.requestCount.Add(1) }
func (s *Stats) IncWSConnections() { s.wsConnections.Add(1) }
func (s *Stats) DecWSConnections() { s.wsConnections.Add(-1) }
func (s *Stats) IncWSMessagesIn()  { s.wsMessagesIn.Add(1) }
func (s *Stats) IncWSMessagesOut() { s.wsMessagesOut.Add(1) }

type SessionStats interface {
	SessionCount() int
	ZoneCount() int
}

type ReconcileStatus interface {
	LastResult() (reconcile.Result, bool)
}

type ClientCounter interface {
	ClientCount() int
}

type StatsHandler struct {
	sessions  SessionStats
	reconcile ReconcileStatus
	clients   ClientCounter
	rateLimit func() map[string]any
}

func NewStatsHandler(sessions SessionStats, rec ReconcileStatus, clients ClientCounter, rateLimit func() map[string]any) *StatsHandler {
	return &StatsHandler{
		sessions:  sessions,
		reconcile: rec,
		clients:   clients,
		rateLimit: rateLimit,
	}
}

type StatsResponse struct {
	Server    ServerStatsResponse    `json:"server"`
	Tracking  TrackingStatsResponse  `json:"tracking"`
	Reconcile *reconcile.Result      `json:"reconcile,omitempty"`
	WebSocket WebSocketStatsResponse `json:"websocket"`
	RateLimit map[string]any         `json:"rate_limit,omitempty"`
	Go        GoStatsResponse        `json:"go"`
}

type ServerStatsResponse struct {
	Uptime        string    `json:"uptime"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	StartTime     time.Time `json:"start_time"`
	RequestCount  int64     `json:"request_count"`
}

type TrackingStatsResponse struct {
	Sessions    int `json:"sessions"`
	ActiveZones int `json:"active_zones"`
}

type WebSocketStatsResponse struct {
	Connections int64 `json:"connections"`
	Clients     int   `json:"clients"`
	MessagesIn  int64 `json:"messages_in"`
	MessagesOut int64 `json:"messages_out"`
}

type GoStatsResponse struct {
	Goroutines  int     `json:"goroutines"`
	HeapAlloc   uint64  `json:"heap_alloc_bytes"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	NumGC       uint32  `json:"num_gc"`
	GoVersion   string  `json:"go_version"`
}

func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(ServerStats.startTime)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	response := StatsResponse{
		Server: ServerStatsResponse{
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			StartTime:     ServerStats.startTime,
			RequestCount:  ServerStats.requestCount.Load(),
		},
		Tracking: TrackingStatsResponse{
			Sessions:    h.sessions.SessionCount(),
			ActiveZones: h.sessions.ZoneCount(),
		},
		WebSocket: WebSocketStatsResponse{
			Connections: ServerStats.wsConnections.Load(),
			Clients:     h.clients.ClientCount(),
			MessagesIn:  ServerStats.wsMessagesIn.Load(),
			MessagesOut: ServerStats.wsMessagesOut.Load(),
		},
		Go: GoStatsResponse{
			Goroutines:  runtime.NumGoroutine(),
			HeapAlloc:   mem.HeapAlloc,
			HeapAllocMB: float64(mem.HeapAlloc) / 1024 / 1024,
			NumGC:       mem.NumGC,
			GoVersion:   runtime.Version(),
		},
	}
	if res, ok := h.reconcile.LastResult(); ok {
		response.Reconcile = &res
	}
	if h.rateLimit != nil {
		response.RateLimit = h.rateLimit()
	}

	w.Header().Set("Cache-Control", "no-cache")
	respondJSON(w, http.StatusOK, response)
}
