package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"lockpoint/internal/domain"
	"lockpoint/internal/reconcile"
	"lockpoint/internal/store"
	"lockpoint/internal/tracker"
	"lockpoint/pkg/geo"
)

const maxBodyBytes = 1 << 20

type Tracker interface {
	Ingest(ctx context.Context, soldierID string, sample domain.PositionSample) (tracker.IngestResult, error)
	Stop(soldierID string) bool
}

type Reconciler interface {
	Run(ctx context.Context, now time.Time) (reconcile.Result, error)
}

type HTTPHandler struct {
	repo           store.Repository
	zones          store.ZoneSource
	tracker        Tracker
	engine         Reconciler
	onZonesChanged func(ctx context.Context)
	logger         *slog.Logger
}

func NewHTTPHandler(repo store.Repository, zones store.ZoneSource, tr Tracker, engine Reconciler, onZonesChanged func(ctx context.Context), logger *slog.Logger) *HTTPHandler {
	if zones == nil {
		zones = repo
	}
	return &HTTPHandler{
		repo:           repo,
		zones:          zones,
		tracker:        tr,
		engine:         engine,
		onZonesChanged: onZonesChanged,
		logger:         logger.With("component", "http"),
	}
}

func (h *HTTPHandler) IngestPosition(w http.ResponseWriter, r *http.Request) {
	soldierID := chi.URLParam(r, "id")

	var sample domain.PositionSample
	if err := decodeJSON(w, r, &sample); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.tracker.Ingest(r.Context(), soldierID, sample)
	switch {
	case errors.Is(err, tracker.ErrInvalidSample):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "soldier not found")
		return
	case err != nil:
		h.logger.Error("ingest failed", "soldier_id", soldierID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to ingest position")
		return
	}

	respondJSON(w, http.StatusOK, res)
}

type stopResponse struct {
	Stopped bool `json:"stopped"`
}

func (h *HTTPHandler) StopSession(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, stopResponse{Stopped: h.tracker.Stop(chi.URLParam(r, "id"))})
}

type SoldiersResponse struct {
	Soldiers   []domain.Soldier `json:"soldiers"`
	Count      int              `json:"count"`
	ServerTime time.Time        `json:"serverTime"`
}

func (h *HTTPHandler) ListSoldiers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SoldierFilter{
		UnitID: q.Get("unit"),
		Status: domain.PresenceStatus(q.Get("status")),
		Role:   domain.Role(q.Get("role")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		respondError(w, http.StatusBadRequest, "invalid status parameter: must be in_zone, out_of_zone or unknown")
		return
	}

	soldiers, err := h.repo.ListSoldiers(r.Context(), filter)
	if err != nil {
		h.logger.Error("list soldiers failed", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list soldiers")
		return
	}
	if soldiers == nil {
		soldiers = []domain.Soldier{}
	}

	respondJSON(w, http.StatusOK, SoldiersResponse{
		Soldiers:   soldiers,
		Count:      len(soldiers),
		ServerTime: time.Now(),
	})
}

func (h *HTTPHandler) GetSoldier(w http.ResponseWriter, r *http.Request) {
	soldier, err := h.repo.GetSoldier(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondStoreError(w, err, "soldier")
		return
	}
	respondJSON(w, http.StatusOK, soldier)
}

type TransitionsResponse struct {
	Transitions []domain.TransitionRecord `json:"transitions"`
	Count       int                       `json:"count"`
}

func (h *HTTPHandler) ListTransitions(w http.ResponseWriter, r *http.Request) {
	soldierID := chi.URLParam(r, "id")
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.repo.GetSoldier(r.Context(), soldierID); err != nil {
		h.respondStoreError(w, err, "soldier")
		return
	}

	records, err := h.repo.ListTransitions(r.Context(), soldierID, limit)
	if err != nil {
		h.respondStoreError(w, err, "transitions")
		return
	}
	if records == nil {
		records = []domain.TransitionRecord{}
	}
	respondJSON(w, http.StatusOK, TransitionsResponse{Transitions: records, Count: len(records)})
}

type ZonesResponse struct {
	Zones []domain.Zone `json:"zones"`
	Count int           `json:"count"`
}

func (h *HTTPHandler) ListZones(w http.ResponseWriter, r *http.Request) {
	var (
		zones []domain.Zone
		err   error
	)
	if r.URL.Query().Get("active") == "true" {
		zones, err = h.zones.ListActiveZones(r.Context())
	} else {
		zones, err = h.repo.ListZones(r.Context())
	}
	if err != nil {
		h.respondStoreError(w, err, "zones")
		return
	}
	if zones == nil {
		zones = []domain.Zone{}
	}
	respondJSON(w, http.StatusOK, ZonesResponse{Zones: zones, Count: len(zones)})
}

func (h *HTTPHandler) PutZone(w http.ResponseWriter, r *http.Request) {
	var zone domain.Zone
	if err := decodeJSON(w, r, &zone); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	zone.ID = chi.URLParam(r, "id")
	if strings.TrimSpace(zone.Name) == "" {
		respondError(w, http.StatusBadRequest, "zone name is required")
		return
	}
	if err := zone.Shape.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	saved, err := h.repo.UpsertZone(r.Context(), zone)
	if err != nil {
		h.respondStoreError(w, err, "zone")
		return
	}
	if h.onZonesChanged != nil {
		h.onZonesChanged(r.Context())
	}
	respondJSON(w, http.StatusOK, saved)
}

type NearestZoneResponse struct {
	Zone     domain.Zone `json:"zone"`
	Distance float64     `json:"distance"`
	Inside   bool        `json:"inside"`
}

func (h *HTTPHandler) NearestZone(w http.ResponseWriter, r *http.Request) {
	p, err := parseCoordinate(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	zones, err := h.zones.ListActiveZones(r.Context())
	if err != nil {
		h.respondStoreError(w, err, "zones")
		return
	}
	nearest, ok := domain.NearestZone(p, zones)
	if !ok {
		respondError(w, http.StatusNotFound, "no active zones")
		return
	}

	respondJSON(w, http.StatusOK, NearestZoneResponse{
		Zone:     nearest.Zone,
		Distance: nearest.Distance,
		Inside:   nearest.Zone.Contains(p),
	})
}

type exitReportRequest struct {
	SoldierID       string            `json:"soldierId"`
	Destination     string            `json:"destination"`
	Reason          domain.ExitReason `json:"reason"`
	FreeText        string            `json:"freeText,omitempty"`
	EstimatedReturn *time.Time        `json:"estimatedReturn,omitempty"`
}

func (h *HTTPHandler) SubmitExitReport(w http.ResponseWriter, r *http.Request) {
	var req exitReportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SoldierID == "" || strings.TrimSpace(req.Destination) == "" {
		respondError(w, http.StatusBadRequest, "soldierId and destination are required")
		return
	}
	if !req.Reason.Valid() {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid reason %q", req.Reason))
		return
	}

	report, err := h.repo.CreateExitReport(r.Context(), domain.ExitReport{
		SoldierID:       req.SoldierID,
		EventID:         chi.URLParam(r, "id"),
		Destination:     req.Destination,
		Reason:          req.Reason,
		FreeText:        req.FreeText,
		EstimatedReturn: req.EstimatedReturn,
	})
	if err != nil {
		h.respondStoreError(w, err, "transition")
		return
	}

	if err := h.repo.AppendAudit(r.Context(), domain.AuditEntry{
		UserID:     report.SoldierID,
		Action:     domain.AuditSubmitReport,
		Resource:   "ExitReport",
		ResourceID: report.ID,
		Detail:     map[string]string{"event_id": report.EventID, "reason": string(report.Reason)},
	}); err != nil {
		h.logger.Warn("failed to write audit entry", "action", domain.AuditSubmitReport, "error", err)
	}

	respondJSON(w, http.StatusCreated, report)
}

type AlertsResponse struct {
	Alerts []domain.Alert `json:"alerts"`
	Count  int            `json:"count"`
}

func (h *HTTPHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	recipient := r.URL.Query().Get("recipient")
	if recipient == "" {
		respondError(w, http.StatusBadRequest, "missing recipient parameter")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	alerts, err := h.repo.ListAlerts(r.Context(), recipient, limit)
	if err != nil {
		h.respondStoreError(w, err, "alerts")
		return
	}
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	respondJSON(w, http.StatusOK, AlertsResponse{Alerts: alerts, Count: len(alerts)})
}

func (h *HTTPHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Run(r.Context(), time.Now().UTC())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) respondStoreError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, store.ErrForbidden):
		respondError(w, http.StatusForbidden, "transition belongs to another soldier")
	case errors.Is(err, store.ErrAlreadyReported):
		respondError(w, http.StatusConflict, "exit report already submitted")
	case errors.Is(err, domain.ErrInvalidShape):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("store error", "resource", what, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return store.DefaultListLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit parameter: must be a positive integer")
	}
	return store.ListLimit(n), nil
}

func parseCoordinate(r *http.Request) (geo.Coordinate, error) {
	lat, err := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	if err != nil {
		return geo.Coordinate{}, fmt.Errorf("invalid lat parameter")
	}
	lng, err := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if err != nil {
		return geo.Coordinate{}, fmt.Errorf("invalid lng parameter")
	}
	p := geo.Coordinate{Lat: lat, Lng: lng}
	if !geo.IsFinite(p) {
		return geo.Coordinate{}, fmt.Errorf("coordinates must be finite")
	}
	return p, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}
