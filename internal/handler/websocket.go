package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"lockpoint/internal/domain"
	"lockpoint/internal/hub"
	"lockpoint/internal/store"
)

type SoldierLister interface {
	ListSoldiers(ctx context.Context, filter store.SoldierFilter) ([]domain.Soldier, error)
}

type WSHandler struct {
	hub      *hub.Hub
	soldiers SoldierLister
	logger   *slog.Logger
}

func NewWSHandler(h *hub.Hub, soldiers SoldierLister, logger *slog.Logger) *WSHandler {
	return &WSHandler{hub: h, soldiers: soldiers, logger: logger.With("component", "websocket")}
}

type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type SubscribePayload struct {
	UnitIDs []string `json:"unitIds"`
}

type UnsubscribePayload struct {
	UnitIDs []string `json:"unitIds"`
}

type PongMessage struct {
	Type string `json:"type"`
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}

	client := hub.NewClient(uuid.New().String(), 256)
	if !h.hub.Register(client) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	ServerStats.IncWSConnections()
	defer ServerStats.DecWSConnections()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writeLoop(ctx, conn, client)

	h.readLoop(ctx, conn, client)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	defer func() {
		h.hub.Unregister(client)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				h.logger.Debug("websocket read error", "client_id", client.ID, "error", err)
			}
			return
		}
		ServerStats.IncWSMessagesIn()

		if msgType != websocket.MessageText {
			continue
		}

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("invalid message format", "client_id", client.ID, "error", err)
			continue
		}

		switch msg.Type {
		case "subscribe":
			var payload SubscribePayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				continue
			}
			if len(payload.UnitIDs) > 0 {
				h.hub.Subscribe(client, payload.UnitIDs)
				h.sendSnapshot(ctx, client, payload.UnitIDs)
			}

		case "unsubscribe":
			var payload UnsubscribePayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				continue
			}
			if len(payload.UnitIDs) > 0 {
				h.hub.Unsubscribe(client, payload.UnitIDs)
			}

		case "ping":
			h.sendPong(client)
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-client.Send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
			ServerStats.IncWSMessagesOut()

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// sendSnapshot sends the current status of every soldier in the requested units
func (h *WSHandler) sendSnapshot(ctx context.Context, client *hub.Client, unitIDs []string) {
	var soldiers []domain.Soldier
	if slices.Contains(unitIDs, hub.AllUnits) {
		all, err := h.soldiers.ListSoldiers(ctx, store.SoldierFilter{})
		if err != nil {
			h.logger.Warn("snapshot query failed", "client_id", client.ID, "error", err)
			return
		}
		soldiers = all
	} else {
		for _, unitID := range unitIDs {
			unit, err := h.soldiers.ListSoldiers(ctx, store.SoldierFilter{UnitID: unitID})
			if err != nil {
				h.logger.Warn("snapshot query failed", "client_id", client.ID, "unit_id", unitID, "error", err)
				return
			}
			soldiers = append(soldiers, unit...)
		}
	}

	data, err := json.Marshal(hub.StatusMessage{
		Type:    "snapshot",
		Payload: hub.StatusPayload{Updates: snapshotUpdates(soldiers)},
	})
	if err != nil {
		return
	}

	select {
	case client.Send <- data:
	default:
		h.logger.Debug("failed to send snapshot, buffer full", "client_id", client.ID)
	}
}

func snapshotUpdates(soldiers []domain.Soldier) []domain.StatusUpdate {
	updates := make([]domain.StatusUpdate, 0, len(soldiers))
	for _, s := range soldiers {
		u := domain.StatusUpdate{
			SoldierID: s.ID,
			UnitID:    s.UnitID,
			Status:    s.Status,
			Location:  s.LastKnown,
		}
		if s.LastUpdate != nil {
			u.Timestamp = *s.LastUpdate
		}
		updates = append(updates, u)
	}
	return updates
}

func (h *WSHandler) sendPong(client *hub.Client) {
	data, err := json.Marshal(PongMessage{Type: "pong"})
	if err != nil {
		return
	}

	select {
	case client.Send <- data:
	default:
	}
}
