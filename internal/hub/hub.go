// Package hub fans out live status updates to websocket clients by unit.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"lockpoint/internal/domain"
)

// AllUnits subscribes a client to every unit
const AllUnits = "*"

type Client struct {
	ID    string
	Send  chan []byte
	units map[string]struct{}
	mu    sync.RWMutex
}

func NewClient(id string, bufferSize int) *Client {
	return &Client{
		ID:    id,
		Send:  make(chan []byte, bufferSize),
		units: make(map[string]struct{}),
	}
}

func (c *Client) HasUnit(unitID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.units[unitID]
	return ok
}

func (c *Client) AddUnits(unitIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range unitIDs {
		c.units[id] = struct{}{}
	}
}

func (c *Client) RemoveUnits(unitIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range unitIDs {
		delete(c.units, id)
	}
}

func (c *Client) Units() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	units := make([]string, 0, len(c.units))
	for id := range c.units {
		units = append(units, id)
	}
	return units
}

// ClientGauge receives the connected client count
type ClientGauge interface {
	SetWSClients(n int)
}

type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]struct{}
	unitClients map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan []domain.StatusUpdate
	// done is closed when Run returns
	done chan struct{}

	gauge  ClientGauge
	logger *slog.Logger
}

func NewHub(logger *slog.Logger, gauge ClientGauge) *Hub {
	return &Hub{
		clients:     make(map[*Client]struct{}),
		unitClients: make(map[string]map[*Client]struct{}),
		register:    make(chan *Client, 16),
		unregister:  make(chan *Client, 16),
		broadcast:   make(chan []domain.StatusUpdate, 256),
		done:        make(chan struct{}),
		gauge:       gauge,
		logger:      logger.With("component", "hub"),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.reportCount(total)
			h.logger.Debug("client registered", "client_id", client.ID, "total", total)

		case client := <-h.unregister:
			h.removeClient(client)

		case updates := <-h.broadcast:
			h.fanout(updates)
		}
	}
}

func (h *Hub) Subscribe(client *Client, unitIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.AddUnits(unitIDs)

	for _, unitID := range unitIDs {
		if h.unitClients[unitID] == nil {
			h.unitClients[unitID] = make(map[*Client]struct{})
		}
		h.unitClients[unitID][client] = struct{}{}
	}
}

func (h *Hub) Unsubscribe(client *Client, unitIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.RemoveUnits(unitIDs)
	h.dropFromIndex(client, unitIDs)
}

// Broadcast queues updates without blocking; a full queue drops them.
func (h *Hub) Broadcast(updates []domain.StatusUpdate) {
	if len(updates) == 0 {
		return
	}
	select {
	case h.broadcast <- updates:
	default:
		h.logger.Warn("broadcast channel full, dropping updates", "count", len(updates))
	}
}

// Register queues a client. It returns false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister queues a client for removal. After the hub stops every client
// has already been closed, so it returns immediately.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type StatusMessage struct {
	Type    string        `json:"type"`
	Payload StatusPayload `json:"payload"`
}

type StatusPayload struct {
	Updates []domain.StatusUpdate `json:"updates"`
}

// EncodeStatus builds the wire form of a status message
func EncodeStatus(updates []domain.StatusUpdate) ([]byte, error) {
	return json.Marshal(StatusMessage{Type: "status", Payload: StatusPayload{Updates: updates}})
}

func (h *Hub) fanout(updates []domain.StatusUpdate) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	perClient := make(map[*Client][]domain.StatusUpdate)

	for _, u := range updates {
		for client := range h.unitClients[u.UnitID] {
			perClient[client] = append(perClient[client], u)
		}
		if u.UnitID == AllUnits {
			continue
		}
		for client := range h.unitClients[AllUnits] {
			if !client.HasUnit(u.UnitID) {
				perClient[client] = append(perClient[client], u)
			}
		}
	}

	for client, us := range perClient {
		data, err := EncodeStatus(us)
		if err != nil {
			continue
		}

		select {
		case client.Send <- data:
		default:
			h.logger.Debug("client send buffer full", "client_id", client.ID)
		}
	}
}

func (h *Hub) dropFromIndex(client *Client, unitIDs []string) {
	for _, unitID := range unitIDs {
		if h.unitClients[unitID] != nil {
			delete(h.unitClients[unitID], client)
			if len(h.unitClients[unitID]) == 0 {
				delete(h.unitClients, unitID)
			}
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()

	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}

	h.dropFromIndex(client, client.Units())
	delete(h.clients, client)
	close(client.Send)
	total := len(h.clients)
	h.mu.Unlock()

	h.reportCount(total)
	h.logger.Debug("client unregistered", "client_id", client.ID, "total", total)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.Send)
	}
	h.clients = make(map[*Client]struct{})
	h.unitClients = make(map[string]map[*Client]struct{})
	h.reportCount(0)
}

func (h *Hub) reportCount(n int) {
	if h.gauge != nil {
		h.gauge.SetWSClients(n)
	}
}
