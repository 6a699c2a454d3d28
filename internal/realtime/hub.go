// Package realtime serves the websocket channel viewers use to follow
// trackers live.
package realtime

import (
	"context"
	"encoding/json"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/trackhub/internal/metrics"
)

// Events pushed to viewers.
const (
	EventNewTracker  = "new-tracker"
	EventPairingList = "pairing-list"
	EventPairingData = "pairing-data"
	EventTrackPing   = "track-ping"
	EventTrackEvent  = "track-event"
	EventSoftAlert   = "soft-alert"
	EventError       = "error"
)

// Requests sent by viewers.
const (
	RequestNewTracker  = "get-new-tracker"
	RequestPairingList = "get-pairing-list"
	RequestPairingData = "get-pairing-data"
)

// Envelope is the wire shape of every message in both directions.
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Provider answers viewer requests.
type Provider interface {
	NewTrackers(ctx context.Context) (interface{}, error)
	PairingList(ctx context.Context, userID string) ([]string, error)
	PairingData(ctx context.Context, pairingID string) (interface{}, error)
}

type outbound struct {
	pairingID string
	payload   []byte
}

// Hub maintains active viewer connections and fans out broadcasts
type Hub struct {
	provider   Provider
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a new Hub instance
func NewHub(provider Provider) *Hub {
	return &Hub{
		provider:   provider,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, 1024),
		done:       make(chan struct{}),
	}
}

// SetProvider replaces the request provider. It must be called before Run.
func (h *Hub) SetProvider(p Provider) {
	h.provider = p
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ViewerClients.Set(0)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			metrics.ViewerClients.Set(float64(count))
			log.WithFields(log.Fields{
				"client_id": client.ID,
				"user_id":   client.viewer.UserID,
				"role":      client.viewer.Role,
				"clients":   count,
			}).Info("viewer connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			metrics.ViewerClients.Set(float64(count))
			log.WithField("client_id", client.ID).Info("viewer disconnected")

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.accepts(msg.pairingID) {
					continue
				}
				if !client.enqueue(msg.payload) {
					// slow viewer, drop it
					delete(h.clients, client)
					client.close()
					log.WithField("client_id", client.ID).Warn("viewer buffer full, disconnecting")
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast queues an event for every viewer watching pairingID. It never
// blocks; events are dropped when the hub is saturated.
func (h *Hub) Broadcast(pairingID, event string, data interface{}) {
	payload, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		log.WithError(err).WithField("event", event).Error("failed to marshal broadcast")
		return
	}
	select {
	case h.broadcast <- outbound{pairingID: pairingID, payload: payload}:
	default:
		log.WithField("event", event).Warn("broadcast queue full, dropping event")
	}
}

// ClientCount returns the number of connected viewers
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
