package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/trackhub/internal/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 1024

	// Time allowed for the provider to answer a request
	requestTimeout = 5 * time.Second
)

// Viewer is the authenticated identity behind a connection.
type Viewer struct {
	UserID string
	Role   models.Role
}

func (v Viewer) can(action string) bool {
	return (&models.User{Role: v.Role}).HasPermission(action)
}

// Client is one viewer connection
type Client struct {
	ID     string
	viewer Viewer
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte

	mu      sync.Mutex
	closed  bool
	watched map[string]bool
}

type request struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewClient creates a new viewer client
func NewClient(id string, viewer Viewer, conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		ID:      id,
		viewer:  viewer,
		conn:    conn,
		hub:     hub,
		send:    make(chan []byte, 256),
		watched: make(map[string]bool),
	}
}

// accepts reports whether a broadcast for pairingID reaches this client.
// Unassigned broadcasts only reach viewers who see every pairing.
func (c *Client) accepts(pairingID string) bool {
	if c.viewer.can("view_all_pairings") {
		return true
	}
	if pairingID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watched[pairingID]
}

func (c *Client) watch(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.watched[id] = true
	}
}

func (c *Client) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) reply(event string, data interface{}) {
	payload, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		log.WithError(err).WithField("event", event).Error("failed to marshal reply")
		return
	}
	if !c.enqueue(payload) {
		log.WithField("client_id", c.ID).Warn("viewer buffer full, reply dropped")
	}
}

func (c *Client) replyError(message string) {
	c.reply(EventError, map[string]string{"message": message})
}

// ReadPump pumps requests from the websocket connection to the provider
func (c *Client) ReadPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.WithError(err).WithField("client_id", c.ID).Warn("websocket error")
			}
			break
		}

		var req request
		if err := json.Unmarshal(message, &req); err != nil {
			c.replyError("invalid message format")
			continue
		}
		c.handle(req)
	}
}

func (c *Client) handle(req request) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	provider := c.hub.provider

	switch req.Event {
	case RequestNewTracker:
		if !c.viewer.can("view_all_pairings") {
			c.replyError("forbidden")
			return
		}
		trackers, err := provider.NewTrackers(ctx)
		if err != nil {
			c.replyError(err.Error())
			return
		}
		c.reply(EventNewTracker, trackers)

	case RequestPairingList:
		var body struct {
			UserID string `json:"userID"`
		}
		_ = json.Unmarshal(req.Data, &body)
		if body.UserID == "" {
			body.UserID = c.viewer.UserID
		}
		if body.UserID != c.viewer.UserID && !c.viewer.can("view_all_pairings") {
			c.replyError("forbidden")
			return
		}
		ids, err := provider.PairingList(ctx, body.UserID)
		if err != nil {
			c.replyError(err.Error())
			return
		}
		c.watch(ids)
		c.reply(EventPairingList, ids)

	case RequestPairingData:
		var body struct {
			PairingID string `json:"pairingID"`
		}
		if err := json.Unmarshal(req.Data, &body); err != nil || body.PairingID == "" {
			c.replyError("pairingID required")
			return
		}
		if !c.accepts(body.PairingID) {
			c.replyError("forbidden")
			return
		}
		data, err := provider.PairingData(ctx, body.PairingID)
		if err != nil {
			c.replyError(err.Error())
			return
		}
		c.reply(EventPairingData, data)

	default:
		c.replyError("unknown event " + req.Event)
	}
}

// WritePump pumps messages from the hub to the websocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
