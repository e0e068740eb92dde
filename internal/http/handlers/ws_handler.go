package handlers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/invoicemesh/backend/internal/auth"
	"github.com/invoicemesh/backend/internal/config"
	"github.com/invoicemesh/backend/internal/events"
	"go.uber.org/zap"
)

// wsClient is one authenticated websocket connection. An empty watch set
// means the client receives every invoice event; otherwise only events for
// the watched invoice ids.
type wsClient struct {
	conn    *websocket.Conn
	userID  uuid.UUID
	mu      sync.Mutex
	watched map[string]bool
}

func (c *wsClient) wants(invoiceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.watched) == 0 || c.watched[invoiceID]
}

func (c *wsClient) send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

// WSHub fans invoice lifecycle events out to connected clients.
type WSHub struct {
	cfg        *config.Config
	subscriber events.Subscriber
	log        *zap.Logger
	mu         sync.RWMutex
	clients    map[*wsClient]struct{}
}

func NewWSHub(cfg *config.Config, subscriber events.Subscriber, log *zap.Logger) *WSHub {
	return &WSHub{
		cfg:        cfg,
		subscriber: subscriber,
		log:        log,
		clients:    make(map[*wsClient]struct{}),
	}
}

func (h *WSHub) Start(ctx context.Context) {
	err := h.subscriber.Subscribe(ctx, events.StreamInvoice, func(event events.Event) {
		h.broadcast(event)
	})
	if err != nil {
		h.log.Error("invoice event subscription failed", zap.Error(err))
	}
}

func (h *WSHub) broadcast(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	invoiceID, _ := event.Payload["invoice_id"].(string)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.wants(invoiceID) {
			client.send(data)
		}
	}
}

// SendToUser delivers an event to every connection a user holds.
func (h *WSHub) SendToUser(userID uuid.UUID, event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.userID == userID {
			client.send(data)
		}
	}
}

// WSUpgradeMiddleware rejects plain HTTP requests on the websocket route.
func WSUpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

// wsCommand is what clients send upstream: watch/unwatch an invoice to
// narrow their feed.
type wsCommand struct {
	Action    string `json:"action"`
	InvoiceID string `json:"invoice_id"`
}

func (h *WSHub) HandleWS(conn *websocket.Conn) {
	tokenStr := conn.Query("token")
	if tokenStr == "" {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"missing token"}`))
		conn.Close()
		return
	}

	claims, err := auth.ParseJWT(h.cfg.JWTSecret, tokenStr)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"invalid token"}`))
		conn.Close()
		return
	}

	client := &wsClient{conn: conn, userID: claims.UserID, watched: make(map[string]bool)}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd wsCommand
		if err := json.Unmarshal(msg, &cmd); err != nil || cmd.InvoiceID == "" {
			continue
		}
		client.mu.Lock()
		switch cmd.Action {
		case "watch":
			client.watched[cmd.InvoiceID] = true
		case "unwatch":
			delete(client.watched, cmd.InvoiceID)
		}
		client.mu.Unlock()
	}
}
