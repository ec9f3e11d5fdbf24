package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/goldvault/gold-engine/internal/events"
	"github.com/goldvault/gold-engine/internal/metrics"
	"github.com/goldvault/gold-engine/internal/model"
)

// WSMessage is a JSON message sent to WebSocket clients. Price ticks fill
// the price fields, order events the order fields.
type WSMessage struct {
	Type string `json:"type"` // "price" or an order event type

	BuyPerGram  string `json:"buy_per_gram,omitempty"`
	SellPerGram string `json:"sell_per_gram,omitempty"`
	BuyPerTola  string `json:"buy_per_tola,omitempty"`
	SellPerTola string `json:"sell_per_tola,omitempty"`
	Stale       bool   `json:"stale,omitempty"`

	OrderToken   string `json:"order_token,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	Side         string `json:"side,omitempty"`
	Status       string `json:"status,omitempty"`
	Grams        string `json:"grams,omitempty"`
	PricePerGram string `json:"price_per_gram,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// WSHub manages WebSocket connections and broadcasts price ticks and order
// status changes to every connected client.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's event loop and closes every client when ctx ends.
// Must be called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.logger.Info("ws client connected", "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all connected clients. It never blocks: when
// the buffer is full the message is dropped.
func (h *WSHub) Broadcast(msg WSMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	select {
	case h.broadcast <- data:
		return true
	default:
		return false
	}
}

// BroadcastQuote pushes a price tick.
func (h *WSHub) BroadcastQuote(q *model.Quote) {
	h.Broadcast(WSMessage{
		Type:        "price",
		BuyPerGram:  q.PerGram.Buy.String(),
		SellPerGram: q.PerGram.Sell.String(),
		BuyPerTola:  q.PerTola.Buy.String(),
		SellPerTola: q.PerTola.Sell.String(),
		Stale:       q.Stale,
		Timestamp:   q.FetchedAt,
	})
}

// Publish pushes an order event, so the hub can sit behind events.Fanout.
func (h *WSHub) Publish(_ context.Context, ev events.Event) error {
	ok := h.Broadcast(WSMessage{
		Type:         ev.EventType,
		OrderToken:   ev.OrderToken,
		UserID:       ev.UserID,
		Side:         string(ev.Side),
		Status:       string(ev.Status),
		Grams:        ev.QuantityGrams.String(),
		PricePerGram: ev.PricePerGram.String(),
		Timestamp:    ev.Timestamp,
	})
	status := "success"
	if !ok {
		status = "dropped"
	}
	metrics.EventPublishes.WithLabelValues("websocket", status).Inc()
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "error", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.Lock()
			_, ok := h.clients[conn]
			var err error
			if ok {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
			h.mu.Unlock()
			if !ok || err != nil {
				return
			}
		}
	}()
}
