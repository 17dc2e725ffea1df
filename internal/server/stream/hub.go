// Package stream pushes bus events to websocket clients.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/batchwatch/internal/errors"
	"github.com/3leaps/batchwatch/pkg/events"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultBuffer       = 64

	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Subscriber is the part of events.Bus the hub needs.
type Subscriber interface {
	SubscribeAll(h events.Handler) (unsubscribe func(), err error)
}

// Config configures a Hub.
type Config struct {
	Bus Subscriber

	// AllowedOrigins are doublestar patterns matched against the Origin
	// header. Empty allows same-origin requests only.
	AllowedOrigins []string

	WriteTimeout time.Duration

	// Buffer is the per-client queue length. A client whose queue is full
	// is disconnected.
	Buffer int

	Logger *zap.Logger
}

// Hub fans events out to connected websocket clients.
type Hub struct {
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	buffer       int
	logger       *zap.Logger
	unsubscribe  func()

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn   *websocket.Conn
	filter Filter
	send   chan []byte

	once sync.Once
	done chan struct{}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// NewHub subscribes to every topic on cfg.Bus.
func NewHub(cfg Config) (*Hub, error) {
	if cfg.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	for _, p := range cfg.AllowedOrigins {
		if !doublestar.ValidatePattern(p) {
			return nil, errors.New("invalid allowed origin pattern " + p)
		}
	}

	h := &Hub{
		writeTimeout: cfg.WriteTimeout,
		buffer:       cfg.Buffer,
		logger:       cfg.Logger,
		clients:      make(map[*client]struct{}),
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = defaultWriteTimeout
	}
	if h.buffer <= 0 {
		h.buffer = defaultBuffer
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(cfg.AllowedOrigins) > 0 {
		origins := cfg.AllowedOrigins
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, p := range origins {
				if ok, _ := doublestar.Match(p, origin); ok {
					return true
				}
			}
			return false
		}
	}

	unsubscribe, err := cfg.Bus.SubscribeAll(h.broadcast)
	if err != nil {
		return nil, err
	}
	h.unsubscribe = unsubscribe
	return h, nil
}

// ServeHTTP upgrades the request and streams matching events until the
// client disconnects or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseFilter(r.URL.Query())
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.BadRequest("invalid stream filter", err))
		return
	}

	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		apperrors.RespondWithError(w, r, apperrors.ServiceUnavailable("event stream closed", nil))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn:   conn,
		filter: filter,
		send:   make(chan []byte, h.buffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("Stream client connected",
		zap.String("remote", r.RemoteAddr),
		zap.Int("clients", count))

	go h.writeLoop(c)
	h.readLoop(c)

	h.mu.Lock()
	delete(h.clients, c)
	count = len(h.clients)
	h.mu.Unlock()
	c.close()

	h.logger.Debug("Stream client disconnected", zap.Int("clients", count))
}

// readLoop discards client messages and returns when the connection ends.
func (h *Hub) readLoop(c *client) {
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("Stream client error", zap.Error(err))
			}
			return
		}
	}
}

// writeLoop owns all writes to the connection.
func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// broadcast runs on the publishing goroutine and must not block.
func (h *Hub) broadcast(_ context.Context, ev events.Event) {
	var msg []byte

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.filter.Match(ev) {
			continue
		}
		if msg == nil {
			var err error
			msg, err = json.Marshal(ev)
			if err != nil {
				h.logger.Error("Failed to encode event", zap.String("job_id", ev.JobID), zap.Error(err))
				return
			}
		}

		select {
		case <-c.done:
		case c.send <- msg:
		default:
			h.logger.Warn("Dropping slow stream client", zap.String("job_id", ev.JobID))
			c.close()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close unsubscribes from the bus and disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for c := range h.clients {
		c.close()
	}
	h.mu.Unlock()

	h.unsubscribe()
}
