// internal/realtime/conn.go

package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	defaultSendBuffer = 256
)

// Conn is one authenticated websocket connection. A user may hold several.
type Conn struct {
	id       string
	userID   int64
	role     string
	hub      *Hub
	ws       *websocket.Conn
	send     chan []byte
	limiter  *rate.Limiter
	dispatch *Dispatcher
	logger   *zap.Logger

	// Owned by the hub loop
	rooms map[int64]struct{}

	unregisterOnce sync.Once
}

// ConnOptions tune per-connection limits
type ConnOptions struct {
	SendBuffer   int
	InboundRate  float64
	InboundBurst int
}

func newConn(hub *Hub, dispatch *Dispatcher, ws *websocket.Conn, userID int64, role string, opts ConnOptions, logger *zap.Logger) *Conn {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	limit := rate.Inf
	if opts.InboundRate > 0 {
		limit = rate.Limit(opts.InboundRate)
	}
	if opts.InboundBurst <= 0 {
		opts.InboundBurst = 1
	}

	id := uuid.New().String()
	return &Conn{
		id:       id,
		userID:   userID,
		role:     role,
		hub:      hub,
		ws:       ws,
		send:     make(chan []byte, opts.SendBuffer),
		limiter:  rate.NewLimiter(limit, opts.InboundBurst),
		dispatch: dispatch,
		logger:   logger.With(zap.String("conn_id", id), zap.Int64("user_id", userID)),
		rooms:    make(map[int64]struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) UserID() int64 { return c.userID }

func (c *Conn) markUnregistered() bool {
	first := false
	c.unregisterOnce.Do(func() { first = true })
	return first
}

func (c *Conn) start() {
	go c.writePump()
	go c.readPump()
}

// readPump handles inbound frames one at a time, so a connection's events are
// applied in the order they were sent.
func (c *Conn) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		if !c.limiter.Allow() {
			rateLimited.Inc()
			c.dispatch.reject(c, message, CodeRateLimited, "Too many events")
			continue
		}
		c.dispatch.Handle(c, message)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
