// internal/realtime/hub.go

package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/imadgeboyega/jobchat/internal/messaging"
	"go.uber.org/zap"
)

const (
	opRegister = iota
	opUnregister
	opJoin
	opLeave
	opDeliver
)

const (
	opQueueSize    = 1024
	publishTimeout = 2 * time.Second
	presenceWait   = 5 * time.Second
)

var ErrHubClosed = errors.New("hub is not running")

type hubOp struct {
	kind   int
	conn   *Conn
	chatID int64
	env    *Envelope
}

// Hub is the event relay. A single Run loop owns connection, user and room membership,
// so fan-out is FIFO in the order operations were enqueued. Cross-process fan-out goes
// through the optional Bus; presence is shared through the PresenceStore.
type Hub struct {
	nodeID   string
	presence PresenceStore
	bus      Bus
	service  messaging.Service
	logger   *zap.Logger

	ops  chan hubOp
	done chan struct{}

	disconnectHooks []func(userID int64, connID string, last bool)

	// Owned by Run
	conns map[string]*Conn
	users map[int64]map[*Conn]struct{}
	rooms map[int64]map[*Conn]struct{}
}

// NewHub creates a hub. bus may be nil for single process deployments.
func NewHub(presence PresenceStore, bus Bus, service messaging.Service, logger *zap.Logger) *Hub {
	return &Hub{
		nodeID:   uuid.New().String(),
		presence: presence,
		bus:      bus,
		service:  service,
		logger:   logger,
		ops:      make(chan hubOp, opQueueSize),
		done:     make(chan struct{}),
		conns:    make(map[string]*Conn),
		users:    make(map[int64]map[*Conn]struct{}),
		rooms:    make(map[int64]map[*Conn]struct{}),
	}
}

// OnDisconnect registers a hook run after every connection closes. last reports
// whether it was the user's final connection. Hooks must be registered before Run.
func (h *Hub) OnDisconnect(fn func(userID int64, connID string, last bool)) {
	h.disconnectHooks = append(h.disconnectHooks, fn)
}

func (h *Hub) Run(ctx context.Context) {
	if h.bus != nil {
		go func() {
			err := h.bus.Subscribe(ctx, func(env *Envelope) {
				if env.Origin == h.nodeID {
					return
				}
				h.enqueue(hubOp{kind: opDeliver, env: env})
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				h.logger.Error("relay bus subscription ended", zap.Error(err))
			}
		}()
	}

	defer h.shutdown()

	for {
		select {
		case op := <-h.ops:
			h.apply(op)
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	for _, c := range h.conns {
		close(c.send)
	}
	h.conns = make(map[string]*Conn)
	h.users = make(map[int64]map[*Conn]struct{})
	h.rooms = make(map[int64]map[*Conn]struct{})
	h.logger.Info("relay hub stopped")
}

func (h *Hub) enqueue(op hubOp) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.ops <- op:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) apply(op hubOp) {
	switch op.kind {
	case opRegister:
		c := op.conn
		h.conns[c.id] = c
		if h.users[c.userID] == nil {
			h.users[c.userID] = make(map[*Conn]struct{})
		}
		h.users[c.userID][c] = struct{}{}

	case opUnregister:
		h.remove(op.conn)

	case opJoin:
		c := op.conn
		if _, ok := h.conns[c.id]; !ok {
			return
		}
		if h.rooms[op.chatID] == nil {
			h.rooms[op.chatID] = make(map[*Conn]struct{})
		}
		h.rooms[op.chatID][c] = struct{}{}
		c.rooms[op.chatID] = struct{}{}

	case opLeave:
		h.leave(op.conn, op.chatID)

	case opDeliver:
		h.deliver(op.env)
	}
}

func (h *Hub) remove(c *Conn) {
	if _, ok := h.conns[c.id]; !ok {
		return
	}
	delete(h.conns, c.id)

	if set := h.users[c.userID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.users, c.userID)
		}
	}
	for chatID := range c.rooms {
		h.leave(c, chatID)
	}
	close(c.send)
}

func (h *Hub) leave(c *Conn, chatID int64) {
	delete(c.rooms, chatID)
	if room := h.rooms[chatID]; room != nil {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, chatID)
		}
	}
}

func (h *Hub) deliver(env *Envelope) {
	switch env.Kind {
	case kindChat:
		for c := range h.rooms[env.ChatID] {
			if c.userID != env.ExceptUser {
				h.send(c, env)
			}
		}

	case kindUser:
		for _, userID := range env.UserIDs {
			for c := range h.users[userID] {
				if c.id != env.ExceptConn {
					h.send(c, env)
				}
			}
		}

	case kindUnjoined:
		for _, userID := range env.UserIDs {
			if h.joined(userID, env.ChatID) {
				continue
			}
			for c := range h.users[userID] {
				h.send(c, env)
			}
		}

	case kindAll:
		for _, c := range h.conns {
			if c.userID != env.ExceptUser {
				h.send(c, env)
			}
		}

	case kindConn:
		if c, ok := h.conns[env.ConnID]; ok {
			h.send(c, env)
		}

	case kindLeave:
		for _, userID := range env.UserIDs {
			for c := range h.users[userID] {
				h.leave(c, env.ChatID)
			}
		}
	}
}

func (h *Hub) joined(userID, chatID int64) bool {
	for c := range h.users[userID] {
		if _, ok := c.rooms[chatID]; ok {
			return true
		}
	}
	return false
}

// send never blocks the loop. A connection whose buffer is full is evicted; its
// read pump notices the closed socket and unregisters it.
func (h *Hub) send(c *Conn, env *Envelope) {
	select {
	case c.send <- env.Frame:
		relayEvents.WithLabelValues(env.Event).Inc()
	default:
		relayDrops.WithLabelValues("slow_consumer").Inc()
		h.logger.Debug("evicting slow connection",
			zap.String("conn_id", c.id),
			zap.Int64("user_id", c.userID),
			zap.String("event", env.Event),
		)
		h.remove(c)
	}
}

// publish encodes the frame once and fans it out locally and to other processes
func (h *Hub) publish(env *Envelope, payload interface{}) {
	if env.Frame == nil && env.Kind != kindLeave {
		frame, err := encodeFrame(env.Event, payload, "")
		if err != nil {
			h.logger.Error("failed to encode event", zap.String("event", env.Event), zap.Error(err))
			return
		}
		env.Frame = frame
	}
	env.Origin = h.nodeID

	if !h.enqueue(hubOp{kind: opDeliver, env: env}) {
		relayDrops.WithLabelValues("hub_closed").Inc()
		return
	}

	if h.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := h.bus.Publish(ctx, env); err != nil {
			relayDrops.WithLabelValues("bus").Inc()
			h.logger.Debug("relay bus publish failed", zap.String("event", env.Event), zap.Error(err))
		}
	}
}

// Relay surface used by the message store and the call relay

func (h *Hub) BroadcastToChat(chatID int64, event string, payload interface{}) {
	h.publish(&Envelope{Kind: kindChat, Event: event, ChatID: chatID}, payload)
}

// BroadcastToChatExcept skips every connection of exceptUser
func (h *Hub) BroadcastToChatExcept(chatID, exceptUser int64, event string, payload interface{}) {
	h.publish(&Envelope{Kind: kindChat, Event: event, ChatID: chatID, ExceptUser: exceptUser}, payload)
}

func (h *Hub) NotifyUnjoined(chatID int64, userIDs []int64, event string, payload interface{}) {
	if len(userIDs) == 0 {
		return
	}
	h.publish(&Envelope{Kind: kindUnjoined, Event: event, ChatID: chatID, UserIDs: userIDs}, payload)
}

func (h *Hub) NotifyUser(userID int64, event string, payload interface{}) {
	h.publish(&Envelope{Kind: kindUser, Event: event, UserIDs: []int64{userID}}, payload)
}

// NotifyUserExcept reaches every connection of userID other than exceptConn
func (h *Hub) NotifyUserExcept(userID int64, exceptConn string, event string, payload interface{}) {
	h.publish(&Envelope{Kind: kindUser, Event: event, UserIDs: []int64{userID}, ExceptConn: exceptConn}, payload)
}

func (h *Hub) SendToConn(connID string, event string, payload interface{}) {
	h.publish(&Envelope{Kind: kindConn, Event: event, ConnID: connID}, payload)
}

// reply queues a frame for a connection held by this process
func (h *Hub) reply(c *Conn, event string, frame []byte) {
	h.enqueue(hubOp{kind: opDeliver, env: &Envelope{Kind: kindConn, Event: event, ConnID: c.id, Frame: frame}})
}

// BroadcastAll reaches every connection except those of exceptUser
func (h *Hub) BroadcastAll(exceptUser int64, event string, payload interface{}) {
	h.publish(&Envelope{Kind: kindAll, Event: event, ExceptUser: exceptUser}, payload)
}

func (h *Hub) RemoveFromChat(chatID, userID int64) {
	h.publish(&Envelope{Kind: kindLeave, ChatID: chatID, UserIDs: []int64{userID}}, nil)
}

func (h *Hub) IsOnline(ctx context.Context, userID int64) bool {
	online, err := h.presence.IsOnline(ctx, userID)
	if err != nil {
		h.logger.Debug("presence lookup failed", zap.Int64("user_id", userID), zap.Error(err))
		return false
	}
	return online
}

func (h *Hub) Connections(ctx context.Context, userID int64) ([]string, error) {
	return h.presence.Connections(ctx, userID)
}

// Membership

func (h *Hub) Join(c *Conn, chatID int64) {
	h.enqueue(hubOp{kind: opJoin, conn: c, chatID: chatID})
}

func (h *Hub) Leave(c *Conn, chatID int64) {
	h.enqueue(hubOp{kind: opLeave, conn: c, chatID: chatID})
}

// Register records the connection in presence and in the hub. The user's first
// connection announces them online and turns their pending messages delivered.
func (h *Hub) Register(ctx context.Context, c *Conn) error {
	first, err := h.presence.Register(ctx, c.userID, c.id)
	if err != nil {
		return err
	}
	if !h.enqueue(hubOp{kind: opRegister, conn: c}) {
		h.presence.Unregister(context.Background(), c.userID, c.id)
		return ErrHubClosed
	}
	activeConnections.Inc()

	h.logger.Info("connection registered",
		zap.Int64("user_id", c.userID),
		zap.String("conn_id", c.id),
		zap.Bool("first", first),
	)

	if !first {
		return nil
	}
	onlineUsers.Inc()
	h.BroadcastAll(c.userID, EventUserStatusChange, StatusChange{UserID: c.userID, Status: "online"})

	if n, err := h.service.MarkDelivered(ctx, c.userID); err != nil {
		h.logger.Warn("failed to mark pending messages delivered", zap.Int64("user_id", c.userID), zap.Error(err))
	} else if n > 0 {
		h.logger.Debug("pending messages delivered", zap.Int64("user_id", c.userID), zap.Int("count", n))
	}
	return nil
}

// Unregister removes the connection. Only the user's last connection flips them offline.
func (h *Hub) Unregister(c *Conn) {
	if !c.markUnregistered() {
		return
	}
	h.enqueue(hubOp{kind: opUnregister, conn: c})
	activeConnections.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), presenceWait)
	defer cancel()

	last, err := h.presence.Unregister(ctx, c.userID, c.id)
	if err != nil {
		h.logger.Warn("presence unregister failed", zap.Int64("user_id", c.userID), zap.Error(err))
	}
	for _, fn := range h.disconnectHooks {
		fn(c.userID, c.id, last)
	}

	h.logger.Info("connection unregistered",
		zap.Int64("user_id", c.userID),
		zap.String("conn_id", c.id),
		zap.Bool("last", last),
	)

	if !last {
		return
	}
	onlineUsers.Dec()
	now := time.Now().UTC()
	h.BroadcastAll(c.userID, EventUserStatusChange, StatusChange{UserID: c.userID, Status: "offline", LastSeen: &now})
}
