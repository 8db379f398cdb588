// internal/wsclient/client.go
// Reconnecting relay client used by Go consumers and integration tooling

package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

const (
	eventJoinChat       = "join-chat"
	eventLeaveChat      = "leave-chat"
	eventReceiveMessage = "receive-message"
	eventUserTyping     = "user-typing"
)

const (
	defaultBaseDelay    = 500 * time.Millisecond
	defaultMaxDelay     = 30 * time.Second
	defaultDedupSize    = 512
	defaultTypingExpiry = 3 * time.Second
	defaultSendBuffer   = 64
	writeWait           = 10 * time.Second
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Frame mirrors the relay's wire envelope
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ref   string          `json:"ref,omitempty"`
}

type Handler func(data json.RawMessage)

type Options struct {
	URL   string
	Token string

	BaseDelay    time.Duration
	MaxDelay     time.Duration
	DedupSize    int
	TypingExpiry time.Duration
	SendBuffer   int

	OnState func(State)
	Dialer  *websocket.Dialer
	Logger  *zap.Logger
}

type typingKey struct {
	chatID int64
	userID int64
}

// Client keeps one relay connection alive. Chats joined through JoinChat are joined
// again after every reconnect, duplicate receive-message frames are dropped, and a
// user-typing start with no follow-up is turned into a stop after TypingExpiry.
type Client struct {
	opts   Options
	logger *zap.Logger
	seen   *lru.Cache

	mu       sync.Mutex
	handlers map[string][]Handler
	rooms    map[int64]struct{}
	out      chan []byte
	typing   map[typingKey]*time.Timer
	state    State
	rng      *rand.Rand
}

func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("wsclient: URL is required")
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.DedupSize <= 0 {
		opts.DedupSize = defaultDedupSize
	}
	if opts.TypingExpiry <= 0 {
		opts.TypingExpiry = defaultTypingExpiry
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	seen, err := lru.New(opts.DedupSize)
	if err != nil {
		return nil, err
	}

	return &Client{
		opts:     opts,
		logger:   opts.Logger,
		seen:     seen,
		handlers: make(map[string][]Handler),
		rooms:    make(map[int64]struct{}),
		typing:   make(map[typingKey]*time.Timer),
		state:    StateDisconnected,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// On subscribes to an inbound event
func (c *Client) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Emit queues an outbound event on the current connection
func (c *Client) Emit(event string, payload interface{}) error {
	return c.EmitRef(event, "", payload)
}

// EmitRef is Emit with a ref the relay echoes on its ack or error
func (c *Client) EmitRef(event, ref string, payload interface{}) error {
	frame, err := encode(event, ref, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.out == nil {
		return ErrNotConnected
	}
	select {
	case c.out <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// JoinChat remembers the chat and joins it now if connected
func (c *Client) JoinChat(chatID int64) error {
	c.mu.Lock()
	c.rooms[chatID] = struct{}{}
	connected := c.out != nil
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.Emit(eventJoinChat, map[string]int64{"chatId": chatID})
}

func (c *Client) LeaveChat(chatID int64) error {
	c.mu.Lock()
	delete(c.rooms, chatID)
	connected := c.out != nil
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.Emit(eventLeaveChat, map[string]int64{"chatId": chatID})
}

// Run connects and reconnects until ctx is done
func (c *Client) Run(ctx context.Context) error {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	attempt := 0
	for {
		c.setState(StateConnecting)

		ws, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
		if err == nil {
			attempt = 0
			c.serve(ctx, ws)
		} else {
			c.logger.Debug("relay dial failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		c.setState(StateDisconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := c.backoff(attempt)
		attempt++

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// backoff returns a full-jitter delay in [0, min(MaxDelay, BaseDelay*2^attempt))
func (c *Client) backoff(attempt int) time.Duration {
	ceiling := c.opts.MaxDelay
	if attempt < 32 {
		if d := c.opts.BaseDelay << uint(attempt); d > 0 && d < ceiling {
			ceiling = d
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.rng.Int63n(int64(ceiling)))
}

func (c *Client) serve(ctx context.Context, ws *websocket.Conn) {
	done := make(chan struct{})

	// Rejoins are queued before anything else can be emitted on this connection
	c.mu.Lock()
	out := make(chan []byte, c.opts.SendBuffer+len(c.rooms))
	for id := range c.rooms {
		frame, _ := encode(eventJoinChat, "", map[string]int64{"chatId": id})
		out <- frame
	}
	c.out = out
	c.mu.Unlock()

	go c.writePump(ws, out, done)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-done:
		}
	}()

	c.setState(StateConnected)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.logger.Debug("relay connection closed", zap.Error(err))
			break
		}
		c.dispatch(data)
	}

	c.mu.Lock()
	c.out = nil
	c.mu.Unlock()
	close(done)
	ws.Close()
}

func (c *Client) writePump(ws *websocket.Conn, out <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case frame := <-out:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				ws.Close()
				return
			}
		case <-done:
			return
		}
	}
}

func (c *Client) dispatch(data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Debug("dropping malformed frame", zap.Error(err))
		return
	}

	switch frame.Event {
	case eventReceiveMessage:
		var p struct {
			Message struct {
				ID int64 `json:"id"`
			} `json:"message"`
		}
		if json.Unmarshal(frame.Data, &p) == nil && p.Message.ID != 0 {
			if seen, _ := c.seen.ContainsOrAdd(p.Message.ID, struct{}{}); seen {
				return
			}
		}

	case eventUserTyping:
		var p typingUpdate
		if json.Unmarshal(frame.Data, &p) == nil {
			c.trackTyping(p)
		}
	}

	c.fire(frame.Event, frame.Data)
}

type typingUpdate struct {
	ChatID   int64 `json:"chatId"`
	UserID   int64 `json:"userId"`
	IsTyping bool  `json:"isTyping"`
}

func (c *Client) trackTyping(p typingUpdate) {
	key := typingKey{chatID: p.ChatID, userID: p.UserID}

	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.typing[key]; ok {
		t.Stop()
		delete(c.typing, key)
	}
	if !p.IsTyping {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(c.opts.TypingExpiry, func() {
		c.mu.Lock()
		if c.typing[key] != timer {
			c.mu.Unlock()
			return
		}
		delete(c.typing, key)
		c.mu.Unlock()

		data, _ := json.Marshal(typingUpdate{ChatID: key.chatID, UserID: key.userID})
		c.fire(eventUserTyping, data)
	})
	c.typing[key] = timer
}

func (c *Client) fire(event string, data json.RawMessage) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[event]...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed && c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}

func encode(event, ref string, payload interface{}) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = raw
	}
	return json.Marshal(Frame{Event: event, Data: data, Ref: ref})
}
