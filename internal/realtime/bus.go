// internal/realtime/bus.go

package realtime

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Envelope kinds
const (
	kindChat     = "chat"
	kindUser     = "user"
	kindUnjoined = "unjoined"
	kindAll      = "all"
	kindConn     = "conn"
	kindLeave    = "leave"
)

// Envelope is one fan-out instruction. It is applied by the hub loop of every process
// that sees it, so it only names rooms and users, never local connection pointers.
type Envelope struct {
	Origin     string          `json:"origin"`
	Kind       string          `json:"kind"`
	Event      string          `json:"event"`
	ChatID     int64           `json:"chatId,omitempty"`
	UserIDs    []int64         `json:"userIds,omitempty"`
	ConnID     string          `json:"connId,omitempty"`
	ExceptUser int64           `json:"exceptUser,omitempty"`
	ExceptConn string          `json:"exceptConn,omitempty"`
	Frame      json.RawMessage `json:"frame,omitempty"`
}

// Bus carries envelopes between relay processes
type Bus interface {
	Publish(ctx context.Context, env *Envelope) error
	// Subscribe blocks delivering envelopes to handle until ctx is done
	Subscribe(ctx context.Context, handle func(*Envelope)) error
}

type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

func NewRedisBus(client *redis.Client, channel string, logger *zap.Logger) *RedisBus {
	if channel == "" {
		channel = "realtime:relay"
	}
	return &RedisBus{client: client, channel: channel, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, handle func(*Envelope)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed before reporting ready
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("dropping malformed relay envelope", zap.Error(err))
				continue
			}
			handle(&env)
		}
	}
}
