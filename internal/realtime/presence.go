// internal/realtime/presence.go

package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// PresenceStore maps a user to the set of their live connection ids.
// Register reports whether the connection is the user's first; Unregister whether it was the last.
type PresenceStore interface {
	Register(ctx context.Context, userID int64, connID string) (first bool, err error)
	Unregister(ctx context.Context, userID int64, connID string) (last bool, err error)
	IsOnline(ctx context.Context, userID int64) (bool, error)
	Connections(ctx context.Context, userID int64) ([]string, error)
}

// In-memory presence for single process deployments

type MemoryPresence struct {
	mu    sync.RWMutex
	users map[int64]map[string]struct{}
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{users: make(map[int64]map[string]struct{})}
}

func (p *MemoryPresence) Register(ctx context.Context, userID int64, connID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.users[userID]
	if !ok {
		set = make(map[string]struct{})
		p.users[userID] = set
	}
	if _, exists := set[connID]; exists {
		return false, nil
	}
	set[connID] = struct{}{}
	return len(set) == 1, nil
}

func (p *MemoryPresence) Unregister(ctx context.Context, userID int64, connID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.users[userID]
	if !ok {
		return false, nil
	}
	if _, exists := set[connID]; !exists {
		return false, nil
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(p.users, userID)
		return true, nil
	}
	return false, nil
}

func (p *MemoryPresence) IsOnline(ctx context.Context, userID int64) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.users[userID]) > 0, nil
}

func (p *MemoryPresence) Connections(ctx context.Context, userID int64) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.users[userID]))
	for id := range p.users[userID] {
		ids = append(ids, id)
	}
	return ids, nil
}

// Redis presence shared by every relay process

const presenceTTL = 24 * time.Hour

type RedisPresence struct {
	client *redis.Client
	prefix string
}

func NewRedisPresence(client *redis.Client) *RedisPresence {
	return &RedisPresence{client: client, prefix: "presence:user:"}
}

func (p *RedisPresence) key(userID int64) string {
	return fmt.Sprintf("%s%d", p.prefix, userID)
}

// Register adds the connection and refreshes the set's TTL so sets left behind by a
// crashed process eventually expire.
func (p *RedisPresence) Register(ctx context.Context, userID int64, connID string) (bool, error) {
	key := p.key(userID)

	var added *redis.IntCmd
	var size *redis.IntCmd
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.SAdd(ctx, key, connID)
		size = pipe.SCard(ctx, key)
		pipe.Expire(ctx, key, presenceTTL)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("presence register: %w", err)
	}
	return added.Val() == 1 && size.Val() == 1, nil
}

func (p *RedisPresence) Unregister(ctx context.Context, userID int64, connID string) (bool, error) {
	key := p.key(userID)

	var removed *redis.IntCmd
	var size *redis.IntCmd
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, key, connID)
		size = pipe.SCard(ctx, key)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("presence unregister: %w", err)
	}
	return removed.Val() == 1 && size.Val() == 0, nil
}

func (p *RedisPresence) IsOnline(ctx context.Context, userID int64) (bool, error) {
	n, err := p.client.SCard(ctx, p.key(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *RedisPresence) Connections(ctx context.Context, userID int64) ([]string, error) {
	return p.client.SMembers(ctx, p.key(userID)).Result()
}
