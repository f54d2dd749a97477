package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the Redis list holding pending check-ins.
const DefaultKey = "rollcall:queue:attendance"

// Envelope is an accepted check-in waiting to be persisted.
type Envelope struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Method    string    `json:"method"`
	Status    string    `json:"status"`
	CheckInAt time.Time `json:"check_in_at"`
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
	QueuedAt  time.Time `json:"queued_at"`
}

// Item is one popped entry. Err is set when Raw could not be decoded.
type Item struct {
	Envelope Envelope
	Raw      string
	Err      error
}

// Queue is a FIFO write buffer shared by all producers and drains.
// PopBatch is destructive: an item is handed to exactly one caller.
type Queue interface {
	Push(ctx context.Context, env Envelope) error
	Len(ctx context.Context) (int64, error)
	PopBatch(ctx context.Context, max int) ([]Item, error)
}

func encode(env Envelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	return string(data), nil
}

func decode(raw string) Item {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Item{Raw: raw, Err: fmt.Errorf("decode envelope: %w", err)}
	}
	if env.UserID == "" || env.SessionID == "" {
		return Item{Envelope: env, Raw: raw, Err: errors.New("decode envelope: missing user or session id")}
	}
	return Item{Envelope: env, Raw: raw}
}

// RedisQueue implements the queue on a Redis list using LPUSH/RPOP.
type RedisQueue struct {
	client redis.Cmdable
	key    string
}

// NewRedisQueue builds a queue on the given list key.
func NewRedisQueue(client redis.Cmdable, key string) *RedisQueue {
	if key == "" {
		key = DefaultKey
	}
	return &RedisQueue{client: client, key: key}
}

// Push enqueues an envelope.
func (q *RedisQueue) Push(ctx context.Context, env Envelope) error {
	raw, err := encode(env)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, raw).Err()
}

// Len returns the backlog size.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// PopBatch removes up to max of the oldest envelopes in one RPOP command.
func (q *RedisQueue) PopBatch(ctx context.Context, max int) ([]Item, error) {
	if max <= 0 {
		return nil, nil
	}
	raws, err := q.client.RPopCount(ctx, q.key, max).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(raws))
	for _, raw := range raws {
		items = append(items, decode(raw))
	}
	return items, nil
}

// InMemory is a mutex-guarded queue for dev/testing.
type InMemory struct {
	mu    sync.Mutex
	items []string
}

// NewInMemory creates an empty in-memory queue.
func NewInMemory() *InMemory {
	return &InMemory{}
}

// Push enqueues an envelope.
func (q *InMemory) Push(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encode(env)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.items = append(q.items, raw)
	q.mu.Unlock()
	return nil
}

// PushRaw enqueues an already serialized entry.
func (q *InMemory) PushRaw(raw string) {
	q.mu.Lock()
	q.items = append(q.items, raw)
	q.mu.Unlock()
}

// Len returns the backlog size.
func (q *InMemory) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

// PopBatch removes up to max of the oldest envelopes.
func (q *InMemory) PopBatch(ctx context.Context, max int) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	n := min(max, len(q.items))
	if n <= 0 {
		q.mu.Unlock()
		return nil, nil
	}
	raws := q.items[:n:n]
	q.items = q.items[n:]
	q.mu.Unlock()

	items := make([]Item, 0, n)
	for _, raw := range raws {
		items = append(items, decode(raw))
	}
	return items, nil
}
