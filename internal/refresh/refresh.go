// Package refresh tells presentation layers that a session's attendance changed.
package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

const (
	countKeyPrefix = "rollcall:count:"
	// RedisChannel carries session ids whose attendance changed.
	RedisChannel = "rollcall:sessions:refresh"
	// SubjectPrefix prefixes NATS subjects: rollcall.session.<id>.attendance.
	SubjectPrefix = "rollcall.session."
)

// Notifier receives a session id whose attendance view is stale.
type Notifier interface {
	SessionChanged(ctx context.Context, sessionID string) error
}

// Event is the message body published on change.
type Event struct {
	SessionID string    `json:"session_id"`
	ChangedAt time.Time `json:"changed_at"`
}

// CountKey is the Redis key caching a session's attendance count.
func CountKey(sessionID string) string { return countKeyPrefix + sessionID }

// VersionKey counts invalidations of a session's cached count.
func VersionKey(sessionID string) string { return countKeyPrefix + sessionID + ":v" }

// versionTTL outlives any count entry so a stale fill cannot see a reset version.
const versionTTL = 24 * time.Hour

// Subject is the NATS subject for a session.
func Subject(sessionID string) string { return SubjectPrefix + sessionID + ".attendance" }

// Nop ignores all signals.
type Nop struct{}

// SessionChanged does nothing.
func (Nop) SessionChanged(context.Context, string) error { return nil }

// Multi fans a signal out to several notifiers.
type Multi []Notifier

// SessionChanged notifies every member and joins their errors.
func (m Multi) SessionChanged(ctx context.Context, sessionID string) error {
	var errs []error
	for _, n := range m {
		if err := n.SessionChanged(ctx, sessionID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RedisNotifier drops the cached count and publishes the session id.
type RedisNotifier struct {
	client redis.Cmdable
}

// NewRedisNotifier builds a notifier on a Redis client.
func NewRedisNotifier(client redis.Cmdable) *RedisNotifier {
	return &RedisNotifier{client: client}
}

// SessionChanged invalidates the count cache, bumps its version and publishes
// on RedisChannel.
func (n *RedisNotifier) SessionChanged(ctx context.Context, sessionID string) error {
	_, err := n.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, CountKey(sessionID))
		p.Incr(ctx, VersionKey(sessionID))
		p.Expire(ctx, VersionKey(sessionID), versionTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate count cache: %w", err)
	}
	if err := n.client.Publish(ctx, RedisChannel, sessionID).Err(); err != nil {
		return fmt.Errorf("publish refresh: %w", err)
	}
	return nil
}

// NATSNotifier publishes an Event per session on NATS.
type NATSNotifier struct {
	conn *nats.Conn
	now  func() time.Time
}

// NewNATSNotifier builds a notifier on an open NATS connection.
func NewNATSNotifier(conn *nats.Conn) *NATSNotifier {
	return &NATSNotifier{conn: conn, now: time.Now}
}

// SessionChanged publishes to Subject(sessionID).
func (n *NATSNotifier) SessionChanged(ctx context.Context, sessionID string) error {
	if n == nil || n.conn == nil {
		return errors.New("nil nats connection")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(Event{SessionID: sessionID, ChangedAt: n.now().UTC()})
	if err != nil {
		return err
	}
	return n.conn.Publish(Subject(sessionID), data)
}

// CountCache caches per-session attendance counts until invalidated.
type CountCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewCountCache builds a cache whose entries live for ttl.
func NewCountCache(client redis.Cmdable, ttl time.Duration) *CountCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CountCache{client: client, ttl: ttl}
}

// Get returns the cached count and whether it was present.
func (c *CountCache) Get(ctx context.Context, sessionID string) (int64, bool, error) {
	raw, err := c.client.Get(ctx, CountKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return n, true, nil
}

// fillScript writes the count only if no invalidation happened since the
// caller read the version.
var fillScript = redis.NewScript(`
local v = redis.call("GET", KEYS[2]) or "0"
if v ~= ARGV[2] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
return 1
`)

// Version returns the invalidation counter of a session. Read it before
// loading the count from the store and pass it to Set.
func (c *CountCache) Version(ctx context.Context, sessionID string) (int64, error) {
	v, err := c.client.Get(ctx, VersionKey(sessionID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// Set stores a count loaded at version. It reports false when the session
// changed in the meantime and the count was not cached.
func (c *CountCache) Set(ctx context.Context, sessionID string, count, version int64) (bool, error) {
	ok, err := fillScript.Run(ctx, c.client,
		[]string{CountKey(sessionID), VersionKey(sessionID)},
		count, version, c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return ok == 1, nil
}
