package attendance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockScript deletes the lock only if this holder still owns it.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a short-lived advisory lock around a drain cycle.
type RedisLock struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// NewRedisLock builds a lock on key that expires after ttl if never released.
func NewRedisLock(client redis.Cmdable, key string, ttl time.Duration) *RedisLock {
	if key == "" {
		key = "rollcall:lock:drain"
	}
	return &RedisLock{client: client, key: key, ttl: ttl}
}

// TryLock acquires the lock without waiting.
func (l *RedisLock) TryLock(ctx context.Context) (func(), bool, error) {
	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, owner, l.ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	release := func() {
		// The drain context may be done by now; release on a fresh one.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = unlockScript.Run(ctx, l.client, []string{l.key}, owner).Err()
	}
	return release, true, nil
}
