package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "rollcall:token:"

// Store keeps the current token of each session in Redis. Entries expire with
// the token, so a session holds at most one current token.
type Store struct {
	client  redis.Cmdable
	manager *Manager
	prefix  string
}

// NewStore builds a Redis-backed token store.
func NewStore(client redis.Cmdable, manager *Manager) *Store {
	return &Store{client: client, manager: manager, prefix: defaultKeyPrefix}
}

func (s *Store) key(sessionID string) string { return s.prefix + sessionID }

// swapScript replaces the token only if the stored value is still the one the
// caller read. ARGV[1] is empty when the caller found no token.
var swapScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false then cur = "" end
if cur ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

// maxSwapAttempts bounds how often Current retries a lost swap whose winner
// is itself unusable.
const maxSwapAttempts = 3

// Get returns the stored token of the session, expired or not.
func (s *Store) Get(ctx context.Context, sessionID string) (ActiveToken, error) {
	tok, _, err := s.read(ctx, sessionID)
	return tok, err
}

func (s *Store) read(ctx context.Context, sessionID string) (ActiveToken, string, error) {
	raw, err := s.client.Get(ctx, s.key(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return ActiveToken{}, "", ErrNoActiveToken
	}
	if err != nil {
		return ActiveToken{}, "", fmt.Errorf("get token: %w", err)
	}
	var tok ActiveToken
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return ActiveToken{}, raw, fmt.Errorf("decode token: %w", err)
	}
	return tok, raw, nil
}

// Current returns the session's token if it is still valid, otherwise it
// generates one and makes it the current token. The replacement is a
// compare-and-set on the value that was read, so concurrent callers converge
// on the same token whether the previous one was missing or expired.
func (s *Store) Current(ctx context.Context, sessionID string) (ActiveToken, error) {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		existing, raw, err := s.read(ctx, sessionID)
		// An undecodable entry is replaced like an expired one.
		switch {
		case err == nil && s.manager.Validate(existing.ExpiresAt):
			return existing, nil
		case err != nil && !errors.Is(err, ErrNoActiveToken) && raw == "":
			return ActiveToken{}, err
		}

		fresh, err := s.manager.Generate(sessionID)
		if err != nil {
			return ActiveToken{}, fmt.Errorf("generate token: %w", err)
		}
		data, err := json.Marshal(fresh)
		if err != nil {
			return ActiveToken{}, err
		}
		ttl := fresh.ExpiresAt.Sub(s.manager.Now()).Milliseconds()
		if ttl < 1 {
			ttl = 1
		}

		swapped, err := swapScript.Run(ctx, s.client, []string{s.key(sessionID)}, raw, string(data), ttl).Int()
		if err != nil {
			return ActiveToken{}, fmt.Errorf("store token: %w", err)
		}
		if swapped == 1 {
			return fresh, nil
		}
		// Another caller replaced it first; the next read picks up the winner.
	}
	return ActiveToken{}, fmt.Errorf("store token: session %s: %w", sessionID, ErrRotationContended)
}
