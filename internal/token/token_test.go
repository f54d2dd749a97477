package token

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestGenerate(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(clock.Now, 0)

	tok, err := m.Generate("S1")
	require.NoError(t, err)
	require.Equal(t, "S1", tok.SessionID)
	require.Len(t, tok.Token, 64)
	require.True(t, isHex(tok.Token))
	require.Equal(t, clock.now.Add(DefaultValidity), tok.ExpiresAt)

	other, err := m.Generate("S1")
	require.NoError(t, err)
	require.NotEqual(t, tok.Token, other.Token)

	short, err := m.GenerateFor("S1", 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, clock.now.Add(5*time.Second), short.ExpiresAt)
}

func TestValidateStrictBoundary(t *testing.T) {
	expiresAt := time.Date(2026, 3, 1, 9, 1, 0, 0, time.UTC)

	require.True(t, ValidateAt(expiresAt, expiresAt.Add(-time.Second)))
	require.False(t, ValidateAt(expiresAt, expiresAt))
	require.False(t, ValidateAt(expiresAt, expiresAt.Add(time.Second)))

	clock := &fakeClock{now: expiresAt.Add(-time.Second)}
	m := NewManager(clock.Now, time.Minute)
	require.True(t, m.Validate(expiresAt))
	clock.Advance(time.Second)
	require.False(t, m.Validate(expiresAt))
}

func TestPayloadRoundTrip(t *testing.T) {
	payload := FormatPayload("S1", "abc123")
	require.Equal(t, "S1:abc123", payload)

	sessionID, tok, err := ParsePayload(payload)
	require.NoError(t, err)
	require.Equal(t, "S1", sessionID)
	require.Equal(t, "abc123", tok)
}

func TestParsePayloadRejects(t *testing.T) {
	for name, payload := range map[string]string{
		"empty":          "",
		"no separator":   "S1abc123",
		"empty session":  ":abc123",
		"empty token":    "S1:",
		"two separators": "S1:abc:123",
		"non hex token":  "S1:xyz",
		"uppercase hex":  "S1:ABC123",
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := ParsePayload(payload)
			require.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func newTestStore(t *testing.T, clock *fakeClock) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, NewManager(clock.Now, time.Minute)), mr
}

func TestStoreCurrentReusesValidToken(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now().UTC()}
	store, mr := newTestStore(t, clock)

	_, err := store.Get(ctx, "S1")
	require.ErrorIs(t, err, ErrNoActiveToken)

	first, err := store.Current(ctx, "S1")
	require.NoError(t, err)
	require.True(t, mr.Exists("rollcall:token:S1"))
	require.Equal(t, time.Minute, mr.TTL("rollcall:token:S1"))

	clock.Advance(30 * time.Second)
	again, err := store.Current(ctx, "S1")
	require.NoError(t, err)
	require.Equal(t, first.Token, again.Token)

	got, err := store.Get(ctx, "S1")
	require.NoError(t, err)
	require.Equal(t, first.Token, got.Token)
	require.True(t, first.ExpiresAt.Equal(got.ExpiresAt))
}

func TestStoreCurrentRotatesExpiredToken(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now().UTC()}
	store, _ := newTestStore(t, clock)

	first, err := store.Current(ctx, "S1")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	rotated, err := store.Current(ctx, "S1")
	require.NoError(t, err)
	require.NotEqual(t, first.Token, rotated.Token)

	got, err := store.Get(ctx, "S1")
	require.NoError(t, err)
	require.Equal(t, rotated.Token, got.Token, "rotation replaces the previous token")
}

func TestStoreCurrentConvergesUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now().UTC()}
	store, _ := newTestStore(t, clock)

	const callers = 20
	tokens := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := store.Current(ctx, "S1")
			tokens[i], errs[i] = tok.Token, err
		}(i)
	}
	wg.Wait()

	for i, tok := range tokens {
		require.NoError(t, errs[i])
		require.Equal(t, tokens[0], tok)
	}
}

func TestStoreCurrentConvergesOnConcurrentRotation(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now().UTC()}
	store, _ := newTestStore(t, clock)

	first, err := store.Current(ctx, "S1")
	require.NoError(t, err)
	clock.Advance(time.Minute)

	const callers = 20
	tokens := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := store.Current(ctx, "S1")
			tokens[i], errs[i] = tok.Token, err
		}(i)
	}
	wg.Wait()

	got, err := store.Get(ctx, "S1")
	require.NoError(t, err)
	require.NotEqual(t, first.Token, got.Token)
	for i, tok := range tokens {
		require.NoError(t, errs[i])
		require.Equal(t, got.Token, tok, "every rotator returns the stored token")
	}
}

// swapHook runs fn once, right before the first script call reaches Redis.
type swapHook struct {
	once sync.Once
	fn   func()
}

func (h *swapHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *swapHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if name := cmd.Name(); name == "evalsha" || name == "eval" {
			h.once.Do(h.fn)
		}
		return next(ctx, cmd)
	}
}

func (h *swapHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestStoreCurrentKeepsTokenWrittenDuringRotation(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now().UTC()}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	manager := NewManager(clock.Now, time.Minute)
	store := NewStore(client, manager)

	stale := ActiveToken{Token: "00aa", SessionID: "S1", ExpiresAt: clock.Now().Add(-time.Second)}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, mr.Set("rollcall:token:S1", string(data)))

	// Another instance rotates the expired token after our read.
	winner, err := manager.Generate("S1")
	require.NoError(t, err)
	client.AddHook(&swapHook{fn: func() {
		raw, err := json.Marshal(winner)
		if err == nil {
			err = mr.Set("rollcall:token:S1", string(raw))
		}
		if err != nil {
			t.Error(err)
		}
	}})

	got, err := store.Current(ctx, "S1")
	require.NoError(t, err)
	require.Equal(t, winner.Token, got.Token)

	stored, err := store.Get(ctx, "S1")
	require.NoError(t, err)
	require.Equal(t, winner.Token, stored.Token, "a lost swap never overwrites the winner")
}

func TestActiveTokenPayload(t *testing.T) {
	tok := ActiveToken{Token: "deadbeef", SessionID: "S9"}
	require.Equal(t, "S9:deadbeef", tok.Payload())
}
