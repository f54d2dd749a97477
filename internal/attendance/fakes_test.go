package attendance

import (
	"context"
	"errors"
	"sync"
	"time"

	"rollcall/internal/queue"
	"rollcall/internal/token"
)

// memStore mimics the Postgres contract, including the unique (user, session) constraint.
type memStore struct {
	mu        sync.Mutex
	sessions  map[string]Session
	records   map[[2]string]Record
	failUsers map[string]error
	down      error
}

func newMemStore(sessions ...Session) *memStore {
	s := &memStore{
		sessions:  map[string]Session{},
		records:   map[[2]string]Record{},
		failUsers: map[string]error{},
	}
	for _, sess := range sessions {
		s.sessions[sess.ID] = sess
	}
	return s
}

func (s *memStore) GetSession(_ context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down != nil {
		return Session{}, s.down
	}
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

// InsertIfAbsent fails on a done context the way database/sql does.
func (s *memStore) InsertIfAbsent(ctx context.Context, rec Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down != nil {
		return false, s.down
	}
	if err := s.failUsers[rec.UserID]; err != nil {
		return false, err
	}
	key := [2]string{rec.UserID, rec.SessionID}
	if _, exists := s.records[key]; exists {
		return false, nil
	}
	s.records[key] = rec
	return true, nil
}

func (s *memStore) count(userID, sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[[2]string{userID, sessionID}]; ok {
		return 1
	}
	return 0
}

func (s *memStore) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *memStore) record(userID, sessionID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[[2]string{userID, sessionID}]
	return rec, ok
}

type staticTokens map[string]token.ActiveToken

func (t staticTokens) Get(_ context.Context, sessionID string) (token.ActiveToken, error) {
	tok, ok := t[sessionID]
	if !ok {
		return token.ActiveToken{}, token.ErrNoActiveToken
	}
	return tok, nil
}

type brokenQueue struct {
	queue.Queue
	pushErr error
	popErr  error
	lenErr  error
}

func (q brokenQueue) Push(ctx context.Context, env queue.Envelope) error {
	if q.pushErr != nil {
		return q.pushErr
	}
	return q.Queue.Push(ctx, env)
}

func (q brokenQueue) PopBatch(ctx context.Context, max int) ([]queue.Item, error) {
	if q.popErr != nil {
		return nil, q.popErr
	}
	return q.Queue.PopBatch(ctx, max)
}

func (q brokenQueue) Len(ctx context.Context) (int64, error) {
	if q.lenErr != nil {
		return 0, q.lenErr
	}
	return q.Queue.Len(ctx)
}

// cancelAfterPop cancels the drain's context as soon as a batch is popped.
type cancelAfterPop struct {
	queue.Queue
	cancel context.CancelFunc
}

func (q cancelAfterPop) PopBatch(ctx context.Context, max int) ([]queue.Item, error) {
	items, err := q.Queue.PopBatch(ctx, max)
	q.cancel()
	return items, err
}

type countingNudger struct {
	mu sync.Mutex
	n  int
}

func (c *countingNudger) Nudge() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu      sync.Mutex
	ids     []string
	ctxErrs []error
	err     error
}

func (r *recordingNotifier) SessionChanged(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	return r.err
}

func ptr(f float64) *float64 { return &f }

var errStoreDown = errors.New("connection refused")

// fixedClock is 2026-03-01 09:00 UTC plus an adjustable offset.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
