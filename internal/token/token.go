// Package token issues and checks the short-lived attendance tokens shown on a
// session display and scanned by participants.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// DefaultValidity is how long a freshly generated token stays valid.
const DefaultValidity = 60 * time.Second

// tokenBytes yields 256 bits of entropy, rendered as 64 hex characters.
const tokenBytes = 32

const payloadSep = ":"

var (
	// ErrMalformedPayload is returned when a scanned payload is not "<sessionId>:<hex token>".
	ErrMalformedPayload = errors.New("malformed attendance payload")
	// ErrNoActiveToken is returned when a session has no current token.
	ErrNoActiveToken = errors.New("no active token for session")
	// ErrRotationContended is returned when every attempt to replace a stale
	// token lost to another writer.
	ErrRotationContended = errors.New("token rotation contended")
)

// ActiveToken is the current token of a session.
type ActiveToken struct {
	Token     string    `json:"token"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Payload renders the scannable form of the token.
func (a ActiveToken) Payload() string {
	return FormatPayload(a.SessionID, a.Token)
}

// Clock returns the current time. Tests swap it for a fixed one.
type Clock func() time.Time

// Manager generates and validates tokens against its clock.
type Manager struct {
	now      Clock
	validity time.Duration
}

// NewManager builds a manager. A nil clock means time.Now; a non-positive
// validity means DefaultValidity.
func NewManager(clock Clock, validity time.Duration) *Manager {
	if clock == nil {
		clock = time.Now
	}
	if validity <= 0 {
		validity = DefaultValidity
	}
	return &Manager{now: clock, validity: validity}
}

// Validity returns the lifetime of generated tokens.
func (m *Manager) Validity() time.Duration { return m.validity }

// Now returns the manager's current time.
func (m *Manager) Now() time.Time { return m.now() }

// Generate creates a new token for the session, valid for the manager's validity.
func (m *Manager) Generate(sessionID string) (ActiveToken, error) {
	return m.GenerateFor(sessionID, m.validity)
}

// GenerateFor creates a new token for the session valid for the given duration.
func (m *Manager) GenerateFor(sessionID string, validity time.Duration) (ActiveToken, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return ActiveToken{}, err
	}
	return ActiveToken{
		Token:     hex.EncodeToString(buf),
		SessionID: sessionID,
		ExpiresAt: m.now().Add(validity),
	}, nil
}

// Validate reports whether a token expiring at expiresAt is still usable.
func (m *Manager) Validate(expiresAt time.Time) bool {
	return ValidateAt(expiresAt, m.now())
}

// ValidateAt is true iff now is strictly before expiresAt.
func ValidateAt(expiresAt, now time.Time) bool {
	return now.Before(expiresAt)
}

// FormatPayload joins a session id and token into the scannable payload.
func FormatPayload(sessionID, token string) string {
	return sessionID + payloadSep + token
}

// ParsePayload splits a scanned payload into its session id and token.
func ParsePayload(payload string) (sessionID, token string, err error) {
	sessionID, token, ok := strings.Cut(strings.TrimSpace(payload), payloadSep)
	if !ok || sessionID == "" || token == "" || strings.Contains(token, payloadSep) {
		return "", "", ErrMalformedPayload
	}
	if !isHex(token) {
		return "", "", ErrMalformedPayload
	}
	return sessionID, token, nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
