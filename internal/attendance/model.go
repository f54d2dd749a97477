package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rollcall/internal/queue"
)

// Method is how a participant checked in.
type Method string

const (
	MethodQR     Method = "QR_CODE"
	MethodGPS    Method = "GPS"
	MethodManual Method = "MANUAL"
)

// Status is the attendance status recorded for a check-in.
type Status string

const (
	StatusPresent Status = "PRESENT"
	StatusLate    Status = "LATE"
)

// Outcome is a state of a single check-in as it moves through the pipeline.
// REJECTED, PERSISTED and DUPLICATE_DISCARDED are terminal.
type Outcome string

const (
	OutcomeSubmitted          Outcome = "SUBMITTED"
	OutcomeRejected           Outcome = "REJECTED"
	OutcomeQueued             Outcome = "QUEUED"
	OutcomePersisted          Outcome = "PERSISTED"
	OutcomeDuplicateDiscarded Outcome = "DUPLICATE_DISCARDED"
)

// Session is the part of a scheduled session this service reads.
type Session struct {
	ID           string
	StartTime    time.Time
	EndTime      time.Time
	Latitude     *float64
	Longitude    *float64
	RadiusMeters *float64
}

// HasGeofence reports whether GPS check-in is configured for the session.
func (s Session) HasGeofence() bool {
	return s.Latitude != nil && s.Longitude != nil && s.RadiusMeters != nil && *s.RadiusMeters > 0
}

// Record is a persisted attendance row. (UserID, SessionID) is unique.
type Record struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Method    Method    `json:"method"`
	Status    Status    `json:"status"`
	CheckInAt time.Time `json:"check_in_at"`
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func recordFromEnvelope(id string, env queue.Envelope) Record {
	return Record{
		ID:        id,
		UserID:    env.UserID,
		SessionID: env.SessionID,
		Method:    Method(env.Method),
		Status:    Status(env.Status),
		CheckInAt: env.CheckInAt,
		Latitude:  env.Latitude,
		Longitude: env.Longitude,
	}
}

// SessionStore looks sessions up by id.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (Session, error)
}

// RecordStore inserts attendance rows guarded by the (user, session) unique constraint.
// InsertIfAbsent reports false without error when the pair already exists.
type RecordStore interface {
	InsertIfAbsent(ctx context.Context, rec Record) (bool, error)
}

var (
	// ErrSessionNotFound is returned by SessionStore for unknown ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrConstraintMissing means the store lacks the (user_id, session_id) unique constraint.
	ErrConstraintMissing = errors.New("attendance (user_id, session_id) unique constraint missing")
)

// Validation reasons.
const (
	ReasonToken               = "token"
	ReasonMismatch            = "mismatch"
	ReasonGeofence            = "geofence"
	ReasonGeofenceUnsupported = "geofence_unsupported"
	ReasonSession             = "session"
	ReasonMalformed           = "malformed"
	ReasonForbidden           = "forbidden"
)

// ValidationError rejects a check-in synchronously; it is never enqueued.
type ValidationError struct {
	Reason  string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return "check-in rejected: " + e.Reason
	}
	return e.Message
}

func invalid(reason, format string, args ...any) error {
	return &ValidationError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// EnqueueFailure means the queue could not take the check-in. Callers should retry.
type EnqueueFailure struct {
	Err error
}

func (e *EnqueueFailure) Error() string { return "enqueue check-in: " + e.Err.Error() }

func (e *EnqueueFailure) Unwrap() error { return e.Err }

// RowError is a drained envelope that could not be persisted.
type RowError struct {
	Envelope queue.Envelope
	Err      error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("persist check-in user=%s session=%s: %v", e.Envelope.UserID, e.Envelope.SessionID, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }
