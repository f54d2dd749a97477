package attendance

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rollcall/internal/geo"
	"rollcall/internal/metrics"
	"rollcall/internal/queue"
	"rollcall/internal/token"
)

// Roles allowed to mark other participants present.
const (
	RoleInstructor = "instructor"
	RoleAdmin      = "admin"
)

// Caller is the authenticated submitter of a check-in.
type Caller struct {
	UserID string
	Role   string
}

// CanManage reports whether the caller may act on other participants.
func (c Caller) CanManage() bool {
	return c.Role == RoleInstructor || c.Role == RoleAdmin
}

// TokenSource returns the current token of a session.
type TokenSource interface {
	Get(ctx context.Context, sessionID string) (token.ActiveToken, error)
}

// Nudger asks the worker to drain soon. Nudge must not block.
type Nudger interface {
	Nudge()
}

// Ack is returned as soon as a check-in is queued.
type Ack struct {
	Queued    bool      `json:"queued"`
	Position  int64     `json:"position"`
	Status    Status    `json:"status"`
	Method    Method    `json:"method"`
	CheckInAt time.Time `json:"check_in_at"`
}

// GatewayConfig tunes the gateway.
type GatewayConfig struct {
	// LateGrace marks check-ins after StartTime+LateGrace as LATE. Zero disables it.
	LateGrace time.Duration
}

// Gateway validates check-ins and queues the accepted ones.
type Gateway struct {
	cfg      GatewayConfig
	sessions SessionStore
	tokens   TokenSource
	manager  *token.Manager
	queue    queue.Queue
	nudger   Nudger
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewGateway wires a gateway. nudger and m may be nil.
func NewGateway(cfg GatewayConfig, sessions SessionStore, tokens TokenSource, manager *token.Manager, q queue.Queue, nudger Nudger, m *metrics.Metrics, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:      cfg,
		sessions: sessions,
		tokens:   tokens,
		manager:  manager,
		queue:    q,
		nudger:   nudger,
		metrics:  m,
		logger:   logger,
	}
}

// CheckIn validates req for the caller and, when accepted, queues it and
// returns immediately. Rejections are *ValidationError; a queue failure is
// *EnqueueFailure.
func (g *Gateway) CheckIn(ctx context.Context, caller Caller, req Request) (Ack, error) {
	if req == nil {
		return Ack{}, invalid(ReasonMalformed, "empty check-in")
	}
	env, err := g.validate(ctx, caller, req)
	if err != nil {
		g.record(req.Method(), OutcomeRejected)
		var verr *ValidationError
		if errors.As(err, &verr) {
			g.logger.Debug("check-in rejected", "session", req.Session(), "user", caller.UserID, "method", req.Method(), "reason", verr.Reason)
		}
		return Ack{}, err
	}

	if err := g.queue.Push(ctx, env); err != nil {
		g.record(req.Method(), "ENQUEUE_FAILED")
		g.logger.Warn("check-in enqueue failed", "session", env.SessionID, "user", env.UserID, "error", err)
		return Ack{}, &EnqueueFailure{Err: err}
	}
	g.record(req.Method(), OutcomeQueued)

	position, err := g.queue.Len(ctx)
	if err != nil {
		position = 0
	}
	if g.nudger != nil {
		g.nudger.Nudge()
	}
	return Ack{
		Queued:    true,
		Position:  position,
		Status:    Status(env.Status),
		Method:    req.Method(),
		CheckInAt: env.CheckInAt,
	}, nil
}

func (g *Gateway) record(method Method, outcome Outcome) {
	g.metrics.CheckIn(string(method), string(outcome))
}

func (g *Gateway) validate(ctx context.Context, caller Caller, req Request) (queue.Envelope, error) {
	if caller.UserID == "" {
		return queue.Envelope{}, invalid(ReasonMalformed, "user id required")
	}
	now := g.manager.Now().UTC()
	env := queue.Envelope{
		UserID:    caller.UserID,
		SessionID: req.Session(),
		Method:    string(req.Method()),
		CheckInAt: now,
		QueuedAt:  now,
	}

	var sess *Session
	switch r := req.(type) {
	case QRCheckIn:
		if err := g.checkToken(ctx, r); err != nil {
			return queue.Envelope{}, err
		}
	case GPSCheckIn:
		s, err := g.session(ctx, r.SessionID)
		if err != nil {
			return queue.Envelope{}, err
		}
		if err := checkGeofence(s, r); err != nil {
			return queue.Envelope{}, err
		}
		lat, lon := r.Latitude, r.Longitude
		env.Latitude, env.Longitude = &lat, &lon
		sess = &s
	case ManualCheckIn:
		if !caller.CanManage() {
			return queue.Envelope{}, invalid(ReasonForbidden, "only instructors can check in other participants")
		}
		s, err := g.session(ctx, r.SessionID)
		if err != nil {
			return queue.Envelope{}, err
		}
		env.UserID = r.TargetUserID
		sess = &s
	default:
		return queue.Envelope{}, invalid(ReasonMalformed, "unsupported check-in %T", req)
	}

	status, err := g.status(ctx, req.Session(), sess, now)
	if err != nil {
		return queue.Envelope{}, err
	}
	env.Status = string(status)
	return env, nil
}

func (g *Gateway) checkToken(ctx context.Context, r QRCheckIn) error {
	embedded, scanned, err := token.ParsePayload(r.Payload)
	if err != nil {
		return invalid(ReasonMalformed, "unreadable QR code")
	}
	if embedded != r.SessionID {
		return invalid(ReasonMismatch, "QR code belongs to a different session")
	}
	active, err := g.tokens.Get(ctx, r.SessionID)
	if errors.Is(err, token.ErrNoActiveToken) {
		return invalid(ReasonToken, "invalid QR code")
	}
	if err != nil {
		return fmt.Errorf("load active token: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(active.Token), []byte(scanned)) != 1 {
		return invalid(ReasonToken, "invalid QR code")
	}
	if !g.manager.Validate(active.ExpiresAt) {
		return invalid(ReasonToken, "QR code has expired, scan the new code")
	}
	return nil
}

func checkGeofence(s Session, r GPSCheckIn) error {
	if !s.HasGeofence() {
		return invalid(ReasonGeofenceUnsupported, "this session does not support GPS check-in")
	}
	d := geo.Distance(r.Latitude, r.Longitude, *s.Latitude, *s.Longitude)
	if !geo.WithinRadius(r.Latitude, r.Longitude, *s.Latitude, *s.Longitude, *s.RadiusMeters) {
		return invalid(ReasonGeofence, "you are %s away from the session location, move within %s",
			geo.FormatDistance(d), geo.FormatDistance(*s.RadiusMeters))
	}
	return nil
}

func (g *Gateway) session(ctx context.Context, id string) (Session, error) {
	s, err := g.sessions.GetSession(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return Session{}, invalid(ReasonSession, "session %s not found", id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	return s, nil
}

// status grades a check-in. The session is only loaded when LATE grading is on.
func (g *Gateway) status(ctx context.Context, sessionID string, sess *Session, now time.Time) (Status, error) {
	if g.cfg.LateGrace <= 0 {
		return StatusPresent, nil
	}
	if sess == nil {
		s, err := g.session(ctx, sessionID)
		if err != nil {
			return "", err
		}
		sess = &s
	}
	if !sess.StartTime.IsZero() && now.After(sess.StartTime.Add(g.cfg.LateGrace)) {
		return StatusLate, nil
	}
	return StatusPresent, nil
}
