// Package handler exposes the check-in pipeline over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/token"
)

// Drainer runs one drain cycle.
type Drainer interface {
	Drain(ctx context.Context, batchSize int) (attendance.DrainResult, error)
}

// TokenIssuer returns the current display token of a session, rotating it when expired.
type TokenIssuer interface {
	Current(ctx context.Context, sessionID string) (token.ActiveToken, error)
}

// RecordReader lists persisted attendance.
type RecordReader interface {
	ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]attendance.Record, error)
	CountBySession(ctx context.Context, sessionID string) (int64, error)
}

// CountCache caches per-session counts. Set only stores a count loaded at the
// current version.
type CountCache interface {
	Get(ctx context.Context, sessionID string) (int64, bool, error)
	Version(ctx context.Context, sessionID string) (int64, error)
	Set(ctx context.Context, sessionID string, count, version int64) (bool, error)
}

// Deps are the collaborators of the HTTP surface. Counts, Limiter, Gatherer
// and Checks may be nil.
type Deps struct {
	Gateway  *attendance.Gateway
	Sessions attendance.SessionStore
	Tokens   TokenIssuer
	Records  RecordReader
	Counts   CountCache
	Worker   Drainer
	Monitor  *attendance.Monitor
	Limiter  *httpmiddleware.TokenBucket
	Gatherer prometheus.Gatherer
	Checks   map[string]func(context.Context) bool
	Logger   *slog.Logger
}

// Options are the static settings of the router.
type Options struct {
	SigningKey   string
	Issuer       string
	CronSecret   string
	CORSOrigins  []string
	BatchSize    int
	DrainTimeout time.Duration
}

type server struct {
	Deps
	opts Options
}

// NewRouter builds the gin engine with all routes and middleware.
func NewRouter(d Deps, opts Options) *gin.Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	s := &server{Deps: d, opts: opts}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware(opts.CORSOrigins))
	r.Use(securityHeaders())

	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}
	r.GET("/healthz", s.health)

	v1 := r.Group("/v1", auth.Bearer(opts.SigningKey, opts.Issuer))
	if d.Limiter != nil {
		v1.Use(d.Limiter.GinMiddleware())
	}
	v1.POST("/sessions/:id/checkins", s.checkIn)
	v1.GET("/sessions/:id/attendance/count", s.count)

	staff := v1.Group("", auth.RequireRole(attendance.RoleInstructor, attendance.RoleAdmin))
	staff.GET("/sessions/:id/token", s.currentToken)
	staff.GET("/sessions/:id/attendance", s.list)

	internal := r.Group("/internal", auth.CronSecret(opts.CronSecret))
	internal.POST("/attendance-worker", s.drain)
	internal.GET("/attendance-worker", s.queueStatus)

	return r
}

func (s *server) health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range s.Checks {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// corsMiddleware allows the listed origins, or any origin when none are configured.
func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", auth.CronSecretHeader},
		AllowCredentials: len(origins) > 0,
		MaxAge:           24 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
