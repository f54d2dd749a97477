package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"rollcall/internal/auth"
)

func TestTokenBucketRefill(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l := NewTokenBucket(2, 60)
	l.now = func() time.Time { return now }

	require.True(t, l.allow("a"))
	require.True(t, l.allow("a"))
	require.False(t, l.allow("a"))
	require.True(t, l.allow("b"), "buckets are per key")

	now = now.Add(time.Second)
	require.True(t, l.allow("a"))
	require.False(t, l.allow("a"))

	now = now.Add(time.Hour)
	require.True(t, l.allow("a"))
	require.True(t, l.allow("a"))
	require.False(t, l.allow("a"), "refill is capped at capacity")
}

func TestGinMiddlewareKeysBySubject(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewTokenBucket(1, 1)
	r := gin.New()
	r.GET("/", func(c *gin.Context) {
		if sub := c.GetHeader("X-Test-Subject"); sub != "" {
			var claims auth.Claims
			claims.Subject = sub
			auth.SetClaims(c, claims)
		}
	}, l.GinMiddleware(), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	do := func(subject string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		if subject != "" {
			req.Header.Set("X-Test-Subject", subject)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	require.Equal(t, http.StatusNoContent, do("U1"))
	require.Equal(t, http.StatusTooManyRequests, do("U1"))
	require.Equal(t, http.StatusNoContent, do("U2"), "same IP, different subject")
	require.Equal(t, http.StatusNoContent, do(""))
	require.Equal(t, http.StatusTooManyRequests, do(""))
}
