package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
)

func callerFrom(c *gin.Context) attendance.Caller {
	claims, _ := auth.ClaimsFrom(c)
	return attendance.Caller{UserID: claims.Subject, Role: claims.Role}
}

func (s *server) checkIn(c *gin.Context) {
	var raw attendance.RawRequest
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body", "reason": attendance.ReasonMalformed})
		return
	}
	req, err := attendance.ParseRequest(c.Param("id"), raw)
	if err != nil {
		s.writeError(c, err)
		return
	}
	ack, err := s.Gateway.CheckIn(c.Request.Context(), callerFrom(c), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, ack)
}

// writeError maps gateway errors to responses.
func (s *server) writeError(c *gin.Context, err error) {
	var (
		verr *attendance.ValidationError
		eerr *attendance.EnqueueFailure
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(validationStatus(verr.Reason), gin.H{"error": verr.Error(), "reason": verr.Reason})
	case errors.As(err, &eerr):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "check-in could not be queued, try again"})
	default:
		s.Logger.Error("check-in failed", "session", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func validationStatus(reason string) int {
	switch reason {
	case attendance.ReasonMalformed:
		return http.StatusBadRequest
	case attendance.ReasonForbidden:
		return http.StatusForbidden
	case attendance.ReasonSession:
		return http.StatusNotFound
	default:
		return http.StatusUnprocessableEntity
	}
}

func (s *server) currentToken(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.Sessions.GetSession(ctx, id); err != nil {
		if errors.Is(err, attendance.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		s.Logger.Error("load session failed", "session", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	tok, err := s.Tokens.Current(ctx, id)
	if err != nil {
		s.Logger.Error("current token failed", "session", id, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "token store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": tok.SessionID,
		"token":      tok.Token,
		"payload":    tok.Payload(),
		"expires_at": tok.ExpiresAt,
	})
}

func (s *server) list(c *gin.Context) {
	limit, offset := 100, 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	records, err := s.Records.ListBySession(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		s.Logger.Error("list attendance failed", "session", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if records == nil {
		records = []attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// count serves the cached count, filling the cache on a miss. The fill is
// dropped when the session changed after the version was read. Cache errors
// fall through to the store.
func (s *server) count(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	cache := s.Counts
	var version int64
	if cache != nil {
		n, ok, err := cache.Get(ctx, id)
		if err == nil && ok {
			c.JSON(http.StatusOK, gin.H{"session_id": id, "count": n, "cached": true})
			return
		}
		if err == nil {
			version, err = cache.Version(ctx, id)
		}
		if err != nil {
			s.Logger.Warn("count cache read failed", "session", id, "error", err)
			cache = nil
		}
	}
	n, err := s.Records.CountBySession(ctx, id)
	if err != nil {
		s.Logger.Error("count attendance failed", "session", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if cache != nil {
		if _, err := cache.Set(ctx, id, n, version); err != nil {
			s.Logger.Warn("count cache write failed", "session", id, "error", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "count": n, "cached": false})
}
