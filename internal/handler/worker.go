package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// drain runs one drain cycle for the external scheduler.
func (s *server) drain(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.DrainTimeout)
	defer cancel()

	start := time.Now()
	res, err := s.Worker.Drain(ctx, s.opts.BatchSize)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		s.Logger.Error("drain failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error(), "durationMs": elapsed})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"processed":  res.Processed,
		"duplicates": res.Duplicates,
		"errors":     res.Errors,
		"skipped":    res.Skipped,
		"durationMs": elapsed,
	})
}

func (s *server) queueStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Monitor.Status(c.Request.Context()))
}
