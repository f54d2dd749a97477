package main

import (
	"context"
	"log/slog"
	"time"

	"rollcall/internal/attendance"
)

// runLoop drains once immediately and then on every tick until ctx is done.
// A slow cycle delays the next tick rather than overlapping it.
func runLoop(ctx context.Context, d attendance.Drainer, interval time.Duration, batch int, timeout time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		cycle(ctx, d, batch, timeout, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func cycle(ctx context.Context, d attendance.Drainer, batch int, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := d.Drain(ctx, batch)
	if err != nil {
		logger.Error("drain cycle failed", "error", err)
		return
	}
	if res.Processed > 0 || res.Errors > 0 {
		logger.Info("drain cycle", "processed", res.Processed, "duplicates", res.Duplicates, "errors", res.Errors)
	}
}
