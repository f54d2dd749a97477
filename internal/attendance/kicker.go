package attendance

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Drainer runs one drain cycle.
type Drainer interface {
	Drain(ctx context.Context, batchSize int) (DrainResult, error)
}

// Kicker runs drains in the background when nudged. Nudges arriving while a
// drain is pending collapse into one. The kicker owns its context and never
// borrows a request's.
type Kicker struct {
	drainer   Drainer
	batchSize int
	timeout   time.Duration
	logger    *slog.Logger
	kick      chan struct{}
}

// NewKicker builds a kicker; start it with Run.
func NewKicker(d Drainer, batchSize int, timeout time.Duration, logger *slog.Logger) *Kicker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Kicker{
		drainer:   d,
		batchSize: batchSize,
		timeout:   timeout,
		logger:    logger.With("component", "drain-kicker"),
		kick:      make(chan struct{}, 1),
	}
}

// Nudge requests a drain without blocking.
func (k *Kicker) Nudge() {
	select {
	case k.kick <- struct{}{}:
	default:
	}
}

// Run serves nudges until ctx is done.
func (k *Kicker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-k.kick:
			k.runOnce(ctx)
		}
	}
}

func (k *Kicker) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("background drain panicked", "panic", fmt.Sprint(r))
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	res, err := k.drainer.Drain(ctx, k.batchSize)
	if err != nil {
		k.logger.Error("background drain failed", "error", err)
		return
	}
	k.logger.Debug("background drain done", "processed", res.Processed, "errors", res.Errors, "skipped", res.Skipped)
}
