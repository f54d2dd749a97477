package attendance

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rollcall/internal/metrics"
	"rollcall/internal/queue"
	"rollcall/internal/refresh"
)

// DefaultBatchSize is the number of envelopes popped per drain.
const DefaultBatchSize = 100

// DefaultPersistTimeout bounds the inserts of one popped batch.
const DefaultPersistTimeout = 30 * time.Second

// Locker guards a drain cycle. It only saves work: correctness comes from the
// destructive pop and the store's unique constraint.
type Locker interface {
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}

// DrainResult tallies one drain. Processed counts envelopes handled without
// error, i.e. Persisted plus Duplicates.
type DrainResult struct {
	Processed  int      `json:"processed"`
	Persisted  int      `json:"persisted"`
	Duplicates int      `json:"duplicates"`
	Errors     int      `json:"errors"`
	Sessions   []string `json:"sessions,omitempty"`
	Skipped    bool     `json:"skipped,omitempty"`
}

// Worker moves queued check-ins into the durable store.
type Worker struct {
	queue    queue.Queue
	records  RecordStore
	notifier refresh.Notifier
	lock     Locker
	metrics  *metrics.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer

	persistTimeout time.Duration
}

// NewWorker wires a worker. notifier, lock and m may be nil.
func NewWorker(q queue.Queue, records RecordStore, notifier refresh.Notifier, lock Locker, m *metrics.Metrics, logger *slog.Logger) *Worker {
	if notifier == nil {
		notifier = refresh.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:    q,
		records:  records,
		notifier: notifier,
		lock:     lock,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("rollcall/attendance"),

		persistTimeout: DefaultPersistTimeout,
	}
}

// SetPersistTimeout bounds how long a popped batch may take to persist once
// the drain's own context is done. Non-positive values keep the default.
func (w *Worker) SetPersistTimeout(d time.Duration) {
	if d > 0 {
		w.persistTimeout = d
	}
}

// Drain pops up to batchSize envelopes and inserts each one unless its
// (user, session) pair already has a record. Rows fail independently and are
// not retried; popped envelopes are never returned to the queue.
//
// Cancelling ctx stops the pop. Once envelopes are popped they are persisted
// on a detached context bounded by the persist timeout, so a caller going away
// mid-batch does not drop accepted check-ins.
func (w *Worker) Drain(ctx context.Context, batchSize int) (res DrainResult, err error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	ctx, span := w.tracer.Start(ctx, "attendance.drain", trace.WithAttributes(attribute.Int("batch_size", batchSize)))
	start := time.Now()
	defer func() {
		span.SetAttributes(
			attribute.Int("processed", res.Processed),
			attribute.Int("duplicates", res.Duplicates),
			attribute.Int("errors", res.Errors),
			attribute.Bool("skipped", res.Skipped),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if w.lock != nil {
		release, ok, lerr := w.lock.TryLock(ctx)
		switch {
		case lerr != nil:
			w.logger.Warn("drain lock unavailable, draining without it", "error", lerr)
		case !ok:
			w.logger.Debug("drain skipped, another cycle holds the lock")
			return DrainResult{Skipped: true}, nil
		default:
			defer release()
		}
	}

	items, err := w.queue.PopBatch(ctx, batchSize)
	if err != nil {
		return DrainResult{}, fmt.Errorf("pop batch: %w", err)
	}
	if len(items) == 0 {
		return DrainResult{}, nil
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.persistTimeout)
	defer cancel()

	touched := make(map[string]struct{})
	for _, it := range items {
		if it.Err != nil {
			res.Errors++
			w.logger.Error("dropping malformed envelope", "error", &RowError{Envelope: it.Envelope, Err: it.Err}, "raw", it.Raw)
			continue
		}
		touched[it.Envelope.SessionID] = struct{}{}

		outcome, rerr := w.persist(pctx, it.Envelope)
		switch {
		case rerr != nil:
			res.Errors++
			w.logger.Error("persist check-in failed", "error", rerr)
		case outcome == OutcomePersisted:
			res.Persisted++
		default:
			res.Duplicates++
		}
	}
	res.Processed = res.Persisted + res.Duplicates

	for id := range touched {
		res.Sessions = append(res.Sessions, id)
	}
	slices.Sort(res.Sessions)
	for _, id := range res.Sessions {
		if nerr := w.notifier.SessionChanged(pctx, id); nerr != nil {
			w.logger.Warn("refresh signal failed", "session", id, "error", nerr)
		}
	}

	elapsed := time.Since(start)
	w.metrics.Drain(res.Persisted, res.Duplicates, res.Errors, elapsed.Seconds())
	w.logger.Info("drain finished",
		"popped", len(items),
		"persisted", res.Persisted,
		"duplicates", res.Duplicates,
		"errors", res.Errors,
		"sessions", len(res.Sessions),
		"duration", elapsed,
	)
	return res, nil
}

func (w *Worker) persist(ctx context.Context, env queue.Envelope) (Outcome, error) {
	rec := recordFromEnvelope(uuid.NewString(), env)
	inserted, err := w.records.InsertIfAbsent(ctx, rec)
	if err != nil {
		return "", &RowError{Envelope: env, Err: err}
	}
	if !inserted {
		w.logger.Debug("duplicate check-in discarded", "session", env.SessionID, "user", env.UserID)
		return OutcomeDuplicateDiscarded, nil
	}
	return OutcomePersisted, nil
}
