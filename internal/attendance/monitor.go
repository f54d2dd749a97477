package attendance

import (
	"context"
	"log/slog"

	"rollcall/internal/metrics"
	"rollcall/internal/queue"
)

// DefaultAlarmThreshold is the backlog at which the queue reports unhealthy.
const DefaultAlarmThreshold = 1000

// QueueStatus is the operator view of the write buffer.
type QueueStatus struct {
	QueueLength int64 `json:"queueLength"`
	IsHealthy   bool  `json:"isHealthy"`
}

// Monitor reports the queue backlog. It has no side effects on the queue.
type Monitor struct {
	queue     queue.Queue
	threshold int64
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewMonitor builds a monitor; a non-positive threshold means DefaultAlarmThreshold.
func NewMonitor(q queue.Queue, threshold int, m *metrics.Metrics, logger *slog.Logger) *Monitor {
	if threshold <= 0 {
		threshold = DefaultAlarmThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{queue: q, threshold: int64(threshold), metrics: m, logger: logger}
}

// Status reports the backlog. An unreachable queue reads as length -1, unhealthy.
func (m *Monitor) Status(ctx context.Context) QueueStatus {
	n, err := m.queue.Len(ctx)
	if err != nil {
		m.logger.Warn("queue length read failed", "error", err)
		return QueueStatus{QueueLength: -1, IsHealthy: false}
	}
	m.metrics.Queue(n)
	return QueueStatus{QueueLength: n, IsHealthy: n < m.threshold}
}
