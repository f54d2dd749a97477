package attendance

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"rollcall/internal/metrics"
	"rollcall/internal/queue"
)

func TestMonitorStatus(t *testing.T) {
	ctx := context.Background()
	q := queue.NewInMemory()
	m := metrics.New(prometheus.NewRegistry())
	mon := NewMonitor(q, 3, m, nil)

	require.Equal(t, QueueStatus{QueueLength: 0, IsHealthy: true}, mon.Status(ctx))

	pushN(t, q, 2, "S1")
	require.Equal(t, QueueStatus{QueueLength: 2, IsHealthy: true}, mon.Status(ctx))

	pushN(t, q, 1, "S2")
	require.Equal(t, QueueStatus{QueueLength: 3, IsHealthy: false}, mon.Status(ctx))
	require.Equal(t, 3.0, testutil.ToFloat64(m.QueueLength))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), n, "status reads never consume")
}

func TestMonitorDefaultThreshold(t *testing.T) {
	q := queue.NewInMemory()
	pushN(t, q, DefaultAlarmThreshold-1, "S1")
	mon := NewMonitor(q, 0, nil, nil)
	require.True(t, mon.Status(context.Background()).IsHealthy)

	pushN(t, q, 1, "S1")
	require.False(t, mon.Status(context.Background()).IsHealthy)
}

func TestMonitorUnreachableQueue(t *testing.T) {
	q := brokenQueue{Queue: queue.NewInMemory(), lenErr: errors.New("dial tcp: connection refused")}
	st := NewMonitor(q, 10, nil, nil).Status(context.Background())
	require.Equal(t, QueueStatus{QueueLength: -1, IsHealthy: false}, st)
}
