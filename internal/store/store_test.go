package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/require"
)

func TestRedisHealthy(t *testing.T) {
	mr := miniredis.RunT(t)
	r := NewRedis(RedisOptions{Addr: mr.Addr()})
	require.True(t, r.Healthy(context.Background()))

	mr.Close()
	require.False(t, r.Healthy(context.Background()))
	require.NoError(t, r.Close())

	var nilRedis *Redis
	require.False(t, nilRedis.Healthy(context.Background()))
	require.NoError(t, nilRedis.Close())
}

func TestRedisSelectsDatabase(t *testing.T) {
	mr := miniredis.RunT(t)
	r := NewRedis(RedisOptions{Addr: mr.Addr(), DB: 3})
	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, r.Client.Set(context.Background(), "k", "v", 0).Err())
	mr.Select(3)
	require.True(t, mr.Exists("k"))
}

func TestNilDB(t *testing.T) {
	var db *DB
	require.False(t, db.Healthy(context.Background()))
	require.NoError(t, db.Close())
}

func TestNATSConnectAndClose(t *testing.T) {
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second))
	t.Cleanup(ns.Shutdown)

	n, err := NewNATS(ns.ClientURL(), nil)
	require.NoError(t, err)
	require.True(t, n.Healthy())
	n.Close()
	require.Eventually(t, func() bool { return !n.Healthy() }, 2*time.Second, 10*time.Millisecond)

	var nilNATS *NATS
	require.False(t, nilNATS.Healthy())
	nilNATS.Close()
}
