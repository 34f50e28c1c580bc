package presence_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/roomsync/internal/presence"
	"github.com/cory-johannsen/roomsync/internal/testutil"
)

func TestRedisStore(t *testing.T) {
	client := testutil.NewRedisClient(t)
	ctx := context.Background()

	store := presence.NewRedisStore(client, "test", "node-a")
	assert.Equal(t, "test:rooms:node-a", store.Key())

	require.NoError(t, store.Apply(ctx, map[string]int{"r1": 2, "r2": 1}))
	got, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"r1": 2, "r2": 1}, got)

	require.NoError(t, store.Apply(ctx, map[string]int{"r2": 0}))
	got, err = store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"r1": 2}, got)

	require.NoError(t, store.Clear(ctx))
	got, err = store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPublisherWithRedis(t *testing.T) {
	client := testutil.NewRedisClient(t)
	store := presence.NewRedisStore(client, "test", "node-b")
	p := presence.NewPublisher(store, 8, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Start(ctx) }()

	p.RoomOccupancy("lobby", 3)
	assert.Eventually(t, func() bool {
		got, err := store.Snapshot(context.Background())
		return err == nil && got["lobby"] == 3
	}, 3*time.Second, 20*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer stopCancel()
	p.Stop(stopCtx)

	n, err := client.Exists(context.Background(), store.Key()).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}
