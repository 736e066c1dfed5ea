//go:build integration

package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/zerotyping/ingest-pipeline/internal/cache"
)

func startRedis(t *testing.T) *cache.RedisClient {
	t.Helper()
	ctx := context.Background()

	redisContainer, err := redis.Run(ctx,
		"redis:7.4-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := redisContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate redis container: %v", err)
		}
	})

	host, err := redisContainer.Host(ctx)
	require.NoError(t, err)
	port, err := redisContainer.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client, err := cache.NewRedisClient(cache.RedisConfig{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedis_SnapshotAndMirror(t *testing.T) {
	ctx := context.Background()
	client := startRedis(t)

	msgs, unsubscribe, err := client.Subscribe(ctx, Topic("redis-1"))
	require.NoError(t, err)
	defer unsubscribe()

	rec := NewSnapshotRecorder(nil, client, client, SnapshotConfig{TTL: time.Minute})
	registry := NewRegistry(nil, rec)

	registry.Publish("redis-1", At(40, "Filtering text"))
	registry.Publish("redis-1", Note("page 2"))
	registry.Publish("redis-1", At(100, "processing complete"))
	require.NoError(t, rec.Close())

	var got []Event
	timeout := time.After(5 * time.Second)
	for len(got) < 3 {
		select {
		case data := <-msgs:
			var ev Event
			require.NoError(t, json.Unmarshal(data, &ev))
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("received %d of 3 mirrored events", len(got))
		}
	}
	assert.Equal(t, "Filtering text", got[0].Message)
	assert.False(t, got[1].HasPercent())
	assert.True(t, got[2].Terminal())

	snap, err := rec.Latest(ctx, "redis-1")
	require.NoError(t, err)
	assert.Equal(t, 100, snap.Percent)
	assert.Equal(t, "processing complete", snap.Event.Message)

	_, err = rec.Latest(ctx, "redis-unknown")
	assert.ErrorIs(t, err, ErrNoSnapshot)
}
