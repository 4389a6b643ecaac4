package redis

import (
	"context"
	"log"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestDedupeIntegration exercises the dedupe cache against a real Redis
// container
func TestDedupeIntegration(t *testing.T) {
	// Skip if short test mode
	if testing.Short() {
		t.Skip("Skipping Redis integration test in short mode")
	}

	ctx := context.Background()
	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:latest",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	defer func() {
		_ = redisContainer.Terminate(ctx)
	}()

	endpoint, err := redisContainer.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	defer client.Close()
	require.NoError(t, client.Ping(ctx).Err())

	d := &Dedupe{Client: client, Logger: log.Default()}

	seen, err := d.Seen("pay-int-1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = d.Seen("pay-int-1")
	require.NoError(t, err)
	assert.True(t, seen)

	// The marker carries a TTL so stale entries age out on their own.
	ttl, err := client.TTL(ctx, "webhook_seen:pay-int-1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl.Seconds(), float64(0))

	require.NoError(t, d.Forget("pay-int-1"))

	seen, err = d.Seen("pay-int-1")
	require.NoError(t, err)
	assert.False(t, seen)
}
