//go:build integration

package acquire

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jrdn-h/CA/internal/testutil"
	"github.com/jrdn-h/CA/pkg/cache"
	"github.com/jrdn-h/CA/pkg/health"
	"github.com/jrdn-h/CA/pkg/provider/binance"
	"github.com/jrdn-h/CA/pkg/provider/static"
	"github.com/jrdn-h/CA/pkg/ratelimit"
	"github.com/jrdn-h/CA/pkg/registry"
	"github.com/jrdn-h/CA/pkg/ttl"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

// newRedisCoordinator wires one service instance against the shared Redis:
// binance first, the static provider as the last resort.
func newRedisCoordinator(t *testing.T, rdb *redis.Client, upstream string) (*Coordinator, *registry.Registry) {
	t.Helper()
	logger := zerolog.Nop()

	store, err := cache.NewStore(cache.Config{
		Backend:        cache.NewRedisBackend(rdb),
		StaleRetention: time.Minute,
		Logger:         &logger,
	})
	require.NoError(t, err)

	policy, err := ttl.NewPolicy(ttl.Config{})
	require.NoError(t, err)

	reg, err := registry.New(registry.Config{Logger: &logger})
	require.NoError(t, err)
	require.NoError(t, reg.Register(registry.Registration{
		Family:       "spot",
		Provider:     binance.New(binance.Config{BaseURL: upstream, Timeout: 2 * time.Second}),
		Priority:     1,
		Capabilities: []string{"price"},
	}))
	require.NoError(t, reg.Register(registry.Registration{
		Family:       "spot",
		Provider:     static.New("", nil),
		Priority:     99,
		Capabilities: []string{"price"},
	}))

	tracker := ratelimit.NewTracker(ratelimit.Config{Redis: rdb, Logger: logger})
	require.NoError(t, tracker.Load(context.Background()))

	coord, err := New(Config{
		Store:    store,
		Policy:   policy,
		Registry: reg,
		Monitor:  registry.NewMonitor(reg, registry.MonitorConfig{RateLimits: tracker, Logger: &logger}),
		Logger:   &logger,
	})
	require.NoError(t, err)
	return coord, reg
}

// TestFullAcquireFlow covers rate limit gate, cache, upstream and write-back
// with two instances sharing one Redis.
func TestFullAcquireFlow(t *testing.T) {
	rdb, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/fapi/v1/ticker/price", testutil.NewJSONResponse(`{"symbol":"BTCUSDT","price":"64000.10","time":1}`))

	ctx := context.Background()
	first, _ := newRedisCoordinator(t, rdb, mock.URL())

	// Cold: fetched upstream and written to Redis
	res, err := first.Acquire(ctx, Request{Metric: "price", Asset: "BTC"})
	require.NoError(t, err)
	assert.Equal(t, binance.DefaultID, res.Provider)
	assert.False(t, res.Cached)

	n, err := rdb.Exists(ctx, "metric:price:BTC").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// A second instance sees the entry without calling upstream
	second, _ := newRedisCoordinator(t, rdb, mock.URL())
	res, err = second.Acquire(ctx, Request{Metric: "price", Asset: "btc"})
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, 1, mock.PathCount("/fapi/v1/ticker/price"))

	// Upstream rate limit: binance is blocked, the static provider answers
	mock.SetResponse("/fapi/v1/ticker/price", testutil.NewRateLimitResponse(time.Minute))
	res, err = second.Acquire(ctx, Request{Metric: "price", Asset: "BTC", ForceRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, static.ID, res.Provider)

	ttlLeft, err := rdb.TTL(ctx, ratelimit.RedisKey(binance.DefaultID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttlLeft, 50*time.Second, "block should be shared through Redis")

	// A third instance restores the block and skips binance entirely
	calls := mock.PathCount("/fapi/v1/ticker/price")
	third, reg := newRedisCoordinator(t, rdb, mock.URL())
	res, err = third.Acquire(ctx, Request{Metric: "price", Asset: "ETH"})
	require.NoError(t, err)
	assert.Equal(t, static.ID, res.Provider)
	assert.Equal(t, calls, mock.PathCount("/fapi/v1/ticker/price"))

	state, err := reg.State(binance.DefaultID)
	require.NoError(t, err)
	assert.Equal(t, health.Healthy, state, "local throttle carries no health penalty")
}
