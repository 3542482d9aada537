//go:build integration

package main

import (
	"context"
	"net/http"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jrdn-h/CA/internal/testutil"
	"github.com/jrdn-h/CA/pkg/config"
	"github.com/jrdn-h/CA/pkg/provider"
)

func setupTestRedis(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	cleanup := func() {
		redisC.Terminate(ctx)
	}

	return host + ":" + port.Port(), cleanup
}

func TestRedisBackedFlow(t *testing.T) {
	addr, cleanup := setupTestRedis(t)
	defer cleanup()

	cfg := config.Default()
	cfg.ApplyEnv(func(k string) (string, bool) {
		if k == config.EnvRedisAddr {
			return addr, true
		}
		return "", false
	})
	cfg.Families = []config.FamilyConfig{{
		Name: "spot",
		Providers: []config.ProviderConfig{
			{ID: "p1", Type: config.ProviderStatic, Priority: 1, Capabilities: []string{"price"}},
		},
	}}
	require.NoError(t, cfg.Validate())

	p1 := testutil.NewFakeProvider("p1")
	a, err := newApp(context.Background(), cfg, map[string]provider.Provider{"p1": p1})
	require.NoError(t, err)
	defer a.Close()

	s := &testServer{app: a, p1: p1}
	srv := newHTTPTestServer(t, a)
	s.Server = srv

	status, body := s.do(t, http.MethodGet, "/v1/metrics/price/BTC", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["cached"])

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	n, err := rdb.Exists(context.Background(), "metric:price:BTC").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "entry should be written through to Redis")

	status, body = s.do(t, http.MethodGet, "/v1/metrics/price/BTC", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["cached"])
	assert.Equal(t, 1, p1.Calls())

	status, body = s.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["cache_available"])
}
