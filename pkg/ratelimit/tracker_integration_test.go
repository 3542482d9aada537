//go:build integration

package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestTracker_Integration_SharedBlock(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	ctx := context.Background()

	first := NewTracker(Config{Redis: redisClient, Logger: logger})
	first.Block(ctx, "binance", time.Minute)

	ttl, err := redisClient.TTL(ctx, RedisKey("binance")).Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= 50*time.Second || ttl > time.Minute {
		t.Errorf("shared block TTL = %v, want ~1m", ttl)
	}

	second := NewTracker(Config{Redis: redisClient, Logger: logger})
	if ok, _ := second.Allow("binance"); !ok {
		t.Fatal("fresh tracker should allow before loading shared state")
	}

	if err := second.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	ok, wait := second.Allow("binance")
	if ok {
		t.Error("shared block not applied after Load")
	}
	if wait <= 50*time.Second || wait > time.Minute {
		t.Errorf("wait = %v, want ~1m", wait)
	}
	if ok, _ := second.Allow("coingecko"); !ok {
		t.Error("block leaked to another provider")
	}
}
