//go:build integration

package storage

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedisContainer(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() {
		client.Close()
		container.Terminate(ctx)
	})
	return client
}

func TestRedisBackend_Integration(t *testing.T) {
	runRedisBackendChecks(t, setupRedisContainer(t))
}

func TestRedisOpener_Integration(t *testing.T) {
	client := setupRedisContainer(t)
	ctx := context.Background()

	b, err := RedisOpener(client, "swr:cache:")(ctx, "u1")
	if err != nil {
		t.Fatalf("RedisOpener failed: %v", err)
	}
	if err := b.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	raw, err := client.Get(ctx, "swr:cache:u1:k").Result()
	if err != nil || raw != "v" {
		t.Errorf("raw key = %q, %v", raw, err)
	}
}
