// Package redistest starts throwaway redis servers in containers for
// integration tests. Tests using it are skipped with -short.
package redistest

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const image = "redis:7-alpine"

// NewTestRedis returns the address of a running redis server and a
// func to stop it.
func NewTestRedis(t testing.TB) (address string, done func()) {
	t.Helper()
	return NewTestRedisWithPassword(t, "")
}

func NewTestRedisWithPassword(t testing.TB, password string) (address string, done func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("redis container tests are skipped in short mode")
	}

	var args []string
	if password != "" {
		args = append(args, "--requirepass", password)
	}

	start := time.Now()

	// first container start pulls the image
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			Cmd:          args,
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("* Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start redis server: %v", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	address, err = container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get redis address: %v", err)
	}

	if err := ping(ctx, address, password); err != nil {
		t.Fatalf("Failed to ping redis server: %v", err)
	}

	t.Logf("Started redis server at %s in %v", address, time.Since(start))

	done = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to stop redis at %s: %v", address, err)
		}
	}
	return address, done
}

func ping(ctx context.Context, address, password string) error {
	rdb := redis.NewClient(&redis.Options{Addr: address, Password: password})
	defer rdb.Close()

	for {
		err := rdb.Ping(ctx).Err()
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return err
		case <-time.After(100 * time.Millisecond):
		}
	}
}
