// Package valkeytest starts throwaway valkey servers in containers for
// integration tests. Tests using it are skipped with -short.
package valkeytest

import (
	"context"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/valkey-io/valkey-go"
)

const image = "valkey/valkey:9-alpine3.23"

type options struct {
	password string
}

func NewTestValkey(t testing.TB) (address string, done func()) {
	t.Helper()
	return newTestValkeyWithOptions(t, options{})
}

func NewTestValkeyWithPassword(t testing.TB, password string) (address string, done func()) {
	t.Helper()
	return newTestValkeyWithOptions(t, options{password: password})
}

func newTestValkeyWithOptions(t testing.TB, opts options) (address string, done func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("valkey container tests are skipped in short mode")
	}

	var args []string
	if opts.password != "" {
		args = append(args, "--requirepass", opts.password)
	}

	port, err := nat.NewPort("tcp", "6379")
	if err != nil {
		t.Fatalf("Failed to get new nat port: %v", err)
	}

	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			Cmd:          args,
			ExposedPorts: []string{string(port)},
			WaitingFor: wait.ForAll(
				wait.ForLog("* Ready to accept connections"),
				wait.NewHostPortStrategy(string(port)),
			),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start valkey server: %v", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	address, err = container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get valkey address: %v", err)
	}

	if err := ping(ctx, address, opts.password); err != nil {
		t.Fatalf("Failed to ping valkey server: %v", err)
	}

	t.Logf("Started valkey server at %s in %v", address, time.Since(start))

	done = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to stop valkey at %s: %v", address, err)
		}
	}
	return address, done
}

func ping(ctx context.Context, address, password string) error {
	vdb, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  []string{address},
		Password:     password,
		DisableCache: true,
	})
	if err != nil {
		return err
	}
	defer vdb.Close()

	for {
		err := vdb.Do(ctx, vdb.B().Ping().Build()).Error()
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
