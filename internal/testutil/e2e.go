//go:build integration

package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/dyluth/herald/internal/statusstore"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// E2EEnvironment is a RabbitMQ and a Redis container plus a herald.yml
// pointing at them, all removed when the test ends.
type E2EEnvironment struct {
	T          *testing.T
	TmpDir     string
	ConfigPath string
	BrokerURL  string
	RedisURL   string
	Store      *statusstore.Client
	Ctx        context.Context
}

// SetupE2EEnvironment starts both containers and writes herald.yml into a
// temporary directory. The store client uses the "e2e" namespace.
func SetupE2EEnvironment(t *testing.T) *E2EEnvironment {
	ctx := context.Background()
	tmpDir := t.TempDir()

	env := &E2EEnvironment{
		T:         t,
		TmpDir:    tmpDir,
		BrokerURL: StartRabbitMQ(t),
		RedisURL:  StartRedis(t),
		Ctx:       ctx,
	}

	env.ConfigPath = filepath.Join(tmpDir, "herald.yml")
	heraldYML := fmt.Sprintf(`version: "1.0"
broker:
  brokerUrl: %s
redis:
  url: %s
health:
  addr: "127.0.0.1:0"
log:
  level: debug
`, env.BrokerURL, env.RedisURL)
	require.NoError(t, os.WriteFile(env.ConfigPath, []byte(heraldYML), 0644), "Failed to write herald.yml")

	store, err := statusstore.NewClientFromURL(env.RedisURL, "e2e")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	env.Store = store

	return env
}

// WaitForRecord polls the store until the entity is recorded in state.
func (env *E2EEnvironment) WaitForRecord(gateway string, entity statusstore.Entity, id, state string, timeout time.Duration) *statusstore.Record {
	var last *statusstore.Record
	require.Eventually(env.T, func() bool {
		r, err := env.Store.Get(env.Ctx, gateway, entity, id)
		if err != nil {
			return false
		}
		last = r
		return r.State == state
	}, timeout, 100*time.Millisecond, "%s %s never reached %s", entity, id, state)
	return last
}

// StartRabbitMQ runs a RabbitMQ container for the test and returns its AMQP URL.
func StartRabbitMQ(t *testing.T) string {
	t.Helper()
	_, host, port := startContainer(t, testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForLog("Server startup complete").WithStartupTimeout(90 * time.Second),
	}, "5672/tcp")
	return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port)
}

// StartRedis runs a Redis container for the test and returns its URL.
func StartRedis(t *testing.T) string {
	t.Helper()
	_, host, port := startContainer(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		HostConfigModifier: func(hc *container.HostConfig) {
			hc.Tmpfs = map[string]string{"/data": "rw"}
		},
	}, "6379/tcp")
	return fmt.Sprintf("redis://%s:%s", host, port)
}

func startContainer(t *testing.T, req testcontainers.ContainerRequest, port nat.Port) (testcontainers.Container, string, string) {
	t.Helper()
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start %s container", req.Image)
	t.Cleanup(func() {
		if err := c.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate %s container: %v", req.Image, err)
		}
	})

	host, err := c.Host(ctx)
	require.NoError(t, err, "Failed to get container host")

	mapped, err := c.MappedPort(ctx, port)
	require.NoError(t, err, "Failed to get container port")

	return c, host, mapped.Port()
}
