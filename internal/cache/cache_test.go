package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/callpilot-io/callpilot/internal/cache"
)

// setupRedis spins up a Redis container and returns a connected RedisCache + cleanup.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	redisURL := "redis://" + host + ":" + port.Port()
	rc, err := cache.NewRedisCache(redisURL)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, rc.Close()) })

	return rc
}

// --- Ping ---

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	assert.NoError(t, rc.Ping(context.Background()))
}

// --- Set / Get roundtrip ---

func TestSetGet_Roundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "k1", []byte("v1"), time.Minute))

	val, found, err := rc.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v1"), val)
}

func TestGet_Miss(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	_, found, err := rc.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "k2", []byte("v2"), time.Minute))
	require.NoError(t, rc.Delete(ctx, "k2"))

	_, found, err := rc.Get(ctx, "k2")
	require.NoError(t, err)
	assert.False(t, found)
}

// --- Job status ---

func TestJobStatus_Roundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	tenantID, jobID := uuid.New(), uuid.New()

	require.NoError(t, rc.SetJobStatus(ctx, tenantID, jobID, "running", time.Minute))

	status, found, err := rc.GetJobStatus(ctx, tenantID, jobID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "running", status)
}

func TestJobStatus_TenantScoped(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	jobID := uuid.New()

	require.NoError(t, rc.SetJobStatus(ctx, uuid.New(), jobID, "running", time.Minute))

	_, found, err := rc.GetJobStatus(ctx, uuid.New(), jobID)
	require.NoError(t, err)
	assert.False(t, found, "status keys include the tenant")
}

// --- Distributed lock ---

func TestAcquireLock_Contention(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.JobLockKey(uuid.New())

	ok, err := rc.AcquireLock(ctx, key, "token-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second acquirer is turned away immediately.
	ok, err = rc.AcquireLock(ctx, key, "token-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, rc.ReleaseLock(ctx, key, "token-a"))

	ok, err = rc.AcquireLock(ctx, key, "token-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseLock_WrongTokenIsNoop(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.JobLockKey(uuid.New())

	ok, err := rc.AcquireLock(ctx, key, "token-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A stale holder's token must not free someone else's lock.
	require.NoError(t, rc.ReleaseLock(ctx, key, "token-stale"))

	ok, err = rc.AcquireLock(ctx, key, "token-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lock should still be held by token-a")
}

func TestAcquireLock_ExpiresAfterTTL(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.JobLockKey(uuid.New())

	ok, err := rc.AcquireLock(ctx, key, "token-a", 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(200 * time.Millisecond)

	ok, err = rc.AcquireLock(ctx, key, "token-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock should be acquirable")
}
