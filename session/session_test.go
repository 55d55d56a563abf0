package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	// Start Redis container once for all tests.
	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := testRedisContainer.Host(ctx)
		if err != nil {
			fmt.Printf("Failed to get container host: %v\n", err)
			skipIntegration = true
		} else {
			port, err := testRedisContainer.MappedPort(ctx, "6379")
			if err != nil {
				fmt.Printf("Failed to get container port: %v\n", err)
				skipIntegration = true
			} else {
				testRedisClient = redis.NewClient(&redis.Options{
					Addr: host + ":" + port.Port(),
				})
				if err := testRedisClient.Ping(ctx).Err(); err != nil {
					fmt.Printf("Failed to ping redis: %v\n", err)
					skipIntegration = true
				}
			}
		}
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}

	os.Exit(code)
}

// getRedis returns the shared Redis client and flushes the database for test
// isolation. Skips the test if Docker/Redis is not available.
func getRedis(t *testing.T) *redis.Client {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	if err := testRedisClient.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
	return testRedisClient
}

func TestCreateAndGet(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	store := NewStore(rdb, time.Hour)

	sess, err := store.Create(ctx, "", "hello", "user-1", json.RawMessage(`{"k":"v"}`))
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, StatusIdle, sess.Status)

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "hello", got.Prompt)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, StatusIdle, got.Status)
	assert.JSONEq(t, `{"k":"v"}`, string(got.Context))
	assert.Equal(t, int64(0), got.MessageCount)
	assert.WithinDuration(t, time.Now(), got.CreatedAt, 5*time.Second)

	ttl, err := rdb.TTL(ctx, Key(sess.ID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)
}

func TestCreateKeepsProvidedID(t *testing.T) {
	rdb := getRedis(t)
	store := NewStore(rdb, time.Hour)

	sess, err := store.Create(context.Background(), "fixed-id", "p", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", sess.ID)
}

func TestGetNotFound(t *testing.T) {
	rdb := getRedis(t)
	store := NewStore(rdb, time.Hour)

	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateMergesAndRefreshesTTL(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	store := NewStore(rdb, time.Hour)

	sess, err := store.Create(ctx, "", "p", "", nil)
	require.NoError(t, err)

	// Shrink the TTL so the refresh is observable.
	require.NoError(t, rdb.Expire(ctx, Key(sess.ID), time.Minute).Err())

	got, err := store.Update(ctx, sess.ID, map[string]any{
		"status":  string(StatusProcessing),
		"task_id": "task-1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, "p", got.Prompt, "unrelated fields survive the merge")

	ttl, err := rdb.TTL(ctx, Key(sess.ID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)
}

func TestSetStatus(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	store := NewStore(rdb, time.Hour)

	sess, err := store.Create(ctx, "", "p", "", nil)
	require.NoError(t, err)

	require.NoError(t, store.SetStatus(ctx, sess.ID, StatusCancelled))
	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestIncrementMessageCount(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	store := NewStore(rdb, time.Hour)

	sess, err := store.Create(ctx, "", "p", "", nil)
	require.NoError(t, err)

	n, err := store.IncrementMessageCount(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = store.IncrementMessageCount(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.MessageCount)
}

func TestDeleteAndExists(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	store := NewStore(rdb, time.Hour)

	sess, err := store.Create(ctx, "", "p", "", nil)
	require.NoError(t, err)

	ok, err := store.Exists(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Delete(ctx, sess.ID))

	ok, err = store.Exists(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = store.Get(ctx, sess.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWithLockExcludesConcurrentHolder(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	store := NewStore(rdb, time.Hour)

	entered := make(chan struct{})
	release := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- store.WithLock(ctx, "s1", "execute", 10*time.Second, time.Second, func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	// Second holder cannot acquire while the first is inside.
	err := store.WithLock(ctx, "s1", "execute", 10*time.Second, 200*time.Millisecond, func(context.Context) error {
		t.Error("critical section entered while lock held")
		return nil
	})
	require.Error(t, err)

	close(release)
	require.NoError(t, <-errc)

	// Lock is free again after release.
	require.NoError(t, store.WithLock(ctx, "s1", "execute", 10*time.Second, time.Second, func(context.Context) error {
		return nil
	}))
}

func TestDecodeRejectsBadTimestamps(t *testing.T) {
	_, err := decode("s1", map[string]string{
		"status":     "idle",
		"created_at": "not-a-time",
	})
	require.Error(t, err)
}
