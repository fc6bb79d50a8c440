package cache_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/chatrelay/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
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
	t.Cleanup(func() { _ = rc.Close() })

	return rc
}

// --- Ping ---

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	err := rc.Ping(context.Background())
	assert.NoError(t, err)
}

// --- Set / Get roundtrip ---

func TestSetGet_Roundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	err := rc.Set(ctx, "test:key", []byte("hello"), 10*time.Second)
	require.NoError(t, err)

	val, found, err := rc.Get(ctx, "test:key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hello"), val)
}

func TestGet_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	val, found, err := rc.Get(context.Background(), "nonexistent:key")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, val)
}

func TestSet_TTLExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	err := rc.Set(ctx, "expiry:key", []byte("temp"), 1*time.Second)
	require.NoError(t, err)

	_, found, err := rc.Get(ctx, "expiry:key")
	require.NoError(t, err)
	assert.True(t, found)

	time.Sleep(1500 * time.Millisecond)

	_, found, err = rc.Get(ctx, "expiry:key")
	require.NoError(t, err)
	assert.False(t, found)
}

// --- Delete ---

func TestDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "del:key", []byte("bye"), 10*time.Second))

	err := rc.Delete(ctx, "del:key")
	require.NoError(t, err)

	_, found, err := rc.Get(ctx, "del:key")
	require.NoError(t, err)
	assert.False(t, found)
}

// --- IncrWindow ---

func TestIncrWindow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := "ratelimit:test:" + uuid.NewString()[:8]

	for want := int64(1); want <= 3; want++ {
		val, err := rc.IncrWindow(ctx, key, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, val)
	}

	ttl, err := rc.Client().PTTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 10*time.Second)
}

func TestIncrWindow_ExpirySetOnlyOnFirstIncrement(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := "ratelimit:first:" + uuid.NewString()[:8]

	_, err := rc.IncrWindow(ctx, key, 1*time.Second)
	require.NoError(t, err)

	// A later increment with a longer window must not extend the first expiry.
	_, err = rc.IncrWindow(ctx, key, time.Hour)
	require.NoError(t, err)

	ttl, err := rc.Client().PTTL(ctx, key).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, time.Second)
}

func TestIncrWindow_Expires(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := "ratelimit:expiry:" + uuid.NewString()[:8]

	_, err := rc.IncrWindow(ctx, key, 1*time.Second)
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)

	val, err := rc.IncrWindow(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)
}

func TestIncrWindow_ConcurrentIncrementsAreAtomic(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := "ratelimit:concurrent:" + uuid.NewString()[:8]

	const n = 50
	var wg sync.WaitGroup
	seen := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := rc.IncrWindow(ctx, key, time.Minute)
			if err == nil {
				seen <- v
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := map[int64]bool{}
	for v := range seen {
		unique[v] = true
	}
	assert.Len(t, unique, n, "every increment must observe a distinct count")
}

// --- Versioned writes ---

func TestSetIfVersion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.ChatroomsKey(uuid.New())

	v, err := rc.Version(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	stored, err := rc.SetIfVersion(ctx, key, v, []byte(`["a"]`), time.Minute)
	require.NoError(t, err)
	assert.True(t, stored)

	require.NoError(t, rc.Invalidate(ctx, key))

	_, found, err := rc.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found, "invalidate must drop the entry")

	// A writer holding the old generation must be rejected.
	stored, err = rc.SetIfVersion(ctx, key, v, []byte(`["stale"]`), time.Minute)
	require.NoError(t, err)
	assert.False(t, stored)

	v2, err := rc.Version(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v2)

	stored, err = rc.SetIfVersion(ctx, key, v2, []byte(`["fresh"]`), time.Minute)
	require.NoError(t, err)
	assert.True(t, stored)

	val, _, err := rc.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte(`["fresh"]`), val)
}

// --- Cache Key Builders ---

func TestChatroomsKey(t *testing.T) {
	userID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	key := cache.ChatroomsKey(userID)
	assert.Equal(t, "cache:{chatrooms:11111111-1111-1111-1111-111111111111}", key)
	assert.Equal(t, key+":ver", cache.VersionKey(key))
}

func TestRateLimitKey(t *testing.T) {
	ownerID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	key := cache.RateLimitKey("chat", ownerID, 1700000000)
	assert.Equal(t, "ratelimit:chat:22222222-2222-2222-2222-222222222222:1700000000", key)
}

func TestKeyBuilders_NonColliding(t *testing.T) {
	id := uuid.New()

	keys := map[string]bool{
		cache.ChatroomsKey(id):                   true,
		cache.VersionKey(cache.ChatroomsKey(id)): true,
		cache.RateLimitKey("chat", id, 0):        true,
		cache.RateLimitKey("api", id, 0):         true,
		cache.RateLimitKey("chat", id, 3600):     true,
	}
	assert.Len(t, keys, 5, "all keys should be unique")
}
