package quotastore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStore_IncrAndUsed(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	windowStart := time.Now().UTC().Truncate(24 * time.Hour)
	windowReset := windowStart.Add(24 * time.Hour)

	used, err := store.Used(ctx, "virustotal", windowStart)
	require.NoError(t, err)
	assert.Equal(t, 0, used)

	for i := 0; i < 4; i++ {
		require.NoError(t, store.Incr(ctx, "virustotal", windowStart, windowReset))
	}

	used, err = store.Used(ctx, "virustotal", windowStart)
	require.NoError(t, err)
	assert.Equal(t, 4, used)

	other, err := store.Used(ctx, "abuseipdb", windowStart)
	require.NoError(t, err)
	assert.Equal(t, 0, other)

	key := usageKey("virustotal", windowStart)
	assert.True(t, mr.Exists(key))
	assert.Greater(t, mr.TTL(key), time.Duration(0))
	assert.LessOrEqual(t, mr.TTL(key), 24*time.Hour)
}

func TestRedisStore_WindowsAreIndependent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	day1 := time.Now().UTC().Truncate(24 * time.Hour)
	day2 := day1.Add(24 * time.Hour)

	require.NoError(t, store.Incr(ctx, "virustotal", day1, day2))

	used, err := store.Used(ctx, "virustotal", day2)
	require.NoError(t, err)
	assert.Equal(t, 0, used)
}

func TestRedisStore_ConnectionError(t *testing.T) {
	_, err := Connect(context.Background(), "127.0.0.1:1", "", 0)
	assert.Error(t, err)
}
