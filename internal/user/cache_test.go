package user

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client), mr
}

func TestRedisCache_RoundTrip(t *testing.T) {
	cache, _ := newRedisCache(t)
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "user:missing")
	require.NoError(t, err)
	assert.False(t, ok, "absent key is a miss, not an error")

	require.NoError(t, cache.Set(ctx, "user:abc", []byte(`{"name":"x"}`), time.Minute))

	val, ok, err := cache.Get(ctx, "user:abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"name":"x"}`), val)

	require.NoError(t, cache.Delete(ctx, "user:abc"))
	_, ok, err = cache.Get(ctx, "user:abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_TTLExpiry(t *testing.T) {
	cache, mr := newRedisCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "user:ttl", []byte("v"), 30*time.Minute))
	mr.FastForward(31 * time.Minute)

	_, ok, err := cache.Get(ctx, "user:ttl")
	require.NoError(t, err)
	assert.False(t, ok, "expired entry reads as a miss")
}

func TestSnapshotCodec(t *testing.T) {
	u := NewUser(CreateRequest{Name: "Codec", Email: "codec@x.com"}.Normalize(), time.Now().UTC())

	data, err := encodeSnapshot(u)
	require.NoError(t, err)
	back, err := decodeSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, u.ID, back.ID)
	assert.Equal(t, u.Email, back.Email)

	_, err = decodeSnapshot([]byte("{corrupt"))
	assert.Error(t, err)
}
