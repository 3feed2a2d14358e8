package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMiniredisStore(t *testing.T, opts ...RedisOption) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st, err := NewRedisStore(rdb, opts...)
	require.NoError(t, err)
	return st, mr
}

func TestRedisStore_RecordExpiresWithToken(t *testing.T) {
	st, mr := newMiniredisStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := RefreshRecord{
		TokenHash: "h1",
		Identity:  "u1",
		ClientID:  "web",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, st.Save(ctx, rec))
	require.True(t, mr.Exists("arc:auth:rt:h1"))

	mr.FastForward(time.Hour + time.Second)

	_, err := st.FindByHash(ctx, "h1")
	require.ErrorIs(t, err, ErrRefreshNotFound)
}

func TestRedisStore_IndexExpiresWithLongestToken(t *testing.T) {
	st, mr := newMiniredisStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	save := func(hash, client string, ttl time.Duration) {
		t.Helper()
		require.NoError(t, st.Save(ctx, RefreshRecord{
			TokenHash: hash,
			Identity:  "u1",
			ClientID:  client,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}))
	}

	save("h-web", "web", 2*time.Hour)
	require.Equal(t, 2*time.Hour, mr.TTL("arc:auth:rt:user:u1"))

	// A shorter token never shortens the index.
	save("h-cli", "cli", time.Hour)
	require.Equal(t, 2*time.Hour, mr.TTL("arc:auth:rt:user:u1"))

	// A longer one extends it.
	save("h-mobile", "mobile", 3*time.Hour)
	require.Equal(t, 3*time.Hour, mr.TTL("arc:auth:rt:user:u1"))

	mr.FastForward(3*time.Hour + time.Second)
	require.False(t, mr.Exists("arc:auth:rt:user:u1"))
	require.False(t, mr.Exists("arc:auth:rt:h-mobile"))
}

func TestRedisStore_KeyPrefix(t *testing.T) {
	st, mr := newMiniredisStore(t, WithKeyPrefix("tenant1"))
	ctx := context.Background()

	_, err := st.Raise(ctx, "u1", time.UnixMicro(1_700_000_000_123_456))
	require.NoError(t, err)

	v, err := mr.Get("tenant1:revoked:u1")
	require.NoError(t, err)
	require.Equal(t, "1700000000123456", v)
}

func TestNewRedisStore_Validation(t *testing.T) {
	_, err := NewRedisStore(nil)
	require.ErrorIs(t, err, ErrConfig)

	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()
	_, err = NewRedisStore(rdb, WithKeyPrefix("  "))
	require.ErrorIs(t, err, ErrConfig)
}
