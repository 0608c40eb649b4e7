package repository

import (
	"context"
	"testing"
	"time"

	"github.com/qcom/mailotp/internal/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := tcredis.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	uri, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)

	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisChallengeStore_Integration(t *testing.T) {
	client := newRedisClient(t)
	store := NewRedisChallengeStore(client, clock.New(), discardLogger())
	ctx := context.Background()
	now := time.Now()

	_, err := store.Get(ctx, "a@b.com")
	assert.ErrorIs(t, err, ErrChallengeNotFound)

	require.NoError(t, store.Put(ctx, "A@b.com", newChallenge("A@b.com", "111111", now)))
	require.NoError(t, store.Put(ctx, "a@B.com", newChallenge("a@B.com", "222222", now)))

	got, err := store.Get(ctx, "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, "222222", got.Code, "last write wins")
	assert.Equal(t, "a@B.com", got.Email)

	ttl, err := client.PTTL(ctx, "otp:a@b.com").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 30*time.Second)

	require.NoError(t, store.Remove(ctx, "a@b.com"))
	require.NoError(t, store.Remove(ctx, "a@b.com"))
	_, err = store.Get(ctx, "a@b.com")
	assert.ErrorIs(t, err, ErrChallengeNotFound)
}

func TestRedisChallengeStore_StalePutRemovesExisting(t *testing.T) {
	client := newRedisClient(t)
	store := NewRedisChallengeStore(client, clock.New(), discardLogger())
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Put(ctx, "a@b.com", newChallenge("a@b.com", "111111", now)))
	require.NoError(t, store.Put(ctx, "a@b.com", newChallenge("a@b.com", "222222", now.Add(-time.Minute))))

	_, err := store.Get(ctx, "a@b.com")
	assert.ErrorIs(t, err, ErrChallengeNotFound)
}

func TestRedisTokenDenylist_Integration(t *testing.T) {
	client := newRedisClient(t)
	denylist := NewRedisTokenDenylist(client, clock.New(), discardLogger())
	ctx := context.Background()

	revoked, err := denylist.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, denylist.Revoke(ctx, "jti-1", time.Now().Add(time.Minute)))

	revoked, err = denylist.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}
