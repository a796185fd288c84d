package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	key := SessionKey("s1")
	allowed, _, err := bucket.Allow(ctx, key)
	require.NoError(t, err)
	require.True(t, allowed, "first token")

	allowed, _, err = bucket.Allow(ctx, key)
	require.NoError(t, err)
	require.True(t, allowed, "second token")

	allowed, _, err = bucket.Allow(ctx, key)
	require.NoError(t, err)
	require.False(t, allowed, "bucket drained")

	// Refill cannot be tested with miniredis.FastForward: the script takes
	// its clock from the caller, not from Redis.
}

func TestTokenBucketIsolatesSessions(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 1, 1, time.Minute)

	allowed, _, err := bucket.Allow(ctx, SessionKey("a"))
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, _ = bucket.Allow(ctx, SessionKey("a"))
	require.False(t, allowed, "session a drained")

	allowed, _, err = bucket.Allow(ctx, SessionKey("b"))
	require.NoError(t, err)
	require.True(t, allowed, "session b has its own bucket")
}
