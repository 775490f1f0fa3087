//go:build integration

package coordination

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/testhelpers"
)

func TestAcquire_Exclusive(t *testing.T) {
	client := testhelpers.GetTestRedis(t).Client
	ctx := context.Background()
	key := Key("exclusive.test", t.Name())

	first := NewLocker(client, time.Second, zaptest.NewLogger(t), WithPollInterval(20*time.Millisecond))
	held, err := first.Acquire(ctx, key)
	require.NoError(t, err)
	require.True(t, held.Held())

	second := NewLocker(client, 200*time.Millisecond, zaptest.NewLogger(t), WithPollInterval(20*time.Millisecond))
	_, err = second.Acquire(ctx, key)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrLockAcquisition))

	require.NoError(t, held.Release(ctx))

	again, err := second.Acquire(ctx, key)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestRelease_DoesNotStealForeignLock(t *testing.T) {
	client := testhelpers.GetTestRedis(t).Client
	ctx := context.Background()
	key := Key("steal.test", t.Name())

	locker := NewLocker(client, time.Second, zaptest.NewLogger(t), WithLease(150*time.Millisecond), WithPollInterval(10*time.Millisecond))
	stale, err := locker.Acquire(ctx, key)
	require.NoError(t, err)

	// The key vanishes as it would after the holder stalled past its lease.
	require.NoError(t, client.Del(ctx, key).Err())
	current, err := locker.Acquire(ctx, key)
	require.NoError(t, err)

	require.Eventually(t, stale.Lost, time.Second, 10*time.Millisecond)
	assert.False(t, stale.Held())
	assert.True(t, current.Held())

	require.NoError(t, stale.Release(ctx))
	val, err := client.Get(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, current.token, val)

	require.NoError(t, current.Release(ctx))
}

func TestAcquire_RenewsLeaseWhileHeld(t *testing.T) {
	client := testhelpers.GetTestRedis(t).Client
	ctx := context.Background()
	key := Key("renew.test", t.Name())

	first := NewLocker(client, time.Second, zaptest.NewLogger(t), WithLease(150*time.Millisecond))
	held, err := first.Acquire(ctx, key)
	require.NoError(t, err)

	// Well past the lease, the key is still ours.
	time.Sleep(600 * time.Millisecond)
	assert.True(t, held.Held())
	val, err := client.Get(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, held.token, val)

	second := NewLocker(client, 200*time.Millisecond, zaptest.NewLogger(t), WithPollInterval(20*time.Millisecond))
	_, err = second.Acquire(ctx, key)
	assert.ErrorIs(t, err, apperrors.ErrLockAcquisition)

	require.NoError(t, held.Release(ctx))
	require.NoError(t, held.Release(ctx), "second release is harmless")
	_, err = client.Get(ctx, key).Result()
	assert.ErrorIs(t, err, redis.Nil)
}
