package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestAcquire_NilClientIsNoop(t *testing.T) {
	locker := NewLocker(nil, 0, zaptest.NewLogger(t))

	lock, err := locker.Acquire(context.Background(), Key("db.example.com", "central_repository"))
	require.NoError(t, err)
	assert.False(t, lock.Held())
	assert.False(t, lock.Lost())
	assert.NoError(t, lock.Release(context.Background()))
	assert.NoError(t, lock.Release(context.Background()))
}

func TestAcquire_UnreachableServerIsNoop(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	locker := NewLocker(client, time.Second, zaptest.NewLogger(t))
	lock, err := locker.Acquire(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, lock.Held())
}

func TestKey(t *testing.T) {
	assert.Equal(t, "centralrepo:upgrade:db.example.com/central_repository", Key("DB.example.com", "central_repository"))
}

func TestNewLocker_Defaults(t *testing.T) {
	locker := NewLocker(nil, 0, zaptest.NewLogger(t), WithLease(time.Minute))
	assert.Equal(t, DefaultAcquireTimeout, locker.timeout)
	assert.Equal(t, time.Minute, locker.lease)
	assert.Equal(t, defaultInterval, locker.interval)
}
