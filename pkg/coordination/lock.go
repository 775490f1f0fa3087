// Package coordination provides the exclusive cross-process lock that
// guards schema upgrades of a shared central repository.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/logging"
)

const (
	// DefaultAcquireTimeout bounds how long Acquire waits for a contended lock.
	DefaultAcquireTimeout = 5 * time.Minute

	keyPrefix       = "centralrepo:upgrade:"
	defaultLease    = 10 * time.Minute
	defaultInterval = 250 * time.Millisecond
)

// releaseScript deletes the key only if it still holds our token, so a
// holder whose lease expired cannot release someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only while the key still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker hands out exclusive upgrade locks keyed by repository.
type Locker struct {
	client   *redis.Client
	logger   *zap.Logger
	timeout  time.Duration
	lease    time.Duration
	interval time.Duration
}

// Option customizes a Locker.
type Option func(*Locker)

// WithLease sets how long an acquired lock outlives its holder. A held lock
// renews the lease every third of it until released, so the lease bounds
// the recovery time after a crash, not the length of an upgrade.
func WithLease(d time.Duration) Option { return func(l *Locker) { l.lease = d } }

// WithPollInterval sets the delay between acquisition attempts.
func WithPollInterval(d time.Duration) Option { return func(l *Locker) { l.interval = d } }

// NewLocker creates a Locker. A nil client means coordination is not
// configured and every Acquire succeeds without exclusion.
func NewLocker(client *redis.Client, timeout time.Duration, logger *zap.Logger, opts ...Option) *Locker {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	l := &Locker{
		client:   client,
		logger:   logger.Named("coordination"),
		timeout:  timeout,
		lease:    defaultLease,
		interval: defaultInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the lock key for a networked repository.
func Key(host, database string) string {
	return keyPrefix + strings.ToLower(host) + "/" + database
}

// Lock is a held upgrade lock. The noop lock returned when coordination is
// unavailable releases nothing.
type Lock struct {
	client *redis.Client
	logger *zap.Logger
	key    string
	token  string

	lost     atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Held reports whether the lock provides real mutual exclusion. It turns
// false if the lease could not be renewed and the key expired or changed
// hands.
func (l *Lock) Held() bool { return l != nil && l.client != nil && !l.lost.Load() }

// Lost reports whether a lock that was held expired before Release.
func (l *Lock) Lost() bool { return l != nil && l.lost.Load() }

// Release stops renewing the lease and gives the lock up if it is still
// ours. Releasing twice is harmless.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil || l.client == nil {
		return nil
	}
	l.stopRenewal()
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}

func (l *Lock) stopRenewal() {
	l.stopOnce.Do(func() {
		close(l.stop)
		<-l.done
	})
}

// renew keeps the lease alive until Release. A renewal that finds the key
// gone or owned by another token marks the lock lost and stops.
func (l *Lock) renew(lease time.Duration) {
	defer close(l.done)
	every := max(lease/3, time.Millisecond)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), every)
		n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, lease.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			l.logger.Warn("Failed to renew upgrade lock",
				zap.String("key", l.key),
				zap.String("error", logging.SanitizeError(err)))
		case n == 0:
			l.lost.Store(true)
			l.logger.Error("Upgrade lock expired while held", zap.String("key", l.key))
			return
		}
	}
}

// Acquire takes the exclusive lock for key, polling until the configured
// timeout. When coordination is not configured or the server cannot be
// reached, a noop lock is returned and the caller proceeds alone.
// Contention past the timeout returns apperrors.ErrLockAcquisition.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lock, error) {
	if l.client == nil {
		l.logger.Debug("Coordination not configured, proceeding without lock", zap.String("key", key))
		return &Lock{}, nil
	}
	if err := l.client.Ping(ctx).Err(); err != nil {
		l.logger.Warn("Coordination server unavailable, proceeding without lock",
			zap.String("key", key),
			zap.String("error", logging.SanitizeError(err)))
		return &Lock{}, nil
	}

	token := uuid.NewString()
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.lease).Result()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			l.logger.Info("Acquired upgrade lock", zap.String("key", key))
			lock := &Lock{
				client: l.client,
				logger: l.logger,
				key:    key,
				token:  token,
				stop:   make(chan struct{}),
				done:   make(chan struct{}),
			}
			go lock.renew(l.lease)
			return lock, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s held by another process after %s",
					apperrors.ErrLockAcquisition, key, l.timeout)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
