package syncutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/workescrow/internal/idgen"
)

const (
	defaultLeaseTTL     = 2 * time.Minute
	defaultRetryBackoff = 50 * time.Millisecond
)

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// renewScript extends the lease only if it still carries our token.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a Locker shared across processes. Each key is a lease
// (SET NX PX) that is renewed while held, so a holder blocked on a slow
// chain confirmation keeps the lock, and a crashed holder frees it after
// one TTL.
type RedisLocker struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	backoff time.Duration
	logger  *slog.Logger
}

// RedisLockerOption configures a RedisLocker.
type RedisLockerOption func(*RedisLocker)

// WithLeaseTTL sets how long a lease survives without renewal.
func WithLeaseTTL(ttl time.Duration) RedisLockerOption {
	return func(l *RedisLocker) { l.ttl = ttl }
}

// WithRetryBackoff sets the wait between acquisition attempts.
func WithRetryBackoff(d time.Duration) RedisLockerOption {
	return func(l *RedisLocker) { l.backoff = d }
}

// WithLockLogger sets the logger used for renewal and release failures.
func WithLockLogger(logger *slog.Logger) RedisLockerOption {
	return func(l *RedisLocker) { l.logger = logger }
}

// NewRedisLocker creates a locker whose keys are namespaced by prefix.
func NewRedisLocker(client *redis.Client, prefix string, opts ...RedisLockerOption) *RedisLocker {
	l := &RedisLocker{
		client:  client,
		prefix:  prefix,
		ttl:     defaultLeaseTTL,
		backoff: defaultRetryBackoff,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LockContext blocks until the lease for key is acquired or ctx is done.
func (l *RedisLocker) LockContext(ctx context.Context, key string) (func(), error) {
	k := l.prefix + key
	token := idgen.New()

	for {
		ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("syncutil: acquire %s: %w", k, err)
		}
		if ok {
			return l.hold(k, token), nil
		}

		timer := time.NewTimer(l.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// TryLock acquires the lease for key only if it is free.
func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), error) {
	k := l.prefix + key
	token := idgen.New()
	ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("syncutil: acquire %s: %w", k, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return l.hold(k, token), nil
}

// hold starts lease renewal and returns the release function.
func (l *RedisLocker) hold(k, token string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
				n, err := renewScript.Run(ctx, l.client, []string{k}, token, l.ttl.Milliseconds()).Int()
				cancel()
				if err != nil {
					l.logger.Warn("lock lease renewal failed", "key", k, "error", err)
					continue
				}
				if n == 0 {
					l.logger.Error("lock lease lost", "key", k)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{k}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				l.logger.Warn("lock release failed, lease will expire", "key", k, "error", err)
			}
		})
	}
}

var _ Locker = (*RedisLocker)(nil)
