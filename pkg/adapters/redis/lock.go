package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aretw0/stepgraph/pkg/ports"
	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
)

var (
	// ErrLockAcquire is returned when the lock cannot be acquired.
	ErrLockAcquire = errors.New("failed to acquire distributed lock")
)

// releaseScript deletes the lock only if we still own it.
var releaseScript = backend.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// extendScript resets the lock expiry only if we still own it.
var extendScript = backend.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Locker implements ports.DistributedLocker using Redis.
type Locker struct {
	client   *backend.Client
	prefix   string
	interval time.Duration
}

// NewLocker creates a new Redis locker.
func NewLocker(client *backend.Client, prefix string) *Locker {
	return &Locker{
		client:   client,
		prefix:   prefix,
		interval: 100 * time.Millisecond,
	}
}

// Lock acquires a distributed lock for the given key using SET NX PX,
// polling until it succeeds or ctx is done. The lock is renewed every ttl/3
// until the returned UnlockFunc is called, so ttl only bounds how long a
// crashed holder keeps it.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (ports.UnlockFunc, error) {
	lockKey := l.prefix + "lock:" + key
	token := uuid.NewString()

	acquire := func() (bool, error) {
		ok, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrLockAcquire, err)
		}
		return ok, nil
	}

	if ok, err := acquire(); err != nil || ok {
		if err != nil {
			return nil, err
		}
		return l.hold(lockKey, token, ttl), nil
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			ok, err := acquire()
			if err != nil {
				return nil, err
			}
			if ok {
				return l.hold(lockKey, token, ttl), nil
			}
		}
	}
}

// hold keeps lockKey alive in the background and returns the func that stops
// renewal and releases the lock. Renewal ends early once the key is no longer
// ours.
func (l *Locker) hold(lockKey, token string, ttl time.Duration) ports.UnlockFunc {
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		every := ttl / 3
		if every <= 0 {
			return
		}
		ms := max(ttl.Milliseconds(), 1)
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), every)
				n, err := extendScript.Run(ctx, l.client, []string{lockKey}, token, ms).Int()
				cancel()
				if err == nil && n == 0 {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() {
			close(stop)
			<-done
		})
		return releaseScript.Run(ctx, l.client, []string{lockKey}, token).Err()
	}
}
