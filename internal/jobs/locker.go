package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld means another runner owns the job lock.
var ErrLockHeld = errors.New("job lock held elsewhere")

type Lock interface {
	Release(ctx context.Context) error
}

// Locker hands out a lock per job name that expires after ttl even if its
// holder dies.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

type RedisLocker struct {
	client *redislock.Client
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb)}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	lock, err := l.client.Obtain(ctx, "nationalpos:job:"+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLockHeld
	}
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// LocalLocker only excludes runners inside one process. It is the fallback
// when Redis is not configured.
type LocalLocker struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{until: make(map[string]time.Time)}
}

func (l *LocalLocker) Obtain(_ context.Context, key string, ttl time.Duration) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if until, ok := l.until[key]; ok && now.Before(until) {
		return nil, ErrLockHeld
	}
	expires := now.Add(ttl)
	l.until[key] = expires
	return &localLock{owner: l, key: key, expires: expires}, nil
}

type localLock struct {
	owner   *LocalLocker
	key     string
	expires time.Time
}

func (l *localLock) Release(_ context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if l.owner.until[l.key].Equal(l.expires) {
		delete(l.owner.until, l.key)
	}
	return nil
}
