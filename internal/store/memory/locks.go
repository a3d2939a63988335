package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"nationalpos/backend/internal/store"
)

// lockTable hands out one exclusive slot per key, backed by a weight-one
// semaphore so waiters can give up on ctx cancellation or timeout.
type lockTable struct {
	mu    sync.Mutex
	slots map[string]*semaphore.Weighted
}

func newLockTable() *lockTable {
	return &lockTable{slots: make(map[string]*semaphore.Weighted)}
}

func (l *lockTable) slot(key string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.slots[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.slots[key] = sem
	}
	return sem
}

func (l *lockTable) acquire(ctx context.Context, key string, timeout time.Duration) error {
	sem := l.slot(key)
	if sem.TryAcquire(1) {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := sem.Acquire(waitCtx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("lock %s wait exceeded %s: %w", key, timeout, store.ErrConcurrencyConflict)
	}
	return nil
}

// release must only be called for a key the caller acquired.
func (l *lockTable) release(key string) {
	l.slot(key).Release(1)
}
