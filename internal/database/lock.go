package database

import (
	"context"
	"sync"
)

// ProjectLocker serializes all writes for one project. The returned unlock
// function must be called exactly once; extra calls are no-ops.
type ProjectLocker interface {
	Lock(ctx context.Context, projectID string) (unlock func(), err error)
}

// MemoryLocker is an in-process keyed mutex. It is enough for a single
// server instance; multi-instance deployments use RedisLocker.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewMemoryLocker creates an empty keyed mutex.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*keyLock)}
}

// Lock blocks until the project lock is held or ctx is done.
func (l *MemoryLocker) Lock(ctx context.Context, projectID string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[projectID]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[projectID] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(projectID, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			l.release(projectID, kl)
		})
	}, nil
}

// release drops one reference and forgets the key when nobody waits on it.
func (l *MemoryLocker) release(projectID string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, projectID)
	}
}

// held returns the number of keys currently tracked (for tests).
func (l *MemoryLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
