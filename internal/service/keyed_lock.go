package service

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// writerWeight is the full capacity of a key; a writer takes all of it and a
// reader takes one unit. Waiters are served in arrival order, so a queued
// writer holds back readers that come after it.
const writerWeight int64 = 1 << 30

// catalogLockKey guards the course catalog as a whole. Overviews hold it
// shared; course creation, updates and deletions hold it exclusively.
const catalogLockKey = "catalog"

// KeyedLocker hands out reader/writer locks per key. Entries are dropped once
// no goroutine holds or waits on them, so the map only grows with contention.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sem  *semaphore.Weighted
	refs int
}

// NewKeyedLocker constructs an empty locker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyedLock)}
}

// Lock acquires the exclusive lock for key and returns its release func. It
// gives up with ctx.Err() when ctx is done before the lock is granted.
func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	return l.lock(ctx, key, writerWeight)
}

// RLock acquires the shared lock for key and returns its release func.
func (l *KeyedLocker) RLock(ctx context.Context, key string) (func(), error) {
	return l.lock(ctx, key, 1)
}

func (l *KeyedLocker) lock(ctx context.Context, key string, weight int64) (func(), error) {
	entry := l.acquire(key)
	if err := entry.sem.Acquire(ctx, weight); err != nil {
		l.release(key)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			entry.sem.Release(weight)
			l.release(key)
		})
	}, nil
}

func (l *KeyedLocker) acquire(key string) *keyedLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &keyedLock{sem: semaphore.NewWeighted(writerWeight)}
		l.locks[key] = entry
	}
	entry.refs++
	return entry
}

func (l *KeyedLocker) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.locks[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(l.locks, key)
	}
}

func (l *KeyedLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func studentLockKey(code string) string { return "student:" + code }

func courseLockKey(code string) string { return "course:" + code }
