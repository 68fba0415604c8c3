package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultLockTimeout bounds how long a command waits for a contended key
// before surfacing ErrResourceBusy to the caller.
const DefaultLockTimeout = 2 * time.Second

// LockManager serializes conflicting operations on the same key (resource ID
// or intervention ID). Acquisition is bounded-wait: a timeout surfaces as
// ErrResourceBusy, which callers may retry with backoff.
//
// Multi-key acquisition takes keys in sorted order so two bundle operations
// that share a resource can never deadlock against each other.
type LockManager struct {
	mu      sync.Mutex
	locks   map[string]*keyLock
	timeout time.Duration
}

// keyLock is a one-slot semaphore with a reference count so idle entries can
// be evicted from the map.
type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewLockManager creates a lock manager. A non-positive timeout falls back
// to DefaultLockTimeout.
func NewLockManager(timeout time.Duration) *LockManager {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &LockManager{
		locks:   make(map[string]*keyLock),
		timeout: timeout,
	}
}

func (lm *LockManager) get(key string) *keyLock {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	kl, ok := lm.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		lm.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (lm *LockManager) put(key string, kl *keyLock) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(lm.locks, key)
	}
}

// Acquire locks the key, waiting at most the configured timeout. It returns
// a release function that must be called exactly once, typically deferred.
func (lm *LockManager) Acquire(ctx context.Context, key string) (func(), error) {
	kl := lm.get(key)

	timer := time.NewTimer(lm.timeout)
	defer timer.Stop()

	select {
	case kl.sem <- struct{}{}:
		var once sync.Once
		release := func() {
			once.Do(func() {
				<-kl.sem
				lm.put(key, kl)
			})
		}
		return release, nil
	case <-timer.C:
		lm.put(key, kl)
		return nil, fmt.Errorf("%w: lock on %q timed out after %s", ErrResourceBusy, key, lm.timeout)
	case <-ctx.Done():
		lm.put(key, kl)
		return nil, fmt.Errorf("%w: lock on %q: %v", ErrResourceBusy, key, ctx.Err())
	}
}

// AcquireAll locks every key in fixed sorted order and returns a single
// release function covering all of them. If any key times out, everything
// already held is released and ErrResourceBusy names the contended key.
func (lm *LockManager) AcquireAll(ctx context.Context, keys []string) (func(), error) {
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	releases := make([]func(), 0, len(sorted))
	releaseAll := func() {
		// Reverse of acquisition order.
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, key := range sorted {
		release, err := lm.Acquire(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}

	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}
