// Package keyedlock serializes operations that share a resource key. Calls
// with the same key run one at a time in strict arrival order; calls with
// different keys proceed concurrently. A lock instance may be shared across
// many services (sharing widens the contention domain, never affects
// correctness) or held privately by one.
package keyedlock

import (
	"context"
	"sync"
	"time"

	"github.com/quantfabric/xconnect/pkg/errors"
)

// DefaultTimeout bounds lock waits when the caller does not supply one.
const DefaultTimeout = 30 * time.Second

// waiter is one pending acquirer in a key's FIFO queue. granted is buffered so
// a grant never blocks release; abandoned marks a timed-out waiter so a grant
// racing the timeout is passed on instead of lost.
type waiter struct {
	granted   chan struct{}
	abandoned bool
}

// keyState tracks one key's holder and queue. Keys with no holder and no
// waiters are removed from the map.
type keyState struct {
	held    bool
	waiters []*waiter
}

// KeyedLock provides per-key mutual exclusion with FIFO fairness.
type KeyedLock struct {
	mu   sync.Mutex
	keys map[string]*keyState
}

// New creates a private KeyedLock instance.
func New() *KeyedLock {
	return &KeyedLock{keys: make(map[string]*keyState)}
}

var (
	defaultOnce sync.Once
	defaultLock *KeyedLock
)

// Default returns the process-wide shared instance. Prefer constructing and
// injecting an instance explicitly; Default exists as a convenience for
// services that should share one contention domain.
func Default() *KeyedLock {
	defaultOnce.Do(func() {
		defaultLock = New()
	})
	return defaultLock
}

// Acquire blocks until the key is granted, the timeout elapses, or ctx is
// done. On success it returns a release function that must be called exactly
// once; release is safe to call via defer on every exit path. On timeout the
// waiter is unlinked without disturbing waiters queued behind it.
func (l *KeyedLock) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	l.mu.Lock()
	ks := l.keys[key]
	if ks == nil {
		ks = &keyState{}
		l.keys[key] = ks
	}
	if !ks.held && len(ks.waiters) == 0 {
		ks.held = true
		l.mu.Unlock()
		return l.releaseFunc(key), nil
	}
	w := &waiter{granted: make(chan struct{}, 1)}
	ks.waiters = append(ks.waiters, w)
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.granted:
		return l.releaseFunc(key), nil
	case <-timer.C:
		if l.abandon(key, w) {
			return nil, errors.LockTimeout(key, timeout)
		}
		// Grant raced the timeout; the key is ours after all.
		<-w.granted
		return l.releaseFunc(key), nil
	case <-ctx.Done():
		if l.abandon(key, w) {
			return nil, errors.Cancelled(ctx.Err().Error())
		}
		<-w.granted
		return l.releaseFunc(key), nil
	}
}

// TryAcquire attempts a non-blocking acquisition. It returns (release, true)
// when the key was free, or (nil, false) when it is held or has waiters.
// A false result means "try later", not an error.
func (l *KeyedLock) TryAcquire(key string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ks := l.keys[key]
	if ks == nil {
		ks = &keyState{}
		l.keys[key] = ks
	}
	if ks.held || len(ks.waiters) > 0 {
		return nil, false
	}
	ks.held = true
	return l.releaseFunc(key), true
}

// WithLock runs fn while holding key, releasing on every exit path including
// a panic in fn. A timeout while waiting returns a lock-timeout classified
// error and fn never runs.
func (l *KeyedLock) WithLock(ctx context.Context, key string, timeout time.Duration, fn func() error) error {
	release, err := l.Acquire(ctx, key, timeout)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// releaseFunc builds the idempotent release closure for the current holder.
func (l *KeyedLock) releaseFunc(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.release(key)
		})
	}
}

// release hands the key to the next live waiter in FIFO order, skipping
// abandoned entries, and deletes the key when nobody wants it.
func (l *KeyedLock) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ks := l.keys[key]
	if ks == nil {
		return
	}
	for len(ks.waiters) > 0 {
		next := ks.waiters[0]
		ks.waiters = ks.waiters[1:]
		if next.abandoned {
			continue
		}
		next.granted <- struct{}{}
		return
	}
	ks.held = false
	delete(l.keys, key)
}

// abandon marks a waiter as timed out. It returns false when the grant already
// arrived, in which case the caller owns the key and must proceed.
func (l *KeyedLock) abandon(key string, w *waiter) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case <-w.granted:
		// Already granted: put the signal back so the caller can consume it.
		w.granted <- struct{}{}
		return false
	default:
	}
	w.abandoned = true
	return true
}

// Held reports whether key currently has a holder. Intended for stats and
// tests, not for lock decisions.
func (l *KeyedLock) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	ks := l.keys[key]
	return ks != nil && ks.held
}

// Waiters returns the number of queued acquirers for key.
func (l *KeyedLock) Waiters(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	ks := l.keys[key]
	if ks == nil {
		return 0
	}
	n := 0
	for _, w := range ks.waiters {
		if !w.abandoned {
			n++
		}
	}
	return n
}
