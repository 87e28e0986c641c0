// Package concurrent implements the in-flight request limiter: caps how
// many requests for a key may be outstanding at once. Unlike the other
// algorithm packages, in-flight state is inherently process-local (a
// request's lifetime does not survive past this process), so there is
// nothing to put in storage.Store — this is a pure in-memory token set,
// and it never blocks: a caller that can't acquire is told immediately.
//
// Grounded on the teacher's channel-backed slot pool and its Acquire/Release
// service: this generalizes the same idea to a named set of pools keyed by
// route/identity, with explicit per-acquisition token identity instead of a
// bare release closure, so a caller can release a specific token rather than
// only "whatever it last acquired".
package concurrent

import (
	"sync"

	"github.com/google/uuid"
)

// Limiter caps concurrent in-flight requests per key.
type Limiter struct {
	mu       sync.Mutex
	inflight map[string]map[uuid.UUID]struct{}
}

// New constructs an empty Limiter.
func New() *Limiter {
	return &Limiter{inflight: make(map[string]map[uuid.UUID]struct{})}
}

// TryAcquire attempts to reserve one of max concurrent slots for key. It
// never blocks: ok is false immediately if the key is already at max.
func (l *Limiter) TryAcquire(key string, max uint64) (token uuid.UUID, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	set := l.inflight[key]
	if uint64(len(set)) >= max {
		return uuid.UUID{}, false
	}
	token = uuid.New()
	if set == nil {
		set = make(map[uuid.UUID]struct{})
		l.inflight[key] = set
	}
	set[token] = struct{}{}
	return token, true
}

// Release frees token's slot on key. Releasing an unknown or already-released
// token is a no-op.
func (l *Limiter) Release(key string, token uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	set, ok := l.inflight[key]
	if !ok {
		return
	}
	delete(set, token)
	if len(set) == 0 {
		delete(l.inflight, key)
	}
}

// InFlight reports how many tokens are currently outstanding for key.
func (l *Limiter) InFlight(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inflight[key])
}

// Do acquires a slot, runs fn, and releases the slot regardless of fn's
// outcome. ok is false if no slot was available; fn is not called.
func (l *Limiter) Do(key string, max uint64, fn func()) (ok bool) {
	token, ok := l.TryAcquire(key, max)
	if !ok {
		return false
	}
	defer l.Release(key, token)
	fn()
	return true
}
