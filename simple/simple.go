// Package simple offers a lightweight, non-distributed limiter for callers
// that don't need the full Algorithm/Manager stack directly: one
// golang.org/x/time/rate.Limiter per key, backed by a storage.Store for
// liveness tracking instead of a second, independently-maintained idle-TTL
// cache.
//
// This intentionally does not implement algorithm.Algorithm — x/time/rate's
// Limiter carries live float64 token/time.Time state that this module does
// not serialize into storage.Entry, and duplicating that bookkeeping on top
// of an already-complete token bucket in algorithm/tokenbucket would just be
// the same algorithm twice. What it does reuse is the Store abstraction
// already built for that algorithm: rather than tracking per-key idle
// timestamps and a private sweep ticker, a Limiter asks its Store whether a
// key is still alive and lets the Store's own expiry (and, for
// storage/memory, its own GC modes) decide. Reach for this package for
// single-process use where a full Storage/Algorithm/Manager pipeline is more
// machinery than the caller wants.
package simple

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ratelimitcore/quota"
	"ratelimitcore/storage"
	"ratelimitcore/storage/memory"
)

// touchEntry is written to the backing Store whenever a key is used; its
// content carries no information, only its TTL matters.
var touchEntry = &storage.Entry{}

// Limiter caches one rate.Limiter per key, built from a shared Quota. The
// cache itself never expires entries on its own: expiry is delegated to the
// backing storage.Store, and Reconcile drops any cached limiter the Store no
// longer considers alive.
type Limiter struct {
	mu      sync.Mutex
	cached  map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	store   storage.Store
}

// Option configures a Limiter at construction time.
type Option func(*Limiter)

// WithIdleTTL sets how long an unused key is kept alive in the backing
// Store (and therefore in the local cache) before Reconcile evicts it.
// Default 15 minutes.
func WithIdleTTL(d time.Duration) Option {
	return func(l *Limiter) { l.idleTTL = d }
}

// WithStore overrides the storage.Store backing liveness tracking, e.g. to
// share a GC-tuned storage/memory.Store (or storage/redis.Store, for
// liveness shared across processes) with the rest of an application.
// Defaults to a private storage/memory.Store with request-driven GC.
func WithStore(s storage.Store) Option {
	return func(l *Limiter) { l.store = s }
}

// New builds a Limiter applying q uniformly to every key.
func New(q quota.Quota, opts ...Option) *Limiter {
	l := &Limiter{
		cached:  make(map[string]*rate.Limiter),
		limit:   rate.Limit(float64(q.MaxRequests) / q.Period.Seconds()),
		burst:   int(q.EffectiveBurst()),
		idleTTL: 15 * time.Minute,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.store == nil {
		l.store = memory.New()
	}
	return l
}

// limiterFor returns key's cached rate.Limiter, creating one if absent, and
// refreshes key's liveness in the backing Store.
func (l *Limiter) limiterFor(ctx context.Context, key string) (*rate.Limiter, error) {
	if err := l.store.Set(ctx, key, touchEntry, l.idleTTL); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.cached[key]; ok {
		return lim, nil
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.cached[key] = lim
	return lim, nil
}

// Allow reports whether a request for key may proceed right now, consuming
// a token if so.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	lim, err := l.limiterFor(ctx, key)
	if err != nil {
		return false, err
	}
	return lim.Allow(), nil
}

// Wait blocks until a token for key is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	lim, err := l.limiterFor(ctx, key)
	if err != nil {
		return err
	}
	return lim.Wait(ctx)
}

// Reconcile drops every cached limiter whose key the backing Store no
// longer considers alive. Unlike a plain idle-TTL sweep, this never
// computes a cutoff itself — it only asks the Store, so a single expiry
// policy (and, for storage/memory, a single GC implementation) governs both
// the rate-limit state and this cache.
func (l *Limiter) Reconcile(ctx context.Context) error {
	l.mu.Lock()
	keys := make([]string, 0, len(l.cached))
	for k := range l.cached {
		keys = append(keys, k)
	}
	l.mu.Unlock()

	for _, k := range keys {
		entry, err := l.store.Get(ctx, k)
		if err != nil {
			return err
		}
		if entry == nil {
			l.mu.Lock()
			delete(l.cached, k)
			l.mu.Unlock()
		}
	}
	return nil
}

// StartJanitor runs Reconcile every interval until ctx is done. A
// non-positive interval makes this a no-op, leaving the local cache to grow
// unbounded by key cardinality for callers who don't want a background
// goroutine at all.
func (l *Limiter) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_ = l.Reconcile(ctx)
			}
		}
	}()
}
