// Package memory implements the in-process variant of storage.Store: a
// concurrent key->entry map, sharded by xxhash so that operations on
// distinct keys contend only on their shard, with request-driven,
// time-driven, or manual garbage collection of expired entries.
//
// This is the Go-idiomatic analogue of the original's DashMap-backed
// MemoryStorage: instead of pulling in a third-party concurrent map, the
// sharding DashMap itself performs is done explicitly with
// github.com/cespare/xxhash/v2 selecting one of a fixed number of
// independently-locked shards.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"ratelimitcore/errs"
	"ratelimitcore/storage"
)

const numShards = 64

// GCMode selects how expired entries are swept from the map.
type GCMode int

const (
	// GCRequestDriven sweeps every GCConfig.RequestInterval operations.
	GCRequestDriven GCMode = iota
	// GCTimeDriven sweeps every GCConfig.TimeInterval via a background task.
	GCTimeDriven
	// GCManual only sweeps when GC() is called explicitly.
	GCManual
)

// GCConfig configures garbage collection of expired entries.
type GCConfig struct {
	Mode GCMode
	// RequestInterval is the number of operations between sweeps in
	// GCRequestDriven mode. Default 1024.
	RequestInterval uint64
	// TimeInterval is the period between sweeps in GCTimeDriven mode. Default 30s.
	TimeInterval time.Duration
	// BatchSize bounds how many expired entries a single sweep removes per
	// shard; expired entries beyond it stay until a later sweep. It does not
	// bound the scan itself: live entries visited under the shard lock are
	// not counted. Default 256.
	BatchSize int
}

func (c GCConfig) withDefaults() GCConfig {
	if c.RequestInterval == 0 {
		c.RequestInterval = 1024
	}
	if c.TimeInterval == 0 {
		c.TimeInterval = 30 * time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 256
	}
	return c
}

type slot struct {
	entry     storage.Entry
	expiresAt time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*slot
}

// Store is the in-process Storage implementation.
type Store struct {
	shards       [numShards]*shard
	gc           GCConfig
	requestCount atomic.Uint64
	logger       zerolog.Logger
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithGC sets the garbage collection strategy.
func WithGC(cfg GCConfig) Option {
	return func(s *Store) { s.gc = cfg.withDefaults() }
}

// WithLogger attaches a logger for GC and contention diagnostics. Defaults
// to a disabled logger, matching the rest of the core: never log on the hot
// decision path unless asked to.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New constructs an in-process Store with request-driven GC by default.
func New(opts ...Option) *Store {
	s := &Store{gc: GCConfig{Mode: GCRequestDriven}.withDefaults(), logger: zerolog.Nop()}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*slot)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	h := xxhash.Sum64String(key)
	return s.shards[h%numShards]
}

func (s *Store) touch() {
	if s.gc.Mode != GCRequestDriven {
		return
	}
	n := s.requestCount.Add(1)
	if n%s.gc.RequestInterval == 0 {
		s.GC()
	}
}

// Get returns the entry for key, or nil if absent or expired. Reads never
// mutate the map, so they take only a read lock on the key's shard.
func (s *Store) Get(_ context.Context, key string) (*storage.Entry, error) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	sl, ok := sh.entries[key]
	if !ok || time.Now().After(sl.expiresAt) {
		return nil, nil
	}
	e := sl.entry
	return &e, nil
}

// Set performs an unconditional write with the given TTL.
func (s *Store) Set(_ context.Context, key string, entry *storage.Entry, ttl time.Duration) error {
	defer s.touch()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.entries[key] = &slot{entry: *entry, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Delete removes key. Deleting a missing key is a no-op, not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	defer s.touch()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.entries, key)
	return nil
}

// Increment atomically adds delta to the counter stored in Payload,
// resetting to delta when windowStart differs from the stored window start.
// Payload packs the window start and the count together as two
// little-endian int64s (see encodeCounter).
func (s *Store) Increment(_ context.Context, key string, delta int64, windowStart int64, ttl time.Duration) (int64, error) {
	defer s.touch()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := time.Now()
	sl, ok := sh.entries[key]
	if ok && now.After(sl.expiresAt) {
		ok = false
	}

	var count int64
	if ok {
		curWindow, curCount, err := decodeCounter(sl.entry.Payload)
		if err != nil {
			return 0, errs.New(errs.Corrupt, "memory.Increment", err)
		}
		if curWindow == windowStart {
			count = curCount + delta
		} else {
			count = delta
		}
	} else {
		count = delta
	}

	sh.entries[key] = &slot{
		entry:     storage.Entry{Version: counterVersion, Payload: encodeCounter(windowStart, count), CreatedAt: now, UpdatedAt: now, TTLHint: ttl},
		expiresAt: now.Add(ttl),
	}
	return count, nil
}

// CompareAndSwap writes next iff the current entry equals expected.
func (s *Store) CompareAndSwap(_ context.Context, key string, expected, next *storage.Entry, ttl time.Duration) (bool, error) {
	defer s.touch()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := time.Now()
	sl, ok := sh.entries[key]
	if ok && now.After(sl.expiresAt) {
		ok = false
	}

	var current *storage.Entry
	if ok {
		current = &sl.entry
	}
	if !current.Equal(expected) {
		return false, nil
	}

	entry := *next
	entry.UpdatedAt = now
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	sh.entries[key] = &slot{entry: entry, expiresAt: now.Add(ttl)}
	return true, nil
}

// ExecuteAtomic holds the key's shard lock for the duration of op. op must
// be non-blocking and CPU-bounded, per the Storage contract — the lock
// guards the whole shard, so a slow op would stall every other key hashed
// to the same shard.
func (s *Store) ExecuteAtomic(_ context.Context, key string, ttl time.Duration, op storage.AtomicOp) (any, error) {
	defer s.touch()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := time.Now()
	sl, ok := sh.entries[key]
	if ok && now.After(sl.expiresAt) {
		ok = false
	}

	var current *storage.Entry
	if ok {
		e := sl.entry
		current = &e
	}

	next, result, err := op(current)
	if err != nil {
		return nil, err
	}

	entry := *next
	entry.UpdatedAt = now
	if entry.CreatedAt.IsZero() {
		if current != nil {
			entry.CreatedAt = current.CreatedAt
		} else {
			entry.CreatedAt = now
		}
	}
	entry.TTLHint = ttl
	sh.entries[key] = &slot{entry: entry, expiresAt: now.Add(ttl)}
	return result, nil
}

// GC sweeps every shard for expired entries, taking one shard lock at a time
// and removing at most gc.BatchSize expired entries per shard. A shard's
// scan stops early only once that many are removed; otherwise it visits
// every entry in the shard while holding the lock.
func (s *Store) GC() {
	removed := 0
	now := time.Now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		n := 0
		for k, sl := range sh.entries {
			if n >= s.gc.BatchSize {
				break
			}
			if now.After(sl.expiresAt) {
				delete(sh.entries, k)
				n++
			}
		}
		sh.mu.Unlock()
		removed += n
	}
	if removed > 0 {
		s.logger.Debug().Int("removed", removed).Msg("memory storage gc sweep")
	}
}

// StartJanitor launches a background sweep loop for GCTimeDriven mode. The
// goroutine holds no locks while sleeping and exits when ctx is done.
func (s *Store) StartJanitor(ctx context.Context) {
	if s.gc.Mode != GCTimeDriven {
		return
	}
	t := time.NewTicker(s.gc.TimeInterval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.GC()
			}
		}
	}()
}

// Len reports the total number of live entries across all shards. Intended
// for tests and diagnostics, not the hot path.
func (s *Store) Len() int {
	total := 0
	now := time.Now()
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, sl := range sh.entries {
			if now.Before(sl.expiresAt) {
				total++
			}
		}
		sh.mu.RUnlock()
	}
	return total
}
