package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"ratelimitcore/algorithm"
	"ratelimitcore/storage"
	"ratelimitcore/storage/memory"
)

// StatsEvent is one CheckAndRecord outcome, framework-agnostic the same way
// Manager itself is: Path is whatever string the caller passed in, not
// necessarily an HTTP path.
type StatsEvent struct {
	Key     string
	Path    string
	Allowed bool
}

// StatsRecorder observes CheckAndRecord outcomes. Implementations must not
// block the decision path for long; Manager calls Record synchronously
// after the underlying algorithm call returns.
type StatsRecorder interface {
	Record(ev StatsEvent)
}

// Stats attaches a recorder; every CheckAndRecord call that reaches the
// algorithm and returns no error reports its outcome to it (paths with no
// quota are not recorded). Unset by default — a Manager with no recorder pays nothing for
// this.
func (b *Builder[R]) Stats(r StatsRecorder) *Builder[R] {
	b.stats = r
	return b
}

// Counters tallies allowed vs denied outcomes.
type Counters struct {
	Allowed int64
	Denied  int64
}

type countersState struct {
	Allowed int64 `json:"allowed"`
	Denied  int64 `json:"denied"`
}

const countersVersion = 1

// statsTTL is the TTL given to the cumulative-total storage.Entry. Stats
// have no natural expiry, so this is simply long enough that a Manager
// under any real traffic keeps refreshing it well before it would lapse —
// storage.Store has no "forever" entry, only TTL'd ones.
const statsTTL = 100 * 365 * 24 * time.Hour

type atomicCounters struct {
	allowed atomic.Int64
	denied  atomic.Int64
}

func (c *atomicCounters) bump(allowed bool) {
	if allowed {
		c.allowed.Add(1)
	} else {
		c.denied.Add(1)
	}
}

func (c *atomicCounters) snapshot() Counters {
	return Counters{Allowed: c.allowed.Load(), Denied: c.denied.Load()}
}

// MemoryStats is an in-process StatsRecorder. The cumulative total is kept
// as a storage.Entry, updated through the same atomic read-modify-write
// every algorithm package in this module uses for its own state — a single
// well-known key, no separate bookkeeping mechanism invented just for
// stats. Per-path and (when enabled) per-key breakdowns have an open-ended
// key set a fixed-key Store entry doesn't fit, so those use a sync.Map of
// lock-free atomic counters instead of a mutex-guarded plain map.
type MemoryStats struct {
	store     storage.Store
	byPath    sync.Map // string -> *atomicCounters
	byKey     sync.Map // string -> *atomicCounters
	trackKeys bool
}

// MemoryStatsOption configures a MemoryStats at construction time.
type MemoryStatsOption func(*MemoryStats)

// WithTrackKeys enables per-key counters. Off by default: an unbounded set
// of keys (e.g. one per IP) would otherwise grow the byKey map without limit.
func WithTrackKeys(track bool) MemoryStatsOption {
	return func(s *MemoryStats) { s.trackKeys = track }
}

// WithStatsStore overrides the storage.Store backing the cumulative total
// counter. Defaults to a private storage/memory.Store.
func WithStatsStore(store storage.Store) MemoryStatsOption {
	return func(s *MemoryStats) { s.store = store }
}

// NewMemoryStats builds an empty MemoryStats.
func NewMemoryStats(opts ...MemoryStatsOption) *MemoryStats {
	s := &MemoryStats{}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = memory.New()
	}
	return s
}

const totalKey = "stats:total"

func (s *MemoryStats) Record(ev StatsEvent) {
	// Best-effort: a stats-store failure must never surface as a
	// rate-limiting error to the caller.
	_, _ = storage.ExecuteAtomicT[Counters](context.Background(), s.store, totalKey, statsTTL,
		func(current *storage.Entry) (*storage.Entry, Counters, error) {
			var st countersState
			if _, err := algorithm.DecodeState(current, countersVersion, "manager.Stats.Record", &st); err != nil {
				return nil, Counters{}, err
			}
			if ev.Allowed {
				st.Allowed++
			} else {
				st.Denied++
			}
			next, err := algorithm.EncodeState(countersVersion, st)
			if err != nil {
				return nil, Counters{}, err
			}
			return next, Counters{Allowed: st.Allowed, Denied: st.Denied}, nil
		})

	bumpMap(&s.byPath, ev.Path, ev.Allowed)
	if s.trackKeys {
		bumpMap(&s.byKey, ev.Key, ev.Allowed)
	}
}

func bumpMap(m *sync.Map, key string, allowed bool) {
	v, _ := m.LoadOrStore(key, &atomicCounters{})
	v.(*atomicCounters).bump(allowed)
}

// Total returns the cumulative allow/deny counters.
func (s *MemoryStats) Total() Counters {
	entry, err := s.store.Get(context.Background(), totalKey)
	if err != nil || entry == nil {
		return Counters{}
	}
	var st countersState
	if ok, err := algorithm.DecodeState(entry, countersVersion, "manager.Stats.Total", &st); err != nil || !ok {
		return Counters{}
	}
	return Counters{Allowed: st.Allowed, Denied: st.Denied}
}

// ByPath returns a snapshot of per-path counters.
func (s *MemoryStats) ByPath() map[string]Counters {
	return snapshotCounters(&s.byPath)
}

// ByKey returns a snapshot of per-key counters. Empty unless WithTrackKeys
// was set.
func (s *MemoryStats) ByKey() map[string]Counters {
	return snapshotCounters(&s.byKey)
}

func snapshotCounters(m *sync.Map) map[string]Counters {
	out := make(map[string]Counters)
	m.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomicCounters).snapshot()
		return true
	})
	return out
}

var _ StatsRecorder = (*MemoryStats)(nil)
