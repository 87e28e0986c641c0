// Package slidinglog implements the sliding log algorithm: an ordered list
// of request timestamps within the trailing window. Exact but O(max_requests)
// per check, which bounds how large a quota should reasonably use it.
package slidinglog

import (
	"context"
	"sort"
	"time"

	"ratelimitcore/algorithm"
	"ratelimitcore/clock"
	"ratelimitcore/decision"
	"ratelimitcore/quota"
	"ratelimitcore/storage"
)

const version = 1

type state struct {
	// Timestamps holds nanosecond Unix times, oldest first.
	Timestamps []int64 `json:"ts"`
}

type SlidingLog struct {
	clk clock.Clock
}

type Option func(*SlidingLog)

func WithClock(c clock.Clock) Option {
	return func(sl *SlidingLog) { sl.clk = c }
}

func New(opts ...Option) *SlidingLog {
	sl := &SlidingLog{clk: clock.Real{}}
	for _, opt := range opts {
		opt(sl)
	}
	return sl
}

func (sl *SlidingLog) Name() string { return "sliding_log" }

func (sl *SlidingLog) CheckAndRecord(ctx context.Context, store storage.Store, key string, q quota.Quota, cost int64) (decision.Decision, error) {
	return sl.run(ctx, store, key, q, cost, true)
}

func (sl *SlidingLog) Check(ctx context.Context, store storage.Store, key string, q quota.Quota) (decision.Decision, error) {
	return sl.run(ctx, store, key, q, 0, false)
}

func (sl *SlidingLog) run(ctx context.Context, store storage.Store, key string, q quota.Quota, cost int64, commit bool) (decision.Decision, error) {
	if err := q.Validate(); err != nil {
		return decision.Decision{}, err
	}
	if cost == 0 {
		cost = 1
	}

	now := sl.clk.Now()
	windowStart := now.Add(-q.Period)
	ttl := q.Period * 2

	compute := func(current *storage.Entry) (*storage.Entry, decision.Decision, error) {
		var st state
		if _, err := algorithm.DecodeState(current, version, "slidinglog.run", &st); err != nil {
			return nil, decision.Decision{}, err
		}

		live := st.Timestamps[:0:0]
		for _, ts := range st.Timestamps {
			if ts > windowStart.UnixNano() {
				live = append(live, ts)
			}
		}

		allowed := uint64(len(live))+uint64(cost) <= q.MaxRequests

		used := uint64(len(live))
		if allowed {
			used += uint64(cost)
		}
		var remaining uint64
		if used < q.MaxRequests {
			remaining = q.MaxRequests - used
		}

		var resetAfter, retryAfter time.Duration
		if len(live) > 0 {
			oldest := time.Unix(0, live[0])
			resetAfter = oldest.Add(q.Period).Sub(now)
		}
		if !allowed {
			sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })
			idx := len(live) - int(q.MaxRequests-uint64(cost)+1)
			if idx < 0 {
				idx = 0
			}
			if idx < len(live) {
				retryAfter = time.Unix(0, live[idx]).Add(q.Period).Sub(now)
				if retryAfter < 0 {
					retryAfter = 0
				}
			}
		}

		info := decision.Info{
			Limit:      q.MaxRequests,
			Remaining:  remaining,
			ResetAfter: resetAfter,
			RetryAfter: retryAfter,
			PolicyName: "sliding_log",
		}

		if !allowed {
			next, err := algorithm.EncodeState(version, state{Timestamps: live})
			if err != nil {
				return nil, decision.Decision{}, err
			}
			return next, decision.Deny(info), nil
		}
		if !commit {
			return current, decision.Allow(info), nil
		}

		for i := int64(0); i < cost; i++ {
			live = append(live, now.UnixNano())
		}
		if cost < 0 {
			// A refund drops the newest timestamps, never more than are live.
			drop := int(-cost)
			if drop > len(live) {
				drop = len(live)
			}
			live = live[:len(live)-drop]
		}
		next, err := algorithm.EncodeState(version, state{Timestamps: live})
		if err != nil {
			return nil, decision.Decision{}, err
		}
		return next, decision.Allow(info), nil
	}

	if !commit {
		current, err := store.Get(ctx, key)
		if err != nil {
			return decision.Decision{}, err
		}
		_, d, err := compute(current)
		return d, err
	}

	return storage.ExecuteAtomicT[decision.Decision](ctx, store, key, ttl, compute)
}

func (sl *SlidingLog) Reset(ctx context.Context, store storage.Store, key string) error {
	return store.Delete(ctx, key)
}
