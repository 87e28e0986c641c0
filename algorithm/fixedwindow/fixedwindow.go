// Package fixedwindow implements the fixed window counter algorithm: a
// count reset every period, the cheapest and least accurate of the lot
// (prone to the boundary double-burst), offered for workloads that don't
// care.
package fixedwindow

import (
	"context"
	"time"

	"ratelimitcore/algorithm"
	"ratelimitcore/clock"
	"ratelimitcore/decision"
	"ratelimitcore/quota"
	"ratelimitcore/storage"
)

const version = 1

type state struct {
	Count       int64 `json:"count"`
	WindowStart int64 `json:"window_start"`
}

type FixedWindow struct {
	clk clock.Clock
}

type Option func(*FixedWindow)

func WithClock(c clock.Clock) Option {
	return func(fw *FixedWindow) { fw.clk = c }
}

func New(opts ...Option) *FixedWindow {
	fw := &FixedWindow{clk: clock.Real{}}
	for _, opt := range opts {
		opt(fw)
	}
	return fw
}

func (fw *FixedWindow) Name() string { return "fixed_window" }

func (fw *FixedWindow) CheckAndRecord(ctx context.Context, store storage.Store, key string, q quota.Quota, cost int64) (decision.Decision, error) {
	return fw.run(ctx, store, key, q, cost, true)
}

func (fw *FixedWindow) Check(ctx context.Context, store storage.Store, key string, q quota.Quota) (decision.Decision, error) {
	return fw.run(ctx, store, key, q, 0, false)
}

func (fw *FixedWindow) run(ctx context.Context, store storage.Store, key string, q quota.Quota, cost int64, commit bool) (decision.Decision, error) {
	if err := q.Validate(); err != nil {
		return decision.Decision{}, err
	}
	if cost == 0 {
		cost = 1
	}

	now := fw.clk.Now()
	ttl := q.Period * 2

	compute := func(current *storage.Entry) (*storage.Entry, decision.Decision, error) {
		var st state
		ok, err := algorithm.DecodeState(current, version, "fixedwindow.run", &st)
		if err != nil {
			return nil, decision.Decision{}, err
		}

		count, windowStart := int64(0), now.UnixNano()
		if ok {
			elapsed := now.Sub(time.Unix(0, st.WindowStart))
			if elapsed < q.Period {
				count, windowStart = st.Count, st.WindowStart
			}
		}

		allowed := uint64(count)+uint64(cost) <= q.MaxRequests

		used := uint64(count)
		if allowed {
			used += uint64(cost)
		}
		var remaining uint64
		if used < q.MaxRequests {
			remaining = q.MaxRequests - used
		}

		resetAfter := time.Unix(0, windowStart).Add(q.Period).Sub(now)
		var retryAfter time.Duration
		if !allowed {
			retryAfter = resetAfter
			if retryAfter < 0 {
				retryAfter = 0
			}
		}

		info := decision.Info{
			Limit:      q.MaxRequests,
			Remaining:  remaining,
			ResetAfter: resetAfter,
			RetryAfter: retryAfter,
			PolicyName: "fixed_window",
		}

		if !allowed {
			next, err := algorithm.EncodeState(version, state{Count: count, WindowStart: windowStart})
			if err != nil {
				return nil, decision.Decision{}, err
			}
			return next, decision.Deny(info), nil
		}
		if !commit {
			return current, decision.Allow(info), nil
		}

		next, err := algorithm.EncodeState(version, state{Count: count + cost, WindowStart: windowStart})
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

func (fw *FixedWindow) Reset(ctx context.Context, store storage.Store, key string) error {
	return store.Delete(ctx, key)
}
