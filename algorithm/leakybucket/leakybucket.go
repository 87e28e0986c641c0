// Package leakybucket implements the leaky bucket algorithm: a water level
// that leaks out at max_requests/period and is topped up by request cost,
// denying once it would overflow the quota's burst capacity.
package leakybucket

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
	// Water is the level at Last.
	Water float64 `json:"water"`
	Last  int64   `json:"last"`
}

type LeakyBucket struct {
	clk clock.Clock
}

type Option func(*LeakyBucket)

func WithClock(c clock.Clock) Option {
	return func(lb *LeakyBucket) { lb.clk = c }
}

func New(opts ...Option) *LeakyBucket {
	lb := &LeakyBucket{clk: clock.Real{}}
	for _, opt := range opts {
		opt(lb)
	}
	return lb
}

func (lb *LeakyBucket) Name() string { return "leaky_bucket" }

func leakRate(q quota.Quota) float64 {
	return float64(q.MaxRequests) / q.Period.Seconds()
}

func (lb *LeakyBucket) CheckAndRecord(ctx context.Context, store storage.Store, key string, q quota.Quota, cost int64) (decision.Decision, error) {
	return lb.run(ctx, store, key, q, cost, true)
}

func (lb *LeakyBucket) Check(ctx context.Context, store storage.Store, key string, q quota.Quota) (decision.Decision, error) {
	return lb.run(ctx, store, key, q, 0, false)
}

func (lb *LeakyBucket) run(ctx context.Context, store storage.Store, key string, q quota.Quota, cost int64, commit bool) (decision.Decision, error) {
	if err := q.Validate(); err != nil {
		return decision.Decision{}, err
	}
	capacity := float64(q.EffectiveBurst())
	rate := leakRate(q)
	if cost == 0 {
		cost = 1
	}

	now := lb.clk.Now()
	ttl := q.Period * 2

	compute := func(current *storage.Entry) (*storage.Entry, decision.Decision, error) {
		var st state
		ok, err := algorithm.DecodeState(current, version, "leakybucket.run", &st)
		if err != nil {
			return nil, decision.Decision{}, err
		}
		water, last := 0.0, now
		if ok {
			water, last = st.Water, time.Unix(0, st.Last)
		}

		elapsed := now.Sub(last).Seconds()
		if elapsed > 0 {
			water -= elapsed * rate
			if water < 0 {
				water = 0
			}
		}

		need := float64(cost)
		allowed := water+need <= capacity
		nextWater := water
		if allowed {
			nextWater = water + need
			if nextWater < 0 {
				nextWater = 0
			}
		}

		remaining := uint64(0)
		if capacity > nextWater {
			remaining = uint64(capacity - nextWater)
		}

		var retryAfter time.Duration
		if !allowed && rate > 0 {
			overflow := water + need - capacity
			retryAfter = time.Duration(overflow / rate * float64(time.Second))
		}

		info := decision.Info{
			Limit:      q.EffectiveBurst(),
			Remaining:  remaining,
			ResetAfter: timeToEmpty(nextWater, rate),
			RetryAfter: retryAfter,
			PolicyName: "leaky_bucket",
		}

		committed := water
		if commit && allowed {
			committed = nextWater
		}
		next, err := algorithm.EncodeState(version, state{Water: committed, Last: now.UnixNano()})
		if err != nil {
			return nil, decision.Decision{}, err
		}

		if !allowed {
			return next, decision.Deny(info), nil
		}
		if !commit {
			return current, decision.Allow(info), nil
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

func timeToEmpty(water, rate float64) time.Duration {
	if rate <= 0 || water <= 0 {
		return 0
	}
	return time.Duration(water / rate * float64(time.Second))
}

func (lb *LeakyBucket) Reset(ctx context.Context, store storage.Store, key string) error {
	return store.Delete(ctx, key)
}
