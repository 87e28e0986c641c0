// Package tokenbucket implements the classic token bucket: tokens refill
// continuously at max_requests/period and are drawn down by request cost,
// capped at the quota's burst.
package tokenbucket

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
	// Tokens is the fractional token count at Last.
	Tokens float64 `json:"tokens"`
	// Last is the last refill time, nanoseconds since the Unix epoch.
	Last int64 `json:"last"`
}

type TokenBucket struct {
	clk clock.Clock
}

type Option func(*TokenBucket)

func WithClock(c clock.Clock) Option {
	return func(tb *TokenBucket) { tb.clk = c }
}

func New(opts ...Option) *TokenBucket {
	tb := &TokenBucket{clk: clock.Real{}}
	for _, opt := range opts {
		opt(tb)
	}
	return tb
}

func (tb *TokenBucket) Name() string { return "token_bucket" }

func refillRate(q quota.Quota) float64 {
	return float64(q.MaxRequests) / q.Period.Seconds()
}

func (tb *TokenBucket) CheckAndRecord(ctx context.Context, store storage.Store, key string, q quota.Quota, cost int64) (decision.Decision, error) {
	return tb.run(ctx, store, key, q, cost, true)
}

func (tb *TokenBucket) Check(ctx context.Context, store storage.Store, key string, q quota.Quota) (decision.Decision, error) {
	return tb.run(ctx, store, key, q, 0, false)
}

func (tb *TokenBucket) run(ctx context.Context, store storage.Store, key string, q quota.Quota, cost int64, commit bool) (decision.Decision, error) {
	if err := q.Validate(); err != nil {
		return decision.Decision{}, err
	}
	capacity := float64(q.EffectiveBurst())
	rate := refillRate(q)
	if cost == 0 {
		cost = 1
	}

	now := tb.clk.Now()
	ttl := q.Period * 2

	compute := func(current *storage.Entry) (*storage.Entry, decision.Decision, error) {
		var st state
		ok, err := algorithm.DecodeState(current, version, "tokenbucket.run", &st)
		if err != nil {
			return nil, decision.Decision{}, err
		}
		tokens, last := capacity, now
		if ok {
			tokens, last = st.Tokens, time.Unix(0, st.Last)
		}

		elapsed := now.Sub(last).Seconds()
		if elapsed > 0 {
			tokens += elapsed * rate
			if tokens > capacity {
				tokens = capacity
			}
		}

		need := float64(cost)
		allowed := tokens >= need
		spent := tokens
		if allowed {
			spent = tokens - need
		}
		if spent < 0 {
			spent = 0
		}
		if spent > capacity {
			spent = capacity
		}

		remaining := uint64(0)
		if spent > 0 {
			remaining = uint64(spent)
		}

		var retryAfter time.Duration
		if !allowed && rate > 0 {
			deficit := need - tokens
			retryAfter = time.Duration(deficit/rate*float64(time.Second))
		}

		info := decision.Info{
			Limit:      q.EffectiveBurst(),
			Remaining:  remaining,
			ResetAfter: timeToFull(spent, capacity, rate),
			RetryAfter: retryAfter,
			PolicyName: "token_bucket",
		}

		nextTokens := tokens
		if commit && allowed {
			nextTokens = spent
		}
		next, err := algorithm.EncodeState(version, state{Tokens: nextTokens, Last: now.UnixNano()})
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

func timeToFull(tokens, capacity, rate float64) time.Duration {
	if rate <= 0 || tokens >= capacity {
		return 0
	}
	deficit := capacity - tokens
	return time.Duration(deficit / rate * float64(time.Second))
}

func (tb *TokenBucket) Reset(ctx context.Context, store storage.Store, key string) error {
	return store.Delete(ctx, key)
}
