// Package gcra implements the Generic Cell Rate Algorithm, the primary
// recommended algorithm: a single theoretical arrival time (TAT) per key
// gives smooth, memoryless rate limiting with burst tolerance, using O(1)
// state regardless of request volume.
package gcra

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
	// TAT is the theoretical arrival time, in nanoseconds since the Unix epoch.
	TAT int64 `json:"tat"`
}

// GCRA is an algorithm.Algorithm. The zero value is not usable; construct
// with New.
type GCRA struct {
	clk clock.Clock
}

// Option configures a GCRA at construction time.
type Option func(*GCRA)

// WithClock overrides the time source, for tests.
func WithClock(c clock.Clock) Option {
	return func(g *GCRA) { g.clk = c }
}

// New constructs a GCRA using the real wall clock unless overridden.
func New(opts ...Option) *GCRA {
	g := &GCRA{clk: clock.Real{}}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *GCRA) Name() string { return "gcra" }

// params derives the GCRA constants from a Quota: the emission interval T
// and the burst tolerance tau = T * effective burst.
func params(q quota.Quota) (t, tau time.Duration) {
	t = q.EmissionInterval()
	tau = time.Duration(int64(t) * int64(q.EffectiveBurst()))
	return t, tau
}

func (g *GCRA) CheckAndRecord(ctx context.Context, store storage.Store, key string, q quota.Quota, cost int64) (decision.Decision, error) {
	return g.run(ctx, store, key, q, cost, true)
}

func (g *GCRA) Check(ctx context.Context, store storage.Store, key string, q quota.Quota) (decision.Decision, error) {
	return g.run(ctx, store, key, q, 0, false)
}

func (g *GCRA) run(ctx context.Context, store storage.Store, key string, q quota.Quota, cost int64, commit bool) (decision.Decision, error) {
	if err := q.Validate(); err != nil {
		return decision.Decision{}, err
	}
	t, tau := params(q)
	if cost == 0 {
		cost = 1
	}

	now := g.clk.Now()
	ttl := q.Period + tau

	compute := func(current *storage.Entry) (*storage.Entry, decision.Decision, error) {
		var st state
		if _, err := algorithm.DecodeState(current, version, "gcra.run", &st); err != nil {
			return nil, decision.Decision{}, err
		}

		tat := time.Unix(0, st.TAT)
		if tat.Before(now) {
			tat = now
		}

		increment := time.Duration(cost) * t
		newTAT := tat.Add(increment)
		allowAt := newTAT.Add(-tau)

		if now.Before(allowAt) {
			retryAfter := allowAt.Sub(now)
			info := decision.Info{
				Limit:      q.EffectiveBurst(),
				Remaining:  0,
				ResetAfter: tat.Sub(now),
				RetryAfter: retryAfter,
				PolicyName: g.Name(),
			}
			// tat reflects "max(stored tat, now)", not the rejected increment,
			// so a denial never needs to write a blank entry for a fresh key.
			unchanged, err := algorithm.EncodeState(version, state{TAT: tat.UnixNano()})
			if err != nil {
				return nil, decision.Decision{}, err
			}
			return unchanged, decision.Deny(info), nil
		}

		committedTAT := tat
		if commit {
			committedTAT = newTAT
		}
		next, err := algorithm.EncodeState(version, state{TAT: committedTAT.UnixNano()})
		if err != nil {
			return nil, decision.Decision{}, err
		}

		info := decision.Info{
			Limit:      q.EffectiveBurst(),
			Remaining:  remaining(newTAT, now, t, q.EffectiveBurst()),
			ResetAfter: newTAT.Sub(now),
			PolicyName: g.Name(),
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

// remaining estimates the number of requests immediately available given
// tat, by how much slack remains below the burst ceiling.
func remaining(tat, now time.Time, t time.Duration, burst uint64) uint64 {
	if t <= 0 {
		return 0
	}
	slack := now.Sub(tat) + time.Duration(burst)*t
	if slack <= 0 {
		return 0
	}
	n := uint64(slack / t)
	if n > burst {
		n = burst
	}
	return n
}

func (g *GCRA) Reset(ctx context.Context, store storage.Store, key string) error {
	return store.Delete(ctx, key)
}
