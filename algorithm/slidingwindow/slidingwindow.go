// Package slidingwindow implements the sliding window counter algorithm: two
// fixed-window counters (previous and current) combined with a linear weight
// on the trailing portion of the previous window, giving sliding-window
// accuracy at fixed-window memory cost.
package slidingwindow

import (
	"context"
	"math"
	"time"

	"ratelimitcore/algorithm"
	"ratelimitcore/clock"
	"ratelimitcore/decision"
	"ratelimitcore/quota"
	"ratelimitcore/storage"
)

const version = 1

type state struct {
	PrevCount   int64 `json:"prev_count"`
	CurrCount   int64 `json:"curr_count"`
	WindowStart int64 `json:"window_start"`
}

type SlidingWindow struct {
	clk clock.Clock
}

type Option func(*SlidingWindow)

func WithClock(c clock.Clock) Option {
	return func(sw *SlidingWindow) { sw.clk = c }
}

func New(opts ...Option) *SlidingWindow {
	sw := &SlidingWindow{clk: clock.Real{}}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

func (sw *SlidingWindow) Name() string { return "sliding_window" }

func (sw *SlidingWindow) CheckAndRecord(ctx context.Context, store storage.Store, key string, q quota.Quota, cost int64) (decision.Decision, error) {
	return sw.run(ctx, store, key, q, cost, true)
}

func (sw *SlidingWindow) Check(ctx context.Context, store storage.Store, key string, q quota.Quota) (decision.Decision, error) {
	return sw.run(ctx, store, key, q, 0, false)
}

func (sw *SlidingWindow) run(ctx context.Context, store storage.Store, key string, q quota.Quota, cost int64, commit bool) (decision.Decision, error) {
	if err := q.Validate(); err != nil {
		return decision.Decision{}, err
	}
	if cost == 0 {
		cost = 1
	}

	now := sw.clk.Now()
	period := q.Period
	curWindowStart := now.Truncate(period).UnixNano()
	ttl := period * 2

	compute := func(current *storage.Entry) (*storage.Entry, decision.Decision, error) {
		var st state
		ok, err := algorithm.DecodeState(current, version, "slidingwindow.run", &st)
		if err != nil {
			return nil, decision.Decision{}, err
		}

		prevCount, currCount, windowStart := int64(0), int64(0), curWindowStart
		if ok {
			switch diff := (curWindowStart - st.WindowStart) / int64(period); {
			case diff == 0:
				prevCount, currCount, windowStart = st.PrevCount, st.CurrCount, st.WindowStart
			case diff == 1:
				prevCount, currCount, windowStart = st.CurrCount, 0, curWindowStart
			default:
				// More than one period elapsed: both windows are stale.
				prevCount, currCount, windowStart = 0, 0, curWindowStart
			}
		}

		elapsedInCurrent := now.Sub(time.Unix(0, windowStart))
		weight := 1.0 - float64(elapsedInCurrent)/float64(period)
		if weight < 0 {
			weight = 0
		}
		if weight > 1 {
			weight = 1
		}

		effective := float64(prevCount)*weight + float64(currCount)
		allowed := effective+float64(cost) <= float64(q.MaxRequests)

		used := effective
		if allowed {
			used += float64(cost)
		}
		var remaining uint64
		if float64(q.MaxRequests) > used {
			remaining = uint64(math.Floor(float64(q.MaxRequests) - used))
		}

		resetAfter := time.Unix(0, windowStart).Add(period).Sub(now)
		var retryAfter time.Duration
		if !allowed && q.MaxRequests > 0 {
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
			PolicyName: "sliding_window",
		}

		if !allowed {
			next, err := algorithm.EncodeState(version, state{PrevCount: prevCount, CurrCount: currCount, WindowStart: windowStart})
			if err != nil {
				return nil, decision.Decision{}, err
			}
			return next, decision.Deny(info), nil
		}
		if !commit {
			return current, decision.Allow(info), nil
		}

		nextCount := currCount + cost
		if nextCount < 0 {
			nextCount = 0
		}
		next, err := algorithm.EncodeState(version, state{PrevCount: prevCount, CurrCount: nextCount, WindowStart: windowStart})
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

func (sw *SlidingWindow) Reset(ctx context.Context, store storage.Store, key string) error {
	return store.Delete(ctx, key)
}
