// Package quota describes rate limit configuration: sustained rate plus
// burst capacity. Quota values are immutable once constructed.
package quota

import (
	"time"

	"ratelimitcore/errs"
)

// Quota is an immutable rate limit descriptor.
//
// MaxRequests is the sustained capacity per Period. Burst is the
// instantaneous capacity and may be less than, equal to, or greater than
// MaxRequests; zero means "use MaxRequests".
type Quota struct {
	MaxRequests uint64
	Period      time.Duration
	Burst       uint64
}

// New builds a Quota with Burst defaulted to maxRequests, validating the
// invariants from the data model (max_requests > 0, period > 0).
func New(maxRequests uint64, period time.Duration) (Quota, error) {
	q := Quota{MaxRequests: maxRequests, Period: period}
	if err := q.Validate(); err != nil {
		return Quota{}, err
	}
	return q, nil
}

// PerSecond builds a Quota of n requests per second.
func PerSecond(n uint64) Quota {
	q, _ := New(n, time.Second)
	return q
}

// PerMinute builds a Quota of n requests per minute.
func PerMinute(n uint64) Quota {
	q, _ := New(n, time.Minute)
	return q
}

// PerHour builds a Quota of n requests per hour.
func PerHour(n uint64) Quota {
	q, _ := New(n, time.Hour)
	return q
}

// PerDay builds a Quota of n requests per day.
func PerDay(n uint64) Quota {
	q, _ := New(n, 24*time.Hour)
	return q
}

// WithBurst returns a copy of q with Burst set to burst. Per spec, burst may
// be less than, equal to, or greater than MaxRequests — it is only required
// to be > 0.
func (q Quota) WithBurst(burst uint64) (Quota, error) {
	if burst == 0 {
		return Quota{}, errs.New(errs.Invalid, "quota.WithBurst", errInvalidBurst)
	}
	q.Burst = burst
	if err := q.Validate(); err != nil {
		return Quota{}, err
	}
	return q, nil
}

// Validate checks the data-model invariants.
func (q Quota) Validate() error {
	if q.MaxRequests == 0 {
		return errs.New(errs.Invalid, "quota.Validate", errInvalidMaxRequests)
	}
	if q.Period <= 0 {
		return errs.New(errs.Invalid, "quota.Validate", errInvalidPeriod)
	}
	if q.EffectiveBurst() == 0 {
		return errs.New(errs.Invalid, "quota.Validate", errInvalidBurst)
	}
	return nil
}

// EffectiveBurst returns the configured Burst, or MaxRequests if Burst is
// unset (zero).
func (q Quota) EffectiveBurst() uint64 {
	if q.Burst == 0 {
		return q.MaxRequests
	}
	return q.Burst
}

// EmissionInterval is T = period / max_requests: the minimum spacing
// between allowed requests at the sustained rate.
func (q Quota) EmissionInterval() time.Duration {
	return q.Period / time.Duration(q.MaxRequests)
}

// DelayTolerance is τ = T × burst: how far ahead of TAT a request may be
// while still allowed.
func (q Quota) DelayTolerance() time.Duration {
	return q.EmissionInterval() * time.Duration(q.EffectiveBurst())
}

var (
	errInvalidMaxRequests = invalidErr("max_requests must be greater than 0")
	errInvalidPeriod      = invalidErr("period must be greater than 0")
	errInvalidBurst       = invalidErr("burst must be greater than 0")
)

type invalidErr string

func (e invalidErr) Error() string { return string(e) }

// Builder constructs a Quota with deferred validation, for callers
// assembling quotas from config rather than literals.
type Builder struct {
	maxRequests *uint64
	period      *time.Duration
	burst       *uint64
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder { return &Builder{} }

// MaxRequests sets the sustained capacity.
func (b *Builder) MaxRequests(n uint64) *Builder {
	b.maxRequests = &n
	return b
}

// Period sets the window duration.
func (b *Builder) Period(d time.Duration) *Builder {
	b.period = &d
	return b
}

// Burst sets the instantaneous capacity.
func (b *Builder) Burst(n uint64) *Builder {
	b.burst = &n
	return b
}

// Build validates and returns the assembled Quota.
func (b *Builder) Build() (Quota, error) {
	if b.maxRequests == nil {
		return Quota{}, errs.New(errs.Invalid, "quota.Builder.Build", invalidErr("max_requests is required"))
	}
	if b.period == nil {
		return Quota{}, errs.New(errs.Invalid, "quota.Builder.Build", invalidErr("period is required"))
	}
	q := Quota{MaxRequests: *b.maxRequests, Period: *b.period}
	if b.burst != nil {
		q.Burst = *b.burst
	}
	if err := q.Validate(); err != nil {
		return Quota{}, err
	}
	return q, nil
}
