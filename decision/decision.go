// Package decision carries the outcome of a rate-limit check: Allowed or
// Denied, plus the accounting metadata callers turn into headers.
package decision

import "time"

// Info carries the accounting metadata attached to every Decision.
type Info struct {
	// Limit is the effective ceiling exposed to callers (typically Burst).
	Limit uint64
	// Remaining is the budget left after this decision. Always <= Limit.
	Remaining uint64
	// ResetAfter is the duration until budget is fully restored.
	ResetAfter time.Duration
	// RetryAfter is set only on Denied; zero on Allowed.
	RetryAfter time.Duration
	// PolicyName is the stable identifier of the algorithm that produced this Info.
	PolicyName string
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed bool
	Info    Info
}

// Allow builds an Allowed decision. RetryAfter on info is forced to zero.
func Allow(info Info) Decision {
	info.RetryAfter = 0
	return Decision{Allowed: true, Info: info}
}

// Deny builds a Denied decision. RetryAfter on info must be > 0.
func Deny(info Info) Decision {
	return Decision{Allowed: false, Info: info}
}

// IsAllowed reports whether the request was allowed.
func (d Decision) IsAllowed() bool { return d.Allowed }
