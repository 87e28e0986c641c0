// Package policy adjusts rate-limiting behavior beyond plain allow/deny:
// the per-request token cost, and a signed post-response adjustment applied
// back through the same algorithm.CheckAndRecord path a request used.
//
// Sign convention: OnResponse returns a positive delta to charge additional
// tokens (a penalty) and a negative delta to refund tokens (a credit). Each
// algorithm clamps when applying a refund, so a credit can never push a
// bucket past its capacity.
package policy

import (
	"ratelimitcore/decision"
	"ratelimitcore/quota"
)

// Policy adjusts cost and applies post-response token corrections.
type Policy interface {
	Name() string
	// RequestCost returns the number of tokens this request should consume
	// up front. Most policies return a constant regardless of quota.
	RequestCost(q quota.Quota) uint64
	// OnResponse returns the signed token adjustment to apply once a
	// response's status code is known: positive charges more, negative
	// refunds.
	OnResponse(statusCode int, d decision.Decision) int64
}

// Default costs every request 1 token and never adjusts afterward.
type Default struct{}

func (Default) Name() string                           { return "default" }
func (Default) RequestCost(quota.Quota) uint64          { return 1 }
func (Default) OnResponse(int, decision.Decision) int64 { return 0 }

// Penalty charges extra tokens retroactively when a response is an error,
// discouraging clients from hammering a failing endpoint.
type Penalty struct {
	ClientErrorMultiplier uint64 // applied to 4xx
	ServerErrorMultiplier uint64 // applied to 5xx
}

// NewPenalty applies the same multiplier to both 4xx and 5xx responses.
func NewPenalty(multiplier uint64) Penalty {
	return Penalty{ClientErrorMultiplier: multiplier, ServerErrorMultiplier: multiplier}
}

func (Penalty) Name() string                  { return "penalty" }
func (Penalty) RequestCost(quota.Quota) uint64 { return 1 }

func (p Penalty) OnResponse(statusCode int, _ decision.Decision) int64 {
	switch {
	case statusCode >= 400 && statusCode <= 499:
		return extraCharge(p.ClientErrorMultiplier)
	case statusCode >= 500 && statusCode <= 599:
		return extraCharge(p.ServerErrorMultiplier)
	default:
		return 0
	}
}

func extraCharge(multiplier uint64) int64 {
	if multiplier <= 1 {
		return 0
	}
	return int64(multiplier - 1)
}

// Credit refunds the request's token when the response didn't need to
// count against the limit, e.g. a 304 Not Modified served from cache.
type Credit struct {
	RefundNotModified bool // 304
	RefundNoContent   bool // 204
}

// NewCredit refunds 304 Not Modified responses by default.
func NewCredit() Credit {
	return Credit{RefundNotModified: true}
}

func (Credit) Name() string                  { return "credit" }
func (Credit) RequestCost(quota.Quota) uint64 { return 1 }

func (c Credit) OnResponse(statusCode int, _ decision.Decision) int64 {
	if statusCode == 304 && c.RefundNotModified {
		return -1
	}
	if statusCode == 204 && c.RefundNoContent {
		return -1
	}
	return 0
}

// Composite chains multiple policies: RequestCost takes the strictest
// (maximum) of the chain so no sub-policy's cost is silently understated,
// and OnResponse sums every sub-policy's adjustment.
type Composite struct {
	Policies []Policy
}

// NewComposite builds a Composite over the given policies.
func NewComposite(policies ...Policy) Composite {
	return Composite{Policies: policies}
}

func (Composite) Name() string { return "composite" }

func (c Composite) RequestCost(q quota.Quota) uint64 {
	var max uint64 = 1
	for _, p := range c.Policies {
		if cost := p.RequestCost(q); cost > max {
			max = cost
		}
	}
	return max
}

func (c Composite) OnResponse(statusCode int, d decision.Decision) int64 {
	var total int64
	for _, p := range c.Policies {
		total += p.OnResponse(statusCode, d)
	}
	return total
}
