package policy

import (
	"testing"

	"ratelimitcore/decision"
	"ratelimitcore/quota"
)

func TestDefault_CostsOneAndNeverAdjusts(t *testing.T) {
	p := Default{}
	q := quota.PerSecond(10)
	if p.RequestCost(q) != 1 {
		t.Fatalf("expected cost 1")
	}
	if p.OnResponse(500, decision.Decision{}) != 0 {
		t.Fatalf("expected no adjustment")
	}
}

func TestPenalty_ChargesExtraOnErrorsOnly(t *testing.T) {
	p := NewPenalty(3)
	if got := p.OnResponse(404, decision.Decision{}); got != 2 {
		t.Fatalf("expected +2 charge on 4xx, got %d", got)
	}
	if got := p.OnResponse(503, decision.Decision{}); got != 2 {
		t.Fatalf("expected +2 charge on 5xx, got %d", got)
	}
	if got := p.OnResponse(200, decision.Decision{}); got != 0 {
		t.Fatalf("expected no charge on success, got %d", got)
	}
}

func TestCredit_RefundsNotModifiedByDefault(t *testing.T) {
	c := NewCredit()
	if got := c.OnResponse(304, decision.Decision{}); got != -1 {
		t.Fatalf("expected -1 refund on 304, got %d", got)
	}
	if got := c.OnResponse(204, decision.Decision{}); got != 0 {
		t.Fatalf("expected no refund on 204 by default, got %d", got)
	}
}

func TestCredit_CanAlsoRefundNoContent(t *testing.T) {
	c := Credit{RefundNotModified: true, RefundNoContent: true}
	if got := c.OnResponse(204, decision.Decision{}); got != -1 {
		t.Fatalf("expected -1 refund on 204, got %d", got)
	}
}

func TestComposite_SumsAdjustmentsAndTakesMaxCost(t *testing.T) {
	c := NewComposite(NewPenalty(2), NewCredit())
	if got := c.OnResponse(500, decision.Decision{}); got != 1 {
		t.Fatalf("expected +1 from penalty (no refund applies on 500), got %d", got)
	}
	if got := c.OnResponse(304, decision.Decision{}); got != -1 {
		t.Fatalf("expected -1 from credit (no penalty applies on 304), got %d", got)
	}

	costly := stubCostPolicy{cost: 5}
	c = NewComposite(Default{}, costly)
	if got := c.RequestCost(quota.PerSecond(10)); got != 5 {
		t.Fatalf("expected composite to take the max cost, got %d", got)
	}
}

type stubCostPolicy struct{ cost uint64 }

func (stubCostPolicy) Name() string                            { return "stub" }
func (s stubCostPolicy) RequestCost(quota.Quota) uint64        { return s.cost }
func (stubCostPolicy) OnResponse(int, decision.Decision) int64 { return 0 }
