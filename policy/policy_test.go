package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	flexlimit "github.com/flexlimitio/flexlimit"
	"github.com/flexlimitio/flexlimit/policy"
)

func TestPenaltyRequestCostIsAlwaysOne(t *testing.T) {
	p := policy.Penalty(3)
	assert.Equal(t, int64(1), p.RequestCost(policy.RequestMetadata{Path: "/checkout"}))
}

func TestPenaltyChargesExtraOnErrorStatus(t *testing.T) {
	p := policy.Penalty(2)
	assert.Equal(t, int64(1), p.OnResponse(500, flexlimit.Decision{}))
	assert.Equal(t, int64(0), p.OnResponse(200, flexlimit.Decision{}), "no adjustment outside [400, 600)")
	assert.Equal(t, int64(0), p.OnResponse(600, flexlimit.Decision{}), "600 is exclusive")
}

func TestPenaltyFloorsFactorAtOne(t *testing.T) {
	p := policy.Penalty(0)
	assert.Equal(t, int64(0), p.OnResponse(500, flexlimit.Decision{}), "factor floored to 1 is a no-op")
}

func TestCreditRefundsOnNotModified(t *testing.T) {
	p := policy.Credit(2)
	assert.Equal(t, int64(-2), p.OnResponse(304, flexlimit.Decision{}))
	assert.Equal(t, int64(0), p.OnResponse(200, flexlimit.Decision{}))
}

func TestCreditFloorsAmountAtOne(t *testing.T) {
	p := policy.Credit(0)
	assert.Equal(t, int64(-1), p.OnResponse(304, flexlimit.Decision{}))
}

func TestCompositeSumsAdjustments(t *testing.T) {
	p := policy.Composite(policy.Penalty(2), policy.Credit(3))
	// penalty: +1 on 500, credit: 0 on 500 (only fires on 304) -> 1
	assert.Equal(t, int64(1), p.OnResponse(500, flexlimit.Decision{}))
	// penalty: 0 on 304, credit: -3 on 304 -> -3
	assert.Equal(t, int64(-3), p.OnResponse(304, flexlimit.Decision{}))
}

func TestCompositeRequestCostTakesTheMax(t *testing.T) {
	p := policy.Composite(policy.Penalty(2), policy.Credit(3))
	assert.Equal(t, int64(1), p.RequestCost(policy.RequestMetadata{}))
}

func TestCompositeNameJoinsSubPolicyNames(t *testing.T) {
	p := policy.Composite(policy.Penalty(2), policy.Credit(3))
	assert.Equal(t, "penalty+credit", p.Name())
}
