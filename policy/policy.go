// Package policy adjusts the cost a request is charged against a Quota,
// both before the algorithm layer ever sees it (RequestCost) and after the
// downstream handler's response is known (OnResponse) — independent of
// which algorithm or storage backend is in use.
package policy

import (
	"strings"

	flexlimit "github.com/flexlimitio/flexlimit"
)

// RequestMetadata is the information available to a Policy before a request
// is recorded, sufficient to decide its pre-cost.
type RequestMetadata struct {
	// Path is the path the request was routed by (the path argument of
	// Manager.CheckAndRecord), not the pattern of the route it matched.
	Path string

	// Key is the rate limit key the request resolved to.
	Key string
}

// Policy computes the cost to charge a request both before it is recorded
// and after its response is known.
type Policy interface {
	// RequestCost returns the nonzero cost to consume when the request is
	// first recorded. Most policies return 1.
	RequestCost(meta RequestMetadata) int64

	// OnResponse returns a signed adjustment to apply once statusCode is
	// known, given d, the Decision CheckAndRecord produced for the
	// original request. Positive values charge more, negative values
	// refund; algorithms clamp the resulting usage to capacity rather
	// than rejecting a refund outright.
	OnResponse(statusCode int, d flexlimit.Decision) int64

	// Name identifies the policy, e.g. for log fields.
	Name() string
}

// baseCost is the pre-request cost every built-in policy assumes; none of
// them vary it by RequestMetadata.
const baseCost int64 = 1

// penalty charges (factor-1)*baseCost extra whenever the response status
// falls in the client/server error range.
type penalty struct {
	factor int64
}

// Penalty charges extra on error responses: once the downstream handler
// answers with a status in [400, 600), an additional (factor-1)*cost is
// consumed, on top of the cost already charged when the request was first
// recorded. factor < 1 is rejected at construction time by flooring to 1,
// which makes Penalty(1) a no-op rather than silently inverting into a
// credit.
func Penalty(factor int64) Policy {
	if factor < 1 {
		factor = 1
	}
	return &penalty{factor: factor}
}

func (p *penalty) RequestCost(RequestMetadata) int64 { return baseCost }

func (p *penalty) OnResponse(statusCode int, _ flexlimit.Decision) int64 {
	if statusCode < 400 || statusCode >= 600 {
		return 0
	}
	return (p.factor - 1) * baseCost
}

func (p *penalty) Name() string { return "penalty" }

// credit refunds amount*baseCost once the response status is 304.
type credit struct {
	amount int64
}

// Credit refunds requests that turn out to be cache hits: a response
// status of 304 releases amount back to the quota, floored at 1 so a
// credit is never a no-op. Useful for trusted clients sharing a quota with
// untrusted ones.
func Credit(amount int64) Policy {
	if amount < 1 {
		amount = 1
	}
	return &credit{amount: amount}
}

func (c *credit) RequestCost(RequestMetadata) int64 { return baseCost }

func (c *credit) OnResponse(statusCode int, _ flexlimit.Decision) int64 {
	if statusCode != 304 {
		return 0
	}
	return -c.amount
}

func (c *credit) Name() string { return "credit" }

// composite combines several policies, taking the largest pre-cost any of
// them would charge and summing their post-response adjustments.
type composite struct {
	policies []Policy
}

// Composite combines policies into one: RequestCost returns the largest
// pre-cost any sub-policy would charge (so a composite never under-charges
// up front), and OnResponse sums every sub-policy's adjustment.
func Composite(policies ...Policy) Policy {
	return &composite{policies: policies}
}

func (c *composite) RequestCost(meta RequestMetadata) int64 {
	cost := baseCost
	for _, p := range c.policies {
		if pc := p.RequestCost(meta); pc > cost {
			cost = pc
		}
	}
	return cost
}

func (c *composite) OnResponse(statusCode int, d flexlimit.Decision) int64 {
	var total int64
	for _, p := range c.policies {
		total += p.OnResponse(statusCode, d)
	}
	return total
}

func (c *composite) Name() string {
	names := make([]string, len(c.policies))
	for i, p := range c.policies {
		names[i] = p.Name()
	}
	return strings.Join(names, "+")
}
