package rules

import (
	"fmt"
	"slices"

	"github.com/loyalty-foundry/talon/internal/domain"
)

// Resolve computes the effective rates for a transaction context:
// first-match-wins over the ordered rule set, with the matching rule's
// effect merged field-by-field onto the baseline. No rule matching leaves
// the baseline unchanged.
//
// Resolve is a pure function: no clock, no randomness, no side effects.
// The interactive preview surface and the live admission path both call
// exactly this, so their semantics cannot drift.
//
// The result is clamped to [0,10000]; a value that needed clamping is a
// configuration error and is reported, never corrected silently.
func Resolve(rs domain.RuleSet, baseline domain.Rates, ctx *domain.TransactionContext) (domain.Rates, error) {
	out := baseline

	for _, rule := range rs.Rules {
		if !matches(rule.If, ctx) {
			continue
		}
		if rule.Then.EarnBps != nil {
			out.EarnBps = *rule.Then.EarnBps
		}
		if rule.Then.RedeemLimitBps != nil {
			out.RedeemLimitBps = *rule.Then.RedeemLimitBps
		}
		break
	}

	var err error
	if out.EarnBps > domain.MaxBps {
		err = fmt.Errorf("%w: earnBps %d outside [0,%d]", domain.ErrConfiguration, out.EarnBps, domain.MaxBps)
		out.EarnBps = domain.MaxBps
	}
	if out.RedeemLimitBps > domain.MaxBps {
		err = fmt.Errorf("%w: redeemLimitBps %d outside [0,%d]", domain.ErrConfiguration, out.RedeemLimitBps, domain.MaxBps)
		out.RedeemLimitBps = domain.MaxBps
	}
	return out, err
}

// matches evaluates a condition as a conjunction of its present
// sub-conditions. Absent fields are wildcards. Category comparison is
// case-sensitive exact match.
func matches(c domain.Condition, ctx *domain.TransactionContext) bool {
	if len(c.ChannelIn) > 0 && !slices.Contains(c.ChannelIn, ctx.Channel) {
		return false
	}
	if len(c.WeekdayIn) > 0 && !slices.Contains(c.WeekdayIn, ctx.Weekday) {
		return false
	}
	if c.MinEligible != nil && ctx.EligibleTotal < *c.MinEligible {
		return false
	}
	if len(c.CategoryIn) > 0 && !slices.Contains(c.CategoryIn, ctx.Category) {
		return false
	}
	return true
}
