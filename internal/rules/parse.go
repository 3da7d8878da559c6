// Package rules implements the rule resolution engine: typed parsing of
// the declared JSON rule schema at configuration-save time, and pure
// first-match-wins resolution at transaction time.
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/loyalty-foundry/talon/internal/domain"
)

// Wire schema, as declared to the admin surface:
//
//	[{ "if":   {"channelIn": [...], "weekdayIn": [0-6], "minEligible": N, "categoryIn": [...]},
//	   "then": {"earnBps": N, "redeemLimitBps": N} }]
//
// An object root {"rules": [...]} is also accepted.
type wireRule struct {
	If   *wireCondition `json:"if"`
	Then *wireEffect    `json:"then"`
}

type wireCondition struct {
	ChannelIn   []string `json:"channelIn"`
	WeekdayIn   []int    `json:"weekdayIn"`
	MinEligible *int64   `json:"minEligible"`
	CategoryIn  []string `json:"categoryIn"`
}

type wireEffect struct {
	EarnBps        *int `json:"earnBps"`
	RedeemLimitBps *int `json:"redeemLimitBps"`
}

type wireDocument struct {
	Rules []wireRule `json:"rules"`
}

// Parse decodes and validates a rule document into an immutable RuleSet.
// Unknown fields, unknown channels, out-of-range weekdays and bps values
// outside [0,10000] are all rejected here so that resolution never fails
// at transaction time. Empty input yields an empty rule set.
func Parse(raw []byte) (domain.RuleSet, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return domain.RuleSet{}, nil
	}

	var wires []wireRule
	if raw[0] == '[' {
		if err := strictUnmarshal(raw, &wires); err != nil {
			return domain.RuleSet{}, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
		}
	} else {
		var doc wireDocument
		if err := strictUnmarshal(raw, &doc); err != nil {
			return domain.RuleSet{}, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
		}
		wires = doc.Rules
	}

	out := make([]domain.Rule, 0, len(wires))
	for i, w := range wires {
		rule, err := buildRule(w)
		if err != nil {
			return domain.RuleSet{}, fmt.Errorf("%w: rule %d: %v", domain.ErrConfiguration, i, err)
		}
		out = append(out, rule)
	}
	return domain.RuleSet{Rules: out}, nil
}

func strictUnmarshal(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

func buildRule(w wireRule) (domain.Rule, error) {
	var rule domain.Rule

	if w.If != nil {
		for _, raw := range w.If.ChannelIn {
			ch, ok := domain.ParseChannel(raw)
			if !ok {
				return rule, fmt.Errorf("unknown channel %q", raw)
			}
			rule.If.ChannelIn = append(rule.If.ChannelIn, ch)
		}
		for _, wd := range w.If.WeekdayIn {
			if wd < 0 || wd > 6 {
				return rule, fmt.Errorf("weekday %d out of range", wd)
			}
			rule.If.WeekdayIn = append(rule.If.WeekdayIn, wd)
		}
		if w.If.MinEligible != nil {
			if *w.If.MinEligible < 0 {
				return rule, fmt.Errorf("minEligible %d is negative", *w.If.MinEligible)
			}
			min := *w.If.MinEligible
			rule.If.MinEligible = &min
		}
		rule.If.CategoryIn = append(rule.If.CategoryIn, w.If.CategoryIn...)
	}

	if w.Then != nil {
		earn, err := toBps(w.Then.EarnBps, "earnBps")
		if err != nil {
			return rule, err
		}
		redeem, err := toBps(w.Then.RedeemLimitBps, "redeemLimitBps")
		if err != nil {
			return rule, err
		}
		rule.Then.EarnBps = earn
		rule.Then.RedeemLimitBps = redeem
	}

	return rule, nil
}

func toBps(v *int, field string) (*uint16, error) {
	if v == nil {
		return nil, nil
	}
	if *v < 0 || *v > domain.MaxBps {
		return nil, fmt.Errorf("%s %d outside [0,%d]", field, *v, domain.MaxBps)
	}
	bps := uint16(*v)
	return &bps, nil
}
