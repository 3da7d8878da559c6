package domain

// MaxBps is the upper bound for basis-point rates (100%).
const MaxBps = 10000

// Rates is an effective {earn, redeem-limit} pair in basis points.
// It doubles as the merchant baseline: the floor applied when no rule
// matches or a rule's effect omits a field.
type Rates struct {
	EarnBps        uint16 `json:"earnBps"`
	RedeemLimitBps uint16 `json:"redeemLimitBps"`
}

// DefaultBaseline returns the platform baseline used when a merchant has
// not configured one: 5% earn, 50% redeem limit.
func DefaultBaseline() Rates {
	return Rates{EarnBps: 500, RedeemLimitBps: 5000}
}

// Condition is the conjunction of sub-conditions a rule matches on.
// Nil/empty fields are wildcards.
type Condition struct {
	ChannelIn   []Channel `json:"channelIn,omitempty"`
	WeekdayIn   []int     `json:"weekdayIn,omitempty"`
	MinEligible *int64    `json:"minEligible,omitempty"`
	CategoryIn  []string  `json:"categoryIn,omitempty"`
}

// Effect overrides baseline rates field-by-field. Nil fields keep the
// baseline value.
type Effect struct {
	EarnBps        *uint16 `json:"earnBps,omitempty"`
	RedeemLimitBps *uint16 `json:"redeemLimitBps,omitempty"`
}

// Rule is one condition/effect pair. Rules are immutable after parse.
type Rule struct {
	If   Condition `json:"if"`
	Then Effect    `json:"then"`
}

// RuleSet is an ordered rule sequence with first-match-wins precedence.
type RuleSet struct {
	Rules []Rule `json:"rules"`
}

// Len returns the number of rules.
func (rs RuleSet) Len() int { return len(rs.Rules) }
