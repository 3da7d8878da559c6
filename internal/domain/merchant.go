package domain

import (
	"context"
	"time"
)

// MerchantConfig is a parsed, immutable snapshot of one merchant's
// admission configuration. A snapshot is read as a unit: a single
// evaluation never observes a partially-updated config.
type MerchantConfig struct {
	MerchantID   string          `json:"merchantId"`
	Baseline     Rates           `json:"baseline"`
	Rules        RuleSet         `json:"rules"`
	Limits       ScopeLimits     `json:"limits"`
	BlockFactors map[string]bool `json:"blockFactors"`
	Timezone     string          `json:"timezone,omitempty"`
	Signals      []CustomSignal  `json:"signals,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`

	// Loc is the parsed Timezone, UTC if unset. Populated by the config
	// store; not serialized.
	Loc *time.Location `json:"-"`
}

// Location returns the merchant's timezone, defaulting to UTC.
func (c *MerchantConfig) Location() *time.Location {
	if c.Loc != nil {
		return c.Loc
	}
	return time.UTC
}

// LimitFor returns the scope's configured limit, falling back to the
// platform default for unconfigured scopes.
func (c *MerchantConfig) LimitFor(scope ScopeType) ScopeLimit {
	if l, ok := c.Limits[scope]; ok {
		return l
	}
	return DefaultScopeLimits()[scope]
}

// MerchantConfigRecord is the raw persisted form of a merchant's
// configuration: rates as columns, the rest as JSON documents validated
// at save time.
type MerchantConfigRecord struct {
	MerchantID     string
	EarnBps        int
	RedeemLimitBps int
	RulesJSON      []byte
	LimitsJSON     []byte
	FactorsJSON    []byte
	SignalsJSON    []byte
	Timezone       string
	UpdatedAt      time.Time
}

// ConfigStore serves snapshot-consistent merchant configuration to the
// hot path.
type ConfigStore interface {
	// Snapshot returns the merchant's current parsed configuration. A
	// merchant with no stored record gets platform defaults.
	Snapshot(ctx context.Context, merchantID string) (*MerchantConfig, error)

	// Invalidate drops any cached snapshot after a configuration write.
	Invalidate(ctx context.Context, merchantID string) error
}
