package domain

import (
	"fmt"
	"time"
)

// ScopeType is one independent dimension over which velocity is limited.
type ScopeType string

const (
	ScopeCustomer ScopeType = "customer"
	ScopeStaff    ScopeType = "staff"
	ScopeDevice   ScopeType = "device"
	ScopeMerchant ScopeType = "merchant"
)

// ScopeOrder is the fixed order scopes are checked and their locks
// acquired in. Every caller must use this order.
var ScopeOrder = [4]ScopeType{ScopeCustomer, ScopeStaff, ScopeDevice, ScopeMerchant}

// ScopeKey identifies one scope's counter log.
type ScopeKey struct {
	MerchantID string    `json:"merchantId"`
	Scope      ScopeType `json:"scope"`
	ScopeID    string    `json:"scopeId"`
}

// String renders the key the way it is journaled and logged.
func (k ScopeKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.MerchantID, k.Scope, k.ScopeID)
}

// ScopeLimit configures velocity for one scope type. A cap of 0 means
// unlimited.
type ScopeLimit struct {
	Limit     int `json:"limit"`
	WindowSec int `json:"windowSec"`
	DailyCap  int `json:"dailyCap"`
	WeeklyCap int `json:"weeklyCap"`
}

// ScopeLimits maps scope type to its limit configuration.
type ScopeLimits map[ScopeType]ScopeLimit

// DefaultScopeLimits returns the platform defaults applied when a merchant
// has not configured a scope.
func DefaultScopeLimits() ScopeLimits {
	return ScopeLimits{
		ScopeCustomer: {Limit: 5, WindowSec: 120, DailyCap: 5, WeeklyCap: 0},
		ScopeStaff:    {Limit: 60, WindowSec: 600},
		ScopeDevice:   {Limit: 20, WindowSec: 600},
		ScopeMerchant: {Limit: 200, WindowSec: 3600},
	}
}

// EventRetention is how long scope events stay countable. It must cover
// the longest cap window (weekly).
const EventRetention = 7 * 24 * time.Hour

// ScopeEvent is one append-only velocity log entry. Events are never
// mutated after insertion.
type ScopeEvent struct {
	ID        string    `json:"id"`
	Key       ScopeKey  `json:"key"`
	Timestamp time.Time `json:"timestamp"`
}
