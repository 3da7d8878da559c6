package domain

import "errors"

// Outcome is the admission verdict. Every transaction-processing caller
// must handle all four states explicitly.
type Outcome string

const (
	// OutcomeAllow admits the transaction.
	OutcomeAllow Outcome = "ALLOW"

	// OutcomeDeny rejects on a velocity or cap breach; retryable after the
	// window or period elapses.
	OutcomeDeny Outcome = "DENY"

	// OutcomeSoftFlag fails safe toward manual review (lock/store
	// unavailability); never a silent allow or a permanent block.
	OutcomeSoftFlag Outcome = "SOFT_FLAG"

	// OutcomeHardBlock requires operator action to clear; not self-healing
	// by waiting out a window.
	OutcomeHardBlock Outcome = "HARD_BLOCK"
)

// Reason identifies what triggered a non-allow decision.
type Reason string

const (
	ReasonOK          Reason = "OK"
	ReasonRateLimit   Reason = "RATE_LIMIT"
	ReasonDailyCap    Reason = "DAILY_CAP"
	ReasonWeeklyCap   Reason = "WEEKLY_CAP"
	ReasonBlockFactor Reason = "BLOCK_FACTOR"
	ReasonTimeout     Reason = "TIMEOUT"
)

// ScopeBreach describes one breached scope; explain mode returns every
// breach instead of short-circuiting on the first.
type ScopeBreach struct {
	Scope         ScopeType `json:"scope"`
	Reason        Reason    `json:"reason"`
	RetryAfterSec int       `json:"retryAfterSec"`
}

// DecisionMetadata carries per-stage timings for the audit trail.
type DecisionMetadata struct {
	TraceID       string `json:"traceId,omitempty"`
	ResolveMs     int64  `json:"resolveMs"`
	AdmitMs       int64  `json:"admitMs"`
	TotalMs       int64  `json:"totalMs"`
	EngineVersion string `json:"engineVersion"`
}

// AdmissionDecision is the typed result of the admission path. It is a
// value, never an error; the error taxonomy below covers configuration
// and infrastructure failures only.
type AdmissionDecision struct {
	ID              string           `json:"id"`
	Outcome         Outcome          `json:"outcome"`
	Reason          Reason           `json:"reason"`
	TriggeredScope  ScopeType        `json:"triggeredScope,omitempty"`
	TriggeredFactor string           `json:"triggeredFactor,omitempty"`
	RetryAfterSec   int              `json:"retryAfterSec,omitempty"`
	Breaches        []ScopeBreach    `json:"breaches,omitempty"`
	Rates           Rates            `json:"rates"`
	Metadata        DecisionMetadata `json:"metadata"`
}

// Allowed reports whether the transaction may proceed.
func (d *AdmissionDecision) Allowed() bool {
	return d.Outcome == OutcomeAllow
}

// ErrConfiguration marks malformed rule/limit/signal configuration. It is
// surfaced at configuration-save time, never at transaction time.
var ErrConfiguration = errors.New("invalid configuration")
