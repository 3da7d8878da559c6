package limiter

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loyalty-foundry/talon/internal/domain"
)

// EngineVersion tags decisions for the audit trail.
const EngineVersion = "talon-1.0"

// FindingSource answers whether an active anomaly finding of a blocked
// type targets the transaction's customer or device.
type FindingSource interface {
	ActiveBlock(merchantID string, factors map[string]bool, customerID, deviceID string, now time.Time) (string, bool)
}

// Service is the velocity/caps limiter. It consults the scope key store
// and the active block factors and returns a typed decision, never an
// error: rate limits, caps, hard blocks and lock-timeout fail-safes are
// all values the caller must handle.
type Service struct {
	store    *Store
	findings FindingSource

	// Clock supplies the decision instant; replaceable in tests.
	Clock func() time.Time
}

// NewService creates a limiter over the given store. findings may be nil
// when no detector is wired (hard blocks then never trigger).
func NewService(store *Store, findings FindingSource) *Service {
	return &Service{
		store:    store,
		findings: findings,
		Clock:    time.Now,
	}
}

type scopedKey struct {
	scope domain.ScopeType
	key   domain.ScopeKey
}

// Admit decides one transaction attempt. Scopes are checked in
// domain.ScopeOrder and the first breach short-circuits unless explain is
// set, in which case every applicable scope is evaluated and all breaches
// are reported. Every attempt appends a scope event to each applicable
// scope, including denied and hard-blocked attempts, so retry storms
// cannot reset the clock. Once the outcome is determined, remaining
// appends are detached from the caller's context: an abandoned request
// still commits its events.
func (s *Service) Admit(ctx context.Context, cfg *domain.MerchantConfig, tc *domain.TransactionContext, explain bool) *domain.AdmissionDecision {
	start := time.Now()
	now := s.Clock()
	loc := cfg.Location()
	keys := s.applicable(cfg.MerchantID, tc)

	dec := &domain.AdmissionDecision{
		ID:      uuid.New().String(),
		Outcome: domain.OutcomeAllow,
		Reason:  domain.ReasonOK,
	}
	defer func() {
		dec.Metadata.AdmitMs = time.Since(start).Milliseconds()
		dec.Metadata.EngineVersion = EngineVersion
	}()

	// A hard block outranks every velocity check and is not self-healing
	// by waiting out a window.
	if s.findings != nil && len(cfg.BlockFactors) > 0 {
		if factor, ok := s.findings.ActiveBlock(cfg.MerchantID, cfg.BlockFactors, tc.CustomerID, tc.DeviceID, now); ok {
			dec.Outcome = domain.OutcomeHardBlock
			dec.Reason = domain.ReasonBlockFactor
			dec.TriggeredFactor = factor
			s.recordRemaining(ctx, keys, now)
			return dec
		}
	}

	decided := false
	for _, sk := range keys {
		if decided && !explain {
			s.record(ctx, sk.key, now)
			continue
		}

		limit := cfg.LimitFor(sk.scope)
		tally, err := s.store.CountAndAppend(ctx, sk.key, now, limit.WindowSec, loc)
		if err != nil {
			// Lock or caller unavailability: fail safe toward manual
			// review rather than silently allowing or blocking.
			slog.Warn("scope check degraded to soft flag",
				"key", sk.key.String(),
				"error", err,
			)
			if !decided {
				dec.Outcome = domain.OutcomeSoftFlag
				dec.Reason = domain.ReasonTimeout
				dec.TriggeredScope = sk.scope
				decided = true
			}
			continue
		}

		breach := evaluate(tally, limit, now, loc)
		if breach == nil {
			continue
		}
		breach.Scope = sk.scope
		if explain {
			dec.Breaches = append(dec.Breaches, *breach)
		}
		if !decided {
			dec.Outcome = domain.OutcomeDeny
			dec.Reason = breach.Reason
			dec.TriggeredScope = sk.scope
			dec.RetryAfterSec = breach.RetryAfterSec
			decided = true
		}
	}

	return dec
}

// applicable returns the scope keys for the context in the fixed global
// order: merchant always, the others only when the id is present.
func (s *Service) applicable(merchantID string, tc *domain.TransactionContext) []scopedKey {
	ids := map[domain.ScopeType]string{
		domain.ScopeCustomer: tc.CustomerID,
		domain.ScopeStaff:    tc.StaffID,
		domain.ScopeDevice:   tc.DeviceID,
		domain.ScopeMerchant: merchantID,
	}

	keys := make([]scopedKey, 0, len(domain.ScopeOrder))
	for _, scope := range domain.ScopeOrder {
		id := ids[scope]
		if id == "" {
			continue
		}
		keys = append(keys, scopedKey{
			scope: scope,
			key:   domain.ScopeKey{MerchantID: merchantID, Scope: scope, ScopeID: id},
		})
	}
	return keys
}

func (s *Service) record(ctx context.Context, key domain.ScopeKey, now time.Time) {
	if err := s.store.Append(context.WithoutCancel(ctx), key, now); err != nil {
		slog.Warn("scope event not recorded", "key", key.String(), "error", err)
	}
}

func (s *Service) recordRemaining(ctx context.Context, keys []scopedKey, now time.Time) {
	for _, sk := range keys {
		s.record(ctx, sk.key, now)
	}
}

// evaluate applies the limit to a tally. Checks run in severity order:
// sliding window, then daily cap, then weekly cap. A cap of 0 is
// unlimited.
func evaluate(t Tally, limit domain.ScopeLimit, now time.Time, loc *time.Location) *domain.ScopeBreach {
	if limit.Limit > 0 && t.Window >= limit.Limit {
		return &domain.ScopeBreach{
			Reason:        domain.ReasonRateLimit,
			RetryAfterSec: windowRetry(t.OldestInWindow, limit.WindowSec, now),
		}
	}
	if limit.DailyCap > 0 && t.Daily >= limit.DailyCap {
		next := startOfDay(now.In(loc)).AddDate(0, 0, 1)
		return &domain.ScopeBreach{
			Reason:        domain.ReasonDailyCap,
			RetryAfterSec: ceilSeconds(next.Sub(now)),
		}
	}
	if limit.WeeklyCap > 0 && t.Weekly >= limit.WeeklyCap {
		next := startOfWeek(now.In(loc)).AddDate(0, 0, 7)
		return &domain.ScopeBreach{
			Reason:        domain.ReasonWeeklyCap,
			RetryAfterSec: ceilSeconds(next.Sub(now)),
		}
	}
	return nil
}

// windowRetry is when the oldest in-window event leaves the half-open
// window and one slot frees up.
func windowRetry(oldest time.Time, windowSec int, now time.Time) int {
	free := oldest.Add(time.Duration(windowSec) * time.Second)
	return ceilSeconds(free.Sub(now))
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	sec := int(d / time.Second)
	if d%time.Second != 0 {
		sec++
	}
	if sec < 1 {
		sec = 1
	}
	return sec
}
