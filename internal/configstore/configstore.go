// Package configstore serves snapshot-consistent merchant configuration
// to the admission hot path, caching parsed snapshots in front of the
// repository.
package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loyalty-foundry/talon/internal/domain"
	"github.com/loyalty-foundry/talon/internal/repository"
	"github.com/loyalty-foundry/talon/internal/rules"
)

const (
	snapshotKey = "config-snapshot"
	snapshotTTL = 5 * time.Minute
)

// Store implements domain.ConfigStore over the repository with a cache
// in front. The cached value is the raw record; parsing is cheap and
// keeps the cache payload storable in Redis.
type Store struct {
	repo  domain.Repository
	cache domain.Cache
}

// New creates a config store. cache may be nil to read through on every
// snapshot.
func New(repo domain.Repository, cache domain.Cache) *Store {
	return &Store{repo: repo, cache: cache}
}

// Snapshot returns the merchant's parsed configuration. A merchant with
// no stored record gets platform defaults, so unknown merchants are
// admitted under baseline policy rather than rejected.
func (s *Store) Snapshot(ctx context.Context, merchantID string) (*domain.MerchantConfig, error) {
	if merchantID == "" {
		return nil, fmt.Errorf("%w: merchantID is required", domain.ErrConfiguration)
	}

	if rec, ok := s.cached(ctx, merchantID); ok {
		return Parse(rec)
	}

	rec, err := s.repo.GetMerchantConfig(ctx, merchantID)
	if errors.Is(err, repository.ErrNotFound) {
		return defaultSnapshot(merchantID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load merchant config: %w", err)
	}

	s.store(ctx, merchantID, rec)
	return Parse(rec)
}

// Save validates and persists a merchant's configuration record, then
// invalidates the cached snapshot so the next admission sees it.
func (s *Store) Save(ctx context.Context, rec *domain.MerchantConfigRecord) error {
	if _, err := Parse(rec); err != nil {
		return err
	}

	rec.UpdatedAt = time.Now().UTC()
	if err := s.repo.SaveMerchantConfig(ctx, rec); err != nil {
		return fmt.Errorf("failed to save merchant config: %w", err)
	}
	return s.Invalidate(ctx, rec.MerchantID)
}

// Invalidate drops any cached snapshot after a configuration write.
func (s *Store) Invalidate(ctx context.Context, merchantID string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Delete(ctx, merchantID, snapshotKey)
}

func (s *Store) cached(ctx context.Context, merchantID string) (*domain.MerchantConfigRecord, bool) {
	if s.cache == nil {
		return nil, false
	}
	data, err := s.cache.Get(ctx, merchantID, snapshotKey)
	if err != nil || data == nil {
		return nil, false
	}

	var rec cachedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Warn("dropping corrupt cached config", "merchant_id", merchantID, "error", err)
		_ = s.cache.Delete(ctx, merchantID, snapshotKey)
		return nil, false
	}
	return rec.toDomain(), true
}

func (s *Store) store(ctx context.Context, merchantID string, rec *domain.MerchantConfigRecord) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(fromDomain(rec))
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, merchantID, snapshotKey, data, snapshotTTL); err != nil {
		slog.Warn("failed to cache config snapshot", "merchant_id", merchantID, "error", err)
	}
}

// cachedRecord is the cache wire form of a MerchantConfigRecord.
type cachedRecord struct {
	MerchantID     string          `json:"merchantId"`
	EarnBps        int             `json:"earnBps"`
	RedeemLimitBps int             `json:"redeemLimitBps"`
	Rules          json.RawMessage `json:"rules"`
	Limits         json.RawMessage `json:"limits"`
	Factors        json.RawMessage `json:"factors"`
	Signals        json.RawMessage `json:"signals"`
	Timezone       string          `json:"timezone"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

func fromDomain(rec *domain.MerchantConfigRecord) *cachedRecord {
	return &cachedRecord{
		MerchantID:     rec.MerchantID,
		EarnBps:        rec.EarnBps,
		RedeemLimitBps: rec.RedeemLimitBps,
		Rules:          rec.RulesJSON,
		Limits:         rec.LimitsJSON,
		Factors:        rec.FactorsJSON,
		Signals:        rec.SignalsJSON,
		Timezone:       rec.Timezone,
		UpdatedAt:      rec.UpdatedAt,
	}
}

func (c *cachedRecord) toDomain() *domain.MerchantConfigRecord {
	return &domain.MerchantConfigRecord{
		MerchantID:     c.MerchantID,
		EarnBps:        c.EarnBps,
		RedeemLimitBps: c.RedeemLimitBps,
		RulesJSON:      c.Rules,
		LimitsJSON:     c.Limits,
		FactorsJSON:    c.Factors,
		SignalsJSON:    c.Signals,
		Timezone:       c.Timezone,
		UpdatedAt:      c.UpdatedAt,
	}
}

// Parse converts a raw record into an immutable parsed snapshot,
// validating every document. All validation failures wrap
// domain.ErrConfiguration.
func Parse(rec *domain.MerchantConfigRecord) (*domain.MerchantConfig, error) {
	if rec.EarnBps < 0 || rec.EarnBps > int(domain.MaxBps) {
		return nil, fmt.Errorf("%w: earnBps %d outside [0,%d]", domain.ErrConfiguration, rec.EarnBps, domain.MaxBps)
	}
	if rec.RedeemLimitBps < 0 || rec.RedeemLimitBps > int(domain.MaxBps) {
		return nil, fmt.Errorf("%w: redeemLimitBps %d outside [0,%d]", domain.ErrConfiguration, rec.RedeemLimitBps, domain.MaxBps)
	}

	ruleSet, err := rules.Parse(rec.RulesJSON)
	if err != nil {
		return nil, err
	}

	limits, err := parseLimits(rec.LimitsJSON)
	if err != nil {
		return nil, err
	}

	factors := make(map[string]bool)
	if len(rec.FactorsJSON) > 0 {
		if err := json.Unmarshal(rec.FactorsJSON, &factors); err != nil {
			return nil, fmt.Errorf("%w: invalid block factors: %v", domain.ErrConfiguration, err)
		}
	}

	var signals []domain.CustomSignal
	if len(rec.SignalsJSON) > 0 {
		if err := json.Unmarshal(rec.SignalsJSON, &signals); err != nil {
			return nil, fmt.Errorf("%w: invalid signals: %v", domain.ErrConfiguration, err)
		}
	}

	loc := time.UTC
	if rec.Timezone != "" {
		loc, err = time.LoadLocation(rec.Timezone)
		if err != nil {
			return nil, fmt.Errorf("%w: unknown timezone %q", domain.ErrConfiguration, rec.Timezone)
		}
	}

	return &domain.MerchantConfig{
		MerchantID: rec.MerchantID,
		Baseline: domain.Rates{
			EarnBps:        uint16(rec.EarnBps),
			RedeemLimitBps: uint16(rec.RedeemLimitBps),
		},
		Rules:        ruleSet,
		Limits:       limits,
		BlockFactors: factors,
		Timezone:     rec.Timezone,
		Signals:      signals,
		UpdatedAt:    rec.UpdatedAt,
		Loc:          loc,
	}, nil
}

func parseLimits(raw []byte) (domain.ScopeLimits, error) {
	limits := domain.DefaultScopeLimits()
	if len(raw) == 0 {
		return limits, nil
	}

	var doc map[string]domain.ScopeLimit
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid limits: %v", domain.ErrConfiguration, err)
	}

	for name, limit := range doc {
		scope := domain.ScopeType(name)
		switch scope {
		case domain.ScopeCustomer, domain.ScopeStaff, domain.ScopeDevice, domain.ScopeMerchant:
		default:
			return nil, fmt.Errorf("%w: unknown scope %q", domain.ErrConfiguration, name)
		}
		if limit.Limit < 0 || limit.WindowSec < 0 || limit.DailyCap < 0 || limit.WeeklyCap < 0 {
			return nil, fmt.Errorf("%w: negative value in %s limit", domain.ErrConfiguration, name)
		}
		if limit.Limit > 0 && limit.WindowSec == 0 {
			return nil, fmt.Errorf("%w: %s limit requires a window", domain.ErrConfiguration, name)
		}
		limits[scope] = limit
	}
	return limits, nil
}

func defaultSnapshot(merchantID string) *domain.MerchantConfig {
	return &domain.MerchantConfig{
		MerchantID:   merchantID,
		Baseline:     domain.DefaultBaseline(),
		Limits:       domain.DefaultScopeLimits(),
		BlockFactors: make(map[string]bool),
		Loc:          time.UTC,
	}
}
