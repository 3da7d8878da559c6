package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/loyalty-foundry/talon/internal/domain"
)

func TestSQLiteRepository(t *testing.T) {
	// Create temp database file
	tmpFile, err := os.CreateTemp("", "talon-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	}

	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	merchantID := "m-001"

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetMerchantConfig", func(t *testing.T) {
		rec := &domain.MerchantConfigRecord{
			MerchantID:     merchantID,
			EarnBps:        500,
			RedeemLimitBps: 5000,
			RulesJSON:      []byte(`[{"if":{"channelIn":["SMART"]},"then":{"earnBps":700}}]`),
			Timezone:       "Asia/Tehran",
			UpdatedAt:      time.Now().UTC(),
		}

		if err := repo.SaveMerchantConfig(ctx, rec); err != nil {
			t.Fatalf("SaveMerchantConfig failed: %v", err)
		}

		retrieved, err := repo.GetMerchantConfig(ctx, merchantID)
		if err != nil {
			t.Fatalf("GetMerchantConfig failed: %v", err)
		}
		if retrieved.EarnBps != 500 || retrieved.RedeemLimitBps != 5000 {
			t.Errorf("unexpected rates: %d/%d", retrieved.EarnBps, retrieved.RedeemLimitBps)
		}
		if retrieved.Timezone != "Asia/Tehran" {
			t.Errorf("expected timezone Asia/Tehran, got %s", retrieved.Timezone)
		}
		if string(retrieved.LimitsJSON) != "{}" {
			t.Errorf("absent limits must default to empty object, got %s", retrieved.LimitsJSON)
		}
	})

	t.Run("UpsertMerchantConfig", func(t *testing.T) {
		rec := &domain.MerchantConfigRecord{
			MerchantID:     merchantID,
			EarnBps:        800,
			RedeemLimitBps: 4000,
			UpdatedAt:      time.Now().UTC(),
		}
		if err := repo.SaveMerchantConfig(ctx, rec); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}

		retrieved, err := repo.GetMerchantConfig(ctx, merchantID)
		if err != nil {
			t.Fatalf("GetMerchantConfig failed: %v", err)
		}
		if retrieved.EarnBps != 800 {
			t.Errorf("expected updated earnBps 800, got %d", retrieved.EarnBps)
		}
	})

	t.Run("MissingMerchantConfig", func(t *testing.T) {
		_, err := repo.GetMerchantConfig(ctx, "m-missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListMerchantIDs", func(t *testing.T) {
		ids, err := repo.ListMerchantIDs(ctx)
		if err != nil {
			t.Fatalf("ListMerchantIDs failed: %v", err)
		}
		if len(ids) != 1 || ids[0] != merchantID {
			t.Errorf("unexpected merchant ids: %v", ids)
		}
	})

	t.Run("SaveAndListTransactions", func(t *testing.T) {
		base := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			tx := &domain.Transaction{
				ID:         "tx-00" + string(rune('1'+i)),
				MerchantID: merchantID,
				Type:       domain.EventEarn,
				Channel:    domain.ChannelSmart,
				Amount:     1000,
				CustomerID: "c-1",
				CreatedAt:  base.Add(time.Duration(i) * time.Minute),
			}
			if err := repo.SaveTransaction(ctx, tx); err != nil {
				t.Fatalf("SaveTransaction failed: %v", err)
			}
		}

		txs, err := repo.ListTransactions(ctx, merchantID, base, base.Add(2*time.Minute))
		if err != nil {
			t.Fatalf("ListTransactions failed: %v", err)
		}
		if len(txs) != 2 {
			t.Fatalf("expected 2 transactions in [from, to), got %d", len(txs))
		}
		if !txs[0].CreatedAt.After(txs[1].CreatedAt) {
			t.Error("expected newest-first ordering")
		}
	})

	t.Run("MerchantIsolation", func(t *testing.T) {
		txs, err := repo.ListTransactions(ctx, "m-other", time.Time{}, time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("ListTransactions failed: %v", err)
		}
		if len(txs) != 0 {
			t.Errorf("expected no transactions for another merchant, got %d", len(txs))
		}
	})

	t.Run("SaveAndListReceipts", func(t *testing.T) {
		now := time.Now().UTC()
		for i := 0; i < 5; i++ {
			rc := &domain.Receipt{
				ID:         "rc-00" + string(rune('1'+i)),
				MerchantID: merchantID,
				OutletID:   "o-1",
				DeviceID:   "d-1",
				Total:      500,
				Refunded:   i == 0,
				CreatedAt:  now.Add(time.Duration(i) * time.Second),
			}
			if err := repo.SaveReceipt(ctx, rc); err != nil {
				t.Fatalf("SaveReceipt failed: %v", err)
			}
		}

		receipts, err := repo.ListReceipts(ctx, merchantID, 3)
		if err != nil {
			t.Fatalf("ListReceipts failed: %v", err)
		}
		if len(receipts) != 3 {
			t.Fatalf("expected limit of 3 receipts, got %d", len(receipts))
		}

		all, err := repo.ListReceipts(ctx, merchantID, 100)
		if err != nil {
			t.Fatalf("ListReceipts failed: %v", err)
		}
		refunded := 0
		for _, rc := range all {
			if rc.Refunded {
				refunded++
			}
		}
		if refunded != 1 {
			t.Errorf("expected 1 refunded receipt, got %d", refunded)
		}
	})

	t.Run("ScopeEventJournal", func(t *testing.T) {
		key := domain.ScopeKey{MerchantID: merchantID, Scope: domain.ScopeCustomer, ScopeID: "c-1"}
		base := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

		for i := 0; i < 4; i++ {
			ev := &domain.ScopeEvent{
				ID:        "ev-00" + string(rune('1'+i)),
				Key:       key,
				Timestamp: base.Add(time.Duration(i) * time.Second),
			}
			if err := repo.AppendScopeEvent(ctx, ev); err != nil {
				t.Fatalf("AppendScopeEvent failed: %v", err)
			}
		}

		// Half-open (from, to]: the event at base is excluded.
		count, err := repo.CountScopeEvents(ctx, key, base, base.Add(3*time.Second))
		if err != nil {
			t.Fatalf("CountScopeEvents failed: %v", err)
		}
		if count != 3 {
			t.Errorf("expected 3 events in (from, to], got %d", count)
		}
	})

	t.Run("FindingsLifecycle", func(t *testing.T) {
		now := time.Now().UTC()
		f := &domain.AnomalyFinding{
			ID:         "f-001",
			MerchantID: merchantID,
			Type:       domain.FindingRapidTransactions,
			CustomerID: "c-1",
			Evidence:   map[string]any{"count": 6},
			DetectedAt: now,
			ExpiresAt:  now.Add(time.Hour),
		}
		if err := repo.SaveFinding(ctx, f); err != nil {
			t.Fatalf("SaveFinding failed: %v", err)
		}

		expired := &domain.AnomalyFinding{
			ID:         "f-002",
			MerchantID: merchantID,
			Type:       domain.FindingNightActivity,
			CustomerID: "c-2",
			DetectedAt: now.Add(-2 * time.Hour),
			ExpiresAt:  now.Add(-time.Hour),
		}
		if err := repo.SaveFinding(ctx, expired); err != nil {
			t.Fatalf("SaveFinding failed: %v", err)
		}

		active, err := repo.ListActiveFindings(ctx, merchantID, now)
		if err != nil {
			t.Fatalf("ListActiveFindings failed: %v", err)
		}
		if len(active) != 1 || active[0].ID != "f-001" {
			t.Fatalf("expected only the unexpired finding, got %d", len(active))
		}
		if active[0].Evidence["count"] == nil {
			t.Error("evidence must round-trip")
		}

		if err := repo.DeleteFinding(ctx, merchantID, "f-001"); err != nil {
			t.Fatalf("DeleteFinding failed: %v", err)
		}
		if err := repo.DeleteFinding(ctx, merchantID, "f-001"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}
	})
}
