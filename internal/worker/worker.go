// Package worker runs the background anomaly scan: it samples the
// ledger per merchant on a fixed interval, feeds the detector, and
// keeps the in-memory findings registry and the findings table in sync.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loyalty-foundry/talon/internal/anomaly"
	"github.com/loyalty-foundry/talon/internal/configstore"
	"github.com/loyalty-foundry/talon/internal/domain"
)

// Worker owns the periodic anomaly scan loop.
type Worker struct {
	repo     domain.Repository
	configs  *configstore.Store
	detector *anomaly.Detector
	registry *anomaly.Registry
	bus      domain.EventBus
	cfg      domain.DetectorConfig

	// Clock is injectable for tests.
	Clock func() time.Time

	mu   sync.Mutex
	subs map[string][]domain.Subscription
}

// New creates a scan worker.
func New(repo domain.Repository, configs *configstore.Store, detector *anomaly.Detector, registry *anomaly.Registry, bus domain.EventBus, cfg domain.DetectorConfig) *Worker {
	return &Worker{
		repo:     repo,
		configs:  configs,
		detector: detector,
		registry: registry,
		bus:      bus,
		cfg:      cfg,
		Clock:    func() time.Time { return time.Now().UTC() },
		subs:     make(map[string][]domain.Subscription),
	}
}

// Start warms the registry from persisted findings, then scans on the
// configured interval until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.warmRegistry(ctx); err != nil {
		return fmt.Errorf("failed to warm findings registry: %w", err)
	}

	slog.Info("anomaly scan worker started", "interval", w.cfg.ScanInterval)
	ticker := time.NewTicker(w.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.unsubscribeAll()
			slog.Info("anomaly scan worker stopped")
			return nil
		case <-ticker.C:
			if err := w.ScanOnce(ctx); err != nil {
				slog.Error("anomaly scan failed", "error", err)
			}
		}
	}
}

// ScanOnce runs one full scan pass over every known merchant.
func (w *Worker) ScanOnce(ctx context.Context) error {
	now := w.Clock()

	merchants, err := w.repo.ListMerchantIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list merchants: %w", err)
	}

	for _, merchantID := range merchants {
		if err := w.scanMerchant(ctx, merchantID, now); err != nil {
			slog.Error("merchant scan failed", "merchant_id", merchantID, "error", err)
		}
	}

	if swept := w.registry.Sweep(now); swept > 0 {
		slog.Debug("swept expired findings", "count", swept)
	}
	return nil
}

func (w *Worker) scanMerchant(ctx context.Context, merchantID string, now time.Time) error {
	cfg, err := w.configs.Snapshot(ctx, merchantID)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	w.ensureSync(ctx, merchantID)

	// Keep the signal engine current with the merchant's configuration.
	if err := w.detector.LoadSignals(merchantID, cfg.Signals); err != nil {
		slog.Warn("failed to load custom signals", "merchant_id", merchantID, "error", err)
	}

	txs, err := w.repo.ListTransactions(ctx, merchantID, now.Add(-w.cfg.SampleWindow), now)
	if err != nil {
		return fmt.Errorf("failed to sample transactions: %w", err)
	}
	receipts, err := w.repo.ListReceipts(ctx, merchantID, w.cfg.ReceiptSample)
	if err != nil {
		return fmt.Errorf("failed to sample receipts: %w", err)
	}

	findings := w.detector.Scan(merchantID, txs, receipts, cfg.Location(), now)
	for _, f := range findings {
		if !w.registry.Put(f) {
			continue // refreshed an existing finding for the same subject
		}

		if err := w.repo.SaveFinding(ctx, f); err != nil {
			slog.Error("failed to persist finding", "finding_id", f.ID, "error", err)
		}
		w.publishFinding(ctx, f)
		slog.Info("anomaly finding raised",
			"merchant_id", merchantID,
			"finding_id", f.ID,
			"type", f.Type,
			"customer_id", f.CustomerID,
			"device_id", f.DeviceID,
		)
	}
	return nil
}

// warmRegistry loads every merchant's persisted active findings so the
// admission path blocks correctly right after a restart.
func (w *Worker) warmRegistry(ctx context.Context) error {
	now := w.Clock()

	merchants, err := w.repo.ListMerchantIDs(ctx)
	if err != nil {
		return err
	}

	loaded := 0
	for _, merchantID := range merchants {
		findings, err := w.repo.ListActiveFindings(ctx, merchantID, now)
		if err != nil {
			return err
		}
		for _, f := range findings {
			w.registry.Put(f)
			loaded++
		}
		w.ensureSync(ctx, merchantID)
	}

	if loaded > 0 {
		slog.Info("findings registry warmed", "findings", loaded)
	}
	return nil
}

// ensureSync subscribes to the merchant's finding topics so registries
// on other nodes converge through the bus.
func (w *Worker) ensureSync(ctx context.Context, merchantID string) {
	if w.bus == nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.subs[merchantID]; ok {
		return
	}

	raised, err := w.bus.Subscribe(ctx, merchantID, domain.TopicFindingRaised, w.onFindingRaised)
	if err != nil {
		slog.Warn("failed to subscribe to finding topic", "merchant_id", merchantID, "error", err)
		return
	}
	cleared, err := w.bus.Subscribe(ctx, merchantID, domain.TopicFindingCleared, w.onFindingCleared)
	if err != nil {
		slog.Warn("failed to subscribe to clear topic", "merchant_id", merchantID, "error", err)
		raised.Unsubscribe()
		return
	}
	w.subs[merchantID] = []domain.Subscription{raised, cleared}
}

func (w *Worker) onFindingRaised(ctx context.Context, msg *domain.Message) error {
	var f domain.AnomalyFinding
	if err := json.Unmarshal(msg.Payload, &f); err != nil {
		return fmt.Errorf("malformed finding payload: %w", err)
	}
	w.registry.Put(&f)
	return nil
}

func (w *Worker) onFindingCleared(ctx context.Context, msg *domain.Message) error {
	w.registry.Remove(msg.MerchantID, string(msg.Payload))
	return nil
}

func (w *Worker) publishFinding(ctx context.Context, f *domain.AnomalyFinding) {
	if w.bus == nil {
		return
	}
	payload, err := json.Marshal(f)
	if err != nil {
		return
	}
	if err := w.bus.Publish(ctx, f.MerchantID, domain.TopicFindingRaised, payload); err != nil {
		slog.Warn("failed to publish finding", "finding_id", f.ID, "error", err)
	}
}

func (w *Worker) unsubscribeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, subs := range w.subs {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}
	w.subs = make(map[string][]domain.Subscription)
}
