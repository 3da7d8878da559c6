package anomaly

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/loyalty-foundry/talon/internal/domain"
)

func testDetector(t *testing.T) *Detector {
	t.Helper()
	return NewDetector(domain.DefaultDetectorConfig(), nil)
}

func tx(customerID string, typ domain.EventType, amount int64, at time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:         uuid.New().String(),
		MerchantID: "m-001",
		Type:       typ,
		Channel:    domain.ChannelSmart,
		Amount:     amount,
		CustomerID: customerID,
		DeviceID:   "d-1",
		OutletID:   "o-1",
		CreatedAt:  at,
	}
}

func findingsOfType(fs []*domain.AnomalyFinding, typ string) []*domain.AnomalyFinding {
	var out []*domain.AnomalyFinding
	for _, f := range fs {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func TestDetectRapidTransactions(t *testing.T) {
	d := testDetector(t)
	base := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	// Six within one hour: strictly above the threshold of five.
	var txs []*domain.Transaction
	for i := 0; i < 6; i++ {
		txs = append(txs, tx("c-1", domain.EventEarn, 100, base.Add(time.Duration(i*8)*time.Minute)))
	}

	fs := d.Scan("m-001", txs, nil, time.UTC, base.Add(time.Hour))
	rapid := findingsOfType(fs, domain.FindingRapidTransactions)
	if len(rapid) != 1 {
		t.Fatalf("expected 1 rapid finding, got %d", len(rapid))
	}
	if rapid[0].CustomerID != "c-1" {
		t.Errorf("expected customer c-1, got %q", rapid[0].CustomerID)
	}
}

func TestDetectRapidExactlyThresholdIsFine(t *testing.T) {
	d := testDetector(t)
	base := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	var txs []*domain.Transaction
	for i := 0; i < 5; i++ {
		txs = append(txs, tx("c-1", domain.EventEarn, 100, base.Add(time.Duration(i*8)*time.Minute)))
	}

	fs := d.Scan("m-001", txs, nil, time.UTC, base.Add(time.Hour))
	if got := findingsOfType(fs, domain.FindingRapidTransactions); len(got) != 0 {
		t.Errorf("five in an hour is at the threshold, not above: %d findings", len(got))
	}
}

func TestDetectRapidSpreadOutIsFine(t *testing.T) {
	d := testDetector(t)
	base := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)

	// Six spread over six hours: never more than a couple per hour.
	var txs []*domain.Transaction
	for i := 0; i < 6; i++ {
		txs = append(txs, tx("c-1", domain.EventEarn, 100, base.Add(time.Duration(i)*time.Hour)))
	}

	fs := d.Scan("m-001", txs, nil, time.UTC, base.Add(7*time.Hour))
	if got := findingsOfType(fs, domain.FindingRapidTransactions); len(got) != 0 {
		t.Errorf("spread-out activity must not trip the burst heuristic: %d findings", len(got))
	}
}

func TestDetectLargeTransaction(t *testing.T) {
	d := testDetector(t)
	at := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	txs := []*domain.Transaction{
		tx("c-1", domain.EventEarn, 9999, at),
		tx("c-2", domain.EventEarn, 10000, at),
		tx("c-3", domain.EventRedeem, -12000, at), // magnitude counts
	}

	fs := d.Scan("m-001", txs, nil, time.UTC, at)
	large := findingsOfType(fs, domain.FindingLargeTransaction)
	if len(large) != 2 {
		t.Fatalf("expected 2 large-transaction findings, got %d", len(large))
	}
	for _, f := range large {
		if f.CustomerID == "c-1" {
			t.Error("amount below threshold must not flag")
		}
	}
}

func TestDetectEarnRedeemPattern(t *testing.T) {
	d := testDetector(t)
	at := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	txs := []*domain.Transaction{
		tx("c-1", domain.EventEarn, 1000, at),
		tx("c-1", domain.EventRedeem, -950, at.Add(time.Minute)),
		// Healthy customer: redeems a quarter of earns.
		tx("c-2", domain.EventEarn, 1000, at),
		tx("c-2", domain.EventRedeem, -250, at.Add(time.Minute)),
		// Split redemptions: 95% in total but never in one adjacent pair.
		tx("c-3", domain.EventEarn, 1000, at),
		tx("c-3", domain.EventRedeem, -500, at.Add(time.Minute)),
		tx("c-3", domain.EventRedeem, -450, at.Add(2*time.Minute)),
	}

	fs := d.Scan("m-001", txs, nil, time.UTC, at.Add(time.Hour))
	pattern := findingsOfType(fs, domain.FindingEarnRedeemPattern)
	if len(pattern) != 1 {
		t.Fatalf("expected 1 earn-redeem finding, got %d", len(pattern))
	}
	if pattern[0].CustomerID != "c-1" {
		t.Errorf("expected customer c-1 flagged, got %q", pattern[0].CustomerID)
	}
}

func TestDetectNightActivityUsesMerchantLocalTime(t *testing.T) {
	d := testDetector(t)
	loc, err := time.LoadLocation("Asia/Tehran")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}

	// 02:30 local, which is late evening UTC.
	local := time.Date(2026, 3, 4, 2, 30, 0, 0, loc)
	txs := []*domain.Transaction{tx("c-1", domain.EventEarn, 100, local)}

	fs := d.Scan("m-001", txs, nil, loc, local.Add(time.Hour))
	night := findingsOfType(fs, domain.FindingNightActivity)
	if len(night) != 1 {
		t.Fatalf("expected night-activity finding at 02:30 local, got %d", len(night))
	}
	if night[0].OutletID != "o-1" || night[0].DeviceID != "d-1" {
		t.Errorf("night activity aggregates per outlet and device, got %+v", night[0])
	}

	// The same instant interpreted in UTC is outside the night band.
	fs = d.Scan("m-001", txs, nil, time.UTC, local.Add(time.Hour))
	if got := findingsOfType(fs, domain.FindingNightActivity); len(got) != 0 {
		t.Errorf("daytime UTC must not flag, got %d findings", len(got))
	}
}

func TestDetectHighRefundRate(t *testing.T) {
	d := testDetector(t)
	at := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	var receipts []*domain.Receipt
	for i := 0; i < 20; i++ {
		receipts = append(receipts, &domain.Receipt{
			ID:         uuid.New().String(),
			MerchantID: "m-001",
			OutletID:   "o-1",
			DeviceID:   "d-1",
			Total:      500,
			Refunded:   i < 3, // 15% > 10%
			CreatedAt:  at,
		})
	}
	for i := 0; i < 20; i++ {
		receipts = append(receipts, &domain.Receipt{
			ID:         uuid.New().String(),
			MerchantID: "m-001",
			OutletID:   "o-2",
			DeviceID:   "d-2",
			Total:      500,
			Refunded:   i < 1, // 5%
			CreatedAt:  at,
		})
	}

	fs := d.Scan("m-001", nil, receipts, time.UTC, at)
	refund := findingsOfType(fs, domain.FindingHighRefundRate)
	if len(refund) != 1 {
		t.Fatalf("expected 1 refund-rate finding, got %d", len(refund))
	}
	if refund[0].OutletID != "o-1" || refund[0].DeviceID != "d-1" {
		t.Errorf("wrong subject flagged: %+v", refund[0])
	}
}

func TestDetectFindingExpiry(t *testing.T) {
	d := testDetector(t)
	at := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	txs := []*domain.Transaction{tx("c-1", domain.EventEarn, 50000, at)}
	fs := d.Scan("m-001", txs, nil, time.UTC, at)
	if len(fs) == 0 {
		t.Fatal("expected a finding")
	}

	f := fs[0]
	if !f.Active(at.Add(6 * 24 * time.Hour)) {
		t.Error("finding must be active inside the TTL")
	}
	if f.Active(at.Add(8 * 24 * time.Hour)) {
		t.Error("finding must expire after the TTL")
	}
}

func TestDetectCustomSignal(t *testing.T) {
	engine, err := NewSignalEngine()
	if err != nil {
		t.Fatalf("signal engine: %v", err)
	}
	err = engine.Load("m-001", []domain.CustomSignal{
		{Name: "BIG_VIRTUAL", Expression: `channel == "VIRTUAL" && amount > 5000.0`},
	})
	if err != nil {
		t.Fatalf("load signals: %v", err)
	}

	d := NewDetector(domain.DefaultDetectorConfig(), engine)
	at := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	hit := tx("c-1", domain.EventEarn, 6000, at)
	hit.Channel = domain.ChannelVirtual
	miss := tx("c-2", domain.EventEarn, 6000, at) // SMART channel

	fs := d.Scan("m-001", []*domain.Transaction{hit, miss}, nil, time.UTC, at)
	custom := findingsOfType(fs, "BIG_VIRTUAL")
	if len(custom) != 1 {
		t.Fatalf("expected 1 custom finding, got %d", len(custom))
	}
	if custom[0].CustomerID != "c-1" {
		t.Errorf("expected customer c-1, got %q", custom[0].CustomerID)
	}
}
