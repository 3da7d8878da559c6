package anomaly

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/loyalty-foundry/talon/internal/domain"
)

// Detector runs the built-in heuristics over a merchant's recent ledger
// activity. It is pure over its inputs: callers feed it sampled
// transactions and receipts, it returns findings.
type Detector struct {
	cfg     domain.DetectorConfig
	signals *SignalEngine
}

// NewDetector creates a detector with the given thresholds. signals may
// be nil when custom signals are not configured.
func NewDetector(cfg domain.DetectorConfig, signals *SignalEngine) *Detector {
	return &Detector{cfg: cfg, signals: signals}
}

// Scan evaluates all heuristics and custom signals over the sample and
// returns the findings raised. Timestamps in evidence use the merchant's
// local time.
func (d *Detector) Scan(merchantID string, txs []*domain.Transaction, receipts []*domain.Receipt, loc *time.Location, now time.Time) []*domain.AnomalyFinding {
	var findings []*domain.AnomalyFinding

	byCustomer := groupByCustomer(txs)
	for customerID, sample := range byCustomer {
		findings = append(findings, d.rapid(merchantID, customerID, sample, now)...)
		findings = append(findings, d.earnRedeem(merchantID, customerID, sample, now)...)
	}

	findings = append(findings, d.large(merchantID, txs, now)...)
	findings = append(findings, d.night(merchantID, txs, loc, now)...)
	findings = append(findings, d.refundRate(merchantID, receipts, now)...)
	findings = append(findings, d.custom(merchantID, txs, now)...)

	return findings
}

// LoadSignals replaces the merchant's compiled custom signal set.
func (d *Detector) LoadSignals(merchantID string, signals []domain.CustomSignal) error {
	if d.signals == nil {
		return nil
	}
	return d.signals.Load(merchantID, signals)
}

func (d *Detector) finding(merchantID, typ string, now time.Time) *domain.AnomalyFinding {
	return &domain.AnomalyFinding{
		ID:         uuid.New().String(),
		MerchantID: merchantID,
		Type:       typ,
		DetectedAt: now,
		ExpiresAt:  now.Add(d.cfg.FindingTTL),
	}
}

// rapid flags a customer exceeding the burst threshold inside the rapid
// window anywhere in the sample.
func (d *Detector) rapid(merchantID, customerID string, txs []*domain.Transaction, now time.Time) []*domain.AnomalyFinding {
	if customerID == "" || len(txs) <= d.cfg.RapidThreshold {
		return nil
	}

	times := make([]time.Time, len(txs))
	for i, tx := range txs {
		times[i] = tx.CreatedAt
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	// Slide: count strictly more than threshold inside any rapid window.
	lo := 0
	for hi := range times {
		for times[hi].Sub(times[lo]) > d.cfg.RapidWindow {
			lo++
		}
		if hi-lo+1 > d.cfg.RapidThreshold {
			f := d.finding(merchantID, domain.FindingRapidTransactions, now)
			f.CustomerID = customerID
			f.Evidence = map[string]any{
				"count":     hi - lo + 1,
				"windowSec": int(d.cfg.RapidWindow.Seconds()),
			}
			return []*domain.AnomalyFinding{f}
		}
	}
	return nil
}

// large flags single transactions at or above the amount threshold.
func (d *Detector) large(merchantID string, txs []*domain.Transaction, now time.Time) []*domain.AnomalyFinding {
	var findings []*domain.AnomalyFinding
	seen := make(map[string]bool)

	for _, tx := range txs {
		amount := tx.Amount
		if amount < 0 {
			amount = -amount
		}
		if amount < d.cfg.LargeThreshold {
			continue
		}
		if tx.CustomerID != "" && seen[tx.CustomerID] {
			continue
		}
		seen[tx.CustomerID] = true

		f := d.finding(merchantID, domain.FindingLargeTransaction, now)
		f.CustomerID = tx.CustomerID
		f.DeviceID = tx.DeviceID
		f.Evidence = map[string]any{"amount": amount, "txId": tx.ID}
		findings = append(findings, f)
	}
	return findings
}

// earnRedeem flags an EARN immediately followed by the same customer's
// REDEEM for near the full earned amount, the point-harvesting pattern.
func (d *Detector) earnRedeem(merchantID, customerID string, txs []*domain.Transaction, now time.Time) []*domain.AnomalyFinding {
	if customerID == "" || len(txs) < 2 {
		return nil
	}

	sorted := make([]*domain.Transaction, len(txs))
	copy(sorted, txs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	for i := 0; i < len(sorted)-1; i++ {
		earn, redeem := sorted[i], sorted[i+1]
		if earn.Type != domain.EventEarn || redeem.Type != domain.EventRedeem {
			continue
		}
		if earn.Amount <= 0 {
			continue
		}
		redeemed := -redeem.Amount // redemptions are negative in the ledger
		if float64(redeemed) < d.cfg.RedeemRatio*float64(earn.Amount) {
			continue
		}

		f := d.finding(merchantID, domain.FindingEarnRedeemPattern, now)
		f.CustomerID = customerID
		f.Evidence = map[string]any{
			"earned":   earn.Amount,
			"redeemed": redeemed,
			"earnTxId": earn.ID,
		}
		return []*domain.AnomalyFinding{f}
	}
	return nil
}

// night flags (outlet, device) pairs active in the merchant's local
// [00:00, 06:00) band.
func (d *Detector) night(merchantID string, txs []*domain.Transaction, loc *time.Location, now time.Time) []*domain.AnomalyFinding {
	type pair struct{ outlet, device string }
	counts := make(map[pair]int)

	for _, tx := range txs {
		if h := tx.CreatedAt.In(loc).Hour(); h < 6 {
			counts[pair{tx.OutletID, tx.DeviceID}]++
		}
	}

	var findings []*domain.AnomalyFinding
	for p, count := range counts {
		if count < d.cfg.NightMinCount {
			continue
		}
		f := d.finding(merchantID, domain.FindingNightActivity, now)
		f.OutletID = p.outlet
		f.DeviceID = p.device
		f.Evidence = map[string]any{"count": count}
		findings = append(findings, f)
	}
	return findings
}

// refundRate flags (outlet, device) pairs whose refund share of the
// receipt sample exceeds the configured rate.
func (d *Detector) refundRate(merchantID string, receipts []*domain.Receipt, now time.Time) []*domain.AnomalyFinding {
	type pair struct{ outlet, device string }
	total := make(map[pair]int)
	refunded := make(map[pair]int)

	for _, r := range receipts {
		p := pair{r.OutletID, r.DeviceID}
		total[p]++
		if r.Refunded {
			refunded[p]++
		}
	}

	var findings []*domain.AnomalyFinding
	for p, n := range total {
		if n == 0 {
			continue
		}
		rate := float64(refunded[p]) / float64(n)
		if rate <= d.cfg.RefundRate {
			continue
		}

		f := d.finding(merchantID, domain.FindingHighRefundRate, now)
		f.OutletID = p.outlet
		f.DeviceID = p.device
		f.Evidence = map[string]any{"receipts": n, "refunded": refunded[p], "rate": rate}
		findings = append(findings, f)
	}
	return findings
}

// custom evaluates operator-defined CEL signals per transaction. A fired
// signal raises a finding typed by the signal's name, so merchants can
// register custom names in their block-factor set like built-ins.
func (d *Detector) custom(merchantID string, txs []*domain.Transaction, now time.Time) []*domain.AnomalyFinding {
	if d.signals == nil {
		return nil
	}

	type subject struct{ name, customer, device string }
	seen := make(map[subject]bool)
	var findings []*domain.AnomalyFinding

	for _, tx := range txs {
		for _, name := range d.signals.Evaluate(merchantID, tx) {
			s := subject{name, tx.CustomerID, tx.DeviceID}
			if seen[s] {
				continue
			}
			seen[s] = true

			f := d.finding(merchantID, name, now)
			f.CustomerID = tx.CustomerID
			f.DeviceID = tx.DeviceID
			f.Evidence = map[string]any{"txId": tx.ID, "signal": name}
			findings = append(findings, f)
		}
	}
	return findings
}

func groupByCustomer(txs []*domain.Transaction) map[string][]*domain.Transaction {
	out := make(map[string][]*domain.Transaction)
	for _, tx := range txs {
		if tx.CustomerID == "" {
			continue
		}
		out[tx.CustomerID] = append(out[tx.CustomerID], tx)
	}
	return out
}
