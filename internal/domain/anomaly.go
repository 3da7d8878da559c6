package domain

import "time"

// Built-in anomaly finding types. A merchant registers any of these (or a
// custom signal name) in its block-factor set to turn the finding into an
// automatic hard block.
const (
	FindingRapidTransactions = "RAPID_TRANSACTIONS"
	FindingLargeTransaction  = "LARGE_TRANSACTION"
	FindingEarnRedeemPattern = "EARN_REDEEM_PATTERN"
	FindingNightActivity     = "NIGHT_ACTIVITY"
	FindingHighRefundRate    = "HIGH_REFUND_RATE"
)

// AnomalyFinding is one named risk factor raised for a subject. The
// limiter only reads findings; lifecycle (expiry, operator clearing) is
// owned by the review tooling.
type AnomalyFinding struct {
	ID         string         `json:"id"`
	MerchantID string         `json:"merchantId"`
	Type       string         `json:"type"`
	CustomerID string         `json:"customerId,omitempty"`
	DeviceID   string         `json:"deviceId,omitempty"`
	OutletID   string         `json:"outletId,omitempty"`
	Evidence   map[string]any `json:"evidence,omitempty"`
	DetectedAt time.Time      `json:"detectedAt"`
	ExpiresAt  time.Time      `json:"expiresAt"`
}

// Active reports whether the finding is still in force at t.
func (f *AnomalyFinding) Active(t time.Time) bool {
	return f.ExpiresAt.After(t)
}

// SameSubject reports whether two findings target the same subject with
// the same type; used to deduplicate repeated scans.
func (f *AnomalyFinding) SameSubject(o *AnomalyFinding) bool {
	return f.Type == o.Type &&
		f.CustomerID == o.CustomerID &&
		f.DeviceID == o.DeviceID &&
		f.OutletID == o.OutletID
}

// CustomSignal is an operator-defined detection expression evaluated per
// ledger transaction. The expression is CEL; it is compiled and validated
// at configuration-save time.
type CustomSignal struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
}
