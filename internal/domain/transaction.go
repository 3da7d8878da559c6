// Package domain defines the core types and interfaces for Talon.
package domain

import (
	"time"
)

// Channel identifies the point-of-sale channel a transaction arrived on.
type Channel string

const (
	ChannelVirtual Channel = "VIRTUAL"
	ChannelPCPOS   Channel = "PC_POS"
	ChannelSmart   Channel = "SMART"
)

// ParseChannel validates a raw channel string.
func ParseChannel(raw string) (Channel, bool) {
	switch Channel(raw) {
	case ChannelVirtual, ChannelPCPOS, ChannelSmart:
		return Channel(raw), true
	}
	return "", false
}

// EventType is the kind of loyalty operation a transaction performs.
type EventType string

const (
	EventEarn   EventType = "EARN"
	EventRedeem EventType = "REDEEM"
	EventRefund EventType = "REFUND"
)

// TransactionContext is the immutable per-request view of a transaction,
// constructed once at the edge and passed through resolution and admission.
// Money amounts are integer minor units.
type TransactionContext struct {
	MerchantID    string    `json:"merchantId"`
	Type          EventType `json:"type"`
	Channel       Channel   `json:"channel"`
	Weekday       int       `json:"weekday"` // 0=Sun .. 6=Sat
	EligibleTotal int64     `json:"eligibleTotal"`
	Category      string    `json:"category,omitempty"`
	CustomerID    string    `json:"customerId,omitempty"`
	StaffID       string    `json:"staffId,omitempty"`
	DeviceID      string    `json:"deviceId,omitempty"`
	OutletID      string    `json:"outletId,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// Transaction is a committed ledger row, the unit the anomaly detector
// samples over.
type Transaction struct {
	ID         string    `json:"id"`
	MerchantID string    `json:"merchantId"`
	Type       EventType `json:"type"`
	Channel    Channel   `json:"channel"`
	Amount     int64     `json:"amount"` // signed minor units; redemptions are negative
	Category   string    `json:"category,omitempty"`
	CustomerID string    `json:"customerId,omitempty"`
	StaffID    string    `json:"staffId,omitempty"`
	DeviceID   string    `json:"deviceId,omitempty"`
	OutletID   string    `json:"outletId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Receipt is a point-of-sale receipt row; the refund-rate heuristic
// samples these per (outlet, device).
type Receipt struct {
	ID         string    `json:"id"`
	MerchantID string    `json:"merchantId"`
	OutletID   string    `json:"outletId,omitempty"`
	DeviceID   string    `json:"deviceId,omitempty"`
	Total      int64     `json:"total"`
	Refunded   bool      `json:"refunded"`
	CreatedAt  time.Time `json:"createdAt"`
}
