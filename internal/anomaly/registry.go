package anomaly

import (
	"sync"
	"time"

	"github.com/loyalty-foundry/talon/internal/domain"
)

// Registry is the in-memory set of active findings the limiter consults
// on the admission hot path. The worker keeps it in sync with storage and
// with findings raised by peer nodes over the event bus.
type Registry struct {
	mu       sync.RWMutex
	findings map[string]map[string]*domain.AnomalyFinding // merchantID -> finding ID
}

// NewRegistry creates an empty finding registry.
func NewRegistry() *Registry {
	return &Registry{findings: make(map[string]map[string]*domain.AnomalyFinding)}
}

// Put inserts a finding. A finding for the same subject and type replaces
// the existing one (refreshed expiry) and reports false; a genuinely new
// finding reports true.
func (r *Registry) Put(f *domain.AnomalyFinding) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	byID := r.findings[f.MerchantID]
	if byID == nil {
		byID = make(map[string]*domain.AnomalyFinding)
		r.findings[f.MerchantID] = byID
	}

	for id, existing := range byID {
		if existing.SameSubject(f) {
			delete(byID, id)
			byID[f.ID] = f
			return false
		}
	}
	byID[f.ID] = f
	return true
}

// Remove drops a finding by ID, typically after an operator clears it.
func (r *Registry) Remove(merchantID, findingID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	byID := r.findings[merchantID]
	if _, ok := byID[findingID]; !ok {
		return false
	}
	delete(byID, findingID)
	return true
}

// Active returns the merchant's unexpired findings.
func (r *Registry) Active(merchantID string, now time.Time) []*domain.AnomalyFinding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.AnomalyFinding
	for _, f := range r.findings[merchantID] {
		if f.Active(now) {
			out = append(out, f)
		}
	}
	return out
}

// ActiveBlock reports whether an active finding of a type in the
// merchant's block-factor set targets the given customer or device.
// Expired findings never block; sweep reaps them separately.
func (r *Registry) ActiveBlock(merchantID string, factors map[string]bool, customerID, deviceID string, now time.Time) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, f := range r.findings[merchantID] {
		if !factors[f.Type] || !f.Active(now) {
			continue
		}
		if matchesSubject(f, customerID, deviceID) {
			return f.Type, true
		}
	}
	return "", false
}

// matchesSubject is true when the finding names the transaction's
// customer or device. A finding with neither set (merchant-wide) matches
// every transaction.
func matchesSubject(f *domain.AnomalyFinding, customerID, deviceID string) bool {
	if f.CustomerID == "" && f.DeviceID == "" {
		return true
	}
	if f.CustomerID != "" && f.CustomerID == customerID {
		return true
	}
	if f.DeviceID != "" && f.DeviceID == deviceID {
		return true
	}
	return false
}

// Sweep drops expired findings and returns how many were removed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for _, byID := range r.findings {
		for id, f := range byID {
			if !f.Active(now) {
				delete(byID, id)
				removed++
			}
		}
	}
	return removed
}
