package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/loyalty-foundry/talon/internal/anomaly"
	"github.com/loyalty-foundry/talon/internal/configstore"
	"github.com/loyalty-foundry/talon/internal/domain"
	"github.com/loyalty-foundry/talon/internal/limiter"
	"github.com/loyalty-foundry/talon/internal/repository"
	"github.com/loyalty-foundry/talon/internal/rules"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	configs  *configstore.Store
	admitter *limiter.Service
	store    *limiter.Store
	registry *anomaly.Registry
	signals  *anomaly.SignalEngine
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, configs *configstore.Store, admitter *limiter.Service, store *limiter.Store, registry *anomaly.Registry, signals *anomaly.SignalEngine, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		configs:  configs,
		admitter: admitter,
		store:    store,
		registry: registry,
		signals:  signals,
		version:  version,
	}
}

// AdmitRequest is the request body for POST /admit and POST /preview.
// Weekday (0=Sun..6=Sat) is derived from the clock when omitted; the
// rule-editor preview sends it explicitly.
type AdmitRequest struct {
	Type          string `json:"type"`
	Channel       string `json:"channel"`
	EligibleTotal int64  `json:"eligibleTotal"`
	Weekday       *int   `json:"weekday,omitempty"`
	Category      string `json:"category,omitempty"`
	CustomerID    string `json:"customerId,omitempty"`
	StaffID       string `json:"staffId,omitempty"`
	DeviceID      string `json:"deviceId,omitempty"`
	OutletID      string `json:"outletId,omitempty"`
	Explain       bool   `json:"explain,omitempty"`
}

// AdmitResponse is the response for POST /admit.
type AdmitResponse struct {
	DecisionID    string                  `json:"decisionId"`
	TxID          string                  `json:"txId,omitempty"`
	Outcome       domain.Outcome          `json:"outcome"`
	Reason        domain.Reason           `json:"reason"`
	Scope         domain.ScopeType        `json:"scope,omitempty"`
	RetryAfterSec int                     `json:"retryAfterSec,omitempty"`
	Breaches      []domain.ScopeBreach    `json:"breaches,omitempty"`
	Rates         domain.Rates            `json:"rates"`
	Message       string                  `json:"message,omitempty"`
	Metadata      domain.DecisionMetadata `json:"metadata"`
}

// Admit handles POST /admit: resolve effective rates, run the velocity
// and block-factor checks, commit the transaction on allow.
func (h *Handler) Admit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	merchantID := GetMerchantID(ctx)
	traceID := GetTraceID(ctx)
	tc, explain, ok := h.parseTransaction(w, r, merchantID)
	if !ok {
		return
	}
	explain = explain || r.URL.Query().Get("explain") == "true"

	cfg, err := h.configs.Snapshot(ctx, merchantID)
	if err != nil {
		slog.Error("config snapshot failed", "merchant_id", merchantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "configuration unavailable",
		})
		return
	}

	resolveStart := time.Now()
	rates, err := rules.Resolve(cfg.Rules, cfg.Baseline, tc)
	if err != nil {
		// Clamped but reported: log the misconfiguration, keep serving.
		slog.Warn("rate resolution clamped", "merchant_id", merchantID, "error", err)
	}
	resolveMs := time.Since(resolveStart).Milliseconds()

	dec := h.admitter.Admit(ctx, cfg, tc, explain)
	dec.Rates = rates
	dec.Metadata.TraceID = traceID
	dec.Metadata.ResolveMs = resolveMs
	dec.Metadata.TotalMs = time.Since(start).Milliseconds()

	resp := AdmitResponse{
		DecisionID:    dec.ID,
		Outcome:       dec.Outcome,
		Reason:        dec.Reason,
		Scope:         dec.TriggeredScope,
		RetryAfterSec: dec.RetryAfterSec,
		Breaches:      dec.Breaches,
		Rates:         rates,
		Metadata:      dec.Metadata,
	}

	status := http.StatusOK
	switch dec.Outcome {
	case domain.OutcomeAllow:
		resp.TxID = h.commitTransaction(ctx, tc, rates)
	case domain.OutcomeDeny:
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfterSec))
	case domain.OutcomeSoftFlag:
		status = http.StatusAccepted
		resp.Message = "transaction held for review"
	case domain.OutcomeHardBlock:
		// The triggering factor stays internal; the caller gets a
		// generic refusal.
		status = http.StatusForbidden
		resp.Message = "transaction blocked, contact support"
	}

	h.publishDecision(ctx, merchantID, dec)
	writeJSON(w, status, resp)
}

// Preview handles POST /preview: rate resolution only, no counters
// touched, no transaction recorded. The interactive rule editor calls
// this with the exact resolver the live path uses.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	merchantID := GetMerchantID(ctx)

	tc, _, ok := h.parseTransaction(w, r, merchantID)
	if !ok {
		return
	}

	cfg, err := h.configs.Snapshot(ctx, merchantID)
	if err != nil {
		slog.Error("config snapshot failed", "merchant_id", merchantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "configuration unavailable",
		})
		return
	}

	rates, err := rules.Resolve(cfg.Rules, cfg.Baseline, tc)
	resp := map[string]any{
		"rates": rates,
	}
	if err != nil {
		resp["warning"] = "configured rate was out of range and has been clamped"
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseTransaction decodes and validates the shared admit/preview body.
func (h *Handler) parseTransaction(w http.ResponseWriter, r *http.Request, merchantID string) (*domain.TransactionContext, bool, bool) {
	var req AdmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return nil, false, false
	}

	var evType domain.EventType
	switch domain.EventType(req.Type) {
	case domain.EventEarn, domain.EventRedeem, domain.EventRefund:
		evType = domain.EventType(req.Type)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "type must be EARN, REDEEM or REFUND",
		})
		return nil, false, false
	}

	channel, ok := domain.ParseChannel(req.Channel)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "channel must be VIRTUAL, PC_POS or SMART",
		})
		return nil, false, false
	}

	if req.EligibleTotal < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "eligibleTotal must not be negative",
		})
		return nil, false, false
	}

	now := time.Now().UTC()
	weekday := int(now.Weekday())
	if req.Weekday != nil {
		if *req.Weekday < 0 || *req.Weekday > 6 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "weekday must be in [0,6]",
			})
			return nil, false, false
		}
		weekday = *req.Weekday
	}

	return &domain.TransactionContext{
		MerchantID:    merchantID,
		Type:          evType,
		Channel:       channel,
		Weekday:       weekday,
		EligibleTotal: req.EligibleTotal,
		Category:      req.Category,
		CustomerID:    req.CustomerID,
		StaffID:       req.StaffID,
		DeviceID:      req.DeviceID,
		OutletID:      req.OutletID,
		OccurredAt:    now,
	}, req.Explain, true
}

// commitTransaction writes the admitted transaction to the ledger,
// detached from the request so an abandoned caller still commits.
func (h *Handler) commitTransaction(ctx context.Context, tc *domain.TransactionContext, rates domain.Rates) string {
	amount := tc.EligibleTotal
	if tc.Type == domain.EventRedeem {
		amount = -amount
	}

	tx := &domain.Transaction{
		ID:         uuid.New().String(),
		MerchantID: tc.MerchantID,
		Type:       tc.Type,
		Channel:    tc.Channel,
		Amount:     amount,
		Category:   tc.Category,
		CustomerID: tc.CustomerID,
		StaffID:    tc.StaffID,
		DeviceID:   tc.DeviceID,
		OutletID:   tc.OutletID,
		CreatedAt:  tc.OccurredAt,
	}

	go func(ctx context.Context) {
		if err := h.repo.SaveTransaction(ctx, tx); err != nil {
			slog.Error("failed to save transaction", "tx_id", tx.ID, "error", err)
		}
	}(context.WithoutCancel(ctx))

	return tx.ID
}

func (h *Handler) publishDecision(ctx context.Context, merchantID string, dec *domain.AdmissionDecision) {
	if h.bus == nil {
		return
	}
	payload, err := json.Marshal(dec)
	if err != nil {
		return
	}
	go func(ctx context.Context) {
		if err := h.bus.Publish(ctx, merchantID, domain.TopicDecision, payload); err != nil {
			slog.Warn("failed to publish decision", "decision_id", dec.ID, "error", err)
		}
	}(context.WithoutCancel(ctx))
}

// ReceiptRequest is the request body for POST /receipts.
type ReceiptRequest struct {
	OutletID string `json:"outletId,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
	Total    int64  `json:"total"`
	Refunded bool   `json:"refunded"`
}

// IngestReceipt handles POST /receipts: receipt rows feed the
// refund-rate heuristic.
func (h *Handler) IngestReceipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	merchantID := GetMerchantID(ctx)

	var req ReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Total < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "total must not be negative",
		})
		return
	}

	rc := &domain.Receipt{
		ID:         uuid.New().String(),
		MerchantID: merchantID,
		OutletID:   req.OutletID,
		DeviceID:   req.DeviceID,
		Total:      req.Total,
		Refunded:   req.Refunded,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.repo.SaveReceipt(ctx, rc); err != nil {
		slog.Error("failed to save receipt", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save receipt",
		})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": rc.ID})
}

// configDocument names one of the per-merchant configuration documents.
type configDocument struct {
	read  func(rec *domain.MerchantConfigRecord) json.RawMessage
	write func(rec *domain.MerchantConfigRecord, raw []byte)
	empty string
}

var configDocuments = map[string]configDocument{
	"rules": {
		read:  func(rec *domain.MerchantConfigRecord) json.RawMessage { return rec.RulesJSON },
		write: func(rec *domain.MerchantConfigRecord, raw []byte) { rec.RulesJSON = raw },
		empty: "[]",
	},
	"limits": {
		read:  func(rec *domain.MerchantConfigRecord) json.RawMessage { return rec.LimitsJSON },
		write: func(rec *domain.MerchantConfigRecord, raw []byte) { rec.LimitsJSON = raw },
		empty: "{}",
	},
	"block-factors": {
		read:  func(rec *domain.MerchantConfigRecord) json.RawMessage { return rec.FactorsJSON },
		write: func(rec *domain.MerchantConfigRecord, raw []byte) { rec.FactorsJSON = raw },
		empty: "{}",
	},
	"signals": {
		read:  func(rec *domain.MerchantConfigRecord) json.RawMessage { return rec.SignalsJSON },
		write: func(rec *domain.MerchantConfigRecord, raw []byte) { rec.SignalsJSON = raw },
		empty: "[]",
	},
}

// GetConfigDocument handles GET /config/{document}.
func (h *Handler) GetConfigDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	merchantID := GetMerchantID(ctx)
	name := chi.URLParam(r, "document")

	doc, ok := configDocuments[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "unknown configuration document",
		})
		return
	}

	rec, err := h.loadOrDefaultRecord(ctx, merchantID)
	if err != nil {
		slog.Error("failed to load merchant config", "merchant_id", merchantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load configuration",
		})
		return
	}

	raw := doc.read(rec)
	if len(raw) == 0 {
		raw = json.RawMessage(doc.empty)
	}
	writeJSON(w, http.StatusOK, map[string]json.RawMessage{name: raw})
}

// PutConfigDocument handles PUT /config/{document}: the body replaces
// the named document wholesale after validation.
func (h *Handler) PutConfigDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	merchantID := GetMerchantID(ctx)
	name := chi.URLParam(r, "document")

	doc, ok := configDocuments[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "unknown configuration document",
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
		return
	}

	rec, err := h.loadOrDefaultRecord(ctx, merchantID)
	if err != nil {
		slog.Error("failed to load merchant config", "merchant_id", merchantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load configuration",
		})
		return
	}
	doc.write(rec, body)

	// Signals get the extra compile check the JSON schema cannot express.
	if name == "signals" && h.signals != nil {
		var sigs []domain.CustomSignal
		if err := json.Unmarshal(body, &sigs); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid signals document",
			})
			return
		}
		for _, sig := range sigs {
			if err := h.signals.Validate(sig); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{
					"error": err.Error(),
				})
				return
			}
		}
	}

	if err := h.configs.Save(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrConfiguration) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		slog.Error("failed to save merchant config", "merchant_id", merchantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save configuration",
		})
		return
	}

	// Hot-load updated signals so the next scan uses them.
	if name == "signals" && h.signals != nil {
		var sigs []domain.CustomSignal
		_ = json.Unmarshal(body, &sigs)
		if err := h.signals.Load(merchantID, sigs); err != nil {
			slog.Error("failed to load signals", "merchant_id", merchantID, "error", err)
		}
	}

	slog.Info("merchant config updated", "merchant_id", merchantID, "document", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// BaselineRequest is the request body for PUT /config/baseline.
type BaselineRequest struct {
	EarnBps        int    `json:"earnBps"`
	RedeemLimitBps int    `json:"redeemLimitBps"`
	Timezone       string `json:"timezone,omitempty"`
}

// PutBaseline handles PUT /config/baseline.
func (h *Handler) PutBaseline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	merchantID := GetMerchantID(ctx)

	var req BaselineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	rec, err := h.loadOrDefaultRecord(ctx, merchantID)
	if err != nil {
		slog.Error("failed to load merchant config", "merchant_id", merchantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load configuration",
		})
		return
	}
	rec.EarnBps = req.EarnBps
	rec.RedeemLimitBps = req.RedeemLimitBps
	rec.Timezone = req.Timezone

	if err := h.configs.Save(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrConfiguration) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		slog.Error("failed to save merchant config", "merchant_id", merchantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save configuration",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handler) loadOrDefaultRecord(ctx context.Context, merchantID string) (*domain.MerchantConfigRecord, error) {
	rec, err := h.repo.GetMerchantConfig(ctx, merchantID)
	if errors.Is(err, repository.ErrNotFound) {
		baseline := domain.DefaultBaseline()
		return &domain.MerchantConfigRecord{
			MerchantID:     merchantID,
			EarnBps:        int(baseline.EarnBps),
			RedeemLimitBps: int(baseline.RedeemLimitBps),
		}, nil
	}
	return rec, err
}

// ResetRequest is the request body for POST /limits/reset.
type ResetRequest struct {
	Scope   string `json:"scope"`
	ScopeID string `json:"scopeId,omitempty"`
}

// ResetLimits handles POST /limits/reset: voids counters for a scope,
// or for one key of it when scopeId is given.
func (h *Handler) ResetLimits(w http.ResponseWriter, r *http.Request) {
	merchantID := GetMerchantID(r.Context())

	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	scope := domain.ScopeType(req.Scope)
	switch scope {
	case domain.ScopeCustomer, domain.ScopeStaff, domain.ScopeDevice, domain.ScopeMerchant:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "scope must be customer, staff, device or merchant",
		})
		return
	}

	n := h.store.ResetScope(merchantID, scope, req.ScopeID, time.Now().UTC())
	slog.Info("scope counters reset",
		"merchant_id", merchantID,
		"scope", scope,
		"scope_id", req.ScopeID,
		"keys", n,
	)
	writeJSON(w, http.StatusOK, map[string]any{"reset": n})
}

// ListFindings handles GET /findings.
func (h *Handler) ListFindings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	merchantID := GetMerchantID(ctx)

	findings, err := h.repo.ListActiveFindings(ctx, merchantID, time.Now().UTC())
	if err != nil {
		slog.Error("failed to list findings", "merchant_id", merchantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list findings",
		})
		return
	}
	if findings == nil {
		findings = []*domain.AnomalyFinding{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"findings": findings})
}

// ClearFinding handles DELETE /findings/{id}: the operator path out of a
// hard block.
func (h *Handler) ClearFinding(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	merchantID := GetMerchantID(ctx)
	findingID := chi.URLParam(r, "id")

	if err := h.repo.DeleteFinding(ctx, merchantID, findingID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "finding not found",
			})
			return
		}
		slog.Error("failed to delete finding", "finding_id", findingID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to delete finding",
		})
		return
	}

	h.registry.Remove(merchantID, findingID)
	if h.bus != nil {
		if err := h.bus.Publish(ctx, merchantID, domain.TopicFindingCleared, []byte(findingID)); err != nil {
			slog.Warn("failed to publish finding clear", "finding_id", findingID, "error", err)
		}
	}

	slog.Info("finding cleared", "merchant_id", merchantID, "finding_id", findingID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
