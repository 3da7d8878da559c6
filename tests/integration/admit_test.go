//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Talon admission
// engine.
//
// These tests verify the COMPLETE admission pipeline:
//
//	Transaction → Rule Resolution → Velocity/Caps → Block Factors → Decision
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
// 1. TRANSACTION: One loyalty operation (EARN, REDEEM or REFUND) arriving
//    from a point-of-sale channel (VIRTUAL, PC_POS, SMART).
//
// 2. RULE: A rate override. First matching rule wins; its effect is merged
//    onto the merchant's baseline earn/redeem rates.
//
// 3. LIMIT: Per-scope velocity windows and daily/weekly caps. Scopes are
//    checked in order: customer, staff, device, merchant.
//
// 4. BLOCK FACTOR: An anomaly finding type the merchant has promoted to an
//    automatic hard block.
//
// 5. DECISION: ALLOW, DENY (retryable), SOFT_FLAG (review) or HARD_BLOCK
//    (operator action required).
//
// The tests expect a clean server; each test uses its own merchant ID so
// counters and configuration never collide.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("TALON_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{BaseURL: baseURL}
}

// AdmitRequest is the transaction sent to POST /admit
type AdmitRequest struct {
	Type          string `json:"type"`
	Channel       string `json:"channel"`
	EligibleTotal int64  `json:"eligibleTotal"`
	Category      string `json:"category,omitempty"`
	CustomerID    string `json:"customerId,omitempty"`
	StaffID       string `json:"staffId,omitempty"`
	DeviceID      string `json:"deviceId,omitempty"`
	OutletID      string `json:"outletId,omitempty"`
}

// AdmitResponse is what POST /admit returns
type AdmitResponse struct {
	DecisionID    string `json:"decisionId"`
	TxID          string `json:"txId"`
	Outcome       string `json:"outcome"`
	Reason        string `json:"reason"`
	Scope         string `json:"scope"`
	RetryAfterSec int    `json:"retryAfterSec"`
	Rates         struct {
		EarnBps        uint16 `json:"earnBps"`
		RedeemLimitBps uint16 `json:"redeemLimitBps"`
	} `json:"rates"`
	Metadata struct {
		TraceID       string `json:"traceId"`
		TotalMs       int64  `json:"totalMs"`
		EngineVersion string `json:"engineVersion"`
	} `json:"metadata"`
}

func call(t *testing.T, config TestConfig, method, path, merchantID string, payload any, out any) int {
	t.Helper()

	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("failed to encode payload: %v", err)
		}
	}

	req, err := http.NewRequest(method, config.BaseURL+path, &body)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if merchantID != "" {
		req.Header.Set("X-Merchant-ID", merchantID)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func admit(t *testing.T, config TestConfig, merchantID string, req AdmitRequest) (int, AdmitResponse) {
	t.Helper()
	var resp AdmitResponse
	status := call(t, config, http.MethodPost, "/admit", merchantID, req, &resp)
	return status, resp
}

func uniqueMerchant(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestHealthCheck(t *testing.T) {
	config := getTestConfig()

	var health map[string]string
	status := call(t, config, http.MethodGet, "/health", "", nil, &health)
	if status != http.StatusOK {
		t.Fatalf("health check failed: %d", status)
	}
	if health["status"] != "healthy" {
		t.Errorf("expected healthy, got %s", health["status"])
	}
}

func TestAdmitBaselineAllow(t *testing.T) {
	config := getTestConfig()
	merchantID := uniqueMerchant("it-allow")

	status, resp := admit(t, config, merchantID, AdmitRequest{
		Type:          "EARN",
		Channel:       "PC_POS",
		EligibleTotal: 1000,
		CustomerID:    "c-1",
	})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if resp.Outcome != "ALLOW" {
		t.Errorf("expected ALLOW, got %s", resp.Outcome)
	}
	if resp.TxID == "" {
		t.Error("expected committed transaction ID")
	}
	if resp.Metadata.EngineVersion == "" {
		t.Error("expected engine version in metadata")
	}
}

func TestVelocityDenyAndReset(t *testing.T) {
	config := getTestConfig()
	merchantID := uniqueMerchant("it-velocity")

	status := call(t, config, http.MethodPut, "/config/limits", merchantID, map[string]any{
		"customer": map[string]any{"limit": 2, "windowSec": 3600},
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("failed to configure limits: %d", status)
	}

	req := AdmitRequest{Type: "EARN", Channel: "PC_POS", EligibleTotal: 500, CustomerID: "c-1"}
	for i := 0; i < 2; i++ {
		if status, _ := admit(t, config, merchantID, req); status != http.StatusOK {
			t.Fatalf("admit %d should pass, got %d", i, status)
		}
	}

	status, resp := admit(t, config, merchantID, req)
	if status != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", status)
	}
	if resp.Reason != "RATE_LIMIT" || resp.Scope != "customer" {
		t.Errorf("unexpected breach: %s/%s", resp.Reason, resp.Scope)
	}
	if resp.RetryAfterSec < 1 {
		t.Errorf("expected positive retryAfterSec, got %d", resp.RetryAfterSec)
	}

	status = call(t, config, http.MethodPost, "/limits/reset", merchantID, map[string]string{
		"scope": "customer", "scopeId": "c-1",
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("reset failed: %d", status)
	}

	if status, _ := admit(t, config, merchantID, req); status != http.StatusOK {
		t.Errorf("expected 200 after reset, got %d", status)
	}
}

func TestRuleOverridesBaseline(t *testing.T) {
	config := getTestConfig()
	merchantID := uniqueMerchant("it-rules")

	status := call(t, config, http.MethodPut, "/config/rules", merchantID,
		json.RawMessage(`[{"if":{"channelIn":["SMART"]},"then":{"earnBps":1500}}]`), nil)
	if status != http.StatusOK {
		t.Fatalf("failed to configure rules: %d", status)
	}

	_, smart := admit(t, config, merchantID, AdmitRequest{
		Type: "EARN", Channel: "SMART", EligibleTotal: 1000, CustomerID: "c-1",
	})
	if smart.Rates.EarnBps != 1500 {
		t.Errorf("expected rule rate 1500, got %d", smart.Rates.EarnBps)
	}

	_, pos := admit(t, config, merchantID, AdmitRequest{
		Type: "EARN", Channel: "PC_POS", EligibleTotal: 1000, CustomerID: "c-2",
	})
	if pos.Rates.EarnBps == 1500 {
		t.Error("rule must not match PC_POS traffic")
	}
}

func TestPreviewIsSideEffectFree(t *testing.T) {
	config := getTestConfig()
	merchantID := uniqueMerchant("it-preview")

	status := call(t, config, http.MethodPut, "/config/limits", merchantID, map[string]any{
		"customer": map[string]any{"limit": 1, "windowSec": 3600},
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("failed to configure limits: %d", status)
	}

	req := AdmitRequest{Type: "EARN", Channel: "PC_POS", EligibleTotal: 500, CustomerID: "c-1"}
	for i := 0; i < 5; i++ {
		if status := call(t, config, http.MethodPost, "/preview", merchantID, req, nil); status != http.StatusOK {
			t.Fatalf("preview %d failed: %d", i, status)
		}
	}

	if status, _ := admit(t, config, merchantID, req); status != http.StatusOK {
		t.Error("previews must not consume the velocity budget")
	}
}

func TestConfigValidationRejected(t *testing.T) {
	config := getTestConfig()
	merchantID := uniqueMerchant("it-config")

	status := call(t, config, http.MethodPut, "/config/limits", merchantID,
		json.RawMessage(`{"customer":{"limit":5}}`), nil)
	if status != http.StatusBadRequest {
		t.Errorf("limit without window must be rejected, got %d", status)
	}

	status = call(t, config, http.MethodPut, "/config/signals", merchantID,
		json.RawMessage(`[{"name":"BAD","expression":"amount >"}]`), nil)
	if status != http.StatusBadRequest {
		t.Errorf("malformed signal must be rejected, got %d", status)
	}
}
