// Load generator for exercising the Talon admission endpoint.
//
// Usage:
//   go run cmd/loadgen/main.go -url http://localhost:8080 -merchant m-001
//
// This tool:
//   1. Generates synthetic EARN/REDEEM traffic across a pool of customers
//   2. Sends each transaction to POST /admit with concurrent workers
//   3. Tallies outcomes (ALLOW/DENY/SOFT_FLAG/HARD_BLOCK)
//   4. Reports throughput and latency percentiles
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// AdmitRequest is the Talon API request format
type AdmitRequest struct {
	Type          string `json:"type"`
	Channel       string `json:"channel"`
	EligibleTotal int64  `json:"eligibleTotal"`
	Category      string `json:"category,omitempty"`
	CustomerID    string `json:"customerId,omitempty"`
	DeviceID      string `json:"deviceId,omitempty"`
	OutletID      string `json:"outletId,omitempty"`
}

// AdmitResponse is the Talon API response format
type AdmitResponse struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason"`
}

// Metrics tracks load test results
type Metrics struct {
	Allowed    atomic.Int64
	Denied     atomic.Int64
	SoftFlags  atomic.Int64
	HardBlocks atomic.Int64
	Errors     atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (m *Metrics) record(d time.Duration) {
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.mu.Unlock()
}

func (m *Metrics) percentile(p float64) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(m.latencies))
	copy(sorted, m.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

var channels = []string{"VIRTUAL", "PC_POS", "SMART"}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Talon base URL")
	merchantID := flag.String("merchant", "loadgen-test", "Merchant ID for requests")
	total := flag.Int("n", 10000, "Total requests to send")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	customers := flag.Int("customers", 100, "Size of the customer pool")
	devices := flag.Int("devices", 10, "Size of the device pool")
	redeemPct := flag.Int("redeem", 20, "Percentage of REDEEM transactions")
	maxAmount := flag.Int64("max-amount", 50000, "Maximum eligibleTotal (minor units)")
	verbose := flag.Bool("verbose", false, "Print each non-allow result")
	flag.Parse()

	fmt.Printf("Talon load generator\n")
	fmt.Printf("  URL:       %s\n", *baseURL)
	fmt.Printf("  Merchant:  %s\n", *merchantID)
	fmt.Printf("  Requests:  %d\n", *total)
	fmt.Printf("  Workers:   %d\n", *workers)
	fmt.Printf("  Customers: %d\n", *customers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Talon not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Talon is running:")
		fmt.Println("  go run cmd/talon/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Talon is healthy")

	metrics := &Metrics{}
	client := &http.Client{Timeout: 10 * time.Second}

	jobs := make(chan int, *workers)
	var wg sync.WaitGroup

	start := time.Now()
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for range jobs {
				sendOne(client, *baseURL, *merchantID, rng, *customers, *devices, *redeemPct, *maxAmount, metrics, *verbose)
			}
		}(int64(w) + time.Now().UnixNano())
	}

	for i := 0; i < *total; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	duration := time.Since(start)

	printResults(metrics, *total, duration)
}

func sendOne(client *http.Client, baseURL, merchantID string, rng *rand.Rand, customers, devices, redeemPct int, maxAmount int64, metrics *Metrics, verbose bool) {
	txType := "EARN"
	if rng.Intn(100) < redeemPct {
		txType = "REDEEM"
	}

	req := AdmitRequest{
		Type:          txType,
		Channel:       channels[rng.Intn(len(channels))],
		EligibleTotal: 1 + rng.Int63n(maxAmount),
		CustomerID:    fmt.Sprintf("c-%04d", rng.Intn(customers)),
		DeviceID:      fmt.Sprintf("d-%03d", rng.Intn(devices)),
		OutletID:      "o-001",
	}
	body, _ := json.Marshal(req)

	start := time.Now()
	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/admit", bytes.NewReader(body))
	if err != nil {
		metrics.Errors.Add(1)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Merchant-ID", merchantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		metrics.Errors.Add(1)
		return
	}
	defer resp.Body.Close()
	metrics.record(time.Since(start))

	var result AdmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		metrics.Errors.Add(1)
		return
	}

	switch result.Outcome {
	case "ALLOW":
		metrics.Allowed.Add(1)
	case "DENY":
		metrics.Denied.Add(1)
	case "SOFT_FLAG":
		metrics.SoftFlags.Add(1)
	case "HARD_BLOCK":
		metrics.HardBlocks.Add(1)
	default:
		metrics.Errors.Add(1)
	}

	if verbose && result.Outcome != "ALLOW" {
		fmt.Printf("  %s %s customer=%s reason=%s\n", txType, result.Outcome, req.CustomerID, result.Reason)
	}
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func printResults(m *Metrics, total int, duration time.Duration) {
	fmt.Println()
	fmt.Println("Results")
	fmt.Println("-------")
	fmt.Printf("  Total:       %d in %s (%.0f req/s)\n", total, duration.Round(time.Millisecond), float64(total)/duration.Seconds())
	fmt.Printf("  ALLOW:       %d\n", m.Allowed.Load())
	fmt.Printf("  DENY:        %d\n", m.Denied.Load())
	fmt.Printf("  SOFT_FLAG:   %d\n", m.SoftFlags.Load())
	fmt.Printf("  HARD_BLOCK:  %d\n", m.HardBlocks.Load())
	fmt.Printf("  Errors:      %d\n", m.Errors.Load())
	fmt.Println()
	fmt.Println("Latency")
	fmt.Println("-------")
	fmt.Printf("  p50: %s\n", m.percentile(0.50).Round(time.Microsecond))
	fmt.Printf("  p95: %s\n", m.percentile(0.95).Round(time.Microsecond))
	fmt.Printf("  p99: %s\n", m.percentile(0.99).Round(time.Microsecond))
}
