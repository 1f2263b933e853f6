// Replay tool for reconciling Convenia settlements against historical data.
//
// Usage:
//   go run cmd/replay/main.go -csv /path/to/attentions.csv -url http://localhost:8080
//
// This tool:
//   1. Reads historical attention data (with known settlement totals)
//   2. Sends each attention to Convenia for settlement
//   3. Compares the computed total with the expected total
//   4. Reports match rate, divergence buckets and throughput
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// HistoricalAttention represents a row from the reconciliation dataset.
type HistoricalAttention struct {
	ID              string
	ServiceCode     string
	ServiceType     string
	Specialty       string
	PatientRole     string
	DayType         string
	DoctorID        string
	ExecutionDate   string
	SaleDate        string
	CollectedTotal  decimal.NullDecimal
	CollectedExempt decimal.NullDecimal
	CollectedAfecto decimal.NullDecimal
	Currency        string
	ExpectedTotal   decimal.Decimal
}

// SettleRequest is the Convenia API request format.
type SettleRequest struct {
	ID            string  `json:"id,omitempty"`
	ServiceCode   string  `json:"serviceCode"`
	ServiceType   string  `json:"serviceType"`
	Specialty     string  `json:"specialty,omitempty"`
	PatientRole   string  `json:"patientRole,omitempty"`
	DayType       string  `json:"dayType,omitempty"`
	DoctorID      string  `json:"doctorId,omitempty"`
	ExecutionDate string  `json:"executionDate"`
	SaleDate      string  `json:"saleDate"`
	Amounts       Amounts `json:"amounts"`
	Currency      string  `json:"currency,omitempty"`
}

// Amounts carries the monetary base fields.
type Amounts struct {
	CollectedTotal   decimal.NullDecimal `json:"collectedTotal"`
	CollectedExempt  decimal.NullDecimal `json:"collectedExempt"`
	CollectedTaxable decimal.NullDecimal `json:"collectedTaxable"`
}

// SettleResponse is the Convenia API response format.
type SettleResponse struct {
	SettlementID string          `json:"settlementId"`
	Status       string          `json:"status"`
	Total        decimal.Decimal `json:"total"`
	AuditPending bool            `json:"auditPending"`
}

// Metrics tracks replay results.
type Metrics struct {
	Matched      int64 // computed total equals expected total
	Mismatched   int64
	MatchedNone  int64 // no convenio matched the attention
	AuditPending int64

	TotalProcessed int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to historical attentions CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Convenia base URL")
	tenantID := flag.String("tenant", "replay-test", "Tenant ID for requests")
	limit := flag.Int("limit", 0, "Maximum attentions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each attention result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv /path/to/attentions.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("================================================================")
	fmt.Println("          CONVENIA REPLAY - Settlement Reconciliation")
	fmt.Println("================================================================")
	fmt.Printf("\nCSV File:     %s\n", *csvPath)
	fmt.Printf("Convenia URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:    %s\n", *tenantID)
	fmt.Printf("Workers:      %d\n", *workers)
	fmt.Printf("Limit:        %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Convenia not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Convenia is running:")
		fmt.Println("  go run cmd/convenia/main.go")
		os.Exit(1)
	}
	fmt.Println("Convenia is healthy")

	fmt.Printf("\nReading attention data from %s...\n", *csvPath)
	attentions, err := readAttentionsCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d attentions\n", len(attentions))

	fmt.Printf("\nRunning replay with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runReplay(attentions, *baseURL, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
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

func parseNullDecimal(v string) decimal.NullDecimal {
	v = strings.TrimSpace(v)
	if v == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func readAttentionsCSV(path string, limit int) ([]HistoricalAttention, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}

	field := func(record []string, name string) string {
		idx, ok := colIndex[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	var attentions []HistoricalAttention

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		expected, err := decimal.NewFromString(field(record, "expected_total"))
		if err != nil {
			continue
		}

		att := HistoricalAttention{
			ID:              field(record, "attention_id"),
			ServiceCode:     field(record, "service_code"),
			ServiceType:     field(record, "service_type"),
			Specialty:       field(record, "specialty"),
			PatientRole:     field(record, "patient_role"),
			DayType:         field(record, "day_type"),
			DoctorID:        field(record, "doctor_id"),
			ExecutionDate:   field(record, "execution_date"),
			SaleDate:        field(record, "sale_date"),
			CollectedTotal:  parseNullDecimal(field(record, "recaudado_total")),
			CollectedExempt: parseNullDecimal(field(record, "recaudado_exento")),
			CollectedAfecto: parseNullDecimal(field(record, "recaudado_afecto")),
			Currency:        field(record, "currency"),
			ExpectedTotal:   expected,
		}

		attentions = append(attentions, att)

		if limit > 0 && len(attentions) >= limit {
			break
		}
	}

	return attentions, nil
}

func runReplay(attentions []HistoricalAttention, baseURL, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan HistoricalAttention, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for att := range work {
				start := time.Now()
				result, err := settleAttention(client, baseURL, tenantID, att)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", att.ID, err)
					}
					continue
				}

				if result.Status == "matched_none" {
					atomic.AddInt64(&metrics.MatchedNone, 1)
				}
				if result.AuditPending {
					atomic.AddInt64(&metrics.AuditPending, 1)
				}

				matched := result.Total.Equal(att.ExpectedTotal)
				if matched {
					atomic.AddInt64(&metrics.Matched, 1)
				} else {
					atomic.AddInt64(&metrics.Mismatched, 1)
				}

				if verbose {
					status := "="
					if !matched {
						status = "!"
					}
					fmt.Printf("%s %-12s | %-10s | expected: %12s | computed: %12s | %s\n",
						status,
						att.ID,
						att.ServiceType,
						att.ExpectedTotal,
						result.Total,
						result.Status,
					)
				}
			}
		}()
	}

	for _, att := range attentions {
		work <- att
	}
	close(work)

	wg.Wait()

	return metrics
}

func settleAttention(client *http.Client, baseURL, tenantID string, att HistoricalAttention) (*SettleResponse, error) {
	req := SettleRequest{
		ID:            att.ID,
		ServiceCode:   att.ServiceCode,
		ServiceType:   att.ServiceType,
		Specialty:     att.Specialty,
		PatientRole:   att.PatientRole,
		DayType:       att.DayType,
		DoctorID:      att.DoctorID,
		ExecutionDate: att.ExecutionDate,
		SaleDate:      att.SaleDate,
		Amounts: Amounts{
			CollectedTotal:   att.CollectedTotal,
			CollectedExempt:  att.CollectedExempt,
			CollectedTaxable: att.CollectedAfecto,
		},
		Currency: att.Currency,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/settle", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result SettleResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n================================================================")
	fmt.Println("                      REPLAY RESULTS")
	fmt.Println("================================================================")

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nRECONCILIATION\n")
	fmt.Printf("   Matched Totals:     %d\n", m.Matched)
	fmt.Printf("   Mismatched Totals:  %d\n", m.Mismatched)
	fmt.Printf("   No Convenio Match:  %d\n", m.MatchedNone)
	fmt.Printf("   Audit Pending:      %d\n", m.AuditPending)

	compared := m.Matched + m.Mismatched
	if compared > 0 {
		matchRate := float64(m.Matched) / float64(compared) * 100
		fmt.Printf("   Match Rate:         %.2f%%\n", matchRate)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		aps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f attentions/sec\n", aps)
	}

	if m.Mismatched > 0 {
		fmt.Println("\nMismatches usually mean the loaded catalog differs from the one")
		fmt.Println("that produced the historical totals. Check catalog versions first.")
	}

	fmt.Println()
}
