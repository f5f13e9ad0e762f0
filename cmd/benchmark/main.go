// Benchmark tool for load-testing the Kestrel quote endpoint.
//
// Usage:
//
//	go run ./cmd/benchmark -url http://localhost:8080 -n 10000
//	go run ./cmd/benchmark -csv /path/to/quotes.csv
//
// This tool:
//  1. Reads score,base_premium rows from a CSV, or generates them
//  2. Sends each as a what-if quote to POST /pricing/quote
//  3. Checks the returned band against the local band classifier
//  4. Reports latency percentiles, throughput and the band mix
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/opensource-finance/kestrel/internal/band"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// QuoteCase is one what-if quote to send.
type QuoteCase struct {
	Score       float64 `json:"score"`
	BasePremium float64 `json:"base_premium"`
}

// QuoteResponse is the subset of the quote response the benchmark checks.
type QuoteResponse struct {
	Band       domain.Band `json:"band"`
	DeltaPct   float64     `json:"delta_pct"`
	NewPremium float64     `json:"new_premium"`
	Clamped    bool        `json:"clamped"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TotalProcessed int64
	TotalErrors    int64
	BandMismatches int64

	mu        sync.Mutex
	latencies []float64 // milliseconds
	bands     map[domain.Band]int
	deltas    map[domain.Band][]float64
}

func (m *Metrics) record(elapsed time.Duration, resp *QuoteResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, float64(elapsed.Microseconds())/1000)
	if resp != nil {
		m.bands[resp.Band]++
		m.deltas[resp.Band] = append(m.deltas[resp.Band], resp.DeltaPct)
	}
}

func main() {
	csvPath := flag.String("csv", "", "Path to a score,base_premium CSV (generated when empty)")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	count := flag.Int("n", 10000, "Quotes to generate when no CSV is given")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	premium := flag.Float64("premium", 1200, "Base premium for generated quotes")
	seed := flag.Uint64("seed", 1, "Seed for generated scores")
	verbose := flag.Bool("verbose", false, "Print each quote result")
	flag.Parse()

	fmt.Println("KESTREL BENCHMARK - Quote latency")
	fmt.Printf("\nKestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	var (
		cases []QuoteCase
		err   error
	)
	if *csvPath != "" {
		cases, err = readQuoteCSV(*csvPath)
		if err != nil {
			fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
			os.Exit(1)
		}
	} else {
		cases = generateCases(*count, *premium, *seed)
	}
	fmt.Printf("Loaded %d quotes\n", len(cases))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(cases, *baseURL, *workers, *verbose)
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

func readQuoteCSV(path string) ([]QuoteCase, error) {
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
	scoreCol, ok := colIndex["score"]
	if !ok {
		return nil, errors.New("missing score column")
	}
	premiumCol, ok := colIndex["base_premium"]
	if !ok {
		return nil, errors.New("missing base_premium column")
	}

	var cases []QuoteCase
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}
		score, err := strconv.ParseFloat(record[scoreCol], 64)
		if err != nil {
			continue
		}
		base, err := strconv.ParseFloat(record[premiumCol], 64)
		if err != nil {
			continue
		}
		cases = append(cases, QuoteCase{Score: score, BasePremium: base})
	}
	return cases, nil
}

func generateCases(n int, premium float64, seed uint64) []QuoteCase {
	rng := rand.New(rand.NewPCG(seed, seed))
	cases := make([]QuoteCase, n)
	for i := range cases {
		cases[i] = QuoteCase{
			Score:       float64(rng.IntN(10001)) / 100,
			BasePremium: premium,
		}
	}
	return cases
}

func runBenchmark(cases []QuoteCase, baseURL string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{
		bands:  make(map[domain.Band]int),
		deltas: make(map[domain.Band][]float64),
	}

	work := make(chan QuoteCase, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for qc := range work {
				start := time.Now()
				result, err := quote(client, baseURL, qc)
				elapsed := time.Since(start)

				atomic.AddInt64(&metrics.TotalProcessed, 1)
				metrics.record(elapsed, result)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: score %.2f -> %v\n", qc.Score, err)
					}
					continue
				}

				expected, _ := band.Classify(qc.Score)
				if expected != result.Band {
					atomic.AddInt64(&metrics.BandMismatches, 1)
				}

				if verbose {
					fmt.Printf("score %6.2f | band %s | delta %+.4f | premium %10.2f -> %10.2f\n",
						qc.Score, result.Band, result.DeltaPct, qc.BasePremium, result.NewPremium)
				}
			}
		}()
	}

	for _, qc := range cases {
		work <- qc
	}
	close(work)
	wg.Wait()

	return metrics
}

func quote(client *http.Client, baseURL string, qc QuoteCase) (*QuoteResponse, error) {
	body, err := json.Marshal(qc)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/pricing/quote", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result QuoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nREQUESTS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)
	fmt.Printf("   Band Mismatches:  %d\n", m.BandMismatches)

	fmt.Printf("\nBAND MIX\n")
	for _, b := range domain.AllBands() {
		deltas := m.deltas[b]
		if len(deltas) == 0 {
			fmt.Printf("   %s: %8d\n", b, 0)
			continue
		}
		fmt.Printf("   %s: %8d  mean delta %+.4f\n", b, m.bands[b], stat.Mean(deltas, nil))
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if len(m.latencies) > 0 {
		sort.Float64s(m.latencies)
		fmt.Printf("   Mean Latency:     %.2f ms\n", stat.Mean(m.latencies, nil))
		fmt.Printf("   p50 Latency:      %.2f ms\n", stat.Quantile(0.50, stat.Empirical, m.latencies, nil))
		fmt.Printf("   p95 Latency:      %.2f ms\n", stat.Quantile(0.95, stat.Empirical, m.latencies, nil))
		fmt.Printf("   p99 Latency:      %.2f ms\n", stat.Quantile(0.99, stat.Empirical, m.latencies, nil))
		fmt.Printf("   Throughput:       %.2f quotes/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}

	if m.BandMismatches > 0 {
		fmt.Println("\n   Band mismatches found: the server classifies scores differently from this build")
	}
	fmt.Println()
}
