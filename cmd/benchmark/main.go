package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/greenpoint/ledgerops/internal/api"
	"github.com/greenpoint/ledgerops/internal/domain"
	"github.com/greenpoint/ledgerops/internal/logger"
	"github.com/greenpoint/ledgerops/internal/models"
)

var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	users       int
	merchants   int
	firstUserID int64
	jwtSecret   string
)

var (
	totalRequests uint64
	success201    uint64
	fail409       uint64
	fail422       uint64
	failOther     uint64
)

// earned tracks points credited per user according to the responses received.
var (
	earnedMu sync.Mutex
	earned   = map[int64]int64{}
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&users, "users", 100, "Number of user ids to spread load over")
	flag.Int64Var(&firstUserID, "first-user", 1, "Lowest user id in the load range")
	flag.IntVar(&merchants, "merchants", 3, "Number of merchant ids to pick from (0 sends no merchant)")
	flag.StringVar(&jwtSecret, "jwt-secret", os.Getenv("JWT_SECRET"), "Secret used to mint bearer tokens")
}

func main() {
	flag.Parse()
	if jwtSecret == "" {
		logger.Fatalf("a JWT secret is required (-jwt-secret or JWT_SECRET)")
	}
	logger.Infof("Starting Benchmark: %s | Workers: %d | Duration: %s | Users: %d", workload, concurrency, duration, users)

	tokens := make(map[int64]string, users)
	for i := 0; i < users; i++ {
		id := firstUserID + int64(i)
		tok, err := api.IssueToken([]byte(jwtSecret), id, duration+time.Hour)
		if err != nil {
			logger.Fatalf("token mint failed: %v", err)
		}
		tokens[id] = tok
	}

	baseline := readBalances(tokens)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, tokens)
	}
	wg.Wait()
	elapsed := time.Since(start)

	mismatches := verifyBalances(tokens, baseline)
	printResults(elapsed, mismatches)
}

func worker(wg *sync.WaitGroup, start time.Time, tokens map[int64]string) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		userID := pickUser()
		req := models.TransactionRequest{
			Amount: int64(1000 + rand.Intn(50)*1000),
			Source: domain.SourceManual,
		}
		if merchants > 0 {
			mid := int64(rand.Intn(merchants) + 1)
			req.MerchantID = &mid
		}
		body, _ := json.Marshal(req)

		httpReq, _ := http.NewRequest(http.MethodPost, targetURL+"/api/v1/transactions", bytes.NewBuffer(body))
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+tokens[userID])

		resp, err := client.Do(httpReq)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&success201, 1)
			var out models.TransactionResponse
			if json.NewDecoder(resp.Body).Decode(&out) == nil {
				earnedMu.Lock()
				earned[userID] += out.PointsEarned
				earnedMu.Unlock()
			}
		case http.StatusConflict:
			atomic.AddUint64(&fail409, 1)
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&fail422, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func pickUser() int64 {
	// Hotspot: 90% of traffic lands on the first user's balance row
	if workload == "hotspot" && rand.Float32() < 0.90 {
		return firstUserID
	}
	return firstUserID + int64(rand.Intn(users))
}

// readBalances records every user's balance before the load starts. Users whose
// balance cannot be read are left out and later reported as mismatches if they earn.
func readBalances(tokens map[int64]string) map[int64]int64 {
	client := &http.Client{Timeout: 5 * time.Second}
	out := make(map[int64]int64, len(tokens))
	for userID, tok := range tokens {
		bal, err := readBalance(client, tok)
		if err != nil {
			logger.Errorf("starting balance for user %d unavailable: %v", userID, err)
			continue
		}
		out[userID] = bal
	}
	return out
}

// verifyBalances checks that every touched balance grew by exactly the points the
// responses reported.
func verifyBalances(tokens map[int64]string, baseline map[int64]int64) int {
	client := &http.Client{Timeout: 5 * time.Second}
	mismatches := 0

	earnedMu.Lock()
	defer earnedMu.Unlock()
	for userID, want := range earned {
		before, ok := baseline[userID]
		if !ok {
			mismatches++
			continue
		}
		after, err := readBalance(client, tokens[userID])
		if err != nil {
			logger.Errorf("balance read for user %d failed: %v", userID, err)
			mismatches++
			continue
		}
		if got := after - before; got != want {
			logger.Errorf("user %d balance grew by %d, responses credited %d", userID, got, want)
			mismatches++
		}
	}
	return mismatches
}

func readBalance(client *http.Client, token string) (int64, error) {
	req, err := http.NewRequest(http.MethodGet, targetURL+"/api/v1/users/me/balance", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var bal models.BalanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&bal); err != nil {
		return 0, err
	}
	return bal.Points, nil
}

func printResults(d time.Duration, mismatches int) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	f409 := atomic.LoadUint64(&fail409)
	f422 := atomic.LoadUint64(&fail422)
	fErr := atomic.LoadUint64(&failOther)

	var conflictRate float64
	if total > 0 {
		conflictRate = float64(f409) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    float64(total) / d.Seconds(),
		"success_created":   s201,
		"conflicts":         f409,
		"conflict_rate_pct": conflictRate,
		"invalid_input":     f422,
		"errors":            fErr,
		"balance_mismatch":  mismatches,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		logger.Errorf("result file create failed: %v", err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
