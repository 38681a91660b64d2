package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/greenpoint/ledgerops/internal/models"
	"github.com/stretchr/testify/assert"
)

// balanceServer reports start on the first read of each run and start+grown afterwards.
func balanceServer(t *testing.T, start, grown int64) *atomic.Int32 {
	t.Helper()
	var reads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/users/me/balance", r.URL.Path)
		points := start
		if reads.Add(1) > 1 {
			points += grown
		}
		_ = json.NewEncoder(w).Encode(models.BalanceResponse{Points: points, Level: 1})
	}))
	t.Cleanup(srv.Close)
	targetURL = srv.URL
	return &reads
}

func TestVerifyBalances_ComparesGrowthNotTotal(t *testing.T) {
	tokens := map[int64]string{1: "tok"}

	balanceServer(t, 1600, 700)
	earned = map[int64]int64{1: 700}
	baseline := readBalances(tokens)
	assert.Equal(t, map[int64]int64{1: 1600}, baseline)
	assert.Equal(t, 0, verifyBalances(tokens, baseline), "a seeded balance is not a mismatch")

	balanceServer(t, 1600, 700)
	earned = map[int64]int64{1: 500}
	baseline = readBalances(tokens)
	assert.Equal(t, 1, verifyBalances(tokens, baseline))
}

func TestVerifyBalances_MissingBaselineIsMismatch(t *testing.T) {
	balanceServer(t, 0, 0)
	earned = map[int64]int64{2: 100}
	assert.Equal(t, 1, verifyBalances(map[int64]string{2: "tok"}, map[int64]int64{}))
}
