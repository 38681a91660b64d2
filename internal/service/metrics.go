package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	settlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_settlements_total",
		Help: "Settlement attempts, labeled by flow and outcome",
	}, []string{"flow", "outcome"})

	pointsAwardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_points_awarded_total",
		Help: "Reward points credited to user balances",
	})

	gatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_gateway_request_duration_seconds",
		Help:    "Latency distribution of payment gateway calls",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"op", "result"})

	expiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_transactions_expired_total",
		Help: "Gateway transactions rejected for staying PENDING too long",
	})
)

const (
	flowDirect  = "direct"
	flowGateway = "gateway"
)

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
