package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the public routes. Gateway callbacks are reached by the payer's browser
// and stay outside the JWT guard; the per-reservation token in their path stands in for it.
func NewRouter(h *Handler, jwtSecret []byte) *mux.Router {
	r := mux.NewRouter()
	r.Use(RequestID)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Use(Instrument)

	callbacks := apiV1.PathPrefix("/transactions/gateway").Subrouter()
	callbacks.HandleFunc("/success/{id:[0-9]+}/{token}", h.GatewaySuccessHandler).Methods(http.MethodGet)
	callbacks.HandleFunc("/cancel/{id:[0-9]+}/{token}", h.GatewayCancelHandler).Methods(http.MethodGet)
	callbacks.HandleFunc("/fail/{id:[0-9]+}/{token}", h.GatewayFailHandler).Methods(http.MethodGet)

	authed := apiV1.NewRoute().Subrouter()
	authed.Use(JWTAuth(jwtSecret))
	authed.HandleFunc("/transactions", h.SubmitTransactionHandler).Methods(http.MethodPost)
	authed.HandleFunc("/transactions/gateway/ready", h.GatewayReadyHandler).Methods(http.MethodPost)
	authed.HandleFunc("/transactions/{id:[0-9]+}", h.GetTransactionHandler).Methods(http.MethodGet)
	authed.HandleFunc("/users/me/balance", h.GetBalanceHandler).Methods(http.MethodGet)

	return r
}
