package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/greenpoint/ledgerops/internal/domain"
	"github.com/greenpoint/ledgerops/internal/gateway"
	"github.com/greenpoint/ledgerops/internal/logger"
	"github.com/greenpoint/ledgerops/internal/models"
	"github.com/greenpoint/ledgerops/internal/service"
	"github.com/greenpoint/ledgerops/internal/store"
)

const maxBodyBytes = 1 << 20

// TransactionService is the engine behind the HTTP surface.
type TransactionService interface {
	Submit(ctx context.Context, userID int64, req models.TransactionRequest) (*models.TransactionResponse, error)
	InitiateGatewayPayment(ctx context.Context, userID int64, req models.TransactionRequest) (*gateway.ReadyResponse, error)
	ApproveGatewayPayment(ctx context.Context, transactionID int64, token, pgToken string) (*models.TransactionResponse, error)
	RejectGatewayPayment(ctx context.Context, transactionID int64, token, reason string) (*domain.Transaction, error)
	GetTransaction(ctx context.Context, userID, transactionID int64) (*domain.Transaction, error)
	GetBalance(ctx context.Context, userID int64) (*models.BalanceResponse, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	service     TransactionService
	db          Pinger
	frontendURL string
	log         *slog.Logger
}

func NewHandler(svc TransactionService, db Pinger, frontendURL string) *Handler {
	return &Handler{
		service:     svc,
		db:          db,
		frontendURL: strings.TrimRight(frontendURL, "/"),
		log:         logger.Component("http"),
	}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		respondWithError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) SubmitTransactionHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	req, ok := decodeTransactionRequest(w, r)
	if !ok {
		return
	}

	resp, err := h.service.Submit(r.Context(), userID, req)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/transactions/%d", resp.TransactionID))
	respondWithJSON(w, http.StatusCreated, resp)
}

func (h *Handler) GatewayReadyHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	req, ok := decodeTransactionRequest(w, r)
	if !ok {
		return
	}

	ready, err := h.service.InitiateGatewayPayment(r.Context(), userID, req)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, ready)
}

// GatewaySuccessHandler is the approval callback. The gateway redirects the payer's
// browser here, so it is not authenticated.
func (h *Handler) GatewaySuccessHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	token := r.URL.Query().Get("pg_token")
	if token == "" {
		respondWithError(w, http.StatusBadRequest, "Missing pg_token")
		return
	}

	if _, err := h.service.ApproveGatewayPayment(r.Context(), id, mux.Vars(r)["token"], token); err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	http.Redirect(w, r, fmt.Sprintf("%s/payment/success/%d", h.frontendURL, id), http.StatusFound)
}

func (h *Handler) GatewayCancelHandler(w http.ResponseWriter, r *http.Request) {
	h.rejectAndRedirect(w, r, "cancelled", "/payment/cancel")
}

func (h *Handler) GatewayFailHandler(w http.ResponseWriter, r *http.Request) {
	h.rejectAndRedirect(w, r, "failed", "/payment/fail")
}

// rejectAndRedirect always redirects; a transaction that is already terminal, unknown,
// under approval or addressed with the wrong token is only logged.
func (h *Handler) rejectAndRedirect(w http.ResponseWriter, r *http.Request, reason, page string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.service.RejectGatewayPayment(r.Context(), id, mux.Vars(r)["token"], reason); err != nil {
		h.log.Warn("gateway callback did not reject transaction",
			"transaction_id", id, "reason", reason, "error", err, "request_id", RequestIDFromContext(r.Context()))
	}
	http.Redirect(w, r, h.frontendURL+page, http.StatusFound)
}

func (h *Handler) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	tx, err := h.service.GetTransaction(r.Context(), userID, id)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, tx)
}

func (h *Handler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	bal, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, bal)
}

func decodeTransactionRequest(w http.ResponseWriter, r *http.Request) (models.TransactionRequest, bool) {
	var req models.TransactionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return req, false
	}
	return req, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid transaction id")
		return 0, false
	}
	return id, true
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrTransactionNotFound),
		errors.Is(err, store.ErrMerchantNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidState),
		errors.Is(err, service.ErrDuplicateReward),
		errors.Is(err, service.ErrNoReservation),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrStaleState):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrGatewayFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.log.Error("request failed", "path", r.URL.Path, "error", err, "request_id", RequestIDFromContext(r.Context()))
		respondWithError(w, code, "Internal Server Error")
		return
	}
	respondWithError(w, code, err.Error())
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
