package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/greenpoint/ledgerops/internal/domain"
	"github.com/greenpoint/ledgerops/internal/gateway"
	"github.com/greenpoint/ledgerops/internal/models"
	"github.com/greenpoint/ledgerops/internal/service"
	"github.com/greenpoint/ledgerops/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

type fakeGateway struct {
	approveErr error
}

func (g *fakeGateway) Reserve(ctx context.Context, r gateway.ReserveRequest) (*gateway.ReadyResponse, error) {
	return &gateway.ReadyResponse{
		TID:                   "T" + r.OrderRef,
		NextRedirectPcURL:     "https://pg.example/pc/" + r.OrderRef,
		NextRedirectMobileURL: "https://pg.example/mobile/" + r.OrderRef,
	}, nil
}

func (g *fakeGateway) Approve(ctx context.Context, reservationID, orderRef, payerRef, pgToken string) (*gateway.ApproveResponse, error) {
	if g.approveErr != nil {
		return nil, g.approveErr
	}
	return &gateway.ApproveResponse{AID: "A" + orderRef, TID: reservationID, PaymentMethodType: "CARD"}, nil
}

type testServer struct {
	router http.Handler
	store  *store.MemoryStore
	gw     *fakeGateway
	user   domain.AppUser
	token  string
	green  domain.Merchant
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ms := store.NewMemoryStore()
	ms.PutCategory(domain.Category{Code: "VEGAN", Name: "Vegan", EsgWeight: 1.5})
	green := ms.PutMerchant(domain.Merchant{
		Name: "Green Table", CategoryCode: "VEGAN", EsgTier: domain.TierA, Region: "Seoul",
		Lat: decimal.RequireFromString("37.5665"), Lng: decimal.RequireFromString("126.9780"),
	})
	user := ms.PutUser(domain.AppUser{Email: "u@greenpoint.example", Nickname: "u", Region: "Seoul", Points: 900})

	gw := &fakeGateway{}
	svc := service.NewTransactionService(service.Deps{Repo: ms, Ledger: ms, Categories: ms, Gateway: gw})
	h := NewHandler(svc, ms, "https://app.greenpoint.example/")

	token, err := IssueToken(testSecret, user.ID, time.Hour)
	require.NoError(t, err)

	return &testServer{router: NewRouter(h, testSecret), store: ms, gw: gw, user: user, token: token, green: green}
}

// callback builds a gateway redirect path carrying the transaction's callback token.
func (s *testServer) callback(t *testing.T, kind string, id int64) string {
	t.Helper()
	tx, err := s.store.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	require.NotEmpty(t, tx.CallbackToken)
	return fmt.Sprintf("/api/v1/transactions/gateway/%s/%d/%s", kind, id, tx.CallbackToken)
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/health", nil, false)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestRequestIDIsPropagated(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
}

func TestSubmitTransaction(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/transactions", map[string]interface{}{
		"amount":      20000,
		"merchant_id": s.green.ID,
		"source":      "CARD_X",
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp models.TransactionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 70, resp.EsgScore)
	assert.Equal(t, int64(700), resp.PointsEarned)
	assert.Equal(t, int64(1600), resp.UserPoints)
	require.NotNil(t, resp.MatchedMerchant)
	assert.Equal(t, "Green Table", resp.MatchedMerchant.Name)
	assert.Equal(t, fmt.Sprintf("/api/v1/transactions/%d", resp.TransactionID), rec.Header().Get("Location"))
}

func TestSubmitTransaction_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body interface{}
		auth bool
		want int
	}{
		{"missing token", map[string]interface{}{"amount": 100}, false, http.StatusUnauthorized},
		{"non-positive amount", map[string]interface{}{"amount": 0}, true, http.StatusUnprocessableEntity},
		{"gateway source", map[string]interface{}{"amount": 100, "source": "GATEWAY"}, true, http.StatusUnprocessableEntity},
		{"malformed", "not-an-object", true, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/v1/transactions", tt.body, tt.auth)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestJWTAuth_RejectsBadTokens(t *testing.T) {
	s := newTestServer(t)

	expired, err := IssueToken(testSecret, s.user.ID, -time.Minute)
	require.NoError(t, err)
	foreign, err := IssueToken([]byte("other-secret"), s.user.ID, time.Hour)
	require.NoError(t, err)

	for name, header := range map[string]string{
		"expired":       "Bearer " + expired,
		"wrong secret":  "Bearer " + foreign,
		"no bearer":     s.token,
		"garbage token": "Bearer abc.def.ghi",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/users/me/balance", nil)
			req.Header.Set("Authorization", header)
			rec := httptest.NewRecorder()
			s.router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestGatewayFlow(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/transactions/gateway/ready", map[string]interface{}{
		"amount":      20000,
		"merchant_id": s.green.ID,
		"item_name":   "Vegan bowl",
	}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var ready gateway.ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.Equal(t, "T1", ready.TID)
	assert.Equal(t, "https://pg.example/pc/1", ready.NextRedirectPcURL)

	success := s.callback(t, "success", 1) + "?pg_token=tok"
	rec = s.do(t, http.MethodGet, success, nil, false)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	assert.Equal(t, "https://app.greenpoint.example/payment/success/1", rec.Header().Get("Location"))

	rec = s.do(t, http.MethodGet, success, nil, false)
	assert.Equal(t, http.StatusConflict, rec.Code, "replayed approval callback")

	u, err := s.store.GetUser(context.Background(), s.user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1600), u.Points)

	rec = s.do(t, http.MethodGet, "/api/v1/transactions/1", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var tx domain.Transaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tx))
	assert.Equal(t, domain.StatusConfirmed, tx.Status)
	require.NotNil(t, tx.AuthorizationID)
	assert.Equal(t, "A1", *tx.AuthorizationID)
}

func TestGatewaySuccess_Errors(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/transactions/gateway/success/99/abc?pg_token=tok", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/transactions/gateway/ready", map[string]interface{}{"amount": 1000}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, s.callback(t, "success", 1), nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing pg_token")

	s.gw.approveErr = errors.New("gateway timeout")
	rec = s.do(t, http.MethodGet, s.callback(t, "success", 1)+"?pg_token=tok", nil, false)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	tx, err := s.store.GetTransaction(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, tx.Status)
}

func TestGatewayCancelAndFail(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 2; i++ {
		rec := s.do(t, http.MethodPost, "/api/v1/transactions/gateway/ready", map[string]interface{}{"amount": 1000}, true)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	cancel := s.callback(t, "cancel", 1)
	rec := s.do(t, http.MethodGet, cancel, nil, false)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://app.greenpoint.example/payment/cancel", rec.Header().Get("Location"))

	rec = s.do(t, http.MethodGet, s.callback(t, "fail", 2), nil, false)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://app.greenpoint.example/payment/fail", rec.Header().Get("Location"))

	for id, reason := range map[int64]string{1: "cancelled", 2: "failed"} {
		tx, err := s.store.GetTransaction(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusRejected, tx.Status)
		assert.Equal(t, reason, *tx.RejectReason)
	}

	rec = s.do(t, http.MethodGet, cancel, nil, false)
	assert.Equal(t, http.StatusFound, rec.Code, "a repeated cancel still redirects")

	rec = s.do(t, http.MethodGet, s.callback(t, "success", 1)+"?pg_token=tok", nil, false)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGatewayCallbacks_RequireToken(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/transactions/gateway/ready", map[string]interface{}{"amount": 1000}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/transactions/gateway/cancel/1", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code, "callback without a token")

	rec = s.do(t, http.MethodGet, "/api/v1/transactions/gateway/cancel/1/not-the-token", nil, false)
	assert.Equal(t, http.StatusFound, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/v1/transactions/gateway/fail/1/not-the-token", nil, false)
	assert.Equal(t, http.StatusFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/transactions/gateway/success/1/not-the-token?pg_token=tok", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	tx, err := s.store.GetTransaction(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, tx.Status)
	assert.Nil(t, tx.RejectReason)

	rec = s.do(t, http.MethodGet, s.callback(t, "cancel", 1), nil, false)
	assert.Equal(t, http.StatusFound, rec.Code)
	tx, err = s.store.GetTransaction(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, tx.Status)
}

func TestGetTransaction_OtherUsersAreHidden(t *testing.T) {
	s := newTestServer(t)
	other := s.store.PutUser(domain.AppUser{Email: "o@greenpoint.example", Region: "Busan"})
	otherToken, err := IssueToken(testSecret, other.ID, time.Hour)
	require.NoError(t, err)

	rec := s.do(t, http.MethodPost, "/api/v1/transactions", map[string]interface{}{"amount": 100}, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions/1", nil)
	req.Header.Set("Authorization", "Bearer "+otherToken)
	out := httptest.NewRecorder()
	s.router.ServeHTTP(out, req)
	assert.Equal(t, http.StatusNotFound, out.Code)
}

func TestGetBalance(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/transactions", map[string]interface{}{
		"amount":      20000,
		"merchant_id": s.green.ID,
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/users/me/balance", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var bal models.BalanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bal))
	assert.Equal(t, int64(1600), bal.Points)
	assert.Equal(t, 2, bal.Level)
	require.Len(t, bal.RecentRewards, 1)
	assert.Equal(t, int64(700), bal.RecentRewards[0].Points)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(store.ErrUserNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(service.ErrInvalidState))
	assert.Equal(t, http.StatusConflict, statusFor(service.ErrNoReservation))
	assert.Equal(t, http.StatusConflict, statusFor(fmt.Errorf("wrapped: %w", service.ErrDuplicateReward)))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(fmt.Errorf("%w: bad", service.ErrInvalidInput)))
	assert.Equal(t, http.StatusBadGateway, statusFor(fmt.Errorf("%w: down", service.ErrGatewayFailure)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
