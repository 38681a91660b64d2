package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/greenpoint/ledgerops/internal/domain"
	"github.com/greenpoint/ledgerops/internal/gateway"
	"github.com/greenpoint/ledgerops/internal/logger"
	"github.com/greenpoint/ledgerops/internal/models"
	"github.com/greenpoint/ledgerops/internal/store"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidInput = errors.New("invalid transaction request")
	// ErrInvalidState means the transaction is no longer PENDING.
	ErrInvalidState    = errors.New("transaction is not pending")
	ErrNoReservation   = errors.New("transaction has no gateway reservation")
	ErrDuplicateReward = errors.New("reward already recorded for transaction")
	ErrGatewayFailure  = errors.New("payment gateway call failed")
)

const (
	directReason  = "Transaction reward"
	gatewayReason = "Gateway transaction reward"

	recentRewardLimit  = 5
	defaultExpiryBatch = 100
	expiredReason      = "expired"
)

// Repository is the transaction and directory storage the state machine reads and writes.
type Repository interface {
	GetUser(ctx context.Context, id int64) (*domain.AppUser, error)
	GetMerchant(ctx context.Context, id int64) (*domain.Merchant, error)
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error)
	SetReservation(ctx context.Context, id int64, reservationID string) error
	ClaimApproval(ctx context.Context, id int64) error
	ReleaseApproval(ctx context.Context, id int64) error
	RecordUnsettledApproval(ctx context.Context, u *domain.UnsettledApproval) error
	RejectPending(ctx context.Context, id int64, reason string) (*domain.Transaction, error)
	ExpirePending(ctx context.Context, before time.Time, limit int) ([]domain.Transaction, error)
	RecentRewards(ctx context.Context, userID int64, limit int) ([]domain.RewardPoint, error)
}

// Ledger is the only writer of user balances.
type Ledger interface {
	Settle(ctx context.Context, st domain.Settlement) (*domain.SettlementResult, error)
}

// PaymentGateway is the two-phase external payment protocol.
type PaymentGateway interface {
	Reserve(ctx context.Context, r gateway.ReserveRequest) (*gateway.ReadyResponse, error)
	Approve(ctx context.Context, reservationID, orderRef, payerRef, pgToken string) (*gateway.ApproveResponse, error)
}

// Publisher receives settlement and rejection events after they are committed.
type Publisher interface {
	PublishSettlement(ctx context.Context, ev models.SettlementEvent) error
}

// Deps wires a TransactionService.
type Deps struct {
	Repo       Repository
	Ledger     Ledger
	Categories CategoryTable
	Gateway    PaymentGateway
	Events     Publisher
	// PendingExpiry is how long a gateway transaction may stay PENDING.
	PendingExpiry time.Duration
	ExpiryBatch   int
}

// TransactionService drives transactions through PENDING -> CONFIRMED | REJECTED.
type TransactionService struct {
	repo    Repository
	ledger  Ledger
	scorer  *Scorer
	gateway PaymentGateway
	events  Publisher

	pendingExpiry time.Duration
	expiryBatch   int

	log *slog.Logger
	now func() time.Time
}

func NewTransactionService(d Deps) *TransactionService {
	s := &TransactionService{
		repo:          d.Repo,
		ledger:        d.Ledger,
		scorer:        NewScorer(d.Categories),
		gateway:       d.Gateway,
		events:        d.Events,
		pendingExpiry: d.PendingExpiry,
		expiryBatch:   d.ExpiryBatch,
		log:           logger.Component("transactions"),
		now:           time.Now,
	}
	if s.expiryBatch <= 0 {
		s.expiryBatch = defaultExpiryBatch
	}
	if s.pendingExpiry <= 0 {
		s.pendingExpiry = 30 * time.Minute
	}
	return s
}

// Submit records a directly settled purchase, scores it and credits the points.
func (s *TransactionService) Submit(ctx context.Context, userID int64, req models.TransactionRequest) (*models.TransactionResponse, error) {
	if req.Source == "" {
		req.Source = domain.SourceManual
	}
	if err := validate(req); err != nil {
		return nil, err
	}
	if req.Source == domain.SourceGateway {
		return nil, fmt.Errorf("%w: gateway payments go through the gateway flow", ErrInvalidInput)
	}

	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	merchant, err := s.resolveMerchant(ctx, req.MerchantID)
	if err != nil {
		return nil, err
	}

	t := s.newTransaction(userID, merchant, req, req.Source)
	if err := s.repo.CreateTransaction(ctx, t); err != nil {
		return nil, err
	}

	resp, err := s.settle(ctx, flowDirect, t, user, merchant, directReason, nil, nil)
	if err != nil {
		return nil, err
	}
	s.log.Info("transaction settled", "transaction_id", t.ID, "user_id", userID, "flow", flowDirect,
		"esg_score", resp.EsgScore, "points", resp.PointsEarned)
	return resp, nil
}

// InitiateGatewayPayment records a PENDING gateway transaction and reserves the payment.
// The reservation payload is returned untouched. A failed reservation leaves the
// transaction PENDING.
func (s *TransactionService) InitiateGatewayPayment(ctx context.Context, userID int64, req models.TransactionRequest) (*gateway.ReadyResponse, error) {
	req.Source = domain.SourceGateway
	if err := validate(req); err != nil {
		return nil, err
	}

	if _, err := s.repo.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	merchant, err := s.resolveMerchant(ctx, req.MerchantID)
	if err != nil {
		return nil, err
	}

	t := s.newTransaction(userID, merchant, req, domain.SourceGateway)
	if err := s.repo.CreateTransaction(ctx, t); err != nil {
		return nil, err
	}

	orderRef := strconv.FormatInt(t.ID, 10)
	timer := time.Now()
	ready, err := s.gateway.Reserve(ctx, gateway.ReserveRequest{
		OrderRef:      orderRef,
		PayerRef:      strconv.FormatInt(userID, 10),
		ItemName:      req.ItemName,
		Quantity:      req.Quantity,
		Amount:        req.Amount,
		CallbackToken: t.CallbackToken,
	})
	gatewayLatency.WithLabelValues("reserve", resultLabel(err)).Observe(time.Since(timer).Seconds())
	if err != nil {
		settlementsTotal.WithLabelValues(flowGateway, "gateway_error").Inc()
		s.log.Error("gateway reserve failed", "transaction_id", t.ID, "error", err)
		return nil, fmt.Errorf("%w: reserve transaction %d: %v", ErrGatewayFailure, t.ID, err)
	}

	if err := s.repo.SetReservation(ctx, t.ID, ready.TID); err != nil {
		if errors.Is(err, store.ErrStaleState) {
			return nil, ErrInvalidState
		}
		return nil, err
	}
	s.log.Info("gateway payment reserved", "transaction_id", t.ID, "user_id", userID, "reservation_id", ready.TID)
	return ready, nil
}

// ApproveGatewayPayment completes a reserved gateway transaction after the payer approved it.
// token must be the callback token issued with the reservation. The transaction is claimed
// before the gateway call so cancel, fail and expiry cannot reject it while the charge is
// being captured. Replayed callbacks fail with ErrInvalidState and never touch the balance.
func (s *TransactionService) ApproveGatewayPayment(ctx context.Context, transactionID int64, token, pgToken string) (*models.TransactionResponse, error) {
	if pgToken == "" {
		return nil, fmt.Errorf("%w: pg_token is required", ErrInvalidInput)
	}

	t, err := s.callbackTransaction(ctx, transactionID, token)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.StatusPending {
		settlementsTotal.WithLabelValues(flowGateway, "conflict").Inc()
		return nil, ErrInvalidState
	}
	if t.Source != domain.SourceGateway || t.ReservationID == nil || *t.ReservationID == "" {
		return nil, ErrNoReservation
	}

	if err := s.repo.ClaimApproval(ctx, t.ID); err != nil {
		if errors.Is(err, store.ErrStaleState) {
			settlementsTotal.WithLabelValues(flowGateway, "conflict").Inc()
			return nil, ErrInvalidState
		}
		return nil, err
	}

	timer := time.Now()
	approved, err := s.gateway.Approve(ctx, *t.ReservationID, strconv.FormatInt(t.ID, 10), strconv.FormatInt(t.UserID, 10), pgToken)
	gatewayLatency.WithLabelValues("approve", resultLabel(err)).Observe(time.Since(timer).Seconds())
	if err != nil {
		settlementsTotal.WithLabelValues(flowGateway, "gateway_error").Inc()
		s.log.Error("gateway approve failed", "transaction_id", t.ID, "error", err)
		if relErr := s.repo.ReleaseApproval(context.WithoutCancel(ctx), t.ID); relErr != nil {
			s.log.Warn("approval claim release failed", "transaction_id", t.ID, "error", relErr)
		}
		return nil, fmt.Errorf("%w: approve transaction %d: %v", ErrGatewayFailure, t.ID, err)
	}

	aid := approved.AID
	method := approved.PaymentMethodType
	resp, err := s.settleApproved(ctx, t, aid, method)
	if err != nil {
		s.recordUnsettled(ctx, t, aid, method, err)
		return nil, err
	}
	s.log.Info("transaction settled", "transaction_id", t.ID, "user_id", t.UserID, "flow", flowGateway,
		"authorization_id", aid, "esg_score", resp.EsgScore, "points", resp.PointsEarned)
	return resp, nil
}

func (s *TransactionService) settleApproved(ctx context.Context, t *domain.Transaction, aid, method string) (*models.TransactionResponse, error) {
	user, err := s.repo.GetUser(ctx, t.UserID)
	if err != nil {
		return nil, err
	}
	merchant, err := s.resolveMerchant(ctx, t.MerchantID)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, flowGateway, t, user, merchant, gatewayReason, &aid, &method)
}

// recordUnsettled keeps a captured charge that the ledger did not settle.
func (s *TransactionService) recordUnsettled(ctx context.Context, t *domain.Transaction, aid, method string, cause error) {
	s.log.Error("gateway charge captured but settlement failed",
		"transaction_id", t.ID, "reservation_id", *t.ReservationID, "authorization_id", aid,
		"payment_method", method, "error", cause)
	err := s.repo.RecordUnsettledApproval(context.WithoutCancel(ctx), &domain.UnsettledApproval{
		TransactionID:   t.ID,
		ReservationID:   *t.ReservationID,
		AuthorizationID: aid,
		PaymentMethod:   method,
		Error:           cause.Error(),
	})
	if err != nil {
		s.log.Error("unsettled approval not recorded", "transaction_id", t.ID, "authorization_id", aid, "error", err)
	}
}

// RejectGatewayPayment moves a PENDING gateway transaction to REJECTED. Nothing is awarded.
// token must be the callback token issued with the reservation. A transaction under an
// approval claim is not rejected.
func (s *TransactionService) RejectGatewayPayment(ctx context.Context, transactionID int64, token, reason string) (*domain.Transaction, error) {
	if _, err := s.callbackTransaction(ctx, transactionID, token); err != nil {
		return nil, err
	}
	t, err := s.repo.RejectPending(ctx, transactionID, reason)
	if err != nil {
		if errors.Is(err, store.ErrStaleState) {
			return nil, ErrInvalidState
		}
		return nil, err
	}
	settlementsTotal.WithLabelValues(flowGateway, "rejected").Inc()
	s.log.Info("gateway payment rejected", "transaction_id", t.ID, "reason", reason)
	s.publish(ctx, models.SettlementEvent{
		TransactionID: t.ID,
		UserID:        t.UserID,
		Status:        t.Status,
		Reason:        reason,
	})
	return t, nil
}

// callbackTransaction loads a transaction for a gateway redirect. A missing or wrong
// token is reported as not found.
func (s *TransactionService) callbackTransaction(ctx context.Context, id int64, token string) (*domain.Transaction, error) {
	t, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if token == "" || t.CallbackToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(t.CallbackToken)) != 1 {
		return nil, store.ErrTransactionNotFound
	}
	return t, nil
}

// ExpireStalePending rejects transactions PENDING for longer than the expiry window. These
// are unfinished gateway payments and direct submissions whose settlement failed.
func (s *TransactionService) ExpireStalePending(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.pendingExpiry)
	total := 0
	for {
		expired, err := s.repo.ExpirePending(ctx, cutoff, s.expiryBatch)
		if err != nil {
			return total, err
		}
		for _, t := range expired {
			s.publish(ctx, models.SettlementEvent{
				TransactionID: t.ID,
				UserID:        t.UserID,
				Status:        t.Status,
				Reason:        expiredReason,
			})
		}
		total += len(expired)
		expiredTotal.Add(float64(len(expired)))
		if len(expired) < s.expiryBatch {
			break
		}
	}
	if total > 0 {
		s.log.Info("expired stale gateway transactions", "count", total, "cutoff", cutoff)
	}
	return total, nil
}

// GetTransaction returns one of the user's transactions. Other users' transactions are
// reported as not found.
func (s *TransactionService) GetTransaction(ctx context.Context, userID, transactionID int64) (*domain.Transaction, error) {
	t, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, store.ErrTransactionNotFound
	}
	return t, nil
}

// GetBalance returns the user's points, level and most recent rewards.
func (s *TransactionService) GetBalance(ctx context.Context, userID int64) (*models.BalanceResponse, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	rewards, err := s.repo.RecentRewards(ctx, userID, recentRewardLimit)
	if err != nil {
		return nil, err
	}

	resp := &models.BalanceResponse{
		Points:        user.Points,
		Level:         user.Level,
		RecentRewards: make([]models.RecentReward, 0, len(rewards)),
	}
	for _, r := range rewards {
		resp.RecentRewards = append(resp.RecentRewards, models.RecentReward{
			Points:    r.Points,
			Reason:    r.Reason,
			CreatedAt: r.CreatedAt,
		})
	}
	return resp, nil
}

// settle scores t and hands it to the ledger, which confirms it and credits the points
// in one atomic step.
func (s *TransactionService) settle(ctx context.Context, flow string, t *domain.Transaction, user *domain.AppUser,
	merchant *domain.Merchant, reason string, authorizationID, paymentMethod *string) (*models.TransactionResponse, error) {

	breakdown, err := s.scorer.Score(ctx, t.Amount, merchant, user.Region)
	if err != nil {
		return nil, err
	}

	res, err := s.ledger.Settle(ctx, domain.Settlement{
		TransactionID:   t.ID,
		UserID:          t.UserID,
		MerchantID:      t.MerchantID,
		Score:           breakdown.Final,
		Breakdown:       breakdown,
		Reason:          reason,
		AuthorizationID: authorizationID,
		PaymentMethod:   paymentMethod,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrStaleState):
			settlementsTotal.WithLabelValues(flow, "conflict").Inc()
			return nil, ErrInvalidState
		case errors.Is(err, store.ErrConflict):
			settlementsTotal.WithLabelValues(flow, "conflict").Inc()
			return nil, ErrDuplicateReward
		}
		settlementsTotal.WithLabelValues(flow, "error").Inc()
		return nil, err
	}

	settlementsTotal.WithLabelValues(flow, "confirmed").Inc()
	pointsAwardedTotal.Add(float64(res.Reward.Points))

	s.publish(ctx, models.SettlementEvent{
		TransactionID: t.ID,
		UserID:        t.UserID,
		Status:        domain.StatusConfirmed,
		EsgScore:      res.Reward.EsgScore,
		Points:        res.Reward.Points,
		Balance:       res.Balance,
		Level:         res.Level,
		Reason:        reason,
	})

	resp := &models.TransactionResponse{
		TransactionID: t.ID,
		EsgScore:      res.Reward.EsgScore,
		PointsEarned:  res.Reward.Points,
		UserPoints:    res.Balance,
	}
	if merchant != nil {
		tier := merchant.EsgTier
		resp.Tier = &tier
		resp.MatchedMerchant = &models.MatchedMerchant{
			ID:   merchant.ID,
			Name: merchant.Name,
			Lat:  merchant.Lat,
			Lng:  merchant.Lng,
		}
	}
	return resp, nil
}

// resolveMerchant looks up an explicit merchant id. An unknown id means no merchant.
func (s *TransactionService) resolveMerchant(ctx context.Context, id *int64) (*domain.Merchant, error) {
	if id == nil {
		return nil, nil
	}
	m, err := s.repo.GetMerchant(ctx, *id)
	if err != nil {
		if errors.Is(err, store.ErrMerchantNotFound) {
			s.log.Debug("merchant not found, scoring without merchant", "merchant_id", *id)
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

func (s *TransactionService) newTransaction(userID int64, merchant *domain.Merchant, req models.TransactionRequest, source domain.PaymentSource) *domain.Transaction {
	t := &domain.Transaction{
		UserID: userID,
		Amount: req.Amount,
		TxTime: s.now(),
		Source: source,
		Status: domain.StatusPending,
	}
	if req.TxTime != nil && !req.TxTime.IsZero() {
		t.TxTime = *req.TxTime
	}
	if merchant != nil {
		id := merchant.ID
		t.MerchantID = &id
	}
	if source == domain.SourceGateway {
		t.CallbackToken = uuid.NewString()
	}
	if req.Geo != nil {
		t.Lat = decimal.NewNullDecimal(req.Geo.Lat)
		t.Lng = decimal.NewNullDecimal(req.Geo.Lng)
	}
	return t
}

// publish is best-effort: the ledger has already committed.
func (s *TransactionService) publish(ctx context.Context, ev models.SettlementEvent) {
	if s.events == nil {
		return
	}
	ev.EventID = uuid.NewString()
	ev.OccurredAt = s.now().UTC()
	if err := s.events.PublishSettlement(ctx, ev); err != nil {
		s.log.Warn("settlement event publish failed", "transaction_id", ev.TransactionID, "error", err)
	}
}

func validate(req models.TransactionRequest) error {
	if req.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if !req.Source.Valid() {
		return fmt.Errorf("%w: unknown payment source %q", ErrInvalidInput, req.Source)
	}
	if req.Quantity < 0 {
		return fmt.Errorf("%w: quantity must not be negative", ErrInvalidInput)
	}
	if req.Geo != nil {
		if req.Geo.Lat.Abs().GreaterThan(decimal.NewFromInt(90)) || req.Geo.Lng.Abs().GreaterThan(decimal.NewFromInt(180)) {
			return fmt.Errorf("%w: coordinates out of range", ErrInvalidInput)
		}
	}
	return nil
}
