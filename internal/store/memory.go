package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/greenpoint/ledgerops/internal/domain"
)

// MemoryStore keeps all ledger state in process memory. It backs local development
// (STORE_DRIVER=memory) and the service tests. A single mutex gives every method the
// same atomicity the Postgres store gets from its database transactions.
type MemoryStore struct {
	mu sync.Mutex

	users        map[int64]domain.AppUser
	merchants    map[int64]domain.Merchant
	categories   map[string]domain.Category
	transactions map[int64]domain.Transaction
	rewards      map[int64]domain.RewardPoint // keyed by transaction id
	esgLogs      []domain.EsgLog
	claims       map[int64]time.Time // approval claims by transaction id
	unsettled    []domain.UnsettledApproval

	nextUserID     int64
	nextMerchantID int64
	nextTxID       int64
	nextRewardID   int64

	now func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[int64]domain.AppUser),
		merchants:    make(map[int64]domain.Merchant),
		categories:   make(map[string]domain.Category),
		transactions: make(map[int64]domain.Transaction),
		rewards:      make(map[int64]domain.RewardPoint),
		claims:       make(map[int64]time.Time),
		now:          time.Now,
	}
}

// PutUser inserts or replaces a user. A zero ID is assigned the next free one.
func (m *MemoryStore) PutUser(u domain.AppUser) domain.AppUser {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == 0 {
		m.nextUserID++
		u.ID = m.nextUserID
	} else if u.ID > m.nextUserID {
		m.nextUserID = u.ID
	}
	if u.Level == 0 {
		u.Level = domain.LevelFor(u.Points)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.now()
	}
	m.users[u.ID] = u
	return u
}

// PutMerchant inserts or replaces a merchant. A zero ID is assigned the next free one.
func (m *MemoryStore) PutMerchant(mc domain.Merchant) domain.Merchant {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mc.ID == 0 {
		m.nextMerchantID++
		mc.ID = m.nextMerchantID
	} else if mc.ID > m.nextMerchantID {
		m.nextMerchantID = mc.ID
	}
	m.merchants[mc.ID] = mc
	return mc
}

// PutCategory inserts or replaces a category.
func (m *MemoryStore) PutCategory(c domain.Category) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.categories[c.Code] = c
}

// Ping always succeeds.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id int64) (*domain.AppUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (m *MemoryStore) GetMerchant(ctx context.Context, id int64) (*domain.Merchant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.merchants[id]
	if !ok {
		return nil, ErrMerchantNotFound
	}
	return &mc, nil
}

func (m *MemoryStore) GetCategory(ctx context.Context, code string) (*domain.Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.categories[code]
	if !ok {
		return nil, ErrCategoryNotFound
	}
	return &c, nil
}

func (m *MemoryStore) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTxID++
	tx.ID = m.nextTxID
	tx.CreatedAt = m.now()
	m.transactions[tx.ID] = cloneTransaction(*tx)
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	t = cloneTransaction(t)
	return &t, nil
}

func (m *MemoryStore) SetReservation(ctx context.Context, id int64, reservationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if t.Status != domain.StatusPending {
		return ErrStaleState
	}
	t.ReservationID = &reservationID
	m.transactions[id] = t
	return nil
}

func (m *MemoryStore) ClaimApproval(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if t.Status != domain.StatusPending || m.claimedLocked(id) {
		return ErrStaleState
	}
	m.claims[id] = m.now()
	return nil
}

func (m *MemoryStore) ReleaseApproval(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, id)
	return nil
}

func (m *MemoryStore) RejectPending(ctx context.Context, id int64, reason string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if t.Status != domain.StatusPending || t.Source != domain.SourceGateway || m.claimedLocked(id) {
		return nil, ErrStaleState
	}
	t.Status = domain.StatusRejected
	t.RejectReason = &reason
	m.transactions[id] = t
	out := cloneTransaction(t)
	return &out, nil
}

func (m *MemoryStore) ExpirePending(ctx context.Context, before time.Time, limit int) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []domain.Transaction
	for _, t := range m.transactions {
		if t.Status == domain.StatusPending && t.CreatedAt.Before(before) && !m.claimedLocked(t.ID) {
			candidates = append(candidates, t)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	reason := "expired"
	expired := make([]domain.Transaction, 0, len(candidates))
	for _, t := range candidates {
		t.Status = domain.StatusRejected
		t.RejectReason = &reason
		m.transactions[t.ID] = t
		expired = append(expired, cloneTransaction(t))
	}
	return expired, nil
}

func (m *MemoryStore) RecordUnsettledApproval(ctx context.Context, u *domain.UnsettledApproval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.ID = int64(len(m.unsettled) + 1)
	u.CreatedAt = m.now()
	m.unsettled = append(m.unsettled, *u)
	return nil
}

// claimedLocked reports whether id carries a live approval claim. m.mu must be held.
func (m *MemoryStore) claimedLocked(id int64) bool {
	at, ok := m.claims[id]
	return ok && m.now().Sub(at) < ApprovalLease
}

func (m *MemoryStore) RecentRewards(ctx context.Context, userID int64, limit int) ([]domain.RewardPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RewardPoint
	for _, r := range m.rewards {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Settle mirrors Store.Settle: the state guard, the reward, the balance and the status
// flip are applied under one lock, and nothing is written when any check fails.
func (m *MemoryStore) Settle(ctx context.Context, st domain.Settlement) (*domain.SettlementResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transactions[st.TransactionID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if t.Status != domain.StatusPending {
		return nil, ErrStaleState
	}
	if t.UserID != st.UserID {
		return nil, fmt.Errorf("settlement user %d does not own transaction %d", st.UserID, st.TransactionID)
	}
	details, err := json.Marshal(st.Breakdown)
	if err != nil {
		return nil, err
	}

	res, err := m.awardLocked(st.UserID, st.TransactionID, st.Score, st.Reason)
	if err != nil {
		return nil, err
	}

	m.esgLogs = append(m.esgLogs, domain.EsgLog{
		ID:            int64(len(m.esgLogs) + 1),
		UserID:        st.UserID,
		TransactionID: st.TransactionID,
		MerchantID:    st.MerchantID,
		Details:       details,
		CreatedAt:     res.Reward.CreatedAt,
	})

	t.Status = domain.StatusConfirmed
	t.AuthorizationID = st.AuthorizationID
	t.PaymentMethod = st.PaymentMethod
	m.transactions[t.ID] = t
	delete(m.claims, t.ID)

	return res, nil
}

// AwardPoints records the reward for a transaction and credits the owner's balance
// without touching the transaction status.
func (m *MemoryStore) AwardPoints(ctx context.Context, userID, transactionID int64, score int, reason string) (*domain.SettlementResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[transactionID]; !ok {
		return nil, ErrTransactionNotFound
	}
	return m.awardLocked(userID, transactionID, score, reason)
}

func (m *MemoryStore) awardLocked(userID, transactionID int64, score int, reason string) (*domain.SettlementResult, error) {
	if _, exists := m.rewards[transactionID]; exists {
		return nil, ErrConflict
	}
	u, ok := m.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}

	points := int64(score) * domain.PointMultiplier
	m.nextRewardID++
	reward := domain.RewardPoint{
		ID:            m.nextRewardID,
		UserID:        userID,
		TransactionID: transactionID,
		Points:        points,
		EsgScore:      score,
		Reason:        reason,
		CreatedAt:     m.now(),
	}
	m.rewards[transactionID] = reward

	u.Points += points
	u.Level = domain.LevelFor(u.Points)
	m.users[u.ID] = u

	return &domain.SettlementResult{Reward: reward, Balance: u.Points, Level: u.Level}, nil
}

// RewardCount reports how many rewards exist for a transaction (0 or 1).
func (m *MemoryStore) RewardCount(transactionID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rewards[transactionID]; ok {
		return 1
	}
	return 0
}

// EsgLogs returns a copy of the recorded score breakdowns.
func (m *MemoryStore) EsgLogs() []domain.EsgLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.EsgLog(nil), m.esgLogs...)
}

// UnsettledApprovals returns a copy of the recorded unsettled gateway charges.
func (m *MemoryStore) UnsettledApprovals() []domain.UnsettledApproval {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.UnsettledApproval(nil), m.unsettled...)
}

// SetClock overrides the store's time source.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func cloneTransaction(t domain.Transaction) domain.Transaction {
	t.MerchantID = cloneInt64(t.MerchantID)
	t.ReservationID = cloneString(t.ReservationID)
	t.AuthorizationID = cloneString(t.AuthorizationID)
	t.PaymentMethod = cloneString(t.PaymentMethod)
	t.RejectReason = cloneString(t.RejectReason)
	return t
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
