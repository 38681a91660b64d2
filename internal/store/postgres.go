package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/greenpoint/ledgerops/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrMerchantNotFound    = errors.New("merchant not found")
	ErrCategoryNotFound    = errors.New("category not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrConflict means a reward already exists for the transaction.
	ErrConflict = errors.New("reward already recorded for transaction")
	// ErrStaleState means the transaction left PENDING before the write landed, or an
	// approval holds it.
	ErrStaleState = errors.New("transaction is not pending")
)

// ApprovalLease is how long an approval claim keeps cancel, fail and expiry away from a
// transaction. It outlives any gateway call.
const ApprovalLease = 2 * time.Minute

//go:embed schema.sql
var schemaSQL string

const transactionColumns = `id, user_id, merchant_id, amount, tx_time, lat, lng, source, status,
	reservation_id, authorization_id, payment_method, reject_reason, callback_token, created_at`

type Store struct {
	Db *pgxpool.Pool
}

func NewStore(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Db.Ping(ctx)
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("schema apply failed: %w", err)
	}
	return nil
}

// GetUser retrieves a single user by ID.
func (s *Store) GetUser(ctx context.Context, id int64) (*domain.AppUser, error) {
	var u domain.AppUser
	err := s.Db.QueryRow(ctx,
		"SELECT id, email, nickname, region, points, level, created_at FROM app_users WHERE id = $1",
		id,
	).Scan(&u.ID, &u.Email, &u.Nickname, &u.Region, &u.Points, &u.Level, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("user query failed: %w", err)
	}
	return &u, nil
}

// GetMerchant retrieves a merchant by ID.
func (s *Store) GetMerchant(ctx context.Context, id int64) (*domain.Merchant, error) {
	var m domain.Merchant
	var tier string
	err := s.Db.QueryRow(ctx,
		"SELECT id, name, category_code, lat, lng, region, esg_tier FROM merchants WHERE id = $1",
		id,
	).Scan(&m.ID, &m.Name, &m.CategoryCode, &m.Lat, &m.Lng, &m.Region, &tier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMerchantNotFound
		}
		return nil, fmt.Errorf("merchant query failed: %w", err)
	}
	m.EsgTier = domain.EsgTier(tier)
	return &m, nil
}

// GetCategory retrieves a category by its code.
func (s *Store) GetCategory(ctx context.Context, code string) (*domain.Category, error) {
	var c domain.Category
	err := s.Db.QueryRow(ctx,
		"SELECT code, name, esg_weight FROM categories WHERE code = $1",
		code,
	).Scan(&c.Code, &c.Name, &c.EsgWeight)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCategoryNotFound
		}
		return nil, fmt.Errorf("category query failed: %w", err)
	}
	return &c, nil
}

// CreateTransaction persists tx and fills in its ID and CreatedAt.
func (s *Store) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	err := s.Db.QueryRow(ctx,
		`INSERT INTO transactions (user_id, merchant_id, amount, tx_time, lat, lng, source, status, callback_token)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at`,
		tx.UserID, tx.MerchantID, tx.Amount, tx.TxTime, tx.Lat, tx.Lng, string(tx.Source), string(tx.Status), tx.CallbackToken,
	).Scan(&tx.ID, &tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("transaction insert failed: %w", err)
	}
	return nil
}

// GetTransaction retrieves transaction details.
func (s *Store) GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error) {
	t, err := scanTransaction(s.Db.QueryRow(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("transaction query failed: %w", err)
	}
	return t, nil
}

// SetReservation stores the gateway reservation id on a PENDING transaction.
func (s *Store) SetReservation(ctx context.Context, id int64, reservationID string) error {
	tag, err := s.Db.Exec(ctx,
		"UPDATE transactions SET reservation_id = $1 WHERE id = $2 AND status = 'PENDING'",
		reservationID, id,
	)
	if err != nil {
		return fmt.Errorf("reservation update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrStale(ctx, id)
	}
	return nil
}

// ClaimApproval marks a PENDING transaction as being approved at the gateway. While the
// claim is live, RejectPending and ExpirePending leave the row alone and a second claim
// fails with ErrStaleState.
func (s *Store) ClaimApproval(ctx context.Context, id int64) error {
	tag, err := s.Db.Exec(ctx,
		`UPDATE transactions SET approving_at = now()
		 WHERE id = $1 AND status = 'PENDING' AND `+unclaimed(2),
		id, ApprovalLease.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("approval claim failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrStale(ctx, id)
	}
	return nil
}

// ReleaseApproval drops the approval claim after a failed gateway call.
func (s *Store) ReleaseApproval(ctx context.Context, id int64) error {
	_, err := s.Db.Exec(ctx,
		"UPDATE transactions SET approving_at = NULL WHERE id = $1 AND status = 'PENDING'", id)
	if err != nil {
		return fmt.Errorf("approval release failed: %w", err)
	}
	return nil
}

// RejectPending moves an unclaimed PENDING gateway-routed transaction to REJECTED.
func (s *Store) RejectPending(ctx context.Context, id int64, reason string) (*domain.Transaction, error) {
	t, err := scanTransaction(s.Db.QueryRow(ctx,
		`UPDATE transactions SET status = 'REJECTED', reject_reason = $1
		 WHERE id = $2 AND status = 'PENDING' AND source = $3 AND `+unclaimed(4)+`
		 RETURNING `+transactionColumns,
		reason, id, string(domain.SourceGateway), ApprovalLease.Seconds(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.missOrStale(ctx, id)
		}
		return nil, fmt.Errorf("reject update failed: %w", err)
	}
	return t, nil
}

// ExpirePending rejects transactions of any source left PENDING since before the cutoff.
// Rows under an approval claim or locked by a settlement are skipped and picked up on a
// later run.
func (s *Store) ExpirePending(ctx context.Context, before time.Time, limit int) ([]domain.Transaction, error) {
	rows, err := s.Db.Query(ctx,
		`UPDATE transactions SET status = 'REJECTED', reject_reason = 'expired'
		 WHERE id IN (
		     SELECT id FROM transactions
		     WHERE status = 'PENDING' AND created_at < $1 AND `+unclaimed(3)+`
		     ORDER BY created_at
		     LIMIT $2
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+transactionColumns,
		before, limit, ApprovalLease.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("expiry update failed: %w", err)
	}
	defer rows.Close()

	var expired []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("expiry scan failed: %w", err)
		}
		expired = append(expired, *t)
	}
	return expired, rows.Err()
}

// RecordUnsettledApproval keeps a captured gateway charge whose settlement failed.
func (s *Store) RecordUnsettledApproval(ctx context.Context, u *domain.UnsettledApproval) error {
	err := s.Db.QueryRow(ctx,
		`INSERT INTO unsettled_approvals (transaction_id, reservation_id, authorization_id, payment_method, error)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		u.TransactionID, u.ReservationID, u.AuthorizationID, u.PaymentMethod, u.Error,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return fmt.Errorf("unsettled approval insert failed: %w", err)
	}
	return nil
}

// RecentRewards returns the user's newest rewards first.
func (s *Store) RecentRewards(ctx context.Context, userID int64, limit int) ([]domain.RewardPoint, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT id, user_id, transaction_id, points, esg_score, COALESCE(reason, ''), created_at
		 FROM reward_points WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("reward query failed: %w", err)
	}
	defer rows.Close()

	var rewards []domain.RewardPoint
	for rows.Next() {
		var r domain.RewardPoint
		if err := rows.Scan(&r.ID, &r.UserID, &r.TransactionID, &r.Points, &r.EsgScore, &r.Reason, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("reward scan failed: %w", err)
		}
		rewards = append(rewards, r)
	}
	return rewards, rows.Err()
}

func (s *Store) missOrStale(ctx context.Context, id int64) error {
	var exists bool
	err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("transaction existence check failed: %w", err)
	}
	if !exists {
		return ErrTransactionNotFound
	}
	return ErrStaleState
}

// unclaimed matches rows without a live approval claim. Parameter n carries the lease
// in seconds.
func unclaimed(n int) string {
	return fmt.Sprintf("(approving_at IS NULL OR approving_at < now() - $%d::float8 * interval '1 second')", n)
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var source, status string
	err := row.Scan(&t.ID, &t.UserID, &t.MerchantID, &t.Amount, &t.TxTime, &t.Lat, &t.Lng, &source, &status,
		&t.ReservationID, &t.AuthorizationID, &t.PaymentMethod, &t.RejectReason, &t.CallbackToken, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Source = domain.PaymentSource(source)
	t.Status = domain.TxStatus(status)
	return &t, nil
}
