package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/greenpoint/ledgerops/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// Settle confirms a PENDING transaction and awards its points in one database transaction.
// The transaction row lock serializes concurrent settlements of the same id; the unique
// constraint on reward_points.transaction_id is the final guard against a double award.
func (s *Store) Settle(ctx context.Context, st domain.Settlement) (*domain.SettlementResult, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the transaction row and check the state guard
	var status string
	var userID int64
	err = tx.QueryRow(ctx,
		"SELECT status, user_id FROM transactions WHERE id = $1 FOR UPDATE",
		st.TransactionID,
	).Scan(&status, &userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("transaction lock failed: %w", err)
	}
	if domain.TxStatus(status) != domain.StatusPending {
		return nil, ErrStaleState
	}
	if userID != st.UserID {
		return nil, fmt.Errorf("settlement user %d does not own transaction %d", st.UserID, st.TransactionID)
	}

	// 2. Reward + balance
	res, err := awardPoints(ctx, tx, st.UserID, st.TransactionID, st.Score, st.Reason)
	if err != nil {
		return nil, err
	}

	// 3. Score breakdown
	details, err := json.Marshal(st.Breakdown)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx,
		"INSERT INTO esg_logs (user_id, transaction_id, merchant_id, details) VALUES ($1, $2, $3, $4)",
		st.UserID, st.TransactionID, st.MerchantID, details,
	)
	if err != nil {
		return nil, fmt.Errorf("esg log insert failed: %w", err)
	}

	// 4. Flip status
	_, err = tx.Exec(ctx,
		`UPDATE transactions SET status = 'CONFIRMED', authorization_id = $1, payment_method = $2,
		     approving_at = NULL
		 WHERE id = $3`,
		st.AuthorizationID, st.PaymentMethod, st.TransactionID,
	)
	if err != nil {
		return nil, fmt.Errorf("status update failed: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return res, nil
}

// AwardPoints records the reward for an existing transaction and credits its owner
// without changing the transaction status. A second award for the same id fails with
// ErrConflict.
func (s *Store) AwardPoints(ctx context.Context, userID, transactionID int64, score int, reason string) (*domain.SettlementResult, error) {
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := awardPoints(ctx, tx, userID, transactionID, score, reason)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return res, nil
}

// awardPoints records the single reward for a transaction and credits the user's balance.
// Both writes share tx so neither is visible without the other.
func awardPoints(ctx context.Context, tx pgx.Tx, userID, transactionID int64, score int, reason string) (*domain.SettlementResult, error) {
	points := int64(score) * domain.PointMultiplier

	var reward domain.RewardPoint
	err := tx.QueryRow(ctx,
		`INSERT INTO reward_points (user_id, transaction_id, points, esg_score, reason)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, user_id, transaction_id, points, esg_score, reason, created_at`,
		userID, transactionID, points, score, reason,
	).Scan(&reward.ID, &reward.UserID, &reward.TransactionID, &reward.Points, &reward.EsgScore, &reward.Reason, &reward.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("reward insert failed: %w", err)
	}

	// Level is derived from the post-increment balance in the same statement.
	var balance int64
	var level int
	err = tx.QueryRow(ctx,
		`UPDATE app_users
		 SET points = points + $1, level = ((points + $1) / 1000) + 1
		 WHERE id = $2
		 RETURNING points, level`,
		points, userID,
	).Scan(&balance, &level)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("balance update failed: %w", err)
	}

	return &domain.SettlementResult{Reward: reward, Balance: balance, Level: level}, nil
}
