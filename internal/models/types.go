package models

import (
	"time"

	"github.com/greenpoint/ledgerops/internal/domain"
	"github.com/shopspring/decimal"
)

// Geo is an optional purchase location.
type Geo struct {
	Lat decimal.Decimal `json:"lat"`
	Lng decimal.Decimal `json:"lng"`
}

// TransactionRequest is the payload from the client for both the direct and gateway flows.
type TransactionRequest struct {
	Amount     int64                `json:"amount"`
	TxTime     *time.Time           `json:"tx_time,omitempty"`
	Geo        *Geo                 `json:"geo,omitempty"`
	MerchantID *int64               `json:"merchant_id,omitempty"`
	Source     domain.PaymentSource `json:"source"`
	ItemName   string               `json:"item_name,omitempty"`
	Quantity   int                  `json:"quantity,omitempty"`
}

// MatchedMerchant summarises the merchant a purchase was matched to.
type MatchedMerchant struct {
	ID   int64           `json:"id"`
	Name string          `json:"name"`
	Lat  decimal.Decimal `json:"lat"`
	Lng  decimal.Decimal `json:"lng"`
}

// TransactionResponse is the canonical response for a settled transaction.
type TransactionResponse struct {
	TransactionID   int64            `json:"transaction_id"`
	MatchedMerchant *MatchedMerchant `json:"matched_merchant"`
	EsgScore        int              `json:"esg_score"`
	PointsEarned    int64            `json:"points_earned"`
	UserPoints      int64            `json:"user_points"`
	Tier            *domain.EsgTier  `json:"tier"`
}

// RecentReward is one line of the balance view.
type RecentReward struct {
	Points    int64     `json:"points"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// BalanceResponse is the user's running balance and level.
type BalanceResponse struct {
	Points        int64          `json:"points"`
	Level         int            `json:"level"`
	RecentRewards []RecentReward `json:"recent_rewards"`
}

// SettlementEvent is published after a ledger commit or a rejection.
type SettlementEvent struct {
	EventID       string          `json:"event_id"`
	TransactionID int64           `json:"transaction_id"`
	UserID        int64           `json:"user_id"`
	Status        domain.TxStatus `json:"status"`
	EsgScore      int             `json:"esg_score,omitempty"`
	Points        int64           `json:"points,omitempty"`
	Balance       int64           `json:"balance,omitempty"`
	Level         int             `json:"level,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}
