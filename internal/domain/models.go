package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PointMultiplier converts an ESG score into reward points.
const PointMultiplier = 10

// LevelFor derives a user's level from their running point balance.
func LevelFor(balance int64) int {
	if balance < 0 {
		return 1
	}
	return int(balance/1000) + 1
}

// TxStatus is the lifecycle state of a Transaction.
// Only PENDING->CONFIRMED and PENDING->REJECTED are legal.
type TxStatus string

const (
	StatusPending   TxStatus = "PENDING"
	StatusConfirmed TxStatus = "CONFIRMED"
	StatusRejected  TxStatus = "REJECTED"
)

// Terminal reports whether no further transition is allowed.
func (s TxStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusRejected
}

// PaymentSource is where the purchase was paid from.
type PaymentSource string

const (
	SourceManual      PaymentSource = "MOCK"
	SourceCardNetwork PaymentSource = "CARD_X"
	SourceCampusCard  PaymentSource = "CAMPUS_CARD"
	SourceGateway     PaymentSource = "GATEWAY"
	SourceWeb         PaymentSource = "WEB"
)

// Valid reports whether s is one of the known sources.
func (s PaymentSource) Valid() bool {
	switch s {
	case SourceManual, SourceCardNetwork, SourceCampusCard, SourceGateway, SourceWeb:
		return true
	}
	return false
}

// EsgTier grades a merchant, A being the best.
type EsgTier string

const (
	TierA EsgTier = "A"
	TierB EsgTier = "B"
	TierC EsgTier = "C"
	TierD EsgTier = "D"
)

// Bonus is the flat score bonus granted for the tier.
func (t EsgTier) Bonus() int {
	switch t {
	case TierA:
		return 3
	case TierB:
		return 2
	case TierC:
		return 1
	default:
		return 0
	}
}

// Valid reports whether t is one of the four grades.
func (t EsgTier) Valid() bool {
	switch t {
	case TierA, TierB, TierC, TierD:
		return true
	}
	return false
}

// AppUser holds the ledger-relevant part of a user account.
type AppUser struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Nickname  string    `json:"nickname"`
	Region    string    `json:"region"`
	Points    int64     `json:"points"`
	Level     int       `json:"level"`
	CreatedAt time.Time `json:"created_at"`
}

// Merchant is a point of sale rated by ESG tier.
type Merchant struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	CategoryCode string          `json:"category_code"`
	Lat          decimal.Decimal `json:"lat"`
	Lng          decimal.Decimal `json:"lng"`
	Region       string          `json:"region"`
	EsgTier      EsgTier         `json:"esg_tier"`
}

// Category carries the ESG weight multiplier for merchants in it.
type Category struct {
	Code      string  `json:"code"`
	Name      string  `json:"name"`
	EsgWeight float64 `json:"esg_weight"`
}

// Transaction is one purchase attempt.
type Transaction struct {
	ID              int64               `json:"id"`
	UserID          int64               `json:"user_id"`
	MerchantID      *int64              `json:"merchant_id,omitempty"`
	Amount          int64               `json:"amount"`
	TxTime          time.Time           `json:"tx_time"`
	Lat             decimal.NullDecimal `json:"lat"`
	Lng             decimal.NullDecimal `json:"lng"`
	Source          PaymentSource       `json:"source"`
	Status          TxStatus            `json:"status"`
	ReservationID   *string             `json:"reservation_id,omitempty"`
	AuthorizationID *string             `json:"authorization_id,omitempty"`
	PaymentMethod   *string             `json:"payment_method,omitempty"`
	RejectReason    *string             `json:"reject_reason,omitempty"`
	// CallbackToken authenticates the gateway redirects for this transaction.
	CallbackToken string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// RewardPoint is the single award bound to a confirmed transaction.
type RewardPoint struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	TransactionID int64     `json:"transaction_id"`
	Points        int64     `json:"points"`
	EsgScore      int       `json:"esg_score"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
}

// ScoreBreakdown records how an ESG score was produced.
type ScoreBreakdown struct {
	Base          float64 `json:"base"`
	Weight        float64 `json:"weight"`
	RegionalBonus int     `json:"regional_bonus"`
	TierBonus     int     `json:"tier_bonus"`
	Final         int     `json:"final"`
}

// EsgLog stores the breakdown of one scored transaction.
type EsgLog struct {
	ID            int64           `json:"id"`
	UserID        int64           `json:"user_id"`
	TransactionID int64           `json:"transaction_id"`
	MerchantID    *int64          `json:"merchant_id,omitempty"`
	Details       json.RawMessage `json:"details"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Settlement is the input to the ledger's confirm-and-award step.
// AuthorizationID and PaymentMethod are set for gateway-routed transactions only.
type Settlement struct {
	TransactionID   int64
	UserID          int64
	MerchantID      *int64
	Score           int
	Breakdown       ScoreBreakdown
	Reason          string
	AuthorizationID *string
	PaymentMethod   *string
}

// UnsettledApproval is a gateway charge that was captured but could not be settled.
// It is kept for manual reconciliation.
type UnsettledApproval struct {
	ID              int64     `json:"id"`
	TransactionID   int64     `json:"transaction_id"`
	ReservationID   string    `json:"reservation_id"`
	AuthorizationID string    `json:"authorization_id"`
	PaymentMethod   string    `json:"payment_method"`
	Error           string    `json:"error"`
	CreatedAt       time.Time `json:"created_at"`
}

// SettlementResult is what the ledger committed.
type SettlementResult struct {
	Reward  RewardPoint
	Balance int64
	Level   int
}
