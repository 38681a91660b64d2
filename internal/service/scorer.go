package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/greenpoint/ledgerops/internal/domain"
	"github.com/greenpoint/ledgerops/internal/store"
)

const (
	// DefaultWeight applies when a merchant's category code is not in the table.
	DefaultWeight = 1.0
	RegionalBonus = 2
)

// CategoryTable resolves a category code to its ESG weight.
type CategoryTable interface {
	GetCategory(ctx context.Context, code string) (*domain.Category, error)
}

// Score computes the ESG score of a purchase. A nil merchant scores 0.
// Rounding is half away from zero: 69.5 becomes 70.
func Score(amount int64, merchant *domain.Merchant, weight float64, purchaserRegion string) domain.ScoreBreakdown {
	if merchant == nil {
		return domain.ScoreBreakdown{}
	}

	b := domain.ScoreBreakdown{
		Base:      base(amount),
		Weight:    weight,
		TierBonus: merchant.EsgTier.Bonus(),
	}
	if purchaserRegion == merchant.Region {
		b.RegionalBonus = RegionalBonus
	}
	b.Final = int(math.Round(b.Base*b.Weight + float64(b.RegionalBonus) + float64(b.TierBonus)))
	if b.Final < 0 {
		b.Final = 0
	}
	return b
}

// base is floor(10*log10(amount+10)). math.Log10 can land just below an exact power
// of ten, so those boundaries are checked with integer arithmetic.
func base(amount int64) float64 {
	x := amount + 10
	k := int64(math.Floor(10 * math.Log10(float64(x))))
	if (k+1)%10 == 0 && x >= pow10((k+1)/10) {
		k++
	}
	return float64(k)
}

func pow10(n int64) int64 {
	if n > 18 {
		return math.MaxInt64
	}
	p := int64(1)
	for i := int64(0); i < n; i++ {
		p *= 10
	}
	return p
}

// Points converts a score into reward points.
func Points(score int) int64 {
	return int64(score) * domain.PointMultiplier
}

// Scorer scores purchases against a category weight table.
type Scorer struct {
	categories CategoryTable
}

func NewScorer(categories CategoryTable) *Scorer {
	return &Scorer{categories: categories}
}

// Score looks up the merchant's category weight and scores the purchase.
// An unknown category falls back to DefaultWeight; other lookup errors are returned.
func (s *Scorer) Score(ctx context.Context, amount int64, merchant *domain.Merchant, purchaserRegion string) (domain.ScoreBreakdown, error) {
	if merchant == nil {
		return Score(amount, nil, 0, purchaserRegion), nil
	}
	weight, err := s.weight(ctx, merchant.CategoryCode)
	if err != nil {
		return domain.ScoreBreakdown{}, err
	}
	return Score(amount, merchant, weight, purchaserRegion), nil
}

func (s *Scorer) weight(ctx context.Context, code string) (float64, error) {
	if code == "" {
		return DefaultWeight, nil
	}
	c, err := s.categories.GetCategory(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrCategoryNotFound) {
			return DefaultWeight, nil
		}
		return 0, fmt.Errorf("category weight lookup failed: %w", err)
	}
	if c.EsgWeight <= 0 {
		return DefaultWeight, nil
	}
	return c.EsgWeight, nil
}
