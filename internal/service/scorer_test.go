package service

import (
	"context"
	"errors"
	"testing"

	"github.com/greenpoint/ledgerops/internal/domain"
	"github.com/greenpoint/ledgerops/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type categoryFunc func(ctx context.Context, code string) (*domain.Category, error)

func (f categoryFunc) GetCategory(ctx context.Context, code string) (*domain.Category, error) {
	return f(ctx, code)
}

func TestScore_Formula(t *testing.T) {
	tests := []struct {
		name     string
		amount   int64
		tier     domain.EsgTier
		weight   float64
		region   string
		wantBase float64
		want     int
	}{
		{"tier B weight 1.2 no region match", 15800, domain.TierB, 1.2, "Busan", 41, 51},
		{"tier A weight 1.5 region match rounds half up", 20000, domain.TierA, 1.5, "Seoul", 43, 70},
		{"tier C default weight", 990, domain.TierC, 1.0, "Busan", 30, 31},
		{"tier D zero amount", 0, domain.TierD, 1.0, "Busan", 10, 10},
		{"small weight", 100, domain.TierD, 0.5, "Busan", 20, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &domain.Merchant{EsgTier: tt.tier, Region: "Seoul"}
			b := Score(tt.amount, m, tt.weight, tt.region)
			assert.Equal(t, tt.wantBase, b.Base)
			assert.Equal(t, tt.want, b.Final)
			assert.Equal(t, tt.want, Score(tt.amount, m, tt.weight, tt.region).Final, "score must be deterministic")
		})
	}
}

func TestScore_Bonuses(t *testing.T) {
	m := &domain.Merchant{EsgTier: domain.TierA, Region: "Seoul"}

	b := Score(20000, m, 1.5, "Seoul")
	assert.Equal(t, RegionalBonus, b.RegionalBonus)
	assert.Equal(t, 3, b.TierBonus)

	b = Score(20000, m, 1.5, "seoul")
	assert.Equal(t, 0, b.RegionalBonus, "region match is exact")
}

func TestScore_NoMerchantIsZero(t *testing.T) {
	for _, amount := range []int64{0, 1, 1000, 15800, 1_000_000_000} {
		assert.Equal(t, domain.ScoreBreakdown{}, Score(amount, nil, 1.5, "Seoul"))
	}
	assert.Equal(t, int64(0), Points(0))
	assert.Equal(t, int64(510), Points(51))
}

func TestScorer_UnknownCategoryFallsBack(t *testing.T) {
	s := NewScorer(categoryFunc(func(ctx context.Context, code string) (*domain.Category, error) {
		return nil, store.ErrCategoryNotFound
	}))
	m := &domain.Merchant{CategoryCode: "MISSING", EsgTier: domain.TierB, Region: "Busan"}

	b, err := s.Score(context.Background(), 15800, m, "Seoul")
	require.NoError(t, err)
	assert.Equal(t, DefaultWeight, b.Weight)
	assert.Equal(t, 43, b.Final)
}

func TestScorer_UsesCategoryWeight(t *testing.T) {
	s := NewScorer(categoryFunc(func(ctx context.Context, code string) (*domain.Category, error) {
		assert.Equal(t, "ECO", code)
		return &domain.Category{Code: "ECO", EsgWeight: 1.2}, nil
	}))
	m := &domain.Merchant{CategoryCode: "ECO", EsgTier: domain.TierB, Region: "Busan"}

	b, err := s.Score(context.Background(), 15800, m, "Seoul")
	require.NoError(t, err)
	assert.Equal(t, 51, b.Final)
}

func TestScorer_LookupErrorPropagates(t *testing.T) {
	boom := errors.New("connection refused")
	s := NewScorer(categoryFunc(func(ctx context.Context, code string) (*domain.Category, error) {
		return nil, boom
	}))
	m := &domain.Merchant{CategoryCode: "ECO", EsgTier: domain.TierB}

	_, err := s.Score(context.Background(), 15800, m, "Seoul")
	assert.ErrorIs(t, err, boom)
}

func TestScorer_NilMerchantSkipsLookup(t *testing.T) {
	s := NewScorer(categoryFunc(func(ctx context.Context, code string) (*domain.Category, error) {
		t.Fatal("category lookup must not run without a merchant")
		return nil, nil
	}))

	b, err := s.Score(context.Background(), 1000, nil, "Seoul")
	require.NoError(t, err)
	assert.Equal(t, 0, b.Final)
}

func TestBase_PowersOfTen(t *testing.T) {
	assert.Equal(t, 10.0, base(0))
	assert.Equal(t, 20.0, base(90))
	assert.Equal(t, 30.0, base(990))
	assert.Equal(t, 29.0, base(989))
	assert.Equal(t, 60.0, base(999_990))
	assert.Equal(t, 59.0, base(999_989))
}
