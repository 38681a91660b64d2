package store

import (
	"context"
	"fmt"
	"time"

	"github.com/greenpoint/ledgerops/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const seedRegion = "경기 용인시 처인구 모현읍"

// SeedCategories are the ESG categories every environment starts with.
var SeedCategories = []domain.Category{
	{Code: "ECO", Name: "Eco-friendly", EsgWeight: 1.2},
	{Code: "VEGAN", Name: "Vegan", EsgWeight: 1.5},
	{Code: "RECYCLE", Name: "Recycling", EsgWeight: 1.3},
	{Code: "LOCAL", Name: "Local business", EsgWeight: 1.1},
}

// SeedMerchants are the demo merchants around the campus. Their category codes are
// intentionally outside SeedCategories, so scoring falls back to the default weight.
var SeedMerchants = []domain.Merchant{
	{Name: "리오브리또", CategoryCode: "FNB", Lat: decimal.RequireFromString("37.3372300"), Lng: decimal.RequireFromString("127.2658900"), Region: seedRegion, EsgTier: domain.TierB},
	{Name: "한국외대 상가·맘스터치", CategoryCode: "CAMPUS", Lat: decimal.RequireFromString("37.3369800"), Lng: decimal.RequireFromString("127.2689300"), Region: seedRegion, EsgTier: domain.TierA},
	{Name: "디저트39 용인외대점", CategoryCode: "CAFE", Lat: decimal.RequireFromString("37.3375500"), Lng: decimal.RequireFromString("127.2662100"), Region: seedRegion, EsgTier: domain.TierB},
}

// SeedUsers are the demo accounts.
var SeedUsers = []domain.AppUser{
	{Email: "demo@greenpoint.example", Nickname: "demo", Region: seedRegion},
	{Email: "visitor@greenpoint.example", Nickname: "visitor", Region: "서울 동대문구"},
}

// SeedReport counts the rows a seed run actually inserted.
type SeedReport struct {
	Categories int64
	Merchants  int64
	Users      int64
}

// Seed inserts the demo dataset. Rows that already exist are left untouched, so the
// call is safe to repeat.
func (s *Store) Seed(ctx context.Context) (SeedReport, error) {
	var report SeedReport

	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return report, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, c := range SeedCategories {
		batch.Queue(`INSERT INTO categories (code, name, esg_weight) VALUES ($1, $2, $3)
			ON CONFLICT (code) DO NOTHING`, c.Code, c.Name, c.EsgWeight)
	}
	for _, m := range SeedMerchants {
		batch.Queue(`INSERT INTO merchants (name, category_code, lat, lng, region, esg_tier)
			VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (name) DO NOTHING`,
			m.Name, m.CategoryCode, m.Lat, m.Lng, m.Region, string(m.EsgTier))
	}
	for _, u := range SeedUsers {
		batch.Queue(`INSERT INTO app_users (email, nickname, region) VALUES ($1, $2, $3)
			ON CONFLICT (email) DO NOTHING`, u.Email, u.Nickname, u.Region)
	}

	results := tx.SendBatch(ctx, batch)
	counters := make([]*int64, 0, batch.Len())
	for range SeedCategories {
		counters = append(counters, &report.Categories)
	}
	for range SeedMerchants {
		counters = append(counters, &report.Merchants)
	}
	for range SeedUsers {
		counters = append(counters, &report.Users)
	}
	for _, counter := range counters {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return report, fmt.Errorf("seed insert failed: %w", err)
		}
		*counter += tag.RowsAffected()
	}
	if err := results.Close(); err != nil {
		return report, fmt.Errorf("seed batch failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return report, fmt.Errorf("tx commit failed: %w", err)
	}
	return report, nil
}

// SeedLoadUsers bulk-inserts n synthetic users for load testing, using the email
// prefix to keep them apart from real accounts. It returns the number of rows copied.
func (s *Store) SeedLoadUsers(ctx context.Context, prefix string, n int) (int64, error) {
	var existing int
	err := s.Db.QueryRow(ctx,
		"SELECT COUNT(*) FROM app_users WHERE email LIKE $1", prefix+"%",
	).Scan(&existing)
	if err != nil {
		return 0, fmt.Errorf("user count failed: %w", err)
	}
	if existing >= n {
		return 0, nil
	}

	now := time.Now()
	rows := make([][]any, 0, n-existing)
	for i := existing; i < n; i++ {
		rows = append(rows, []any{
			fmt.Sprintf("%s%04d@greenpoint.example", prefix, i+1),
			fmt.Sprintf("%s%04d", prefix, i+1),
			seedRegion,
			now,
		})
	}

	copied, err := s.Db.CopyFrom(ctx,
		pgx.Identifier{"app_users"},
		[]string{"email", "nickname", "region", "created_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("bulk insert failed: %w", err)
	}
	return copied, nil
}

// Seed loads the demo dataset into an empty MemoryStore.
func (m *MemoryStore) Seed() SeedReport {
	var report SeedReport
	for _, c := range SeedCategories {
		m.PutCategory(c)
		report.Categories++
	}
	for _, mc := range SeedMerchants {
		m.PutMerchant(mc)
		report.Merchants++
	}
	for _, u := range SeedUsers {
		m.PutUser(u)
		report.Users++
	}
	return report
}
