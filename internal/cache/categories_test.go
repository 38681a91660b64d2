package cache

import (
	"context"
	"testing"
	"time"

	"github.com/greenpoint/ledgerops/internal/domain"
	"github.com/greenpoint/ledgerops/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	categories map[string]domain.Category
	calls      int
}

func (s *countingSource) GetCategory(ctx context.Context, code string) (*domain.Category, error) {
	s.calls++
	c, ok := s.categories[code]
	if !ok {
		return nil, store.ErrCategoryNotFound
	}
	return &c, nil
}

// unreachableClient points at a closed port so every command fails fast.
func unreachableClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestCategories_Key(t *testing.T) {
	c := NewCategories(unreachableClient(t), &countingSource{}, 0, "ledger:cat:")
	assert.Equal(t, "ledger:cat:ECO", c.key("ECO"))

	c = NewCategories(unreachableClient(t), &countingSource{}, 0, "")
	assert.Equal(t, "greenpoint:category:VEGAN", c.key("VEGAN"))
	assert.Equal(t, 5*time.Minute, c.ttl)
}

func TestCategories_FallsThroughWhenRedisIsDown(t *testing.T) {
	src := &countingSource{categories: map[string]domain.Category{
		"ECO": {Code: "ECO", Name: "Eco-friendly", EsgWeight: 1.2},
	}}
	c := NewCategories(unreachableClient(t), src, time.Minute, "")

	cat, err := c.GetCategory(context.Background(), "ECO")
	require.NoError(t, err)
	assert.Equal(t, 1.2, cat.EsgWeight)

	_, err = c.GetCategory(context.Background(), "UNKNOWN")
	assert.ErrorIs(t, err, store.ErrCategoryNotFound)
	assert.Equal(t, 2, src.calls)
}

func TestCategories_WithRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("needs a local redis")
	}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379", DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}

	src := &countingSource{categories: map[string]domain.Category{
		"LOCAL": {Code: "LOCAL", Name: "Local business", EsgWeight: 1.1},
	}}
	prefix := "greenpoint:test:" + time.Now().Format("150405.000000")
	c := NewCategories(client, src, time.Minute, prefix)
	ctx := context.Background()
	t.Cleanup(func() {
		_ = c.Invalidate(ctx, "LOCAL")
		_ = c.Invalidate(ctx, "NONE")
	})

	for i := 0; i < 3; i++ {
		cat, err := c.GetCategory(ctx, "LOCAL")
		require.NoError(t, err)
		assert.Equal(t, 1.1, cat.EsgWeight)
	}
	assert.Equal(t, 1, src.calls, "later reads are served from redis")

	for i := 0; i < 2; i++ {
		_, err := c.GetCategory(ctx, "NONE")
		assert.ErrorIs(t, err, store.ErrCategoryNotFound)
	}
	assert.Equal(t, 2, src.calls, "misses are cached too")
}
