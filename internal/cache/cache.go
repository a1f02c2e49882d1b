package cache

import (
	"context"
	"time"

	"kasirledger/backend/internal/domain"
)

// StockCache holds computed StockLevel views. Every committed stock change
// invalidates the product, which also bumps its version. A fill carries the
// version read before the view was computed and is dropped if the product
// was invalidated in between.
type StockCache interface {
	Get(ctx context.Context, productID string) (*domain.StockLevel, bool, error)
	Version(ctx context.Context, productID string) (int64, error)
	Set(ctx context.Context, productID string, version int64, value *domain.StockLevel, ttl time.Duration) error
	Invalidate(ctx context.Context, productIDs ...string) error
}

type NoopStockCache struct{}

func (NoopStockCache) Get(_ context.Context, _ string) (*domain.StockLevel, bool, error) {
	return nil, false, nil
}

func (NoopStockCache) Version(_ context.Context, _ string) (int64, error) {
	return 0, nil
}

func (NoopStockCache) Set(_ context.Context, _ string, _ int64, _ *domain.StockLevel, _ time.Duration) error {
	return nil
}

func (NoopStockCache) Invalidate(_ context.Context, _ ...string) error {
	return nil
}
