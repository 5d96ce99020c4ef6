package cache

import (
	"context"
	"time"

	"tillcore/backend/internal/domain"
)

// CurrencyCache holds the currency table between store reads. A miss is
// reported with ok=false and a nil error.
type CurrencyCache interface {
	Get(ctx context.Context, key string) ([]domain.Currency, bool, error)
	Set(ctx context.Context, key string, value []domain.Currency, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type NoopCurrencyCache struct{}

func (NoopCurrencyCache) Get(_ context.Context, _ string) ([]domain.Currency, bool, error) {
	return nil, false, nil
}

func (NoopCurrencyCache) Set(_ context.Context, _ string, _ []domain.Currency, _ time.Duration) error {
	return nil
}

func (NoopCurrencyCache) Delete(_ context.Context, _ string) error {
	return nil
}
