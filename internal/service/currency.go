package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tillcore/backend/internal/currency"
	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/events"
	"tillcore/backend/internal/rates"
	"tillcore/backend/internal/store"
)

const currencyCacheKey = "tillcore:currencies:v1"

const maxCurrencyDecimals = 8

// currencies reads the table through the cache. Concurrent misses share one
// store read. Cache failures fall back to the store.
func (s *Service) currencies(ctx context.Context) ([]domain.Currency, error) {
	cached, ok, err := s.currencyCache.Get(ctx, currencyCacheKey)
	if err != nil {
		s.logger.Warn("currency cache read failed", zap.Error(err))
	}
	if ok {
		return cached, nil
	}

	v, err, _ := s.loads.Do(currencyCacheKey, func() (any, error) {
		loaded, err := s.repo.ListCurrencies(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.currencyCache.Set(ctx, currencyCacheKey, loaded, s.cacheTTL); err != nil {
			s.logger.Warn("currency cache write failed", zap.Error(err))
		}
		return loaded, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load currencies: %w", err)
	}
	return v.([]domain.Currency), nil
}

func (s *Service) resolver(ctx context.Context) (*currency.Resolver, error) {
	table, err := s.currencies(ctx)
	if err != nil {
		return nil, err
	}
	return currency.NewResolver(s.settings.BaseCurrency, table), nil
}

func (s *Service) ListCurrencies(ctx context.Context) (domain.CurrencyListResponse, error) {
	table, err := s.currencies(ctx)
	if err != nil {
		return domain.CurrencyListResponse{}, err
	}
	return domain.CurrencyListResponse{Currencies: table}, nil
}

func validateCurrencyTable(table []domain.Currency, base string) ([]domain.Currency, error) {
	if len(table) == 0 {
		return nil, store.Invalid("currencies", "at least one currency is required")
	}
	seen := make(map[string]struct{}, len(table))
	out := make([]domain.Currency, 0, len(table))
	for _, c := range table {
		c.Code = currency.Normalize(c.Code)
		if c.Code == "" {
			return nil, store.Invalid("code", "is required")
		}
		if _, dup := seen[c.Code]; dup {
			return nil, store.Invalid("code", "duplicate currency "+c.Code)
		}
		seen[c.Code] = struct{}{}
		if !c.Rate.IsPositive() {
			return nil, store.Invalid("rate", "rate for "+c.Code+" must be greater than zero")
		}
		if c.Decimals < 0 || c.Decimals > maxCurrencyDecimals {
			return nil, store.Invalid("decimals", fmt.Sprintf("decimals for %s must be between 0 and %d", c.Code, maxCurrencyDecimals))
		}
		out = append(out, c)
	}
	if _, ok := seen[base]; !ok {
		return nil, store.Invalid("currencies", "base currency "+base+" must be present")
	}
	return out, nil
}

func (s *Service) ReplaceCurrencies(ctx context.Context, req domain.CurrencyReplaceRequest) (domain.CurrencyListResponse, error) {
	if _, err := requireRole(ctx, "admin"); err != nil {
		return domain.CurrencyListResponse{}, err
	}
	table, err := validateCurrencyTable(req.Currencies, s.settings.BaseCurrency)
	if err != nil {
		return domain.CurrencyListResponse{}, err
	}
	if err := s.storeCurrencies(ctx, table); err != nil {
		return domain.CurrencyListResponse{}, err
	}
	s.logAudit(ctx, "currency_table.replace", "currency_table", s.settings.BaseCurrency, fmt.Sprintf("currencies=%d", len(table)))
	return domain.CurrencyListResponse{Currencies: table}, nil
}

// RefreshRates pulls a snapshot from the configured rate source and merges it
// into the current table.
func (s *Service) RefreshRates(ctx context.Context) (domain.CurrencyListResponse, error) {
	if _, err := requireRole(ctx, "admin"); err != nil {
		return domain.CurrencyListResponse{}, err
	}
	if s.rateSource == nil {
		return domain.CurrencyListResponse{}, store.Invalid("rates", "no rate source is configured")
	}
	snap, err := s.rateSource.Fetch(ctx)
	if err != nil {
		return domain.CurrencyListResponse{}, err
	}
	current, err := s.repo.ListCurrencies(ctx)
	if err != nil {
		return domain.CurrencyListResponse{}, err
	}
	merged, err := rates.Merge(current, snap)
	if err != nil {
		return domain.CurrencyListResponse{}, store.Invalid("rates", err.Error())
	}
	table, err := validateCurrencyTable(merged, s.settings.BaseCurrency)
	if err != nil {
		return domain.CurrencyListResponse{}, err
	}
	if err := s.storeCurrencies(ctx, table); err != nil {
		return domain.CurrencyListResponse{}, err
	}

	s.logAudit(ctx, "currency_table.refresh", "currency_table", snap.Base, fmt.Sprintf("currencies=%d", len(table)))
	s.publish(ctx, events.TypeCurrencyTableRefreshed, s.settings.BaseCurrency, table)
	return domain.CurrencyListResponse{Currencies: table}, nil
}

func (s *Service) storeCurrencies(ctx context.Context, table []domain.Currency) error {
	if err := s.repo.ReplaceCurrencies(ctx, table); err != nil {
		return err
	}
	if err := s.currencyCache.Delete(ctx, currencyCacheKey); err != nil {
		s.logger.Warn("currency cache invalidation failed", zap.Error(err))
	}
	return nil
}

// QuotePrice resolves a product's price in the requested currency. Explicit
// prices are returned as stored; converted prices are rounded to the target
// currency's precision.
func (s *Service) QuotePrice(ctx context.Context, productID string, code string) (domain.PriceQuote, error) {
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.PriceQuote{}, err
	}
	res, err := s.resolver(ctx)
	if err != nil {
		return domain.PriceQuote{}, err
	}
	code = currency.Normalize(code)
	if code == "" {
		code = res.BaseCode()
	}

	amount, explicit := currency.Explicit(product.Price, code)
	if !explicit {
		if _, known := res.Lookup(code); !known {
			code = res.BaseCode()
		}
		var ok bool
		amount, ok = res.ResolvePrice(product.Price, code, res.BaseCode())
		if !ok {
			return domain.PriceQuote{}, store.Invalid("price", "product "+productID+" has no price in "+res.BaseCode())
		}
		amount = res.Round(amount, code)
	}
	return domain.PriceQuote{
		ProductID: product.ID,
		Currency:  code,
		Symbol:    res.Symbol(code),
		Amount:    amount,
		Explicit:  explicit,
	}, nil
}

func displayTotals(res *currency.Resolver, code string, order domain.CompletedOrder) *domain.DisplayTotals {
	code = currency.Normalize(code)
	if code == "" {
		return nil
	}
	if _, known := res.Lookup(code); !known {
		code = currency.Normalize(order.BaseCurrency)
	}
	convert := func(amount decimal.Decimal) decimal.Decimal {
		return res.Round(res.Convert(amount, order.BaseCurrency, code), code)
	}
	return &domain.DisplayTotals{
		Currency: code,
		Symbol:   res.Symbol(code),
		Subtotal: convert(order.Subtotal),
		Discount: convert(order.Discount),
		Tax:      convert(order.Tax),
		Tip:      convert(order.Tip),
		Total:    convert(order.Total),
		Refunded: convert(order.RefundedSoFar()),
	}
}
