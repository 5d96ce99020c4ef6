// Package rates refreshes the currency table from an external exchange-rate
// feed shaped like {"base": "USD", "rates": {"EUR": 0.92, ...}}.
package rates

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tillcore/backend/internal/domain"
)

var (
	ErrNoAnchor      = errors.New("rate snapshot shares no currency with the current table")
	ErrEmptySnapshot = errors.New("rate snapshot is empty")
)

type Snapshot struct {
	Base  string                     `json:"base"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

type Source interface {
	Fetch(ctx context.Context) (Snapshot, error)
}

type HTTPSource struct {
	http   *resty.Client
	url    string
	logger *zap.Logger
}

func NewHTTPSource(url string, timeout time.Duration, logger *zap.Logger) *HTTPSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetHeader("Accept", "application/json").
		SetTimeout(timeout).
		SetRetryCount(1).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp != nil && (resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500)
		})
	return &HTTPSource{http: client, url: url, logger: logger.Named("rates")}
}

func (s *HTTPSource) Fetch(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	resp, err := s.http.R().SetContext(ctx).SetResult(&snap).Get(s.url)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch rates: %w", err)
	}
	if resp.IsError() {
		s.logger.Warn("rate source rejected request", zap.Int("status", resp.StatusCode()))
		return Snapshot{}, fmt.Errorf("fetch rates: %s", resp.Status())
	}
	if len(snap.Rates) == 0 {
		return Snapshot{}, ErrEmptySnapshot
	}
	return snap, nil
}

// Merge applies a snapshot to the current table. Only codes already in the
// table are updated; codes the snapshot omits are rescaled through a currency
// both sides know, so every rate stays relative to one baseline.
func Merge(current []domain.Currency, snap Snapshot) ([]domain.Currency, error) {
	if len(snap.Rates) == 0 {
		return nil, ErrEmptySnapshot
	}
	incoming := make(map[string]decimal.Decimal, len(snap.Rates)+1)
	for code, rate := range snap.Rates {
		if rate.IsPositive() {
			incoming[strings.ToUpper(strings.TrimSpace(code))] = rate
		}
	}
	base := strings.ToUpper(strings.TrimSpace(snap.Base))
	if base != "" {
		incoming[base] = decimal.NewFromInt(1)
	}

	// Anchor on the snapshot base when the table knows it.
	factor := decimal.Zero
	for _, c := range current {
		if c.Code == base && c.Rate.IsPositive() {
			factor = decimal.NewFromInt(1).DivRound(c.Rate, 16)
		}
	}
	for _, c := range current {
		if !factor.IsZero() {
			break
		}
		if rate, ok := incoming[c.Code]; ok && c.Rate.IsPositive() {
			factor = rate.DivRound(c.Rate, 16)
		}
	}
	if factor.IsZero() {
		return nil, ErrNoAnchor
	}

	out := make([]domain.Currency, 0, len(current))
	for _, c := range current {
		if rate, ok := incoming[c.Code]; ok {
			c.Rate = rate
		} else {
			c.Rate = c.Rate.Mul(factor)
		}
		out = append(out, c)
	}
	return out, nil
}
