// Package assist answers free-form back-office questions through an injected
// language model. The commerce core never depends on it.
package assist

import (
	"context"
	"errors"

	"tillcore/backend/internal/domain"
)

var ErrDisabled = errors.New("assistant is not configured")

// Lookup is the read-only catalog and order access the assistant may use.
type Lookup interface {
	GetOrder(ctx context.Context, invoiceID string) (*domain.CompletedOrder, error)
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
}

type Suggester interface {
	Enabled() bool
	Suggest(ctx context.Context, prompt string) (string, error)
}

type Disabled struct{}

func (Disabled) Enabled() bool { return false }

func (Disabled) Suggest(_ context.Context, _ string) (string, error) {
	return "", ErrDisabled
}
