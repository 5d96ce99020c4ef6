// Package ledger holds the money and quantity arithmetic shared by every
// store implementation. Nothing here performs I/O.
package ledger

import (
	"sort"

	"github.com/shopspring/decimal"

	"tillcore/backend/internal/currency"
	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/store"
)

// Epsilon is the tolerance used when comparing cumulative money amounts.
var Epsilon = decimal.RequireFromString("0.01")

const weightDecimals = 3

type SaleTotals struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Tax      decimal.Decimal
	Tip      decimal.Decimal
	Total    decimal.Decimal
}

// ValidateQuantity enforces integral unit sales and 3-decimal weight sales.
func ValidateQuantity(sellBy string, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return store.Invalid("quantity", "must be greater than zero")
	}
	switch sellBy {
	case domain.SellByUnit, "":
		if !qty.Equal(qty.Truncate(0)) {
			return store.Invalid("quantity", "unit-sold items take whole quantities")
		}
	case domain.SellByWeight:
		if !qty.Equal(qty.Truncate(weightDecimals)) {
			return store.Invalid("quantity", "weight-sold items take at most 3 decimal places")
		}
	default:
		return store.Invalid("sell_by", "must be unit or weight")
	}
	return nil
}

// LinePrice is the item's price in the base currency.
func LinePrice(item domain.OrderItem, base string) (decimal.Decimal, error) {
	price, ok := currency.Explicit(item.Price, base)
	if !ok {
		return decimal.Zero, store.Invalid("price", "item "+item.ProductID+" has no price in "+currency.Normalize(base))
	}
	if price.IsNegative() {
		return decimal.Zero, store.Invalid("price", "item "+item.ProductID+" has a negative price")
	}
	return price, nil
}

// ComputeSale prices the items in the base currency. The discount is a flat
// pre-tax amount and is never clamped; tax is rounded to precision.
func ComputeSale(items []domain.OrderItem, base string, taxRate decimal.Decimal, discount decimal.Decimal, tip decimal.Decimal, precision int32) (SaleTotals, error) {
	if len(items) == 0 {
		return SaleTotals{}, store.Invalid("items", "at least one item is required")
	}
	if taxRate.IsNegative() {
		return SaleTotals{}, store.Invalid("tax_rate", "must not be negative")
	}
	if discount.IsNegative() {
		return SaleTotals{}, store.Invalid("discount", "must not be negative")
	}
	if tip.IsNegative() {
		return SaleTotals{}, store.Invalid("tip", "must not be negative")
	}

	subtotal := decimal.Zero
	for _, item := range items {
		if err := ValidateQuantity(item.SellBy, item.Quantity); err != nil {
			return SaleTotals{}, err
		}
		price, err := LinePrice(item, base)
		if err != nil {
			return SaleTotals{}, err
		}
		subtotal = subtotal.Add(price.Mul(item.Quantity))
	}
	subtotal = subtotal.Round(precision)

	afterDiscount := subtotal.Sub(discount)
	tax := afterDiscount.Mul(taxRate).Round(precision)

	return SaleTotals{
		Subtotal: subtotal,
		Discount: discount,
		Tax:      tax,
		Tip:      tip,
		Total:    afterDiscount.Add(tax).Add(tip),
	}, nil
}

// StockDeltas folds order lines into one delta per product. The returned ids
// are sorted so concurrent transactions touch product rows in the same order.
func StockDeltas(items []domain.OrderItem, sign int) ([]string, map[string]decimal.Decimal) {
	order := make([]string, 0, len(items))
	deltas := make(map[string]decimal.Decimal, len(items))
	for _, item := range items {
		if _, seen := deltas[item.ProductID]; !seen {
			order = append(order, item.ProductID)
			deltas[item.ProductID] = decimal.Zero
		}
		qty := item.Quantity
		if sign < 0 {
			qty = qty.Neg()
		}
		deltas[item.ProductID] = deltas[item.ProductID].Add(qty)
	}
	sort.Strings(order)
	return order, deltas
}
