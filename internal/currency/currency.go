// Package currency converts amounts between currencies whose rates are all
// quoted against one fixed baseline currency.
package currency

import (
	"strings"

	"github.com/shopspring/decimal"

	"tillcore/backend/internal/domain"
)

// DefaultDecimals applies to currencies missing from the table.
const DefaultDecimals int32 = 2

// Resolver is immutable after construction and safe for concurrent use.
type Resolver struct {
	baseCode string
	table    map[string]domain.Currency
}

func NewResolver(baseCode string, currencies []domain.Currency) *Resolver {
	table := make(map[string]domain.Currency, len(currencies))
	for _, c := range currencies {
		code := Normalize(c.Code)
		if code == "" {
			continue
		}
		c.Code = code
		table[code] = c
	}
	return &Resolver{baseCode: Normalize(baseCode), table: table}
}

func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (r *Resolver) BaseCode() string {
	return r.baseCode
}

func (r *Resolver) Lookup(code string) (domain.Currency, bool) {
	c, ok := r.table[Normalize(code)]
	return c, ok
}

// Rate returns the factor from the baseline to code. Unknown codes and
// non-positive rates report false.
func (r *Resolver) Rate(code string) (decimal.Decimal, bool) {
	c, ok := r.table[Normalize(code)]
	if !ok || !c.Rate.IsPositive() {
		return decimal.Zero, false
	}
	return c.Rate, true
}

func (r *Resolver) Precision(code string) int32 {
	c, ok := r.table[Normalize(code)]
	if !ok || c.Decimals < 0 {
		return DefaultDecimals
	}
	return c.Decimals
}

func (r *Resolver) Symbol(code string) string {
	if c, ok := r.table[Normalize(code)]; ok && c.Symbol != "" {
		return c.Symbol
	}
	return Normalize(code)
}

// Round rounds half away from zero to the currency's decimal places.
func (r *Resolver) Round(amount decimal.Decimal, code string) decimal.Decimal {
	return amount.Round(r.Precision(code))
}

// Convert moves amount from one currency to another through the baseline.
// When either side is unknown the amount is returned unconverted.
func (r *Resolver) Convert(amount decimal.Decimal, from string, to string) decimal.Decimal {
	from, to = Normalize(from), Normalize(to)
	if from == to {
		return amount
	}
	fromRate, ok := r.Rate(from)
	if !ok {
		return amount
	}
	toRate, ok := r.Rate(to)
	if !ok {
		return amount
	}
	inBaseline := amount.DivRound(fromRate, 16)
	return inBaseline.Mul(toRate)
}

// ResolvePrice returns the explicit price for code when one is set, otherwise
// the baseCode price converted into code. The bool reports whether the map
// had any usable entry.
func (r *Resolver) ResolvePrice(prices domain.PriceMap, code string, baseCode string) (decimal.Decimal, bool) {
	code, baseCode = Normalize(code), Normalize(baseCode)
	if amount, ok := Explicit(prices, code); ok {
		return amount, true
	}
	base, ok := Explicit(prices, baseCode)
	if !ok {
		return decimal.Zero, false
	}
	return r.Convert(base, baseCode, code), true
}

// FromBase converts a base-currency amount into code, rounded for display.
func (r *Resolver) FromBase(amount decimal.Decimal, code string) decimal.Decimal {
	return r.Round(r.Convert(amount, r.baseCode, code), code)
}

// Explicit returns the price set for code, matching codes case-insensitively.
func Explicit(prices domain.PriceMap, code string) (decimal.Decimal, bool) {
	code = Normalize(code)
	if amount, ok := prices[code]; ok {
		return amount, true
	}
	for key, amount := range prices {
		if Normalize(key) == code {
			return amount, true
		}
	}
	return decimal.Zero, false
}
