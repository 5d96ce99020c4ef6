package currency

import (
	"testing"

	"github.com/shopspring/decimal"

	"tillcore/backend/internal/domain"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testResolver() *Resolver {
	return NewResolver("EUR", []domain.Currency{
		{Code: "USD", Symbol: "$", Rate: d("1"), Decimals: 2},
		{Code: "EUR", Symbol: "€", Rate: d("0.9"), Decimals: 2},
		{Code: "JPY", Symbol: "¥", Rate: d("150"), Decimals: 0},
		{Code: "idr", Symbol: "Rp", Rate: d("16000"), Decimals: 0},
	})
}

func TestResolvePriceUsesExplicitEntryUnconverted(t *testing.T) {
	r := testResolver()
	prices := domain.PriceMap{"EUR": d("10"), "USD": d("12.50")}

	got, ok := r.ResolvePrice(prices, "USD", "EUR")
	if !ok {
		t.Fatalf("expected price to resolve")
	}
	if !got.Equal(d("12.50")) {
		t.Fatalf("expected explicit 12.50, got %s", got)
	}
}

func TestResolvePriceConvertsFromBase(t *testing.T) {
	r := testResolver()
	prices := domain.PriceMap{"EUR": d("9")}

	got, ok := r.ResolvePrice(prices, "JPY", "EUR")
	if !ok {
		t.Fatalf("expected price to resolve")
	}
	// 9 EUR / 0.9 = 10 USD baseline, x150 = 1500 JPY
	if !got.Equal(d("1500")) {
		t.Fatalf("expected 1500, got %s", got)
	}
}

func TestResolvePriceMissingBase(t *testing.T) {
	r := testResolver()
	if _, ok := r.ResolvePrice(domain.PriceMap{"GBP": d("3")}, "USD", "EUR"); ok {
		t.Fatalf("expected no price without an entry for the base currency")
	}
}

func TestUnknownCurrencyReturnsAmountUnconverted(t *testing.T) {
	r := testResolver()
	got := r.Convert(d("42.10"), "EUR", "XYZ")
	if !got.Equal(d("42.10")) {
		t.Fatalf("expected unconverted amount, got %s", got)
	}
	got = r.Convert(d("42.10"), "XYZ", "USD")
	if !got.Equal(d("42.10")) {
		t.Fatalf("expected unconverted amount, got %s", got)
	}
}

func TestConvertRoundTrip(t *testing.T) {
	r := testResolver()
	codes := []string{"USD", "EUR", "JPY", "IDR"}
	amounts := []decimal.Decimal{d("0.01"), d("1"), d("19.99"), d("123456.789")}
	tolerance := d("0.000001")

	for _, a := range codes {
		for _, b := range codes {
			for _, amount := range amounts {
				back := r.Convert(r.Convert(amount, a, b), b, a)
				if back.Sub(amount).Abs().GreaterThan(tolerance) {
					t.Fatalf("round trip %s->%s->%s of %s gave %s", a, b, a, amount, back)
				}
			}
		}
	}
}

func TestPrecisionAndRound(t *testing.T) {
	r := testResolver()
	if p := r.Precision("JPY"); p != 0 {
		t.Fatalf("expected JPY precision 0, got %d", p)
	}
	if p := r.Precision("idr"); p != 0 {
		t.Fatalf("expected IDR precision 0 regardless of case, got %d", p)
	}
	if p := r.Precision("XYZ"); p != DefaultDecimals {
		t.Fatalf("expected default precision for unknown code, got %d", p)
	}
	if got := r.Round(d("149.5"), "JPY"); !got.Equal(d("150")) {
		t.Fatalf("expected 150, got %s", got)
	}
	if got := r.FromBase(d("9.99"), "USD"); !got.Equal(d("11.1")) {
		t.Fatalf("expected 11.10, got %s", got)
	}
}
