package rates

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tillcore/backend/internal/domain"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func table() []domain.Currency {
	return []domain.Currency{
		{Code: "USD", Symbol: "$", Rate: d("1"), Decimals: 2},
		{Code: "EUR", Symbol: "€", Rate: d("0.9"), Decimals: 2},
		{Code: "JPY", Symbol: "¥", Rate: d("150"), Decimals: 0},
	}
}

func TestHTTPSourceFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"base":"USD","rates":{"EUR":0.92,"JPY":151.5}}`))
	}))
	defer srv.Close()

	snap, err := NewHTTPSource(srv.URL, time.Second, nil).Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if snap.Base != "USD" || !snap.Rates["EUR"].Equal(d("0.92")) {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestHTTPSourceReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	if _, err := NewHTTPSource(srv.URL, time.Second, nil).Fetch(context.Background()); err == nil {
		t.Fatalf("expected error on 400")
	}
}

func TestMergeUpdatesKnownCodes(t *testing.T) {
	merged, err := Merge(table(), Snapshot{Base: "USD", Rates: map[string]decimal.Decimal{"EUR": d("0.92"), "GBP": d("0.8")}})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(merged) != 3 {
		t.Fatalf("expected unknown codes to be ignored, got %d currencies", len(merged))
	}
	if !merged[1].Rate.Equal(d("0.92")) || merged[1].Symbol != "€" {
		t.Fatalf("unexpected EUR %+v", merged[1])
	}
	if !merged[2].Rate.Equal(d("150")) {
		t.Fatalf("expected JPY kept on the same baseline, got %s", merged[2].Rate)
	}
}

func TestMergeRescalesToNewBaseline(t *testing.T) {
	merged, err := Merge(table(), Snapshot{Base: "EUR", Rates: map[string]decimal.Decimal{"USD": d("1.2")}})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	// EUR is now 1 and USD 1.2, so JPY rescales by 1/0.9.
	want := d("150").Mul(d("1").DivRound(d("0.9"), 16))
	if merged[2].Rate.Sub(want).Abs().GreaterThan(d("0.000001")) {
		t.Fatalf("expected JPY %s, got %s", want, merged[2].Rate)
	}
}

func TestMergeWithoutAnchor(t *testing.T) {
	_, err := Merge(table(), Snapshot{Base: "CHF", Rates: map[string]decimal.Decimal{"GBP": d("0.9")}})
	if !errors.Is(err, ErrNoAnchor) {
		t.Fatalf("expected no anchor, got %v", err)
	}
}
