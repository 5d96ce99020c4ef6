package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/ledger"
	"tillcore/backend/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("TILLCORE_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set TILLCORE_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func seedProduct(t *testing.T, s *Store, stock string) string {
	t.Helper()
	id := fmt.Sprintf("P-IT-%d", time.Now().UnixNano())
	err := s.UpsertProduct(context.Background(), domain.Product{
		ID:     id,
		Name:   "Integration Widget",
		Price:  domain.PriceMap{"USD": decimal.RequireFromString("5")},
		Stock:  decimal.RequireFromString(stock),
		SellBy: domain.SellByUnit,
	})
	if err != nil {
		t.Fatalf("seed product: %v", err)
	}
	return id
}

func saleRecord(productID string, qty int64) store.SaleRecord {
	return store.SaleRecord{Order: domain.CompletedOrder{
		Items: []domain.OrderItem{{
			ProductID: productID,
			Price:     domain.PriceMap{"USD": decimal.RequireFromString("5")},
			SellBy:    domain.SellByUnit,
			Quantity:  decimal.NewFromInt(qty),
		}},
		BaseCurrency:  "USD",
		Subtotal:      decimal.NewFromInt(5 * qty),
		Total:         decimal.NewFromInt(5 * qty),
		PaymentMethod: domain.PaymentCash,
		Status:        domain.OrderStatusCompleted,
	}}
}

func TestConcurrentSalesSerializeOnStockRow(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	productID := seedProduct(t, s, "10")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = s.CreateSale(ctx, saleRecord(productID, 6))
		}(i)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrInsufficientStock) {
			t.Fatalf("unexpected error: %v", err)
		}
		failed++
	}
	if failed != 1 {
		t.Fatalf("expected exactly one failed sale, got %d", failed)
	}
	product, err := s.GetProduct(ctx, productID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if !product.Stock.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("expected stock 4, got %s", product.Stock)
	}
}

func TestRefundRoundTrip(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	productID := seedProduct(t, s, "10")

	order, _, err := s.CreateSale(ctx, saleRecord(productID, 2))
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	plan := func(o domain.CompletedOrder, prior []domain.RefundTransaction) (domain.CompletedOrder, domain.RefundTransaction, error) {
		return ledger.AllocateRefund(o, prior, ledger.RefundInput{
			Lines:        []domain.RefundLine{{ProductID: productID, Quantity: decimal.NewFromInt(1)}},
			BaseCurrency: "USD",
			Restock:      true,
			Precision:    2,
		})
	}
	updated, _, levels, err := s.ApplyRefund(ctx, order.InvoiceID, true, plan)
	if err != nil {
		t.Fatalf("apply refund: %v", err)
	}
	if updated.Status != domain.OrderStatusPartiallyRefunded || !levels[productID].Equal(decimal.NewFromInt(9)) {
		t.Fatalf("unexpected refund result %s %v", updated.Status, levels)
	}

	stored, err := s.GetOrder(ctx, order.InvoiceID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.RefundAmount == nil || !stored.RefundAmount.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected refund amount 5, got %v", stored.RefundAmount)
	}
	if !stored.Items[0].Price["USD"].Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected price snapshot preserved, got %v", stored.Items[0].Price)
	}
}

func TestOpenSessionUniquePerUser(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	userID := fmt.Sprintf("user-it-%d", time.Now().UnixNano())

	session, err := s.OpenSession(ctx, domain.CashDrawerSession{UserID: userID, OpeningAmount: decimal.NewFromInt(100)})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if _, err := s.OpenSession(ctx, domain.CashDrawerSession{UserID: userID, OpeningAmount: decimal.NewFromInt(100)}); !errors.Is(err, store.ErrSessionAlreadyOpen) {
		t.Fatalf("expected session already open, got %v", err)
	}

	if _, err := s.AppendActivity(ctx, session.ID, domain.CashDrawerActivity{Type: domain.ActivityPayIn, Amount: decimal.NewFromInt(20)}); err != nil {
		t.Fatalf("append activity: %v", err)
	}
	closed, summary, err := s.CloseSession(ctx, session.ID, func(sess domain.CashDrawerSession) (domain.CashDrawerSession, domain.DrawerSummary, error) {
		return ledger.CloseSession(sess, decimal.NewFromInt(118), "manager", time.Now().UTC())
	})
	if err != nil {
		t.Fatalf("close session: %v", err)
	}
	if closed.Status != domain.SessionStatusClosed || !summary.Difference.Equal(decimal.NewFromInt(-2)) {
		t.Fatalf("unexpected close %s %s", closed.Status, summary.Difference)
	}
	if _, err := s.OpenSession(ctx, domain.CashDrawerSession{UserID: userID, OpeningAmount: decimal.NewFromInt(50)}); err != nil {
		t.Fatalf("expected reopen after close, got %v", err)
	}
}
