package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/ledger"
	"tillcore/backend/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func widgetStore(stock string) *Store {
	return New([]domain.Product{{
		ID:       "W-1",
		Name:     "Widget",
		Price:    domain.PriceMap{"USD": d("5")},
		Stock:    d(stock),
		SellBy:   domain.SellByUnit,
		Category: "misc",
	}}, SeedCurrencies())
}

func saleOf(productID string, qty string) store.SaleRecord {
	return store.SaleRecord{Order: domain.CompletedOrder{
		Items: []domain.OrderItem{{
			ProductID: productID,
			Price:     domain.PriceMap{"USD": d("5")},
			SellBy:    domain.SellByUnit,
			Quantity:  d(qty),
		}},
		BaseCurrency: "USD",
		Status:       domain.OrderStatusCompleted,
	}}
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	s := widgetStore("10")
	ctx := context.Background()

	var wg sync.WaitGroup
	var ok, insufficient atomic.Int32
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.CreateSale(ctx, saleOf("W-1", "6"))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, store.ErrInsufficientStock):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 || insufficient.Load() != 1 {
		t.Fatalf("expected one success and one insufficient stock, got %d/%d", ok.Load(), insufficient.Load())
	}
	product, err := s.GetProduct(ctx, "W-1")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if !product.Stock.Equal(d("4")) {
		t.Fatalf("expected final stock 4, got %s", product.Stock)
	}
}

func TestStockConservationUnderLoad(t *testing.T) {
	s := widgetStore("20")
	ctx := context.Background()

	var wg sync.WaitGroup
	var sold atomic.Int32
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := s.CreateSale(ctx, saleOf("W-1", "1")); err == nil {
				sold.Add(1)
			}
		}()
	}
	wg.Wait()

	product, _ := s.GetProduct(ctx, "W-1")
	if sold.Load() != 20 || !product.Stock.IsZero() {
		t.Fatalf("expected 20 sold and stock 0, got %d sold and stock %s", sold.Load(), product.Stock)
	}
}

func TestCreateSaleIsAllOrNothing(t *testing.T) {
	s := New([]domain.Product{
		{ID: "A", Price: domain.PriceMap{"USD": d("1")}, Stock: d("5"), SellBy: domain.SellByUnit},
		{ID: "B", Price: domain.PriceMap{"USD": d("1")}, Stock: d("1"), SellBy: domain.SellByUnit},
	}, nil)
	ctx := context.Background()

	sale := store.SaleRecord{Order: domain.CompletedOrder{Items: []domain.OrderItem{
		{ProductID: "A", Price: domain.PriceMap{"USD": d("1")}, Quantity: d("2")},
		{ProductID: "B", Price: domain.PriceMap{"USD": d("1")}, Quantity: d("2")},
	}}}
	_, _, err := s.CreateSale(ctx, sale)
	var short *store.InsufficientStockError
	if !errors.As(err, &short) || short.ProductID != "B" {
		t.Fatalf("expected insufficient stock on B, got %v", err)
	}
	a, _ := s.GetProduct(ctx, "A")
	if !a.Stock.Equal(d("5")) {
		t.Fatalf("expected A untouched at 5, got %s", a.Stock)
	}
	if len(s.orders) != 0 {
		t.Fatalf("expected no order persisted")
	}
}

func TestCreateSaleAppendsDrawerActivity(t *testing.T) {
	s := widgetStore("10")
	ctx := context.Background()

	session, err := s.OpenSession(ctx, domain.CashDrawerSession{UserID: "cashier", OpeningAmount: d("100")})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	sale := saleOf("W-1", "2")
	sale.Activity = &domain.CashDrawerActivity{SessionID: session.ID, Type: domain.ActivitySale, Amount: d("10"), PaymentMethod: domain.PaymentCash}
	order, _, err := s.CreateSale(ctx, sale)
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	got, _ := s.GetSession(ctx, session.ID)
	if len(got.Activities) != 1 || got.Activities[0].OrderID != order.InvoiceID {
		t.Fatalf("expected sale activity linked to %s, got %+v", order.InvoiceID, got.Activities)
	}

	if _, _, err := s.CloseSession(ctx, session.ID, func(sess domain.CashDrawerSession) (domain.CashDrawerSession, domain.DrawerSummary, error) {
		return ledger.CloseSession(sess, d("110"), "manager", time.Now())
	}); err != nil {
		t.Fatalf("close session: %v", err)
	}
	sale.Order.InvoiceID = ""
	if _, _, err := s.CreateSale(ctx, sale); !errors.Is(err, store.ErrSessionClosed) {
		t.Fatalf("expected sale into closed session to fail, got %v", err)
	}
	w, _ := s.GetProduct(ctx, "W-1")
	if !w.Stock.Equal(d("8")) {
		t.Fatalf("expected stock 8 after rejected sale, got %s", w.Stock)
	}
}

func TestOneOpenSessionPerUser(t *testing.T) {
	s := widgetStore("1")
	ctx := context.Background()

	var wg sync.WaitGroup
	var opened atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.OpenSession(ctx, domain.CashDrawerSession{UserID: "cashier", OpeningAmount: d("50")})
			if err == nil {
				opened.Add(1)
			} else if !errors.Is(err, store.ErrSessionAlreadyOpen) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if opened.Load() != 1 {
		t.Fatalf("expected exactly one open session, got %d", opened.Load())
	}

	open, err := s.GetOpenSession(ctx, "cashier")
	if err != nil {
		t.Fatalf("get open session: %v", err)
	}
	if _, err := s.AppendActivity(ctx, open.ID, domain.CashDrawerActivity{Type: domain.ActivityPayIn, Amount: d("5")}); err != nil {
		t.Fatalf("append activity: %v", err)
	}
}

func TestConcurrentRefundsRespectRemainingQuantity(t *testing.T) {
	s := widgetStore("10")
	ctx := context.Background()

	sale := saleOf("W-1", "3")
	sale.Order.Subtotal = d("15")
	sale.Order.Total = d("15")
	order, _, err := s.CreateSale(ctx, sale)
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	plan := func(o domain.CompletedOrder, prior []domain.RefundTransaction) (domain.CompletedOrder, domain.RefundTransaction, error) {
		return ledger.AllocateRefund(o, prior, ledger.RefundInput{
			Lines:        []domain.RefundLine{{ProductID: "W-1", Quantity: d("1")}},
			BaseCurrency: "USD",
			Precision:    2,
		})
	}

	var wg sync.WaitGroup
	var refunded atomic.Int32
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, _, err := s.ApplyRefund(ctx, order.InvoiceID, true, plan); err == nil {
				refunded.Add(1)
			} else if !errors.Is(err, store.ErrOverRefund) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if refunded.Load() != 3 {
		t.Fatalf("expected exactly 3 refunds, got %d", refunded.Load())
	}
	got, _ := s.GetOrder(ctx, order.InvoiceID)
	if got.Status != domain.OrderStatusFullyRefunded {
		t.Fatalf("expected fully refunded, got %s", got.Status)
	}
	w, _ := s.GetProduct(ctx, "W-1")
	if !w.Stock.Equal(d("10")) {
		t.Fatalf("expected stock restored to 10, got %s", w.Stock)
	}
	refunds, _ := s.ListRefunds(ctx, order.InvoiceID)
	if len(refunds) != 3 {
		t.Fatalf("expected 3 refund records, got %d", len(refunds))
	}
}

func TestReceivePurchaseOrderAndCancel(t *testing.T) {
	s := widgetStore("0")
	ctx := context.Background()

	po, err := ledger.NewPurchaseOrder("po-1", "sup-1", []domain.PurchaseOrderItem{{ProductID: "W-1", Quantity: d("10"), CostPrice: d("2")}}, time.Now())
	if err != nil {
		t.Fatalf("new purchase order: %v", err)
	}
	if _, err := s.CreatePurchaseOrder(ctx, po); err != nil {
		t.Fatalf("create purchase order: %v", err)
	}

	receive := func(qty string) store.ReceiptPlanner {
		return func(p domain.PurchaseOrder) (domain.PurchaseOrder, map[string]decimal.Decimal, error) {
			return ledger.ApplyReceipt(p, map[string]decimal.Decimal{"W-1": d(qty)}, "clerk", time.Now())
		}
	}
	got, levels, err := s.ReceivePurchaseOrder(ctx, "po-1", receive("4"))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got.Status != domain.POStatusPartiallyReceived || !levels["W-1"].Equal(d("4")) {
		t.Fatalf("unexpected receipt %s %v", got.Status, levels)
	}
	if _, err := s.CancelPurchaseOrder(ctx, "po-1"); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected cancel after receipt to fail, got %v", err)
	}
	if _, _, err := s.ReceivePurchaseOrder(ctx, "po-1", receive("7")); !errors.Is(err, store.ErrOverReceipt) {
		t.Fatalf("expected over receipt, got %v", err)
	}
	w, _ := s.GetProduct(ctx, "W-1")
	if !w.Stock.Equal(d("4")) {
		t.Fatalf("expected stock 4 after rejected delivery, got %s", w.Stock)
	}
}

func TestAdjustStockRejectsNegative(t *testing.T) {
	s := widgetStore("2")
	if _, err := s.AdjustStock(context.Background(), "W-1", d("-3")); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if _, err := s.AdjustStock(context.Background(), "missing", d("1")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
