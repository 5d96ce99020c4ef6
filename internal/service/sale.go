package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/events"
	"tillcore/backend/internal/ledger"
	"tillcore/backend/internal/store"
	"tillcore/backend/internal/xid"
)

// ProcessSale prices the cart, decrements stock atomically and persists the
// order in one transaction. Audit and event delivery happen after commit.
func (s *Service) ProcessSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResponse, error) {
	actor, err := requireRole(ctx, "admin", "cashier")
	if err != nil {
		return domain.SaleResponse{}, err
	}
	if len(req.Items) == 0 {
		return domain.SaleResponse{}, store.Invalid("items", "at least one item is required")
	}
	paymentMethod := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if paymentMethod == "" {
		return domain.SaleResponse{}, store.Invalid("payment_method", "is required")
	}

	items, err := s.orderItems(ctx, req.Items)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	res, err := s.resolver(ctx)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	base := s.settings.BaseCurrency
	totals, err := ledger.ComputeSale(items, base, s.settings.TaxRate, req.Discount, req.Tip, res.Precision(base))
	if err != nil {
		return domain.SaleResponse{}, err
	}

	now := s.now()
	order := domain.CompletedOrder{
		InvoiceID:     xid.New("inv"),
		CreatedAt:     now,
		Cashier:       actor.Username,
		Items:         items,
		BaseCurrency:  base,
		TaxRate:       s.settings.TaxRate,
		Subtotal:      totals.Subtotal,
		Tax:           totals.Tax,
		Tip:           totals.Tip,
		Discount:      totals.Discount,
		Total:         totals.Total,
		PaymentMethod: paymentMethod,
		Status:        domain.OrderStatusCompleted,
		CustomerID:    strings.TrimSpace(req.CustomerID),
		SessionID:     strings.TrimSpace(req.SessionID),
	}

	record := store.SaleRecord{Order: order}
	// A sale whose discount swallows the whole total moves no money through
	// the drawer.
	if order.SessionID != "" && order.Total.IsPositive() {
		record.Activity = &domain.CashDrawerActivity{
			ID:            xid.New("act"),
			SessionID:     order.SessionID,
			Type:          domain.ActivitySale,
			Amount:        order.Total,
			CreatedAt:     now,
			PaymentMethod: paymentMethod,
			OrderID:       order.InvoiceID,
		}
	}

	saved, levels, err := s.repo.CreateSale(ctx, record)
	if err != nil {
		var stockErr *store.InsufficientStockError
		if errors.As(err, &stockErr) {
			s.logger.Info("sale rejected", zap.String("product_id", stockErr.ProductID), zap.String("cashier", actor.Username))
		}
		return domain.SaleResponse{}, err
	}

	s.logAudit(ctx, "sale.complete", "order", saved.InvoiceID,
		fmt.Sprintf("items=%d total=%s %s payment=%s", len(saved.Items), saved.Total.StringFixed(res.Precision(base)), base, paymentMethod))
	s.publish(ctx, events.TypeSaleCompleted, saved.InvoiceID, saved)

	return domain.SaleResponse{
		Order:              *saved,
		UpdatedStockLevels: levels,
		Display:            displayTotals(res, req.DisplayCurrency, *saved),
	}, nil
}

// orderItems snapshots each requested line. Lines that carry their own price
// map keep it as given; the rest are priced from the catalog.
func (s *Service) orderItems(ctx context.Context, lines []domain.SaleLine) ([]domain.OrderItem, error) {
	items := make([]domain.OrderItem, 0, len(lines))
	for _, line := range lines {
		productID := strings.TrimSpace(line.ProductID)
		if productID == "" {
			return nil, store.Invalid("product_id", "is required")
		}
		item := domain.OrderItem{
			ProductID:     productID,
			Name:          line.Name,
			Price:         line.Price.Clone(),
			PurchasePrice: line.PurchasePrice.Clone(),
			Category:      line.Category,
			SellBy:        line.SellBy,
			Quantity:      line.Quantity,
		}
		if len(item.Price) == 0 {
			product, err := s.repo.GetProduct(ctx, productID)
			if err != nil {
				return nil, err
			}
			item.Name = product.Name
			item.Category = product.Category
			item.SellBy = product.SellBy
			item.Price = product.Price.Clone()
			item.PurchasePrice = product.PurchasePrice.Clone()
		}
		if item.SellBy == "" {
			item.SellBy = domain.SellByUnit
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Service) GetOrder(ctx context.Context, invoiceID string, displayCurrency string) (domain.SaleResponse, error) {
	order, err := s.repo.GetOrder(ctx, strings.TrimSpace(invoiceID))
	if err != nil {
		return domain.SaleResponse{}, err
	}
	res, err := s.resolver(ctx)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	return domain.SaleResponse{Order: *order, Display: displayTotals(res, displayCurrency, *order)}, nil
}

func (s *Service) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	return s.repo.GetProduct(ctx, strings.TrimSpace(productID))
}

// AdjustStock applies a manual correction. Negative results are rejected the
// same way a sale would be.
func (s *Service) AdjustStock(ctx context.Context, productID string, req domain.StockAdjustmentRequest) (domain.StockAdjustmentResponse, error) {
	if _, err := requireRole(ctx, "admin"); err != nil {
		return domain.StockAdjustmentResponse{}, err
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.StockAdjustmentResponse{}, store.Invalid("product_id", "is required")
	}
	if req.Delta.IsZero() {
		return domain.StockAdjustmentResponse{}, store.Invalid("delta", "must not be zero")
	}
	stock, err := s.repo.AdjustStock(ctx, productID, req.Delta)
	if err != nil {
		return domain.StockAdjustmentResponse{}, err
	}
	s.logAudit(ctx, "stock.adjust", "product", productID, fmt.Sprintf("delta=%s stock=%s", req.Delta, stock))
	return domain.StockAdjustmentResponse{ProductID: productID, Stock: stock}, nil
}
