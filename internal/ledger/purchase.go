package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/store"
)

// PurchaseOrderStatus derives the receipt status from the items alone.
// Cancelled is an administrative state and is not derived here.
func PurchaseOrderStatus(items []domain.PurchaseOrderItem) string {
	if len(items) == 0 {
		return domain.POStatusOrdered
	}
	complete := true
	started := false
	for _, item := range items {
		if item.QuantityReceived.IsPositive() {
			started = true
		}
		if !item.QuantityReceived.Equal(item.Quantity) {
			complete = false
		}
	}
	switch {
	case complete:
		return domain.POStatusReceived
	case started:
		return domain.POStatusPartiallyReceived
	default:
		return domain.POStatusOrdered
	}
}

func CheckPurchaseOrderStatus(po domain.PurchaseOrder) error {
	if po.Status == domain.POStatusCancelled {
		return nil
	}
	derived := PurchaseOrderStatus(po.Items)
	if po.Status != derived {
		return fmt.Errorf("%w: purchase order %s stored %q, derived %q", store.ErrStatusDrift, po.ID, po.Status, derived)
	}
	return nil
}

// NewPurchaseOrder validates the lines and computes the total cost.
func NewPurchaseOrder(id string, supplierID string, items []domain.PurchaseOrderItem, at time.Time) (domain.PurchaseOrder, error) {
	if supplierID == "" {
		return domain.PurchaseOrder{}, store.Invalid("supplier_id", "is required")
	}
	if len(items) == 0 {
		return domain.PurchaseOrder{}, store.Invalid("items", "at least one item is required")
	}
	seen := make(map[string]struct{}, len(items))
	lines := make([]domain.PurchaseOrderItem, 0, len(items))
	total := decimal.Zero
	for _, item := range items {
		if item.ProductID == "" {
			return domain.PurchaseOrder{}, store.Invalid("product_id", "is required")
		}
		if _, dup := seen[item.ProductID]; dup {
			return domain.PurchaseOrder{}, store.Invalid("items", "product "+item.ProductID+" appears twice")
		}
		seen[item.ProductID] = struct{}{}
		if !item.Quantity.IsPositive() {
			return domain.PurchaseOrder{}, store.Invalid("quantity", "must be greater than zero")
		}
		if item.CostPrice.IsNegative() {
			return domain.PurchaseOrder{}, store.Invalid("cost_price", "must not be negative")
		}
		item.QuantityReceived = decimal.Zero
		total = total.Add(item.Quantity.Mul(item.CostPrice))
		lines = append(lines, item)
	}
	return domain.PurchaseOrder{
		ID:         id,
		SupplierID: supplierID,
		CreatedAt:  at,
		Items:      lines,
		TotalCost:  total,
		Status:     domain.POStatusOrdered,
	}, nil
}

// ApplyReceipt accumulates one delivery. It returns the updated order and the
// stock increments to apply; nothing is returned on any rejected line.
func ApplyReceipt(po domain.PurchaseOrder, quantities map[string]decimal.Decimal, receivedBy string, at time.Time) (domain.PurchaseOrder, map[string]decimal.Decimal, error) {
	if po.Status == domain.POStatusCancelled {
		return domain.PurchaseOrder{}, nil, store.Invalid("status", "purchase order "+po.ID+" is cancelled")
	}
	if err := CheckPurchaseOrderStatus(po); err != nil {
		return domain.PurchaseOrder{}, nil, err
	}

	index := make(map[string]int, len(po.Items))
	for i, item := range po.Items {
		index[item.ProductID] = i
	}

	productIDs := make([]string, 0, len(quantities))
	for productID := range quantities {
		productIDs = append(productIDs, productID)
	}
	sort.Strings(productIDs)

	updated := po.Clone()
	increments := make(map[string]decimal.Decimal)
	for _, productID := range productIDs {
		qty := quantities[productID]
		if qty.IsNegative() {
			return domain.PurchaseOrder{}, nil, store.Invalid("quantity", "received quantity must not be negative")
		}
		i, ok := index[productID]
		if !ok {
			return domain.PurchaseOrder{}, nil, store.Invalid("items", "product "+productID+" is not on purchase order "+po.ID)
		}
		if qty.IsZero() {
			continue
		}
		item := &updated.Items[i]
		next := item.QuantityReceived.Add(qty)
		if next.GreaterThan(item.Quantity) {
			return domain.PurchaseOrder{}, nil, &store.OverReceiptError{ItemID: productID}
		}
		item.QuantityReceived = next
		increments[productID] = qty
	}
	if len(increments) == 0 {
		return domain.PurchaseOrder{}, nil, store.ErrNothingReceived
	}

	updated.Status = PurchaseOrderStatus(updated.Items)
	updated.ReceivedAt = &at
	updated.ReceivedBy = receivedBy
	return updated, increments, nil
}
