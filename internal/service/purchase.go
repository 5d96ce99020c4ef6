package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/events"
	"tillcore/backend/internal/ledger"
	"tillcore/backend/internal/store"
	"tillcore/backend/internal/xid"
)

func (s *Service) CreatePurchaseOrder(ctx context.Context, req domain.PurchaseOrderCreateRequest) (domain.PurchaseOrderResponse, error) {
	if _, err := requireRole(ctx, "admin"); err != nil {
		return domain.PurchaseOrderResponse{}, err
	}
	po, err := ledger.NewPurchaseOrder(xid.New("po"), strings.TrimSpace(req.SupplierID), req.Items, s.now())
	if err != nil {
		return domain.PurchaseOrderResponse{}, err
	}
	for _, item := range po.Items {
		if _, err := s.repo.GetProduct(ctx, item.ProductID); err != nil {
			return domain.PurchaseOrderResponse{}, err
		}
	}

	saved, err := s.repo.CreatePurchaseOrder(ctx, po)
	if err != nil {
		return domain.PurchaseOrderResponse{}, err
	}
	s.logAudit(ctx, "purchase_order.create", "purchase_order", saved.ID,
		fmt.Sprintf("supplier=%s items=%d total_cost=%s", saved.SupplierID, len(saved.Items), saved.TotalCost))
	return domain.PurchaseOrderResponse{PurchaseOrder: *saved}, nil
}

func (s *Service) GetPurchaseOrder(ctx context.Context, purchaseOrderID string) (domain.PurchaseOrderResponse, error) {
	po, err := s.repo.GetPurchaseOrder(ctx, strings.TrimSpace(purchaseOrderID))
	if err != nil {
		return domain.PurchaseOrderResponse{}, err
	}
	return domain.PurchaseOrderResponse{PurchaseOrder: *po}, nil
}

// ReceivePurchaseOrder applies one delivery. Any line over its ordered
// quantity rejects the whole delivery and no stock moves.
func (s *Service) ReceivePurchaseOrder(ctx context.Context, purchaseOrderID string, req domain.PurchaseOrderReceiveRequest) (domain.PurchaseOrderResponse, error) {
	actor, err := requireRole(ctx, "admin")
	if err != nil {
		return domain.PurchaseOrderResponse{}, err
	}
	purchaseOrderID = strings.TrimSpace(purchaseOrderID)
	if purchaseOrderID == "" {
		return domain.PurchaseOrderResponse{}, store.Invalid("purchase_order_id", "is required")
	}
	if len(req.Quantities) == 0 {
		return domain.PurchaseOrderResponse{}, store.ErrNothingReceived
	}

	at := s.now()
	plan := func(po domain.PurchaseOrder) (domain.PurchaseOrder, map[string]decimal.Decimal, error) {
		return ledger.ApplyReceipt(po, req.Quantities, actor.Username, at)
	}
	po, levels, err := s.repo.ReceivePurchaseOrder(ctx, purchaseOrderID, plan)
	if err != nil {
		return domain.PurchaseOrderResponse{}, err
	}

	s.logAudit(ctx, "purchase_order.receive", "purchase_order", po.ID,
		fmt.Sprintf("lines=%d status=%s", len(req.Quantities), po.Status))
	s.publish(ctx, events.TypePurchaseOrderReceived, po.ID, po)
	return domain.PurchaseOrderResponse{PurchaseOrder: *po, UpdatedStockLevels: levels}, nil
}

func (s *Service) CancelPurchaseOrder(ctx context.Context, purchaseOrderID string) (domain.PurchaseOrderResponse, error) {
	if _, err := requireRole(ctx, "admin"); err != nil {
		return domain.PurchaseOrderResponse{}, err
	}
	po, err := s.repo.CancelPurchaseOrder(ctx, strings.TrimSpace(purchaseOrderID))
	if err != nil {
		return domain.PurchaseOrderResponse{}, err
	}
	s.logAudit(ctx, "purchase_order.cancel", "purchase_order", po.ID, "")
	return domain.PurchaseOrderResponse{PurchaseOrder: *po}, nil
}
