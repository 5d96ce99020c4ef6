package service

import (
	"context"
	"fmt"
	"strings"

	"tillcore/backend/internal/currency"
	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/events"
	"tillcore/backend/internal/ledger"
	"tillcore/backend/internal/store"
	"tillcore/backend/internal/xid"
)

// ProcessRefund allocates a refund against the order's price snapshot. The
// order and its prior refunds are read under the same lock that persists the
// result, so concurrent refunds cannot pass the ordered quantity.
func (s *Service) ProcessRefund(ctx context.Context, req domain.RefundRequest) (domain.RefundResponse, error) {
	actor, err := requireRole(ctx, "admin", "cashier")
	if err != nil {
		return domain.RefundResponse{}, err
	}
	invoiceID := strings.TrimSpace(req.InvoiceID)
	if invoiceID == "" {
		return domain.RefundResponse{}, store.Invalid("invoice_id", "is required")
	}
	if len(req.Items) == 0 {
		return domain.RefundResponse{}, store.Invalid("items", "at least one item is required")
	}

	base := currency.Normalize(req.BaseCurrency)
	if base == "" {
		base = s.settings.BaseCurrency
	}
	res, err := s.resolver(ctx)
	if err != nil {
		return domain.RefundResponse{}, err
	}

	input := ledger.RefundInput{
		Lines:        req.Items,
		BaseCurrency: base,
		Cashier:      actor.Username,
		Reason:       strings.TrimSpace(req.Reason),
		Restock:      req.Restock,
		RefundID:     xid.New("rfd"),
		At:           s.now(),
		Precision:    res.Precision(base),
	}
	plan := func(order domain.CompletedOrder, prior []domain.RefundTransaction) (domain.CompletedOrder, domain.RefundTransaction, error) {
		return ledger.AllocateRefund(order, prior, input)
	}

	order, refund, levels, err := s.repo.ApplyRefund(ctx, invoiceID, req.Restock, plan)
	if err != nil {
		return domain.RefundResponse{}, err
	}

	s.logAudit(ctx, "refund.issue", "order", order.InvoiceID,
		fmt.Sprintf("refund=%s amount=%s %s restock=%t status=%s", refund.ID, refund.TotalRefundAmount, base, refund.StockRestored, order.Status))
	s.publish(ctx, events.TypeRefundIssued, order.InvoiceID, refund)

	return domain.RefundResponse{
		Order:              *order,
		Refund:             *refund,
		UpdatedStockLevels: levels,
		Display:            displayTotals(res, req.DisplayCurrency, *order),
	}, nil
}

func (s *Service) ListRefunds(ctx context.Context, invoiceID string) (domain.RefundListResponse, error) {
	refunds, err := s.repo.ListRefunds(ctx, strings.TrimSpace(invoiceID))
	if err != nil {
		return domain.RefundListResponse{}, err
	}
	if refunds == nil {
		refunds = []domain.RefundTransaction{}
	}
	return domain.RefundListResponse{Refunds: refunds}, nil
}
