package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tillcore/backend/internal/currency"
	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/store"
)

// OrderStatus derives the refund status from the cumulative refund amount.
func OrderStatus(total decimal.Decimal, refundAmount *decimal.Decimal) string {
	if refundAmount == nil || !refundAmount.IsPositive() {
		return domain.OrderStatusCompleted
	}
	if total.Sub(*refundAmount).Abs().LessThanOrEqual(Epsilon) || refundAmount.GreaterThan(total) {
		return domain.OrderStatusFullyRefunded
	}
	return domain.OrderStatusPartiallyRefunded
}

// CheckOrderStatus reports drift between the stored and the derived status.
func CheckOrderStatus(order domain.CompletedOrder) error {
	derived := OrderStatus(order.Total, order.RefundAmount)
	if order.Status != derived {
		return fmt.Errorf("%w: order %s stored %q, derived %q", store.ErrStatusDrift, order.InvoiceID, order.Status, derived)
	}
	return nil
}

// RefundedQuantities sums the quantities already refunded per product.
func RefundedQuantities(prior []domain.RefundTransaction) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, refund := range prior {
		for _, item := range refund.Items {
			out[item.ProductID] = out[item.ProductID].Add(item.Quantity)
		}
	}
	return out
}

type RefundInput struct {
	Lines        []domain.RefundLine
	BaseCurrency string
	Cashier      string
	Reason       string
	Restock      bool
	RefundID     string
	At           time.Time
	Precision    int32
}

// AllocateRefund values the requested lines from the order's own snapshot and
// splits the order tax by refundSubtotal / order.Subtotal. The refund is
// capped at the order's unrefunded balance so refundAmount never passes total.
func AllocateRefund(order domain.CompletedOrder, prior []domain.RefundTransaction, in RefundInput) (domain.CompletedOrder, domain.RefundTransaction, error) {
	if len(in.Lines) == 0 {
		return domain.CompletedOrder{}, domain.RefundTransaction{}, store.Invalid("items", "at least one item is required")
	}
	base := currency.Normalize(in.BaseCurrency)
	if base == "" {
		return domain.CompletedOrder{}, domain.RefundTransaction{}, store.Invalid("base_currency", "is required")
	}
	if order.BaseCurrency != "" && currency.Normalize(order.BaseCurrency) != base {
		return domain.CompletedOrder{}, domain.RefundTransaction{}, store.Invalid("base_currency", fmt.Sprintf("order %s is denominated in %s", order.InvoiceID, order.BaseCurrency))
	}
	if err := CheckOrderStatus(order); err != nil {
		return domain.CompletedOrder{}, domain.RefundTransaction{}, err
	}

	lines := make(map[string][]domain.OrderItem, len(order.Items))
	ordered := make(map[string]decimal.Decimal, len(order.Items))
	for _, item := range order.Items {
		lines[item.ProductID] = append(lines[item.ProductID], item)
		ordered[item.ProductID] = ordered[item.ProductID].Add(item.Quantity)
	}

	requested := make(map[string]decimal.Decimal, len(in.Lines))
	sequence := make([]string, 0, len(in.Lines))
	for _, line := range in.Lines {
		if !line.Quantity.IsPositive() {
			return domain.CompletedOrder{}, domain.RefundTransaction{}, store.Invalid("quantity", "must be greater than zero")
		}
		if _, ok := lines[line.ProductID]; !ok {
			return domain.CompletedOrder{}, domain.RefundTransaction{}, store.Invalid("items", "product "+line.ProductID+" is not on invoice "+order.InvoiceID)
		}
		if _, seen := requested[line.ProductID]; !seen {
			sequence = append(sequence, line.ProductID)
		}
		requested[line.ProductID] = requested[line.ProductID].Add(line.Quantity)
	}

	alreadyRefunded := RefundedQuantities(prior)
	refundSubtotal := decimal.Zero
	refundItems := make([]domain.OrderItem, 0, len(sequence))
	for _, productID := range sequence {
		qty := requested[productID]
		remaining := ordered[productID].Sub(alreadyRefunded[productID])
		if qty.GreaterThan(remaining) {
			return domain.CompletedOrder{}, domain.RefundTransaction{}, &store.OverRefundError{ItemID: productID}
		}
		if err := ValidateQuantity(lines[productID][0].SellBy, qty); err != nil {
			return domain.CompletedOrder{}, domain.RefundTransaction{}, err
		}
		portions, err := refundPortions(lines[productID], alreadyRefunded[productID], qty, base)
		if err != nil {
			return domain.CompletedOrder{}, domain.RefundTransaction{}, err
		}
		for _, portion := range portions {
			refundSubtotal = refundSubtotal.Add(portion.value)
			refundItems = append(refundItems, portion.item)
		}
	}
	refundSubtotal = refundSubtotal.Round(in.Precision)

	taxRefund := decimal.Zero
	if order.Subtotal.IsPositive() {
		proportion := refundSubtotal.DivRound(order.Subtotal, 16)
		taxRefund = order.Tax.Mul(proportion).Round(in.Precision)
	}
	totalRefund := refundSubtotal.Add(taxRefund)

	previous := order.RefundedSoFar()
	balance := decimal.Max(order.Total.Sub(previous), decimal.Zero)
	if totalRefund.GreaterThan(balance) {
		refundSubtotal, taxRefund = capRefund(refundSubtotal, taxRefund, balance, in.Precision)
		totalRefund = balance
	}

	next := previous.Add(totalRefund)
	updated := order.Clone()
	updated.RefundAmount = &next
	updated.Status = OrderStatus(updated.Total, updated.RefundAmount)

	refund := domain.RefundTransaction{
		ID:                in.RefundID,
		InvoiceID:         order.InvoiceID,
		CreatedAt:         in.At,
		Cashier:           in.Cashier,
		Items:             refundItems,
		BaseCurrency:      base,
		RefundSubtotal:    refundSubtotal,
		TaxRefund:         taxRefund,
		TotalRefundAmount: totalRefund,
		StockRestored:     in.Restock,
		Reason:            in.Reason,
	}
	return updated, refund, nil
}

type refundPortion struct {
	item  domain.OrderItem
	value decimal.Decimal
}

// refundPortions consumes qty from the product's order lines in line order,
// skipping what earlier refunds already took, and values each portion at its
// own line's price.
func refundPortions(lines []domain.OrderItem, refunded, qty decimal.Decimal, base string) ([]refundPortion, error) {
	skip := refunded
	left := qty
	out := make([]refundPortion, 0, len(lines))
	for _, line := range lines {
		if !left.IsPositive() {
			break
		}
		available := line.Quantity
		if skip.IsPositive() {
			used := decimal.Min(skip, available)
			skip = skip.Sub(used)
			available = available.Sub(used)
		}
		if !available.IsPositive() {
			continue
		}
		take := decimal.Min(available, left)
		left = left.Sub(take)

		price, err := LinePrice(line, base)
		if err != nil {
			return nil, err
		}
		item := line.Clone()
		item.Quantity = take
		out = append(out, refundPortion{item: item, value: price.Mul(take)})
	}
	return out, nil
}

// capRefund scales subtotal and tax down to total so the refund record still
// adds up after the balance cap.
func capRefund(subtotal, tax, total decimal.Decimal, precision int32) (decimal.Decimal, decimal.Decimal) {
	gross := subtotal.Add(tax)
	if !gross.IsPositive() {
		return total, decimal.Zero
	}
	scaled := subtotal.Mul(total).DivRound(gross, 16).Round(precision)
	return scaled, total.Sub(scaled)
}
