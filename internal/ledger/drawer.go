package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/store"
)

func ValidateActivity(activity domain.CashDrawerActivity) error {
	switch activity.Type {
	case domain.ActivitySale:
		if activity.PaymentMethod == "" {
			return store.Invalid("payment_method", "is required for sale activities")
		}
	case domain.ActivityPayIn, domain.ActivityPayOut:
	default:
		return store.Invalid("type", "must be sale, pay-in or pay-out")
	}
	if !activity.Amount.IsPositive() {
		return store.Invalid("amount", "must be greater than zero")
	}
	return nil
}

// Reconcile computes the expected drawer cash and the signed difference from
// the counted amount. Card sales are reported but never expected in the drawer.
func Reconcile(session domain.CashDrawerSession, counted decimal.Decimal) domain.DrawerSummary {
	summary := domain.DrawerSummary{
		OpeningAmount: session.OpeningAmount,
		CashSales:     decimal.Zero,
		CardSales:     decimal.Zero,
		PayIns:        decimal.Zero,
		PayOuts:       decimal.Zero,
		Counted:       counted,
	}
	for _, activity := range session.Activities {
		switch activity.Type {
		case domain.ActivitySale:
			switch activity.PaymentMethod {
			case domain.PaymentCash:
				summary.CashSales = summary.CashSales.Add(activity.Amount)
			case domain.PaymentCard:
				summary.CardSales = summary.CardSales.Add(activity.Amount)
			}
		case domain.ActivityPayIn:
			summary.PayIns = summary.PayIns.Add(activity.Amount)
		case domain.ActivityPayOut:
			summary.PayOuts = summary.PayOuts.Add(activity.Amount)
		}
	}
	summary.Expected = session.OpeningAmount.Add(summary.CashSales).Add(summary.PayIns).Sub(summary.PayOuts)
	summary.Difference = counted.Sub(summary.Expected)
	return summary
}

// CloseSession returns the closed copy of an open session.
func CloseSession(session domain.CashDrawerSession, counted decimal.Decimal, closedBy string, at time.Time) (domain.CashDrawerSession, domain.DrawerSummary, error) {
	if session.Status != domain.SessionStatusOpen {
		return domain.CashDrawerSession{}, domain.DrawerSummary{}, store.ErrSessionClosed
	}
	if counted.IsNegative() {
		return domain.CashDrawerSession{}, domain.DrawerSummary{}, store.Invalid("counted_amount", "must not be negative")
	}
	summary := Reconcile(session, counted)

	closed := session.Clone()
	closed.Status = domain.SessionStatusClosed
	closed.ClosingAmount = &summary.Counted
	closed.ExpectedAmount = &summary.Expected
	closed.Difference = &summary.Difference
	closed.ClosedAt = &at
	closed.ClosedBy = closedBy
	return closed, summary, nil
}
