package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tillcore/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrOverRefund         = errors.New("refund exceeds remaining quantity")
	ErrOverReceipt        = errors.New("receipt exceeds ordered quantity")
	ErrNothingReceived    = errors.New("delivery receives nothing")
	ErrSessionAlreadyOpen = errors.New("user already has an open drawer session")
	ErrSessionClosed      = errors.New("drawer session is closed")
	ErrStatusDrift        = errors.New("stored status does not match derived status")

	ErrProductNotFound       = fmt.Errorf("product %w", ErrNotFound)
	ErrOrderNotFound         = fmt.Errorf("order %w", ErrNotFound)
	ErrPurchaseOrderNotFound = fmt.Errorf("purchase order %w", ErrNotFound)
	ErrSessionNotFound       = fmt.Errorf("drawer session %w", ErrNotFound)
	ErrUserNotFound          = fmt.Errorf("user %w", ErrNotFound)
)

// InsufficientStockError names the product that could not cover a decrement.
type InsufficientStockError struct {
	ProductID string
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s", e.ProductID)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

type OverRefundError struct {
	ItemID string
}

func (e *OverRefundError) Error() string {
	return fmt.Sprintf("refund quantity exceeds remaining refundable quantity for item %s", e.ItemID)
}

func (e *OverRefundError) Unwrap() error { return ErrOverRefund }

type OverReceiptError struct {
	ItemID string
}

func (e *OverReceiptError) Error() string {
	return fmt.Sprintf("received quantity exceeds ordered quantity for item %s", e.ItemID)
}

func (e *OverReceiptError) Unwrap() error { return ErrOverReceipt }

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidTransaction }

func Invalid(field string, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// SaleRecord is a fully priced order plus the drawer activity, if any, that
// must be appended in the same transaction.
type SaleRecord struct {
	Order    domain.CompletedOrder
	Activity *domain.CashDrawerActivity
}

// RefundPlanner computes the refund once the order and prior refunds are read
// under lock. Implementations must not perform I/O.
type RefundPlanner func(order domain.CompletedOrder, prior []domain.RefundTransaction) (domain.CompletedOrder, domain.RefundTransaction, error)

// ReceiptPlanner applies a delivery to a purchase order read under lock.
type ReceiptPlanner func(po domain.PurchaseOrder) (domain.PurchaseOrder, map[string]decimal.Decimal, error)

// ClosePlanner computes the close-out of a session read under lock.
type ClosePlanner func(session domain.CashDrawerSession) (domain.CashDrawerSession, domain.DrawerSummary, error)

type Repository interface {
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	AdjustStock(ctx context.Context, productID string, delta decimal.Decimal) (decimal.Decimal, error)

	ListCurrencies(ctx context.Context) ([]domain.Currency, error)
	ReplaceCurrencies(ctx context.Context, currencies []domain.Currency) error

	CreateSale(ctx context.Context, sale SaleRecord) (*domain.CompletedOrder, map[string]decimal.Decimal, error)
	GetOrder(ctx context.Context, invoiceID string) (*domain.CompletedOrder, error)
	ApplyRefund(ctx context.Context, invoiceID string, restock bool, plan RefundPlanner) (*domain.CompletedOrder, *domain.RefundTransaction, map[string]decimal.Decimal, error)
	ListRefunds(ctx context.Context, invoiceID string) ([]domain.RefundTransaction, error)

	CreatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error)
	GetPurchaseOrder(ctx context.Context, purchaseOrderID string) (*domain.PurchaseOrder, error)
	ReceivePurchaseOrder(ctx context.Context, purchaseOrderID string, plan ReceiptPlanner) (*domain.PurchaseOrder, map[string]decimal.Decimal, error)
	CancelPurchaseOrder(ctx context.Context, purchaseOrderID string) (*domain.PurchaseOrder, error)

	OpenSession(ctx context.Context, session domain.CashDrawerSession) (*domain.CashDrawerSession, error)
	GetSession(ctx context.Context, sessionID string) (*domain.CashDrawerSession, error)
	GetOpenSession(ctx context.Context, userID string) (*domain.CashDrawerSession, error)
	AppendActivity(ctx context.Context, sessionID string, activity domain.CashDrawerActivity) (*domain.CashDrawerSession, error)
	CloseSession(ctx context.Context, sessionID string, plan ClosePlanner) (*domain.CashDrawerSession, *domain.DrawerSummary, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
}
