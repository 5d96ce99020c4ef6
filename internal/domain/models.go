package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceMap holds explicit prices keyed by currency code.
type PriceMap map[string]decimal.Decimal

func (m PriceMap) Clone() PriceMap {
	if m == nil {
		return nil
	}
	out := make(PriceMap, len(m))
	for code, amount := range m {
		out[code] = amount
	}
	return out
}

type Product struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Category      string          `json:"category"`
	Price         PriceMap        `json:"price"`
	PurchasePrice PriceMap        `json:"purchase_price"`
	Stock         decimal.Decimal `json:"stock"`
	SellBy        string          `json:"sell_by"`
}

type Currency struct {
	Code     string          `json:"code"`
	Symbol   string          `json:"symbol"`
	Rate     decimal.Decimal `json:"rate"`
	Decimals int32           `json:"decimals"`
}

type CurrencyListResponse struct {
	Currencies []Currency `json:"currencies"`
}

type CurrencyReplaceRequest struct {
	Currencies []Currency `json:"currencies"`
}

type PriceQuote struct {
	ProductID string          `json:"product_id"`
	Currency  string          `json:"currency"`
	Symbol    string          `json:"symbol"`
	Amount    decimal.Decimal `json:"amount"`
	Explicit  bool            `json:"explicit"`
}

// OrderItem is the snapshot of a product taken when the order was completed.
type OrderItem struct {
	ProductID     string          `json:"product_id"`
	Name          string          `json:"name"`
	Price         PriceMap        `json:"price"`
	PurchasePrice PriceMap        `json:"purchase_price"`
	Category      string          `json:"category"`
	SellBy        string          `json:"sell_by"`
	Quantity      decimal.Decimal `json:"quantity"`
}

func (i OrderItem) Clone() OrderItem {
	i.Price = i.Price.Clone()
	i.PurchasePrice = i.PurchasePrice.Clone()
	return i
}

type CompletedOrder struct {
	InvoiceID     string           `json:"invoice_id"`
	CreatedAt     time.Time        `json:"created_at"`
	Cashier       string           `json:"cashier"`
	Items         []OrderItem      `json:"items"`
	BaseCurrency  string           `json:"base_currency"`
	TaxRate       decimal.Decimal  `json:"tax_rate"`
	Subtotal      decimal.Decimal  `json:"subtotal"`
	Tax           decimal.Decimal  `json:"tax"`
	Tip           decimal.Decimal  `json:"tip"`
	Discount      decimal.Decimal  `json:"discount"`
	Total         decimal.Decimal  `json:"total"`
	PaymentMethod string           `json:"payment_method"`
	Status        string           `json:"status"`
	RefundAmount  *decimal.Decimal `json:"refund_amount,omitempty"`
	CustomerID    string           `json:"customer_id,omitempty"`
	SessionID     string           `json:"session_id,omitempty"`
}

func (o CompletedOrder) Clone() CompletedOrder {
	items := make([]OrderItem, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, item.Clone())
	}
	o.Items = items
	if o.RefundAmount != nil {
		amount := *o.RefundAmount
		o.RefundAmount = &amount
	}
	return o
}

// RefundedSoFar returns the cumulative refund amount, zero when unset.
func (o CompletedOrder) RefundedSoFar() decimal.Decimal {
	if o.RefundAmount == nil {
		return decimal.Zero
	}
	return *o.RefundAmount
}

type RefundTransaction struct {
	ID                string          `json:"id"`
	InvoiceID         string          `json:"invoice_id"`
	CreatedAt         time.Time       `json:"created_at"`
	Cashier           string          `json:"cashier"`
	Items             []OrderItem     `json:"items"`
	BaseCurrency      string          `json:"base_currency"`
	RefundSubtotal    decimal.Decimal `json:"refund_subtotal"`
	TaxRefund         decimal.Decimal `json:"tax_refund"`
	TotalRefundAmount decimal.Decimal `json:"total_refund_amount"`
	StockRestored     bool            `json:"stock_restored"`
	Reason            string          `json:"reason,omitempty"`
}

func (r RefundTransaction) Clone() RefundTransaction {
	items := make([]OrderItem, 0, len(r.Items))
	for _, item := range r.Items {
		items = append(items, item.Clone())
	}
	r.Items = items
	return r
}

type PurchaseOrderItem struct {
	ProductID        string          `json:"product_id"`
	Quantity         decimal.Decimal `json:"quantity"`
	CostPrice        decimal.Decimal `json:"cost_price"`
	QuantityReceived decimal.Decimal `json:"quantity_received"`
}

type PurchaseOrder struct {
	ID         string              `json:"id"`
	SupplierID string              `json:"supplier_id"`
	CreatedAt  time.Time           `json:"created_at"`
	Items      []PurchaseOrderItem `json:"items"`
	TotalCost  decimal.Decimal     `json:"total_cost"`
	Status     string              `json:"status"`
	ReceivedAt *time.Time          `json:"received_at,omitempty"`
	ReceivedBy string              `json:"received_by,omitempty"`
}

func (po PurchaseOrder) Clone() PurchaseOrder {
	po.Items = append([]PurchaseOrderItem(nil), po.Items...)
	if po.ReceivedAt != nil {
		at := *po.ReceivedAt
		po.ReceivedAt = &at
	}
	return po
}

type CashDrawerActivity struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"session_id"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	CreatedAt     time.Time       `json:"created_at"`
	Note          string          `json:"note,omitempty"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	OrderID       string          `json:"order_id,omitempty"`
}

type CashDrawerSession struct {
	ID             string               `json:"id"`
	UserID         string               `json:"user_id"`
	Status         string               `json:"status"`
	OpeningAmount  decimal.Decimal      `json:"opening_amount"`
	Activities     []CashDrawerActivity `json:"activities"`
	ClosingAmount  *decimal.Decimal     `json:"closing_amount,omitempty"`
	ExpectedAmount *decimal.Decimal     `json:"expected_amount,omitempty"`
	Difference     *decimal.Decimal     `json:"difference,omitempty"`
	OpenedAt       time.Time            `json:"opened_at"`
	OpenedBy       string               `json:"opened_by"`
	ClosedAt       *time.Time           `json:"closed_at,omitempty"`
	ClosedBy       string               `json:"closed_by,omitempty"`
}

func (s CashDrawerSession) Clone() CashDrawerSession {
	s.Activities = append([]CashDrawerActivity(nil), s.Activities...)
	if s.ClosingAmount != nil {
		v := *s.ClosingAmount
		s.ClosingAmount = &v
	}
	if s.ExpectedAmount != nil {
		v := *s.ExpectedAmount
		s.ExpectedAmount = &v
	}
	if s.Difference != nil {
		v := *s.Difference
		s.Difference = &v
	}
	if s.ClosedAt != nil {
		v := *s.ClosedAt
		s.ClosedAt = &v
	}
	return s
}

// DrawerSummary is the close-out arithmetic of a session.
type DrawerSummary struct {
	OpeningAmount decimal.Decimal `json:"opening_amount"`
	CashSales     decimal.Decimal `json:"cash_sales"`
	CardSales     decimal.Decimal `json:"card_sales"`
	PayIns        decimal.Decimal `json:"pay_ins"`
	PayOuts       decimal.Decimal `json:"pay_outs"`
	Expected      decimal.Decimal `json:"expected"`
	Counted       decimal.Decimal `json:"counted"`
	Difference    decimal.Decimal `json:"difference"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type Actor struct {
	Username string
	Role     string
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// UserAccount is a provisioned login. Password holds a bcrypt hash.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

// SaleLine is one requested line of a sale. When Price is empty the product
// is priced from the catalog.
type SaleLine struct {
	ProductID     string          `json:"product_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	Name          string          `json:"name,omitempty"`
	Category      string          `json:"category,omitempty"`
	SellBy        string          `json:"sell_by,omitempty"`
	Price         PriceMap        `json:"price,omitempty"`
	PurchasePrice PriceMap        `json:"purchase_price,omitempty"`
}

type SaleRequest struct {
	Items           []SaleLine      `json:"items"`
	PaymentMethod   string          `json:"payment_method"`
	Tip             decimal.Decimal `json:"tip"`
	Discount        decimal.Decimal `json:"discount"`
	CustomerID      string          `json:"customer_id,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	DisplayCurrency string          `json:"display_currency,omitempty"`
}

// Settings carries the business configuration applied to a sale.
type Settings struct {
	TaxRate      decimal.Decimal
	BaseCurrency string
}

// DisplayTotals are order amounts converted into a caller-facing currency.
type DisplayTotals struct {
	Currency string          `json:"currency"`
	Symbol   string          `json:"symbol"`
	Subtotal decimal.Decimal `json:"subtotal"`
	Discount decimal.Decimal `json:"discount"`
	Tax      decimal.Decimal `json:"tax"`
	Tip      decimal.Decimal `json:"tip"`
	Total    decimal.Decimal `json:"total"`
	Refunded decimal.Decimal `json:"refunded"`
}

type SaleResponse struct {
	Order              CompletedOrder             `json:"order"`
	UpdatedStockLevels map[string]decimal.Decimal `json:"updated_stock_levels"`
	Display            *DisplayTotals             `json:"display,omitempty"`
}

type RefundLine struct {
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type RefundRequest struct {
	InvoiceID       string       `json:"invoice_id"`
	Items           []RefundLine `json:"items"`
	Restock         bool         `json:"restock"`
	BaseCurrency    string       `json:"base_currency,omitempty"`
	Reason          string       `json:"reason,omitempty"`
	DisplayCurrency string       `json:"display_currency,omitempty"`
}

type RefundResponse struct {
	Order              CompletedOrder             `json:"order"`
	Refund             RefundTransaction          `json:"refund"`
	UpdatedStockLevels map[string]decimal.Decimal `json:"updated_stock_levels,omitempty"`
	Display            *DisplayTotals             `json:"display,omitempty"`
}

type RefundListResponse struct {
	Refunds []RefundTransaction `json:"refunds"`
}

type PurchaseOrderCreateRequest struct {
	SupplierID string              `json:"supplier_id"`
	Items      []PurchaseOrderItem `json:"items"`
}

type PurchaseOrderReceiveRequest struct {
	Quantities map[string]decimal.Decimal `json:"quantities"`
}

type PurchaseOrderResponse struct {
	PurchaseOrder      PurchaseOrder              `json:"purchase_order"`
	UpdatedStockLevels map[string]decimal.Decimal `json:"updated_stock_levels,omitempty"`
}

type StockAdjustmentRequest struct {
	Delta decimal.Decimal `json:"delta"`
}

type StockAdjustmentResponse struct {
	ProductID string          `json:"product_id"`
	Stock     decimal.Decimal `json:"stock"`
}

type SessionOpenRequest struct {
	UserID        string          `json:"user_id,omitempty"`
	OpeningAmount decimal.Decimal `json:"opening_amount"`
}

type ActivityRequest struct {
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Note          string          `json:"note,omitempty"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	OrderID       string          `json:"order_id,omitempty"`
}

type SessionCloseRequest struct {
	CountedAmount decimal.Decimal `json:"counted_amount"`
}

type SessionResponse struct {
	Session CashDrawerSession `json:"session"`
	Summary *DrawerSummary    `json:"summary,omitempty"`
}

type AssistRequest struct {
	Prompt string `json:"prompt"`
}

type AssistResponse struct {
	Enabled bool   `json:"enabled"`
	Answer  string `json:"answer"`
}

const (
	SellByUnit   = "unit"
	SellByWeight = "weight"
)

const (
	OrderStatusCompleted         = "Completed"
	OrderStatusPartiallyRefunded = "Partially Refunded"
	OrderStatusFullyRefunded     = "Fully Refunded"
)

const (
	POStatusOrdered           = "Ordered"
	POStatusPartiallyReceived = "Partially Received"
	POStatusReceived          = "Received"
	POStatusCancelled         = "Cancelled"
)

const (
	SessionStatusOpen   = "open"
	SessionStatusClosed = "closed"
)

const (
	ActivitySale   = "sale"
	ActivityPayIn  = "pay-in"
	ActivityPayOut = "pay-out"
)

const (
	PaymentCash = "cash"
	PaymentCard = "card"
)
