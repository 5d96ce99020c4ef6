package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/ledger"
	"tillcore/backend/internal/store"
	"tillcore/backend/internal/xid"
)

// Store keeps every aggregate behind one mutex, so each repository call is a
// single all-or-nothing transaction.
type Store struct {
	mu                sync.RWMutex
	products          map[string]domain.Product
	currencies        []domain.Currency
	orders            map[string]domain.CompletedOrder
	refundsByInvoice  map[string][]domain.RefundTransaction
	purchaseOrders    map[string]domain.PurchaseOrder
	sessions          map[string]domain.CashDrawerSession
	openSessionByUser map[string]string
	auditLogs         []domain.AuditLog
	usersByUsername   map[string]domain.UserAccount
}

func New(products []domain.Product, currencies []domain.Currency) *Store {
	productMap := make(map[string]domain.Product, len(products))
	for _, p := range products {
		productMap[p.ID] = cloneProduct(p)
	}
	return &Store{
		products:          productMap,
		currencies:        slices.Clone(currencies),
		orders:            make(map[string]domain.CompletedOrder),
		refundsByInvoice:  make(map[string][]domain.RefundTransaction),
		purchaseOrders:    make(map[string]domain.PurchaseOrder),
		sessions:          make(map[string]domain.CashDrawerSession),
		openSessionByUser: make(map[string]string),
		auditLogs:         make([]domain.AuditLog, 0, 128),
		usersByUsername:   make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the dev/demo accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD, falling back to dev defaults.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		zap.L().Warn("memory store is using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.MinCost)
		if err != nil {
			zap.L().Fatal("hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func SeedCurrencies() []domain.Currency {
	return []domain.Currency{
		{Code: "USD", Symbol: "$", Rate: decimal.NewFromInt(1), Decimals: 2},
		{Code: "EUR", Symbol: "€", Rate: decimal.RequireFromString("0.92"), Decimals: 2},
		{Code: "GBP", Symbol: "£", Rate: decimal.RequireFromString("0.79"), Decimals: 2},
		{Code: "JPY", Symbol: "¥", Rate: decimal.NewFromInt(150), Decimals: 0},
	}
}

func SeedProducts() []domain.Product {
	usd := func(s string) domain.PriceMap {
		return domain.PriceMap{"USD": decimal.RequireFromString(s)}
	}
	coffee := usd("12.50")
	coffee["EUR"] = decimal.RequireFromString("11.90")
	return []domain.Product{
		{ID: "P-COFFEE-1KG", Name: "House Coffee Beans 1kg", Category: "beverage", Price: coffee, PurchasePrice: usd("7.10"), Stock: decimal.NewFromInt(40), SellBy: domain.SellByUnit},
		{ID: "P-MILK-1L", Name: "Whole Milk 1L", Category: "dairy", Price: usd("1.89"), PurchasePrice: usd("1.05"), Stock: decimal.NewFromInt(120), SellBy: domain.SellByUnit},
		{ID: "P-BREAD", Name: "Sourdough Loaf", Category: "bakery", Price: usd("4.25"), PurchasePrice: usd("1.90"), Stock: decimal.NewFromInt(30), SellBy: domain.SellByUnit},
		{ID: "P-APPLES", Name: "Apples", Category: "produce", Price: usd("3.20"), PurchasePrice: usd("1.40"), Stock: decimal.RequireFromString("55.500"), SellBy: domain.SellByWeight},
		{ID: "P-CHEESE", Name: "Aged Cheddar", Category: "dairy", Price: usd("18.00"), PurchasePrice: usd("9.75"), Stock: decimal.RequireFromString("8.250"), SellBy: domain.SellByWeight},
		{ID: "P-TEA", Name: "Green Tea 20 bags", Category: "beverage", Price: usd("3.49"), PurchasePrice: usd("1.60"), Stock: decimal.NewFromInt(75), SellBy: domain.SellByUnit},
	}
}

func NewSeeded() *Store {
	s := New(SeedProducts(), SeedCurrencies())
	s.usersByUsername = seedUsers()
	return s
}

func (s *Store) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[productID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", store.ErrProductNotFound, productID)
	}
	copyProduct := cloneProduct(product)
	return &copyProduct, nil
}

func (s *Store) AdjustStock(_ context.Context, productID string, delta decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.adjustLocked(productID, delta)
}

func (s *Store) adjustLocked(productID string, delta decimal.Decimal) (decimal.Decimal, error) {
	product, exists := s.products[productID]
	if !exists {
		return decimal.Zero, fmt.Errorf("%w: %s", store.ErrProductNotFound, productID)
	}
	next := product.Stock.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, &store.InsufficientStockError{ProductID: productID}
	}
	product.Stock = next
	s.products[productID] = product
	return next, nil
}

// applyDeltas checks every delta before touching any row.
func (s *Store) applyDeltas(ids []string, deltas map[string]decimal.Decimal) (map[string]decimal.Decimal, error) {
	for _, id := range ids {
		product, exists := s.products[id]
		if !exists {
			return nil, fmt.Errorf("%w: %s", store.ErrProductNotFound, id)
		}
		if product.Stock.Add(deltas[id]).IsNegative() {
			return nil, &store.InsufficientStockError{ProductID: id}
		}
	}
	levels := make(map[string]decimal.Decimal, len(ids))
	for _, id := range ids {
		next, err := s.adjustLocked(id, deltas[id])
		if err != nil {
			return nil, err
		}
		levels[id] = next
	}
	return levels, nil
}

func (s *Store) ListCurrencies(_ context.Context) ([]domain.Currency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.currencies), nil
}

func (s *Store) ReplaceCurrencies(_ context.Context, currencies []domain.Currency) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.currencies = slices.Clone(currencies)
	return nil
}

func (s *Store) CreateSale(_ context.Context, sale store.SaleRecord) (*domain.CompletedOrder, map[string]decimal.Decimal, error) {
	order := sale.Order.Clone()
	if order.InvoiceID == "" {
		order.InvoiceID = xid.New("inv")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	if len(order.Items) == 0 {
		return nil, nil, store.Invalid("items", "at least one item is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[order.InvoiceID]; exists {
		return nil, nil, store.Invalid("invoice_id", "invoice "+order.InvoiceID+" already exists")
	}

	var session domain.CashDrawerSession
	if sale.Activity != nil {
		var err error
		session, err = s.openSessionLocked(sale.Activity.SessionID)
		if err != nil {
			return nil, nil, err
		}
	}

	ids, deltas := ledger.StockDeltas(order.Items, -1)
	levels, err := s.applyDeltas(ids, deltas)
	if err != nil {
		return nil, nil, err
	}

	if sale.Activity != nil {
		activity := *sale.Activity
		activity.OrderID = order.InvoiceID
		if activity.ID == "" {
			activity.ID = xid.New("act")
		}
		if activity.CreatedAt.IsZero() {
			activity.CreatedAt = order.CreatedAt
		}
		session.Activities = append(session.Activities, activity)
		s.sessions[session.ID] = session
	}

	s.orders[order.InvoiceID] = order.Clone()
	return &order, levels, nil
}

func (s *Store) GetOrder(_ context.Context, invoiceID string) (*domain.CompletedOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, exists := s.orders[invoiceID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", store.ErrOrderNotFound, invoiceID)
	}
	copyOrder := order.Clone()
	return &copyOrder, nil
}

func (s *Store) ApplyRefund(_ context.Context, invoiceID string, restock bool, plan store.RefundPlanner) (*domain.CompletedOrder, *domain.RefundTransaction, map[string]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.orders[invoiceID]
	if !exists {
		return nil, nil, nil, fmt.Errorf("%w: %s", store.ErrOrderNotFound, invoiceID)
	}
	prior := cloneRefunds(s.refundsByInvoice[invoiceID])

	updated, refund, err := plan(order.Clone(), prior)
	if err != nil {
		return nil, nil, nil, err
	}
	if refund.ID == "" {
		refund.ID = xid.New("rfd")
	}
	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = time.Now().UTC()
	}

	levels := map[string]decimal.Decimal{}
	if restock {
		ids, deltas := ledger.StockDeltas(refund.Items, 1)
		levels, err = s.applyDeltas(ids, deltas)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	s.orders[invoiceID] = updated.Clone()
	s.refundsByInvoice[invoiceID] = append(s.refundsByInvoice[invoiceID], refund.Clone())
	return &updated, &refund, levels, nil
}

func (s *Store) ListRefunds(_ context.Context, invoiceID string) ([]domain.RefundTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.orders[invoiceID]; !exists {
		return nil, fmt.Errorf("%w: %s", store.ErrOrderNotFound, invoiceID)
	}
	return cloneRefunds(s.refundsByInvoice[invoiceID]), nil
}

func (s *Store) CreatePurchaseOrder(_ context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if po.ID == "" {
		po.ID = xid.New("po")
	}
	if po.CreatedAt.IsZero() {
		po.CreatedAt = time.Now().UTC()
	}
	if _, exists := s.purchaseOrders[po.ID]; exists {
		return nil, store.Invalid("id", "purchase order "+po.ID+" already exists")
	}
	for _, item := range po.Items {
		if _, exists := s.products[item.ProductID]; !exists {
			return nil, store.Invalid("product_id", "unknown product "+item.ProductID)
		}
	}

	s.purchaseOrders[po.ID] = po.Clone()
	created := po.Clone()
	return &created, nil
}

func (s *Store) GetPurchaseOrder(_ context.Context, purchaseOrderID string) (*domain.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	po, exists := s.purchaseOrders[purchaseOrderID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", store.ErrPurchaseOrderNotFound, purchaseOrderID)
	}
	copyPO := po.Clone()
	return &copyPO, nil
}

func (s *Store) ReceivePurchaseOrder(_ context.Context, purchaseOrderID string, plan store.ReceiptPlanner) (*domain.PurchaseOrder, map[string]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	po, exists := s.purchaseOrders[purchaseOrderID]
	if !exists {
		return nil, nil, fmt.Errorf("%w: %s", store.ErrPurchaseOrderNotFound, purchaseOrderID)
	}
	updated, increments, err := plan(po.Clone())
	if err != nil {
		return nil, nil, err
	}

	ids := make([]string, 0, len(increments))
	for id := range increments {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	levels, err := s.applyDeltas(ids, increments)
	if err != nil {
		return nil, nil, err
	}

	s.purchaseOrders[purchaseOrderID] = updated.Clone()
	return &updated, levels, nil
}

func (s *Store) CancelPurchaseOrder(_ context.Context, purchaseOrderID string) (*domain.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	po, exists := s.purchaseOrders[purchaseOrderID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", store.ErrPurchaseOrderNotFound, purchaseOrderID)
	}
	if po.Status != domain.POStatusOrdered {
		return nil, store.Invalid("status", "only purchase orders with nothing received can be cancelled")
	}
	po.Status = domain.POStatusCancelled
	s.purchaseOrders[purchaseOrderID] = po
	copyPO := po.Clone()
	return &copyPO, nil
}

func (s *Store) OpenSession(_ context.Context, session domain.CashDrawerSession) (*domain.CashDrawerSession, error) {
	if strings.TrimSpace(session.UserID) == "" {
		return nil, store.Invalid("user_id", "is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.openSessionByUser[session.UserID]; exists {
		return nil, store.ErrSessionAlreadyOpen
	}
	if session.ID == "" {
		session.ID = xid.New("drw")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.SessionStatusOpen
	session.Activities = nil

	s.sessions[session.ID] = session
	s.openSessionByUser[session.UserID] = session.ID
	copySession := session.Clone()
	return &copySession, nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (*domain.CashDrawerSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", store.ErrSessionNotFound, sessionID)
	}
	copySession := session.Clone()
	return &copySession, nil
}

func (s *Store) GetOpenSession(_ context.Context, userID string) (*domain.CashDrawerSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessionID, exists := s.openSessionByUser[userID]
	if !exists {
		return nil, fmt.Errorf("%w: no open session for %s", store.ErrSessionNotFound, userID)
	}
	copySession := s.sessions[sessionID].Clone()
	return &copySession, nil
}

func (s *Store) openSessionLocked(sessionID string) (domain.CashDrawerSession, error) {
	session, exists := s.sessions[sessionID]
	if !exists {
		return domain.CashDrawerSession{}, fmt.Errorf("%w: %s", store.ErrSessionNotFound, sessionID)
	}
	if session.Status != domain.SessionStatusOpen {
		return domain.CashDrawerSession{}, store.ErrSessionClosed
	}
	return session, nil
}

func (s *Store) AppendActivity(_ context.Context, sessionID string, activity domain.CashDrawerActivity) (*domain.CashDrawerSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.openSessionLocked(sessionID)
	if err != nil {
		return nil, err
	}
	if activity.ID == "" {
		activity.ID = xid.New("act")
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now().UTC()
	}
	activity.SessionID = sessionID
	session.Activities = append(session.Activities, activity)
	s.sessions[sessionID] = session

	copySession := session.Clone()
	return &copySession, nil
}

func (s *Store) CloseSession(_ context.Context, sessionID string, plan store.ClosePlanner) (*domain.CashDrawerSession, *domain.DrawerSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return nil, nil, fmt.Errorf("%w: %s", store.ErrSessionNotFound, sessionID)
	}
	closed, summary, err := plan(session.Clone())
	if err != nil {
		return nil, nil, err
	}

	s.sessions[sessionID] = closed.Clone()
	if s.openSessionByUser[closed.UserID] == sessionID {
		delete(s.openSessionByUser, closed.UserID)
	}
	return &closed, &summary, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.usersByUsername[strings.ToLower(strings.TrimSpace(username))]
	if !exists {
		return nil, fmt.Errorf("%w: %s", store.ErrUserNotFound, username)
	}
	return &user, nil
}

func cloneProduct(src domain.Product) domain.Product {
	dst := src
	dst.Price = src.Price.Clone()
	dst.PurchasePrice = src.PurchasePrice.Clone()
	return dst
}

func cloneRefunds(src []domain.RefundTransaction) []domain.RefundTransaction {
	if src == nil {
		return nil
	}
	out := make([]domain.RefundTransaction, len(src))
	for i, refund := range src {
		out[i] = refund.Clone()
	}
	return out
}
