package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/ledger"
	"tillcore/backend/internal/store"
	"tillcore/backend/internal/xid"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the idempotent schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// inTx runs fn in one read-committed transaction. Stock rows are guarded by
// the conditional update, aggregate rows by SELECT ... FOR UPDATE.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var (
		product       domain.Product
		price         []byte
		purchasePrice []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, category, price, purchase_price, stock, sell_by
		FROM products
		WHERE id = $1
	`, productID).Scan(&product.ID, &product.Name, &product.Category, &price, &purchasePrice, &product.Stock, &product.SellBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrProductNotFound, productID)
		}
		return nil, err
	}
	if product.Price, err = decodePrices(price); err != nil {
		return nil, err
	}
	if product.PurchasePrice, err = decodePrices(purchasePrice); err != nil {
		return nil, err
	}
	return &product, nil
}

// UpsertProduct is used for seeding and by integration tests.
func (s *Store) UpsertProduct(ctx context.Context, product domain.Product) error {
	price, err := encodePrices(product.Price)
	if err != nil {
		return err
	}
	purchasePrice, err := encodePrices(product.PurchasePrice)
	if err != nil {
		return err
	}
	if product.SellBy == "" {
		product.SellBy = domain.SellByUnit
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, category, price, purchase_price, stock, sell_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now(),now())
		ON CONFLICT (id)
		DO UPDATE SET name = EXCLUDED.name, category = EXCLUDED.category, price = EXCLUDED.price,
			purchase_price = EXCLUDED.purchase_price, stock = EXCLUDED.stock, sell_by = EXCLUDED.sell_by, updated_at = now()
	`, product.ID, product.Name, product.Category, price, purchasePrice, product.Stock, product.SellBy)
	return err
}

func (s *Store) AdjustStock(ctx context.Context, productID string, delta decimal.Decimal) (decimal.Decimal, error) {
	return adjustStock(ctx, s.db, productID, delta)
}

// adjustStock is the only path that writes stock. The decrement and the
// non-negative check are one statement, so concurrent sales serialize on the
// row and the loser sees the winner's committed value.
func adjustStock(ctx context.Context, q querier, productID string, delta decimal.Decimal) (decimal.Decimal, error) {
	var next decimal.Decimal
	err := q.QueryRowContext(ctx, `
		UPDATE products
		SET stock = stock + $2, updated_at = now()
		WHERE id = $1 AND stock + $2 >= 0
		RETURNING stock
	`, productID, delta).Scan(&next)
	if err == nil {
		return next, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, err
	}

	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
		return decimal.Zero, err
	}
	if !exists {
		return decimal.Zero, fmt.Errorf("%w: %s", store.ErrProductNotFound, productID)
	}
	return decimal.Zero, &store.InsufficientStockError{ProductID: productID}
}

func applyDeltas(ctx context.Context, tx *sql.Tx, ids []string, deltas map[string]decimal.Decimal) (map[string]decimal.Decimal, error) {
	levels := make(map[string]decimal.Decimal, len(ids))
	for _, id := range ids {
		next, err := adjustStock(ctx, tx, id, deltas[id])
		if err != nil {
			return nil, err
		}
		levels[id] = next
	}
	return levels, nil
}

func (s *Store) ListCurrencies(ctx context.Context) ([]domain.Currency, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, symbol, rate, decimals
		FROM currencies
		ORDER BY code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	currencies := make([]domain.Currency, 0, 16)
	for rows.Next() {
		var c domain.Currency
		if err := rows.Scan(&c.Code, &c.Symbol, &c.Rate, &c.Decimals); err != nil {
			return nil, err
		}
		currencies = append(currencies, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return currencies, nil
}

func (s *Store) ReplaceCurrencies(ctx context.Context, currencies []domain.Currency) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM currencies`); err != nil {
			return err
		}
		for _, c := range currencies {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO currencies (code, symbol, rate, decimals)
				VALUES ($1,$2,$3,$4)
			`, c.Code, c.Symbol, c.Rate, c.Decimals); err != nil {
				if isUniqueViolation(err) {
					return store.Invalid("code", "duplicate currency "+c.Code)
				}
				return err
			}
		}
		return nil
	})
}

func (s *Store) CreateSale(ctx context.Context, sale store.SaleRecord) (*domain.CompletedOrder, map[string]decimal.Decimal, error) {
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

	var levels map[string]decimal.Decimal
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if sale.Activity != nil {
			if err := lockOpenSession(ctx, tx, sale.Activity.SessionID); err != nil {
				return err
			}
		}

		ids, deltas := ledger.StockDeltas(order.Items, -1)
		var err error
		levels, err = applyDeltas(ctx, tx, ids, deltas)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO orders (
				invoice_id, created_at, cashier, base_currency, tax_rate, subtotal, tax, tip, discount,
				total, payment_method, status, refund_amount, customer_id, session_id
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		`, order.InvoiceID, order.CreatedAt, order.Cashier, order.BaseCurrency, order.TaxRate, order.Subtotal,
			order.Tax, order.Tip, order.Discount, order.Total, order.PaymentMethod, order.Status,
			nullDecimal(order.RefundAmount), order.CustomerID, order.SessionID); err != nil {
			if isUniqueViolation(err) {
				return store.Invalid("invoice_id", "invoice "+order.InvoiceID+" already exists")
			}
			return err
		}
		for i, item := range order.Items {
			price, err := encodePrices(item.Price)
			if err != nil {
				return err
			}
			purchasePrice, err := encodePrices(item.PurchasePrice)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (invoice_id, line_no, product_id, name, category, sell_by, quantity, price, purchase_price)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			`, order.InvoiceID, i+1, item.ProductID, item.Name, item.Category, item.SellBy, item.Quantity, price, purchasePrice); err != nil {
				return err
			}
		}

		if sale.Activity != nil {
			activity := *sale.Activity
			activity.OrderID = order.InvoiceID
			if activity.CreatedAt.IsZero() {
				activity.CreatedAt = order.CreatedAt
			}
			if err := insertActivity(ctx, tx, activity); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &order, levels, nil
}

func (s *Store) GetOrder(ctx context.Context, invoiceID string) (*domain.CompletedOrder, error) {
	return loadOrder(ctx, s.db, invoiceID, false)
}

func loadOrder(ctx context.Context, q querier, invoiceID string, forUpdate bool) (*domain.CompletedOrder, error) {
	query := `
		SELECT invoice_id, created_at, cashier, base_currency, tax_rate, subtotal, tax, tip, discount,
			total, payment_method, status, refund_amount, customer_id, session_id
		FROM orders
		WHERE invoice_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		order        domain.CompletedOrder
		refundAmount decimal.NullDecimal
	)
	err := q.QueryRowContext(ctx, query, invoiceID).Scan(
		&order.InvoiceID,
		&order.CreatedAt,
		&order.Cashier,
		&order.BaseCurrency,
		&order.TaxRate,
		&order.Subtotal,
		&order.Tax,
		&order.Tip,
		&order.Discount,
		&order.Total,
		&order.PaymentMethod,
		&order.Status,
		&refundAmount,
		&order.CustomerID,
		&order.SessionID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrOrderNotFound, invoiceID)
		}
		return nil, err
	}
	order.CreatedAt = order.CreatedAt.UTC()
	if refundAmount.Valid {
		amount := refundAmount.Decimal
		order.RefundAmount = &amount
	}

	rows, err := q.QueryContext(ctx, `
		SELECT product_id, name, category, sell_by, quantity, price, purchase_price
		FROM order_items
		WHERE invoice_id = $1
		ORDER BY line_no
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item          domain.OrderItem
			price         []byte
			purchasePrice []byte
		)
		if err := rows.Scan(&item.ProductID, &item.Name, &item.Category, &item.SellBy, &item.Quantity, &price, &purchasePrice); err != nil {
			return nil, err
		}
		if item.Price, err = decodePrices(price); err != nil {
			return nil, err
		}
		if item.PurchasePrice, err = decodePrices(purchasePrice); err != nil {
			return nil, err
		}
		order.Items = append(order.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Store) ApplyRefund(ctx context.Context, invoiceID string, restock bool, plan store.RefundPlanner) (*domain.CompletedOrder, *domain.RefundTransaction, map[string]decimal.Decimal, error) {
	var (
		updated domain.CompletedOrder
		refund  domain.RefundTransaction
		levels  = map[string]decimal.Decimal{}
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		order, err := loadOrder(ctx, tx, invoiceID, true)
		if err != nil {
			return err
		}
		prior, err := listRefunds(ctx, tx, invoiceID)
		if err != nil {
			return err
		}

		updated, refund, err = plan(*order, prior)
		if err != nil {
			return err
		}
		if refund.ID == "" {
			refund.ID = xid.New("rfd")
		}
		if refund.CreatedAt.IsZero() {
			refund.CreatedAt = time.Now().UTC()
		}

		if restock {
			ids, deltas := ledger.StockDeltas(refund.Items, 1)
			if levels, err = applyDeltas(ctx, tx, ids, deltas); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET refund_amount = $2, status = $3
			WHERE invoice_id = $1
		`, invoiceID, nullDecimal(updated.RefundAmount), updated.Status); err != nil {
			return err
		}

		items, err := json.Marshal(refund.Items)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO refunds (
				id, invoice_id, created_at, cashier, base_currency, refund_subtotal, tax_refund,
				total_refund_amount, stock_restored, reason, items
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, refund.ID, invoiceID, refund.CreatedAt, refund.Cashier, refund.BaseCurrency, refund.RefundSubtotal,
			refund.TaxRefund, refund.TotalRefundAmount, refund.StockRestored, refund.Reason, string(items))
		return err
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return &updated, &refund, levels, nil
}

func (s *Store) ListRefunds(ctx context.Context, invoiceID string) ([]domain.RefundTransaction, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE invoice_id = $1)`, invoiceID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", store.ErrOrderNotFound, invoiceID)
	}
	return listRefunds(ctx, s.db, invoiceID)
}

func listRefunds(ctx context.Context, q querier, invoiceID string) ([]domain.RefundTransaction, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, invoice_id, created_at, cashier, base_currency, refund_subtotal, tax_refund,
			total_refund_amount, stock_restored, reason, items
		FROM refunds
		WHERE invoice_id = $1
		ORDER BY created_at, id
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refunds []domain.RefundTransaction
	for rows.Next() {
		var (
			refund domain.RefundTransaction
			items  []byte
		)
		if err := rows.Scan(&refund.ID, &refund.InvoiceID, &refund.CreatedAt, &refund.Cashier, &refund.BaseCurrency,
			&refund.RefundSubtotal, &refund.TaxRefund, &refund.TotalRefundAmount, &refund.StockRestored,
			&refund.Reason, &items); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(items, &refund.Items); err != nil {
			return nil, fmt.Errorf("decode refund items: %w", err)
		}
		refund.CreatedAt = refund.CreatedAt.UTC()
		refunds = append(refunds, refund)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return refunds, nil
}

func (s *Store) CreatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	if po.ID == "" {
		po.ID = xid.New("po")
	}
	if po.CreatedAt.IsZero() {
		po.CreatedAt = time.Now().UTC()
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO purchase_orders (id, supplier_id, created_at, total_cost, status, received_at, received_by)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, po.ID, po.SupplierID, po.CreatedAt, po.TotalCost, po.Status, nullTime(po.ReceivedAt), po.ReceivedBy); err != nil {
			if isUniqueViolation(err) {
				return store.Invalid("id", "purchase order "+po.ID+" already exists")
			}
			return err
		}
		for _, item := range po.Items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO purchase_order_items (purchase_order_id, product_id, quantity, cost_price, quantity_received)
				VALUES ($1,$2,$3,$4,$5)
			`, po.ID, item.ProductID, item.Quantity, item.CostPrice, item.QuantityReceived); err != nil {
				if isForeignKeyViolation(err) {
					return store.Invalid("product_id", "unknown product "+item.ProductID)
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	created := po.Clone()
	return &created, nil
}

func (s *Store) GetPurchaseOrder(ctx context.Context, purchaseOrderID string) (*domain.PurchaseOrder, error) {
	return loadPurchaseOrder(ctx, s.db, purchaseOrderID, false)
}

func loadPurchaseOrder(ctx context.Context, q querier, purchaseOrderID string, forUpdate bool) (*domain.PurchaseOrder, error) {
	query := `
		SELECT id, supplier_id, created_at, total_cost, status, received_at, received_by
		FROM purchase_orders
		WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		po         domain.PurchaseOrder
		receivedAt sql.NullTime
	)
	err := q.QueryRowContext(ctx, query, purchaseOrderID).Scan(
		&po.ID, &po.SupplierID, &po.CreatedAt, &po.TotalCost, &po.Status, &receivedAt, &po.ReceivedBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrPurchaseOrderNotFound, purchaseOrderID)
		}
		return nil, err
	}
	po.CreatedAt = po.CreatedAt.UTC()
	if receivedAt.Valid {
		at := receivedAt.Time.UTC()
		po.ReceivedAt = &at
	}

	rows, err := q.QueryContext(ctx, `
		SELECT product_id, quantity, cost_price, quantity_received
		FROM purchase_order_items
		WHERE purchase_order_id = $1
		ORDER BY product_id
	`, purchaseOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.PurchaseOrderItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.CostPrice, &item.QuantityReceived); err != nil {
			return nil, err
		}
		po.Items = append(po.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &po, nil
}

func (s *Store) ReceivePurchaseOrder(ctx context.Context, purchaseOrderID string, plan store.ReceiptPlanner) (*domain.PurchaseOrder, map[string]decimal.Decimal, error) {
	var (
		updated domain.PurchaseOrder
		levels  map[string]decimal.Decimal
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		po, err := loadPurchaseOrder(ctx, tx, purchaseOrderID, true)
		if err != nil {
			return err
		}
		var increments map[string]decimal.Decimal
		updated, increments, err = plan(*po)
		if err != nil {
			return err
		}

		ids := make([]string, 0, len(increments))
		for id := range increments {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		if levels, err = applyDeltas(ctx, tx, ids, increments); err != nil {
			return err
		}

		for _, item := range updated.Items {
			if _, ok := increments[item.ProductID]; !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE purchase_order_items
				SET quantity_received = $3
				WHERE purchase_order_id = $1 AND product_id = $2
			`, purchaseOrderID, item.ProductID, item.QuantityReceived); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE purchase_orders
			SET status = $2, received_at = $3, received_by = $4
			WHERE id = $1
		`, purchaseOrderID, updated.Status, nullTime(updated.ReceivedAt), updated.ReceivedBy)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return &updated, levels, nil
}

func (s *Store) CancelPurchaseOrder(ctx context.Context, purchaseOrderID string) (*domain.PurchaseOrder, error) {
	var cancelled *domain.PurchaseOrder
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		po, err := loadPurchaseOrder(ctx, tx, purchaseOrderID, true)
		if err != nil {
			return err
		}
		if po.Status != domain.POStatusOrdered {
			return store.Invalid("status", "only purchase orders with nothing received can be cancelled")
		}
		if _, err := tx.ExecContext(ctx, `UPDATE purchase_orders SET status = $2 WHERE id = $1`, purchaseOrderID, domain.POStatusCancelled); err != nil {
			return err
		}
		po.Status = domain.POStatusCancelled
		cancelled = po
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

func (s *Store) OpenSession(ctx context.Context, session domain.CashDrawerSession) (*domain.CashDrawerSession, error) {
	if strings.TrimSpace(session.UserID) == "" {
		return nil, store.Invalid("user_id", "is required")
	}
	if session.ID == "" {
		session.ID = xid.New("drw")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.SessionStatusOpen
	session.Activities = nil

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_drawer_sessions (id, user_id, status, opening_amount, opened_at, opened_by)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, session.ID, session.UserID, session.Status, session.OpeningAmount, session.OpenedAt, session.OpenedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrSessionAlreadyOpen
		}
		return nil, err
	}
	saved := session.Clone()
	return &saved, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*domain.CashDrawerSession, error) {
	return loadSession(ctx, s.db, `WHERE id = $1`, sessionID, false)
}

func (s *Store) GetOpenSession(ctx context.Context, userID string) (*domain.CashDrawerSession, error) {
	return loadSession(ctx, s.db, `WHERE user_id = $1 AND status = 'open'`, userID, false)
}

func loadSession(ctx context.Context, q querier, where string, arg string, forUpdate bool) (*domain.CashDrawerSession, error) {
	query := `
		SELECT id, user_id, status, opening_amount, closing_amount, expected_amount, difference,
			opened_at, opened_by, closed_at, closed_by
		FROM cash_drawer_sessions ` + where
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		session                       domain.CashDrawerSession
		closing, expected, difference decimal.NullDecimal
		closedAt                      sql.NullTime
	)
	err := q.QueryRowContext(ctx, query, arg).Scan(
		&session.ID,
		&session.UserID,
		&session.Status,
		&session.OpeningAmount,
		&closing,
		&expected,
		&difference,
		&session.OpenedAt,
		&session.OpenedBy,
		&closedAt,
		&session.ClosedBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrSessionNotFound, arg)
		}
		return nil, err
	}
	session.OpenedAt = session.OpenedAt.UTC()
	session.ClosingAmount = decimalPtr(closing)
	session.ExpectedAmount = decimalPtr(expected)
	session.Difference = decimalPtr(difference)
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		session.ClosedAt = &at
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, session_id, type, amount, payment_method, order_id, note, created_at
		FROM cash_drawer_activities
		WHERE session_id = $1
		ORDER BY created_at, id
	`, session.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var a domain.CashDrawerActivity
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Type, &a.Amount, &a.PaymentMethod, &a.OrderID, &a.Note, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.CreatedAt = a.CreatedAt.UTC()
		session.Activities = append(session.Activities, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &session, nil
}

func lockOpenSession(ctx context.Context, tx *sql.Tx, sessionID string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM cash_drawer_sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", store.ErrSessionNotFound, sessionID)
		}
		return err
	}
	if status != domain.SessionStatusOpen {
		return store.ErrSessionClosed
	}
	return nil
}

func insertActivity(ctx context.Context, tx *sql.Tx, a domain.CashDrawerActivity) error {
	if a.ID == "" {
		a.ID = xid.New("act")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cash_drawer_activities (id, session_id, type, amount, payment_method, order_id, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, a.ID, a.SessionID, a.Type, a.Amount, a.PaymentMethod, a.OrderID, a.Note, a.CreatedAt)
	return err
}

func (s *Store) AppendActivity(ctx context.Context, sessionID string, activity domain.CashDrawerActivity) (*domain.CashDrawerSession, error) {
	var session *domain.CashDrawerSession
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockOpenSession(ctx, tx, sessionID); err != nil {
			return err
		}
		activity.SessionID = sessionID
		if err := insertActivity(ctx, tx, activity); err != nil {
			return err
		}
		var err error
		session, err = loadSession(ctx, tx, `WHERE id = $1`, sessionID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Store) CloseSession(ctx context.Context, sessionID string, plan store.ClosePlanner) (*domain.CashDrawerSession, *domain.DrawerSummary, error) {
	var (
		closed  domain.CashDrawerSession
		summary domain.DrawerSummary
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		session, err := loadSession(ctx, tx, `WHERE id = $1`, sessionID, true)
		if err != nil {
			return err
		}
		closed, summary, err = plan(*session)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE cash_drawer_sessions
			SET status = $2, closing_amount = $3, expected_amount = $4, difference = $5, closed_at = $6, closed_by = $7
			WHERE id = $1
		`, sessionID, closed.Status, nullDecimal(closed.ClosingAmount), nullDecimal(closed.ExpectedAmount),
			nullDecimal(closed.Difference), nullTime(closed.ClosedAt), closed.ClosedBy)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return &closed, &summary, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1
			AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username))).Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrUserNotFound, username)
	}
	if err != nil {
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func encodePrices(prices domain.PriceMap) (string, error) {
	if prices == nil {
		prices = domain.PriceMap{}
	}
	raw, err := json.Marshal(prices)
	if err != nil {
		return "", fmt.Errorf("encode prices: %w", err)
	}
	return string(raw), nil
}

func decodePrices(raw []byte) (domain.PriceMap, error) {
	prices := domain.PriceMap{}
	if len(raw) == 0 {
		return prices, nil
	}
	if err := json.Unmarshal(raw, &prices); err != nil {
		return nil, fmt.Errorf("decode prices: %w", err)
	}
	return prices, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nullDecimal(val *decimal.Decimal) any {
	if val == nil {
		return nil
	}
	return *val
}

func decimalPtr(val decimal.NullDecimal) *decimal.Decimal {
	if !val.Valid {
		return nil
	}
	out := val.Decimal
	return &out
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
