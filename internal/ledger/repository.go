package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/buildmat-erp/buildmat-erp/internal/platform/db"
	"github.com/buildmat-erp/buildmat-erp/internal/shared"
)

// LockedProduct is the slice of a catalog row the reconciliation engine
// needs while it holds the row lock.
type LockedProduct struct {
	ID             string
	Name           string
	Category       string
	WholesalePrice decimal.Decimal
	RetailPrice    decimal.Decimal
	StockQuantity  int64
	Active         bool
}

// TxRepository is the write surface available inside a ledger transaction.
// Lock acquisition order is fixed: products sorted by id first, then the
// customer row.
type TxRepository interface {
	LockProducts(ctx context.Context, ids []string) ([]LockedProduct, error)
	DeductStock(ctx context.Context, productID string, qty int64) error
	GetCustomerForUpdate(ctx context.Context, id string) (Customer, error)
	InsertCustomer(ctx context.Context, c Customer) error
	UpdateCustomerAggregates(ctx context.Context, c Customer) error
	InsertSale(ctx context.Context, s Sale) error
	InsertPayment(ctx context.Context, p Payment) error
	GetSaleForUpdate(ctx context.Context, id string) (Sale, error)
	OutstandingSalesForUpdate(ctx context.Context, customerID string) ([]Sale, error)
	UpdateSalePayment(ctx context.Context, saleID string, paid, due decimal.Decimal, status PaymentStatus) error

	AllSalesForUpdate(ctx context.Context) ([]Sale, error)
	AllPayments(ctx context.Context) ([]Payment, error)
	AllCustomersForUpdate(ctx context.Context) ([]Customer, error)
}

// Repository is the ledger persistence surface.
type Repository interface {
	WithTx(ctx context.Context, fn func(TxRepository) error) error
	GetSale(ctx context.Context, id string) (Sale, error)
	ListSales(ctx context.Context, filters SaleFilters) ([]Sale, int, error)
	SalesInPeriod(ctx context.Context, from, to time.Time) ([]Sale, error)
	SalesForCustomer(ctx context.Context, customerID string) ([]Sale, error)
	PaymentsForCustomer(ctx context.Context, customerID string) ([]Payment, error)
	GetCustomer(ctx context.Context, id string) (Customer, error)
	ListCustomers(ctx context.Context, page, limit int) ([]Customer, int, error)
	ReceivablesTotal(ctx context.Context) (decimal.Decimal, int, error)
	SaleLineExists(ctx context.Context, productID string) (bool, error)
}

// PGRepository implements Repository on PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs the repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// WithTx runs fn inside a RepeatableRead transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&pgTxRepository{tx: tx})
	})
}

const saleColumns = `id, customer_id, customer_name, customer_type, total, amount_paid, amount_due, payment_status, payment_method, note, created_at`

const customerColumns = `id, name, phone, company, type, total_purchases, total_paid, balance, created_at, updated_at`

const paymentColumns = `id, customer_id, sale_id, amount, method, received_by, note, created_at`

// GetSale loads one sale with its lines.
func (r *PGRepository) GetSale(ctx context.Context, id string) (Sale, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, id)
	sale, err := scanSale(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Sale{}, fmt.Errorf("%w: sale %s", shared.ErrNotFound, id)
		}
		return Sale{}, fmt.Errorf("get sale: %w", err)
	}
	lines, err := linesForSales(ctx, r.pool, []string{sale.ID})
	if err != nil {
		return Sale{}, err
	}
	sale.Lines = lines[sale.ID]
	return sale, nil
}

// ListSales returns filtered sales newest first, with lines attached.
func (r *PGRepository) ListSales(ctx context.Context, filters SaleFilters) ([]Sale, int, error) {
	where := []string{"1=1"}
	args := []any{}
	n := 0
	next := func() string { n++; return "$" + strconv.Itoa(n) }

	if filters.CustomerID != "" {
		where = append(where, "customer_id = "+next())
		args = append(args, filters.CustomerID)
	}
	if filters.Status != "" {
		where = append(where, "payment_status = "+next())
		args = append(args, string(filters.Status))
	}
	if !filters.From.IsZero() {
		where = append(where, "created_at >= "+next())
		args = append(args, filters.From)
	}
	if !filters.To.IsZero() {
		where = append(where, "created_at < "+next())
		args = append(args, filters.To)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sales WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sales: %w", err)
	}

	limitArg := next()
	args = append(args, filters.Limit)
	offsetArg := next()
	args = append(args, (filters.Page-1)*filters.Limit)

	rows, err := r.pool.Query(ctx, `SELECT `+saleColumns+` FROM sales WHERE `+cond+
		` ORDER BY created_at DESC LIMIT `+limitArg+` OFFSET `+offsetArg, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sales: %w", err)
	}
	sales, err := collectSales(ctx, r.pool, rows)
	if err != nil {
		return nil, 0, err
	}
	return sales, total, nil
}

// SalesInPeriod returns every sale in [from, to) with lines, oldest first.
// Zero bounds are open ended.
func (r *PGRepository) SalesInPeriod(ctx context.Context, from, to time.Time) ([]Sale, error) {
	where := []string{"1=1"}
	args := []any{}
	n := 0
	next := func() string { n++; return "$" + strconv.Itoa(n) }
	if !from.IsZero() {
		where = append(where, "created_at >= "+next())
		args = append(args, from)
	}
	if !to.IsZero() {
		where = append(where, "created_at < "+next())
		args = append(args, to)
	}
	rows, err := r.pool.Query(ctx, `SELECT `+saleColumns+` FROM sales WHERE `+strings.Join(where, " AND ")+
		` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("sales in period: %w", err)
	}
	return collectSales(ctx, r.pool, rows)
}

// SalesForCustomer returns the customer's sales oldest first, with lines.
func (r *PGRepository) SalesForCustomer(ctx context.Context, customerID string) ([]Sale, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+saleColumns+` FROM sales WHERE customer_id = $1 ORDER BY created_at ASC`, customerID)
	if err != nil {
		return nil, fmt.Errorf("sales for customer: %w", err)
	}
	return collectSales(ctx, r.pool, rows)
}

// PaymentsForCustomer returns the customer's payments oldest first.
func (r *PGRepository) PaymentsForCustomer(ctx context.Context, customerID string) ([]Payment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE customer_id = $1 ORDER BY created_at ASC`,
		customerID)
	if err != nil {
		return nil, fmt.Errorf("payments for customer: %w", err)
	}
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetCustomer loads one customer.
func (r *PGRepository) GetCustomer(ctx context.Context, id string) (Customer, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id)
	c, err := scanCustomer(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Customer{}, fmt.Errorf("%w: customer %s", shared.ErrNotFound, id)
		}
		return Customer{}, fmt.Errorf("get customer: %w", err)
	}
	return c, nil
}

// ListCustomers pages through customers by name.
func (r *PGRepository) ListCustomers(ctx context.Context, page, limit int) ([]Customer, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM customers`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count customers: %w", err)
	}
	rows, err := r.pool.Query(ctx, `SELECT `+customerColumns+` FROM customers ORDER BY name ASC LIMIT $1 OFFSET $2`,
		limit, (page-1)*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list customers: %w", err)
	}
	defer rows.Close()
	var out []Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

// ReceivablesTotal returns the sum of positive customer balances and how
// many customers carry one.
func (r *PGRepository) ReceivablesTotal(ctx context.Context) (decimal.Decimal, int, error) {
	var total pgtype.Numeric
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(balance), 0), COUNT(*) FROM customers WHERE balance > 0`).
		Scan(&total, &count)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("receivables total: %w", err)
	}
	return db.DecimalFromNumeric(total), count, nil
}

// SaleLineExists reports whether any sale line references the product.
func (r *PGRepository) SaleLineExists(ctx context.Context, productID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sale_lines WHERE product_id = $1)`, productID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("sale line exists: %w", err)
	}
	return exists, nil
}

// ============================================================================
// Transaction-scoped repository
// ============================================================================

type pgTxRepository struct {
	tx pgx.Tx
}

func (r *pgTxRepository) LockProducts(ctx context.Context, ids []string) ([]LockedProduct, error) {
	rows, err := r.tx.Query(ctx,
		`SELECT id, name, category, wholesale_price, retail_price, stock_quantity, active
		 FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, fmt.Errorf("lock products: %w", err)
	}
	defer rows.Close()
	var out []LockedProduct
	for rows.Next() {
		var (
			p                 LockedProduct
			wholesale, retail pgtype.Numeric
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &wholesale, &retail, &p.StockQuantity, &p.Active); err != nil {
			return nil, fmt.Errorf("scan locked product: %w", err)
		}
		p.WholesalePrice = db.DecimalFromNumeric(wholesale)
		p.RetailPrice = db.DecimalFromNumeric(retail)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *pgTxRepository) DeductStock(ctx context.Context, productID string, qty int64) error {
	tag, err := r.tx.Exec(ctx,
		`UPDATE products SET stock_quantity = stock_quantity - $2, updated_at = $3
		 WHERE id = $1 AND stock_quantity >= $2`, productID, qty, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("deduct stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: stock underflow on product %s", shared.ErrConflict, productID)
	}
	return nil
}

func (r *pgTxRepository) GetCustomerForUpdate(ctx context.Context, id string) (Customer, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1 FOR UPDATE`, id)
	c, err := scanCustomer(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Customer{}, fmt.Errorf("%w: customer %s", shared.ErrNotFound, id)
		}
		return Customer{}, fmt.Errorf("get customer for update: %w", err)
	}
	return c, nil
}

func (r *pgTxRepository) InsertCustomer(ctx context.Context, c Customer) error {
	_, err := r.tx.Exec(ctx,
		`INSERT INTO customers (id, name, phone, company, type, total_purchases, total_paid, balance, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.Name, c.Phone, c.Company, string(c.Type),
		db.NumericFromDecimal(c.TotalPurchases), db.NumericFromDecimal(c.TotalPaid), db.NumericFromDecimal(c.Balance),
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert customer: %w", err)
	}
	return nil
}

func (r *pgTxRepository) UpdateCustomerAggregates(ctx context.Context, c Customer) error {
	tag, err := r.tx.Exec(ctx,
		`UPDATE customers SET total_purchases = $2, total_paid = $3, balance = $4, updated_at = $5 WHERE id = $1`,
		c.ID, db.NumericFromDecimal(c.TotalPurchases), db.NumericFromDecimal(c.TotalPaid),
		db.NumericFromDecimal(c.Balance), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update customer aggregates: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: customer %s", shared.ErrNotFound, c.ID)
	}
	return nil
}

func (r *pgTxRepository) InsertSale(ctx context.Context, s Sale) error {
	_, err := r.tx.Exec(ctx,
		`INSERT INTO sales (id, customer_id, customer_name, customer_type, total, amount_paid, amount_due, payment_status, payment_method, note, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.CustomerID, s.CustomerName, string(s.CustomerType),
		db.NumericFromDecimal(s.Total), db.NumericFromDecimal(s.AmountPaid), db.NumericFromDecimal(s.AmountDue),
		string(s.PaymentStatus), string(s.PaymentMethod), s.Note, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert sale: %w", err)
	}
	for _, l := range s.Lines {
		_, err := r.tx.Exec(ctx,
			`INSERT INTO sale_lines (id, sale_id, product_id, product_name, category, quantity, unit_price, line_total)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			l.ID, s.ID, l.ProductID, l.ProductName, l.Category, l.Quantity,
			db.NumericFromDecimal(l.UnitPrice), db.NumericFromDecimal(l.LineTotal))
		if err != nil {
			return fmt.Errorf("insert sale line: %w", err)
		}
	}
	return nil
}

func (r *pgTxRepository) InsertPayment(ctx context.Context, p Payment) error {
	_, err := r.tx.Exec(ctx,
		`INSERT INTO payments (id, customer_id, sale_id, amount, method, received_by, note, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.CustomerID, p.SaleID, db.NumericFromDecimal(p.Amount), string(p.Method), p.ReceivedBy, p.Note, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *pgTxRepository) GetSaleForUpdate(ctx context.Context, id string) (Sale, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1 FOR UPDATE`, id)
	sale, err := scanSale(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Sale{}, fmt.Errorf("%w: sale %s", shared.ErrNotFound, id)
		}
		return Sale{}, fmt.Errorf("get sale for update: %w", err)
	}
	return sale, nil
}

func (r *pgTxRepository) OutstandingSalesForUpdate(ctx context.Context, customerID string) ([]Sale, error) {
	rows, err := r.tx.Query(ctx,
		`SELECT `+saleColumns+` FROM sales
		 WHERE customer_id = $1 AND payment_status <> 'paid'
		 ORDER BY created_at ASC FOR UPDATE`, customerID)
	if err != nil {
		return nil, fmt.Errorf("outstanding sales: %w", err)
	}
	defer rows.Close()
	var out []Sale
	for rows.Next() {
		s, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *pgTxRepository) UpdateSalePayment(ctx context.Context, saleID string, paid, due decimal.Decimal, status PaymentStatus) error {
	tag, err := r.tx.Exec(ctx,
		`UPDATE sales SET amount_paid = $2, amount_due = $3, payment_status = $4 WHERE id = $1`,
		saleID, db.NumericFromDecimal(paid), db.NumericFromDecimal(due), string(status))
	if err != nil {
		return fmt.Errorf("update sale payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: sale %s", shared.ErrNotFound, saleID)
	}
	return nil
}

func (r *pgTxRepository) AllSalesForUpdate(ctx context.Context) ([]Sale, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+saleColumns+` FROM sales ORDER BY created_at ASC FOR UPDATE`)
	if err != nil {
		return nil, fmt.Errorf("all sales: %w", err)
	}
	return collectSales(ctx, r.tx, rows)
}

func (r *pgTxRepository) AllPayments(ctx context.Context) ([]Payment, error) {
	rows, err := r.tx.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("all payments: %w", err)
	}
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *pgTxRepository) AllCustomersForUpdate(ctx context.Context) ([]Customer, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+customerColumns+` FROM customers ORDER BY id ASC FOR UPDATE`)
	if err != nil {
		return nil, fmt.Errorf("all customers: %w", err)
	}
	defer rows.Close()
	var out []Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ============================================================================
// Row scanning
// ============================================================================

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func scanSale(row pgx.Row) (Sale, error) {
	var (
		s                        Sale
		custType, status, method string
		total, paid, due         pgtype.Numeric
	)
	err := row.Scan(&s.ID, &s.CustomerID, &s.CustomerName, &custType, &total, &paid, &due,
		&status, &method, &s.Note, &s.CreatedAt)
	if err != nil {
		return Sale{}, err
	}
	s.CustomerType = CustomerType(custType)
	s.Total = db.DecimalFromNumeric(total)
	s.AmountPaid = db.DecimalFromNumeric(paid)
	s.AmountDue = db.DecimalFromNumeric(due)
	s.PaymentStatus = PaymentStatus(status)
	s.PaymentMethod = PaymentMethod(method)
	return s, nil
}

func scanCustomer(row pgx.Row) (Customer, error) {
	var (
		c                        Customer
		custType                 string
		purchases, paid, balance pgtype.Numeric
	)
	err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.Company, &custType, &purchases, &paid, &balance,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Customer{}, err
	}
	c.Type = CustomerType(custType)
	c.TotalPurchases = db.DecimalFromNumeric(purchases)
	c.TotalPaid = db.DecimalFromNumeric(paid)
	c.Balance = db.DecimalFromNumeric(balance)
	return c, nil
}

func scanPayment(row pgx.Row) (Payment, error) {
	var (
		p      Payment
		method string
		amount pgtype.Numeric
	)
	err := row.Scan(&p.ID, &p.CustomerID, &p.SaleID, &amount, &method, &p.ReceivedBy, &p.Note, &p.CreatedAt)
	if err != nil {
		return Payment{}, err
	}
	p.Amount = db.DecimalFromNumeric(amount)
	p.Method = PaymentMethod(method)
	return p, nil
}

func collectSales(ctx context.Context, q querier, rows pgx.Rows) ([]Sale, error) {
	defer rows.Close()
	var sales []Sale
	var ids []string
	for rows.Next() {
		s, err := scanSale(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sale: %w", err)
		}
		sales = append(sales, s)
		ids = append(ids, s.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(sales) == 0 {
		return sales, nil
	}
	lines, err := linesForSales(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Lines = lines[sales[i].ID]
	}
	return sales, nil
}

func linesForSales(ctx context.Context, q querier, saleIDs []string) (map[string][]SaleLine, error) {
	rows, err := q.Query(ctx,
		`SELECT id, sale_id, product_id, product_name, category, quantity, unit_price, line_total
		 FROM sale_lines WHERE sale_id = ANY($1) ORDER BY id`, saleIDs)
	if err != nil {
		return nil, fmt.Errorf("sale lines: %w", err)
	}
	defer rows.Close()
	out := make(map[string][]SaleLine)
	for rows.Next() {
		var (
			l                    SaleLine
			unitPrice, lineTotal pgtype.Numeric
		)
		if err := rows.Scan(&l.ID, &l.SaleID, &l.ProductID, &l.ProductName, &l.Category, &l.Quantity, &unitPrice, &lineTotal); err != nil {
			return nil, fmt.Errorf("scan sale line: %w", err)
		}
		l.UnitPrice = db.DecimalFromNumeric(unitPrice)
		l.LineTotal = db.DecimalFromNumeric(lineTotal)
		out[l.SaleID] = append(out[l.SaleID], l)
	}
	return out, rows.Err()
}
