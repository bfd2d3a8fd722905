package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	platformdb "github.com/buildmat-erp/buildmat-erp/internal/platform/db"
	"github.com/buildmat-erp/buildmat-erp/internal/shared"
)

// PGRepository provides PostgreSQL backed persistence for the catalog.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs a repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const productColumns = `id, name, category, attributes, wholesale_price, retail_price, stock_quantity, location, unit, cost_per_unit, source_type, source_id, active, created_at, updated_at`

func (r *PGRepository) List(ctx context.Context, filters ListFilters) ([]Product, int, error) {
	where := ` WHERE 1=1`
	args := []interface{}{}
	argCount := 0

	if !filters.IncludeInactive {
		where += ` AND active`
	}
	if filters.Category != "" {
		argCount++
		where += ` AND category = $` + strconv.Itoa(argCount)
		args = append(args, string(filters.Category))
	}
	if filters.Location != "" {
		argCount++
		where += ` AND location = $` + strconv.Itoa(argCount)
		args = append(args, string(filters.Location))
	}
	if filters.Search != "" {
		argCount++
		where += ` AND name ILIKE $` + strconv.Itoa(argCount)
		args = append(args, "%"+filters.Search+"%")
	}
	if filters.LowStockBelow > 0 {
		argCount++
		where += ` AND stock_quantity < $` + strconv.Itoa(argCount)
		args = append(args, filters.LowStockBelow)
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + productColumns + ` FROM products` + where + ` ORDER BY name`
	if filters.Limit > 0 {
		argCount++
		query += ` LIMIT $` + strconv.Itoa(argCount)
		args = append(args, filters.Limit)

		argCount++
		query += ` OFFSET $` + strconv.Itoa(argCount)
		offset := (filters.Page - 1) * filters.Limit
		if offset < 0 {
			offset = 0
		}
		args = append(args, offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, 0, err
		}
		products = append(products, p)
	}
	return products, total, rows.Err()
}

func (r *PGRepository) Get(ctx context.Context, id string) (Product, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, shared.ErrNotFound
		}
		return Product{}, err
	}
	return p, nil
}

func (r *PGRepository) Create(ctx context.Context, product Product) (Product, error) {
	attrs, err := json.Marshal(product.Attributes)
	if err != nil {
		return Product{}, fmt.Errorf("marshal attributes: %w", err)
	}
	var cost pgtype.Numeric
	if product.CostPerUnit != nil {
		cost = platformdb.NumericFromDecimal(*product.CostPerUnit)
	}
	var sourceType, sourceID *string
	if product.Source != nil {
		st := string(product.Source.Type)
		sourceType = &st
		sourceID = &product.Source.ID
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO products (id, name, category, attributes, wholesale_price, retail_price, stock_quantity, location, unit, cost_per_unit, source_type, source_id, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		product.ID, product.Name, string(product.Category), attrs,
		platformdb.NumericFromDecimal(product.WholesalePrice),
		platformdb.NumericFromDecimal(product.RetailPrice),
		product.StockQuantity, string(product.Location), product.Unit,
		cost, sourceType, sourceID, product.Active,
		product.CreatedAt, product.UpdatedAt)
	if err != nil {
		return Product{}, err
	}
	return product, nil
}

func (r *PGRepository) Update(ctx context.Context, product Product) error {
	attrs, err := json.Marshal(product.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	var cost pgtype.Numeric
	if product.CostPerUnit != nil {
		cost = platformdb.NumericFromDecimal(*product.CostPerUnit)
	}
	var sourceType, sourceID *string
	if product.Source != nil {
		st := string(product.Source.Type)
		sourceType = &st
		sourceID = &product.Source.ID
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE products
		SET name = $2, attributes = $3, wholesale_price = $4, retail_price = $5,
		    stock_quantity = $6, location = $7, unit = $8, cost_per_unit = $9,
		    source_type = $10, source_id = $11, updated_at = $12
		WHERE id = $1`,
		product.ID, product.Name, attrs,
		platformdb.NumericFromDecimal(product.WholesalePrice),
		platformdb.NumericFromDecimal(product.RetailPrice),
		product.StockQuantity, string(product.Location), product.Unit,
		cost, sourceType, sourceID, product.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// StockValue returns the wholesale value of all active stock.
func (r *PGRepository) StockValue(ctx context.Context) (decimal.Decimal, error) {
	var value pgtype.Numeric
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(stock_quantity * wholesale_price), 0) FROM products WHERE active`).Scan(&value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("stock value: %w", err)
	}
	return platformdb.DecimalFromNumeric(value), nil
}

// WithTx runs fn inside a RepeatableRead transaction. Deactivation goes
// through here so the product row lock is held across the sale reference
// check, the same lock a sale takes before inserting its lines.
func (r *PGRepository) WithTx(ctx context.Context, fn func(TxRepository) error) error {
	return platformdb.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&pgTxRepository{tx: tx})
	})
}

type pgTxRepository struct {
	tx pgx.Tx
}

func (r *pgTxRepository) GetForUpdate(ctx context.Context, id string) (Product, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, id)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, shared.ErrNotFound
		}
		return Product{}, err
	}
	return p, nil
}

func (r *pgTxRepository) Deactivate(ctx context.Context, id string, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE products SET active = FALSE, updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func scanProduct(row pgx.Row) (Product, error) {
	var (
		p          Product
		category   string
		location   string
		attrs      []byte
		wholesale  pgtype.Numeric
		retail     pgtype.Numeric
		cost       pgtype.Numeric
		sourceType *string
		sourceID   *string
	)
	err := row.Scan(&p.ID, &p.Name, &category, &attrs, &wholesale, &retail,
		&p.StockQuantity, &location, &p.Unit, &cost, &sourceType, &sourceID,
		&p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Product{}, err
	}
	p.Category = Category(category)
	p.Location = Location(location)
	if err := json.Unmarshal(attrs, &p.Attributes); err != nil {
		return Product{}, fmt.Errorf("unmarshal attributes: %w", err)
	}
	p.WholesalePrice = platformdb.DecimalFromNumeric(wholesale)
	p.RetailPrice = platformdb.DecimalFromNumeric(retail)
	if cost.Valid {
		c := platformdb.DecimalFromNumeric(cost)
		p.CostPerUnit = &c
	}
	if sourceType != nil && sourceID != nil {
		p.Source = &SourceRef{Type: SourceType(*sourceType), ID: *sourceID}
	}
	return p, nil
}
