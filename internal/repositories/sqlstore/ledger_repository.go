package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/platform/sqldb"
	"github.com/hanko-field/commerce/internal/repositories"
)

// LedgerRepository persists products and their append-only stock lots.
type LedgerRepository struct {
	db *sqldb.Provider
}

var _ repositories.LedgerRepository = (*LedgerRepository)(nil)

// CreateProduct inserts a ledger row with the supplied opening quantity.
func (r *LedgerRepository) CreateProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	const op = "ledger.create_product"
	_, err := r.db.Exec(ctx, `INSERT INTO products (id, name, total_quantity, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		product.ID, product.Name, product.TotalQuantity, formatTime(product.CreatedAt), formatTime(product.UpdatedAt))
	if err != nil {
		if sqldb.IsUniqueViolation(err) {
			return domain.Product{}, wrapLedgerError(op, repositories.NewLedgerError(repositories.LedgerErrorProductExists, fmt.Sprintf("product %s already exists", product.ID), err))
		}
		return domain.Product{}, wrapLedgerError(op, err)
	}
	return product, nil
}

const selectProduct = `SELECT id, name, total_quantity, created_at, updated_at FROM products WHERE id = ?`

// GetProduct loads the ledger row for productID.
func (r *LedgerRepository) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	return r.loadProduct(ctx, "ledger.get_product", selectProduct, productID)
}

// LockProduct loads the ledger row and holds its write lock until the surrounding transaction ends, so
// no reservation or release can land between a caller's reads and its write. It must run inside RunInTx.
func (r *LedgerRepository) LockProduct(ctx context.Context, productID string) (domain.Product, error) {
	const op = "ledger.lock_product"
	if !sqldb.InTx(ctx) {
		return domain.Product{}, wrapLedgerError(op, errors.New("product lock requires a transaction"))
	}
	return r.loadProduct(ctx, op, lockProductQuery(r.db.Dialect()), productID)
}

// lockProductQuery returns the locking read for the dialect. SQLite transactions are opened with
// _txlock=immediate and already own the database write lock, and SQLite has no FOR UPDATE.
func lockProductQuery(dialect sqldb.Dialect) string {
	if dialect == sqldb.DialectPostgres {
		return selectProduct + ` FOR UPDATE`
	}
	return selectProduct
}

func (r *LedgerRepository) loadProduct(ctx context.Context, op, query, productID string) (domain.Product, error) {
	var (
		product              domain.Product
		createdAt, updatedAt string
	)
	err := r.db.QueryRow(ctx, query, productID).
		Scan(&product.ID, &product.Name, &product.TotalQuantity, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, notFound(op, repositories.LedgerErrorProductNotFound, fmt.Sprintf("product %s not found", productID))
	}
	if err != nil {
		return domain.Product{}, wrapLedgerError(op, err)
	}
	if product.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Product{}, wrapLedgerError(op, err)
	}
	if product.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.Product{}, wrapLedgerError(op, err)
	}
	return product, nil
}

// DecrementIfAvailable is the reservation primitive: the availability test and the decrement are one statement,
// so concurrent callers serialise on the row lock and none can observe a stale quantity.
func (r *LedgerRepository) DecrementIfAvailable(ctx context.Context, productID string, quantity int64, now time.Time) error {
	const op = "ledger.decrement"
	res, err := r.db.Exec(ctx, `UPDATE products SET total_quantity = total_quantity - ?, updated_at = ? WHERE id = ? AND total_quantity >= ?`,
		quantity, formatTime(now), productID, quantity)
	if err != nil {
		return wrapLedgerError(op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapLedgerError(op, err)
	}
	if affected == 1 {
		return nil
	}

	// Nothing matched: tell a missing product apart from a short one. This read never decides sufficiency.
	var available int64
	err = r.db.QueryRow(ctx, `SELECT total_quantity FROM products WHERE id = ?`, productID).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(op, repositories.LedgerErrorProductNotFound, fmt.Sprintf("product %s not found", productID))
	}
	if err != nil {
		return wrapLedgerError(op, err)
	}
	insufficient := repositories.NewLedgerError(repositories.LedgerErrorInsufficientStock,
		fmt.Sprintf("product %s has %d available, %d requested", productID, available, quantity), nil)
	insufficient.Op = op
	return insufficient
}

// Increment returns quantity to the product unconditionally.
func (r *LedgerRepository) Increment(ctx context.Context, productID string, quantity int64, now time.Time) error {
	const op = "ledger.increment"
	res, err := r.db.Exec(ctx, `UPDATE products SET total_quantity = total_quantity + ?, updated_at = ? WHERE id = ?`,
		quantity, formatTime(now), productID)
	if err != nil {
		return wrapLedgerError(op, err)
	}
	return expectOneRow(op, res, repositories.LedgerErrorProductNotFound, fmt.Sprintf("product %s not found", productID))
}

// AppendLot stores an immutable lot record. Callers adjust the aggregate in the same transaction.
func (r *LedgerRepository) AppendLot(ctx context.Context, lot domain.StockLot) error {
	const op = "ledger.append_lot"
	_, err := r.db.Exec(ctx, `INSERT INTO stock_lots (id, product_id, size, lot_number, unit_cost, selling_price, tax_rate, quantity, total_price, note, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lot.ID, lot.ProductID, lot.Size, lot.LotNumber, lot.UnitCost.String(), lot.SellingPrice.String(), lot.TaxRate.String(),
		lot.Quantity, lot.TotalPrice.String(), lot.Note, formatTime(lot.CreatedAt))
	if err != nil {
		var sqlErr *sqldb.Error
		if errors.As(sqldb.WrapError(op, err), &sqlErr) && sqlErr.IsNotFound() {
			return notFound(op, repositories.LedgerErrorProductNotFound, fmt.Sprintf("product %s not found", lot.ProductID))
		}
		return wrapLedgerError(op, err)
	}
	return nil
}

// LatestLot returns the most recently created lot for the (product, size) pair.
func (r *LedgerRepository) LatestLot(ctx context.Context, productID, size string) (domain.StockLot, error) {
	const op = "ledger.latest_lot"
	var (
		lot                                         domain.StockLot
		unitCost, sellingPrice, taxRate, totalPrice string
		createdAt                                   string
	)
	err := r.db.QueryRow(ctx, `SELECT id, product_id, size, lot_number, unit_cost, selling_price, tax_rate, quantity, total_price, note, created_at
FROM stock_lots WHERE product_id = ? AND size = ? ORDER BY created_at DESC, id DESC LIMIT 1`, productID, size).
		Scan(&lot.ID, &lot.ProductID, &lot.Size, &lot.LotNumber, &unitCost, &sellingPrice, &taxRate, &lot.Quantity, &totalPrice, &lot.Note, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StockLot{}, notFound(op, repositories.LedgerErrorProductNotFound, fmt.Sprintf("no stock lot for product %s size %s", productID, size))
	}
	if err != nil {
		return domain.StockLot{}, wrapLedgerError(op, err)
	}

	if lot.UnitCost, err = parseMoney("unit_cost", unitCost); err != nil {
		return domain.StockLot{}, wrapLedgerError(op, err)
	}
	if lot.SellingPrice, err = parseMoney("selling_price", sellingPrice); err != nil {
		return domain.StockLot{}, wrapLedgerError(op, err)
	}
	if lot.TaxRate, err = parseMoney("tax_rate", taxRate); err != nil {
		return domain.StockLot{}, wrapLedgerError(op, err)
	}
	if lot.TotalPrice, err = parseMoney("total_price", totalPrice); err != nil {
		return domain.StockLot{}, wrapLedgerError(op, err)
	}
	if lot.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.StockLot{}, wrapLedgerError(op, err)
	}
	return lot, nil
}

// SumLotQuantity totals every lot ever added for the product.
func (r *LedgerRepository) SumLotQuantity(ctx context.Context, productID string) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx, `SELECT CAST(COALESCE(SUM(quantity), 0) AS BIGINT) FROM stock_lots WHERE product_id = ?`, productID).Scan(&total)
	if err != nil {
		return 0, wrapLedgerError("ledger.sum_lots", err)
	}
	return total, nil
}

// OverwriteTotal sets the aggregate directly. Only reconciliation calls it.
func (r *LedgerRepository) OverwriteTotal(ctx context.Context, productID string, quantity int64, now time.Time) error {
	const op = "ledger.overwrite_total"
	res, err := r.db.Exec(ctx, `UPDATE products SET total_quantity = ?, updated_at = ? WHERE id = ?`, quantity, formatTime(now), productID)
	if err != nil {
		return wrapLedgerError(op, err)
	}
	return expectOneRow(op, res, repositories.LedgerErrorProductNotFound, fmt.Sprintf("product %s not found", productID))
}

func expectOneRow(op string, res sql.Result, code repositories.LedgerErrorCode, message string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapLedgerError(op, err)
	}
	if affected == 0 {
		return notFound(op, code, message)
	}
	return nil
}
