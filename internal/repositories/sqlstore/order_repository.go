package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/platform/pagination"
	"github.com/hanko-field/commerce/internal/platform/sqldb"
	"github.com/hanko-field/commerce/internal/repositories"
)

const orderColumns = `id, batch_id, order_code, owner_id, product_id, size, quantity, unit_price, tax_rate, bill_amount, status, stock_released, created_at, updated_at`

// OrderRepository persists order batches and line orders.
type OrderRepository struct {
	db *sqldb.Provider
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// CodeExists reports whether any batch already uses code.
func (r *OrderRepository) CodeExists(ctx context.Context, code string) (bool, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM order_batches WHERE order_code = ?`, code).Scan(&n)
	if err != nil {
		return false, wrapLedgerError("orders.code_exists", err)
	}
	return n > 0, nil
}

// InsertBatch claims the batch order code. A taken code surfaces as LedgerErrorOrderCodeConflict.
func (r *OrderRepository) InsertBatch(ctx context.Context, batch domain.OrderBatch) error {
	const op = "orders.insert_batch"
	_, err := r.db.Exec(ctx, `INSERT INTO order_batches (id, order_code, owner_id, kind, item_count, total, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		batch.ID, batch.OrderCode, batch.OwnerID, string(batch.Kind), batch.ItemCount, batch.Total.String(), formatTime(batch.CreatedAt))
	if err != nil {
		if sqldb.IsUniqueViolation(err) {
			return wrapLedgerError(op, repositories.NewLedgerError(repositories.LedgerErrorOrderCodeConflict,
				fmt.Sprintf("order code %s already in use", batch.OrderCode), err))
		}
		return wrapLedgerError(op, err)
	}
	return nil
}

// Insert stores one order row.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	const op = "orders.insert"
	_, err := r.db.Exec(ctx, `INSERT INTO orders (`+orderColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.BatchID, order.OrderCode, order.OwnerID, order.ProductID, order.Size, order.Quantity,
		order.UnitPrice.String(), order.TaxRate.String(), order.BillAmount.String(), string(order.Status),
		boolToInt(order.StockReleased), formatTime(order.CreatedAt), formatTime(order.UpdatedAt))
	if err != nil {
		return wrapLedgerError(op, err)
	}
	return nil
}

// FindByID loads an order regardless of status.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	const op = "orders.find"
	row := r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, orderID)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, notFound(op, repositories.LedgerErrorOrderNotFound, fmt.Sprintf("order %s not found", orderID))
	}
	if err != nil {
		return domain.Order{}, wrapLedgerError(op, err)
	}
	return order, nil
}

// ListByCode returns the visible orders of the owner that share code.
func (r *OrderRepository) ListByCode(ctx context.Context, ownerID, code string) ([]domain.Order, error) {
	const op = "orders.list_by_code"
	rows, err := r.db.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE owner_id = ? AND order_code = ? AND status <> ? ORDER BY created_at, id`,
		ownerID, code, string(domain.OrderStatusDeleted))
	if err != nil {
		return nil, wrapLedgerError(op, err)
	}
	defer rows.Close()
	return collectOrders(op, rows)
}

// ListByOwner pages through the owner's visible orders, newest first.
func (r *OrderRepository) ListByOwner(ctx context.Context, ownerID string, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	const op = "orders.list_by_owner"
	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = pagination.DefaultPageSize
	}
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	query := strings.Builder{}
	query.WriteString(`SELECT ` + orderColumns + ` FROM orders WHERE owner_id = ? AND status <> ?`)
	args := []any{ownerID, string(domain.OrderStatusDeleted)}
	if !cursor.IsZero() {
		query.WriteString(` AND (created_at < ? OR (created_at = ? AND id < ?))`)
		args = append(args, cursor.AfterCreatedAt, cursor.AfterCreatedAt, cursor.AfterID)
	}
	query.WriteString(` ORDER BY created_at DESC, id DESC LIMIT ?`)
	args = append(args, pageSize+1)

	rows, err := r.db.Query(ctx, query.String(), args...)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, wrapLedgerError(op, err)
	}
	defer rows.Close()

	orders, err := collectOrders(op, rows)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{Items: orders}
	if len(orders) > pageSize {
		page.Items = orders[:pageSize]
		last := page.Items[pageSize-1]
		token, err := pagination.EncodeToken(pagination.Cursor{AfterCreatedAt: formatTime(last.CreatedAt), AfterID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

// ClaimRelease flips an open, unreleased order to the target status and marks its stock as released.
// Exactly one caller can win the claim for a given order.
func (r *OrderRepository) ClaimRelease(ctx context.Context, orderID string, to domain.OrderStatus, now time.Time) (bool, error) {
	const op = "orders.claim_release"
	res, err := r.db.Exec(ctx, `UPDATE orders SET status = ?, stock_released = 1, updated_at = ?
WHERE id = ? AND status IN (?, ?) AND stock_released = 0`,
		string(to), formatTime(now), orderID, string(domain.OrderStatusPlaced), string(domain.OrderStatusProcessing))
	if err != nil {
		return false, wrapLedgerError(op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, wrapLedgerError(op, err)
	}
	return affected == 1, nil
}

// UpdateStatus moves the order to `to` when its current status is one of `from`.
func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, from []domain.OrderStatus, to domain.OrderStatus, now time.Time) (bool, error) {
	const op = "orders.update_status"
	if len(from) == 0 {
		return false, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	args := []any{string(to), formatTime(now), orderID}
	for _, status := range from {
		args = append(args, string(status))
	}
	res, err := r.db.Exec(ctx, `UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return false, wrapLedgerError(op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, wrapLedgerError(op, err)
	}
	return affected == 1, nil
}

// SumUnreleasedQuantity totals the quantity still held by orders of the product.
func (r *OrderRepository) SumUnreleasedQuantity(ctx context.Context, productID string) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx, `SELECT CAST(COALESCE(SUM(quantity), 0) AS BIGINT) FROM orders WHERE product_id = ? AND stock_released = 0`, productID).Scan(&total)
	if err != nil {
		return 0, wrapLedgerError("orders.sum_unreleased", err)
	}
	return total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order                    domain.Order
		unitPrice, taxRate, bill string
		status                   string
		released                 int
		createdAt, updatedAt     string
	)
	if err := row.Scan(&order.ID, &order.BatchID, &order.OrderCode, &order.OwnerID, &order.ProductID, &order.Size, &order.Quantity,
		&unitPrice, &taxRate, &bill, &status, &released, &createdAt, &updatedAt); err != nil {
		return domain.Order{}, err
	}

	var err error
	if order.UnitPrice, err = parseMoney("unit_price", unitPrice); err != nil {
		return domain.Order{}, err
	}
	if order.TaxRate, err = parseMoney("tax_rate", taxRate); err != nil {
		return domain.Order{}, err
	}
	if order.BillAmount, err = parseMoney("bill_amount", bill); err != nil {
		return domain.Order{}, err
	}
	if order.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Order{}, err
	}
	if order.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.StockReleased = released != 0
	return order, nil
}

func collectOrders(op string, rows *sql.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, wrapLedgerError(op, err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapLedgerError(op, err)
	}
	return orders, nil
}
