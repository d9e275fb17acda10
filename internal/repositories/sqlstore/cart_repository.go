package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/platform/sqldb"
	"github.com/hanko-field/commerce/internal/repositories"
)

// CartRepository persists staged cart lines.
type CartRepository struct {
	db *sqldb.Provider
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// Insert stores a new cart line.
func (r *CartRepository) Insert(ctx context.Context, line domain.CartLine) error {
	const op = "cart.insert"
	_, err := r.db.Exec(ctx, `INSERT INTO cart_lines (id, owner_id, product_id, size, quantity, unit_price, tax_rate, bill_amount, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		line.ID, line.OwnerID, line.ProductID, line.Size, line.Quantity,
		line.UnitPrice.String(), line.TaxRate.String(), line.BillAmount.String(), formatTime(line.CreatedAt))
	if err != nil {
		var sqlErr *sqldb.Error
		if errors.As(sqldb.WrapError(op, err), &sqlErr) && sqlErr.IsNotFound() {
			return notFound(op, repositories.LedgerErrorProductNotFound, fmt.Sprintf("product %s not found", line.ProductID))
		}
		return wrapLedgerError(op, err)
	}
	return nil
}

// ListByOwner returns the owner's lines, newest first.
func (r *CartRepository) ListByOwner(ctx context.Context, ownerID string) ([]domain.CartLine, error) {
	const op = "cart.list"
	rows, err := r.db.Query(ctx, `SELECT id, owner_id, product_id, size, quantity, unit_price, tax_rate, bill_amount, created_at
FROM cart_lines WHERE owner_id = ? ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, wrapLedgerError(op, err)
	}
	defer rows.Close()

	var lines []domain.CartLine
	for rows.Next() {
		var (
			line                     domain.CartLine
			unitPrice, taxRate, bill string
			createdAt                string
		)
		if err := rows.Scan(&line.ID, &line.OwnerID, &line.ProductID, &line.Size, &line.Quantity, &unitPrice, &taxRate, &bill, &createdAt); err != nil {
			return nil, wrapLedgerError(op, err)
		}
		if line.UnitPrice, err = parseMoney("unit_price", unitPrice); err != nil {
			return nil, wrapLedgerError(op, err)
		}
		if line.TaxRate, err = parseMoney("tax_rate", taxRate); err != nil {
			return nil, wrapLedgerError(op, err)
		}
		if line.BillAmount, err = parseMoney("bill_amount", bill); err != nil {
			return nil, wrapLedgerError(op, err)
		}
		if line.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, wrapLedgerError(op, err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapLedgerError(op, err)
	}
	return lines, nil
}

// Delete removes a single line owned by ownerID.
func (r *CartRepository) Delete(ctx context.Context, ownerID, lineID string) error {
	const op = "cart.delete"
	res, err := r.db.Exec(ctx, `DELETE FROM cart_lines WHERE id = ? AND owner_id = ?`, lineID, ownerID)
	if err != nil {
		return wrapLedgerError(op, err)
	}
	return expectOneRow(op, res, repositories.LedgerErrorCartLineNotFound, fmt.Sprintf("cart line %s not found", lineID))
}

// DeleteLines removes the listed lines of the owner and reports how many were deleted.
func (r *CartRepository) DeleteLines(ctx context.Context, ownerID string, lineIDs []string) (int64, error) {
	const op = "cart.delete_lines"
	if len(lineIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(lineIDs)), ", ")
	args := make([]any, 0, len(lineIDs)+1)
	args = append(args, ownerID)
	for _, id := range lineIDs {
		args = append(args, id)
	}
	res, err := r.db.Exec(ctx, `DELETE FROM cart_lines WHERE owner_id = ? AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, wrapLedgerError(op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, wrapLedgerError(op, err)
	}
	return affected, nil
}
