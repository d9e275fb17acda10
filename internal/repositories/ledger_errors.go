package repositories

import (
	"errors"
	"fmt"
)

// LedgerErrorCode enumerates repository error causes for ledger, cart and order operations.
type LedgerErrorCode string

const (
	// LedgerErrorUnknown represents an unspecified failure.
	LedgerErrorUnknown LedgerErrorCode = "ledger_unknown"
	// LedgerErrorInsufficientStock indicates the conditional decrement matched no row with enough quantity.
	LedgerErrorInsufficientStock LedgerErrorCode = "ledger_insufficient_stock"
	// LedgerErrorProductNotFound indicates the product has no ledger row or no lot for the requested size.
	LedgerErrorProductNotFound LedgerErrorCode = "ledger_product_not_found"
	// LedgerErrorOrderNotFound indicates the order is missing or soft deleted.
	LedgerErrorOrderNotFound LedgerErrorCode = "ledger_order_not_found"
	// LedgerErrorCartLineNotFound indicates the cart line is missing for the owner.
	LedgerErrorCartLineNotFound LedgerErrorCode = "ledger_cart_line_not_found"
	// LedgerErrorOrderCodeConflict indicates the order code is already taken by another batch.
	LedgerErrorOrderCodeConflict LedgerErrorCode = "ledger_order_code_conflict"
	// LedgerErrorProductExists indicates a product with the same id already exists.
	LedgerErrorProductExists LedgerErrorCode = "ledger_product_exists"
	// LedgerErrorInvalidState indicates the order status forbids the transition.
	LedgerErrorInvalidState LedgerErrorCode = "ledger_invalid_state"
)

// LedgerError wraps ledger-specific failures with machine readable codes.
type LedgerError struct {
	Op      string
	Code    LedgerErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *LedgerError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *LedgerError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewLedgerError constructs a typed ledger error.
func NewLedgerError(code LedgerErrorCode, message string, err error) *LedgerError {
	if message == "" {
		message = string(code)
	}
	return &LedgerError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// LedgerErrorCodeOf extracts the ledger code carried by err, or LedgerErrorUnknown.
func LedgerErrorCodeOf(err error) LedgerErrorCode {
	var ledgerErr *LedgerError
	if errors.As(err, &ledgerErr) && ledgerErr != nil {
		return ledgerErr.Code
	}
	return LedgerErrorUnknown
}
