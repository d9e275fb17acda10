package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/hanko-field/commerce/internal/repositories"
)

var (
	// ErrLedgerInvalidInput signals the caller provided invalid ledger arguments.
	ErrLedgerInvalidInput = errors.New("ledger: invalid input")
	// ErrLedgerProductNotFound indicates the product or its priced variant is unknown to the ledger.
	ErrLedgerProductNotFound = errors.New("ledger: product not found")
	// ErrLedgerProductExists indicates a ledger row already exists for the product.
	ErrLedgerProductExists = errors.New("ledger: product already exists")
	// ErrInsufficientStock indicates the requested quantity exceeds availability.
	ErrInsufficientStock = errors.New("ledger: insufficient stock")
	// ErrLedgerInconsistent indicates lot history and open orders cannot explain each other.
	ErrLedgerInconsistent = errors.New("ledger: inconsistent history")

	// ErrOrderCodeConflict indicates no unused order code could be produced.
	ErrOrderCodeConflict = errors.New("order code: conflict")

	// ErrCartInvalidInput signals the caller provided invalid cart arguments.
	ErrCartInvalidInput = errors.New("cart: invalid input")
	// ErrCartLineNotFound indicates the cart line is absent or owned by another identity.
	ErrCartLineNotFound = errors.New("cart: line not found")

	// ErrCheckoutInvalidInput signals the checkout request failed validation.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutEmptyCart indicates the owner has nothing staged.
	ErrCheckoutEmptyCart = errors.New("checkout: cart is empty")
	// ErrCheckoutUnavailable indicates the transaction failed for reasons a retry may resolve.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")

	// ErrOrderInvalidInput signals the caller provided invalid order arguments.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order does not exist, was deleted or is not visible to the caller.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidTransition indicates the order status does not allow the requested change.
	ErrOrderInvalidTransition = errors.New("order: invalid transition")
)

// InsufficientStockError identifies the line that could not be satisfied.
// It unwraps to ErrInsufficientStock.
type InsufficientStockError struct {
	ProductID string
	Size      string
	LineID    string
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	if e == nil {
		return ErrInsufficientStock.Error()
	}
	msg := fmt.Sprintf("%s: product %s", ErrInsufficientStock.Error(), e.ProductID)
	if e.Size != "" {
		msg += " size " + e.Size
	}
	if e.LineID != "" {
		msg += " (cart line " + e.LineID + ")"
	}
	return fmt.Sprintf("%s requested %d, available %d", msg, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// mapLedgerError translates repository failures into service sentinels. Unknown errors pass through.
func mapLedgerError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var ledgerErr *repositories.LedgerError
	if errors.As(err, &ledgerErr) {
		switch ledgerErr.Code {
		case repositories.LedgerErrorProductNotFound:
			return fmt.Errorf("%w: %s", ErrLedgerProductNotFound, ledgerErr.Message)
		case repositories.LedgerErrorProductExists:
			return fmt.Errorf("%w: %s", ErrLedgerProductExists, ledgerErr.Message)
		case repositories.LedgerErrorInsufficientStock:
			return fmt.Errorf("%w: %s", ErrInsufficientStock, ledgerErr.Message)
		case repositories.LedgerErrorOrderNotFound:
			return fmt.Errorf("%w: %s", ErrOrderNotFound, ledgerErr.Message)
		case repositories.LedgerErrorCartLineNotFound:
			return fmt.Errorf("%w: %s", ErrCartLineNotFound, ledgerErr.Message)
		case repositories.LedgerErrorOrderCodeConflict:
			return fmt.Errorf("%w: %s", ErrOrderCodeConflict, ledgerErr.Message)
		case repositories.LedgerErrorInvalidState:
			return fmt.Errorf("%w: %s", ErrOrderInvalidTransition, ledgerErr.Message)
		}
	}
	return err
}

// isPassThrough reports whether err is a caller-facing outcome or a context error that must not be masked as unavailable.
func isPassThrough(err error) bool {
	for _, target := range []error{
		ErrLedgerInvalidInput,
		ErrLedgerProductNotFound,
		ErrInsufficientStock,
		ErrCheckoutInvalidInput,
		ErrCheckoutEmptyCart,
		ErrOrderCodeConflict,
		ErrOrderNotFound,
		ErrOrderInvalidTransition,
		ErrCartLineNotFound,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
