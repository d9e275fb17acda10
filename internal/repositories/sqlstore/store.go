package sqlstore

import (
	"context"
	"errors"

	"github.com/hanko-field/commerce/internal/platform/sqldb"
	"github.com/hanko-field/commerce/internal/repositories"
)

// Store is the SQL implementation of repositories.Registry.
type Store struct {
	db     *sqldb.Provider
	ledger *LedgerRepository
	carts  *CartRepository
	orders *OrderRepository
	outbox *OutboxRepository
}

var _ repositories.Registry = (*Store)(nil)

// New wires every repository against the shared provider.
func New(db *sqldb.Provider) (*Store, error) {
	if db == nil {
		return nil, errors.New("sqlstore: provider is required")
	}
	return &Store{
		db:     db,
		ledger: &LedgerRepository{db: db},
		carts:  &CartRepository{db: db},
		orders: &OrderRepository{db: db},
		outbox: &OutboxRepository{db: db},
	}, nil
}

// Ledger returns the product and stock lot repository.
func (s *Store) Ledger() repositories.LedgerRepository { return s.ledger }

// Carts returns the cart line repository.
func (s *Store) Carts() repositories.CartRepository { return s.carts }

// Orders returns the order repository.
func (s *Store) Orders() repositories.OrderRepository { return s.orders }

// Outbox returns the outbox repository.
func (s *Store) Outbox() repositories.OutboxRepository { return s.outbox }

// RunInTx implements repositories.UnitOfWork.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.RunInTx(ctx, fn)
}

// Ping verifies the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close(ctx context.Context) error {
	return s.db.Close(ctx)
}

func wrapLedgerError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ledgerErr *repositories.LedgerError
	if errors.As(err, &ledgerErr) {
		if ledgerErr.Op == "" {
			ledgerErr.Op = op
		}
		return ledgerErr
	}
	return sqldb.WrapError(op, err)
}

func notFound(op string, code repositories.LedgerErrorCode, message string) error {
	err := repositories.NewLedgerError(code, message, nil)
	err.Op = op
	return err
}
