package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const (
	defaultTxAttempts = 3
	defaultTxTimeout  = 15 * time.Second
)

type txContextKey struct{}

type txConfig struct {
	attempts  int
	timeout   time.Duration
	isolation sql.IsolationLevel
}

func defaultTxConfig(dialect Dialect) txConfig {
	cfg := txConfig{attempts: defaultTxAttempts, timeout: defaultTxTimeout, isolation: sql.LevelDefault}
	if dialect == DialectPostgres {
		cfg.isolation = sql.LevelReadCommitted
	}
	return cfg
}

func txFromContext(ctx context.Context) *sql.Tx {
	if ctx == nil {
		return nil
	}
	tx, _ := ctx.Value(txContextKey{}).(*sql.Tx)
	return tx
}

// InTx reports whether ctx carries an open transaction.
func InTx(ctx context.Context) bool {
	return txFromContext(ctx) != nil
}

// RunInTx executes fn inside a transaction and commits when it returns nil. A context that already carries a
// transaction joins it instead of opening a nested one. Serialisation failures and lock timeouts restart fn
// from scratch up to the configured attempt count; every other error rolls back and is returned unchanged.
func (p *Provider) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return WrapError("transaction", errors.New("sqldb: transaction function is nil"))
	}
	if InTx(ctx) {
		return fn(ctx)
	}
	if p.closed.Load() {
		return ErrProviderClosed
	}

	txCtx := ctx
	var cancel context.CancelFunc
	if p.tx.timeout > 0 {
		deadline, hasDeadline := ctx.Deadline()
		if !hasDeadline || time.Until(deadline) > p.tx.timeout {
			txCtx, cancel = context.WithTimeout(ctx, p.tx.timeout)
		}
	}
	if cancel != nil {
		defer cancel()
	}

	attempts := p.tx.attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = p.runOnce(txCtx, fn)
		if err == nil || !IsRetryable(err) || txCtx.Err() != nil {
			break
		}
	}
	return err
}

func (p *Provider) runOnce(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: p.tx.isolation})
	if err != nil {
		return WrapError("begin", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) && err == nil {
			err = WrapError("rollback", rbErr)
		}
	}()

	if err = fn(context.WithValue(ctx, txContextKey{}, tx)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return WrapError("commit", err)
	}
	committed = true
	return nil
}
