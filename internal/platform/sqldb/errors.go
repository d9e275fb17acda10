package sqldb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Error implements repositories.RepositoryError for SQL backed repositories.
type Error struct {
	op          string
	err         error
	notFound    bool
	conflict    bool
	unavailable bool
	retryable   bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.op != "" {
		return fmt.Sprintf("%s: %v", e.op, e.err)
	}
	return e.err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsNotFound reports whether the error represents a missing row.
func (e *Error) IsNotFound() bool {
	return e != nil && e.notFound
}

// IsConflict reports whether the error represents a constraint violation or a lost serialisation race.
func (e *Error) IsConflict() bool {
	return e != nil && e.conflict
}

// IsUnavailable reports whether the error represents a transient backend outage.
func (e *Error) IsUnavailable() bool {
	return e != nil && e.unavailable
}

// IsRetryable reports whether err came from a serialisation failure, deadlock or busy database, where
// rerunning the whole transaction may succeed.
func IsRetryable(err error) bool {
	var sqlErr *Error
	if errors.As(err, &sqlErr) {
		return sqlErr.retryable
	}
	return classify("", err).retryable
}

// IsUniqueViolation reports whether err was raised by a unique or primary key constraint.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func classify(op string, err error) *Error {
	e := &Error{op: op, err: err}

	if errors.Is(err, sql.ErrNoRows) {
		e.notFound = true
		return e
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		e.unavailable = true
		return e
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03":
			e.conflict = true
			e.retryable = true
		case pgErr.Code == "23503":
			e.notFound = true
		case strings.HasPrefix(pgErr.Code, "23"):
			e.conflict = true
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"), strings.HasPrefix(pgErr.Code, "57"):
			e.unavailable = true
		}
		return e
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		// Extended result codes keep the primary code in the low byte.
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			e.unavailable = true
			e.retryable = true
		case sqlite3.SQLITE_CONSTRAINT:
			if liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY {
				e.notFound = true
			} else {
				e.conflict = true
			}
		case sqlite3.SQLITE_IOERR, sqlite3.SQLITE_FULL, sqlite3.SQLITE_CANTOPEN:
			e.unavailable = true
		}
		return e
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		e.unavailable = true
	}
	return e
}

// WrapError annotates driver errors with repository semantics. Context cancellations are passed through.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var sqlErr *Error
	if errors.As(err, &sqlErr) {
		if op != "" && sqlErr.op == "" {
			sqlErr.op = op
		}
		return sqlErr
	}
	return classify(op, err)
}
