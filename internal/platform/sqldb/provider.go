package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	// Postgres driver registered as "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"
	// Pure-Go SQLite driver registered as "sqlite".
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL flavour spoken by the underlying database.
type Dialect string

const (
	// DialectPostgres targets PostgreSQL through pgx.
	DialectPostgres Dialect = "postgres"
	// DialectSQLite targets an embedded SQLite file.
	DialectSQLite Dialect = "sqlite"
)

const (
	defaultMaxOpenConns = 20
	defaultConnLifetime = 30 * time.Minute
	defaultPingTimeout  = 5 * time.Second
)

// ErrProviderClosed is returned once Close has been called.
var ErrProviderClosed = errors.New("sqldb: provider is closed")

// Config describes how to reach the database.
type Config struct {
	Driver       string
	URL          string
	MaxOpenConns int
}

// Provider owns the connection pool and exposes dialect-aware query helpers that join the transaction
// carried by the context, if any.
type Provider struct {
	db      *sql.DB
	dialect Dialect
	tx      txConfig

	closed atomic.Bool
}

// ProviderOption customises the Provider behaviour.
type ProviderOption func(*Provider)

// WithTxAttempts overrides how many times a transaction is retried on serialisation failures.
func WithTxAttempts(attempts int) ProviderOption {
	return func(p *Provider) {
		if attempts > 0 {
			p.tx.attempts = attempts
		}
	}
}

// WithTxTimeout bounds every transaction started by RunInTx.
func WithTxTimeout(timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if timeout > 0 {
			p.tx.timeout = timeout
		}
	}
}

// ParseDialect maps a driver name from configuration onto a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("sqldb: unsupported driver %q", driver)
	}
}

// Open connects to the configured database and verifies it answers a ping.
func Open(ctx context.Context, cfg Config, opts ...ProviderOption) (*Provider, error) {
	dialect, err := ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("sqldb: database url is required")
	}

	var db *sql.DB
	switch dialect {
	case DialectPostgres:
		db, err = sql.Open("pgx", url)
		if err != nil {
			return nil, fmt.Errorf("sqldb: open postgres: %w", err)
		}
		maxOpen := cfg.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = defaultMaxOpenConns
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen / 2)
		db.SetConnMaxLifetime(defaultConnLifetime)
	case DialectSQLite:
		db, err = sql.Open("sqlite", SQLiteDSN(url))
		if err != nil {
			return nil, fmt.Errorf("sqldb: open sqlite: %w", err)
		}
		// SQLite allows a single writer; one connection keeps transactions strictly serial.
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, WrapError("ping", err)
	}

	return New(db, dialect, opts...), nil
}

// SQLiteDSN builds the modernc DSN for a database file path.
func SQLiteDSN(path string) string {
	if strings.HasPrefix(path, "file:") {
		return path
	}
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)&_txlock=immediate", path)
}

// New wraps an already opened pool.
func New(db *sql.DB, dialect Dialect, opts ...ProviderOption) *Provider {
	p := &Provider{
		db:      db,
		dialect: dialect,
		tx:      defaultTxConfig(dialect),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// DB exposes the raw pool for schema management.
func (p *Provider) DB() *sql.DB { return p.db }

// Dialect reports the SQL flavour of the pool.
func (p *Provider) Dialect() Dialect { return p.dialect }

// Ping checks connectivity, used by readiness probes.
func (p *Provider) Ping(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProviderClosed
	}
	return WrapError("ping", p.db.PingContext(ctx))
}

// Close releases the pool. Subsequent calls are no-ops.
func (p *Provider) Close(context.Context) error {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.db.Close()
}

// Rebind rewrites '?' placeholders into the positional form expected by the dialect.
func (p *Provider) Rebind(query string) string {
	if p.dialect != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Exec runs a statement on the context transaction or the pool.
func (p *Provider) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return p.executor(ctx).ExecContext(ctx, p.Rebind(query), args...)
}

// Query runs a query on the context transaction or the pool.
func (p *Provider) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return p.executor(ctx).QueryContext(ctx, p.Rebind(query), args...)
}

// QueryRow runs a single-row query on the context transaction or the pool.
func (p *Provider) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return p.executor(ctx).QueryRowContext(ctx, p.Rebind(query), args...)
}

type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *Provider) executor(ctx context.Context) executor {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return p.db
}
