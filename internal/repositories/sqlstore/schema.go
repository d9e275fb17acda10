package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/hanko-field/commerce/internal/platform/sqldb"
)

// Timestamps are stored as fixed-width UTC text in both dialects so lexical order equals time order.
// Money is stored as decimal text and parsed with shopspring/decimal.
const baseSchema = `
CREATE TABLE IF NOT EXISTS products (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL DEFAULT '',
    total_quantity  BIGINT NOT NULL DEFAULT 0 CHECK (total_quantity >= 0),
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS stock_lots (
    id              TEXT PRIMARY KEY,
    product_id      TEXT NOT NULL REFERENCES products(id),
    size            TEXT NOT NULL,
    lot_number      TEXT NOT NULL DEFAULT '',
    unit_cost       TEXT NOT NULL,
    selling_price   TEXT NOT NULL,
    tax_rate        TEXT NOT NULL,
    quantity        BIGINT NOT NULL CHECK (quantity > 0),
    total_price     TEXT NOT NULL,
    note            TEXT NOT NULL DEFAULT '',
    created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_stock_lots_latest ON stock_lots(product_id, size, created_at, id);

CREATE TABLE IF NOT EXISTS order_batches (
    id              TEXT PRIMARY KEY,
    order_code      TEXT NOT NULL,
    owner_id        TEXT NOT NULL,
    kind            TEXT NOT NULL,
    item_count      INTEGER NOT NULL,
    total           TEXT NOT NULL,
    created_at      TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_order_batches_code ON order_batches(order_code);

CREATE TABLE IF NOT EXISTS orders (
    id              TEXT PRIMARY KEY,
    batch_id        TEXT NOT NULL REFERENCES order_batches(id),
    order_code      TEXT NOT NULL,
    owner_id        TEXT NOT NULL,
    product_id      TEXT NOT NULL REFERENCES products(id),
    size            TEXT NOT NULL,
    quantity        BIGINT NOT NULL CHECK (quantity > 0),
    unit_price      TEXT NOT NULL,
    tax_rate        TEXT NOT NULL,
    bill_amount     TEXT NOT NULL,
    status          TEXT NOT NULL,
    stock_released  INTEGER NOT NULL DEFAULT 0,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_owner ON orders(owner_id, created_at, id);
CREATE INDEX IF NOT EXISTS idx_orders_code ON orders(order_code);
CREATE INDEX IF NOT EXISTS idx_orders_product ON orders(product_id, stock_released);

CREATE TABLE IF NOT EXISTS cart_lines (
    id              TEXT PRIMARY KEY,
    owner_id        TEXT NOT NULL,
    product_id      TEXT NOT NULL REFERENCES products(id),
    size            TEXT NOT NULL,
    quantity        BIGINT NOT NULL CHECK (quantity > 0),
    unit_price      TEXT NOT NULL,
    tax_rate        TEXT NOT NULL,
    bill_amount     TEXT NOT NULL,
    created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cart_lines_owner ON cart_lines(owner_id, created_at);
`

const outboxSQLite = `
CREATE TABLE IF NOT EXISTS outbox_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id    TEXT NOT NULL UNIQUE,
    topic       TEXT NOT NULL,
    event_key   TEXT NOT NULL,
    payload     TEXT NOT NULL,
    created_at  TEXT NOT NULL,
    sent_at     TEXT
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events(sent_at, id);
`

const outboxPostgres = `
CREATE TABLE IF NOT EXISTS outbox_events (
    id          BIGSERIAL PRIMARY KEY,
    event_id    TEXT NOT NULL UNIQUE,
    topic       TEXT NOT NULL,
    event_key   TEXT NOT NULL,
    payload     TEXT NOT NULL,
    created_at  TEXT NOT NULL,
    sent_at     TEXT
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events(sent_at, id);
`

// Migrate applies the schema idempotently for the provider dialect.
func Migrate(ctx context.Context, db *sqldb.Provider) error {
	outbox := outboxSQLite
	if db.Dialect() == sqldb.DialectPostgres {
		outbox = outboxPostgres
	}
	for _, stmt := range splitStatements(baseSchema + outbox) {
		if _, err := db.DB().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: migrate: %w", sqldb.WrapError("migrate", err))
		}
	}
	return nil
}

func splitStatements(schema string) []string {
	parts := strings.Split(schema, ";")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
