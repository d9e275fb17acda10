package sqlstore

import (
	"context"
	"time"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/platform/sqldb"
	"github.com/hanko-field/commerce/internal/repositories"
)

// OutboxRepository stores events in the same transaction as the state change that produced them.
type OutboxRepository struct {
	db *sqldb.Provider
}

var _ repositories.OutboxRepository = (*OutboxRepository)(nil)

// Append records an unsent event.
func (r *OutboxRepository) Append(ctx context.Context, event domain.OutboxEvent) error {
	_, err := r.db.Exec(ctx, `INSERT INTO outbox_events (event_id, topic, event_key, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		event.EventID, event.Topic, event.Key, string(event.Payload), formatTime(event.CreatedAt))
	return wrapLedgerError("outbox.append", err)
}

// FetchPending returns up to limit unsent events in insertion order.
func (r *OutboxRepository) FetchPending(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	const op = "outbox.fetch_pending"
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `SELECT id, event_id, topic, event_key, payload, created_at FROM outbox_events WHERE sent_at IS NULL ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, wrapLedgerError(op, err)
	}
	defer rows.Close()

	var events []domain.OutboxEvent
	for rows.Next() {
		var (
			event     domain.OutboxEvent
			payload   string
			createdAt string
		)
		if err := rows.Scan(&event.ID, &event.EventID, &event.Topic, &event.Key, &payload, &createdAt); err != nil {
			return nil, wrapLedgerError(op, err)
		}
		event.Payload = []byte(payload)
		if event.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, wrapLedgerError(op, err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapLedgerError(op, err)
	}
	return events, nil
}

// MarkSent stamps the event as delivered.
func (r *OutboxRepository) MarkSent(ctx context.Context, id int64, sentAt time.Time) error {
	const op = "outbox.mark_sent"
	res, err := r.db.Exec(ctx, `UPDATE outbox_events SET sent_at = ? WHERE id = ? AND sent_at IS NULL`, formatTime(sentAt), id)
	if err != nil {
		return wrapLedgerError(op, err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return wrapLedgerError(op, err)
	}
	return nil
}
