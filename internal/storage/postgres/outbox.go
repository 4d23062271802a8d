package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/stockwatch/internal/restock"
)

// ErrPendingNotFound is returned for unknown outbox IDs.
var ErrPendingNotFound = errors.New("pending notification not found")

// Outbox persists undelivered notifications.
type Outbox struct {
	pool  pool
	table string
}

// Outbox returns the pending-notification outbox.
func (db *DB) Outbox() *Outbox {
	return &Outbox{pool: db.pool, table: db.tables.Outbox}
}

// Add inserts pending.
func (o *Outbox) Add(ctx context.Context, pending restock.PendingNotification) error {
	if pending.ID == "" {
		return fmt.Errorf("pending notification id is required")
	}
	products, err := json.Marshal(pending.Notification.Products)
	if err != nil {
		return fmt.Errorf("marshal products: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, address, region, products, attempts, last_error, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, o.table)
	_, err = o.pool.Exec(ctx, query,
		pending.ID,
		pending.Notification.Address,
		pending.Notification.Region,
		products,
		pending.Attempts,
		pending.LastError,
		pending.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert pending notification: %w", err)
	}
	return nil
}

// Pending returns up to limit undelivered rows with fewer than maxAttempts
// attempts, oldest first.
func (o *Outbox) Pending(ctx context.Context, limit int, maxAttempts int) ([]restock.PendingNotification, error) {
	query := fmt.Sprintf(`
SELECT id, address, region, products, attempts, last_error, created_at
FROM %s
WHERE delivered_at IS NULL AND attempts < $1
ORDER BY created_at, id
LIMIT $2`, o.table)
	rows, err := o.pool.Query(ctx, query, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending notifications: %w", err)
	}
	defer rows.Close()

	var out []restock.PendingNotification
	for rows.Next() {
		var (
			p        restock.PendingNotification
			products []byte
		)
		if err := rows.Scan(
			&p.ID,
			&p.Notification.Address,
			&p.Notification.Region,
			&products,
			&p.Attempts,
			&p.LastError,
			&p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan pending notification: %w", err)
		}
		if err := json.Unmarshal(products, &p.Notification.Products); err != nil {
			return nil, fmt.Errorf("unmarshal products for %s: %w", p.ID, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending notifications: %w", err)
	}
	return out, nil
}

// MarkDelivered stamps the row as delivered.
func (o *Outbox) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET attempts = attempts + 1, last_error = '', delivered_at = $2 WHERE id = $1`, o.table)
	tag, err := o.pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPendingNotFound
	}
	return nil
}

// MarkFailed records one more failed attempt.
func (o *Outbox) MarkFailed(ctx context.Context, id string, errText string) error {
	query := fmt.Sprintf(`UPDATE %s SET attempts = attempts + 1, last_error = $2 WHERE id = $1`, o.table)
	tag, err := o.pool.Exec(ctx, query, id, errText)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPendingNotFound
	}
	return nil
}
