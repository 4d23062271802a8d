package postgres

import (
	"context"
	"fmt"
)

// SubscriberDirectory maps products to subscriber addresses.
type SubscriberDirectory struct {
	pool  pool
	table string
}

// SubscriberDirectory returns the subscriber directory.
func (db *DB) SubscriberDirectory() *SubscriberDirectory {
	return &SubscriberDirectory{pool: db.pool, table: db.tables.Subscriptions}
}

// SubscribersOf lists the addresses subscribed to productID.
func (d *SubscriberDirectory) SubscribersOf(ctx context.Context, productID string) ([]string, error) {
	query := fmt.Sprintf(`SELECT address FROM %s WHERE product_id = $1 ORDER BY address`, d.table)
	rows, err := d.pool.Query(ctx, query, productID)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return out, nil
}

// Subscribe adds a subscription; repeating it is a no-op.
func (d *SubscriberDirectory) Subscribe(ctx context.Context, productID, address string) error {
	query := fmt.Sprintf(`INSERT INTO %s (product_id, address) VALUES ($1, $2) ON CONFLICT DO NOTHING`, d.table)
	if _, err := d.pool.Exec(ctx, query, productID, address); err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// Unsubscribe removes a subscription.
func (d *SubscriberDirectory) Unsubscribe(ctx context.Context, productID, address string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE product_id = $1 AND address = $2`, d.table)
	if _, err := d.pool.Exec(ctx, query, productID, address); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}
