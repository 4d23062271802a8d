package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/JakeFAU/stockwatch/internal/restock"
)

// StateStore keeps one row per (region, product) in the stock records table.
type StateStore struct {
	pool  pool
	table string
	clock restock.Clock
}

// StateStore returns the stock state store.
func (db *DB) StateStore(clock restock.Clock) *StateStore {
	return &StateStore{pool: db.pool, table: db.tables.StockRecords, clock: clock}
}

func (s *StateStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

// Get loads the region's records.
func (s *StateStore) Get(ctx context.Context, region string) (restock.StockState, error) {
	query := fmt.Sprintf(`SELECT product_id, sold_out FROM %s WHERE region = $1`, s.table)
	rows, err := s.pool.Query(ctx, query, region)
	if err != nil {
		return nil, fmt.Errorf("query stock records: %w", err)
	}
	defer rows.Close()

	state := restock.StockState{}
	for rows.Next() {
		var (
			productID string
			soldOut   bool
		)
		if err := rows.Scan(&productID, &soldOut); err != nil {
			return nil, fmt.Errorf("scan stock record: %w", err)
		}
		state[productID] = soldOut
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stock records: %w", err)
	}
	return state, nil
}

// PutAll replaces the region's records inside one transaction.
func (s *StateStore) PutAll(ctx context.Context, region string, state restock.StockState) error {
	ids := make([]string, 0, len(state))
	for id := range state {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	flags := make([]bool, len(ids))
	for i, id := range ids {
		flags[i] = state[id]
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	deleteQuery := fmt.Sprintf(`DELETE FROM %s WHERE region = $1 AND NOT (product_id = ANY($2))`, s.table)
	if _, err := tx.Exec(ctx, deleteQuery, region, ids); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("delete stale stock records: %w", err)
	}
	if len(ids) > 0 {
		upsertQuery := fmt.Sprintf(`
INSERT INTO %s (region, product_id, sold_out, updated_at)
SELECT $1, product_id, sold_out, $4
FROM unnest($2::text[], $3::bool[]) AS t(product_id, sold_out)
ON CONFLICT (region, product_id) DO UPDATE
SET sold_out = EXCLUDED.sold_out, updated_at = EXCLUDED.updated_at`, s.table)
		if _, err := tx.Exec(ctx, upsertQuery, region, ids, flags, s.now()); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("upsert stock records: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit stock records: %w", err)
	}
	return nil
}

// DeleteRegion removes every record for region.
func (s *StateStore) DeleteRegion(ctx context.Context, region string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE region = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, region); err != nil {
		return fmt.Errorf("delete stock records: %w", err)
	}
	return nil
}
