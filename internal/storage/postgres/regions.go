package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/stockwatch/internal/restock"
)

// RegionDirectory stores regions and their last interaction time.
type RegionDirectory struct {
	pool  pool
	table string
}

// RegionDirectory returns the region directory.
func (db *DB) RegionDirectory() *RegionDirectory {
	return &RegionDirectory{pool: db.pool, table: db.tables.Regions}
}

// ListActive returns every region ordered by code.
func (d *RegionDirectory) ListActive(ctx context.Context) ([]restock.Region, error) {
	query := fmt.Sprintf(`SELECT region, last_interacted_at FROM %s ORDER BY region`, d.table)
	rows, err := d.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query regions: %w", err)
	}
	defer rows.Close()

	var out []restock.Region
	for rows.Next() {
		var r restock.Region
		if err := rows.Scan(&r.Code, &r.LastInteractedAt); err != nil {
			return nil, fmt.Errorf("scan region: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate regions: %w", err)
	}
	return out, nil
}

// Delete removes region.
func (d *RegionDirectory) Delete(ctx context.Context, region string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE region = $1`, d.table)
	tag, err := d.pool.Exec(ctx, query, region)
	if err != nil {
		return fmt.Errorf("delete region: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return restock.ErrRegionNotFound
	}
	return nil
}

// Exists reports whether region has a row.
func (d *RegionDirectory) Exists(ctx context.Context, region string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE region = $1)`, d.table)
	var ok bool
	if err := d.pool.QueryRow(ctx, query, region).Scan(&ok); err != nil {
		return false, fmt.Errorf("check region: %w", err)
	}
	return ok, nil
}

// Touch creates region or moves its last interaction forward to at.
func (d *RegionDirectory) Touch(ctx context.Context, region string, at time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (region, last_interacted_at) VALUES ($1, $2)
ON CONFLICT (region) DO UPDATE
SET last_interacted_at = GREATEST(%[1]s.last_interacted_at, EXCLUDED.last_interacted_at)`, d.table)
	if _, err := d.pool.Exec(ctx, query, region, at); err != nil {
		return fmt.Errorf("touch region: %w", err)
	}
	return nil
}
