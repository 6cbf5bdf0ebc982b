package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const variantColumns = `id, sku, name, unit_price, currency,
	available_quantity, reserved_quantity, committed_quantity, updated_at`

// Every counter update below is one statement against the variant row. The
// clamped forms lock the row in a sub-select so the amount they return is the
// amount they moved.
const (
	reserveSQL = `
		UPDATE variants
		SET available_quantity = available_quantity - $2,
		    reserved_quantity = reserved_quantity + $2,
		    updated_at = NOW()
		WHERE id = $1 AND available_quantity >= $2`

	releaseSQL = `
		UPDATE variants v
		SET available_quantity = v.available_quantity + c.n,
		    reserved_quantity = v.reserved_quantity - c.n,
		    updated_at = NOW()
		FROM (SELECT id, LEAST($2::int, reserved_quantity) AS n
		      FROM variants WHERE id = $1 FOR UPDATE) c
		WHERE v.id = c.id
		RETURNING c.n`

	commitSQL = `
		UPDATE variants v
		SET reserved_quantity = v.reserved_quantity - c.n,
		    committed_quantity = v.committed_quantity + c.n,
		    updated_at = NOW()
		FROM (SELECT id, LEAST($2::int, reserved_quantity) AS n
		      FROM variants WHERE id = $1 FOR UPDATE) c
		WHERE v.id = c.id
		RETURNING c.n`

	restockSQL = `
		UPDATE variants
		SET available_quantity = available_quantity + $2,
		    updated_at = NOW()
		WHERE id = $1 AND available_quantity + $2 >= 0
		RETURNING available_quantity`

	journalSQL = `
		INSERT INTO stock_ledger_entries (variant_id, session_id, kind, quantity)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (variant_id, session_id, kind) DO NOTHING`
)

// GetVariant retrieves a variant with its counters
func (s *Store) GetVariant(ctx context.Context, variantID string) (*models.Variant, error) {
	var v models.Variant
	err := s.db.GetContext(ctx, &v, "SELECT "+variantColumns+" FROM variants WHERE id = $1", variantID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("variant %s: %w", variantID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ListVariants retrieves all variants
func (s *Store) ListVariants(ctx context.Context) ([]models.Variant, error) {
	var variants []models.Variant
	err := s.db.SelectContext(ctx, &variants, "SELECT "+variantColumns+" FROM variants ORDER BY id")
	return variants, err
}

// UpsertVariant creates a variant or replaces its catalog fields. The
// available quantity is only taken for a new variant; existing stock changes
// through Restock. It reports whether the row was created.
func (s *Store) UpsertVariant(ctx context.Context, v *models.Variant) (bool, error) {
	rows, err := s.db.NamedQueryContext(ctx, `
		INSERT INTO variants (id, sku, name, unit_price, currency, available_quantity)
		VALUES (:id, :sku, :name, :unit_price, :currency, :available_quantity)
		ON CONFLICT (id) DO UPDATE
		SET sku = EXCLUDED.sku, name = EXCLUDED.name, unit_price = EXCLUDED.unit_price,
		    currency = EXCLUDED.currency, updated_at = NOW()
		RETURNING (xmax = 0) AS inserted`, v)
	if err != nil {
		return false, fmt.Errorf("failed to upsert variant: %w", err)
	}
	defer rows.Close()

	var inserted bool
	if rows.Next() {
		if err := rows.Scan(&inserted); err != nil {
			return false, err
		}
	}
	return inserted, rows.Err()
}

// Restock adds qty to available stock, or removes it when qty is negative.
// Stock cannot be written off below zero. It returns the new available
// quantity.
func (s *Store) Restock(ctx context.Context, variantID string, qty int) (int, bool, error) {
	var available int
	err := s.db.GetContext(ctx, &available, restockSQL, variantID, qty)
	if errors.Is(err, sql.ErrNoRows) {
		v, err := s.GetVariant(ctx, variantID)
		if err != nil {
			return 0, false, err
		}
		return v.AvailableQuantity, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to restock: %w", err)
	}
	return available, true, nil
}

// Reserve moves qty from available to reserved if enough is available
func (s *Store) Reserve(ctx context.Context, variantID string, qty int) (bool, error) {
	res, err := s.db.ExecContext(ctx, reserveSQL, variantID, qty)
	if err != nil {
		return false, fmt.Errorf("failed to reserve stock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	if _, err := s.GetVariant(ctx, variantID); err != nil {
		return false, err
	}
	return false, nil
}

// Release moves up to qty from reserved back to available
func (s *Store) Release(ctx context.Context, variantID string, qty int) (int, error) {
	return moveStock(ctx, s.db, releaseSQL, variantID, qty)
}

// ReleaseForSession releases at most once per (variant, session)
func (s *Store) ReleaseForSession(ctx context.Context, variantID string, qty int, sessionID string) (bool, int, error) {
	return s.moveOnce(ctx, "release", releaseSQL, variantID, qty, sessionID)
}

// Commit moves up to qty from reserved to committed, once per (variant, session)
func (s *Store) Commit(ctx context.Context, variantID string, qty int, sessionID string) (bool, int, error) {
	return s.moveOnce(ctx, "commit", commitSQL, variantID, qty, sessionID)
}

// moveOnce journals the operation and applies it in the same transaction, so
// either both happen or neither does.
func (s *Store) moveOnce(ctx context.Context, kind, query, variantID string, qty int, sessionID string) (bool, int, error) {
	var applied bool
	var moved int

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, journalSQL, variantID, sessionID, kind, qty)
		if err != nil {
			return fmt.Errorf("failed to journal %s: %w", kind, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}

		moved, err = moveStock(ctx, tx, query, variantID, qty)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return applied, moved, nil
}

func moveStock(ctx context.Context, q sqlx.QueryerContext, query, variantID string, qty int) (int, error) {
	var moved int
	err := sqlx.GetContext(ctx, q, &moved, query, variantID, qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("variant %s: %w", variantID, models.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update stock: %w", err)
	}
	return moved, nil
}
