package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-service/internal/models"
	"checkout-service/internal/service"

	"github.com/jmoiron/sqlx"
)

// CreateCart creates a new cart
func (s *Store) CreateCart(ctx context.Context, cart *models.Cart) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO carts (id, status, created_at, updated_at)
		VALUES (:id, :status, :created_at, :updated_at)`, cart)
	if err != nil {
		return fmt.Errorf("failed to create cart: %w", err)
	}
	return nil
}

// GetCart retrieves a cart and its items
func (s *Store) GetCart(ctx context.Context, cartID string) (*models.Cart, error) {
	return loadCart(ctx, s.db, cartID, false)
}

func loadCart(ctx context.Context, q sqlx.QueryerContext, cartID string, forUpdate bool) (*models.Cart, error) {
	query := "SELECT id, status, created_at, updated_at FROM carts WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}

	var cart models.Cart
	err := sqlx.GetContext(ctx, q, &cart, query, cartID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cart %s: %w", cartID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	err = sqlx.SelectContext(ctx, q, &cart.Items, `
		SELECT cart_id, variant_id, quantity, unit_price, added_at
		FROM cart_items WHERE cart_id = $1
		ORDER BY added_at, variant_id`, cartID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart items: %w", err)
	}
	return &cart, nil
}

// MutateCartItem locks the cart row, lets fn decide the new line and writes
// it. Concurrent mutations of the same cart queue on the row lock.
func (s *Store) MutateCartItem(ctx context.Context, cartID, variantID string, fn service.CartMutation) (*models.Cart, error) {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		cart, err := loadCart(ctx, tx, cartID, true)
		if err != nil {
			return err
		}

		next, err := fn(cart, cart.Item(variantID))
		if err != nil {
			return err
		}

		if next == nil {
			_, err = tx.ExecContext(ctx,
				"DELETE FROM cart_items WHERE cart_id = $1 AND variant_id = $2", cartID, variantID)
		} else {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO cart_items (cart_id, variant_id, quantity, unit_price, added_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (cart_id, variant_id) DO UPDATE
				SET quantity = EXCLUDED.quantity, unit_price = EXCLUDED.unit_price`,
				cartID, variantID, next.Quantity, next.UnitPrice, next.AddedAt)
		}
		if err != nil {
			return fmt.Errorf("failed to write cart item: %w", err)
		}

		_, err = tx.ExecContext(ctx, "UPDATE carts SET updated_at = NOW() WHERE id = $1", cartID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetCart(ctx, cartID)
}

// FreezeCart moves an OPEN cart to CHECKING_OUT and returns it with its items
func (s *Store) FreezeCart(ctx context.Context, cartID string) (*models.Cart, error) {
	var cart *models.Cart
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE carts SET status = $2, updated_at = NOW()
			WHERE id = $1 AND status = $3`,
			cartID, models.CartStatusCheckingOut, models.CartStatusOpen)
		if err != nil {
			return fmt.Errorf("failed to freeze cart: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		cart, err = loadCart(ctx, tx, cartID, false)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("cart %s is %s: %w", cartID, cart.Status, models.ErrCartClosed)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cart, nil
}

// ReopenCart moves a CHECKING_OUT cart back to OPEN, optionally emptying it
func (s *Store) ReopenCart(ctx context.Context, cartID string, clearItems bool) (bool, error) {
	var reopened bool
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := transitionCart(ctx, tx, cartID, models.CartStatusCheckingOut, models.CartStatusOpen)
		if err != nil || !ok {
			return err
		}
		if clearItems {
			if _, err := tx.ExecContext(ctx, "DELETE FROM cart_items WHERE cart_id = $1", cartID); err != nil {
				return fmt.Errorf("failed to clear cart: %w", err)
			}
		}
		reopened = true
		return nil
	})
	return reopened, err
}

// CloseCart moves a CHECKING_OUT cart to CLOSED
func (s *Store) CloseCart(ctx context.Context, cartID string) (bool, error) {
	return transitionCart(ctx, s.db, cartID, models.CartStatusCheckingOut, models.CartStatusClosed)
}

func transitionCart(ctx context.Context, e sqlx.ExecerContext, cartID string, from, to models.CartStatus) (bool, error) {
	res, err := e.ExecContext(ctx,
		"UPDATE carts SET status = $2, updated_at = NOW() WHERE id = $1 AND status = $3",
		cartID, to, from)
	if err != nil {
		return false, fmt.Errorf("failed to move cart to %s: %w", to, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
