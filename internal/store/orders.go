package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-service/internal/models"
)

// CreateOrder inserts the order for a checkout session. A second insert for
// the same session is reported as InsertDuplicate, not as an error.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) (models.InsertResult, error) {
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO orders (id, cart_id, checkout_session_id, status, total_amount, currency, created_at)
		VALUES (:id, :cart_id, :checkout_session_id, :status, :total_amount, :currency, :created_at)
		ON CONFLICT (checkout_session_id) DO NOTHING`, order)
	if err != nil {
		return 0, fmt.Errorf("failed to create order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return models.InsertDuplicate, nil
	}
	return models.InsertCreated, nil
}

// GetOrderBySession retrieves the order created for a checkout session
func (s *Store) GetOrderBySession(ctx context.Context, sessionID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, `
		SELECT id, cart_id, checkout_session_id, status, total_amount, currency, created_at
		FROM orders WHERE checkout_session_id = $1`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order for session %s: %w", sessionID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}
