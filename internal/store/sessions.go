package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"
)

const sessionColumns = `id, cart_id, items_snapshot, total_amount, currency,
	COALESCE(provider_session_id, '') AS provider_session_id, redirect_url,
	status, expires_at, finalized_at, created_at, updated_at`

// CreateSession inserts a PENDING session. A cart can hold only one PENDING
// session; a second one is reported as ErrCartClosed.
func (s *Store) CreateSession(ctx context.Context, cs *models.CheckoutSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkout_sessions
			(id, cart_id, items_snapshot, total_amount, currency, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		cs.ID, cs.CartID, cs.Items, cs.TotalAmount, cs.Currency, cs.Status, cs.ExpiresAt, cs.CreatedAt, cs.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("cart %s already has a pending session: %w", cs.CartID, models.ErrCartClosed)
	}
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.CheckoutSession, error) {
	return s.getSession(ctx, "id", sessionID)
}

// GetSessionByProviderID retrieves a session by the provider's session ID
func (s *Store) GetSessionByProviderID(ctx context.Context, providerSessionID string) (*models.CheckoutSession, error) {
	return s.getSession(ctx, "provider_session_id", providerSessionID)
}

func (s *Store) getSession(ctx context.Context, column, value string) (*models.CheckoutSession, error) {
	var cs models.CheckoutSession
	err := s.db.GetContext(ctx, &cs,
		"SELECT "+sessionColumns+" FROM checkout_sessions WHERE "+column+" = $1", value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", value, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

// SetProviderSession records the provider's handle on a session
func (s *Store) SetProviderSession(ctx context.Context, sessionID, providerSessionID, redirectURL string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE checkout_sessions
		SET provider_session_id = $2, redirect_url = $3, updated_at = NOW()
		WHERE id = $1`, sessionID, providerSessionID, redirectURL)
	if err != nil {
		return fmt.Errorf("failed to set provider session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	return nil
}

// TransitionSession moves a session from one status to another. It reports
// false when the session was not in the expected status.
func (s *Store) TransitionSession(ctx context.Context, sessionID string, from, to models.SessionStatus) (bool, error) {
	return s.execOne(ctx, `
		UPDATE checkout_sessions SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3`, sessionID, to, from)
}

// ExpireSession moves a PENDING session past its expiry to EXPIRED
func (s *Store) ExpireSession(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	return s.execOne(ctx, `
		UPDATE checkout_sessions SET status = $2, updated_at = $4
		WHERE id = $1 AND status = $3 AND expires_at < $4`,
		sessionID, models.SessionStatusExpired, models.SessionStatusPending, now)
}

// AbandonSession cancels a PENDING session and finalizes it in one step.
// Used when no provider session was ever opened.
func (s *Store) AbandonSession(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	return s.execOne(ctx, `
		UPDATE checkout_sessions SET status = $2, finalized_at = $4, updated_at = $4
		WHERE id = $1 AND status = $3`,
		sessionID, models.SessionStatusCancelled, models.SessionStatusPending, at)
}

// FinalizeSession records that a terminal session's side effects are done
func (s *Store) FinalizeSession(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE checkout_sessions SET finalized_at = $2
		WHERE id = $1 AND finalized_at IS NULL`, sessionID, at)
	if err != nil {
		return fmt.Errorf("failed to finalize session: %w", err)
	}
	return nil
}

// ListExpiredSessions returns PENDING sessions whose expiry has passed
func (s *Store) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]models.CheckoutSession, error) {
	var sessions []models.CheckoutSession
	err := s.db.SelectContext(ctx, &sessions, `
		SELECT `+sessionColumns+` FROM checkout_sessions
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at LIMIT $3`,
		models.SessionStatusPending, now, limit)
	return sessions, err
}

// ListUnfinalizedSessions returns terminal sessions whose side effects never
// completed, last touched before the given time
func (s *Store) ListUnfinalizedSessions(ctx context.Context, before time.Time, limit int) ([]models.CheckoutSession, error) {
	var sessions []models.CheckoutSession
	err := s.db.SelectContext(ctx, &sessions, `
		SELECT `+sessionColumns+` FROM checkout_sessions
		WHERE status <> $1 AND finalized_at IS NULL AND updated_at < $2
		ORDER BY updated_at LIMIT $3`,
		models.SessionStatusPending, before, limit)
	return sessions, err
}

func (s *Store) execOne(ctx context.Context, query string, args ...interface{}) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
