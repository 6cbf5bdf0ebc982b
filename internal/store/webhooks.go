package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"
)

const webhookColumns = `id, provider, provider_event_id, event_type, raw_payload,
	processing_status, attempts, last_error, last_attempt_at, received_at, processed_at`

// InsertWebhookEvent inserts an event unless one with the same provider event
// ID already exists. The unique constraint decides; there is no read first.
func (s *Store) InsertWebhookEvent(ctx context.Context, e *models.WebhookEvent) (models.InsertResult, error) {
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO webhook_events
			(id, provider, provider_event_id, event_type, raw_payload, processing_status, received_at)
		VALUES (:id, :provider, :provider_event_id, :event_type, :raw_payload, :processing_status, :received_at)
		ON CONFLICT (provider, provider_event_id) DO NOTHING`, e)
	if err != nil {
		return 0, fmt.Errorf("failed to insert webhook event: %w", err)
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

// GetWebhookEvent retrieves a stored event
func (s *Store) GetWebhookEvent(ctx context.Context, id string) (*models.WebhookEvent, error) {
	var e models.WebhookEvent
	err := s.db.GetContext(ctx, &e, "SELECT "+webhookColumns+" FROM webhook_events WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("webhook event %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// RecordWebhookAttempt counts a failed processing attempt
func (s *Store) RecordWebhookAttempt(ctx context.Context, id, lastError string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events SET attempts = attempts + 1, last_error = $2, last_attempt_at = $3
		WHERE id = $1`,
		id, lastError, at)
	return err
}

// MarkWebhookProcessed moves a PENDING event to PROCESSED
func (s *Store) MarkWebhookProcessed(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.execOne(ctx, `
		UPDATE webhook_events SET processing_status = $2, processed_at = $4
		WHERE id = $1 AND processing_status = $3`,
		id, models.ProcessingProcessed, models.ProcessingPending, at)
}

// MarkWebhookFailed moves a PENDING event to FAILED with a reason
func (s *Store) MarkWebhookFailed(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	return s.execOne(ctx, `
		UPDATE webhook_events SET processing_status = $2, processed_at = $4, last_error = $5
		WHERE id = $1 AND processing_status = $3`,
		id, models.ProcessingFailed, models.ProcessingPending, at, reason)
}

// ResetWebhookEvent puts a FAILED event back to PENDING for a replay
func (s *Store) ResetWebhookEvent(ctx context.Context, id string) (bool, error) {
	return s.execOne(ctx, `
		UPDATE webhook_events SET processing_status = $2, processed_at = NULL, attempts = 0
		WHERE id = $1 AND processing_status = $3`,
		id, models.ProcessingPending, models.ProcessingFailed)
}

// ListStaleWebhookEvents returns PENDING events received before the given
// time whose last failed attempt, if any, is also older than it. Events still
// inside a worker's retry backoff are left out.
func (s *Store) ListStaleWebhookEvents(ctx context.Context, before time.Time, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := s.db.SelectContext(ctx, &events, `
		SELECT `+webhookColumns+` FROM webhook_events
		WHERE processing_status = $1 AND received_at < $2
		  AND (last_attempt_at IS NULL OR last_attempt_at < $2)
		ORDER BY received_at LIMIT $3`,
		models.ProcessingPending, before, limit)
	return events, err
}

// ListFailedWebhookEvents returns dead-lettered events, newest first
func (s *Store) ListFailedWebhookEvents(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := s.db.SelectContext(ctx, &events, `
		SELECT `+webhookColumns+` FROM webhook_events
		WHERE processing_status = $1
		ORDER BY received_at DESC LIMIT $2`,
		models.ProcessingFailed, limit)
	return events, err
}
