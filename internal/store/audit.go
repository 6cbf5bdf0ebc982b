package store

import (
	"context"
	"fmt"

	"checkout-service/internal/models"
)

// RecordAudit appends to a session's audit trail. A row that already exists
// for the same session, type and provider event is left alone.
func (s *Store) RecordAudit(ctx context.Context, e *models.AuditEvent) (models.InsertResult, error) {
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO audit_events (id, session_id, event_type, provider_event_id, metadata, created_at)
		VALUES (:id, :session_id, :event_type, :provider_event_id, :metadata, :created_at)
		ON CONFLICT (session_id, event_type, provider_event_id) DO NOTHING`, e)
	if err != nil {
		return 0, fmt.Errorf("failed to record audit event: %w", err)
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

// ListAuditEvents returns a session's audit trail, oldest first
func (s *Store) ListAuditEvents(ctx context.Context, sessionID string) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	err := s.db.SelectContext(ctx, &events, `
		SELECT id, session_id, event_type, provider_event_id, metadata, created_at
		FROM audit_events WHERE session_id = $1
		ORDER BY created_at, id`, sessionID)
	return events, err
}
