package service

import (
	"context"
	"fmt"
	"time"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReceiveResult says whether a webhook was new or a redelivery
type ReceiveResult string

const (
	ReceiveAccepted  ReceiveResult = "accepted"
	ReceiveDuplicate ReceiveResult = "duplicate"
)

// WebhookIngestor authenticates provider notifications, stores each one once
// and hands it to the fulfillment queue. It never processes payments itself.
type WebhookIngestor struct {
	events         WebhookRepository
	parser         WebhookParser
	queue          Enqueuer
	provider       string
	enqueueTimeout time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

// NewWebhookIngestor creates a new webhook ingestor
func NewWebhookIngestor(events WebhookRepository, parser WebhookParser, queue Enqueuer, provider string) *WebhookIngestor {
	return &WebhookIngestor{
		events:         events,
		parser:         parser,
		queue:          queue,
		provider:       provider,
		enqueueTimeout: 5 * time.Second,
		logger:         util.GetLogger(),
		now:            time.Now,
	}
}

// Receive verifies and records a webhook. A duplicate is reported as success
// and is not enqueued again.
func (w *WebhookIngestor) Receive(ctx context.Context, payload []byte, signature string) (ReceiveResult, error) {
	ctx, span := util.StartSpan(ctx, "WebhookIngestor.Receive")
	defer span.End()

	if err := w.parser.Verify(payload, signature); err != nil {
		util.WebhooksReceivedTotal.WithLabelValues("invalid_signature").Inc()
		w.logger.Warn("Webhook rejected: invalid signature",
			zap.String("provider", w.provider),
			zap.Error(err))
		return "", err
	}

	eventID, eventType, err := w.parser.Identify(payload)
	if err != nil {
		util.WebhooksReceivedTotal.WithLabelValues("malformed").Inc()
		return "", err
	}

	event := &models.WebhookEvent{
		ID:               uuid.New().String(),
		Provider:         w.provider,
		ProviderEventID:  eventID,
		EventType:        eventType,
		RawPayload:       payload,
		ProcessingStatus: models.ProcessingPending,
		ReceivedAt:       w.now(),
	}
	res, err := w.events.InsertWebhookEvent(ctx, event)
	if err != nil {
		util.WebhooksReceivedTotal.WithLabelValues("error").Inc()
		return "", util.SpanError(span, fmt.Errorf("store webhook %s: %w", eventID, err))
	}
	if res == models.InsertDuplicate {
		util.WebhooksReceivedTotal.WithLabelValues("duplicate").Inc()
		w.logger.Info("Duplicate webhook ignored",
			zap.String("provider_event_id", eventID),
			zap.String("event_type", eventType))
		return ReceiveDuplicate, nil
	}

	util.WebhooksReceivedTotal.WithLabelValues("accepted").Inc()

	qctx, cancel := context.WithTimeout(ctx, w.enqueueTimeout)
	defer cancel()
	if err := w.queue.Enqueue(qctx, broker.Message{WebhookEventID: event.ID}); err != nil {
		// The row is stored as PENDING; the reaper re-enqueues it.
		w.logger.Error("Failed to enqueue webhook event",
			zap.String("webhook_event_id", event.ID),
			zap.String("provider_event_id", eventID),
			zap.Error(err))
		return ReceiveAccepted, nil
	}

	w.logger.Info("Webhook accepted",
		zap.String("webhook_event_id", event.ID),
		zap.String("provider_event_id", eventID),
		zap.String("event_type", eventType))
	return ReceiveAccepted, nil
}

// Replay moves a FAILED event back to PENDING and enqueues it again
func (w *WebhookIngestor) Replay(ctx context.Context, webhookEventID string) error {
	if err := validateID("webhook_event_id", webhookEventID); err != nil {
		return err
	}
	ok, err := w.events.ResetWebhookEvent(ctx, webhookEventID)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := w.events.GetWebhookEvent(ctx, webhookEventID); err != nil {
			return err
		}
		return fmt.Errorf("%w: event %s is not FAILED", models.ErrValidation, webhookEventID)
	}
	w.logger.Info("Replaying webhook event", zap.String("webhook_event_id", webhookEventID))
	return w.queue.Enqueue(ctx, broker.Message{WebhookEventID: webhookEventID})
}

// SetClock replaces the time source
func (w *WebhookIngestor) SetClock(now func() time.Time) {
	w.now = now
}
