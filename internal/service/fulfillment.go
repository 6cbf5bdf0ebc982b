package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// Outcome is the result of processing one webhook event
type Outcome string

const (
	OutcomeSkipped         Outcome = "skipped"
	OutcomeIgnored         Outcome = "ignored"
	OutcomeOrderCreated    Outcome = "order_created"
	OutcomeDuplicateOrder  Outcome = "duplicate_order"
	OutcomeLate            Outcome = "late_payment"
	OutcomeMismatch        Outcome = "amount_mismatch"
	OutcomeCancelled       Outcome = "cancelled"
	OutcomeAlreadyTerminal Outcome = "already_terminal"
)

// FulfillmentService runs the per-event state machine. Every step is
// idempotent, so a redelivered or retried event converges on the same state.
type FulfillmentService struct {
	events   WebhookRepository
	sessions SessionRepository
	checkout *CheckoutService
	parser   WebhookParser
	logger   *zap.Logger
	now      func() time.Time
}

// NewFulfillmentService creates a new fulfillment service
func NewFulfillmentService(events WebhookRepository, sessions SessionRepository, checkout *CheckoutService, parser WebhookParser) *FulfillmentService {
	return &FulfillmentService{
		events:   events,
		sessions: sessions,
		checkout: checkout,
		parser:   parser,
		logger:   util.GetLogger(),
		now:      time.Now,
	}
}

// Process handles one stored webhook event. Errors wrapping ErrPoisonMessage
// will never succeed on retry.
func (f *FulfillmentService) Process(ctx context.Context, webhookEventID string) (Outcome, error) {
	ctx, span := util.StartSpan(ctx, "FulfillmentService.Process")
	defer span.End()

	start := time.Now()
	defer func() {
		util.FulfillmentLatency.Observe(time.Since(start).Seconds())
	}()

	if webhookEventID == "" {
		return "", fmt.Errorf("%w: empty webhook event id", models.ErrPoisonMessage)
	}

	event, err := f.events.GetWebhookEvent(ctx, webhookEventID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", fmt.Errorf("%w: %v", models.ErrPoisonMessage, err)
		}
		return "", util.SpanError(span, err)
	}
	if event.ProcessingStatus != models.ProcessingPending {
		f.logger.Debug("Webhook event already handled",
			zap.String("webhook_event_id", event.ID),
			zap.String("status", string(event.ProcessingStatus)))
		return f.done(OutcomeSkipped), nil
	}

	payment, err := f.parser.Decode(event.RawPayload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrPoisonMessage, err)
	}

	var outcome Outcome
	switch payment.Kind {
	case models.PaymentCompleted, models.PaymentFailed:
		session, err := f.resolveSession(ctx, payment)
		if err != nil {
			return "", util.SpanError(span, err)
		}
		if payment.Kind == models.PaymentCompleted {
			outcome, err = f.completed(ctx, session, payment)
		} else {
			outcome, err = f.failed(ctx, session, payment)
		}
		if err != nil {
			return "", util.SpanError(span, err)
		}
	default:
		outcome = OutcomeIgnored
	}

	if _, err := f.events.MarkWebhookProcessed(ctx, event.ID, f.now()); err != nil {
		return "", util.SpanError(span, fmt.Errorf("mark event %s processed: %w", event.ID, err))
	}

	f.logger.Info("Webhook event processed",
		zap.String("webhook_event_id", event.ID),
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("event_type", event.EventType),
		zap.String("outcome", string(outcome)))
	return f.done(outcome), nil
}

func (f *FulfillmentService) done(o Outcome) Outcome {
	util.FulfillmentOutcomesTotal.WithLabelValues(string(o)).Inc()
	return o
}

// resolveSession tries our own session id first and the provider's second
func (f *FulfillmentService) resolveSession(ctx context.Context, payment *models.PaymentEvent) (*models.CheckoutSession, error) {
	if payment.CheckoutSessionID != "" {
		session, err := f.sessions.GetSession(ctx, payment.CheckoutSessionID)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
	}
	if payment.ProviderSessionID != "" {
		session, err := f.sessions.GetSessionByProviderID(ctx, payment.ProviderSessionID)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: no session for event %s (session %q, provider session %q)",
		models.ErrPoisonMessage, payment.ProviderEventID, payment.CheckoutSessionID, payment.ProviderSessionID)
}

func (f *FulfillmentService) completed(ctx context.Context, session *models.CheckoutSession, payment *models.PaymentEvent) (Outcome, error) {
	res, err := f.checkout.Complete(ctx, session, payment)
	if err != nil {
		return "", err
	}
	switch res {
	case OutcomeCompleted:
		return OutcomeOrderCreated, nil
	case OutcomeLatePayment:
		return OutcomeLate, nil
	case OutcomeAmountMismatch:
		return OutcomeMismatch, nil
	default:
		return OutcomeDuplicateOrder, nil
	}
}

func (f *FulfillmentService) failed(ctx context.Context, session *models.CheckoutSession, payment *models.PaymentEvent) (Outcome, error) {
	if session.Status.IsTerminal() {
		if session.FinalizedAt == nil {
			if err := f.checkout.Repair(ctx, session); err != nil {
				return "", err
			}
		}
		return OutcomeAlreadyTerminal, nil
	}
	cancelled, err := f.checkout.Cancel(ctx, session.ID, payment.Type)
	if err != nil {
		return "", err
	}
	if !cancelled {
		return OutcomeAlreadyTerminal, nil
	}
	return OutcomeCancelled, nil
}

// RecordFailure stores the error of a failed attempt on the event
func (f *FulfillmentService) RecordFailure(ctx context.Context, webhookEventID string, cause error) error {
	if webhookEventID == "" {
		return nil
	}
	return f.events.RecordWebhookAttempt(ctx, webhookEventID, cause.Error(), f.now())
}

// MarkFailed parks an event for operator follow-up once retries are exhausted
func (f *FulfillmentService) MarkFailed(ctx context.Context, webhookEventID, reason string) error {
	if webhookEventID == "" {
		return nil
	}
	ok, err := f.events.MarkWebhookFailed(ctx, webhookEventID, reason, f.now())
	if err != nil {
		return err
	}
	if ok {
		f.logger.Error("Webhook event failed permanently",
			zap.String("webhook_event_id", webhookEventID),
			zap.String("reason", reason))
	}
	return nil
}

// SetClock replaces the time source
func (f *FulfillmentService) SetClock(now func() time.Time) {
	f.now = now
}
