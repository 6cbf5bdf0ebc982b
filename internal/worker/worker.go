package worker

import (
	"context"
	"errors"
	"time"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Processor handles one stored webhook event per call
type Processor interface {
	Process(ctx context.Context, webhookEventID string) (service.Outcome, error)
	RecordFailure(ctx context.Context, webhookEventID string, cause error) error
	MarkFailed(ctx context.Context, webhookEventID, reason string) error
}

type Config struct {
	Concurrency    int
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	ProcessTimeout time.Duration
}

// FulfillmentWorker runs a pool of consumers over the fulfillment queue.
// A failed event is re-published with a later not-before time until it runs
// out of attempts, then dead-lettered.
type FulfillmentWorker struct {
	queue     broker.Queue
	processor Processor
	cfg       Config
	logger    *zap.Logger
}

// NewFulfillmentWorker creates a new fulfillment worker
func NewFulfillmentWorker(queue broker.Queue, processor Processor, cfg Config) *FulfillmentWorker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Minute
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 30 * time.Second
	}
	return &FulfillmentWorker{
		queue:     queue,
		processor: processor,
		cfg:       cfg,
		logger:    util.GetLogger(),
	}
}

// Start consumes until ctx is done or the queue closes
func (w *FulfillmentWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting fulfillment worker", zap.Int("concurrency", w.cfg.Concurrency))

	deliveries := w.queue.Consume(ctx)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case d, ok := <-deliveries:
					if !ok {
						return nil
					}
					w.handle(ctx, d)
				}
			}
		})
	}

	err := g.Wait()
	w.logger.Info("Fulfillment worker stopped")
	return err
}

func (w *FulfillmentWorker) handle(ctx context.Context, d broker.Delivery) {
	if wait := time.Until(d.NotBefore); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			// left unacked, the broker hands it out again
			timer.Stop()
			return
		}
	}

	pctx, cancel := context.WithTimeout(ctx, w.cfg.ProcessTimeout)
	_, err := w.processor.Process(pctx, d.WebhookEventID)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.retry(ctx, d.Message, err)
	}

	if err := d.Ack(ctx); err != nil {
		w.logger.Error("Failed to ack delivery",
			zap.String("webhook_event_id", d.WebhookEventID),
			zap.Error(err))
	}
}

// retry records the failure and either requeues msg or dead-letters it
func (w *FulfillmentWorker) retry(ctx context.Context, msg broker.Message, cause error) {
	attempt := msg.Attempt + 1
	logger := w.logger.With(
		zap.String("webhook_event_id", msg.WebhookEventID),
		zap.Int("attempt", attempt),
		zap.Error(cause))

	if err := w.processor.RecordFailure(ctx, msg.WebhookEventID, cause); err != nil && !errors.Is(err, models.ErrNotFound) {
		logger.Error("Failed to record attempt", zap.NamedError("record_error", err))
	}

	if errors.Is(cause, models.ErrPoisonMessage) || attempt >= w.cfg.MaxAttempts {
		w.deadLetter(ctx, msg, cause.Error(), logger)
		return
	}

	next := msg
	next.Attempt = attempt
	next.NotBefore = time.Now().Add(w.delay(attempt))
	if err := w.queue.Enqueue(ctx, next); err != nil {
		// The event row is still PENDING, so the reaper picks it up later.
		logger.Error("Failed to requeue fulfillment message", zap.NamedError("enqueue_error", err))
		return
	}

	util.FulfillmentRetriesTotal.Inc()
	logger.Warn("Fulfillment failed, retry scheduled", zap.Time("not_before", next.NotBefore))
}

func (w *FulfillmentWorker) deadLetter(ctx context.Context, msg broker.Message, reason string, logger *zap.Logger) {
	if err := w.queue.DeadLetter(ctx, msg, reason); err != nil {
		logger.Error("Failed to publish dead letter", zap.NamedError("dlq_error", err))
	}
	if err := w.processor.MarkFailed(ctx, msg.WebhookEventID, reason); err != nil {
		logger.Error("Failed to mark event failed", zap.NamedError("mark_error", err))
	}
	util.FulfillmentDeadLettersTotal.Inc()
	logger.Error("Fulfillment message dead-lettered")
}

// delay is the wait before the given attempt, doubling from BackoffInitial
// up to BackoffMax
func (w *FulfillmentWorker) delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.BackoffInitial
	b.MaxInterval = w.cfg.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
