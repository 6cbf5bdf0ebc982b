package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

const reaperLockKey = "reservation-reaper"

// Locker is a cross-instance mutex with a TTL
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

type SessionLister interface {
	ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]models.CheckoutSession, error)
	ListUnfinalizedSessions(ctx context.Context, before time.Time, limit int) ([]models.CheckoutSession, error)
}

type StaleEventLister interface {
	ListStaleWebhookEvents(ctx context.Context, before time.Time, limit int) ([]models.WebhookEvent, error)
}

// SessionCloser is the part of the checkout service the reaper drives
type SessionCloser interface {
	Expire(ctx context.Context, sessionID string) (bool, error)
	Repair(ctx context.Context, session *models.CheckoutSession) error
}

type ReaperConfig struct {
	Interval   time.Duration
	BatchSize  int
	StaleAfter time.Duration
}

// SweepResult counts what one sweep did
type SweepResult struct {
	Expired  int `json:"expired"`
	Repaired int `json:"repaired"`
	Requeued int `json:"requeued"`
}

// ReservationReaper expires abandoned checkout sessions so their stock goes
// back on sale. It also finishes terminal sessions whose side effects were
// interrupted and re-enqueues webhook events that never got processed.
type ReservationReaper struct {
	sessions SessionLister
	events   StaleEventLister
	checkout SessionCloser
	queue    service.Enqueuer
	locker   Locker
	cfg      ReaperConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewReservationReaper creates a reaper. locker may be nil, in which case
// every instance sweeps.
func NewReservationReaper(
	sessions SessionLister,
	events StaleEventLister,
	checkout SessionCloser,
	queue service.Enqueuer,
	locker Locker,
	cfg ReaperConfig,
) *ReservationReaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	return &ReservationReaper{
		sessions: sessions,
		events:   events,
		checkout: checkout,
		queue:    queue,
		locker:   locker,
		cfg:      cfg,
		logger:   util.GetLogger(),
		now:      time.Now,
	}
}

// SetClock replaces the time source
func (r *ReservationReaper) SetClock(now func() time.Time) {
	r.now = now
}

// Start sweeps every interval until ctx is done
func (r *ReservationReaper) Start(ctx context.Context) error {
	r.logger.Info("Starting reservation reaper", zap.Duration("interval", r.cfg.Interval))

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		r.tick(ctx)
		select {
		case <-ctx.Done():
			r.logger.Info("Reservation reaper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (r *ReservationReaper) tick(ctx context.Context) {
	if r.locker != nil {
		ok, err := r.locker.AcquireLock(ctx, reaperLockKey, r.cfg.Interval)
		if err != nil {
			r.logger.Error("Failed to acquire reaper lock", zap.Error(err))
			return
		}
		if !ok {
			r.logger.Debug("Reaper lock held elsewhere, skipping sweep")
			return
		}
		defer func() {
			if err := r.locker.ReleaseLock(context.Background(), reaperLockKey); err != nil {
				r.logger.Warn("Failed to release reaper lock", zap.Error(err))
			}
		}()
	}

	res, err := r.Sweep(ctx)
	if err != nil {
		r.logger.Error("Reaper sweep finished with errors", zap.Error(err))
	}
	if res.Expired+res.Repaired+res.Requeued > 0 {
		r.logger.Info("Reaper sweep",
			zap.Int("expired", res.Expired),
			zap.Int("repaired", res.Repaired),
			zap.Int("requeued", res.Requeued))
	}
}

// Sweep runs one pass. Individual failures do not stop the pass; they are
// joined into the returned error.
func (r *ReservationReaper) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := util.StartSpan(ctx, "ReservationReaper.Sweep")
	defer span.End()

	var res SweepResult
	var errs []error
	now := r.now()
	stale := now.Add(-r.cfg.StaleAfter)

	expired, err := r.sessions.ListExpiredSessions(ctx, now, r.cfg.BatchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("list expired sessions: %w", err))
	}
	for _, s := range expired {
		ok, err := r.checkout.Expire(ctx, s.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire session %s: %w", s.ID, err))
			continue
		}
		if ok {
			res.Expired++
		}
	}

	unfinished, err := r.sessions.ListUnfinalizedSessions(ctx, stale, r.cfg.BatchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("list unfinalized sessions: %w", err))
	}
	for i := range unfinished {
		s := &unfinished[i]
		if err := r.checkout.Repair(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("repair session %s: %w", s.ID, err))
			continue
		}
		r.logger.Warn("Repaired unfinalized session",
			zap.String("session_id", s.ID),
			zap.String("status", string(s.Status)))
		res.Repaired++
	}

	events, err := r.events.ListStaleWebhookEvents(ctx, stale, r.cfg.BatchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("list stale webhook events: %w", err))
	}
	for _, e := range events {
		// Requeued events keep their attempt count.
		if err := r.queue.Enqueue(ctx, broker.Message{WebhookEventID: e.ID, Attempt: e.Attempts}); err != nil {
			errs = append(errs, fmt.Errorf("requeue event %s: %w", e.ID, err))
			continue
		}
		res.Requeued++
	}

	util.ReaperSweepsTotal.WithLabelValues("expired").Add(float64(res.Expired))
	util.ReaperSweepsTotal.WithLabelValues("repaired").Add(float64(res.Repaired))
	util.ReaperSweepsTotal.WithLabelValues("requeued").Add(float64(res.Requeued))

	return res, util.SpanError(span, errors.Join(errs...))
}
