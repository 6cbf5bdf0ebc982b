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

// StockLedger is the only way stock counters change. Every operation is a
// single atomic update in the backing StockStore.
type StockLedger struct {
	stock  StockStore
	logger *zap.Logger
}

// NewStockLedger creates a new stock ledger
func NewStockLedger(stock StockStore) *StockLedger {
	return &StockLedger{
		stock:  stock,
		logger: util.GetLogger(),
	}
}

// Reserve moves qty from available to reserved, or fails with ErrInsufficientStock
func (l *StockLedger) Reserve(ctx context.Context, variantID string, qty int) error {
	ctx, span := util.StartSpan(ctx, "StockLedger.Reserve")
	defer span.End()

	if err := validateLine(variantID, qty); err != nil {
		return err
	}

	start := time.Now()
	ok, err := l.stock.Reserve(ctx, variantID, qty)
	util.StockReserveLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			util.StockReservationsTotal.WithLabelValues("unknown_variant").Inc()
		} else {
			util.StockReservationsTotal.WithLabelValues("error").Inc()
		}
		return util.SpanError(span, fmt.Errorf("reserve %d of %s: %w", qty, variantID, err))
	}
	if !ok {
		util.StockReservationsTotal.WithLabelValues("insufficient").Inc()
		l.logger.Info("Reservation rejected",
			zap.String("variant_id", variantID),
			zap.Int("quantity", qty))
		return fmt.Errorf("reserve %d of %s: %w", qty, variantID, models.ErrInsufficientStock)
	}

	util.StockReservationsTotal.WithLabelValues("reserved").Inc()
	return nil
}

// Release moves qty from reserved back to available. Releasing more than is
// reserved is clamped and logged.
func (l *StockLedger) Release(ctx context.Context, variantID string, qty int) error {
	ctx, span := util.StartSpan(ctx, "StockLedger.Release")
	defer span.End()

	if err := validateLine(variantID, qty); err != nil {
		return err
	}

	released, err := l.stock.Release(ctx, variantID, qty)
	if err != nil {
		return util.SpanError(span, fmt.Errorf("release %d of %s: %w", qty, variantID, err))
	}
	l.observe("release", variantID, "", qty, released)
	return nil
}

// ReleaseForSession releases a snapshot line at most once per session
func (l *StockLedger) ReleaseForSession(ctx context.Context, variantID string, qty int, sessionID string) error {
	ctx, span := util.StartSpan(ctx, "StockLedger.ReleaseForSession")
	defer span.End()

	if err := validateLine(variantID, qty); err != nil {
		return err
	}
	if err := validateID("session_id", sessionID); err != nil {
		return err
	}

	applied, released, err := l.stock.ReleaseForSession(ctx, variantID, qty, sessionID)
	if err != nil {
		return util.SpanError(span, fmt.Errorf("release %d of %s for session %s: %w", qty, variantID, sessionID, err))
	}
	if !applied {
		l.logger.Debug("Session line already released",
			zap.String("variant_id", variantID),
			zap.String("session_id", sessionID))
		return nil
	}
	l.observe("release", variantID, sessionID, qty, released)
	return nil
}

// Commit permanently removes qty from reserved. A second commit for the same
// (variant, session) pair is a no-op.
func (l *StockLedger) Commit(ctx context.Context, variantID string, qty int, sessionID string) error {
	ctx, span := util.StartSpan(ctx, "StockLedger.Commit")
	defer span.End()

	if err := validateLine(variantID, qty); err != nil {
		return err
	}
	if err := validateID("session_id", sessionID); err != nil {
		return err
	}

	applied, committed, err := l.stock.Commit(ctx, variantID, qty, sessionID)
	if err != nil {
		return util.SpanError(span, fmt.Errorf("commit %d of %s for session %s: %w", qty, variantID, sessionID, err))
	}
	if !applied {
		l.logger.Debug("Session line already committed",
			zap.String("variant_id", variantID),
			zap.String("session_id", sessionID))
		return nil
	}
	l.observe("commit", variantID, sessionID, qty, committed)
	return nil
}

// Restock adds qty to available stock, or writes units off when qty is
// negative. Reserved and committed stock are never touched. It returns the
// new available quantity.
func (l *StockLedger) Restock(ctx context.Context, variantID string, qty int) (int, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.Restock")
	defer span.End()

	if err := validateID("variant_id", variantID); err != nil {
		return 0, err
	}
	if qty == 0 || qty > maxRestockDelta || qty < -maxRestockDelta {
		return 0, fmt.Errorf("%w: restock quantity must be non-zero and within %d, got %d", models.ErrValidation, maxRestockDelta, qty)
	}

	available, ok, err := l.stock.Restock(ctx, variantID, qty)
	if err != nil {
		return 0, util.SpanError(span, fmt.Errorf("restock %d of %s: %w", qty, variantID, err))
	}
	if !ok {
		return available, fmt.Errorf("write off %d of %s with %d available: %w", -qty, variantID, available, models.ErrInsufficientStock)
	}

	l.logger.Info("Stock restocked",
		zap.String("variant_id", variantID),
		zap.Int("delta", qty),
		zap.Int("available", available))
	return available, nil
}

// Get returns the current counters of a variant
func (l *StockLedger) Get(ctx context.Context, variantID string) (*models.Variant, error) {
	if err := validateID("variant_id", variantID); err != nil {
		return nil, err
	}
	return l.stock.GetVariant(ctx, variantID)
}

func (l *StockLedger) observe(op, variantID, sessionID string, requested, moved int) {
	switch op {
	case "release":
		util.StockReleasedTotal.Add(float64(moved))
	case "commit":
		util.StockCommittedTotal.Add(float64(moved))
	}
	if moved < requested {
		util.StockAnomaliesTotal.WithLabelValues(op).Inc()
		l.logger.Warn("Stock anomaly: quantity clamped to reserved",
			zap.String("operation", op),
			zap.String("variant_id", variantID),
			zap.String("session_id", sessionID),
			zap.Int("requested", requested),
			zap.Int("moved", moved))
	}
}

// VariantLister lists every variant with its durable counters
type VariantLister interface {
	ListVariants(ctx context.Context) ([]models.Variant, error)
}

// StockSeeder copies counters into a secondary stock backend without
// overwriting keys that already exist there
type StockSeeder interface {
	SeedVariant(ctx context.Context, v models.Variant) (bool, error)
}

// SyncStockToRedis seeds the Redis stock backend from the database
func SyncStockToRedis(ctx context.Context, source VariantLister, seeder StockSeeder) error {
	logger := util.GetLogger()
	logger.Info("Starting stock sync to Redis")

	variants, err := source.ListVariants(ctx)
	if err != nil {
		return fmt.Errorf("failed to list variants: %w", err)
	}

	seeded := 0
	for _, v := range variants {
		ok, err := seeder.SeedVariant(ctx, v)
		if err != nil {
			logger.Error("Failed to seed variant",
				zap.String("variant_id", v.ID),
				zap.Error(err))
			continue
		}
		if ok {
			seeded++
		}
	}

	logger.Info("Stock sync completed", zap.Int("variants", len(variants)), zap.Int("seeded", seeded))
	return nil
}
