package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/payments"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type CheckoutConfig struct {
	ReservationTTL  time.Duration
	ProviderTimeout time.Duration
	Currency        string
}

// BeginResult tells the shopper where to pay
type BeginResult struct {
	SessionID   string    `json:"session_id"`
	RedirectURL string    `json:"redirect_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// CompletionOutcome describes what a payment-completed event led to
type CompletionOutcome string

const (
	OutcomeCompleted      CompletionOutcome = "completed"
	OutcomeAlreadyDone    CompletionOutcome = "already_completed"
	OutcomeLatePayment    CompletionOutcome = "late_payment"
	OutcomeAmountMismatch CompletionOutcome = "amount_mismatch"
)

// CheckoutService owns the checkout session lifecycle. Terminal transitions
// are claimed with a conditional status update first; the stock and cart side
// effects that follow are idempotent and the session is marked finalized once
// they are all done.
type CheckoutService struct {
	carts    CartRepository
	sessions SessionRepository
	orders   OrderRepository
	audit    AuditRepository
	catalog  Catalog
	ledger   *StockLedger
	provider PaymentProvider
	cfg      CheckoutConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(
	carts CartRepository,
	sessions SessionRepository,
	orders OrderRepository,
	audit AuditRepository,
	catalog Catalog,
	ledger *StockLedger,
	provider PaymentProvider,
	cfg CheckoutConfig,
) *CheckoutService {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 30 * time.Minute
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	if cfg.Currency == "" {
		cfg.Currency = "EUR"
	}
	return &CheckoutService{
		carts:    carts,
		sessions: sessions,
		orders:   orders,
		audit:    audit,
		catalog:  catalog,
		ledger:   ledger,
		provider: provider,
		cfg:      cfg,
		logger:   util.GetLogger(),
		now:      time.Now,
	}
}

// SetClock replaces the time source
func (s *CheckoutService) SetClock(now func() time.Time) {
	s.now = now
}

// Begin freezes the cart, opens a session and asks the provider for a
// payment page. The cart's reservations carry over to the session as is.
func (s *CheckoutService) Begin(ctx context.Context, cartID string) (*BeginResult, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.Begin")
	defer span.End()

	if err := validateID("cart_id", cartID); err != nil {
		return nil, err
	}

	cart, err := s.carts.GetCart(ctx, cartID)
	if err != nil {
		return nil, util.SpanError(span, err)
	}
	if cart.Status != models.CartStatusOpen {
		return nil, fmt.Errorf("cart %s is %s: %w", cartID, cart.Status, models.ErrCartClosed)
	}
	if len(cart.Items) == 0 {
		return nil, fmt.Errorf("cart %s: %w", cartID, models.ErrCartEmpty)
	}

	frozen, err := s.carts.FreezeCart(ctx, cartID)
	if err != nil {
		return nil, util.SpanError(span, err)
	}

	snapshot, err := s.snapshot(ctx, frozen)
	if err != nil {
		s.reopen(ctx, cartID, false)
		return nil, util.SpanError(span, err)
	}

	now := s.now()
	session := &models.CheckoutSession{
		ID:          uuid.New().String(),
		CartID:      cartID,
		Items:       snapshot,
		TotalAmount: snapshot.Total(),
		Currency:    s.cfg.Currency,
		Status:      models.SessionStatusPending,
		ExpiresAt:   now.Add(s.cfg.ReservationTTL),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.sessions.CreateSession(ctx, session); err != nil {
		s.reopen(ctx, cartID, false)
		return nil, util.SpanError(span, err)
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	start := time.Now()
	ps, err := s.provider.CreateSession(pctx, payments.SessionRequest{
		SessionID: session.ID,
		CartID:    cartID,
		Items:     snapshot,
		Currency:  session.Currency,
		ExpiresAt: session.ExpiresAt,
	})
	cancel()
	util.ProviderLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		util.ProviderFailuresTotal.Inc()
		s.logger.Error("Payment provider failed, rolling cart back",
			zap.String("cart_id", cartID),
			zap.String("session_id", session.ID),
			zap.Error(err))
		s.abandon(ctx, session)
		return nil, util.SpanError(span, fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err))
	}

	if err := s.sessions.SetProviderSession(ctx, session.ID, ps.ID, ps.URL); err != nil {
		// The event metadata carries our session id, so fulfillment still
		// resolves the session without the provider id.
		s.logger.Error("Failed to persist provider session",
			zap.String("session_id", session.ID),
			zap.String("provider_session_id", ps.ID),
			zap.Error(err))
	}

	util.CheckoutSessionsStarted.Inc()
	s.logger.Info("Checkout session opened",
		zap.String("session_id", session.ID),
		zap.String("cart_id", cartID),
		zap.String("total", session.TotalAmount.StringFixed(2)),
		zap.Time("expires_at", session.ExpiresAt))

	return &BeginResult{
		SessionID:   session.ID,
		RedirectURL: ps.URL,
		ExpiresAt:   session.ExpiresAt,
	}, nil
}

// snapshot copies the cart lines with the catalog price of this instant
func (s *CheckoutService) snapshot(ctx context.Context, cart *models.Cart) (models.Snapshot, error) {
	if len(cart.Items) == 0 {
		return nil, fmt.Errorf("cart %s: %w", cart.ID, models.ErrCartEmpty)
	}
	snap := make(models.Snapshot, 0, len(cart.Items))
	for _, it := range cart.Items {
		v, err := s.catalog.GetVariant(ctx, it.VariantID)
		if err != nil {
			return nil, fmt.Errorf("price lookup for %s: %w", it.VariantID, err)
		}
		snap = append(snap, models.SnapshotItem{
			VariantID: it.VariantID,
			Name:      v.Name,
			Quantity:  it.Quantity,
			UnitPrice: v.UnitPrice,
		})
	}
	return snap, nil
}

// abandon closes a session whose provider page never opened. The stock stays
// with the cart, which goes back to OPEN untouched.
func (s *CheckoutService) abandon(ctx context.Context, session *models.CheckoutSession) {
	abandoned, err := s.sessions.AbandonSession(ctx, session.ID, s.now())
	if err != nil {
		s.logger.Error("Failed to abandon session",
			zap.String("session_id", session.ID),
			zap.Error(err))
		return
	}
	if abandoned {
		s.note(ctx, session.ID, models.AuditSessionCancelled, "", models.AuditMetadata{"reason": "provider unavailable"})
	}
	s.reopen(ctx, session.CartID, false)
}

func (s *CheckoutService) reopen(ctx context.Context, cartID string, clearItems bool) {
	if _, err := s.carts.ReopenCart(ctx, cartID, clearItems); err != nil {
		s.logger.Error("Failed to reopen cart",
			zap.String("cart_id", cartID),
			zap.Error(err))
	}
}

// Get returns a session. A session whose reservation has lapsed is returned
// together with ErrSessionExpired.
func (s *CheckoutService) Get(ctx context.Context, sessionID string) (*models.CheckoutSession, error) {
	if err := validateID("session_id", sessionID); err != nil {
		return nil, err
	}
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == models.SessionStatusExpired ||
		(session.Status == models.SessionStatusPending && session.ExpiredAt(s.now())) {
		return session, fmt.Errorf("session %s: %w", sessionID, models.ErrSessionExpired)
	}
	return session, nil
}

// Expire ends a PENDING session whose reservation window has passed and gives
// its stock back. It reports false when there was nothing to do.
func (s *CheckoutService) Expire(ctx context.Context, sessionID string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.Expire")
	defer span.End()

	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return false, util.SpanError(span, err)
	}
	now := s.now()
	if session.Status != models.SessionStatusPending || !session.ExpiredAt(now) {
		return false, nil
	}

	claimed, err := s.sessions.ExpireSession(ctx, sessionID, now)
	if err != nil || !claimed {
		return false, util.SpanError(span, err)
	}
	session.Status = models.SessionStatusExpired

	util.CheckoutSessionsFinished.WithLabelValues(string(models.SessionStatusExpired)).Inc()
	s.logger.Info("Checkout session expired", zap.String("session_id", sessionID))
	s.note(ctx, sessionID, models.AuditSessionExpired, "", models.AuditMetadata{
		"expires_at": session.ExpiresAt.UTC().Format(time.RFC3339),
	})
	return true, util.SpanError(span, s.releaseSession(ctx, session))
}

// Cancel ends a PENDING session and gives its stock back. Cancelling a
// session that is already terminal is a no-op.
func (s *CheckoutService) Cancel(ctx context.Context, sessionID, reason string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.Cancel")
	defer span.End()

	if err := validateID("session_id", sessionID); err != nil {
		return false, err
	}
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return false, util.SpanError(span, err)
	}
	if session.Status.IsTerminal() {
		return false, nil
	}

	claimed, err := s.sessions.TransitionSession(ctx, sessionID, models.SessionStatusPending, models.SessionStatusCancelled)
	if err != nil || !claimed {
		return false, util.SpanError(span, err)
	}
	session.Status = models.SessionStatusCancelled

	util.CheckoutSessionsFinished.WithLabelValues(string(models.SessionStatusCancelled)).Inc()
	s.logger.Info("Checkout session cancelled",
		zap.String("session_id", sessionID),
		zap.String("reason", reason))
	s.note(ctx, sessionID, models.AuditSessionCancelled, "", models.AuditMetadata{"reason": reason})
	return true, util.SpanError(span, s.releaseSession(ctx, session))
}

// releaseSession returns every snapshot line to available stock, reopens the
// cart empty and finalizes the session. Safe to repeat.
func (s *CheckoutService) releaseSession(ctx context.Context, session *models.CheckoutSession) error {
	for _, it := range session.Items {
		if err := s.ledger.ReleaseForSession(ctx, it.VariantID, it.Quantity, session.ID); err != nil {
			return err
		}
	}
	if _, err := s.carts.ReopenCart(ctx, session.CartID, true); err != nil {
		return fmt.Errorf("reopen cart %s: %w", session.CartID, err)
	}
	if err := s.record(ctx, session.ID, models.AuditInventoryReleased, "", models.AuditMetadata{
		"status": string(session.Status),
		"lines":  strconv.Itoa(len(session.Items)),
	}); err != nil {
		return err
	}
	return s.sessions.FinalizeSession(ctx, session.ID, s.now())
}

// Complete turns a paid session into an order and sells its stock
func (s *CheckoutService) Complete(ctx context.Context, session *models.CheckoutSession, payment *models.PaymentEvent) (CompletionOutcome, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.Complete")
	defer span.End()

	if session.Status == models.SessionStatusPending {
		if !s.amountMatches(session, payment) {
			util.PaymentMismatchesTotal.Inc()
			s.logger.Warn("Payment amount does not match snapshot, cancelling session",
				zap.String("session_id", session.ID),
				zap.String("expected", session.TotalAmount.StringFixed(2)),
				zap.String("expected_currency", session.Currency),
				zap.Int64("paid_minor", payment.AmountMinor),
				zap.String("paid_currency", payment.Currency))
			if err := s.record(ctx, session.ID, models.AuditPaymentVerificationFailed, payment.ProviderEventID, models.AuditMetadata{
				"expected":          session.TotalAmount.StringFixed(2),
				"expected_currency": session.Currency,
				"paid_minor":        strconv.FormatInt(payment.AmountMinor, 10),
				"paid_currency":     payment.Currency,
			}); err != nil {
				return "", util.SpanError(span, err)
			}
			if _, err := s.Cancel(ctx, session.ID, "amount mismatch"); err != nil {
				return "", util.SpanError(span, err)
			}
			return OutcomeAmountMismatch, nil
		}

		claimed, err := s.sessions.TransitionSession(ctx, session.ID, models.SessionStatusPending, models.SessionStatusCompleted)
		if err != nil {
			return "", util.SpanError(span, err)
		}
		if !claimed {
			if session, err = s.sessions.GetSession(ctx, session.ID); err != nil {
				return "", util.SpanError(span, err)
			}
		} else {
			session.Status = models.SessionStatusCompleted
			util.CheckoutSessionsFinished.WithLabelValues(string(models.SessionStatusCompleted)).Inc()
			meta := models.AuditMetadata{"currency": session.Currency}
			if payment.HasAmount {
				meta["amount_minor"] = strconv.FormatInt(payment.AmountMinor, 10)
			}
			s.note(ctx, session.ID, models.AuditPaymentVerified, payment.ProviderEventID, meta)
		}
	}

	switch session.Status {
	case models.SessionStatusCompleted:
	case models.SessionStatusExpired, models.SessionStatusCancelled:
		util.LatePaymentsTotal.Inc()
		s.logger.Error("Payment completed for a closed session, needs refund",
			zap.String("session_id", session.ID),
			zap.String("status", string(session.Status)),
			zap.String("provider_event_id", payment.ProviderEventID))
		if err := s.record(ctx, session.ID, models.AuditLatePayment, payment.ProviderEventID, models.AuditMetadata{
			"status": string(session.Status),
		}); err != nil {
			return "", util.SpanError(span, err)
		}
		return OutcomeLatePayment, nil
	default:
		return "", fmt.Errorf("session %s in unexpected status %s", session.ID, session.Status)
	}

	if session.FinalizedAt != nil {
		return OutcomeAlreadyDone, nil
	}
	created, err := s.finalizeCompleted(ctx, session)
	if err != nil {
		return "", util.SpanError(span, err)
	}
	if !created {
		return OutcomeAlreadyDone, nil
	}
	return OutcomeCompleted, nil
}

// finalizeCompleted inserts the order, commits each line, closes the cart and
// finalizes the session. Every step is a no-op when repeated. It reports
// whether this call created the order.
func (s *CheckoutService) finalizeCompleted(ctx context.Context, session *models.CheckoutSession) (bool, error) {
	order := &models.Order{
		ID:                uuid.New().String(),
		CartID:            session.CartID,
		CheckoutSessionID: session.ID,
		Status:            models.OrderStatusCreated,
		TotalAmount:       session.TotalAmount,
		Currency:          session.Currency,
		CreatedAt:         s.now(),
	}
	res, err := s.orders.CreateOrder(ctx, order)
	if err != nil {
		return false, err
	}
	if res == models.InsertCreated {
		util.OrdersCreatedTotal.Inc()
		s.logger.Info("Order created",
			zap.String("order_id", order.ID),
			zap.String("session_id", session.ID))
	} else {
		existing, err := s.orders.GetOrderBySession(ctx, session.ID)
		if err != nil {
			return false, err
		}
		order = existing
	}

	for _, it := range session.Items {
		if err := s.ledger.Commit(ctx, it.VariantID, it.Quantity, session.ID); err != nil {
			return false, err
		}
	}
	if _, err := s.carts.CloseCart(ctx, session.CartID); err != nil {
		return false, fmt.Errorf("close cart %s: %w", session.CartID, err)
	}
	if err := s.record(ctx, session.ID, models.AuditInventoryConfirmed, "", models.AuditMetadata{
		"order_id": order.ID,
		"lines":    strconv.Itoa(len(session.Items)),
	}); err != nil {
		return false, err
	}
	return res == models.InsertCreated, s.sessions.FinalizeSession(ctx, session.ID, s.now())
}

// record appends to a session's audit trail. Repeats are no-ops, so steps
// that record before finalizing fill in any missing row on retry.
func (s *CheckoutService) record(ctx context.Context, sessionID string, typ models.AuditEventType, providerEventID string, meta models.AuditMetadata) error {
	_, err := s.audit.RecordAudit(ctx, &models.AuditEvent{
		ID:              uuid.New().String(),
		SessionID:       sessionID,
		EventType:       typ,
		ProviderEventID: providerEventID,
		Metadata:        meta,
		CreatedAt:       s.now(),
	})
	if err != nil {
		return fmt.Errorf("audit %s for session %s: %w", typ, sessionID, err)
	}
	return nil
}

// note records an audit row for a transition that has already been claimed.
// The claim cannot be undone, so a failure is only logged.
func (s *CheckoutService) note(ctx context.Context, sessionID string, typ models.AuditEventType, providerEventID string, meta models.AuditMetadata) {
	if err := s.record(ctx, sessionID, typ, providerEventID, meta); err != nil {
		s.logger.Error("Failed to record audit event",
			zap.String("session_id", sessionID),
			zap.String("event_type", string(typ)),
			zap.Error(err))
	}
}

// AuditTrail returns a session's recorded history, oldest first
func (s *CheckoutService) AuditTrail(ctx context.Context, sessionID string) ([]models.AuditEvent, error) {
	if err := validateID("session_id", sessionID); err != nil {
		return nil, err
	}
	if _, err := s.sessions.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.audit.ListAuditEvents(ctx, sessionID)
}

// Repair re-runs the side effects of a terminal session that never finished
func (s *CheckoutService) Repair(ctx context.Context, session *models.CheckoutSession) error {
	if session.FinalizedAt != nil {
		return nil
	}
	switch session.Status {
	case models.SessionStatusCompleted:
		_, err := s.finalizeCompleted(ctx, session)
		return err
	case models.SessionStatusExpired, models.SessionStatusCancelled:
		return s.releaseSession(ctx, session)
	default:
		return nil
	}
}

func (s *CheckoutService) amountMatches(session *models.CheckoutSession, payment *models.PaymentEvent) bool {
	if !payment.HasAmount {
		return true
	}
	return payment.AmountMinor == payments.ToMinor(session.TotalAmount) &&
		strings.EqualFold(payment.Currency, session.Currency)
}

// IsUserError reports whether err should be shown to the shopper as is
func IsUserError(err error) bool {
	for _, kind := range []error{
		models.ErrValidation,
		models.ErrInsufficientStock,
		models.ErrCartClosed,
		models.ErrCartEmpty,
		models.ErrSessionExpired,
		models.ErrNotFound,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
