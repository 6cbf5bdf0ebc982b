// Package memstore is an in-memory implementation of the repository
// interfaces with the same conditional-update semantics as the Postgres
// store. It backs unit tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/service"
)

type ledgerKey struct {
	variantID string
	sessionID string
	kind      string
}

type Store struct {
	mu sync.Mutex

	variants map[string]*models.Variant
	ledger   map[ledgerKey]int
	carts    map[string]*models.Cart
	sessions map[string]*models.CheckoutSession
	events   map[string]*models.WebhookEvent
	orders   map[string]*models.Order
	audit    []models.AuditEvent

	cartLocks map[string]*sync.Mutex

	// failures injected per operation name, consumed once
	failures map[string]error
}

// New creates an empty store
func New() *Store {
	return &Store{
		variants:  make(map[string]*models.Variant),
		ledger:    make(map[ledgerKey]int),
		carts:     make(map[string]*models.Cart),
		sessions:  make(map[string]*models.CheckoutSession),
		events:    make(map[string]*models.WebhookEvent),
		orders:    make(map[string]*models.Order),
		cartLocks: make(map[string]*sync.Mutex),
		failures:  make(map[string]error),
	}
}

// FailNext makes the next call to op return err
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

func (s *Store) injected(op string) error {
	if err, ok := s.failures[op]; ok {
		delete(s.failures, op)
		return err
	}
	return nil
}

// PutVariant inserts or replaces a variant
func (s *Store) PutVariant(v models.Variant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := v
	s.variants[v.ID] = &cp
}

// Stock

func (s *Store) GetVariant(ctx context.Context, variantID string) (*models.Variant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variants[variantID]
	if !ok {
		return nil, fmt.Errorf("variant %s: %w", variantID, models.ErrNotFound)
	}
	cp := *v
	return &cp, nil
}

func (s *Store) ListVariants(ctx context.Context) ([]models.Variant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Variant, 0, len(s.variants))
	for _, v := range s.variants {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Reserve(ctx context.Context, variantID string, qty int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("Reserve"); err != nil {
		return false, err
	}
	v, ok := s.variants[variantID]
	if !ok {
		return false, fmt.Errorf("variant %s: %w", variantID, models.ErrNotFound)
	}
	if v.AvailableQuantity < qty {
		return false, nil
	}
	v.AvailableQuantity -= qty
	v.ReservedQuantity += qty
	return true, nil
}

func (s *Store) Restock(ctx context.Context, variantID string, qty int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("Restock"); err != nil {
		return 0, false, err
	}
	v, ok := s.variants[variantID]
	if !ok {
		return 0, false, fmt.Errorf("variant %s: %w", variantID, models.ErrNotFound)
	}
	if v.AvailableQuantity+qty < 0 {
		return v.AvailableQuantity, false, nil
	}
	v.AvailableQuantity += qty
	return v.AvailableQuantity, true, nil
}

func (s *Store) Release(ctx context.Context, variantID string, qty int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("Release"); err != nil {
		return 0, err
	}
	return s.release(variantID, qty)
}

func (s *Store) release(variantID string, qty int) (int, error) {
	v, ok := s.variants[variantID]
	if !ok {
		return 0, fmt.Errorf("variant %s: %w", variantID, models.ErrNotFound)
	}
	n := min(qty, v.ReservedQuantity)
	v.ReservedQuantity -= n
	v.AvailableQuantity += n
	return n, nil
}

func (s *Store) ReleaseForSession(ctx context.Context, variantID string, qty int, sessionID string) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ReleaseForSession"); err != nil {
		return false, 0, err
	}
	key := ledgerKey{variantID, sessionID, "release"}
	if _, done := s.ledger[key]; done {
		return false, 0, nil
	}
	n, err := s.release(variantID, qty)
	if err != nil {
		return false, 0, err
	}
	s.ledger[key] = n
	return true, n, nil
}

func (s *Store) Commit(ctx context.Context, variantID string, qty int, sessionID string) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("Commit"); err != nil {
		return false, 0, err
	}
	key := ledgerKey{variantID, sessionID, "commit"}
	if _, done := s.ledger[key]; done {
		return false, 0, nil
	}
	v, ok := s.variants[variantID]
	if !ok {
		return false, 0, fmt.Errorf("variant %s: %w", variantID, models.ErrNotFound)
	}
	n := min(qty, v.ReservedQuantity)
	v.ReservedQuantity -= n
	v.CommittedQuantity += n
	s.ledger[key] = n
	return true, n, nil
}

// Carts

func copyCart(c *models.Cart) *models.Cart {
	cp := *c
	cp.Items = append([]models.CartItem(nil), c.Items...)
	return &cp
}

func (s *Store) CreateCart(ctx context.Context, cart *models.Cart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.carts[cart.ID]; exists {
		return fmt.Errorf("cart %s already exists", cart.ID)
	}
	s.carts[cart.ID] = copyCart(cart)
	return nil
}

func (s *Store) GetCart(ctx context.Context, cartID string) (*models.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.carts[cartID]
	if !ok {
		return nil, fmt.Errorf("cart %s: %w", cartID, models.ErrNotFound)
	}
	return copyCart(c), nil
}

func (s *Store) lockCart(cartID string) *sync.Mutex {
	s.mu.Lock()
	l, ok := s.cartLocks[cartID]
	if !ok {
		l = &sync.Mutex{}
		s.cartLocks[cartID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l
}

// MutateCartItem serializes mutations of one cart through a per-cart lock,
// the way the row lock does in Postgres. The store lock is not held while fn
// runs.
func (s *Store) MutateCartItem(ctx context.Context, cartID, variantID string, fn service.CartMutation) (*models.Cart, error) {
	l := s.lockCart(cartID)
	defer l.Unlock()

	s.mu.Lock()
	c, ok := s.carts[cartID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("cart %s: %w", cartID, models.ErrNotFound)
	}
	view := copyCart(c)
	s.mu.Unlock()

	next, err := fn(view, view.Item(variantID))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("MutateCartItem"); err != nil {
		return nil, err
	}

	items := make([]models.CartItem, 0, len(c.Items)+1)
	replaced := false
	for _, it := range c.Items {
		if it.VariantID != variantID {
			items = append(items, it)
			continue
		}
		if next != nil {
			items = append(items, *next)
		}
		replaced = true
	}
	if !replaced && next != nil {
		items = append(items, *next)
	}
	c.Items = items
	c.UpdatedAt = time.Now()
	return copyCart(c), nil
}

func (s *Store) FreezeCart(ctx context.Context, cartID string) (*models.Cart, error) {
	l := s.lockCart(cartID)
	defer l.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.carts[cartID]
	if !ok {
		return nil, fmt.Errorf("cart %s: %w", cartID, models.ErrNotFound)
	}
	if c.Status != models.CartStatusOpen {
		return nil, fmt.Errorf("cart %s is %s: %w", cartID, c.Status, models.ErrCartClosed)
	}
	c.Status = models.CartStatusCheckingOut
	c.UpdatedAt = time.Now()
	return copyCart(c), nil
}

func (s *Store) ReopenCart(ctx context.Context, cartID string, clearItems bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.carts[cartID]
	if !ok || c.Status != models.CartStatusCheckingOut {
		return false, nil
	}
	c.Status = models.CartStatusOpen
	if clearItems {
		c.Items = nil
	}
	c.UpdatedAt = time.Now()
	return true, nil
}

func (s *Store) CloseCart(ctx context.Context, cartID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CloseCart"); err != nil {
		return false, err
	}
	c, ok := s.carts[cartID]
	if !ok || !c.Status.CanTransition(models.CartStatusClosed) {
		return false, nil
	}
	c.Status = models.CartStatusClosed
	c.UpdatedAt = time.Now()
	return true, nil
}

// Sessions

func copySession(cs *models.CheckoutSession) *models.CheckoutSession {
	cp := *cs
	cp.Items = append(models.Snapshot(nil), cs.Items...)
	if cs.FinalizedAt != nil {
		at := *cs.FinalizedAt
		cp.FinalizedAt = &at
	}
	return &cp
}

func (s *Store) CreateSession(ctx context.Context, session *models.CheckoutSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateSession"); err != nil {
		return err
	}
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	for _, cs := range s.sessions {
		if cs.CartID == session.CartID && cs.Status == models.SessionStatusPending {
			return fmt.Errorf("cart %s already has a pending session: %w", session.CartID, models.ErrCartClosed)
		}
	}
	s.sessions[session.ID] = copySession(session)
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	return copySession(cs), nil
}

func (s *Store) GetSessionByProviderID(ctx context.Context, providerSessionID string) (*models.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cs := range s.sessions {
		if providerSessionID != "" && cs.ProviderSessionID == providerSessionID {
			return copySession(cs), nil
		}
	}
	return nil, fmt.Errorf("provider session %s: %w", providerSessionID, models.ErrNotFound)
}

func (s *Store) SetProviderSession(ctx context.Context, sessionID, providerSessionID, redirectURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	cs.ProviderSessionID = providerSessionID
	cs.RedirectURL = redirectURL
	cs.UpdatedAt = time.Now()
	return nil
}

func (s *Store) TransitionSession(ctx context.Context, sessionID string, from, to models.SessionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("TransitionSession"); err != nil {
		return false, err
	}
	cs, ok := s.sessions[sessionID]
	if !ok || cs.Status != from {
		return false, nil
	}
	cs.Status = to
	cs.UpdatedAt = time.Now()
	return true, nil
}

func (s *Store) ExpireSession(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[sessionID]
	if !ok || cs.Status != models.SessionStatusPending || !cs.ExpiredAt(now) {
		return false, nil
	}
	cs.Status = models.SessionStatusExpired
	cs.UpdatedAt = now
	return true, nil
}

func (s *Store) AbandonSession(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[sessionID]
	if !ok || cs.Status != models.SessionStatusPending {
		return false, nil
	}
	cs.Status = models.SessionStatusCancelled
	cs.FinalizedAt = &at
	cs.UpdatedAt = at
	return true, nil
}

func (s *Store) FinalizeSession(ctx context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("FinalizeSession"); err != nil {
		return err
	}
	cs, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	if cs.FinalizedAt == nil {
		cs.FinalizedAt = &at
	}
	return nil
}

func (s *Store) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]models.CheckoutSession, error) {
	return s.listSessions(limit, func(cs *models.CheckoutSession) bool {
		return cs.Status == models.SessionStatusPending && cs.ExpiresAt.Before(now)
	}), nil
}

func (s *Store) ListUnfinalizedSessions(ctx context.Context, before time.Time, limit int) ([]models.CheckoutSession, error) {
	return s.listSessions(limit, func(cs *models.CheckoutSession) bool {
		return cs.Status.IsTerminal() && cs.FinalizedAt == nil && cs.UpdatedAt.Before(before)
	}), nil
}

func (s *Store) listSessions(limit int, match func(*models.CheckoutSession) bool) []models.CheckoutSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CheckoutSession
	for _, cs := range s.sessions {
		if match(cs) {
			out = append(out, *copySession(cs))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Webhook events

func (s *Store) InsertWebhookEvent(ctx context.Context, event *models.WebhookEvent) (models.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("InsertWebhookEvent"); err != nil {
		return 0, err
	}
	for _, e := range s.events {
		if e.Provider == event.Provider && e.ProviderEventID == event.ProviderEventID {
			return models.InsertDuplicate, nil
		}
	}
	cp := *event
	s.events[event.ID] = &cp
	return models.InsertCreated, nil
}

func (s *Store) GetWebhookEvent(ctx context.Context, id string) (*models.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("webhook event %s: %w", id, models.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

// Events returns every stored webhook event
func (s *Store) Events() []models.WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.WebhookEvent, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, *e)
	}
	return out
}

func (s *Store) RecordWebhookAttempt(ctx context.Context, id, lastError string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return fmt.Errorf("webhook event %s: %w", id, models.ErrNotFound)
	}
	e.Attempts++
	e.LastError = lastError
	e.LastAttemptAt = &at
	return nil
}

func (s *Store) MarkWebhookProcessed(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.finishEvent(id, models.ProcessingProcessed, "", at)
}

func (s *Store) MarkWebhookFailed(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	return s.finishEvent(id, models.ProcessingFailed, reason, at)
}

func (s *Store) finishEvent(id string, status models.ProcessingStatus, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("finishEvent"); err != nil {
		return false, err
	}
	e, ok := s.events[id]
	if !ok || e.ProcessingStatus != models.ProcessingPending {
		return false, nil
	}
	e.ProcessingStatus = status
	e.ProcessedAt = &at
	if reason != "" {
		e.LastError = reason
	}
	return true, nil
}

func (s *Store) ResetWebhookEvent(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok || e.ProcessingStatus != models.ProcessingFailed {
		return false, nil
	}
	e.ProcessingStatus = models.ProcessingPending
	e.ProcessedAt = nil
	e.Attempts = 0
	return true, nil
}

func (s *Store) ListStaleWebhookEvents(ctx context.Context, before time.Time, limit int) ([]models.WebhookEvent, error) {
	return s.listEvents(limit, func(e *models.WebhookEvent) bool {
		return e.ProcessingStatus == models.ProcessingPending && e.ReceivedAt.Before(before) &&
			(e.LastAttemptAt == nil || e.LastAttemptAt.Before(before))
	}), nil
}

func (s *Store) ListFailedWebhookEvents(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	return s.listEvents(limit, func(e *models.WebhookEvent) bool {
		return e.ProcessingStatus == models.ProcessingFailed
	}), nil
}

func (s *Store) listEvents(limit int, match func(*models.WebhookEvent) bool) []models.WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.WebhookEvent
	for _, e := range s.events {
		if match(e) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Orders

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) (models.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateOrder"); err != nil {
		return 0, err
	}
	for _, o := range s.orders {
		if o.CheckoutSessionID == order.CheckoutSessionID {
			return models.InsertDuplicate, nil
		}
	}
	cp := *order
	s.orders[order.ID] = &cp
	return models.InsertCreated, nil
}

func (s *Store) GetOrderBySession(ctx context.Context, sessionID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.CheckoutSessionID == sessionID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("order for session %s: %w", sessionID, models.ErrNotFound)
}

// OrderCount returns the number of stored orders
func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// Audit

func (s *Store) RecordAudit(ctx context.Context, e *models.AuditEvent) (models.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("RecordAudit"); err != nil {
		return 0, err
	}
	for _, a := range s.audit {
		if a.SessionID == e.SessionID && a.EventType == e.EventType && a.ProviderEventID == e.ProviderEventID {
			return models.InsertDuplicate, nil
		}
	}
	s.audit = append(s.audit, *e)
	return models.InsertCreated, nil
}

func (s *Store) ListAuditEvents(ctx context.Context, sessionID string) ([]models.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditEvent
	for _, a := range s.audit {
		if a.SessionID == sessionID {
			out = append(out, a)
		}
	}
	return out, nil
}

var (
	_ service.AuditRepository   = (*Store)(nil)
	_ service.StockStore        = (*Store)(nil)
	_ service.Catalog           = (*Store)(nil)
	_ service.CartRepository    = (*Store)(nil)
	_ service.SessionRepository = (*Store)(nil)
	_ service.WebhookRepository = (*Store)(nil)
	_ service.OrderRepository   = (*Store)(nil)
	_ service.VariantLister     = (*Store)(nil)
)
