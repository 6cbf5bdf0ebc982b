package service

import (
	"context"
	"time"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/payments"
)

// StockStore applies atomic counter updates to a variant. Release and commit
// clamp to the reserved quantity and report how many units actually moved.
// Restock reports false, with the unchanged available quantity, when a
// negative qty would take available stock below zero.
type StockStore interface {
	GetVariant(ctx context.Context, variantID string) (*models.Variant, error)
	Reserve(ctx context.Context, variantID string, qty int) (bool, error)
	Restock(ctx context.Context, variantID string, qty int) (int, bool, error)
	Release(ctx context.Context, variantID string, qty int) (int, error)
	ReleaseForSession(ctx context.Context, variantID string, qty int, sessionID string) (bool, int, error)
	Commit(ctx context.Context, variantID string, qty int, sessionID string) (bool, int, error)
}

// Catalog is the read side of the product catalog
type Catalog interface {
	GetVariant(ctx context.Context, variantID string) (*models.Variant, error)
}

// CartMutation receives the locked cart and its current line for a variant
// (nil when absent) and returns the desired line, or nil to remove it.
type CartMutation func(cart *models.Cart, current *models.CartItem) (*models.CartItem, error)

type CartRepository interface {
	CreateCart(ctx context.Context, cart *models.Cart) error
	GetCart(ctx context.Context, cartID string) (*models.Cart, error)
	MutateCartItem(ctx context.Context, cartID, variantID string, fn CartMutation) (*models.Cart, error)
	FreezeCart(ctx context.Context, cartID string) (*models.Cart, error)
	ReopenCart(ctx context.Context, cartID string, clearItems bool) (bool, error)
	CloseCart(ctx context.Context, cartID string) (bool, error)
}

type SessionRepository interface {
	CreateSession(ctx context.Context, session *models.CheckoutSession) error
	GetSession(ctx context.Context, sessionID string) (*models.CheckoutSession, error)
	GetSessionByProviderID(ctx context.Context, providerSessionID string) (*models.CheckoutSession, error)
	SetProviderSession(ctx context.Context, sessionID, providerSessionID, redirectURL string) error
	TransitionSession(ctx context.Context, sessionID string, from, to models.SessionStatus) (bool, error)
	ExpireSession(ctx context.Context, sessionID string, now time.Time) (bool, error)
	AbandonSession(ctx context.Context, sessionID string, at time.Time) (bool, error)
	FinalizeSession(ctx context.Context, sessionID string, at time.Time) error
	ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]models.CheckoutSession, error)
	ListUnfinalizedSessions(ctx context.Context, before time.Time, limit int) ([]models.CheckoutSession, error)
}

type WebhookRepository interface {
	InsertWebhookEvent(ctx context.Context, event *models.WebhookEvent) (models.InsertResult, error)
	GetWebhookEvent(ctx context.Context, id string) (*models.WebhookEvent, error)
	RecordWebhookAttempt(ctx context.Context, id, lastError string, at time.Time) error
	MarkWebhookProcessed(ctx context.Context, id string, at time.Time) (bool, error)
	MarkWebhookFailed(ctx context.Context, id, reason string, at time.Time) (bool, error)
	ResetWebhookEvent(ctx context.Context, id string) (bool, error)
	ListStaleWebhookEvents(ctx context.Context, before time.Time, limit int) ([]models.WebhookEvent, error)
	ListFailedWebhookEvents(ctx context.Context, limit int) ([]models.WebhookEvent, error)
}

type OrderRepository interface {
	CreateOrder(ctx context.Context, order *models.Order) (models.InsertResult, error)
	GetOrderBySession(ctx context.Context, sessionID string) (*models.Order, error)
}

// AuditRepository keeps the per-session audit trail. Recording the same
// session, type and provider event twice is a duplicate, not an error.
type AuditRepository interface {
	RecordAudit(ctx context.Context, e *models.AuditEvent) (models.InsertResult, error)
	ListAuditEvents(ctx context.Context, sessionID string) ([]models.AuditEvent, error)
}

// PaymentProvider opens hosted payment sessions
type PaymentProvider interface {
	CreateSession(ctx context.Context, req payments.SessionRequest) (*payments.ProviderSession, error)
}

// WebhookParser authenticates and decodes provider notifications
type WebhookParser interface {
	Verify(payload []byte, header string) error
	Identify(payload []byte) (eventID, eventType string, err error)
	Decode(payload []byte) (*models.PaymentEvent, error)
}

// Enqueuer hands fulfillment work to the queue
type Enqueuer interface {
	Enqueue(ctx context.Context, msg broker.Message) error
}
