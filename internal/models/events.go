package models

import "time"

type PaymentEventKind string

// Payment event kinds the fulfillment pipeline acts on
const (
	PaymentCompleted PaymentEventKind = "completed"
	PaymentFailed    PaymentEventKind = "failed"
	PaymentIgnored   PaymentEventKind = "ignored"
)

// PaymentEvent is a provider notification reduced to what fulfillment needs
type PaymentEvent struct {
	ProviderEventID   string
	Type              string
	Kind              PaymentEventKind
	CheckoutSessionID string
	ProviderSessionID string
	AmountMinor       int64
	Currency          string
	HasAmount         bool
	OccurredAt        time.Time
}

// SessionRef picks the best available session reference
func (e *PaymentEvent) SessionRef() string {
	if e.CheckoutSessionID != "" {
		return e.CheckoutSessionID
	}
	return e.ProviderSessionID
}
