package payments

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
)

// CheckoutEvent describes a checkout.session.* notification to fabricate
type CheckoutEvent struct {
	EventID           string
	Type              string
	ProviderSessionID string
	CheckoutSessionID string
	CartID            string
	AmountMinor       int64
	Currency          string
	Created           time.Time
}

// BuildCheckoutEvent renders e in Stripe's event envelope. Used to replay
// payments against a development server and in tests.
func BuildCheckoutEvent(e CheckoutEvent) ([]byte, error) {
	status := "paid"
	if e.Type != "checkout.session.completed" && e.Type != "checkout.session.async_payment_succeeded" {
		status = "unpaid"
	}
	created := e.Created
	if created.IsZero() {
		created = time.Now()
	}

	return json.Marshal(map[string]interface{}{
		"id":          e.EventID,
		"object":      "event",
		"type":        e.Type,
		"created":     created.Unix(),
		"api_version": stripe.APIVersion,
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":                  e.ProviderSessionID,
				"object":              "checkout.session",
				"amount_total":        e.AmountMinor,
				"currency":            strings.ToLower(e.Currency),
				"payment_status":      status,
				"client_reference_id": e.CheckoutSessionID,
				"metadata": map[string]string{
					MetadataSessionID: e.CheckoutSessionID,
					MetadataCartID:    e.CartID,
				},
			},
		},
	})
}
