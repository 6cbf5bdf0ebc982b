package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"checkout-service/internal/models"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/webhook"
)

// ProviderName is stored with every webhook event
const ProviderName = "stripe"

// minProviderExpiry is the shortest session lifetime Stripe accepts
const minProviderExpiry = 30 * time.Minute

type StripeConfig struct {
	SecretKey        string
	WebhookSecret    string
	WebhookTolerance time.Duration
	SuccessURL       string
	CancelURL        string
	HTTPTimeout      time.Duration
}

// StripeGateway opens Stripe Checkout sessions and parses Stripe webhooks
type StripeGateway struct {
	sessions      session.Client
	webhookSecret string
	tolerance     time.Duration
	successURL    string
	cancelURL     string
	now           func() time.Time
}

// NewStripeGateway creates a gateway. Only the webhook secret is needed to
// verify and decode events.
func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(2),
	})

	return &StripeGateway{
		sessions:      session.Client{B: backend, Key: cfg.SecretKey},
		webhookSecret: cfg.WebhookSecret,
		tolerance:     tolerance,
		successURL:    cfg.SuccessURL,
		cancelURL:     cfg.CancelURL,
		now:           time.Now,
	}
}

// CreateSession opens a Checkout session. The checkout session id is used as
// idempotency key so a retried request never opens a second page.
func (g *StripeGateway) CreateSession(ctx context.Context, req SessionRequest) (*ProviderSession, error) {
	meta := req.Metadata()

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(g.successURL),
		CancelURL:         stripe.String(g.cancelURL),
		ClientReferenceID: stripe.String(req.SessionID),
		ExpiresAt:         stripe.Int64(g.providerExpiry(req.ExpiresAt).Unix()),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: meta,
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.SessionID)
	for k, v := range meta {
		params.AddMetadata(k, v)
	}

	currency := strings.ToLower(req.Currency)
	for _, it := range req.Items {
		name := it.Name
		if name == "" {
			name = it.VariantID
		}
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(currency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(name),
				},
				UnitAmount: stripe.Int64(ToMinor(it.UnitPrice)),
			},
			Quantity: stripe.Int64(int64(it.Quantity)),
		})
	}

	s, err := g.sessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe checkout session: %w", err)
	}
	return &ProviderSession{ID: s.ID, URL: s.URL}, nil
}

// providerExpiry never asks Stripe for less than its minimum lifetime
func (g *StripeGateway) providerExpiry(expiresAt time.Time) time.Time {
	floor := g.now().Add(minProviderExpiry)
	if expiresAt.Before(floor) {
		return floor
	}
	return expiresAt
}

// Verify checks the Stripe-Signature header against the webhook secret
func (g *StripeGateway) Verify(payload []byte, header string) error {
	if g.webhookSecret == "" {
		return fmt.Errorf("%w: webhook secret not configured", models.ErrInvalidSignature)
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, header, g.webhookSecret, g.tolerance); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidSignature, err)
	}
	return nil
}

// Identify reads just the event id and type, enough to store the event
func (g *StripeGateway) Identify(payload []byte) (string, string, error) {
	var head struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return "", "", fmt.Errorf("%w: malformed event: %v", models.ErrValidation, err)
	}
	if head.ID == "" {
		return "", "", fmt.Errorf("%w: event id missing", models.ErrValidation)
	}
	return head.ID, head.Type, nil
}

// Decode turns a Stripe event payload into a PaymentEvent. It does not check
// the signature; stored payloads were verified on receipt.
func (g *StripeGateway) Decode(payload []byte) (*models.PaymentEvent, error) {
	var evt stripe.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("decode stripe event: %w", err)
	}
	if evt.ID == "" {
		return nil, fmt.Errorf("decode stripe event: missing id")
	}

	pe := &models.PaymentEvent{
		ProviderEventID: evt.ID,
		Type:            string(evt.Type),
		Kind:            kindOf(evt.Type),
		OccurredAt:      time.Unix(evt.Created, 0).UTC(),
	}
	if pe.Kind == models.PaymentIgnored {
		return pe, nil
	}
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return nil, fmt.Errorf("decode stripe event %s: missing data object", evt.ID)
	}

	switch {
	case strings.HasPrefix(pe.Type, "checkout.session."):
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &cs); err != nil {
			return nil, fmt.Errorf("decode checkout session of %s: %w", evt.ID, err)
		}
		pe.ProviderSessionID = cs.ID
		pe.CheckoutSessionID = cs.Metadata[MetadataSessionID]
		if pe.CheckoutSessionID == "" {
			pe.CheckoutSessionID = cs.ClientReferenceID
		}
		pe.AmountMinor = cs.AmountTotal
		pe.Currency = string(cs.Currency)
		pe.HasAmount = cs.Currency != ""
		// Delayed payment methods complete the session before the money
		// arrives; async_payment_succeeded follows.
		if pe.Type == "checkout.session.completed" && cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
			pe.Kind = models.PaymentIgnored
		}
	case strings.HasPrefix(pe.Type, "payment_intent."):
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent of %s: %w", evt.ID, err)
		}
		pe.CheckoutSessionID = pi.Metadata[MetadataSessionID]
		pe.AmountMinor = pi.Amount
		pe.Currency = string(pi.Currency)
		pe.HasAmount = pi.Currency != ""
	}

	if pe.SessionRef() == "" {
		return nil, fmt.Errorf("stripe event %s carries no session reference", evt.ID)
	}
	return pe, nil
}

func kindOf(t stripe.EventType) models.PaymentEventKind {
	switch t {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		return models.PaymentCompleted
	case "checkout.session.expired", "checkout.session.async_payment_failed",
		"payment_intent.payment_failed", "payment_intent.canceled":
		return models.PaymentFailed
	default:
		return models.PaymentIgnored
	}
}
