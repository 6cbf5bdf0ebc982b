package payments

import (
	"context"
	"testing"
	"time"

	"checkout-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

func newTestGateway() *StripeGateway {
	return NewStripeGateway(StripeConfig{WebhookSecret: testSecret, WebhookTolerance: 5 * time.Minute})
}

func completedPayload(t *testing.T) []byte {
	t.Helper()
	payload, err := BuildCheckoutEvent(CheckoutEvent{
		EventID:           "evt_1",
		Type:              "checkout.session.completed",
		ProviderSessionID: "cs_test_1",
		CheckoutSessionID: "sess-1",
		CartID:            "cart-1",
		AmountMinor:       2599,
		Currency:          "EUR",
	})
	require.NoError(t, err)
	return payload
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	g := newTestGateway()
	payload := completedPayload(t)

	err := g.Verify(payload, SignPayload(payload, testSecret, time.Now()))
	assert.NoError(t, err)
}

func TestVerifyRejectsBadSignatures(t *testing.T) {
	g := newTestGateway()
	payload := completedPayload(t)

	cases := map[string]string{
		"wrong secret": SignPayload(payload, "whsec_other", time.Now()),
		"too old":      SignPayload(payload, testSecret, time.Now().Add(-time.Hour)),
		"empty":        "",
		"garbage":      "not-a-signature",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			err := g.Verify(payload, header)
			assert.ErrorIs(t, err, models.ErrInvalidSignature)
		})
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	g := newTestGateway()
	payload := completedPayload(t)
	header := SignPayload(payload, testSecret, time.Now())

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] = ' '
	assert.ErrorIs(t, g.Verify(tampered, header), models.ErrInvalidSignature)
}

func TestVerifyWithoutSecretFailsClosed(t *testing.T) {
	g := NewStripeGateway(StripeConfig{})
	payload := completedPayload(t)

	assert.ErrorIs(t, g.Verify(payload, SignPayload(payload, "", time.Now())), models.ErrInvalidSignature)
}

func TestDecodeCompletedEvent(t *testing.T) {
	pe, err := newTestGateway().Decode(completedPayload(t))
	require.NoError(t, err)

	assert.Equal(t, "evt_1", pe.ProviderEventID)
	assert.Equal(t, models.PaymentCompleted, pe.Kind)
	assert.Equal(t, "sess-1", pe.CheckoutSessionID)
	assert.Equal(t, "cs_test_1", pe.ProviderSessionID)
	assert.Equal(t, int64(2599), pe.AmountMinor)
	assert.Equal(t, "eur", pe.Currency)
	assert.True(t, pe.HasAmount)
}

func TestDecodeEventKinds(t *testing.T) {
	cases := map[string]models.PaymentEventKind{
		"checkout.session.expired":                 models.PaymentFailed,
		"checkout.session.async_payment_failed":    models.PaymentFailed,
		"checkout.session.async_payment_succeeded": models.PaymentCompleted,
		"customer.created":                         models.PaymentIgnored,
	}
	for eventType, want := range cases {
		t.Run(eventType, func(t *testing.T) {
			payload, err := BuildCheckoutEvent(CheckoutEvent{
				EventID:           "evt_" + eventType,
				Type:              eventType,
				ProviderSessionID: "cs_test_1",
				CheckoutSessionID: "sess-1",
			})
			require.NoError(t, err)

			pe, err := newTestGateway().Decode(payload)
			require.NoError(t, err)
			assert.Equal(t, want, pe.Kind)
		})
	}
}

func TestDecodePaymentIntentFailure(t *testing.T) {
	payload := []byte(`{"id":"evt_pi","object":"event","type":"payment_intent.payment_failed","created":1700000000,
		"data":{"object":{"id":"pi_1","object":"payment_intent","amount":500,"currency":"eur","metadata":{"checkout_session_id":"sess-7"}}}}`)

	pe, err := newTestGateway().Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, pe.Kind)
	assert.Equal(t, "sess-7", pe.CheckoutSessionID)
	assert.Equal(t, int64(500), pe.AmountMinor)
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	g := newTestGateway()

	_, err := g.Decode([]byte("{"))
	assert.Error(t, err)

	_, err = g.Decode([]byte(`{"object":"event","type":"checkout.session.completed"}`))
	assert.Error(t, err, "missing id")

	_, err = g.Decode([]byte(`{"id":"evt_2","object":"event","type":"checkout.session.completed","data":{"object":{"id":"","object":"checkout.session"}}}`))
	assert.Error(t, err, "no session reference")
}

func TestToMinor(t *testing.T) {
	assert.Equal(t, int64(1999), ToMinor(decimal.RequireFromString("19.99")))
	assert.Equal(t, int64(1000), ToMinor(decimal.NewFromInt(10)))
	assert.Equal(t, int64(1), ToMinor(decimal.RequireFromString("0.005")))
}

func TestProviderExpiryHasFloor(t *testing.T) {
	g := newTestGateway()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	assert.Equal(t, now.Add(30*time.Minute), g.providerExpiry(now.Add(10*time.Minute)))
	assert.Equal(t, now.Add(2*time.Hour), g.providerExpiry(now.Add(2*time.Hour)))
}

func TestMockProvider(t *testing.T) {
	m := NewMockProvider("http://pay.local")
	req := SessionRequest{SessionID: "sess-1", CartID: "cart-1"}

	ps, err := m.CreateSession(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, ps.URL, "http://pay.local/cs_mock_")

	m.SetFailure(assert.AnError)
	_, err = m.CreateSession(context.Background(), req)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Len(t, m.Calls(), 2)
	assert.Equal(t, "sess-1", m.Calls()[0].Metadata()[MetadataSessionID])
}
