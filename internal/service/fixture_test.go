package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/payments"
	"checkout-service/internal/service"
	"checkout-service/internal/store/memstore"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const webhookSecret = "whsec_test_secret"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store    *memstore.Store
	ledger   *service.StockLedger
	carts    *service.CartService
	checkout *service.CheckoutService
	ingestor *service.WebhookIngestor
	fulfill  *service.FulfillmentService
	provider *payments.MockProvider
	gateway  *payments.StripeGateway
	queue    *broker.MemoryQueue
	clock    *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := memstore.New()
	st.PutVariant(models.Variant{ID: "tee-m", SKU: "TEE-M", Name: "Tee M", UnitPrice: decimal.RequireFromString("19.90"), Currency: "EUR", AvailableQuantity: 10})
	st.PutVariant(models.Variant{ID: "mug", SKU: "MUG", Name: "Mug", UnitPrice: decimal.RequireFromString("7.50"), Currency: "EUR", AvailableQuantity: 5})
	st.PutVariant(models.Variant{ID: "last-one", SKU: "LAST", Name: "Last One", UnitPrice: decimal.RequireFromString("99.00"), Currency: "EUR", AvailableQuantity: 1})

	clk := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	provider := payments.NewMockProvider("https://pay.test")
	gateway := payments.NewStripeGateway(payments.StripeConfig{WebhookSecret: webhookSecret})
	queue := broker.NewMemoryQueue(64)

	ledger := service.NewStockLedger(st)
	carts := service.NewCartService(st, st, ledger)
	carts.SetClock(clk.Now)
	checkout := service.NewCheckoutService(st, st, st, st, st, ledger, provider, service.CheckoutConfig{
		ReservationTTL: 30 * time.Minute,
		Currency:       "EUR",
	})
	checkout.SetClock(clk.Now)
	ingestor := service.NewWebhookIngestor(st, gateway, queue, payments.ProviderName)
	ingestor.SetClock(clk.Now)
	fulfill := service.NewFulfillmentService(st, st, checkout, gateway)
	fulfill.SetClock(clk.Now)

	return &fixture{
		store:    st,
		ledger:   ledger,
		carts:    carts,
		checkout: checkout,
		ingestor: ingestor,
		fulfill:  fulfill,
		provider: provider,
		gateway:  gateway,
		queue:    queue,
		clock:    clk,
	}
}

func (f *fixture) variant(t *testing.T, id string) *models.Variant {
	t.Helper()
	v, err := f.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return v
}

// checkoutCart builds a cart with 2 tees and 1 mug and begins checkout
func (f *fixture) checkoutCart(t *testing.T) (*models.Cart, *models.CheckoutSession) {
	t.Helper()
	ctx := context.Background()

	cart, err := f.carts.CreateCart(ctx, "tee-m", 2)
	require.NoError(t, err)
	_, err = f.carts.AddItem(ctx, cart.ID, "mug", 1)
	require.NoError(t, err)

	res, err := f.checkout.Begin(ctx, cart.ID)
	require.NoError(t, err)

	session, err := f.store.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	return cart, session
}

// deliver signs an event for session and runs it through the ingestor
func (f *fixture) deliver(t *testing.T, eventID, eventType string, session *models.CheckoutSession, amountMinor int64) service.ReceiveResult {
	t.Helper()
	payload, err := payments.BuildCheckoutEvent(payments.CheckoutEvent{
		EventID:           eventID,
		Type:              eventType,
		ProviderSessionID: session.ProviderSessionID,
		CheckoutSessionID: session.ID,
		CartID:            session.CartID,
		AmountMinor:       amountMinor,
		Currency:          session.Currency,
	})
	require.NoError(t, err)

	res, err := f.ingestor.Receive(context.Background(), payload, payments.SignPayload(payload, webhookSecret, time.Now()))
	require.NoError(t, err)
	return res
}

// drain processes every queued message once
func (f *fixture) drain(t *testing.T) []service.Outcome {
	t.Helper()
	var outcomes []service.Outcome
	for f.queue.Len() > 0 {
		d := <-f.queue.Consume(context.Background())
		outcome, err := f.fulfill.Process(context.Background(), d.WebhookEventID)
		require.NoError(t, err)
		require.NoError(t, d.Ack(context.Background()))
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func newEventID() string {
	return "evt_" + uuid.New().String()
}
