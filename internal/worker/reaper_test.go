package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/payments"
	"checkout-service/internal/service"
	"checkout-service/internal/store/memstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reaperFixture struct {
	store    *memstore.Store
	carts    *service.CartService
	checkout *service.CheckoutService
	queue    *broker.MemoryQueue
	reaper   *ReservationReaper
	now      time.Time
}

func newReaperFixture(t *testing.T, locker Locker) *reaperFixture {
	t.Helper()

	st := memstore.New()
	st.PutVariant(models.Variant{ID: "tee", Name: "Tee", UnitPrice: decimal.RequireFromString("20.00"), Currency: "EUR", AvailableQuantity: 4})

	f := &reaperFixture{store: st, queue: broker.NewMemoryQueue(16), now: time.Now()}
	clock := func() time.Time { return f.now }

	ledger := service.NewStockLedger(st)
	f.carts = service.NewCartService(st, st, ledger)
	f.checkout = service.NewCheckoutService(st, st, st, st, st, ledger, payments.NewMockProvider("https://pay.test"), service.CheckoutConfig{
		ReservationTTL: 30 * time.Minute,
	})
	f.checkout.SetClock(clock)
	f.reaper = NewReservationReaper(st, st, f.checkout, f.queue, locker, ReaperConfig{
		Interval:   time.Minute,
		BatchSize:  10,
		StaleAfter: 5 * time.Minute,
	})
	f.reaper.SetClock(clock)
	return f
}

func (f *reaperFixture) begin(t *testing.T) (string, string) {
	t.Helper()
	ctx := context.Background()
	cart, err := f.carts.CreateCart(ctx, "tee", 3)
	require.NoError(t, err)
	res, err := f.checkout.Begin(ctx, cart.ID)
	require.NoError(t, err)
	return cart.ID, res.SessionID
}

func TestReaperReleasesAbandonedCheckout(t *testing.T) {
	f := newReaperFixture(t, nil)
	ctx := context.Background()

	cartID, sessionID := f.begin(t)

	res, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Expired)

	f.now = f.now.Add(31 * time.Minute)
	res, err = f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	v, err := f.store.GetVariant(ctx, "tee")
	require.NoError(t, err)
	assert.Equal(t, 4, v.AvailableQuantity)
	assert.Equal(t, 0, v.ReservedQuantity)

	cart, err := f.store.GetCart(ctx, cartID)
	require.NoError(t, err)
	assert.Equal(t, models.CartStatusOpen, cart.Status)

	session, err := f.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusExpired, session.Status)

	res, err = f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Expired)
}

func TestReaperRepairsInterruptedExpiry(t *testing.T) {
	f := newReaperFixture(t, nil)
	ctx := context.Background()

	_, sessionID := f.begin(t)
	f.now = f.now.Add(31 * time.Minute)

	f.store.FailNext("ReleaseForSession", errors.New("connection reset"))
	_, err := f.reaper.Sweep(ctx)
	require.Error(t, err)

	session, err := f.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusExpired, session.Status)
	require.Nil(t, session.FinalizedAt)

	f.now = f.now.Add(10 * time.Minute)
	res, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Repaired)

	v, err := f.store.GetVariant(ctx, "tee")
	require.NoError(t, err)
	assert.Equal(t, 4, v.AvailableQuantity)
}

func TestReaperRequeuesStaleEvents(t *testing.T) {
	f := newReaperFixture(t, nil)
	ctx := context.Background()

	_, err := f.store.InsertWebhookEvent(ctx, &models.WebhookEvent{
		ID:               "ev-1",
		Provider:         payments.ProviderName,
		ProviderEventID:  "evt_1",
		ProcessingStatus: models.ProcessingPending,
		ReceivedAt:       f.now,
	})
	require.NoError(t, err)

	res, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Requeued, "fresh events are left to the queue")

	f.now = f.now.Add(6 * time.Minute)
	res, err = f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)

	d := <-f.queue.Consume(ctx)
	assert.Equal(t, "ev-1", d.WebhookEventID)
}

func TestReaperLeavesEventsInBackoffAlone(t *testing.T) {
	f := newReaperFixture(t, nil)
	ctx := context.Background()

	_, err := f.store.InsertWebhookEvent(ctx, &models.WebhookEvent{
		ID:               "ev-1",
		Provider:         payments.ProviderName,
		ProviderEventID:  "evt_1",
		ProcessingStatus: models.ProcessingPending,
		ReceivedAt:       f.now,
	})
	require.NoError(t, err)

	f.now = f.now.Add(6 * time.Minute)
	require.NoError(t, f.store.RecordWebhookAttempt(ctx, "ev-1", "connection reset", f.now.Add(-time.Minute)))
	require.NoError(t, f.store.RecordWebhookAttempt(ctx, "ev-1", "connection reset", f.now.Add(-30*time.Second)))

	res, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Requeued, "an event retried a moment ago is still owned by a worker")
	assert.Equal(t, 0, f.queue.Len())

	f.now = f.now.Add(5 * time.Minute)
	res, err = f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)

	d := <-f.queue.Consume(ctx)
	assert.Equal(t, "ev-1", d.WebhookEventID)
	assert.Equal(t, 2, d.Attempt, "requeue keeps the attempts already spent")
}

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	acquired int
}

func (l *fakeLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, nil
	}
	l.held = true
	l.acquired++
	return true, nil
}

func (l *fakeLocker) ReleaseLock(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	return nil
}

func TestReaperSkipsWhenLockHeldElsewhere(t *testing.T) {
	locker := &fakeLocker{held: true}
	f := newReaperFixture(t, locker)
	ctx := context.Background()

	_, sessionID := f.begin(t)
	f.now = f.now.Add(31 * time.Minute)

	f.reaper.tick(ctx)
	session, err := f.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPending, session.Status)

	locker.held = false
	f.reaper.tick(ctx)
	session, err = f.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusExpired, session.Status)
	assert.Equal(t, 1, locker.acquired)
	assert.False(t, locker.held, "lock released after the sweep")
}

func TestReaperSweepRacingLatePaymentKeepsStockConsistent(t *testing.T) {
	for i := 0; i < 25; i++ {
		f := newReaperFixture(t, nil)
		ctx := context.Background()

		_, sessionID := f.begin(t)
		session, err := f.store.GetSession(ctx, sessionID)
		require.NoError(t, err)
		f.now = f.now.Add(31 * time.Minute)

		payment := &models.PaymentEvent{
			ProviderEventID:   "evt_race",
			Kind:              models.PaymentCompleted,
			CheckoutSessionID: sessionID,
		}

		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, err := f.reaper.Sweep(ctx)
			assert.NoError(t, err)
		}()
		for j := 0; j < 2; j++ {
			go func(s models.CheckoutSession) {
				defer wg.Done()
				_, err := f.checkout.Complete(ctx, &s, payment)
				assert.NoError(t, err)
			}(*session)
		}
		wg.Wait()

		v, err := f.store.GetVariant(ctx, "tee")
		require.NoError(t, err)
		assert.Equal(t, 0, v.ReservedQuantity)
		assert.Equal(t, 4, v.TotalQuantity())
		assert.LessOrEqual(t, f.store.OrderCount(), 1)
		if f.store.OrderCount() == 1 {
			assert.Equal(t, 3, v.CommittedQuantity)
		} else {
			assert.Equal(t, 4, v.AvailableQuantity)
		}
	}
}
