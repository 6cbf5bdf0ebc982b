package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/payments"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginFreezesCartAndOpensProviderSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cart, session := f.checkoutCart(t)

	assert.Equal(t, models.SessionStatusPending, session.Status)
	assert.Equal(t, f.clock.Now().Add(30*time.Minute), session.ExpiresAt)
	assert.True(t, decimal.RequireFromString("47.30").Equal(session.TotalAmount))
	assert.Len(t, session.Items, 2)
	assert.NotEmpty(t, session.ProviderSessionID)
	assert.Contains(t, session.RedirectURL, session.ProviderSessionID)

	cart, err := f.carts.GetCart(ctx, cart.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CartStatusCheckingOut, cart.Status)

	calls := f.provider.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, session.ID, calls[0].Metadata()[payments.MetadataSessionID])
	assert.Equal(t, cart.ID, calls[0].Metadata()[payments.MetadataCartID])

	// the reservation carries over, nothing extra is held
	assert.Equal(t, 2, f.variant(t, "tee-m").ReservedQuantity)
	assert.Equal(t, 1, f.variant(t, "mug").ReservedQuantity)
}

func TestBeginSnapshotIgnoresLaterPriceChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, session := f.checkoutCart(t)

	v := f.variant(t, "tee-m")
	v.UnitPrice = decimal.RequireFromString("29.90")
	f.store.PutVariant(*v)

	got, err := f.checkout.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("47.30").Equal(got.TotalAmount))
	for _, it := range got.Items {
		if it.VariantID == "tee-m" {
			assert.True(t, decimal.RequireFromString("19.90").Equal(it.UnitPrice))
		}
	}
}

func TestBeginRejectsEmptyAndBusyCarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cart, err := f.carts.CreateCart(ctx, "mug", 1)
	require.NoError(t, err)
	_, err = f.carts.RemoveItem(ctx, cart.ID, "mug")
	require.NoError(t, err)

	_, err = f.checkout.Begin(ctx, cart.ID)
	assert.ErrorIs(t, err, models.ErrCartEmpty)

	busy, _ := f.checkoutCart(t)
	_, err = f.checkout.Begin(ctx, busy.ID)
	assert.ErrorIs(t, err, models.ErrCartClosed)

	_, err = f.checkout.Begin(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestBeginProviderFailureRollsCartBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cart, err := f.carts.CreateCart(ctx, "tee-m", 2)
	require.NoError(t, err)

	f.provider.SetFailure(errors.New("stripe: 503"))
	_, err = f.checkout.Begin(ctx, cart.ID)
	assert.ErrorIs(t, err, models.ErrProviderUnavailable)

	cart, err = f.carts.GetCart(ctx, cart.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CartStatusOpen, cart.Status)
	assert.Equal(t, 2, cart.Item("tee-m").Quantity)
	assert.Equal(t, 2, f.variant(t, "tee-m").ReservedQuantity)

	// the retry reuses the reservation
	f.provider.SetFailure(nil)
	res, err := f.checkout.Begin(ctx, cart.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, res.RedirectURL)
	assert.Equal(t, 2, f.variant(t, "tee-m").ReservedQuantity)
	assert.Equal(t, 8, f.variant(t, "tee-m").AvailableQuantity)
}

func TestBeginProviderTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cart, err := f.carts.CreateCart(ctx, "mug", 1)
	require.NoError(t, err)

	f.provider.SetDelay(time.Minute)
	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = f.checkout.Begin(cctx, cart.ID)
	assert.ErrorIs(t, err, models.ErrProviderUnavailable)

	cart, err = f.carts.GetCart(ctx, cart.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CartStatusOpen, cart.Status)
}

func TestExpireReleasesSnapshotAndReopensCart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cart, session := f.checkoutCart(t)

	expired, err := f.checkout.Expire(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, expired, "not due yet")

	f.clock.Advance(31 * time.Minute)
	expired, err = f.checkout.Expire(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, expired)

	tee := f.variant(t, "tee-m")
	assert.Equal(t, 10, tee.AvailableQuantity)
	assert.Equal(t, 0, tee.ReservedQuantity)
	mug := f.variant(t, "mug")
	assert.Equal(t, 5, mug.AvailableQuantity)
	assert.Equal(t, 0, mug.ReservedQuantity)

	cart, err = f.carts.GetCart(ctx, cart.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CartStatusOpen, cart.Status)
	assert.Empty(t, cart.Items)

	got, err := f.checkout.Get(ctx, session.ID)
	assert.ErrorIs(t, err, models.ErrSessionExpired)
	require.NotNil(t, got)
	assert.Equal(t, models.SessionStatusExpired, got.Status)
	assert.NotNil(t, got.FinalizedAt)
}

func TestExpireThenCancelIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, session := f.checkoutCart(t)
	f.clock.Advance(31 * time.Minute)

	expired, err := f.checkout.Expire(ctx, session.ID)
	require.NoError(t, err)
	require.True(t, expired)

	// another shopper takes some of the released stock
	require.NoError(t, f.ledger.Reserve(ctx, "tee-m", 3))

	cancelled, err := f.checkout.Cancel(ctx, session.ID, "user")
	require.NoError(t, err)
	assert.False(t, cancelled)
	expired, err = f.checkout.Expire(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, expired)

	v := f.variant(t, "tee-m")
	assert.Equal(t, 3, v.ReservedQuantity)
	assert.Equal(t, 7, v.AvailableQuantity)
}

func TestCancelThenExpireIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, session := f.checkoutCart(t)

	cancelled, err := f.checkout.Cancel(ctx, session.ID, "user")
	require.NoError(t, err)
	require.True(t, cancelled)

	f.clock.Advance(time.Hour)
	expired, err := f.checkout.Expire(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, expired)

	v := f.variant(t, "tee-m")
	assert.Equal(t, 10, v.AvailableQuantity)
	assert.Equal(t, 0, v.ReservedQuantity)
	assert.Equal(t, 10, v.TotalQuantity())
}

func TestGetPastExpiryBeforeReaperRuns(t *testing.T) {
	f := newFixture(t)

	_, session := f.checkoutCart(t)
	f.clock.Advance(30*time.Minute + time.Second)

	got, err := f.checkout.Get(context.Background(), session.ID)
	assert.ErrorIs(t, err, models.ErrSessionExpired)
	assert.Equal(t, models.SessionStatusPending, got.Status)
}

func TestRepairFinishesInterruptedCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cart, session := f.checkoutCart(t)

	f.store.FailNext("ReleaseForSession", errors.New("connection lost"))
	_, err := f.checkout.Cancel(ctx, session.ID, "user")
	require.Error(t, err)

	stuck, err := f.store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCancelled, stuck.Status)
	assert.Nil(t, stuck.FinalizedAt)

	require.NoError(t, f.checkout.Repair(ctx, stuck))
	require.NoError(t, f.checkout.Repair(ctx, stuck), "repair is repeatable")

	v := f.variant(t, "tee-m")
	assert.Equal(t, 10, v.AvailableQuantity)
	assert.Equal(t, 0, v.ReservedQuantity)

	cart, err = f.carts.GetCart(ctx, cart.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CartStatusOpen, cart.Status)

	done, err := f.store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.NotNil(t, done.FinalizedAt)
}
