package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CartService mutates carts. Every quantity change reserves or releases only
// the difference between the old and the new quantity.
type CartService struct {
	carts   CartRepository
	catalog Catalog
	ledger  *StockLedger
	logger  *zap.Logger
	now     func() time.Time
}

// NewCartService creates a new cart service
func NewCartService(carts CartRepository, catalog Catalog, ledger *StockLedger) *CartService {
	return &CartService{
		carts:   carts,
		catalog: catalog,
		ledger:  ledger,
		logger:  util.GetLogger(),
		now:     time.Now,
	}
}

// CreateCart opens a new cart holding its first item
func (s *CartService) CreateCart(ctx context.Context, variantID string, qty int) (*models.Cart, error) {
	ctx, span := util.StartSpan(ctx, "CartService.CreateCart")
	defer span.End()

	if err := validateLine(variantID, qty); err != nil {
		return nil, err
	}

	now := s.now()
	cart := &models.Cart{
		ID:        uuid.New().String(),
		Status:    models.CartStatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.carts.CreateCart(ctx, cart); err != nil {
		return nil, util.SpanError(span, err)
	}

	s.logger.Info("Cart created", zap.String("cart_id", cart.ID))
	return s.AddItem(ctx, cart.ID, variantID, qty)
}

// GetCart retrieves a cart
func (s *CartService) GetCart(ctx context.Context, cartID string) (*models.Cart, error) {
	if err := validateID("cart_id", cartID); err != nil {
		return nil, err
	}
	return s.carts.GetCart(ctx, cartID)
}

// AddItem adds qty of a variant, on top of any quantity already in the cart
func (s *CartService) AddItem(ctx context.Context, cartID, variantID string, qty int) (*models.Cart, error) {
	ctx, span := util.StartSpan(ctx, "CartService.AddItem")
	defer span.End()

	if err := validateID("cart_id", cartID); err != nil {
		return nil, err
	}
	if err := validateLine(variantID, qty); err != nil {
		return nil, err
	}

	variant, err := s.catalog.GetVariant(ctx, variantID)
	if err != nil {
		return nil, util.SpanError(span, err)
	}

	cart, err := s.mutate(ctx, cartID, variantID, func(current *models.CartItem) (int, error) {
		if current == nil {
			return qty, nil
		}
		next := current.Quantity + qty
		if err := validateQuantity(next); err != nil {
			return 0, err
		}
		return next, nil
	}, variant.UnitPrice)
	return cart, util.SpanError(span, err)
}

// UpdateQuantity sets the quantity of a line already in the cart. Zero removes it.
func (s *CartService) UpdateQuantity(ctx context.Context, cartID, variantID string, qty int) (*models.Cart, error) {
	ctx, span := util.StartSpan(ctx, "CartService.UpdateQuantity")
	defer span.End()

	if err := validateID("cart_id", cartID); err != nil {
		return nil, err
	}
	if err := validateID("variant_id", variantID); err != nil {
		return nil, err
	}
	if qty != 0 {
		if err := validateQuantity(qty); err != nil {
			return nil, err
		}
	}

	cart, err := s.mutate(ctx, cartID, variantID, func(current *models.CartItem) (int, error) {
		if current == nil {
			return 0, fmt.Errorf("variant %s not in cart %s: %w", variantID, cartID, models.ErrNotFound)
		}
		return qty, nil
	}, decimal.Zero)
	return cart, util.SpanError(span, err)
}

// RemoveItem drops a line and releases its reservation
func (s *CartService) RemoveItem(ctx context.Context, cartID, variantID string) (*models.Cart, error) {
	return s.UpdateQuantity(ctx, cartID, variantID, 0)
}

// maxCartAttempts bounds how often a mutation is retried when another writer
// changed the same line in between. Each lost race means another writer won,
// so a cart with n concurrent writers needs at most n attempts.
const maxCartAttempts = 8

// errLineChanged reports that the line moved between read and locked write
var errLineChanged = errors.New("cart line changed concurrently")

// mutate applies one line change. Stock is reserved before the locked write
// and released after it, never while the cart lock is held, so the cart
// transaction does not wait on a second stock connection. The write only goes
// through if the line still has the quantity the delta was computed from.
func (s *CartService) mutate(ctx context.Context, cartID, variantID string, target func(*models.CartItem) (int, error), price decimal.Decimal) (*models.Cart, error) {
	for attempt := 1; attempt <= maxCartAttempts; attempt++ {
		cart, err := s.carts.GetCart(ctx, cartID)
		if err != nil {
			return nil, err
		}
		if cart.Status != models.CartStatusOpen {
			return nil, fmt.Errorf("cart %s is %s: %w", cartID, cart.Status, models.ErrCartClosed)
		}

		current := cart.Item(variantID)
		next, err := target(current)
		if err != nil {
			return nil, err
		}
		old := lineQuantity(current)
		delta := next - old

		if delta > 0 {
			if err := s.ledger.Reserve(ctx, variantID, delta); err != nil {
				return nil, err
			}
		}

		updated, err := s.carts.MutateCartItem(ctx, cartID, variantID, func(locked *models.Cart, line *models.CartItem) (*models.CartItem, error) {
			if locked.Status != models.CartStatusOpen {
				return nil, fmt.Errorf("cart %s is %s: %w", cartID, locked.Status, models.ErrCartClosed)
			}
			if lineQuantity(line) != old {
				return nil, errLineChanged
			}
			if next == 0 {
				return nil, nil
			}
			item := models.CartItem{
				CartID:    cartID,
				VariantID: variantID,
				Quantity:  next,
				UnitPrice: price,
				AddedAt:   s.now(),
			}
			if line != nil {
				item.AddedAt = line.AddedAt
				if price.IsZero() {
					item.UnitPrice = line.UnitPrice
				}
			}
			return &item, nil
		})
		if err != nil {
			if delta > 0 {
				s.compensate(ctx, variantID, delta)
			}
			if errors.Is(err, errLineChanged) {
				s.logger.Debug("Cart line changed concurrently, retrying",
					zap.String("cart_id", cartID),
					zap.String("variant_id", variantID),
					zap.Int("attempt", attempt))
				continue
			}
			return nil, err
		}

		if delta < 0 {
			if err := s.ledger.Release(ctx, variantID, -delta); err != nil {
				// The line is already smaller; the surplus hold stays reserved.
				s.logger.Error("Failed to release cart stock delta",
					zap.String("cart_id", cartID),
					zap.String("variant_id", variantID),
					zap.Int("quantity", -delta),
					zap.Error(err))
			}
		}

		s.logger.Debug("Cart line updated",
			zap.String("cart_id", cartID),
			zap.String("variant_id", variantID),
			zap.Int("delta", delta))
		return updated, nil
	}
	return nil, fmt.Errorf("cart %s: too many concurrent updates of %s", cartID, variantID)
}

func lineQuantity(item *models.CartItem) int {
	if item == nil {
		return 0
	}
	return item.Quantity
}

// compensate gives back a reservation whose cart write did not happen
func (s *CartService) compensate(ctx context.Context, variantID string, delta int) {
	if err := s.ledger.Release(ctx, variantID, delta); err != nil {
		s.logger.Error("Failed to compensate cart stock delta",
			zap.String("variant_id", variantID),
			zap.Int("delta", delta),
			zap.Error(err))
	}
}

// SetClock replaces the time source
func (s *CartService) SetClock(now func() time.Time) {
	s.now = now
}
