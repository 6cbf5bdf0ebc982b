package service

import (
	"fmt"

	"checkout-service/internal/models"
)

// MaxLineQuantity bounds a single cart line
const MaxLineQuantity = 999

const maxRestockDelta = 1_000_000

func validateID(field, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s is required", models.ErrValidation, field)
	}
	return nil
}

func validateQuantity(qty int) error {
	if qty <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", models.ErrValidation, qty)
	}
	if qty > MaxLineQuantity {
		return fmt.Errorf("%w: quantity %d exceeds %d", models.ErrValidation, qty, MaxLineQuantity)
	}
	return nil
}

func validateLine(variantID string, qty int) error {
	if err := validateID("variant_id", variantID); err != nil {
		return err
	}
	return validateQuantity(qty)
}
