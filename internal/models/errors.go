package models

import "errors"

// Error kinds. Callers wrap these with context and match with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrValidation          = errors.New("validation failed")
	ErrCartClosed          = errors.New("cart is not open")
	ErrCartEmpty           = errors.New("cart is empty")
	ErrSessionExpired      = errors.New("checkout session expired")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrPoisonMessage       = errors.New("poison message")
)
