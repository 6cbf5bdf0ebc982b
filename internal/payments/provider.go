// Package payments talks to the external payment provider: opening hosted
// checkout sessions and authenticating the webhooks it sends back.
package payments

import (
	"encoding/hex"
	"fmt"
	"time"

	"checkout-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76/webhook"
)

// Metadata keys attached to provider sessions
const (
	MetadataSessionID = "checkout_session_id"
	MetadataCartID    = "cart_id"
)

// SessionRequest describes the hosted payment page to open
type SessionRequest struct {
	SessionID string
	CartID    string
	Items     models.Snapshot
	Currency  string
	ExpiresAt time.Time
}

// Metadata is what the provider echoes back on every related event
func (r SessionRequest) Metadata() map[string]string {
	return map[string]string{
		MetadataSessionID: r.SessionID,
		MetadataCartID:    r.CartID,
	}
}

// ProviderSession is the provider's handle on an opened session
type ProviderSession struct {
	ID  string
	URL string
}

// ToMinor converts a decimal amount into integer minor units (cents)
func ToMinor(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// SignPayload produces a signature header in the provider's scheme:
// t=<unix>,v1=<hex hmac-sha256 of "<unix>.<payload>">.
func SignPayload(payload []byte, secret string, at time.Time) string {
	sig := webhook.ComputeSignature(at, payload, secret)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(sig))
}
