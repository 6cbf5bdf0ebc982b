package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Variant is a sellable unit with its stock counters
type Variant struct {
	ID                string          `db:"id" json:"id"`
	SKU               string          `db:"sku" json:"sku"`
	Name              string          `db:"name" json:"name"`
	UnitPrice         decimal.Decimal `db:"unit_price" json:"unit_price"`
	Currency          string          `db:"currency" json:"currency"`
	AvailableQuantity int             `db:"available_quantity" json:"available_quantity"`
	ReservedQuantity  int             `db:"reserved_quantity" json:"reserved_quantity"`
	CommittedQuantity int             `db:"committed_quantity" json:"committed_quantity"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// TotalQuantity is available + reserved + committed
func (v Variant) TotalQuantity() int {
	return v.AvailableQuantity + v.ReservedQuantity + v.CommittedQuantity
}

type CartStatus string

// Cart statuses
const (
	CartStatusOpen        CartStatus = "OPEN"
	CartStatusCheckingOut CartStatus = "CHECKING_OUT"
	CartStatusClosed      CartStatus = "CLOSED"
)

var cartTransitions = map[CartStatus][]CartStatus{
	CartStatusOpen:        {CartStatusCheckingOut},
	CartStatusCheckingOut: {CartStatusOpen, CartStatusClosed},
}

// CanTransition reports whether a cart may move from s to next
func (s CartStatus) CanTransition(next CartStatus) bool {
	for _, allowed := range cartTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CartItem is a line in a cart. UnitPrice is captured when the item is added.
type CartItem struct {
	CartID    string          `db:"cart_id" json:"-"`
	VariantID string          `db:"variant_id" json:"variant_id"`
	Quantity  int             `db:"quantity" json:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`
	AddedAt   time.Time       `db:"added_at" json:"added_at"`
}

// Cart is a shopper's mutable collection of items
type Cart struct {
	ID        string     `db:"id" json:"id"`
	Status    CartStatus `db:"status" json:"status"`
	Items     []CartItem `db:"-" json:"items"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// Item returns the line for variantID, or nil
func (c *Cart) Item(variantID string) *CartItem {
	for i := range c.Items {
		if c.Items[i].VariantID == variantID {
			return &c.Items[i]
		}
	}
	return nil
}

// Total sums quantity * unit price over all lines
func (c *Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, it := range c.Items {
		total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total
}

// SnapshotItem is one frozen line of a checkout
type SnapshotItem struct {
	VariantID string          `json:"variant_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// LineTotal is quantity * unit price
func (i SnapshotItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Snapshot is the immutable item list of a checkout session, stored as JSONB
type Snapshot []SnapshotItem

// Total sums all line totals
func (s Snapshot) Total() decimal.Decimal {
	total := decimal.Zero
	for _, it := range s {
		total = total.Add(it.LineTotal())
	}
	return total
}

// Value implements driver.Valuer. The JSON is returned as a string so the
// driver sends it as text rather than bytea.
func (s Snapshot) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (s *Snapshot) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("snapshot: unsupported scan type %T", src)
	}
}

type SessionStatus string

// Checkout session statuses
const (
	SessionStatusPending   SessionStatus = "PENDING"
	SessionStatusCompleted SessionStatus = "COMPLETED"
	SessionStatusExpired   SessionStatus = "EXPIRED"
	SessionStatusCancelled SessionStatus = "CANCELLED"
)

// IsTerminal reports whether the session can no longer change state
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusExpired || s == SessionStatusCancelled
}

// CheckoutSession is a time-boxed payment attempt over a frozen cart
type CheckoutSession struct {
	ID                string          `db:"id" json:"id"`
	CartID            string          `db:"cart_id" json:"cart_id"`
	Items             Snapshot        `db:"items_snapshot" json:"items"`
	TotalAmount       decimal.Decimal `db:"total_amount" json:"total_amount"`
	Currency          string          `db:"currency" json:"currency"`
	ProviderSessionID string          `db:"provider_session_id" json:"provider_session_id,omitempty"`
	RedirectURL       string          `db:"redirect_url" json:"redirect_url,omitempty"`
	Status            SessionStatus   `db:"status" json:"status"`
	ExpiresAt         time.Time       `db:"expires_at" json:"expires_at"`
	FinalizedAt       *time.Time      `db:"finalized_at" json:"finalized_at,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// ExpiredAt reports whether the reservation window has passed at now
func (s *CheckoutSession) ExpiredAt(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

type ProcessingStatus string

// Webhook processing statuses
const (
	ProcessingPending   ProcessingStatus = "PENDING"
	ProcessingProcessed ProcessingStatus = "PROCESSED"
	ProcessingFailed    ProcessingStatus = "FAILED"
)

// WebhookEvent is a verified provider notification as received
type WebhookEvent struct {
	ID               string           `db:"id" json:"id"`
	Provider         string           `db:"provider" json:"provider"`
	ProviderEventID  string           `db:"provider_event_id" json:"provider_event_id"`
	EventType        string           `db:"event_type" json:"event_type"`
	RawPayload       []byte           `db:"raw_payload" json:"-"`
	ProcessingStatus ProcessingStatus `db:"processing_status" json:"processing_status"`
	Attempts         int              `db:"attempts" json:"attempts"`
	LastError        string           `db:"last_error" json:"last_error,omitempty"`
	LastAttemptAt    *time.Time       `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	ReceivedAt       time.Time        `db:"received_at" json:"received_at"`
	ProcessedAt      *time.Time       `db:"processed_at" json:"processed_at,omitempty"`
}

// Order statuses
const (
	OrderStatusCreated = "CREATED"
)

// Order is created exactly once per completed checkout session
type Order struct {
	ID                string          `db:"id" json:"id"`
	CartID            string          `db:"cart_id" json:"cart_id"`
	CheckoutSessionID string          `db:"checkout_session_id" json:"checkout_session_id"`
	Status            string          `db:"status" json:"status"`
	TotalAmount       decimal.Decimal `db:"total_amount" json:"total_amount"`
	Currency          string          `db:"currency" json:"currency"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
}

// AuditEventType names a step in a session's payment and stock history
type AuditEventType string

const (
	AuditPaymentVerified           AuditEventType = "payment_verified"
	AuditPaymentVerificationFailed AuditEventType = "payment_verification_failed"
	AuditLatePayment               AuditEventType = "late_payment"
	AuditSessionCancelled          AuditEventType = "session_cancelled"
	AuditSessionExpired            AuditEventType = "session_expired"
	AuditInventoryConfirmed        AuditEventType = "inventory_confirmed"
	AuditInventoryReleased         AuditEventType = "inventory_released"
)

// AuditEvent is one row of a session's audit trail. At most one row exists
// per session, type and provider event ID, so repeated side effects record
// once.
type AuditEvent struct {
	ID              string         `db:"id" json:"id"`
	SessionID       string         `db:"session_id" json:"session_id"`
	EventType       AuditEventType `db:"event_type" json:"event_type"`
	ProviderEventID string         `db:"provider_event_id" json:"provider_event_id,omitempty"`
	Metadata        AuditMetadata  `db:"metadata" json:"metadata,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
}

// AuditMetadata is stored as a JSON object
type AuditMetadata map[string]string

// Value implements driver.Valuer
func (m AuditMetadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (m *AuditMetadata) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("audit metadata: unsupported scan type %T", src)
	}
}

// InsertResult tells apart a fresh insert from a uniqueness hit
type InsertResult int

const (
	InsertCreated InsertResult = iota + 1
	InsertDuplicate
)

func (r InsertResult) String() string {
	switch r {
	case InsertCreated:
		return "created"
	case InsertDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}
