package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSchemaVersion is written on every order document. Readers accept older versions and fill
// missing fields from their legacy aliases.
const OrderSchemaVersion = 2

// Canonical lifecycle statuses. Status is free-form text; these are the values the core writes and
// recognises.
const (
	OrderStatusProcessing     = "processing"
	OrderStatusPlaced         = "order placed"
	OrderStatusInTransit      = "in transit"
	OrderStatusOutForDelivery = "out for delivery"
	OrderStatusDelivered      = "delivered"
	OrderStatusConfirmed      = "confirmed"
	OrderStatusCancelled      = "cancelled"
)

// Payment statuses.
const (
	PaymentStatusUnpaid  = "unpaid"
	PaymentStatusPending = "pending"
	PaymentStatusPaid    = "paid"
	PaymentStatusFailed  = "failed"
)

// Payment providers recorded in PaymentDetails.Provider.
const (
	PaymentProviderStripe = "stripe"
	PaymentProviderMpesa  = "mpesa"
)

// Order is a checkout attempt with its line items, payment state and delivery lifecycle.
type Order struct {
	ID                  string          `json:"id"`
	OrderNumber         string          `json:"order_number,omitempty"`
	LegacyID            string          `json:"legacy_id,omitempty"`
	UserID              string          `json:"user_id"`
	VendorID            *string         `json:"vendor_id"`
	VendorName          *string         `json:"vendor_name"`
	VendorIDs           []string        `json:"vendor_ids,omitempty"`
	Name                string          `json:"name,omitempty"`
	Email               string          `json:"email,omitempty"`
	ShippingAddress     string          `json:"shipping_address"`
	ShippingCoordinates *Coordinates    `json:"shipping_coordinates,omitempty"`
	Status              string          `json:"status"`
	PaymentStatus       string          `json:"payment_status"`
	PaymentMethod       string          `json:"payment_method,omitempty"`
	PaymentDetails      *PaymentDetails `json:"payment_details,omitempty"`
	TotalAmount         Amount          `json:"total_amount"`
	Items               []LineItem      `json:"items"`
	Meta                OrderMeta       `json:"meta"`
	IdempotencyKey      *string         `json:"idempotency_key"`
	DeliveryToken       string          `json:"-"`
	SchemaVersion       int             `json:"schema_version"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	DeliveredAt         *time.Time      `json:"delivered_at,omitempty"`
}

// HasDeliveryToken reports whether a customer confirmation must present a token.
func (o Order) HasDeliveryToken() bool {
	return strings.TrimSpace(o.DeliveryToken) != ""
}

// IsPaid reports whether the order has been reconciled with a successful payment.
func (o Order) IsPaid() bool {
	return strings.EqualFold(o.PaymentStatus, PaymentStatusPaid)
}

// StripePaymentIntentID returns the linked payment intent id, if any.
func (o Order) StripePaymentIntentID() string {
	if o.PaymentDetails == nil {
		return ""
	}
	return o.PaymentDetails.StripePaymentIntentID
}

// Coordinates is an optional delivery geolocation.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// LineItem is one embedded order entry. ProductID is nil when the supplied reference could not be
// resolved; OriginalID keeps the reference as the client sent it.
type LineItem struct {
	ProductID  *string `json:"product_id"`
	OriginalID string  `json:"_original_id,omitempty"`
	VendorID   *string `json:"vendor_id"`
	VendorName *string `json:"vendor_name"`
	Quantity   int     `json:"quantity"`
	Price      Amount  `json:"price"`
	Name       string  `json:"name,omitempty"`
	Image      string  `json:"image,omitempty"`
}

// OrderMeta holds server-stamped idempotency fields plus arbitrary client metadata. Extra keys are
// flattened into the JSON object.
type OrderMeta struct {
	IdempotencyKey string
	ClientTS       string
	ServerTS       string
	Extra          map[string]any
}

var metaReservedKeys = map[string]struct{}{
	"idempotency_key": {},
	"idempotencyKey":  {},
	"client_ts":       {},
	"clientTs":        {},
	"server_ts":       {},
}

// MarshalJSON flattens Extra next to the server-stamped keys.
func (m OrderMeta) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+3)
	for key, value := range m.Extra {
		if _, reserved := metaReservedKeys[key]; reserved {
			continue
		}
		out[key] = value
	}
	if m.IdempotencyKey != "" {
		out["idempotency_key"] = m.IdempotencyKey
	}
	if m.ClientTS != "" {
		out["client_ts"] = m.ClientTS
	}
	if m.ServerTS != "" {
		out["server_ts"] = m.ServerTS
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts both snake and camel case key spellings.
func (m *OrderMeta) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = OrderMeta{}
	for key, value := range raw {
		if _, reserved := metaReservedKeys[key]; reserved {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]any)
		}
		m.Extra[key] = value
	}
	m.IdempotencyKey = firstString(raw, "idempotency_key", "idempotencyKey")
	m.ClientTS = firstString(raw, "client_ts", "clientTs")
	m.ServerTS = firstString(raw, "server_ts")
	return nil
}

func firstString(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		value, ok := raw[key]
		if !ok || value == nil {
			continue
		}
		switch v := value.(type) {
		case string:
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				return trimmed
			}
		case float64:
			return decimal.NewFromFloat(v).String()
		}
	}
	return ""
}

// PaymentDetails records which gateway payment settled the order and how it was matched.
type PaymentDetails struct {
	Provider              string         `json:"provider,omitempty"`
	StripePaymentIntentID string         `json:"stripe_payment_intent_id,omitempty"`
	MpesaCheckoutID       string         `json:"mpesa_checkout_id,omitempty"`
	MpesaReceipt          string         `json:"mpesa_receipt,omitempty"`
	MatchedBy             string         `json:"matched_by,omitempty"`
	PaidAt                *time.Time     `json:"paid_at,omitempty"`
	GatewayPayload        map[string]any `json:"gateway_payload,omitempty"`
}

// GatewayReference returns the gateway id that proves the payment.
func (p *PaymentDetails) GatewayReference() string {
	if p == nil {
		return ""
	}
	if p.StripePaymentIntentID != "" {
		return p.StripePaymentIntentID
	}
	if p.MpesaReceipt != "" {
		return p.MpesaReceipt
	}
	return p.MpesaCheckoutID
}

// Amount is a decimal money value that renders as a JSON number.
type Amount struct {
	decimal.Decimal
}

// NewAmount wraps d.
func NewAmount(d decimal.Decimal) Amount {
	return Amount{Decimal: d}
}

// AmountFromString parses a decimal string.
func AmountFromString(value string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return Amount{}, err
	}
	return Amount{Decimal: d}, nil
}

// MarshalJSON writes the value unquoted.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.Decimal.String()), nil
}

// UnmarshalJSON accepts numbers and numeric strings.
func (a *Amount) UnmarshalJSON(data []byte) error {
	return a.Decimal.UnmarshalJSON(data)
}

// Equal compares two amounts numerically.
func (a Amount) Equal(other Amount) bool {
	return a.Decimal.Equal(other.Decimal)
}

// StringPtr returns nil for blank values.
func StringPtr(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

// Deref returns the pointed-to string or "".
func Deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
