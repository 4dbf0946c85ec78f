package services

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"

	domain "github.com/marketlane/storefront-api/internal/domain"
	"github.com/marketlane/storefront-api/internal/payments"
	"github.com/marketlane/storefront-api/internal/payments/mpesa"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination     = domain.Pagination
	Order          = domain.Order
	LineItem       = domain.LineItem
	OrderMeta      = domain.OrderMeta
	PaymentDetails = domain.PaymentDetails
	Actor          = domain.Actor
	Coordinates    = domain.Coordinates
)

// OrderService creates orders idempotently and drives the delivery lifecycle.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error)
	Get(ctx context.Context, actor Actor, ref string) (Order, error)
	List(ctx context.Context, cmd ListOrdersCommand) (domain.CursorPage[Order], error)
	UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error)
	MarkDelivered(ctx context.Context, cmd MarkDeliveredCommand) (Order, error)
	ConfirmDelivery(ctx context.Context, cmd ConfirmDeliveryCommand) (Order, error)
}

// PaymentIntentService creates Stripe payment intents, optionally with a provisional order.
type PaymentIntentService interface {
	CreatePaymentIntent(ctx context.Context, cmd CreatePaymentIntentCommand) (PaymentIntentResult, error)
}

// StripeWebhookService reconciles Stripe events onto orders.
type StripeWebhookService interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookResult, error)
}

// MpesaService initiates STK pushes and tracks their outcome.
type MpesaService interface {
	Initiate(ctx context.Context, cmd MpesaInitiateCommand) (MpesaInitiateResult, error)
	HandleCallback(ctx context.Context, payload []byte) (MpesaCallbackResult, error)
	PollStatus(ctx context.Context, checkoutID string) (MpesaStatus, error)
}

// SystemService reports dependency health.
type SystemService interface {
	HealthReport(ctx context.Context) (domain.HealthReport, error)
}

// StripeGateway is the subset of the Stripe provider the services call.
type StripeGateway interface {
	CreatePaymentIntent(ctx context.Context, req payments.IntentRequest) (payments.Intent, error)
	LookupPayment(ctx context.Context, req payments.LookupRequest) (payments.PaymentDetails, error)
	ConstructEvent(payload []byte, signature string) (stripe.Event, error)
}

// STKPusher builds and submits Daraja STK push requests.
type STKPusher interface {
	BuildPayload(req mpesa.STKPushRequest) (mpesa.STKPushPayload, error)
	STKPush(ctx context.Context, payload mpesa.STKPushPayload) (mpesa.STKPushResponse, error)
}

// PaymentLookup routes a reference to the provider that issued it.
type PaymentLookup interface {
	LookupPayment(ctx context.Context, provider string, req payments.LookupRequest) (payments.PaymentDetails, error)
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderNumber    string
	UserID         string
	VendorID       string
	PreviousStatus string
	CurrentStatus  string
	PaymentStatus  string
	ActorID        string
	MatchedBy      string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// PayloadArchiver keeps raw gateway payloads for forensic replay.
type PayloadArchiver interface {
	ArchivePayload(ctx context.Context, kind, key string, payload []byte) error
}

// MatchRecorder counts reconciliation outcomes.
type MatchRecorder interface {
	RecordMatch(ctx context.Context, gateway, strategy string)
	RecordAmbiguous(ctx context.Context, strategy string, candidates int)
	RecordOrderCreate(ctx context.Context, outcome string)
}

// Archive kinds.
const (
	ArchiveStripeWebhook = "stripe_webhook"
	ArchiveMpesaCallback = "mpesa_callback"
)

// FlexString decodes a JSON string or number into its textual form.
type FlexString string

// UnmarshalJSON accepts strings, numbers and null.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// String returns the trimmed text.
func (f FlexString) String() string { return strings.TrimSpace(string(f)) }

// CreateOrderPayload is the client body of an order create. Items accepts a JSON array or a string
// holding one.
type CreateOrderPayload struct {
	Name                string          `json:"name"`
	Email               string          `json:"email"`
	ShippingAddress     string          `json:"shipping_address"`
	ShippingCoordinates *Coordinates    `json:"shipping_coordinates,omitempty"`
	TotalAmount         FlexString      `json:"total_amount"`
	Items               json.RawMessage `json:"items"`
	Meta                map[string]any  `json:"meta,omitempty"`
	ClientTS            FlexString      `json:"client_ts"`
	PaymentMethod       string          `json:"payment_method,omitempty"`
	Status              string          `json:"status,omitempty"`
}

// CreateOrderCommand carries an order create with the request headers used for key derivation.
type CreateOrderCommand struct {
	Actor   Actor
	Headers http.Header
	Payload CreateOrderPayload

	paymentStatus string
}

// CreateOrderResult reports the order and whether an earlier attempt produced it.
type CreateOrderResult struct {
	Order      Order
	Idempotent bool
}

// ListOrdersCommand scopes listings. Admins may filter by user or vendor.
type ListOrdersCommand struct {
	Actor      Actor
	UserID     string
	VendorID   string
	Status     string
	Pagination Pagination
}

// UpdateOrderStatusCommand is a direct status write by an admin or the owning vendor.
type UpdateOrderStatusCommand struct {
	Actor         Actor
	OrderID       string
	Status        string
	VendorID      *string
	DeliveryToken *string
}

// MarkDeliveredCommand marks an order delivered on behalf of an admin or the owning vendor.
type MarkDeliveredCommand struct {
	Actor   Actor
	OrderID string
}

// ConfirmDeliveryCommand is a customer's receipt confirmation.
type ConfirmDeliveryCommand struct {
	Actor   Actor
	OrderID string
	Token   string
}

// CreatePaymentIntentCommand requests a Stripe intent. AmountCents wins over Amount.
type CreatePaymentIntentCommand struct {
	Actor       Actor
	Headers     http.Header
	Amount      FlexString
	AmountCents *int64
	Currency    string
	Email       string
	Description string
	Metadata    map[string]string
	Order       *CreateOrderPayload
}

// PaymentIntentResult is returned to the checkout client.
type PaymentIntentResult struct {
	ClientSecret    string
	PaymentIntentID string
	Amount          int64
	Currency        string
	Order           *Order
	Idempotent      bool
}

// WebhookResult summarises how a webhook event was handled.
type WebhookResult struct {
	Received  bool   `json:"received"`
	EventID   string `json:"event_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Matched   bool   `json:"matched"`
	MatchedBy string `json:"matched_by,omitempty"`
	OrderID   string `json:"order_id,omitempty"`
}

// MpesaInitiateCommand starts an STK push.
type MpesaInitiateCommand struct {
	Actor            Actor
	PhoneNumber      string
	Amount           decimal.Decimal
	AccountReference string
	Description      string
	OrderID          string
}

// MpesaInitiateResult echoes the gateway correlation ids.
type MpesaInitiateResult struct {
	CheckoutRequestID string `json:"checkout_request_id"`
	MerchantRequestID string `json:"merchant_request_id,omitempty"`
	CustomerMessage   string `json:"customer_message,omitempty"`
	Status            string `json:"status"`
}

// MpesaCallbackResult reports where a callback was recorded.
type MpesaCallbackResult struct {
	Key     string
	Status  mpesa.Status
	OrderID string
}

// MpesaStatus is the poll view of a pending transaction.
type MpesaStatus struct {
	CheckoutRequestID string         `json:"checkout_request_id"`
	Status            string         `json:"status"`
	ResultCode        *int           `json:"result_code,omitempty"`
	ResultDesc        string         `json:"result_desc,omitempty"`
	ReceiptNumber     string         `json:"receipt_number,omitempty"`
	OrderID           string         `json:"order_id,omitempty"`
	Amount            int64          `json:"amount,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	Callback          map[string]any `json:"callback,omitempty"`
}
