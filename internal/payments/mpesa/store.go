package mpesa

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a pending STK push.
type Status string

// Pending transactions move initiated -> success | failed. Callbacks without a checkout id are
// stored as callback_no_id and never transition.
const (
	StatusInitiated    Status = "initiated"
	StatusSuccess      Status = "success"
	StatusFailed       Status = "failed"
	StatusCallbackNoID Status = "callback_no_id"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCallbackNoID
}

// ErrNotFound is returned when no live entry exists for a key.
var ErrNotFound = errors.New("mpesa: pending transaction not found")

// Entry is one pending STK push keyed by its checkout request id.
type Entry struct {
	Key               string         `json:"key"`
	Status            Status         `json:"status"`
	MerchantRequestID string         `json:"merchant_request_id,omitempty"`
	OrderID           string         `json:"order_id,omitempty"`
	UserID            string         `json:"user_id,omitempty"`
	PhoneNumber       string         `json:"phone_number,omitempty"`
	Amount            int64          `json:"amount,omitempty"`
	Request           map[string]any `json:"request,omitempty"`
	GatewayResponse   map[string]any `json:"gateway_response,omitempty"`
	Callback          map[string]any `json:"callback,omitempty"`
	ResultCode        *int           `json:"result_code,omitempty"`
	ResultDesc        string         `json:"result_desc,omitempty"`
	ReceiptNumber     string         `json:"receipt_number,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	ExpiresAt         time.Time      `json:"expires_at"`
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Store persists pending transactions. Expired entries behave as absent.
type Store interface {
	Put(ctx context.Context, entry Entry) error
	Get(ctx context.Context, key string) (Entry, error)
	// Update applies mutate to the live entry atomically. Returning an error from mutate aborts.
	Update(ctx context.Context, key string, mutate func(*Entry) error) (Entry, error)
	// Cleanup removes up to limit expired entries and reports how many were removed.
	Cleanup(ctx context.Context, now time.Time, limit int) (int, error)
}
