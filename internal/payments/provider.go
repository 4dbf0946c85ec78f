package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or gateway confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the gateway reports the payment as settled.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the gateway reports a failure and no further action is possible.
	StatusFailed Status = "failed"
)

// Provider keys.
const (
	ProviderStripe = "stripe"
	ProviderMpesa  = "mpesa"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrPaymentNotFound is returned when the gateway does not know the reference.
	ErrPaymentNotFound = errors.New("payments: payment not found")
)

// LookupRequest identifies a gateway payment: a Stripe payment intent id or an M-Pesa checkout id.
type LookupRequest struct {
	Reference string
}

// PaymentDetails normalises gateway specific fields for reconciliation.
type PaymentDetails struct {
	Provider  string
	Reference string
	Receipt   string
	Status    Status
	Amount    int64
	Currency  string
	Email     string
	Metadata  map[string]string
	Raw       map[string]any
}

// Provider is the gateway contract used to reconcile orders against payments.
type Provider interface {
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
}

// Manager routes lookups to the provider recorded on an order.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider) (*Manager, error) {
	registered := make(map[string]Provider, len(providers))
	for key, provider := range providers {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", key)
		}
		if provider == nil {
			continue
		}
		registered[key] = provider
	}
	if len(registered) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	m := &Manager{providers: registered}
	if _, ok := registered[ProviderStripe]; ok {
		m.defaultProvider = ProviderStripe
	}
	return m, nil
}

// Has reports whether key is registered.
func (m *Manager) Has(key string) bool {
	if m == nil {
		return false
	}
	_, ok := m.providers[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// LookupPayment delegates to the provider named by key, or the default provider when key is empty.
func (m *Manager) LookupPayment(ctx context.Context, key string, req LookupRequest) (PaymentDetails, error) {
	if m == nil {
		return PaymentDetails{}, ErrUnsupportedProvider
	}
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		key = m.defaultProvider
	}
	provider, ok := m.providers[key]
	if !ok {
		return PaymentDetails{}, fmt.Errorf("%w: %s", ErrUnsupportedProvider, key)
	}
	details, err := provider.LookupPayment(ctx, req)
	if err != nil {
		return PaymentDetails{}, err
	}
	if details.Provider == "" {
		details.Provider = key
	}
	return details, nil
}
