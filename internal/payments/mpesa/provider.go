package mpesa

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/marketlane/storefront-api/internal/payments"
)

// Provider answers payment lookups from the pending store, so reconciliation can treat an M-Pesa
// checkout id like any other gateway reference.
type Provider struct {
	store Store
}

var _ payments.Provider = (*Provider)(nil)

// NewProvider constructs a Provider.
func NewProvider(store Store) *Provider {
	return &Provider{store: store}
}

// LookupPayment implements payments.Provider.
func (p *Provider) LookupPayment(ctx context.Context, req payments.LookupRequest) (payments.PaymentDetails, error) {
	key := strings.TrimSpace(req.Reference)
	entry, err := p.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return payments.PaymentDetails{}, fmt.Errorf("%w: %s", payments.ErrPaymentNotFound, key)
	}
	if err != nil {
		return payments.PaymentDetails{}, err
	}

	status := payments.StatusPending
	switch entry.Status {
	case StatusSuccess:
		status = payments.StatusSucceeded
	case StatusFailed:
		status = payments.StatusFailed
	}
	details := payments.PaymentDetails{
		Provider:  payments.ProviderMpesa,
		Reference: entry.Key,
		Receipt:   entry.ReceiptNumber,
		Status:    status,
		Amount:    entry.Amount,
		Currency:  "KES",
		Raw:       entry.Callback,
	}
	if entry.OrderID != "" {
		details.Metadata = map[string]string{"order_id": entry.OrderID}
	}
	return details, nil
}
