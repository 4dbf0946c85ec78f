package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/marketlane/storefront-api/internal/domain"
	"github.com/marketlane/storefront-api/internal/repositories"
)

// Matching strategies recorded in payment_details.matched_by.
const (
	MatchOrderID           = "order_id"
	MatchIdempotencyMeta   = "idempotency_meta"
	MatchIdempotencyColumn = "idempotency_column"
	MatchPaymentIntentID   = "payment_intent_id"
	MatchClientTS          = "client_ts"
	MatchEmailAmount       = "email_amount"
	MatchAmountOnly        = "amount_only"
	MatchIdempotentReplay  = "idempotent_replay"
	MatchMpesaCheckout     = "mpesa_checkout"
)

var errAlreadySettled = errors.New("payment already settled")

// settlement is a confirmed gateway payment to apply to an order.
type settlement struct {
	Provider  string
	Reference string
	Receipt   string
	MatchedBy string
	Payload   map[string]any
}

// paymentLedger applies gateway outcomes to orders. A paid order keeps the details of the payment
// that settled it; repeated deliveries do not overwrite them.
type paymentLedger struct {
	orders repositories.OrderRepository
	events OrderEventPublisher
	clock  func() time.Time
	logger func(ctx context.Context, event string, fields map[string]any)
}

func newPaymentLedger(orders repositories.OrderRepository, events OrderEventPublisher, clock func() time.Time, logger func(context.Context, string, map[string]any)) *paymentLedger {
	return &paymentLedger{orders: orders, events: events, clock: clock, logger: logger}
}

func (l *paymentLedger) markPaid(ctx context.Context, orderID string, st settlement) (Order, error) {
	now := l.clock()
	var previous string
	updated, err := l.orders.Update(ctx, orderID, func(order *Order) error {
		previous = order.PaymentStatus
		if order.IsPaid() && order.PaymentDetails.GatewayReference() != "" {
			return errAlreadySettled
		}
		details := order.PaymentDetails
		if details == nil {
			details = &PaymentDetails{}
		}
		details.Provider = st.Provider
		switch st.Provider {
		case domain.PaymentProviderStripe:
			details.StripePaymentIntentID = st.Reference
		case domain.PaymentProviderMpesa:
			details.MpesaCheckoutID = st.Reference
			details.MpesaReceipt = st.Receipt
		}
		details.MatchedBy = st.MatchedBy
		details.PaidAt = &now
		if st.Payload != nil {
			details.GatewayPayload = st.Payload
		}
		order.PaymentDetails = details
		order.PaymentStatus = domain.PaymentStatusPaid
		if order.PaymentMethod == "" {
			order.PaymentMethod = paymentMethodFor(st.Provider)
		}
		return nil
	})
	if errors.Is(err, errAlreadySettled) {
		existing, getErr := l.orders.Get(ctx, orderID)
		if getErr != nil {
			return Order{}, getErr
		}
		l.logger(ctx, "payment.order.already_paid", map[string]any{
			"orderId":   orderID,
			"reference": st.Reference,
			"matchedBy": st.MatchedBy,
		})
		return existing, nil
	}
	if err != nil {
		l.logger(ctx, "payment.order.mark_paid_failed", map[string]any{
			"orderId":   orderID,
			"reference": st.Reference,
			"error":     err.Error(),
		})
		return Order{}, fmt.Errorf("mark order %s paid: %w", orderID, err)
	}
	publishOrderEvent(ctx, l.events, l.logger, OrderEvent{
		Type:          orderEventPaid,
		OrderID:       updated.ID,
		OrderNumber:   updated.OrderNumber,
		UserID:        updated.UserID,
		VendorID:      domain.Deref(updated.VendorID),
		CurrentStatus: updated.Status,
		PaymentStatus: updated.PaymentStatus,
		MatchedBy:     st.MatchedBy,
		OccurredAt:    now,
		Metadata: map[string]any{
			"provider":               st.Provider,
			"reference":              st.Reference,
			"previous_payment_state": previous,
		},
	})
	return updated, nil
}

// markFailed records a failed payment. Paid orders are left untouched.
func (l *paymentLedger) markFailed(ctx context.Context, orderID string, st settlement) (Order, error) {
	now := l.clock()
	updated, err := l.orders.Update(ctx, orderID, func(order *Order) error {
		if order.IsPaid() {
			return errAlreadySettled
		}
		details := order.PaymentDetails
		if details == nil {
			details = &PaymentDetails{}
		}
		details.Provider = st.Provider
		switch st.Provider {
		case domain.PaymentProviderStripe:
			details.StripePaymentIntentID = st.Reference
		case domain.PaymentProviderMpesa:
			details.MpesaCheckoutID = st.Reference
		}
		if st.Payload != nil {
			details.GatewayPayload = st.Payload
		}
		order.PaymentDetails = details
		order.PaymentStatus = domain.PaymentStatusFailed
		return nil
	})
	if errors.Is(err, errAlreadySettled) {
		l.logger(ctx, "payment.order.failure_ignored_paid", map[string]any{"orderId": orderID})
		return l.orders.Get(ctx, orderID)
	}
	if err != nil {
		return Order{}, fmt.Errorf("mark order %s failed: %w", orderID, err)
	}
	publishOrderEvent(ctx, l.events, l.logger, OrderEvent{
		Type:          orderEventPaymentFailed,
		OrderID:       updated.ID,
		OrderNumber:   updated.OrderNumber,
		UserID:        updated.UserID,
		VendorID:      domain.Deref(updated.VendorID),
		CurrentStatus: updated.Status,
		PaymentStatus: updated.PaymentStatus,
		OccurredAt:    now,
		Metadata:      map[string]any{"provider": st.Provider, "reference": st.Reference},
	})
	return updated, nil
}

// linkPaymentIntent records the intent id on a provisional order without touching its status.
func (l *paymentLedger) linkPaymentIntent(ctx context.Context, orderID, intentID string) (Order, error) {
	return l.orders.Update(ctx, orderID, func(order *Order) error {
		details := order.PaymentDetails
		if details == nil {
			details = &PaymentDetails{}
		}
		if details.StripePaymentIntentID != "" && details.StripePaymentIntentID != intentID && order.IsPaid() {
			return errAlreadySettled
		}
		details.Provider = domain.PaymentProviderStripe
		details.StripePaymentIntentID = intentID
		order.PaymentDetails = details
		return nil
	})
}

// linkCheckout records an M-Pesa checkout id on an unpaid order and marks its payment pending.
func (l *paymentLedger) linkCheckout(ctx context.Context, orderID, checkoutID string) (Order, error) {
	return l.orders.Update(ctx, orderID, func(order *Order) error {
		if order.IsPaid() {
			return errAlreadySettled
		}
		details := order.PaymentDetails
		if details == nil {
			details = &PaymentDetails{}
		}
		details.Provider = domain.PaymentProviderMpesa
		details.MpesaCheckoutID = checkoutID
		order.PaymentDetails = details
		order.PaymentStatus = domain.PaymentStatusPending
		if order.PaymentMethod == "" {
			order.PaymentMethod = paymentMethodFor(domain.PaymentProviderMpesa)
		}
		return nil
	})
}

func paymentMethodFor(provider string) string {
	switch provider {
	case domain.PaymentProviderStripe:
		return "card"
	case domain.PaymentProviderMpesa:
		return "mpesa"
	default:
		return provider
	}
}
