package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	domain "github.com/marketlane/storefront-api/internal/domain"
	"github.com/marketlane/storefront-api/internal/payments"
	"github.com/marketlane/storefront-api/internal/platform/textutil"
	"github.com/marketlane/storefront-api/internal/repositories"
)

const defaultIntentCurrency = "usd"

var (
	// ErrPaymentInvalidInput indicates the payment request was malformed.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentGateway indicates the gateway rejected or failed the request.
	ErrPaymentGateway = errors.New("payment: gateway error")
	// ErrPaymentAlreadySettled indicates the provisional order has already been paid.
	ErrPaymentAlreadySettled = errors.New("payment: order already paid")
)

// PaymentIntentServiceDeps bundles collaborators for intent creation.
type PaymentIntentServiceDeps struct {
	Orders          OrderService
	Repository      repositories.OrderRepository
	Stripe          StripeGateway
	Events          OrderEventPublisher
	DefaultCurrency string
	Clock           func() time.Time
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type paymentIntentService struct {
	orders   OrderService
	stripe   StripeGateway
	ledger   *paymentLedger
	currency string
	logger   func(ctx context.Context, event string, fields map[string]any)
}

var _ PaymentIntentService = (*paymentIntentService)(nil)

// NewPaymentIntentService validates dependencies and the default currency.
func NewPaymentIntentService(deps PaymentIntentServiceDeps) (PaymentIntentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment intent service: order service is required")
	}
	if deps.Repository == nil {
		return nil, errors.New("payment intent service: order repository is required")
	}
	if deps.Stripe == nil {
		return nil, errors.New("payment intent service: stripe gateway is required")
	}
	code := strings.TrimSpace(deps.DefaultCurrency)
	if code == "" {
		code = defaultIntentCurrency
	}
	if _, _, err := currencyScale(code); err != nil {
		return nil, fmt.Errorf("payment intent service: %w", err)
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	utc := func() time.Time { return clock().UTC() }
	return &paymentIntentService{
		orders:   deps.Orders,
		stripe:   deps.Stripe,
		ledger:   newPaymentLedger(deps.Repository, deps.Events, utc, logger),
		currency: strings.ToLower(code),
		logger:   logger,
	}, nil
}

func (s *paymentIntentService) CreatePaymentIntent(ctx context.Context, cmd CreatePaymentIntentCommand) (PaymentIntentResult, error) {
	userID := strings.TrimSpace(cmd.Actor.ID)
	code := strings.ToLower(strings.TrimSpace(cmd.Currency))
	if code == "" {
		code = s.currency
	}
	unit, scale, err := currencyScale(code)
	if err != nil {
		return PaymentIntentResult{}, fmt.Errorf("%w: %v", ErrPaymentInvalidInput, err)
	}

	result := PaymentIntentResult{Currency: strings.ToLower(unit.String())}
	var key, clientTS string
	if cmd.Order != nil {
		payload := *cmd.Order
		if strings.TrimSpace(payload.PaymentMethod) == "" {
			payload.PaymentMethod = "card"
		}
		created, err := s.orders.Create(ctx, CreateOrderCommand{
			Actor:         cmd.Actor,
			Headers:       cmd.Headers,
			Payload:       payload,
			paymentStatus: domain.PaymentStatusPending,
		})
		if err != nil {
			return PaymentIntentResult{}, err
		}
		if created.Order.IsPaid() {
			return PaymentIntentResult{}, fmt.Errorf("%w: order %s", ErrPaymentAlreadySettled, created.Order.ID)
		}
		order := created.Order
		result.Order = &order
		result.Idempotent = created.Idempotent
		key = domain.Deref(order.IdempotencyKey)
		clientTS = order.Meta.ClientTS
	} else {
		key = DeriveIdempotencyKey(cmd.Headers, nil, "", userID)
	}

	amount, err := intentAmount(cmd, result.Order, scale)
	if err != nil {
		return PaymentIntentResult{}, err
	}
	result.Amount = amount

	metadata := textutil.NormalizeStringMap(cmd.Metadata)
	if metadata == nil {
		metadata = make(map[string]string, 4)
	}
	metadata["user_id"] = userID
	metadata["idempotency_key"] = key
	metadata["client_ts"] = clientTS
	if result.Order != nil {
		metadata["order_id"] = result.Order.ID
	}

	stripeKey := ""
	if key != "" {
		stripeKey = fmt.Sprintf("pi:%s:%s:%d", userID, key, amount)
	}
	email := strings.TrimSpace(cmd.Email)
	if email == "" && result.Order != nil {
		email = result.Order.Email
	}

	intent, err := s.stripe.CreatePaymentIntent(ctx, payments.IntentRequest{
		Amount:         amount,
		Currency:       result.Currency,
		Metadata:       metadata,
		IdempotencyKey: stripeKey,
		ReceiptEmail:   email,
		Description:    cmd.Description,
	})
	if err != nil {
		s.logger(ctx, "payment.intent.create_failed", map[string]any{
			"userId": userID,
			"amount": amount,
			"error":  err.Error(),
		})
		if errors.Is(err, payments.ErrGatewayUnavailable) {
			return PaymentIntentResult{}, err
		}
		return PaymentIntentResult{}, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}
	result.ClientSecret = intent.ClientSecret
	result.PaymentIntentID = intent.ID

	if result.Order != nil && result.Order.StripePaymentIntentID() != intent.ID {
		linked, err := s.ledger.linkPaymentIntent(ctx, result.Order.ID, intent.ID)
		if err != nil {
			s.logger(ctx, "payment.intent.link_failed", map[string]any{
				"orderId":       result.Order.ID,
				"paymentIntent": intent.ID,
				"error":         err.Error(),
			})
		} else {
			result.Order = &linked
		}
	}
	return result, nil
}

// intentAmount returns the amount in minor units. amount_cents wins; the order total is used when
// neither amount is given.
func intentAmount(cmd CreatePaymentIntentCommand, order *Order, scale int) (int64, error) {
	if cmd.AmountCents != nil {
		if *cmd.AmountCents <= 0 {
			return 0, fmt.Errorf("%w: amount_cents must be positive", ErrPaymentInvalidInput)
		}
		return *cmd.AmountCents, nil
	}
	var major decimal.Decimal
	switch raw := cmd.Amount.String(); {
	case raw != "":
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			return 0, fmt.Errorf("%w: amount must be numeric", ErrPaymentInvalidInput)
		}
		major = parsed
	case order != nil:
		major = order.TotalAmount.Decimal
	default:
		return 0, fmt.Errorf("%w: amount or amount_cents is required", ErrPaymentInvalidInput)
	}
	minor := major.Shift(int32(scale)).Round(0)
	if !minor.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be positive", ErrPaymentInvalidInput)
	}
	return minor.IntPart(), nil
}

// currencyScale validates an ISO 4217 code and returns its standard minor unit scale.
func currencyScale(code string) (currency.Unit, int, error) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return currency.Unit{}, 0, fmt.Errorf("unsupported currency %q", code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return unit, scale, nil
}
