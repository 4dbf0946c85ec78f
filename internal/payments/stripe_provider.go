package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

// ErrWebhookSignature is returned when a webhook payload fails signature verification.
var ErrWebhookSignature = errors.New("stripe: webhook signature verification failed")

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	WebhookSecret string
	Backends      *stripe.Backends
	Breaker       BreakerConfig
	Logger        StripeLogger
	Clock         func() time.Time

	intents stripePaymentIntentAPI
}

// StripeProvider creates and looks up payment intents and verifies webhook events.
type StripeProvider struct {
	intents       stripePaymentIntentAPI
	webhookSecret string
	breaker       *gobreaker.CircuitBreaker[*stripe.PaymentIntent]
	clock         func() time.Time
	logger        StripeLogger
}

var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider constructs a Stripe provider.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	intents := cfg.intents
	if intents == nil {
		if apiKey == "" {
			return nil, errors.New("stripe: api key is required")
		}
		intents = client.New(apiKey, cfg.Backends).PaymentIntents
	}
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	breakerCfg := cfg.Breaker
	if breakerCfg.Name == "" {
		breakerCfg.Name = "stripe"
	}
	breakerCfg.IsSuccessful = isStripeClientError

	return &StripeProvider{
		intents:       intents,
		webhookSecret: secret,
		breaker:       NewBreaker[*stripe.PaymentIntent](breakerCfg),
		clock:         func() time.Time { return clock().UTC() },
		logger:        logger,
	}, nil
}

// IntentRequest describes a payment intent to create. Amount is in minor units.
type IntentRequest struct {
	Amount         int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
	ReceiptEmail   string
	Description    string
}

// Intent is the client-facing result of intent creation.
type Intent struct {
	ID           string
	ClientSecret string
	Status       string
	Amount       int64
	Currency     string
}

// CreatePaymentIntent creates an automatic-payment-methods intent.
func (p *StripeProvider) CreatePaymentIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if req.Amount <= 0 {
		return Intent{}, fmt.Errorf("stripe: amount must be positive, got %d", req.Amount)
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(strings.TrimSpace(req.Currency))),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if email := strings.TrimSpace(req.ReceiptEmail); email != "" {
		params.ReceiptEmail = stripe.String(email)
	}
	if desc := strings.TrimSpace(req.Description); desc != "" {
		params.Description = stripe.String(desc)
	}
	for k, v := range req.Metadata {
		if strings.TrimSpace(v) != "" {
			params.AddMetadata(k, v)
		}
	}

	intent, err := p.breaker.Execute(func() (*stripe.PaymentIntent, error) {
		return p.intents.New(params)
	})
	if err != nil {
		return Intent{}, fmt.Errorf("stripe: create payment intent: %w", BreakerError(err))
	}
	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
		"currency":      intent.Currency,
	})
	return Intent{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		Status:       string(intent.Status),
		Amount:       intent.Amount,
		Currency:     string(intent.Currency),
	}, nil
}

// LookupPayment retrieves a payment intent by id.
func (p *StripeProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	id := strings.TrimSpace(req.Reference)
	if id == "" {
		return PaymentDetails{}, fmt.Errorf("%w: payment intent id is required", ErrPaymentNotFound)
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")

	intent, err := p.breaker.Execute(func() (*stripe.PaymentIntent, error) {
		return p.intents.Get(id, params)
	})
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			return PaymentDetails{}, fmt.Errorf("%w: %s", ErrPaymentNotFound, id)
		}
		return PaymentDetails{}, fmt.Errorf("stripe: lookup payment intent: %w", BreakerError(err))
	}
	return StripePaymentDetails(intent), nil
}

// ConstructEvent verifies payload against the Stripe-Signature header. The event API version is
// not pinned to the library version so dashboard upgrades do not break delivery.
func (p *StripeProvider) ConstructEvent(payload []byte, signature string) (stripe.Event, error) {
	if strings.TrimSpace(signature) == "" {
		return stripe.Event{}, fmt.Errorf("%w: missing signature header", ErrWebhookSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrWebhookSignature, err)
	}
	return event, nil
}

// StripePaymentDetails normalises a payment intent for reconciliation.
func StripePaymentDetails(intent *stripe.PaymentIntent) PaymentDetails {
	if intent == nil {
		return PaymentDetails{}
	}

	status := StatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		status = StatusFailed
	}

	email := strings.TrimSpace(intent.ReceiptEmail)
	receipt := ""
	if charge := intent.LatestCharge; charge != nil {
		receipt = charge.ID
		if email == "" && charge.BillingDetails != nil {
			email = strings.TrimSpace(charge.BillingDetails.Email)
		}
	}

	amount := intent.AmountReceived
	if amount == 0 {
		amount = intent.Amount
	}

	raw := map[string]any{}
	if data, err := json.Marshal(intent); err == nil {
		_ = json.Unmarshal(data, &raw)
	}

	return PaymentDetails{
		Provider:  ProviderStripe,
		Reference: intent.ID,
		Receipt:   receipt,
		Status:    status,
		Amount:    amount,
		Currency:  strings.ToUpper(string(intent.Currency)),
		Email:     strings.ToLower(email),
		Metadata:  intent.Metadata,
		Raw:       raw,
	}
}

// isStripeClientError keeps 4xx rejections from tripping the breaker.
func isStripeClientError(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.HTTPStatusCode >= 400 && stripeErr.HTTPStatusCode < 500 && stripeErr.HTTPStatusCode != http.StatusTooManyRequests
}
