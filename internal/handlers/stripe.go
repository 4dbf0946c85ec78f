package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/marketlane/storefront-api/internal/domain"
	"github.com/marketlane/storefront-api/internal/payments"
	"github.com/marketlane/storefront-api/internal/platform/auth"
	"github.com/marketlane/storefront-api/internal/platform/httpx"
	"github.com/marketlane/storefront-api/internal/services"
)

const (
	maxIntentBodySize  = 256 * 1024
	maxWebhookBodySize = 512 * 1024
	stripeSignatureHdr = "Stripe-Signature"
)

// StripeHandlers serves payment intent creation and the Stripe webhook.
type StripeHandlers struct {
	authn        *auth.Authenticator
	intents      services.PaymentIntentService
	webhooks     services.StripeWebhookService
	createLimits []func(http.Handler) http.Handler
	hookLimits   []func(http.Handler) http.Handler
}

// StripeHandlerOption customises the Stripe handlers.
type StripeHandlerOption func(*StripeHandlers)

// WithIntentMiddlewares wraps POST /create-payment-intent.
func WithIntentMiddlewares(mw ...func(http.Handler) http.Handler) StripeHandlerOption {
	return func(h *StripeHandlers) {
		h.createLimits = append(h.createLimits, compactMiddlewares(mw)...)
	}
}

// WithWebhookMiddlewares wraps POST /webhook.
func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) StripeHandlerOption {
	return func(h *StripeHandlers) {
		h.hookLimits = append(h.hookLimits, compactMiddlewares(mw)...)
	}
}

// NewStripeHandlers constructs the Stripe endpoints.
func NewStripeHandlers(authn *auth.Authenticator, intents services.PaymentIntentService, webhooks services.StripeWebhookService, opts ...StripeHandlerOption) *StripeHandlers {
	h := &StripeHandlers{authn: authn, intents: intents, webhooks: webhooks}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /stripe endpoints. The webhook is authenticated by its signature only.
func (h *StripeHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Group(func(authed chi.Router) {
		if h.authn != nil {
			authed.Use(h.authn.RequireAuth())
		}
		authed.With(h.createLimits...).Post("/create-payment-intent", h.createPaymentIntent)
	})
	r.With(h.hookLimits...).Post("/webhook", h.handleWebhook)
}

type createPaymentIntentRequest struct {
	Amount      services.FlexString          `json:"amount"`
	AmountCents *int64                       `json:"amount_cents,omitempty"`
	Currency    string                       `json:"currency,omitempty"`
	Email       string                       `json:"email,omitempty"`
	Description string                       `json:"description,omitempty"`
	Metadata    map[string]string            `json:"metadata,omitempty"`
	Order       *services.CreateOrderPayload `json:"order,omitempty"`
}

type paymentIntentResponse struct {
	ClientSecret    string        `json:"client_secret"`
	PaymentIntentID string        `json:"payment_intent_id"`
	Amount          int64         `json:"amount"`
	Currency        string        `json:"currency"`
	Order           *domain.Order `json:"order,omitempty"`
	Idempotent      bool          `json:"idempotent"`
}

func (h *StripeHandlers) createPaymentIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.intents == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req createPaymentIntentRequest
	if !decodeJSONBody(w, r, maxIntentBodySize, &req) {
		return
	}

	result, err := h.intents.CreatePaymentIntent(ctx, services.CreatePaymentIntentCommand{
		Actor:       actor,
		Headers:     r.Header.Clone(),
		Amount:      req.Amount,
		AmountCents: req.AmountCents,
		Currency:    strings.TrimSpace(req.Currency),
		Email:       strings.TrimSpace(req.Email),
		Description: strings.TrimSpace(req.Description),
		Metadata:    req.Metadata,
		Order:       req.Order,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, paymentIntentResponse{
		ClientSecret:    result.ClientSecret,
		PaymentIntentID: result.PaymentIntentID,
		Amount:          result.Amount,
		Currency:        result.Currency,
		Order:           result.Order,
		Idempotent:      result.Idempotent,
	})
}

func (h *StripeHandlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.webhooks == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook processing unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	result, err := h.webhooks.HandleWebhook(ctx, body, r.Header.Get(stripeSignatureHdr))
	if err != nil {
		if errors.Is(err, payments.ErrWebhookSignature) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
			return
		}
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}
