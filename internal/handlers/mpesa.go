package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/marketlane/storefront-api/internal/platform/auth"
	"github.com/marketlane/storefront-api/internal/platform/httpx"
	"github.com/marketlane/storefront-api/internal/platform/requestctx"
	"github.com/marketlane/storefront-api/internal/services"
)

const (
	maxMpesaBodySize     = 16 * 1024
	maxCallbackBodySize  = 64 * 1024
	callbackTokenParam   = "token"
	checkoutIDQueryParam = "checkoutId"
)

// MpesaHandlers serves STK push initiation, the Daraja callback and status polling.
type MpesaHandlers struct {
	authn          *auth.Authenticator
	mpesa          services.MpesaService
	callbackToken  string
	initiateLimits []func(http.Handler) http.Handler
	callbackLimits []func(http.Handler) http.Handler
}

// MpesaHandlerOption customises the M-Pesa handlers.
type MpesaHandlerOption func(*MpesaHandlers)

// WithMpesaCallbackToken requires callbacks to carry ?token=<value>. Empty disables the guard.
func WithMpesaCallbackToken(token string) MpesaHandlerOption {
	return func(h *MpesaHandlers) {
		h.callbackToken = strings.TrimSpace(token)
	}
}

// WithMpesaInitiateMiddlewares wraps POST /payments/mpesa.
func WithMpesaInitiateMiddlewares(mw ...func(http.Handler) http.Handler) MpesaHandlerOption {
	return func(h *MpesaHandlers) {
		h.initiateLimits = append(h.initiateLimits, compactMiddlewares(mw)...)
	}
}

// WithMpesaCallbackMiddlewares wraps the callback route.
func WithMpesaCallbackMiddlewares(mw ...func(http.Handler) http.Handler) MpesaHandlerOption {
	return func(h *MpesaHandlers) {
		h.callbackLimits = append(h.callbackLimits, compactMiddlewares(mw)...)
	}
}

// NewMpesaHandlers constructs the M-Pesa endpoints.
func NewMpesaHandlers(authn *auth.Authenticator, svc services.MpesaService, opts ...MpesaHandlerOption) *MpesaHandlers {
	h := &MpesaHandlers{authn: authn, mpesa: svc}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /payments endpoints.
func (h *MpesaHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.With(h.callbackLimits...).Post("/mpesa/callback", h.handleCallback)
	r.Group(func(authed chi.Router) {
		if h.authn != nil {
			authed.Use(h.authn.RequireAuth())
		}
		authed.With(h.initiateLimits...).Post("/mpesa", h.initiate)
		authed.Get("/mpesa/status", h.pollStatus)
	})
}

type mpesaInitiateRequest struct {
	PhoneNumber      string              `json:"phone_number"`
	Phone            string              `json:"phone"`
	Amount           services.FlexString `json:"amount"`
	AccountReference string              `json:"account_reference" validate:"max=12"`
	Description      string              `json:"description" validate:"max=64"`
	OrderID          string              `json:"order_id" validate:"max=128"`
}

type callbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

func (h *MpesaHandlers) initiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.mpesa == nil {
		httpx.WriteError(ctx, w, httpx.NewError("mpesa_unavailable", "mpesa payments are not configured", http.StatusServiceUnavailable))
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req mpesaInitiateRequest
	if !decodeJSONBody(w, r, maxMpesaBodySize, &req) {
		return
	}
	if !validateRequest(w, r, req) {
		return
	}
	phone := strings.TrimSpace(req.PhoneNumber)
	if phone == "" {
		phone = strings.TrimSpace(req.Phone)
	}
	if phone == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "phone_number is required", http.StatusBadRequest))
		return
	}
	amount, err := decimal.NewFromString(req.Amount.String())
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "amount must be numeric", http.StatusBadRequest))
		return
	}

	result, err := h.mpesa.Initiate(ctx, services.MpesaInitiateCommand{
		Actor:            actor,
		PhoneNumber:      phone,
		Amount:           amount,
		AccountReference: strings.TrimSpace(req.AccountReference),
		Description:      strings.TrimSpace(req.Description),
		OrderID:          strings.TrimSpace(req.OrderID),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

// handleCallback always acknowledges processed callbacks so Daraja stops retrying.
func (h *MpesaHandlers) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.callbackToken != "" {
		supplied := strings.TrimSpace(r.URL.Query().Get(callbackTokenParam))
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(h.callbackToken)) != 1 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_callback_token", "callback token rejected", http.StatusUnauthorized))
			return
		}
	}
	if h.mpesa == nil {
		httpx.WriteError(ctx, w, httpx.NewError("mpesa_unavailable", "mpesa payments are not configured", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxCallbackBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	result, err := h.mpesa.HandleCallback(ctx, body)
	logger := requestctx.Logger(ctx)
	if err != nil {
		logger.Warn("mpesa callback processing failed", zap.Error(err))
	} else {
		logger.Info("mpesa callback recorded",
			zap.String("key", result.Key),
			zap.String("status", string(result.Status)),
			zap.String("orderId", result.OrderID),
		)
	}
	writeJSONResponse(w, http.StatusOK, callbackAck{ResultCode: 0, ResultDesc: "Accepted"})
}

func (h *MpesaHandlers) pollStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.mpesa == nil {
		httpx.WriteError(ctx, w, httpx.NewError("mpesa_unavailable", "mpesa payments are not configured", http.StatusServiceUnavailable))
		return
	}
	if _, ok := requireActor(w, r); !ok {
		return
	}
	checkoutID := strings.TrimSpace(r.URL.Query().Get(checkoutIDQueryParam))
	if checkoutID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "checkoutId is required", http.StatusBadRequest))
		return
	}

	status, err := h.mpesa.PollStatus(ctx, checkoutID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, status)
}
