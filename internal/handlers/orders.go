package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/marketlane/storefront-api/internal/domain"
	"github.com/marketlane/storefront-api/internal/platform/auth"
	"github.com/marketlane/storefront-api/internal/platform/httpx"
	"github.com/marketlane/storefront-api/internal/platform/pagination"
	"github.com/marketlane/storefront-api/internal/platform/validation"
	"github.com/marketlane/storefront-api/internal/services"
)

const (
	defaultOrderPageSize   = 20
	maxOrderPageSize       = 100
	maxOrderBodySize       = 256 * 1024
	maxOrderUpdateBodySize = 4 * 1024
)

// OrderHandlers exposes the order create, read and delivery endpoints.
type OrderHandlers struct {
	authn        *auth.Authenticator
	orders       services.OrderService
	createLimits []func(http.Handler) http.Handler
}

// OrderHandlerOption customises the order handlers.
type OrderHandlerOption func(*OrderHandlers)

// WithOrderCreateMiddlewares wraps only POST /orders, typically with rate limiting and replay.
func WithOrderCreateMiddlewares(mw ...func(http.Handler) http.Handler) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.createLimits = append(h.createLimits, compactMiddlewares(mw)...)
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlerOption) *OrderHandlers {
	h := &OrderHandlers{authn: authn, orders: orders}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.With(h.createLimits...).Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Put("/{orderID}/status", h.updateStatus)
	r.Patch("/{orderID}/delivered", h.markDelivered)
	r.Post("/{orderID}/confirm-delivery", h.confirmDelivery)
}

type createOrderResponse struct {
	Order      domain.Order `json:"order"`
	Idempotent bool         `json:"idempotent"`
}

type orderResponse struct {
	Order domain.Order `json:"order"`
}

type orderListResponse struct {
	Items         []domain.Order `json:"items"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type updateStatusRequest struct {
	Status        string  `json:"status" validate:"required,max=64"`
	VendorID      *string `json:"vendor_id,omitempty" validate:"omitempty,max=128"`
	DeliveryToken *string `json:"delivery_token,omitempty" validate:"omitempty,max=128"`
}

type confirmDeliveryRequest struct {
	Token string `json:"token" validate:"max=128"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var payload services.CreateOrderPayload
	if !decodeJSONBody(w, r, maxOrderBodySize, &payload) {
		return
	}

	result, err := h.orders.Create(ctx, services.CreateOrderCommand{
		Actor:   actor,
		Headers: r.Header.Clone(),
		Payload: payload,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	status := http.StatusCreated
	if result.Idempotent {
		status = http.StatusOK
	}
	writeJSONResponse(w, status, createOrderResponse{Order: result.Order, Idempotent: result.Idempotent})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{
		DefaultPageSize: defaultOrderPageSize,
		MaxPageSize:     maxOrderPageSize,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	query := r.URL.Query()
	page, err := h.orders.List(ctx, services.ListOrdersCommand{
		Actor:    actor,
		UserID:   strings.TrimSpace(query.Get("user_id")),
		VendorID: strings.TrimSpace(query.Get("vendor_id")),
		Status:   strings.TrimSpace(query.Get("status")),
		Pagination: services.Pagination{
			PageSize:  params.PageSize,
			PageToken: params.PageToken,
		},
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	items := page.Items
	if items == nil {
		items = []domain.Order{}
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	order, err := h.orders.Get(ctx, actor, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: order})
}

func (h *OrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req updateStatusRequest
	if !decodeJSONBody(w, r, maxOrderUpdateBodySize, &req) {
		return
	}
	if !validateRequest(w, r, req) {
		return
	}

	order, err := h.orders.UpdateStatus(ctx, services.UpdateOrderStatusCommand{
		Actor:         actor,
		OrderID:       orderID,
		Status:        req.Status,
		VendorID:      req.VendorID,
		DeliveryToken: req.DeliveryToken,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: order})
}

func (h *OrderHandlers) markDelivered(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	order, err := h.orders.MarkDelivered(ctx, services.MarkDeliveredCommand{Actor: actor, OrderID: orderID})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: order})
}

func (h *OrderHandlers) confirmDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req confirmDeliveryRequest
	if body, err := readLimitedBody(r, maxOrderUpdateBodySize); err == nil {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	} else if !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}
	if !validateRequest(w, r, req) {
		return
	}

	order, err := h.orders.ConfirmDelivery(ctx, services.ConfirmDeliveryCommand{
		Actor:   actor,
		OrderID: orderID,
		Token:   strings.TrimSpace(req.Token),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: order})
}

func (h *OrderHandlers) available(w http.ResponseWriter, r *http.Request) bool {
	if h.orders == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", false
	}
	return orderID, true
}

func validateRequest(w http.ResponseWriter, r *http.Request, req any) bool {
	err := validation.Struct(req)
	if err == nil {
		return true
	}
	var fields validation.FieldErrors
	if errors.As(err, &fields) {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", fields.Error(), http.StatusBadRequest).
			WithDetails(map[string]any{"fields": map[string]string(fields)}))
		return false
	}
	httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	return false
}
