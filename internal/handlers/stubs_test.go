package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/marketlane/storefront-api/internal/domain"
	"github.com/marketlane/storefront-api/internal/platform/auth"
	"github.com/marketlane/storefront-api/internal/services"
)

type stubOrderService struct {
	createFn  func(context.Context, services.CreateOrderCommand) (services.CreateOrderResult, error)
	getFn     func(context.Context, services.Actor, string) (services.Order, error)
	listFn    func(context.Context, services.ListOrdersCommand) (domain.CursorPage[services.Order], error)
	statusFn  func(context.Context, services.UpdateOrderStatusCommand) (services.Order, error)
	deliverFn func(context.Context, services.MarkDeliveredCommand) (services.Order, error)
	confirmFn func(context.Context, services.ConfirmDeliveryCommand) (services.Order, error)
}

func (s *stubOrderService) Create(ctx context.Context, cmd services.CreateOrderCommand) (services.CreateOrderResult, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.CreateOrderResult{}, nil
}

func (s *stubOrderService) Get(ctx context.Context, actor services.Actor, ref string) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, actor, ref)
	}
	return services.Order{}, services.ErrOrderNotFound
}

func (s *stubOrderService) List(ctx context.Context, cmd services.ListOrdersCommand) (domain.CursorPage[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, cmd)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubOrderService) UpdateStatus(ctx context.Context, cmd services.UpdateOrderStatusCommand) (services.Order, error) {
	if s.statusFn != nil {
		return s.statusFn(ctx, cmd)
	}
	return services.Order{}, nil
}

func (s *stubOrderService) MarkDelivered(ctx context.Context, cmd services.MarkDeliveredCommand) (services.Order, error) {
	if s.deliverFn != nil {
		return s.deliverFn(ctx, cmd)
	}
	return services.Order{}, nil
}

func (s *stubOrderService) ConfirmDelivery(ctx context.Context, cmd services.ConfirmDeliveryCommand) (services.Order, error) {
	if s.confirmFn != nil {
		return s.confirmFn(ctx, cmd)
	}
	return services.Order{}, nil
}

type stubPaymentIntentService struct {
	createFn func(context.Context, services.CreatePaymentIntentCommand) (services.PaymentIntentResult, error)
}

func (s *stubPaymentIntentService) CreatePaymentIntent(ctx context.Context, cmd services.CreatePaymentIntentCommand) (services.PaymentIntentResult, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.PaymentIntentResult{}, nil
}

type stubWebhookService struct {
	handleFn func(context.Context, []byte, string) (services.WebhookResult, error)
}

func (s *stubWebhookService) HandleWebhook(ctx context.Context, payload []byte, signature string) (services.WebhookResult, error) {
	if s.handleFn != nil {
		return s.handleFn(ctx, payload, signature)
	}
	return services.WebhookResult{Received: true}, nil
}

type stubMpesaService struct {
	initiateFn func(context.Context, services.MpesaInitiateCommand) (services.MpesaInitiateResult, error)
	callbackFn func(context.Context, []byte) (services.MpesaCallbackResult, error)
	pollFn     func(context.Context, string) (services.MpesaStatus, error)
	callbacks  int
}

func (s *stubMpesaService) Initiate(ctx context.Context, cmd services.MpesaInitiateCommand) (services.MpesaInitiateResult, error) {
	if s.initiateFn != nil {
		return s.initiateFn(ctx, cmd)
	}
	return services.MpesaInitiateResult{}, nil
}

func (s *stubMpesaService) HandleCallback(ctx context.Context, payload []byte) (services.MpesaCallbackResult, error) {
	s.callbacks++
	if s.callbackFn != nil {
		return s.callbackFn(ctx, payload)
	}
	return services.MpesaCallbackResult{}, nil
}

func (s *stubMpesaService) PollStatus(ctx context.Context, checkoutID string) (services.MpesaStatus, error) {
	if s.pollFn != nil {
		return s.pollFn(ctx, checkoutID)
	}
	return services.MpesaStatus{}, services.ErrMpesaNotFound
}

var (
	_ services.OrderService         = (*stubOrderService)(nil)
	_ services.PaymentIntentService = (*stubPaymentIntentService)(nil)
	_ services.StripeWebhookService = (*stubWebhookService)(nil)
	_ services.MpesaService         = (*stubMpesaService)(nil)
)

// mountAt serves registrar under prefix the way NewRouter mounts route groups.
func mountAt(prefix string, registrar RouteRegistrar) http.Handler {
	r := chi.NewRouter()
	r.Route(prefix, func(group chi.Router) {
		registrar(group)
	})
	return r
}

func newRequest(method, target, body string, identity *auth.Identity) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if identity != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	}
	return req
}

func customerIdentity(uid string) *auth.Identity {
	return &auth.Identity{UID: uid, Email: uid + "@example.com", Roles: []string{auth.RoleCustomer}}
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body, got %q: %v", rr.Body.String(), err)
	}
	return body
}
