package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/marketlane/storefront-api/internal/payments/mpesa"
	"github.com/marketlane/storefront-api/internal/services"
)

func TestMpesaHandlersInitiate(t *testing.T) {
	var captured services.MpesaInitiateCommand
	svc := &stubMpesaService{
		initiateFn: func(_ context.Context, cmd services.MpesaInitiateCommand) (services.MpesaInitiateResult, error) {
			captured = cmd
			return services.MpesaInitiateResult{CheckoutRequestID: "ws_CO_1", Status: "initiated"}, nil
		},
	}
	router := mountAt("/api/v1/payments", NewMpesaHandlers(nil, svc).Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, newRequest(http.MethodPost, "/api/v1/payments/mpesa", `{"phone":"0708374149","amount":"150","order_id":"ord_1"}`, customerIdentity("user-1")))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, rr); body["checkout_request_id"] != "ws_CO_1" {
		t.Fatalf("unexpected body %v", body)
	}
	if captured.PhoneNumber != "0708374149" || captured.Amount.String() != "150" || captured.OrderID != "ord_1" || captured.Actor.ID != "user-1" {
		t.Fatalf("unexpected command %+v", captured)
	}
}

func TestMpesaHandlersInitiateValidation(t *testing.T) {
	svc := &stubMpesaService{
		initiateFn: func(context.Context, services.MpesaInitiateCommand) (services.MpesaInitiateResult, error) {
			return services.MpesaInitiateResult{}, fmt.Errorf("%w: invalid msisdn", services.ErrMpesaInvalidInput)
		},
	}
	router := mountAt("/api/v1/payments", NewMpesaHandlers(nil, svc).Routes)

	for name, body := range map[string]string{
		"no phone":      `{"amount":"10"}`,
		"bad amount":    `{"phone":"0708374149","amount":"ten"}`,
		"long ref":      `{"phone":"0708374149","amount":"10","account_reference":"this-is-way-too-long"}`,
		"service error": `{"phone":"12","amount":"10"}`,
	} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, newRequest(http.MethodPost, "/api/v1/payments/mpesa", body, customerIdentity("user-1")))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, rr.Code)
		}
	}
}

func TestMpesaHandlersCallbackAlwaysAcknowledges(t *testing.T) {
	svc := &stubMpesaService{
		callbackFn: func(context.Context, []byte) (services.MpesaCallbackResult, error) {
			return services.MpesaCallbackResult{}, errors.New("store down")
		},
	}
	router := mountAt("/api/v1/payments", NewMpesaHandlers(nil, svc, WithMpesaCallbackToken("s3cret")).Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, newRequest(http.MethodPost, "/api/v1/payments/mpesa/callback?token=s3cret", `{"Body":{}}`, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["ResultCode"] != float64(0) || body["ResultDesc"] != "Accepted" {
		t.Fatalf("unexpected ack %v", body)
	}
	if svc.callbacks != 1 {
		t.Fatalf("expected one callback dispatch, got %d", svc.callbacks)
	}
}

func TestMpesaHandlersCallbackToken(t *testing.T) {
	svc := &stubMpesaService{
		callbackFn: func(context.Context, []byte) (services.MpesaCallbackResult, error) {
			return services.MpesaCallbackResult{Key: "ws_CO_1", Status: mpesa.StatusSuccess}, nil
		},
	}
	router := mountAt("/api/v1/payments", NewMpesaHandlers(nil, svc, WithMpesaCallbackToken("s3cret")).Routes)

	for _, target := range []string{"/api/v1/payments/mpesa/callback", "/api/v1/payments/mpesa/callback?token=wrong"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, newRequest(http.MethodPost, target, `{"Body":{}}`, nil))
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", target, rr.Code)
		}
	}
	if svc.callbacks != 0 {
		t.Fatalf("rejected callbacks must not be processed")
	}

	open := mountAt("/api/v1/payments", NewMpesaHandlers(nil, svc).Routes)
	rr := httptest.NewRecorder()
	open.ServeHTTP(rr, newRequest(http.MethodPost, "/api/v1/payments/mpesa/callback", `{"Body":{}}`, nil))
	if rr.Code != http.StatusOK || svc.callbacks != 1 {
		t.Fatalf("callbacks without a configured token should pass, got %d", rr.Code)
	}
}

func TestMpesaHandlersPollStatus(t *testing.T) {
	svc := &stubMpesaService{
		pollFn: func(_ context.Context, checkoutID string) (services.MpesaStatus, error) {
			if checkoutID == "ws_CO_1" {
				return services.MpesaStatus{CheckoutRequestID: checkoutID, Status: "pending"}, nil
			}
			return services.MpesaStatus{}, services.ErrMpesaNotFound
		},
	}
	router := mountAt("/api/v1/payments", NewMpesaHandlers(nil, svc).Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, newRequest(http.MethodGet, "/api/v1/payments/mpesa/status?checkoutId=ws_CO_1", "", customerIdentity("user-1")))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["status"] != "pending" {
		t.Fatalf("unexpected body %v", body)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, newRequest(http.MethodGet, "/api/v1/payments/mpesa/status?checkoutId=ws_CO_9", "", customerIdentity("user-1")))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, newRequest(http.MethodGet, "/api/v1/payments/mpesa/status", "", customerIdentity("user-1")))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without checkoutId, got %d", rr.Code)
	}
}
