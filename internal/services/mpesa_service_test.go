package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/marketlane/storefront-api/internal/domain"
	"github.com/marketlane/storefront-api/internal/payments"
	"github.com/marketlane/storefront-api/internal/payments/mpesa"
)

type stubSTKPusher struct {
	pushFn   func(context.Context, mpesa.STKPushPayload) (mpesa.STKPushResponse, error)
	payloads []mpesa.STKPushPayload
}

func (s *stubSTKPusher) BuildPayload(req mpesa.STKPushRequest) (mpesa.STKPushPayload, error) {
	amount := req.Amount.Round(0).IntPart()
	if amount < 1 {
		return mpesa.STKPushPayload{}, errors.New("amount below minimum")
	}
	return mpesa.STKPushPayload{
		BusinessShortCode: "174379",
		Password:          "c2VjcmV0",
		Timestamp:         "20250314093000",
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            req.PhoneNumber,
		PartyB:            "174379",
		PhoneNumber:       req.PhoneNumber,
		AccountReference:  req.AccountReference,
		TransactionDesc:   req.Description,
	}, nil
}

func (s *stubSTKPusher) STKPush(ctx context.Context, payload mpesa.STKPushPayload) (mpesa.STKPushResponse, error) {
	s.payloads = append(s.payloads, payload)
	if s.pushFn != nil {
		return s.pushFn(ctx, payload)
	}
	return mpesa.STKPushResponse{
		MerchantRequestID: "29115-34620561-1",
		CheckoutRequestID: "ws_CO_191220191020363925",
		ResponseCode:      "0",
		CustomerMessage:   "Success. Request accepted for processing",
		Raw:               map[string]any{"ResponseCode": "0"},
	}, nil
}

type mpesaFixture struct {
	repo     *memoryOrderRepo
	store    *mpesa.MemoryStore
	client   *stubSTKPusher
	archiver *recordingArchiver
	events   *recordingPublisher
	service  MpesaService
}

func newMpesaFixture(t *testing.T, seed ...domain.Order) *mpesaFixture {
	t.Helper()
	fx := &mpesaFixture{
		repo:     newMemoryOrderRepo(seed...),
		store:    mpesa.NewMemoryStore(fixedClock(testNow)),
		client:   &stubSTKPusher{},
		archiver: &recordingArchiver{},
		events:   &recordingPublisher{},
	}
	svc, err := NewMpesaService(MpesaServiceDeps{
		Client:      fx.client,
		Store:       fx.store,
		Orders:      fx.repo,
		Archiver:    fx.archiver,
		Events:      fx.events,
		Clock:       fixedClock(testNow),
		IDGenerator: sequenceIDs("cb"),
	})
	if err != nil {
		t.Fatalf("mpesa service: %v", err)
	}
	fx.service = svc
	return fx
}

const successCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": 1500},
          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
          {"Name": "PhoneNumber", "Value": 254708374149}
        ]
      }
    }
  }
}`

const cancelledCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": "1032",
      "ResultDesc": "Request cancelled by user"
    }
  }
}`

func TestMpesaInitiateStoresPendingEntry(t *testing.T) {
	fx := newMpesaFixture(t)

	result, err := fx.service.Initiate(context.Background(), MpesaInitiateCommand{
		Actor:       customer("user-1"),
		PhoneNumber: "0708 374 149",
		Amount:      decimal.RequireFromString("1500"),
		Description: "Order payment",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.CheckoutRequestID != "ws_CO_191220191020363925" || result.Status != "initiated" {
		t.Fatalf("unexpected result %+v", result)
	}
	if fx.client.payloads[0].PhoneNumber != "254708374149" {
		t.Fatalf("phone not normalised: %q", fx.client.payloads[0].PhoneNumber)
	}

	entry, err := fx.store.Get(context.Background(), result.CheckoutRequestID)
	if err != nil {
		t.Fatalf("entry not stored: %v", err)
	}
	if entry.Status != mpesa.StatusInitiated || entry.UserID != "user-1" || entry.Amount != 1500 {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if !entry.ExpiresAt.Equal(testNow.Add(24 * time.Hour)) {
		t.Fatalf("unexpected expiry %s", entry.ExpiresAt)
	}
	if _, ok := entry.Request["Password"]; ok {
		t.Fatalf("password must not be persisted")
	}

	status, err := fx.service.PollStatus(context.Background(), result.CheckoutRequestID)
	if err != nil || status.Status != "pending" {
		t.Fatalf("expected pending poll, got %+v %v", status, err)
	}
}

func TestMpesaInitiateValidation(t *testing.T) {
	fx := newMpesaFixture(t)
	ctx := context.Background()

	if _, err := fx.service.Initiate(ctx, MpesaInitiateCommand{Actor: customer("user-1"), PhoneNumber: "12", Amount: decimal.NewFromInt(10)}); !errors.Is(err, ErrMpesaInvalidInput) {
		t.Fatalf("bad phone: %v", err)
	}
	if _, err := fx.service.Initiate(ctx, MpesaInitiateCommand{Actor: customer("user-1"), PhoneNumber: "0708374149"}); !errors.Is(err, ErrMpesaInvalidInput) {
		t.Fatalf("zero amount: %v", err)
	}
	if _, err := fx.service.Initiate(ctx, MpesaInitiateCommand{Actor: customer("user-1"), PhoneNumber: "0708374149", Amount: decimal.RequireFromString("0.2")}); !errors.Is(err, ErrMpesaInvalidInput) {
		t.Fatalf("amount rounding below one: %v", err)
	}
	if len(fx.client.payloads) != 0 {
		t.Fatalf("invalid requests must not reach the gateway")
	}
}

func TestMpesaInitiateGatewayFailure(t *testing.T) {
	fx := newMpesaFixture(t)
	fx.client.pushFn = func(context.Context, mpesa.STKPushPayload) (mpesa.STKPushResponse, error) {
		return mpesa.STKPushResponse{}, payments.ErrGatewayUnavailable
	}
	_, err := fx.service.Initiate(context.Background(), MpesaInitiateCommand{Actor: customer("user-1"), PhoneNumber: "0708374149", Amount: decimal.NewFromInt(10)})
	if !errors.Is(err, payments.ErrGatewayUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}

	fx.client.pushFn = func(context.Context, mpesa.STKPushPayload) (mpesa.STKPushResponse, error) {
		return mpesa.STKPushResponse{}, mpesa.ErrInitiationFailed
	}
	_, err = fx.service.Initiate(context.Background(), MpesaInitiateCommand{Actor: customer("user-1"), PhoneNumber: "0708374149", Amount: decimal.NewFromInt(10)})
	if !errors.Is(err, ErrPaymentGateway) {
		t.Fatalf("expected gateway error, got %v", err)
	}
}

func TestMpesaCallbackSettlesLinkedOrder(t *testing.T) {
	fx := newMpesaFixture(t, unpaidOrder("ord_m", "user-1", "", "1500", time.Minute))
	ctx := context.Background()

	if _, err := fx.service.Initiate(ctx, MpesaInitiateCommand{
		Actor:       customer("user-1"),
		PhoneNumber: "+254708374149",
		Amount:      decimal.NewFromInt(1500),
		OrderID:     "ord_m",
	}); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	pending := fx.repo.stored("ord_m")
	if pending.PaymentStatus != domain.PaymentStatusPending || pending.PaymentDetails.MpesaCheckoutID != "ws_CO_191220191020363925" {
		t.Fatalf("order not linked: %+v", pending)
	}

	result, err := fx.service.HandleCallback(ctx, []byte(successCallback))
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if result.Status != mpesa.StatusSuccess || result.OrderID != "ord_m" {
		t.Fatalf("unexpected result %+v", result)
	}
	paid := fx.repo.stored("ord_m")
	if !paid.IsPaid() || paid.PaymentDetails.MpesaReceipt != "NLJ7RT61SV" || paid.PaymentDetails.MatchedBy != MatchMpesaCheckout {
		t.Fatalf("order not settled: %+v", paid.PaymentDetails)
	}

	status, err := fx.service.PollStatus(ctx, "ws_CO_191220191020363925")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if status.Status != "success" || status.ReceiptNumber != "NLJ7RT61SV" || status.ResultCode == nil || *status.ResultCode != 0 {
		t.Fatalf("unexpected status %+v", status)
	}

	again, err := fx.service.HandleCallback(ctx, []byte(cancelledCallback))
	if err != nil {
		t.Fatalf("duplicate callback: %v", err)
	}
	if again.Status != mpesa.StatusSuccess {
		t.Fatalf("a settled checkout keeps its outcome, got %s", again.Status)
	}
	if types := fx.events.types(); len(types) != 1 || types[0] != orderEventPaid {
		t.Fatalf("expected one paid event, got %v", types)
	}
}

func TestMpesaCallbackFailure(t *testing.T) {
	fx := newMpesaFixture(t, unpaidOrder("ord_m", "user-1", "", "1500", time.Minute))
	ctx := context.Background()
	if _, err := fx.service.Initiate(ctx, MpesaInitiateCommand{Actor: customer("user-1"), PhoneNumber: "708374149", Amount: decimal.NewFromInt(1500), OrderID: "ord_m"}); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	result, err := fx.service.HandleCallback(ctx, []byte(cancelledCallback))
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if result.Status != mpesa.StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if got := fx.repo.stored("ord_m").PaymentStatus; got != domain.PaymentStatusFailed {
		t.Fatalf("expected failed order, got %q", got)
	}
	status, _ := fx.service.PollStatus(ctx, "ws_CO_191220191020363925")
	if status.ResultCode == nil || *status.ResultCode != 1032 || status.ResultDesc != "Request cancelled by user" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestMpesaCallbackWithoutCheckoutID(t *testing.T) {
	fx := newMpesaFixture(t)

	result, err := fx.service.HandleCallback(context.Background(), []byte(`{"Body":{"stkCallback":{"ResultCode":1,"ResultDesc":"odd"}}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(result.Key, "callback_no_id:") || result.Status != mpesa.StatusCallbackNoID {
		t.Fatalf("unexpected result %+v", result)
	}
	entry, err := fx.store.Get(context.Background(), result.Key)
	if err != nil || entry.Callback == nil {
		t.Fatalf("raw callback should be kept: %v", err)
	}

	garbage, err := fx.service.HandleCallback(context.Background(), []byte(`not json`))
	if err != nil || garbage.Status != mpesa.StatusCallbackNoID {
		t.Fatalf("malformed callbacks are kept too: %v %+v", err, garbage)
	}
	if len(fx.archiver.keys) != 2 {
		t.Fatalf("both callbacks should be archived, got %v", fx.archiver.keys)
	}
}

func TestMpesaCallbackLogsUndecodableEnvelope(t *testing.T) {
	var events []string
	svc, err := NewMpesaService(MpesaServiceDeps{
		Client:      &stubSTKPusher{},
		Store:       mpesa.NewMemoryStore(fixedClock(testNow)),
		Orders:      newMemoryOrderRepo(),
		Clock:       fixedClock(testNow),
		IDGenerator: sequenceIDs("cb"),
		Logger: func(_ context.Context, event string, _ map[string]any) {
			events = append(events, event)
		},
	})
	if err != nil {
		t.Fatalf("mpesa service: %v", err)
	}

	// CheckoutRequestID has the wrong type, so the envelope cannot be decoded.
	result, err := svc.HandleCallback(context.Background(), []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":42}}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(result.Key, "callback_no_id:") {
		t.Fatalf("expected synthetic key, got %+v", result)
	}
	if len(events) == 0 || events[0] != "mpesa.callback.decode_failed" {
		t.Fatalf("expected decode failure to be logged, got %v", events)
	}
}

func TestMpesaCallbackForUnknownCheckout(t *testing.T) {
	fx := newMpesaFixture(t)
	result, err := fx.service.HandleCallback(context.Background(), []byte(successCallback))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != mpesa.StatusSuccess || result.OrderID != "" {
		t.Fatalf("unexpected result %+v", result)
	}
	if _, err := fx.store.Get(context.Background(), "ws_CO_191220191020363925"); err != nil {
		t.Fatalf("unknown checkout should be recorded: %v", err)
	}
}

func TestMpesaPollUnknown(t *testing.T) {
	fx := newMpesaFixture(t)
	if _, err := fx.service.PollStatus(context.Background(), "ws_missing"); !errors.Is(err, ErrMpesaNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := fx.service.PollStatus(context.Background(), " "); !errors.Is(err, ErrMpesaInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestMpesaInitiateForeignOrder(t *testing.T) {
	fx := newMpesaFixture(t, unpaidOrder("ord_m", "user-1", "", "1500", time.Minute))
	_, err := fx.service.Initiate(context.Background(), MpesaInitiateCommand{Actor: customer("user-2"), PhoneNumber: "0708374149", Amount: decimal.NewFromInt(1500), OrderID: "ord_m"})
	if !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}
