package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/marketlane/storefront-api/internal/domain"
	"github.com/marketlane/storefront-api/internal/payments"
	"github.com/marketlane/storefront-api/internal/payments/mpesa"
	"github.com/marketlane/storefront-api/internal/repositories"
)

const (
	defaultPendingTTL     = 24 * time.Hour
	callbackNoIDKeyPrefix = "callback_no_id:"
	pollStatusPending     = "pending"
)

var (
	// ErrMpesaInvalidInput indicates a malformed push request.
	ErrMpesaInvalidInput = errors.New("mpesa: invalid input")
	// ErrMpesaNotFound indicates the checkout id is unknown or expired.
	ErrMpesaNotFound = errors.New("mpesa: checkout not found")
)

// MpesaServiceDeps bundles collaborators for the STK push bridge.
type MpesaServiceDeps struct {
	Client   STKPusher
	Store    mpesa.Store
	Orders   repositories.OrderRepository
	Archiver PayloadArchiver
	Metrics  MatchRecorder
	Events   OrderEventPublisher
	// CountryCode expands national phone numbers; defaults to 254.
	CountryCode string
	PendingTTL  time.Duration
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type mpesaService struct {
	client      STKPusher
	store       mpesa.Store
	orders      repositories.OrderRepository
	ledger      *paymentLedger
	archiver    PayloadArchiver
	metrics     MatchRecorder
	countryCode string
	ttl         time.Duration
	clock       func() time.Time
	newID       func() string
	logger      func(ctx context.Context, event string, fields map[string]any)
}

var _ MpesaService = (*mpesaService)(nil)

// NewMpesaService validates dependencies.
func NewMpesaService(deps MpesaServiceDeps) (MpesaService, error) {
	if deps.Client == nil {
		return nil, errors.New("mpesa service: client is required")
	}
	if deps.Store == nil {
		return nil, errors.New("mpesa service: pending store is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	ttl := deps.PendingTTL
	if ttl <= 0 {
		ttl = defaultPendingTTL
	}
	utc := func() time.Time { return clock().UTC() }
	svc := &mpesaService{
		client:      deps.Client,
		store:       deps.Store,
		orders:      deps.Orders,
		archiver:    deps.Archiver,
		metrics:     deps.Metrics,
		countryCode: strings.TrimSpace(deps.CountryCode),
		ttl:         ttl,
		clock:       utc,
		newID:       idGen,
		logger:      logger,
	}
	if deps.Orders != nil {
		svc.ledger = newPaymentLedger(deps.Orders, deps.Events, utc, logger)
	}
	return svc, nil
}

func (s *mpesaService) Initiate(ctx context.Context, cmd MpesaInitiateCommand) (MpesaInitiateResult, error) {
	phone, err := mpesa.NormalizeMSISDN(cmd.PhoneNumber, s.countryCode)
	if err != nil {
		return MpesaInitiateResult{}, fmt.Errorf("%w: %v", ErrMpesaInvalidInput, err)
	}
	if !cmd.Amount.IsPositive() {
		return MpesaInitiateResult{}, fmt.Errorf("%w: amount must be positive", ErrMpesaInvalidInput)
	}

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID != "" {
		if err := s.checkOrderAccess(ctx, cmd.Actor, orderID); err != nil {
			return MpesaInitiateResult{}, err
		}
	}
	reference := strings.TrimSpace(cmd.AccountReference)
	if reference == "" {
		reference = orderID
	}

	payload, err := s.client.BuildPayload(mpesa.STKPushRequest{
		PhoneNumber:      phone,
		Amount:           cmd.Amount,
		AccountReference: reference,
		Description:      cmd.Description,
	})
	if err != nil {
		return MpesaInitiateResult{}, fmt.Errorf("%w: %v", ErrMpesaInvalidInput, err)
	}

	resp, err := s.client.STKPush(ctx, payload)
	if err != nil {
		s.logger(ctx, "mpesa.stk.initiate_failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
		if errors.Is(err, payments.ErrGatewayUnavailable) {
			return MpesaInitiateResult{}, err
		}
		return MpesaInitiateResult{}, fmt.Errorf("%w: %w", ErrPaymentGateway, err)
	}

	key := strings.TrimSpace(resp.CheckoutRequestID)
	if key == "" {
		key = strings.TrimSpace(resp.MerchantRequestID)
	}
	now := s.clock()
	entry := mpesa.Entry{
		Key:               key,
		Status:            mpesa.StatusInitiated,
		MerchantRequestID: resp.MerchantRequestID,
		OrderID:           orderID,
		UserID:            cmd.Actor.ID,
		PhoneNumber:       phone,
		Amount:            payload.Amount,
		Request:           redactedPayload(payload),
		GatewayResponse:   resp.Raw,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         now.Add(s.ttl),
	}
	if err := s.store.Put(ctx, entry); err != nil {
		return MpesaInitiateResult{}, fmt.Errorf("mpesa: store pending transaction %s: %w", key, err)
	}
	if orderID != "" && s.ledger != nil {
		if _, err := s.ledger.linkCheckout(ctx, orderID, key); err != nil {
			s.logger(ctx, "mpesa.stk.link_failed", map[string]any{"orderId": orderID, "checkoutId": key, "error": err.Error()})
		}
	}
	s.logger(ctx, "mpesa.stk.initiated", map[string]any{
		"checkoutId": key,
		"orderId":    orderID,
		"amount":     payload.Amount,
	})
	return MpesaInitiateResult{
		CheckoutRequestID: key,
		MerchantRequestID: resp.MerchantRequestID,
		CustomerMessage:   resp.CustomerMessage,
		Status:            string(mpesa.StatusInitiated),
	}, nil
}

func (s *mpesaService) checkOrderAccess(ctx context.Context, actor Actor, orderID string) error {
	if s.orders == nil {
		return nil
	}
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return err
	}
	if order.IsPaid() {
		return fmt.Errorf("%w: order %s", ErrPaymentAlreadySettled, orderID)
	}
	if !actor.IsAdmin() && order.UserID != actor.ID {
		return fmt.Errorf("%w: order belongs to another account", ErrOrderForbidden)
	}
	return nil
}

func redactedPayload(payload mpesa.STKPushPayload) map[string]any {
	return map[string]any{
		"BusinessShortCode": payload.BusinessShortCode,
		"Timestamp":         payload.Timestamp,
		"TransactionType":   payload.TransactionType,
		"Amount":            payload.Amount,
		"PartyA":            payload.PartyA,
		"PartyB":            payload.PartyB,
		"PhoneNumber":       payload.PhoneNumber,
		"CallBackURL":       payload.CallBackURL,
		"AccountReference":  payload.AccountReference,
		"TransactionDesc":   payload.TransactionDesc,
	}
}

type stkCallbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string     `json:"MerchantRequestID"`
			CheckoutRequestID string     `json:"CheckoutRequestID"`
			ResultCode        FlexString `json:"ResultCode"`
			ResultDesc        string     `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string     `json:"Name"`
					Value FlexString `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// HandleCallback records a Daraja STK callback. Callbacks without a checkout id are kept under a
// synthetic key for inspection.
func (s *mpesaService) HandleCallback(ctx context.Context, payload []byte) (MpesaCallbackResult, error) {
	raw := map[string]any{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		raw = map[string]any{"unparsed": string(payload)}
	}
	var envelope stkCallbackEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		s.logger(ctx, "mpesa.callback.decode_failed", map[string]any{"error": err.Error(), "bytes": len(payload)})
	}
	callback := envelope.Body.StkCallback
	checkoutID := strings.TrimSpace(callback.CheckoutRequestID)
	now := s.clock()

	if checkoutID == "" {
		key := callbackNoIDKeyPrefix + s.newID()
		s.archive(ctx, key, payload)
		entry := mpesa.Entry{
			Key:               key,
			Status:            mpesa.StatusCallbackNoID,
			MerchantRequestID: strings.TrimSpace(callback.MerchantRequestID),
			Callback:          raw,
			CreatedAt:         now,
			UpdatedAt:         now,
			ExpiresAt:         now.Add(s.ttl),
		}
		s.logger(ctx, "mpesa.callback.no_checkout_id", map[string]any{"key": key})
		if err := s.store.Put(ctx, entry); err != nil {
			return MpesaCallbackResult{Key: key, Status: entry.Status}, fmt.Errorf("mpesa: store callback %s: %w", key, err)
		}
		return MpesaCallbackResult{Key: key, Status: entry.Status}, nil
	}
	s.archive(ctx, checkoutID, payload)

	code, codeErr := strconv.Atoi(callback.ResultCode.String())
	status := mpesa.StatusFailed
	if codeErr == nil && code == 0 {
		status = mpesa.StatusSuccess
	}
	receipt := ""
	for _, item := range callback.CallbackMetadata.Item {
		if strings.EqualFold(item.Name, "MpesaReceiptNumber") {
			receipt = item.Value.String()
		}
	}
	apply := func(entry *mpesa.Entry) {
		entry.Status = status
		if codeErr == nil {
			entry.ResultCode = &code
		}
		entry.ResultDesc = strings.TrimSpace(callback.ResultDesc)
		entry.ReceiptNumber = receipt
		entry.Callback = raw
		entry.UpdatedAt = now
	}

	updated, err := s.store.Update(ctx, checkoutID, func(entry *mpesa.Entry) error {
		if entry.Status.Terminal() {
			return errCallbackDuplicate
		}
		apply(entry)
		return nil
	})
	switch {
	case errors.Is(err, errCallbackDuplicate):
		existing, getErr := s.store.Get(ctx, checkoutID)
		if getErr != nil {
			return MpesaCallbackResult{Key: checkoutID}, getErr
		}
		s.logger(ctx, "mpesa.callback.duplicate", map[string]any{"checkoutId": checkoutID, "status": string(existing.Status)})
		return MpesaCallbackResult{Key: checkoutID, Status: existing.Status, OrderID: existing.OrderID}, nil
	case errors.Is(err, mpesa.ErrNotFound):
		entry := mpesa.Entry{Key: checkoutID, MerchantRequestID: callback.MerchantRequestID, CreatedAt: now, ExpiresAt: now.Add(s.ttl)}
		apply(&entry)
		s.logger(ctx, "mpesa.callback.unknown_checkout", map[string]any{"checkoutId": checkoutID})
		if err := s.store.Put(ctx, entry); err != nil {
			return MpesaCallbackResult{Key: checkoutID, Status: status}, fmt.Errorf("mpesa: store callback %s: %w", checkoutID, err)
		}
		s.recordMatch(ctx, "")
		return MpesaCallbackResult{Key: checkoutID, Status: status}, nil
	case err != nil:
		return MpesaCallbackResult{Key: checkoutID, Status: status}, fmt.Errorf("mpesa: update %s: %w", checkoutID, err)
	}

	s.logger(ctx, "mpesa.callback.recorded", map[string]any{
		"checkoutId": checkoutID,
		"status":     string(updated.Status),
		"orderId":    updated.OrderID,
	})
	result := MpesaCallbackResult{Key: checkoutID, Status: updated.Status, OrderID: updated.OrderID}
	if updated.OrderID == "" || s.ledger == nil {
		s.recordMatch(ctx, "")
		return result, nil
	}

	st := settlement{
		Provider:  domain.PaymentProviderMpesa,
		Reference: checkoutID,
		Receipt:   receipt,
		MatchedBy: MatchMpesaCheckout,
		Payload:   raw,
	}
	if updated.Status == mpesa.StatusSuccess {
		_, err = s.ledger.markPaid(ctx, updated.OrderID, st)
	} else {
		_, err = s.ledger.markFailed(ctx, updated.OrderID, st)
	}
	if err != nil {
		s.logger(ctx, "mpesa.callback.order_update_failed", map[string]any{
			"checkoutId": checkoutID,
			"orderId":    updated.OrderID,
			"error":      err.Error(),
		})
		return result, nil
	}
	s.recordMatch(ctx, MatchMpesaCheckout)
	return result, nil
}

var errCallbackDuplicate = errors.New("mpesa: callback already applied")

func (s *mpesaService) PollStatus(ctx context.Context, checkoutID string) (MpesaStatus, error) {
	checkoutID = strings.TrimSpace(checkoutID)
	if checkoutID == "" {
		return MpesaStatus{}, fmt.Errorf("%w: checkoutId is required", ErrMpesaInvalidInput)
	}
	entry, err := s.store.Get(ctx, checkoutID)
	if errors.Is(err, mpesa.ErrNotFound) {
		return MpesaStatus{}, fmt.Errorf("%w: %s", ErrMpesaNotFound, checkoutID)
	}
	if err != nil {
		return MpesaStatus{}, err
	}
	status := string(entry.Status)
	if entry.Status == mpesa.StatusInitiated {
		status = pollStatusPending
	}
	return MpesaStatus{
		CheckoutRequestID: entry.Key,
		Status:            status,
		ResultCode:        entry.ResultCode,
		ResultDesc:        entry.ResultDesc,
		ReceiptNumber:     entry.ReceiptNumber,
		OrderID:           entry.OrderID,
		Amount:            entry.Amount,
		CreatedAt:         entry.CreatedAt,
		UpdatedAt:         entry.UpdatedAt,
		Callback:          entry.Callback,
	}, nil
}

func (s *mpesaService) archive(ctx context.Context, key string, payload []byte) {
	if s.archiver == nil {
		return
	}
	if err := s.archiver.ArchivePayload(ctx, ArchiveMpesaCallback, key, payload); err != nil {
		s.logger(ctx, "mpesa.callback.archive_failed", map[string]any{"key": key, "error": err.Error()})
	}
}

func (s *mpesaService) recordMatch(ctx context.Context, strategy string) {
	if s.metrics != nil {
		s.metrics.RecordMatch(ctx, domain.PaymentProviderMpesa, strategy)
	}
}
