package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"

	domain "github.com/marketlane/storefront-api/internal/domain"
	"github.com/marketlane/storefront-api/internal/payments"
	"github.com/marketlane/storefront-api/internal/repositories"
)

type webhookFixture struct {
	repo     *memoryOrderRepo
	gateway  *stubStripeGateway
	metrics  *recordingMetrics
	archiver *recordingArchiver
	events   *recordingPublisher
	service  StripeWebhookService
}

func newWebhookFixture(t *testing.T, seed ...domain.Order) *webhookFixture {
	t.Helper()
	fx := &webhookFixture{
		repo:     newMemoryOrderRepo(seed...),
		gateway:  &stubStripeGateway{},
		metrics:  &recordingMetrics{},
		archiver: &recordingArchiver{},
		events:   &recordingPublisher{},
	}
	svc, err := NewStripeWebhookService(StripeWebhookServiceDeps{
		Orders:   fx.repo,
		Stripe:   fx.gateway,
		Archiver: fx.archiver,
		Metrics:  fx.metrics,
		Events:   fx.events,
		Clock:    fixedClock(testNow),
	})
	if err != nil {
		t.Fatalf("webhook service: %v", err)
	}
	fx.service = svc
	return fx
}

// deliver makes the gateway stub return an event wrapping intent.
func (fx *webhookFixture) deliver(t *testing.T, eventType string, intent map[string]any) (WebhookResult, error) {
	t.Helper()
	raw, err := json.Marshal(intent)
	if err != nil {
		t.Fatalf("marshal intent: %v", err)
	}
	fx.gateway.constructFn = func(payload []byte, signature string) (stripe.Event, error) {
		if signature != "t=1,v1=sig" {
			return stripe.Event{}, payments.ErrWebhookSignature
		}
		return stripe.Event{ID: "evt_" + intent["id"].(string), Type: stripe.EventType(eventType), Data: &stripe.EventData{Raw: raw}}, nil
	}
	return fx.service.HandleWebhook(context.Background(), []byte(`{}`), "t=1,v1=sig")
}

func intentPayload(id string, amount int64, email string, metadata map[string]string) map[string]any {
	payload := map[string]any{
		"id":              id,
		"object":          "payment_intent",
		"amount":          amount,
		"amount_received": amount,
		"currency":        "usd",
		"status":          "succeeded",
		"metadata":        metadata,
	}
	if email != "" {
		payload["receipt_email"] = email
	}
	return payload
}

func unpaidOrder(id, userID, email, total string, age time.Duration) domain.Order {
	return domain.Order{
		ID:            id,
		UserID:        userID,
		Email:         email,
		TotalAmount:   domain.NewAmount(decimal.RequireFromString(total)),
		Status:        domain.OrderStatusProcessing,
		PaymentStatus: domain.PaymentStatusUnpaid,
		CreatedAt:     testNow.Add(-age),
	}
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	fx := newWebhookFixture(t)
	fx.gateway.constructFn = func([]byte, string) (stripe.Event, error) {
		return stripe.Event{}, payments.ErrWebhookSignature
	}
	_, err := fx.service.HandleWebhook(context.Background(), []byte(`{}`), "bogus")
	if !errors.Is(err, payments.ErrWebhookSignature) {
		t.Fatalf("expected signature error, got %v", err)
	}
	if len(fx.archiver.keys) != 0 {
		t.Fatalf("unverified payloads must not be archived")
	}
}

func TestStripeWebhookOrderIDTakesPrecedenceOverHeuristics(t *testing.T) {
	fx := newWebhookFixture(t,
		unpaidOrder("ord_meta", "user-1", "other@example.com", "25", time.Minute),
		unpaidOrder("ord_email", "user-2", "amina@example.com", "25", time.Minute),
	)

	result, err := fx.deliver(t, stripeEventIntentSucceeded, intentPayload("pi_1", 2500, "amina@example.com", map[string]string{"order_id": "ord_meta"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Matched || result.OrderID != "ord_meta" || result.MatchedBy != MatchOrderID {
		t.Fatalf("expected order_id match, got %+v", result)
	}
	paid := fx.repo.stored("ord_meta")
	if !paid.IsPaid() || paid.PaymentDetails.MatchedBy != MatchOrderID || paid.StripePaymentIntentID() != "pi_1" {
		t.Fatalf("order not settled: %+v", paid.PaymentDetails)
	}
	if fx.repo.stored("ord_email").IsPaid() {
		t.Fatalf("heuristic candidate must stay unpaid")
	}
	if len(fx.archiver.keys) != 1 || fx.archiver.keys[0] != "stripe_webhook/evt_pi_1" {
		t.Fatalf("payload not archived: %v", fx.archiver.keys)
	}
	if types := fx.events.types(); len(types) != 1 || types[0] != orderEventPaid {
		t.Fatalf("expected paid event, got %v", types)
	}
}

func TestStripeWebhookMatchesByIdempotencyMeta(t *testing.T) {
	key := "user-1:1710408600000"
	order := unpaidOrder("ord_key", "user-1", "", "25", time.Minute)
	order.Meta.IdempotencyKey = key
	order.IdempotencyKey = &key
	fx := newWebhookFixture(t, order)

	result, err := fx.deliver(t, stripeEventIntentSucceeded, intentPayload("pi_2", 2500, "", map[string]string{
		"idempotency_key": key,
		"user_id":         "user-1",
		"order_id":        "ord_missing",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.OrderID != "ord_key" || result.MatchedBy != MatchIdempotencyMeta {
		t.Fatalf("expected idempotency meta match, got %+v", result)
	}
}

func TestStripeWebhookMatchesLinkedIntent(t *testing.T) {
	order := unpaidOrder("ord_linked", "user-1", "", "40", 3*time.Hour)
	order.PaymentStatus = domain.PaymentStatusPending
	order.PaymentDetails = &domain.PaymentDetails{Provider: domain.PaymentProviderStripe, StripePaymentIntentID: "pi_3"}
	fx := newWebhookFixture(t, order)

	result, err := fx.deliver(t, stripeEventIntentSucceeded, intentPayload("pi_3", 4000, "", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.OrderID != "ord_linked" || result.MatchedBy != MatchPaymentIntentID {
		t.Fatalf("expected payment intent match, got %+v", result)
	}
}

func TestStripeWebhookEmailAmountHeuristic(t *testing.T) {
	fx := newWebhookFixture(t,
		unpaidOrder("ord_a", "user-1", "amina@example.com", "25", 10*time.Minute),
		unpaidOrder("ord_b", "user-2", "baraka@example.com", "25", 5*time.Minute),
		unpaidOrder("ord_old", "user-1", "amina@example.com", "25", 2*time.Hour),
	)

	result, err := fx.deliver(t, stripeEventIntentSucceeded, intentPayload("pi_4", 2500, "Amina@Example.com", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.OrderID != "ord_a" || result.MatchedBy != MatchEmailAmount {
		t.Fatalf("expected email+amount match, got %+v", result)
	}
}

func TestStripeWebhookAmbiguousHeuristicsDoNotMatch(t *testing.T) {
	fx := newWebhookFixture(t,
		unpaidOrder("ord_a", "user-1", "amina@example.com", "25", 10*time.Minute),
		unpaidOrder("ord_b", "user-2", "baraka@example.com", "25", 5*time.Minute),
	)

	result, err := fx.deliver(t, stripeEventIntentSucceeded, intentPayload("pi_5", 2500, "", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Matched || !result.Received {
		t.Fatalf("ambiguous payment must be acknowledged without a match, got %+v", result)
	}
	if fx.repo.stored("ord_a").IsPaid() || fx.repo.stored("ord_b").IsPaid() {
		t.Fatalf("no order may be marked paid")
	}
	if len(fx.metrics.ambiguous) != 1 || fx.metrics.ambiguous[0] != MatchAmountOnly {
		t.Fatalf("expected ambiguity to be recorded, got %v", fx.metrics.ambiguous)
	}
}

func TestStripeWebhookAmountOnlySkipsOrdersLinkedElsewhere(t *testing.T) {
	linked := unpaidOrder("ord_linked", "user-2", "", "25", time.Minute)
	linked.PaymentStatus = domain.PaymentStatusPending
	linked.PaymentDetails = &domain.PaymentDetails{StripePaymentIntentID: "pi_other"}
	fx := newWebhookFixture(t, unpaidOrder("ord_free", "user-1", "", "25", time.Minute), linked)

	result, err := fx.deliver(t, stripeEventIntentSucceeded, intentPayload("pi_6", 2500, "", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.OrderID != "ord_free" || result.MatchedBy != MatchAmountOnly {
		t.Fatalf("expected amount-only match, got %+v", result)
	}
}

func TestStripeWebhookRedeliveryKeepsOriginalSettlement(t *testing.T) {
	fx := newWebhookFixture(t, unpaidOrder("ord_1", "user-1", "", "25", time.Minute))
	meta := map[string]string{"order_id": "ord_1"}

	if _, err := fx.deliver(t, stripeEventIntentSucceeded, intentPayload("pi_first", 2500, "", meta)); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if _, err := fx.deliver(t, stripeEventIntentSucceeded, intentPayload("pi_second", 2500, "", meta)); err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	stored := fx.repo.stored("ord_1")
	if stored.StripePaymentIntentID() != "pi_first" {
		t.Fatalf("settlement overwritten: %+v", stored.PaymentDetails)
	}
	if len(fx.events.types()) != 1 {
		t.Fatalf("only the first settlement publishes, got %v", fx.events.types())
	}

	if _, err := fx.deliver(t, stripeEventIntentFailed, intentPayload("pi_first", 2500, "", meta)); err != nil {
		t.Fatalf("failure delivery: %v", err)
	}
	if !fx.repo.stored("ord_1").IsPaid() {
		t.Fatalf("late failure must not unpay an order")
	}
}

func TestStripeWebhookPaymentFailed(t *testing.T) {
	fx := newWebhookFixture(t, unpaidOrder("ord_1", "user-1", "", "25", time.Minute))

	result, err := fx.deliver(t, stripeEventIntentFailed, intentPayload("pi_f", 2500, "", map[string]string{"order_id": "ord_1"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Matched || fx.repo.stored("ord_1").PaymentStatus != domain.PaymentStatusFailed {
		t.Fatalf("expected failed payment, got %+v", result)
	}

	result, err = fx.deliver(t, stripeEventIntentFailed, intentPayload("pi_g", 2500, "", nil))
	if err != nil || result.Matched {
		t.Fatalf("unlinked failures are acknowledged only: %v %+v", err, result)
	}
}

func TestStripeWebhookStoreOutageRequestsRetry(t *testing.T) {
	fx := newWebhookFixture(t)
	fx.repo.findOneErr[repositories.LookupIdempotencyMeta] = unavailableErr("orders.find")

	_, err := fx.deliver(t, stripeEventIntentSucceeded, intentPayload("pi_7", 2500, "", map[string]string{"idempotency_key": "k"}))
	if !errors.Is(err, ErrOrderUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestStripeWebhookIgnoresOtherEvents(t *testing.T) {
	fx := newWebhookFixture(t)
	result, err := fx.deliver(t, "charge.refunded", map[string]any{"id": "ch_1"})
	if err != nil || !result.Received || result.Matched {
		t.Fatalf("other events are acknowledged: %v %+v", err, result)
	}
}
