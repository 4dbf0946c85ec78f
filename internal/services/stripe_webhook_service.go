package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"

	domain "github.com/marketlane/storefront-api/internal/domain"
	"github.com/marketlane/storefront-api/internal/payments"
	"github.com/marketlane/storefront-api/internal/repositories"
)

const (
	stripeEventIntentSucceeded = "payment_intent.succeeded"
	stripeEventIntentFailed    = "payment_intent.payment_failed"

	defaultWebhookMatchWindow = time.Hour
	heuristicCandidateLimit   = 5
)

// ErrWebhookPayload indicates a verified event whose body could not be decoded.
var ErrWebhookPayload = errors.New("webhook: malformed event payload")

// StripeWebhookServiceDeps bundles collaborators for webhook reconciliation.
type StripeWebhookServiceDeps struct {
	Orders   repositories.OrderRepository
	Stripe   StripeGateway
	Archiver PayloadArchiver
	Metrics  MatchRecorder
	Events   OrderEventPublisher
	// MatchWindow bounds how old an order may be for the email and amount heuristics.
	MatchWindow time.Duration
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type stripeWebhookService struct {
	orders   repositories.OrderRepository
	stripe   StripeGateway
	archiver PayloadArchiver
	metrics  MatchRecorder
	ledger   *paymentLedger
	window   time.Duration
	clock    func() time.Time
	logger   func(ctx context.Context, event string, fields map[string]any)
}

var _ StripeWebhookService = (*stripeWebhookService)(nil)

// NewStripeWebhookService validates dependencies.
func NewStripeWebhookService(deps StripeWebhookServiceDeps) (StripeWebhookService, error) {
	if deps.Orders == nil {
		return nil, errors.New("stripe webhook service: order repository is required")
	}
	if deps.Stripe == nil {
		return nil, errors.New("stripe webhook service: stripe gateway is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	window := deps.MatchWindow
	if window <= 0 {
		window = defaultWebhookMatchWindow
	}
	utc := func() time.Time { return clock().UTC() }
	return &stripeWebhookService{
		orders:   deps.Orders,
		stripe:   deps.Stripe,
		archiver: deps.Archiver,
		metrics:  deps.Metrics,
		ledger:   newPaymentLedger(deps.Orders, deps.Events, utc, logger),
		window:   window,
		clock:    utc,
		logger:   logger,
	}, nil
}

// HandleWebhook verifies the payload signature and reconciles the event. Only signature failures
// and store outages are returned as errors; everything else is acknowledged.
func (s *stripeWebhookService) HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	event, err := s.stripe.ConstructEvent(payload, signature)
	if err != nil {
		s.logger(ctx, "stripe.webhook.signature_rejected", map[string]any{"error": err.Error()})
		return WebhookResult{}, err
	}
	result := WebhookResult{Received: true, EventID: event.ID, EventType: string(event.Type)}
	s.archive(ctx, event.ID, payload)

	switch string(event.Type) {
	case stripeEventIntentSucceeded:
		intent, err := decodeIntent(event)
		if err != nil {
			s.logger(ctx, "stripe.webhook.decode_failed", map[string]any{"eventId": event.ID, "error": err.Error()})
			return result, nil
		}
		return s.handleSucceeded(ctx, result, intent)
	case stripeEventIntentFailed:
		intent, err := decodeIntent(event)
		if err != nil {
			s.logger(ctx, "stripe.webhook.decode_failed", map[string]any{"eventId": event.ID, "error": err.Error()})
			return result, nil
		}
		return s.handleFailed(ctx, result, intent)
	default:
		s.logger(ctx, "stripe.webhook.ignored", map[string]any{"eventId": event.ID, "type": string(event.Type)})
		return result, nil
	}
}

func decodeIntent(event stripe.Event) (*stripe.PaymentIntent, error) {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event %s has no data", ErrWebhookPayload, event.ID)
	}
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWebhookPayload, err)
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, fmt.Errorf("%w: payment intent id missing", ErrWebhookPayload)
	}
	return &intent, nil
}

type matchStrategy struct {
	name string
	find func(ctx context.Context, details payments.PaymentDetails) (Order, bool, error)
}

func (s *stripeWebhookService) handleSucceeded(ctx context.Context, result WebhookResult, intent *stripe.PaymentIntent) (WebhookResult, error) {
	details := payments.StripePaymentDetails(intent)
	strategies := []matchStrategy{
		{name: MatchOrderID, find: s.byOrderID},
		{name: MatchIdempotencyMeta, find: s.byLookup(repositories.LookupIdempotencyMeta, "idempotency_key")},
		{name: MatchIdempotencyColumn, find: s.byLookup(repositories.LookupIdempotencyColumn, "idempotency_key")},
		{name: MatchPaymentIntentID, find: s.byPaymentIntentID},
		{name: MatchClientTS, find: s.byLookup(repositories.LookupClientTS, "client_ts")},
		{name: MatchEmailAmount, find: s.byHeuristic(MatchEmailAmount, true)},
		{name: MatchAmountOnly, find: s.byHeuristic(MatchAmountOnly, false)},
	}

	for _, strategy := range strategies {
		order, ok, err := strategy.find(ctx, details)
		if err != nil {
			return result, err
		}
		if !ok {
			continue
		}
		paid, err := s.ledger.markPaid(ctx, order.ID, settlement{
			Provider:  domain.PaymentProviderStripe,
			Reference: details.Reference,
			Receipt:   details.Receipt,
			MatchedBy: strategy.name,
			Payload:   details.Raw,
		})
		if err != nil {
			if repositories.IsUnavailable(err) {
				return result, fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
			}
			continue
		}
		s.recordMatch(ctx, strategy.name)
		s.logger(ctx, "stripe.webhook.matched", map[string]any{
			"paymentIntent": details.Reference,
			"orderId":       paid.ID,
			"matchedBy":     strategy.name,
		})
		result.Matched = true
		result.MatchedBy = strategy.name
		result.OrderID = paid.ID
		return result, nil
	}

	s.recordMatch(ctx, "")
	s.logger(ctx, "stripe.webhook.unmatched", map[string]any{
		"paymentIntent": details.Reference,
		"amount":        details.Amount,
		"email":         details.Email != "",
	})
	return result, nil
}

func (s *stripeWebhookService) handleFailed(ctx context.Context, result WebhookResult, intent *stripe.PaymentIntent) (WebhookResult, error) {
	orderID := strings.TrimSpace(intent.Metadata["order_id"])
	if orderID == "" {
		s.logger(ctx, "stripe.webhook.failure_unlinked", map[string]any{"paymentIntent": intent.ID})
		return result, nil
	}
	details := payments.StripePaymentDetails(intent)
	order, err := s.ledger.markFailed(ctx, orderID, settlement{
		Provider:  domain.PaymentProviderStripe,
		Reference: intent.ID,
		Payload:   details.Raw,
	})
	if err != nil {
		if repositories.IsUnavailable(err) {
			return result, fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
		s.logger(ctx, "stripe.webhook.mark_failed_error", map[string]any{
			"paymentIntent": intent.ID,
			"orderId":       orderID,
			"error":         err.Error(),
		})
		return result, nil
	}
	result.Matched = true
	result.MatchedBy = MatchOrderID
	result.OrderID = order.ID
	return result, nil
}

func (s *stripeWebhookService) byOrderID(ctx context.Context, details payments.PaymentDetails) (Order, bool, error) {
	orderID := strings.TrimSpace(details.Metadata["order_id"])
	if orderID == "" {
		return Order{}, false, nil
	}
	order, err := s.orders.Get(ctx, orderID)
	return s.lookupResult(ctx, MatchOrderID, order, err)
}

func (s *stripeWebhookService) byPaymentIntentID(ctx context.Context, details payments.PaymentDetails) (Order, bool, error) {
	order, err := s.orders.FindOne(ctx, repositories.OrderLookup{
		Field: repositories.LookupPaymentIntentID,
		Value: details.Reference,
	})
	return s.lookupResult(ctx, MatchPaymentIntentID, order, err)
}

// byLookup matches a metadata value against an order field, scoped to the metadata user when set.
func (s *stripeWebhookService) byLookup(field repositories.OrderLookupField, metadataKey string) func(context.Context, payments.PaymentDetails) (Order, bool, error) {
	return func(ctx context.Context, details payments.PaymentDetails) (Order, bool, error) {
		value := strings.TrimSpace(details.Metadata[metadataKey])
		if value == "" {
			return Order{}, false, nil
		}
		order, err := s.orders.FindOne(ctx, repositories.OrderLookup{
			Field:  field,
			Value:  value,
			UserID: strings.TrimSpace(details.Metadata["user_id"]),
		})
		return s.lookupResult(ctx, string(field), order, err)
	}
}

// byHeuristic matches unpaid recent orders by amount, and by billing email when withEmail is set.
// It only matches when exactly one candidate qualifies.
func (s *stripeWebhookService) byHeuristic(strategy string, withEmail bool) func(context.Context, payments.PaymentDetails) (Order, bool, error) {
	return func(ctx context.Context, details payments.PaymentDetails) (Order, bool, error) {
		if details.Amount <= 0 {
			return Order{}, false, nil
		}
		total, ok := majorAmount(details.Amount, details.Currency)
		if !ok {
			return Order{}, false, nil
		}
		filter := repositories.OrderCandidateFilter{
			TotalAmount:     &total,
			CreatedAfter:    s.clock().Add(-s.window),
			PaymentStatuses: []string{domain.PaymentStatusUnpaid, domain.PaymentStatusPending},
			Limit:           heuristicCandidateLimit,
		}
		if withEmail {
			if details.Email == "" {
				return Order{}, false, nil
			}
			filter.Email = details.Email
		}
		candidates, err := s.orders.FindCandidates(ctx, filter)
		if err != nil {
			return s.lookupResult(ctx, strategy, Order{}, err)
		}
		eligible := candidates[:0]
		for _, candidate := range candidates {
			linked := candidate.StripePaymentIntentID()
			if linked != "" && linked != details.Reference {
				continue
			}
			eligible = append(eligible, candidate)
		}
		switch len(eligible) {
		case 0:
			return Order{}, false, nil
		case 1:
			return eligible[0], true, nil
		default:
			if s.metrics != nil {
				s.metrics.RecordAmbiguous(ctx, strategy, len(eligible))
			}
			s.logger(ctx, "stripe.webhook.ambiguous", map[string]any{
				"paymentIntent": details.Reference,
				"strategy":      strategy,
				"candidates":    len(eligible),
			})
			return Order{}, false, nil
		}
	}
}

// lookupResult turns a repository lookup into a strategy outcome. Store outages abort the cascade
// so the gateway retries; other failures fall through to the next strategy.
func (s *stripeWebhookService) lookupResult(ctx context.Context, strategy string, order Order, err error) (Order, bool, error) {
	if err == nil {
		return order, true, nil
	}
	if repositories.IsNotFound(err) {
		return Order{}, false, nil
	}
	if repositories.IsUnavailable(err) {
		return Order{}, false, fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
	}
	s.logger(ctx, "stripe.webhook.lookup_failed", map[string]any{"strategy": strategy, "error": err.Error()})
	return Order{}, false, nil
}

func (s *stripeWebhookService) recordMatch(ctx context.Context, strategy string) {
	if s.metrics != nil {
		s.metrics.RecordMatch(ctx, domain.PaymentProviderStripe, strategy)
	}
}

func (s *stripeWebhookService) archive(ctx context.Context, eventID string, payload []byte) {
	if s.archiver == nil {
		return
	}
	if err := s.archiver.ArchivePayload(ctx, ArchiveStripeWebhook, eventID, payload); err != nil {
		s.logger(ctx, "stripe.webhook.archive_failed", map[string]any{"eventId": eventID, "error": err.Error()})
	}
}

// majorAmount converts gateway minor units to an order total using the currency's scale.
func majorAmount(minor int64, code string) (domain.Amount, bool) {
	if code == "" {
		code = defaultIntentCurrency
	}
	_, scale, err := currencyScale(code)
	if err != nil {
		return domain.Amount{}, false
	}
	return domain.NewAmount(decimal.New(minor, -int32(scale))), true
}
