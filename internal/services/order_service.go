package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	domain "github.com/marketlane/storefront-api/internal/domain"
	"github.com/marketlane/storefront-api/internal/payments"
	"github.com/marketlane/storefront-api/internal/platform/textutil"
	"github.com/marketlane/storefront-api/internal/platform/validation"
	"github.com/marketlane/storefront-api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status_changed"
	orderEventPaid          = "order.paid"
	orderEventPaymentFailed = "order.payment_failed"

	orderIDPrefix = "ord_"

	defaultRaceHeuristicWindow = 15 * time.Minute
	raceHeuristicCandidates    = 20
)

// Create outcomes recorded by MatchRecorder.RecordOrderCreate.
const (
	createOutcomeCreated       = "created"
	createOutcomeReplayed      = "replayed"
	createOutcomeRaceRecovered = "race_recovered"
	createOutcomeHeuristic     = "heuristic"
	createOutcomeFailed        = "failed"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates the order's current status does not allow the change.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates a duplicate that could not be resolved to an existing order.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderForbidden indicates the requester lacks the role or ownership for the operation.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrOrderUnavailable indicates the order store is temporarily unavailable.
	ErrOrderUnavailable = errors.New("order: store unavailable")
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders   repositories.OrderRepository
	Resolver *IdentifierResolver
	Numbers  OrderNumberGenerator
	Payments PaymentLookup
	Events   OrderEventPublisher
	Metrics  MatchRecorder
	// RaceHeuristicWindow bounds the created_at range of the last-resort duplicate match.
	RaceHeuristicWindow time.Duration
	Clock               func() time.Time
	IDGenerator         func() string
	Logger              func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	resolver   *IdentifierResolver
	numbers    OrderNumberGenerator
	payments   PaymentLookup
	ledger     *paymentLedger
	events     OrderEventPublisher
	metrics    MatchRecorder
	raceWindow time.Duration
	clock      func() time.Time
	newID      func() string
	logger     func(ctx context.Context, event string, fields map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService constructs an order service.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Resolver == nil {
		return nil, errors.New("order service: identifier resolver is required")
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
	window := deps.RaceHeuristicWindow
	if window <= 0 {
		window = defaultRaceHeuristicWindow
	}

	svc := &orderService{
		orders:     deps.Orders,
		resolver:   deps.Resolver,
		numbers:    deps.Numbers,
		payments:   deps.Payments,
		events:     deps.Events,
		metrics:    deps.Metrics,
		raceWindow: window,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}
	svc.ledger = newPaymentLedger(deps.Orders, deps.Events, svc.clock, logger)
	return svc, nil
}

type orderItemInput struct {
	ProductID FlexString `json:"product_id"`
	ID        FlexString `json:"id"`
	VendorID  FlexString `json:"vendor_id"`
	Quantity  FlexString `json:"quantity"`
	Price     FlexString `json:"price"`
	Name      string     `json:"name"`
	Image     string     `json:"image"`
}

type orderRules struct {
	TotalAmount     string           `json:"total_amount" validate:"required,numeric"`
	ShippingAddress string           `json:"shipping_address" validate:"required"`
	Email           string           `json:"email" validate:"omitempty,email"`
	Items           []orderItemInput `json:"items" validate:"required,min=1"`
}

type parsedOrder struct {
	total decimal.Decimal
	items []orderItemInput
}

func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error) {
	userID := strings.TrimSpace(cmd.Actor.ID)
	if userID == "" {
		return CreateOrderResult{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	parsed, err := parseOrderPayload(cmd.Payload)
	if err != nil {
		return CreateOrderResult{}, err
	}

	clientTS := clientTimestamp(cmd.Payload)
	key := DeriveIdempotencyKey(cmd.Headers, cmd.Payload.Meta, clientTS, userID)

	if key != "" {
		if existing, ok := s.lookupByKey(ctx, userID, key); ok {
			return s.replay(ctx, existing, createOutcomeReplayed), nil
		}
	}

	names := s.resolver.NewNameCache()
	items := s.materializeItems(ctx, parsed.items, names)
	vendorID, vendorIDs := orderVendorAttribution(cmd.Actor, items)

	now := s.clock()
	order := Order{
		ID:                  orderIDPrefix + s.newID(),
		UserID:              userID,
		VendorID:            domain.StringPtr(vendorID),
		VendorIDs:           vendorIDs,
		Name:                textutil.StripMarkup(cmd.Payload.Name),
		Email:               strings.ToLower(strings.TrimSpace(cmd.Payload.Email)),
		ShippingAddress:     textutil.StripMarkup(cmd.Payload.ShippingAddress),
		ShippingCoordinates: cmd.Payload.ShippingCoordinates,
		Status:              initialStatus(cmd.Payload.Status),
		PaymentStatus:       domain.PaymentStatusUnpaid,
		PaymentMethod:       strings.ToLower(strings.TrimSpace(cmd.Payload.PaymentMethod)),
		TotalAmount:         domain.NewAmount(parsed.total),
		Items:               items,
		Meta:                buildMeta(cmd.Payload.Meta, key, clientTS, now),
		IdempotencyKey:      domain.StringPtr(key),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if cmd.paymentStatus != "" {
		order.PaymentStatus = cmd.paymentStatus
	}
	if vendorID != "" {
		if name, ok := names.Name(ctx, vendorID); ok {
			order.VendorName = &name
		}
	}
	if s.numbers != nil {
		if number, err := s.numbers.NextOrderNumber(ctx); err == nil {
			order.OrderNumber = number
		} else {
			s.logger(ctx, "order.number.failed", map[string]any{"error": err.Error()})
		}
	}

	if key != "" {
		if existing, ok := s.lookupByKey(ctx, userID, key); ok {
			return s.replay(ctx, existing, createOutcomeReplayed), nil
		}
	}

	inserted, err := s.orders.Insert(ctx, order)
	if err != nil {
		if key != "" && repositories.IsConflict(err) {
			if existing, ok := s.lookupByKey(ctx, userID, key); ok {
				return s.replay(ctx, existing, createOutcomeRaceRecovered), nil
			}
			if existing, ok := s.heuristicDuplicate(ctx, order); ok {
				return s.replay(ctx, existing, createOutcomeHeuristic), nil
			}
		}
		s.recordCreate(ctx, createOutcomeFailed)
		return CreateOrderResult{}, s.mapRepositoryError(err)
	}

	inserted = s.enrichVendorName(ctx, inserted, names)
	s.recordCreate(ctx, createOutcomeCreated)
	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       inserted.ID,
		OrderNumber:   inserted.OrderNumber,
		UserID:        inserted.UserID,
		VendorID:      domain.Deref(inserted.VendorID),
		CurrentStatus: inserted.Status,
		PaymentStatus: inserted.PaymentStatus,
		ActorID:       userID,
		OccurredAt:    now,
		Metadata: map[string]any{
			"total_amount": inserted.TotalAmount.StringFixed(2),
			"item_count":   len(inserted.Items),
			"idempotent":   key != "",
		},
	})
	return CreateOrderResult{Order: inserted}, nil
}

func parseOrderPayload(payload CreateOrderPayload) (parsedOrder, error) {
	items, err := decodeItems(payload.Items)
	if err != nil {
		return parsedOrder{}, err
	}

	rules := orderRules{
		TotalAmount:     payload.TotalAmount.String(),
		ShippingAddress: strings.TrimSpace(payload.ShippingAddress),
		Email:           strings.TrimSpace(payload.Email),
		Items:           items,
	}
	if err := validation.Struct(rules); err != nil {
		var fields validation.FieldErrors
		if errors.As(err, &fields) {
			return parsedOrder{}, &OrderInputError{Fields: fields}
		}
		return parsedOrder{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	total, err := decimal.NewFromString(rules.TotalAmount)
	if err != nil || !total.IsPositive() {
		return parsedOrder{}, &OrderInputError{Fields: validation.FieldErrors{"total_amount": "total_amount must be greater than 0"}}
	}
	return parsedOrder{total: total, items: items}, nil
}

// decodeItems accepts a JSON array or a JSON string that itself holds an array.
func decodeItems(raw json.RawMessage) ([]orderItemInput, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, &OrderInputError{Fields: validation.FieldErrors{"items": "items must be a JSON array"}}
		}
		trimmed = strings.TrimSpace(inner)
	}
	var items []orderItemInput
	if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
		return nil, &OrderInputError{Fields: validation.FieldErrors{"items": "items must be a JSON array"}}
	}
	if items == nil {
		items = []orderItemInput{}
	}
	return items, nil
}

// itemQuantity reads a line item quantity. Fractional values keep their whole part; anything
// missing, unparseable or below one counts as a single unit.
func itemQuantity(raw string) int {
	qty, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 1
	}
	if whole := qty.IntPart(); whole >= 1 {
		return int(whole)
	}
	return 1
}

// itemPrice reads a line item price; an unparseable price is recorded as zero.
func itemPrice(raw string) domain.Amount {
	price, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return domain.Amount{}
	}
	return domain.NewAmount(price)
}

func itemReference(item orderItemInput) string {
	if ref := item.ProductID.String(); ref != "" {
		return ref
	}
	return item.ID.String()
}

// OrderInputError carries field specific validation messages. It matches ErrOrderInvalidInput.
type OrderInputError struct {
	Fields validation.FieldErrors
}

func (e *OrderInputError) Error() string {
	return fmt.Sprintf("%v: %s", ErrOrderInvalidInput, e.Fields.Error())
}

// Unwrap lets errors.Is match ErrOrderInvalidInput.
func (e *OrderInputError) Unwrap() error { return ErrOrderInvalidInput }

func (s *orderService) materializeItems(ctx context.Context, inputs []orderItemInput, names *VendorNameCache) []LineItem {
	items := make([]LineItem, 0, len(inputs))
	candidates := make([]string, 0, len(inputs))
	for _, input := range inputs {
		ref := itemReference(input)
		item := LineItem{
			OriginalID: ref,
			Name:       textutil.StripMarkup(input.Name),
			Image:      strings.TrimSpace(input.Image),
		}
		item.Quantity = itemQuantity(input.Quantity.String())
		item.Price = itemPrice(input.Price.String())

		productID, ok := s.resolver.ResolveProductUUID(ctx, ref)
		if ok {
			item.ProductID = &productID
		}
		vendorID, ok := s.resolver.ResolveVendorForItem(ctx, productID, ref)
		if !ok {
			vendorID = input.VendorID.String()
		}
		if vendorID != "" {
			item.VendorID = &vendorID
			candidates = append(candidates, vendorID)
		}
		items = append(items, item)
	}

	valid := s.resolver.ValidateVendorIDs(ctx, candidates)
	for i := range items {
		vendorID := domain.Deref(items[i].VendorID)
		if vendorID == "" {
			continue
		}
		if _, ok := valid[vendorID]; !ok {
			s.logger(ctx, "order.item.vendor_invalid", map[string]any{
				"vendorId": vendorID,
				"ref":      items[i].OriginalID,
			})
			items[i].VendorID = nil
			items[i].VendorName = nil
			continue
		}
		if name, ok := names.Name(ctx, vendorID); ok {
			items[i].VendorName = &name
		}
	}
	return items
}

// orderVendorAttribution returns the order-level vendor and the distinct item vendors. A vendor
// requester owns the order; otherwise the order is attributed only when every item shares one
// vendor.
func orderVendorAttribution(actor Actor, items []LineItem) (string, []string) {
	distinct := make([]string, 0, 1)
	seen := make(map[string]struct{})
	allAttributed := len(items) > 0
	for _, item := range items {
		vendorID := domain.Deref(item.VendorID)
		if vendorID == "" {
			allAttributed = false
			continue
		}
		if _, ok := seen[vendorID]; !ok {
			seen[vendorID] = struct{}{}
			distinct = append(distinct, vendorID)
		}
	}
	if len(distinct) == 0 {
		distinct = nil
	}
	if actor.IsVendor() {
		return strings.TrimSpace(actor.ID), distinct
	}
	if allAttributed && len(distinct) == 1 {
		return distinct[0], distinct
	}
	return "", distinct
}

func buildMeta(clientMeta map[string]any, key, clientTS string, now time.Time) OrderMeta {
	meta := OrderMeta{
		IdempotencyKey: key,
		ClientTS:       clientTS,
		ServerTS:       now.Format(time.RFC3339Nano),
	}
	if len(clientMeta) > 0 {
		meta.Extra = maps.Clone(clientMeta)
		for _, reserved := range []string{"idempotency_key", "idempotencyKey", "client_ts", "clientTs", "server_ts"} {
			delete(meta.Extra, reserved)
		}
		if len(meta.Extra) == 0 {
			meta.Extra = nil
		}
	}
	return meta
}

func initialStatus(requested string) string {
	switch normalizeStatus(requested) {
	case domain.OrderStatusPlaced:
		return domain.OrderStatusPlaced
	default:
		return domain.OrderStatusProcessing
	}
}

// lookupByKey finds the order for (user, key) by column, then by the meta mirror. Lookup failures
// other than not-found are logged and treated as a miss; the insert reservation still guards
// uniqueness.
func (s *orderService) lookupByKey(ctx context.Context, userID, key string) (Order, bool) {
	for _, field := range []repositories.OrderLookupField{repositories.LookupIdempotencyColumn, repositories.LookupIdempotencyMeta} {
		order, err := s.orders.FindOne(ctx, repositories.OrderLookup{Field: field, Value: key, UserID: userID})
		if err == nil {
			return order, true
		}
		if !repositories.IsNotFound(err) {
			s.logger(ctx, "order.idempotency.lookup_failed", map[string]any{
				"field": string(field),
				"error": err.Error(),
			})
		}
	}
	return Order{}, false
}

// heuristicDuplicate picks the newest order of the same user, total and item count created within
// the race window.
func (s *orderService) heuristicDuplicate(ctx context.Context, order Order) (Order, bool) {
	total := order.TotalAmount
	candidates, err := s.orders.FindCandidates(ctx, repositories.OrderCandidateFilter{
		UserID:       order.UserID,
		TotalAmount:  &total,
		CreatedAfter: s.clock().Add(-s.raceWindow),
		Limit:        raceHeuristicCandidates,
	})
	if err != nil {
		s.logger(ctx, "order.idempotency.heuristic_failed", map[string]any{"error": err.Error()})
		return Order{}, false
	}
	for _, candidate := range candidates {
		if candidate.ID == order.ID {
			continue
		}
		if len(candidate.Items) == len(order.Items) && candidate.TotalAmount.Equal(order.TotalAmount) {
			s.logger(ctx, "order.idempotency.heuristic_match", map[string]any{
				"orderId": candidate.ID,
				"userId":  order.UserID,
			})
			return candidate, true
		}
	}
	return Order{}, false
}

// replay returns an existing order, first reconciling an unpaid card order against its intent.
func (s *orderService) replay(ctx context.Context, existing Order, outcome string) CreateOrderResult {
	s.recordCreate(ctx, outcome)
	s.logger(ctx, "order.create.idempotent", map[string]any{
		"orderId": existing.ID,
		"outcome": outcome,
	})
	intentID := existing.StripePaymentIntentID()
	if intentID == "" || existing.IsPaid() || s.payments == nil {
		return CreateOrderResult{Order: existing, Idempotent: true}
	}
	details, err := s.payments.LookupPayment(ctx, payments.ProviderStripe, payments.LookupRequest{Reference: intentID})
	if err != nil {
		s.logger(ctx, "order.replay.reconcile_failed", map[string]any{
			"orderId":       existing.ID,
			"paymentIntent": intentID,
			"error":         err.Error(),
		})
		return CreateOrderResult{Order: existing, Idempotent: true}
	}
	if details.Status != payments.StatusSucceeded {
		return CreateOrderResult{Order: existing, Idempotent: true}
	}
	paid, err := s.ledger.markPaid(ctx, existing.ID, settlement{
		Provider:  domain.PaymentProviderStripe,
		Reference: details.Reference,
		MatchedBy: MatchIdempotentReplay,
		Payload:   details.Raw,
	})
	if err != nil {
		return CreateOrderResult{Order: existing, Idempotent: true}
	}
	return CreateOrderResult{Order: paid, Idempotent: true}
}

// enrichVendorName patches a missing vendor name after insert. Failures leave the order as is.
func (s *orderService) enrichVendorName(ctx context.Context, order Order, names *VendorNameCache) Order {
	vendorID := domain.Deref(order.VendorID)
	if vendorID == "" || domain.Deref(order.VendorName) != "" {
		return order
	}
	name, ok := names.Name(ctx, vendorID)
	if !ok {
		return order
	}
	updated, err := s.orders.Update(ctx, order.ID, func(current *Order) error {
		if domain.Deref(current.VendorName) == "" {
			current.VendorName = &name
		}
		return nil
	})
	if err != nil {
		s.logger(ctx, "order.vendor_name.patch_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return order
	}
	return updated
}

func (s *orderService) Get(ctx context.Context, actor Actor, ref string) (Order, error) {
	order, err := s.locate(ctx, ref)
	if err != nil {
		return Order{}, err
	}
	if !canView(actor, order) {
		return Order{}, fmt.Errorf("%w: order belongs to another account", ErrOrderForbidden)
	}
	return order, nil
}

// locate resolves ref by document id, order number, legacy id, meta idempotency key and meta
// client timestamp, in that order.
func (s *orderService) locate(ctx context.Context, ref string) (Order, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.Get(ctx, ref)
	if err == nil {
		return order, nil
	}
	if !repositories.IsNotFound(err) {
		return Order{}, s.mapRepositoryError(err)
	}
	for _, field := range []repositories.OrderLookupField{
		repositories.LookupOrderNumber,
		repositories.LookupLegacyID,
		repositories.LookupIdempotencyMeta,
		repositories.LookupClientTS,
	} {
		order, err := s.orders.FindOne(ctx, repositories.OrderLookup{Field: field, Value: ref})
		if err == nil {
			return order, nil
		}
		if !repositories.IsNotFound(err) {
			return Order{}, s.mapRepositoryError(err)
		}
	}
	return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, ref)
}

func canView(actor Actor, order Order) bool {
	if actor.IsAdmin() {
		return true
	}
	if actor.ID != "" && order.UserID == actor.ID {
		return true
	}
	if !actor.IsVendor() {
		return false
	}
	return ownsOrder(actor, order) || slices.Contains(order.VendorIDs, actor.ID)
}

func ownsOrder(actor Actor, order Order) bool {
	return actor.ID != "" && domain.Deref(order.VendorID) == actor.ID
}

func (s *orderService) List(ctx context.Context, cmd ListOrdersCommand) (domain.CursorPage[Order], error) {
	filter := repositories.OrderListFilter{
		Status:     normalizeStatus(cmd.Status),
		Pagination: cmd.Pagination,
	}
	switch {
	case cmd.Actor.IsAdmin():
		filter.UserID = strings.TrimSpace(cmd.UserID)
		filter.VendorID = strings.TrimSpace(cmd.VendorID)
	case cmd.Actor.IsVendor():
		filter.VendorID = strings.TrimSpace(cmd.Actor.ID)
	default:
		filter.UserID = strings.TrimSpace(cmd.Actor.ID)
	}
	if filter.UserID == "" && filter.VendorID == "" && !cmd.Actor.IsAdmin() {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: requester id is required", ErrOrderInvalidInput)
	}
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, ErrOrderInvalidInput), errors.Is(err, ErrOrderInvalidState),
		errors.Is(err, ErrOrderForbidden), errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrOrderConflict):
		return err
	case repositories.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
	case repositories.IsConflict(err):
		return fmt.Errorf("%w: %v", ErrOrderConflict, err)
	case repositories.IsUnavailable(err):
		return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
	default:
		return fmt.Errorf("order: repository error: %w", err)
	}
}

func (s *orderService) recordCreate(ctx context.Context, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordOrderCreate(ctx, outcome)
	}
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	publishOrderEvent(ctx, s.events, s.logger, event)
}

func publishOrderEvent(ctx context.Context, publisher OrderEventPublisher, logger func(context.Context, string, map[string]any), event OrderEvent) {
	if publisher == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := publisher.PublishOrderEvent(ctx, event); err != nil {
		logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}
