package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/marketlane/storefront-api/internal/domain"
	pfirestore "github.com/marketlane/storefront-api/internal/platform/firestore"
	"github.com/marketlane/storefront-api/internal/repositories"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// memoryOrderRepo mirrors the Firestore repository's reservation semantics: one order per
// (user id, idempotency key).
type memoryOrderRepo struct {
	mu           sync.Mutex
	orders       map[string]domain.Order
	reservations map[string]string

	insertErr    error
	findOneErr   map[repositories.OrderLookupField]error
	beforeInsert func(domain.Order)
	inserts      int
}

func newMemoryOrderRepo(seed ...domain.Order) *memoryOrderRepo {
	repo := &memoryOrderRepo{
		orders:       make(map[string]domain.Order),
		reservations: make(map[string]string),
		findOneErr:   make(map[repositories.OrderLookupField]error),
	}
	for _, order := range seed {
		repo.orders[order.ID] = cloneOrder(order)
		if key := domain.Deref(order.IdempotencyKey); key != "" {
			repo.reservations[order.UserID+"|"+key] = order.ID
		}
	}
	return repo
}

func (r *memoryOrderRepo) Insert(_ context.Context, order domain.Order) (domain.Order, error) {
	if r.beforeInsert != nil {
		r.beforeInsert(order)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return domain.Order{}, r.insertErr
	}
	if _, exists := r.orders[order.ID]; exists {
		return domain.Order{}, pfirestore.Conflict("orders.insert", "order id taken")
	}
	if key := domain.Deref(order.IdempotencyKey); key != "" {
		reservation := order.UserID + "|" + key
		if _, taken := r.reservations[reservation]; taken {
			return domain.Order{}, pfirestore.Conflict("orders.insert", "idempotency key reserved")
		}
		r.reservations[reservation] = order.ID
	}
	r.inserts++
	r.orders[order.ID] = cloneOrder(order)
	return cloneOrder(order), nil
}

func (r *memoryOrderRepo) Get(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, pfirestore.NotFound("orders.get", "order not found")
	}
	return cloneOrder(order), nil
}

func (r *memoryOrderRepo) FindOne(_ context.Context, lookup repositories.OrderLookup) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.findOneErr[lookup.Field]; err != nil {
		return domain.Order{}, err
	}
	var matches []domain.Order
	for _, order := range r.orders {
		if lookup.UserID != "" && order.UserID != lookup.UserID {
			continue
		}
		if lookupValue(order, lookup.Field) == lookup.Value && lookup.Value != "" {
			matches = append(matches, order)
		}
	}
	if len(matches) == 0 {
		return domain.Order{}, pfirestore.NotFound("orders.find", "no order matches")
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })
	return cloneOrder(matches[0]), nil
}

func lookupValue(order domain.Order, field repositories.OrderLookupField) string {
	switch field {
	case repositories.LookupIdempotencyColumn:
		return domain.Deref(order.IdempotencyKey)
	case repositories.LookupIdempotencyMeta:
		return order.Meta.IdempotencyKey
	case repositories.LookupClientTS:
		return order.Meta.ClientTS
	case repositories.LookupOrderNumber:
		return order.OrderNumber
	case repositories.LookupLegacyID:
		return order.LegacyID
	case repositories.LookupPaymentIntentID:
		return order.StripePaymentIntentID()
	case repositories.LookupMpesaCheckoutID:
		if order.PaymentDetails == nil {
			return ""
		}
		return order.PaymentDetails.MpesaCheckoutID
	}
	return ""
}

func (r *memoryOrderRepo) FindCandidates(_ context.Context, filter repositories.OrderCandidateFilter) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []domain.Order
	for _, order := range r.orders {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		if filter.Email != "" && !strings.EqualFold(order.Email, filter.Email) {
			continue
		}
		if filter.TotalAmount != nil && !order.TotalAmount.Equal(*filter.TotalAmount) {
			continue
		}
		if !filter.CreatedAfter.IsZero() && order.CreatedAt.Before(filter.CreatedAfter) {
			continue
		}
		if len(filter.PaymentStatuses) > 0 && !containsString(filter.PaymentStatuses, order.PaymentStatus) {
			continue
		}
		result = append(result, cloneOrder(order))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (r *memoryOrderRepo) List(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []domain.Order
	for _, order := range r.orders {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		if filter.VendorID != "" && domain.Deref(order.VendorID) != filter.VendorID && !containsString(order.VendorIDs, filter.VendorID) {
			continue
		}
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		items = append(items, cloneOrder(order))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return domain.CursorPage[domain.Order]{Items: items}, nil
}

func (r *memoryOrderRepo) Update(_ context.Context, orderID string, mutate func(*domain.Order) error) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, pfirestore.NotFound("orders.update", "order not found")
	}
	working := cloneOrder(current)
	if err := mutate(&working); err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.update", err)
	}
	r.orders[orderID] = cloneOrder(working)
	return working, nil
}

func (r *memoryOrderRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

func (r *memoryOrderRepo) stored(orderID string) domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneOrder(r.orders[orderID])
}

func cloneOrder(order domain.Order) domain.Order {
	clone := order
	clone.Items = append([]domain.LineItem(nil), order.Items...)
	clone.VendorIDs = append([]string(nil), order.VendorIDs...)
	if order.PaymentDetails != nil {
		details := *order.PaymentDetails
		clone.PaymentDetails = &details
	}
	return clone
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

func unavailableErr(op string) error {
	return pfirestore.WrapError(op, status.Error(codes.Unavailable, "backend unavailable"))
}

type stubProducts struct {
	products map[string]domain.Product
}

func (s stubProducts) Get(_ context.Context, id string) (domain.Product, error) {
	if product, ok := s.products[id]; ok {
		return product, nil
	}
	return domain.Product{}, pfirestore.NotFound("products.get", "product not found")
}

type stubVendorProducts struct {
	aliases map[string]domain.VendorProduct
}

func (s stubVendorProducts) Get(_ context.Context, id string) (domain.VendorProduct, error) {
	if alias, ok := s.aliases[id]; ok {
		return alias, nil
	}
	return domain.VendorProduct{}, pfirestore.NotFound("vendor_products.get", "alias not found")
}

type stubVendors struct {
	mu      sync.Mutex
	vendors map[string]domain.Vendor
	calls   int
}

func (s *stubVendors) FindVendor(_ context.Context, id string) (domain.Vendor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if vendor, ok := s.vendors[id]; ok {
		return vendor, nil
	}
	return domain.Vendor{}, pfirestore.NotFound("vendors.find", "vendor not found")
}

type stubProvisioner struct {
	mu          sync.Mutex
	provisioned []string
	err         error
}

func (s *stubProvisioner) EnsureVendorProfile(_ context.Context, id, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.provisioned = append(s.provisioned, id)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.events))
	for _, event := range p.events {
		types = append(types, event.Type)
	}
	return types
}

type recordingMetrics struct {
	mu        sync.Mutex
	matches   []string
	ambiguous []string
	creates   []string
}

func (m *recordingMetrics) RecordMatch(_ context.Context, gateway, strategy string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matches = append(m.matches, gateway+":"+strategy)
}

func (m *recordingMetrics) RecordAmbiguous(_ context.Context, strategy string, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ambiguous = append(m.ambiguous, strategy)
}

func (m *recordingMetrics) RecordOrderCreate(_ context.Context, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates = append(m.creates, outcome)
}

type recordingArchiver struct {
	mu   sync.Mutex
	keys []string
}

func (a *recordingArchiver) ArchivePayload(_ context.Context, kind, key string, _ []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, kind+"/"+key)
	return nil
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func sequenceIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%04d", prefix, n)
	}
}
