package repositories

import (
	"context"
	"errors"
	"time"

	domain "github.com/marketlane/storefront-api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// IsNotFound reports whether err carries a repository not-found classification.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err carries a repository conflict classification.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err carries a transient backend classification.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}

// OrderRepository persists orders. Insert enforces at most one order per (user id, idempotency
// key) when the order carries a key.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) (domain.Order, error)
	Get(ctx context.Context, orderID string) (domain.Order, error)
	FindOne(ctx context.Context, lookup OrderLookup) (domain.Order, error)
	FindCandidates(ctx context.Context, filter OrderCandidateFilter) ([]domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// Update loads the order, applies mutate and writes it back in one transaction. Returning an
	// error from mutate aborts the write.
	Update(ctx context.Context, orderID string, mutate func(*domain.Order) error) (domain.Order, error)
}

// OrderLookupField names an indexed order field usable for single-order lookups.
type OrderLookupField string

const (
	LookupIdempotencyColumn OrderLookupField = "idempotency_key"
	LookupIdempotencyMeta   OrderLookupField = "meta.idempotency_key"
	LookupClientTS          OrderLookupField = "meta.client_ts"
	LookupOrderNumber       OrderLookupField = "order_number"
	LookupLegacyID          OrderLookupField = "legacy_id"
	LookupPaymentIntentID   OrderLookupField = "payment_details.stripe_payment_intent_id"
	LookupMpesaCheckoutID   OrderLookupField = "payment_details.mpesa_checkout_id"
)

// OrderLookup finds one order by Field == Value, optionally scoped to UserID. When several match,
// the most recently created wins.
type OrderLookup struct {
	Field  OrderLookupField
	Value  string
	UserID string
}

// OrderCandidateFilter selects recent orders for heuristic matching. Zero fields are not applied.
type OrderCandidateFilter struct {
	UserID          string
	Email           string
	TotalAmount     *domain.Amount
	CreatedAfter    time.Time
	PaymentStatuses []string
	Limit           int
}

// OrderListFilter scopes order listings. VendorID matches the order-level vendor or any item vendor.
type OrderListFilter struct {
	UserID     string
	VendorID   string
	Status     string
	Pagination domain.Pagination
}

// ProductRepository reads canonical products.
type ProductRepository interface {
	Get(ctx context.Context, productID string) (domain.Product, error)
}

// VendorProductRepository reads vendor listing aliases.
type VendorProductRepository interface {
	Get(ctx context.Context, aliasID string) (domain.VendorProduct, error)
}

// VendorDirectory finds vendors. Implementations return a not-found RepositoryError on a miss.
type VendorDirectory interface {
	FindVendor(ctx context.Context, vendorID string) (domain.Vendor, error)
}

// VendorProvisioner creates a minimal vendor profile row.
type VendorProvisioner interface {
	EnsureVendorProfile(ctx context.Context, vendorID, name string) error
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// HealthRepository exposes status of downstream dependencies for readiness checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}
