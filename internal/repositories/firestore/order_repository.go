package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/marketlane/storefront-api/internal/domain"
	pfirestore "github.com/marketlane/storefront-api/internal/platform/firestore"
	"github.com/marketlane/storefront-api/internal/platform/pagination"
	"github.com/marketlane/storefront-api/internal/repositories"
)

const (
	ordersCollection       = "orders"
	reservationsCollection = "order_idempotency"

	defaultCandidateLimit = 10
)

// legacy field paths still present on documents written before schema version 2.
var legacyLookupFields = map[repositories.OrderLookupField]string{
	repositories.LookupIdempotencyMeta: "meta.idempotencyKey",
	repositories.LookupPaymentIntentID: "payment_details.stripePaymentIntentId",
}

// OrderRepository stores orders in Firestore. Idempotent inserts reserve
// order_idempotency/{sha256(user|key)} in the same transaction as the order write.
type OrderRepository struct {
	provider     *pfirestore.Provider
	orders       *pfirestore.BaseRepository[orderDocument]
	reservations *pfirestore.BaseRepository[reservationDocument]
	now          func() time.Time
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider:     provider,
		orders:       pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection),
		reservations: pfirestore.NewBaseRepository[reservationDocument](provider, reservationsCollection),
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// Insert creates the order. When the order has an idempotency key and the (user, key) pair is
// already reserved, the returned error is a conflict and nothing is written.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	coll, err := r.orders.Collection(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	ref := coll.NewDoc()
	if id := strings.TrimSpace(order.ID); id != "" {
		ref = coll.Doc(id)
	}
	order.ID = ref.ID

	now := r.now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	order.SchemaVersion = domain.OrderSchemaVersion

	key := strings.TrimSpace(domain.Deref(order.IdempotencyKey))
	var reservationRef *firestore.DocumentRef
	if key != "" {
		reservationRef, err = r.reservations.DocumentRef(ctx, ReservationID(order.UserID, key))
		if err != nil {
			return domain.Order{}, err
		}
	}

	doc := newOrderDocument(order)
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if reservationRef != nil {
			_, err := tx.Get(reservationRef)
			switch status.Code(err) {
			case codes.OK:
				return pfirestore.Conflict("orders.insert", "idempotency key already reserved")
			case codes.NotFound:
			default:
				return err
			}
			if err := tx.Create(reservationRef, reservationDocument{
				OrderID:   ref.ID,
				UserID:    order.UserID,
				Key:       key,
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		return tx.Create(ref, doc)
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.insert", err)
	}
	return order, nil
}

// Get loads an order by document id.
func (r *OrderRepository) Get(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindOne returns the most recent order where lookup.Field equals lookup.Value. Idempotency column
// lookups consult the reservation document first.
func (r *OrderRepository) FindOne(ctx context.Context, lookup repositories.OrderLookup) (domain.Order, error) {
	value := strings.TrimSpace(lookup.Value)
	if value == "" || lookup.Field == "" {
		return domain.Order{}, pfirestore.NotFound("orders.find", "lookup value is required")
	}

	if lookup.Field == repositories.LookupIdempotencyColumn && lookup.UserID != "" {
		order, err := r.findByReservation(ctx, lookup.UserID, value)
		if err == nil || !repositories.IsNotFound(err) {
			return order, err
		}
	}

	paths := []string{string(lookup.Field)}
	if legacy, ok := legacyLookupFields[lookup.Field]; ok {
		paths = append(paths, legacy)
	}
	for _, path := range paths {
		doc, err := r.orders.First(ctx, func(q firestore.Query) firestore.Query {
			q = q.Where(path, "==", value)
			if lookup.UserID != "" {
				q = q.Where("user_id", "==", lookup.UserID)
			}
			return q.OrderBy("created_at", firestore.Desc)
		})
		if err == nil {
			return doc.Data.toDomain(doc.ID), nil
		}
		if !repositories.IsNotFound(err) {
			return domain.Order{}, err
		}
	}
	return domain.Order{}, pfirestore.NotFound("orders.find", fmt.Sprintf("no order with %s", lookup.Field))
}

func (r *OrderRepository) findByReservation(ctx context.Context, userID, key string) (domain.Order, error) {
	reservation, err := r.reservations.Get(ctx, ReservationID(userID, key))
	if err != nil {
		return domain.Order{}, err
	}
	return r.Get(ctx, reservation.Data.OrderID)
}

// FindCandidates returns recent orders for heuristic payment matching, newest first.
func (r *OrderRepository) FindCandidates(ctx context.Context, filter repositories.OrderCandidateFilter) ([]domain.Order, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultCandidateLimit
	}
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.UserID != "" {
			q = q.Where("user_id", "==", filter.UserID)
		}
		if filter.Email != "" {
			q = q.Where("email", "==", strings.ToLower(strings.TrimSpace(filter.Email)))
		}
		if filter.TotalAmount != nil {
			q = q.Where("total_amount", "==", formatAmount(*filter.TotalAmount))
		}
		if len(filter.PaymentStatuses) > 0 {
			q = q.Where("payment_status", "in", filter.PaymentStatuses)
		}
		if !filter.CreatedAfter.IsZero() {
			q = q.Where("created_at", ">=", filter.CreatedAfter.UTC())
		}
		return q.OrderBy("created_at", firestore.Desc).Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data.toDomain(doc.ID))
	}
	return orders, nil
}

// List pages through orders newest first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = pagination.DefaultPageSize
	}
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.UserID != "" {
			q = q.Where("user_id", "==", filter.UserID)
		}
		if filter.VendorID != "" {
			q = q.WhereEntity(firestore.OrFilter{Filters: []firestore.EntityFilter{
				firestore.PropertyFilter{Path: "vendor_id", Operator: "==", Value: filter.VendorID},
				firestore.PropertyFilter{Path: "vendor_ids", Operator: "array-contains", Value: filter.VendorID},
			}})
		}
		if filter.Status != "" {
			q = q.Where("status", "==", filter.Status)
		}
		q = q.OrderBy("created_at", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.CreatedAt, cursor.ID)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{}
	for i, doc := range docs {
		if i == pageSize {
			last := page.Items[len(page.Items)-1]
			token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
			if err != nil {
				return domain.CursorPage[domain.Order]{}, err
			}
			page.NextPageToken = token
			break
		}
		page.Items = append(page.Items, doc.Data.toDomain(doc.ID))
	}
	return page, nil
}

// Update applies mutate to the current order inside a transaction. Only the fields mutate changed
// are written; fields the document model does not know are left as stored.
func (r *OrderRepository) Update(ctx context.Context, orderID string, mutate func(*domain.Order) error) (domain.Order, error) {
	ref, err := r.orders.DocumentRef(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}

	var updated domain.Order
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore orders decode %s: %w", ref.ID, err)
		}
		order := doc.toDomain(ref.ID)
		before := newOrderDocument(order)
		if err := mutate(&order); err != nil {
			return err
		}
		order.ID = ref.ID
		if len(changedFields(before, newOrderDocument(order))) == 0 {
			updated = order
			return nil
		}
		order.UpdatedAt = r.now()
		order.SchemaVersion = domain.OrderSchemaVersion
		updated = order
		return tx.Update(ref, changedFields(before, newOrderDocument(order)))
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.update", err)
	}
	return updated, nil
}

// ReservationID is the reservation document id for a (user, key) pair.
func ReservationID(userID, key string) string {
	sum := sha256.Sum256([]byte(userID + "|" + key))
	return hex.EncodeToString(sum[:])
}

// reservationDocument claims an idempotency key for one user. Its id is ReservationID(user, key).
type reservationDocument struct {
	OrderID   string    `firestore:"order_id"`
	UserID    string    `firestore:"user_id"`
	Key       string    `firestore:"idempotency_key"`
	CreatedAt time.Time `firestore:"created_at"`
}
