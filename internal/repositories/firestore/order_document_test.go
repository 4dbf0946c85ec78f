package firestore

import (
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	domain "github.com/marketlane/storefront-api/internal/domain"
)

func sampleOrder() domain.Order {
	created := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	return domain.Order{
		ID:              "order-1",
		UserID:          "user-1",
		ShippingAddress: "12 Moi Avenue, Nairobi",
		Status:          domain.OrderStatusInTransit,
		PaymentStatus:   domain.PaymentStatusUnpaid,
		TotalAmount:     domain.NewAmount(decimal.RequireFromString("49.90")),
		Items: []domain.LineItem{{
			OriginalID: "sku-1",
			Quantity:   1,
			Price:      domain.NewAmount(decimal.RequireFromString("49.90")),
		}},
		Meta:          domain.OrderMeta{IdempotencyKey: "key-1", ClientTS: "1710406800"},
		SchemaVersion: domain.OrderSchemaVersion,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func updatePaths(updates []firestore.Update) []string {
	paths := make([]string, 0, len(updates))
	for _, u := range updates {
		paths = append(paths, strings.Join(u.FieldPath, "."))
	}
	sort.Strings(paths)
	return paths
}

func TestChangedFieldsWritesOnlyMutatedPaths(t *testing.T) {
	order := sampleOrder()
	before := newOrderDocument(order)

	paidAt := time.Date(2025, 3, 14, 9, 5, 0, 0, time.UTC)
	order.Status = domain.OrderStatusDelivered
	order.PaymentStatus = domain.PaymentStatusPaid
	order.PaymentDetails = &domain.PaymentDetails{Provider: "stripe", StripePaymentIntentID: "pi_1", PaidAt: &paidAt}

	got := updatePaths(changedFields(before, newOrderDocument(order)))
	want := []string{"payment_details", "payment_status", "status"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestChangedFieldsDiffsNestedDocumentsPerField(t *testing.T) {
	order := sampleOrder()
	order.PaymentDetails = &domain.PaymentDetails{Provider: "stripe", StripePaymentIntentID: "pi_1"}
	before := newOrderDocument(order)

	order.PaymentDetails.MatchedBy = "payment_intent_id"
	order.DeliveryToken = ""

	updates := changedFields(before, newOrderDocument(order))
	if got := updatePaths(updates); !reflect.DeepEqual(got, []string{"payment_details.matched_by"}) {
		t.Fatalf("expected only payment_details.matched_by, got %v", got)
	}
	if updates[0].Value != "payment_intent_id" {
		t.Fatalf("unexpected value %v", updates[0].Value)
	}
}

func TestChangedFieldsDeletesClearedOptionalFields(t *testing.T) {
	order := sampleOrder()
	order.DeliveryToken = "tok-1"
	before := newOrderDocument(order)

	order.DeliveryToken = ""
	updates := changedFields(before, newOrderDocument(order))
	if len(updates) != 1 || strings.Join(updates[0].FieldPath, ".") != "delivery_token" {
		t.Fatalf("expected delivery_token update, got %v", updatePaths(updates))
	}
	if updates[0].Value != firestore.Delete {
		t.Fatalf("expected delete sentinel, got %v", updates[0].Value)
	}
}

func TestChangedFieldsUnchangedOrderIsNoop(t *testing.T) {
	order := sampleOrder()
	if updates := changedFields(newOrderDocument(order), newOrderDocument(order)); len(updates) != 0 {
		t.Fatalf("expected no updates, got %v", updatePaths(updates))
	}
}

func TestToDomainAcceptsNumericLegacyAmounts(t *testing.T) {
	doc := orderDocument{
		UserID:      "user-1",
		TotalAmount: float64(12.5),
		Items:       []lineItemDocument{{Quantity: 2, Price: int64(6)}},
	}
	order := doc.toDomain("legacy-1")
	if !order.TotalAmount.Equal(domain.NewAmount(decimal.RequireFromString("12.50"))) {
		t.Fatalf("expected 12.50, got %s", order.TotalAmount)
	}
	if !order.Items[0].Price.Equal(domain.NewAmount(decimal.NewFromInt(6))) {
		t.Fatalf("expected price 6, got %s", order.Items[0].Price)
	}
	if formatted := newOrderDocument(order).TotalAmount; formatted != "12.50" {
		t.Fatalf("expected rewrite as string 12.50, got %v", formatted)
	}
}

func TestReservationDocumentStoresIdempotencyKey(t *testing.T) {
	field, ok := reflect.TypeOf(reservationDocument{}).FieldByName("Key")
	if !ok || field.Tag.Get("firestore") != "idempotency_key" {
		t.Fatalf("reservation key must be stored as idempotency_key, got %q", field.Tag.Get("firestore"))
	}
	if ReservationID("user-1", "key-1") == ReservationID("user-2", "key-1") {
		t.Fatalf("reservation ids must be scoped per user")
	}
	if ReservationID("user-1", "key-1") != ReservationID("user-1", "key-1") {
		t.Fatalf("reservation ids must be deterministic")
	}
}
