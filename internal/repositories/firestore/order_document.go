package firestore

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	domain "github.com/marketlane/storefront-api/internal/domain"
)

type orderDocument struct {
	OrderNumber         string                  `firestore:"order_number,omitempty"`
	LegacyID            string                  `firestore:"legacy_id,omitempty"`
	UserID              string                  `firestore:"user_id"`
	VendorID            *string                 `firestore:"vendor_id"`
	VendorName          *string                 `firestore:"vendor_name"`
	VendorIDs           []string                `firestore:"vendor_ids,omitempty"`
	Name                string                  `firestore:"name,omitempty"`
	Email               string                  `firestore:"email,omitempty"`
	ShippingAddress     string                  `firestore:"shipping_address"`
	ShippingCoordinates *coordinatesDocument    `firestore:"shipping_coordinates,omitempty"`
	Status              string                  `firestore:"status"`
	PaymentStatus       string                  `firestore:"payment_status"`
	PaymentMethod       string                  `firestore:"payment_method,omitempty"`
	PaymentDetails      *paymentDetailsDocument `firestore:"payment_details,omitempty"`
	TotalAmount         any                     `firestore:"total_amount"`
	Items               []lineItemDocument      `firestore:"items"`
	Meta                metaDocument            `firestore:"meta"`
	IdempotencyKey      *string                 `firestore:"idempotency_key"`
	DeliveryToken       string                  `firestore:"delivery_token,omitempty"`
	SchemaVersion       int                     `firestore:"schema_version"`
	CreatedAt           time.Time               `firestore:"created_at"`
	UpdatedAt           time.Time               `firestore:"updated_at"`
	DeliveredAt         *time.Time              `firestore:"delivered_at,omitempty"`
}

type coordinatesDocument struct {
	Lat float64 `firestore:"lat"`
	Lng float64 `firestore:"lng"`
}

type lineItemDocument struct {
	ProductID  *string `firestore:"product_id"`
	OriginalID string  `firestore:"_original_id,omitempty"`
	VendorID   *string `firestore:"vendor_id"`
	VendorName *string `firestore:"vendor_name"`
	Quantity   int     `firestore:"quantity"`
	Price      any     `firestore:"price"`
	Name       string  `firestore:"name,omitempty"`
	Image      string  `firestore:"image,omitempty"`
}

type metaDocument struct {
	IdempotencyKey       string         `firestore:"idempotency_key,omitempty"`
	LegacyIdempotencyKey string         `firestore:"idempotencyKey,omitempty"`
	ClientTS             string         `firestore:"client_ts,omitempty"`
	ServerTS             string         `firestore:"server_ts,omitempty"`
	Extra                map[string]any `firestore:"extra,omitempty"`
}

type paymentDetailsDocument struct {
	Provider                    string         `firestore:"provider,omitempty"`
	StripePaymentIntentID       string         `firestore:"stripe_payment_intent_id,omitempty"`
	LegacyStripePaymentIntentID string         `firestore:"stripePaymentIntentId,omitempty"`
	MpesaCheckoutID             string         `firestore:"mpesa_checkout_id,omitempty"`
	MpesaReceipt                string         `firestore:"mpesa_receipt,omitempty"`
	MatchedBy                   string         `firestore:"matched_by,omitempty"`
	PaidAt                      *time.Time     `firestore:"paid_at,omitempty"`
	GatewayPayload              map[string]any `firestore:"gateway_payload,omitempty"`
}

func newOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber:     order.OrderNumber,
		LegacyID:        order.LegacyID,
		UserID:          order.UserID,
		VendorID:        order.VendorID,
		VendorName:      order.VendorName,
		VendorIDs:       order.VendorIDs,
		Name:            order.Name,
		Email:           strings.ToLower(strings.TrimSpace(order.Email)),
		ShippingAddress: order.ShippingAddress,
		Status:          order.Status,
		PaymentStatus:   order.PaymentStatus,
		PaymentMethod:   order.PaymentMethod,
		TotalAmount:     formatAmount(order.TotalAmount),
		IdempotencyKey:  order.IdempotencyKey,
		DeliveryToken:   order.DeliveryToken,
		SchemaVersion:   order.SchemaVersion,
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
		DeliveredAt:     utcPtr(order.DeliveredAt),
		Meta: metaDocument{
			IdempotencyKey: order.Meta.IdempotencyKey,
			ClientTS:       order.Meta.ClientTS,
			ServerTS:       order.Meta.ServerTS,
			Extra:          order.Meta.Extra,
		},
	}
	if order.ShippingCoordinates != nil {
		doc.ShippingCoordinates = &coordinatesDocument{Lat: order.ShippingCoordinates.Lat, Lng: order.ShippingCoordinates.Lng}
	}
	if details := order.PaymentDetails; details != nil {
		doc.PaymentDetails = &paymentDetailsDocument{
			Provider:              details.Provider,
			StripePaymentIntentID: details.StripePaymentIntentID,
			MpesaCheckoutID:       details.MpesaCheckoutID,
			MpesaReceipt:          details.MpesaReceipt,
			MatchedBy:             details.MatchedBy,
			PaidAt:                utcPtr(details.PaidAt),
			GatewayPayload:        details.GatewayPayload,
		}
	}
	doc.Items = make([]lineItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		doc.Items = append(doc.Items, lineItemDocument{
			ProductID:  item.ProductID,
			OriginalID: item.OriginalID,
			VendorID:   item.VendorID,
			VendorName: item.VendorName,
			Quantity:   item.Quantity,
			Price:      formatAmount(item.Price),
			Name:       item.Name,
			Image:      item.Image,
		})
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:              id,
		OrderNumber:     d.OrderNumber,
		LegacyID:        d.LegacyID,
		UserID:          d.UserID,
		VendorID:        d.VendorID,
		VendorName:      d.VendorName,
		VendorIDs:       d.VendorIDs,
		Name:            d.Name,
		Email:           d.Email,
		ShippingAddress: d.ShippingAddress,
		Status:          d.Status,
		PaymentStatus:   d.PaymentStatus,
		PaymentMethod:   d.PaymentMethod,
		TotalAmount:     parseAmount(d.TotalAmount),
		IdempotencyKey:  d.IdempotencyKey,
		DeliveryToken:   d.DeliveryToken,
		SchemaVersion:   d.SchemaVersion,
		CreatedAt:       d.CreatedAt.UTC(),
		UpdatedAt:       d.UpdatedAt.UTC(),
		DeliveredAt:     utcPtr(d.DeliveredAt),
		Meta: domain.OrderMeta{
			IdempotencyKey: firstNonEmpty(d.Meta.IdempotencyKey, d.Meta.LegacyIdempotencyKey),
			ClientTS:       d.Meta.ClientTS,
			ServerTS:       d.Meta.ServerTS,
			Extra:          d.Meta.Extra,
		},
	}
	if order.PaymentStatus == "" {
		order.PaymentStatus = domain.PaymentStatusUnpaid
	}
	if d.ShippingCoordinates != nil {
		order.ShippingCoordinates = &domain.Coordinates{Lat: d.ShippingCoordinates.Lat, Lng: d.ShippingCoordinates.Lng}
	}
	if details := d.PaymentDetails; details != nil {
		order.PaymentDetails = &domain.PaymentDetails{
			Provider:              details.Provider,
			StripePaymentIntentID: firstNonEmpty(details.StripePaymentIntentID, details.LegacyStripePaymentIntentID),
			MpesaCheckoutID:       details.MpesaCheckoutID,
			MpesaReceipt:          details.MpesaReceipt,
			MatchedBy:             details.MatchedBy,
			PaidAt:                utcPtr(details.PaidAt),
			GatewayPayload:        details.GatewayPayload,
		}
	}
	order.Items = make([]domain.LineItem, 0, len(d.Items))
	for _, item := range d.Items {
		order.Items = append(order.Items, domain.LineItem{
			ProductID:  item.ProductID,
			OriginalID: item.OriginalID,
			VendorID:   item.VendorID,
			VendorName: item.VendorName,
			Quantity:   item.Quantity,
			Price:      parseAmount(item.Price),
			Name:       item.Name,
			Image:      item.Image,
		})
	}
	return order
}

// formatAmount stores money as a fixed two-decimal string so equality queries on totals work.
func formatAmount(amount domain.Amount) string {
	return amount.StringFixed(2)
}

// parseAmount reads a stored amount. Current documents hold strings; older ones hold numbers.
func parseAmount(value any) domain.Amount {
	var (
		d   decimal.Decimal
		err error
	)
	switch v := value.(type) {
	case string:
		d, err = decimal.NewFromString(strings.TrimSpace(v))
	case float64:
		d = decimal.NewFromFloat(v)
	case int64:
		d = decimal.NewFromInt(v)
	case int:
		d = decimal.NewFromInt(int64(v))
	default:
		err = fmt.Errorf("unsupported amount type %T", value)
	}
	if err != nil {
		return domain.Amount{}
	}
	return domain.NewAmount(d)
}

var timeType = reflect.TypeOf(time.Time{})

// changedFields lists the field writes that turn before into after. Nested documents (meta,
// payment_details, coordinates) are compared per field so keys this service does not model
// survive the write.
func changedFields(before, after orderDocument) []firestore.Update {
	return diffDocument(nil, reflect.ValueOf(before), reflect.ValueOf(after))
}

func diffDocument(prefix []string, before, after reflect.Value) []firestore.Update {
	var updates []firestore.Update
	t := after.Type()
	for i := 0; i < t.NumField(); i++ {
		name, opts, _ := strings.Cut(t.Field(i).Tag.Get("firestore"), ",")
		if name == "" || name == "-" {
			continue
		}
		b, a := before.Field(i), after.Field(i)
		if reflect.DeepEqual(b.Interface(), a.Interface()) {
			continue
		}
		path := append(append([]string(nil), prefix...), name)
		if nb, na, ok := nestedDocuments(b, a); ok {
			updates = append(updates, diffDocument(path, nb, na)...)
			continue
		}
		var value any = a.Interface()
		if strings.Contains(opts, "omitempty") && a.IsZero() {
			value = firestore.Delete
		}
		updates = append(updates, firestore.Update{FieldPath: path, Value: value})
	}
	return updates
}

// nestedDocuments unwraps two values that are both present sub-documents.
func nestedDocuments(before, after reflect.Value) (reflect.Value, reflect.Value, bool) {
	if after.Kind() == reflect.Pointer {
		if after.IsNil() || before.IsNil() {
			return before, after, false
		}
		before, after = before.Elem(), after.Elem()
	}
	if after.Kind() != reflect.Struct || after.Type() == timeType {
		return before, after, false
	}
	return before, after, true
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
