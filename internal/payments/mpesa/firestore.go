package mpesa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/marketlane/storefront-api/internal/platform/firestore"
)

const pendingCollection = "mpesa_pending"

// FirestoreStore shares pending transactions between instances.
type FirestoreStore struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[pendingDocument]
	now      func() time.Time
}

var _ Store = (*FirestoreStore)(nil)

// NewFirestoreStore constructs a Firestore-backed store.
func NewFirestoreStore(provider *pfirestore.Provider, clock func() time.Time) (*FirestoreStore, error) {
	if provider == nil {
		return nil, errors.New("mpesa pending store requires firestore provider")
	}
	if clock == nil {
		clock = time.Now
	}
	return &FirestoreStore{
		provider: provider,
		base:     pfirestore.NewBaseRepository[pendingDocument](provider, pendingCollection),
		now:      clock,
	}, nil
}

// Put implements Store.
func (s *FirestoreStore) Put(ctx context.Context, entry Entry) error {
	ref, err := s.base.DocumentRef(ctx, entry.Key)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, newPendingDocument(entry)); err != nil {
		return pfirestore.WrapError("mpesa_pending.put", err)
	}
	return nil
}

// Get implements Store.
func (s *FirestoreStore) Get(ctx context.Context, key string) (Entry, error) {
	doc, err := s.base.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	entry := doc.Data.toEntry(doc.ID)
	if entry.expired(s.now()) {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

// Update implements Store.
func (s *FirestoreStore) Update(ctx context.Context, key string, mutate func(*Entry) error) (Entry, error) {
	ref, err := s.base.DocumentRef(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	var updated Entry
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var doc pendingDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode pending %s: %w", key, err)
		}
		entry := doc.toEntry(key)
		if entry.expired(s.now()) {
			return ErrNotFound
		}
		if err := mutate(&entry); err != nil {
			return err
		}
		entry.Key = key
		updated = entry
		return tx.Set(ref, newPendingDocument(entry))
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, pfirestore.WrapError("mpesa_pending.update", err)
	}
	return updated, nil
}

// Cleanup implements Store.
func (s *FirestoreStore) Cleanup(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 200
	}
	docs, err := s.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("expires_at", "<=", now.UTC()).Limit(limit)
	})
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	coll := client.Collection(pendingCollection)
	bw := client.BulkWriter(ctx)
	for _, doc := range docs {
		if _, err := bw.Delete(coll.Doc(doc.ID)); err != nil {
			return 0, pfirestore.WrapError("mpesa_pending.cleanup", err)
		}
	}
	bw.End()
	return len(docs), nil
}

func isNotFound(err error) bool {
	var repoErr interface{ IsNotFound() bool }
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

type pendingDocument struct {
	Status            string         `firestore:"status"`
	MerchantRequestID string         `firestore:"merchant_request_id,omitempty"`
	OrderID           string         `firestore:"order_id,omitempty"`
	UserID            string         `firestore:"user_id,omitempty"`
	PhoneNumber       string         `firestore:"phone_number,omitempty"`
	Amount            int64          `firestore:"amount,omitempty"`
	Request           map[string]any `firestore:"request,omitempty"`
	GatewayResponse   map[string]any `firestore:"gateway_response,omitempty"`
	Callback          map[string]any `firestore:"callback,omitempty"`
	ResultCode        *int           `firestore:"result_code,omitempty"`
	ResultDesc        string         `firestore:"result_desc,omitempty"`
	ReceiptNumber     string         `firestore:"receipt_number,omitempty"`
	CreatedAt         time.Time      `firestore:"created_at"`
	UpdatedAt         time.Time      `firestore:"updated_at"`
	ExpiresAt         time.Time      `firestore:"expires_at"`
}

func newPendingDocument(e Entry) pendingDocument {
	return pendingDocument{
		Status:            string(e.Status),
		MerchantRequestID: e.MerchantRequestID,
		OrderID:           e.OrderID,
		UserID:            e.UserID,
		PhoneNumber:       e.PhoneNumber,
		Amount:            e.Amount,
		Request:           e.Request,
		GatewayResponse:   e.GatewayResponse,
		Callback:          e.Callback,
		ResultCode:        e.ResultCode,
		ResultDesc:        e.ResultDesc,
		ReceiptNumber:     e.ReceiptNumber,
		CreatedAt:         e.CreatedAt.UTC(),
		UpdatedAt:         e.UpdatedAt.UTC(),
		ExpiresAt:         e.ExpiresAt.UTC(),
	}
}

func (d pendingDocument) toEntry(key string) Entry {
	return Entry{
		Key:               key,
		Status:            Status(d.Status),
		MerchantRequestID: d.MerchantRequestID,
		OrderID:           d.OrderID,
		UserID:            d.UserID,
		PhoneNumber:       d.PhoneNumber,
		Amount:            d.Amount,
		Request:           d.Request,
		GatewayResponse:   d.GatewayResponse,
		Callback:          d.Callback,
		ResultCode:        d.ResultCode,
		ResultDesc:        d.ResultDesc,
		ReceiptNumber:     d.ReceiptNumber,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
		ExpiresAt:         d.ExpiresAt,
	}
}
