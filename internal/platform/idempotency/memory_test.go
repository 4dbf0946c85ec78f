package idempotency

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestMemoryStoreReservationLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

	res, err := store.Reserve(ctx, "intent-1", "fp-a", now, time.Hour)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("expected new reservation, got %+v err=%v", res, err)
	}
	res, err = store.Reserve(ctx, "intent-1", "fp-a", now.Add(time.Minute), time.Hour)
	if err != nil || res.State != ReservationStatePending {
		t.Fatalf("expected pending reservation, got %+v err=%v", res, err)
	}
	if _, err := store.Reserve(ctx, "intent-1", "fp-b", now, time.Hour); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected fingerprint mismatch, got %v", err)
	}

	resp := Response{Status: http.StatusCreated, Headers: http.Header{"Content-Type": {"application/json"}, "Date": {"x"}}, Body: []byte(`{"ok":true}`)}
	if err := store.SaveResponse(ctx, "intent-1", "fp-a", resp, now.Add(2*time.Minute), time.Hour); err != nil {
		t.Fatalf("SaveResponse: %v", err)
	}
	res, err = store.Reserve(ctx, "intent-1", "fp-a", now.Add(3*time.Minute), time.Hour)
	if err != nil || res.State != ReservationStateCompleted {
		t.Fatalf("expected completed reservation, got %+v err=%v", res, err)
	}
	if !res.Record.CreatedAt.Equal(now) {
		t.Fatalf("expected original created_at, got %s", res.Record.CreatedAt)
	}
	if _, ok := res.Record.ResponseHeaders["Date"]; ok {
		t.Fatalf("hop headers must not be stored")
	}
	if err := store.SaveResponse(ctx, "intent-1", "fp-b", resp, now, time.Hour); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected fingerprint mismatch on save, got %v", err)
	}

	res, err = store.Reserve(ctx, "intent-1", "fp-b", now.Add(3*time.Hour), time.Hour)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("expired key should be reusable, got %+v err=%v", res, err)
	}
}
