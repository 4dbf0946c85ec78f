package di

import (
	"context"
	"testing"
	"time"

	"github.com/marketlane/storefront-api/internal/payments/mpesa"
	"github.com/marketlane/storefront-api/internal/platform/config"
	"github.com/marketlane/storefront-api/internal/platform/idempotency"
)

func TestNewContainerRequiresFirestore(t *testing.T) {
	if _, err := NewContainer(context.Background(), config.Config{}, Infrastructure{}); err == nil {
		t.Fatalf("expected error without firestore provider")
	}
}

func TestBuildPendingStoreSelectsBackend(t *testing.T) {
	infra := Infrastructure{Clock: time.Now}

	store, err := buildPendingStore(config.PendingConfig{Backend: config.PendingBackendMemory}, infra)
	if err != nil {
		t.Fatalf("memory backend: %v", err)
	}
	if _, ok := store.(*mpesa.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}

	if _, err := buildPendingStore(config.PendingConfig{Backend: config.PendingBackendBadger}, infra); err == nil {
		t.Fatalf("expected error when badger is selected without an open database")
	}
}

func TestBuildAuthenticatorRequiresKeyMaterial(t *testing.T) {
	if _, err := buildAuthenticator(config.AuthConfig{}, nil); err == nil {
		t.Fatalf("expected error without secret or jwks url")
	}
	authn, err := buildAuthenticator(config.AuthConfig{JWTSecret: "s3cret", Audience: "authenticated"}, nil)
	if err != nil || authn == nil {
		t.Fatalf("expected authenticator, got %v", err)
	}
}

func TestCleanupExpiredSweepsBothStores(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	pending := mpesa.NewMemoryStore(func() time.Time { return now })
	_ = pending.Put(ctx, mpesa.Entry{Key: "ws_CO_old", Status: mpesa.StatusInitiated, ExpiresAt: now.Add(-time.Minute)})
	_ = pending.Put(ctx, mpesa.Entry{Key: "ws_CO_live", Status: mpesa.StatusInitiated, ExpiresAt: now.Add(time.Hour)})

	replays := idempotency.NewMemoryStore()
	if _, err := replays.Reserve(ctx, "order-key", "fp", now.Add(-2*time.Hour), time.Hour); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	c := &Container{Pending: pending, Idempotency: replays}
	removedPending, removedReplays, err := c.CleanupExpired(ctx, now, 100)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if removedPending != 1 || removedReplays != 1 {
		t.Fatalf("expected one pending and one replay removed, got %d and %d", removedPending, removedReplays)
	}
	if _, err := pending.Get(ctx, "ws_CO_live"); err != nil {
		t.Fatalf("live entry should survive: %v", err)
	}
}
