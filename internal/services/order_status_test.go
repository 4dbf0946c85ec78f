package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/marketlane/storefront-api/internal/domain"
)

func statusOrder(id, status string) domain.Order {
	return domain.Order{
		ID:            id,
		UserID:        "user-1",
		VendorID:      domain.StringPtr("vendor-1"),
		Status:        status,
		PaymentStatus: domain.PaymentStatusPaid,
		CreatedAt:     testNow,
	}
}

func TestStatusHelpers(t *testing.T) {
	for _, status := range []string{"delivered", "Confirmed", " CANCELLED ", "canceled"} {
		if !IsTerminalStatus(status) {
			t.Fatalf("%q should be terminal", status)
		}
	}
	if IsTerminalStatus("in transit") {
		t.Fatalf("in transit is not terminal")
	}
	for _, status := range []string{"In Transit", "out for delivery", "Shipped", "dispatched today", "on the way"} {
		if !IsInTransitStatus(status) {
			t.Fatalf("%q should be in transit", status)
		}
	}
	for _, status := range []string{"", "processing", "order placed"} {
		if IsInTransitStatus(status) {
			t.Fatalf("%q should not be in transit", status)
		}
	}
}

func TestOrderServiceUpdateStatusPermissions(t *testing.T) {
	fx := newOrderFixture(t, statusOrder("ord_1", domain.OrderStatusProcessing))
	ctx := context.Background()

	if _, err := fx.service.UpdateStatus(ctx, UpdateOrderStatusCommand{Actor: customer("user-1"), OrderID: "ord_1", Status: "in transit"}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("customer must not update status, got %v", err)
	}
	if _, err := fx.service.UpdateStatus(ctx, UpdateOrderStatusCommand{Actor: Actor{ID: "vendor-2", Role: domain.RoleVendor}, OrderID: "ord_1", Status: "in transit"}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("foreign vendor must not update status, got %v", err)
	}
	reassign := "vendor-2"
	if _, err := fx.service.UpdateStatus(ctx, UpdateOrderStatusCommand{Actor: Actor{ID: "vendor-1", Role: domain.RoleVendor}, OrderID: "ord_1", Status: "in transit", VendorID: &reassign}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("vendor must not reassign, got %v", err)
	}

	token := " 4821 "
	updated, err := fx.service.UpdateStatus(ctx, UpdateOrderStatusCommand{
		Actor:         Actor{ID: "vendor-1", Role: domain.RoleVendor},
		OrderID:       "ord_1",
		Status:        "In   Transit",
		DeliveryToken: &token,
	})
	if err != nil {
		t.Fatalf("owning vendor update: %v", err)
	}
	if updated.Status != domain.OrderStatusInTransit || updated.DeliveryToken != "4821" {
		t.Fatalf("unexpected order %+v", updated)
	}
	if types := fx.events.types(); len(types) != 1 || types[0] != orderEventStatusChanged {
		t.Fatalf("expected status event, got %v", types)
	}

	updated, err = fx.service.UpdateStatus(ctx, UpdateOrderStatusCommand{
		Actor:    Actor{ID: "admin-1", Role: domain.RoleAdmin},
		OrderID:  "ord_1",
		Status:   "out for delivery",
		VendorID: &reassign,
	})
	if err != nil {
		t.Fatalf("admin update: %v", err)
	}
	if domain.Deref(updated.VendorID) != "vendor-2" || updated.VendorName != nil {
		t.Fatalf("admin reassignment not applied: %+v", updated)
	}
}

func TestOrderServiceTerminalStatusesAreImmutable(t *testing.T) {
	for _, status := range []string{domain.OrderStatusDelivered, domain.OrderStatusConfirmed, "Cancelled"} {
		t.Run(status, func(t *testing.T) {
			fx := newOrderFixture(t, statusOrder("ord_t", status))
			admin := Actor{ID: "admin-1", Role: domain.RoleAdmin}

			_, err := fx.service.UpdateStatus(context.Background(), UpdateOrderStatusCommand{Actor: admin, OrderID: "ord_t", Status: "processing"})
			if !errors.Is(err, ErrOrderInvalidState) {
				t.Fatalf("expected invalid state, got %v", err)
			}
			_, err = fx.service.MarkDelivered(context.Background(), MarkDeliveredCommand{Actor: admin, OrderID: "ord_t"})
			if !errors.Is(err, ErrOrderInvalidState) {
				t.Fatalf("expected invalid state on mark delivered, got %v", err)
			}
			if got := fx.repo.stored("ord_t").Status; got != status {
				t.Fatalf("status changed to %q", got)
			}
			if len(fx.events.types()) != 0 {
				t.Fatalf("no events expected")
			}
		})
	}
}

func TestOrderServiceMarkDelivered(t *testing.T) {
	fx := newOrderFixture(t, statusOrder("ord_1", domain.OrderStatusInTransit))

	order, err := fx.service.MarkDelivered(context.Background(), MarkDeliveredCommand{Actor: Actor{ID: "vendor-1", Role: domain.RoleVendor}, OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.Status != domain.OrderStatusDelivered || order.DeliveredAt == nil || !order.DeliveredAt.Equal(testNow) {
		t.Fatalf("unexpected order %+v", order)
	}
}

func TestOrderServiceConfirmDeliveryGating(t *testing.T) {
	ctx := context.Background()

	t.Run("not in transit", func(t *testing.T) {
		fx := newOrderFixture(t, statusOrder("ord_1", domain.OrderStatusProcessing))
		_, err := fx.service.ConfirmDelivery(ctx, ConfirmDeliveryCommand{Actor: customer("user-1"), OrderID: "ord_1"})
		if !errors.Is(err, ErrOrderInvalidState) {
			t.Fatalf("expected invalid state, got %v", err)
		}
	})

	t.Run("other customer", func(t *testing.T) {
		fx := newOrderFixture(t, statusOrder("ord_1", domain.OrderStatusInTransit))
		_, err := fx.service.ConfirmDelivery(ctx, ConfirmDeliveryCommand{Actor: customer("user-2"), OrderID: "ord_1"})
		if !errors.Is(err, ErrOrderForbidden) {
			t.Fatalf("expected forbidden, got %v", err)
		}
	})

	t.Run("token mismatch", func(t *testing.T) {
		order := statusOrder("ord_1", domain.OrderStatusOutForDelivery)
		order.DeliveryToken = "4821"
		fx := newOrderFixture(t, order)
		for _, token := range []string{"", "0000"} {
			_, err := fx.service.ConfirmDelivery(ctx, ConfirmDeliveryCommand{Actor: customer("user-1"), OrderID: "ord_1", Token: token})
			if !errors.Is(err, ErrOrderForbidden) {
				t.Fatalf("token %q: expected forbidden, got %v", token, err)
			}
		}
	})

	t.Run("confirmed", func(t *testing.T) {
		order := statusOrder("ord_1", "Shipped")
		order.DeliveryToken = "4821"
		fx := newOrderFixture(t, order)
		confirmed, err := fx.service.ConfirmDelivery(ctx, ConfirmDeliveryCommand{Actor: customer("user-1"), OrderID: "ord_1", Token: "4821"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if confirmed.Status != domain.OrderStatusDelivered || confirmed.DeliveredAt == nil {
			t.Fatalf("unexpected order %+v", confirmed)
		}
		_, err = fx.service.ConfirmDelivery(ctx, ConfirmDeliveryCommand{Actor: customer("user-1"), OrderID: "ord_1", Token: "4821"})
		if !errors.Is(err, ErrOrderInvalidState) {
			t.Fatalf("second confirmation must fail, got %v", err)
		}
	})
}
