package services

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	domain "github.com/marketlane/storefront-api/internal/domain"
)

var terminalStatuses = map[string]struct{}{
	domain.OrderStatusDelivered: {},
	domain.OrderStatusConfirmed: {},
	domain.OrderStatusCancelled: {},
}

// inTransitKeywords mark statuses from which a customer may confirm delivery.
var inTransitKeywords = []string{
	domain.OrderStatusInTransit,
	"in-transit",
	"intransit",
	domain.OrderStatusOutForDelivery,
	"shipped",
	"dispatched",
	"on the way",
}

// normalizeStatus lower-cases and collapses whitespace. "Canceled" is folded into "cancelled".
func normalizeStatus(status string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(status)), " ")
	if normalized == "canceled" {
		return domain.OrderStatusCancelled
	}
	return normalized
}

// IsTerminalStatus reports whether status allows no further changes.
func IsTerminalStatus(status string) bool {
	_, ok := terminalStatuses[normalizeStatus(status)]
	return ok
}

// IsInTransitStatus reports whether status text matches an in-transit keyword.
func IsInTransitStatus(status string) bool {
	normalized := normalizeStatus(status)
	if normalized == "" {
		return false
	}
	for _, keyword := range inTransitKeywords {
		if strings.Contains(normalized, keyword) {
			return true
		}
	}
	return false
}

func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error) {
	next := normalizeStatus(cmd.Status)
	if next == "" {
		return Order{}, fmt.Errorf("%w: status is required", ErrOrderInvalidInput)
	}
	if cmd.VendorID != nil && !cmd.Actor.IsAdmin() {
		return Order{}, fmt.Errorf("%w: only admins may reassign the vendor", ErrOrderForbidden)
	}
	return s.transition(ctx, cmd.Actor, cmd.OrderID, func(order *Order) error {
		if !cmd.Actor.IsAdmin() && !(cmd.Actor.IsVendor() && ownsOrder(cmd.Actor, *order)) {
			return fmt.Errorf("%w: status updates require the admin role or the vendor that owns the order", ErrOrderForbidden)
		}
		order.Status = next
		if next == domain.OrderStatusDelivered && order.DeliveredAt == nil {
			now := s.clock()
			order.DeliveredAt = &now
		}
		if cmd.VendorID != nil {
			order.VendorID = domain.StringPtr(*cmd.VendorID)
			order.VendorName = nil
		}
		if cmd.DeliveryToken != nil {
			order.DeliveryToken = strings.TrimSpace(*cmd.DeliveryToken)
		}
		return nil
	})
}

func (s *orderService) MarkDelivered(ctx context.Context, cmd MarkDeliveredCommand) (Order, error) {
	return s.transition(ctx, cmd.Actor, cmd.OrderID, func(order *Order) error {
		if !cmd.Actor.IsAdmin() && !(cmd.Actor.IsVendor() && ownsOrder(cmd.Actor, *order)) {
			return fmt.Errorf("%w: marking delivered requires the admin role or the vendor that owns the order", ErrOrderForbidden)
		}
		now := s.clock()
		order.Status = domain.OrderStatusDelivered
		order.DeliveredAt = &now
		return nil
	})
}

func (s *orderService) ConfirmDelivery(ctx context.Context, cmd ConfirmDeliveryCommand) (Order, error) {
	return s.transition(ctx, cmd.Actor, cmd.OrderID, func(order *Order) error {
		if cmd.Actor.ID == "" || order.UserID != cmd.Actor.ID {
			return fmt.Errorf("%w: only the customer who placed the order may confirm delivery", ErrOrderForbidden)
		}
		if !IsInTransitStatus(order.Status) {
			return fmt.Errorf("%w: order is %q, delivery can only be confirmed while in transit", ErrOrderInvalidState, order.Status)
		}
		if order.HasDeliveryToken() && !tokensMatch(order.DeliveryToken, cmd.Token) {
			return fmt.Errorf("%w: delivery token does not match", ErrOrderForbidden)
		}
		now := s.clock()
		order.Status = domain.OrderStatusDelivered
		order.DeliveredAt = &now
		return nil
	})
}

// transition resolves ref to a document and applies mutate inside the repository transaction, so
// the terminal check sees the committed status.
func (s *orderService) transition(ctx context.Context, actor Actor, ref string, mutate func(*Order) error) (Order, error) {
	located, err := s.locate(ctx, ref)
	if err != nil {
		return Order{}, err
	}

	var previous string
	updated, err := s.orders.Update(ctx, located.ID, func(order *Order) error {
		previous = order.Status
		if IsTerminalStatus(order.Status) {
			return fmt.Errorf("%w: order is %s and can no longer change", ErrOrderInvalidState, normalizeStatus(order.Status))
		}
		return mutate(order)
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "order.status.changed", map[string]any{
		"orderId":   updated.ID,
		"from":      previous,
		"to":        updated.Status,
		"actorId":   actor.ID,
		"actorRole": actor.Role,
	})
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        updated.ID,
		OrderNumber:    updated.OrderNumber,
		UserID:         updated.UserID,
		VendorID:       domain.Deref(updated.VendorID),
		PreviousStatus: previous,
		CurrentStatus:  updated.Status,
		PaymentStatus:  updated.PaymentStatus,
		ActorID:        actor.ID,
		OccurredAt:     s.clock(),
	})
	return updated, nil
}

func tokensMatch(expected, supplied string) bool {
	expected = strings.TrimSpace(expected)
	supplied = strings.TrimSpace(supplied)
	if supplied == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(supplied)) == 1
}
