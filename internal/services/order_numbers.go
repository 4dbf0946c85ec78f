package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marketlane/storefront-api/internal/repositories"
)

// ErrCounterInvalidInput indicates the counter repository rejected the request.
var ErrCounterInvalidInput = errors.New("counter: invalid input")

// OrderNumberGenerator issues human readable order numbers.
type OrderNumberGenerator interface {
	NextOrderNumber(ctx context.Context) (string, error)
}

// CounterServiceDeps bundles collaborators required to construct a counter service instance.
type CounterServiceDeps struct {
	Repository repositories.CounterRepository
	Clock      func() time.Time
}

type counterService struct {
	repo  repositories.CounterRepository
	clock func() time.Time
}

// NewCounterService constructs an order number generator backed by a yearly sequence.
func NewCounterService(deps CounterServiceDeps) (OrderNumberGenerator, error) {
	if deps.Repository == nil {
		return nil, errors.New("counter service: repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &counterService{
		repo: deps.Repository,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// NextOrderNumber returns ML-{year}-{sequence}, the sequence restarting every year.
func (s *counterService) NextOrderNumber(ctx context.Context) (string, error) {
	now := s.clock()
	value, err := s.repo.Next(ctx, fmt.Sprintf("orders:%04d", now.Year()), 1)
	if err != nil {
		if errors.Is(err, repositories.ErrCounterInvalidInput) {
			return "", fmt.Errorf("%w: %v", ErrCounterInvalidInput, err)
		}
		return "", err
	}
	return fmt.Sprintf("ML-%04d-%06d", now.Year(), value), nil
}
