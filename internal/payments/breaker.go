package payments

import (
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// ErrGatewayUnavailable is returned while a gateway circuit breaker is open.
var ErrGatewayUnavailable = errors.New("payments: gateway temporarily unavailable")

const (
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second
)

// BreakerConfig tunes a gateway circuit breaker.
type BreakerConfig struct {
	Name     string
	Failures uint32
	Timeout  time.Duration
	// IsSuccessful reports errors that must not count against the gateway, such as validation
	// rejections. Nil counts every error.
	IsSuccessful func(err error) bool
	// OnStateChange is called on every breaker transition.
	OnStateChange func(name string, from, to string)
}

// NewBreaker builds a breaker that opens after Failures consecutive failures and probes again
// after Timeout.
func NewBreaker[T any](cfg BreakerConfig) *gobreaker.CircuitBreaker[T] {
	failures := cfg.Failures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultBreakerTimeout
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return cfg.IsSuccessful != nil && cfg.IsSuccessful(err)
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnStateChange(name, from.String(), to.String())
		}
	}
	return gobreaker.NewCircuitBreaker[T](settings)
}

// BreakerError maps open-state rejections to ErrGatewayUnavailable and leaves other errors intact.
func BreakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrGatewayUnavailable
	}
	return err
}
