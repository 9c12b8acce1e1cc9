package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"mcps-gateway/internal/client"
	"mcps-gateway/internal/config"
	"mcps-gateway/internal/metrics"
	"mcps-gateway/internal/model"
)

// breakers holds one circuit breaker per upstream. A nil or empty set passes
// every call straight through.
type breakers struct {
	byService map[string]*gobreaker.CircuitBreaker
}

func newBreakers(cfg config.CircuitBreakerConfig, services []string, logger *slog.Logger, m *metrics.Metrics) *breakers {
	b := &breakers{byService: make(map[string]*gobreaker.CircuitBreaker)}
	if !cfg.Enabled {
		return b
	}

	threshold := uint32(max(cfg.FailureThreshold, 1)) //nolint:gosec // validated non-negative
	for _, name := range services {
		b.byService[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     time.Duration(cfg.OpenSeconds) * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			// Only transport failures count. A caller walking away or a
			// saturated local pool says nothing about upstream health.
			IsSuccessful: func(err error) bool {
				return err == nil ||
					errors.Is(err, context.Canceled) ||
					errors.Is(err, client.ErrPoolTimeout)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change",
					"service", name,
					"from", from.String(),
					"to", to.String(),
				)
				if m != nil {
					m.BreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
				}
			},
		})
	}
	return b
}

// execute runs fn under the breaker for service, if one exists.
func (b *breakers) execute(service string, fn func() (*model.ProxyResponse, error)) (*model.ProxyResponse, error) {
	cb := b.byService[service]
	if cb == nil {
		return fn()
	}
	out, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return nil, err
	}
	return out.(*model.ProxyResponse), nil
}
