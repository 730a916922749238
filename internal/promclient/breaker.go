package promclient

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/andydixon/metricsdeck/internal/logging"
	"github.com/andydixon/metricsdeck/internal/metrics"
)

// BreakerSettings tune the per-datasource circuit breaker.
type BreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultBreakerSettings opens after 60% failures over at least 10 calls.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  3,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		MinRequests:  10,
		FailureRatio: 0.6,
	}
}

func newBreaker(name string, s BreakerSettings) *gobreaker.CircuitBreaker {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= s.FailureRatio
		},
		// A rejected or abandoned query is the caller's fault, not the datasource's.
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var uerr *UpstreamError
			return errors.As(err, &uerr) && uerr.Status >= 400 && uerr.Status < 500
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("datasource", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
