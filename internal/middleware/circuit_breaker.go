package middleware

import (
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"heimdall-backend/internal/errors"
	"heimdall-backend/pkg/api"
)

// CircuitBreakerConfig tunes the HTTP edge breaker. It sits in front of whole
// route groups and sheds load when handlers keep returning 5xx; the
// per-dependency breakers inside the core stay responsible for individual
// backends.
type CircuitBreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultCircuitBreakerConfig is deliberately less aggressive than the core
// breakers: the edge only trips on sustained handler failure.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// CircuitBreaker wraps a route group with a gobreaker edge breaker. 5xx
// responses count as failures.
func CircuitBreaker(cfg CircuitBreakerConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("edge circuit state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, err := cb.Execute(func() (any, error) {
				wrapper := &statusWriter{ResponseWriter: w, status: http.StatusOK}
				next.ServeHTTP(wrapper, r)
				if wrapper.status >= 500 {
					return nil, http.ErrAbortHandler
				}
				return nil, nil
			})
			if err == nil {
				return
			}

			switch err {
			case gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests:
				api.ErrorWithCode(w, http.StatusServiceUnavailable,
					errors.CodeCircuitOpen, "service temporarily unavailable")
			case http.ErrAbortHandler:
				// The handler already wrote its 5xx body.
			default:
				api.Error(w, http.StatusInternalServerError, "service error")
			}
		})
	}
}

// statusWriter captures the status code for failure accounting.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// Flush passes through so event-stream handlers can flush incrementally even
// when the response writer is wrapped.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
