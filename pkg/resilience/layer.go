// Package resilience bounds every storage unit in time and guards the
// backend with a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"time"

	"bank-ledger/pkg/logging"
	"bank-ledger/pkg/metrics"
	"bank-ledger/pkg/model"
	"bank-ledger/pkg/store"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Store wraps a store.Store with circuit breaker and timeout protection.
type Store struct {
	store   store.Store
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	metrics metrics.Collector
	logger  *logging.Logger
}

// New wraps s. A nil collector or logger disables that concern.
func New(s store.Store, config Config, collector metrics.Collector, logger *logging.Logger) *Store {
	logger = logging.OrNop(logger).Named("resilience").With(zap.String("backend", s.Name()))

	rs := &Store{
		store:   s,
		timeout: config.Timeout,
		metrics: metrics.OrNoOp(collector),
		logger:  logger,
	}

	logger.Info("resilient store initialized",
		zap.Duration("timeout", config.Timeout),
		zap.Uint32("max_requests", config.CircuitBreakerConfig.MaxRequests),
		zap.Duration("circuit_interval", config.CircuitBreakerConfig.Interval),
		zap.Duration("circuit_timeout", config.CircuitBreakerConfig.Timeout),
	)

	settings := gobreaker.Settings{
		Name:        s.Name(),
		MaxRequests: config.CircuitBreakerConfig.MaxRequests,
		Interval:    config.CircuitBreakerConfig.Interval,
		Timeout:     config.CircuitBreakerConfig.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if config.CircuitBreakerConfig.ReadyToTrip != nil {
				return config.CircuitBreakerConfig.ReadyToTrip(Counts{
					Requests:             counts.Requests,
					TotalSuccesses:       counts.TotalSuccesses,
					TotalFailures:        counts.TotalFailures,
					ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
					ConsecutiveFailures:  counts.ConsecutiveFailures,
				})
			}
			return counts.ConsecutiveFailures >= 5
		},
		// Domain outcomes (not found, insufficient funds, ...) are answers
		// from a healthy backend and must not trip the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || model.KindOf(err) != model.KindDependency
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)

			var state metrics.CircuitState
			switch to {
			case gobreaker.StateClosed:
				state = metrics.CircuitClosed
			case gobreaker.StateHalfOpen:
				state = metrics.CircuitHalfOpen
			case gobreaker.StateOpen:
				state = metrics.CircuitOpen
			}
			rs.metrics.RecordCircuitState(name, state)
		},
	}

	rs.cb = gobreaker.NewCircuitBreaker(settings)

	return rs
}

// Name returns the name of the underlying store.
func (rs *Store) Name() string {
	return rs.store.Name()
}

// Ping checks the backend when it supports it. Backends without a
// connection, like the memory store, are always reachable.
func (rs *Store) Ping(ctx context.Context) error {
	p, ok := rs.store.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	return p.Ping(ctx)
}

// State reports the breaker state.
func (rs *Store) State() metrics.CircuitState {
	switch rs.cb.State() {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}

// Atomically runs the unit through the circuit breaker under the configured
// timeout. The unit is detached from the caller's cancellation: once started
// it always reaches commit or rollback.
func (rs *Store) Atomically(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return err
	}

	unitCtx := context.WithoutCancel(ctx)
	if rs.timeout > 0 {
		var cancel context.CancelFunc
		unitCtx, cancel = context.WithTimeout(unitCtx, rs.timeout)
		defer cancel()
	}

	_, err := rs.cb.Execute(func() (interface{}, error) {
		return nil, rs.store.Atomically(unitCtx, fn)
	})

	duration := time.Since(start)
	err = rs.translate(unitCtx, err, duration)
	rs.metrics.RecordStoreOp(rs.store.Name(), outcome(err), duration)
	return err
}

func (rs *Store) translate(ctx context.Context, err error, elapsed time.Duration) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		rs.logger.Warn("circuit breaker open - unit rejected")
		return model.ErrCircuitOpen
	}

	timedOut := ctx.Err() == context.DeadlineExceeded && model.KindOf(err) == model.KindDependency
	if errors.Is(err, context.DeadlineExceeded) || timedOut {
		rs.logger.Warn("storage unit timeout",
			zap.Duration("timeout", rs.timeout),
			zap.Duration("elapsed", elapsed),
		)
		if errors.Is(err, model.ErrApprovalFailed) {
			return errors.Join(err, model.ErrTimeout)
		}
		return model.ErrTimeout
	}

	if model.KindOf(err) == model.KindDependency {
		rs.logger.Error("storage unit failed",
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
	}
	return err
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return model.ClassifyError(err)
}

// Close closes the underlying store.
func (rs *Store) Close() error {
	return rs.store.Close()
}
