// Package recovery provides retry-with-backoff for transient failures,
// such as Docker API calls, proxy upstream dials, and store operations
// under lock contention. Circuit breaking for the Sandbox Provider's
// Docker client lives in sony/gobreaker instead (see
// sandbox.DockerProvider); this package only does retry.
package recovery

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/labrun/orchestrator/logger"
)

// RetryStrategy defines different retry strategies
type RetryStrategy string

const (
	FixedDelay         RetryStrategy = "fixed"
	ExponentialBackoff RetryStrategy = "exponential"
	LinearBackoff      RetryStrategy = "linear"
	FibonacciBackoff   RetryStrategy = "fibonacci"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts     int           `json:"max_attempts"`
	InitialDelay    time.Duration `json:"initial_delay"`
	MaxDelay        time.Duration `json:"max_delay"`
	Strategy        RetryStrategy `json:"strategy"`
	Jitter          bool          `json:"jitter"`
	JitterFactor    float64       `json:"jitter_factor"`
	RetryableErrors []string      `json:"retryable_errors"`
	StopOnErrors    []string      `json:"stop_on_errors"`
}

// DefaultRetryConfig returns sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     3,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		Strategy:        ExponentialBackoff,
		Jitter:          true,
		JitterFactor:    0.1,
		RetryableErrors: []string{"timeout", "connection", "temporary"},
		StopOnErrors:    []string{"unauthorized", "forbidden", "not_found"},
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func() error

// RetryableFuncWithResult is a function that returns a result and can be retried
type RetryableFuncWithResult func() (interface{}, error)

// Retrier handles retry logic
type Retrier struct {
	config  *RetryConfig
	metrics *RetryMetrics
}

// RetryMetrics tracks retry statistics
type RetryMetrics struct {
	TotalAttempts   int64
	TotalSuccesses  int64
	TotalFailures   int64
	TotalRetries    int64
	AverageAttempts float64
	mutex           sync.RWMutex
}

// NewRetrier creates a new retrier with config
func NewRetrier(config *RetryConfig) *Retrier {
	if config == nil {
		config = DefaultRetryConfig()
	}

	return &Retrier{
		config:  config,
		metrics: &RetryMetrics{},
	}
}

// Do executes a function with retry logic.
func (r *Retrier) Do(ctx context.Context, fn RetryableFunc) error {
	_, err := r.doWithContext(ctx, func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// DoWithResult executes a function with retry logic and returns result
func (r *Retrier) DoWithResult(ctx context.Context, fn RetryableFuncWithResult) (interface{}, error) {
	return r.doWithContext(ctx, fn)
}

// doWithContext handles the core retry logic
func (r *Retrier) doWithContext(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	startTime := time.Now()
	var lastErr error
	attempts := 0

	for attempts < r.config.MaxAttempts {
		attempts++
		r.updateMetrics(func(m *RetryMetrics) {
			m.TotalAttempts++
		})

		result, err := fn()
		if err == nil {
			r.updateMetrics(func(m *RetryMetrics) {
				m.TotalSuccesses++
				m.updateAverageAttempts(attempts)
			})

			logger.Debug("operation succeeded",
				zap.Int("attempts", attempts),
				zap.Duration("total_duration", time.Since(startTime)))

			return result, nil
		}

		lastErr = err

		if !r.isRetryableError(err) {
			logger.Info("non-retryable error encountered",
				zap.Error(err),
				zap.Int("attempt", attempts))
			break
		}

		if attempts >= r.config.MaxAttempts {
			break
		}

		delay := r.calculateDelay(attempts)

		logger.Warn("operation failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", r.config.MaxAttempts),
			zap.Duration("delay", delay))

		r.updateMetrics(func(m *RetryMetrics) {
			m.TotalRetries++
		})

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	r.updateMetrics(func(m *RetryMetrics) {
		m.TotalFailures++
		m.updateAverageAttempts(attempts)
	})

	logger.Error("operation failed after all retries",
		zap.Error(lastErr),
		zap.Int("attempts", attempts),
		zap.Duration("total_duration", time.Since(startTime)))

	return nil, fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

// calculateDelay calculates the delay for the given attempt
func (r *Retrier) calculateDelay(attempt int) time.Duration {
	var delay time.Duration

	switch r.config.Strategy {
	case FixedDelay:
		delay = r.config.InitialDelay

	case ExponentialBackoff:
		delay = time.Duration(float64(r.config.InitialDelay) * math.Pow(2, float64(attempt-1)))

	case LinearBackoff:
		delay = time.Duration(int64(r.config.InitialDelay) * int64(attempt))

	case FibonacciBackoff:
		delay = time.Duration(int64(r.config.InitialDelay) * int64(fibonacci(attempt)))

	default:
		delay = r.config.InitialDelay
	}

	if delay > r.config.MaxDelay {
		delay = r.config.MaxDelay
	}

	if r.config.Jitter {
		jitter := float64(delay) * r.config.JitterFactor * (rand.Float64()*2 - 1)
		delay += time.Duration(jitter)

		if delay < 0 {
			delay = r.config.InitialDelay
		}
	}

	return delay
}

// isRetryableError checks if an error is retryable
func (r *Retrier) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()

	for _, stopError := range r.config.StopOnErrors {
		if contains(errStr, stopError) {
			return false
		}
	}

	for _, retryableError := range r.config.RetryableErrors {
		if contains(errStr, retryableError) {
			return true
		}
	}

	return contains(errStr, "connection") ||
		contains(errStr, "timeout") ||
		contains(errStr, "temporary") ||
		contains(errStr, "unavailable") ||
		contains(errStr, "reset")
}

// GetMetrics returns current retry metrics
func (r *Retrier) GetMetrics() RetryMetrics {
	r.metrics.mutex.RLock()
	defer r.metrics.mutex.RUnlock()
	return *r.metrics
}

// ResetMetrics resets retry metrics
func (r *Retrier) ResetMetrics() {
	r.metrics.mutex.Lock()
	defer r.metrics.mutex.Unlock()
	r.metrics = &RetryMetrics{}
}

// updateMetrics safely updates metrics
func (r *Retrier) updateMetrics(updateFn func(*RetryMetrics)) {
	r.metrics.mutex.Lock()
	defer r.metrics.mutex.Unlock()
	updateFn(r.metrics)
}

// updateAverageAttempts updates the running average of attempts
func (m *RetryMetrics) updateAverageAttempts(attempts int) {
	totalOps := m.TotalSuccesses + m.TotalFailures
	if totalOps > 0 {
		m.AverageAttempts = (m.AverageAttempts*float64(totalOps-1) + float64(attempts)) / float64(totalOps)
	}
}

// Utility functions
func fibonacci(n int) int {
	if n <= 1 {
		return n
	}
	a, b := 0, 1
	for i := 2; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr ||
		(len(s) > len(substr) &&
			(s[:len(substr)] == substr ||
				s[len(s)-len(substr):] == substr ||
				findInString(s, substr))))
}

func findInString(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
