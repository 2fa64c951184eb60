package connect

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is returned while the breaker rejects requests
var ErrCircuitOpen = fmt.Errorf("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int32

const (
	// StateClosed allows all requests to pass through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows a limited number of trial requests
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig is the configuration for the circuit breaker
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // consecutive half-open successes before closing
	Timeout          time.Duration // how long the breaker stays open
	HalfOpenLimit    int           // trial requests allowed while half-open
}

// CircuitBreaker protects the control service from request storms while it is unhealthy
type CircuitBreaker struct {
	config CircuitBreakerConfig
	logger *zap.Logger

	state                int32
	consecutiveFailures  int32
	consecutiveSuccesses int32
	halfOpenCounter      int32

	mu            sync.RWMutex
	nextRetryTime time.Time
}

// NewCircuitBreaker creates a breaker in the closed state
func NewCircuitBreaker(config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.HalfOpenLimit <= 0 {
		config.HalfOpenLimit = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		config: config,
		logger: logger.With(zap.String("component", "circuit_breaker")),
		state:  int32(StateClosed),
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(atomic.LoadInt32(&cb.state))
}

// Allow determines if a request may proceed
func (cb *CircuitBreaker) Allow() bool {
	switch cb.State() {
	case StateClosed:
		return true
	case StateOpen:
		cb.mu.RLock()
		shouldRetry := time.Now().After(cb.nextRetryTime)
		cb.mu.RUnlock()
		if shouldRetry {
			cb.transitionToHalfOpen()
			return cb.allowHalfOpen()
		}
		return false
	case StateHalfOpen:
		return cb.allowHalfOpen()
	default:
		return false
	}
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	switch cb.State() {
	case StateClosed:
		atomic.StoreInt32(&cb.consecutiveFailures, 0)
	case StateHalfOpen:
		if atomic.AddInt32(&cb.consecutiveSuccesses, 1) >= int32(cb.config.SuccessThreshold) {
			cb.transitionToClosed()
		}
	}
}

// RecordFailure records a failed request. Any failure while half-open reopens the breaker.
func (cb *CircuitBreaker) RecordFailure() {
	switch cb.State() {
	case StateClosed:
		if atomic.AddInt32(&cb.consecutiveFailures, 1) >= int32(cb.config.FailureThreshold) {
			cb.transitionToOpen()
		}
	case StateHalfOpen:
		cb.transitionToOpen()
	}
}

func (cb *CircuitBreaker) allowHalfOpen() bool {
	if atomic.AddInt32(&cb.halfOpenCounter, 1) > int32(cb.config.HalfOpenLimit) {
		atomic.AddInt32(&cb.halfOpenCounter, -1)
		return false
	}
	return true
}

func (cb *CircuitBreaker) transitionToOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !atomic.CompareAndSwapInt32(&cb.state, int32(StateHalfOpen), int32(StateOpen)) {
		atomic.CompareAndSwapInt32(&cb.state, int32(StateClosed), int32(StateOpen))
	}
	cb.nextRetryTime = time.Now().Add(cb.config.Timeout)
	atomic.StoreInt32(&cb.consecutiveSuccesses, 0)
	atomic.StoreInt32(&cb.halfOpenCounter, 0)

	cb.logger.Warn("circuit breaker opened",
		zap.Time("retry_after", cb.nextRetryTime),
		zap.Int32("consecutive_failures", atomic.LoadInt32(&cb.consecutiveFailures)))
}

func (cb *CircuitBreaker) transitionToHalfOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if atomic.CompareAndSwapInt32(&cb.state, int32(StateOpen), int32(StateHalfOpen)) {
		atomic.StoreInt32(&cb.consecutiveFailures, 0)
		atomic.StoreInt32(&cb.consecutiveSuccesses, 0)
		atomic.StoreInt32(&cb.halfOpenCounter, 0)
		cb.logger.Info("circuit breaker half-open")
	}
}

func (cb *CircuitBreaker) transitionToClosed() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if atomic.CompareAndSwapInt32(&cb.state, int32(StateHalfOpen), int32(StateClosed)) {
		atomic.StoreInt32(&cb.consecutiveFailures, 0)
		atomic.StoreInt32(&cb.halfOpenCounter, 0)
		cb.logger.Info("circuit breaker closed")
	}
}
