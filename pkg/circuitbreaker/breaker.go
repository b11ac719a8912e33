package circuitbreaker

import (
	"sync"
	"time"

	"github.com/speedrun-hq/speedrun-settler/pkg/logger"
	"github.com/speedrun-hq/speedrun-settler/pkg/metrics"
)

// CircuitBreaker stops calls to a dependency after repeated failures within a window
type CircuitBreaker struct {
	name          string
	enabled       bool
	failureCount  int
	failureWindow time.Duration
	failThreshold int
	resetTimeout  time.Duration
	lastFailure   time.Time
	tripped       bool
	tripTime      time.Time
	logger        logger.Logger
	now           func() time.Time
	mu            sync.Mutex
}

// State is a point-in-time view of the breaker
type State struct {
	Name          string    `json:"name"`
	Enabled       bool      `json:"enabled"`
	Open          bool      `json:"open"`
	FailureCount  int       `json:"failure_count"`
	FailThreshold int       `json:"fail_threshold"`
	LastFailure   time.Time `json:"last_failure,omitempty"`
	TripTime      time.Time `json:"trip_time,omitempty"`
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, enabled bool, threshold int, window time.Duration, resetTimeout time.Duration, log logger.Logger) *CircuitBreaker {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	metrics.CircuitBreakerOpen.WithLabelValues(name).Set(0)
	return &CircuitBreaker{
		name:          name,
		enabled:       enabled,
		failThreshold: threshold,
		failureWindow: window,
		resetTimeout:  resetTimeout,
		logger:        log,
		now:           time.Now,
	}
}

// SetClock replaces the time source
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// Name identifies the guarded dependency
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// RecordFailure records a failure and reports whether the circuit is now open
func (cb *CircuitBreaker) RecordFailure() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	if cb.tripped {
		if now.Sub(cb.tripTime) > cb.resetTimeout {
			cb.logger.Notice("Circuit breaker %s: attempting to reset after timeout", cb.name)
			cb.close()
		} else {
			return true
		}
	}

	if now.Sub(cb.lastFailure) > cb.failureWindow {
		cb.failureCount = 0
	}

	cb.failureCount++
	cb.lastFailure = now

	if cb.failureCount >= cb.failThreshold {
		cb.tripped = true
		cb.tripTime = now
		metrics.CircuitBreakerOpen.WithLabelValues(cb.name).Set(1)
		cb.logger.Error("Circuit breaker %s tripped: %d failures in %v window", cb.name, cb.failureCount, cb.failureWindow)
		return true
	}

	return false
}

// RecordSuccess clears the failure count of a closed circuit
func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.tripped {
		cb.failureCount = 0
	}
}

// IsOpen returns true if the circuit is open (tripped)
func (cb *CircuitBreaker) IsOpen() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	// half-open: the next call goes through once the reset timeout has passed
	if cb.tripped && cb.now().Sub(cb.tripTime) > cb.resetTimeout {
		cb.close()
		return false
	}

	return cb.tripped
}

// Reset manually resets the circuit breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.close()
	cb.logger.Notice("Circuit breaker %s reset", cb.name)
}

func (cb *CircuitBreaker) close() {
	cb.tripped = false
	cb.failureCount = 0
	metrics.CircuitBreakerOpen.WithLabelValues(cb.name).Set(0)
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() (failureCount int, lastFailure time.Time, failureWindow time.Duration, failThreshold int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount, cb.lastFailure, cb.failureWindow, cb.failThreshold
}

// Snapshot returns the state for status reporting
func (cb *CircuitBreaker) Snapshot() State {
	open := cb.IsOpen()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return State{
		Name:          cb.name,
		Enabled:       cb.enabled,
		Open:          open,
		FailureCount:  cb.failureCount,
		FailThreshold: cb.failThreshold,
		LastFailure:   cb.lastFailure,
		TripTime:      cb.tripTime,
	}
}

// IsEnabled returns true if the circuit breaker is enabled
func (cb *CircuitBreaker) IsEnabled() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.enabled
}
