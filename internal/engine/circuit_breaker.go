package engine

import (
	"sync"
	"time"

	"github.com/cascadeio/cascade/pkg/schema"
)

// CircuitState represents the state of an actor's circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing, rejecting calls
	CircuitHalfOpen                     // testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures per-actor circuit breaking.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before half-open probing.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe calls allowed in half-open state.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// breaker tracks failure state for a single actor reference.
type breaker struct {
	mu               sync.Mutex
	state            CircuitState
	consecutiveFails int
	lastFailure      time.Time
	halfOpenAttempts int
	config           BreakerConfig
}

// BreakerRegistry manages per-actor circuit breakers.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
}

// NewBreakerRegistry creates a registry with the given config.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config,
	}
}

// Allow checks whether a call to the given actor is permitted.
// Returns nil if allowed, or a CIRCUIT_OPEN error otherwise.
func (r *BreakerRegistry) Allow(actor string) error {
	b := r.getOrCreate(actor)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(b.lastFailure) >= b.config.Cooldown {
			b.state = CircuitHalfOpen
			b.halfOpenAttempts = 1 // this call is the first probe
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for actor %q after %d consecutive failures", actor, b.consecutiveFails).
			WithDetails(map[string]any{
				"actor":                actor,
				"consecutive_failures": b.consecutiveFails,
				"cooldown_remaining":   (b.config.Cooldown - time.Since(b.lastFailure)).String(),
			})

	case CircuitHalfOpen:
		if b.halfOpenAttempts >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for actor %q: probe budget exhausted", actor)
		}
		b.halfOpenAttempts++
		return nil
	}

	return nil
}

// RecordSuccess closes the actor's circuit.
func (r *BreakerRegistry) RecordSuccess(actor string) {
	b := r.getOrCreate(actor)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails = 0
	b.halfOpenAttempts = 0
	b.state = CircuitClosed
}

// RecordFailure notes a failed call and returns the new circuit state.
func (r *BreakerRegistry) RecordFailure(actor string) CircuitState {
	b := r.getOrCreate(actor)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails++
	b.lastFailure = time.Now()

	if b.state == CircuitHalfOpen {
		// Any failure during probing reopens the circuit.
		b.state = CircuitOpen
		return CircuitOpen
	}
	if b.consecutiveFails >= b.config.FailureThreshold {
		b.state = CircuitOpen
		return CircuitOpen
	}
	return b.state
}

// State returns the actor's current circuit state.
func (r *BreakerRegistry) State(actor string) CircuitState {
	b := r.getOrCreate(actor)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitOpen && time.Since(b.lastFailure) >= b.config.Cooldown {
		b.state = CircuitHalfOpen
		b.halfOpenAttempts = 0
	}
	return b.state
}

func (r *BreakerRegistry) getOrCreate(actor string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[actor]
	if !ok {
		b = &breaker{state: CircuitClosed, config: r.config}
		r.breakers[actor] = b
	}
	return b
}
