package client

import (
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/leben-philippka/jamfbridge/internal/clock"
)

// CircuitState is the breaker's position in its state machine.
type CircuitState int

const (
	// CircuitClosed passes calls through and counts consecutive failures.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls immediately until the reset timeout elapses.
	CircuitOpen
	// CircuitHalfOpen lets probe calls through; their outcome alone decides
	// the next transition.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerConfig controls the circuit breaker guarding the outbound path.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before the next call
	// is allowed through as a probe.
	ResetTimeout time.Duration
	// HalfOpenSuccesses is the number of consecutive probe successes that
	// close the circuit.
	HalfOpenSuccesses int
}

func (cfg BreakerConfig) withDefaults() BreakerConfig {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = 1
	}
	return cfg
}

// CircuitBreaker tracks consecutive outbound failures independent of which
// protocol generation is being called. One instance guards the whole
// outbound path.
type CircuitBreaker struct {
	cfg    BreakerConfig
	logger pslog.Base
	clk    clock.Clock

	// onState, when set, observes every state transition. Called with the
	// mutex held; observers must not call back into the breaker.
	onState func(CircuitState)

	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time
}

func newCircuitBreaker(cfg BreakerConfig, clk clock.Clock, logger pslog.Base) *CircuitBreaker {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &CircuitBreaker{cfg: cfg.withDefaults(), clk: clk, logger: logger}
}

// State returns the current circuit state, promoting Open to HalfOpen when
// the reset timeout has elapsed.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentLocked()
}

func (b *CircuitBreaker) currentLocked() CircuitState {
	if b.state == CircuitOpen && b.clk.Now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.state = CircuitHalfOpen
		b.successes = 0
		b.logger.Info("client.breaker.half_open")
		b.notifyLocked()
	}
	return b.state
}

// Execute runs fn under the breaker. While open it fails immediately with
// ErrCircuitOpen without invoking fn.
func (b *CircuitBreaker) Execute(fn func() error) error {
	b.mu.Lock()
	if b.currentLocked() == CircuitOpen {
		b.mu.Unlock()
		return ErrCircuitOpen
	}
	b.mu.Unlock()

	err := fn()
	b.record(err == nil)
	return err
}

func (b *CircuitBreaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.currentLocked()
	if success {
		switch state {
		case CircuitHalfOpen:
			b.successes++
			if b.successes >= b.cfg.HalfOpenSuccesses {
				b.state = CircuitClosed
				b.failures = 0
				b.successes = 0
				b.logger.Info("client.breaker.closed")
				b.notifyLocked()
			}
		default:
			b.failures = 0
		}
		return
	}
	switch state {
	case CircuitHalfOpen:
		// A probe failure reopens immediately and restarts the reset timer.
		b.open()
	default:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	}
}

func (b *CircuitBreaker) open() {
	b.state = CircuitOpen
	b.openedAt = b.clk.Now()
	b.failures = 0
	b.successes = 0
	b.logger.Warn("client.breaker.open", "reset_timeout", b.cfg.ResetTimeout)
	b.notifyLocked()
}

func (b *CircuitBreaker) notifyLocked() {
	if b.onState != nil {
		b.onState(b.state)
	}
}
