package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var ErrOpenState = errors.New("circuit breaker is open")

// Config holds circuit breaker configuration
type Config struct {
	// Threshold is the number of consecutive failures that opens the
	// breaker.
	Threshold uint32

	// Timeout is the period of the open state, after which one trial
	// request is allowed through (half-open).
	Timeout time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Threshold: 3,
		Timeout:   10 * time.Minute,
	}
}

// CircuitBreaker trips after Threshold consecutive failures and recovers
// through a half-open trial after Timeout.
type CircuitBreaker struct {
	config *Config

	mu       sync.Mutex
	state    State
	failures uint32
	openedAt time.Time
}

func New(config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Threshold == 0 {
		config.Threshold = 3
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Minute
	}
	return &CircuitBreaker{config: config, state: StateClosed}
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState(time.Now())
}

// Execute runs fn if the breaker allows it, recording the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn()
	cb.afterRequest(err == nil)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.currentState(time.Now()) == StateOpen {
		return ErrOpenState
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState(time.Now())
	if success {
		cb.state = StateClosed
		cb.failures = 0
		return
	}

	cb.failures++
	if state == StateHalfOpen || cb.failures >= cb.config.Threshold {
		cb.state = StateOpen
		cb.openedAt = time.Now()
	}
}

// currentState resolves open -> half-open once Timeout has elapsed.
// Callers must hold cb.mu.
func (cb *CircuitBreaker) currentState(now time.Time) State {
	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.config.Timeout {
		cb.state = StateHalfOpen
	}
	return cb.state
}

// HostBreaker manages one breaker per remote host.
type HostBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   *Config
}

func NewHostBreaker(config *Config) *HostBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &HostBreaker{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// Execute runs fn under the breaker owned by host.
func (hb *HostBreaker) Execute(host string, fn func() error) error {
	return hb.getBreaker(host).Execute(fn)
}

// State returns the breaker state for host.
func (hb *HostBreaker) State(host string) State {
	return hb.getBreaker(host).State()
}

// Reset drops the breaker for host.
func (hb *HostBreaker) Reset(host string) {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	delete(hb.breakers, host)
}

func (hb *HostBreaker) getBreaker(host string) *CircuitBreaker {
	hb.mu.RLock()
	breaker, exists := hb.breakers[host]
	hb.mu.RUnlock()
	if exists {
		return breaker
	}

	hb.mu.Lock()
	defer hb.mu.Unlock()
	if breaker, exists := hb.breakers[host]; exists {
		return breaker
	}
	breaker = New(hb.config)
	hb.breakers[host] = breaker
	return breaker
}
