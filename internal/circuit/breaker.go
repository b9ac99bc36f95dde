// Package circuit guards best-effort work (mirror copies to the
// pass-through store) so that a failing store stops being hammered while
// primary memory-mode operations carry on.
package circuit

import (
	"context"
	"sort"
	"sync"
	"time"

	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
)

// State of a breaker.
type State int

const (
	// StateClosed lets calls through.
	StateClosed State = iota
	// StateOpen rejects calls until Timeout has passed.
	StateOpen
	// StateHalfOpen lets MaxRequests probe calls through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// MaxRequests allowed through while half-open
	MaxRequests uint32 `yaml:"max_requests"`

	// Interval after which closed-state counts are cleared
	Interval time.Duration `yaml:"interval"`

	// Timeout of the open state before probing again
	Timeout time.Duration `yaml:"timeout"`

	// FailureThreshold of consecutive failures that trips the breaker when
	// ReadyToTrip is not set
	FailureThreshold uint32 `yaml:"failure_threshold"`

	ReadyToTrip   func(counts Counts) bool                `yaml:"-"`
	OnStateChange func(name string, from State, to State) `yaml:"-"`
	IsSuccessful  func(err error) bool                    `yaml:"-"`
}

// DefaultConfig returns the mirror breaker policy.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// Counts holds the request tallies of the current period.
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	name   string
	config Config

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, config Config) *CircuitBreaker {
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.ReadyToTrip == nil {
		threshold := config.FailureThreshold
		config.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures >= threshold }
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = func(err error) bool { return err == nil }
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		expiry: time.Now().Add(config.Interval),
	}
}

// Execute runs fn if the breaker allows it.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	return cb.ExecuteWithContext(context.Background(), func(context.Context) error { return fn() })
}

// ExecuteWithContext runs fn if the breaker allows it, otherwise it fails
// with CIRCUIT_OPEN without calling fn.
func (cb *CircuitBreaker) ExecuteWithContext(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState(time.Now())
	if state == StateOpen || (state == StateHalfOpen && cb.counts.Requests >= cb.config.MaxRequests) {
		return pkgerrors.Newf(pkgerrors.ErrCodeCircuitOpen, "circuit %q is %s", cb.name, state).
			WithComponent("circuit").
			WithDetail("retry_after", cb.expiry.Format(time.RFC3339))
	}
	cb.counts.onRequest()
	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state := cb.currentState(now)
	if cb.config.IsSuccessful(err) {
		cb.counts.onSuccess()
		if state == StateHalfOpen {
			cb.setState(StateClosed, now)
		}
		return
	}

	cb.counts.onFailure()
	switch state {
	case StateClosed:
		if cb.config.ReadyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) State {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.counts = Counts{}
			cb.expiry = now.Add(cb.config.Interval)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	prev := cb.state
	if prev == state {
		return
	}
	cb.state = state
	cb.counts = Counts{}

	switch state {
	case StateClosed:
		cb.expiry = now.Add(cb.config.Interval)
	case StateOpen:
		cb.expiry = now.Add(cb.config.Timeout)
	case StateHalfOpen:
		cb.expiry = time.Time{}
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, prev, state)
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState(time.Now())
}

// GetCounts returns a copy of the current counts.
func (cb *CircuitBreaker) GetCounts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.counts = Counts{}
	cb.setState(StateClosed, time.Now())
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (c *Counts) onRequest() {
	c.Requests++
	c.LastActivity = time.Now()
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Manager hands out one breaker per name, created on first use.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   Config
}

// NewManager creates a breaker manager sharing one configuration.
func NewManager(config Config) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// GetBreaker gets or creates the breaker called name.
func (m *Manager) GetBreaker(name string) *CircuitBreaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	b = NewCircuitBreaker(name, m.config)
	m.breakers[name] = b
	return b
}

// Stats is a diagnostics snapshot of one breaker.
type Stats struct {
	Name   string `json:"name"`
	State  string `json:"state"`
	Counts Counts `json:"counts"`
}

// GetStats returns all breakers sorted by name.
func (m *Manager) GetStats() []Stats {
	m.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.RUnlock()

	out := make([]Stats, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, Stats{Name: b.Name(), State: b.GetState().String(), Counts: b.GetCounts()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResetAll closes every breaker.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.breakers {
		b.Reset()
	}
}
