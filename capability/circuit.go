package capability

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while a breaker is rejecting calls.
var ErrCircuitOpen = errors.New("capability: circuit open")

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed allows requests to pass through.
	StateClosed CircuitState = iota
	// StateOpen blocks all requests.
	StateOpen
	// StateHalfOpen allows a probe request to test recovery.
	StateHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
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

// Circuit counts consecutive failures of one capability and opens after a
// threshold. After the cooldown it lets probe calls through; a successful
// probe closes it, a failed one opens it again.
type Circuit struct {
	name string

	maxFailures    int
	cooldown       time.Duration
	halfOpenProbes int
	now            func() time.Time
	onStateChange  func(from, to CircuitState)

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probes   int

	totalRequests int64
	totalFailures int64
	opens         int64
}

// CircuitOption configures a circuit.
type CircuitOption func(*Circuit)

// WithHalfOpenProbes sets how many calls may run while half-open.
func WithHalfOpenProbes(n int) CircuitOption {
	return func(c *Circuit) {
		if n > 0 {
			c.halfOpenProbes = n
		}
	}
}

// WithStateChange sets a callback for state transitions. It runs with the
// circuit unlocked.
func WithStateChange(fn func(from, to CircuitState)) CircuitOption {
	return func(c *Circuit) { c.onStateChange = fn }
}

// WithCircuitClock sets the clock used for the cooldown.
func WithCircuitClock(now func() time.Time) CircuitOption {
	return func(c *Circuit) { c.now = now }
}

// NewCircuit creates a circuit that opens after failures consecutive
// failures and half-opens after cooldown.
func NewCircuit(name string, failures int, cooldown time.Duration, opts ...CircuitOption) *Circuit {
	if failures <= 0 {
		failures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	c := &Circuit{
		name:           name,
		maxFailures:    failures,
		cooldown:       cooldown,
		halfOpenProbes: 1,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the capability name.
func (c *Circuit) Name() string { return c.name }

// State returns the current state, moving open to half-open when the
// cooldown has elapsed.
func (c *Circuit) State() CircuitState {
	c.mu.Lock()
	from, to := c.refresh()
	state := c.state
	c.mu.Unlock()
	c.notify(from, to)
	return state
}

// Allow reports whether a call may proceed. Every allowed call must be
// followed by exactly one Record.
func (c *Circuit) Allow() error {
	c.mu.Lock()
	c.totalRequests++
	from, to := c.refresh()

	var err error
	switch c.state {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if c.probes >= c.halfOpenProbes {
			err = ErrCircuitOpen
		} else {
			c.probes++
		}
	}
	c.mu.Unlock()
	c.notify(from, to)
	return err
}

// Record reports the outcome of an allowed call. Cancellation by the caller
// is not a failure of the capability.
func (c *Circuit) Record(err error) {
	failed := err != nil && !errors.Is(err, context.Canceled)

	c.mu.Lock()
	var from, to CircuitState
	if failed {
		c.totalFailures++
		from, to = c.onFailure()
	} else {
		from, to = c.onSuccess()
	}
	c.mu.Unlock()
	c.notify(from, to)
}

func (c *Circuit) onSuccess() (CircuitState, CircuitState) {
	switch c.state {
	case StateHalfOpen:
		return c.transitionTo(StateClosed)
	default:
		c.failures = 0
	}
	return c.state, c.state
}

func (c *Circuit) onFailure() (CircuitState, CircuitState) {
	switch c.state {
	case StateClosed:
		c.failures++
		if c.failures >= c.maxFailures {
			return c.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		return c.transitionTo(StateOpen)
	}
	return c.state, c.state
}

// refresh half-opens an open circuit whose cooldown has passed.
func (c *Circuit) refresh() (CircuitState, CircuitState) {
	if c.state == StateOpen && c.now().Sub(c.openedAt) >= c.cooldown {
		return c.transitionTo(StateHalfOpen)
	}
	return c.state, c.state
}

func (c *Circuit) transitionTo(next CircuitState) (CircuitState, CircuitState) {
	prev := c.state
	if prev == next {
		return prev, next
	}
	c.state = next

	switch next {
	case StateClosed:
		c.failures = 0
		c.probes = 0
	case StateOpen:
		c.opens++
		c.openedAt = c.now()
		c.probes = 0
	case StateHalfOpen:
		c.probes = 0
	}
	return prev, next
}

func (c *Circuit) notify(from, to CircuitState) {
	if from != to && c.onStateChange != nil {
		c.onStateChange(from, to)
	}
}

// CircuitMetrics contains circuit statistics.
type CircuitMetrics struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	Opens           int64  `json:"opens"`
	CurrentFailures int    `json:"current_failures"`
}

// Metrics returns circuit statistics.
func (c *Circuit) Metrics() CircuitMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CircuitMetrics{
		Name:            c.name,
		State:           c.state.String(),
		TotalRequests:   c.totalRequests,
		TotalFailures:   c.totalFailures,
		Opens:           c.opens,
		CurrentFailures: c.failures,
	}
}
