// Package circuitbreaker guards outbound providers with a per-key circuit:
// repeated failures stop traffic for a cooldown, then a single probe
// decides whether to resume.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State of one circuit.
type State int

const (
	StateClosed   State = iota // traffic flows
	StateOpen                  // traffic rejected until the cooldown ends
	StateHalfOpen              // one probe in flight, everything else rejected
)

var stateNames = [...]string{"closed", "open", "half_open"}

func (s State) String() string {
	if s < StateClosed || s > StateHalfOpen {
		return "unknown"
	}
	return stateNames[s]
}

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "seatbill",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

const (
	defaultThreshold = 5
	defaultCooldown  = 30 * time.Second
)

type circuit struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks one circuit per key.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
}

// New builds a breaker that opens a key after threshold consecutive
// failures and keeps it open for cooldown before probing.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = defaultThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow reports whether a request for key may proceed. An open circuit
// whose cooldown has passed moves to half-open and lets exactly one probe
// through.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok || c.state == StateClosed {
		return true
	}
	if c.state == StateHalfOpen {
		return false
	}
	if time.Since(c.lastFailure) < b.cooldown {
		return false
	}
	b.moveTo(key, c, StateHalfOpen)
	return true
}

// RecordSuccess clears the failure streak and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.failures = 0
	if c.state == StateHalfOpen {
		b.moveTo(key, c, StateClosed)
	}
}

// RecordFailure extends the failure streak. Reaching the threshold, or
// failing the half-open probe, opens the circuit.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}

	c.failures++
	c.lastFailure = time.Now()

	switch {
	case c.state == StateHalfOpen:
		b.moveTo(key, c, StateOpen)
	case c.state == StateClosed && c.failures >= b.threshold:
		b.moveTo(key, c, StateOpen)
	}
}

// State reports the circuit for key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// moveTo is called with b.mu held.
func (b *Breaker) moveTo(key string, c *circuit, to State) {
	if c.state == to {
		return
	}
	transitionsTotal.WithLabelValues(key, c.state.String(), to.String()).Inc()
	c.state = to
}
