package upstream

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is a per-host circuit breaker. After threshold consecutive
// failures it opens and rejects requests for the cool-down window, then lets
// exactly one trial request through. A successful trial closes the circuit,
// a failed one reopens it and restarts the window.
type Breaker struct {
	mu            sync.Mutex
	host          string
	state         CircuitState
	failures      int
	openedAt      time.Time
	trialInFlight bool

	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  func(host string, from, to CircuitState)
}

// NewBreaker creates a closed breaker for host.
func NewBreaker(host string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultCircuitThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCircuitCooldown
	}
	return &Breaker{
		host:      host,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow returns nil when a request may proceed, or a *CircuitOpenError.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return b.openErrLocked()
		}
		b.setStateLocked(CircuitHalfOpen)
		b.trialInFlight = true
		return nil
	case CircuitHalfOpen:
		if b.trialInFlight {
			return b.openErrLocked()
		}
		b.trialInFlight = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess records a request that reached a healthy upstream.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trialInFlight = false
	if b.state != CircuitClosed {
		b.setStateLocked(CircuitClosed)
	}
}

// RecordFailure records a network failure or a retryable status.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case CircuitHalfOpen:
		b.trialInFlight = false
		b.openedAt = b.now()
		b.setStateLocked(CircuitOpen)
	case CircuitClosed:
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			b.setStateLocked(CircuitOpen)
		}
	}
}

// State returns the current state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) openErrLocked() *CircuitOpenError {
	return &CircuitOpenError{Host: b.host, RetryAt: b.openedAt.Add(b.cooldown)}
}

func (b *Breaker) setStateLocked(to CircuitState) {
	from := b.state
	b.state = to
	if b.onChange != nil && from != to {
		b.onChange(b.host, from, to)
	}
}

// breakerSet hands out one Breaker per upstream host.
type breakerSet struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	threshold int
	cooldown  time.Duration
	onChange  func(host string, from, to CircuitState)
}

func newBreakerSet(threshold int, cooldown time.Duration, onChange func(string, CircuitState, CircuitState)) *breakerSet {
	return &breakerSet{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		cooldown:  cooldown,
		onChange:  onChange,
	}
}

func (s *breakerSet) get(host string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[host]; ok {
		return b
	}
	b := NewBreaker(host, s.threshold, s.cooldown)
	b.onChange = s.onChange
	s.breakers[host] = b
	return b
}
