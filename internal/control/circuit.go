// Package control guards the update poll loop against a failing transport.
package control

import (
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Transition describes a state change caused by a call. From == To means no change.
type Transition struct {
	From  CircuitState
	To    CircuitState
	Class string
}

// Changed reports whether the call moved the breaker to a new state.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// CircuitBreaker opens after Threshold consecutive failures of one error
// class and lets a single probe through once Cooldown has elapsed.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration

	mu          sync.Mutex
	state       CircuitState
	failures    map[string]int
	openedAt    time.Time
	openedClass string
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		state:     CircuitClosed,
		failures:  map[string]int{},
	}
}

func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allow returns whether a poll may run at this instant.
func (c *CircuitBreaker) Allow(now time.Time) (bool, Transition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tr := Transition{From: c.state, To: c.state, Class: c.openedClass}
	if c.state != CircuitOpen {
		return true, tr
	}
	if now.Sub(c.openedAt) >= c.Cooldown {
		c.state = CircuitHalfOpen
		tr.To = c.state
		return true, tr
	}
	return false, tr
}

// RecordSuccess closes the breaker and forgets all failure counts.
func (c *CircuitBreaker) RecordSuccess() Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	tr := Transition{From: c.state, To: CircuitClosed, Class: c.openedClass}
	c.state = CircuitClosed
	c.openedClass = ""
	clear(c.failures)
	return tr
}

// RecordFailure counts an error of the given class. A failed half-open probe
// reopens immediately.
func (c *CircuitBreaker) RecordFailure(errClass string, now time.Time) Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errClass == "" {
		errClass = "unknown"
	}
	tr := Transition{From: c.state, To: c.state, Class: errClass}
	if c.state == CircuitHalfOpen {
		c.open(errClass, now)
		tr.To = c.state
		return tr
	}
	c.failures[errClass]++
	if c.failures[errClass] >= c.Threshold {
		c.open(errClass, now)
	}
	tr.To = c.state
	return tr
}

func (c *CircuitBreaker) open(errClass string, now time.Time) {
	c.state = CircuitOpen
	c.openedAt = now
	c.openedClass = errClass
}

// RetryAfter returns how long until an open breaker admits a probe.
func (c *CircuitBreaker) RetryAfter(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CircuitOpen {
		return 0
	}
	if d := c.Cooldown - now.Sub(c.openedAt); d > 0 {
		return d
	}
	return 0
}

func (c *CircuitBreaker) OpenedClass() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openedClass
}
