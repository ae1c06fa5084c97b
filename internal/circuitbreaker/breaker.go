// Package circuitbreaker stops calling an external provider after repeated
// outages and probes it again once a cooldown has passed.
package circuitbreaker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/monetize/internal/metrics"
)

// State is a provider circuit's position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

// ErrOpen is returned by Execute while a provider's circuit is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker keeps one circuit per provider name. The zero value is not
// usable; call New.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New returns a breaker that opens a circuit after threshold consecutive
// outages and lets one probe through after cooldown.
func New(threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		circuits:  make(map[string]*circuit),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute calls fn unless the provider's circuit is open. Only errors for
// which isOutage reports true count toward opening it; a nil isOutage
// counts every error. A rejected request is the caller's problem, not the
// provider's.
func (b *Breaker) Execute(provider string, isOutage func(error) bool, fn func() error) error {
	if !b.admit(provider) {
		return ErrOpen
	}
	err := fn()
	if err != nil && (isOutage == nil || isOutage(err)) {
		b.failure(provider)
	} else {
		b.success(provider)
	}
	return err
}

// State reports a provider's circuit. Unknown providers are closed.
func (b *Breaker) State(provider string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[provider]; ok {
		return c.state
	}
	return Closed
}

// OpenProviders lists providers whose circuit is not closed, sorted.
func (b *Breaker) OpenProviders() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for name, c := range b.circuits {
		if c.state != Closed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (b *Breaker) admit(provider string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[provider]
	if !ok {
		return true
	}
	switch c.state {
	case Open:
		if b.now().Sub(c.openedAt) < b.cooldown {
			return false
		}
		b.move(provider, c, HalfOpen)
		return true
	case HalfOpen:
		// A probe is in flight.
		return false
	}
	return true
}

func (b *Breaker) success(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[provider]
	if !ok {
		return
	}
	c.failures = 0
	b.move(provider, c, Closed)
}

func (b *Breaker) failure(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[provider]
	if !ok {
		c = &circuit{}
		b.circuits[provider] = c
	}
	c.failures++
	if c.state == HalfOpen || c.failures >= b.threshold {
		c.openedAt = b.now()
		b.move(provider, c, Open)
	}
}

// move must be called with b.mu held.
func (b *Breaker) move(provider string, c *circuit, to State) {
	if c.state == to {
		return
	}
	c.state = to
	metrics.ProviderCircuitTransitions.WithLabelValues(provider, to.String()).Inc()
}
