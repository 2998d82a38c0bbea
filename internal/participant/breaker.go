package participant

import (
	"sync"
	"time"
)

// CircuitState is the state of one participant's circuit.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// circuit is the breaker state for one handle.
type circuit struct {
	mu        sync.Mutex
	state     CircuitState
	failures  int
	openUntil time.Time
	trial     bool // half-open trial in flight
}

// Breakers keeps one circuit per participant key. Circuits are independent:
// each has its own lock and the registry only guards lookup.
type Breakers struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  func(key string, from, to CircuitState)

	circuits sync.Map // key -> *circuit
}

// NewBreakers creates a registry that opens a circuit after threshold
// consecutive failures and keeps it open for cooldown.
func NewBreakers(threshold int, cooldown time.Duration) *Breakers {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Breakers{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// OnStateChange registers a callback invoked (outside the circuit lock)
// after every transition.
func (b *Breakers) OnStateChange(fn func(key string, from, to CircuitState)) {
	b.onChange = fn
}

func (b *Breakers) get(key string) *circuit {
	if c, ok := b.circuits.Load(key); ok {
		return c.(*circuit)
	}
	c, _ := b.circuits.LoadOrStore(key, &circuit{state: CircuitClosed})
	return c.(*circuit)
}

// Allow reports whether a call to key may proceed. An open circuit whose
// cool-down elapsed moves to half-open and admits exactly one trial call;
// every other caller is rejected until that trial reports back.
func (b *Breakers) Allow(key string) error {
	c := b.get(key)
	c.mu.Lock()
	from := c.state
	switch c.state {
	case CircuitOpen:
		if b.now().Before(c.openUntil) {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
		c.state = CircuitHalfOpen
		c.trial = true
	case CircuitHalfOpen:
		if c.trial {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
		c.trial = true
	}
	to := c.state
	c.mu.Unlock()
	b.notify(key, from, to)
	return nil
}

// Success closes the circuit and resets the failure counter.
func (b *Breakers) Success(key string) {
	c := b.get(key)
	c.mu.Lock()
	from := c.state
	c.state = CircuitClosed
	c.failures = 0
	c.trial = false
	c.mu.Unlock()
	b.notify(key, from, CircuitClosed)
}

// Failure records a failed call. A failed half-open trial reopens the
// circuit and restarts the cool-down.
func (b *Breakers) Failure(key string) {
	c := b.get(key)
	c.mu.Lock()
	from := c.state
	switch c.state {
	case CircuitHalfOpen:
		c.state = CircuitOpen
		c.trial = false
		c.openUntil = b.now().Add(b.cooldown)
	case CircuitClosed:
		c.failures++
		if c.failures >= b.threshold {
			c.state = CircuitOpen
			c.openUntil = b.now().Add(b.cooldown)
		}
	}
	to := c.state
	c.mu.Unlock()
	b.notify(key, from, to)
}

// Abort releases a half-open trial without judging the participant, for
// calls abandoned by the caller.
func (b *Breakers) Abort(key string) {
	c := b.get(key)
	c.mu.Lock()
	if c.state == CircuitHalfOpen {
		c.trial = false
	}
	c.mu.Unlock()
}

// State returns the current state for key.
func (b *Breakers) State(key string) CircuitState {
	c := b.get(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CircuitOpen && !b.now().Before(c.openUntil) {
		return CircuitHalfOpen
	}
	return c.state
}

// OpenCount returns how many circuits are currently open.
func (b *Breakers) OpenCount() int {
	n := 0
	b.circuits.Range(func(_, v any) bool {
		c := v.(*circuit)
		c.mu.Lock()
		if c.state == CircuitOpen {
			n++
		}
		c.mu.Unlock()
		return true
	})
	return n
}

func (b *Breakers) notify(key string, from, to CircuitState) {
	if b.onChange != nil && from != to {
		b.onChange(key, from, to)
	}
}
