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

// String returns the string representation of the state
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

// Errors
var (
	// ErrOpenState is returned when the breaker rejects a call without
	// invoking the operation. It is a rejection, not an upstream failure,
	// and must not feed failure-rate metrics.
	ErrOpenState = errors.New("circuit breaker is open")
)

// Observer receives breaker lifecycle events. The metrics layer implements
// it; tests inject their own.
type Observer interface {
	BreakerStateChange(name string, from, to State)
	BreakerRejection(name string)
}

// NopObserver ignores all events.
type NopObserver struct{}

func (NopObserver) BreakerStateChange(string, State, State) {}
func (NopObserver) BreakerRejection(string)                 {}

// Config holds circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold uint32

	// RecoveryTimeout is how long an open breaker waits before allowing
	// a half-open trial call.
	RecoveryTimeout time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

// Breaker guards one named upstream resource.
//
// Transitions: closed->open on reaching the failure threshold, open->half-open
// once the recovery timeout elapses, half-open->closed on a success, and any
// failure while half-open goes straight back to open.
type Breaker struct {
	name   string
	config *Config
	obs    Observer

	mu          sync.RWMutex
	state       State
	failures    uint32
	lastFailure time.Time
	probing     bool
}

// New creates a new breaker for the named resource.
func New(name string, config *Config, obs Observer) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 1
	}
	if config.RecoveryTimeout == 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if obs == nil {
		obs = NopObserver{}
	}
	return &Breaker{
		name:   name,
		config: config,
		obs:    obs,
		state:  StateClosed,
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.failures
}

// Execute runs fn if the breaker allows it. When the breaker is open and the
// recovery timeout has not elapsed the call is rejected with ErrOpenState
// without invoking fn.
func (b *Breaker) Execute(fn func() error) error {
	if !b.allow() {
		b.obs.BreakerRejection(b.name)
		return ErrOpenState
	}

	err := fn()
	b.record(err == nil)
	return err
}

// allow checks if a call may proceed, moving open->half-open when the
// recovery timeout has elapsed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.lastFailure) < b.config.RecoveryTimeout {
			return false
		}
		b.setState(StateHalfOpen)
		b.probing = true
		return true
	case StateHalfOpen:
		// One trial call at a time.
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// record registers the outcome of an allowed call.
func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		b.lastFailure = time.Now()
		if b.failures >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.probing = false
		if success {
			b.failures = 0
			b.setState(StateClosed)
		} else {
			b.lastFailure = time.Now()
			b.setState(StateOpen)
		}
	}
}

// setState updates the state. Caller holds the lock.
func (b *Breaker) setState(state State) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.obs.BreakerStateChange(b.name, prev, state)
}

// Registry manages breakers per named resource, created lazily on first use.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   *Config
	obs      Observer
}

// NewRegistry creates a registry that hands every breaker the same
// configuration and observer.
func NewRegistry(config *Config, obs Observer) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if obs == nil {
		obs = NopObserver{}
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   config,
		obs:      obs,
	}
}

// Execute runs fn through the breaker for the named resource.
func (r *Registry) Execute(name string, fn func() error) error {
	return r.Get(name).Execute(fn)
}

// Get returns the breaker for a name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, r.config, r.obs)
	r.breakers[name] = b
	return b
}

// States returns the current state per breaker name.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		states[name] = b.State()
	}
	return states
}

// Reset removes the breaker for a name.
func (r *Registry) Reset(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, name)
}
