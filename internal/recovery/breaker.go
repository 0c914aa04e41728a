package recovery

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a breaker rejects a call without
// attempting the underlying operation.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerConfig controls circuit breaker thresholds.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int `koanf:"failure_threshold"`

	// SuccessThreshold is the number of consecutive half-open successes
	// that closes the circuit again.
	SuccessThreshold int `koanf:"success_threshold"`

	// Cooldown is how long the circuit stays open before allowing a
	// trial call.
	Cooldown time.Duration `koanf:"cooldown"`
}

// ApplyDefaults fills in zero values with sensible defaults.
func (c *BreakerConfig) ApplyDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 3
	}
	if c.Cooldown == 0 {
		c.Cooldown = 60 * time.Second
	}
}

// Validate checks the configuration for invalid values.
func (c *BreakerConfig) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("success_threshold must be at least 1, got %d", c.SuccessThreshold)
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("cooldown must be positive, got %s", c.Cooldown)
	}
	return nil
}

// Breaker is a circuit breaker guarding a single external dependency.
//
// Closed passes calls through and counts consecutive failures. After
// FailureThreshold consecutive failures the circuit opens and rejects
// calls until Cooldown elapses, then a single trial call is admitted in
// half-open. SuccessThreshold consecutive half-open successes close the
// circuit; any half-open failure reopens it.
type Breaker struct {
	name   string
	config BreakerConfig
	clock  Clock

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	openedAt      time.Time
	trialInFlight bool
}

// NewBreaker creates a closed breaker for the named dependency.
func NewBreaker(name string, config BreakerConfig, clock Clock) *Breaker {
	config.ApplyDefaults()
	if clock == nil {
		clock = SystemClock{}
	}
	return &Breaker{
		name:   name,
		config: config,
		clock:  clock,
		state:  StateClosed,
	}
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying the open-to-half-open
// transition if the cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Allow reports whether a call may proceed. In half-open state only one
// trial call is admitted at a time; callers that were admitted must
// report the result via RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()
	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.trialInFlight = false
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.open()
		}
	case StateHalfOpen:
		b.trialInFlight = false
		b.open()
	}
}

// open transitions to the open state. Caller must hold b.mu.
func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.clock.Now()
	b.successes = 0
	b.trialInFlight = false
}

// maybeHalfOpen transitions open to half-open once the cooldown has
// elapsed. Caller must hold b.mu.
func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.clock.Now().Sub(b.openedAt) >= b.config.Cooldown {
		b.state = StateHalfOpen
		b.successes = 0
		b.trialInFlight = false
	}
}

// Registry holds one breaker per external dependency, created lazily.
type Registry struct {
	config BreakerConfig
	clock  Clock

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry. All breakers it creates share
// the same configuration and clock.
func NewRegistry(config BreakerConfig, clock Clock) *Registry {
	config.ApplyDefaults()
	if clock == nil {
		clock = SystemClock{}
	}
	return &Registry{
		config:   config,
		clock:    clock,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the named dependency, creating it in the
// closed state on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, r.config, r.clock)
	r.breakers[name] = b
	return b
}

// States returns a snapshot of all breaker states by dependency name.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		states[name] = b.State()
	}
	return states
}
