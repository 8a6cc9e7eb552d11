package breaker

import (
	"sync"
	"time"

	"mcpgate/pkg/logging"
)

// State identifies one of the three breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String makes State satisfy fmt.Stringer. The lowercase forms are the
// wire representation used in events and WebSocket payloads.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config carries the tunables of the breaker. It can be replaced at
// runtime via UpdateConfig; existing per-key state is preserved.
type Config struct {
	FailureThreshold int           // consecutive failures before Closed -> Open
	Timeout          time.Duration // how long Open blocks before probing
	HalfOpenMaxCalls int           // probe calls admitted while HalfOpen
	MaxFailureCycles int           // cycles before auto-disable fires
	AutoDisable      bool          // whether ShouldAutoDisable can ever report true
}

// DefaultConfig returns the breaker configuration used when none is
// supplied explicitly.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Timeout:          60 * time.Second,
		HalfOpenMaxCalls: 1,
		MaxFailureCycles: 3,
		AutoDisable:      true,
	}
}

// Snapshot is a read-only copy of one key's state, safe to hand to
// event consumers.
type Snapshot struct {
	Key                 string
	State               State
	ConsecutiveFailures int
	FailureCycles       int
	LastFailureTime     time.Time
	HalfOpenInFlight    int
}

// TransitionFunc is invoked after every state transition. It runs
// outside the breaker lock and must not call back into the breaker
// synchronously in a way that blocks.
type TransitionFunc func(key string, from, to State, snap Snapshot)

type keyState struct {
	state               State
	consecutiveFailures int
	failureCycles       int
	lastFailureTime     time.Time
	halfOpenInFlight    int
}

// Breaker tracks circuit state per upstream name.
type Breaker struct {
	mu     sync.Mutex
	config Config
	keys   map[string]*keyState

	onTransition TransitionFunc

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a breaker with the given configuration. onTransition may
// be nil.
func New(config Config, onTransition TransitionFunc) *Breaker {
	return &Breaker{
		config:       config,
		keys:         make(map[string]*keyState),
		onTransition: onTransition,
		now:          time.Now,
	}
}

// UpdateConfig replaces the breaker configuration at runtime.
func (b *Breaker) UpdateConfig(config Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.config = config
	logging.Info("Breaker", "Configuration updated: threshold=%d timeout=%s cycles=%d",
		config.FailureThreshold, config.Timeout, config.MaxFailureCycles)
}

// key returns the state for the given key, lazily creating it. Caller
// must hold b.mu.
func (b *Breaker) key(name string) *keyState {
	ks, ok := b.keys[name]
	if !ok {
		ks = &keyState{state: StateClosed}
		b.keys[name] = ks
	}
	return ks
}

func (b *Breaker) snapshotLocked(name string, ks *keyState) Snapshot {
	return Snapshot{
		Key:                 name,
		State:               ks.state,
		ConsecutiveFailures: ks.consecutiveFailures,
		FailureCycles:       ks.failureCycles,
		LastFailureTime:     ks.lastFailureTime,
		HalfOpenInFlight:    ks.halfOpenInFlight,
	}
}

// transitionLocked changes state and returns a notification closure to
// run after the lock is released.
func (b *Breaker) transitionLocked(name string, ks *keyState, to State) func() {
	from := ks.state
	if from == to {
		return func() {}
	}
	ks.state = to
	snap := b.snapshotLocked(name, ks)
	cb := b.onTransition

	logging.Info("Breaker", "Circuit for %s: %s -> %s (failures=%d cycles=%d)",
		name, from, to, snap.ConsecutiveFailures, snap.FailureCycles)

	return func() {
		if cb != nil {
			cb(name, from, to, snap)
		}
	}
}

// RecordFailure registers a failed call against the key. In Closed it
// may trip the circuit; in HalfOpen it closes one failure cycle and
// re-opens the circuit.
func (b *Breaker) RecordFailure(name string) {
	b.mu.Lock()
	ks := b.key(name)
	notify := func() {}

	switch ks.state {
	case StateClosed:
		ks.consecutiveFailures++
		if ks.consecutiveFailures >= b.config.FailureThreshold {
			ks.lastFailureTime = b.now()
			notify = b.transitionLocked(name, ks, StateOpen)
		}
	case StateHalfOpen:
		ks.failureCycles++
		ks.lastFailureTime = b.now()
		ks.halfOpenInFlight = 0
		notify = b.transitionLocked(name, ks, StateOpen)
	case StateOpen:
		// Failures from calls that were already in flight when the
		// circuit opened. The probe window stays keyed to the
		// transition-time failure; refreshing it here would defer the
		// HalfOpen probe indefinitely under steady traffic.
		ks.consecutiveFailures++
	}
	b.mu.Unlock()

	notify()
}

// RecordSuccess registers a successful call against the key. In Closed
// it resets the failure counter; in HalfOpen it closes the circuit.
func (b *Breaker) RecordSuccess(name string) {
	b.mu.Lock()
	ks := b.key(name)
	notify := func() {}

	switch ks.state {
	case StateClosed:
		ks.consecutiveFailures = 0
	case StateHalfOpen:
		ks.consecutiveFailures = 0
		ks.halfOpenInFlight = 0
		notify = b.transitionLocked(name, ks, StateClosed)
	case StateOpen:
		// A drained in-flight call succeeded against an orphaned
		// session. The circuit stays open until the probe window.
		ks.consecutiveFailures = 0
	}
	b.mu.Unlock()

	notify()
}

// IsOpen reports whether calls to the key must be short-circuited.
// When the Open timeout has elapsed the breaker moves to HalfOpen and
// admits up to HalfOpenMaxCalls probe calls.
func (b *Breaker) IsOpen(name string) bool {
	b.mu.Lock()
	ks := b.key(name)
	notify := func() {}
	open := false

	switch ks.state {
	case StateOpen:
		if b.now().Sub(ks.lastFailureTime) > b.config.Timeout {
			ks.halfOpenInFlight = 1
			notify = b.transitionLocked(name, ks, StateHalfOpen)
		} else {
			open = true
		}
	case StateHalfOpen:
		if ks.halfOpenInFlight < b.config.HalfOpenMaxCalls {
			ks.halfOpenInFlight++
		} else {
			open = true
		}
	}
	b.mu.Unlock()

	notify()
	return open
}

// State returns the current state without admitting a probe call.
func (b *Breaker) State(name string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.key(name).state
}

// Snapshot returns a copy of the key's full state.
func (b *Breaker) Snapshot(name string) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	ks := b.key(name)
	return b.snapshotLocked(name, ks)
}

// FailureCycles returns how many Open -> HalfOpen -> Open rounds the
// key has accumulated.
func (b *Breaker) FailureCycles(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.key(name).failureCycles
}

// ShouldAutoDisable reports whether the key has exhausted its failure
// cycles and the owning upstream should be administratively disabled.
func (b *Breaker) ShouldAutoDisable(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.config.AutoDisable {
		return false
	}
	return b.key(name).failureCycles >= b.config.MaxFailureCycles
}

// RetryAfter returns how long callers should wait before the circuit
// admits a probe. Zero when the circuit is not open.
func (b *Breaker) RetryAfter(name string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	ks := b.key(name)
	if ks.state != StateOpen {
		return 0
	}
	remaining := b.config.Timeout - b.now().Sub(ks.lastFailureTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset forces the key back to Closed and zeroes all counters.
func (b *Breaker) Reset(name string) {
	b.mu.Lock()
	ks := b.key(name)
	ks.consecutiveFailures = 0
	ks.failureCycles = 0
	ks.halfOpenInFlight = 0
	ks.lastFailureTime = time.Time{}
	notify := b.transitionLocked(name, ks, StateClosed)
	b.mu.Unlock()

	notify()
}

// SetNow overrides the clock. Intended for tests only.
func (b *Breaker) SetNow(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
