package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Allow while automatic reboots are suspended
var ErrCircuitOpen = errors.New("reboot breaker is open")

// State represents the breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures when automatic reboots stop
type Settings struct {
	// MaxFaults within Window trips the breaker
	MaxFaults int
	// Window is how far back faults are counted
	Window time.Duration
	// Cooldown is how long the breaker stays open before allowing one probe
	Cooldown time.Duration
	// OnStateChange is called whenever the state changes
	OnStateChange func(name string, from State, to State)
}

// Counts holds the breaker statistics
type Counts struct {
	Faults   uint32 `json:"faults"`
	Reboots  uint32 `json:"reboots"`
	Refusals uint32 `json:"refusals"`
	Recent   int    `json:"recent"`
}

// Breaker decides whether a fault may be answered with a reboot. Faults
// arriving faster than MaxFaults per Window open it; after Cooldown one
// probe reboot is allowed, and a fault within Window of the probe opens it
// again.
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time

	mu     sync.Mutex
	state  State
	counts Counts
	recent []time.Time
	expiry time.Time
}

// New creates a breaker with the given settings
func New(name string, settings Settings) *Breaker {
	if settings.MaxFaults <= 0 {
		settings.MaxFaults = 3
	}
	if settings.Window == 0 {
		settings.Window = time.Minute
	}
	if settings.Cooldown == 0 {
		settings.Cooldown = 5 * time.Minute
	}
	return &Breaker{
		name:     name,
		settings: settings,
		now:      time.Now,
		state:    StateClosed,
	}
}

// Name returns the name of the breaker
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.currentState(b.now())
}

// Counts returns a copy of the counters
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.counts
	c.Recent = len(b.recent)
	return c
}

// Allow records one fault and reports whether it may be answered with a
// reboot. It returns ErrCircuitOpen otherwise.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state := b.currentState(now)
	b.counts.Faults++
	b.recent = append(b.prune(now), now)

	switch state {
	case StateOpen:
		b.counts.Refusals++
		return ErrCircuitOpen
	case StateHalfOpen:
		if !b.expiry.IsZero() {
			// the probe reboot faulted again
			b.setState(StateOpen, now)
			b.counts.Refusals++
			return ErrCircuitOpen
		}
		b.expiry = now.Add(b.settings.Window)
	default:
		if len(b.recent) >= b.settings.MaxFaults {
			b.setState(StateOpen, now)
			b.counts.Refusals++
			return ErrCircuitOpen
		}
	}

	b.counts.Reboots++
	return nil
}

// prune drops faults older than Window
func (b *Breaker) prune(now time.Time) []time.Time {
	cutoff := now.Add(-b.settings.Window)
	i := 0
	for i < len(b.recent) && !b.recent[i].After(cutoff) {
		i++
	}
	return b.recent[i:]
}

// currentState advances time-driven transitions and returns the state
func (b *Breaker) currentState(now time.Time) State {
	switch b.state {
	case StateOpen:
		if !b.expiry.After(now) {
			b.setState(StateHalfOpen, now)
		}
	case StateHalfOpen:
		if !b.expiry.IsZero() && !b.expiry.After(now) {
			b.setState(StateClosed, now)
		}
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state

	switch state {
	case StateClosed:
		b.recent = nil
		b.expiry = time.Time{}
	case StateOpen:
		b.expiry = now.Add(b.settings.Cooldown)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, prev, state)
	}
}
