// Package circuitbreaker implements the three-state admission controller
// protecting every flaky downstream. One breaker is shared per downstream;
// two call sites hitting the same service must see the same state.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Failure threshold exceeded, requests blocked
	StateHalfOpen              // Probing whether the downstream recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned by Allow while the breaker denies admission.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config holds circuit breaker configuration.
type Config struct {
	// Name identifies this circuit breaker (the downstream it guards).
	Name string

	// FailureThreshold is the number of consecutive failures in the closed
	// state that trips the breaker.
	FailureThreshold uint32

	// SuccessThreshold is the number of consecutive successes in the
	// half-open state that closes the breaker.
	SuccessThreshold uint32

	// Cooldown is how long the breaker stays open before the next call
	// attempt is admitted as a half-open probe.
	Cooldown time.Duration

	// OnStateChange is called, outside the breaker lock, whenever the state
	// changes (including manual Reset).
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the standard downstream-guarding configuration.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         60 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
}

// ============================================================================
// COUNTS
// ============================================================================

// Counts holds lifetime totals, exposed on the ops surface.
type Counts struct {
	Requests       uint64 `json:"requests"`
	TotalSuccesses uint64 `json:"totalSuccesses"`
	TotalFailures  uint64 `json:"totalFailures"`
	Rejections     uint64 `json:"rejections"`
}

// Snapshot is a point-in-time view of one breaker for the ops surface.
type Snapshot struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures uint32    `json:"consecutiveFailures"`
	HalfOpenSuccesses   uint32    `json:"halfOpenSuccesses"`
	OpenedAt            time.Time `json:"openedAt,omitempty"`
	Counts              Counts    `json:"counts"`
}

// ============================================================================
// CIRCUIT BREAKER
// ============================================================================

// Breaker is the three-state machine. Legal transitions:
//
//	Closed    --failure #threshold-->  Open      (openedAt recorded)
//	Open      --allow after cooldown-> HalfOpen  (success count reset)
//	HalfOpen  --success #threshold-->  Closed
//	HalfOpen  --any failure-->         Open      (openedAt recorded)
//
// The Open->HalfOpen edge is taken lazily by the next call attempt after the
// cooldown, not by a background timer, so with no traffic the breaker simply
// stays open. A failure reported while already open (a call admitted before
// the trip, finishing late) refreshes openedAt: the cooldown runs from the
// latest observed failure.
type Breaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	failures  uint32 // consecutive failures while closed
	successes uint32 // consecutive successes while half-open
	openedAt  time.Time
	counts    Counts
}

// transition carries a state change out of the lock so the hook never runs
// while the breaker is held.
type transition struct {
	from, to State
}

// New creates a breaker; zero config fields fall back to defaults.
func New(cfg Config) *Breaker {
	cfg.applyDefaults()
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.cfg.Name }

// Allow asks for admission. It returns ErrCircuitOpen while the breaker is
// open inside the cooldown window; the first call after the window flips the
// breaker to half-open and is admitted as a probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	var tr *transition
	if b.state == StateOpen {
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			b.counts.Rejections++
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		tr = b.setStateLocked(StateHalfOpen)
	}
	b.counts.Requests++
	b.mu.Unlock()

	b.notify(tr)
	return nil
}

// RecordSuccess reports that an admitted call succeeded.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var tr *transition
	b.counts.TotalSuccesses++
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			tr = b.setStateLocked(StateClosed)
		}
	}
	b.mu.Unlock()

	b.notify(tr)
}

// RecordFailure reports that an admitted call failed.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	var tr *transition
	b.counts.TotalFailures++
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = time.Now()
			tr = b.setStateLocked(StateOpen)
		}
	case StateHalfOpen:
		b.openedAt = time.Now()
		tr = b.setStateLocked(StateOpen)
	case StateOpen:
		// Late result from a call admitted before the trip. The cooldown
		// restarts from the latest failure.
		b.openedAt = time.Now()
	}
	b.mu.Unlock()

	b.notify(tr)
}

// Execute is the Allow/Record pair as one call, for sites that do not need
// to separate admission from reporting.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// Reset forces the breaker closed. Operator use only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	tr := b.setStateLocked(StateClosed)
	b.mu.Unlock()

	b.notify(tr)
}

// State reports the state as the machine last left it. It deliberately does
// not flip Open to HalfOpen when the cooldown has elapsed; that edge belongs
// to the next call attempt.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a point-in-time view for the ops surface.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		Name:                b.cfg.Name,
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
		HalfOpenSuccesses:   b.successes,
		Counts:              b.counts,
	}
	if b.state == StateOpen {
		s.OpenedAt = b.openedAt
	}
	return s
}

// setStateLocked mutates the state and counters; callers hold b.mu and must
// notify() with the returned transition after unlocking.
func (b *Breaker) setStateLocked(next State) *transition {
	if b.state == next {
		return nil
	}
	prev := b.state
	b.state = next
	switch next {
	case StateClosed:
		b.failures = 0
		b.successes = 0
	case StateHalfOpen:
		b.successes = 0
	}
	return &transition{from: prev, to: next}
}

func (b *Breaker) notify(tr *transition) {
	if tr == nil || b.cfg.OnStateChange == nil {
		return
	}
	b.cfg.OnStateChange(b.cfg.Name, tr.from, tr.to)
}

// ============================================================================
// CIRCUIT BREAKER MANAGER
// ============================================================================

// Manager owns one breaker per downstream, created lazily so every call site
// naming the same downstream shares state.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
}

// NewManager creates a manager. The default config seeds breakers created by
// Get; its OnStateChange hook is inherited by GetOrCreate configs that carry
// none.
func NewManager(defaults Config) *Manager {
	defaults.applyDefaults()
	return &Manager{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// Get returns the breaker for name, creating it with default config.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()
	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Double-check after acquiring write lock
	if cb, exists = m.breakers[name]; exists {
		return cb
	}
	cfg := m.defaults
	cfg.Name = name
	cb = New(cfg)
	m.breakers[name] = cb
	return cb
}

// GetOrCreate returns the breaker for name, creating it with cfg when absent.
func (m *Manager) GetOrCreate(name string, cfg Config) *Breaker {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()
	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, exists = m.breakers[name]; exists {
		return cb
	}
	cfg.Name = name
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = m.defaults.OnStateChange
	}
	cb = New(cfg)
	m.breakers[name] = cb
	return cb
}

// Lookup returns the breaker for name without creating one.
func (m *Manager) Lookup(name string) (*Breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cb, ok := m.breakers[name]
	return cb, ok
}

// Remove drops a breaker, releasing its state.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, name)
}

// Snapshots returns point-in-time views of every breaker, for the ops
// surface.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Snapshot, 0, len(m.breakers))
	for _, cb := range m.breakers {
		out = append(out, cb.Snapshot())
	}
	return out
}
