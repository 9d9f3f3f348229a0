package breaker

import (
	"sync"
	"time"

	"github.com/zianansar/proposal-writer-sub006/config"
)

// State is the classic three-state breaker lifecycle.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Breaker guards one pipeline stage. Failures are counted in a sliding time
// window; once the threshold is exceeded the breaker opens and the stage is
// skipped (fallback used) until the cooldown elapses. Half-open permits
// exactly one trial call.
type Breaker struct {
	mu       sync.Mutex
	cfg      config.BreakerConfig
	now      func() time.Time
	state    State
	failures []time.Time
	openedAt time.Time
	trialing bool
}

// New creates a closed breaker.
func New(cfg config.BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.Normalize(), now: time.Now, state: Closed}
}

// SetClock overrides the breaker clock. Tests only.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Allow reports whether a call may proceed. In half-open it grants a single
// trial; concurrent callers beyond the trial are rejected until the trial
// settles.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.openedAt) >= b.cfg.OpenCooldown {
			b.state = HalfOpen
			b.trialing = true
			return true
		}
		return false
	case HalfOpen:
		if b.trialing {
			return false
		}
		b.trialing = true
		return true
	}
	return false
}

// RecordSuccess settles a successful call. A half-open trial success closes
// the breaker and clears the window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.state = Closed
		b.failures = nil
	}
	b.trialing = false
}

// RecordFailure settles a failed call. A half-open trial failure reopens the
// breaker; in closed state the sliding window is pruned and checked against
// the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	switch b.state {
	case HalfOpen:
		b.state = Open
		b.openedAt = now
		b.trialing = false
	case Closed:
		b.failures = append(b.failures, now)
		b.prune(now)
		if len(b.failures) > b.cfg.FailureThreshold {
			b.state = Open
			b.openedAt = now
			b.failures = nil
		}
	}
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RetryAfter reports how long until an open breaker will admit a trial.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return 0
	}
	remaining := b.cfg.OpenCooldown - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Set manages one breaker per stage plus the global breaker.
type Set struct {
	mu     sync.Mutex
	cfg    config.BreakerConfig
	stages map[string]*Breaker
	global *Global
}

// NewSet creates a breaker set.
func NewSet(cfg config.BreakerConfig, audit AuditFunc) *Set {
	cfg = cfg.Normalize()
	return &Set{
		cfg:    cfg,
		stages: make(map[string]*Breaker),
		global: NewGlobal(cfg, audit),
	}
}

// Stage returns the breaker for the named stage, creating it on first use.
func (s *Set) Stage(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.stages[name]
	if !ok {
		b = New(s.cfg)
		s.stages[name] = b
	}
	return b
}

// Global returns the submission-level breaker.
func (s *Set) Global() *Global { return s.global }
