package breaker

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zianansar/proposal-writer-sub006/config"
)

// AuditFunc records breaker override events for later review. It must not
// block; callers treat auditing as fire-and-forget.
type AuditFunc func(event OverrideEvent)

// OverrideEvent is the audit record for a global-breaker bypass.
type OverrideEvent struct {
	Token    string
	IssuedAt time.Time
	UsedAt   time.Time
	Consumed bool
}

// Global pauses all new run submissions after a streak of server-class
// failures anywhere in the pipeline. It reopens when the cooldown elapses or
// a single-use override token is presented.
type Global struct {
	mu          sync.Mutex
	cfg         config.BreakerConfig
	now         func() time.Time
	audit       AuditFunc
	consecutive int
	paused      bool
	pausedAt    time.Time
	overrides   map[string]OverrideEvent
}

// NewGlobal creates an unpaused global breaker.
func NewGlobal(cfg config.BreakerConfig, audit AuditFunc) *Global {
	return &Global{
		cfg:       cfg.Normalize(),
		now:       time.Now,
		audit:     audit,
		overrides: make(map[string]OverrideEvent),
	}
}

// SetClock overrides the clock. Tests only.
func (g *Global) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// AllowSubmission reports whether a new run may be admitted. A valid,
// unconsumed override token bypasses the pause for exactly this one run and
// is consumed in the process.
func (g *Global) AllowSubmission(overrideToken string) (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return true, 0
	}
	if g.now().Sub(g.pausedAt) >= g.cfg.GlobalCooldown {
		g.paused = false
		g.consecutive = 0
		return true, 0
	}
	if overrideToken != "" {
		ev, ok := g.overrides[overrideToken]
		if ok && !ev.Consumed {
			ev.Consumed = true
			ev.UsedAt = g.now()
			g.overrides[overrideToken] = ev
			if g.audit != nil {
				g.audit(ev)
			}
			return true, 0
		}
	}
	remaining := g.cfg.GlobalCooldown - g.now().Sub(g.pausedAt)
	return false, remaining
}

// RecordServerFailure counts a server/unavailable-class failure. Three in a
// row anywhere trips the pause.
func (g *Global) RecordServerFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consecutive++
	if g.consecutive >= g.cfg.GlobalConsecutive && !g.paused {
		g.paused = true
		g.pausedAt = g.now()
	}
}

// RecordSuccess resets the consecutive failure streak.
func (g *Global) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consecutive = 0
}

// Paused reports the pause state.
func (g *Global) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused && g.now().Sub(g.pausedAt) >= g.cfg.GlobalCooldown {
		g.paused = false
		g.consecutive = 0
	}
	return g.paused
}

// IssueOverride mints a single-use bypass token and audits its issuance.
func (g *Global) IssueOverride() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	token := uuid.NewString()
	ev := OverrideEvent{Token: token, IssuedAt: g.now()}
	g.overrides[token] = ev
	if g.audit != nil {
		g.audit(ev)
	}
	return token
}
