package ledger

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zianansar/proposal-writer-sub006/config"
)

// Entry is one run's spend. Entries are append-only and never mutated.
type Entry struct {
	RunID     string
	Tokens    int64
	Cost      float64
	CreatedAt time.Time
}

// OverrideRecord audits an explicit budget bypass.
type OverrideRecord struct {
	RunID     string
	Actor     string
	Reason    string
	Period    string
	Usage     float64
	Limit     float64
	CreatedAt time.Time
}

// Store persists ledger entries and override audit records.
type Store interface {
	AppendLedgerEntry(ctx context.Context, e Entry) error
	SumLedgerSince(ctx context.Context, since time.Time) (cost float64, tokens int64, err error)
	RecordBudgetOverride(ctx context.Context, rec OverrideRecord) error
}

// Ledger tracks token/cost usage against daily and monthly ceilings. The
// orchestrator is the single writer; reads may be concurrent.
type Ledger struct {
	cfg    config.LedgerConfig
	store  Store
	logger *log.Logger
	now    func() time.Time

	mu            sync.Mutex
	dayAnchor     time.Time
	monthAnchor   time.Time
	dailyCost     float64
	monthlyCost   float64
	dailyTokens   int64
	monthlyTokens int64
	warnedDaily   bool
	warnedMonth   bool
}

// New creates a ledger and loads the current daily and monthly totals from
// the store so restarts do not reset spend tracking.
func New(ctx context.Context, cfg config.LedgerConfig, store Store, logger *log.Logger) (*Ledger, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[LEDGER] ", log.LstdFlags)
	}
	l := &Ledger{cfg: cfg.Normalize(), store: store, logger: logger, now: time.Now}
	if err := l.reload(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// SetClock overrides the clock. Tests only.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func monthStart(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

func (l *Ledger) reload(ctx context.Context) error {
	now := l.now()
	day, month := dayStart(now), monthStart(now)
	dc, dt, err := l.store.SumLedgerSince(ctx, day)
	if err != nil {
		return fmt.Errorf("load daily totals: %w", err)
	}
	mc, mt, err := l.store.SumLedgerSince(ctx, month)
	if err != nil {
		return fmt.Errorf("load monthly totals: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dayAnchor, l.monthAnchor = day, month
	l.dailyCost, l.dailyTokens = dc, dt
	l.monthlyCost, l.monthlyTokens = mc, mt
	l.warnedDaily, l.warnedMonth = false, false
	return nil
}

// rollWindows resets totals when the day or month boundary passes. Caller
// holds the mutex.
func (l *Ledger) rollWindows() {
	now := l.now()
	if day := dayStart(now); day.After(l.dayAnchor) {
		l.dayAnchor = day
		l.dailyCost, l.dailyTokens = 0, 0
		l.warnedDaily = false
	}
	if month := monthStart(now); month.After(l.monthAnchor) {
		l.monthAnchor = month
		l.monthlyCost, l.monthlyTokens = 0, 0
		l.warnedMonth = false
	}
}

// Authorize gates the generate stage. It returns ErrExceeded when a ceiling
// is at or past 100%, unless override is set, in which case the bypass is
// audited and the call allowed. Crossing the warn ratio logs once per window.
func (l *Ledger) Authorize(ctx context.Context, runID, actor string, override bool) error {
	l.mu.Lock()
	l.rollWindows()
	period, usage, limit, blocked := l.check()
	warn := l.warnCheck()
	l.mu.Unlock()

	if warn != "" {
		l.logger.Printf("budget warning: %s spend past %.0f%% of ceiling", warn, l.cfg.WarnRatio*100)
	}
	if !blocked {
		return nil
	}
	exceeded := ErrExceeded{Period: period, Usage: usage, Limit: limit}
	if !override {
		return exceeded
	}
	rec := OverrideRecord{
		RunID:     runID,
		Actor:     actor,
		Reason:    "explicit budget override",
		Period:    period,
		Usage:     usage,
		Limit:     limit,
		CreatedAt: l.now().UTC(),
	}
	if err := l.store.RecordBudgetOverride(ctx, rec); err != nil {
		return fmt.Errorf("record budget override: %w", err)
	}
	l.logger.Printf("budget override by %s for run %s (%s at $%.4f/$%.4f)", actor, runID, period, usage, limit)
	return nil
}

// check reports the first breached ceiling. Caller holds the mutex.
func (l *Ledger) check() (period string, usage, limit float64, blocked bool) {
	if l.cfg.DailyCeiling > 0 && l.dailyCost >= l.cfg.DailyCeiling {
		return "daily", l.dailyCost, l.cfg.DailyCeiling, true
	}
	if l.cfg.MonthlyCeiling > 0 && l.monthlyCost >= l.cfg.MonthlyCeiling {
		return "monthly", l.monthlyCost, l.cfg.MonthlyCeiling, true
	}
	return "", 0, 0, false
}

func (l *Ledger) warnCheck() string {
	if l.cfg.DailyCeiling > 0 && !l.warnedDaily && l.dailyCost >= l.cfg.WarnRatio*l.cfg.DailyCeiling {
		l.warnedDaily = true
		return "daily"
	}
	if l.cfg.MonthlyCeiling > 0 && !l.warnedMonth && l.monthlyCost >= l.cfg.WarnRatio*l.cfg.MonthlyCeiling {
		l.warnedMonth = true
		return "monthly"
	}
	return ""
}

// Record appends a run's spend to the store and the running totals.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now().UTC()
	}
	if err := l.store.AppendLedgerEntry(ctx, e); err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollWindows()
	l.dailyCost += e.Cost
	l.monthlyCost += e.Cost
	l.dailyTokens += e.Tokens
	l.monthlyTokens += e.Tokens
	return nil
}

// Totals is a point-in-time spend summary.
type Totals struct {
	DailyCost      float64 `json:"daily_cost"`
	DailyTokens    int64   `json:"daily_tokens"`
	DailyCeiling   float64 `json:"daily_ceiling"`
	MonthlyCost    float64 `json:"monthly_cost"`
	MonthlyTokens  int64   `json:"monthly_tokens"`
	MonthlyCeiling float64 `json:"monthly_ceiling"`
}

// Totals returns the current window sums.
func (l *Ledger) Totals() Totals {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollWindows()
	return Totals{
		DailyCost:      l.dailyCost,
		DailyTokens:    l.dailyTokens,
		DailyCeiling:   l.cfg.DailyCeiling,
		MonthlyCost:    l.monthlyCost,
		MonthlyTokens:  l.monthlyTokens,
		MonthlyCeiling: l.cfg.MonthlyCeiling,
	}
}
