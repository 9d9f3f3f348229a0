package ledger

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zianansar/proposal-writer-sub006/config"
)

type fakeStore struct {
	mu        sync.Mutex
	entries   []Entry
	overrides []OverrideRecord
	appendErr error
}

func (f *fakeStore) AppendLedgerEntry(ctx context.Context, e Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeStore) SumLedgerSince(ctx context.Context, since time.Time) (float64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var cost float64
	var tokens int64
	for _, e := range f.entries {
		if !e.CreatedAt.Before(since) {
			cost += e.Cost
			tokens += e.Tokens
		}
	}
	return cost, tokens, nil
}

func (f *fakeStore) RecordBudgetOverride(ctx context.Context, rec OverrideRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides = append(f.overrides, rec)
	return nil
}

func newTestLedger(t *testing.T, cfg config.LedgerConfig, st *fakeStore) (*Ledger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l, err := New(context.Background(), cfg, st, log.New(&buf, "[LEDGER] ", 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, &buf
}

func TestLedgerAuthorizeUnderCeiling(t *testing.T) {
	st := &fakeStore{}
	l, _ := newTestLedger(t, config.LedgerConfig{DailyCeiling: 10, MonthlyCeiling: 100}, st)

	if err := l.Authorize(context.Background(), "run-1", "alice", false); err != nil {
		t.Fatalf("Authorize under ceiling: %v", err)
	}
	if err := l.Record(context.Background(), Entry{RunID: "run-1", Tokens: 1200, Cost: 3.5}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	totals := l.Totals()
	if totals.DailyCost != 3.5 || totals.DailyTokens != 1200 {
		t.Fatalf("unexpected totals %+v", totals)
	}
	if len(st.entries) != 1 {
		t.Fatalf("expected one persisted entry, got %d", len(st.entries))
	}
}

func TestLedgerWarnsOncePerWindow(t *testing.T) {
	st := &fakeStore{}
	l, buf := newTestLedger(t, config.LedgerConfig{DailyCeiling: 10, WarnRatio: 0.8}, st)

	if err := l.Record(context.Background(), Entry{RunID: "run-1", Cost: 8.5}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Authorize(context.Background(), "run-2", "alice", false); err != nil {
		t.Fatalf("Authorize past warn ratio should still pass: %v", err)
	}
	if err := l.Authorize(context.Background(), "run-3", "alice", false); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if got := strings.Count(buf.String(), "budget warning"); got != 1 {
		t.Fatalf("warning should be logged exactly once per window, got %d:\n%s", got, buf.String())
	}
}

func TestLedgerBlocksAtCeiling(t *testing.T) {
	st := &fakeStore{}
	l, _ := newTestLedger(t, config.LedgerConfig{DailyCeiling: 10}, st)

	if err := l.Record(context.Background(), Entry{RunID: "run-1", Cost: 10}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	err := l.Authorize(context.Background(), "run-2", "alice", false)
	var exceeded ErrExceeded
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected ErrExceeded, got %v", err)
	}
	if exceeded.Period != "daily" || exceeded.Limit != 10 {
		t.Fatalf("unexpected exceeded detail %+v", exceeded)
	}
}

func TestLedgerMonthlyCeilingIndependent(t *testing.T) {
	st := &fakeStore{}
	l, _ := newTestLedger(t, config.LedgerConfig{DailyCeiling: 100, MonthlyCeiling: 20}, st)

	if err := l.Record(context.Background(), Entry{RunID: "run-1", Cost: 20}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	err := l.Authorize(context.Background(), "run-2", "alice", false)
	var exceeded ErrExceeded
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected ErrExceeded, got %v", err)
	}
	if exceeded.Period != "monthly" {
		t.Fatalf("expected monthly breach, got %q", exceeded.Period)
	}
}

func TestLedgerOverrideAllowsAndAudits(t *testing.T) {
	st := &fakeStore{}
	l, buf := newTestLedger(t, config.LedgerConfig{DailyCeiling: 10}, st)

	if err := l.Record(context.Background(), Entry{RunID: "run-1", Cost: 12}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Authorize(context.Background(), "run-2", "alice", true); err != nil {
		t.Fatalf("override should bypass the ceiling: %v", err)
	}
	if len(st.overrides) != 1 {
		t.Fatalf("expected one audit record, got %d", len(st.overrides))
	}
	rec := st.overrides[0]
	if rec.RunID != "run-2" || rec.Actor != "alice" || rec.Period != "daily" || rec.Limit != 10 {
		t.Fatalf("unexpected audit record %+v", rec)
	}
	if !strings.Contains(buf.String(), "budget override by alice") {
		t.Fatalf("override should be logged:\n%s", buf.String())
	}
}

func TestLedgerDailyWindowRollsOver(t *testing.T) {
	st := &fakeStore{}
	l, _ := newTestLedger(t, config.LedgerConfig{DailyCeiling: 10, MonthlyCeiling: 100}, st)

	// Anchor in the future so rollWindows moves forward past real time,
	// mid-month so the day boundary does not cross a month boundary.
	base := time.Date(2030, 6, 10, 12, 0, 0, 0, time.UTC)
	current := base
	l.SetClock(func() time.Time { return current })

	if err := l.Record(context.Background(), Entry{RunID: "run-1", Cost: 10}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Authorize(context.Background(), "run-2", "alice", false); !errors.As(err, new(ErrExceeded)) {
		t.Fatalf("expected ErrExceeded before rollover, got %v", err)
	}

	current = base.Add(24 * time.Hour)
	if err := l.Authorize(context.Background(), "run-3", "alice", false); err != nil {
		t.Fatalf("daily window should reset at day boundary: %v", err)
	}
	totals := l.Totals()
	if totals.DailyCost != 0 {
		t.Fatalf("daily cost should reset, got %f", totals.DailyCost)
	}
	if totals.MonthlyCost != 10 {
		t.Fatalf("monthly cost should carry across days, got %f", totals.MonthlyCost)
	}
}

func TestLedgerReloadsTotalsFromStore(t *testing.T) {
	st := &fakeStore{entries: []Entry{
		{RunID: "old", Cost: 4, Tokens: 900, CreatedAt: time.Now().UTC()},
	}}
	l, _ := newTestLedger(t, config.LedgerConfig{DailyCeiling: 10}, st)

	totals := l.Totals()
	if totals.DailyCost != 4 || totals.DailyTokens != 900 {
		t.Fatalf("totals should be loaded on startup, got %+v", totals)
	}
}

func TestLedgerRecordPropagatesStoreError(t *testing.T) {
	st := &fakeStore{}
	l, _ := newTestLedger(t, config.LedgerConfig{DailyCeiling: 10}, st)
	st.appendErr = errors.New("db down")

	if err := l.Record(context.Background(), Entry{RunID: "run-1", Cost: 1}); err == nil {
		t.Fatalf("expected persist error")
	}
	totals := l.Totals()
	if totals.DailyCost != 0 {
		t.Fatalf("failed append must not count toward totals, got %f", totals.DailyCost)
	}
}
