package store_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/zianansar/proposal-writer-sub006/internal/ledger"
	"github.com/zianansar/proposal-writer-sub006/internal/pipeline"
	"github.com/zianansar/proposal-writer-sub006/internal/store"
	"github.com/zianansar/proposal-writer-sub006/internal/style"
)

func TestStoreRoundTrips(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("proposals"),
		tcPostgres.WithUsername("proposals"),
		tcPostgres.WithPassword("proposals"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://proposals:proposals@%s:%s/proposals?sslmode=disable", host, port.Port())
	if err := applyMigrations(ctx, dsn); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	defer st.Close()

	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("profile", func(t *testing.T) {
		if _, ok, err := st.LoadProfile(ctx); err != nil || ok {
			t.Fatalf("empty table should report not-found: ok=%v err=%v", ok, err)
		}
		p := style.Neutral()
		p.Version = 1
		p.EditedProposals = 3
		p.UpdatedAt = now
		if err := st.SaveProfile(ctx, p); err != nil {
			t.Fatalf("SaveProfile: %v", err)
		}
		p.Version = 2
		p.ExplicitWeight, p.ImplicitWeight, p.ImplicitActive = 0.7, 0.3, true
		if err := st.SaveProfile(ctx, p); err != nil {
			t.Fatalf("SaveProfile upsert: %v", err)
		}
		got, ok, err := st.LoadProfile(ctx)
		if err != nil || !ok {
			t.Fatalf("LoadProfile: ok=%v err=%v", ok, err)
		}
		if got.Version != 2 || got.ExplicitWeight != 0.7 || !got.ImplicitActive {
			t.Fatalf("upsert not applied: %+v", got)
		}
	})

	t.Run("edits window", func(t *testing.T) {
		var entries []style.EditEntry
		for i := 0; i < 6; i++ {
			entries = append(entries, style.EditEntry{
				ID:         fmt.Sprintf("e-%02d", i),
				ProposalID: fmt.Sprintf("p-%02d", i),
				Section:    "body",
				Before:     "before",
				After:      "after",
				CreatedAt:  now.Add(time.Duration(i) * time.Minute),
			})
		}
		if err := st.AppendEdits(ctx, entries); err != nil {
			t.Fatalf("AppendEdits: %v", err)
		}
		window, err := st.RecentEdits(ctx, 4)
		if err != nil {
			t.Fatalf("RecentEdits: %v", err)
		}
		if len(window) != 4 {
			t.Fatalf("window should be bounded, got %d", len(window))
		}
		if window[0].ID != "e-02" || window[3].ID != "e-05" {
			t.Fatalf("window should keep the newest entries oldest-first: %+v", window)
		}
	})

	t.Run("golden samples", func(t *testing.T) {
		first := []style.GoldenSample{{ID: "g-1", Content: "anchor one", UploadedAt: now}}
		if err := st.ReplaceGoldenSamples(ctx, first); err != nil {
			t.Fatalf("ReplaceGoldenSamples: %v", err)
		}
		second := []style.GoldenSample{
			{ID: "g-2", Content: "anchor two", UploadedAt: now.Add(time.Minute)},
			{ID: "g-3", Content: "anchor three", UploadedAt: now.Add(2 * time.Minute)},
		}
		if err := st.ReplaceGoldenSamples(ctx, second); err != nil {
			t.Fatalf("ReplaceGoldenSamples: %v", err)
		}
		got, err := st.ListGoldenSamples(ctx)
		if err != nil {
			t.Fatalf("ListGoldenSamples: %v", err)
		}
		if len(got) != 2 || got[0].ID != "g-2" {
			t.Fatalf("replacement is wholesale: %+v", got)
		}
	})

	t.Run("ledger", func(t *testing.T) {
		entries := []ledger.Entry{
			{RunID: "r-1", Tokens: 1000, Cost: 0.5, CreatedAt: now.Add(-48 * time.Hour)},
			{RunID: "r-2", Tokens: 2000, Cost: 1.5, CreatedAt: now},
		}
		for _, e := range entries {
			if err := st.AppendLedgerEntry(ctx, e); err != nil {
				t.Fatalf("AppendLedgerEntry: %v", err)
			}
		}
		cost, tokens, err := st.SumLedgerSince(ctx, now.Add(-time.Hour))
		if err != nil {
			t.Fatalf("SumLedgerSince: %v", err)
		}
		if cost != 1.5 || tokens != 2000 {
			t.Fatalf("window sum should exclude old entries: cost=%f tokens=%d", cost, tokens)
		}
		if err := st.RecordBudgetOverride(ctx, ledger.OverrideRecord{
			RunID: "r-2", Actor: "alice", Reason: "explicit budget override",
			Period: "daily", Usage: 11, Limit: 10, CreatedAt: now,
		}); err != nil {
			t.Fatalf("RecordBudgetOverride: %v", err)
		}
	})

	t.Run("runs", func(t *testing.T) {
		run := &pipeline.PipelineRun{
			ID:        "run-1",
			Requester: "alice",
			Status:    pipeline.RunRunning,
			StartedAt: now,
		}
		if err := st.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun: %v", err)
		}
		run.Status = pipeline.RunCompleted
		run.Draft = "final draft"
		run.Stages = []pipeline.StageResult{{Stage: pipeline.StageGenerate, Outcome: pipeline.OutcomeSuccess}}
		run.RiskFlags = []pipeline.RiskSpan{{Start: 0, End: 5, Reason: "overcommitment"}}
		run.TokensUsed = 320
		run.Cost = 0.02
		run.FinishedAt = now.Add(3 * time.Second)
		if err := st.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun upsert: %v", err)
		}

		got, ok, err := st.GetRun(ctx, "run-1")
		if err != nil || !ok {
			t.Fatalf("GetRun: ok=%v err=%v", ok, err)
		}
		if got.Status != pipeline.RunCompleted || got.Draft != "final draft" {
			t.Fatalf("upsert not applied: %+v", got)
		}
		if len(got.Stages) != 1 || len(got.RiskFlags) != 1 {
			t.Fatalf("JSONB columns not round-tripped: %+v", got)
		}

		list, err := st.ListRuns(ctx, "alice", 10)
		if err != nil {
			t.Fatalf("ListRuns: %v", err)
		}
		if len(list) != 1 || list[0].ID != "run-1" {
			t.Fatalf("unexpected listing %+v", list)
		}
		if list, err = st.ListRuns(ctx, "bob", 10); err != nil || len(list) != 0 {
			t.Fatalf("requester filter broken: %v %+v", err, list)
		}
	})
}

func applyMigrations(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	path := filepath.Join("..", "..", "migrations", "0001_init.up.sql")
	schemaSQL, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := db.ExecContext(ctx, string(schemaSQL)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}
