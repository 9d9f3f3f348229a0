package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/zianansar/proposal-writer-sub006/internal/breaker"
	"github.com/zianansar/proposal-writer-sub006/internal/ledger"
	"github.com/zianansar/proposal-writer-sub006/internal/pipeline"
	"github.com/zianansar/proposal-writer-sub006/internal/style"
)

func setupStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	cleanup := func() { db.Close() }
	return &Store{DB: db}, mock, cleanup
}

func TestLoadProfileFound(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	params := style.NeutralParameters()
	blob, _ := json.Marshal(params)
	updated := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"explicit", "implicit", "combined", "explicit_weight", "implicit_weight",
		"implicit_active", "edited_proposals", "version", "recalibration_needed", "updated_at",
	}).AddRow(blob, blob, blob, 0.7, 0.3, true, 12, int64(4), false, updated)
	mock.ExpectQuery("SELECT explicit, implicit, combined").WithArgs("default").WillReturnRows(rows)

	p, ok, err := st.LoadProfile(context.Background())
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if !ok {
		t.Fatalf("expected a profile")
	}
	if p.ExplicitWeight != 0.7 || p.ImplicitWeight != 0.3 || !p.ImplicitActive {
		t.Fatalf("unexpected weights %+v", p)
	}
	if p.Version != 4 || p.EditedProposals != 12 || p.Category != "default" {
		t.Fatalf("unexpected profile %+v", p)
	}
	if p.Combined != params {
		t.Fatalf("combined parameters not decoded")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLoadProfileMissingIsNotAnError(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT explicit, implicit, combined").WithArgs("default").
		WillReturnRows(sqlmock.NewRows([]string{"explicit"}))

	p, ok, err := st.LoadProfile(context.Background())
	if err != nil {
		t.Fatalf("cold start must not error: %v", err)
	}
	if ok || p != nil {
		t.Fatalf("missing profile should report not-found")
	}
}

func TestLoadProfileFailureWrapsStoreUnavailable(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT explicit, implicit, combined").
		WillReturnError(errors.New("connection reset"))

	_, _, err := st.LoadProfile(context.Background())
	var unavailable pipeline.ErrStoreUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if unavailable.Op != "load_profile" {
		t.Fatalf("unexpected op %q", unavailable.Op)
	}
}

func TestSaveProfileUpserts(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	p := style.Neutral()
	p.Version = 7
	mock.ExpectExec("INSERT INTO style_profiles").
		WithArgs("default", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			p.ExplicitWeight, p.ImplicitWeight, p.ImplicitActive, p.EditedProposals,
			p.Version, p.RecalibrationNeeded, p.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.SaveProfile(context.Background(), p); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAppendEditsUsesOneTransaction(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	entries := []style.EditEntry{
		{ID: "e-1", ProposalID: "p-1", Section: "body", Before: "a", After: "b", CreatedAt: now},
		{ID: "e-2", ProposalID: "p-1", Section: "body", Before: "c", After: "d", CreatedAt: now},
	}

	mock.ExpectBegin()
	stmt := mock.ExpectPrepare("INSERT INTO edit_history")
	for _, e := range entries {
		stmt.ExpectExec().
			WithArgs(e.ID, e.ProposalID, e.Section, e.Before, e.After, e.CreatedAt).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	if err := st.AppendEdits(context.Background(), entries); err != nil {
		t.Fatalf("AppendEdits: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAppendEditsEmptyIsNoOp(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	if err := st.AppendEdits(context.Background(), nil); err != nil {
		t.Fatalf("AppendEdits: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no statements expected: %v", err)
	}
}

func TestRecentEditsReturnsWindowOldestFirst(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "proposal_id", "section", "before_text", "after_text", "created_at"}).
		AddRow("e-1", "p-1", "body", "a", "b", base).
		AddRow("e-2", "p-2", "body", "c", "d", base.Add(time.Minute))
	mock.ExpectQuery("FROM edit_history ORDER BY created_at DESC").WithArgs(100).WillReturnRows(rows)

	out, err := st.RecentEdits(context.Background(), 100)
	if err != nil {
		t.Fatalf("RecentEdits: %v", err)
	}
	if len(out) != 2 || out[0].ID != "e-1" || out[1].ID != "e-2" {
		t.Fatalf("unexpected window %+v", out)
	}
}

func TestReplaceGoldenSamplesDeletesThenInserts(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	samples := []style.GoldenSample{{ID: "g-1", Content: "anchor", UploadedAt: now}}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM golden_samples").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO golden_samples").
		WithArgs("g-1", "anchor", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := st.ReplaceGoldenSamples(context.Background(), samples); err != nil {
		t.Fatalf("ReplaceGoldenSamples: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFeedbackNullablePreferences(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO style_feedback").
		WithArgs("f-1", "r-1", 0.8, nil, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	fb := style.Feedback{ID: "f-1", RunID: "r-1", Rating: 0.8, CreatedAt: now}
	if err := st.AppendFeedback(context.Background(), fb); err != nil {
		t.Fatalf("AppendFeedback: %v", err)
	}

	prefs := style.NeutralParameters()
	blob, _ := json.Marshal(&prefs)
	rows := sqlmock.NewRows([]string{"id", "run_id", "rating", "preferences", "created_at"}).
		AddRow("f-1", "r-1", 0.8, nil, now).
		AddRow("f-2", "r-2", 0.9, blob, now)
	mock.ExpectQuery("FROM style_feedback").WillReturnRows(rows)

	out, err := st.ListFeedback(context.Background())
	if err != nil {
		t.Fatalf("ListFeedback: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(out))
	}
	if out[0].Preferences != nil {
		t.Fatalf("null preferences should decode to nil")
	}
	if out[1].Preferences == nil || *out[1].Preferences != prefs {
		t.Fatalf("preferences not decoded: %+v", out[1])
	}
}

func TestSumLedgerSince(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"coalesce", "coalesce"}).AddRow(12.5, int64(48000))
	mock.ExpectQuery("FROM ledger_entries WHERE created_at >=").WithArgs(since).WillReturnRows(rows)

	cost, tokens, err := st.SumLedgerSince(context.Background(), since)
	if err != nil {
		t.Fatalf("SumLedgerSince: %v", err)
	}
	if cost != 12.5 || tokens != 48000 {
		t.Fatalf("unexpected sums cost=%f tokens=%d", cost, tokens)
	}
}

func TestRecordBudgetOverride(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := ledger.OverrideRecord{
		RunID: "r-1", Actor: "alice", Reason: "explicit budget override",
		Period: "daily", Usage: 11, Limit: 10, CreatedAt: now,
	}
	mock.ExpectExec("INSERT INTO budget_overrides").
		WithArgs(rec.RunID, rec.Actor, rec.Reason, rec.Period, rec.Usage, rec.Limit, rec.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.RecordBudgetOverride(context.Background(), rec); err != nil {
		t.Fatalf("RecordBudgetOverride: %v", err)
	}
}

func TestRecordBreakerOverrideNullUsedAt(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	issued := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO breaker_overrides").
		WithArgs("tok-1", issued, nil, false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ev := breaker.OverrideEvent{Token: "tok-1", IssuedAt: issued}
	if err := st.RecordBreakerOverride(context.Background(), ev); err != nil {
		t.Fatalf("RecordBreakerOverride: %v", err)
	}
}

func TestSaveRunAndGetRunRoundTrip(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	run := &pipeline.PipelineRun{
		ID:        "r-1",
		Requester: "alice",
		Status:    pipeline.RunCompleted,
		Stages: []pipeline.StageResult{
			{Stage: pipeline.StageGenerate, Outcome: pipeline.OutcomeSuccess},
		},
		Draft:      "the draft",
		RiskFlags:  []pipeline.RiskSpan{{Start: 1, End: 4, Reason: "overcommitment"}},
		TokensUsed: 320,
		Cost:       0.02,
		StartedAt:  started,
		FinishedAt: started.Add(3 * time.Second),
	}

	mock.ExpectExec("INSERT INTO runs").
		WithArgs(run.ID, run.Requester, "completed", sqlmock.AnyArg(), run.Draft, sqlmock.AnyArg(),
			false, run.TokensUsed, run.Cost, run.StartedAt, run.FinishedAt, "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := st.SaveRun(context.Background(), run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	stages, _ := json.Marshal(run.Stages)
	risk, _ := json.Marshal(run.RiskFlags)
	rows := sqlmock.NewRows([]string{
		"id", "requester", "status", "stages", "draft", "risk_flags", "default_voice",
		"tokens_used", "cost", "started_at", "finished_at", "error",
	}).AddRow(run.ID, run.Requester, "completed", stages, run.Draft, risk, false,
		run.TokensUsed, run.Cost, run.StartedAt, run.FinishedAt, "")
	mock.ExpectQuery("FROM runs WHERE id =").WithArgs("r-1").WillReturnRows(rows)

	got, ok, err := st.GetRun(context.Background(), "r-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if !ok {
		t.Fatalf("expected run")
	}
	if got.Status != pipeline.RunCompleted || got.Draft != "the draft" {
		t.Fatalf("unexpected run %+v", got)
	}
	if len(got.Stages) != 1 || got.Stages[0].Stage != pipeline.StageGenerate {
		t.Fatalf("stages not decoded: %+v", got.Stages)
	}
	if len(got.RiskFlags) != 1 || got.RiskFlags[0].Reason != "overcommitment" {
		t.Fatalf("risk flags not decoded: %+v", got.RiskFlags)
	}
}

func TestGetRunNotFound(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectQuery("FROM runs WHERE id =").WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, ok, err := st.GetRun(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if ok {
		t.Fatalf("missing run should report not-found")
	}
}
