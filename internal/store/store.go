// Package store is the Postgres persistence layer: style profiles, edit
// history, golden samples, feedback, the cost ledger, override audit records
// and terminal run records.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"

	"github.com/zianansar/proposal-writer-sub006/internal/breaker"
	"github.com/zianansar/proposal-writer-sub006/internal/ledger"
	"github.com/zianansar/proposal-writer-sub006/internal/pipeline"
	"github.com/zianansar/proposal-writer-sub006/internal/style"
)

type Store struct {
	DB *sql.DB
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return pipeline.ErrStoreUnavailable{Op: op, Cause: err}
}

// --- style.Store ---

const profileCategory = "default"

func (s *Store) LoadProfile(ctx context.Context) (*style.Profile, bool, error) {
	var (
		explicit, implicit, combined []byte
		p                            style.Profile
	)
	err := s.DB.QueryRowContext(ctx, `
        SELECT explicit, implicit, combined, explicit_weight, implicit_weight,
               implicit_active, edited_proposals, version, recalibration_needed, updated_at
        FROM style_profiles WHERE category = $1`, profileCategory).Scan(
		&explicit, &implicit, &combined, &p.ExplicitWeight, &p.ImplicitWeight,
		&p.ImplicitActive, &p.EditedProposals, &p.Version, &p.RecalibrationNeeded, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storeErr("load_profile", err)
	}
	p.Category = profileCategory
	if err := json.Unmarshal(explicit, &p.Explicit); err != nil {
		return nil, false, storeErr("load_profile", err)
	}
	if err := json.Unmarshal(implicit, &p.Implicit); err != nil {
		return nil, false, storeErr("load_profile", err)
	}
	if err := json.Unmarshal(combined, &p.Combined); err != nil {
		return nil, false, storeErr("load_profile", err)
	}
	return &p, true, nil
}

func (s *Store) SaveProfile(ctx context.Context, p *style.Profile) error {
	explicit, err := json.Marshal(p.Explicit)
	if err != nil {
		return storeErr("save_profile", err)
	}
	implicit, err := json.Marshal(p.Implicit)
	if err != nil {
		return storeErr("save_profile", err)
	}
	combined, err := json.Marshal(p.Combined)
	if err != nil {
		return storeErr("save_profile", err)
	}
	_, err = s.DB.ExecContext(ctx, `
        INSERT INTO style_profiles
            (category, explicit, implicit, combined, explicit_weight, implicit_weight,
             implicit_active, edited_proposals, version, recalibration_needed, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        ON CONFLICT (category) DO UPDATE SET
            explicit = EXCLUDED.explicit,
            implicit = EXCLUDED.implicit,
            combined = EXCLUDED.combined,
            explicit_weight = EXCLUDED.explicit_weight,
            implicit_weight = EXCLUDED.implicit_weight,
            implicit_active = EXCLUDED.implicit_active,
            edited_proposals = EXCLUDED.edited_proposals,
            version = EXCLUDED.version,
            recalibration_needed = EXCLUDED.recalibration_needed,
            updated_at = EXCLUDED.updated_at`,
		profileCategory, explicit, implicit, combined, p.ExplicitWeight, p.ImplicitWeight,
		p.ImplicitActive, p.EditedProposals, p.Version, p.RecalibrationNeeded, p.UpdatedAt)
	return storeErr("save_profile", err)
}

func (s *Store) AppendEdits(ctx context.Context, entries []style.EditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("append_edits", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO edit_history (id, proposal_id, section, before_text, after_text, created_at)
        VALUES ($1,$2,$3,$4,$5,$6)`)
	if err != nil {
		return storeErr("append_edits", err)
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.ID, e.ProposalID, e.Section, e.Before, e.After, e.CreatedAt); err != nil {
			return storeErr("append_edits", err)
		}
	}
	return storeErr("append_edits", tx.Commit())
}

func (s *Store) RecentEdits(ctx context.Context, limit int) ([]style.EditEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `
        SELECT id, proposal_id, section, before_text, after_text, created_at
        FROM (
            SELECT * FROM edit_history ORDER BY created_at DESC, id DESC LIMIT $1
        ) latest ORDER BY created_at ASC, id ASC`, limit)
	if err != nil {
		return nil, storeErr("recent_edits", err)
	}
	defer rows.Close()
	var out []style.EditEntry
	for rows.Next() {
		var e style.EditEntry
		if err := rows.Scan(&e.ID, &e.ProposalID, &e.Section, &e.Before, &e.After, &e.CreatedAt); err != nil {
			return nil, storeErr("recent_edits", err)
		}
		out = append(out, e)
	}
	return out, storeErr("recent_edits", rows.Err())
}

func (s *Store) ReplaceGoldenSamples(ctx context.Context, samples []style.GoldenSample) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("replace_golden_samples", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM golden_samples`); err != nil {
		return storeErr("replace_golden_samples", err)
	}
	for _, g := range samples {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO golden_samples (id, content, uploaded_at) VALUES ($1,$2,$3)`,
			g.ID, g.Content, g.UploadedAt); err != nil {
			return storeErr("replace_golden_samples", err)
		}
	}
	return storeErr("replace_golden_samples", tx.Commit())
}

func (s *Store) ListGoldenSamples(ctx context.Context) ([]style.GoldenSample, error) {
	rows, err := s.DB.QueryContext(ctx, `
        SELECT id, content, uploaded_at FROM golden_samples ORDER BY uploaded_at ASC, id ASC`)
	if err != nil {
		return nil, storeErr("list_golden_samples", err)
	}
	defer rows.Close()
	var out []style.GoldenSample
	for rows.Next() {
		var g style.GoldenSample
		if err := rows.Scan(&g.ID, &g.Content, &g.UploadedAt); err != nil {
			return nil, storeErr("list_golden_samples", err)
		}
		out = append(out, g)
	}
	return out, storeErr("list_golden_samples", rows.Err())
}

func (s *Store) AppendFeedback(ctx context.Context, fb style.Feedback) error {
	var prefs any
	if fb.Preferences != nil {
		b, err := json.Marshal(fb.Preferences)
		if err != nil {
			return storeErr("append_feedback", err)
		}
		prefs = b
	}
	_, err := s.DB.ExecContext(ctx, `
        INSERT INTO style_feedback (id, run_id, rating, preferences, created_at)
        VALUES ($1,$2,$3,$4,$5)`, fb.ID, fb.RunID, fb.Rating, prefs, fb.CreatedAt)
	return storeErr("append_feedback", err)
}

func (s *Store) ListFeedback(ctx context.Context) ([]style.Feedback, error) {
	rows, err := s.DB.QueryContext(ctx, `
        SELECT id, run_id, rating, preferences, created_at
        FROM style_feedback ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, storeErr("list_feedback", err)
	}
	defer rows.Close()
	var out []style.Feedback
	for rows.Next() {
		var fb style.Feedback
		var prefs []byte
		if err := rows.Scan(&fb.ID, &fb.RunID, &fb.Rating, &prefs, &fb.CreatedAt); err != nil {
			return nil, storeErr("list_feedback", err)
		}
		if len(prefs) > 0 {
			var p style.Parameters
			if err := json.Unmarshal(prefs, &p); err != nil {
				return nil, storeErr("list_feedback", err)
			}
			fb.Preferences = &p
		}
		out = append(out, fb)
	}
	return out, storeErr("list_feedback", rows.Err())
}

// --- ledger.Store ---

func (s *Store) AppendLedgerEntry(ctx context.Context, e ledger.Entry) error {
	_, err := s.DB.ExecContext(ctx, `
        INSERT INTO ledger_entries (run_id, tokens, cost, created_at)
        VALUES ($1,$2,$3,$4)`, e.RunID, e.Tokens, e.Cost, e.CreatedAt)
	return storeErr("append_ledger_entry", err)
}

func (s *Store) SumLedgerSince(ctx context.Context, since time.Time) (float64, int64, error) {
	var cost float64
	var tokens int64
	err := s.DB.QueryRowContext(ctx, `
        SELECT COALESCE(SUM(cost),0), COALESCE(SUM(tokens),0)
        FROM ledger_entries WHERE created_at >= $1`, since).Scan(&cost, &tokens)
	return cost, tokens, storeErr("sum_ledger_since", err)
}

func (s *Store) RecordBudgetOverride(ctx context.Context, rec ledger.OverrideRecord) error {
	_, err := s.DB.ExecContext(ctx, `
        INSERT INTO budget_overrides (run_id, actor, reason, period, usage, budget_limit, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		rec.RunID, rec.Actor, rec.Reason, rec.Period, rec.Usage, rec.Limit, rec.CreatedAt)
	return storeErr("record_budget_override", err)
}

// RecordBreakerOverride persists the lifecycle of a global-pause override
// token. Issue and consumption each produce one row.
func (s *Store) RecordBreakerOverride(ctx context.Context, ev breaker.OverrideEvent) error {
	var usedAt *time.Time
	if !ev.UsedAt.IsZero() {
		usedAt = &ev.UsedAt
	}
	_, err := s.DB.ExecContext(ctx, `
        INSERT INTO breaker_overrides (token, issued_at, used_at, consumed)
        VALUES ($1,$2,$3,$4)`, ev.Token, ev.IssuedAt, usedAt, ev.Consumed)
	return storeErr("record_breaker_override", err)
}

// --- run records ---

func (s *Store) SaveRun(ctx context.Context, run *pipeline.PipelineRun) error {
	stages, err := json.Marshal(run.Stages)
	if err != nil {
		return storeErr("save_run", err)
	}
	risk, err := json.Marshal(run.RiskFlags)
	if err != nil {
		return storeErr("save_run", err)
	}
	_, err = s.DB.ExecContext(ctx, `
        INSERT INTO runs
            (id, requester, status, stages, draft, risk_flags, default_voice,
             tokens_used, cost, started_at, finished_at, error)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
        ON CONFLICT (id) DO UPDATE SET
            status = EXCLUDED.status,
            stages = EXCLUDED.stages,
            draft = EXCLUDED.draft,
            risk_flags = EXCLUDED.risk_flags,
            default_voice = EXCLUDED.default_voice,
            tokens_used = EXCLUDED.tokens_used,
            cost = EXCLUDED.cost,
            finished_at = EXCLUDED.finished_at,
            error = EXCLUDED.error`,
		run.ID, run.Requester, string(run.Status), stages, run.Draft, risk, run.DefaultVoice,
		run.TokensUsed, run.Cost, run.StartedAt, run.FinishedAt, run.Error)
	return storeErr("save_run", err)
}

func (s *Store) GetRun(ctx context.Context, id string) (pipeline.PipelineRun, bool, error) {
	var (
		run          pipeline.PipelineRun
		status       string
		stages, risk []byte
	)
	err := s.DB.QueryRowContext(ctx, `
        SELECT id, requester, status, stages, draft, risk_flags, default_voice,
               tokens_used, cost, started_at, finished_at, error
        FROM runs WHERE id = $1`, id).Scan(
		&run.ID, &run.Requester, &status, &stages, &run.Draft, &risk, &run.DefaultVoice,
		&run.TokensUsed, &run.Cost, &run.StartedAt, &run.FinishedAt, &run.Error)
	if err == sql.ErrNoRows {
		return pipeline.PipelineRun{}, false, nil
	}
	if err != nil {
		return pipeline.PipelineRun{}, false, storeErr("get_run", err)
	}
	run.Status = pipeline.RunStatus(status)
	if err := json.Unmarshal(stages, &run.Stages); err != nil {
		return pipeline.PipelineRun{}, false, storeErr("get_run", err)
	}
	if err := json.Unmarshal(risk, &run.RiskFlags); err != nil {
		return pipeline.PipelineRun{}, false, storeErr("get_run", err)
	}
	return run, true, nil
}

func (s *Store) ListRuns(ctx context.Context, requester string, limit int) ([]pipeline.PipelineRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
        SELECT id, requester, status, tokens_used, cost, started_at, finished_at, error
        FROM runs WHERE ($1 = '' OR requester = $1)
        ORDER BY started_at DESC LIMIT $2`, requester, limit)
	if err != nil {
		return nil, storeErr("list_runs", err)
	}
	defer rows.Close()
	var out []pipeline.PipelineRun
	for rows.Next() {
		var run pipeline.PipelineRun
		var status string
		if err := rows.Scan(&run.ID, &run.Requester, &status, &run.TokensUsed, &run.Cost,
			&run.StartedAt, &run.FinishedAt, &run.Error); err != nil {
			return nil, storeErr("list_runs", err)
		}
		run.Status = pipeline.RunStatus(status)
		out = append(out, run)
	}
	return out, storeErr("list_runs", rows.Err())
}

var (
	_ style.Store       = (*Store)(nil)
	_ ledger.Store      = (*Store)(nil)
	_ pipeline.RunStore = (*Store)(nil)
)
