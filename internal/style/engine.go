package style

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/zianansar/proposal-writer-sub006/config"
	"github.com/zianansar/proposal-writer-sub006/internal/events"
)

// Store is the persistence surface the engine needs. All writes are expected
// to be atomic per call; the engine is the sole writer of the profile.
type Store interface {
	LoadProfile(ctx context.Context) (*Profile, bool, error)
	SaveProfile(ctx context.Context, p *Profile) error
	AppendEdits(ctx context.Context, entries []EditEntry) error
	RecentEdits(ctx context.Context, limit int) ([]EditEntry, error)
	ReplaceGoldenSamples(ctx context.Context, samples []GoldenSample) error
	ListGoldenSamples(ctx context.Context) ([]GoldenSample, error)
	AppendFeedback(ctx context.Context, fb Feedback) error
	ListFeedback(ctx context.Context) ([]Feedback, error)
}

const maxGoldenSamples = 5

// Engine aggregates explicit and implicit signals into a single style
// profile. Recompute runs off the orchestrator's hot path, triggered by
// run-completed events or direct feedback calls.
type Engine struct {
	cfg    config.StyleConfig
	store  Store
	logger *log.Logger
	now    func() time.Time
}

// NewEngine creates a learning engine. The clock is injectable for tests.
func NewEngine(cfg config.StyleConfig, store Store, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[STYLE] ", log.LstdFlags)
	}
	return &Engine{cfg: cfg.Normalize(), store: store, logger: logger, now: time.Now}
}

// SetClock overrides the engine clock. Tests only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// LoadStatus reports how the profile served for a generation was obtained.
type LoadStatus struct {
	// Neutral is set whenever built-in defaults were served instead of a
	// learned profile.
	Neutral bool
	// Degraded is set only when the store read failed. A cold start with no
	// stored profile is Neutral but not Degraded.
	Degraded bool
}

// LoadForGeneration returns the current profile for the orchestrator's
// load-style-profile stage. A missing profile is a cold start, not an error:
// neutral defaults are served and marked as such. A failed store read also
// serves neutral defaults but additionally reports Degraded.
func (e *Engine) LoadForGeneration(ctx context.Context) (*Profile, LoadStatus, error) {
	p, ok, err := e.store.LoadProfile(ctx)
	if err != nil {
		e.logger.Printf("profile load failed, serving neutral defaults: %v", err)
		return Neutral(), LoadStatus{Neutral: true, Degraded: true}, nil
	}
	if !ok {
		return Neutral(), LoadStatus{Neutral: true}, nil
	}
	return p, LoadStatus{}, nil
}

// RecordEdits derives sentence diffs between a delivered draft and the user's
// edited version, appends them to the rolling history and recomputes.
func (e *Engine) RecordEdits(ctx context.Context, proposalID, section, draft, edited string) (*Profile, error) {
	diffs := SentenceDiffs(draft, edited)
	if len(diffs) == 0 {
		return e.Recompute(ctx)
	}
	now := e.now().UTC()
	entries := make([]EditEntry, 0, len(diffs))
	for _, d := range diffs {
		entries = append(entries, EditEntry{
			ID:         uuid.NewString(),
			ProposalID: proposalID,
			Section:    section,
			Before:     d[0],
			After:      d[1],
			CreatedAt:  now,
		})
	}
	if err := e.store.AppendEdits(ctx, entries); err != nil {
		return nil, fmt.Errorf("append edits: %w", err)
	}
	return e.Recompute(ctx)
}

// RecordFeedback stores an explicit rating/preference signal and recomputes.
func (e *Engine) RecordFeedback(ctx context.Context, fb Feedback) (*Profile, error) {
	if fb.Rating < 0 || fb.Rating > 1 {
		return nil, fmt.Errorf("rating must be within [0,1], got %v", fb.Rating)
	}
	if fb.ID == "" {
		fb.ID = uuid.NewString()
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = e.now().UTC()
	}
	if err := e.store.AppendFeedback(ctx, fb); err != nil {
		return nil, fmt.Errorf("append feedback: %w", err)
	}
	return e.Recompute(ctx)
}

// SetGoldenSamples replaces the anchor set wholesale and recomputes.
func (e *Engine) SetGoldenSamples(ctx context.Context, samples []GoldenSample) (*Profile, error) {
	if len(samples) > maxGoldenSamples {
		return nil, fmt.Errorf("at most %d golden samples allowed, got %d", maxGoldenSamples, len(samples))
	}
	now := e.now().UTC()
	for i := range samples {
		if samples[i].ID == "" {
			samples[i].ID = uuid.NewString()
		}
		if samples[i].UploadedAt.IsZero() {
			samples[i].UploadedAt = now
		}
	}
	if err := e.store.ReplaceGoldenSamples(ctx, samples); err != nil {
		return nil, fmt.Errorf("replace golden samples: %w", err)
	}
	return e.Recompute(ctx)
}

// Recompute rebuilds the combined profile from the full explicit history and
// the capped implicit window, then persists it. Given identical inputs the
// result is identical: inputs are sorted on stable keys and decay ages are
// measured against the newest entry, not the wall clock.
func (e *Engine) Recompute(ctx context.Context) (*Profile, error) {
	feedback, err := e.store.ListFeedback(ctx)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	golden, err := e.store.ListGoldenSamples(ctx)
	if err != nil {
		return nil, fmt.Errorf("list golden samples: %w", err)
	}
	edits, err := e.store.RecentEdits(ctx, e.cfg.HistoryCap)
	if err != nil {
		return nil, fmt.Errorf("list edits: %w", err)
	}

	prev, _, err := e.store.LoadProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	next := e.aggregate(feedback, golden, edits)
	if prev != nil {
		next.Version = prev.Version + 1
		next.Category = prev.Category
	} else {
		next.Version = 1
		next.Category = "default"
	}
	next.UpdatedAt = e.now().UTC()

	if err := e.store.SaveProfile(ctx, next); err != nil {
		return nil, fmt.Errorf("save profile: %w", err)
	}
	if next.RecalibrationNeeded {
		e.logger.Printf("profile v%d drifted beyond golden anchors, recalibration advised", next.Version)
	}
	return next, nil
}

func (e *Engine) aggregate(feedback []Feedback, golden []GoldenSample, edits []EditEntry) *Profile {
	p := Neutral()

	p.Explicit = explicitParameters(feedback, golden)

	// Implicit signal activates only past the edited-proposal threshold.
	trimmed := capWindow(edits, e.cfg.HistoryCap)
	proposals := make(map[string]struct{}, len(trimmed))
	for _, entry := range trimmed {
		proposals[entry.ProposalID] = struct{}{}
	}
	p.EditedProposals = len(proposals)
	if p.EditedProposals >= e.cfg.ImplicitThreshold {
		p.Implicit = e.implicitParameters(trimmed)
		p.ImplicitActive = true
		p.ExplicitWeight = 0.7
		p.ImplicitWeight = 0.3
	} else {
		p.Implicit = NeutralParameters()
		p.ImplicitActive = false
		p.ExplicitWeight = 1.0
		p.ImplicitWeight = 0.0
	}

	p.Combined = Blend(p.Explicit, p.ExplicitWeight, p.Implicit, p.ImplicitWeight)

	// Drift guard: advisory only. The profile stays usable either way.
	if len(golden) > 0 {
		anchor := goldenParameters(golden)
		dist := Distance(p.Combined, anchor)
		sigma := p.Combined.StdDev()
		if sigma > 0 && dist > e.cfg.DriftSigma*sigma {
			p.RecalibrationNeeded = true
		}
	}
	return p
}

func explicitParameters(feedback []Feedback, golden []GoldenSample) Parameters {
	type weighted struct {
		params Parameters
		weight float64
	}
	var obs []weighted
	for _, g := range golden {
		obs = append(obs, weighted{DeriveParameters(g.Content), 1.0})
	}
	sorted := make([]Feedback, len(feedback))
	copy(sorted, feedback)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	for _, fb := range sorted {
		if fb.Preferences == nil {
			continue
		}
		w := fb.Rating
		if w == 0 {
			w = 0.5
		}
		obs = append(obs, weighted{*fb.Preferences, w})
	}
	if len(obs) == 0 {
		return NeutralParameters()
	}
	acc := make([]float64, 8)
	var total float64
	for _, o := range obs {
		v := o.params.Vector()
		for i := range acc {
			acc[i] += o.weight * v[i]
		}
		total += o.weight
	}
	for i := range acc {
		acc[i] /= total
	}
	return fromVector(acc)
}

func goldenParameters(golden []GoldenSample) Parameters {
	acc := make([]float64, 8)
	for _, g := range golden {
		v := DeriveParameters(g.Content).Vector()
		for i := range acc {
			acc[i] += v[i]
		}
	}
	for i := range acc {
		acc[i] /= float64(len(golden))
	}
	return fromVector(acc)
}

// implicitParameters aggregates the capped edit window with exponential time
// decay. Ages are measured against the newest entry so the aggregation is a
// pure function of the window contents.
func (e *Engine) implicitParameters(edits []EditEntry) Parameters {
	if len(edits) == 0 {
		return NeutralParameters()
	}
	var newest time.Time
	for _, entry := range edits {
		if entry.CreatedAt.After(newest) {
			newest = entry.CreatedAt
		}
	}
	half := e.cfg.DecayHalfLife.Hours()
	acc := make([]float64, 8)
	var total float64
	for _, entry := range edits {
		age := newest.Sub(entry.CreatedAt).Hours()
		w := math.Pow(0.5, age/half)
		v := DeriveParameters(entry.After).Vector()
		for i := range acc {
			acc[i] += w * v[i]
		}
		total += w
	}
	for i := range acc {
		acc[i] /= total
	}
	return fromVector(acc)
}

// capWindow keeps only the most recent entries, sorted newest-last on a
// stable (CreatedAt, ID) key. Entries beyond the cap are dropped before
// aggregation, never included.
func capWindow(edits []EditEntry, cap int) []EditEntry {
	sorted := make([]EditEntry, len(edits))
	copy(sorted, edits)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	if len(sorted) > cap {
		sorted = sorted[len(sorted)-cap:]
	}
	return sorted
}

// Run consumes pipeline events and recomputes the profile after each
// completed run. It returns when the context is done or the channel closes.
// Recompute failures are logged and skipped; the next event retries.
func (e *Engine) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			rc, isCompleted := ev.(events.RunCompleted)
			if !isCompleted {
				continue
			}
			if _, err := e.Recompute(ctx); err != nil {
				e.logger.Printf("recompute after run %s failed: %v", rc.RunID, err)
			}
		}
	}
}
