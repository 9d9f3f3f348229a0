package pipeline

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/zianansar/proposal-writer-sub006/config"
	"github.com/zianansar/proposal-writer-sub006/internal/breaker"
	"github.com/zianansar/proposal-writer-sub006/internal/events"
	"github.com/zianansar/proposal-writer-sub006/internal/ledger"
	"github.com/zianansar/proposal-writer-sub006/internal/promptbuild"
	"github.com/zianansar/proposal-writer-sub006/internal/telemetry"
)

// RunStore persists terminal run records.
type RunStore interface {
	SaveRun(ctx context.Context, run *PipelineRun) error
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Parser    JobParser
	Scanner   RiskScanner
	Generator Generator
	Styles    StyleSource
	Templates TemplateSource
	Ledger    *ledger.Ledger
	Breakers  *breaker.Set
	Bus       *events.Bus
	Telemetry *telemetry.Telemetry
	Store     RunStore
}

// Orchestrator drives proposal generation runs through the five-stage
// pipeline. Each run is owned by a single goroutine; shared maps are guarded
// by mu.
type Orchestrator struct {
	cfg       config.PipelineConfig
	parser    JobParser
	scanner   RiskScanner
	generator Generator
	styles    StyleSource
	templates TemplateSource
	builder   *promptbuild.Builder
	ledger    *ledger.Ledger
	breakers  *breaker.Set
	bus       *events.Bus
	metrics   *telemetry.Telemetry
	store     RunStore
	tracer    trace.Tracer
	logger    *log.Logger
	now       func() time.Time

	sem chan struct{}

	mu       sync.Mutex
	runs     map[string]*PipelineRun
	cancels  map[string]context.CancelFunc
	limiters map[string]*rate.Limiter
}

// New creates an orchestrator.
func New(cfg config.PipelineConfig, promptCfg config.PromptConfig, deps Deps) *Orchestrator {
	cfg = cfg.Normalize()
	return &Orchestrator{
		cfg:       cfg,
		parser:    deps.Parser,
		scanner:   deps.Scanner,
		generator: deps.Generator,
		styles:    deps.Styles,
		templates: deps.Templates,
		builder:   promptbuild.New(promptCfg),
		ledger:    deps.Ledger,
		breakers:  deps.Breakers,
		bus:       deps.Bus,
		metrics:   deps.Telemetry,
		store:     deps.Store,
		tracer:    otel.Tracer("pipeline"),
		logger:    log.New(log.Writer(), "[ORCH] ", log.LstdFlags),
		now:       time.Now,
		sem:       make(chan struct{}, cfg.MaxConcurrency),
		runs:      make(map[string]*PipelineRun),
		cancels:   make(map[string]context.CancelFunc),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// SetClock overrides time for tests.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// Submit validates and enqueues a generation request. It returns the run ID
// immediately; the run executes asynchronously.
func (o *Orchestrator) Submit(ctx context.Context, req GenerationRequest) (string, error) {
	if strings.TrimSpace(req.Requester) == "" {
		return "", ErrValidation{Field: "requester", Reason: "must not be empty"}
	}
	if strings.TrimSpace(req.JobInput) == "" {
		return "", ErrValidation{Field: "job_input", Reason: "must not be empty"}
	}

	if wait, ok := o.reserveSlot(req.Requester); !ok {
		return "", ErrCooldown{Requester: req.Requester, Wait: wait}
	}

	if allowed, retryAfter := o.breakers.Global().AllowSubmission(req.BreakerToken); !allowed {
		o.metrics.RecordBreakerRejection("global")
		return "", ErrCircuitOpen{Scope: "global", RetryAfter: retryAfter}
	}

	run := &PipelineRun{
		ID:        uuid.NewString(),
		Requester: req.Requester,
		Status:    RunQueued,
		StartedAt: o.now(),
	}

	// Runs outlive the submitting request, so execution detaches from ctx.
	runCtx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	o.runs[run.ID] = run
	o.cancels[run.ID] = cancel
	o.mu.Unlock()

	go o.execute(runCtx, run, req)
	return run.ID, nil
}

// reserveSlot enforces the per-requester cooldown. One token refills per
// cooldown interval.
func (o *Orchestrator) reserveSlot(requester string) (time.Duration, bool) {
	o.mu.Lock()
	lim, ok := o.limiters[requester]
	if !ok {
		lim = rate.NewLimiter(rate.Every(o.cfg.Cooldown), 1)
		o.limiters[requester] = lim
	}
	o.mu.Unlock()

	r := lim.Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return delay, false
	}
	return 0, true
}

// Cancel requests cooperative cancellation of a run. Partial output already
// streamed stays on the run record.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	run, ok := o.runs[runID]
	if !ok {
		return ErrValidation{Field: "run_id", Reason: "unknown run"}
	}
	if run.Status.Terminal() {
		return ErrValidation{Field: "run_id", Reason: "run already finished"}
	}
	if cancel, ok := o.cancels[runID]; ok {
		cancel()
	}
	return nil
}

// Run returns a snapshot of a run record.
func (o *Orchestrator) Run(runID string) (PipelineRun, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run, ok := o.runs[runID]
	if !ok {
		return PipelineRun{}, false
	}
	snap := *run
	snap.Stages = append([]StageResult(nil), run.Stages...)
	snap.RiskFlags = append([]RiskSpan(nil), run.RiskFlags...)
	return snap, true
}

func (o *Orchestrator) execute(ctx context.Context, run *PipelineRun, req GenerationRequest) {
	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		o.finish(ctx, run, RunCancelled, ErrCancelled{RunID: run.ID})
		return
	}
	defer func() { <-o.sem }()

	ctx, span := o.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("run.id", run.ID)))
	defer span.End()

	o.setStatus(run, RunRunning)

	st := &RunState{RunID: run.ID, Request: req}

	// Phase 1: job analysis and profile load are independent and run
	// concurrently, each writing a disjoint field of st. A failure in one
	// does not cancel the other; both settle before Phase 2 starts.
	phase1 := []stage{o.analyzeJobStage(), o.loadProfileStage()}
	results := make([]StageResult, len(phase1))
	errs := make([]error, len(phase1))
	var wg sync.WaitGroup
	for i, s := range phase1 {
		wg.Add(1)
		go func(i int, s stage) {
			defer wg.Done()
			results[i], errs[i] = o.runStage(ctx, st, s)
		}(i, s)
	}
	wg.Wait()

	sort.SliceStable(results, func(i, j int) bool { return stageOrder(results[i].Stage) < stageOrder(results[j].Stage) })
	for _, res := range results {
		o.recordStage(ctx, run, res)
	}
	for _, err := range errs {
		if err != nil {
			o.finish(ctx, run, statusFor(err), err)
			return
		}
	}

	// Phase 2 is strictly sequential: template selection needs the job
	// facts, generation needs everything, the scan needs the draft.
	tmplRes, tmplErr := o.runStage(ctx, st, o.selectTemplateStage())
	o.recordStage(ctx, run, tmplRes)
	if tmplErr != nil {
		o.finish(ctx, run, statusFor(tmplErr), tmplErr)
		return
	}

	// Budget gate precedes the paid stage.
	if err := o.ledger.Authorize(ctx, run.ID, req.Requester, req.BudgetOverride); err != nil {
		o.finish(ctx, run, RunFailed, err)
		return
	}

	em := newEmitter(run.ID, o.bus, o.cfg.FlushInterval, o.cfg.StreamBuffer, o.now)
	genRes, genErr := o.runStage(ctx, st, o.generateStage(em))
	em.finish()
	st.Draft = em.text()
	o.recordStage(ctx, run, genRes)

	o.mu.Lock()
	run.Draft = st.Draft
	run.TokensUsed = st.Usage.PromptTokens + st.Usage.CompletionTokens
	run.Cost = st.Usage.Cost
	o.mu.Unlock()

	if genErr != nil {
		o.finish(ctx, run, statusFor(genErr), genErr)
		return
	}

	if err := o.ledger.Record(ctx, ledger.Entry{
		RunID:     run.ID,
		Tokens:    run.TokensUsed,
		Cost:      run.Cost,
		CreatedAt: o.now(),
	}); err != nil {
		o.logger.Printf("ledger record failed for run %s: %v", run.ID, err)
	}

	riskRes, riskErr := o.runStage(ctx, st, o.riskScanStage())
	o.recordStage(ctx, run, riskRes)
	if riskErr != nil {
		o.finish(ctx, run, statusFor(riskErr), riskErr)
		return
	}

	o.mu.Lock()
	run.RiskFlags = st.Risk.Spans
	run.DefaultVoice = st.DefaultVoice
	o.mu.Unlock()

	// A run with no server-class faults anywhere resets the global streak.
	if st.serverFaults.Load() == 0 {
		o.breakers.Global().RecordSuccess()
	}

	status := RunCompleted
	if degraded(st, run) {
		status = RunDegraded
	}
	o.finish(ctx, run, status, nil)
}

// degraded reports whether any stage substituted a fallback result. The
// shape of the payloads does not matter: a generic template picked on its
// merits or neutral defaults on a cold start are successful outcomes.
func degraded(st *RunState, run *PipelineRun) bool {
	if st.ProfileDegraded {
		return true
	}
	for _, res := range run.Stages {
		if res.Outcome == OutcomeFallback {
			return true
		}
	}
	return false
}

func stageOrder(k StageKind) int {
	switch k {
	case StageAnalyzeJob:
		return 0
	case StageLoadProfile:
		return 1
	case StageSelectTemplate:
		return 2
	case StageGenerate:
		return 3
	default:
		return 4
	}
}

func (o *Orchestrator) setStatus(run *PipelineRun, status RunStatus) {
	o.mu.Lock()
	run.Status = status
	o.mu.Unlock()
}

func (o *Orchestrator) recordStage(ctx context.Context, run *PipelineRun, res StageResult) {
	o.mu.Lock()
	run.Stages = append(run.Stages, res)
	o.mu.Unlock()

	o.bus.Publish(events.StageProgress{
		RunID:      run.ID,
		Stage:      string(res.Stage),
		Outcome:    string(res.Outcome),
		Retries:    res.Retries,
		Elapsed:    res.Elapsed,
		OccurredAt: o.now(),
	})
	o.metrics.RecordStageEvent(ctx, telemetry.StageEvent{
		RunID:    run.ID,
		Stage:    string(res.Stage),
		Outcome:  string(res.Outcome),
		Retries:  res.Retries,
		Duration: res.Elapsed,
		Error:    res.Error,
	})
}

// finish moves a run to its terminal status, publishes the terminal event,
// and persists the record once.
func (o *Orchestrator) finish(ctx context.Context, run *PipelineRun, status RunStatus, cause error) {
	o.mu.Lock()
	run.Status = status
	run.FinishedAt = o.now()
	if cause != nil {
		run.Error = cause.Error()
	}
	delete(o.cancels, run.ID)
	snap := *run
	o.mu.Unlock()

	switch status {
	case RunCompleted, RunDegraded:
		o.bus.Publish(events.RunCompleted{
			RunID:      snap.ID,
			Status:     string(status),
			Degraded:   status == RunDegraded,
			Tokens:     snap.TokensUsed,
			Cost:       snap.Cost,
			OccurredAt: o.now(),
		})
	default:
		o.bus.Publish(events.RunError{
			RunID:      snap.ID,
			Status:     string(status),
			Kind:       errKind(cause),
			Message:    snap.Error,
			OccurredAt: o.now(),
		})
	}

	o.metrics.RecordRunEvent(ctx, telemetry.RunEvent{
		ID:         snap.ID,
		Requester:  snap.Requester,
		Status:     string(status),
		StartTime:  snap.StartedAt,
		EndTime:    snap.FinishedAt,
		Duration:   snap.FinishedAt.Sub(snap.StartedAt),
		Cost:       snap.Cost,
		TokensUsed: snap.TokensUsed,
		Error:      snap.Error,
	})

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.store.SaveRun(saveCtx, &snap); err != nil {
		o.logger.Printf("persisting run %s failed: %v", snap.ID, err)
	}

	o.logger.Printf("run %s finished: status=%s tokens=%d cost=$%.4f", snap.ID, status, snap.TokensUsed, snap.Cost)
}

// statusFor maps a stage error to the run's terminal status.
func statusFor(err error) RunStatus {
	if isCancellation(err) {
		return RunCancelled
	}
	return RunFailed
}

// errKind labels an error with its taxonomy name for events and responses.
func errKind(err error) string {
	if err == nil {
		return ""
	}
	var (
		timeout   ErrTimeout
		transient ErrTransient
		invalid   ErrValidation
		open      ErrCircuitOpen
		store     ErrStoreUnavailable
		cancelled ErrCancelled
		cooldown  ErrCooldown
		exceeded  ledger.ErrExceeded
		tooLarge  promptbuild.ErrTooLarge
	)
	switch {
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &transient):
		return "transient_service_error"
	case errors.As(err, &invalid):
		return "validation_error"
	case errors.As(err, &exceeded):
		return "budget_exceeded"
	case errors.As(err, &open):
		return "circuit_open"
	case errors.As(err, &store):
		return "store_unavailable"
	case errors.As(err, &cancelled), errors.Is(err, context.Canceled):
		return "cancellation_requested"
	case errors.As(err, &tooLarge):
		return "context_too_large"
	case errors.As(err, &cooldown):
		return "cooldown"
	default:
		return "internal"
	}
}
