package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/zianansar/proposal-writer-sub006/internal/style"
)

// StageKind identifies one of the five pipeline stages.
type StageKind string

const (
	StageAnalyzeJob     StageKind = "analyze_job"
	StageLoadProfile    StageKind = "load_style_profile"
	StageSelectTemplate StageKind = "select_template"
	StageGenerate       StageKind = "generate"
	StageRiskScan       StageKind = "risk_scan"
)

// RunStatus is the lifecycle state of a pipeline run. Transitions are
// monotonic: Queued → Running → one of the terminal states.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunDegraded  RunStatus = "degraded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is a final one.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunDegraded, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Outcome tags how a stage finished within a run.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFallback Outcome = "fallback"
	OutcomeFailed   Outcome = "failed"
)

// GenerationRequest is the immutable submission for one proposal draft.
type GenerationRequest struct {
	Requester      string
	JobInput       string
	TemplateID     string
	BudgetOverride bool
	BreakerToken   string
}

// StageResult records the outcome of a single stage within a run.
type StageResult struct {
	Stage     StageKind     `json:"stage"`
	Outcome   Outcome       `json:"outcome"`
	Retries   int           `json:"retries"`
	Elapsed   time.Duration `json:"elapsed"`
	Error     string        `json:"error,omitempty"`
	Unscanned bool          `json:"unscanned,omitempty"`
}

// PipelineRun is the record of one submission through the pipeline.
// Owned exclusively by the orchestrator until it reaches a terminal status,
// then persisted once.
type PipelineRun struct {
	ID           string        `json:"id"`
	Requester    string        `json:"requester"`
	Status       RunStatus     `json:"status"`
	Stages       []StageResult `json:"stages"`
	Draft        string        `json:"draft,omitempty"`
	RiskFlags    []RiskSpan    `json:"risk_flags,omitempty"`
	DefaultVoice bool          `json:"default_voice,omitempty"`
	TokensUsed   int64         `json:"tokens_used"`
	Cost         float64       `json:"cost"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	Error        string        `json:"error,omitempty"`
}

// StageRecord returns the recorded result for a stage, if present.
func (r *PipelineRun) StageRecord(kind StageKind) (StageResult, bool) {
	for _, sr := range r.Stages {
		if sr.Stage == kind {
			return sr, true
		}
	}
	return StageResult{}, false
}

// JobFacts is the structured job record supplied by the job-parsing
// collaborator. The orchestrator treats it as opaque upstream input.
type JobFacts struct {
	Title       string   `json:"title"`
	Skills      []string `json:"skills"`
	Budget      string   `json:"budget"`
	Entities    []string `json:"entities"`
	RawText     string   `json:"raw_text"`
	Unannotated bool     `json:"unannotated,omitempty"`
}

// Template is a proposal skeleton selected for the job.
type Template struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Body     string   `json:"body"`
	Examples []string `json:"examples,omitempty"`
	Generic  bool     `json:"generic,omitempty"`
}

// RiskSpan flags a region of generated text for review.
type RiskSpan struct {
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Reason string `json:"reason"`
}

// RiskReport is the risk-scan collaborator's verdict on a draft.
type RiskReport struct {
	Risky     bool       `json:"risky"`
	Spans     []RiskSpan `json:"spans,omitempty"`
	Unscanned bool       `json:"unscanned,omitempty"`
}

// RunState carries intermediate stage outputs through a single run. It is
// confined to the goroutines of that run; Phase 1 writers touch disjoint
// fields and are joined before Phase 2 reads them.
type RunState struct {
	RunID    string
	Request  GenerationRequest
	Facts    *JobFacts
	Profile  *style.Profile
	Template *Template
	Draft    string
	Risk     *RiskReport

	DefaultVoice    bool
	ProfileDegraded bool
	Usage           Usage

	// serverFaults counts stages that exhausted their attempts on
	// server-class errors. Phase 1 stages may increment it concurrently.
	serverFaults atomic.Int32
}
