package pipeline

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/zianansar/proposal-writer-sub006/internal/promptbuild"
)

// JobParser extracts structured facts from raw job input. Implemented by the
// job-parsing collaborator client.
type JobParser interface {
	Parse(ctx context.Context, raw string) (JobFacts, error)
}

// RiskScanner checks a finished draft for risky regions.
type RiskScanner interface {
	Scan(ctx context.Context, draft string) (RiskReport, error)
}

// Generator streams a proposal draft for an assembled prompt. onDelta is
// invoked for every text fragment as it arrives.
type Generator interface {
	Stream(ctx context.Context, p promptbuild.Prompt, onDelta func(string)) (Usage, error)
}

// Usage is the token and cost accounting for one generation call.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	Cost             float64
}

// TemplateSource selects a proposal skeleton matching the job.
type TemplateSource interface {
	Select(ctx context.Context, facts JobFacts, preferredID string) (Template, error)
	Generic() Template
}

// stage is one unit of pipeline work. run mutates st on success; fallback,
// when non-nil, substitutes a degraded result after all attempts fail.
type stage struct {
	kind     StageKind
	run      func(ctx context.Context, st *RunState) error
	fallback func(st *RunState)
}

// runStage executes a stage under the uniform contract: per-stage circuit
// consult, bounded timeout, at most one retry with a fixed backoff, then the
// stage fallback if one exists. The returned error is nil whenever the run
// may continue (success or fallback).
func (o *Orchestrator) runStage(ctx context.Context, st *RunState, s stage) (StageResult, error) {
	res := StageResult{Stage: s.kind}
	start := o.now()

	ctx, span := o.tracer.Start(ctx, "stage."+string(s.kind))
	defer span.End()

	br := o.breakers.Stage(string(s.kind))

	var err error
	for attempt := 0; attempt <= 1; attempt++ {
		res.Retries = attempt
		if ctx.Err() != nil {
			err = ErrCancelled{RunID: st.RunID}
			break
		}
		if !br.Allow() {
			o.metrics.RecordBreakerRejection(string(s.kind))
			err = ErrCircuitOpen{Scope: string(s.kind), RetryAfter: br.RetryAfter()}
			break
		}

		err = o.attemptStage(ctx, st, s)
		if err == nil {
			br.RecordSuccess()
			break
		}
		// Cancellation is not a service outcome; the breaker window only
		// counts real failed calls.
		if isCancellation(err) {
			break
		}
		br.RecordFailure()

		if !IsRetryable(err) || attempt == 1 {
			break
		}
		select {
		case <-time.After(o.cfg.RetryBackoff):
		case <-ctx.Done():
			err = context.Cause(ctx)
		}
		if err != nil && errors.Is(err, context.Canceled) {
			break
		}
	}

	res.Elapsed = o.now().Sub(start)
	span.SetAttributes(attribute.Int("retries", res.Retries))

	// A stage that exhausted its attempts on a server-class error feeds the
	// global breaker whether or not a fallback rescues the run.
	if err != nil && IsRetryable(err) {
		o.breakers.Global().RecordServerFailure()
		st.serverFaults.Add(1)
	}

	if err == nil {
		res.Outcome = OutcomeSuccess
		return res, nil
	}

	res.Error = err.Error()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	// Cancellation is never absorbed by a fallback.
	if isCancellation(err) {
		res.Outcome = OutcomeFailed
		return res, err
	}

	if s.fallback != nil {
		s.fallback(st)
		res.Outcome = OutcomeFallback
		o.logger.Printf("stage %s fell back after error: %v", s.kind, err)
		return res, nil
	}

	res.Outcome = OutcomeFailed
	return res, err
}

func isCancellation(err error) bool {
	var cancelled ErrCancelled
	return errors.As(err, &cancelled) || errors.Is(err, context.Canceled)
}

// attemptStage runs one attempt under the stage timeout. The timeout holds
// even if the stage implementation ignores its context.
func (o *Orchestrator) attemptStage(ctx context.Context, st *RunState, s stage) error {
	attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.run(attemptCtx, st)
	}()

	select {
	case err := <-done:
		return err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return ErrCancelled{RunID: st.RunID}
		}
		return ErrTimeout{Stage: s.kind, Limit: o.cfg.StageTimeout}
	}
}
