package pipeline

import (
	"context"
	"strings"

	"github.com/zianansar/proposal-writer-sub006/internal/promptbuild"
	"github.com/zianansar/proposal-writer-sub006/internal/style"
)

// StyleSource supplies the style profile for generation. Implemented by the
// style learning engine; the status distinguishes a learned profile from
// neutral defaults, and a cold start from an unreachable store.
type StyleSource interface {
	LoadForGeneration(ctx context.Context) (*style.Profile, style.LoadStatus, error)
}

func (o *Orchestrator) analyzeJobStage() stage {
	return stage{
		kind: StageAnalyzeJob,
		run: func(ctx context.Context, st *RunState) error {
			facts, err := o.parser.Parse(ctx, st.Request.JobInput)
			if err != nil {
				return err
			}
			st.Facts = &facts
			return nil
		},
		fallback: func(st *RunState) {
			facts := heuristicFacts(st.Request.JobInput)
			st.Facts = &facts
		},
	}
}

// heuristicFacts is the local degraded extraction used when the job-parsing
// collaborator is unavailable: first line as title, raw text carried through,
// no annotations.
func heuristicFacts(raw string) JobFacts {
	title := raw
	if i := strings.IndexByte(raw, '\n'); i >= 0 {
		title = raw[:i]
	}
	title = strings.TrimSpace(title)
	if len(title) > 120 {
		title = title[:120]
	}
	return JobFacts{Title: title, RawText: raw, Unannotated: true}
}

func (o *Orchestrator) loadProfileStage() stage {
	return stage{
		kind: StageLoadProfile,
		run: func(ctx context.Context, st *RunState) error {
			profile, status, err := o.styles.LoadForGeneration(ctx)
			if err != nil {
				return err
			}
			st.Profile = profile
			st.DefaultVoice = status.Neutral
			st.ProfileDegraded = status.Degraded
			return nil
		},
		fallback: func(st *RunState) {
			st.Profile = style.Neutral()
			st.DefaultVoice = true
			st.ProfileDegraded = true
		},
	}
}

func (o *Orchestrator) selectTemplateStage() stage {
	return stage{
		kind: StageSelectTemplate,
		run: func(ctx context.Context, st *RunState) error {
			tmpl, err := o.templates.Select(ctx, *st.Facts, st.Request.TemplateID)
			if err != nil {
				return err
			}
			st.Template = &tmpl
			return nil
		},
		fallback: func(st *RunState) {
			tmpl := o.templates.Generic()
			st.Template = &tmpl
		},
	}
}

// generateStage has no fallback: a draft either streams to completion or the
// run fails. Fragments flow through em so partial output survives
// cancellation.
func (o *Orchestrator) generateStage(em *emitter) stage {
	return stage{
		kind: StageGenerate,
		run: func(ctx context.Context, st *RunState) error {
			// A retried attempt restarts the draft; fragments from the
			// aborted attempt must not appear twice in the delivered text.
			em.reset()
			prompt, err := o.buildPrompt(st)
			if err != nil {
				return err
			}
			usage, err := o.generator.Stream(ctx, prompt, em.add)
			if err != nil {
				return err
			}
			st.Usage = usage
			return nil
		},
	}
}

func (o *Orchestrator) buildPrompt(st *RunState) (promptbuild.Prompt, error) {
	in := promptbuild.Input{
		Facts: promptbuild.Facts{
			Title:    st.Facts.Title,
			Skills:   st.Facts.Skills,
			Budget:   st.Facts.Budget,
			Entities: st.Facts.Entities,
			RawText:  st.Facts.RawText,
		},
		Template: promptbuild.Template{
			Name:     st.Template.Name,
			Body:     st.Template.Body,
			Examples: st.Template.Examples,
		},
		Style: st.Profile.Combined,
	}
	return o.builder.Build(in)
}

func (o *Orchestrator) riskScanStage() stage {
	return stage{
		kind: StageRiskScan,
		run: func(ctx context.Context, st *RunState) error {
			report, err := o.scanner.Scan(ctx, st.Draft)
			if err != nil {
				return err
			}
			st.Risk = &report
			return nil
		},
		fallback: func(st *RunState) {
			st.Risk = &RiskReport{Unscanned: true}
		},
	}
}
