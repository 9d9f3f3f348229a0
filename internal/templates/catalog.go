// Package templates provides the built-in proposal skeletons and the
// selection logic that matches one to a parsed job.
package templates

import (
	"context"
	"sort"
	"strings"

	"github.com/zianansar/proposal-writer-sub006/internal/pipeline"
)

// Catalog selects a proposal template for a job. Selection is deterministic:
// keyword overlap scoring with a stable ID tiebreak.
type Catalog struct {
	templates []entry
	generic   pipeline.Template
}

type entry struct {
	tmpl     pipeline.Template
	keywords []string
}

// NewCatalog builds the catalog with the built-in template set.
func NewCatalog() *Catalog {
	c := &Catalog{generic: genericTemplate}
	for _, e := range builtins {
		c.templates = append(c.templates, e)
	}
	sort.SliceStable(c.templates, func(i, j int) bool {
		return c.templates[i].tmpl.ID < c.templates[j].tmpl.ID
	})
	return c
}

// Select returns the template matching the job facts. A preferred ID wins
// when it exists; otherwise the highest keyword score. A job matching nothing
// gets the generic skeleton.
func (c *Catalog) Select(ctx context.Context, facts pipeline.JobFacts, preferredID string) (pipeline.Template, error) {
	if preferredID != "" {
		for _, e := range c.templates {
			if e.tmpl.ID == preferredID {
				return e.tmpl, nil
			}
		}
		return pipeline.Template{}, pipeline.ErrValidation{Field: "template_id", Reason: "unknown template " + preferredID}
	}

	haystack := strings.ToLower(facts.Title + " " + strings.Join(facts.Skills, " ") + " " + strings.Join(facts.Entities, " "))
	best := -1
	bestScore := 0
	for i, e := range c.templates {
		score := 0
		for _, kw := range e.keywords {
			if strings.Contains(haystack, kw) {
				score++
			}
		}
		if score > bestScore {
			best = i
			bestScore = score
		}
	}
	if best < 0 {
		return c.generic, nil
	}
	return c.templates[best].tmpl, nil
}

// Generic returns the fallback skeleton used when selection is unavailable.
func (c *Catalog) Generic() pipeline.Template {
	return c.generic
}

var genericTemplate = pipeline.Template{
	ID:      "generic",
	Name:    "Generic proposal",
	Generic: true,
	Body: `1. Greeting referencing the job title.
2. One paragraph on relevant experience.
3. Proposed approach in two or three sentences.
4. Availability and invitation to discuss.`,
}

var builtins = []entry{
	{
		tmpl: pipeline.Template{
			ID:   "technical-build",
			Name: "Technical build",
			Body: `1. Greeting naming the core technology.
2. A comparable project delivered, with outcome.
3. Proposed architecture and milestones.
4. Estimate framing and next step.`,
			Examples: []string{
				"Hi! I noticed you need a Go backend with Postgres. I recently shipped a similar ingestion service handling 2M events/day. I'd start with a thin API over your existing schema, then layer in the workers. Happy to walk through the design this week.",
			},
		},
		keywords: []string{"api", "backend", "database", "pipeline", "integration", "golang", "python", "postgres"},
	},
	{
		tmpl: pipeline.Template{
			ID:   "design-creative",
			Name: "Design and creative",
			Body: `1. Greeting reflecting the brand or product.
2. Portfolio highlight closest to the brief.
3. Process outline from concept to delivery.
4. Revision policy and next step.`,
			Examples: []string{
				"Hello! Your brief for a product landing page caught my eye. I designed a similar page for a fintech launch that doubled signups. I'd begin with two moodboards so we align on direction before any high-fidelity work.",
			},
		},
		keywords: []string{"design", "logo", "brand", "figma", "illustration", "ui", "ux", "landing"},
	},
	{
		tmpl: pipeline.Template{
			ID:   "content-writing",
			Name: "Content writing",
			Body: `1. Greeting tied to the audience or niche.
2. Writing sample or result most relevant to the topic.
3. Research and drafting process.
4. Turnaround time and next step.`,
			Examples: []string{
				"Hi there! I write long-form SaaS content and recently took a client's organic traffic up 60% in six months. For your developer-tools blog I'd start with a content audit, then a three-post pilot so you can judge the fit.",
			},
		},
		keywords: []string{"blog", "article", "copywriting", "content", "seo", "newsletter", "writing"},
	},
}
