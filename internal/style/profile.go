package style

import (
	"math"
	"time"
)

// Parameters is the fixed dimension set steering generation. Values are
// normalised to [0,1] except the length statistics, which are in words.
type Parameters struct {
	Tone              float64 `json:"tone"`
	Formality         float64 `json:"formality"`
	Warmth            float64 `json:"warmth"`
	Directness        float64 `json:"directness"`
	AvgSentenceLength float64 `json:"avg_sentence_length"`
	LengthVariance    float64 `json:"length_variance"`
	BulletRatio       float64 `json:"bullet_ratio"`
	QuestionRatio     float64 `json:"question_ratio"`
}

// dimension names in vector order; keep in sync with Vector.
var dimensionNames = []string{
	"tone", "formality", "warmth", "directness",
	"avg_sentence_length", "length_variance", "bullet_ratio", "question_ratio",
}

// Vector returns the parameters as an ordered slice. The ordering is fixed so
// recomputation over the same inputs is bit-for-bit reproducible.
func (p Parameters) Vector() []float64 {
	return []float64{
		p.Tone, p.Formality, p.Warmth, p.Directness,
		p.AvgSentenceLength, p.LengthVariance, p.BulletRatio, p.QuestionRatio,
	}
}

// DimensionNames returns the stable names matching Vector ordering.
func DimensionNames() []string {
	out := make([]string, len(dimensionNames))
	copy(out, dimensionNames)
	return out
}

func fromVector(v []float64) Parameters {
	var p Parameters
	if len(v) != 8 {
		return p
	}
	p.Tone, p.Formality, p.Warmth, p.Directness = v[0], v[1], v[2], v[3]
	p.AvgSentenceLength, p.LengthVariance, p.BulletRatio, p.QuestionRatio = v[4], v[5], v[6], v[7]
	return p
}

// Blend combines two parameter sets with the given weights.
func Blend(a Parameters, wa float64, b Parameters, wb float64) Parameters {
	av, bv := a.Vector(), b.Vector()
	out := make([]float64, len(av))
	for i := range av {
		out[i] = wa*av[i] + wb*bv[i]
	}
	return fromVector(out)
}

// Distance is the root-mean-square distance between two parameter sets.
func Distance(a, b Parameters) float64 {
	av, bv := a.Vector(), b.Vector()
	var sum float64
	for i := range av {
		d := av[i] - bv[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(av)))
}

// StdDev is the standard deviation across the parameter set's own dimensions.
func (p Parameters) StdDev() float64 {
	v := p.Vector()
	var mean float64
	for _, x := range v {
		mean += x
	}
	mean /= float64(len(v))
	var sum float64
	for _, x := range v {
		d := x - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(v)))
}

// NeutralParameters is the default voice used before any signal exists.
func NeutralParameters() Parameters {
	return Parameters{
		Tone:              0.5,
		Formality:         0.5,
		Warmth:            0.5,
		Directness:        0.5,
		AvgSentenceLength: 16,
		LengthVariance:    4,
		BulletRatio:       0.2,
		QuestionRatio:     0.05,
	}
}

// Profile is the derived, versioned style state. Single logical owner is the
// learning engine; the orchestrator reads it and never mutates it.
type Profile struct {
	Explicit            Parameters `json:"explicit"`
	Implicit            Parameters `json:"implicit"`
	Combined            Parameters `json:"combined"`
	ExplicitWeight      float64    `json:"explicit_weight"`
	ImplicitWeight      float64    `json:"implicit_weight"`
	ImplicitActive      bool       `json:"implicit_active"`
	EditedProposals     int        `json:"edited_proposals"`
	Version             int64      `json:"version"`
	Category            string     `json:"category"`
	RecalibrationNeeded bool       `json:"recalibration_needed"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Neutral returns the cold-start profile: full explicit weight over neutral
// parameters, implicit signal inactive.
func Neutral() *Profile {
	n := NeutralParameters()
	return &Profile{
		Explicit:       n,
		Implicit:       n,
		Combined:       n,
		ExplicitWeight: 1.0,
		ImplicitWeight: 0.0,
		Category:       "default",
	}
}

// EditEntry is one sentence-level diff inferred from a user edit, tagged to a
// proposal section. Append-only; the engine keeps a rolling window.
type EditEntry struct {
	ID         string    `json:"id"`
	ProposalID string    `json:"proposal_id"`
	Section    string    `json:"section"`
	Before     string    `json:"before"`
	After      string    `json:"after"`
	CreatedAt  time.Time `json:"created_at"`
}

// GoldenSample is a user-curated anchor proposal. The set is replaced
// wholesale on user edit, never decayed, and always enters drift checks at
// full weight.
type GoldenSample struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Feedback is an explicit user signal: a rating of a generated draft and any
// stated preference adjustments.
type Feedback struct {
	ID          string      `json:"id"`
	RunID       string      `json:"run_id"`
	Rating      float64     `json:"rating"` // [0,1]
	Preferences *Parameters `json:"preferences,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}
