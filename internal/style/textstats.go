package style

import (
	"math"
	"strings"
	"unicode"
)

var formalMarkers = []string{
	"therefore", "furthermore", "regarding", "accordingly", "pursuant",
	"deliver", "ensure", "propose", "experience", "expertise",
}

var warmMarkers = []string{
	"thanks", "thank you", "glad", "happy", "love", "excited", "appreciate",
	"looking forward", "great",
}

var directMarkers = []string{
	"i will", "i can", "here's", "let's", "you get", "my plan",
}

// DeriveParameters computes deterministic style statistics for a block of
// text. It is the single derivation used for golden samples and edit diffs,
// so the same text always yields the same parameters.
func DeriveParameters(text string) Parameters {
	p := NeutralParameters()
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return p
	}

	lines := strings.Split(trimmed, "\n")
	var bulletLines, contentLines int
	for _, ln := range lines {
		ln = strings.TrimSpace(ln)
		if ln == "" {
			continue
		}
		contentLines++
		if strings.HasPrefix(ln, "-") || strings.HasPrefix(ln, "*") || strings.HasPrefix(ln, "•") {
			bulletLines++
		}
	}

	sentences := splitSentences(trimmed)
	var questions int
	var lengths []float64
	for _, s := range sentences {
		words := len(strings.Fields(s))
		if words == 0 {
			continue
		}
		lengths = append(lengths, float64(words))
		if strings.HasSuffix(strings.TrimSpace(s), "?") {
			questions++
		}
	}
	if len(lengths) > 0 {
		var sum float64
		for _, l := range lengths {
			sum += l
		}
		mean := sum / float64(len(lengths))
		var varSum float64
		for _, l := range lengths {
			d := l - mean
			varSum += d * d
		}
		p.AvgSentenceLength = mean
		p.LengthVariance = math.Sqrt(varSum / float64(len(lengths)))
		p.QuestionRatio = float64(questions) / float64(len(lengths))
	}
	if contentLines > 0 {
		p.BulletRatio = float64(bulletLines) / float64(contentLines)
	}

	lower := strings.ToLower(trimmed)
	words := float64(len(strings.Fields(lower)))
	if words == 0 {
		return p
	}
	p.Formality = clamp01(0.3 + 3*markerDensity(lower, words, formalMarkers))
	p.Warmth = clamp01(0.3 + 3*markerDensity(lower, words, warmMarkers))
	p.Directness = clamp01(0.3 + 3*markerDensity(lower, words, directMarkers))

	// Tone blends formality against exclamation frequency: frequent
	// exclamations read as casual/enthusiastic, pulling tone down.
	exclaims := float64(strings.Count(trimmed, "!"))
	p.Tone = clamp01(0.5 + 0.5*p.Formality - 2*exclaims/words)
	return p
}

func markerDensity(lower string, words float64, markers []string) float64 {
	var hits float64
	for _, m := range markers {
		hits += float64(strings.Count(lower, m))
	}
	return hits / words
}

func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			s := strings.TrimSpace(b.String())
			if s != "" {
				out = append(out, s)
			}
			b.Reset()
		}
	}
	if tail := strings.TrimSpace(b.String()); tail != "" {
		out = append(out, tail)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// SentenceDiffs pairs changed sentences between an original draft and its
// edited form, producing edit entries for the implicit signal. Pairing is
// positional: unchanged sentences are skipped, replacements are paired, and
// pure insertions carry an empty Before.
func SentenceDiffs(before, after string) [][2]string {
	bs := splitSentences(before)
	as := splitSentences(after)
	seen := make(map[string]struct{}, len(bs))
	for _, s := range bs {
		seen[normalizeSentence(s)] = struct{}{}
	}
	var diffs [][2]string
	bi := 0
	for _, s := range as {
		if _, ok := seen[normalizeSentence(s)]; ok {
			continue
		}
		prev := ""
		if bi < len(bs) {
			prev = bs[bi]
			bi++
		}
		diffs = append(diffs, [2]string{prev, s})
	}
	return diffs
}

func normalizeSentence(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
