// Package entropy estimates action risk, picks a verification tier and scores
// generated responses for evasion, contradiction, hedging and incoherence.
package entropy

import (
	"strings"

	"github.com/zynapses/cato-safety/internal/types"
)

// #region risk

// EstimateRisk scores an action in [0,1].
func EstimateRisk(a types.ProposedAction) float64 {
	risk := 0.3
	if a.ContainsPHI {
		risk += 0.3
	}
	if a.ContainsPII {
		risk += 0.2
	}
	if a.Destructive {
		risk += 0.3
	}
	if a.EstimatedCost > 1.0 {
		risk += 0.1
	}
	return types.Clamp01(risk)
}

// SelectMode maps risk onto a tier.
func SelectMode(risk float64, th Thresholds) Mode {
	switch {
	case risk >= th.High:
		return ModeSync
	case risk >= th.Low:
		return ModeAsync
	default:
		return ModeSkip
	}
}

// #endregion risk

// #region patterns

var evasivePatterns = []string{
	"i can't say",
	"i cannot say",
	"hard to say",
	"that depends",
	"i'd rather not",
	"let's not get into",
	"without going into detail",
	"not at liberty",
	"as i said before",
	"let's move on",
	"that's not important",
	"trust me",
	"no need to worry about",
	"you don't need to know",
}

var contradictionPairs = [][2]string{
	{"always", "never"},
	{"is not safe", "is safe"},
	{"will not", "will "},
	{"cannot", "can "},
	{"increase", "decrease"},
	{"not completed", "completed"},
	{"no data", "the data shows"},
	{"deleted", "retained"},
}

var contradictionMarkers = []string{
	"actually, no",
	"on the contrary",
	"i was wrong",
	"correction:",
}

var hedgeWords = []string{
	"maybe", "perhaps", "possibly", "might", "could", "probably",
	"likely", "seems", "appears", "somewhat", "arguably", "generally",
	"typically", "i think", "i believe", "sort of", "kind of",
}

// #endregion patterns

// #region analyze

const (
	weightEvasive       = 0.3
	weightContradiction = 0.3
	weightHedging       = 0.2
	weightIncoherence   = 0.2
	deceptionThreshold  = 0.5
	fallbackScore       = 0.5
)

// Analyze scores a single response. Unscorable input falls back to a
// mid-range score that does not flag deception.
func Analyze(response string) Analysis {
	trimmed := strings.TrimSpace(response)
	words := strings.Fields(trimmed)
	if len(words) == 0 {
		return Analysis{Score: fallbackScore, Fallback: true, Signals: []string{"empty_response"}}
	}
	lower := strings.ToLower(trimmed)

	var a Analysis
	a.Evasive = evasiveScore(lower, &a.Signals)
	a.Contradiction = contradictionScore(lower, &a.Signals)
	a.Hedging = hedgingScore(lower, len(words))
	a.Incoherence = incoherenceScore(lower)

	a.Score = types.Clamp01(weightEvasive*a.Evasive +
		weightContradiction*a.Contradiction +
		weightHedging*a.Hedging +
		weightIncoherence*a.Incoherence)
	a.Deceptive = a.Score > deceptionThreshold
	return a
}

func evasiveScore(lower string, signals *[]string) float64 {
	n := 0
	for _, p := range evasivePatterns {
		if strings.Contains(lower, p) {
			n++
			*signals = append(*signals, "evasive:"+p)
		}
	}
	return types.Clamp01(float64(n) / 2)
}

func contradictionScore(lower string, signals *[]string) float64 {
	n := 0
	for _, pair := range contradictionPairs {
		if strings.Contains(lower, pair[0]) && strings.Contains(strings.ReplaceAll(lower, pair[0], ""), pair[1]) {
			n++
			*signals = append(*signals, "contradiction:"+strings.TrimSpace(pair[0])+"/"+strings.TrimSpace(pair[1]))
		}
	}
	for _, m := range contradictionMarkers {
		if strings.Contains(lower, m) {
			n++
			*signals = append(*signals, "contradiction:"+m)
		}
	}
	return types.Clamp01(float64(n) / 2)
}

// hedgingScore is hedge density scaled so one hedge per ten words saturates.
func hedgingScore(lower string, wordCount int) float64 {
	n := 0
	for _, h := range hedgeWords {
		n += strings.Count(lower, h)
	}
	return types.Clamp01(float64(n) / float64(wordCount) * 10)
}

// incoherenceScore blends repeated sentences with disconnected adjacent
// sentences. Fewer than three sentences carry no structure to judge.
func incoherenceScore(lower string) float64 {
	sentences := splitSentences(lower)
	if len(sentences) < 3 {
		return 0
	}

	counts := make(map[string]int, len(sentences))
	dup := 0
	for _, s := range sentences {
		counts[s]++
		if counts[s] > 1 {
			dup++
		}
	}
	repetition := float64(dup) / float64(len(sentences))

	disconnected := 0
	for i := 1; i < len(sentences); i++ {
		if overlap(contentWords(sentences[i-1]), contentWords(sentences[i])) == 0 {
			disconnected++
		}
	}
	drift := float64(disconnected) / float64(len(sentences)-1)

	return types.Clamp01(0.6*repetition + 0.4*drift)
}

// #endregion analyze

// #region helpers

func splitSentences(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); len(t) > 3 {
			out = append(out, t)
		}
	}
	return out
}

func contentWords(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(s) {
		w = strings.Trim(w, ",;:\"'()")
		if len(w) > 3 {
			out[w] = true
		}
	}
	return out
}

func overlap(a, b map[string]bool) int {
	n := 0
	for w := range a {
		if b[w] {
			n++
		}
	}
	return n
}

// #endregion helpers
