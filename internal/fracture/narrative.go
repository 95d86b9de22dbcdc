package fracture

import (
	"strings"

	"github.com/zynapses/cato-safety/internal/types"
)

// #region lexicons

var intentVerbs = []string{
	"summarize", "summarise", "explain", "list", "compare", "translate",
	"calculate", "draft", "write", "find", "schedule", "book", "cancel",
	"delete", "update", "create", "send", "review", "analyze", "analyse",
}

// verbEvidence maps an intent verb to words whose presence in a response
// shows the verb was carried out.
var verbEvidence = map[string][]string{
	"summarize": {"summary", "in short", "overall", "key points"},
	"summarise": {"summary", "in short", "overall", "key points"},
	"explain":   {"because", "means", "is when", "works by"},
	"list":      {"1.", "- ", "first", "second"},
	"compare":   {"whereas", "while", "compared", "than", "versus"},
	"calculate": {"=", "total", "equals", "result"},
	"cancel":    {"cancelled", "canceled", "cancellation"},
	"delete":    {"deleted", "removed"},
	"schedule":  {"scheduled", "booked", "calendar"},
	"book":      {"booked", "reservation", "confirmed"},
	"send":      {"sent", "delivered"},
}

var positiveWords = []string{
	"yes", "done", "success", "completed", "confirmed", "glad", "great",
	"resolved", "approved", "happy", "thanks", "thank you",
}

var negativeWords = []string{
	"no", "not", "failed", "error", "unable", "denied", "refused",
	"problem", "issue", "unfortunately", "sorry", "cannot",
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "your": true, "you": true, "please": true,
	"can": true, "could": true, "would": true, "what": true, "about": true,
	"into": true, "have": true, "are": true, "was": true, "were": true,
}

// #endregion lexicons

// #region narrative

// narrative computes the weighted alignment score and evasion level.
func narrative(in Input, cfg Config) NarrativeResult {
	intent := strings.ToLower(strings.TrimSpace(in.Intent))
	response := strings.ToLower(strings.TrimSpace(in.Response))
	if intent == "" || response == "" {
		return fallbackNarrative(cfg)
	}

	intentTokens := tokenize(intent)
	responseTokens := tokenize(response)

	c := NarrativeComponents{
		WordOverlap:      wordOverlap(intentTokens, responseTokens),
		IntentCompletion: intentCompletion(intent, response, strings.ToLower(in.ActionType)),
		Sentiment:        sentimentAlignment(intent, response),
		TopicCoherence:   bigramOverlap(intentTokens, responseTokens),
		Completeness:     completeness(in.Response, len(responseTokens)),
	}

	w := cfg.Weights
	sum := w.Sum()
	alignment := 0.5
	if sum > 0 {
		alignment = (w.WordOverlap*c.WordOverlap +
			w.IntentCompletion*c.IntentCompletion +
			w.Sentiment*c.Sentiment +
			w.TopicCoherence*c.TopicCoherence +
			w.Completeness*c.Completeness) / sum
	}
	alignment = types.Clamp01(alignment)
	evasion := evasionLevel(response)

	return NarrativeResult{
		Alignment:  alignment,
		Evasion:    evasion,
		Components: c,
		Misaligned: alignment < cfg.AlignmentThreshold,
		Evasive:    evasion > cfg.EvasionThreshold,
	}
}

// fallbackNarrative is the mid-range score used when text is missing or a
// heuristic fails. It only flags when the tenant floor sits above 0.5.
func fallbackNarrative(cfg Config) NarrativeResult {
	return NarrativeResult{
		Alignment:  0.5,
		Evasion:    0,
		Misaligned: 0.5 < cfg.AlignmentThreshold,
		Fallback:   true,
	}
}

// #endregion narrative

// #region components

// wordOverlap is the share of intent content words echoed in the response.
func wordOverlap(intent, response []string) float64 {
	iw := contentSet(intent)
	if len(iw) == 0 {
		return 0.5
	}
	rw := contentSet(response)
	shared := 0
	for w := range iw {
		if rw[w] {
			shared++
		}
	}
	return float64(shared) / float64(len(iw))
}

// intentCompletion checks that each intent verb is carried out, either by the
// action type or by evidence words in the response.
func intentCompletion(intent, response, action string) float64 {
	var verbs []string
	for _, v := range intentVerbs {
		if containsWord(intent, v) {
			verbs = append(verbs, v)
		}
	}
	if len(verbs) == 0 {
		return 0.5
	}
	done := 0
	for _, v := range verbs {
		if containsWord(action, v) || containsWord(response, v) {
			done++
			continue
		}
		for _, ev := range verbEvidence[v] {
			if strings.Contains(response, ev) {
				done++
				break
			}
		}
	}
	return float64(done) / float64(len(verbs))
}

// sentimentAlignment is 1 minus half the polarity gap between intent and
// response.
func sentimentAlignment(intent, response string) float64 {
	gap := polarity(intent) - polarity(response)
	if gap < 0 {
		gap = -gap
	}
	return types.Clamp01(1 - gap/2)
}

func polarity(s string) float64 {
	pos, neg := 0, 0
	for _, w := range positiveWords {
		if containsWord(s, w) {
			pos++
		}
	}
	for _, w := range negativeWords {
		if containsWord(s, w) {
			neg++
		}
	}
	if pos+neg == 0 {
		return 0
	}
	return float64(pos-neg) / float64(pos+neg)
}

// bigramOverlap measures shared topic phrasing. With no intent bigrams it
// falls back to unigram overlap.
func bigramOverlap(intent, response []string) float64 {
	ib := bigrams(contentList(intent))
	if len(ib) == 0 {
		return wordOverlap(intent, response)
	}
	rb := bigrams(contentList(response))
	shared := 0
	for b := range ib {
		if rb[b] {
			shared++
		}
	}
	// Bigram matches are rare; one shared pair in three counts as coherent.
	return types.Clamp01(float64(shared) / float64(len(ib)) * 3)
}

// completeness rewards adequate length and a finished final sentence.
func completeness(raw string, words int) float64 {
	var length float64
	switch {
	case words < 5:
		length = float64(words) / 10
	case words <= 40:
		length = 0.5 + 0.5*float64(words-5)/35
	default:
		length = 1
	}
	trimmed := strings.TrimSpace(raw)
	finished := 0.0
	if strings.HasSuffix(trimmed, ".") || strings.HasSuffix(trimmed, "!") ||
		strings.HasSuffix(trimmed, "?") || strings.HasSuffix(trimmed, ")") {
		finished = 1
	}
	return 0.7*length + 0.3*finished
}

// evasionLevel scales matched evasion phrases so three saturate.
func evasionLevel(lower string) float64 {
	n := 0
	for _, p := range evasionPatterns {
		if strings.Contains(lower, p) {
			n++
		}
	}
	return types.Clamp01(float64(n) / 3)
}

// #endregion components

// #region helpers

// tokenize splits lowercase text into trimmed whitespace-delimited tokens.
func tokenize(s string) []string {
	fields := strings.Fields(s)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func contentList(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if len(t) > 2 && !stopWords[t] {
			out = append(out, t)
		}
	}
	return out
}

func contentSet(tokens []string) map[string]bool {
	out := make(map[string]bool)
	for _, t := range contentList(tokens) {
		out[t] = true
	}
	return out
}

func bigrams(tokens []string) map[string]bool {
	out := make(map[string]bool)
	for i := 1; i < len(tokens); i++ {
		out[tokens[i-1]+" "+tokens[i]] = true
	}
	return out
}

// #endregion helpers
