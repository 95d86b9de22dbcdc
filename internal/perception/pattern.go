// Package perception detects protected health information and personal
// data in text. Detectors are pluggable; the pipeline only sees Result.
package perception

import (
	"context"
	"regexp"
	"strings"
)

// #region patterns

type pattern struct {
	kind     string
	category Category
	re       *regexp.Regexp
	weight   float64
	validate func(string) bool
}

var defaultPatterns = []pattern{
	{kind: "ssn", category: CategoryPII, weight: 0.95, re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{kind: "email", category: CategoryPII, weight: 0.9, re: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{kind: "phone", category: CategoryPII, weight: 0.7, re: regexp.MustCompile(`(?:\+1[\s.-]?)?\(?\b\d{3}\)?[\s.-]\d{3}[\s.-]\d{4}\b`)},
	{kind: "credit_card", category: CategoryPII, weight: 0.9, re: regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`), validate: luhn},
	{kind: "ip_address", category: CategoryPII, weight: 0.5, re: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
	{kind: "mrn", category: CategoryPHI, weight: 0.9, re: regexp.MustCompile(`(?i)\b(?:mrn|medical record(?: number)?)[\s:#]*\d{5,10}\b`)},
	{kind: "icd10", category: CategoryPHI, weight: 0.6, re: regexp.MustCompile(`\b[A-TV-Z]\d{2}\.\d{1,4}\b`)},
	{kind: "dob", category: CategoryPHI, weight: 0.6, re: regexp.MustCompile(`(?i)\b(?:dob|date of birth)[\s:]*\d{1,2}[/-]\d{1,2}[/-]\d{2,4}\b`)},
	{kind: "health_plan", category: CategoryPHI, weight: 0.8, re: regexp.MustCompile(`(?i)\b(?:member|policy|health plan) (?:id|number)[\s:#]*[A-Z0-9]{6,}\b`)},
}

// clinicalTerms only count as PHI next to an identifier.
var clinicalTerms = []string{
	"diagnosis", "diagnosed with", "prescribed", "prescription", "patient",
	"treatment plan", "lab results", "medical history", "hiv", "oncology",
}

// #endregion patterns

// #region pattern-detector

// PatternDetector is a regex and keyword detector.
type PatternDetector struct {
	patterns []pattern
}

// NewPatternDetector creates a detector with the built-in patterns.
func NewPatternDetector() *PatternDetector {
	return &PatternDetector{patterns: defaultPatterns}
}

// Detect implements Detector. It never fails.
func (d *PatternDetector) Detect(_ context.Context, text string) (Result, error) {
	var r Result
	var best float64
	hasIdentifier := false

	for _, p := range d.patterns {
		matches := p.re.FindAllString(text, -1)
		if p.validate != nil {
			matches = filter(matches, p.validate)
		}
		if len(matches) == 0 {
			continue
		}
		r.Findings = append(r.Findings, Finding{Category: p.category, Kind: p.kind, Count: len(matches)})
		switch p.category {
		case CategoryPHI:
			r.PHIDetected = true
		case CategoryPII:
			r.PIIDetected = true
			hasIdentifier = true
		}
		if p.weight > best {
			best = p.weight
		}
	}

	// Clinical language tied to an identified person is PHI.
	if hasIdentifier && !r.PHIDetected {
		lower := strings.ToLower(text)
		for _, term := range clinicalTerms {
			if strings.Contains(lower, term) {
				r.PHIDetected = true
				r.Findings = append(r.Findings, Finding{Category: CategoryPHI, Kind: "clinical_context", Count: 1})
				if best < 0.75 {
					best = 0.75
				}
				break
			}
		}
	}

	r.Confidence = best
	if !r.PHIDetected && !r.PIIDetected {
		r.Confidence = 0.9 // confident nothing was found
	}
	return r, nil
}

// #endregion pattern-detector

// #region helpers

func filter(in []string, keep func(string) bool) []string {
	out := in[:0:0]
	for _, s := range in {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

// luhn validates a card number, ignoring spaces and dashes.
func luhn(s string) bool {
	var digits []int
	for _, c := range s {
		if c >= '0' && c <= '9' {
			digits = append(digits, int(c-'0'))
		}
	}
	if len(digits) < 13 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// #endregion helpers
