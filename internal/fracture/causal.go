package fracture

import (
	"strings"
)

// #region intent-rules

// intentRule forbids action verbs that contradict an intent keyword.
type intentRule struct {
	intent    []string
	forbidden []string
}

var intentRules = []intentRule{
	{
		intent:    []string{"read", "view", "show", "list", "summarize", "summarise", "explain", "look up", "check"},
		forbidden: []string{"delete", "remove", "drop", "write", "update", "modify", "send", "transfer", "export", "purchase"},
	},
	{
		intent:    []string{"draft", "preview", "simulate", "dry run", "estimate"},
		forbidden: []string{"send", "publish", "execute", "commit", "deploy", "charge"},
	},
	{
		intent:    []string{"anonymize", "redact", "de-identify", "mask"},
		forbidden: []string{"export", "share", "send", "publish"},
	},
	{
		intent:    []string{"cancel", "stop", "pause"},
		forbidden: []string{"create", "start", "renew", "purchase", "subscribe"},
	},
}

// evasionPatterns are phrases a response uses to avoid the request.
var evasionPatterns = []string{
	"what can i do for you",
	"is there anything else",
	"let's focus on something else",
	"i'd rather not",
	"i can't go into",
	"without going into detail",
	"that's not something i",
	"let's not worry about",
	"moving on",
	"as an ai",
}

// #endregion intent-rules

// #region causal

// causal flags a latent fracture when the action type contradicts the stated
// intent, or when the response evades it.
func causal(in Input) CausalResult {
	var r CausalResult
	intent := strings.ToLower(in.Intent)
	action := strings.ToLower(in.ActionType)

	for _, rule := range intentRules {
		hit := matchAny(intent, rule.intent)
		if hit == "" {
			continue
		}
		if bad := matchAny(action, rule.forbidden); bad != "" {
			r.Contradictions = append(r.Contradictions, hit+" -> "+bad)
		}
	}

	lower := strings.ToLower(in.Response)
	for _, p := range evasionPatterns {
		if strings.Contains(lower, p) {
			r.Evasions = append(r.Evasions, p)
		}
	}

	r.LatentFracture = len(r.Contradictions) > 0 || len(r.Evasions) > 0
	return r
}

// #endregion causal

// #region helpers

// matchAny returns the first keyword present as a word prefix in s.
func matchAny(s string, keywords []string) string {
	for _, k := range keywords {
		if containsWord(s, k) {
			return k
		}
	}
	return ""
}

// containsWord reports whether k appears in s starting at a word boundary.
func containsWord(s, k string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], k)
		if j < 0 {
			return false
		}
		pos := i + j
		if pos == 0 || !isWordByte(s[pos-1]) {
			return true
		}
		i = pos + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

// #endregion helpers
