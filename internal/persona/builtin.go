package persona

import (
	"context"
	"fmt"

	"github.com/zynapses/cato-safety/internal/types"
)

// #region builtins

// Built-in persona names.
const (
	Balanced = "balanced"
	Scout    = "scout"
	Sage     = "sage"
	Spark    = "spark"
	Guide    = "guide"
)

// SystemDefault is used when no other level matches.
const SystemDefault = Balanced

var builtins = map[string]Persona{
	Balanced: {
		ID:                "sys-balanced",
		Name:              Balanced,
		Scope:             ScopeSystem,
		Drives:            Drives{Curiosity: 0.5, Achievement: 0.5, Service: 0.6, Discovery: 0.4, Reflection: 0.5},
		DefaultConfidence: 1.0,
		Voice:             "neutral",
		Presentation:      "concise",
		Behavior:          "answers directly, asks when unsure",
	},
	Scout: {
		ID:                "sys-scout",
		Name:              Scout,
		Scope:             ScopeSystem,
		Drives:            Drives{Curiosity: 0.95, Achievement: 0.3, Service: 0.5, Discovery: 0.9, Reflection: 0.6},
		DefaultConfidence: 0.7,
		Voice:             "inquisitive",
		Presentation:      "question-led",
		Behavior:          "asks clarifying questions before acting",
	},
	Sage: {
		ID:                "sys-sage",
		Name:              Sage,
		Scope:             ScopeSystem,
		Drives:            Drives{Curiosity: 0.4, Achievement: 0.5, Service: 0.6, Discovery: 0.3, Reflection: 0.95},
		DefaultConfidence: 1.2,
		Voice:             "measured",
		Presentation:      "structured",
		Behavior:          "explains reasoning and caveats",
	},
	Spark: {
		ID:                "sys-spark",
		Name:              Spark,
		Scope:             ScopeSystem,
		Drives:            Drives{Curiosity: 0.7, Achievement: 0.9, Service: 0.5, Discovery: 0.7, Reflection: 0.2},
		DefaultConfidence: 1.5,
		Voice:             "energetic",
		Presentation:      "brief",
		Behavior:          "proposes next steps proactively",
	},
	Guide: {
		ID:                "sys-guide",
		Name:              Guide,
		Scope:             ScopeSystem,
		Drives:            Drives{Curiosity: 0.3, Achievement: 0.4, Service: 0.95, Discovery: 0.2, Reflection: 0.6},
		DefaultConfidence: 1.0,
		Voice:             "warm",
		Presentation:      "step-by-step",
		Behavior:          "walks the user through each step",
	},
}

// Builtin returns a built-in persona by name.
func Builtin(name string) (Persona, bool) {
	p, ok := builtins[name]
	return p, ok
}

// BuiltinCatalog serves only the built-in personas and has no saved
// selections.
type BuiltinCatalog struct{}

// Persona implements Catalog.
func (BuiltinCatalog) Persona(_ context.Context, _, name string) (Persona, error) {
	if p, ok := builtins[name]; ok {
		return p, nil
	}
	return Persona{}, fmt.Errorf("%w: %s", ErrUnknownPersona, name)
}

// UserSelection implements Catalog.
func (BuiltinCatalog) UserSelection(context.Context, string, string) (string, error) { return "", nil }

// TenantDefault implements Catalog.
func (BuiltinCatalog) TenantDefault(context.Context, string) (string, error) { return "", nil }

// #endregion builtins

// #region matrix

// Matrix derives behaviour from the drive vector. Same drives, same matrix.
func (p Persona) Matrix() Matrix {
	d := p.Drives
	return Matrix{
		Exploration:  types.Clamp01((d.Curiosity + d.Discovery) / 2),
		Thoroughness: types.Clamp01((d.Achievement + d.Reflection) / 2),
		Proactivity:  types.Clamp01(0.6*d.Achievement + 0.4*d.Discovery),
		Caution:      types.Clamp01(d.Reflection * (1 - 0.5*d.Curiosity)),
		Verbosity:    types.Clamp01((d.Service + d.Reflection) / 2),
		QuestionRate: types.Clamp01(0.7*d.Curiosity + 0.3*d.Reflection),
	}
}

// #endregion matrix
