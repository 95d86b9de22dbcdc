package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zynapses/cato-safety/internal/barrier"
	"github.com/zynapses/cato-safety/internal/config"
	"github.com/zynapses/cato-safety/internal/pipeline"
	"github.com/zynapses/cato-safety/internal/types"
	"github.com/zynapses/cato-safety/internal/veto"
)

// #region fixture-types

// Fixture is the top-level structure of a replay fixture, JSON or YAML.
type Fixture struct {
	Description     string                  `json:"description" yaml:"description"`
	TenantID        string                  `json:"tenant_id" yaml:"tenant_id"`
	Settings        config.TenantOverrides  `json:"settings" yaml:"settings"`
	Models          []FixtureModel          `json:"models" yaml:"models"`
	Barriers        []FixtureBarrier        `json:"barriers" yaml:"barriers"`
	BAASigned       bool                    `json:"baa_signed" yaml:"baa_signed"`
	Interactions    []FixtureInteraction    `json:"interactions" yaml:"interactions"`
	ExpectedResults []FixtureExpectedResult `json:"expected_results" yaml:"expected_results"`
}

// FixtureModel is one catalog entry.
type FixtureModel struct {
	ID     string  `json:"id" yaml:"id"`
	Price  float64 `json:"price" yaml:"price"`
	Public bool    `json:"public" yaml:"public"`
}

// FixtureBarrier mirrors barrier.Definition with flat threshold fields.
type FixtureBarrier struct {
	ID            string  `json:"id" yaml:"id"`
	Kind          string  `json:"kind" yaml:"kind"`
	Name          string  `json:"name" yaml:"name"`
	Critical      bool    `json:"critical" yaml:"critical"`
	HardCeiling   float64 `json:"hard_ceiling,omitempty" yaml:"hard_ceiling,omitempty"`
	BufferPercent float64 `json:"buffer_percent,omitempty" yaml:"buffer_percent,omitempty"`
	MaxRequests   int     `json:"max_requests,omitempty" yaml:"max_requests,omitempty"`
	Rule          string  `json:"rule,omitempty" yaml:"rule,omitempty"`
}

// FixtureVeto activates a signal before a turn, or deactivates it when Clear
// is set.
type FixtureVeto struct {
	Scope    string `json:"scope" yaml:"scope"`
	Name     string `json:"name" yaml:"name"`
	Severity string `json:"severity,omitempty" yaml:"severity,omitempty"`
	Clear    bool   `json:"clear,omitempty" yaml:"clear,omitempty"`
}

// FixtureAction mirrors types.ProposedAction.
type FixtureAction struct {
	Type                string  `json:"type" yaml:"type"`
	ModelID             string  `json:"model_id" yaml:"model_id"`
	EstimatedCost       float64 `json:"estimated_cost" yaml:"estimated_cost"`
	Destructive         bool    `json:"destructive" yaml:"destructive"`
	ContainsPHI         bool    `json:"contains_phi" yaml:"contains_phi"`
	ContainsPII         bool    `json:"contains_pii" yaml:"contains_pii"`
	RequestedConfidence float64 `json:"requested_confidence" yaml:"requested_confidence"`
	Content             string  `json:"content,omitempty" yaml:"content,omitempty"`
	Intent              string  `json:"intent,omitempty" yaml:"intent,omitempty"`
	Response            string  `json:"response,omitempty" yaml:"response,omitempty"`
}

// FixtureInteraction is one recorded evaluation.
type FixtureInteraction struct {
	TurnID               string        `json:"turn_id" yaml:"turn_id"`
	SessionID            string        `json:"session_id" yaml:"session_id"`
	UserID               string        `json:"user_id" yaml:"user_id"`
	EpistemicUncertainty float64       `json:"epistemic_uncertainty" yaml:"epistemic_uncertainty"`
	SensoryPrecision     float64       `json:"sensory_precision" yaml:"sensory_precision"`
	Action               FixtureAction `json:"action" yaml:"action"`
	CurrentCost          float64       `json:"current_cost" yaml:"current_cost"`
	RequestCount         int           `json:"request_count" yaml:"request_count"`
	Vetoes               []FixtureVeto `json:"vetoes,omitempty" yaml:"vetoes,omitempty"`
	UseRetryContext      bool          `json:"use_retry_context,omitempty" yaml:"use_retry_context,omitempty"`
}

// FixtureExpectedResult is the expected status, and optionally stage, per
// turn.
type FixtureExpectedResult struct {
	TurnID string `json:"turn_id" yaml:"turn_id"`
	Status string `json:"status" yaml:"status"`
	Stage  string `json:"stage,omitempty" yaml:"stage,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads a fixture. .yaml and .yml files are parsed as YAML,
// anything else as JSON.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	default:
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if f.TenantID == "" {
		f.TenantID = "replay"
	}
	return &f, nil
}

// TenantSettings merges the fixture overrides onto the defaults.
func (f *Fixture) TenantSettings() (config.TenantSettings, error) {
	s := f.Settings.Apply(config.Defaults())
	if err := config.Validate(s); err != nil {
		return config.TenantSettings{}, fmt.Errorf("fixture settings: %w", err)
	}
	return s, nil
}

// Seed writes the fixture's models, barriers and BAA status into the
// environment's access store.
func (f *Fixture) Seed(ctx context.Context, env *Env) error {
	for _, m := range f.Models {
		if err := env.Access.PutModel(ctx, barrier.Model{ID: m.ID, Price: m.Price}, m.Public); err != nil {
			return err
		}
		if !m.Public {
			if err := env.Access.GrantModel(ctx, f.TenantID, m.ID); err != nil {
				return err
			}
		}
	}
	for _, b := range f.Barriers {
		if _, err := env.Access.PutDefinition(ctx, b.ToDefinition(f.TenantID)); err != nil {
			return err
		}
	}
	return env.Access.SetBAA(ctx, f.TenantID, f.BAASigned)
}

// ToDefinition converts a FixtureBarrier to a tenant-scoped definition.
func (fb *FixtureBarrier) ToDefinition(tenantID string) barrier.Definition {
	return barrier.Definition{
		ID:       fb.ID,
		TenantID: tenantID,
		Kind:     barrier.Kind(fb.Kind),
		Name:     fb.Name,
		Critical: fb.Critical,
		Threshold: barrier.Threshold{
			HardCeiling:   fb.HardCeiling,
			BufferPercent: fb.BufferPercent,
			MaxRequests:   fb.MaxRequests,
			Rule:          fb.Rule,
		},
	}
}

// ToInteraction converts a FixtureInteraction to a domain Interaction.
func (fi *FixtureInteraction) ToInteraction(tenantID string, s config.TenantSettings) (Interaction, error) {
	in := Interaction{
		TurnID:          fi.TurnID,
		UseRetryContext: fi.UseRetryContext,
		Request: pipeline.Request{
			Context: types.ExecutionContext{
				TenantID:             tenantID,
				UserID:               fi.UserID,
				SessionID:            fi.SessionID,
				EpistemicUncertainty: fi.EpistemicUncertainty,
				SensoryPrecision:     fi.SensoryPrecision,
				Settings:             s,
			},
			Action: types.ProposedAction{
				Type:                fi.Action.Type,
				ModelID:             fi.Action.ModelID,
				EstimatedCost:       fi.Action.EstimatedCost,
				Destructive:         fi.Action.Destructive,
				ContainsPHI:         fi.Action.ContainsPHI,
				ContainsPII:         fi.Action.ContainsPII,
				RequestedConfidence: fi.Action.RequestedConfidence,
				Content:             fi.Action.Content,
				Intent:              fi.Action.Intent,
				Response:            fi.Action.Response,
			},
			State: types.SystemState{
				CurrentCost:  fi.CurrentCost,
				RequestCount: fi.RequestCount,
				Settings:     s,
			},
		},
	}
	for _, v := range fi.Vetoes {
		vc := VetoChange{Scope: v.Scope, Name: v.Name, Clear: v.Clear}
		if vc.Scope == "" {
			vc.Scope = veto.GlobalScope
		}
		if !v.Clear {
			sev, ok := veto.ParseSeverity(v.Severity)
			if !ok {
				return Interaction{}, fmt.Errorf("turn %s: unknown veto severity %q", fi.TurnID, v.Severity)
			}
			vc.Severity = sev
		}
		in.Vetoes = append(in.Vetoes, vc)
	}
	return in, nil
}

// Turns converts every fixture interaction.
func (f *Fixture) Turns() ([]Interaction, error) {
	s, err := f.TenantSettings()
	if err != nil {
		return nil, err
	}
	out := make([]Interaction, 0, len(f.Interactions))
	for i := range f.Interactions {
		in, err := f.Interactions[i].ToInteraction(f.TenantID, s)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

// #endregion fixture-loader
