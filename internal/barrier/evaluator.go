// Package barrier evaluates hard safety constraints on a proposed action.
// Barriers never relax and always enforce.
package barrier

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zynapses/cato-safety/internal/logging"
	"github.com/zynapses/cato-safety/internal/types"
)

// RuleBAARequiredForPHI is the built-in custom rule name.
const RuleBAARequiredForPHI = "baa_required_for_phi"

// #region evaluator

// Collaborators are the stores an Evaluator reads from. A nil Authorizer or
// AgreementChecker denies.
type Collaborators struct {
	Definitions DefinitionStore
	Authorizer  Authorizer
	Models      ModelCatalog
	Agreements  AgreementChecker
	Violations  ViolationRecorder
}

// Evaluator computes barrier margins. It has no mode field; Mode is a
// constant.
type Evaluator struct {
	c     Collaborators
	rules map[string]CustomRule
	log   *zap.Logger
	now   func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithRule registers a custom rule under name.
func WithRule(name string, rule CustomRule) Option {
	return func(e *Evaluator) { e.rules[name] = rule }
}

// WithClock injects the time source for violation records.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// NewEvaluator creates an evaluator with the built-in custom rules.
func NewEvaluator(c Collaborators, log *zap.Logger, opts ...Option) *Evaluator {
	e := &Evaluator{
		c:     c,
		rules: make(map[string]CustomRule),
		log:   logging.OrNop(log).Named("barrier"),
		now:   time.Now,
	}
	e.rules[RuleBAARequiredForPHI] = e.baaRequiredForPHI
	for _, o := range opts {
		o(e)
	}
	return e
}

// Mode always returns ENFORCE.
func (e *Evaluator) Mode() EnforcementMode { return ModeEnforce }

// #endregion evaluator

// #region evaluate

// Evaluate computes one margin per barrier and, when a critical barrier is
// violated, a safe alternative. Infrastructure faults deny.
func (e *Evaluator) Evaluate(ctx context.Context, tenantID, userID string, action types.ProposedAction, state types.SystemState) Result {
	res := Result{Mode: ModeEnforce}

	// 1. Load definitions; failure is a synthetic critical violation.
	defs, err := e.definitions(ctx, tenantID)
	if err != nil {
		e.log.Error("load barrier definitions", zap.String("tenant_id", tenantID), zap.Error(err))
		ev := Evaluation{
			BarrierID: "definitions",
			Kind:      kindDefinitions,
			Name:      "definitions_unavailable",
			Margin:    -1,
			Critical:  true,
			Detail:    "barrier definitions could not be loaded",
		}
		res.Evaluations = []Evaluation{ev}
		res.Violations = []Evaluation{ev}
		res.Alternative = genericAlternative()
		e.record(ctx, tenantID, userID, action, res)
		return res
	}

	// 2. Margins.
	in := RuleInput{TenantID: tenantID, UserID: userID, Action: action, State: state}
	for _, d := range defs {
		ev := e.margin(ctx, d, in)
		res.Evaluations = append(res.Evaluations, ev)
		if ev.Violated() {
			res.Violations = append(res.Violations, ev)
		}
	}
	res.Admissible = len(res.Violations) == 0
	if res.Admissible {
		return res
	}

	// 3. Safe alternative from the highest-priority critical violation.
	if crit, ok := firstCritical(res.Violations); ok {
		res.Alternative = e.alternative(ctx, crit, in)
	}
	e.record(ctx, tenantID, userID, action, res)
	return res
}

func (e *Evaluator) definitions(ctx context.Context, tenantID string) ([]Definition, error) {
	if e.c.Definitions == nil {
		return DefaultDefinitions(), nil
	}
	defs, err := e.c.Definitions.Definitions(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return DefaultDefinitions(), nil
	}
	return defs, nil
}

// margin computes the signed margin of one barrier.
func (e *Evaluator) margin(ctx context.Context, d Definition, in RuleInput) Evaluation {
	ev := Evaluation{BarrierID: d.ID, Kind: d.Kind, Name: d.Name, Critical: d.Critical}
	a := in.Action

	switch d.Kind {
	case KindPHI:
		ev.Margin = flagMargin(a.ContainsPHI)
		if a.ContainsPHI {
			ev.Detail = "content contains PHI"
		}

	case KindPII:
		ev.Margin = flagMargin(a.ContainsPII)
		if a.ContainsPII {
			ev.Detail = "content contains PII"
		}

	case KindCost:
		ceiling := d.Threshold.HardCeiling * (1 - d.Threshold.BufferPercent/100)
		projected := in.State.CurrentCost + a.EstimatedCost
		ev.Margin = ceiling - projected
		ev.Detail = fmt.Sprintf("effective ceiling %.2f, projected %.2f", ceiling, projected)

	case KindRate:
		ev.Margin = float64(d.Threshold.MaxRequests - in.State.RequestCount)
		ev.Detail = fmt.Sprintf("%d of %d requests used", in.State.RequestCount, d.Threshold.MaxRequests)

	case KindAuth:
		ok, err := e.authorized(ctx, in.TenantID, in.UserID, a.ModelID)
		switch {
		case err != nil:
			e.log.Warn("authorization lookup failed, denying", zap.String("model_id", a.ModelID), zap.Error(err))
			ev.Margin = -1
			ev.Detail = "authorization lookup failed"
		case ok:
			ev.Margin = 1
		default:
			ev.Margin = -1
			ev.Detail = fmt.Sprintf("model %s not authorized", a.ModelID)
		}

	case KindCustom:
		rule, ok := e.rules[d.Threshold.Rule]
		if !ok {
			ev.Margin = -1
			ev.Detail = fmt.Sprintf("unknown custom rule %q", d.Threshold.Rule)
			break
		}
		ev.Margin, ev.Detail = rule(ctx, in)

	default:
		ev.Margin = -1
		ev.Detail = fmt.Sprintf("unknown barrier kind %q", d.Kind)
	}
	return ev
}

func (e *Evaluator) authorized(ctx context.Context, tenantID, userID, modelID string) (bool, error) {
	if e.c.Authorizer == nil {
		return false, fmt.Errorf("no authorizer configured")
	}
	return e.c.Authorizer.IsAuthorized(ctx, tenantID, userID, modelID)
}

// baaRequiredForPHI denies PHI-bearing actions unless the tenant has a signed
// BAA. Lookup failure denies.
func (e *Evaluator) baaRequiredForPHI(ctx context.Context, in RuleInput) (float64, string) {
	if !in.Action.ContainsPHI {
		return 1, ""
	}
	if e.c.Agreements == nil {
		return -1, "no agreement checker configured"
	}
	signed, err := e.c.Agreements.HasSignedBAA(ctx, in.TenantID)
	if err != nil {
		e.log.Warn("BAA lookup failed, denying", zap.String("tenant_id", in.TenantID), zap.Error(err))
		return -1, "BAA lookup failed"
	}
	if !signed {
		return -1, "PHI requires a signed BAA"
	}
	return 1, ""
}

func flagMargin(flagged bool) float64 {
	if flagged {
		return -1
	}
	return 1
}

// #endregion evaluate

// #region alternatives

// kindPriority orders violations when choosing an alternative.
var kindPriority = map[Kind]int{
	KindPHI: 0, KindPII: 1, KindCost: 2, KindRate: 3, KindAuth: 4, KindCustom: 5, kindDefinitions: 6,
}

func firstCritical(vs []Evaluation) (Evaluation, bool) {
	var best Evaluation
	found := false
	for _, v := range vs {
		if !v.Critical {
			continue
		}
		if !found || kindPriority[v.Kind] < kindPriority[best.Kind] {
			best, found = v, true
		}
	}
	return best, found
}

func (e *Evaluator) alternative(ctx context.Context, v Evaluation, in RuleInput) *SafeAlternative {
	switch v.Kind {
	case KindPHI, KindPII:
		return &SafeAlternative{
			Strategy: StrategyRejectAndAsk,
			Message:  "This request involves protected personal information and cannot be completed as written. Please rephrase it without identifying details.",
		}
	case KindCost:
		if alt := e.cheaperModel(ctx, in); alt != nil {
			return alt
		}
		return &SafeAlternative{
			Strategy: StrategyRejectAndAsk,
			Message:  "This request would exceed the cost limit. Please narrow it or contact an administrator.",
		}
	case KindRate:
		return &SafeAlternative{
			Strategy: StrategyReduceScope,
			Message:  "The request limit has been reached. Please try again later or reduce the scope of the request.",
		}
	default:
		return genericAlternative()
	}
}

// cheaperModel proposes the cheapest accessible model when it is cheaper
// than the requested one.
func (e *Evaluator) cheaperModel(ctx context.Context, in RuleInput) *SafeAlternative {
	if e.c.Models == nil {
		return nil
	}
	models, err := e.c.Models.AccessibleModels(ctx, in.TenantID, in.UserID)
	if err != nil {
		e.log.Warn("list accessible models", zap.Error(err))
		return nil
	}
	var requested, cheapest *Model
	for i := range models {
		m := &models[i]
		if m.ID == in.Action.ModelID {
			requested = m
		}
		if cheapest == nil || m.Price < cheapest.Price {
			cheapest = m
		}
	}
	if requested == nil || cheapest == nil || cheapest.Price >= requested.Price {
		return nil
	}

	mod := in.Action
	mod.ModelID = cheapest.ID
	if requested.Price > 0 {
		mod.EstimatedCost = in.Action.EstimatedCost * cheapest.Price / requested.Price
	}
	return &SafeAlternative{
		Strategy:       StrategySuggestAlternative,
		ModifiedAction: &mod,
		Message:        fmt.Sprintf("This request would exceed the cost limit. Model %s can handle it at lower cost.", cheapest.ID),
	}
}

func genericAlternative() *SafeAlternative {
	return &SafeAlternative{
		Strategy: StrategyRejectAndAsk,
		Message:  "This request cannot be completed right now. Please clarify or adjust it and try again.",
	}
}

// #endregion alternatives

// #region record

// record persists each violation. Recorder errors are logged only.
func (e *Evaluator) record(ctx context.Context, tenantID, userID string, action types.ProposedAction, res Result) {
	if e.c.Violations == nil {
		return
	}
	var strategy Strategy
	if res.Alternative != nil {
		strategy = res.Alternative.Strategy
	}
	now := e.now().UTC()
	for _, v := range res.Violations {
		err := e.c.Violations.RecordViolation(ctx, Violation{
			TenantID:   tenantID,
			UserID:     userID,
			BarrierID:  v.BarrierID,
			Kind:       v.Kind,
			Margin:     v.Margin,
			Critical:   v.Critical,
			Strategy:   strategy,
			ActionType: action.Type,
			ModelID:    action.ModelID,
			CreatedAt:  now,
		})
		if err != nil {
			e.log.Warn("record violation", zap.String("barrier_id", v.BarrierID), zap.Error(err))
		}
	}
}

// #endregion record
