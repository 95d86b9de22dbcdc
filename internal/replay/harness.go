// Package replay runs recorded evaluation sequences through a fully
// in-memory pipeline and compares the decisions with expected statuses.
package replay

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/zynapses/cato-safety/internal/audit"
	"github.com/zynapses/cato-safety/internal/barrier"
	"github.com/zynapses/cato-safety/internal/escalation"
	"github.com/zynapses/cato-safety/internal/logging"
	"github.com/zynapses/cato-safety/internal/perception"
	"github.com/zynapses/cato-safety/internal/persona"
	"github.com/zynapses/cato-safety/internal/pipeline"
	"github.com/zynapses/cato-safety/internal/recovery"
	"github.com/zynapses/cato-safety/internal/session"
	"github.com/zynapses/cato-safety/internal/types"
	"github.com/zynapses/cato-safety/internal/veto"
)

// #region types

// VetoChange activates or clears one veto signal before a turn.
type VetoChange struct {
	Scope    string
	Name     string
	Severity veto.Severity
	Clear    bool
}

// Interaction is a single recorded evaluation. With UseRetryContext set, the
// request runs under the retry context of the session's last Retry, keeping
// its own uncertainty and precision.
type Interaction struct {
	TurnID          string
	Request         pipeline.Request
	Vetoes          []VetoChange
	UseRetryContext bool
}

// Result captures the outcome of replaying one interaction.
type Result struct {
	TurnID   string
	Status   pipeline.Status
	Stage    pipeline.Stage
	Reason   string
	Decision pipeline.Decision
}

// Summary provides aggregate stats from a replay run.
type Summary struct {
	TotalTurns  int
	Allowed     int
	Blocked     int
	Retries     int
	Escalations int
}

// #endregion types

// #region env

// Env is an in-memory pipeline with its stores exposed for inspection. The
// access store and the escalation queue share one in-memory SQLite database.
type Env struct {
	Pipeline    *pipeline.Pipeline
	Veto        *veto.Monitor
	Chain       *audit.Chain
	Sessions    *session.MemoryStore
	Access      *barrier.SQLiteAccessStore
	Escalations *escalation.Queue

	db *sql.DB
}

// NewEnv builds the in-memory pipeline.
func NewEnv(log *zap.Logger) (*Env, error) {
	log = logging.OrNop(log)
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	access, err := barrier.NewSQLiteAccessStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	queue, err := escalation.NewQueue(db, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	env := &Env{
		Veto:        veto.NewMonitor(veto.WithLogger(log)),
		Chain:       audit.NewChain(audit.NewMemoryStore(), log),
		Sessions:    session.NewMemoryStore(),
		Access:      access,
		Escalations: queue,
		db:          db,
	}
	env.Pipeline, err = pipeline.New(pipeline.Deps{
		Veto:       env.Veto,
		Perception: perception.NewPatternDetector(),
		Barriers: barrier.NewEvaluator(barrier.Collaborators{
			Definitions: access,
			Authorizer:  access,
			Models:      access,
			Agreements:  access,
			Violations:  access,
		}, log),
		Recovery: recovery.NewService(env.Sessions, queue, log),
		Personas: persona.NewResolver(env.Sessions, nil, log),
		Audit:    env.Chain,
		Logger:   log,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return env, nil
}

// Close releases the in-memory database.
func (e *Env) Close() error {
	return e.db.Close()
}

// #endregion env

// #region replay

// Replay evaluates interactions in order. It stops at the first
// infrastructure error and returns the results gathered so far.
func Replay(ctx context.Context, env *Env, interactions []Interaction) ([]Result, error) {
	results := make([]Result, 0, len(interactions))
	retries := make(map[string]types.ExecutionContext)

	for _, inter := range interactions {
		// 1. Veto changes
		for _, v := range inter.Vetoes {
			if v.Clear {
				env.Veto.Deactivate(v.Scope, v.Name)
				continue
			}
			env.Veto.Activate(v.Scope, v.Name, v.Severity, "replay")
		}

		// 2. Retry context
		req := inter.Request
		sid := req.Context.SessionID
		if rc, ok := retries[sid]; inter.UseRetryContext && ok {
			rc.EpistemicUncertainty = req.Context.EpistemicUncertainty
			rc.SensoryPrecision = req.Context.SensoryPrecision
			req.Context = rc
		}

		// 3. Evaluate
		d, err := env.Pipeline.Evaluate(ctx, req)
		if err != nil {
			return results, fmt.Errorf("turn %s: %w", inter.TurnID, err)
		}
		if r, ok := d.(pipeline.Retry); ok {
			retries[sid] = r.Context
		}
		results = append(results, Result{
			TurnID:   inter.TurnID,
			Status:   d.Status(),
			Stage:    d.Stage(),
			Reason:   reasonOf(d),
			Decision: d,
		})
	}
	return results, nil
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []Result) Summary {
	s := Summary{TotalTurns: len(results)}
	for _, r := range results {
		switch r.Status {
		case pipeline.StatusAllowed:
			s.Allowed++
		case pipeline.StatusBlocked:
			s.Blocked++
		case pipeline.StatusRecovery:
			s.Retries++
		case pipeline.StatusEscalated:
			s.Escalations++
		}
	}
	return s
}

func reasonOf(d pipeline.Decision) string {
	switch d := d.(type) {
	case pipeline.Allowed:
		return fmt.Sprintf("confidence %.3f (%s), persona %s", d.Confidence, d.GovernorState, d.Persona.Persona.Name)
	case pipeline.Blocked:
		return d.Reason
	case pipeline.Retry:
		return fmt.Sprintf("%s attempt %d: %s", d.Strategy(), d.Attempt, d.Reason)
	case pipeline.Escalated:
		return fmt.Sprintf("escalation %s: %s", d.EscalationID, d.Reason)
	default:
		return ""
	}
}

// #endregion replay
