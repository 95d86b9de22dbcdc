// Package veto holds absolute emergency stops. An active signal
// short-circuits the pipeline and is never the subject of a recovery strategy.
package veto

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zynapses/cato-safety/internal/logging"
	"github.com/zynapses/cato-safety/internal/metrics"
)

// #region monitor

type signalKey struct {
	scope string
	name  string
}

// Monitor keeps the active signal set in memory. Activation and deactivation
// are set operations, so alarm syncs can repeat without coordination.
type Monitor struct {
	mu       sync.RWMutex
	signals  map[signalKey]Signal
	mappings map[string]AlarmMapping
	now      func() time.Time
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock injects the time source used for activation and expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithAlarmMappings replaces the alarm table.
func WithAlarmMappings(mm map[string]AlarmMapping) Option {
	return func(m *Monitor) { m.mappings = mm }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) { m.log = logging.OrNop(l).Named("veto") }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// NewMonitor creates an empty monitor.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		signals:  make(map[signalKey]Signal),
		mappings: DefaultAlarmMappings(),
		now:      time.Now,
		log:      zap.NewNop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// #endregion monitor

// #region check

// Check returns the veto state for a tenant, combining global and tenant
// scopes. Expired signals are ignored.
func (m *Monitor) Check(tenantID string) Result {
	now := m.now()

	m.mu.RLock()
	var active []Signal
	for k, s := range m.signals {
		if k.scope != GlobalScope && k.scope != tenantID {
			continue
		}
		if now.Before(s.ExpiresAt()) {
			active = append(active, s)
		}
	}
	m.mu.RUnlock()

	if len(active) == 0 {
		return Result{Active: false, EnforcedConfidence: 0}
	}

	sortSignals(active)
	top := active[0]
	return Result{
		Active:             true,
		Signal:             &top,
		Signals:            active,
		EnforcedConfidence: top.Severity.Ceiling(),
		Escalate:           top.Severity == SeverityEmergency,
		Reason:             fmt.Sprintf("veto %s (%s) active in scope %s", top.Name, top.Severity, top.Scope),
	}
}

// ActiveSignals lists unexpired signals in one scope.
func (m *Monitor) ActiveSignals(scope string) []Signal {
	now := m.now()
	m.mu.RLock()
	var out []Signal
	for k, s := range m.signals {
		if k.scope == scope && now.Before(s.ExpiresAt()) {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()
	sortSignals(out)
	return out
}

// #endregion check

// #region activate

// Activate sets or refreshes a signal in scope. An empty scope is global.
// Re-activating an unexpired signal at the same severity only extends its
// expiry; ActivatedAt is kept and nothing is logged above debug.
func (m *Monitor) Activate(scope, name string, sev Severity, source string) Signal {
	if scope == "" {
		scope = GlobalScope
	}
	now := m.now()
	key := signalKey{scope, name}

	m.mu.Lock()
	if cur, ok := m.signals[key]; ok && cur.Severity == sev && now.Before(cur.ExpiresAt()) {
		cur.RefreshedAt = now
		cur.Source = source
		m.signals[key] = cur
		m.mu.Unlock()
		m.log.Debug("veto refreshed", zap.String("scope", scope), zap.String("signal", name))
		return cur
	}
	s := Signal{Name: name, Scope: scope, Severity: sev, Source: source, ActivatedAt: now}
	m.signals[key] = s
	n := m.countLocked(scope)
	m.mu.Unlock()

	m.metrics.SetActiveVetoes(scope, n)
	m.log.Warn("veto activated",
		zap.String("scope", scope),
		zap.String("signal", name),
		zap.String("severity", sev.String()),
		zap.String("source", source))
	return s
}

// Deactivate removes one signal. It reports whether the signal existed.
func (m *Monitor) Deactivate(scope, name string) bool {
	if scope == "" {
		scope = GlobalScope
	}
	m.mu.Lock()
	_, ok := m.signals[signalKey{scope, name}]
	delete(m.signals, signalKey{scope, name})
	n := m.countLocked(scope)
	m.mu.Unlock()

	if ok {
		m.metrics.SetActiveVetoes(scope, n)
		m.log.Info("veto deactivated", zap.String("scope", scope), zap.String("signal", name))
	}
	return ok
}

// Prune drops expired signals and returns how many were removed.
func (m *Monitor) Prune() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, s := range m.signals {
		if !now.Before(s.ExpiresAt()) {
			delete(m.signals, k)
			removed++
		}
	}
	return removed
}

// #endregion activate

// #region alarms

// HandleAlarm applies one alarm transition. Firing activates the mapped
// signal; clearing deactivates only that signal. Unknown alarms are ignored.
func (m *Monitor) HandleAlarm(t AlarmTransition) bool {
	mp, ok := m.mappings[t.Alarm]
	if !ok {
		m.log.Debug("unmapped alarm", zap.String("alarm", t.Alarm))
		return false
	}
	switch t.State {
	case AlarmFiring:
		m.Activate(t.Scope, mp.Signal, mp.Severity, "alarm:"+t.Alarm)
		return true
	case AlarmOK:
		return m.Deactivate(t.Scope, mp.Signal)
	default:
		return false
	}
}

// AlarmSource reports current alarm states.
type AlarmSource interface {
	Alarms(ctx context.Context) ([]AlarmTransition, error)
}

// SyncAlarms pulls alarm states from src and applies each one. The fetch
// happens before any lock is taken.
func (m *Monitor) SyncAlarms(ctx context.Context, src AlarmSource) (int, error) {
	alarms, err := src.Alarms(ctx)
	if err != nil {
		return 0, fmt.Errorf("sync alarms: %w", err)
	}
	applied := 0
	for _, a := range alarms {
		if m.HandleAlarm(a) {
			applied++
		}
	}
	return applied, nil
}

// RunAlarmSync calls SyncAlarms every interval until ctx is done.
func (m *Monitor) RunAlarmSync(ctx context.Context, src AlarmSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := m.SyncAlarms(ctx, src); err != nil {
			m.log.Warn("alarm sync failed", zap.Error(err))
		}
		m.Prune()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// #endregion alarms

// #region helpers

func (m *Monitor) countLocked(scope string) int {
	n := 0
	for k := range m.signals {
		if k.scope == scope {
			n++
		}
	}
	return n
}

// sortSignals orders by severity desc, then most recent, then name.
func sortSignals(s []Signal) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Severity != s[j].Severity {
			return s[i].Severity > s[j].Severity
		}
		if !s[i].ActivatedAt.Equal(s[j].ActivatedAt) {
			return s[i].ActivatedAt.After(s[j].ActivatedAt)
		}
		return s[i].Name < s[j].Name
	})
}

// #endregion helpers
