// Package session provides the per-session state store used by epistemic
// recovery and persona resolution, backed by process memory or Redis.
package session

import (
	"context"
	"sync"
	"time"
)

// #region memory-store

type expiring[T any] struct {
	value   T
	expires time.Time
}

func (e expiring[T]) live(now time.Time) bool {
	return e.expires.IsZero() || now.Before(e.expires)
}

type overrideKey struct {
	session string
	kind    OverrideKind
}

// MemoryStore is a process-local StateStore for single-instance deployments
// and tests.
type MemoryStore struct {
	mu         sync.Mutex
	now        func() time.Time
	rejections map[string][]RejectionEvent
	overrides  map[overrideKey]expiring[string]
	recovery   map[string]expiring[RecoveryState]
}

// NewMemoryStore creates an empty store using the wall clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock creates a store with an injected clock for TTLs.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		now:        now,
		rejections: make(map[string][]RejectionEvent),
		overrides:  make(map[overrideKey]expiring[string]),
		recovery:   make(map[string]expiring[RecoveryState]),
	}
}

// #endregion memory-store

// #region rejections

// AppendRejection implements StateStore.
func (m *MemoryStore) AppendRejection(_ context.Context, sessionID string, ev RejectionEvent, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := ev.Timestamp.Add(-window)
	kept := m.rejections[sessionID][:0:0]
	for _, old := range m.rejections[sessionID] {
		if old.Timestamp.After(cutoff) {
			kept = append(kept, old)
		}
	}
	kept = append(kept, ev)
	m.rejections[sessionID] = kept
	return len(kept), nil
}

// Rejections implements StateStore.
func (m *MemoryStore) Rejections(_ context.Context, sessionID string) ([]RejectionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RejectionEvent, len(m.rejections[sessionID]))
	copy(out, m.rejections[sessionID])
	return out, nil
}

// ClearRejections implements StateStore.
func (m *MemoryStore) ClearRejections(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rejections, sessionID)
	return nil
}

// #endregion rejections

// #region overrides

// PersonaOverride implements StateStore.
func (m *MemoryStore) PersonaOverride(_ context.Context, sessionID string, kind OverrideKind) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := overrideKey{sessionID, kind}
	e, ok := m.overrides[k]
	if !ok {
		return "", ErrNotFound
	}
	if !e.live(m.now()) {
		delete(m.overrides, k)
		return "", ErrNotFound
	}
	return e.value, nil
}

// SetPersonaOverride implements StateStore.
func (m *MemoryStore) SetPersonaOverride(_ context.Context, sessionID string, kind OverrideKind, persona string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[overrideKey{sessionID, kind}] = expiring[string]{value: persona, expires: m.expiry(ttl)}
	return nil
}

// ClearPersonaOverride implements StateStore.
func (m *MemoryStore) ClearPersonaOverride(_ context.Context, sessionID string, kind OverrideKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.overrides, overrideKey{sessionID, kind})
	return nil
}

// #endregion overrides

// #region recovery

// RecoveryState implements StateStore.
func (m *MemoryStore) RecoveryState(_ context.Context, sessionID string) (RecoveryState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.recovery[sessionID]
	if !ok {
		return RecoveryState{}, ErrNotFound
	}
	if !e.live(m.now()) {
		delete(m.recovery, sessionID)
		return RecoveryState{}, ErrNotFound
	}
	return e.value, nil
}

// SetRecoveryState implements StateStore.
func (m *MemoryStore) SetRecoveryState(_ context.Context, sessionID string, st RecoveryState, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recovery[sessionID] = expiring[RecoveryState]{value: st, expires: m.expiry(ttl)}
	return nil
}

// ClearRecoveryState implements StateStore.
func (m *MemoryStore) ClearRecoveryState(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recovery, sessionID)
	return nil
}

// #endregion recovery

// #region helpers

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// #endregion helpers
