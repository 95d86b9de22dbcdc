// Package persona resolves the operating persona for a request and derives
// its behavioural matrix from the drive vector.
package persona

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zynapses/cato-safety/internal/logging"
	"github.com/zynapses/cato-safety/internal/session"
	"github.com/zynapses/cato-safety/internal/types"
)

// #region resolver

// Resolver picks a persona by walking the priority levels in order.
type Resolver struct {
	store   session.StateStore
	catalog Catalog
	log     *zap.Logger
}

// NewResolver creates a resolver. A nil catalog serves only the built-ins.
func NewResolver(store session.StateStore, catalog Catalog, log *zap.Logger) *Resolver {
	if catalog == nil {
		catalog = BuiltinCatalog{}
	}
	return &Resolver{store: store, catalog: catalog, log: logging.OrNop(log).Named("persona")}
}

// Resolve returns the highest-priority persona that exists. A level whose
// lookup fails or names an unknown persona is skipped. The system default
// always resolves, so the only error is context cancellation.
func (r *Resolver) Resolve(ctx context.Context, ec types.ExecutionContext) (Resolution, error) {
	if err := ctx.Err(); err != nil {
		return Resolution{}, err
	}

	// 1. Session overrides, recovery first.
	if ec.SessionID != "" && r.store != nil {
		for _, lvl := range []struct {
			kind   session.OverrideKind
			source Source
		}{
			{session.OverrideRecovery, SourceRecoveryOverride},
			{session.OverrideAPI, SourceAPIOverride},
		} {
			name, err := r.store.PersonaOverride(ctx, ec.SessionID, lvl.kind)
			if err != nil {
				if !errors.Is(err, session.ErrNotFound) {
					r.log.Warn("override lookup failed", zap.String("kind", string(lvl.kind)), zap.Error(err))
				}
				continue
			}
			if res, ok := r.lookup(ctx, ec.TenantID, name, lvl.source); ok {
				return res, nil
			}
		}
	}

	// 2. Saved user selection.
	if ec.UserID != "" {
		name, err := r.catalog.UserSelection(ctx, ec.TenantID, ec.UserID)
		if err != nil {
			r.log.Warn("user selection lookup failed", zap.String("user_id", ec.UserID), zap.Error(err))
		} else if res, ok := r.lookup(ctx, ec.TenantID, name, SourceUserSelection); ok {
			return res, nil
		}
	}

	// 3. Tenant default, only when it differs from the system default.
	name, err := r.catalog.TenantDefault(ctx, ec.TenantID)
	if err != nil {
		r.log.Warn("tenant default lookup failed", zap.String("tenant_id", ec.TenantID), zap.Error(err))
	} else if name != SystemDefault {
		if res, ok := r.lookup(ctx, ec.TenantID, name, SourceTenantDefault); ok {
			return res, nil
		}
	}

	// 4. System default.
	p := builtins[SystemDefault]
	return Resolution{Persona: p, Source: SourceSystemDefault, Matrix: p.Matrix()}, nil
}

func (r *Resolver) lookup(ctx context.Context, tenantID, name string, src Source) (Resolution, bool) {
	if name == "" {
		return Resolution{}, false
	}
	p, err := r.catalog.Persona(ctx, tenantID, name)
	if err != nil {
		r.log.Debug("skipping persona level", zap.String("source", string(src)), zap.String("name", name), zap.Error(err))
		return Resolution{}, false
	}
	return Resolution{Persona: p, Source: src, Matrix: p.Matrix()}, true
}

// #endregion resolver

// #region api-override

// SetAPIOverride forces a persona for one session until ttl elapses. The
// name must resolve in the catalog.
func (r *Resolver) SetAPIOverride(ctx context.Context, tenantID, sessionID, name string, ttl time.Duration) error {
	if sessionID == "" {
		return fmt.Errorf("set api override: empty session id")
	}
	if _, err := r.catalog.Persona(ctx, tenantID, name); err != nil {
		return fmt.Errorf("set api override: %w", err)
	}
	if err := r.store.SetPersonaOverride(ctx, sessionID, session.OverrideAPI, name, ttl); err != nil {
		return fmt.Errorf("set api override: %w", err)
	}
	return nil
}

// ClearAPIOverride removes an API override. Recovery overrides are untouched.
func (r *Resolver) ClearAPIOverride(ctx context.Context, sessionID string) error {
	if err := r.store.ClearPersonaOverride(ctx, sessionID, session.OverrideAPI); err != nil {
		return fmt.Errorf("clear api override: %w", err)
	}
	return nil
}

// #endregion api-override
