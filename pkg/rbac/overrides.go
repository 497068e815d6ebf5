package rbac

import (
	"context"
	"fmt"

	"github.com/haulbase/haulbase/pkg/observability"
	"github.com/haulbase/haulbase/pkg/permissions"
)

// OverrideManager administers per-user GRANT and REVOKE overrides
type OverrideManager struct {
	store    *Store
	resolver *Resolver
	logger   *observability.Logger
}

// NewOverrideManager creates an override manager
func NewOverrideManager(store *Store, resolver *Resolver, logger *observability.Logger) *OverrideManager {
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	return &OverrideManager{store: store, resolver: resolver, logger: logger}
}

// Grant gives the user perm regardless of their roles
func (m *OverrideManager) Grant(ctx context.Context, userID int64, perm permissions.Permission) error {
	return m.Set(ctx, userID, perm, OverrideGrant)
}

// Revoke removes perm from the user regardless of their roles
func (m *OverrideManager) Revoke(ctx context.Context, userID int64, perm permissions.Permission) error {
	return m.Set(ctx, userID, perm, OverrideRevoke)
}

// Set records an override, replacing any previous one for the same permission
func (m *OverrideManager) Set(ctx context.Context, userID int64, perm permissions.Permission, overrideType OverrideType) error {
	if !overrideType.Valid() {
		return fmt.Errorf("%w: override type must be GRANT or REVOKE, got %q", ErrValidation, overrideType)
	}
	if !m.resolver.Catalog().Contains(perm) {
		return fmt.Errorf("%w: unknown permission %q", ErrValidation, perm)
	}
	if _, err := m.store.GetUser(ctx, userID); err != nil {
		return err
	}

	if err := m.store.UpsertOverride(ctx, userID, perm, overrideType); err != nil {
		return err
	}
	if err := m.resolver.InvalidateUser(ctx, userID); err != nil {
		return err
	}

	m.logger.WithFields(map[string]interface{}{
		"user_id":    userID,
		"permission": perm,
		"type":       overrideType,
	}).Info("Permission override saved")
	return nil
}

// Clear removes the user's override for perm, if any
func (m *OverrideManager) Clear(ctx context.Context, userID int64, perm permissions.Permission) error {
	if _, err := m.store.GetUser(ctx, userID); err != nil {
		return err
	}

	removed, err := m.store.DeleteOverride(ctx, userID, perm)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}
	if err := m.resolver.InvalidateUser(ctx, userID); err != nil {
		return err
	}

	m.logger.WithFields(map[string]interface{}{
		"user_id":    userID,
		"permission": perm,
	}).Info("Permission override cleared")
	return nil
}

// List returns the user's overrides ordered by permission
func (m *OverrideManager) List(ctx context.Context, userID int64) ([]UserPermissionOverride, error) {
	if _, err := m.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	overrides, err := m.store.GetUserOverrides(ctx, userID)
	if err != nil {
		return nil, err
	}
	if overrides == nil {
		overrides = []UserPermissionOverride{}
	}
	return overrides, nil
}
