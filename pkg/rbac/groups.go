package rbac

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/haulbase/haulbase/pkg/observability"
	"github.com/haulbase/haulbase/pkg/permissions"
)

// GroupManager owns permission groups and their role attachments
type GroupManager struct {
	store    *Store
	resolver *Resolver
	logger   *observability.Logger
}

// NewGroupManager creates a group manager
func NewGroupManager(store *Store, resolver *Resolver, logger *observability.Logger) *GroupManager {
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	return &GroupManager{store: store, resolver: resolver, logger: logger}
}

// CreateGroup creates a custom group with one item per permission
func (m *GroupManager) CreateGroup(ctx context.Context, input CreateGroupInput) (*PermissionGroup, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: group name is required", ErrValidation)
	}
	perms, err := validatePermissions(m.resolver.Catalog(), input.Permissions)
	if err != nil {
		return nil, err
	}
	permissions.Sort(perms)

	group := &PermissionGroup{
		CompanyID:   input.CompanyID,
		Name:        name,
		Description: input.Description,
		Permissions: perms,
	}
	if err := m.store.CreateGroup(ctx, group); err != nil {
		return nil, err
	}

	m.logger.WithFields(map[string]interface{}{
		"group_id":    group.ID,
		"company_id":  group.CompanyID,
		"permissions": len(perms),
	}).Info("Permission group created")
	return group, nil
}

// UpdateGroup updates metadata and, when update.Permissions is non-nil,
// replaces the items and invalidates every user reachable through the group
func (m *GroupManager) UpdateGroup(ctx context.Context, groupID int64, update GroupUpdate) (*PermissionGroup, error) {
	group, err := m.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	var perms []permissions.Permission
	if update.Permissions != nil {
		if perms, err = validatePermissions(m.resolver.Catalog(), update.Permissions); err != nil {
			return nil, err
		}
	}

	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: group name is required", ErrValidation)
		}
		if group.IsSystem && name != group.Name {
			return nil, fmt.Errorf("%w: system group %q cannot be renamed", ErrForbidden, group.Name)
		}
		group.Name = name
	}
	if update.Description != nil {
		group.Description = *update.Description
	}

	if update.Name != nil || update.Description != nil {
		if err := m.store.UpdateGroup(ctx, group); err != nil {
			return nil, err
		}
	}

	if update.Permissions != nil {
		if err := m.store.ReplaceGroupItems(ctx, groupID, perms); err != nil {
			return nil, err
		}
		if err := m.resolver.InvalidateGroup(ctx, groupID); err != nil {
			return nil, err
		}
		m.logger.WithFields(map[string]interface{}{
			"group_id":    groupID,
			"permissions": len(perms),
		}).Info("Permission group items replaced")
	}

	return m.store.GetGroup(ctx, groupID)
}

// DeleteGroup deletes a custom group. Attached roles lose the group's
// permissions. Affected users are invalidated before the delete and again
// after it, so a read racing the delete cannot leave a stale entry behind.
func (m *GroupManager) DeleteGroup(ctx context.Context, groupID int64) error {
	group, err := m.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if group.IsSystem {
		return fmt.Errorf("%w: system group %q cannot be deleted", ErrForbidden, group.Name)
	}

	affected, err := m.resolver.usersUnderGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if err := m.resolver.invalidate(ctx, ScopeGroup, affected, false); err != nil {
		return err
	}

	if err := m.store.DeleteGroup(ctx, groupID); err != nil {
		return err
	}

	if err := m.resolver.invalidate(ctx, ScopeGroup, affected, false); err != nil {
		return err
	}

	m.logger.WithFields(map[string]interface{}{
		"group_id":       groupID,
		"company_id":     group.CompanyID,
		"affected_users": len(affected),
	}).Info("Permission group deleted")
	return nil
}

// AssignToRole attaches a group to a role of the same company
func (m *GroupManager) AssignToRole(ctx context.Context, groupID, roleID int64) error {
	group, err := m.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	role, err := m.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if group.CompanyID != role.CompanyID {
		return fmt.Errorf("%w: group and role belong to different companies", ErrValidation)
	}

	if err := m.store.AttachGroup(ctx, groupID, roleID); err != nil {
		return err
	}
	if err := m.resolver.InvalidateRole(ctx, roleID); err != nil {
		return err
	}

	m.logger.WithFields(map[string]interface{}{
		"group_id": groupID,
		"role_id":  roleID,
	}).Info("Permission group attached to role")
	return nil
}

// RemoveFromRole detaches a group from a role. Detaching a group that is not
// attached is a no-op.
func (m *GroupManager) RemoveFromRole(ctx context.Context, groupID, roleID int64) error {
	if _, err := m.store.GetGroup(ctx, groupID); err != nil {
		return err
	}
	if _, err := m.store.GetRole(ctx, roleID); err != nil {
		return err
	}

	removed, err := m.store.DetachGroup(ctx, groupID, roleID)
	if err != nil {
		return err
	}
	if err := m.resolver.InvalidateRole(ctx, roleID); err != nil {
		return err
	}

	if removed {
		m.logger.WithFields(map[string]interface{}{
			"group_id": groupID,
			"role_id":  roleID,
		}).Info("Permission group detached from role")
	}
	return nil
}

// GetGroupsForCompany returns a company's groups, system groups first then by name
func (m *GroupManager) GetGroupsForCompany(ctx context.Context, companyID int64) ([]PermissionGroup, error) {
	groups, err := m.store.ListGroups(ctx, companyID)
	if err != nil {
		return nil, err
	}
	sortGroups(groups)
	return groups, nil
}

// GetGroupWithDetails returns a group with its items and the roles it is attached to
func (m *GroupManager) GetGroupWithDetails(ctx context.Context, groupID int64) (*GroupDetails, error) {
	group, err := m.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	roleIDs, err := m.store.GetRoleIDsForGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	roles, err := m.store.GetRolesByIDs(ctx, roleIDs)
	if err != nil {
		return nil, err
	}
	sortRoles(roles)
	if roles == nil {
		roles = []Role{}
	}
	if group.Permissions == nil {
		group.Permissions = []permissions.Permission{}
	}
	return &GroupDetails{PermissionGroup: *group, Roles: roles}, nil
}

// GetGroupsForRole returns the groups attached to a role, system groups first
func (m *GroupManager) GetGroupsForRole(ctx context.Context, roleID int64) ([]PermissionGroup, error) {
	if _, err := m.store.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	groups, err := m.store.ListGroupsForRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	sortGroups(groups)
	return groups, nil
}

func sortGroups(groups []PermissionGroup) {
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].IsSystem != groups[j].IsSystem {
			return groups[i].IsSystem
		}
		return groups[i].Name < groups[j].Name
	})
}
