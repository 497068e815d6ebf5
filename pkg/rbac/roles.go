package rbac

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/haulbase/haulbase/pkg/observability"
	"github.com/haulbase/haulbase/pkg/permissions"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// RoleManager owns role lifecycle and hierarchy integrity. Every mutation
// that changes what a user is authorized to do invalidates the affected
// cache entries before returning.
type RoleManager struct {
	store    *Store
	resolver *Resolver
	logger   *observability.Logger
}

// NewRoleManager creates a role manager
func NewRoleManager(store *Store, resolver *Resolver, logger *observability.Logger) *RoleManager {
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	return &RoleManager{store: store, resolver: resolver, logger: logger}
}

// validatePermissions rejects permissions outside the catalog and removes duplicates
func validatePermissions(catalog *permissions.Catalog, perms []permissions.Permission) ([]permissions.Permission, error) {
	if unknown := catalog.Unknown(perms); len(unknown) > 0 {
		return nil, fmt.Errorf("%w: unknown permissions %v", ErrValidation, unknown)
	}
	return permissions.Dedupe(perms), nil
}

// CreateRole creates a custom role, optionally under a parent and with direct
// permission grants
func (m *RoleManager) CreateRole(ctx context.Context, input CreateRoleInput) (*Role, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrValidation)
	}
	if !slugPattern.MatchString(input.Slug) {
		return nil, fmt.Errorf("%w: invalid role slug %q", ErrValidation, input.Slug)
	}

	perms, err := validatePermissions(m.resolver.Catalog(), input.Permissions)
	if err != nil {
		return nil, err
	}

	if _, err := m.store.GetRoleBySlug(ctx, input.CompanyID, input.Slug); err == nil {
		return nil, fmt.Errorf("%w: role slug %q already exists", ErrConflict, input.Slug)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if input.ParentRoleID != nil {
		parent, err := m.store.GetRole(ctx, *input.ParentRoleID)
		if err != nil {
			return nil, err
		}
		if parent.CompanyID != input.CompanyID {
			return nil, fmt.Errorf("%w: parent role belongs to another company", ErrValidation)
		}
		if err := m.store.ValidateHierarchy(ctx, parent.ID, nil); err != nil {
			return nil, err
		}
	}

	role := &Role{
		CompanyID:    input.CompanyID,
		Name:         name,
		Slug:         input.Slug,
		Description:  input.Description,
		ParentRoleID: input.ParentRoleID,
	}
	if err := m.store.CreateRole(ctx, role, perms); err != nil {
		return nil, err
	}

	m.logger.WithFields(map[string]interface{}{
		"role_id":    role.ID,
		"company_id": role.CompanyID,
		"slug":       role.Slug,
	}).Info("Role created")

	return role, nil
}

// GetRole returns a role with its direct permissions
func (m *RoleManager) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	role, err := m.store.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role.Permissions, err = m.store.GetRolePermissions(ctx, roleID); err != nil {
		return nil, err
	}
	return role, nil
}

// GetRoleBySlug returns a company's role by slug with its direct permissions
func (m *RoleManager) GetRoleBySlug(ctx context.Context, companyID int64, slug string) (*Role, error) {
	role, err := m.store.GetRoleBySlug(ctx, companyID, slug)
	if err != nil {
		return nil, err
	}
	if role.Permissions, err = m.store.GetRolePermissions(ctx, role.ID); err != nil {
		return nil, err
	}
	return role, nil
}

// ListRoles returns a company's roles, system roles first then by name
func (m *RoleManager) ListRoles(ctx context.Context, companyID int64) ([]Role, error) {
	roles, err := m.store.ListRoles(ctx, companyID)
	if err != nil {
		return nil, err
	}
	sortRoles(roles)
	return roles, nil
}

// UpdateRole updates name and description, and replaces the direct grants
// when update.Permissions is non-nil. Only a permission change invalidates
// the cache.
func (m *RoleManager) UpdateRole(ctx context.Context, roleID int64, update RoleUpdate) (*Role, error) {
	role, err := m.store.GetRole(ctx, roleID)
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
			return nil, fmt.Errorf("%w: role name is required", ErrValidation)
		}
		if role.IsSystem && name != role.Name {
			return nil, fmt.Errorf("%w: system role %q cannot be renamed", ErrForbidden, role.Slug)
		}
		role.Name = name
	}
	if update.Description != nil {
		role.Description = *update.Description
	}

	if update.Name != nil || update.Description != nil {
		if err := m.store.UpdateRole(ctx, role); err != nil {
			return nil, err
		}
	}

	if update.Permissions != nil {
		if err := m.store.ReplaceRolePermissions(ctx, roleID, perms); err != nil {
			return nil, err
		}
		if err := m.resolver.InvalidateRole(ctx, roleID); err != nil {
			return nil, err
		}
		m.logger.WithFields(map[string]interface{}{
			"role_id":     roleID,
			"permissions": len(perms),
		}).Info("Role permissions replaced")
	}

	return m.GetRole(ctx, roleID)
}

// DeleteRole deletes a custom role that no user and no child role references
func (m *RoleManager) DeleteRole(ctx context.Context, roleID int64) error {
	role, err := m.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return fmt.Errorf("%w: system role %q cannot be deleted", ErrForbidden, role.Slug)
	}

	assigned, err := m.store.CountRoleAssignments(ctx, roleID)
	if err != nil {
		return err
	}
	if assigned > 0 {
		return fmt.Errorf("%w: role %q is assigned to %d users", ErrConflict, role.Slug, assigned)
	}

	children, err := m.store.CountChildRoles(ctx, roleID)
	if err != nil {
		return err
	}
	if children > 0 {
		return fmt.Errorf("%w: role %q is the parent of %d roles", ErrConflict, role.Slug, children)
	}

	if err := m.store.DeleteRole(ctx, roleID); err != nil {
		return err
	}

	m.logger.WithFields(map[string]interface{}{
		"role_id":    roleID,
		"company_id": role.CompanyID,
	}).Info("Role deleted")
	return nil
}

// SetParentRole moves a role under parentRoleID, or to the top level when it
// is nil, then invalidates every user under the role
func (m *RoleManager) SetParentRole(ctx context.Context, roleID int64, parentRoleID *int64) error {
	if parentRoleID != nil && *parentRoleID == roleID {
		return fmt.Errorf("%w: role %d cannot be its own parent", ErrValidation, roleID)
	}

	role, err := m.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}

	if parentRoleID != nil {
		parent, err := m.store.GetRole(ctx, *parentRoleID)
		if err != nil {
			return err
		}
		if parent.CompanyID != role.CompanyID {
			return fmt.Errorf("%w: parent role belongs to another company", ErrValidation)
		}
		if err := m.store.ValidateHierarchy(ctx, parent.ID, &roleID); err != nil {
			return err
		}
	}

	if err := m.store.SetParentRole(ctx, roleID, parentRoleID); err != nil {
		return err
	}
	if err := m.resolver.InvalidateRole(ctx, roleID); err != nil {
		return err
	}

	m.logger.WithFields(map[string]interface{}{
		"role_id":        roleID,
		"parent_role_id": parentRoleID,
	}).Info("Role parent changed")
	return nil
}

// GetRoleHierarchy returns a company's roles as a forest annotated with direct
// user counts. Roles whose parent is missing, outside the company, or part of
// a cycle become roots. Siblings are ordered system first, then by name.
func (m *RoleManager) GetRoleHierarchy(ctx context.Context, companyID int64) ([]*RoleNode, error) {
	roles, err := m.store.ListRoles(ctx, companyID)
	if err != nil {
		return nil, err
	}
	counts, err := m.store.CountUsersByRole(ctx, companyID)
	if err != nil {
		return nil, err
	}
	sortRoles(roles)

	nodes := make(map[int64]*RoleNode, len(roles))
	for _, role := range roles {
		nodes[role.ID] = &RoleNode{
			Role:      role,
			UserCount: counts[role.ID],
			Children:  []*RoleNode{},
		}
	}

	roots := make([]*RoleNode, 0)
	for _, role := range roles {
		node := nodes[role.ID]
		if role.ParentRoleID == nil || reachesSelf(nodes, role.ID) {
			roots = append(roots, node)
			continue
		}
		parent, ok := nodes[*role.ParentRoleID]
		if !ok {
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}
	return roots, nil
}

// reachesSelf reports whether following parent pointers from roleID within
// nodes leads back to roleID
func reachesSelf(nodes map[int64]*RoleNode, roleID int64) bool {
	current := nodes[roleID].Role.ParentRoleID
	for steps := 0; current != nil && steps < len(nodes); steps++ {
		if *current == roleID {
			return true
		}
		next, ok := nodes[*current]
		if !ok {
			return false
		}
		current = next.Role.ParentRoleID
	}
	return false
}

// SeedSystemRoles creates any of the system roles the company is missing,
// each with its default permissions. Existing roles are left untouched.
func (m *RoleManager) SeedSystemRoles(ctx context.Context, companyID int64) ([]Role, error) {
	seeded := make([]Role, 0, len(permissions.SystemRoles()))

	for _, sr := range permissions.SystemRoles() {
		existing, err := m.store.GetRoleBySlug(ctx, companyID, sr.Slug)
		if err == nil {
			seeded = append(seeded, *existing)
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		perms := m.resolver.Catalog().Filter(permissions.DefaultsFor(sr.Legacy))
		role := &Role{
			CompanyID:   companyID,
			Name:        sr.Name,
			Slug:        sr.Slug,
			Description: sr.Description,
			IsSystem:    true,
		}
		if err := m.store.CreateRole(ctx, role, perms); err != nil {
			return nil, fmt.Errorf("failed to seed system role %s: %w", sr.Slug, err)
		}
		seeded = append(seeded, *role)

		m.logger.WithFields(map[string]interface{}{
			"role_id":    role.ID,
			"company_id": companyID,
			"slug":       sr.Slug,
		}).Info("Seeded system role")
	}

	return seeded, nil
}

// AssignUserRole points a user at a role of their company, or back at the
// legacy enum role, and invalidates the user's cached permissions
func (m *RoleManager) AssignUserRole(ctx context.Context, userID int64, assignment RoleAssignment) error {
	user, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	if roleID, ok := assignment.RoleID(); ok {
		role, err := m.store.GetRole(ctx, roleID)
		if err != nil {
			return err
		}
		if role.CompanyID != user.CompanyID {
			return fmt.Errorf("%w: role %d belongs to another company", ErrValidation, roleID)
		}
		if err := m.store.SetUserRole(ctx, userID, &roleID); err != nil {
			return err
		}
	} else {
		legacy, _ := assignment.Legacy()
		parsed, ok := permissions.ParseLegacyRole(string(legacy))
		if !ok {
			return fmt.Errorf("%w: unknown legacy role %q", ErrValidation, legacy)
		}
		if err := m.store.SetUserLegacyRole(ctx, userID, parsed); err != nil {
			return err
		}
		if err := m.store.SetUserRole(ctx, userID, nil); err != nil {
			return err
		}
	}

	return m.resolver.InvalidateUser(ctx, userID)
}

// sortRoles orders roles system first, then by name
func sortRoles(roles []Role) {
	sort.SliceStable(roles, func(i, j int) bool {
		if roles[i].IsSystem != roles[j].IsSystem {
			return roles[i].IsSystem
		}
		return roles[i].Name < roles[j].Name
	})
}
