package rbac

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/haulbase/haulbase/pkg/contextkeys"
	"github.com/haulbase/haulbase/pkg/httputil"
	"github.com/haulbase/haulbase/pkg/observability"
	"github.com/haulbase/haulbase/pkg/permissions"
)

// Handlers exposes role, group, override and resolution administration over
// HTTP. Every route is confined to the authenticated caller's company: a
// foreign company ID is forbidden and a foreign role, group or user is
// reported as not found.
type Handlers struct {
	store     *Store
	roles     *RoleManager
	groups    *GroupManager
	overrides *OverrideManager
	resolver  *Resolver
	logger    *observability.Logger
}

// NewHandlers creates new RBAC handlers
func NewHandlers(roles *RoleManager, groups *GroupManager, overrides *OverrideManager, resolver *Resolver, logger *observability.Logger) *Handlers {
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	return &Handlers{
		store:     roles.store,
		roles:     roles,
		groups:    groups,
		overrides: overrides,
		resolver:  resolver,
		logger:    logger,
	}
}

// RegisterRoutes registers all RBAC routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	// Roles
	router.HandleFunc("/rbac/companies/{companyID}/roles", h.CreateRole).Methods("POST")
	router.HandleFunc("/rbac/companies/{companyID}/roles", h.ListRoles).Methods("GET")
	router.HandleFunc("/rbac/companies/{companyID}/roles/hierarchy", h.GetRoleHierarchy).Methods("GET")
	router.HandleFunc("/rbac/companies/{companyID}/roles/seed", h.SeedSystemRoles).Methods("POST")
	router.HandleFunc("/rbac/roles/{roleID}", h.GetRole).Methods("GET")
	router.HandleFunc("/rbac/roles/{roleID}", h.UpdateRole).Methods("PATCH")
	router.HandleFunc("/rbac/roles/{roleID}", h.DeleteRole).Methods("DELETE")
	router.HandleFunc("/rbac/roles/{roleID}/parent", h.SetParentRole).Methods("PUT")
	router.HandleFunc("/rbac/roles/{roleID}/groups", h.GetGroupsForRole).Methods("GET")

	// Permission groups
	router.HandleFunc("/rbac/companies/{companyID}/groups", h.CreateGroup).Methods("POST")
	router.HandleFunc("/rbac/companies/{companyID}/groups", h.ListGroups).Methods("GET")
	router.HandleFunc("/rbac/groups/{groupID}", h.GetGroup).Methods("GET")
	router.HandleFunc("/rbac/groups/{groupID}", h.UpdateGroup).Methods("PATCH")
	router.HandleFunc("/rbac/groups/{groupID}", h.DeleteGroup).Methods("DELETE")
	router.HandleFunc("/rbac/groups/{groupID}/roles/{roleID}", h.AssignGroupToRole).Methods("PUT")
	router.HandleFunc("/rbac/groups/{groupID}/roles/{roleID}", h.RemoveGroupFromRole).Methods("DELETE")

	// Users
	router.HandleFunc("/rbac/users/{userID}/role", h.AssignUserRole).Methods("PUT")
	router.HandleFunc("/rbac/users/{userID}/permissions", h.GetUserPermissions).Methods("GET")
	router.HandleFunc("/rbac/users/{userID}/explain", h.ExplainUserPermissions).Methods("GET")
	router.HandleFunc("/rbac/users/{userID}/overrides", h.ListOverrides).Methods("GET")
	router.HandleFunc("/rbac/users/{userID}/overrides/{permission}", h.SetOverride).Methods("PUT")
	router.HandleFunc("/rbac/users/{userID}/overrides/{permission}", h.ClearOverride).Methods("DELETE")

	// Cache
	router.HandleFunc("/rbac/cache/invalidate", h.InvalidateCache).Methods("POST")
}

// errNoCaller is returned when the request carries no authenticated user
var errNoCaller = errors.New("authentication required")

// tenantCheck verifies one path target against the caller's company
type tenantCheck func(ctx context.Context, companyID int64) error

// callerCompany returns the company of the authenticated caller. A company
// claimed by the request must match the caller's own.
func (h *Handlers) callerCompany(ctx context.Context) (int64, error) {
	callerID, ok := contextkeys.GetUserID(ctx)
	if !ok {
		return 0, errNoCaller
	}

	caller, err := h.store.GetUser(ctx, callerID)
	if errors.Is(err, ErrNotFound) {
		return 0, fmt.Errorf("%w: unknown caller %d", ErrForbidden, callerID)
	}
	if err != nil {
		return 0, err
	}

	if claimed, ok := contextkeys.GetCompanyID(ctx); ok && claimed != caller.CompanyID {
		return 0, fmt.Errorf("%w: caller does not belong to company %d", ErrForbidden, claimed)
	}
	return caller.CompanyID, nil
}

// authorizeTenant runs checks against the caller's company and writes the
// error response when any fails
func (h *Handlers) authorizeTenant(w http.ResponseWriter, r *http.Request, checks ...tenantCheck) bool {
	ctx := r.Context()
	companyID, err := h.callerCompany(ctx)
	for _, check := range checks {
		if err != nil {
			break
		}
		err = check(ctx, companyID)
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return false
	}
	return true
}

func sameCompany(companyID int64) tenantCheck {
	return func(_ context.Context, callerCompany int64) error {
		if companyID != callerCompany {
			return fmt.Errorf("%w: company %d is outside the caller's company", ErrForbidden, companyID)
		}
		return nil
	}
}

func (h *Handlers) ownRole(roleID int64) tenantCheck {
	return func(ctx context.Context, callerCompany int64) error {
		role, err := h.store.GetRole(ctx, roleID)
		if err != nil {
			return err
		}
		if role.CompanyID != callerCompany {
			return fmt.Errorf("role %d: %w", roleID, ErrNotFound)
		}
		return nil
	}
}

func (h *Handlers) ownGroup(groupID int64) tenantCheck {
	return func(ctx context.Context, callerCompany int64) error {
		group, err := h.store.GetGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if group.CompanyID != callerCompany {
			return fmt.Errorf("group %d: %w", groupID, ErrNotFound)
		}
		return nil
	}
}

func (h *Handlers) ownUser(userID int64) tenantCheck {
	return func(ctx context.Context, callerCompany int64) error {
		user, err := h.store.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if user.CompanyID != callerCompany {
			return fmt.Errorf("user %d: %w", userID, ErrNotFound)
		}
		return nil
	}
}

// writeServiceError maps sentinel errors onto HTTP statuses
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errNoCaller):
		httputil.WriteUnauthorized(w, err.Error())
	case errors.Is(err, ErrValidation):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, ErrForbidden):
		httputil.WriteForbidden(w, err.Error())
	case errors.Is(err, ErrNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, ErrConflict):
		httputil.WriteConflict(w, err.Error())
	default:
		h.logger.WithContext(r.Context()).
			WithError(err).
			WithField("path", r.URL.Path).
			Error("RBAC request failed")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
	}
}

// CreateRole creates a custom role in the company
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	companyID, ok := httputil.ParsePathInt64OrError(w, r, "companyID")
	if !ok {
		return
	}

	if !h.authorizeTenant(w, r, sameCompany(companyID)) {
		return
	}

	var input CreateRoleInput
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}
	input.CompanyID = companyID

	role, err := h.roles.CreateRole(r.Context(), input)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteCreated(w, role)
}

// ListRoles lists the company's roles
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	companyID, ok := httputil.ParsePathInt64OrError(w, r, "companyID")
	if !ok {
		return
	}

	if !h.authorizeTenant(w, r, sameCompany(companyID)) {
		return
	}

	roles, err := h.roles.ListRoles(r.Context(), companyID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if roles == nil {
		roles = []Role{}
	}
	httputil.WriteSuccess(w, roles)
}

// GetRoleHierarchy returns the company's role forest
func (h *Handlers) GetRoleHierarchy(w http.ResponseWriter, r *http.Request) {
	companyID, ok := httputil.ParsePathInt64OrError(w, r, "companyID")
	if !ok {
		return
	}

	if !h.authorizeTenant(w, r, sameCompany(companyID)) {
		return
	}

	forest, err := h.roles.GetRoleHierarchy(r.Context(), companyID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if forest == nil {
		forest = []*RoleNode{}
	}
	httputil.WriteSuccess(w, forest)
}

// SeedSystemRoles creates any missing system roles for the company
func (h *Handlers) SeedSystemRoles(w http.ResponseWriter, r *http.Request) {
	companyID, ok := httputil.ParsePathInt64OrError(w, r, "companyID")
	if !ok {
		return
	}

	if !h.authorizeTenant(w, r, sameCompany(companyID)) {
		return
	}

	roles, err := h.roles.SeedSystemRoles(r.Context(), companyID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, roles)
}

// GetRole retrieves a role with its direct permissions
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "roleID")
	if !ok {
		return
	}

	if !h.authorizeTenant(w, r, h.ownRole(roleID)) {
		return
	}

	role, err := h.roles.GetRole(r.Context(), roleID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// UpdateRole applies a partial update to a role
func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "roleID")
	if !ok {
		return
	}

	if !h.authorizeTenant(w, r, h.ownRole(roleID)) {
		return
	}

	var update RoleUpdate
	if !httputil.ParseJSONOrError(w, r, &update) {
		return
	}

	role, err := h.roles.UpdateRole(r.Context(), roleID, update)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// DeleteRole deletes an unused custom role
func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "roleID")
	if !ok {
		return
	}

	if !h.authorizeTenant(w, r, h.ownRole(roleID)) {
		return
	}

	if err := h.roles.DeleteRole(r.Context(), roleID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// SetParentRole sets or clears a role's parent
func (h *Handlers) SetParentRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "roleID")
	if !ok {
		return
	}

	if !h.authorizeTenant(w, r, h.ownRole(roleID)) {
		return
	}

	var req struct {
		ParentRoleID *int64 `json:"parent_role_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.roles.SetParentRole(r.Context(), roleID, req.ParentRoleID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// GetGroupsForRole lists the groups attached to a role
func (h *Handlers) GetGroupsForRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "roleID")
	if !ok {
		return
	}

	if !h.authorizeTenant(w, r, h.ownRole(roleID)) {
		return
	}

	groups, err := h.groups.GetGroupsForRole(r.Context(), roleID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if groups == nil {
		groups = []PermissionGroup{}
	}
	httputil.WriteSuccess(w, groups)
}

// CreateGroup creates a custom permission group in the company
func (h *Handlers) CreateGroup(w http.ResponseWriter, r *http.Request) {
	companyID, ok := httputil.ParsePathInt64OrError(w, r, "companyID")
	if !ok {
		return
	}

	if !h.authorizeTenant(w, r, sameCompany(companyID)) {
		return
	}

	var input CreateGroupInput
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}
	input.CompanyID = companyID

	group, err := h.groups.CreateGroup(r.Context(), input)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteCreated(w, group)
}

// ListGroups lists the company's permission groups
func (h *Handlers) ListGroups(w http.ResponseWriter, r *http.Request) {
	companyID, ok := httputil.ParsePathInt64OrError(w, r, "companyID")
	if !ok {
		return
	}

	if !h.authorizeTenant(w, r, sameCompany(companyID)) {
		return
	}

	groups, err := h.groups.GetGroupsForCompany(r.Context(), companyID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if groups == nil {
		groups = []PermissionGroup{}
	}
	httputil.WriteSuccess(w, groups)
}

// GetGroup returns a group with its items and attached roles
func (h *Handlers) GetGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := httputil.ParsePathInt64OrError(w, r, "groupID")
	if !ok {
		return
	}

	if !h.authorizeTenant(w, r, h.ownGroup(groupID)) {
		return
	}

	details, err := h.groups.GetGroupWithDetails(r.Context(), groupID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, details)
}

// UpdateGroup applies a partial update to a group
func (h *Handlers) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := httputil.ParsePathInt64OrError(w, r, "groupID")
	if !ok {
		return
	}

	if !h.authorizeTenant(w, r, h.ownGroup(groupID)) {
		return
	}

	var update GroupUpdate
	if !httputil.ParseJSONOrError(w, r, &update) {
		return
	}

	group, err := h.groups.UpdateGroup(r.Context(), groupID, update)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, group)
}

// DeleteGroup deletes a custom group and detaches it from every role
func (h *Handlers) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := httputil.ParsePathInt64OrError(w, r, "groupID")
	if !ok {
		return
	}

	if !h.authorizeTenant(w, r, h.ownGroup(groupID)) {
		return
	}

	if err := h.groups.DeleteGroup(r.Context(), groupID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// AssignGroupToRole attaches a group to a role
func (h *Handlers) AssignGroupToRole(w http.ResponseWriter, r *http.Request) {
	groupID, ok := httputil.ParsePathInt64OrError(w, r, "groupID")
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "roleID")
	if !ok {
		return
	}

	if !h.authorizeTenant(w, r, h.ownGroup(groupID), h.ownRole(roleID)) {
		return
	}

	if err := h.groups.AssignToRole(r.Context(), groupID, roleID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// RemoveGroupFromRole detaches a group from a role
func (h *Handlers) RemoveGroupFromRole(w http.ResponseWriter, r *http.Request) {
	groupID, ok := httputil.ParsePathInt64OrError(w, r, "groupID")
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "roleID")
	if !ok {
		return
	}

	if !h.authorizeTenant(w, r, h.ownGroup(groupID), h.ownRole(roleID)) {
		return
	}

	if err := h.groups.RemoveFromRole(r.Context(), groupID, roleID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// AssignUserRole points a user at a role record or a legacy role.
// Exactly one of role_id and legacy_role must be set.
func (h *Handlers) AssignUserRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "userID")
	if !ok {
		return
	}

	if !h.authorizeTenant(w, r, h.ownUser(userID)) {
		return
	}

	var req struct {
		RoleID     *int64 `json:"role_id"`
		LegacyRole string `json:"legacy_role"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	var assignment RoleAssignment
	switch {
	case req.RoleID != nil && req.LegacyRole != "":
		httputil.WriteBadRequest(w, "only one of role_id and legacy_role may be set")
		return
	case req.RoleID != nil:
		assignment = ModernAssignment(*req.RoleID)
	case req.LegacyRole != "":
		assignment = LegacyAssignment(permissions.LegacyRole(req.LegacyRole))
	default:
		httputil.WriteBadRequest(w, "role_id or legacy_role is required")
		return
	}

	if err := h.roles.AssignUserRole(r.Context(), userID, assignment); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// GetUserPermissions returns the user's effective permission set
func (h *Handlers) GetUserPermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "userID")
	if !ok {
		return
	}

	if !h.authorizeTenant(w, r, h.ownUser(userID)) {
		return
	}

	perms, err := h.resolver.GetEffectivePermissions(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"user_id":     userID,
		"permissions": perms,
	})
}

// ExplainUserPermissions recomputes the user's permissions and reports
// their sources
func (h *Handlers) ExplainUserPermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "userID")
	if !ok {
		return
	}

	if !h.authorizeTenant(w, r, h.ownUser(userID)) {
		return
	}

	res, err := h.resolver.Explain(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, res)
}

// ListOverrides lists the user's permission overrides
func (h *Handlers) ListOverrides(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "userID")
	if !ok {
		return
	}

	if !h.authorizeTenant(w, r, h.ownUser(userID)) {
		return
	}

	overrides, err := h.overrides.List(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, overrides)
}

// SetOverride grants or revokes one permission for the user
func (h *Handlers) SetOverride(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "userID")
	if !ok {
		return
	}
	perm, ok := httputil.ParsePathStringOrError(w, r, "permission")
	if !ok {
		return
	}

	if !h.authorizeTenant(w, r, h.ownUser(userID)) {
		return
	}

	var req struct {
		Type OverrideType `json:"type"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.overrides.Set(r.Context(), userID, permissions.Permission(perm), req.Type); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ClearOverride removes the user's override for one permission
func (h *Handlers) ClearOverride(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "userID")
	if !ok {
		return
	}
	perm, ok := httputil.ParsePathStringOrError(w, r, "permission")
	if !ok {
		return
	}

	if !h.authorizeTenant(w, r, h.ownUser(userID)) {
		return
	}

	if err := h.overrides.Clear(r.Context(), userID, permissions.Permission(perm)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// InvalidateCache drops cached permission sets. The body selects the scope:
// {"user_id": n}, {"role_id": n}, {"group_id": n} or {"all": true}. "all"
// covers every user of the caller's company.
func (h *Handlers) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  *int64 `json:"user_id"`
		RoleID  *int64 `json:"role_id"`
		GroupID *int64 `json:"group_id"`
		All     bool   `json:"all"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	ctx := r.Context()
	companyID, err := h.callerCompany(ctx)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	var scope string
	switch {
	case req.All:
		scope = ScopeCompany
		err = h.resolver.InvalidateCompany(ctx, companyID)
	case req.UserID != nil:
		scope = ScopeUser
		if err = h.ownUser(*req.UserID)(ctx, companyID); err == nil {
			err = h.resolver.InvalidateUser(ctx, *req.UserID)
		}
	case req.RoleID != nil:
		scope = ScopeRole
		if err = h.ownRole(*req.RoleID)(ctx, companyID); err == nil {
			err = h.resolver.InvalidateRole(ctx, *req.RoleID)
		}
	case req.GroupID != nil:
		scope = ScopeGroup
		if err = h.ownGroup(*req.GroupID)(ctx, companyID); err == nil {
			err = h.resolver.InvalidateGroup(ctx, *req.GroupID)
		}
	default:
		httputil.WriteBadRequest(w, "one of user_id, role_id, group_id or all is required")
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, map[string]string{"invalidated": scope})
}
