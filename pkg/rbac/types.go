package rbac

import (
	"time"

	"github.com/haulbase/haulbase/pkg/permissions"
)

// MaxHierarchyDepth is the maximum number of roles in any parent chain,
// counting the role itself.
const MaxHierarchyDepth = 5

// Role is a named, hierarchical container of permissions owned by a company
type Role struct {
	ID           int64                    `json:"id"`
	CompanyID    int64                    `json:"company_id"`
	Name         string                   `json:"name"`
	Slug         string                   `json:"slug"`
	Description  string                   `json:"description,omitempty"`
	IsSystem     bool                     `json:"is_system"`
	ParentRoleID *int64                   `json:"parent_role_id,omitempty"`
	Permissions  []permissions.Permission `json:"permissions,omitempty"`
	CreatedAt    time.Time                `json:"created_at"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

// PermissionGroup is a reusable bundle of permissions attachable to roles
type PermissionGroup struct {
	ID          int64                    `json:"id"`
	CompanyID   int64                    `json:"company_id"`
	Name        string                   `json:"name"`
	Description string                   `json:"description,omitempty"`
	IsSystem    bool                     `json:"is_system"`
	Permissions []permissions.Permission `json:"permissions"`
	CreatedAt   time.Time                `json:"created_at"`
	UpdatedAt   time.Time                `json:"updated_at"`
}

// GroupDetails is a group together with the roles it is attached to
type GroupDetails struct {
	PermissionGroup
	Roles []Role `json:"roles"`
}

// OverrideType is the effect of a per-user override
type OverrideType string

const (
	OverrideGrant  OverrideType = "GRANT"
	OverrideRevoke OverrideType = "REVOKE"
)

// Valid reports whether t is GRANT or REVOKE
func (t OverrideType) Valid() bool {
	return t == OverrideGrant || t == OverrideRevoke
}

// UserPermissionOverride grants or revokes one permission for one user,
// applied after role and group permissions are merged
type UserPermissionOverride struct {
	ID         int64                  `json:"id"`
	UserID     int64                  `json:"user_id"`
	Permission permissions.Permission `json:"permission"`
	Type       OverrideType           `json:"type"`
	CreatedAt  time.Time              `json:"created_at"`
}

// User is the subset of a user record needed for authorization
type User struct {
	ID         int64                  `json:"id"`
	CompanyID  int64                  `json:"company_id"`
	Email      string                 `json:"email,omitempty"`
	RoleID     *int64                 `json:"role_id,omitempty"`
	LegacyRole permissions.LegacyRole `json:"legacy_role,omitempty"`
}

// Assignment resolves the user's role reference once. A set RoleID always
// wins over the legacy enum, which is normalized the way ParseLegacyRole
// reads it so rows written as "dispatcher" resolve like "DISPATCHER".
func (u User) Assignment() RoleAssignment {
	if u.RoleID != nil {
		return ModernAssignment(*u.RoleID)
	}
	legacy := u.LegacyRole
	if parsed, ok := permissions.ParseLegacyRole(string(legacy)); ok {
		legacy = parsed
	}
	return LegacyAssignment(legacy)
}

type assignmentKind int

const (
	assignmentLegacy assignmentKind = iota
	assignmentModern
)

// RoleAssignment is either a role record (modern) or a legacy enum role
type RoleAssignment struct {
	kind   assignmentKind
	roleID int64
	legacy permissions.LegacyRole
}

// ModernAssignment references a role record
func ModernAssignment(roleID int64) RoleAssignment {
	return RoleAssignment{kind: assignmentModern, roleID: roleID}
}

// LegacyAssignment references a legacy enum role
func LegacyAssignment(role permissions.LegacyRole) RoleAssignment {
	return RoleAssignment{kind: assignmentLegacy, legacy: role}
}

// RoleID returns the role record ID for a modern assignment
func (a RoleAssignment) RoleID() (int64, bool) {
	return a.roleID, a.kind == assignmentModern
}

// Legacy returns the enum role for a legacy assignment
func (a RoleAssignment) Legacy() (permissions.LegacyRole, bool) {
	return a.legacy, a.kind == assignmentLegacy
}

// IsLegacy reports whether the assignment uses the migration fallback path
func (a RoleAssignment) IsLegacy() bool {
	return a.kind == assignmentLegacy
}

// RoleNode is one role in a company's role forest
type RoleNode struct {
	Role      Role        `json:"role"`
	UserCount int         `json:"user_count"`
	Children  []*RoleNode `json:"children"`
}

// CreateRoleInput describes a new custom role
type CreateRoleInput struct {
	CompanyID    int64                    `json:"company_id"`
	Name         string                   `json:"name"`
	Slug         string                   `json:"slug"`
	Description  string                   `json:"description,omitempty"`
	ParentRoleID *int64                   `json:"parent_role_id,omitempty"`
	Permissions  []permissions.Permission `json:"permissions,omitempty"`
}

// RoleUpdate is a partial role update. A nil Permissions leaves the direct
// grants untouched; a non-nil empty slice removes all of them.
type RoleUpdate struct {
	Name        *string                  `json:"name,omitempty"`
	Description *string                  `json:"description,omitempty"`
	Permissions []permissions.Permission `json:"permissions"`
}

// CreateGroupInput describes a new custom permission group
type CreateGroupInput struct {
	CompanyID   int64                    `json:"company_id"`
	Name        string                   `json:"name"`
	Description string                   `json:"description,omitempty"`
	Permissions []permissions.Permission `json:"permissions"`
}

// GroupUpdate is a partial group update with the same Permissions semantics
// as RoleUpdate
type GroupUpdate struct {
	Name        *string                  `json:"name,omitempty"`
	Description *string                  `json:"description,omitempty"`
	Permissions []permissions.Permission `json:"permissions"`
}

// PermissionSource identifies where a resolved permission came from
type PermissionSource string

const (
	SourceRole     PermissionSource = "role"
	SourceGroup    PermissionSource = "group"
	SourceOverride PermissionSource = "override"
	SourceLegacy   PermissionSource = "legacy"
)

// Resolution is the full trace of one permission computation
type Resolution struct {
	UserID      int64                                         `json:"user_id"`
	Legacy      bool                                          `json:"legacy"`
	LegacyRole  permissions.LegacyRole                        `json:"legacy_role,omitempty"`
	RoleChain   []int64                                       `json:"role_chain"`
	Truncated   bool                                          `json:"truncated"`
	Sources     map[permissions.Permission][]PermissionSource `json:"sources"`
	Revoked     []permissions.Permission                      `json:"revoked,omitempty"`
	Permissions []permissions.Permission                      `json:"permissions"`
	ComputedAt  time.Time                                     `json:"computed_at"`
}
