package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/haulbase/haulbase/pkg/permissions"
)

// Store handles role, group, user and override persistence. Queries use
// numbered placeholders in order of first appearance so the same SQL runs on
// PostgreSQL and SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a new RBAC store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// withTx runs fn in a transaction, rolling back on error
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// placeholders renders "$start, $start+1, ..." for n values
func placeholders(start, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("$")
		b.WriteString(strconv.Itoa(start + i))
	}
	return b.String()
}

func int64Args(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func nullableID(id *int64) interface{} {
	if id == nil {
		return nil
	}
	return *id
}

func scanPermissions(rows *sql.Rows) ([]permissions.Permission, error) {
	defer rows.Close()

	var perms []permissions.Permission
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, permissions.Permission(p))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate permissions: %w", err)
	}
	return perms, nil
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ids: %w", err)
	}
	return ids, nil
}

// Roles

const roleColumns = `id, company_id, name, slug, description, is_system, parent_role_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRole(row rowScanner) (*Role, error) {
	var role Role
	var description sql.NullString
	var parentRoleID sql.NullInt64

	if err := row.Scan(
		&role.ID,
		&role.CompanyID,
		&role.Name,
		&role.Slug,
		&description,
		&role.IsSystem,
		&parentRoleID,
		&role.CreatedAt,
		&role.UpdatedAt,
	); err != nil {
		return nil, err
	}

	role.Description = description.String
	if parentRoleID.Valid {
		id := parentRoleID.Int64
		role.ParentRoleID = &id
	}
	return &role, nil
}

func scanRoles(rows *sql.Rows) ([]Role, error) {
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, *role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate roles: %w", err)
	}
	return roles, nil
}

// CreateRole inserts a role and its direct permission grants atomically
func (s *Store) CreateRole(ctx context.Context, role *Role, perms []permissions.Permission) error {
	now := time.Now().UTC()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO roles (company_id, name, slug, description, is_system, parent_role_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`
		if err := tx.QueryRowContext(ctx, query,
			role.CompanyID,
			role.Name,
			role.Slug,
			role.Description,
			role.IsSystem,
			nullableID(role.ParentRoleID),
			now,
			now,
		).Scan(&role.ID); err != nil {
			return fmt.Errorf("failed to create role: %w", err)
		}

		return insertRolePermissions(ctx, tx, role.ID, perms, now)
	})
	if err != nil {
		return err
	}

	role.CreatedAt = now
	role.UpdatedAt = now
	role.Permissions = perms
	return nil
}

func insertRolePermissions(ctx context.Context, q querier, roleID int64, perms []permissions.Permission, now time.Time) error {
	for _, p := range perms {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO role_permissions (role_id, permission, created_at) VALUES ($1, $2, $3)`,
			roleID, string(p), now,
		); err != nil {
			return fmt.Errorf("failed to grant permission %s to role %d: %w", p, roleID, err)
		}
	}
	return nil
}

// GetRole retrieves a role by ID without its permissions
func (s *Store) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE id = $1`

	role, err := scanRole(s.db.QueryRowContext(ctx, query, roleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role %d: %w", roleID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// GetRoleBySlug retrieves a company's role by slug
func (s *Store) GetRoleBySlug(ctx context.Context, companyID int64, slug string) (*Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE company_id = $1 AND slug = $2`

	role, err := scanRole(s.db.QueryRowContext(ctx, query, companyID, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role %q in company %d: %w", slug, companyID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role by slug: %w", err)
	}
	return role, nil
}

// ListRoles returns all roles of a company, system roles first then by name
func (s *Store) ListRoles(ctx context.Context, companyID int64) ([]Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE company_id = $1 ORDER BY is_system DESC, name ASC`

	rows, err := s.db.QueryContext(ctx, query, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	return scanRoles(rows)
}

// GetRolesByIDs returns the roles with the given IDs in no particular order
func (s *Store) GetRolesByIDs(ctx context.Context, roleIDs []int64) ([]Role, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}

	query := `SELECT ` + roleColumns + ` FROM roles WHERE id IN (` + placeholders(1, len(roleIDs)) + `)`
	rows, err := s.db.QueryContext(ctx, query, int64Args(roleIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to get roles: %w", err)
	}
	return scanRoles(rows)
}

// UpdateRole persists a role's name and description
func (s *Store) UpdateRole(ctx context.Context, role *Role) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE roles SET name = $1, description = $2, updated_at = $3 WHERE id = $4`,
		role.Name, role.Description, now, role.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("role %d: %w", role.ID, ErrNotFound)
	}
	role.UpdatedAt = now
	return nil
}

// SetParentRole updates a role's parent pointer; nil makes it a root
func (s *Store) SetParentRole(ctx context.Context, roleID int64, parentRoleID *int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE roles SET parent_role_id = $1, updated_at = $2 WHERE id = $3`,
		nullableID(parentRoleID), time.Now().UTC(), roleID,
	)
	if err != nil {
		return fmt.Errorf("failed to set parent role: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("role %d: %w", roleID, ErrNotFound)
	}
	return nil
}

// ReplaceRolePermissions deletes every direct grant of the role and inserts perms
func (s *Store) ReplaceRolePermissions(ctx context.Context, roleID int64, perms []permissions.Permission) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return fmt.Errorf("failed to clear role permissions: %w", err)
		}
		if err := insertRolePermissions(ctx, tx, roleID, perms, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE roles SET updated_at = $1 WHERE id = $2`, now, roleID); err != nil {
			return fmt.Errorf("failed to touch role: %w", err)
		}
		return nil
	})
}

// GetRolePermissions returns a role's direct grants, sorted
func (s *Store) GetRolePermissions(ctx context.Context, roleID int64) ([]permissions.Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT permission FROM role_permissions WHERE role_id = $1 ORDER BY permission`, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get role permissions: %w", err)
	}
	return scanPermissions(rows)
}

// DeleteRole removes a role together with its grant and group attachment rows
func (s *Store) DeleteRole(ctx context.Context, roleID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return fmt.Errorf("failed to delete role permissions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM role_permission_groups WHERE role_id = $1`, roleID); err != nil {
			return fmt.Errorf("failed to delete role group attachments: %w", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, roleID)
		if err != nil {
			return fmt.Errorf("failed to delete role: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("role %d: %w", roleID, ErrNotFound)
		}
		return nil
	})
}

// GetParentRoleID returns the parent pointer of a role
func (s *Store) GetParentRoleID(ctx context.Context, roleID int64) (*int64, error) {
	var parent sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT parent_role_id FROM roles WHERE id = $1`, roleID).Scan(&parent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role %d: %w", roleID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get parent role: %w", err)
	}
	if !parent.Valid {
		return nil, nil
	}
	id := parent.Int64
	return &id, nil
}

// GetChildRoleIDs returns the IDs of roles whose parent is any of roleIDs
func (s *Store) GetChildRoleIDs(ctx context.Context, roleIDs []int64) ([]int64, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}

	query := `SELECT id FROM roles WHERE parent_role_id IN (` + placeholders(1, len(roleIDs)) + `)`
	rows, err := s.db.QueryContext(ctx, query, int64Args(roleIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to get child roles: %w", err)
	}
	return scanIDs(rows)
}

// CountChildRoles returns how many roles use roleID as their parent
func (s *Store) CountChildRoles(ctx context.Context, roleID int64) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM roles WHERE parent_role_id = $1`, roleID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count child roles: %w", err)
	}
	return count, nil
}

// CountRoleAssignments returns how many users reference the role, directly or
// through a company membership
func (s *Store) CountRoleAssignments(ctx context.Context, roleID int64) (int, error) {
	var direct, members int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE role_id = $1`, roleID,
	).Scan(&direct); err != nil {
		return 0, fmt.Errorf("failed to count role users: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM company_members WHERE role_id = $1`, roleID,
	).Scan(&members); err != nil {
		return 0, fmt.Errorf("failed to count role memberships: %w", err)
	}
	return direct + members, nil
}

// CountUsersByRole returns the number of users directly assigned to each role
// of a company
func (s *Store) CountUsersByRole(ctx context.Context, companyID int64) (map[int64]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.role_id, COUNT(*)
		FROM users u
		JOIN roles r ON r.id = u.role_id
		WHERE r.company_id = $1
		GROUP BY u.role_id
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to count users by role: %w", err)
	}
	defer rows.Close()

	counts := make(map[int64]int)
	for rows.Next() {
		var roleID int64
		var count int
		if err := rows.Scan(&roleID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan user count: %w", err)
		}
		counts[roleID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate user counts: %w", err)
	}
	return counts, nil
}

// Permission groups

const groupColumns = `id, company_id, name, description, is_system, created_at, updated_at`

func scanGroup(row rowScanner) (*PermissionGroup, error) {
	var g PermissionGroup
	var description sql.NullString
	if err := row.Scan(
		&g.ID,
		&g.CompanyID,
		&g.Name,
		&description,
		&g.IsSystem,
		&g.CreatedAt,
		&g.UpdatedAt,
	); err != nil {
		return nil, err
	}
	g.Description = description.String
	return &g, nil
}

func scanGroups(rows *sql.Rows) ([]PermissionGroup, error) {
	defer rows.Close()

	var groups []PermissionGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission group: %w", err)
		}
		groups = append(groups, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate permission groups: %w", err)
	}
	return groups, nil
}

// CreateGroup inserts a group and its items atomically
func (s *Store) CreateGroup(ctx context.Context, group *PermissionGroup) error {
	now := time.Now().UTC()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO permission_groups (company_id, name, description, is_system, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`
		if err := tx.QueryRowContext(ctx, query,
			group.CompanyID,
			group.Name,
			group.Description,
			group.IsSystem,
			now,
			now,
		).Scan(&group.ID); err != nil {
			return fmt.Errorf("failed to create permission group: %w", err)
		}
		return insertGroupItems(ctx, tx, group.ID, group.Permissions)
	})
	if err != nil {
		return err
	}

	group.CreatedAt = now
	group.UpdatedAt = now
	return nil
}

func insertGroupItems(ctx context.Context, q querier, groupID int64, perms []permissions.Permission) error {
	for _, p := range perms {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO permission_group_items (group_id, permission) VALUES ($1, $2)`,
			groupID, string(p),
		); err != nil {
			return fmt.Errorf("failed to add permission %s to group %d: %w", p, groupID, err)
		}
	}
	return nil
}

// GetGroup retrieves a group with its items
func (s *Store) GetGroup(ctx context.Context, groupID int64) (*PermissionGroup, error) {
	query := `SELECT ` + groupColumns + ` FROM permission_groups WHERE id = $1`

	group, err := scanGroup(s.db.QueryRowContext(ctx, query, groupID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("permission group %d: %w", groupID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission group: %w", err)
	}

	items, err := s.getGroupItems(ctx, []int64{groupID})
	if err != nil {
		return nil, err
	}
	group.Permissions = items[groupID]
	return group, nil
}

// getGroupItems returns the items of each group, keyed by group ID
func (s *Store) getGroupItems(ctx context.Context, groupIDs []int64) (map[int64][]permissions.Permission, error) {
	items := make(map[int64][]permissions.Permission, len(groupIDs))
	if len(groupIDs) == 0 {
		return items, nil
	}

	query := `SELECT group_id, permission FROM permission_group_items WHERE group_id IN (` +
		placeholders(1, len(groupIDs)) + `) ORDER BY permission`
	rows, err := s.db.QueryContext(ctx, query, int64Args(groupIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to get permission group items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var groupID int64
		var p string
		if err := rows.Scan(&groupID, &p); err != nil {
			return nil, fmt.Errorf("failed to scan permission group item: %w", err)
		}
		items[groupID] = append(items[groupID], permissions.Permission(p))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate permission group items: %w", err)
	}
	return items, nil
}

func (s *Store) withItems(ctx context.Context, groups []PermissionGroup) ([]PermissionGroup, error) {
	ids := make([]int64, len(groups))
	for i := range groups {
		ids[i] = groups[i].ID
	}
	items, err := s.getGroupItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range groups {
		groups[i].Permissions = items[groups[i].ID]
		if groups[i].Permissions == nil {
			groups[i].Permissions = []permissions.Permission{}
		}
	}
	return groups, nil
}

// ListGroups returns all groups of a company with their items
func (s *Store) ListGroups(ctx context.Context, companyID int64) ([]PermissionGroup, error) {
	query := `SELECT ` + groupColumns + ` FROM permission_groups WHERE company_id = $1 ORDER BY is_system DESC, name ASC`

	rows, err := s.db.QueryContext(ctx, query, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list permission groups: %w", err)
	}
	groups, err := scanGroups(rows)
	if err != nil {
		return nil, err
	}
	return s.withItems(ctx, groups)
}

// ListGroupsForRole returns the groups attached to a role with their items
func (s *Store) ListGroupsForRole(ctx context.Context, roleID int64) ([]PermissionGroup, error) {
	query := `
		SELECT g.id, g.company_id, g.name, g.description, g.is_system, g.created_at, g.updated_at
		FROM permission_groups g
		JOIN role_permission_groups rg ON rg.group_id = g.id
		WHERE rg.role_id = $1
		ORDER BY g.is_system DESC, g.name ASC
	`
	rows, err := s.db.QueryContext(ctx, query, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups for role: %w", err)
	}
	groups, err := scanGroups(rows)
	if err != nil {
		return nil, err
	}
	return s.withItems(ctx, groups)
}

// UpdateGroup persists a group's name and description
func (s *Store) UpdateGroup(ctx context.Context, group *PermissionGroup) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE permission_groups SET name = $1, description = $2, updated_at = $3 WHERE id = $4`,
		group.Name, group.Description, now, group.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update permission group: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("permission group %d: %w", group.ID, ErrNotFound)
	}
	group.UpdatedAt = now
	return nil
}

// ReplaceGroupItems deletes every item of the group and inserts perms
func (s *Store) ReplaceGroupItems(ctx context.Context, groupID int64, perms []permissions.Permission) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM permission_group_items WHERE group_id = $1`, groupID); err != nil {
			return fmt.Errorf("failed to clear permission group items: %w", err)
		}
		if err := insertGroupItems(ctx, tx, groupID, perms); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE permission_groups SET updated_at = $1 WHERE id = $2`, time.Now().UTC(), groupID,
		); err != nil {
			return fmt.Errorf("failed to touch permission group: %w", err)
		}
		return nil
	})
}

// DeleteGroup removes a group with its items and role attachments
func (s *Store) DeleteGroup(ctx context.Context, groupID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM permission_group_items WHERE group_id = $1`, groupID); err != nil {
			return fmt.Errorf("failed to delete permission group items: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM role_permission_groups WHERE group_id = $1`, groupID); err != nil {
			return fmt.Errorf("failed to delete permission group attachments: %w", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM permission_groups WHERE id = $1`, groupID)
		if err != nil {
			return fmt.Errorf("failed to delete permission group: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("permission group %d: %w", groupID, ErrNotFound)
		}
		return nil
	})
}

// AttachGroup attaches a group to a role. Attaching twice is a no-op.
func (s *Store) AttachGroup(ctx context.Context, groupID, roleID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO role_permission_groups (role_id, group_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (role_id, group_id) DO NOTHING
	`, roleID, groupID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to attach permission group: %w", err)
	}
	return nil
}

// DetachGroup removes a group from a role and reports whether it was attached
func (s *Store) DetachGroup(ctx context.Context, groupID, roleID int64) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM role_permission_groups WHERE role_id = $1 AND group_id = $2`, roleID, groupID)
	if err != nil {
		return false, fmt.Errorf("failed to detach permission group: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to detach permission group: %w", err)
	}
	return n > 0, nil
}

// GetRoleIDsForGroup returns the roles a group is attached to
func (s *Store) GetRoleIDsForGroup(ctx context.Context, groupID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role_id FROM role_permission_groups WHERE group_id = $1 ORDER BY role_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get roles for group: %w", err)
	}
	return scanIDs(rows)
}

// Resolution reads

// GetDirectPermissions returns every direct grant of any role in roleIDs
func (s *Store) GetDirectPermissions(ctx context.Context, roleIDs []int64) ([]permissions.Permission, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}

	query := `SELECT permission FROM role_permissions WHERE role_id IN (` + placeholders(1, len(roleIDs)) + `)`
	rows, err := s.db.QueryContext(ctx, query, int64Args(roleIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to get direct permissions: %w", err)
	}
	return scanPermissions(rows)
}

// GetGroupPermissions returns every item of every group attached to any role
// in roleIDs
func (s *Store) GetGroupPermissions(ctx context.Context, roleIDs []int64) ([]permissions.Permission, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT i.permission
		FROM permission_group_items i
		JOIN role_permission_groups rg ON rg.group_id = i.group_id
		WHERE rg.role_id IN (` + placeholders(1, len(roleIDs)) + `)`
	rows, err := s.db.QueryContext(ctx, query, int64Args(roleIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to get group permissions: %w", err)
	}
	return scanPermissions(rows)
}

// GetUserIDsByRoles returns users assigned to any role in roleIDs, directly
// or through a company membership
func (s *Store) GetUserIDsByRoles(ctx context.Context, roleIDs []int64) ([]int64, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}

	in := placeholders(1, len(roleIDs))
	query := `
		SELECT id FROM users WHERE role_id IN (` + in + `)
		UNION
		SELECT user_id FROM company_members WHERE role_id IN (` + in + `)`
	rows, err := s.db.QueryContext(ctx, query, int64Args(roleIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to get users by roles: %w", err)
	}
	return scanIDs(rows)
}

// GetUserIDsByCompany returns every user belonging to the company
func (s *Store) GetUserIDsByCompany(ctx context.Context, companyID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users WHERE company_id = $1`, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get users by company: %w", err)
	}
	return scanIDs(rows)
}

// Users

// CreateUser inserts a user record
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	var legacy interface{}
	if user.LegacyRole != "" {
		if parsed, ok := permissions.ParseLegacyRole(string(user.LegacyRole)); ok {
			user.LegacyRole = parsed
		}
		legacy = string(user.LegacyRole)
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (company_id, email, role_id, legacy_role, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, user.CompanyID, user.Email, nullableID(user.RoleID), legacy, time.Now().UTC()).Scan(&user.ID)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser retrieves the authorization-relevant fields of a user
func (s *Store) GetUser(ctx context.Context, userID int64) (*User, error) {
	var user User
	var email, legacy sql.NullString
	var roleID sql.NullInt64

	err := s.db.QueryRowContext(ctx,
		`SELECT id, company_id, email, role_id, legacy_role FROM users WHERE id = $1`, userID,
	).Scan(&user.ID, &user.CompanyID, &email, &roleID, &legacy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	user.Email = email.String
	user.LegacyRole = permissions.LegacyRole(legacy.String)
	if roleID.Valid {
		id := roleID.Int64
		user.RoleID = &id
	}
	return &user, nil
}

// SetUserRole points a user at a role record, or clears it when roleID is nil
// so the legacy enum applies
func (s *Store) SetUserRole(ctx context.Context, userID int64, roleID *int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET role_id = $1 WHERE id = $2`, nullableID(roleID), userID)
	if err != nil {
		return fmt.Errorf("failed to set user role: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	return nil
}

// SetUserLegacyRole sets the legacy enum role of a user
func (s *Store) SetUserLegacyRole(ctx context.Context, userID int64, role permissions.LegacyRole) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET legacy_role = $1 WHERE id = $2`, string(role), userID)
	if err != nil {
		return fmt.Errorf("failed to set legacy role: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	return nil
}

// AddMembership records a user's membership in a company with a role
func (s *Store) AddMembership(ctx context.Context, companyID, userID int64, roleID *int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO company_members (company_id, user_id, role_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (company_id, user_id) DO UPDATE SET role_id = excluded.role_id
	`, companyID, userID, nullableID(roleID), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to add company membership: %w", err)
	}
	return nil
}

// Overrides

// UpsertOverride records a GRANT or REVOKE, replacing any previous override
// for the same permission
func (s *Store) UpsertOverride(ctx context.Context, userID int64, perm permissions.Permission, overrideType OverrideType) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_permission_overrides (user_id, permission, override_type, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, permission) DO UPDATE SET override_type = excluded.override_type
	`, userID, string(perm), string(overrideType), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save permission override: %w", err)
	}
	return nil
}

// DeleteOverride removes a user's override and reports whether one existed
func (s *Store) DeleteOverride(ctx context.Context, userID int64, perm permissions.Permission) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM user_permission_overrides WHERE user_id = $1 AND permission = $2`, userID, string(perm))
	if err != nil {
		return false, fmt.Errorf("failed to delete permission override: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete permission override: %w", err)
	}
	return n > 0, nil
}

// GetUserOverrides returns a user's overrides ordered by permission
func (s *Store) GetUserOverrides(ctx context.Context, userID int64) ([]UserPermissionOverride, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, permission, override_type, created_at
		FROM user_permission_overrides
		WHERE user_id = $1
		ORDER BY permission
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get permission overrides: %w", err)
	}
	defer rows.Close()

	var overrides []UserPermissionOverride
	for rows.Next() {
		var o UserPermissionOverride
		var p, t string
		if err := rows.Scan(&o.ID, &o.UserID, &p, &t, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan permission override: %w", err)
		}
		o.Permission = permissions.Permission(p)
		o.Type = OverrideType(t)
		overrides = append(overrides, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate permission overrides: %w", err)
	}
	return overrides, nil
}
