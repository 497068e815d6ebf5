package rbac

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/haulbase/haulbase/pkg/permissions"
)

const sqliteSchema = `
	CREATE TABLE roles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		company_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		slug TEXT NOT NULL,
		description TEXT,
		is_system BOOLEAN NOT NULL DEFAULT 0,
		parent_role_id INTEGER,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(company_id, slug)
	);

	CREATE TABLE role_permissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		role_id INTEGER NOT NULL,
		permission TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(role_id, permission)
	);

	CREATE TABLE permission_groups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		company_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		is_system BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE permission_group_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_id INTEGER NOT NULL,
		permission TEXT NOT NULL,
		UNIQUE(group_id, permission)
	);

	CREATE TABLE role_permission_groups (
		role_id INTEGER NOT NULL,
		group_id INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (role_id, group_id)
	);

	CREATE TABLE users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		company_id INTEGER NOT NULL,
		email TEXT,
		role_id INTEGER,
		legacy_role TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE company_members (
		company_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		role_id INTEGER,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (company_id, user_id)
	);

	CREATE TABLE user_permission_overrides (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		permission TEXT NOT NULL,
		override_type TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(user_id, permission)
	);
`

func setupTestDB(t testing.TB) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)

	// Every connection to :memory: gets its own database
	db.SetMaxOpenConns(1)

	_, err = db.Exec(sqliteSchema)
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })
	return db
}

// testEnv bundles a store, resolver and managers over one in-memory database
type testEnv struct {
	db        *sql.DB
	store     *Store
	resolver  *Resolver
	roles     *RoleManager
	groups    *GroupManager
	overrides *OverrideManager
}

func newTestEnv(t testing.TB, opts ...ResolverOption) *testEnv {
	t.Helper()

	db := setupTestDB(t)
	store := NewStore(db)
	resolver := NewResolver(store, opts...)
	return &testEnv{
		db:        db,
		store:     store,
		resolver:  resolver,
		roles:     NewRoleManager(store, resolver, nil),
		groups:    NewGroupManager(store, resolver, nil),
		overrides: NewOverrideManager(store, resolver, nil),
	}
}

func (e *testEnv) createRole(t testing.TB, companyID int64, slug string, parent *int64, perms ...permissions.Permission) *Role {
	t.Helper()

	role, err := e.roles.CreateRole(context.Background(), CreateRoleInput{
		CompanyID:    companyID,
		Name:         slug,
		Slug:         slug,
		ParentRoleID: parent,
		Permissions:  perms,
	})
	require.NoError(t, err)
	return role
}

func (e *testEnv) createGroup(t testing.TB, companyID int64, name string, perms ...permissions.Permission) *PermissionGroup {
	t.Helper()

	group, err := e.groups.CreateGroup(context.Background(), CreateGroupInput{
		CompanyID:   companyID,
		Name:        name,
		Permissions: perms,
	})
	require.NoError(t, err)
	return group
}

func (e *testEnv) createUser(t testing.TB, companyID int64, roleID *int64, legacy permissions.LegacyRole) *User {
	t.Helper()

	user := &User{CompanyID: companyID, RoleID: roleID, LegacyRole: legacy}
	require.NoError(t, e.store.CreateUser(context.Background(), user))
	return user
}

// createChain creates n roles, each the parent of the next, and returns them
// root first
func (e *testEnv) createChain(t testing.TB, companyID int64, n int) []*Role {
	t.Helper()

	chain := make([]*Role, 0, n)
	var parent *int64
	for i := 0; i < n; i++ {
		role := e.createRole(t, companyID, "level-"+string(rune('a'+i)), parent)
		chain = append(chain, role)
		parent = &role.ID
	}
	return chain
}

// forceParent writes a parent pointer without validation, for corrupt-data tests
func (e *testEnv) forceParent(t testing.TB, roleID int64, parent *int64) {
	t.Helper()
	require.NoError(t, e.store.SetParentRole(context.Background(), roleID, parent))
}

func int64Ptr(v int64) *int64 {
	return &v
}

func strPtr(s string) *string {
	return &s
}

// fakeClock is a settable time source
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}
