package rbac

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haulbase/haulbase/pkg/permissions"
)

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", placeholders(1, 0))
	assert.Equal(t, "$1", placeholders(1, 1))
	assert.Equal(t, "$3, $4, $5", placeholders(3, 3))
}

func TestStore_Roles(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))

	parent := &Role{CompanyID: 1, Name: "Ops", Slug: "ops"}
	require.NoError(t, store.CreateRole(ctx, parent, []permissions.Permission{permissions.LoadsView}))
	assert.NotZero(t, parent.ID)
	assert.False(t, parent.CreatedAt.IsZero())

	child := &Role{CompanyID: 1, Name: "Night ops", Slug: "night-ops", ParentRoleID: &parent.ID}
	require.NoError(t, store.CreateRole(ctx, child, nil))

	got, err := store.GetRole(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, "Night ops", got.Name)
	require.NotNil(t, got.ParentRoleID)
	assert.Equal(t, parent.ID, *got.ParentRoleID)

	bySlug, err := store.GetRoleBySlug(ctx, 1, "ops")
	require.NoError(t, err)
	assert.Equal(t, parent.ID, bySlug.ID)

	_, err = store.GetRoleBySlug(ctx, 2, "ops")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetRole(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	dup := &Role{CompanyID: 1, Name: "Ops again", Slug: "ops"}
	assert.Error(t, store.CreateRole(ctx, dup, nil))

	children, err := store.GetChildRoleIDs(ctx, []int64{parent.ID})
	require.NoError(t, err)
	assert.Equal(t, []int64{child.ID}, children)

	count, err := store.CountChildRoles(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, store.ReplaceRolePermissions(ctx, parent.ID, []permissions.Permission{permissions.LoadsEdit, permissions.LoadsCreate}))
	perms, err := store.GetRolePermissions(ctx, parent.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []permissions.Permission{permissions.LoadsEdit, permissions.LoadsCreate}, perms)

	require.NoError(t, store.SetParentRole(ctx, child.ID, nil))
	parentID, err := store.GetParentRoleID(ctx, child.ID)
	require.NoError(t, err)
	assert.Nil(t, parentID)

	roles, err := store.GetRolesByIDs(ctx, []int64{child.ID, parent.ID, 999})
	require.NoError(t, err)
	assert.Len(t, roles, 2)

	roles, err = store.GetRolesByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestStore_UserLookups(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))

	ops := &Role{CompanyID: 1, Name: "Ops", Slug: "ops"}
	require.NoError(t, store.CreateRole(ctx, ops, nil))
	sales := &Role{CompanyID: 1, Name: "Sales", Slug: "sales"}
	require.NoError(t, store.CreateRole(ctx, sales, nil))

	direct := &User{CompanyID: 1, Email: "direct@example.com", RoleID: &ops.ID}
	require.NoError(t, store.CreateUser(ctx, direct))
	member := &User{CompanyID: 2, Email: "member@example.com", LegacyRole: permissions.LegacyDriver}
	require.NoError(t, store.CreateUser(ctx, member))
	require.NoError(t, store.AddMembership(ctx, 1, member.ID, &sales.ID))
	// Re-adding updates the membership role
	require.NoError(t, store.AddMembership(ctx, 1, member.ID, &ops.ID))

	ids, err := store.GetUserIDsByRoles(ctx, []int64{ops.ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{direct.ID, member.ID}, ids)

	ids, err = store.GetUserIDsByRoles(ctx, []int64{sales.ID})
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = store.GetUserIDsByRoles(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, ids)

	assignments, err := store.CountRoleAssignments(ctx, ops.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, assignments)

	counts, err := store.CountUsersByRole(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{ops.ID: 1}, counts)

	got, err := store.GetUser(ctx, member.ID)
	require.NoError(t, err)
	assert.Nil(t, got.RoleID)
	assert.Equal(t, permissions.LegacyDriver, got.LegacyRole)
	assert.True(t, got.Assignment().IsLegacy())

	require.NoError(t, store.SetUserRole(ctx, member.ID, &sales.ID))
	got, err = store.GetUser(ctx, member.ID)
	require.NoError(t, err)
	roleID, ok := got.Assignment().RoleID()
	assert.True(t, ok)
	assert.Equal(t, sales.ID, roleID)

	assert.ErrorIs(t, store.SetUserRole(ctx, 999, nil), ErrNotFound)
	assert.ErrorIs(t, store.SetUserLegacyRole(ctx, 999, permissions.LegacyAdmin), ErrNotFound)

	_, err = store.GetUser(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ResolutionReads(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))

	a := &Role{CompanyID: 1, Name: "A", Slug: "a"}
	require.NoError(t, store.CreateRole(ctx, a, []permissions.Permission{permissions.LoadsView}))
	b := &Role{CompanyID: 1, Name: "B", Slug: "b"}
	require.NoError(t, store.CreateRole(ctx, b, []permissions.Permission{permissions.LoadsView, permissions.LoadsEdit}))

	group := &PermissionGroup{CompanyID: 1, Name: "Docs", Permissions: []permissions.Permission{permissions.DocumentsView}}
	require.NoError(t, store.CreateGroup(ctx, group))
	require.NoError(t, store.AttachGroup(ctx, group.ID, b.ID))
	require.NoError(t, store.AttachGroup(ctx, group.ID, b.ID))

	direct, err := store.GetDirectPermissions(ctx, []int64{a.ID, b.ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []permissions.Permission{permissions.LoadsView, permissions.LoadsView, permissions.LoadsEdit}, direct)

	fromGroups, err := store.GetGroupPermissions(ctx, []int64{a.ID, b.ID})
	require.NoError(t, err)
	assert.Equal(t, []permissions.Permission{permissions.DocumentsView}, fromGroups)

	roleIDs, err := store.GetRoleIDsForGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{b.ID}, roleIDs)

	removed, err := store.DetachGroup(ctx, group.ID, b.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = store.DetachGroup(ctx, group.ID, b.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	fromGroups, err = store.GetGroupPermissions(ctx, []int64{b.ID})
	require.NoError(t, err)
	assert.Empty(t, fromGroups)
}

func TestStore_Overrides(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))

	user := &User{CompanyID: 1}
	require.NoError(t, store.CreateUser(ctx, user))

	require.NoError(t, store.UpsertOverride(ctx, user.ID, permissions.UsersView, OverrideGrant))
	require.NoError(t, store.UpsertOverride(ctx, user.ID, permissions.UsersView, OverrideRevoke))

	overrides, err := store.GetUserOverrides(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	assert.Equal(t, OverrideRevoke, overrides[0].Type)
	assert.Equal(t, user.ID, overrides[0].UserID)

	removed, err := store.DeleteOverride(ctx, user.ID, permissions.UsersView)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.DeleteOverride(ctx, user.ID, permissions.UsersView)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestStore_GetRole_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM roles WHERE id = ").
		WithArgs(int64(7)).
		WillReturnError(errors.New("connection reset"))

	_, err = NewStore(db).GetRole(context.Background(), 7)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateRole_RollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO roles").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectExec("INSERT INTO role_permissions").
		WithArgs(int64(11), string(permissions.LoadsView), sqlmock.AnyArg()).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	role := &Role{CompanyID: 1, Name: "Ops", Slug: "ops"}
	err = NewStore(db).CreateRole(context.Background(), role, []permissions.Permission{permissions.LoadsView})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DeleteGroup_RollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM permission_group_items").WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM role_permission_groups").WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM permission_groups").WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = NewStore(db).DeleteGroup(context.Background(), 3)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CommitFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM role_permissions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE roles SET updated_at").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	err = NewStore(db).ReplaceRolePermissions(context.Background(), 5, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to commit")
}
