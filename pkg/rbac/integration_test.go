package rbac

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haulbase/haulbase/pkg/permissions"
)

func newTestManager(t *testing.T, config Config, opts ...ManagerOption) *Manager {
	t.Helper()

	db := setupTestDB(t)
	config.RunMigrations = false
	m := NewManager(db, config, opts...)
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() { m.Stop(context.Background()) })
	return m
}

func TestNewManager(t *testing.T) {
	m := newTestManager(t, DefaultConfig())

	assert.NotNil(t, m.GetStore())
	assert.NotNil(t, m.GetResolver())
	assert.NotNil(t, m.GetRoleManager())
	assert.NotNil(t, m.GetGroupManager())
	assert.NotNil(t, m.GetOverrideManager())
	assert.NotNil(t, m.GetMiddleware())
	assert.IsType(t, &MemoryCache{}, m.GetResolver().Cache())

	// Start without a schedule is a no-op
	require.NoError(t, m.Start())
	require.NoError(t, m.Stop(context.Background()))
}

func TestManager_ResolverOptionsOverrideDefaults(t *testing.T) {
	_, client := setupTestRedis(t)
	redisCache := NewRedisCache(client, "", time.Minute)

	m := newTestManager(t, DefaultConfig(), WithResolverOptions(WithCache(redisCache)))
	assert.Same(t, redisCache, m.GetResolver().Cache())
}

func TestManager_EndToEnd(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, DefaultConfig())

	seeded, err := m.GetRoleManager().SeedSystemRoles(ctx, 1)
	require.NoError(t, err)
	require.NotEmpty(t, seeded)

	dispatcher, err := m.GetStore().GetRoleBySlug(ctx, 1, "dispatcher")
	require.NoError(t, err)

	user := &User{CompanyID: 1, RoleID: &dispatcher.ID}
	require.NoError(t, m.GetStore().CreateUser(ctx, user))

	ok, err := m.HasPermission(ctx, user.ID, permissions.LoadsAssign)
	require.NoError(t, err)
	assert.True(t, ok)

	router := mux.NewRouter()
	m.RegisterRoutes(router)
	rec := doRequest(t, asCaller(router, user.ID), "GET", "/rbac/users/"+itoa(user.ID)+"/permissions", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"loads.assign"`)
}

func TestManager_InvalidFlushSchedule(t *testing.T) {
	config := DefaultConfig()
	config.FlushSchedule = "every other tuesday"
	m := newTestManager(t, config)

	err := m.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cache flush schedule")
}

func TestManager_ScheduledFlush(t *testing.T) {
	ctx := context.Background()
	config := DefaultConfig()
	config.FlushSchedule = "@every 1s"
	m := newTestManager(t, config)

	role := &Role{CompanyID: 1, Name: "Ops", Slug: "ops"}
	require.NoError(t, m.GetStore().CreateRole(ctx, role, []permissions.Permission{permissions.LoadsView}))
	user := &User{CompanyID: 1, RoleID: &role.ID}
	require.NoError(t, m.GetStore().CreateUser(ctx, user))

	_, err := m.GetResolver().GetEffectivePermissions(ctx, user.ID)
	require.NoError(t, err)

	require.NoError(t, m.Start())
	assert.Error(t, m.Start(), "starting twice fails")

	assert.Eventually(t, func() bool {
		_, ok, _ := m.GetResolver().Cache().Get(ctx, user.ID)
		return !ok
	}, 5*time.Second, 50*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(stopCtx))
	assert.NoError(t, m.Stop(stopCtx), "stopping twice is a no-op")
}

func TestManager_FlushCache(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, DefaultConfig())

	require.NoError(t, m.GetResolver().Cache().Set(ctx, 1, sampleEntry()))
	m.flushCache()

	_, ok, err := m.GetResolver().Cache().Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}
