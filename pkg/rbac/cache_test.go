package rbac

import (
	"context"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haulbase/haulbase/pkg/permissions"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func sampleEntry() CacheEntry {
	return CacheEntry{
		Permissions: []permissions.Permission{permissions.LoadsView, permissions.LoadsEdit},
		ComputedAt:  time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC),
	}
}

// exerciseCache runs the PermissionCache contract against a backend
func exerciseCache(t *testing.T, cache PermissionCache) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, 1, sampleEntry()))
	require.NoError(t, cache.Set(ctx, 2, sampleEntry()))
	require.NoError(t, cache.Set(ctx, 3, sampleEntry()))

	entry, ok, err := cache.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sampleEntry().Permissions, entry.Permissions)
	assert.True(t, sampleEntry().ComputedAt.Equal(entry.ComputedAt))

	require.NoError(t, cache.Delete(ctx, 1, 2))
	require.NoError(t, cache.Delete(ctx))

	_, ok, err = cache.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = cache.Get(ctx, 3)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, cache.Clear(ctx))
	_, ok, err = cache.Get(ctx, 3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCache(t *testing.T) {
	cache := NewMemoryCache(10, time.Minute)
	exerciseCache(t, cache)

	stats := cache.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(3), stats.Misses)
	assert.Equal(t, 0, stats.Size)
}

func TestMemoryCache_Bounded(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache(2, time.Minute)

	for id := int64(1); id <= 3; id++ {
		require.NoError(t, cache.Set(ctx, id, sampleEntry()))
	}

	_, ok, _ := cache.Get(ctx, 1)
	assert.False(t, ok, "oldest entry evicted")
	_, ok, _ = cache.Get(ctx, 3)
	assert.True(t, ok)
	assert.Equal(t, 2, cache.Stats().Size)
}

func TestMemoryCache_ExpiresOnRead(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
	cache := NewMemoryCache(10, time.Minute)
	cache.now = clock.Now

	require.NoError(t, cache.Set(ctx, 1, sampleEntry()))

	clock.Advance(59 * time.Second)
	_, ok, err := cache.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok, err = cache.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Stats().Size, "expired entry removed")
}

func TestMemoryCache_NoBackgroundGoroutines(t *testing.T) {
	before := runtime.NumGoroutine()
	for i := 0; i < 50; i++ {
		NewResolver(NewStore(nil))
	}
	// Unrelated goroutines may come and go; fifty timers would not fit
	assert.Less(t, runtime.NumGoroutine(), before+10)
}

func TestRedisCache(t *testing.T) {
	_, client := setupTestRedis(t)
	exerciseCache(t, NewRedisCache(client, "", time.Minute))
}

func TestRedisCache_TTLAndPrefix(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)
	cache := NewRedisCache(client, "test:perms:", 2*time.Minute)

	require.NoError(t, cache.Set(ctx, 42, sampleEntry()))
	assert.True(t, mr.Exists("test:perms:42"))
	assert.Equal(t, 2*time.Minute, mr.TTL("test:perms:42"))

	// Keys outside the prefix survive Clear
	require.NoError(t, mr.Set("unrelated", "x"))
	require.NoError(t, cache.Clear(ctx))
	assert.False(t, mr.Exists("test:perms:42"))
	assert.True(t, mr.Exists("unrelated"))

	require.NoError(t, cache.Set(ctx, 7, sampleEntry()))
	mr.FastForward(3 * time.Minute)
	_, ok, err := cache.Get(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_ClearManyKeys(t *testing.T) {
	ctx := context.Background()
	_, client := setupTestRedis(t)
	cache := NewRedisCache(client, "", time.Minute)

	for id := int64(1); id <= 250; id++ {
		require.NoError(t, cache.Set(ctx, id, sampleEntry()))
	}
	require.NoError(t, cache.Clear(ctx))

	keys, err := client.Keys(ctx, DefaultRedisKeyPrefix+"*").Result()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRedisCache_CorruptEntry(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)
	cache := NewRedisCache(client, "", time.Minute)

	require.NoError(t, mr.Set(DefaultRedisKeyPrefix+"5", "{not json"))

	_, ok, err := cache.Get(ctx, 5)
	assert.Error(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists(DefaultRedisKeyPrefix+"5"), "corrupt entry dropped")
}

func TestRedisCache_Unavailable(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)
	cache := NewRedisCache(client, "", time.Minute)
	mr.Close()

	_, _, err := cache.Get(ctx, 1)
	assert.Error(t, err)
	assert.Error(t, cache.Set(ctx, 1, sampleEntry()))
}

func TestResolver_RedisCacheBackend(t *testing.T) {
	ctx := context.Background()
	_, client := setupTestRedis(t)
	env := newTestEnv(t, WithCache(NewRedisCache(client, "", DefaultCacheTTL)))

	role := env.createRole(t, 1, "ops", nil, permissions.LoadsView)
	user := env.createUser(t, 1, &role.ID, "")

	perms, err := env.resolver.GetEffectivePermissions(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []permissions.Permission{permissions.LoadsView}, perms)

	_, err = env.roles.UpdateRole(ctx, role.ID, RoleUpdate{Permissions: []permissions.Permission{permissions.LoadsEdit}})
	require.NoError(t, err)

	perms, err = env.resolver.GetEffectivePermissions(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []permissions.Permission{permissions.LoadsEdit}, perms)
}

func TestRedisCache_SetIfVersion(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)
	cache := NewRedisCache(client, "", time.Minute)
	other := NewRedisCache(client, "", time.Minute)

	version, err := cache.Version(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, "0:0", version)

	stored, err := cache.SetIfVersion(ctx, 9, version, sampleEntry())
	require.NoError(t, err)
	assert.True(t, stored)
	assert.Equal(t, time.Minute, mr.TTL(DefaultRedisKeyPrefix+"9"))

	t.Run("delete from another instance", func(t *testing.T) {
		stale, err := cache.Version(ctx, 9)
		require.NoError(t, err)
		require.NoError(t, other.Delete(ctx, 9))

		stored, err := cache.SetIfVersion(ctx, 9, stale, sampleEntry())
		require.NoError(t, err)
		assert.False(t, stored)
		assert.False(t, mr.Exists(DefaultRedisKeyPrefix+"9"))

		fresh, err := cache.Version(ctx, 9)
		require.NoError(t, err)
		assert.NotEqual(t, stale, fresh)
		stored, err = cache.SetIfVersion(ctx, 9, fresh, sampleEntry())
		require.NoError(t, err)
		assert.True(t, stored)
	})

	t.Run("clear from another instance", func(t *testing.T) {
		stale, err := cache.Version(ctx, 10)
		require.NoError(t, err)
		require.NoError(t, other.Clear(ctx))

		stored, err := cache.SetIfVersion(ctx, 10, stale, sampleEntry())
		require.NoError(t, err)
		assert.False(t, stored)
	})

	t.Run("version keys survive clear", func(t *testing.T) {
		require.NoError(t, other.Clear(ctx))
		assert.True(t, mr.Exists("version:"+DefaultRedisKeyPrefix+"epoch"))
		assert.True(t, mr.Exists("version:"+DefaultRedisKeyPrefix+"9"))
	})
}

// racingCache runs beforeSet once, between a computation and its cache write
type racingCache struct {
	*RedisCache
	beforeSet func()
}

func (c *racingCache) SetIfVersion(ctx context.Context, userID int64, version string, entry CacheEntry) (bool, error) {
	if c.beforeSet != nil {
		hook := c.beforeSet
		c.beforeSet = nil
		hook()
	}
	return c.RedisCache.SetIfVersion(ctx, userID, version, entry)
}

func TestResolver_RemoteInvalidationDuringResolve(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)
	cache := &racingCache{RedisCache: NewRedisCache(client, "", DefaultCacheTTL)}
	env := newTestEnv(t, WithCache(cache))

	role := env.createRole(t, 1, "ops", nil, permissions.LoadsView)
	user := env.createUser(t, 1, &role.ID, "")

	// A second instance changes the role and invalidates after this
	// instance has already computed the old set
	peer := NewResolver(env.store, WithCache(NewRedisCache(client, "", DefaultCacheTTL)))
	cache.beforeSet = func() {
		require.NoError(t, env.store.ReplaceRolePermissions(ctx, role.ID, []permissions.Permission{permissions.LoadsEdit}))
		require.NoError(t, peer.InvalidateRole(ctx, role.ID))
	}

	perms, err := env.resolver.GetEffectivePermissions(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []permissions.Permission{permissions.LoadsView}, perms)
	assert.False(t, mr.Exists(DefaultRedisKeyPrefix+strconv.FormatInt(user.ID, 10)), "stale set not cached")

	perms, err = env.resolver.GetEffectivePermissions(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []permissions.Permission{permissions.LoadsEdit}, perms)
	assert.True(t, mr.Exists(DefaultRedisKeyPrefix+strconv.FormatInt(user.ID, 10)))
}

func TestResolver_CacheReadFailureFallsThrough(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)
	env := newTestEnv(t, WithCache(NewRedisCache(client, "", DefaultCacheTTL)))

	role := env.createRole(t, 1, "ops", nil, permissions.LoadsView)
	user := env.createUser(t, 1, &role.ID, "")
	mr.Close()

	ok, err := env.resolver.HasPermission(ctx, user.ID, permissions.LoadsView)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewRedisClient(t *testing.T) {
	ctx := context.Background()
	mr, _ := setupTestRedis(t)

	client, err := NewRedisClient(ctx, "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	client.Close()

	_, err = NewRedisClient(ctx, "not a url")
	assert.Error(t, err)
}
