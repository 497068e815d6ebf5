package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haulbase/haulbase/pkg/permissions"
)

// DefaultCacheTTL bounds how long a computed permission set is served
// without an explicit invalidation
const DefaultCacheTTL = 5 * time.Minute

// DefaultCacheSize is the in-memory cache capacity in users
const DefaultCacheSize = 10000

// CacheEntry is a computed permission set and the time it was computed
type CacheEntry struct {
	Permissions []permissions.Permission `json:"permissions"`
	ComputedAt  time.Time                `json:"computed_at"`
}

// PermissionCache stores effective permission sets keyed by user ID.
// Implementations must be safe for concurrent use.
type PermissionCache interface {
	// Get returns the entry for a user; ok is false on a miss
	Get(ctx context.Context, userID int64) (entry CacheEntry, ok bool, err error)

	// Set stores the entry for a user
	Set(ctx context.Context, userID int64, entry CacheEntry) error

	// Delete drops the entries of the given users
	Delete(ctx context.Context, userIDs ...int64) error

	// Clear drops every entry
	Clear(ctx context.Context) error
}

// CacheStats holds hit/miss counters of a cache backend
type CacheStats struct {
	Hits   int64
	Misses int64
	Size   int
}

// MemoryCache is a bounded in-process cache with per-entry expiry. Expired
// entries are dropped lazily on read, so the cache owns no goroutines and
// needs no Close.
type MemoryCache struct {
	cache  *lru.Cache[int64, memoryEntry]
	ttl    time.Duration
	now    func() time.Time
	hits   atomic.Int64
	misses atomic.Int64
}

type memoryEntry struct {
	entry     CacheEntry
	expiresAt time.Time
}

// NewMemoryCache creates an in-process cache holding at most maxEntries users
func NewMemoryCache(maxEntries int, ttl time.Duration) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	// lru.New only fails for a non-positive size
	cache, _ := lru.New[int64, memoryEntry](maxEntries)
	return &MemoryCache{
		cache: cache,
		ttl:   ttl,
		now:   time.Now,
	}
}

// Get implements PermissionCache
func (c *MemoryCache) Get(ctx context.Context, userID int64) (CacheEntry, bool, error) {
	item, ok := c.cache.Get(userID)
	if ok && !c.now().Before(item.expiresAt) {
		c.cache.Remove(userID)
		ok = false
	}
	if !ok {
		c.misses.Add(1)
		return CacheEntry{}, false, nil
	}
	c.hits.Add(1)
	return item.entry, true, nil
}

// Set implements PermissionCache
func (c *MemoryCache) Set(ctx context.Context, userID int64, entry CacheEntry) error {
	c.cache.Add(userID, memoryEntry{entry: entry, expiresAt: c.now().Add(c.ttl)})
	return nil
}

// Delete implements PermissionCache
func (c *MemoryCache) Delete(ctx context.Context, userIDs ...int64) error {
	for _, id := range userIDs {
		c.cache.Remove(id)
	}
	return nil
}

// Clear implements PermissionCache
func (c *MemoryCache) Clear(ctx context.Context) error {
	c.cache.Purge()
	return nil
}

// Stats returns the cache counters
func (c *MemoryCache) Stats() CacheStats {
	return CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   c.cache.Len(),
	}
}

// VersionedCache is a cache shared by several processes. Each invalidation
// bumps a version held by the cache itself, and SetIfVersion stores an entry
// only while the version read before the computation is still current, so a
// computation that raced another instance's invalidation is never cached.
type VersionedCache interface {
	PermissionCache

	// Version returns an opaque token for the user's current version
	Version(ctx context.Context, userID int64) (string, error)

	// SetIfVersion stores entry when version is still current and reports
	// whether it did
	SetIfVersion(ctx context.Context, userID int64, version string, entry CacheEntry) (bool, error)
}

// DefaultRedisKeyPrefix namespaces permission entries in a shared Redis
const DefaultRedisKeyPrefix = "authz:perms:"

// versionKeyPrefix namespaces version counters outside the entry prefix so
// Clear never resets them
const versionKeyPrefix = "version:"

// setIfVersionScript writes the entry only when the epoch and user version
// still match the token read before the computation.
// KEYS: epoch, user version, entry. ARGV: token, entry, ttl seconds.
var setIfVersionScript = redis.NewScript(`
local epoch = redis.call('GET', KEYS[1]) or '0'
local ver = redis.call('GET', KEYS[2]) or '0'
if epoch .. ':' .. ver ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[3], ARGV[2], 'EX', ARGV[3])
return 1
`)

// RedisCache stores permission sets in Redis so every instance shares them.
// It implements VersionedCache.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed cache. Entries expire server-side
// after ttl.
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) key(userID int64) string {
	return c.prefix + strconv.FormatInt(userID, 10)
}

func (c *RedisCache) versionKey(userID int64) string {
	return versionKeyPrefix + c.prefix + strconv.FormatInt(userID, 10)
}

func (c *RedisCache) epochKey() string {
	return versionKeyPrefix + c.prefix + "epoch"
}

// Version implements VersionedCache
func (c *RedisCache) Version(ctx context.Context, userID int64) (string, error) {
	vals, err := c.client.MGet(ctx, c.epochKey(), c.versionKey(userID)).Result()
	if err != nil {
		return "", fmt.Errorf("redis mget failed: %w", err)
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = "0"
		if str, ok := v.(string); ok {
			parts[i] = str
		}
	}
	return strings.Join(parts, ":"), nil
}

// SetIfVersion implements VersionedCache
func (c *RedisCache) SetIfVersion(ctx context.Context, userID int64, version string, entry CacheEntry) (bool, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("failed to marshal permission entry: %w", err)
	}

	keys := []string{c.epochKey(), c.versionKey(userID), c.key(userID)}
	stored, err := setIfVersionScript.Run(ctx, c.client, keys, version, data, int64(c.ttl/time.Second)).Int()
	if err != nil {
		return false, fmt.Errorf("redis versioned set failed: %w", err)
	}
	return stored == 1, nil
}

// Get implements PermissionCache
func (c *RedisCache) Get(ctx context.Context, userID int64) (CacheEntry, bool, error) {
	key := c.key(userID)

	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return CacheEntry{}, false, nil
	} else if err != nil {
		return CacheEntry{}, false, fmt.Errorf("redis get failed: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		// Drop corrupt data so the next read recomputes
		c.client.Del(ctx, key)
		return CacheEntry{}, false, fmt.Errorf("failed to unmarshal permission entry: %w", err)
	}
	return entry, true, nil
}

// Set implements PermissionCache
func (c *RedisCache) Set(ctx context.Context, userID int64, entry CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal permission entry: %w", err)
	}
	if err := c.client.Set(ctx, c.key(userID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Delete implements PermissionCache
func (c *RedisCache) Delete(ctx context.Context, userIDs ...int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = c.key(id)
	}

	// Version counters outlive any computation that could have read them
	versionTTL := 2 * c.ttl
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range userIDs {
			pipe.Incr(ctx, c.versionKey(id))
			pipe.Expire(ctx, c.versionKey(id), versionTTL)
		}
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Clear implements PermissionCache by bumping the epoch and scanning the key
// prefix
func (c *RedisCache) Clear(ctx context.Context) error {
	if err := c.client.Incr(ctx, c.epochKey()).Err(); err != nil {
		return fmt.Errorf("redis incr failed: %w", err)
	}

	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()

	batch := make([]string, 0, 100)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis del failed: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan failed: %w", err)
	}
	if len(batch) > 0 {
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis del failed: %w", err)
		}
	}
	return nil
}

// NewRedisClient connects to Redis at url with the timeouts used across the service
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}
