package rbac

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/haulbase/haulbase/pkg/observability"
	"github.com/haulbase/haulbase/pkg/permissions"
)

const tracerName = "github.com/haulbase/haulbase/pkg/rbac"

// Invalidation scopes reported to MetricsRecorder
const (
	ScopeUser    = "user"
	ScopeRole    = "role"
	ScopeGroup   = "group"
	ScopeCompany = "company"
	ScopeAll     = "all"
)

// Resolution paths reported to MetricsRecorder
const (
	PathRole   = "role"
	PathLegacy = "legacy"
)

// MetricsRecorder receives resolver events. observability.Metrics and
// observability.OTelMetrics implement it.
type MetricsRecorder interface {
	RecordCacheHit()
	RecordCacheMiss()
	RecordResolution(path string, duration time.Duration)
	RecordInvalidation(scope string, users int)
	RecordCheck(allowed bool)
	RecordTruncatedWalk()
}

type noopRecorder struct{}

func (noopRecorder) RecordCacheHit()                        {}
func (noopRecorder) RecordCacheMiss()                       {}
func (noopRecorder) RecordResolution(string, time.Duration) {}
func (noopRecorder) RecordInvalidation(string, int)         {}
func (noopRecorder) RecordCheck(bool)                       {}
func (noopRecorder) RecordTruncatedWalk()                   {}

// Resolver computes and caches users' effective permission sets. It is the
// authorization-check entry point and never mutates role or group data.
//
// Concurrent cache misses for the same user share one computation. Every
// invalidation advances a generation counter; a computation that overlapped
// an invalidation is returned to its callers but not cached.
type Resolver struct {
	store   *Store
	cache   PermissionCache
	catalog *permissions.Catalog
	ttl     time.Duration
	now     func() time.Time
	logger  *observability.Logger
	metrics MetricsRecorder
	tracer  trace.Tracer

	flight     singleflight.Group
	mu         sync.RWMutex
	generation atomic.Uint64
}

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithCache sets the cache backend (default: MemoryCache)
func WithCache(cache PermissionCache) ResolverOption {
	return func(r *Resolver) { r.cache = cache }
}

// WithCatalog sets the catalog results are filtered against
func WithCatalog(catalog *permissions.Catalog) ResolverOption {
	return func(r *Resolver) { r.catalog = catalog }
}

// WithTTL sets how long a cached entry is served
func WithTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) { r.ttl = ttl }
}

// WithClock sets the time source used for entry age
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// WithLogger sets the logger
func WithLogger(logger *observability.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// WithMetrics sets the metrics recorder
func WithMetrics(m MetricsRecorder) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// WithTracerProvider sets the tracer provider (default: the global one)
func WithTracerProvider(tp trace.TracerProvider) ResolverOption {
	return func(r *Resolver) { r.tracer = tp.Tracer(tracerName) }
}

// NewResolver creates a resolver reading from store
func NewResolver(store *Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:   store,
		catalog: permissions.DefaultCatalog(),
		ttl:     DefaultCacheTTL,
		now:     time.Now,
		metrics: noopRecorder{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = NewMemoryCache(0, r.ttl)
	}
	if r.logger == nil {
		r.logger = observability.NewDiscardLogger()
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(tracerName)
	}
	if bc, ok := r.cache.(interface {
		OnRemoteInvalidation(func(userIDs []int64, all bool))
	}); ok {
		bc.OnRemoteInvalidation(func([]int64, bool) { r.advanceGeneration() })
	}
	return r
}

// Catalog returns the catalog results are filtered against
func (r *Resolver) Catalog() *permissions.Catalog {
	return r.catalog
}

// Cache returns the cache backend
func (r *Resolver) Cache() PermissionCache {
	return r.cache
}

// GetEffectivePermissions returns the user's effective permission set, sorted.
// A cached entry younger than the TTL is served as is.
func (r *Resolver) GetEffectivePermissions(ctx context.Context, userID int64) ([]permissions.Permission, error) {
	entry, ok, err := r.cache.Get(ctx, userID)
	if err != nil {
		r.logger.WithError(err).WithField("user_id", userID).Warn("Permission cache read failed")
	} else if ok && r.now().Sub(entry.ComputedAt) < r.ttl {
		r.metrics.RecordCacheHit()
		return clonePermissions(entry.Permissions), nil
	}
	r.metrics.RecordCacheMiss()

	gen := r.generation.Load()
	key := strconv.FormatInt(userID, 10) + ":" + strconv.FormatUint(gen, 10)

	v, err, _ := r.flight.Do(key, func() (interface{}, error) {
		version, cacheable := r.readVersion(ctx, userID)
		res, err := r.resolve(ctx, userID)
		if err != nil {
			return nil, err
		}
		if cacheable {
			r.storeEntry(ctx, userID, gen, version, CacheEntry{Permissions: res.Permissions, ComputedAt: res.ComputedAt})
		}
		return res.Permissions, nil
	})
	if err != nil {
		return nil, err
	}
	return clonePermissions(v.([]permissions.Permission)), nil
}

// readVersion returns the shared cache version for userID. Entries computed
// without a version are not cached.
func (r *Resolver) readVersion(ctx context.Context, userID int64) (string, bool) {
	vc, ok := r.cache.(VersionedCache)
	if !ok {
		return "", true
	}
	version, err := vc.Version(ctx, userID)
	if err != nil {
		r.logger.WithError(err).WithField("user_id", userID).Warn("Permission cache version read failed")
		return "", false
	}
	return version, true
}

// storeEntry caches entry unless an invalidation happened since gen was read.
// A VersionedCache also rejects the write when another process invalidated
// the user after version was read.
func (r *Resolver) storeEntry(ctx context.Context, userID int64, gen uint64, version string, entry CacheEntry) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.generation.Load() != gen {
		return
	}

	vc, ok := r.cache.(VersionedCache)
	if !ok {
		if err := r.cache.Set(ctx, userID, entry); err != nil {
			r.logger.WithError(err).WithField("user_id", userID).Warn("Permission cache write failed")
		}
		return
	}

	stored, err := vc.SetIfVersion(ctx, userID, version, entry)
	if err != nil {
		r.logger.WithError(err).WithField("user_id", userID).Warn("Permission cache write failed")
		return
	}
	if !stored {
		r.logger.WithField("user_id", userID).Debug("Skipped caching permissions invalidated by another instance")
	}
}

// HasPermission reports whether the user holds perm. Unknown users hold
// nothing.
func (r *Resolver) HasPermission(ctx context.Context, userID int64, perm permissions.Permission) (bool, error) {
	return r.check(ctx, userID, func(set map[permissions.Permission]bool) bool {
		return set[perm]
	})
}

// HasAnyPermission reports whether the user holds at least one of perms
func (r *Resolver) HasAnyPermission(ctx context.Context, userID int64, perms []permissions.Permission) (bool, error) {
	return r.check(ctx, userID, func(set map[permissions.Permission]bool) bool {
		for _, p := range perms {
			if set[p] {
				return true
			}
		}
		return false
	})
}

// HasAllPermissions reports whether the user holds every one of perms. An
// empty list is trivially satisfied.
func (r *Resolver) HasAllPermissions(ctx context.Context, userID int64, perms []permissions.Permission) (bool, error) {
	return r.check(ctx, userID, func(set map[permissions.Permission]bool) bool {
		for _, p := range perms {
			if !set[p] {
				return false
			}
		}
		return true
	})
}

func (r *Resolver) check(ctx context.Context, userID int64, pred func(map[permissions.Permission]bool) bool) (bool, error) {
	perms, err := r.GetEffectivePermissions(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		r.metrics.RecordCheck(false)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	set := make(map[permissions.Permission]bool, len(perms))
	for _, p := range perms {
		set[p] = true
	}
	allowed := pred(set)
	r.metrics.RecordCheck(allowed)
	return allowed, nil
}

// Explain recomputes the user's permissions without touching the cache and
// reports where each permission came from
func (r *Resolver) Explain(ctx context.Context, userID int64) (*Resolution, error) {
	return r.resolve(ctx, userID)
}

// resolve runs the full resolution procedure for one user
func (r *Resolver) resolve(ctx context.Context, userID int64) (res *Resolution, err error) {
	ctx, span := r.tracer.Start(ctx, "rbac.ResolvePermissions",
		trace.WithAttributes(attribute.Int64("user.id", userID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	start := time.Now()

	user, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	res = &Resolution{
		UserID:  userID,
		Sources: make(map[permissions.Permission][]PermissionSource),
	}

	assignment := user.Assignment()
	if legacy, ok := assignment.Legacy(); ok {
		res.Legacy = true
		res.LegacyRole = legacy
		for _, p := range permissions.DefaultsFor(legacy) {
			res.Sources[p] = appendSource(res.Sources[p], SourceLegacy)
		}
		r.finish(res)
		span.SetAttributes(attribute.String("authz.path", PathLegacy))
		r.metrics.RecordResolution(PathLegacy, time.Since(start))
		return res, nil
	}

	roleID, _ := assignment.RoleID()
	chain, truncated, err := r.store.RoleChain(ctx, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to walk role hierarchy: %w", err)
	}
	res.RoleChain = chain
	res.Truncated = truncated
	if truncated {
		r.metrics.RecordTruncatedWalk()
		r.logger.WithFields(map[string]interface{}{
			"user_id": userID,
			"role_id": roleID,
			"chain":   chain,
		}).Warn("Role hierarchy walk truncated")
	}

	var direct, grouped []permissions.Permission
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		direct, err = r.store.GetDirectPermissions(gctx, chain)
		return err
	})
	g.Go(func() error {
		var err error
		grouped, err = r.store.GetGroupPermissions(gctx, chain)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, p := range direct {
		res.Sources[p] = appendSource(res.Sources[p], SourceRole)
	}
	for _, p := range grouped {
		res.Sources[p] = appendSource(res.Sources[p], SourceGroup)
	}

	overrides, err := r.store.GetUserOverrides(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		switch o.Type {
		case OverrideGrant:
			res.Sources[o.Permission] = appendSource(res.Sources[o.Permission], SourceOverride)
		case OverrideRevoke:
			delete(res.Sources, o.Permission)
			res.Revoked = append(res.Revoked, o.Permission)
		}
	}

	r.finish(res)
	span.SetAttributes(
		attribute.String("authz.path", PathRole),
		attribute.Int("authz.chain_length", len(chain)),
		attribute.Int("authz.permissions", len(res.Permissions)),
	)
	r.metrics.RecordResolution(PathRole, time.Since(start))
	return res, nil
}

// finish filters the collected sources to the live catalog and fills the
// sorted permission list
func (r *Resolver) finish(res *Resolution) {
	res.Permissions = make([]permissions.Permission, 0, len(res.Sources))
	for p := range res.Sources {
		if !r.catalog.Contains(p) {
			delete(res.Sources, p)
			continue
		}
		res.Permissions = append(res.Permissions, p)
	}
	permissions.Sort(res.Permissions)
	res.ComputedAt = r.now()
}

func appendSource(sources []PermissionSource, src PermissionSource) []PermissionSource {
	for _, s := range sources {
		if s == src {
			return sources
		}
	}
	return append(sources, src)
}

func clonePermissions(perms []permissions.Permission) []permissions.Permission {
	out := make([]permissions.Permission, len(perms))
	copy(out, perms)
	return out
}

// advanceGeneration marks every in-flight computation as stale
func (r *Resolver) advanceGeneration() {
	r.mu.Lock()
	r.generation.Add(1)
	r.mu.Unlock()
}

// invalidate advances the generation and drops entries while no computation
// can be storing a result
func (r *Resolver) invalidate(ctx context.Context, scope string, userIDs []int64, all bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.generation.Add(1)

	var err error
	if all {
		err = r.cache.Clear(ctx)
	} else if len(userIDs) > 0 {
		err = r.cache.Delete(ctx, userIDs...)
	}
	if err != nil {
		return fmt.Errorf("failed to invalidate permission cache: %w", err)
	}

	r.metrics.RecordInvalidation(scope, len(userIDs))
	return nil
}

// InvalidateUser drops one user's cached permissions
func (r *Resolver) InvalidateUser(ctx context.Context, userID int64) error {
	return r.invalidate(ctx, ScopeUser, []int64{userID}, false)
}

// InvalidateRole drops the cached permissions of every user assigned to the
// role or any of its descendants
func (r *Resolver) InvalidateRole(ctx context.Context, roleID int64) error {
	userIDs, err := r.usersUnderRoles(ctx, []int64{roleID})
	if err != nil {
		return err
	}
	return r.invalidate(ctx, ScopeRole, userIDs, false)
}

// InvalidateGroup invalidates every role the group is attached to
func (r *Resolver) InvalidateGroup(ctx context.Context, groupID int64) error {
	userIDs, err := r.usersUnderGroup(ctx, groupID)
	if err != nil {
		return err
	}
	return r.invalidate(ctx, ScopeGroup, userIDs, false)
}

// InvalidateCompany drops the cached permissions of every user in the company
func (r *Resolver) InvalidateCompany(ctx context.Context, companyID int64) error {
	userIDs, err := r.store.GetUserIDsByCompany(ctx, companyID)
	if err != nil {
		return err
	}
	return r.invalidate(ctx, ScopeCompany, userIDs, false)
}

// InvalidateAll drops every cached permission set
func (r *Resolver) InvalidateAll(ctx context.Context) error {
	return r.invalidate(ctx, ScopeAll, nil, true)
}

func (r *Resolver) usersUnderGroup(ctx context.Context, groupID int64) ([]int64, error) {
	roleIDs, err := r.store.GetRoleIDsForGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return r.usersUnderRoles(ctx, roleIDs)
}

// usersUnderRoles returns the users assigned to any of roleIDs or their
// descendants
func (r *Resolver) usersUnderRoles(ctx context.Context, roleIDs []int64) ([]int64, error) {
	seen := make(map[int64]bool)
	var all []int64
	for _, roleID := range roleIDs {
		ids, err := r.store.Descendants(ctx, roleID)
		if err != nil {
			return nil, fmt.Errorf("failed to find descendants of role %d: %w", roleID, err)
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				all = append(all, id)
			}
		}
	}
	return r.store.GetUserIDsByRoles(ctx, all)
}
