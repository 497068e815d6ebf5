// Package rbac resolves what a HaulBase user is allowed to do.
//
// # Overview
//
// Every company (tenant) owns a set of roles. A role carries direct
// permission grants, may inherit from a parent role, and may have reusable
// permission groups attached to it. Users point at one role record or, while
// a company is still on the old model, at a legacy enum role. Per-user
// overrides grant or revoke single permissions on top of everything else.
//
// Permissions themselves are strings from a fixed catalog, see package
// permissions.
//
// # Resolution
//
// For a user assigned to a role record, Resolver computes:
//
//  1. The role chain: the role and its ancestors, walked upward through
//     parent pointers. At most MaxHierarchyDepth roles are visited; the walk
//     stops early at a cycle or a dangling parent.
//  2. The union of direct grants on every role in the chain.
//  3. The union of items of every group attached to any role in the chain.
//  4. Overrides: GRANT adds, REVOKE removes. REVOKE wins over everything.
//  5. The result filtered to the live catalog, deduplicated and sorted.
//
// Users without a role record get the catalog defaults of their legacy role.
// No hierarchy, groups or overrides apply on that path.
//
//	resolver := rbac.NewResolver(store)
//	ok, err := resolver.HasPermission(ctx, userID, permissions.LoadsEdit)
//
// A user that does not exist holds no permissions; checks for it return false
// without an error.
//
// # Caching
//
// Results are cached per user for DefaultCacheTTL. Three backends implement
// PermissionCache:
//
//	MemoryCache     - bounded in-process LRU
//	RedisCache      - shared across instances
//	BroadcastCache  - in-process, with invalidations fanned out over Redis pub/sub
//
// Every write that can change a permission set invalidates the affected
// users: a role change reaches everyone assigned to the role or any role
// below it, a group change reaches everyone under every role the group is
// attached to. A computation that overlaps an invalidation is never cached.
//
// # Administration
//
// RoleManager, GroupManager and OverrideManager validate and apply changes.
// System roles (seeded from the legacy role defaults) and system groups
// cannot be renamed or deleted. Hierarchy changes are checked with
// Store.ValidateHierarchy before they are written.
//
// # HTTP
//
// Handlers exposes the managers under /rbac. PermissionMiddleware gates
// other handlers on the caller's permissions:
//
//	mw := manager.GetMiddleware()
//	router.Handle("/loads/{id}", mw.RequirePermission(permissions.LoadsEdit)(editLoad)).Methods("PUT")
//
// The caller's user ID is read from the request context; see package
// contextkeys.
package rbac
