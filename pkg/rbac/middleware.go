package rbac

import (
	"context"
	"net/http"

	"github.com/haulbase/haulbase/pkg/contextkeys"
	"github.com/haulbase/haulbase/pkg/httputil"
	"github.com/haulbase/haulbase/pkg/observability"
	"github.com/haulbase/haulbase/pkg/permissions"
)

// PermissionMiddleware gates HTTP handlers on the caller's effective
// permissions. The caller's user ID must already be on the request context
// (see contextkeys.WithUserID).
type PermissionMiddleware struct {
	resolver *Resolver
	logger   *observability.Logger
}

// NewPermissionMiddleware creates a new permission middleware
func NewPermissionMiddleware(resolver *Resolver, logger *observability.Logger) *PermissionMiddleware {
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	return &PermissionMiddleware{resolver: resolver, logger: logger}
}

type checkFunc func(ctx context.Context, userID int64) (bool, error)

// RequirePermission requires the caller to hold perm
func (pm *PermissionMiddleware) RequirePermission(perm permissions.Permission) func(http.Handler) http.Handler {
	return pm.require(func(ctx context.Context, userID int64) (bool, error) {
		return pm.resolver.HasPermission(ctx, userID, perm)
	})
}

// RequireAnyPermission requires the caller to hold at least one of perms
func (pm *PermissionMiddleware) RequireAnyPermission(perms ...permissions.Permission) func(http.Handler) http.Handler {
	return pm.require(func(ctx context.Context, userID int64) (bool, error) {
		return pm.resolver.HasAnyPermission(ctx, userID, perms)
	})
}

// RequireAllPermissions requires the caller to hold every one of perms
func (pm *PermissionMiddleware) RequireAllPermissions(perms ...permissions.Permission) func(http.Handler) http.Handler {
	return pm.require(func(ctx context.Context, userID int64) (bool, error) {
		return pm.resolver.HasAllPermissions(ctx, userID, perms)
	})
}

func (pm *PermissionMiddleware) require(check checkFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			userID, ok := contextkeys.GetUserID(ctx)
			if !ok {
				httputil.WriteUnauthorized(w, "Authentication required")
				return
			}

			allowed, err := check(ctx, userID)
			if err != nil {
				pm.logger.WithContext(ctx).WithError(err).Error("Permission check failed")
				httputil.WriteErrorMessage(w, http.StatusInternalServerError, "Permission check failed")
				return
			}
			if !allowed {
				httputil.WriteForbidden(w, "Insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
