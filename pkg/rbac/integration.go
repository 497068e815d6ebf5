package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"

	"github.com/haulbase/haulbase/pkg/observability"
	"github.com/haulbase/haulbase/pkg/permissions"
)

// Config holds RBAC configuration
type Config struct {
	// CacheTTL is how long a computed permission set is served from cache
	CacheTTL time.Duration

	// CacheSize bounds the in-memory cache. Ignored when a cache is passed
	// through WithResolverOptions.
	CacheSize int

	// FlushSchedule is a cron expression for a periodic full cache flush.
	// Empty disables the flush.
	FlushSchedule string

	// RunMigrations applies the schema in Initialize
	RunMigrations bool
}

// DefaultConfig returns default RBAC configuration
func DefaultConfig() Config {
	return Config{
		CacheTTL:      DefaultCacheTTL,
		CacheSize:     DefaultCacheSize,
		RunMigrations: true,
	}
}

// Manager wires the store, resolver, managers and HTTP surface together
type Manager struct {
	config     Config
	store      *Store
	resolver   *Resolver
	roles      *RoleManager
	groups     *GroupManager
	overrides  *OverrideManager
	handlers   *Handlers
	middleware *PermissionMiddleware
	logger     *observability.Logger
	cron       *cron.Cron
}

// ManagerOption configures a Manager
type ManagerOption func(*managerOptions)

type managerOptions struct {
	logger   *observability.Logger
	resolver []ResolverOption
}

// WithManagerLogger sets the logger shared by every component
func WithManagerLogger(logger *observability.Logger) ManagerOption {
	return func(o *managerOptions) { o.logger = logger }
}

// WithResolverOptions passes options through to the resolver
func WithResolverOptions(opts ...ResolverOption) ManagerOption {
	return func(o *managerOptions) { o.resolver = append(o.resolver, opts...) }
}

// NewManager creates a new RBAC manager
func NewManager(db *sql.DB, config Config, opts ...ManagerOption) *Manager {
	o := &managerOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = observability.NewDiscardLogger()
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCacheTTL
	}

	store := NewStore(db)
	resolverOpts := append([]ResolverOption{
		WithTTL(config.CacheTTL),
		WithCache(NewMemoryCache(config.CacheSize, config.CacheTTL)),
		WithLogger(o.logger.WithField("component", "resolver")),
	}, o.resolver...)
	resolver := NewResolver(store, resolverOpts...)

	roles := NewRoleManager(store, resolver, o.logger.WithField("component", "roles"))
	groups := NewGroupManager(store, resolver, o.logger.WithField("component", "groups"))
	overrides := NewOverrideManager(store, resolver, o.logger.WithField("component", "overrides"))

	return &Manager{
		config:     config,
		store:      store,
		resolver:   resolver,
		roles:      roles,
		groups:     groups,
		overrides:  overrides,
		handlers:   NewHandlers(roles, groups, overrides, resolver, o.logger.WithField("component", "handlers")),
		middleware: NewPermissionMiddleware(resolver, o.logger),
		logger:     o.logger,
	}
}

// Initialize applies the schema when configured to
func (m *Manager) Initialize(ctx context.Context) error {
	if !m.config.RunMigrations {
		return nil
	}
	if err := RunMigrations(ctx, m.store.DB(), m.logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Start schedules the periodic cache flush, if one is configured
func (m *Manager) Start() error {
	if m.config.FlushSchedule == "" {
		return nil
	}
	if m.cron != nil {
		return fmt.Errorf("rbac manager already started")
	}

	c := cron.New()
	if err := m.scheduleCacheFlush(c, m.config.FlushSchedule); err != nil {
		return err
	}
	c.Start()
	m.cron = c

	m.logger.WithField("schedule", m.config.FlushSchedule).Info("Scheduled permission cache flush")
	return nil
}

func (m *Manager) scheduleCacheFlush(c *cron.Cron, schedule string) error {
	_, err := c.AddFunc(schedule, func() {
		defer observability.RecoverPanic(m.logger, "permission cache flush")
		m.flushCache()
	})
	if err != nil {
		return fmt.Errorf("invalid cache flush schedule %q: %w", schedule, err)
	}
	return nil
}

func (m *Manager) flushCache() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := m.resolver.InvalidateAll(ctx); err != nil {
		m.logger.WithError(err).Error("Scheduled permission cache flush failed")
		return
	}
	m.logger.Debug("Flushed permission cache")
}

// Stop cancels the flush schedule and waits for a running flush to finish
func (m *Manager) Stop(ctx context.Context) error {
	if m.cron == nil {
		return nil
	}
	stopped := m.cron.Stop()
	m.cron = nil

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterRoutes registers RBAC routes with a router
func (m *Manager) RegisterRoutes(router *mux.Router) {
	m.handlers.RegisterRoutes(router)
}

// GetStore returns the RBAC store
func (m *Manager) GetStore() *Store {
	return m.store
}

// GetResolver returns the permission resolver
func (m *Manager) GetResolver() *Resolver {
	return m.resolver
}

// GetRoleManager returns the role manager
func (m *Manager) GetRoleManager() *RoleManager {
	return m.roles
}

// GetGroupManager returns the permission group manager
func (m *Manager) GetGroupManager() *GroupManager {
	return m.groups
}

// GetOverrideManager returns the override manager
func (m *Manager) GetOverrideManager() *OverrideManager {
	return m.overrides
}

// GetMiddleware returns the permission middleware
func (m *Manager) GetMiddleware() *PermissionMiddleware {
	return m.middleware
}

// HasPermission is a convenience method for a single permission check
func (m *Manager) HasPermission(ctx context.Context, userID int64, perm permissions.Permission) (bool, error) {
	return m.resolver.HasPermission(ctx, userID, perm)
}
