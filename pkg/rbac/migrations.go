package rbac

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/haulbase/haulbase/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all RBAC migrations for PostgreSQL
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id BIGSERIAL PRIMARY KEY,
					company_id BIGINT NOT NULL,
					name VARCHAR(255) NOT NULL,
					slug VARCHAR(100) NOT NULL,
					description TEXT,
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					parent_role_id BIGINT REFERENCES roles(id) ON DELETE RESTRICT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE(company_id, slug)
				);

				CREATE INDEX IF NOT EXISTS idx_roles_company_id ON roles(company_id);
				CREATE INDEX IF NOT EXISTS idx_roles_parent_role_id ON roles(parent_role_id);
			`,
		},
		{
			Version:     2,
			Description: "Create role_permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_permissions (
					id BIGSERIAL PRIMARY KEY,
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission VARCHAR(100) NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE(role_id, permission)
				);

				CREATE INDEX IF NOT EXISTS idx_role_permissions_role_id ON role_permissions(role_id);
			`,
		},
		{
			Version:     3,
			Description: "Create permission group tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS permission_groups (
					id BIGSERIAL PRIMARY KEY,
					company_id BIGINT NOT NULL,
					name VARCHAR(255) NOT NULL,
					description TEXT,
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_permission_groups_company_id ON permission_groups(company_id);

				CREATE TABLE IF NOT EXISTS permission_group_items (
					id BIGSERIAL PRIMARY KEY,
					group_id BIGINT NOT NULL REFERENCES permission_groups(id) ON DELETE CASCADE,
					permission VARCHAR(100) NOT NULL,
					UNIQUE(group_id, permission)
				);

				CREATE TABLE IF NOT EXISTS role_permission_groups (
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					group_id BIGINT NOT NULL REFERENCES permission_groups(id) ON DELETE CASCADE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (role_id, group_id)
				);

				CREATE INDEX IF NOT EXISTS idx_role_permission_groups_group_id ON role_permission_groups(group_id);
			`,
		},
		{
			Version:     4,
			Description: "Create users and company_members tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					company_id BIGINT NOT NULL,
					email VARCHAR(255),
					role_id BIGINT REFERENCES roles(id) ON DELETE RESTRICT,
					legacy_role VARCHAR(50),
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_users_role_id ON users(role_id);

				CREATE TABLE IF NOT EXISTS company_members (
					company_id BIGINT NOT NULL,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					role_id BIGINT REFERENCES roles(id) ON DELETE RESTRICT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (company_id, user_id)
				);

				CREATE INDEX IF NOT EXISTS idx_company_members_role_id ON company_members(role_id);
			`,
		},
		{
			Version:     5,
			Description: "Create user_permission_overrides table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_permission_overrides (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					permission VARCHAR(100) NOT NULL,
					override_type VARCHAR(10) NOT NULL CHECK (override_type IN ('GRANT', 'REVOKE')),
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE(user_id, permission)
				);
			`,
		},
	}
}

// RunMigrations applies every pending migration, one transaction each
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rbac_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM rbac_migrations")
	if err != nil {
		return fmt.Errorf("failed to query applied migrations: %w", err)
	}
	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to iterate applied migrations: %w", err)
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		log := logger.WithFields(map[string]interface{}{
			"version":     migration.Version,
			"description": migration.Description,
		})
		log.Info("Running migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO rbac_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}

		log.Info("Migration completed")
	}

	return nil
}
