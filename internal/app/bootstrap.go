package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"elam/internal/audit"
	"elam/internal/config"
	"elam/internal/engine"
	"elam/internal/engine/auth"
	"elam/internal/migrate"
	"elam/internal/repo"
)

// Options control Bootstrap.
type Options struct {
	Workspace string
	// OrgID seeds the default config when neither the database nor elam.yml has one.
	OrgID string
	// AdminActorID receives the admin role when nobody holds it yet.
	AdminActorID string
	Logger       *zap.Logger
}

// Bootstrap migrates the database, resolves the active config (stored, then
// elam.yml, then defaults) and seeds RBAC.
func Bootstrap(ctx context.Context, db *sql.DB, opts Options) (*config.Config, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if err := migrate.MigrateContext(ctx, db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: db}
	cfg, err := r.GetConfig(ctx)
	switch {
	case err == nil:
	case errors.Is(err, repo.ErrNotFound):
		cfg, err = config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", config.Path(opts.Workspace), err)
		}
		if cfg == nil {
			orgID := opts.OrgID
			if orgID == "" {
				orgID = "default-org"
			}
			cfg = config.Default(orgID)
			log.Info("seeding default config", zap.String("org_id", orgID))
		} else {
			log.Info("seeding config from file", zap.String("path", config.Path(opts.Workspace)))
		}
	default:
		return nil, err
	}
	if err := ApplyConfig(ctx, db, cfg, opts.AdminActorID); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyConfig stores cfg, reseeds roles and makes sure an admin exists.
func ApplyConfig(ctx context.Context, db *sql.DB, cfg *config.Config, adminActorID string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r := repo.Repo{DB: db}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpsertConfig(ctx, tx, cfg); err != nil {
		return fmt.Errorf("store config: %w", err)
	}
	if err := engine.SeedRBAC(ctx, r, tx, cfg); err != nil {
		return err
	}
	if _, hasAdmin := cfg.RBAC.Roles["admin"]; hasAdmin && adminActorID != "" {
		admins, err := auth.Service{DB: db}.ActorsWithRole(ctx, tx, "admin")
		if err != nil {
			return err
		}
		if len(admins) == 0 {
			now := time.Now().UTC().Format(time.RFC3339)
			if err := r.EnsureActor(ctx, tx, adminActorID, now); err != nil {
				return fmt.Errorf("ensure actor: %w", err)
			}
			if err := r.AssignRole(ctx, tx, adminActorID, "admin"); err != nil {
				return fmt.Errorf("assign admin: %w", err)
			}
			if _, err := (audit.Writer{}).Append(ctx, tx, "rbac.bootstrap", engine.SystemActor, "actor", adminActorID, audit.OutcomeSuccess, audit.Details{"role_id": "admin"}); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}
