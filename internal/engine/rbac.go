package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"elam/internal/audit"
	"elam/internal/config"
	"elam/internal/domain"
	"elam/internal/repo"
)

// SeedRBAC writes the permission catalogue and the configured roles inside tx.
// Role permission sets are replaced so config edits take effect on the next bootstrap.
func SeedRBAC(ctx context.Context, r repo.Repo, tx *sql.Tx, cfg *config.Config) error {
	for _, perm := range config.Permissions {
		if err := r.InsertPermission(ctx, tx, perm, ""); err != nil {
			return fmt.Errorf("insert permission %s: %w", perm, err)
		}
	}
	roleIDs := make([]string, 0, len(cfg.RBAC.Roles))
	for id := range cfg.RBAC.Roles {
		roleIDs = append(roleIDs, id)
	}
	sort.Strings(roleIDs)
	for _, id := range roleIDs {
		role := cfg.RBAC.Roles[id]
		if err := r.InsertRole(ctx, tx, id, role.Description); err != nil {
			return fmt.Errorf("insert role %s: %w", id, err)
		}
		if err := r.ClearRolePermissions(ctx, tx, id); err != nil {
			return err
		}
		for _, perm := range role.Permissions {
			if err := r.AddRolePermission(ctx, tx, id, perm); err != nil {
				return fmt.Errorf("role %s permission %s: %w", id, perm, err)
			}
		}
	}
	return nil
}

func (e Engine) GrantRole(ctx context.Context, actorID, targetActorID, roleID string) error {
	return e.changeRole(ctx, actorID, targetActorID, roleID, true)
}

func (e Engine) RevokeRole(ctx context.Context, actorID, targetActorID, roleID string) error {
	return e.changeRole(ctx, actorID, targetActorID, roleID, false)
}

func (e Engine) changeRole(ctx context.Context, actorID, target, roleID string, grant bool) error {
	target = strings.TrimSpace(target)
	roleID = strings.TrimSpace(roleID)
	if target == "" || roleID == "" {
		return validationError("actor_id and role_id are required")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Auth.Require(ctx, tx, actorID, "rbac.manage"); err != nil {
		return err
	}
	exists, err := e.Repo.RoleExists(ctx, tx, roleID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("role %s: %w", roleID, repo.ErrNotFound)
	}
	action := "rbac.role_revoked"
	if grant {
		action = "rbac.role_granted"
		if err := e.Repo.EnsureActor(ctx, tx, target, e.ts()); err != nil {
			return err
		}
		if err := e.Repo.AssignRole(ctx, tx, target, roleID); err != nil {
			return err
		}
	} else {
		if target == actorID && roleID == "admin" {
			return validationError("cannot revoke your own admin role")
		}
		if err := e.Repo.RevokeRole(ctx, tx, target, roleID); err != nil {
			return err
		}
	}
	if err := e.audit(ctx, tx, action, actorID, "actor", target, audit.Details{"role_id": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) WhoAmI(ctx context.Context, actorID string) (domain.WhoAmI, error) {
	roles, err := e.Auth.ActorRoles(ctx, nil, actorID)
	if err != nil {
		return domain.WhoAmI{}, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, nil, actorID)
	if err != nil {
		return domain.WhoAmI{}, err
	}
	if roles == nil {
		roles = []string{}
	}
	if perms == nil {
		perms = []string{}
	}
	return domain.WhoAmI{ActorID: actorID, Roles: roles, Permissions: perms}, nil
}

func (e Engine) ListRoles(ctx context.Context) ([]repo.Role, error) {
	return e.Repo.ListRoles(ctx)
}

// CreateAPIKey mints a random key for targetActorID. The plaintext is returned once;
// only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, targetActorID, name string) (string, domain.APIKey, error) {
	if targetActorID == "" {
		targetActorID = actorID
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := "elam_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   targetActorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.ts(),
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if targetActorID != actorID {
		if err := e.Auth.Require(ctx, tx, actorID, "rbac.manage"); err != nil {
			return "", domain.APIKey{}, err
		}
	}
	if err := e.Repo.EnsureActor(ctx, tx, targetActorID, key.CreatedAt); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := e.audit(ctx, tx, "apikey.created", actorID, "api_key", key.ID, audit.Details{"actor_id": targetActorID, "name": name}); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}

// ListAPIKeys lists keys owned by targetActorID. Listing another actor's keys, or all
// keys when targetActorID is empty, requires rbac.manage.
func (e Engine) ListAPIKeys(ctx context.Context, actorID, targetActorID string) ([]domain.APIKey, error) {
	if targetActorID != actorID {
		if err := e.Auth.Require(ctx, nil, actorID, "rbac.manage"); err != nil {
			return nil, err
		}
	}
	return e.Repo.ListAPIKeys(ctx, targetActorID)
}

// DeleteAPIKey removes a key. Owners may delete their own keys; anything else requires
// rbac.manage.
func (e Engine) DeleteAPIKey(ctx context.Context, actorID, id string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	key, err := e.Repo.GetAPIKey(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("api key %s: %w", id, err)
	}
	if key.ActorID != actorID {
		if err := e.Auth.Require(ctx, tx, actorID, "rbac.manage"); err != nil {
			return err
		}
	}
	if err := e.Repo.DeleteAPIKey(ctx, tx, id); err != nil {
		return err
	}
	if err := e.audit(ctx, tx, "apikey.deleted", actorID, "api_key", id, audit.Details{"actor_id": key.ActorID}); err != nil {
		return err
	}
	return tx.Commit()
}
