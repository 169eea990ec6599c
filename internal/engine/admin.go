package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"capaflow/internal/config"
	"capaflow/internal/domain"
	"capaflow/internal/engine/auth"
	"capaflow/internal/events"
	"capaflow/internal/repo"
)

// UpdateOrgConfig validates and stores a new config for the caller's
// organization. Later operations read it on their next call.
func (e Engine) UpdateOrgConfig(ctx context.Context, c auth.Caller, cfg *config.Config) (*config.Config, error) {
	const op = "UpdateOrgConfig"
	if _, err := e.authorize(ctx, op, c, auth.PermConfigUpdate); err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, validationErr(op, "config is required")
	}
	cfg.Organization.ID = c.OrganizationID
	if err := cfg.Validate(); err != nil {
		return nil, validationErr(op, "%v", err)
	}
	if len(cfg.RBAC.Roles) > 0 {
		perms := cfg.RolePermissions([]string{"owner"})
		if !perms[auth.PermConfigUpdate] {
			return nil, invariantErr(op, "owner role must keep %s", auth.PermConfigUpdate)
		}
	}
	tx, err := e.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertOrgConfigTx(ctx, tx, c.OrganizationID, cfg); err != nil {
		return nil, dependencyErr(op, err)
	}
	if err := e.events().Append(ctx, tx, events.ConfigUpdated, c.OrganizationID, "organization", c.OrganizationID, c.UserID, nil); err != nil {
		return nil, dependencyErr(op, err)
	}
	if err := commit(op, tx); err != nil {
		return nil, err
	}
	e.log().Info("config updated", "org", c.OrganizationID, "actor", c.UserID)
	return cfg, nil
}

// GetOrgConfig returns the effective config of the caller's organization.
func (e Engine) GetOrgConfig(ctx context.Context, c auth.Caller) (*config.Config, error) {
	return e.authorize(ctx, "GetOrgConfig", c, auth.PermReportRead)
}

func (e Engine) GrantRole(ctx context.Context, c auth.Caller, actorID, role string) (domain.OrgMember, error) {
	const op = "GrantRole"
	cfg, err := e.authorize(ctx, op, c, auth.PermMemberManage)
	if err != nil {
		return domain.OrgMember{}, err
	}
	actorID, role = strings.TrimSpace(actorID), strings.TrimSpace(role)
	if actorID == "" || role == "" {
		return domain.OrgMember{}, validationErr(op, "actor and role are required")
	}
	if _, ok := cfg.RBAC.Roles[role]; !ok {
		return domain.OrgMember{}, validationErr(op, "unknown role %q", role)
	}
	tx, err := e.begin(ctx, op)
	if err != nil {
		return domain.OrgMember{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, e.now().Format(time.RFC3339)); err != nil {
		return domain.OrgMember{}, dependencyErr(op, err)
	}
	if err := e.Repo.GrantRole(ctx, tx, c.OrganizationID, actorID, role); err != nil {
		return domain.OrgMember{}, dependencyErr(op, err)
	}
	if err := e.events().Append(ctx, tx, events.MemberGranted, c.OrganizationID, "actor", actorID, c.UserID, events.EventPayload{"role": role}); err != nil {
		return domain.OrgMember{}, dependencyErr(op, err)
	}
	if err := commit(op, tx); err != nil {
		return domain.OrgMember{}, err
	}
	return domain.OrgMember{OrganizationID: c.OrganizationID, ActorID: actorID, Role: role}, nil
}

// RevokeRole removes a role assignment. The last owner cannot be removed.
func (e Engine) RevokeRole(ctx context.Context, c auth.Caller, actorID, role string) error {
	const op = "RevokeRole"
	if _, err := e.authorize(ctx, op, c, auth.PermMemberManage); err != nil {
		return err
	}
	tx, err := e.begin(ctx, op)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if role == "owner" {
		members, err := e.Repo.ListMembersTx(ctx, tx, c.OrganizationID)
		if err != nil {
			return dependencyErr(op, err)
		}
		owners := 0
		for _, m := range members {
			if m.Role == "owner" {
				owners++
			}
		}
		if owners <= 1 {
			return invariantErr(op, "cannot revoke the last owner of %s", c.OrganizationID)
		}
	}
	if err := e.Repo.RevokeRole(ctx, tx, c.OrganizationID, actorID, role); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return notFoundErr(op, "role assignment", actorID+"/"+role)
		}
		return dependencyErr(op, err)
	}
	if err := e.events().Append(ctx, tx, events.MemberRevoked, c.OrganizationID, "actor", actorID, c.UserID, events.EventPayload{"role": role}); err != nil {
		return dependencyErr(op, err)
	}
	return commit(op, tx)
}

func (e Engine) ListMembers(ctx context.Context, c auth.Caller) ([]domain.OrgMember, error) {
	const op = "ListMembers"
	if _, err := e.authorize(ctx, op, c, auth.PermMemberManage); err != nil {
		return nil, err
	}
	members, err := e.Repo.ListMembersTx(ctx, nil, c.OrganizationID)
	if err != nil {
		return nil, dependencyErr(op, err)
	}
	return members, nil
}

// CreateAPIKey issues a key for actorID in the caller's organization. The
// plaintext key is returned once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, c auth.Caller, actorID, name string) (domain.APIKey, string, error) {
	const op = "CreateAPIKey"
	if _, err := e.authorize(ctx, op, c, auth.PermMemberManage); err != nil {
		return domain.APIKey{}, "", err
	}
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		actorID = c.UserID
	}
	secret := "capa_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:             newID(),
		ActorID:        actorID,
		OrganizationID: c.OrganizationID,
		Name:           strings.TrimSpace(name),
		KeyHash:        repo.HashAPIKey(secret),
		CreatedAt:      e.now().Format(time.RFC3339),
	}
	tx, err := e.begin(ctx, op)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, key.CreatedAt); err != nil {
		return domain.APIKey{}, "", dependencyErr(op, err)
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", dependencyErr(op, err)
	}
	if err := e.events().Append(ctx, tx, events.APIKeyCreated, c.OrganizationID, "apikey", key.ID, c.UserID, events.EventPayload{"actor_id": actorID}); err != nil {
		return domain.APIKey{}, "", dependencyErr(op, err)
	}
	if err := commit(op, tx); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, c auth.Caller, actorID string) ([]domain.APIKey, error) {
	const op = "ListAPIKeys"
	if _, err := e.authorize(ctx, op, c, auth.PermMemberManage); err != nil {
		return nil, err
	}
	keys, err := e.Repo.ListAPIKeys(ctx, c.OrganizationID, actorID)
	if err != nil {
		return nil, dependencyErr(op, err)
	}
	return keys, nil
}

func (e Engine) DeleteAPIKey(ctx context.Context, c auth.Caller, id string) error {
	const op = "DeleteAPIKey"
	if _, err := e.authorize(ctx, op, c, auth.PermMemberManage); err != nil {
		return err
	}
	tx, err := e.begin(ctx, op)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAPIKey(ctx, tx, c.OrganizationID, id); err != nil {
		return storeErr(op, "api key", id, err)
	}
	if err := e.events().Append(ctx, tx, events.APIKeyDeleted, c.OrganizationID, "apikey", id, c.UserID, nil); err != nil {
		return dependencyErr(op, err)
	}
	return commit(op, tx)
}
