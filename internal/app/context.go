package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"capaflow/internal/engine"
	"capaflow/internal/engine/auth"
	"capaflow/internal/repo"
)

// ResolveOrganization picks the active organization. It prefers the override,
// then the only organization in the DB. An unknown override is created on the
// fly with actorID as its owner.
func ResolveOrganization(ctx context.Context, e engine.Engine, orgOverride, actorID string) (string, error) {
	orgID := strings.TrimSpace(orgOverride)
	if orgID == "" {
		org, err := e.Repo.SingleOrganization(ctx)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", fmt.Errorf("organization not specified; use --org or set CAPAFLOW_ORG")
			}
			return "", err
		}
		return org.ID, nil
	}
	if _, err := e.Repo.GetOrganization(ctx, orgID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", err
		}
		if actorID == "" {
			actorID = "local-user"
		}
		if _, err := e.InitOrganization(ctx, orgID, "", actorID); err != nil {
			return "", fmt.Errorf("init organization %s: %w", orgID, err)
		}
	}
	return orgID, nil
}

// ResolveCaller builds the caller for a local CLI invocation. Roles are the
// actor's memberships in the organization.
func ResolveCaller(ctx context.Context, e engine.Engine, orgOverride, actorID string) (auth.Caller, error) {
	orgID, err := ResolveOrganization(ctx, e, orgOverride, actorID)
	if err != nil {
		return auth.Caller{}, err
	}
	roles, err := e.Repo.MemberRoles(ctx, orgID, actorID)
	if err != nil {
		return auth.Caller{}, fmt.Errorf("load roles: %w", err)
	}
	return auth.Caller{UserID: actorID, OrganizationID: orgID, Roles: roles}, nil
}
