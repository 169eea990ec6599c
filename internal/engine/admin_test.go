package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capaflow/internal/config"
	"capaflow/internal/engine"
	"capaflow/internal/repo"
)

func TestInitOrganizationIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	org, err := env.Engine.InitOrganization(env.Ctx, "org-1", "Renamed", "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", org.Name)

	members, err := env.Engine.ListMembers(env.Ctx, env.Owner)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "owner", members[0].Role)

	_, err = env.Engine.InitOrganization(env.Ctx, "", "x", "y")
	assert.Equal(t, engine.KindValidation, engine.KindOf(err))
}

func TestGrantAndRevokeRoles(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Engine.GrantRole(env.Ctx, env.Owner, "qa-1", "wizard")
	assert.Equal(t, engine.KindValidation, engine.KindOf(err))

	m, err := env.Engine.GrantRole(env.Ctx, env.Owner, "qa-1", "quality_manager")
	require.NoError(t, err)
	assert.Equal(t, "qa-1", m.ActorID)

	roles, err := env.Engine.Repo.MemberRoles(env.Ctx, "org-1", "qa-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"quality_manager"}, roles)

	qa := env.caller("qa-1", roles...)
	_, err = env.Engine.GrantRole(env.Ctx, qa, "qa-2", "auditor")
	assert.Equal(t, engine.KindAuthorization, engine.KindOf(err))

	err = env.Engine.RevokeRole(env.Ctx, env.Owner, "owner-1", "owner")
	assert.Equal(t, engine.KindInvariant, engine.KindOf(err), "last owner")

	require.NoError(t, env.Engine.RevokeRole(env.Ctx, env.Owner, "qa-1", "quality_manager"))
	err = env.Engine.RevokeRole(env.Ctx, env.Owner, "qa-1", "quality_manager")
	assert.Equal(t, engine.KindNotFound, engine.KindOf(err))
}

func TestUpdateOrgConfig(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default("ignored")
	cfg.SLA.DueSoonDays = 7
	stored, err := env.Engine.UpdateOrgConfig(env.Ctx, env.Owner, cfg)
	require.NoError(t, err)
	assert.Equal(t, "org-1", stored.Organization.ID)

	got, err := env.Engine.GetOrgConfig(env.Ctx, env.Owner)
	require.NoError(t, err)
	assert.Equal(t, 7, got.SLA.DueSoonDays)

	bad := config.Default("org-1")
	bad.Revision.ResetStage = 5
	_, err = env.Engine.UpdateOrgConfig(env.Ctx, env.Owner, bad)
	assert.Equal(t, engine.KindValidation, engine.KindOf(err))

	_, err = env.Engine.UpdateOrgConfig(env.Ctx, env.caller("aud-1", "auditor"), config.Default("org-1"))
	assert.Equal(t, engine.KindAuthorization, engine.KindOf(err))
}

func TestAPIKeys(t *testing.T) {
	env := newTestEnv(t)
	key, secret, err := env.Engine.CreateAPIKey(env.Ctx, env.Owner, "ci-bot", "pipeline")
	require.NoError(t, err)
	assert.NotEmpty(t, secret)
	assert.NotEqual(t, secret, key.KeyHash)

	byHash, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(secret))
	require.NoError(t, err)
	assert.Equal(t, key.ID, byHash.ID)
	assert.Equal(t, "ci-bot", byHash.ActorID)
	assert.Equal(t, "org-1", byHash.OrganizationID)

	keys, err := env.Engine.ListAPIKeys(env.Ctx, env.Owner, "")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	require.NoError(t, env.Engine.DeleteAPIKey(env.Ctx, env.Owner, key.ID))
	err = env.Engine.DeleteAPIKey(env.Ctx, env.Owner, key.ID)
	assert.Equal(t, engine.KindNotFound, engine.KindOf(err))
}
