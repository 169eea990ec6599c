package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capaflow/internal/db"
	"capaflow/internal/engine"
	"capaflow/internal/migrate"
)

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return engine.New(conn, nil)
}

func TestResolveOrganizationWithoutAny(t *testing.T) {
	e := newEngine(t)
	_, err := ResolveOrganization(context.Background(), e, "", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--org")
}

func TestResolveOrganizationCreatesOverride(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	orgID, err := ResolveOrganization(ctx, e, " plant-a ", "alice")
	require.NoError(t, err)
	assert.Equal(t, "plant-a", orgID)

	roles, err := e.Repo.MemberRoles(ctx, "plant-a", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"owner"}, roles)

	// the only organization is picked when no override is given
	orgID, err = ResolveOrganization(ctx, e, "", "bob")
	require.NoError(t, err)
	assert.Equal(t, "plant-a", orgID)
}

func TestResolveOrganizationAmbiguous(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	_, err := e.InitOrganization(ctx, "plant-a", "", "alice")
	require.NoError(t, err)
	_, err = e.InitOrganization(ctx, "plant-b", "", "alice")
	require.NoError(t, err)

	_, err = ResolveOrganization(ctx, e, "", "alice")
	require.Error(t, err)
}

func TestResolveCallerLoadsMemberships(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	_, err := e.InitOrganization(ctx, "plant-a", "", "alice")
	require.NoError(t, err)

	c, err := ResolveCaller(ctx, e, "", "alice")
	require.NoError(t, err)
	assert.Equal(t, "plant-a", c.OrganizationID)
	assert.Equal(t, "alice", c.UserID)
	assert.Equal(t, []string{"owner"}, c.Roles)

	c, err = ResolveCaller(ctx, e, "plant-a", "mallory")
	require.NoError(t, err)
	assert.Empty(t, c.Roles)
}
