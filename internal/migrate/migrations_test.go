package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capaflow/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	require.NoError(t, Migrate(conn))
	require.NoError(t, MigrateContext(ctx, conn))

	migrations, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	v, err := Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].Version, v)

	var n int
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('non_conformities','tasks','events')`).Scan(&n))
	assert.Equal(t, 3, n)
}
