package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capaflow/internal/config"
	"capaflow/internal/db"
	"capaflow/internal/engine/auth"
	"capaflow/internal/migrate"
)

func TestSharedDashboardOutlivesCallerContext(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	e := New(conn, nil)

	_, err = e.InitOrganization(ctx, "org-1", "", "owner-1")
	require.NoError(t, err)
	owner := auth.Caller{UserID: "owner-1", OrganizationID: "org-1", Roles: []string{"owner"}}
	detected := time.Now().UTC().Add(-time.Hour)
	_, err = e.CreateNonConformity(ctx, owner, NCDraft{
		Title:        "Burr on flange",
		Category:     "process",
		Severity:     "low",
		DetectedDate: &detected,
	})
	require.NoError(t, err)

	// a waiter that gave up must not poison the shared result
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	stats, err := e.sharedDashboard(canceled, "org-1", config.Default("org-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Open)
}
