package repo_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capaflow/internal/config"
	"capaflow/internal/db"
	"capaflow/internal/domain"
	"capaflow/internal/migrate"
	"capaflow/internal/repo"
)

var now = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	require.NoError(t, r.EnsureOrg(ctx, nil, "org-1", "Acme", now.Format(time.RFC3339)))
	return r, ctx
}

func withTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx)) {
	t.Helper()
	tx, err := r.DB.Begin()
	require.NoError(t, err)
	defer tx.Rollback()
	fn(tx)
	require.NoError(t, tx.Commit())
}

func seedNC(t *testing.T, r repo.Repo, ctx context.Context, id, number string) domain.NonConformity {
	t.Helper()
	nc := domain.NonConformity{
		ID:             id,
		NCNumber:       number,
		OrganizationID: "org-1",
		Title:          "Burr on edge",
		Category:       "product",
		Severity:       domain.SeverityMedium,
		DetectedDate:   now,
		Status:         domain.NCStatusOpen,
		CurrentStage:   domain.StageRegistration,
		CreatedBy:      "u-1",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	withTx(t, r, func(tx *sql.Tx) {
		require.NoError(t, r.InsertNonConformity(ctx, tx, nc))
	})
	return nc
}

func TestNonConformityRoundTrip(t *testing.T) {
	r, ctx := newRepo(t)
	want := seedNC(t, r, ctx, "nc-1", "NC-2026-1")

	got, err := r.GetNonConformity(ctx, "nc-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = r.GetNonConformity(ctx, "nope")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestAdvanceStageIsConditional(t *testing.T) {
	r, ctx := newRepo(t)
	seedNC(t, r, ctx, "nc-1", "NC-2026-1")

	withTx(t, r, func(tx *sql.Tx) {
		ok, err := r.AdvanceStage(ctx, tx, "nc-1", domain.StageImmediateAction, now)
		require.NoError(t, err)
		assert.False(t, ok, "wrong expected stage")

		ok, err = r.AdvanceStage(ctx, tx, "nc-1", domain.StageRegistration, now)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = r.AdvanceStage(ctx, tx, "nc-1", domain.StageRegistration, now)
		require.NoError(t, err)
		assert.False(t, ok, "second advance from the same stage")
	})

	got, err := r.GetNonConformity(ctx, "nc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageImmediateAction, got.CurrentStage)
	require.NotNil(t, got.StageCompletedAt[0])
	assert.True(t, now.Equal(*got.StageCompletedAt[0]))
	assert.Nil(t, got.StageCompletedAt[1])
}

func TestSingleOpenTaskPerType(t *testing.T) {
	r, ctx := newRepo(t)
	seedNC(t, r, ctx, "nc-1", "NC-2026-1")
	task := func(id string) domain.Task {
		return domain.Task{
			ID: id, NonConformityID: "nc-1", OrganizationID: "org-1", TaskType: domain.TaskTypeRegistration,
			Title: "Complete registration", DueDate: now, Status: domain.TaskStatusPending, Priority: domain.PriorityNormal,
			CreatedAt: now, UpdatedAt: now,
		}
	}
	withTx(t, r, func(tx *sql.Tx) {
		require.NoError(t, r.InsertTask(ctx, tx, task("t-1")))
	})

	tx, err := r.DB.Begin()
	require.NoError(t, err)
	assert.Error(t, r.InsertTask(ctx, tx, task("t-2")), "second open task of the same type")
	require.NoError(t, tx.Rollback())

	withTx(t, r, func(tx *sql.Tx) {
		ok, err := r.CompleteTask(ctx, tx, "t-1", "u-1", now)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = r.CompleteTask(ctx, tx, "t-1", "u-1", now)
		require.NoError(t, err)
		assert.False(t, ok)
		require.NoError(t, r.InsertTask(ctx, tx, task("t-2")))
	})

	open, err := r.OpenTask(ctx, nil, "nc-1", domain.TaskTypeRegistration)
	require.NoError(t, err)
	assert.Equal(t, "t-2", open.ID)
}

func TestNextNCSequenceIgnoresRevisions(t *testing.T) {
	r, ctx := newRepo(t)
	seedNC(t, r, ctx, "nc-1", "NC-2026-1")
	seedNC(t, r, ctx, "nc-7", "NC-2026-7")
	seedNC(t, r, ctx, "nc-x", "NC-2025-12")

	withTx(t, r, func(tx *sql.Tx) {
		seq, err := r.NextNCSequence(ctx, tx, "org-1", 2026)
		require.NoError(t, err)
		assert.Equal(t, 8, seq)
		seq, err = r.NextNCSequence(ctx, tx, "org-1", 2027)
		require.NoError(t, err)
		assert.Equal(t, 1, seq)
	})
}

func TestOrgConfigRoundTrip(t *testing.T) {
	r, ctx := newRepo(t)
	_, err := r.GetOrgConfig(ctx, "org-1")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	cfg := config.Default("org-1")
	cfg.Dashboard.TrendMonths = 12
	require.NoError(t, r.UpsertOrgConfig(ctx, "org-1", cfg))
	got, err := r.GetOrgConfig(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 12, got.Dashboard.TrendMonths)
	assert.Equal(t, cfg.RBAC.Roles, got.RBAC.Roles)

	cfg.Revision.ResetStage = 0
	assert.Error(t, r.UpsertOrgConfig(ctx, "org-1", cfg))
}

func TestPlanItemsKeepPosition(t *testing.T) {
	r, ctx := newRepo(t)
	seedNC(t, r, ctx, "nc-1", "NC-2026-1")
	withTx(t, r, func(tx *sql.Tx) {
		for i, action := range []string{"Deburr tool", "Add inspection step"} {
			pos, err := r.NextPlanPosition(ctx, tx, "nc-1")
			require.NoError(t, err)
			assert.Equal(t, i+1, pos)
			require.NoError(t, r.InsertPlanItem(ctx, tx, domain.ActionPlanItem{
				ID: action, NonConformityID: "nc-1", Position: pos, Action: action, Kind: "corrective",
				ResponsibleUserID: "u-2", Deadline: now.AddDate(0, 0, 7*(i+1)), Status: domain.PlanItemPending, CreatedAt: now,
			}))
		}
	})
	items, err := r.ListPlanItems(ctx, nil, "nc-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Deburr tool", items[0].Action)
	assert.Equal(t, "Add inspection step", items[1].Action)
}
