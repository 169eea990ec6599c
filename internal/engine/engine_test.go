package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capaflow/internal/db"
	"capaflow/internal/domain"
	"capaflow/internal/engine"
	"capaflow/internal/engine/auth"
	"capaflow/internal/events"
	"capaflow/internal/migrate"
	"capaflow/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Owner  auth.Caller
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn), "migrate")

	env := &testEnv{
		Ctx:   context.Background(),
		Owner: auth.Caller{UserID: "owner-1", OrganizationID: "org-1", Roles: []string{"owner"}},
		now:   time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	eng := engine.New(conn, nil)
	eng.Now = func() time.Time { return env.now }
	eng.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	env.Engine = eng
	_, err = eng.InitOrganization(env.Ctx, "org-1", "Acme", "owner-1")
	require.NoError(t, err, "init organization")
	return env
}

func (env *testEnv) tick(d time.Duration) {
	env.now = env.now.Add(d)
}

func (env *testEnv) caller(user string, roles ...string) auth.Caller {
	return auth.Caller{UserID: user, OrganizationID: env.Owner.OrganizationID, Roles: roles}
}

func (env *testEnv) createNC(t *testing.T, severity string) domain.NonConformity {
	t.Helper()
	detected := env.now.AddDate(0, 0, -1)
	nc, err := env.Engine.CreateNonConformity(env.Ctx, env.Owner, engine.NCDraft{
		Title:        "Dimensional deviation on lot 42",
		Description:  "Shaft diameter out of tolerance",
		Category:     "process",
		Severity:     severity,
		Source:       "internal audit",
		DetectedDate: &detected,
	})
	require.NoError(t, err, "create nc")
	return nc
}

// satisfyExit records whatever the NC's current stage needs before it can
// be advanced.
func (env *testEnv) satisfyExit(t *testing.T, nc domain.NonConformity) {
	t.Helper()
	ctx, c := env.Ctx, env.Owner
	switch nc.CurrentStage {
	case domain.StageImmediateAction:
		_, err := env.Engine.SubmitImmediateAction(ctx, c, nc.ID, engine.ImmediateActionInput{
			Description:       "Quarantine lot 42",
			ResponsibleUserID: "operator-7",
		})
		require.NoError(t, err, "immediate action")
	case domain.StageCauseAnalysis:
		_, err := env.Engine.SubmitCauseAnalysis(ctx, c, nc.ID, engine.CauseAnalysisInput{
			Method:    "five_whys",
			RootCause: "Worn fixture",
			FiveWhys:  []string{"diameter drifted", "fixture moved", "fixture worn"},
		})
		require.NoError(t, err, "cause analysis")
	case domain.StagePlanning:
		deadline := env.now.AddDate(0, 0, 30)
		_, err := env.Engine.AddActionPlanItem(ctx, c, nc.ID, engine.PlanItemInput{
			Action:            "Replace fixture",
			ResponsibleUserID: "maint-3",
			Deadline:          &deadline,
		})
		require.NoError(t, err, "plan item")
	case domain.StageImplementation:
		recs, err := env.Engine.GetStageRecords(ctx, c, nc.ID)
		require.NoError(t, err)
		for _, it := range recs.ActionPlan {
			if it.Status == domain.PlanItemPending {
				_, err := env.Engine.CompleteActionPlanItem(ctx, c, nc.ID, it.ID)
				require.NoError(t, err, "complete plan item")
			}
		}
	}
}

// driveTo advances nc until it reaches target.
func (env *testEnv) driveTo(t *testing.T, nc domain.NonConformity, target domain.Stage) domain.NonConformity {
	t.Helper()
	for nc.CurrentStage < target {
		env.satisfyExit(t, nc)
		res, err := env.Engine.AdvanceStage(env.Ctx, env.Owner, nc.ID, nc.CurrentStage)
		require.NoError(t, err, "advance from %d", nc.CurrentStage)
		nc = res.NonConformity
	}
	return nc
}

func (env *testEnv) openTasks(t *testing.T, ncID string) []domain.Task {
	t.Helper()
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{NonConformityID: ncID, OpenOnly: true})
	require.NoError(t, err)
	return tasks
}

// assertSingleOpenTask checks that an open NC has exactly one open task and
// that it matches the NC's current stage.
func (env *testEnv) assertSingleOpenTask(t *testing.T, nc domain.NonConformity) domain.Task {
	t.Helper()
	tasks := env.openTasks(t, nc.ID)
	require.Len(t, tasks, 1, "open tasks of %s", nc.NCNumber)
	assert.Equal(t, nc.CurrentStage.TaskType(), tasks[0].TaskType)
	return tasks[0]
}

func assertMonotonicStamps(t *testing.T, nc domain.NonConformity) {
	t.Helper()
	for k := domain.StageImmediateAction; k <= domain.LastStage; k++ {
		if nc.StageCompleted(k) {
			assert.True(t, nc.StageCompleted(k-1), "stage %d stamped without stage %d", k, k-1)
		}
	}
}

func eventTypes(t *testing.T, env *testEnv, entityID string) []string {
	t.Helper()
	evs, err := env.Engine.ListEvents(env.Ctx, env.Owner, engine.EventQuery{EntityID: entityID})
	require.NoError(t, err)
	var out []string
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func TestCreateNonConformitySchedulesRegistrationTask(t *testing.T) {
	env := newTestEnv(t)
	nc := env.createNC(t, "Alta")

	assert.Equal(t, domain.StageRegistration, nc.CurrentStage)
	assert.Equal(t, domain.SeverityHigh, nc.Severity)
	assert.Equal(t, domain.NCStatusOpen, nc.Status)
	assert.Zero(t, nc.RevisionNumber)
	assert.Equal(t, "NC-2026-1", nc.NCNumber)

	task := env.assertSingleOpenTask(t, nc)
	assert.Equal(t, domain.TaskTypeRegistration, task.TaskType)
	assert.Equal(t, domain.TaskStatusPending, task.Status)
	assert.Equal(t, domain.PriorityHigh, task.Priority)
	assert.True(t, nc.DetectedDate.AddDate(0, 0, 1).Equal(task.DueDate), "due %s", task.DueDate)
	assert.Equal(t, "owner-1", task.ResponsibleUserID)
	assert.Equal(t, "NC-2026-1: Complete registration", task.Title)

	assert.ElementsMatch(t, []string{events.NCCreated}, eventTypes(t, env, nc.ID))
}

func TestCreateNonConformityNumbersSequentially(t *testing.T) {
	env := newTestEnv(t)
	a := env.createNC(t, "low")
	b := env.createNC(t, "medium")
	assert.Equal(t, "NC-2026-1", a.NCNumber)
	assert.Equal(t, "NC-2026-2", b.NCNumber)
}

func TestCreateNonConformityValidation(t *testing.T) {
	env := newTestEnv(t)
	detected := env.now
	cases := map[string]engine.NCDraft{
		"missing title":    {Category: "process", Severity: "low", DetectedDate: &detected},
		"blank category":   {Title: "x", Category: "  ", Severity: "low", DetectedDate: &detected},
		"unknown severity": {Title: "x", Category: "process", Severity: "extreme", DetectedDate: &detected},
		"missing detected": {Title: "x", Category: "process", Severity: "low"},
	}
	for name, draft := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.Engine.CreateNonConformity(env.Ctx, env.Owner, draft)
			require.Error(t, err)
			assert.Equal(t, engine.KindValidation, engine.KindOf(err))
		})
	}
	ncs, err := env.Engine.ListNonConformities(env.Ctx, env.Owner, engine.NCQuery{})
	require.NoError(t, err)
	assert.Empty(t, ncs)
}

func TestPatchRejectsWorkflowFields(t *testing.T) {
	env := newTestEnv(t)
	nc := env.createNC(t, "low")

	for _, raw := range []string{
		`{"current_stage": 4}`,
		`{"status": "closed"}`,
		`{"revision_number": 3}`,
		`{"title": "ok", "stage_completed_at": []}`,
	} {
		_, err := engine.DecodeNCPatch([]byte(raw))
		require.Error(t, err, raw)
		assert.Equal(t, engine.KindInvariant, engine.KindOf(err), raw)
	}

	_, err := engine.DecodeNCPatch([]byte(`{"colour": "red"}`))
	assert.Equal(t, engine.KindValidation, engine.KindOf(err))

	p, err := engine.DecodeNCPatch([]byte(`{"title": "Diameter deviation", "severity": "crítica"}`))
	require.NoError(t, err)
	patched, err := env.Engine.PatchNonConformity(env.Ctx, env.Owner, nc.ID, p)
	require.NoError(t, err)
	assert.Equal(t, "Diameter deviation", patched.Title)
	assert.Equal(t, domain.SeverityCritical, patched.Severity)
	assert.Equal(t, domain.StageRegistration, patched.CurrentStage)

	got, err := env.Engine.GetNonConformity(env.Ctx, env.Owner, nc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Diameter deviation", got.Title)
	assert.Contains(t, eventTypes(t, env, nc.ID), events.NCPatched)
}

func TestPatchClosedNonConformityIsRefused(t *testing.T) {
	env := newTestEnv(t)
	nc := env.driveTo(t, env.createNC(t, "low"), domain.StageEffectiveness)
	yes := true
	_, err := env.Engine.EvaluateEffectiveness(env.Ctx, env.Owner, nc.ID, engine.EvaluationInput{IsEffective: &yes})
	require.NoError(t, err)

	title := "late edit"
	_, err = env.Engine.PatchNonConformity(env.Ctx, env.Owner, nc.ID, engine.NCPatch{Title: &title})
	assert.Equal(t, engine.KindInvariant, engine.KindOf(err))
}

func TestCrossTenantAccessIsAuthorizationError(t *testing.T) {
	env := newTestEnv(t)
	nc := env.createNC(t, "medium")
	_, err := env.Engine.InitOrganization(env.Ctx, "org-2", "Other", "owner-2")
	require.NoError(t, err)
	other := auth.Caller{UserID: "owner-2", OrganizationID: "org-2", Roles: []string{"owner"}}

	_, err = env.Engine.GetNonConformity(env.Ctx, other, nc.ID)
	assert.Equal(t, engine.KindAuthorization, engine.KindOf(err))

	_, err = env.Engine.AdvanceStage(env.Ctx, other, nc.ID, domain.StageRegistration)
	assert.Equal(t, engine.KindAuthorization, engine.KindOf(err))

	task := env.assertSingleOpenTask(t, nc)
	_, err = env.Engine.CompleteTask(env.Ctx, other, task.ID)
	assert.Equal(t, engine.KindAuthorization, engine.KindOf(err))

	_, err = env.Engine.GetNonConformity(env.Ctx, other, "does-not-exist")
	assert.Equal(t, engine.KindNotFound, engine.KindOf(err))

	list, err := env.Engine.ListNonConformities(env.Ctx, other, engine.NCQuery{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRoleChecks(t *testing.T) {
	env := newTestEnv(t)
	nc := env.createNC(t, "medium")
	auditor := env.caller("aud-1", "auditor")
	nobody := env.caller("guest")

	_, err := env.Engine.GetNonConformity(env.Ctx, auditor, nc.ID)
	require.NoError(t, err)

	detected := env.now
	_, err = env.Engine.CreateNonConformity(env.Ctx, auditor, engine.NCDraft{Title: "x", Category: "c", Severity: "low", DetectedDate: &detected})
	require.Error(t, err)
	assert.Equal(t, engine.KindAuthorization, engine.KindOf(err))
	var forbidden auth.ForbiddenError
	assert.True(t, errors.As(err, &forbidden))
	assert.Equal(t, auth.PermNCCreate, forbidden.Permission)

	_, err = env.Engine.AdvanceStage(env.Ctx, auditor, nc.ID, domain.StageRegistration)
	assert.Equal(t, engine.KindAuthorization, engine.KindOf(err))

	_, err = env.Engine.GetNonConformity(env.Ctx, nobody, nc.ID)
	assert.Equal(t, engine.KindAuthorization, engine.KindOf(err))

	_, err = env.Engine.GetNonConformity(env.Ctx, auth.Caller{OrganizationID: "org-1"}, nc.ID)
	assert.Equal(t, engine.KindAuthorization, engine.KindOf(err))
}

func TestListNonConformitiesFiltersAndPages(t *testing.T) {
	env := newTestEnv(t)
	low := env.createNC(t, "low")
	env.tick(time.Minute)
	high := env.createNC(t, "high")
	env.tick(time.Minute)
	env.createNC(t, "high")

	got, err := env.Engine.ListNonConformities(env.Ctx, env.Owner, engine.NCQuery{Severity: "alta"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = env.Engine.ListNonConformities(env.Ctx, env.Owner, engine.NCQuery{Severity: "low"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, low.ID, got[0].ID)

	page, err := env.Engine.ListNonConformities(env.Ctx, env.Owner, engine.NCQuery{Page: engine.Page{Limit: 2}})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, high.ID, page[1].ID)
	last := page[1]
	rest, err := env.Engine.ListNonConformities(env.Ctx, env.Owner, engine.NCQuery{Page: engine.Page{
		Limit:           2,
		CursorCreatedAt: last.CreatedAt.Format(time.RFC3339),
		CursorID:        last.ID,
	}})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, low.ID, rest[0].ID)

	_, err = env.Engine.ListNonConformities(env.Ctx, env.Owner, engine.NCQuery{Stage: 9})
	assert.Equal(t, engine.KindValidation, engine.KindOf(err))
}
