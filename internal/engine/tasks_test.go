package engine_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capaflow/internal/domain"
	"capaflow/internal/engine"
	"capaflow/internal/events"
)

func TestCompleteTaskTwice(t *testing.T) {
	env := newTestEnv(t)
	nc := env.createNC(t, "medium")
	task := env.assertSingleOpenTask(t, nc)

	done, err := env.Engine.CompleteTask(env.Ctx, env.Owner, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	_, err = env.Engine.CompleteTask(env.Ctx, env.Owner, task.ID)
	require.Error(t, err)
	var already *engine.AlreadyCompletedError
	require.True(t, errors.As(err, &already))
	assert.Equal(t, domain.TaskStatusCompleted, already.Status)
	assert.Equal(t, engine.KindInvariant, engine.KindOf(err))

	stored, err := env.Engine.GetTask(env.Ctx, env.Owner, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, stored.Status)
	assert.True(t, done.CompletedAt.Equal(*stored.CompletedAt))

	// Completing the task does not move the NC.
	got, err := env.Engine.GetNonConformity(env.Ctx, env.Owner, nc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageRegistration, got.CurrentStage)

	// The next advance still opens the following stage's task.
	res, err := env.Engine.AdvanceStage(env.Ctx, env.Owner, nc.ID, domain.StageRegistration)
	require.NoError(t, err)
	assert.Nil(t, res.CompletedTask)
	env.assertSingleOpenTask(t, res.NonConformity)
}

func TestTaskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	nc := env.createNC(t, "low")
	task := env.assertSingleOpenTask(t, nc)

	started, err := env.Engine.StartTask(env.Ctx, env.Owner, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusInProgress, started.Status)

	_, err = env.Engine.StartTask(env.Ctx, env.Owner, task.ID)
	assert.Equal(t, engine.KindInvariant, engine.KindOf(err))

	moved, err := env.Engine.ReassignTask(env.Ctx, env.Owner, task.ID, "qa-2")
	require.NoError(t, err)
	assert.Equal(t, "qa-2", moved.ResponsibleUserID)

	_, err = env.Engine.ReassignTask(env.Ctx, env.Owner, task.ID, " ")
	assert.Equal(t, engine.KindValidation, engine.KindOf(err))

	due := env.now.AddDate(0, 0, 14)
	resched, err := env.Engine.RescheduleTask(env.Ctx, env.Owner, task.ID, due)
	require.NoError(t, err)
	assert.True(t, due.Equal(resched.DueDate))

	cancelled, err := env.Engine.CancelTask(env.Ctx, env.Owner, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCancelled, cancelled.Status)

	_, err = env.Engine.ReassignTask(env.Ctx, env.Owner, task.ID, "qa-3")
	assert.Equal(t, engine.KindInvariant, engine.KindOf(err))
	_, err = env.Engine.CompleteTask(env.Ctx, env.Owner, task.ID)
	var already *engine.AlreadyCompletedError
	require.True(t, errors.As(err, &already))
	assert.Equal(t, domain.TaskStatusCancelled, already.Status)

	assert.Subset(t, eventTypes(t, env, task.ID), []string{
		events.TaskCreated, events.TaskStarted, events.TaskReassigned, events.TaskRescheduled, events.TaskCancelled,
	})

	contributor := env.caller("c-1", "contributor")
	_, err = env.Engine.ReassignTask(env.Ctx, contributor, task.ID, "c-1")
	assert.Equal(t, engine.KindAuthorization, engine.KindOf(err))
}

func TestOverdueIsDerivedAtReadTime(t *testing.T) {
	env := newTestEnv(t)
	nc := env.createNC(t, "high")
	task := env.assertSingleOpenTask(t, nc)

	got, err := env.Engine.GetTask(env.Ctx, env.Owner, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, got.Status)

	env.tick(5 * 24 * time.Hour)
	got, err = env.Engine.GetTask(env.Ctx, env.Owner, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusOverdue, got.Status)

	overdue, err := env.Engine.ListTasks(env.Ctx, env.Owner, engine.TaskQuery{Status: "overdue"})
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, task.ID, overdue[0].ID)

	pending, err := env.Engine.ListTasks(env.Ctx, env.Owner, engine.TaskQuery{Status: "pending"})
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The stored status is untouched; completing still works.
	done, err := env.Engine.CompleteTask(env.Ctx, env.Owner, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, done.Status)

	_, err = env.Engine.ListTasks(env.Ctx, env.Owner, engine.TaskQuery{Status: "stuck"})
	assert.Equal(t, engine.KindValidation, engine.KindOf(err))
	_, err = env.Engine.ListTasks(env.Ctx, env.Owner, engine.TaskQuery{TaskType: "audit"})
	assert.Equal(t, engine.KindValidation, engine.KindOf(err))
}

func TestListTasksFilters(t *testing.T) {
	env := newTestEnv(t)
	a := env.createNC(t, "low")
	b := env.driveTo(t, env.createNC(t, "low"), domain.StageImmediateAction)

	byNC, err := env.Engine.ListTasks(env.Ctx, env.Owner, engine.TaskQuery{NonConformityID: b.ID})
	require.NoError(t, err)
	assert.Len(t, byNC, 2)

	reg, err := env.Engine.ListTasks(env.Ctx, env.Owner, engine.TaskQuery{TaskType: "registration", Status: "completed"})
	require.NoError(t, err)
	require.Len(t, reg, 1)
	assert.Equal(t, b.ID, reg[0].NonConformityID)

	mine, err := env.Engine.ListTasks(env.Ctx, env.Owner, engine.TaskQuery{ResponsibleUserID: "owner-1", NonConformityID: a.ID})
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}

func TestSLAReportFromOpenTasks(t *testing.T) {
	env := newTestEnv(t)
	overdueNC := env.createNC(t, "high")
	soonNC := env.createNC(t, "low")

	overdueTask := env.assertSingleOpenTask(t, overdueNC)
	_, err := env.Engine.RescheduleTask(env.Ctx, env.Owner, overdueTask.ID, env.now.AddDate(0, 0, -5))
	require.NoError(t, err)
	soonTask := env.assertSingleOpenTask(t, soonNC)
	_, err = env.Engine.RescheduleTask(env.Ctx, env.Owner, soonTask.ID, env.now.AddDate(0, 0, 1))
	require.NoError(t, err)

	rep, err := env.Engine.SLAReport(env.Ctx, env.Owner)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Counts.Total)
	assert.Equal(t, 1, rep.Counts.Overdue)
	assert.Equal(t, 1, rep.Counts.DueSoon)
	require.Len(t, rep.MostOverdue, 1)
	assert.Equal(t, overdueTask.ID, rep.MostOverdue[0].TaskID)
	assert.Equal(t, 5, rep.MostOverdue[0].DaysOverdue)
}

func TestDashboardStatsIsStable(t *testing.T) {
	env := newTestEnv(t)
	env.createNC(t, "high")
	closed := env.driveTo(t, env.createNC(t, "low"), domain.StageEffectiveness)
	_, err := env.Engine.EvaluateEffectiveness(env.Ctx, env.Owner, closed.ID, engine.EvaluationInput{IsEffective: boolPtr(true)})
	require.NoError(t, err)

	first, err := env.Engine.DashboardStats(env.Ctx, env.Owner)
	require.NoError(t, err)
	second, err := env.Engine.DashboardStats(env.Ctx, env.Owner)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, 2, first.Total)
	assert.Equal(t, 1, first.Open)
	assert.Equal(t, 1, first.Closed)
	assert.Equal(t, 1, first.OpenByStage[0].Count)
	assert.Equal(t, 1, first.OpenBySeverity[2].Count)
	require.Len(t, first.Trend, 6)
	assert.Equal(t, "2026-03", first.Trend[5].Month)
	assert.Equal(t, 2, first.Trend[5].Opened)
	assert.Equal(t, 1, first.Trend[5].Closed)
	assert.Equal(t, 1, first.SLA.Counts.Total)

	auditor := env.caller("aud-1", "auditor")
	_, err = env.Engine.DashboardStats(env.Ctx, auditor)
	require.NoError(t, err)
	contributor := env.caller("c-1", "contributor")
	_, err = env.Engine.DashboardStats(env.Ctx, contributor)
	assert.Equal(t, engine.KindAuthorization, engine.KindOf(err))
}

func TestEventLogPaging(t *testing.T) {
	env := newTestEnv(t)
	env.createNC(t, "low")
	env.createNC(t, "low")

	all, err := env.Engine.ListEvents(env.Ctx, env.Owner, engine.EventQuery{})
	require.NoError(t, err)
	require.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i-1].ID, all[i].ID)
	}

	created, err := env.Engine.ListEvents(env.Ctx, env.Owner, engine.EventQuery{Type: events.NCCreated})
	require.NoError(t, err)
	assert.Len(t, created, 2)

	older, err := env.Engine.ListEvents(env.Ctx, env.Owner, engine.EventQuery{Type: events.NCCreated, BeforeID: created[0].ID})
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, created[1].ID, older[0].ID)
}

func TestCompletingStageTaskLeavesNoOpenTaskUntilAdvance(t *testing.T) {
	env := newTestEnv(t)
	nc := env.driveTo(t, env.createNC(t, "high"), domain.StageCauseAnalysis)
	task := env.assertSingleOpenTask(t, nc)

	_, err := env.Engine.CompleteTask(env.Ctx, env.Owner, task.ID)
	require.NoError(t, err)
	assert.Empty(t, env.openTasks(t, nc.ID), "no task until the stage moves")

	env.satisfyExit(t, nc)
	res, err := env.Engine.AdvanceStage(env.Ctx, env.Owner, nc.ID, domain.StageCauseAnalysis)
	require.NoError(t, err)
	assert.Equal(t, domain.StagePlanning, res.NonConformity.CurrentStage)
	next := env.assertSingleOpenTask(t, res.NonConformity)
	assert.NotEqual(t, task.ID, next.ID)
}
