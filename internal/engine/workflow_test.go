package engine_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capaflow/internal/domain"
	"capaflow/internal/engine"
)

func TestAdvanceFromRegistration(t *testing.T) {
	env := newTestEnv(t)
	nc := env.createNC(t, "high")
	regTask := env.assertSingleOpenTask(t, nc)

	// Stage 2 data is accepted while the NC is still at stage 1.
	_, err := env.Engine.SubmitImmediateAction(env.Ctx, env.Owner, nc.ID, engine.ImmediateActionInput{
		Description:       "Stop the line",
		ResponsibleUserID: "operator-7",
	})
	require.NoError(t, err)

	res, err := env.Engine.AdvanceStage(env.Ctx, env.Owner, nc.ID, domain.StageRegistration)
	require.NoError(t, err)
	assert.Equal(t, domain.StageImmediateAction, res.NonConformity.CurrentStage)
	require.NotNil(t, res.NonConformity.StageCompletedAt[0])
	require.NotNil(t, res.CompletedTask)
	assert.Equal(t, regTask.ID, res.CompletedTask.ID)
	assert.Equal(t, domain.TaskTypeImmediateAction, res.NextTask.TaskType)
	assert.Equal(t, "operator-7", res.NextTask.ResponsibleUserID)

	done, err := env.Engine.GetTask(env.Ctx, env.Owner, regTask.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, done.Status)
	assert.Equal(t, "owner-1", done.CompletedBy)

	env.assertSingleOpenTask(t, res.NonConformity)
}

func TestStaleAdvanceLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	nc := env.driveTo(t, env.createNC(t, "medium"), domain.StageImmediateAction)
	before, err := env.Engine.GetNonConformity(env.Ctx, env.Owner, nc.ID)
	require.NoError(t, err)

	_, err = env.Engine.AdvanceStage(env.Ctx, env.Owner, nc.ID, domain.StageRegistration)
	require.Error(t, err)
	var stale *engine.StaleStageError
	require.True(t, errors.As(err, &stale))
	assert.Equal(t, domain.StageRegistration, stale.Expected)
	assert.Equal(t, domain.StageImmediateAction, stale.Actual)
	assert.Equal(t, engine.KindStaleStage, engine.KindOf(err))

	after, err := env.Engine.GetNonConformity(env.Ctx, env.Owner, nc.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	env.assertSingleOpenTask(t, after)
}

func TestConcurrentAdvanceOnlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	nc := env.createNC(t, "low")

	const racers = 4
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.AdvanceStage(env.Ctx, env.Owner, nc.ID, domain.StageRegistration)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.Equal(t, engine.KindStaleStage, engine.KindOf(err), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, wins)

	got, err := env.Engine.GetNonConformity(env.Ctx, env.Owner, nc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageImmediateAction, got.CurrentStage)
	env.assertSingleOpenTask(t, got)
}

func TestExitGates(t *testing.T) {
	env := newTestEnv(t)
	nc := env.driveTo(t, env.createNC(t, "medium"), domain.StageImmediateAction)

	_, err := env.Engine.AdvanceStage(env.Ctx, env.Owner, nc.ID, domain.StageImmediateAction)
	assert.Equal(t, engine.KindInvariant, engine.KindOf(err), "stage 2 without immediate action")

	nc = env.driveTo(t, nc, domain.StageCauseAnalysis)
	_, err = env.Engine.AdvanceStage(env.Ctx, env.Owner, nc.ID, domain.StageCauseAnalysis)
	assert.Equal(t, engine.KindInvariant, engine.KindOf(err), "stage 3 without analysis")

	nc = env.driveTo(t, nc, domain.StagePlanning)
	_, err = env.Engine.AdvanceStage(env.Ctx, env.Owner, nc.ID, domain.StagePlanning)
	assert.Equal(t, engine.KindInvariant, engine.KindOf(err), "stage 4 without plan")

	env.satisfyExit(t, nc)
	res, err := env.Engine.AdvanceStage(env.Ctx, env.Owner, nc.ID, domain.StagePlanning)
	require.NoError(t, err)
	nc = res.NonConformity
	_, err = env.Engine.AdvanceStage(env.Ctx, env.Owner, nc.ID, domain.StageImplementation)
	assert.Equal(t, engine.KindInvariant, engine.KindOf(err), "stage 5 with pending items")

	nc = env.driveTo(t, nc, domain.StageEffectiveness)
	_, err = env.Engine.AdvanceStage(env.Ctx, env.Owner, nc.ID, domain.StageEffectiveness)
	assert.Equal(t, engine.KindInvariant, engine.KindOf(err), "stage 6 is left by evaluation only")

	_, err = env.Engine.AdvanceStage(env.Ctx, env.Owner, nc.ID, domain.Stage(7))
	assert.Equal(t, engine.KindValidation, engine.KindOf(err))
}

func TestImplementationExitWithoutPlanItems(t *testing.T) {
	env := newTestEnv(t)
	nc := env.driveTo(t, env.createNC(t, "medium"), domain.StageImplementation)
	_, err := env.Engine.DB.ExecContext(env.Ctx, "DELETE FROM action_plan_items WHERE non_conformity_id = ?", nc.ID)
	require.NoError(t, err)

	_, err = env.Engine.AdvanceStage(env.Ctx, env.Owner, nc.ID, domain.StageImplementation)
	require.Error(t, err)
	assert.Equal(t, engine.KindInvariant, engine.KindOf(err))
	assert.Contains(t, err.Error(), "no action plan items")
	assert.NotContains(t, err.Error(), "0 action plan item")
}

func TestDriveToEffectiveness(t *testing.T) {
	env := newTestEnv(t)
	nc := env.createNC(t, "critical")
	for target := domain.StageImmediateAction; target <= domain.StageEffectiveness; target++ {
		nc = env.driveTo(t, nc, target)
		assertMonotonicStamps(t, nc)
		env.assertSingleOpenTask(t, nc)
	}
	for s := domain.FirstStage; s < domain.StageEffectiveness; s++ {
		assert.True(t, nc.StageCompleted(s), "stage %d", s)
	}
	assert.False(t, nc.StageCompleted(domain.StageEffectiveness))
	assert.Equal(t, domain.NCStatusOpen, nc.Status)
	require.NotNil(t, nc.CompletedDate)
	assert.Equal(t, "Worn fixture", nc.RootCause)
	assert.Equal(t, "1. Replace fixture", nc.CorrectiveAction)

	stored, err := env.Engine.GetNonConformity(env.Ctx, env.Owner, nc.ID)
	require.NoError(t, err)
	assert.Equal(t, nc.CurrentStage, stored.CurrentStage)
	assertMonotonicStamps(t, stored)
}

func TestImplementationTaskFollowsPlan(t *testing.T) {
	env := newTestEnv(t)
	nc := env.driveTo(t, env.createNC(t, "high"), domain.StagePlanning)
	early := env.now.AddDate(0, 0, 10)
	late := env.now.AddDate(0, 0, 45)
	for _, in := range []engine.PlanItemInput{
		{Action: "Retrain operators", Kind: "preventive", ResponsibleUserID: "hr-1", Deadline: &late},
		{Action: "Replace fixture", ResponsibleUserID: "maint-3", Deadline: &early},
	} {
		_, err := env.Engine.AddActionPlanItem(env.Ctx, env.Owner, nc.ID, in)
		require.NoError(t, err)
	}
	res, err := env.Engine.AdvanceStage(env.Ctx, env.Owner, nc.ID, domain.StagePlanning)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskTypeImplementation, res.NextTask.TaskType)
	assert.True(t, late.Equal(res.NextTask.DueDate), "due %s", res.NextTask.DueDate)
	assert.Equal(t, "hr-1", res.NextTask.ResponsibleUserID)
	assert.Equal(t, "1. Retrain operators", res.NonConformity.PreventiveAction)
	assert.Equal(t, "2. Replace fixture", res.NonConformity.CorrectiveAction)
}

func TestStagePayloadWindow(t *testing.T) {
	env := newTestEnv(t)
	nc := env.createNC(t, "low")

	_, err := env.Engine.SubmitCauseAnalysis(env.Ctx, env.Owner, nc.ID, engine.CauseAnalysisInput{RootCause: "early"})
	assert.Equal(t, engine.KindInvariant, engine.KindOf(err))

	_, err = env.Engine.SubmitCauseAnalysis(env.Ctx, env.Owner, nc.ID, engine.CauseAnalysisInput{Method: "ishikawa", RootCause: "x"})
	assert.Equal(t, engine.KindValidation, engine.KindOf(err))

	_, err = env.Engine.SubmitImmediateAction(env.Ctx, env.Owner, nc.ID, engine.ImmediateActionInput{})
	assert.Equal(t, engine.KindValidation, engine.KindOf(err))

	nc = env.driveTo(t, nc, domain.StageCauseAnalysis)
	_, err = env.Engine.SubmitImmediateAction(env.Ctx, env.Owner, nc.ID, engine.ImmediateActionInput{Description: "too late"})
	assert.Equal(t, engine.KindInvariant, engine.KindOf(err), "stage 2 already completed")
}

func TestSubmitStagePayloadDispatch(t *testing.T) {
	env := newTestEnv(t)
	nc := env.createNC(t, "low")

	out, err := env.Engine.SubmitStagePayload(env.Ctx, env.Owner, nc.ID, domain.ImmediateAction{Description: "Contain"})
	require.NoError(t, err)
	ia, ok := out.(domain.ImmediateAction)
	require.True(t, ok)
	assert.Equal(t, "Contain", ia.Description)

	_, err = env.Engine.SubmitStagePayload(env.Ctx, env.Owner, nc.ID, domain.EffectivenessEvaluation{})
	assert.Equal(t, engine.KindValidation, engine.KindOf(err))

	_, err = env.Engine.SubmitStagePayload(env.Ctx, env.Owner, nc.ID, nil)
	assert.Equal(t, engine.KindValidation, engine.KindOf(err))

	recs, err := env.Engine.GetStageRecords(env.Ctx, env.Owner, nc.ID)
	require.NoError(t, err)
	require.NotNil(t, recs.ImmediateAction)
	assert.Equal(t, ia.ID, recs.ImmediateAction.ID)
	assert.Empty(t, recs.ActionPlan)
	assert.Nil(t, recs.CauseAnalysis)
}

func TestCompleteActionPlanItemTwice(t *testing.T) {
	env := newTestEnv(t)
	nc := env.driveTo(t, env.createNC(t, "low"), domain.StagePlanning)
	env.satisfyExit(t, nc)
	recs, err := env.Engine.GetStageRecords(env.Ctx, env.Owner, nc.ID)
	require.NoError(t, err)
	require.Len(t, recs.ActionPlan, 1)
	item := recs.ActionPlan[0]

	done, err := env.Engine.CompleteActionPlanItem(env.Ctx, env.Owner, nc.ID, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanItemCompleted, done.Status)

	_, err = env.Engine.CompleteActionPlanItem(env.Ctx, env.Owner, nc.ID, item.ID)
	assert.Equal(t, engine.KindInvariant, engine.KindOf(err))

	_, err = env.Engine.CompleteActionPlanItem(env.Ctx, env.Owner, nc.ID, "missing")
	assert.Equal(t, engine.KindNotFound, engine.KindOf(err))
}
