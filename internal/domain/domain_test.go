package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSeverityAliases(t *testing.T) {
	cases := map[string]Severity{
		"low":      SeverityLow,
		"Baixa":    SeverityLow,
		"média":    SeverityMedium,
		"MEDIA":    SeverityMedium,
		" alta ":   SeverityHigh,
		"Crítica":  SeverityCritical,
		"critical": SeverityCritical,
	}
	for in, want := range cases {
		got, err := ParseSeverity(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseSeverity("severe")
	assert.Error(t, err)
}

func TestSeverityRankOrders(t *testing.T) {
	assert.Less(t, SeverityLow.Rank(), SeverityMedium.Rank())
	assert.Less(t, SeverityMedium.Rank(), SeverityHigh.Rank())
	assert.Less(t, SeverityHigh.Rank(), SeverityCritical.Rank())
	assert.Zero(t, Severity("other").Rank())
}

func TestStageTaskTypeMapping(t *testing.T) {
	for s := FirstStage; s <= LastStage; s++ {
		assert.Equal(t, s, s.TaskType().Stage())
	}
	assert.Equal(t, TaskType(""), Stage(0).TaskType())
	assert.Equal(t, "stage(9)", Stage(9).String())
}

func TestDaysBetweenUsesCalendarDays(t *testing.T) {
	a := time.Date(2026, 1, 1, 23, 30, 0, 0, time.UTC)
	b := time.Date(2026, 1, 2, 0, 15, 0, 0, time.UTC)
	assert.Equal(t, 1, DaysBetween(a, b))
	assert.Equal(t, -1, DaysBetween(b, a))
	assert.Equal(t, 0, DaysBetween(a, a.Add(20*time.Minute)))
}

func TestDisplayStatus(t *testing.T) {
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	task := Task{Status: TaskStatusInProgress, DueDate: now.AddDate(0, 0, -1)}
	assert.Equal(t, TaskStatusOverdue, task.DisplayStatus(now))

	task.DueDate = now
	assert.Equal(t, TaskStatusInProgress, task.DisplayStatus(now))

	task = Task{Status: TaskStatusCompleted, DueDate: now.AddDate(0, 0, -30)}
	assert.Equal(t, TaskStatusCompleted, task.DisplayStatus(now))
}

func TestStageCompleted(t *testing.T) {
	stamp := time.Now()
	nc := NonConformity{}
	nc.StageCompletedAt[0] = &stamp
	assert.True(t, nc.StageCompleted(StageRegistration))
	assert.False(t, nc.StageCompleted(StageImmediateAction))
	assert.False(t, nc.StageCompleted(Stage(0)))
	assert.False(t, nc.StageCompleted(Stage(7)))
}

func TestStagePayloadStages(t *testing.T) {
	payloads := []StagePayload{ImmediateAction{}, CauseAnalysis{}, ActionPlanItem{}, EffectivenessEvaluation{}}
	want := []Stage{StageImmediateAction, StageCauseAnalysis, StagePlanning, StageEffectiveness}
	for i, p := range payloads {
		assert.Equal(t, want[i], p.Stage())
	}
}
