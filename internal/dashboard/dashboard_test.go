package dashboard_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capaflow/internal/dashboard"
	"capaflow/internal/domain"
	"capaflow/internal/sla"
)

func ts(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
}

func TestComputeCountsAndTrend(t *testing.T) {
	now := ts(2026, 10, 15)
	closedAt := ts(2026, 9, 20)
	snap := dashboard.Snapshot{
		NonConformities: []domain.NonConformity{
			{ID: "a", Status: domain.NCStatusOpen, CurrentStage: domain.StageCauseAnalysis, Severity: domain.SeverityHigh, CreatedAt: ts(2026, 10, 2)},
			{ID: "b", Status: domain.NCStatusOpen, CurrentStage: domain.StageCauseAnalysis, Severity: domain.SeverityLow, CreatedAt: ts(2026, 9, 1)},
			{ID: "c", Status: domain.NCStatusClosed, CurrentStage: domain.StageEffectiveness, Severity: domain.SeverityHigh, CreatedAt: ts(2026, 5, 1), ClosedAt: &closedAt},
			{ID: "d", Status: domain.NCStatusSuperseded, CurrentStage: domain.StageEffectiveness, Severity: domain.SeverityMedium, CreatedAt: ts(2025, 1, 1)},
		},
		Tasks: []domain.Task{
			{ID: "t1", DueDate: ts(2026, 10, 10), Status: domain.TaskStatusPending},
			{ID: "t2", DueDate: ts(2026, 12, 10), Status: domain.TaskStatusPending},
		},
	}

	st := dashboard.Compute(snap, now, dashboard.Options{TrendMonths: 3, SLA: sla.DefaultPolicy()})

	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 2, st.Open)
	assert.Equal(t, 1, st.Closed)
	assert.Equal(t, 1, st.Superseded)

	require.Len(t, st.OpenByStage, 6)
	assert.Equal(t, "cause_analysis", st.OpenByStage[2].Name)
	assert.Equal(t, 2, st.OpenByStage[2].Count)
	assert.Zero(t, st.OpenByStage[0].Count)

	require.Len(t, st.OpenBySeverity, 4)
	assert.Equal(t, dashboard.SeverityCount{Severity: "low", Count: 1}, st.OpenBySeverity[0])
	assert.Equal(t, dashboard.SeverityCount{Severity: "high", Count: 1}, st.OpenBySeverity[2])

	require.Len(t, st.Trend, 3)
	assert.Equal(t, dashboard.MonthPoint{Month: "2026-08"}, st.Trend[0])
	assert.Equal(t, dashboard.MonthPoint{Month: "2026-09", Opened: 1, Closed: 1}, st.Trend[1])
	assert.Equal(t, dashboard.MonthPoint{Month: "2026-10", Opened: 1}, st.Trend[2])

	assert.Equal(t, 1, st.SLA.Counts.Overdue)
	assert.Equal(t, 1, st.SLA.Counts.OnTime)
}

func TestComputeEmpty(t *testing.T) {
	st := dashboard.Compute(dashboard.Snapshot{}, ts(2026, 1, 31), dashboard.Options{})
	assert.Zero(t, st.Total)
	require.Len(t, st.Trend, 1)
	assert.Equal(t, "2026-01", st.Trend[0].Month)
	assert.Len(t, st.OpenByStage, 6)
}
