package sla_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capaflow/internal/domain"
	"capaflow/internal/sla"
)

var now = time.Date(2026, 10, 15, 14, 30, 0, 0, time.UTC)

func task(id string, due time.Time, status domain.TaskStatus) domain.Task {
	return domain.Task{ID: id, NonConformityID: "nc-" + id, TaskType: domain.TaskTypePlanning, DueDate: due, Status: status}
}

func day(offset int) time.Time {
	return time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC).AddDate(0, 0, offset)
}

func TestClassifyBoundaries(t *testing.T) {
	p := sla.DefaultPolicy()
	cases := []struct {
		offset int
		bucket sla.Bucket
		days   int
	}{
		{-5, sla.Overdue, 5},
		{-1, sla.Overdue, 1},
		{0, sla.DueToday, 0},
		{1, sla.DueSoon, -1},
		{3, sla.DueSoon, -3},
		{4, sla.OnTime, -4},
		{30, sla.OnTime, -30},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("offset_%d", tc.offset), func(t *testing.T) {
			bucket, days := sla.Classify(day(tc.offset), now, p)
			assert.Equal(t, tc.bucket, bucket)
			assert.Equal(t, tc.days, days)
		})
	}
}

func TestClassifyUsesCalendarDays(t *testing.T) {
	// Due late yesterday is one day overdue even if fewer than 24h passed.
	due := time.Date(2026, 10, 14, 23, 59, 0, 0, time.UTC)
	bucket, days := sla.Classify(due, now, sla.DefaultPolicy())
	assert.Equal(t, sla.Overdue, bucket)
	assert.Equal(t, 1, days)
}

func TestAnalyzeOverdueAndDueSoon(t *testing.T) {
	rep := sla.Analyze([]domain.Task{
		task("a", day(-5), domain.TaskStatusPending),
		task("b", day(1), domain.TaskStatusPending),
	}, now, sla.DefaultPolicy())

	assert.Equal(t, 1, rep.Counts.Overdue)
	assert.Equal(t, 1, rep.Counts.DueSoon)
	assert.Equal(t, 2, rep.Counts.Total)
	require.Len(t, rep.MostOverdue, 1)
	assert.Equal(t, "a", rep.MostOverdue[0].TaskID)
	assert.Equal(t, 5, rep.MostOverdue[0].DaysOverdue)
	assert.Equal(t, 50.0, rep.Percentages.Overdue)
	assert.Equal(t, 50.0, rep.Percentages.DueSoon)
}

func TestAnalyzePartitionsNonTerminalTasks(t *testing.T) {
	var tasks []domain.Task
	for i := -10; i <= 10; i++ {
		tasks = append(tasks, task(fmt.Sprintf("t%02d", i+10), day(i), domain.TaskStatusInProgress))
	}
	tasks = append(tasks,
		task("done", day(-3), domain.TaskStatusCompleted),
		task("gone", day(-3), domain.TaskStatusCancelled),
	)
	rep := sla.Analyze(tasks, now, sla.DefaultPolicy())
	c := rep.Counts
	assert.Equal(t, 21, c.Total)
	assert.Equal(t, c.Total, c.OnTime+c.DueSoon+c.DueToday+c.Overdue)
	assert.Equal(t, 10, c.Overdue)
	assert.Equal(t, 1, c.DueToday)
	assert.Equal(t, 3, c.DueSoon)
	assert.Equal(t, 7, c.OnTime)
}

func TestAnalyzeRanksMostOverdue(t *testing.T) {
	p := sla.Policy{DueSoonDays: 3, TopN: 3}
	rep := sla.Analyze([]domain.Task{
		task("b", day(-2), domain.TaskStatusPending),
		task("a", day(-2), domain.TaskStatusPending),
		task("c", day(-9), domain.TaskStatusPending),
		task("d", day(-1), domain.TaskStatusPending),
		task("e", day(2), domain.TaskStatusPending),
	}, now, p)
	require.Len(t, rep.MostOverdue, 3)
	ids := []string{rep.MostOverdue[0].TaskID, rep.MostOverdue[1].TaskID, rep.MostOverdue[2].TaskID}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestAnalyzeEmpty(t *testing.T) {
	rep := sla.Analyze(nil, now, sla.DefaultPolicy())
	assert.Zero(t, rep.Counts.Total)
	assert.Equal(t, sla.Percentages{}, rep.Percentages)
	assert.NotNil(t, rep.MostOverdue)
}
