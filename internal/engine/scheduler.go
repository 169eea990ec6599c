package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"capaflow/internal/config"
	"capaflow/internal/domain"
	"capaflow/internal/events"
	"capaflow/internal/repo"
)

var stageTaskTitles = map[domain.Stage]string{
	domain.StageRegistration:    "Complete registration",
	domain.StageImmediateAction: "Record immediate action",
	domain.StageCauseAnalysis:   "Analyse root cause",
	domain.StagePlanning:        "Plan corrective actions",
	domain.StageImplementation:  "Implement action plan",
	domain.StageEffectiveness:   "Evaluate effectiveness",
}

// dueDateFor derives a stage task's due date: detection date plus the
// configured lead time. Implementation follows the action plan when one has
// deadlines.
func dueDateFor(cfg *config.Config, nc domain.NonConformity, stage domain.Stage, plan []domain.ActionPlanItem) time.Time {
	if stage == domain.StageImplementation {
		if latest, ok := latestDeadline(plan); ok {
			return latest
		}
	}
	return nc.DetectedDate.Add(cfg.LeadTime(stage))
}

func latestDeadline(plan []domain.ActionPlanItem) (time.Time, bool) {
	var latest time.Time
	for _, it := range plan {
		if it.Deadline.After(latest) {
			latest = it.Deadline
		}
	}
	return latest, !latest.IsZero()
}

// responsibleFor picks the stage payload's responsible party when known,
// else the NC's responsible user, else its creator.
func (e Engine) responsibleFor(ctx context.Context, tx *sql.Tx, nc domain.NonConformity, stage domain.Stage, plan []domain.ActionPlanItem) (string, error) {
	switch stage {
	case domain.StageImmediateAction:
		ia, err := e.Repo.GetImmediateAction(ctx, tx, nc.ID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return "", err
		}
		if ia.ResponsibleUserID != "" {
			return ia.ResponsibleUserID, nil
		}
	case domain.StageImplementation:
		for _, it := range plan {
			if it.Status == domain.PlanItemPending && it.ResponsibleUserID != "" {
				return it.ResponsibleUserID, nil
			}
		}
	}
	if nc.ResponsibleUserID != "" {
		return nc.ResponsibleUserID, nil
	}
	return nc.CreatedBy, nil
}

// createTaskForStage inserts the open task for stage inside tx and records a
// task.created event. The partial unique index on tasks rejects a second
// open task of the same type for the NC.
func (e Engine) createTaskForStage(ctx context.Context, tx *sql.Tx, cfg *config.Config, nc domain.NonConformity, stage domain.Stage, actorID string) (domain.Task, error) {
	var plan []domain.ActionPlanItem
	if stage == domain.StageImplementation {
		var err error
		if plan, err = e.Repo.ListPlanItems(ctx, tx, nc.ID); err != nil {
			return domain.Task{}, err
		}
	}
	responsible, err := e.responsibleFor(ctx, tx, nc, stage, plan)
	if err != nil {
		return domain.Task{}, err
	}
	now := e.now()
	t := domain.Task{
		ID:                newID(),
		NonConformityID:   nc.ID,
		OrganizationID:    nc.OrganizationID,
		TaskType:          stage.TaskType(),
		Title:             fmt.Sprintf("%s: %s", nc.NCNumber, stageTaskTitles[stage]),
		ResponsibleUserID: responsible,
		DueDate:           dueDateFor(cfg, nc, stage, plan),
		Status:            domain.TaskStatusPending,
		Priority:          cfg.PriorityFor(nc.Severity),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert %s task: %w", t.TaskType, err)
	}
	if err := e.events().Append(ctx, tx, events.TaskCreated, nc.OrganizationID, "task", t.ID, actorID, events.EventPayload{
		"non_conformity_id": nc.ID,
		"task_type":         t.TaskType,
		"due_date":          t.DueDate.Format(time.RFC3339),
		"responsible":       t.ResponsibleUserID,
	}); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// completeOpenTask closes the NC's open task of the given stage, if any. It
// returns the completed task, or nil when there was none.
func (e Engine) completeOpenTask(ctx context.Context, tx *sql.Tx, nc domain.NonConformity, stage domain.Stage, actorID string, at time.Time) (*domain.Task, error) {
	t, err := e.Repo.OpenTask(ctx, tx, nc.ID, stage.TaskType())
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ok, err := e.Repo.CompleteTask(ctx, tx, t.ID, actorID, at)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	t.Status = domain.TaskStatusCompleted
	t.CompletedAt = &at
	t.CompletedBy = actorID
	t.UpdatedAt = at
	if err := e.events().Append(ctx, tx, events.TaskCompleted, nc.OrganizationID, "task", t.ID, actorID, events.EventPayload{
		"non_conformity_id": nc.ID,
		"task_type":         t.TaskType,
	}); err != nil {
		return nil, err
	}
	return &t, nil
}
