package engine

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"capaflow/internal/domain"
	"capaflow/internal/engine/auth"
	"capaflow/internal/events"
	"capaflow/internal/repo"
)

// present applies the derived overdue status for read views.
func (e Engine) present(t domain.Task) domain.Task {
	t.Status = t.DisplayStatus(e.now())
	return t
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (e Engine) GetTask(ctx context.Context, c auth.Caller, id string) (domain.Task, error) {
	const op = "GetTask"
	if _, err := e.authorize(ctx, op, c, auth.PermTaskRead); err != nil {
		return domain.Task{}, err
	}
	t, err := e.loadTask(ctx, nil, op, c, id)
	if err != nil {
		return domain.Task{}, err
	}
	return e.present(t), nil
}

type TaskQuery struct {
	NonConformityID   string
	Status            string
	TaskType          string
	ResponsibleUserID string
	Page
}

// ListTasks filters the organization's tasks. Status accepts the derived
// overdue value; pending and in_progress then exclude overdue tasks.
func (e Engine) ListTasks(ctx context.Context, c auth.Caller, q TaskQuery) ([]domain.Task, error) {
	const op = "ListTasks"
	if _, err := e.authorize(ctx, op, c, auth.PermTaskRead); err != nil {
		return nil, err
	}
	f := repo.TaskFilters{
		OrganizationID:    c.OrganizationID,
		NonConformityID:   q.NonConformityID,
		TaskType:          q.TaskType,
		ResponsibleUserID: q.ResponsibleUserID,
		Limit:             q.Limit,
		CursorCreatedAt:   q.CursorCreatedAt,
		CursorID:          q.CursorID,
	}
	today := startOfDay(e.now())
	switch domain.TaskStatus(q.Status) {
	case "":
	case domain.TaskStatusOverdue:
		f.OverdueBefore = today
	case domain.TaskStatusPending, domain.TaskStatusInProgress:
		f.Status = q.Status
		f.DueOnOrAfter = today
	case domain.TaskStatusCompleted, domain.TaskStatusCancelled:
		f.Status = q.Status
	default:
		return nil, validationErr(op, "unknown task status %q", q.Status)
	}
	if q.TaskType != "" && domain.TaskType(q.TaskType).Stage() == 0 {
		return nil, validationErr(op, "unknown task type %q", q.TaskType)
	}
	items, err := e.Repo.ListTasks(ctx, f)
	if err != nil {
		return nil, dependencyErr(op, err)
	}
	for i := range items {
		items[i] = e.present(items[i])
	}
	return items, nil
}

// CompleteTask marks a task completed. It does not move the NC; stage
// transitions go through AdvanceStage. Completing the current stage's task
// leaves the open NC without an open task until the next AdvanceStage, which
// creates the following stage's task as usual.
func (e Engine) CompleteTask(ctx context.Context, c auth.Caller, id string) (t domain.Task, err error) {
	const op = "CompleteTask"
	ctx, span := startSpan(ctx, op, attribute.String("task.id", id))
	defer func() { endSpan(span, err) }()

	if _, err := e.authorize(ctx, op, c, auth.PermTaskComplete); err != nil {
		return t, err
	}
	tx, err := e.begin(ctx, op)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	t, err = e.loadTask(ctx, tx, op, c, id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status.Terminal() {
		return domain.Task{}, &AlreadyCompletedError{TaskID: id, Status: t.Status}
	}
	at := e.now()
	ok, err := e.Repo.CompleteTask(ctx, tx, id, c.UserID, at)
	if err != nil {
		return domain.Task{}, dependencyErr(op, err)
	}
	if !ok {
		cur, err := e.Repo.GetTaskTx(ctx, tx, id)
		if err != nil {
			return domain.Task{}, storeErr(op, "task", id, err)
		}
		return domain.Task{}, &AlreadyCompletedError{TaskID: id, Status: cur.Status}
	}
	t.Status = domain.TaskStatusCompleted
	t.CompletedAt = &at
	t.CompletedBy = c.UserID
	t.UpdatedAt = at
	if err := e.events().Append(ctx, tx, events.TaskCompleted, t.OrganizationID, "task", t.ID, c.UserID, events.EventPayload{
		"non_conformity_id": t.NonConformityID,
		"task_type":         t.TaskType,
	}); err != nil {
		return domain.Task{}, dependencyErr(op, err)
	}
	if err := commit(op, tx); err != nil {
		return domain.Task{}, err
	}
	tasksCompleted.WithLabelValues(string(t.TaskType)).Inc()
	return t, nil
}

// mutateOpenTask loads a non-terminal task, applies fn and persists it with
// an audit event.
func (e Engine) mutateOpenTask(ctx context.Context, op string, c auth.Caller, id, evtType string, fn func(t *domain.Task) (events.EventPayload, error)) (t domain.Task, err error) {
	ctx, span := startSpan(ctx, op, attribute.String("task.id", id))
	defer func() { endSpan(span, err) }()

	if _, err := e.authorize(ctx, op, c, auth.PermTaskUpdate); err != nil {
		return t, err
	}
	tx, err := e.begin(ctx, op)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	t, err = e.loadTask(ctx, tx, op, c, id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status.Terminal() {
		return domain.Task{}, invariantErr(op, "task %s is %s", id, t.Status)
	}
	payload, err := fn(&t)
	if err != nil {
		return domain.Task{}, err
	}
	t.UpdatedAt = e.now()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, storeErr(op, "task", id, err)
	}
	if err := e.events().Append(ctx, tx, evtType, t.OrganizationID, "task", t.ID, c.UserID, payload); err != nil {
		return domain.Task{}, dependencyErr(op, err)
	}
	if err := commit(op, tx); err != nil {
		return domain.Task{}, err
	}
	return e.present(t), nil
}

// StartTask moves a pending task to in_progress.
func (e Engine) StartTask(ctx context.Context, c auth.Caller, id string) (domain.Task, error) {
	const op = "StartTask"
	return e.mutateOpenTask(ctx, op, c, id, events.TaskStarted, func(t *domain.Task) (events.EventPayload, error) {
		if t.Status != domain.TaskStatusPending {
			return nil, invariantErr(op, "task %s is %s", t.ID, t.Status)
		}
		t.Status = domain.TaskStatusInProgress
		return nil, nil
	})
}

func (e Engine) ReassignTask(ctx context.Context, c auth.Caller, id, userID string) (domain.Task, error) {
	const op = "ReassignTask"
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Task{}, validationErr(op, "responsible_user_id is required")
	}
	return e.mutateOpenTask(ctx, op, c, id, events.TaskReassigned, func(t *domain.Task) (events.EventPayload, error) {
		payload := events.EventPayload{"from": t.ResponsibleUserID, "to": userID}
		t.ResponsibleUserID = userID
		return payload, nil
	})
}

func (e Engine) RescheduleTask(ctx context.Context, c auth.Caller, id string, due time.Time) (domain.Task, error) {
	const op = "RescheduleTask"
	if due.IsZero() {
		return domain.Task{}, validationErr(op, "due_date is required")
	}
	return e.mutateOpenTask(ctx, op, c, id, events.TaskRescheduled, func(t *domain.Task) (events.EventPayload, error) {
		payload := events.EventPayload{"from": t.DueDate.Format(time.RFC3339), "to": due.UTC().Format(time.RFC3339)}
		t.DueDate = due.UTC()
		return payload, nil
	})
}

// CancelTask withdraws a task. The NC keeps its stage; a later advance still
// opens the next stage's task.
func (e Engine) CancelTask(ctx context.Context, c auth.Caller, id string) (domain.Task, error) {
	const op = "CancelTask"
	return e.mutateOpenTask(ctx, op, c, id, events.TaskCancelled, func(t *domain.Task) (events.EventPayload, error) {
		t.Status = domain.TaskStatusCancelled
		return events.EventPayload{"non_conformity_id": t.NonConformityID}, nil
	})
}

// openTasks returns the organization's non-terminal tasks, reading through
// tx when given.
func (e Engine) openTasks(ctx context.Context, tx *sql.Tx, orgID string) ([]domain.Task, error) {
	f := repo.TaskFilters{OrganizationID: orgID, OpenOnly: true}
	if tx != nil {
		return e.Repo.ListTasksTx(ctx, tx, f)
	}
	return e.Repo.ListTasks(ctx, f)
}
