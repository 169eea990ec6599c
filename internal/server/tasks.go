package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"capaflow/internal/domain"
	"capaflow/internal/engine"
	"capaflow/internal/engine/auth"
)

type taskBody struct {
	Body domain.Task `json:"body"`
}

type taskPath struct {
	OrgID  string `path:"org_id"`
	TaskID string `path:"task_id"`
}

var taskErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusUnprocessableEntity,
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/tasks",
		Summary:     "List tasks, newest first",
		Description: "status=overdue selects open tasks whose due day has passed.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID           string `path:"org_id"`
		NonConformityID string `query:"non_conformity_id"`
		Status          string `query:"status"`
		TaskType        string `query:"task_type"`
		Responsible     string `query:"responsible_user_id"`
		Limit           int    `query:"limit" default:"50"`
		Cursor          string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		c, authErr := callerFor(ctx, e, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, badCursor(input.Cursor)
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.ListTasks(ctx, c, engine.TaskQuery{
			NonConformityID:   input.NonConformityID,
			Status:            input.Status,
			TaskType:          input.TaskType,
			ResponsibleUserID: input.Responsible,
			Page: engine.Page{
				Limit:           limit + 1,
				CursorCreatedAt: cursorTS,
				CursorID:        cursorID,
			},
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{Items: nonNilSlice(items)}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			resp.Items = items[:limit]
		}
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskBody, error) {
		c, authErr := callerFor(ctx, e, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.GetTask(ctx, c, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	actions := []struct {
		id, path, summary string
		run               func(context.Context, auth.Caller, string) (domain.Task, error)
	}{
		{"start-task", "start", "Start working on a task", e.StartTask},
		{"complete-task", "complete", "Complete a task (does not advance the stage)", e.CompleteTask},
		{"cancel-task", "cancel", "Cancel a task", e.CancelTask},
	}
	for _, a := range actions {
		run := a.run
		huma.Register(api, huma.Operation{
			OperationID: a.id,
			Method:      http.MethodPost,
			Path:        "/orgs/{org_id}/tasks/{task_id}/" + a.path,
			Summary:     a.summary,
			Errors:      taskErrors,
		}, func(ctx context.Context, input *taskPath) (*taskBody, error) {
			c, authErr := callerFor(ctx, e, input.OrgID)
			if authErr != nil {
				return nil, authErr
			}
			t, err := run(ctx, c, input.TaskID)
			if err != nil {
				return nil, handleError(err)
			}
			return &taskBody{Body: t}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "reassign-task",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/tasks/{task_id}/reassign",
		Summary:     "Change the responsible user",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		OrgID  string              `path:"org_id"`
		TaskID string              `path:"task_id"`
		Body   ReassignTaskRequest `json:"body"`
	}) (*taskBody, error) {
		c, authErr := callerFor(ctx, e, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ReassignTask(ctx, c, input.TaskID, input.Body.ResponsibleUserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reschedule-task",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/tasks/{task_id}/reschedule",
		Summary:     "Move a task's due date",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		OrgID  string                `path:"org_id"`
		TaskID string                `path:"task_id"`
		Body   RescheduleTaskRequest `json:"body"`
	}) (*taskBody, error) {
		c, authErr := callerFor(ctx, e, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.RescheduleTask(ctx, c, input.TaskID, input.Body.DueDate)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: t}, nil
	})
}
