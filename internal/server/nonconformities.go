package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"capaflow/internal/domain"
	"capaflow/internal/engine"
)

type ncBody struct {
	Body domain.NonConformity `json:"body"`
}

type ncPath struct {
	OrgID string `path:"org_id"`
	NCID  string `path:"nc_id"`
}

func registerNonConformities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-nonconformity",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/nonconformities",
		Summary:       "Register a non-conformity",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string         `path:"org_id"`
		Body  engine.NCDraft `json:"body"`
	}) (*ncBody, error) {
		c, authErr := callerFor(ctx, e, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		nc, err := e.CreateNonConformity(ctx, c, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &ncBody{Body: nc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-nonconformities",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/nonconformities",
		Summary:     "List non-conformities, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID       string `path:"org_id"`
		Status      string `query:"status" enum:"open,closed,superseded"`
		Stage       int    `query:"stage" minimum:"0" maximum:"6"`
		Severity    string `query:"severity"`
		Category    string `query:"category"`
		ParentID    string `query:"parent_id"`
		Responsible string `query:"responsible_user_id"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedNonConformities `json:"body"`
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
		items, err := e.ListNonConformities(ctx, c, engine.NCQuery{
			Status:            input.Status,
			Stage:             input.Stage,
			Severity:          input.Severity,
			Category:          input.Category,
			ParentID:          input.ParentID,
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
		resp := paginatedNonConformities{Items: nonNilSlice(items)}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			resp.Items = items[:limit]
		}
		return &struct {
			Body paginatedNonConformities `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-nonconformity",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/nonconformities/{nc_id}",
		Summary:     "Get non-conformity",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *ncPath) (*ncBody, error) {
		c, authErr := callerFor(ctx, e, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		nc, err := e.GetNonConformity(ctx, c, input.NCID)
		if err != nil {
			return nil, handleError(err)
		}
		return &ncBody{Body: nc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "patch-nonconformity",
		Method:      http.MethodPatch,
		Path:        "/orgs/{org_id}/nonconformities/{nc_id}",
		Summary:     "Update descriptive fields",
		Description: "Workflow fields (stage, status, revision lineage) are rejected with invariant_violation.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string         `path:"org_id"`
		NCID  string         `path:"nc_id"`
		Body  map[string]any `json:"body"`
	}) (*ncBody, error) {
		c, authErr := callerFor(ctx, e, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		patch, err := engine.DecodeNCPatch(bodyBytes(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		nc, err := e.PatchNonConformity(ctx, c, input.NCID, patch)
		if err != nil {
			return nil, handleError(err)
		}
		return &ncBody{Body: nc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-nonconformity",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/nonconformities/{nc_id}/advance",
		Summary:     "Complete the current stage and open the next",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string         `path:"org_id"`
		NCID  string         `path:"nc_id"`
		Body  AdvanceRequest `json:"body"`
	}) (*struct {
		Body engine.AdvanceResult `json:"body"`
	}, error) {
		c, authErr := callerFor(ctx, e, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.AdvanceStage(ctx, c, input.NCID, domain.Stage(input.Body.ExpectedStage))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.AdvanceResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-nonconformity",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/nonconformities/{nc_id}/evaluation",
		Summary:     "Record or postpone the effectiveness evaluation",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string                 `path:"org_id"`
		NCID  string                 `path:"nc_id"`
		Body  engine.EvaluationInput `json:"body"`
	}) (*struct {
		Body engine.EvaluationResult `json:"body"`
	}, error) {
		c, authErr := callerFor(ctx, e, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.EvaluateEffectiveness(ctx, c, input.NCID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.EvaluationResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-revisions",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/nonconformities/{nc_id}/revisions",
		Summary:     "Revision chain, root first",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *ncPath) (*struct {
		Body []domain.NonConformity `json:"body"`
	}, error) {
		c, authErr := callerFor(ctx, e, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListRevisions(ctx, c, input.NCID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.NonConformity `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerStages(api huma.API, e engine.Engine) {
	stageErrors := []int{
		http.StatusBadRequest,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusUnprocessableEntity,
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-stage-records",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/nonconformities/{nc_id}/stages",
		Summary:     "Stage sub-records of a non-conformity",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *ncPath) (*struct {
		Body domain.StageRecords `json:"body"`
	}, error) {
		c, authErr := callerFor(ctx, e, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		recs, err := e.GetStageRecords(ctx, c, input.NCID)
		if err != nil {
			return nil, handleError(err)
		}
		recs.ActionPlan = nonNilSlice(recs.ActionPlan)
		return &struct {
			Body domain.StageRecords `json:"body"`
		}{Body: recs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-immediate-action",
		Method:      http.MethodPut,
		Path:        "/orgs/{org_id}/nonconformities/{nc_id}/immediate-action",
		Summary:     "Record the immediate action (stage 2)",
		Errors:      stageErrors,
	}, func(ctx context.Context, input *struct {
		OrgID string                      `path:"org_id"`
		NCID  string                      `path:"nc_id"`
		Body  engine.ImmediateActionInput `json:"body"`
	}) (*struct {
		Body domain.ImmediateAction `json:"body"`
	}, error) {
		c, authErr := callerFor(ctx, e, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		ia, err := e.SubmitImmediateAction(ctx, c, input.NCID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ImmediateAction `json:"body"`
		}{Body: ia}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-cause-analysis",
		Method:      http.MethodPut,
		Path:        "/orgs/{org_id}/nonconformities/{nc_id}/cause-analysis",
		Summary:     "Record the cause analysis (stage 3)",
		Errors:      stageErrors,
	}, func(ctx context.Context, input *struct {
		OrgID string                    `path:"org_id"`
		NCID  string                    `path:"nc_id"`
		Body  engine.CauseAnalysisInput `json:"body"`
	}) (*struct {
		Body domain.CauseAnalysis `json:"body"`
	}, error) {
		c, authErr := callerFor(ctx, e, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		ca, err := e.SubmitCauseAnalysis(ctx, c, input.NCID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CauseAnalysis `json:"body"`
		}{Body: ca}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-action-plan-item",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/nonconformities/{nc_id}/action-plan",
		Summary:       "Add an action plan item (stage 4)",
		DefaultStatus: http.StatusCreated,
		Errors:        stageErrors,
	}, func(ctx context.Context, input *struct {
		OrgID string               `path:"org_id"`
		NCID  string               `path:"nc_id"`
		Body  engine.PlanItemInput `json:"body"`
	}) (*struct {
		Body domain.ActionPlanItem `json:"body"`
	}, error) {
		c, authErr := callerFor(ctx, e, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.AddActionPlanItem(ctx, c, input.NCID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ActionPlanItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-action-plan-item",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/nonconformities/{nc_id}/action-plan/{item_id}/complete",
		Summary:     "Mark an action plan item done (stage 5 work)",
		Errors:      stageErrors,
	}, func(ctx context.Context, input *struct {
		OrgID  string `path:"org_id"`
		NCID   string `path:"nc_id"`
		ItemID string `path:"item_id"`
	}) (*struct {
		Body domain.ActionPlanItem `json:"body"`
	}, error) {
		c, authErr := callerFor(ctx, e, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.CompleteActionPlanItem(ctx, c, input.NCID, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ActionPlanItem `json:"body"`
		}{Body: it}, nil
	})
}
