package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"capaflow/internal/dashboard"
	"capaflow/internal/engine"
	"capaflow/internal/sla"
)

type orgPath struct {
	OrgID string `path:"org_id"`
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sla-report",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/sla",
		Summary:     "Deadline compliance of open tasks",
		Errors:      []int{http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *orgPath) (*struct {
		Body sla.Report `json:"body"`
	}, error) {
		c, authErr := callerFor(ctx, e, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := e.SLAReport(ctx, c)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body sla.Report `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dashboard-stats",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/dashboard",
		Summary:     "Aggregate counts, SLA summary and monthly trend",
		Errors:      []int{http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *orgPath) (*struct {
		Body dashboard.Stats `json:"body"`
	}, error) {
		c, authErr := callerFor(ctx, e, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		stats, err := e.DashboardStats(ctx, c)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body dashboard.Stats `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/events",
		Summary:     "Audit log, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID    string `path:"org_id"`
		Type     string `query:"type"`
		EntityID string `query:"entity_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		c, authErr := callerFor(ctx, e, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var beforeID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, badCursor(input.Cursor)
			}
			beforeID = parsed
		}
		items, err := e.ListEvents(ctx, c, engine.EventQuery{
			EntityID: input.EntityID,
			Type:     input.Type,
			BeforeID: beforeID,
			Limit:    limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
