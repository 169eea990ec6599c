package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"capaflow/internal/config"
	"capaflow/internal/domain"
	"capaflow/internal/engine"
)

type configBody struct {
	Body *config.Config `json:"body"`
}

func registerAdmin(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-org-config",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/config",
		Summary:     "Get organization config",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *orgPath) (*configBody, error) {
		c, authErr := callerFor(ctx, e, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		cfg, err := e.GetOrgConfig(ctx, c)
		if err != nil {
			return nil, handleError(err)
		}
		return &configBody{Body: cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-org-config",
		Method:      http.MethodPut,
		Path:        "/orgs/{org_id}/config",
		Summary:     "Replace organization config",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string        `path:"org_id"`
		Body  config.Config `json:"body"`
	}) (*configBody, error) {
		c, authErr := callerFor(ctx, e, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		cfg, err := e.UpdateOrgConfig(ctx, c, &input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &configBody{Body: cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/members",
		Summary:     "List role grants",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *orgPath) (*struct {
		Body []domain.OrgMember `json:"body"`
	}, error) {
		c, authErr := callerFor(ctx, e, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListMembers(ctx, c)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.OrgMember `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "grant-role",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/members",
		Summary:       "Grant a role",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string           `path:"org_id"`
		Body  GrantRoleRequest `json:"body"`
	}) (*struct {
		Body domain.OrgMember `json:"body"`
	}, error) {
		c, authErr := callerFor(ctx, e, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.GrantRole(ctx, c, input.Body.ActorID, input.Body.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OrgMember `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-role",
		Method:        http.MethodDelete,
		Path:          "/orgs/{org_id}/members/{actor_id}/roles/{role}",
		Summary:       "Revoke a role",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		OrgID   string `path:"org_id"`
		ActorID string `path:"actor_id"`
		Role    string `path:"role"`
	}) (*struct{}, error) {
		c, authErr := callerFor(ctx, e, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeRole(ctx, c, input.ActorID, input.Role); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/apikeys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID   string `path:"org_id"`
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		c, authErr := callerFor(ctx, e, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.ListAPIKeys(ctx, c, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/apikeys",
		Summary:       "Create an API key",
		Description:   "The secret is returned once and never stored in clear.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string              `path:"org_id"`
		Body  CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreatedAPIKeyResponse `json:"body"`
	}, error) {
		c, authErr := callerFor(ctx, e, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		key, secret, err := e.CreateAPIKey(ctx, c, input.Body.ActorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreatedAPIKeyResponse `json:"body"`
		}{Body: CreatedAPIKeyResponse{APIKeyResponse: apiKeyResponse(key), Secret: secret}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/orgs/{org_id}/apikeys/{key_id}",
		Summary:       "Delete an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		c, authErr := callerFor(ctx, e, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteAPIKey(ctx, c, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
