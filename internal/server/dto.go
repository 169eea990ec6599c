package server

import (
	"encoding/json"
	"time"

	"capaflow/internal/domain"
)

// Request payloads

type AdvanceRequest struct {
	ExpectedStage int `json:"expected_stage" minimum:"1" maximum:"6"`
}

type ReassignTaskRequest struct {
	ResponsibleUserID string `json:"responsible_user_id"`
}

type RescheduleTaskRequest struct {
	DueDate time.Time `json:"due_date" format:"date-time"`
}

type GrantRoleRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	OrgID   string   `json:"org_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	OrgID   string   `json:"org_id,omitempty"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source" enum:"jwt,api_key"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// CreatedAPIKeyResponse carries the only copy of the secret that is ever returned.
type CreatedAPIKeyResponse struct {
	APIKeyResponse
	Secret string `json:"secret"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedNonConformities struct {
	Items      []domain.NonConformity `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

type paginatedTasks struct {
	Items      []domain.Task `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
