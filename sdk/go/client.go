package capasdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal capaflow HTTP API client.
type Client struct {
	BaseURL     string
	OrgID       string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, orgID string) *Client {
	return &Client{
		BaseURL: baseURL,
		OrgID:   orgID,
		Timeout: 10 * time.Second,
	}
}

// NonConformity represents the API non-conformity model (partial).
type NonConformity struct {
	ID                    string     `json:"id"`
	NCNumber              string     `json:"nc_number"`
	Title                 string     `json:"title"`
	Category              string     `json:"category"`
	Severity              string     `json:"severity"`
	Status                string     `json:"status"`
	CurrentStage          int        `json:"current_stage"`
	RevisionNumber        int        `json:"revision_number"`
	ParentNonConformityID *string    `json:"parent_non_conformity_id,omitempty"`
	ResponsibleUserID     string     `json:"responsible_user_id,omitempty"`
	DetectedDate          time.Time  `json:"detected_date"`
	ClosedAt              *time.Time `json:"closed_at,omitempty"`
}

// NewNonConformity is the registration payload.
type NewNonConformity struct {
	Title             string     `json:"title"`
	Description       string     `json:"description,omitempty"`
	Category          string     `json:"category"`
	Severity          string     `json:"severity"`
	Source            string     `json:"source,omitempty"`
	DetectedDate      time.Time  `json:"detected_date"`
	ResponsibleUserID string     `json:"responsible_user_id,omitempty"`
	DueDate           *time.Time `json:"due_date,omitempty"`
}

// Task represents the API task model (partial).
type Task struct {
	ID                string    `json:"id"`
	NonConformityID   string    `json:"non_conformity_id"`
	TaskType          string    `json:"task_type"`
	Title             string    `json:"title"`
	ResponsibleUserID string    `json:"responsible_user_id,omitempty"`
	DueDate           time.Time `json:"due_date"`
	Status            string    `json:"status"`
	Priority          string    `json:"priority"`
}

// AdvanceResult is returned by a successful stage transition.
type AdvanceResult struct {
	NonConformity NonConformity `json:"non_conformity"`
	CompletedTask *Task         `json:"completed_task,omitempty"`
	NextTask      Task          `json:"next_task"`
}

// Evaluation is the effectiveness verdict or a postponement.
type Evaluation struct {
	IsEffective        *bool      `json:"is_effective,omitempty"`
	Evidence           string     `json:"evidence,omitempty"`
	RequiresRiskUpdate bool       `json:"requires_risk_update,omitempty"`
	RequiresSGQChange  bool       `json:"requires_sgq_change,omitempty"`
	PostponedTo        *time.Time `json:"postponed_to,omitempty"`
}

// EvaluationResult carries the evaluated NC and, when not effective, its revision.
type EvaluationResult struct {
	NonConformity NonConformity  `json:"non_conformity"`
	Revision      *NonConformity `json:"revision,omitempty"`
	RevisionTask  *Task          `json:"revision_task,omitempty"`
}

// PlanItem is one action plan line.
type PlanItem struct {
	ID                string    `json:"id,omitempty"`
	Position          int       `json:"position,omitempty"`
	Action            string    `json:"action"`
	Kind              string    `json:"kind,omitempty"`
	ResponsibleUserID string    `json:"responsible_user_id"`
	Deadline          time.Time `json:"deadline"`
	Status            string    `json:"status,omitempty"`
}

// SLAReport summarizes deadline compliance of open tasks.
type SLAReport struct {
	Counts struct {
		OnTime   int `json:"on_time"`
		DueSoon  int `json:"due_soon"`
		DueToday int `json:"due_today"`
		Overdue  int `json:"overdue"`
		Total    int `json:"total"`
	} `json:"counts"`
	MostOverdue []struct {
		TaskID      string `json:"task_id"`
		DaysOverdue int    `json:"days_overdue"`
	} `json:"most_overdue"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code is the machine-readable error code
// when the body carried the standard error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsStaleStage reports whether err is a lost stage race.
func IsStaleStage(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "stale_stage"
}

// Page wraps list responses with cursors.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// CreateNonConformity registers an NC at stage 1.
func (c *Client) CreateNonConformity(ctx context.Context, in NewNonConformity) (NonConformity, error) {
	var resp NonConformity
	err := c.do(ctx, http.MethodPost, c.orgPath("nonconformities"), in, &resp)
	return resp, err
}

// GetNonConformity fetches an NC by id.
func (c *Client) GetNonConformity(ctx context.Context, id string) (NonConformity, error) {
	var resp NonConformity
	err := c.do(ctx, http.MethodGet, c.orgPath("nonconformities/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListNonConformities returns one page; filters are passed as query params.
func (c *Client) ListNonConformities(ctx context.Context, filters url.Values, limit int, cursor string) (Page[NonConformity], error) {
	var resp Page[NonConformity]
	err := c.do(ctx, http.MethodGet, withQuery(c.orgPath("nonconformities"), filters, limit, cursor), nil, &resp)
	return resp, err
}

// PatchNonConformity updates descriptive fields.
func (c *Client) PatchNonConformity(ctx context.Context, id string, fields map[string]any) (NonConformity, error) {
	var resp NonConformity
	err := c.do(ctx, http.MethodPatch, c.orgPath("nonconformities/"+url.PathEscape(id)), fields, &resp)
	return resp, err
}

// Advance moves the NC from expected to the next stage.
func (c *Client) Advance(ctx context.Context, id string, expected int) (AdvanceResult, error) {
	var resp AdvanceResult
	body := map[string]any{"expected_stage": expected}
	err := c.do(ctx, http.MethodPost, c.orgPath(fmt.Sprintf("nonconformities/%s/advance", url.PathEscape(id))), body, &resp)
	return resp, err
}

// Evaluate records the stage 6 verdict.
func (c *Client) Evaluate(ctx context.Context, id string, in Evaluation) (EvaluationResult, error) {
	var resp EvaluationResult
	err := c.do(ctx, http.MethodPost, c.orgPath(fmt.Sprintf("nonconformities/%s/evaluation", url.PathEscape(id))), in, &resp)
	return resp, err
}

// SubmitImmediateAction records the stage 2 payload.
func (c *Client) SubmitImmediateAction(ctx context.Context, id, description, evidence string) error {
	body := map[string]any{"description": description, "evidence": evidence}
	return c.do(ctx, http.MethodPut, c.orgPath(fmt.Sprintf("nonconformities/%s/immediate-action", url.PathEscape(id))), body, nil)
}

// SubmitCauseAnalysis records the stage 3 payload.
func (c *Client) SubmitCauseAnalysis(ctx context.Context, id, method, rootCause string, fiveWhys []string) error {
	body := map[string]any{"method": method, "root_cause": rootCause}
	if len(fiveWhys) > 0 {
		body["five_whys"] = fiveWhys
	}
	return c.do(ctx, http.MethodPut, c.orgPath(fmt.Sprintf("nonconformities/%s/cause-analysis", url.PathEscape(id))), body, nil)
}

// AddPlanItem appends an action plan item.
func (c *Client) AddPlanItem(ctx context.Context, id string, item PlanItem) (PlanItem, error) {
	var resp PlanItem
	err := c.do(ctx, http.MethodPost, c.orgPath(fmt.Sprintf("nonconformities/%s/action-plan", url.PathEscape(id))), item, &resp)
	return resp, err
}

// CompletePlanItem marks a plan item done.
func (c *Client) CompletePlanItem(ctx context.Context, id, itemID string) (PlanItem, error) {
	var resp PlanItem
	endpoint := c.orgPath(fmt.Sprintf("nonconformities/%s/action-plan/%s/complete", url.PathEscape(id), url.PathEscape(itemID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ListTasks returns one page of tasks.
func (c *Client) ListTasks(ctx context.Context, filters url.Values, limit int, cursor string) (Page[Task], error) {
	var resp Page[Task]
	err := c.do(ctx, http.MethodGet, withQuery(c.orgPath("tasks"), filters, limit, cursor), nil, &resp)
	return resp, err
}

// CompleteTask closes a task without advancing its NC.
func (c *Client) CompleteTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.orgPath(fmt.Sprintf("tasks/%s/complete", url.PathEscape(id))), nil, &resp)
	return resp, err
}

// SLA returns the deadline compliance report.
func (c *Client) SLA(ctx context.Context) (SLAReport, error) {
	var resp SLAReport
	err := c.do(ctx, http.MethodGet, c.orgPath("sla"), nil, &resp)
	return resp, err
}

// Dashboard returns the raw dashboard document.
func (c *Client) Dashboard(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, c.orgPath("dashboard"), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (Page[Event], error) {
	var resp Page[Event]
	err := c.do(ctx, http.MethodGet, withQuery(c.orgPath("events"), nil, limit, cursor), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func withQuery(endpoint string, filters url.Values, limit int, cursor string) string {
	q := url.Values{}
	for k, vs := range filters {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) orgPath(p string) string {
	org := url.PathEscape(c.OrgID)
	return fmt.Sprintf("v0/orgs/%s/%s", org, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
