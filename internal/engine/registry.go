package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"capaflow/internal/domain"
	"capaflow/internal/engine/auth"
	"capaflow/internal/events"
	"capaflow/internal/repo"
)

// NCDraft is the caller input for registering a non-conformity.
type NCDraft struct {
	Title             string     `json:"title" validate:"notblank,max=200"`
	Description       string     `json:"description,omitempty"`
	Category          string     `json:"category" validate:"notblank,max=100"`
	Severity          string     `json:"severity" validate:"notblank"`
	Source            string     `json:"source,omitempty"`
	DetectedDate      *time.Time `json:"detected_date" validate:"required"`
	ResponsibleUserID string     `json:"responsible_user_id,omitempty"`
	DueDate           *time.Time `json:"due_date,omitempty"`
}

// CreateNonConformity registers an NC at stage 1 and schedules its
// registration task in the same transaction.
func (e Engine) CreateNonConformity(ctx context.Context, c auth.Caller, d NCDraft) (nc domain.NonConformity, err error) {
	const op = "CreateNonConformity"
	ctx, span := startSpan(ctx, op, attribute.String("org.id", c.OrganizationID))
	defer func() { endSpan(span, err) }()

	cfg, err := e.authorize(ctx, op, c, auth.PermNCCreate)
	if err != nil {
		return nc, err
	}
	if err := validateInput(op, d); err != nil {
		return nc, err
	}
	sev, err := domain.ParseSeverity(d.Severity)
	if err != nil {
		return nc, validationErr(op, "severity: %v", err)
	}
	now := e.now()
	nc = domain.NonConformity{
		ID:                newID(),
		OrganizationID:    c.OrganizationID,
		Title:             strings.TrimSpace(d.Title),
		Description:       d.Description,
		Category:          strings.TrimSpace(d.Category),
		Severity:          sev,
		Source:            d.Source,
		DetectedDate:      d.DetectedDate.UTC(),
		Status:            domain.NCStatusOpen,
		CurrentStage:      domain.StageRegistration,
		DueDate:           d.DueDate,
		ResponsibleUserID: d.ResponsibleUserID,
		CreatedBy:         c.UserID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	tx, err := e.begin(ctx, op)
	if err != nil {
		return domain.NonConformity{}, err
	}
	defer tx.Rollback()

	seq, err := e.Repo.NextNCSequence(ctx, tx, c.OrganizationID, now.Year())
	if err != nil {
		return domain.NonConformity{}, dependencyErr(op, err)
	}
	nc.NCNumber = fmt.Sprintf("NC-%d-%d", now.Year(), seq)
	if err := e.Repo.InsertNonConformity(ctx, tx, nc); err != nil {
		return domain.NonConformity{}, dependencyErr(op, err)
	}
	if err := e.events().Append(ctx, tx, events.NCCreated, nc.OrganizationID, "non_conformity", nc.ID, c.UserID, events.EventPayload{
		"nc_number": nc.NCNumber,
		"severity":  nc.Severity,
		"category":  nc.Category,
	}); err != nil {
		return domain.NonConformity{}, dependencyErr(op, err)
	}
	if _, err := e.createTaskForStage(ctx, tx, cfg, nc, domain.StageRegistration, c.UserID); err != nil {
		return domain.NonConformity{}, dependencyErr(op, err)
	}
	if err := commit(op, tx); err != nil {
		return domain.NonConformity{}, err
	}
	ncCreated.WithLabelValues(string(nc.Severity)).Inc()
	e.log().Info("non-conformity registered", "org", nc.OrganizationID, "nc", nc.ID, "number", nc.NCNumber, "severity", nc.Severity)
	return nc, nil
}

func (e Engine) GetNonConformity(ctx context.Context, c auth.Caller, id string) (domain.NonConformity, error) {
	const op = "GetNonConformity"
	if _, err := e.authorize(ctx, op, c, auth.PermNCRead); err != nil {
		return domain.NonConformity{}, err
	}
	return e.loadNC(ctx, nil, op, c, id)
}

// Page selects one page of a created_at DESC, id DESC listing.
type Page struct {
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

type NCQuery struct {
	Status            string
	Stage             int
	Severity          string
	Category          string
	ParentID          string
	ResponsibleUserID string
	Page
}

func (e Engine) ListNonConformities(ctx context.Context, c auth.Caller, q NCQuery) ([]domain.NonConformity, error) {
	const op = "ListNonConformities"
	if _, err := e.authorize(ctx, op, c, auth.PermNCRead); err != nil {
		return nil, err
	}
	if q.Stage != 0 && !domain.Stage(q.Stage).Valid() {
		return nil, validationErr(op, "stage must be between 1 and 6")
	}
	if q.Severity != "" {
		sev, err := domain.ParseSeverity(q.Severity)
		if err != nil {
			return nil, validationErr(op, "severity: %v", err)
		}
		q.Severity = string(sev)
	}
	items, err := e.Repo.ListNonConformities(ctx, repo.NCFilters{
		OrganizationID:    c.OrganizationID,
		Status:            q.Status,
		Stage:             q.Stage,
		Severity:          q.Severity,
		Category:          q.Category,
		ParentID:          q.ParentID,
		ResponsibleUserID: q.ResponsibleUserID,
		Limit:             q.Limit,
		CursorCreatedAt:   q.CursorCreatedAt,
		CursorID:          q.CursorID,
	})
	if err != nil {
		return nil, dependencyErr(op, err)
	}
	return items, nil
}

// NCPatch carries descriptive fields only; nil means unchanged.
type NCPatch struct {
	Title             *string    `json:"title,omitempty" validate:"omitempty,notblank,max=200"`
	Description       *string    `json:"description,omitempty"`
	Category          *string    `json:"category,omitempty" validate:"omitempty,notblank,max=100"`
	Severity          *string    `json:"severity,omitempty"`
	Source            *string    `json:"source,omitempty"`
	DetectedDate      *time.Time `json:"detected_date,omitempty"`
	RootCause         *string    `json:"root_cause,omitempty"`
	CorrectiveAction  *string    `json:"corrective_action,omitempty"`
	PreventiveAction  *string    `json:"preventive_action,omitempty"`
	DueDate           *time.Time `json:"due_date,omitempty"`
	CompletedDate     *time.Time `json:"completed_date,omitempty"`
	ResponsibleUserID *string    `json:"responsible_user_id,omitempty"`
}

func (p NCPatch) empty() bool {
	return p == NCPatch{}
}

// engineOwnedFields may never be written through a patch.
var engineOwnedFields = map[string]bool{
	"id":                       true,
	"nc_number":                true,
	"organization_id":          true,
	"current_stage":            true,
	"stage_completed_at":       true,
	"status":                   true,
	"revision_number":          true,
	"parent_non_conformity_id": true,
	"created_by":               true,
	"created_at":               true,
	"updated_at":               true,
	"closed_at":                true,
}

// DecodeNCPatch parses a raw JSON patch. Workflow-owned keys are an
// invariant violation; unknown keys are a validation error.
func DecodeNCPatch(raw []byte) (NCPatch, error) {
	const op = "PatchNonConformity"
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return NCPatch{}, validationErr(op, "patch must be a JSON object: %v", err)
	}
	var owned []string
	for k := range keys {
		if engineOwnedFields[k] {
			owned = append(owned, k)
		}
	}
	if len(owned) > 0 {
		sort.Strings(owned)
		return NCPatch{}, invariantErr(op, "fields %s are managed by the workflow and cannot be patched", strings.Join(owned, ", "))
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var p NCPatch
	if err := dec.Decode(&p); err != nil {
		return NCPatch{}, validationErr(op, "invalid patch: %v", err)
	}
	return p, nil
}

// PatchNonConformity updates descriptive fields of an open NC.
func (e Engine) PatchNonConformity(ctx context.Context, c auth.Caller, id string, p NCPatch) (nc domain.NonConformity, err error) {
	const op = "PatchNonConformity"
	ctx, span := startSpan(ctx, op, attribute.String("nc.id", id))
	defer func() { endSpan(span, err) }()

	if _, err := e.authorize(ctx, op, c, auth.PermNCUpdate); err != nil {
		return nc, err
	}
	if p.empty() {
		return nc, validationErr(op, "patch is empty")
	}
	if err := validateInput(op, p); err != nil {
		return nc, err
	}
	tx, err := e.begin(ctx, op)
	if err != nil {
		return nc, err
	}
	defer tx.Rollback()

	nc, err = e.loadNC(ctx, tx, op, c, id)
	if err != nil {
		return domain.NonConformity{}, err
	}
	if !nc.IsOpen() {
		return domain.NonConformity{}, invariantErr(op, "non-conformity %s is %s", nc.NCNumber, nc.Status)
	}
	changed := []string{}
	setString := func(name string, dst *string, v *string) {
		if v != nil && *v != *dst {
			*dst = *v
			changed = append(changed, name)
		}
	}
	setString("title", &nc.Title, p.Title)
	setString("description", &nc.Description, p.Description)
	setString("category", &nc.Category, p.Category)
	setString("source", &nc.Source, p.Source)
	setString("root_cause", &nc.RootCause, p.RootCause)
	setString("corrective_action", &nc.CorrectiveAction, p.CorrectiveAction)
	setString("preventive_action", &nc.PreventiveAction, p.PreventiveAction)
	setString("responsible_user_id", &nc.ResponsibleUserID, p.ResponsibleUserID)
	if p.Severity != nil {
		sev, err := domain.ParseSeverity(*p.Severity)
		if err != nil {
			return domain.NonConformity{}, validationErr(op, "severity: %v", err)
		}
		if sev != nc.Severity {
			nc.Severity = sev
			changed = append(changed, "severity")
		}
	}
	if p.DetectedDate != nil {
		nc.DetectedDate = p.DetectedDate.UTC()
		changed = append(changed, "detected_date")
	}
	if p.DueDate != nil {
		d := p.DueDate.UTC()
		nc.DueDate = &d
		changed = append(changed, "due_date")
	}
	if p.CompletedDate != nil {
		d := p.CompletedDate.UTC()
		nc.CompletedDate = &d
		changed = append(changed, "completed_date")
	}
	if len(changed) == 0 {
		return nc, nil
	}
	nc.UpdatedAt = e.now()
	if err := e.Repo.UpdateNonConformity(ctx, tx, nc); err != nil {
		return domain.NonConformity{}, storeErr(op, "non-conformity", id, err)
	}
	if err := e.events().Append(ctx, tx, events.NCPatched, nc.OrganizationID, "non_conformity", nc.ID, c.UserID, events.EventPayload{"fields": changed}); err != nil {
		return domain.NonConformity{}, dependencyErr(op, err)
	}
	if err := commit(op, tx); err != nil {
		return domain.NonConformity{}, err
	}
	return nc, nil
}

// ListRevisions returns the revision chain containing id, root first.
func (e Engine) ListRevisions(ctx context.Context, c auth.Caller, id string) ([]domain.NonConformity, error) {
	const op = "ListRevisions"
	if _, err := e.authorize(ctx, op, c, auth.PermNCRead); err != nil {
		return nil, err
	}
	nc, err := e.loadNC(ctx, nil, op, c, id)
	if err != nil {
		return nil, err
	}
	chain := []domain.NonConformity{nc}
	for cur := nc; cur.ParentNonConformityID != nil; {
		parent, err := e.loadNC(ctx, nil, op, c, *cur.ParentNonConformityID)
		if err != nil {
			return nil, err
		}
		chain = append([]domain.NonConformity{parent}, chain...)
		cur = parent
	}
	for cur := nc; ; {
		child, err := e.Repo.RevisionOf(ctx, nil, cur.ID)
		if err != nil {
			if KindOf(err) == KindNotFound {
				break
			}
			return nil, dependencyErr(op, err)
		}
		chain = append(chain, child)
		cur = child
	}
	return chain, nil
}

// revisionNumber formats the NC number of a revision: the root number with
// an -R<n> suffix.
func revisionNumber(parentNumber string, revision int) string {
	root := parentNumber
	if i := strings.LastIndex(root, "-R"); i > 0 {
		if _, err := strconv.Atoi(root[i+2:]); err == nil {
			root = root[:i]
		}
	}
	return fmt.Sprintf("%s-R%d", root, revision)
}
