package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"capaflow/internal/config"
	"capaflow/internal/domain"
	"capaflow/internal/engine/auth"
	"capaflow/internal/events"
	"capaflow/internal/repo"
)

type ImmediateActionInput struct {
	Description       string     `json:"description" validate:"notblank"`
	ResponsibleUserID string     `json:"responsible_user_id,omitempty"`
	ActionDate        *time.Time `json:"action_date,omitempty"`
	Evidence          string     `json:"evidence,omitempty"`
}

type CauseAnalysisInput struct {
	Method    string              `json:"method,omitempty"`
	RootCause string              `json:"root_cause" validate:"notblank"`
	Ishikawa  map[string][]string `json:"ishikawa,omitempty"`
	FiveWhys  []string            `json:"five_whys,omitempty" validate:"max=10"`
}

type PlanItemInput struct {
	Action            string     `json:"action" validate:"notblank"`
	Kind              string     `json:"kind,omitempty" validate:"omitempty,oneof=corrective preventive"`
	ResponsibleUserID string     `json:"responsible_user_id" validate:"notblank"`
	Deadline          *time.Time `json:"deadline" validate:"required"`
}

// payloadWindow reports whether a payload for stage s may be written: the NC
// must be open and at stage s-1 or s, and stage s must not be completed yet.
func payloadWindow(op string, nc domain.NonConformity, s domain.Stage) error {
	if !nc.IsOpen() {
		return invariantErr(op, "non-conformity %s is %s", nc.NCNumber, nc.Status)
	}
	if nc.StageCompleted(s) {
		return invariantErr(op, "stage %s of %s is already completed", s, nc.NCNumber)
	}
	if nc.CurrentStage < s-1 {
		return invariantErr(op, "%s is at stage %d; %s data is accepted from stage %d", nc.NCNumber, nc.CurrentStage, s, s-1)
	}
	return nil
}

// withStagePayload runs fn inside one transaction after the tenant, role and
// stage-window checks shared by every stage payload.
func (e Engine) withStagePayload(ctx context.Context, op string, c auth.Caller, ncID string, s domain.Stage, fn func(tx *sql.Tx, cfg *config.Config, nc domain.NonConformity) error) (err error) {
	ctx, span := startSpan(ctx, op, attribute.String("nc.id", ncID), attribute.Int("stage", int(s)))
	defer func() { endSpan(span, err) }()

	cfg, err := e.authorize(ctx, op, c, auth.PermStageSubmit)
	if err != nil {
		return err
	}
	tx, err := e.begin(ctx, op)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	nc, err := e.loadNC(ctx, tx, op, c, ncID)
	if err != nil {
		return err
	}
	if err := payloadWindow(op, nc, s); err != nil {
		return err
	}
	if err := fn(tx, cfg, nc); err != nil {
		if KindOf(err) != "" {
			return err
		}
		return dependencyErr(op, err)
	}
	return commit(op, tx)
}

// SubmitStagePayload dispatches a stage payload to its store by stage number.
// Effectiveness payloads go through EvaluateEffectiveness.
func (e Engine) SubmitStagePayload(ctx context.Context, c auth.Caller, ncID string, p domain.StagePayload) (domain.StagePayload, error) {
	const op = "SubmitStagePayload"
	if p == nil {
		return nil, validationErr(op, "payload is required")
	}
	var (
		out domain.StagePayload
		err error
	)
	switch p.Stage() {
	case domain.StageImmediateAction:
		ia, ok := p.(domain.ImmediateAction)
		if !ok {
			break
		}
		var res domain.ImmediateAction
		res, err = e.SubmitImmediateAction(ctx, c, ncID, ImmediateActionInput{
			Description:       ia.Description,
			ResponsibleUserID: ia.ResponsibleUserID,
			ActionDate:        ia.ActionDate,
			Evidence:          ia.Evidence,
		})
		out = res
	case domain.StageCauseAnalysis:
		ca, ok := p.(domain.CauseAnalysis)
		if !ok {
			break
		}
		var res domain.CauseAnalysis
		res, err = e.SubmitCauseAnalysis(ctx, c, ncID, CauseAnalysisInput{
			Method:    string(ca.Method),
			RootCause: ca.RootCause,
			Ishikawa:  ca.Ishikawa,
			FiveWhys:  ca.FiveWhys,
		})
		out = res
	case domain.StagePlanning:
		it, ok := p.(domain.ActionPlanItem)
		if !ok {
			break
		}
		deadline := it.Deadline
		var res domain.ActionPlanItem
		res, err = e.AddActionPlanItem(ctx, c, ncID, PlanItemInput{
			Action:            it.Action,
			Kind:              it.Kind,
			ResponsibleUserID: it.ResponsibleUserID,
			Deadline:          &deadline,
		})
		out = res
	default:
		return nil, validationErr(op, "stage %s payloads are not submitted directly", p.Stage())
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, validationErr(op, "unsupported payload %T", p)
	}
	return out, nil
}

// SubmitImmediateAction records or replaces the stage 2 containment action.
func (e Engine) SubmitImmediateAction(ctx context.Context, c auth.Caller, ncID string, in ImmediateActionInput) (domain.ImmediateAction, error) {
	const op = "SubmitImmediateAction"
	if err := validateInput(op, in); err != nil {
		return domain.ImmediateAction{}, err
	}
	var ia domain.ImmediateAction
	err := e.withStagePayload(ctx, op, c, ncID, domain.StageImmediateAction, func(tx *sql.Tx, _ *config.Config, nc domain.NonConformity) error {
		now := e.now()
		existing, err := e.Repo.GetImmediateAction(ctx, tx, nc.ID)
		switch {
		case err == nil:
			ia = existing
		case errors.Is(err, repo.ErrNotFound):
			ia = domain.ImmediateAction{ID: newID(), NonConformityID: nc.ID, CreatedBy: c.UserID, CreatedAt: now}
		default:
			return err
		}
		ia.Description = strings.TrimSpace(in.Description)
		ia.ResponsibleUserID = in.ResponsibleUserID
		ia.ActionDate = in.ActionDate
		ia.Evidence = in.Evidence
		ia.UpdatedAt = now
		if err := e.Repo.UpsertImmediateAction(ctx, tx, ia); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.ImmediateActionSet, nc.OrganizationID, "non_conformity", nc.ID, c.UserID, events.EventPayload{
			"immediate_action_id": ia.ID,
		})
	})
	return ia, err
}

// SubmitCauseAnalysis records or replaces the stage 3 analysis and carries
// the root cause onto the NC.
func (e Engine) SubmitCauseAnalysis(ctx context.Context, c auth.Caller, ncID string, in CauseAnalysisInput) (domain.CauseAnalysis, error) {
	const op = "SubmitCauseAnalysis"
	if err := validateInput(op, in); err != nil {
		return domain.CauseAnalysis{}, err
	}
	method, err := domain.ParseAnalysisMethod(in.Method)
	if err != nil {
		return domain.CauseAnalysis{}, validationErr(op, "method: %v", err)
	}
	switch {
	case method == domain.MethodIshikawa && len(in.Ishikawa) == 0:
		return domain.CauseAnalysis{}, validationErr(op, "ishikawa is required for the ishikawa method")
	case method == domain.MethodFiveWhys && len(in.FiveWhys) == 0:
		return domain.CauseAnalysis{}, validationErr(op, "five_whys is required for the five_whys method")
	}
	var ca domain.CauseAnalysis
	err = e.withStagePayload(ctx, op, c, ncID, domain.StageCauseAnalysis, func(tx *sql.Tx, _ *config.Config, nc domain.NonConformity) error {
		now := e.now()
		existing, err := e.Repo.GetCauseAnalysis(ctx, tx, nc.ID)
		switch {
		case err == nil:
			ca = existing
		case errors.Is(err, repo.ErrNotFound):
			ca = domain.CauseAnalysis{ID: newID(), NonConformityID: nc.ID, CreatedBy: c.UserID, CreatedAt: now}
		default:
			return err
		}
		ca.Method = method
		ca.RootCause = strings.TrimSpace(in.RootCause)
		ca.Ishikawa = in.Ishikawa
		ca.FiveWhys = in.FiveWhys
		ca.UpdatedAt = now
		if err := e.Repo.UpsertCauseAnalysis(ctx, tx, ca); err != nil {
			return err
		}
		nc.RootCause = ca.RootCause
		nc.UpdatedAt = now
		if err := e.Repo.UpdateNonConformity(ctx, tx, nc); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.CauseAnalysisSet, nc.OrganizationID, "non_conformity", nc.ID, c.UserID, events.EventPayload{
			"cause_analysis_id": ca.ID,
			"method":            ca.Method,
		})
	})
	return ca, err
}

// AddActionPlanItem appends a stage 4 item and refreshes the NC's action
// summaries and due date from the whole plan.
func (e Engine) AddActionPlanItem(ctx context.Context, c auth.Caller, ncID string, in PlanItemInput) (domain.ActionPlanItem, error) {
	const op = "AddActionPlanItem"
	if err := validateInput(op, in); err != nil {
		return domain.ActionPlanItem{}, err
	}
	if in.Kind == "" {
		in.Kind = "corrective"
	}
	var it domain.ActionPlanItem
	err := e.withStagePayload(ctx, op, c, ncID, domain.StagePlanning, func(tx *sql.Tx, _ *config.Config, nc domain.NonConformity) error {
		pos, err := e.Repo.NextPlanPosition(ctx, tx, nc.ID)
		if err != nil {
			return err
		}
		it = domain.ActionPlanItem{
			ID:                newID(),
			NonConformityID:   nc.ID,
			Position:          pos,
			Action:            strings.TrimSpace(in.Action),
			Kind:              in.Kind,
			ResponsibleUserID: in.ResponsibleUserID,
			Deadline:          in.Deadline.UTC(),
			Status:            domain.PlanItemPending,
			CreatedAt:         e.now(),
		}
		if err := e.Repo.InsertPlanItem(ctx, tx, it); err != nil {
			return err
		}
		plan, err := e.Repo.ListPlanItems(ctx, tx, nc.ID)
		if err != nil {
			return err
		}
		nc.CorrectiveAction = planSummary(plan, "corrective")
		nc.PreventiveAction = planSummary(plan, "preventive")
		if latest, ok := latestDeadline(plan); ok {
			nc.DueDate = &latest
		}
		nc.UpdatedAt = e.now()
		if err := e.Repo.UpdateNonConformity(ctx, tx, nc); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.PlanItemAdded, nc.OrganizationID, "non_conformity", nc.ID, c.UserID, events.EventPayload{
			"plan_item_id": it.ID,
			"position":     it.Position,
			"deadline":     it.Deadline.Format(time.RFC3339),
		})
	})
	return it, err
}

// CompleteActionPlanItem marks one plan item done. This is implementation
// work, so it is accepted from stage 4 until stage 5 is completed.
func (e Engine) CompleteActionPlanItem(ctx context.Context, c auth.Caller, ncID, itemID string) (domain.ActionPlanItem, error) {
	const op = "CompleteActionPlanItem"
	var it domain.ActionPlanItem
	err := e.withStagePayload(ctx, op, c, ncID, domain.StageImplementation, func(tx *sql.Tx, _ *config.Config, nc domain.NonConformity) error {
		var err error
		it, err = e.Repo.GetPlanItem(ctx, tx, itemID)
		if err != nil {
			return storeErr(op, "action plan item", itemID, err)
		}
		if it.NonConformityID != nc.ID {
			return notFoundErr(op, "action plan item", itemID)
		}
		if it.Status == domain.PlanItemCompleted {
			return invariantErr(op, "action plan item %s is already completed", itemID)
		}
		now := e.now()
		ok, err := e.Repo.CompletePlanItem(ctx, tx, it.ID, c.UserID, now)
		if err != nil {
			return err
		}
		if !ok {
			return invariantErr(op, "action plan item %s is already completed", itemID)
		}
		it.Status = domain.PlanItemCompleted
		it.CompletedAt = &now
		it.CompletedBy = c.UserID
		return e.events().Append(ctx, tx, events.PlanItemCompleted, nc.OrganizationID, "non_conformity", nc.ID, c.UserID, events.EventPayload{
			"plan_item_id": it.ID,
		})
	})
	return it, err
}

// GetStageRecords returns every sub-record of an NC.
func (e Engine) GetStageRecords(ctx context.Context, c auth.Caller, ncID string) (domain.StageRecords, error) {
	const op = "GetStageRecords"
	var recs domain.StageRecords
	if _, err := e.authorize(ctx, op, c, auth.PermNCRead); err != nil {
		return recs, err
	}
	nc, err := e.loadNC(ctx, nil, op, c, ncID)
	if err != nil {
		return recs, err
	}
	if ia, err := e.Repo.GetImmediateAction(ctx, nil, nc.ID); err == nil {
		recs.ImmediateAction = &ia
	} else if !errors.Is(err, repo.ErrNotFound) {
		return recs, dependencyErr(op, err)
	}
	if ca, err := e.Repo.GetCauseAnalysis(ctx, nil, nc.ID); err == nil {
		recs.CauseAnalysis = &ca
	} else if !errors.Is(err, repo.ErrNotFound) {
		return recs, dependencyErr(op, err)
	}
	plan, err := e.Repo.ListPlanItems(ctx, nil, nc.ID)
	if err != nil {
		return recs, dependencyErr(op, err)
	}
	recs.ActionPlan = plan
	if recs.ActionPlan == nil {
		recs.ActionPlan = []domain.ActionPlanItem{}
	}
	if ev, err := e.Repo.GetEvaluation(ctx, nil, nc.ID); err == nil {
		recs.Effectiveness = &ev
	} else if !errors.Is(err, repo.ErrNotFound) {
		return recs, dependencyErr(op, err)
	}
	return recs, nil
}

func planSummary(plan []domain.ActionPlanItem, kind string) string {
	var parts []string
	for _, it := range plan {
		if it.Kind == kind {
			parts = append(parts, fmt.Sprintf("%d. %s", it.Position, it.Action))
		}
	}
	return strings.Join(parts, "\n")
}
