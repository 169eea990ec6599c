package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"capaflow/internal/config"
	"capaflow/internal/domain"
	"capaflow/internal/engine/auth"
	"capaflow/internal/events"
	"capaflow/internal/repo"
)

type EvaluationInput struct {
	IsEffective        *bool      `json:"is_effective,omitempty"`
	Evidence           string     `json:"evidence,omitempty"`
	RequiresRiskUpdate bool       `json:"requires_risk_update,omitempty"`
	RequiresSGQChange  bool       `json:"requires_sgq_change,omitempty"`
	PostponedTo        *time.Time `json:"postponed_to,omitempty"`
}

// EvaluationResult carries the evaluated NC and, after a failed evaluation,
// the revision spawned from it.
type EvaluationResult struct {
	NonConformity domain.NonConformity           `json:"non_conformity"`
	Evaluation    domain.EffectivenessEvaluation `json:"evaluation"`
	Revision      *domain.NonConformity          `json:"revision,omitempty"`
	RevisionTask  *domain.Task                   `json:"revision_task,omitempty"`
}

// EvaluateEffectiveness records the stage 6 judgement. A postponement only
// reschedules the evaluation task. An effective verdict closes the NC. An
// ineffective verdict stamps stage 6, marks the NC superseded and opens a
// linked revision that re-enters the workflow at the configured stage.
func (e Engine) EvaluateEffectiveness(ctx context.Context, c auth.Caller, id string, in EvaluationInput) (res EvaluationResult, err error) {
	const op = "EvaluateEffectiveness"
	ctx, span := startSpan(ctx, op, attribute.String("nc.id", id))
	defer func() { endSpan(span, err) }()

	cfg, err := e.authorize(ctx, op, c, auth.PermNCEvaluate)
	if err != nil {
		return res, err
	}
	if in.PostponedTo == nil && in.IsEffective == nil {
		return res, validationErr(op, "is_effective or postponed_to is required")
	}
	now := e.now()
	if in.PostponedTo != nil && domain.DaysBetween(now, *in.PostponedTo) < 1 {
		return res, validationErr(op, "postponed_to must be after today")
	}

	tx, err := e.begin(ctx, op)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	nc, err := e.loadNC(ctx, tx, op, c, id)
	if err != nil {
		return res, err
	}
	if nc.StageCompleted(domain.StageEffectiveness) {
		return res, invariantErr(op, "non-conformity %s has already been evaluated", nc.NCNumber)
	}
	if !nc.IsOpen() {
		return res, invariantErr(op, "non-conformity %s is %s", nc.NCNumber, nc.Status)
	}
	if nc.CurrentStage != domain.StageEffectiveness {
		return res, invariantErr(op, "effectiveness is evaluated at stage 6; %s is at stage %d", nc.NCNumber, nc.CurrentStage)
	}

	ev, err := e.Repo.GetEvaluation(ctx, tx, nc.ID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		ev = domain.EffectivenessEvaluation{ID: newID(), NonConformityID: nc.ID, CreatedAt: now}
	case err != nil:
		return res, dependencyErr(op, err)
	}
	ev.EvaluatedBy = c.UserID
	ev.UpdatedAt = now

	if in.PostponedTo != nil {
		res, err = e.postponeEvaluation(ctx, tx, op, cfg, c, nc, ev, in.PostponedTo.UTC())
		if err != nil {
			return res, err
		}
		if err := commit(op, tx); err != nil {
			return EvaluationResult{}, err
		}
		evaluations.WithLabelValues("postponed").Inc()
		return res, nil
	}

	effective := *in.IsEffective
	ev.IsEffective = &effective
	ev.Evidence = in.Evidence
	ev.RequiresRiskUpdate = in.RequiresRiskUpdate
	ev.RequiresSGQChange = in.RequiresSGQChange
	ev.EvaluatedAt = &now
	if err := e.Repo.UpsertEvaluation(ctx, tx, ev); err != nil {
		return res, dependencyErr(op, err)
	}

	status := domain.NCStatusClosed
	if !effective {
		status = domain.NCStatusSuperseded
	}
	ok, err := e.Repo.FinishEvaluation(ctx, tx, nc.ID, status, now)
	if err != nil {
		return res, dependencyErr(op, err)
	}
	if !ok {
		return res, invariantErr(op, "non-conformity %s changed while being evaluated", nc.NCNumber)
	}
	nc.StageCompletedAt[domain.StageEffectiveness-1] = &now
	nc.Status = status
	nc.UpdatedAt = now
	if effective {
		nc.ClosedAt = &now
	}
	done, err := e.completeOpenTask(ctx, tx, nc, domain.StageEffectiveness, c.UserID, now)
	if err != nil {
		return res, dependencyErr(op, err)
	}
	if err := e.events().Append(ctx, tx, events.EvaluationRecorded, nc.OrganizationID, "non_conformity", nc.ID, c.UserID, events.EventPayload{
		"is_effective":         effective,
		"requires_risk_update": ev.RequiresRiskUpdate,
		"requires_sgq_change":  ev.RequiresSGQChange,
	}); err != nil {
		return res, dependencyErr(op, err)
	}
	res = EvaluationResult{NonConformity: nc, Evaluation: ev}

	if effective {
		if err := e.events().Append(ctx, tx, events.NCClosed, nc.OrganizationID, "non_conformity", nc.ID, c.UserID, nil); err != nil {
			return res, dependencyErr(op, err)
		}
	} else {
		rev, task, err := e.spawnRevision(ctx, tx, cfg, c, nc, now)
		if err != nil {
			return EvaluationResult{}, dependencyErr(op, err)
		}
		if err := e.Repo.SetEvaluationRevision(ctx, tx, nc.ID, rev.ID); err != nil {
			return EvaluationResult{}, dependencyErr(op, err)
		}
		res.Evaluation.GeneratedRevisionNonConformityID = &rev.ID
		res.Revision = &rev
		res.RevisionTask = &task
		if err := e.events().Append(ctx, tx, events.NCSuperseded, nc.OrganizationID, "non_conformity", nc.ID, c.UserID, events.EventPayload{
			"revision_id": rev.ID,
		}); err != nil {
			return EvaluationResult{}, dependencyErr(op, err)
		}
	}
	if err := commit(op, tx); err != nil {
		return EvaluationResult{}, err
	}

	if done != nil {
		tasksCompleted.WithLabelValues(string(done.TaskType)).Inc()
	}
	if effective {
		evaluations.WithLabelValues("effective").Inc()
		e.log().Info("non-conformity closed", "org", nc.OrganizationID, "nc", nc.ID)
	} else {
		evaluations.WithLabelValues("not_effective").Inc()
		revisionsCreated.Inc()
		e.log().Info("revision opened", "org", nc.OrganizationID, "nc", nc.ID, "revision", res.Revision.ID, "number", res.Revision.NCNumber)
	}
	return res, nil
}

func (e Engine) postponeEvaluation(ctx context.Context, tx *sql.Tx, op string, cfg *config.Config, c auth.Caller, nc domain.NonConformity, ev domain.EffectivenessEvaluation, to time.Time) (EvaluationResult, error) {
	ev.PostponedTo = &to
	if err := e.Repo.UpsertEvaluation(ctx, tx, ev); err != nil {
		return EvaluationResult{}, dependencyErr(op, err)
	}
	task, err := e.Repo.OpenTask(ctx, tx, nc.ID, domain.TaskTypeEffectiveness)
	if errors.Is(err, repo.ErrNotFound) {
		task, err = e.createTaskForStage(ctx, tx, cfg, nc, domain.StageEffectiveness, c.UserID)
	}
	if err != nil {
		return EvaluationResult{}, dependencyErr(op, err)
	}
	previous := task.DueDate
	task.DueDate = to
	task.UpdatedAt = e.now()
	if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
		return EvaluationResult{}, dependencyErr(op, err)
	}
	if err := e.events().Append(ctx, tx, events.TaskRescheduled, nc.OrganizationID, "task", task.ID, c.UserID, events.EventPayload{
		"from": previous.Format(time.RFC3339),
		"to":   to.Format(time.RFC3339),
	}); err != nil {
		return EvaluationResult{}, dependencyErr(op, err)
	}
	if err := e.events().Append(ctx, tx, events.EvaluationPostponed, nc.OrganizationID, "non_conformity", nc.ID, c.UserID, events.EventPayload{
		"postponed_to": to.Format(time.RFC3339),
	}); err != nil {
		return EvaluationResult{}, dependencyErr(op, err)
	}
	return EvaluationResult{NonConformity: nc, Evaluation: ev}, nil
}

// spawnRevision creates the child NC of a failed evaluation. Classification
// is inherited, detection restarts at the evaluation date and every stage
// before the configured reset stage is stamped complete.
func (e Engine) spawnRevision(ctx context.Context, tx *sql.Tx, cfg *config.Config, c auth.Caller, parent domain.NonConformity, at time.Time) (domain.NonConformity, domain.Task, error) {
	reset := domain.Stage(cfg.Revision.ResetStage)
	if reset < domain.StageRegistration || reset > domain.StageCauseAnalysis {
		reset = domain.StageImmediateAction
	}
	parentID := parent.ID
	rev := domain.NonConformity{
		ID:                    newID(),
		NCNumber:              revisionNumber(parent.NCNumber, parent.RevisionNumber+1),
		OrganizationID:        parent.OrganizationID,
		Title:                 parent.Title,
		Description:           parent.Description,
		Category:              parent.Category,
		Severity:              parent.Severity,
		Source:                parent.Source,
		DetectedDate:          at,
		Status:                domain.NCStatusOpen,
		CurrentStage:          reset,
		RevisionNumber:        parent.RevisionNumber + 1,
		ParentNonConformityID: &parentID,
		ResponsibleUserID:     parent.ResponsibleUserID,
		CreatedBy:             c.UserID,
		CreatedAt:             at,
		UpdatedAt:             at,
	}
	for s := domain.FirstStage; s < reset; s++ {
		stamp := at
		rev.StageCompletedAt[s-1] = &stamp
	}
	if err := e.Repo.InsertNonConformity(ctx, tx, rev); err != nil {
		return domain.NonConformity{}, domain.Task{}, err
	}
	if err := e.events().Append(ctx, tx, events.NCRevisionCreated, rev.OrganizationID, "non_conformity", rev.ID, c.UserID, events.EventPayload{
		"parent_id":       parent.ID,
		"revision_number": rev.RevisionNumber,
		"nc_number":       rev.NCNumber,
		"entry_stage":     int(reset),
	}); err != nil {
		return domain.NonConformity{}, domain.Task{}, err
	}
	task, err := e.createTaskForStage(ctx, tx, cfg, rev, reset, c.UserID)
	if err != nil {
		return domain.NonConformity{}, domain.Task{}, err
	}
	return rev, task, nil
}
