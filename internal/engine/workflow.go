package engine

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"capaflow/internal/domain"
	"capaflow/internal/engine/auth"
	"capaflow/internal/events"
	"capaflow/internal/repo"
)

// AdvanceResult is the outcome of one stage transition.
type AdvanceResult struct {
	NonConformity domain.NonConformity `json:"non_conformity"`
	CompletedTask *domain.Task         `json:"completed_task,omitempty"`
	NextTask      domain.Task          `json:"next_task"`
}

// AdvanceStage moves an NC from expected to expected+1. The stamp, the stage
// move, closing the outgoing task and opening the incoming one commit as one
// unit. A caller holding a stale stage gets a StaleStageError and may re-read
// and retry.
func (e Engine) AdvanceStage(ctx context.Context, c auth.Caller, id string, expected domain.Stage) (res AdvanceResult, err error) {
	const op = "AdvanceStage"
	ctx, span := startSpan(ctx, op, attribute.String("nc.id", id), attribute.Int("expected_stage", int(expected)))
	defer func() { endSpan(span, err) }()

	cfg, err := e.authorize(ctx, op, c, auth.PermNCAdvance)
	if err != nil {
		return res, err
	}
	if !expected.Valid() {
		return res, validationErr(op, "expected stage must be between 1 and 6")
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
	if nc.CurrentStage != expected {
		staleRejections.Inc()
		return res, &StaleStageError{NonConformityID: id, Expected: expected, Actual: nc.CurrentStage}
	}
	if !nc.IsOpen() {
		return res, invariantErr(op, "non-conformity %s is %s", nc.NCNumber, nc.Status)
	}
	if nc.CurrentStage == domain.LastStage {
		return res, invariantErr(op, "stage %d is left only through an effectiveness evaluation", domain.LastStage)
	}
	if err := e.exitGate(ctx, tx, op, nc); err != nil {
		return res, err
	}

	at := e.now()
	ok, err := e.Repo.AdvanceStage(ctx, tx, nc.ID, expected, at)
	if err != nil {
		return res, dependencyErr(op, err)
	}
	if !ok {
		staleRejections.Inc()
		actual := expected
		if cur, err := e.Repo.GetNonConformityTx(ctx, tx, nc.ID); err == nil {
			actual = cur.CurrentStage
		}
		return res, &StaleStageError{NonConformityID: id, Expected: expected, Actual: actual}
	}
	next := expected + 1
	nc.StageCompletedAt[expected-1] = &at
	nc.CurrentStage = next
	nc.UpdatedAt = at
	if expected == domain.StageImplementation {
		nc.CompletedDate = &at
		if err := e.Repo.UpdateNonConformity(ctx, tx, nc); err != nil {
			return res, dependencyErr(op, err)
		}
	}

	done, err := e.completeOpenTask(ctx, tx, nc, expected, c.UserID, at)
	if err != nil {
		return res, dependencyErr(op, err)
	}
	task, err := e.createTaskForStage(ctx, tx, cfg, nc, next, c.UserID)
	if err != nil {
		return res, dependencyErr(op, err)
	}
	if err := e.events().Append(ctx, tx, events.NCStageAdvanced, nc.OrganizationID, "non_conformity", nc.ID, c.UserID, events.EventPayload{
		"from": int(expected),
		"to":   int(next),
	}); err != nil {
		return res, dependencyErr(op, err)
	}
	if err := commit(op, tx); err != nil {
		return res, err
	}
	stageTransitions.WithLabelValues(strconv.Itoa(int(expected)), strconv.Itoa(int(next))).Inc()
	if done != nil {
		tasksCompleted.WithLabelValues(string(done.TaskType)).Inc()
	}
	e.log().Info("stage advanced", "org", nc.OrganizationID, "nc", nc.ID, "from", expected, "to", next)
	return AdvanceResult{NonConformity: nc, CompletedTask: done, NextTask: task}, nil
}

// exitGate checks that the data required to leave the NC's current stage is
// present.
func (e Engine) exitGate(ctx context.Context, tx *sql.Tx, op string, nc domain.NonConformity) error {
	switch nc.CurrentStage {
	case domain.StageRegistration:
		var missing []string
		if strings.TrimSpace(nc.Title) == "" {
			missing = append(missing, "title")
		}
		if strings.TrimSpace(nc.Category) == "" {
			missing = append(missing, "category")
		}
		if nc.Severity.Rank() == 0 {
			missing = append(missing, "severity")
		}
		if nc.DetectedDate.IsZero() {
			missing = append(missing, "detected_date")
		}
		if len(missing) > 0 {
			return invariantErr(op, "registration incomplete: missing %s", strings.Join(missing, ", "))
		}
	case domain.StageImmediateAction:
		ia, err := e.Repo.GetImmediateAction(ctx, tx, nc.ID)
		if errors.Is(err, repo.ErrNotFound) || (err == nil && strings.TrimSpace(ia.Description) == "") {
			return invariantErr(op, "an immediate action must be recorded before leaving stage 2")
		}
		if err != nil {
			return dependencyErr(op, err)
		}
	case domain.StageCauseAnalysis:
		ca, err := e.Repo.GetCauseAnalysis(ctx, tx, nc.ID)
		if errors.Is(err, repo.ErrNotFound) || (err == nil && strings.TrimSpace(ca.RootCause) == "") {
			return invariantErr(op, "a cause analysis with a root cause must be recorded before leaving stage 3")
		}
		if err != nil {
			return dependencyErr(op, err)
		}
	case domain.StagePlanning:
		plan, err := e.Repo.ListPlanItems(ctx, tx, nc.ID)
		if err != nil {
			return dependencyErr(op, err)
		}
		if len(plan) == 0 {
			return invariantErr(op, "at least one action plan item is required before leaving stage 4")
		}
	case domain.StageImplementation:
		plan, err := e.Repo.ListPlanItems(ctx, tx, nc.ID)
		if err != nil {
			return dependencyErr(op, err)
		}
		pending := 0
		for _, it := range plan {
			if it.Status != domain.PlanItemCompleted {
				pending++
			}
		}
		if len(plan) == 0 {
			return invariantErr(op, "no action plan items recorded; implementation is not complete")
		}
		if pending > 0 {
			return invariantErr(op, "%d action plan item(s) still pending; implementation is not complete", pending)
		}
	}
	return nil
}
