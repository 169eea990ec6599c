package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"capaflow/internal/domain"
)

func (r Repo) GetImmediateAction(ctx context.Context, tx *sql.Tx, ncID string) (domain.ImmediateAction, error) {
	var ia domain.ImmediateAction
	var actionDate sql.NullString
	var created, updated string
	err := r.conn(tx).QueryRowContext(ctx, `SELECT id,non_conformity_id,description,COALESCE(responsible_user_id,''),action_date,COALESCE(evidence,''),created_by,created_at,updated_at
FROM immediate_actions WHERE non_conformity_id=?`, ncID).
		Scan(&ia.ID, &ia.NonConformityID, &ia.Description, &ia.ResponsibleUserID, &actionDate, &ia.Evidence, &ia.CreatedBy, &created, &updated)
	if err == sql.ErrNoRows {
		return ia, ErrNotFound
	}
	if err != nil {
		return ia, err
	}
	if ia.ActionDate, err = parseNullTime(actionDate); err != nil {
		return ia, err
	}
	if ia.CreatedAt, err = parseTime(created); err != nil {
		return ia, err
	}
	ia.UpdatedAt, err = parseTime(updated)
	return ia, err
}

// UpsertImmediateAction keeps one row per NC; a resubmission replaces the
// mutable fields and keeps the original id and creation stamp.
func (r Repo) UpsertImmediateAction(ctx context.Context, tx *sql.Tx, ia domain.ImmediateAction) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO immediate_actions(id,non_conformity_id,description,responsible_user_id,action_date,evidence,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(non_conformity_id) DO UPDATE SET description=excluded.description, responsible_user_id=excluded.responsible_user_id,
action_date=excluded.action_date, evidence=excluded.evidence, updated_at=excluded.updated_at`,
		ia.ID, ia.NonConformityID, ia.Description, nullable(ia.ResponsibleUserID), formatTimePtr(ia.ActionDate), nullable(ia.Evidence),
		ia.CreatedBy, formatTime(ia.CreatedAt), formatTime(ia.UpdatedAt))
	return err
}

func (r Repo) GetCauseAnalysis(ctx context.Context, tx *sql.Tx, ncID string) (domain.CauseAnalysis, error) {
	var ca domain.CauseAnalysis
	var ishikawa, whys sql.NullString
	var created, updated string
	err := r.conn(tx).QueryRowContext(ctx, `SELECT id,non_conformity_id,method,root_cause,ishikawa_json,five_whys_json,created_by,created_at,updated_at
FROM cause_analyses WHERE non_conformity_id=?`, ncID).
		Scan(&ca.ID, &ca.NonConformityID, &ca.Method, &ca.RootCause, &ishikawa, &whys, &ca.CreatedBy, &created, &updated)
	if err == sql.ErrNoRows {
		return ca, ErrNotFound
	}
	if err != nil {
		return ca, err
	}
	if ishikawa.Valid && ishikawa.String != "" {
		if err := json.Unmarshal([]byte(ishikawa.String), &ca.Ishikawa); err != nil {
			return ca, err
		}
	}
	if whys.Valid && whys.String != "" {
		if err := json.Unmarshal([]byte(whys.String), &ca.FiveWhys); err != nil {
			return ca, err
		}
	}
	if ca.CreatedAt, err = parseTime(created); err != nil {
		return ca, err
	}
	ca.UpdatedAt, err = parseTime(updated)
	return ca, err
}

func (r Repo) UpsertCauseAnalysis(ctx context.Context, tx *sql.Tx, ca domain.CauseAnalysis) error {
	ishikawa, err := marshalOptional(len(ca.Ishikawa) > 0, ca.Ishikawa)
	if err != nil {
		return err
	}
	whys, err := marshalOptional(len(ca.FiveWhys) > 0, ca.FiveWhys)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO cause_analyses(id,non_conformity_id,method,root_cause,ishikawa_json,five_whys_json,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(non_conformity_id) DO UPDATE SET method=excluded.method, root_cause=excluded.root_cause,
ishikawa_json=excluded.ishikawa_json, five_whys_json=excluded.five_whys_json, updated_at=excluded.updated_at`,
		ca.ID, ca.NonConformityID, ca.Method, ca.RootCause, ishikawa, whys, ca.CreatedBy, formatTime(ca.CreatedAt), formatTime(ca.UpdatedAt))
	return err
}

func marshalOptional(present bool, v any) (any, error) {
	if !present {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

const planItemColumns = `id,non_conformity_id,position,action,kind,responsible_user_id,deadline,status,completed_at,COALESCE(completed_by,''),created_at`

func scanPlanItem(s scanner) (domain.ActionPlanItem, error) {
	var it domain.ActionPlanItem
	var deadline, created string
	var completed sql.NullString
	err := s.Scan(&it.ID, &it.NonConformityID, &it.Position, &it.Action, &it.Kind, &it.ResponsibleUserID, &deadline, &it.Status, &completed, &it.CompletedBy, &created)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if it.Deadline, err = parseTime(deadline); err != nil {
		return it, err
	}
	if it.CompletedAt, err = parseNullTime(completed); err != nil {
		return it, err
	}
	it.CreatedAt, err = parseTime(created)
	return it, err
}

func (r Repo) InsertPlanItem(ctx context.Context, tx *sql.Tx, it domain.ActionPlanItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO action_plan_items(id,non_conformity_id,position,action,kind,responsible_user_id,deadline,status,completed_at,completed_by,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.NonConformityID, it.Position, it.Action, it.Kind, it.ResponsibleUserID, formatTime(it.Deadline), it.Status,
		formatTimePtr(it.CompletedAt), nullable(it.CompletedBy), formatTime(it.CreatedAt))
	return err
}

func (r Repo) GetPlanItem(ctx context.Context, tx *sql.Tx, id string) (domain.ActionPlanItem, error) {
	return scanPlanItem(r.conn(tx).QueryRowContext(ctx, `SELECT `+planItemColumns+` FROM action_plan_items WHERE id=?`, id))
}

// ListPlanItems returns the action plan of an NC in position order.
func (r Repo) ListPlanItems(ctx context.Context, tx *sql.Tx, ncID string) ([]domain.ActionPlanItem, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT `+planItemColumns+` FROM action_plan_items WHERE non_conformity_id=? ORDER BY position ASC`, ncID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.ActionPlanItem
	for rows.Next() {
		it, err := scanPlanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r Repo) NextPlanPosition(ctx context.Context, tx *sql.Tx, ncID string) (int, error) {
	var max sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(position) FROM action_plan_items WHERE non_conformity_id=?`, ncID).Scan(&max); err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

// CompletePlanItem marks a pending item completed. It reports false when the
// item was already completed.
func (r Repo) CompletePlanItem(ctx context.Context, tx *sql.Tx, id, by string, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE action_plan_items SET status=?, completed_at=?, completed_by=? WHERE id=? AND status=?`,
		domain.PlanItemCompleted, formatTime(at), by, id, domain.PlanItemPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) GetEvaluation(ctx context.Context, tx *sql.Tx, ncID string) (domain.EffectivenessEvaluation, error) {
	var ev domain.EffectivenessEvaluation
	var effective sql.NullInt64
	var risk, sgq int
	var postponed, evaluatedAt, revision sql.NullString
	var created, updated string
	err := r.conn(tx).QueryRowContext(ctx, `SELECT id,non_conformity_id,is_effective,COALESCE(evidence,''),requires_risk_update,requires_sgq_change,
postponed_to,evaluated_by,evaluated_at,generated_revision_nc_id,created_at,updated_at
FROM effectiveness_evaluations WHERE non_conformity_id=?`, ncID).
		Scan(&ev.ID, &ev.NonConformityID, &effective, &ev.Evidence, &risk, &sgq, &postponed, &ev.EvaluatedBy, &evaluatedAt, &revision, &created, &updated)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	if err != nil {
		return ev, err
	}
	if effective.Valid {
		v := effective.Int64 == 1
		ev.IsEffective = &v
	}
	ev.RequiresRiskUpdate = risk == 1
	ev.RequiresSGQChange = sgq == 1
	if ev.PostponedTo, err = parseNullTime(postponed); err != nil {
		return ev, err
	}
	if ev.EvaluatedAt, err = parseNullTime(evaluatedAt); err != nil {
		return ev, err
	}
	if revision.Valid {
		ev.GeneratedRevisionNonConformityID = &revision.String
	}
	if ev.CreatedAt, err = parseTime(created); err != nil {
		return ev, err
	}
	ev.UpdatedAt, err = parseTime(updated)
	return ev, err
}

func (r Repo) UpsertEvaluation(ctx context.Context, tx *sql.Tx, ev domain.EffectivenessEvaluation) error {
	var effective any
	if ev.IsEffective != nil {
		effective = boolInt(*ev.IsEffective)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO effectiveness_evaluations(id,non_conformity_id,is_effective,evidence,requires_risk_update,requires_sgq_change,
postponed_to,evaluated_by,evaluated_at,generated_revision_nc_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(non_conformity_id) DO UPDATE SET is_effective=excluded.is_effective, evidence=excluded.evidence,
requires_risk_update=excluded.requires_risk_update, requires_sgq_change=excluded.requires_sgq_change, postponed_to=excluded.postponed_to,
evaluated_by=excluded.evaluated_by, evaluated_at=excluded.evaluated_at, generated_revision_nc_id=excluded.generated_revision_nc_id,
updated_at=excluded.updated_at`,
		ev.ID, ev.NonConformityID, effective, nullable(ev.Evidence), boolInt(ev.RequiresRiskUpdate), boolInt(ev.RequiresSGQChange),
		formatTimePtr(ev.PostponedTo), ev.EvaluatedBy, formatTimePtr(ev.EvaluatedAt), nullableStringPtr(ev.GeneratedRevisionNonConformityID),
		formatTime(ev.CreatedAt), formatTime(ev.UpdatedAt))
	return err
}

// SetEvaluationRevision links the revision spawned by a failed evaluation.
func (r Repo) SetEvaluationRevision(ctx context.Context, tx *sql.Tx, ncID, revisionID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE effectiveness_evaluations SET generated_revision_nc_id=? WHERE non_conformity_id=?`, revisionID, ncID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
