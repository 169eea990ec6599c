package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"capaflow/internal/domain"
)

const ncColumns = `id,nc_number,organization_id,title,COALESCE(description,''),category,severity,COALESCE(source,''),detected_date,
status,current_stage,stage1_completed_at,stage2_completed_at,stage3_completed_at,stage4_completed_at,stage5_completed_at,stage6_completed_at,
revision_number,parent_non_conformity_id,COALESCE(root_cause,''),COALESCE(corrective_action,''),COALESCE(preventive_action,''),
due_date,completed_date,COALESCE(responsible_user_id,''),created_by,created_at,updated_at,closed_at`

func scanNonConformity(s scanner) (domain.NonConformity, error) {
	var nc domain.NonConformity
	var detected, created, updated string
	var stamps [6]sql.NullString
	var parent, due, completed, closed sql.NullString
	err := s.Scan(&nc.ID, &nc.NCNumber, &nc.OrganizationID, &nc.Title, &nc.Description, &nc.Category, &nc.Severity, &nc.Source, &detected,
		&nc.Status, &nc.CurrentStage, &stamps[0], &stamps[1], &stamps[2], &stamps[3], &stamps[4], &stamps[5],
		&nc.RevisionNumber, &parent, &nc.RootCause, &nc.CorrectiveAction, &nc.PreventiveAction,
		&due, &completed, &nc.ResponsibleUserID, &nc.CreatedBy, &created, &updated, &closed)
	if err == sql.ErrNoRows {
		return nc, ErrNotFound
	}
	if err != nil {
		return nc, err
	}
	if nc.DetectedDate, err = parseTime(detected); err != nil {
		return nc, err
	}
	if nc.CreatedAt, err = parseTime(created); err != nil {
		return nc, err
	}
	if nc.UpdatedAt, err = parseTime(updated); err != nil {
		return nc, err
	}
	for i := range stamps {
		if nc.StageCompletedAt[i], err = parseNullTime(stamps[i]); err != nil {
			return nc, err
		}
	}
	if parent.Valid {
		nc.ParentNonConformityID = &parent.String
	}
	if nc.DueDate, err = parseNullTime(due); err != nil {
		return nc, err
	}
	if nc.CompletedDate, err = parseNullTime(completed); err != nil {
		return nc, err
	}
	if nc.ClosedAt, err = parseNullTime(closed); err != nil {
		return nc, err
	}
	return nc, nil
}

func (r Repo) InsertNonConformity(ctx context.Context, tx *sql.Tx, nc domain.NonConformity) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO non_conformities(id,nc_number,organization_id,title,description,category,severity,source,detected_date,
status,current_stage,stage1_completed_at,stage2_completed_at,stage3_completed_at,stage4_completed_at,stage5_completed_at,stage6_completed_at,
revision_number,parent_non_conformity_id,root_cause,corrective_action,preventive_action,due_date,completed_date,responsible_user_id,
created_by,created_at,updated_at,closed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		nc.ID, nc.NCNumber, nc.OrganizationID, nc.Title, nullable(nc.Description), nc.Category, nc.Severity, nullable(nc.Source), formatTime(nc.DetectedDate),
		nc.Status, int(nc.CurrentStage),
		formatTimePtr(nc.StageCompletedAt[0]), formatTimePtr(nc.StageCompletedAt[1]), formatTimePtr(nc.StageCompletedAt[2]),
		formatTimePtr(nc.StageCompletedAt[3]), formatTimePtr(nc.StageCompletedAt[4]), formatTimePtr(nc.StageCompletedAt[5]),
		nc.RevisionNumber, nullableStringPtr(nc.ParentNonConformityID), nullable(nc.RootCause), nullable(nc.CorrectiveAction), nullable(nc.PreventiveAction),
		formatTimePtr(nc.DueDate), formatTimePtr(nc.CompletedDate), nullable(nc.ResponsibleUserID),
		nc.CreatedBy, formatTime(nc.CreatedAt), formatTime(nc.UpdatedAt), formatTimePtr(nc.ClosedAt))
	return err
}

func (r Repo) GetNonConformity(ctx context.Context, id string) (domain.NonConformity, error) {
	return scanNonConformity(r.DB.QueryRowContext(ctx, `SELECT `+ncColumns+` FROM non_conformities WHERE id=?`, id))
}

func (r Repo) GetNonConformityTx(ctx context.Context, tx *sql.Tx, id string) (domain.NonConformity, error) {
	return scanNonConformity(tx.QueryRowContext(ctx, `SELECT `+ncColumns+` FROM non_conformities WHERE id=?`, id))
}

// RevisionOf returns the NC spawned from parentID, if any.
func (r Repo) RevisionOf(ctx context.Context, tx *sql.Tx, parentID string) (domain.NonConformity, error) {
	return scanNonConformity(r.conn(tx).QueryRowContext(ctx, `SELECT `+ncColumns+` FROM non_conformities WHERE parent_non_conformity_id=?`, parentID))
}

// UpdateNonConformity writes descriptive and carried-forward fields. Workflow
// columns (stage, stamps, status, revision) are written only by AdvanceStage,
// FinishEvaluation and InsertNonConformity.
func (r Repo) UpdateNonConformity(ctx context.Context, tx *sql.Tx, nc domain.NonConformity) error {
	res, err := tx.ExecContext(ctx, `UPDATE non_conformities SET title=?, description=?, category=?, severity=?, source=?, detected_date=?,
root_cause=?, corrective_action=?, preventive_action=?, due_date=?, completed_date=?, responsible_user_id=?, updated_at=? WHERE id=?`,
		nc.Title, nullable(nc.Description), nc.Category, nc.Severity, nullable(nc.Source), formatTime(nc.DetectedDate),
		nullable(nc.RootCause), nullable(nc.CorrectiveAction), nullable(nc.PreventiveAction), formatTimePtr(nc.DueDate), formatTimePtr(nc.CompletedDate),
		nullable(nc.ResponsibleUserID), formatTime(nc.UpdatedAt), nc.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AdvanceStage stamps the expected stage and moves to the next one, but only
// if the row is still open at the expected stage. It reports whether the
// row was updated; false means another writer got there first.
func (r Repo) AdvanceStage(ctx context.Context, tx *sql.Tx, id string, expected domain.Stage, at time.Time) (bool, error) {
	if expected < domain.FirstStage || expected >= domain.LastStage {
		return false, fmt.Errorf("cannot advance from stage %d", expected)
	}
	query := fmt.Sprintf(`UPDATE non_conformities SET stage%d_completed_at=?, current_stage=?, updated_at=?
WHERE id=? AND current_stage=? AND status=? AND stage%d_completed_at IS NULL`, int(expected), int(expected))
	res, err := tx.ExecContext(ctx, query, formatTime(at), int(expected)+1, formatTime(at), id, int(expected), domain.NCStatusOpen)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FinishEvaluation stamps stage 6 and sets the terminal status of an open NC
// sitting at stage 6. ClosedAt is set only for the closed status.
func (r Repo) FinishEvaluation(ctx context.Context, tx *sql.Tx, id string, status domain.NCStatus, at time.Time) (bool, error) {
	var closedAt any
	if status == domain.NCStatusClosed {
		closedAt = formatTime(at)
	}
	res, err := tx.ExecContext(ctx, `UPDATE non_conformities SET stage6_completed_at=?, status=?, closed_at=?, updated_at=?
WHERE id=? AND current_stage=? AND status=? AND stage6_completed_at IS NULL`,
		formatTime(at), status, closedAt, formatTime(at), id, int(domain.StageEffectiveness), domain.NCStatusOpen)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// NextNCSequence returns the next free sequence for root NC numbers of the
// form NC-<year>-<seq> within an organization.
func (r Repo) NextNCSequence(ctx context.Context, tx *sql.Tx, orgID string, year int) (int, error) {
	prefix := fmt.Sprintf("NC-%d-", year)
	rows, err := tx.QueryContext(ctx, `SELECT nc_number FROM non_conformities
WHERE organization_id=? AND parent_non_conformity_id IS NULL AND nc_number LIKE ?`, orgID, prefix+"%")
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	max := 0
	for rows.Next() {
		var num string
		if err := rows.Scan(&num); err != nil {
			return 0, err
		}
		seq, err := strconv.Atoi(strings.TrimPrefix(num, prefix))
		if err != nil {
			continue
		}
		if seq > max {
			max = seq
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return max + 1, nil
}

type NCFilters struct {
	OrganizationID    string
	Status            string
	Stage             int
	Severity          string
	Category          string
	ParentID          string
	ResponsibleUserID string
	Limit             int
	CursorCreatedAt   string
	CursorID          string
}

func (r Repo) ListNonConformities(ctx context.Context, f NCFilters) ([]domain.NonConformity, error) {
	return listNonConformities(ctx, r.DB, f)
}

func (r Repo) ListNonConformitiesTx(ctx context.Context, tx *sql.Tx, f NCFilters) ([]domain.NonConformity, error) {
	return listNonConformities(ctx, tx, f)
}

func listNonConformities(ctx context.Context, q queryer, f NCFilters) ([]domain.NonConformity, error) {
	var clauses []string
	var args []any
	if f.OrganizationID != "" {
		clauses = append(clauses, "organization_id=?")
		args = append(args, f.OrganizationID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Stage > 0 {
		clauses = append(clauses, "current_stage=?")
		args = append(args, f.Stage)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, f.Severity)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_non_conformity_id=?")
		args = append(args, f.ParentID)
	}
	if f.ResponsibleUserID != "" {
		clauses = append(clauses, "responsible_user_id=?")
		args = append(args, f.ResponsibleUserID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + ncColumns + ` FROM non_conformities`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.NonConformity
	for rows.Next() {
		nc, err := scanNonConformity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, nc)
	}
	return res, rows.Err()
}
