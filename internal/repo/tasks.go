package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"capaflow/internal/domain"
)

const taskColumns = `id,non_conformity_id,organization_id,task_type,title,COALESCE(responsible_user_id,''),due_date,status,priority,
completed_at,COALESCE(completed_by,''),created_at,updated_at`

func scanTask(s scanner) (domain.Task, error) {
	var t domain.Task
	var due, created, updated string
	var completed sql.NullString
	err := s.Scan(&t.ID, &t.NonConformityID, &t.OrganizationID, &t.TaskType, &t.Title, &t.ResponsibleUserID, &due, &t.Status, &t.Priority,
		&completed, &t.CompletedBy, &created, &updated)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if t.DueDate, err = parseTime(due); err != nil {
		return t, err
	}
	if t.CompletedAt, err = parseNullTime(completed); err != nil {
		return t, err
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return t, err
	}
	t.UpdatedAt, err = parseTime(updated)
	return t, err
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,non_conformity_id,organization_id,task_type,title,responsible_user_id,due_date,status,priority,completed_at,completed_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.NonConformityID, t.OrganizationID, t.TaskType, t.Title, nullable(t.ResponsibleUserID), formatTime(t.DueDate), t.Status, t.Priority,
		formatTimePtr(t.CompletedAt), nullable(t.CompletedBy), formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	return err
}

// UpdateTask writes the mutable task fields. The caller has already checked
// that the transition is legal.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, responsible_user_id=?, due_date=?, status=?, priority=?, completed_at=?, completed_by=?, updated_at=? WHERE id=?`,
		t.Title, nullable(t.ResponsibleUserID), formatTime(t.DueDate), t.Status, t.Priority, formatTimePtr(t.CompletedAt), nullable(t.CompletedBy),
		formatTime(t.UpdatedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteTask moves a non-terminal task to completed. It reports false when
// the task was already completed or cancelled.
func (r Repo) CompleteTask(ctx context.Context, tx *sql.Tx, id, by string, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, completed_at=?, completed_by=?, updated_at=? WHERE id=? AND status IN (?,?)`,
		domain.TaskStatusCompleted, formatTime(at), nullable(by), formatTime(at), id, domain.TaskStatusPending, domain.TaskStatusInProgress)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// OpenTask returns the pending or in-progress task of the given type for an NC.
func (r Repo) OpenTask(ctx context.Context, tx *sql.Tx, ncID string, typ domain.TaskType) (domain.Task, error) {
	return scanTask(r.conn(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE non_conformity_id=? AND task_type=? AND status IN (?,?) LIMIT 1`, ncID, typ, domain.TaskStatusPending, domain.TaskStatusInProgress))
}

// TaskFilters selects tasks. OverdueBefore keeps open tasks due strictly
// before that instant; DueOnOrAfter drops tasks due earlier.
type TaskFilters struct {
	OrganizationID    string
	NonConformityID   string
	Status            string
	TaskType          string
	ResponsibleUserID string
	OpenOnly          bool
	OverdueBefore     time.Time
	DueOnOrAfter      time.Time
	Limit             int
	CursorCreatedAt   string
	CursorID          string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	return listTasks(ctx, r.DB, f)
}

func (r Repo) ListTasksTx(ctx context.Context, tx *sql.Tx, f TaskFilters) ([]domain.Task, error) {
	return listTasks(ctx, tx, f)
}

func listTasks(ctx context.Context, q queryer, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.OrganizationID != "" {
		clauses = append(clauses, "organization_id=?")
		args = append(args, f.OrganizationID)
	}
	if f.NonConformityID != "" {
		clauses = append(clauses, "non_conformity_id=?")
		args = append(args, f.NonConformityID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.TaskType != "" {
		clauses = append(clauses, "task_type=?")
		args = append(args, f.TaskType)
	}
	if f.ResponsibleUserID != "" {
		clauses = append(clauses, "responsible_user_id=?")
		args = append(args, f.ResponsibleUserID)
	}
	if f.OpenOnly || !f.OverdueBefore.IsZero() {
		clauses = append(clauses, "status IN (?,?)")
		args = append(args, domain.TaskStatusPending, domain.TaskStatusInProgress)
	}
	if !f.OverdueBefore.IsZero() {
		clauses = append(clauses, "due_date < ?")
		args = append(args, formatTime(f.OverdueBefore))
	}
	if !f.DueOnOrAfter.IsZero() {
		clauses = append(clauses, "due_date >= ?")
		args = append(args, formatTime(f.DueOnOrAfter))
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
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
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
