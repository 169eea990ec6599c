package repo

import (
	"context"
	"strings"

	"capaflow/internal/domain"
)

type EventFilters struct {
	OrganizationID string
	EntityID       string
	Type           string
	// BeforeID pages backwards through the log; zero starts at the newest.
	BeforeID int64
	Limit    int
}

// ListEvents returns audit events newest first.
func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	var clauses []string
	var args []any
	if f.OrganizationID != "" {
		clauses = append(clauses, "organization_id=?")
		args = append(args, f.OrganizationID)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.BeforeID > 0 {
		clauses = append(clauses, "id < ?")
		args = append(args, f.BeforeID)
	}
	query := `SELECT id, ts, type, COALESCE(organization_id,''), entity_kind, COALESCE(entity_id,''), actor_id, payload_json FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var ev domain.Event
		if err := rows.Scan(&ev.ID, &ev.TS, &ev.Type, &ev.OrganizationID, &ev.EntityKind, &ev.EntityID, &ev.ActorID, &ev.Payload); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}
