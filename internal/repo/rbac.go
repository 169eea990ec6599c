package repo

import (
	"context"
	"database/sql"

	"capaflow/internal/domain"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) GrantRole(ctx context.Context, tx *sql.Tx, orgID, actorID, role string) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT OR IGNORE INTO org_members(organization_id, actor_id, role) VALUES (?,?,?)`, orgID, actorID, role)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, orgID, actorID, role string) error {
	res, err := r.conn(tx).ExecContext(ctx, `DELETE FROM org_members WHERE organization_id=? AND actor_id=? AND role=?`, orgID, actorID, role)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MemberRoles returns the roles an actor holds in an organization.
func (r Repo) MemberRoles(ctx context.Context, orgID, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role FROM org_members WHERE organization_id=? AND actor_id=? ORDER BY role`, orgID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r Repo) ListMembers(ctx context.Context, orgID string) ([]domain.OrgMember, error) {
	return r.ListMembersTx(ctx, nil, orgID)
}

func (r Repo) ListMembersTx(ctx context.Context, tx *sql.Tx, orgID string) ([]domain.OrgMember, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT organization_id, actor_id, role FROM org_members WHERE organization_id=? ORDER BY actor_id, role`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []domain.OrgMember
	for rows.Next() {
		var m domain.OrgMember
		if err := rows.Scan(&m.OrganizationID, &m.ActorID, &m.Role); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}
