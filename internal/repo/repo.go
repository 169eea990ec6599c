package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"capaflow/internal/config"
	"capaflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (r Repo) conn(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

const timeLayout = time.RFC3339

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", v, err)
	}
	return t.UTC(), nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// EnsureOrg inserts the organization row if missing.
func (r Repo) EnsureOrg(ctx context.Context, tx *sql.Tx, orgID, name, now string) error {
	if name == "" {
		name = orgID
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT OR IGNORE INTO organizations(id, name, created_at) VALUES (?,?,?)`, orgID, name, now)
	return err
}

func (r Repo) GetOrganization(ctx context.Context, id string) (domain.Organization, error) {
	var o domain.Organization
	var created string
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM organizations WHERE id=?`, id).Scan(&o.ID, &o.Name, &created)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.CreatedAt, err = parseTime(created)
	return o, err
}

// SingleOrganization returns the only organization in the database, or
// ErrNotFound when there are none or several.
func (r Repo) SingleOrganization(ctx context.Context) (domain.Organization, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM organizations ORDER BY id LIMIT 2`)
	if err != nil {
		return domain.Organization{}, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return domain.Organization{}, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.Organization{}, err
	}
	if len(ids) != 1 {
		return domain.Organization{}, ErrNotFound
	}
	return r.GetOrganization(ctx, ids[0])
}

func (r Repo) UpsertOrgConfig(ctx context.Context, orgID string, cfg *config.Config) error {
	return r.UpsertOrgConfigTx(ctx, nil, orgID, cfg)
}

func (r Repo) UpsertOrgConfigTx(ctx context.Context, tx *sql.Tx, orgID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Organization.ID = orgID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := formatTime(time.Now())
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO org_configs(organization_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(organization_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, orgID, string(payload), now, now)
	return err
}

func (r Repo) GetOrgConfig(ctx context.Context, orgID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM org_configs WHERE organization_id=?`, orgID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Organization.ID == "" {
		cfg.Organization.ID = orgID
	}
	return &cfg, cfg.Validate()
}
