package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"capaflow/internal/config"
	"capaflow/internal/domain"
	"capaflow/internal/engine/auth"
	"capaflow/internal/events"
	"capaflow/internal/repo"
)

var tracer = otel.Tracer("capaflow.engine")

// Engine runs the NC workflow. Every mutating operation runs in one SQL
// transaction together with its task bookkeeping and audit events.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	// Config is the fallback used for organizations without a stored config.
	Config *config.Config
	Logger *slog.Logger
	Now    func() time.Time

	flight *singleflight.Group
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Logger: slog.Default(),
		Now:    time.Now,
		flight: &singleflight.Group{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

func (e Engine) group() *singleflight.Group {
	if e.flight != nil {
		return e.flight
	}
	return &singleflight.Group{}
}

func newID() string {
	return uuid.NewString()
}

// OrgConfig returns the stored config of an organization, falling back to
// the engine config and then to the defaults.
func (e Engine) OrgConfig(ctx context.Context, orgID string) (*config.Config, error) {
	cfg, err := e.Repo.GetOrgConfig(ctx, orgID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, dependencyErr("config", err)
	}
	if e.Config != nil {
		return e.Config, nil
	}
	return config.Default(orgID), nil
}

// authorize validates the caller and checks perm against the organization's
// role mapping. It returns the organization config for reuse.
func (e Engine) authorize(ctx context.Context, op string, c auth.Caller, perm string) (*config.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, authErr(op, err)
	}
	cfg, err := e.OrgConfig(ctx, c.OrganizationID)
	if err != nil {
		return nil, err
	}
	if err := auth.Authorize(cfg, c, perm); err != nil {
		return nil, authErr(op, err)
	}
	return cfg, nil
}

func (e Engine) begin(ctx context.Context, op string) (*sql.Tx, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, dependencyErr(op, err)
	}
	return tx, nil
}

func commit(op string, tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return dependencyErr(op, err)
	}
	return nil
}

func startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "engine."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// loadNC reads an NC and enforces the tenant boundary. A record owned by
// another organization yields an authorization error, not a not-found.
func (e Engine) loadNC(ctx context.Context, tx *sql.Tx, op string, c auth.Caller, id string) (domain.NonConformity, error) {
	var (
		nc  domain.NonConformity
		err error
	)
	if tx != nil {
		nc, err = e.Repo.GetNonConformityTx(ctx, tx, id)
	} else {
		nc, err = e.Repo.GetNonConformity(ctx, id)
	}
	if err != nil {
		return nc, storeErr(op, "non-conformity", id, err)
	}
	if err := auth.SameTenant(c, "non-conformity", id, nc.OrganizationID); err != nil {
		return domain.NonConformity{}, authErr(op, err)
	}
	return nc, nil
}

func (e Engine) loadTask(ctx context.Context, tx *sql.Tx, op string, c auth.Caller, id string) (domain.Task, error) {
	var (
		t   domain.Task
		err error
	)
	if tx != nil {
		t, err = e.Repo.GetTaskTx(ctx, tx, id)
	} else {
		t, err = e.Repo.GetTask(ctx, id)
	}
	if err != nil {
		return t, storeErr(op, "task", id, err)
	}
	if err := auth.SameTenant(c, "task", id, t.OrganizationID); err != nil {
		return domain.Task{}, authErr(op, err)
	}
	return t, nil
}

// InitOrganization creates an organization with the default config and
// grants ownerID the owner role. Existing rows are left untouched.
func (e Engine) InitOrganization(ctx context.Context, orgID, name, ownerID string) (domain.Organization, error) {
	const op = "InitOrganization"
	if orgID == "" {
		return domain.Organization{}, validationErr(op, "organization id is required")
	}
	if ownerID == "" {
		return domain.Organization{}, validationErr(op, "owner id is required")
	}
	_, cfgErr := e.Repo.GetOrgConfig(ctx, orgID)
	tx, err := e.begin(ctx, op)
	if err != nil {
		return domain.Organization{}, err
	}
	defer tx.Rollback()

	ts := e.now().Format(time.RFC3339)
	if err := e.Repo.EnsureOrg(ctx, tx, orgID, name, ts); err != nil {
		return domain.Organization{}, dependencyErr(op, err)
	}
	if errors.Is(cfgErr, repo.ErrNotFound) {
		cfg := config.Default(orgID)
		cfg.Organization.Name = name
		if err := e.Repo.UpsertOrgConfigTx(ctx, tx, orgID, cfg); err != nil {
			return domain.Organization{}, dependencyErr(op, err)
		}
	}
	if err := e.Repo.EnsureActor(ctx, tx, ownerID, ts); err != nil {
		return domain.Organization{}, dependencyErr(op, err)
	}
	if err := e.Repo.GrantRole(ctx, tx, orgID, ownerID, "owner"); err != nil {
		return domain.Organization{}, dependencyErr(op, err)
	}
	if err := commit(op, tx); err != nil {
		return domain.Organization{}, err
	}
	org, err := e.Repo.GetOrganization(ctx, orgID)
	if err != nil {
		return domain.Organization{}, dependencyErr(op, err)
	}
	return org, nil
}
