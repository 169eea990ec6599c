package engine

import (
	"context"

	"capaflow/internal/config"
	"capaflow/internal/dashboard"
	"capaflow/internal/domain"
	"capaflow/internal/engine/auth"
	"capaflow/internal/repo"
	"capaflow/internal/sla"
)

func slaPolicy(cfg *config.Config) sla.Policy {
	return sla.Policy{DueSoonDays: cfg.SLA.DueSoonDays, TopN: cfg.SLA.TopOverdue}
}

// SLAReport classifies the organization's open tasks against today.
func (e Engine) SLAReport(ctx context.Context, c auth.Caller) (sla.Report, error) {
	const op = "SLAReport"
	cfg, err := e.authorize(ctx, op, c, auth.PermReportRead)
	if err != nil {
		return sla.Report{}, err
	}
	tasks, err := e.openTasks(ctx, nil, c.OrganizationID)
	if err != nil {
		return sla.Report{}, dependencyErr(op, err)
	}
	return sla.Analyze(tasks, e.now(), slaPolicy(cfg)), nil
}

// DashboardStats computes the dashboard from one consistent snapshot.
// Concurrent calls for the same organization share a single computation.
func (e Engine) DashboardStats(ctx context.Context, c auth.Caller) (dashboard.Stats, error) {
	const op = "DashboardStats"
	cfg, err := e.authorize(ctx, op, c, auth.PermReportRead)
	if err != nil {
		return dashboard.Stats{}, err
	}
	stats, err := e.sharedDashboard(ctx, c.OrganizationID, cfg)
	if err != nil {
		return dashboard.Stats{}, dependencyErr(op, err)
	}
	return stats, nil
}

// sharedDashboard runs one computation per organization at a time. The work
// is detached from ctx; its result goes to every waiter.
func (e Engine) sharedDashboard(ctx context.Context, orgID string, cfg *config.Config) (dashboard.Stats, error) {
	v, err, _ := e.group().Do("dashboard:"+orgID, func() (any, error) {
		snap, err := e.dashboardSnapshot(context.WithoutCancel(ctx), orgID)
		if err != nil {
			return nil, err
		}
		return dashboard.Compute(snap, e.now(), dashboard.Options{
			TrendMonths: cfg.Dashboard.TrendMonths,
			SLA:         slaPolicy(cfg),
		}), nil
	})
	if err != nil {
		return dashboard.Stats{}, err
	}
	return v.(dashboard.Stats), nil
}

func (e Engine) dashboardSnapshot(ctx context.Context, orgID string) (dashboard.Snapshot, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return dashboard.Snapshot{}, err
	}
	defer tx.Rollback()
	ncs, err := e.Repo.ListNonConformitiesTx(ctx, tx, repo.NCFilters{OrganizationID: orgID})
	if err != nil {
		return dashboard.Snapshot{}, err
	}
	tasks, err := e.openTasks(ctx, tx, orgID)
	if err != nil {
		return dashboard.Snapshot{}, err
	}
	return dashboard.Snapshot{NonConformities: ncs, Tasks: tasks}, nil
}

type EventQuery struct {
	EntityID string
	Type     string
	BeforeID int64
	Limit    int
}

// ListEvents returns the organization's audit log, newest first.
func (e Engine) ListEvents(ctx context.Context, c auth.Caller, q EventQuery) ([]domain.Event, error) {
	const op = "ListEvents"
	if _, err := e.authorize(ctx, op, c, auth.PermReportRead); err != nil {
		return nil, err
	}
	if q.Limit < 0 {
		return nil, validationErr(op, "limit must not be negative")
	}
	items, err := e.Repo.ListEvents(ctx, repo.EventFilters{
		OrganizationID: c.OrganizationID,
		EntityID:       q.EntityID,
		Type:           q.Type,
		BeforeID:       q.BeforeID,
		Limit:          q.Limit,
	})
	if err != nil {
		return nil, dependencyErr(op, err)
	}
	return items, nil
}
