package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Labels: severity
	ncCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capaflow",
		Subsystem: "engine",
		Name:      "nc_created_total",
		Help:      "Non-conformities registered",
	}, []string{"severity"})

	// Labels: from, to
	stageTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capaflow",
		Subsystem: "engine",
		Name:      "nc_stage_transitions_total",
		Help:      "Successful stage advances",
	}, []string{"from", "to"})

	staleRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "capaflow",
		Subsystem: "engine",
		Name:      "nc_stale_stage_rejections_total",
		Help:      "Advance attempts rejected because the expected stage was stale",
	})

	// Labels: outcome (effective, not_effective, postponed)
	evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capaflow",
		Subsystem: "engine",
		Name:      "nc_evaluations_total",
		Help:      "Effectiveness evaluations by outcome",
	}, []string{"outcome"})

	revisionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "capaflow",
		Subsystem: "engine",
		Name:      "nc_revisions_total",
		Help:      "Revisions spawned by failed effectiveness evaluations",
	})

	// Labels: type
	tasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capaflow",
		Subsystem: "engine",
		Name:      "tasks_completed_total",
		Help:      "Tasks completed, by task type",
	}, []string{"type"})
)
