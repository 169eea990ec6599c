package domain

import "time"

// StagePayload is the closed set of stage sub-records. The workflow
// controller dispatches on Stage() rather than on concrete types.
type StagePayload interface {
	Stage() Stage
	stagePayload()
}

type ImmediateAction struct {
	ID                string     `json:"id"`
	NonConformityID   string     `json:"non_conformity_id"`
	Description       string     `json:"description"`
	ResponsibleUserID string     `json:"responsible_user_id,omitempty"`
	ActionDate        *time.Time `json:"action_date,omitempty" format:"date-time"`
	Evidence          string     `json:"evidence,omitempty"`
	CreatedBy         string     `json:"created_by"`
	CreatedAt         time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt         time.Time  `json:"updated_at" format:"date-time"`
}

func (ImmediateAction) Stage() Stage  { return StageImmediateAction }
func (ImmediateAction) stagePayload() {}

// CauseAnalysis holds one analysis per NC. Ishikawa and FiveWhys carry the
// method-specific working notes; RootCause is the conclusion in every method.
type CauseAnalysis struct {
	ID              string              `json:"id"`
	NonConformityID string              `json:"non_conformity_id"`
	Method          AnalysisMethod      `json:"method" enum:"root_cause,ishikawa,five_whys"`
	RootCause       string              `json:"root_cause"`
	Ishikawa        map[string][]string `json:"ishikawa,omitempty"`
	FiveWhys        []string            `json:"five_whys,omitempty"`
	CreatedBy       string              `json:"created_by"`
	CreatedAt       time.Time           `json:"created_at" format:"date-time"`
	UpdatedAt       time.Time           `json:"updated_at" format:"date-time"`
}

func (CauseAnalysis) Stage() Stage  { return StageCauseAnalysis }
func (CauseAnalysis) stagePayload() {}

type ActionPlanItem struct {
	ID                string         `json:"id"`
	NonConformityID   string         `json:"non_conformity_id"`
	Position          int            `json:"position"`
	Action            string         `json:"action"`
	Kind              string         `json:"kind" enum:"corrective,preventive"`
	ResponsibleUserID string         `json:"responsible_user_id"`
	Deadline          time.Time      `json:"deadline" format:"date-time"`
	Status            PlanItemStatus `json:"status" enum:"pending,completed"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy       string         `json:"completed_by,omitempty"`
	CreatedAt         time.Time      `json:"created_at" format:"date-time"`
}

func (ActionPlanItem) Stage() Stage  { return StagePlanning }
func (ActionPlanItem) stagePayload() {}

type EffectivenessEvaluation struct {
	ID                               string     `json:"id"`
	NonConformityID                  string     `json:"non_conformity_id"`
	IsEffective                      *bool      `json:"is_effective,omitempty"`
	Evidence                         string     `json:"evidence,omitempty"`
	RequiresRiskUpdate               bool       `json:"requires_risk_update"`
	RequiresSGQChange                bool       `json:"requires_sgq_change"`
	PostponedTo                      *time.Time `json:"postponed_to,omitempty" format:"date-time"`
	EvaluatedBy                      string     `json:"evaluated_by"`
	EvaluatedAt                      *time.Time `json:"evaluated_at,omitempty" format:"date-time"`
	GeneratedRevisionNonConformityID *string    `json:"generated_revision_non_conformity_id,omitempty"`
	CreatedAt                        time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt                        time.Time  `json:"updated_at" format:"date-time"`
}

func (EffectivenessEvaluation) Stage() Stage  { return StageEffectiveness }
func (EffectivenessEvaluation) stagePayload() {}

// Verdict reports whether a final (non-postponed) judgement was recorded.
func (e EffectivenessEvaluation) Verdict() bool {
	return e.IsEffective != nil && e.EvaluatedAt != nil
}

// StageRecords bundles every sub-record of one NC for read views.
type StageRecords struct {
	ImmediateAction *ImmediateAction         `json:"immediate_action,omitempty"`
	CauseAnalysis   *CauseAnalysis           `json:"cause_analysis,omitempty"`
	ActionPlan      []ActionPlanItem         `json:"action_plan"`
	Effectiveness   *EffectivenessEvaluation `json:"effectiveness,omitempty"`
}
