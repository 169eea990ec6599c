package domain

import (
	"fmt"
	"strings"
)

type Stage int

const (
	StageRegistration    Stage = 1
	StageImmediateAction Stage = 2
	StageCauseAnalysis   Stage = 3
	StagePlanning        Stage = 4
	StageImplementation  Stage = 5
	StageEffectiveness   Stage = 6
)

const (
	FirstStage = StageRegistration
	LastStage  = StageEffectiveness
)

func (s Stage) Valid() bool {
	return s >= FirstStage && s <= LastStage
}

func (s Stage) TaskType() TaskType {
	switch s {
	case StageRegistration:
		return TaskTypeRegistration
	case StageImmediateAction:
		return TaskTypeImmediateAction
	case StageCauseAnalysis:
		return TaskTypeCauseAnalysis
	case StagePlanning:
		return TaskTypePlanning
	case StageImplementation:
		return TaskTypeImplementation
	case StageEffectiveness:
		return TaskTypeEffectiveness
	}
	return ""
}

func (s Stage) String() string {
	if t := s.TaskType(); t != "" {
		return string(t)
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

type TaskType string

const (
	TaskTypeRegistration    TaskType = "registration"
	TaskTypeImmediateAction TaskType = "immediate_action"
	TaskTypeCauseAnalysis   TaskType = "cause_analysis"
	TaskTypePlanning        TaskType = "planning"
	TaskTypeImplementation  TaskType = "implementation"
	TaskTypeEffectiveness   TaskType = "effectiveness"
)

// Stage maps a task type back to the stage that produced it; zero when unknown.
func (t TaskType) Stage() Stage {
	for s := FirstStage; s <= LastStage; s++ {
		if s.TaskType() == t {
			return s
		}
	}
	return 0
}

type NCStatus string

const (
	NCStatusOpen       NCStatus = "open"
	NCStatusClosed     NCStatus = "closed"
	NCStatusSuperseded NCStatus = "superseded"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusOverdue    TaskStatus = "overdue"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func ParsePriority(v string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(v))); p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return p, nil
	}
	return "", fmt.Errorf("unknown priority %q", v)
}

// Severity is ordered: low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank orders severities; zero for unknown values.
func (s Severity) Rank() int {
	for i, v := range Severities {
		if v == s {
			return i + 1
		}
	}
	return 0
}

// ParseSeverity accepts the canonical values and the Portuguese labels used by
// the legacy data-entry screens.
func ParseSeverity(v string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "low", "baixa":
		return SeverityLow, nil
	case "medium", "média", "media":
		return SeverityMedium, nil
	case "high", "alta":
		return SeverityHigh, nil
	case "critical", "crítica", "critica":
		return SeverityCritical, nil
	}
	return "", fmt.Errorf("unknown severity %q", v)
}

type AnalysisMethod string

const (
	MethodRootCause AnalysisMethod = "root_cause"
	MethodIshikawa  AnalysisMethod = "ishikawa"
	MethodFiveWhys  AnalysisMethod = "five_whys"
)

func ParseAnalysisMethod(v string) (AnalysisMethod, error) {
	switch m := AnalysisMethod(strings.ToLower(strings.TrimSpace(v))); m {
	case MethodRootCause, MethodIshikawa, MethodFiveWhys:
		return m, nil
	case "":
		return MethodRootCause, nil
	}
	return "", fmt.Errorf("unknown analysis method %q", v)
}

type PlanItemStatus string

const (
	PlanItemPending   PlanItemStatus = "pending"
	PlanItemCompleted PlanItemStatus = "completed"
)
