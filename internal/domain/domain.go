package domain

import "time"

type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

// NonConformity is the aggregate root of the CAPA workflow. Workflow fields
// (CurrentStage, StageCompletedAt, Status, RevisionNumber) are owned by the
// engine and never written from caller input.
type NonConformity struct {
	ID                    string        `json:"id"`
	NCNumber              string        `json:"nc_number"`
	OrganizationID        string        `json:"organization_id"`
	Title                 string        `json:"title"`
	Description           string        `json:"description,omitempty"`
	Category              string        `json:"category"`
	Severity              Severity      `json:"severity" enum:"low,medium,high,critical"`
	Source                string        `json:"source,omitempty"`
	DetectedDate          time.Time     `json:"detected_date" format:"date-time"`
	Status                NCStatus      `json:"status" enum:"open,closed,superseded"`
	CurrentStage          Stage         `json:"current_stage" minimum:"1" maximum:"6"`
	StageCompletedAt      [6]*time.Time `json:"stage_completed_at"`
	RevisionNumber        int           `json:"revision_number"`
	ParentNonConformityID *string       `json:"parent_non_conformity_id,omitempty"`
	RootCause             string        `json:"root_cause,omitempty"`
	CorrectiveAction      string        `json:"corrective_action,omitempty"`
	PreventiveAction      string        `json:"preventive_action,omitempty"`
	DueDate               *time.Time    `json:"due_date,omitempty" format:"date-time"`
	CompletedDate         *time.Time    `json:"completed_date,omitempty" format:"date-time"`
	ResponsibleUserID     string        `json:"responsible_user_id,omitempty"`
	CreatedBy             string        `json:"created_by"`
	CreatedAt             time.Time     `json:"created_at" format:"date-time"`
	UpdatedAt             time.Time     `json:"updated_at" format:"date-time"`
	ClosedAt              *time.Time    `json:"closed_at,omitempty" format:"date-time"`
}

// StageCompleted reports whether stage s carries a completion stamp.
func (nc NonConformity) StageCompleted(s Stage) bool {
	if !s.Valid() {
		return false
	}
	return nc.StageCompletedAt[s-1] != nil
}

// IsOpen reports whether the NC still accepts workflow operations.
func (nc NonConformity) IsOpen() bool {
	return nc.Status == NCStatusOpen
}

type Task struct {
	ID                string     `json:"id"`
	NonConformityID   string     `json:"non_conformity_id"`
	OrganizationID    string     `json:"organization_id"`
	TaskType          TaskType   `json:"task_type" enum:"registration,immediate_action,cause_analysis,planning,implementation,effectiveness"`
	Title             string     `json:"title"`
	ResponsibleUserID string     `json:"responsible_user_id,omitempty"`
	DueDate           time.Time  `json:"due_date" format:"date-time"`
	Status            TaskStatus `json:"status" enum:"pending,in_progress,completed,overdue,cancelled"`
	Priority          Priority   `json:"priority" enum:"low,normal,high,urgent"`
	CompletedAt       *time.Time `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy       string     `json:"completed_by,omitempty"`
	CreatedAt         time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt         time.Time  `json:"updated_at" format:"date-time"`
}

// DisplayStatus returns the status shown to users: a non-terminal task whose
// due day has passed reads as overdue.
func (t Task) DisplayStatus(now time.Time) TaskStatus {
	if t.Status.Terminal() {
		return t.Status
	}
	if DaysBetween(t.DueDate, now) > 0 {
		return TaskStatusOverdue
	}
	return t.Status
}

type Event struct {
	ID             int64  `json:"id"`
	TS             string `json:"ts" format:"date-time"`
	Type           string `json:"type"`
	OrganizationID string `json:"organization_id,omitempty"`
	EntityKind     string `json:"entity_kind"`
	EntityID       string `json:"entity_id,omitempty"`
	ActorID        string `json:"actor_id"`
	Payload        string `json:"payload_json"`
}

type APIKey struct {
	ID             string `json:"id"`
	ActorID        string `json:"actor_id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name,omitempty"`
	KeyHash        string `json:"key_hash"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type OrgMember struct {
	OrganizationID string `json:"organization_id"`
	ActorID        string `json:"actor_id"`
	Role           string `json:"role"`
}

// DaysBetween counts whole calendar days from a to b in UTC; positive when b
// is after a.
func DaysBetween(a, b time.Time) int {
	da := time.Date(a.UTC().Year(), a.UTC().Month(), a.UTC().Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.UTC().Year(), b.UTC().Month(), b.UTC().Day(), 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}
