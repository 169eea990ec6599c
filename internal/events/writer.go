package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the engine.
const (
	NCCreated           = "nc.created"
	NCPatched           = "nc.patched"
	NCStageAdvanced     = "nc.stage.advanced"
	NCClosed            = "nc.closed"
	NCSuperseded        = "nc.superseded"
	NCRevisionCreated   = "nc.revision.created"
	ImmediateActionSet  = "stage.immediate_action.recorded"
	CauseAnalysisSet    = "stage.cause_analysis.recorded"
	PlanItemAdded       = "stage.plan_item.added"
	PlanItemCompleted   = "stage.plan_item.completed"
	EvaluationPostponed = "stage.effectiveness.postponed"
	EvaluationRecorded  = "stage.effectiveness.recorded"
	TaskCreated         = "task.created"
	TaskStarted         = "task.started"
	TaskCompleted       = "task.completed"
	TaskReassigned      = "task.reassigned"
	TaskRescheduled     = "task.rescheduled"
	TaskCancelled       = "task.cancelled"
	ConfigUpdated       = "config.updated"
	MemberGranted       = "member.granted"
	MemberRevoked       = "member.revoked"
	APIKeyCreated       = "apikey.created"
	APIKeyDeleted       = "apikey.deleted"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit row inside the caller's transaction so the event
// commits or rolls back with the mutation it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, orgID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,organization_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(orgID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
