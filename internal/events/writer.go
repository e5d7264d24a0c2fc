// Package events appends to the audit log that every engine operation
// writes inside its own transaction.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	ProjectInit         = "project.init"
	WorkItemCreated     = "work_item.created"
	WorkItemProgress    = "work_item.progress"
	WorkItemRollup      = "work_item.rollup"
	PhaseProgressSynced = "phase.progress.synced"
	RecomputeCompleted  = "rollup.recomputed"
)

// PhaseEvent names the audit entry for a lifecycle action, e.g. phase.move_to_next.
func PhaseEvent(action string) string {
	return "phase." + action
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data)); err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
