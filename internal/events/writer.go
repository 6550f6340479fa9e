package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	ProjectCreated   = "project.created"
	ProjectUpdated   = "project.updated"
	ProjectStatus    = "project.status"
	ProjectDeleted   = "project.deleted"
	StagesCreated    = "stage.created"
	StageUpdated     = "stage.updated"
	StageStarted     = "stage.started"
	StageCompleted   = "stage.completed"
	MaterialCreated  = "material.created"
	MaterialUpdated  = "material.updated"
	MaterialDeleted  = "material.deleted"
	BOMLineSet       = "bom.line.set"
	BOMLineRemoved   = "bom.line.removed"
	ProductionStaged = "production.staged"
	ProductionDone   = "production.completed"
	PassportIssued   = "passport.issued"
)

// SystemActor is recorded when a write has no human actor.
const SystemActor = "system"

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if actorID == "" {
		actorID = SystemActor
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
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
