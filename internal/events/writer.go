// Package events appends audit records after applied transitions. The log
// is a side channel: each record is its own insert and never part of the
// transition it describes.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

type Writer struct {
	DB     *sql.DB
	Now    func() time.Time
	Logger *slog.Logger
}

type EventPayload map[string]any

// Append inserts one event.
func (w Writer) Append(ctx context.Context, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
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
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

// Record is Append for callers that must not fail on audit errors.
func (w Writer) Record(ctx context.Context, evtType, entityKind, entityID, actorID string, payload EventPayload) {
	if err := w.Append(ctx, evtType, entityKind, entityID, actorID, payload); err != nil {
		logger := w.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("event append failed",
			slog.String("type", evtType),
			slog.String("entity_id", entityID),
			slog.String("error", err.Error()))
	}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
