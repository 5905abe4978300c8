package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"copydesk/internal/domain"
)

// EventType is the closed set of activity event tags. New kinds must be added
// here and to Describe, so adding one is a compile-time checked change.
type EventType string

const (
	TypeContentCreated     EventType = "content_created"
	TypeContentUpdated     EventType = "content_updated"
	TypeCommentAdded       EventType = "comment_added"
	TypeApprovalRequested  EventType = "approval_requested"
	TypeStageApproved      EventType = "stage_approved"
	TypeStageRejected      EventType = "stage_rejected"
	TypeChangesRequested   EventType = "changes_requested"
	TypeStageSkipped       EventType = "stage_skipped"
	TypeApprovalResubmit   EventType = "approval_resubmitted"
	TypeApprovalCompleted  EventType = "approval_completed"
	TypeApprovalCancelled  EventType = "approval_cancelled"
	TypeVersionCreated     EventType = "version_created"
	TypeVersionRestored    EventType = "version_restored"
	TypeStageAssigned      EventType = "stage_assigned"
)

// Metadata is the free-form payload attached to an event.
type Metadata map[string]any

// Log is the append-only activity store. Events are immutable once written;
// read order is newest first by sequence id, which also breaks timestamp ties.
type Log struct {
	DB  *sql.DB
	Now func() time.Time
}

func (l Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Append writes one event inside the caller's transaction.
func (l Log) Append(ctx context.Context, tx *sql.Tx, contentID string, typ EventType, actorID string, md Metadata) error {
	ts := l.now().UTC().Format(time.RFC3339)
	if md == nil {
		md = Metadata{}
	}
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO activity_events(content_id,type,actor_id,metadata_json,ts) VALUES (?,?,?,?,?)`,
		contentID, string(typ), actorID, string(data), ts)
	return err
}

// Record writes one event in its own transaction and returns the stored row.
func (l Log) Record(ctx context.Context, contentID string, typ EventType, actorID string, md Metadata) (domain.ActivityEvent, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActivityEvent{}, err
	}
	defer tx.Rollback()
	if err := l.Append(ctx, tx, contentID, typ, actorID, md); err != nil {
		return domain.ActivityEvent{}, err
	}
	var evt domain.ActivityEvent
	err = tx.QueryRowContext(ctx, `SELECT id,content_id,type,actor_id,metadata_json,ts FROM activity_events ORDER BY id DESC LIMIT 1`).
		Scan(&evt.ID, &evt.ContentID, &evt.Type, &evt.ActorID, &evt.Metadata, &evt.TS)
	if err != nil {
		return domain.ActivityEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ActivityEvent{}, err
	}
	return evt, nil
}

// List returns all events for a content item, newest first.
func (l Log) List(ctx context.Context, contentID string) ([]domain.ActivityEvent, error) {
	return l.query(ctx, `SELECT id,content_id,type,actor_id,metadata_json,ts FROM activity_events WHERE content_id=? ORDER BY id DESC`, contentID)
}

// ListRecent returns the most recent events across all content, truncated to limit.
func (l Log) ListRecent(ctx context.Context, limit int) ([]domain.ActivityEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.query(ctx, `SELECT id,content_id,type,actor_id,metadata_json,ts FROM activity_events ORDER BY id DESC LIMIT ?`, limit)
}

// After returns events with ids greater than the cursor in ascending order.
// Used by webhook subscribers tailing the log.
func (l Log) After(ctx context.Context, cursor int64, limit int) ([]domain.ActivityEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.query(ctx, `SELECT id,content_id,type,actor_id,metadata_json,ts FROM activity_events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestID returns the id of the newest event, or 0 when the log is empty.
func (l Log) LatestID(ctx context.Context) (int64, error) {
	var id int64
	err := l.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM activity_events`).Scan(&id)
	return id, err
}

func (l Log) query(ctx context.Context, q string, args ...any) ([]domain.ActivityEvent, error) {
	rows, err := l.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityEvent
	for rows.Next() {
		var evt domain.ActivityEvent
		var md sql.NullString
		if err := rows.Scan(&evt.ID, &evt.ContentID, &evt.Type, &evt.ActorID, &md, &evt.TS); err != nil {
			return nil, err
		}
		if md.Valid {
			evt.Metadata = md.String
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}
