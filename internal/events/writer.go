// Package events appends task and message state-transition events. Events
// are append-only history; the current state lives on the task or message
// row itself.
package events

import (
	"context"
	"database/sql"
	"time"

	"studyline/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) now() string {
	if w.Now != nil {
		return w.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (w Writer) AppendTaskState(ctx context.Context, tx *sql.Tx, taskID string, state domain.TaskState, info string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_state_events(task_id,state,time,associated_info) VALUES (?,?,?,?)`,
		taskID, state, w.now(), nullable(info))
	return err
}

func (w Writer) AppendMessageState(ctx context.Context, tx *sql.Tx, messageID string, state domain.MessageState, info string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO message_state_events(message_id,state,time,associated_info) VALUES (?,?,?,?)`,
		messageID, state, w.now(), nullable(info))
	return err
}

// CountTaskStates counts recorded transitions for one task inside the
// reporting transaction.
func (w Writer) CountTaskStates(ctx context.Context, tx *sql.Tx, taskID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM task_state_events WHERE task_id=?`, taskID).Scan(&n)
	return n, err
}

func (w Writer) CountMessageStates(ctx context.Context, tx *sql.Tx, messageID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM message_state_events WHERE message_id=?`, messageID).Scan(&n)
	return n, err
}

func (w Writer) ListTaskStates(ctx context.Context, taskID string) ([]domain.TaskStateEvent, error) {
	rows, err := w.DB.QueryContext(ctx, `SELECT id,task_id,state,time,COALESCE(associated_info,'') FROM task_state_events WHERE task_id=? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskStateEvent
	for rows.Next() {
		var e domain.TaskStateEvent
		if err := rows.Scan(&e.ID, &e.TaskID, &e.State, &e.Time, &e.AssociatedInfo); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (w Writer) ListMessageStates(ctx context.Context, messageID string) ([]domain.MessageStateEvent, error) {
	rows, err := w.DB.QueryContext(ctx, `SELECT id,message_id,state,time,COALESCE(associated_info,'') FROM message_state_events WHERE message_id=? ORDER BY id ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MessageStateEvent
	for rows.Next() {
		var e domain.MessageStateEvent
		if err := rows.Scan(&e.ID, &e.MessageID, &e.State, &e.Time, &e.AssociatedInfo); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
