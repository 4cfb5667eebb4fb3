package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"studyline/internal/domain"
)

const messageColumns = `id,kind,subject_id,project_id,task_id,source_id,scheduled_time,ttl_seconds,provider_message_id,delivered,validated,dry_run,priority,mutable_content,title,body,sound,badge,email_enabled,data_json,created_at`

func (r Repo) InsertMessage(ctx context.Context, m domain.Message) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.InsertMessageTx(ctx, tx, m); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) InsertMessageTx(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	data, err := dataJSON(m.Data)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO messages(id,kind,subject_id,project_id,task_id,source_id,scheduled_time,ttl_seconds,provider_message_id,delivered,validated,dry_run,priority,mutable_content,title,body,sound,badge,email_enabled,data_json,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.Kind, m.SubjectID, m.ProjectID, nullableStringPtr(m.TaskID), m.SourceID,
		m.ScheduledTime, m.TTLSeconds, nullable(m.ProviderMessageID), m.Delivered, m.Validated, m.DryRun,
		nullable(m.Priority), m.MutableContent, m.Title, m.Body, nullable(m.Sound), nullable(m.Badge),
		m.EmailEnabled, data, m.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r Repo) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=?`, id)
	return scanMessage(row.Scan)
}

type MessageFilters struct {
	SubjectID string
	ProjectID string
	TaskID    string
	Kind      string
	Delivered *bool
	From      int64
	To        int64
	Search    []string
	Limit     int
}

func (r Repo) ListMessages(ctx context.Context, f MessageFilters) ([]domain.Message, error) {
	var clauses []string
	var args []any
	if f.SubjectID != "" {
		clauses = append(clauses, "subject_id=?")
		args = append(args, f.SubjectID)
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Delivered != nil {
		clauses = append(clauses, "delivered=?")
		args = append(args, *f.Delivered)
	}
	if f.From > 0 {
		clauses = append(clauses, "scheduled_time + ttl_seconds*1000 >= ?")
		args = append(args, f.From)
	}
	if f.To > 0 {
		clauses = append(clauses, "scheduled_time <= ?")
		args = append(args, f.To)
	}
	searchClauses, searchArgs, err := searchConditions(f.Search, messageSearchFields)
	if err != nil {
		return nil, err
	}
	clauses = append(clauses, searchClauses...)
	args = append(args, searchArgs...)

	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + messageColumns + ` FROM messages ` + where + ` ORDER BY scheduled_time ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) ListMessagesForTaskTx(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.Message, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE task_id=? ORDER BY scheduled_time ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) DeleteMessage(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM messages WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteMessageTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id=?`, id)
	return err
}

// DeleteGeneratedMessagesForSubjectTx removes the subject's task-owned
// messages. Directly created messages carry no task and are left alone.
func (r Repo) DeleteGeneratedMessagesForSubjectTx(ctx context.Context, tx *sql.Tx, subjectID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE subject_id=? AND task_id IS NOT NULL`, subjectID)
	return err
}

// UpdateMessageContentTx rewrites a message's delivery instant and payload.
// Moving onto a sibling's natural key surfaces as ErrAlreadyExists.
func (r Repo) UpdateMessageContentTx(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	res, err := tx.ExecContext(ctx, `UPDATE messages SET scheduled_time=?, title=?, body=? WHERE id=?`,
		m.ScheduledTime, m.Title, m.Body, m.ID)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateMessageStateTx(ctx context.Context, tx *sql.Tx, id string, delivered, validated bool, providerMessageID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE messages SET delivered=?, validated=?, provider_message_id=COALESCE(?, provider_message_id) WHERE id=?`,
		delivered, validated, nullable(providerMessageID), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMessage(scan func(...any) error) (domain.Message, error) {
	var m domain.Message
	var taskID, sourceID, providerID, priority, sound, badge, data sql.NullString
	err := scan(&m.ID, &m.Kind, &m.SubjectID, &m.ProjectID, &taskID, &sourceID, &m.ScheduledTime,
		&m.TTLSeconds, &providerID, &m.Delivered, &m.Validated, &m.DryRun, &priority, &m.MutableContent,
		&m.Title, &m.Body, &sound, &badge, &m.EmailEnabled, &data, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if taskID.Valid {
		m.TaskID = &taskID.String
	}
	if sourceID.Valid {
		m.SourceID = sourceID.String
	}
	if providerID.Valid {
		m.ProviderMessageID = providerID.String
	}
	if priority.Valid {
		m.Priority = priority.String
	}
	if sound.Valid {
		m.Sound = sound.String
	}
	if badge.Valid {
		m.Badge = badge.String
	}
	if data.Valid && data.String != "" {
		_ = json.Unmarshal([]byte(data.String), &m.Data)
	}
	return m, nil
}

func dataJSON(data map[string]string) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return string(payload), nil
}
