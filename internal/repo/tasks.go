package repo

import (
	"context"
	"database/sql"
	"strings"

	"studyline/internal/domain"
)

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,subject_id,project_id,name,type,timestamp,completion_window,completed,completed_at,status,priority,n_questions,estimated_completion_time,show_in_calendar,is_demo,task_order,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.SubjectID, t.ProjectID, t.Name, t.Type, t.Timestamp, t.CompletionWindow, t.Completed,
		nullableInt64Ptr(t.CompletedAt), t.Status, t.Priority, t.NQuestions, t.EstimatedCompletionTime,
		t.ShowInCalendar, t.IsDemo, t.Order, t.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

const taskColumns = `id,subject_id,project_id,name,type,timestamp,completion_window,completed,completed_at,status,priority,n_questions,estimated_completion_time,show_in_calendar,is_demo,task_order,created_at`

type TaskFilters struct {
	SubjectID string
	ProjectID string
	Name      string
	Type      string
	Status    string
	Completed *bool
	// From/To select tasks whose completion window overlaps the range
	// (unix millis; zero means unbounded).
	From   int64
	To     int64
	Search []string
	Limit  int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
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
	if f.Name != "" {
		clauses = append(clauses, "name=?")
		args = append(args, f.Name)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Completed != nil {
		clauses = append(clauses, "completed=?")
		args = append(args, *f.Completed)
	}
	if f.From > 0 {
		clauses = append(clauses, "timestamp + completion_window >= ?")
		args = append(args, f.From)
	}
	if f.To > 0 {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, f.To)
	}
	searchClauses, searchArgs, err := searchConditions(f.Search, taskSearchFields)
	if err != nil {
		return nil, err
	}
	clauses = append(clauses, searchClauses...)
	args = append(args, searchArgs...)

	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY timestamp ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListTasksForSubjectTx loads a subject's full task set inside a transaction,
// for carry-over and dedup during regeneration.
func (r Repo) ListTasksForSubjectTx(ctx context.Context, tx *sql.Tx, subjectID string) ([]domain.Task, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE subject_id=? ORDER BY timestamp ASC, id ASC`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) DeleteTasksForSubjectTx(ctx context.Context, tx *sql.Tx, subjectID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE subject_id=?`, subjectID)
	return err
}

func (r Repo) DeleteTaskTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	return err
}

func (r Repo) DeleteTask(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateTaskStateTx(ctx context.Context, tx *sql.Tx, id string, state domain.TaskState, completed bool, completedAt *int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, completed=?, completed_at=? WHERE id=?`,
		state, completed, nullableInt64Ptr(completedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountTasksByStatus(ctx context.Context, subjectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE subject_id=? GROUP BY status`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func scanTask(scan func(...any) error) (domain.Task, error) {
	var t domain.Task
	var completedAt sql.NullInt64
	err := scan(&t.ID, &t.SubjectID, &t.ProjectID, &t.Name, &t.Type, &t.Timestamp, &t.CompletionWindow,
		&t.Completed, &completedAt, &t.Status, &t.Priority, &t.NQuestions, &t.EstimatedCompletionTime,
		&t.ShowInCalendar, &t.IsDemo, &t.Order, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if completedAt.Valid {
		v := completedAt.Int64
		t.CompletedAt = &v
	}
	return t, nil
}
