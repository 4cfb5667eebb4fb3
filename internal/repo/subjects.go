package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"studyline/internal/domain"
)

// ValidateSubject checks the fields schedule generation depends on.
func ValidateSubject(s domain.Subject) error {
	if s.ID == "" {
		return fmt.Errorf("subject id required")
	}
	if s.ProjectID == "" {
		return fmt.Errorf("project id required")
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("unknown timezone %q", s.Timezone)
		}
	}
	if s.EnrolmentDate != "" {
		if _, err := time.Parse(time.RFC3339, s.EnrolmentDate); err != nil {
			return fmt.Errorf("enrolment date must be RFC3339: %w", err)
		}
	}
	return nil
}

func (r Repo) InsertSubject(ctx context.Context, s domain.Subject) error {
	if err := ValidateSubject(s); err != nil {
		return err
	}
	attrs, err := attributesJSON(s.Attributes)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO subjects(id,project_id,external_id,timezone,language,enrolment_date,attributes_json,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, nullable(s.ExternalID), s.Timezone, nullable(s.Language), nullable(s.EnrolmentDate), attrs, s.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

// UpdateSubject overwrites the mutable subject fields. Timezone changes are
// picked up by the next reconciliation pass.
func (r Repo) UpdateSubject(ctx context.Context, s domain.Subject) error {
	if err := ValidateSubject(s); err != nil {
		return err
	}
	attrs, err := attributesJSON(s.Attributes)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE subjects SET external_id=?, timezone=?, language=?, enrolment_date=?, attributes_json=? WHERE id=?`,
		nullable(s.ExternalID), s.Timezone, nullable(s.Language), nullable(s.EnrolmentDate), attrs, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetSubject(ctx context.Context, id string) (domain.Subject, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,project_id,external_id,timezone,language,enrolment_date,attributes_json,created_at FROM subjects WHERE id=?`, id)
	return scanSubject(row.Scan)
}

func (r Repo) ListSubjects(ctx context.Context, projectID string) ([]domain.Subject, error) {
	query := `SELECT id,project_id,external_id,timezone,language,enrolment_date,attributes_json,created_at FROM subjects`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Subject
	for rows.Next() {
		s, err := scanSubject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) DeleteSubject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM subjects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSubject(scan func(...any) error) (domain.Subject, error) {
	var s domain.Subject
	var externalID, language, enrolment, attrs sql.NullString
	err := scan(&s.ID, &s.ProjectID, &externalID, &s.Timezone, &language, &enrolment, &attrs, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if externalID.Valid {
		s.ExternalID = externalID.String
	}
	if language.Valid {
		s.Language = language.String
	}
	if enrolment.Valid {
		s.EnrolmentDate = enrolment.String
	}
	if attrs.Valid && attrs.String != "" {
		_ = json.Unmarshal([]byte(attrs.String), &s.Attributes)
	}
	return s, nil
}

func attributesJSON(attrs map[string]string) (any, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}
	return string(payload), nil
}
