// Package engine is the service facade: subject and project lifecycle,
// schedule generation, external state reporting, and the direct message
// surface, all over one sqlite database.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"studyline/internal/config"
	"studyline/internal/dispatch"
	"studyline/internal/domain"
	"studyline/internal/events"
	"studyline/internal/protocol"
	"studyline/internal/repo"
	"studyline/internal/schedule"
)

// maxStateEvents caps the transition history per task or message. A stream
// that keeps transitioning past this is misbehaving and gets rejected hard.
const maxStateEvents = 20

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Protocol *protocol.Client
	Schedule *schedule.Service
	Dispatch dispatch.Scheduler
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// StateTransitionError is the fatal rejection for an entity whose transition
// history hit the cap or whose reported state is not externally allowed.
type StateTransitionError struct {
	Entity string
	ID     string
	State  string
	Reason string
}

func (e StateTransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot apply state %s: %s", e.Entity, e.ID, e.State, e.Reason)
}

// InitProject creates a project row.
func (e Engine) InitProject(ctx context.Context, projectID, name, description string) (domain.Project, error) {
	if projectID == "" {
		return domain.Project{}, errors.New("project id is required")
	}
	p := domain.Project{
		ID:          projectID,
		Name:        name,
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertProject(ctx, p); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// SubjectCreateOptions are parameters for enrolling a subject.
type SubjectCreateOptions struct {
	ID            string
	ProjectID     string
	ExternalID    string
	Timezone      string
	Language      string
	EnrolmentDate string
	Attributes    map[string]string
}

func (e Engine) CreateSubject(ctx context.Context, opts SubjectCreateOptions) (domain.Subject, error) {
	if opts.ProjectID == "" {
		return domain.Subject{}, errors.New("project is required")
	}
	if opts.Timezone == "" {
		return domain.Subject{}, errors.New("timezone is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Subject{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	enrolment := opts.EnrolmentDate
	if enrolment == "" {
		enrolment = e.now().UTC().Format(time.RFC3339)
	}
	s := domain.Subject{
		ID:            id,
		ProjectID:     opts.ProjectID,
		ExternalID:    opts.ExternalID,
		Timezone:      opts.Timezone,
		Language:      opts.Language,
		EnrolmentDate: enrolment,
		Attributes:    opts.Attributes,
		CreatedAt:     e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertSubject(ctx, s); err != nil {
		return domain.Subject{}, err
	}
	return s, nil
}

// UpdateSubject applies the given fields; empty strings leave a field alone
// except EnrolmentDate which is only replaced when set.
func (e Engine) UpdateSubject(ctx context.Context, id string, timezone, language, externalID, enrolmentDate string) (domain.Subject, error) {
	s, err := e.Repo.GetSubject(ctx, id)
	if err != nil {
		return domain.Subject{}, err
	}
	if timezone != "" {
		s.Timezone = timezone
	}
	if language != "" {
		s.Language = language
	}
	if externalID != "" {
		s.ExternalID = externalID
	}
	if enrolmentDate != "" {
		s.EnrolmentDate = enrolmentDate
	}
	if err := e.Repo.UpdateSubject(ctx, s); err != nil {
		return domain.Subject{}, err
	}
	return s, nil
}

// DeleteSubject removes the subject with all tasks, messages, and triggers.
func (e Engine) DeleteSubject(ctx context.Context, id string) error {
	msgs, err := e.Repo.ListMessages(ctx, repo.MessageFilters{SubjectID: id})
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteSubject(ctx, id); err != nil {
		return err
	}
	e.Dispatch.DeleteScheduledMultiple(msgs)
	if e.Schedule != nil {
		e.Schedule.Invalidate(id)
	}
	return nil
}

// GenerateSchedule reconciles one subject's schedule now.
func (e Engine) GenerateSchedule(ctx context.Context, subjectID string) (domain.Schedule, error) {
	if e.Schedule == nil {
		return domain.Schedule{}, errors.New("schedule service not configured")
	}
	return e.Schedule.Reconcile(ctx, subjectID)
}

// GenerateAssessmentSchedule rebuilds a single assessment's tasks and
// messages; the rest of the subject's schedule stays as it is.
func (e Engine) GenerateAssessmentSchedule(ctx context.Context, subjectID, assessment string) (domain.Schedule, error) {
	if e.Schedule == nil {
		return domain.Schedule{}, errors.New("schedule service not configured")
	}
	return e.Schedule.ReconcileAssessment(ctx, subjectID, assessment)
}

// ScheduleDeleteOptions narrow a schedule delete to matching tasks. The zero
// value deletes the whole generated schedule.
type ScheduleDeleteOptions struct {
	Type   string
	Search []string
}

// DeleteSchedule drops generated tasks with their messages and triggers for a
// subject, optionally narrowed by task type and search terms. Directly
// created messages stay.
func (e Engine) DeleteSchedule(ctx context.Context, subjectID string, opts ScheduleDeleteOptions) error {
	if _, err := e.Repo.GetSubject(ctx, subjectID); err != nil {
		return err
	}
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{SubjectID: subjectID, Type: opts.Type, Search: opts.Search})
	if err != nil {
		return err
	}
	msgs, err := e.Repo.ListMessages(ctx, repo.MessageFilters{SubjectID: subjectID})
	if err != nil {
		return err
	}
	doomed := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		doomed[t.ID] = true
	}
	var cancelled []domain.Message
	for _, m := range msgs {
		if m.TaskID != nil && doomed[*m.TaskID] {
			cancelled = append(cancelled, m)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, m := range cancelled {
		if err := e.Repo.DeleteMessageTx(ctx, tx, m.ID); err != nil {
			return err
		}
	}
	for _, t := range tasks {
		if err := e.Repo.DeleteTaskTx(ctx, tx, t.ID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Dispatch.DeleteScheduledMultiple(cancelled)
	if e.Schedule != nil {
		e.Schedule.Invalidate(subjectID)
	}
	return nil
}

var allowedTaskReports = map[domain.TaskState]bool{
	domain.TaskCompleted: true,
	domain.TaskUnknown:   true,
	domain.TaskErrored:   true,
}

// ReportTaskState applies an externally reported task state. COMPLETED
// cascades: the task's pending messages are deleted and their triggers
// cancelled.
func (e Engine) ReportTaskState(ctx context.Context, taskID string, state domain.TaskState, info string) (domain.Task, error) {
	if !allowedTaskReports[state] {
		return domain.Task{}, StateTransitionError{Entity: "task", ID: taskID, State: string(state), Reason: "state not externally reportable"}
	}
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	n, err := e.Events.CountTaskStates(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if n >= maxStateEvents {
		return domain.Task{}, StateTransitionError{Entity: "task", ID: taskID, State: string(state), Reason: "transition history exhausted"}
	}

	var cancelled []domain.Message
	task.Status = state
	if state == domain.TaskCompleted {
		task.Completed = true
		at := e.now().UnixMilli()
		task.CompletedAt = &at
		cancelled, err = e.Repo.ListMessagesForTaskTx(ctx, tx, taskID)
		if err != nil {
			return domain.Task{}, err
		}
		for _, m := range cancelled {
			if err := e.Repo.DeleteMessageTx(ctx, tx, m.ID); err != nil {
				return domain.Task{}, err
			}
		}
	}
	if err := e.Repo.UpdateTaskStateTx(ctx, tx, taskID, task.Status, task.Completed, task.CompletedAt); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.AppendTaskState(ctx, tx, taskID, state, info); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.Dispatch.DeleteScheduledMultiple(cancelled)
	return task, nil
}

var allowedMessageReports = map[domain.MessageState]bool{
	domain.MessageDelivered: true,
	domain.MessageDismissed: true,
	domain.MessageOpened:    true,
	domain.MessageErrored:   true,
	domain.MessageUnknown:   true,
}

// ReportMessageState applies an externally reported message state. CANCELLED
// is internal-only: reporting it from outside is silently dropped.
func (e Engine) ReportMessageState(ctx context.Context, messageID string, state domain.MessageState, info string) (domain.Message, error) {
	m, err := e.Repo.GetMessage(ctx, messageID)
	if err != nil {
		return domain.Message{}, err
	}
	if state == domain.MessageCancelled {
		return m, nil
	}
	if !allowedMessageReports[state] {
		return domain.Message{}, StateTransitionError{Entity: "message", ID: messageID, State: string(state), Reason: "state not externally reportable"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, err
	}
	defer tx.Rollback()

	n, err := e.Events.CountMessageStates(ctx, tx, messageID)
	if err != nil {
		return domain.Message{}, err
	}
	if n >= maxStateEvents {
		return domain.Message{}, StateTransitionError{Entity: "message", ID: messageID, State: string(state), Reason: "transition history exhausted"}
	}

	if state == domain.MessageDelivered {
		m.Delivered = true
	}
	if err := e.Repo.UpdateMessageStateTx(ctx, tx, messageID, m.Delivered, m.Validated, ""); err != nil {
		return domain.Message{}, err
	}
	if err := e.Events.AppendMessageState(ctx, tx, messageID, state, info); err != nil {
		return domain.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

// MessageCreateOptions are parameters for creating a message directly,
// outside schedule generation.
type MessageCreateOptions struct {
	SubjectID     string
	Kind          domain.MessageKind
	SourceID      string
	ScheduledTime int64
	TTLSeconds    int
	Title         string
	Body          string
	Sound         string
	Data          map[string]string
	EmailEnabled  bool
	DryRun        bool
}

// CreateMessage inserts a message directly. Unlike generation, a duplicate
// natural key is an error the caller sees.
func (e Engine) CreateMessage(ctx context.Context, opts MessageCreateOptions) (domain.Message, error) {
	if opts.ScheduledTime <= 0 {
		return domain.Message{}, errors.New("scheduled time is required")
	}
	subject, err := e.Repo.GetSubject(ctx, opts.SubjectID)
	if err != nil {
		return domain.Message{}, err
	}
	kind := opts.Kind
	switch kind {
	case domain.KindNotification, domain.KindData:
	default:
		kind = domain.KindUnknown
	}
	m := domain.Message{
		ID:            uuid.New().String(),
		Kind:          kind,
		SubjectID:     subject.ID,
		ProjectID:     subject.ProjectID,
		SourceID:      opts.SourceID,
		ScheduledTime: opts.ScheduledTime,
		TTLSeconds:    opts.TTLSeconds,
		Title:         opts.Title,
		Body:          opts.Body,
		Sound:         opts.Sound,
		Data:          opts.Data,
		EmailEnabled:  opts.EmailEnabled,
		DryRun:        opts.DryRun,
		CreatedAt:     e.now().UTC().Format(time.RFC3339),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMessageTx(ctx, tx, m); err != nil {
		return domain.Message{}, err
	}
	if err := e.Events.AppendMessageState(ctx, tx, m.ID, domain.MessageAdded, ""); err != nil {
		return domain.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, err
	}
	if err := e.Dispatch.Schedule(m); err != nil {
		return m, fmt.Errorf("register trigger: %w", err)
	}
	return m, nil
}

// UpdateMessage moves a message to a new scheduled time and/or payload and
// re-registers its trigger. The transition is recorded as UPDATED.
func (e Engine) UpdateMessage(ctx context.Context, id string, scheduledTime int64, title, body string) (domain.Message, error) {
	m, err := e.Repo.GetMessage(ctx, id)
	if err != nil {
		return domain.Message{}, err
	}
	if scheduledTime > 0 {
		m.ScheduledTime = scheduledTime
	}
	if title != "" {
		m.Title = title
	}
	if body != "" {
		m.Body = body
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMessageContentTx(ctx, tx, m); err != nil {
		return domain.Message{}, err
	}
	if err := e.Events.AppendMessageState(ctx, tx, m.ID, domain.MessageUpdated, ""); err != nil {
		return domain.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, err
	}
	if err := e.Dispatch.UpdateScheduled(m); err != nil {
		return m, fmt.Errorf("re-register trigger: %w", err)
	}
	return m, nil
}

// DeleteMessage removes a message and cancels its trigger.
func (e Engine) DeleteMessage(ctx context.Context, id string) error {
	m, err := e.Repo.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteMessage(ctx, id); err != nil {
		return err
	}
	e.Dispatch.DeleteScheduled(m.SubjectID, m.ID)
	return nil
}
