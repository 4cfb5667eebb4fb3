// Package schedule reconciles each subject's persisted tasks and messages
// with the current protocol document. A capacity-bounded cache remembers the
// protocol version and timezone each subject's schedule was generated from;
// drift in either forces a full delete-then-rebuild, with completion state
// carried over by the pipeline.
package schedule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sourcegraph/conc/pool"

	"studyline/internal/dispatch"
	"studyline/internal/domain"
	"studyline/internal/events"
	"studyline/internal/pipeline"
	"studyline/internal/protocol"
	"studyline/internal/repo"
)

type Service struct {
	Repo     repo.Repo
	Events   events.Writer
	Protocol *protocol.Client
	Dispatch dispatch.Scheduler
	Runner   pipeline.Runner
	Workers  int
	Now      func() time.Time

	cache *lru.Cache[string, domain.Schedule]

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(r repo.Repo, ev events.Writer, pc *protocol.Client, d dispatch.Scheduler, cacheSize, workers int) (*Service, error) {
	if cacheSize <= 0 {
		cacheSize = 512
	}
	cache, err := lru.New[string, domain.Schedule](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{
		Repo:     r,
		Events:   ev,
		Protocol: pc,
		Dispatch: d,
		Workers:  workers,
		cache:    cache,
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// subjectLock serializes reconciliation per subject; different subjects
// proceed in parallel.
func (s *Service) subjectLock(subjectID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.locks[subjectID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[subjectID] = mu
	}
	return mu
}

// Cached returns the subject's schedule without touching storage or the
// protocol source.
func (s *Service) Cached(subjectID string) (domain.Schedule, bool) {
	return s.cache.Get(subjectID)
}

// Invalidate drops the subject's cached schedule so the next reconcile
// rebuilds unconditionally.
func (s *Service) Invalidate(subjectID string) {
	s.cache.Remove(subjectID)
}

// Reconcile brings one subject's schedule up to date with the current
// protocol document. With no version or timezone drift it returns the cached
// schedule untouched.
func (s *Service) Reconcile(ctx context.Context, subjectID string) (domain.Schedule, error) {
	mu := s.subjectLock(subjectID)
	mu.Lock()
	defer mu.Unlock()

	subject, err := s.Repo.GetSubject(ctx, subjectID)
	if err != nil {
		return domain.Schedule{}, err
	}
	doc, err := s.Protocol.Get(ctx, subject.ProjectID)
	if err != nil {
		return domain.Schedule{}, err
	}
	if cached, ok := s.cache.Get(subjectID); ok &&
		cached.Version == doc.Version && cached.Timezone == subject.Timezone {
		return cached, nil
	}
	return s.regenerate(ctx, subject, doc)
}

func (s *Service) regenerate(ctx context.Context, subject domain.Subject, doc domain.ProtocolDoc) (domain.Schedule, error) {
	prevTimezone := subject.Timezone
	if cached, ok := s.cache.Get(subject.ID); ok && cached.Timezone != "" {
		prevTimezone = cached.Timezone
	}

	// Directly created messages carry no task; the rebuild leaves them and
	// their triggers alone.
	prevMessages, err := s.Repo.ListMessages(ctx, repo.MessageFilters{SubjectID: subject.ID})
	if err != nil {
		return domain.Schedule{}, err
	}
	prevGenerated := generatedMessages(prevMessages)

	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Schedule{}, err
	}
	defer tx.Rollback()

	prevTasks, err := s.Repo.ListTasksForSubjectTx(ctx, tx, subject.ID)
	if err != nil {
		return domain.Schedule{}, err
	}

	assessmentSchedules := s.generate(doc.Assessments, subject, prevTasks, prevTimezone)

	if err := s.Repo.DeleteGeneratedMessagesForSubjectTx(ctx, tx, subject.ID); err != nil {
		return domain.Schedule{}, err
	}
	if err := s.Repo.DeleteTasksForSubjectTx(ctx, tx, subject.ID); err != nil {
		return domain.Schedule{}, err
	}

	now := s.now().UTC().Format(time.RFC3339)
	var scheduled []domain.Message
	for ai := range assessmentSchedules {
		msgs, err := s.insertAssessment(ctx, tx, &assessmentSchedules[ai], now)
		if err != nil {
			return domain.Schedule{}, err
		}
		scheduled = append(scheduled, msgs...)
	}
	if err := tx.Commit(); err != nil {
		return domain.Schedule{}, err
	}

	sched := domain.Schedule{
		AssessmentSchedules: assessmentSchedules,
		Version:             doc.Version,
		Timezone:            subject.Timezone,
		GeneratedAt:         now,
	}
	s.cache.Add(subject.ID, sched)

	s.Dispatch.DeleteScheduledMultiple(prevGenerated)
	if err := s.Dispatch.ScheduleMultiple(scheduled); err != nil {
		return sched, fmt.Errorf("register triggers: %w", err)
	}
	return sched, nil
}

// ReconcileAssessment rebuilds one assessment's tasks and messages, leaving
// the rest of the subject's schedule untouched.
func (s *Service) ReconcileAssessment(ctx context.Context, subjectID, name string) (domain.Schedule, error) {
	mu := s.subjectLock(subjectID)
	mu.Lock()
	defer mu.Unlock()

	subject, err := s.Repo.GetSubject(ctx, subjectID)
	if err != nil {
		return domain.Schedule{}, err
	}
	doc, err := s.Protocol.Get(ctx, subject.ProjectID)
	if err != nil {
		return domain.Schedule{}, err
	}
	var assessment *domain.Assessment
	for i := range doc.Assessments {
		if doc.Assessments[i].Name == name {
			assessment = &doc.Assessments[i]
			break
		}
	}
	if assessment == nil {
		return domain.Schedule{}, fmt.Errorf("assessment %s: %w", name, repo.ErrNotFound)
	}

	prevTimezone := subject.Timezone
	if cached, ok := s.cache.Get(subjectID); ok && cached.Timezone != "" {
		prevTimezone = cached.Timezone
	}
	prevMessages, err := s.Repo.ListMessages(ctx, repo.MessageFilters{SubjectID: subjectID})
	if err != nil {
		return domain.Schedule{}, err
	}

	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Schedule{}, err
	}
	defer tx.Rollback()

	prevTasks, err := s.Repo.ListTasksForSubjectTx(ctx, tx, subjectID)
	if err != nil {
		return domain.Schedule{}, err
	}
	prev := tasksForAssessment(prevTasks, name)

	as, err := s.Runner.Run(*assessment, subject, pipeline.HandlersFor(*assessment, prev, prevTimezone))
	if err != nil {
		return domain.Schedule{}, err
	}

	prevIDs := make(map[string]bool, len(prev))
	for _, t := range prev {
		prevIDs[t.ID] = true
	}
	var obsolete []domain.Message
	for _, m := range prevMessages {
		if m.TaskID != nil && prevIDs[*m.TaskID] {
			obsolete = append(obsolete, m)
		}
	}
	for _, m := range obsolete {
		if err := s.Repo.DeleteMessageTx(ctx, tx, m.ID); err != nil {
			return domain.Schedule{}, err
		}
	}
	for _, t := range prev {
		if err := s.Repo.DeleteTaskTx(ctx, tx, t.ID); err != nil {
			return domain.Schedule{}, err
		}
	}

	now := s.now().UTC().Format(time.RFC3339)
	scheduled, err := s.insertAssessment(ctx, tx, &as, now)
	if err != nil {
		return domain.Schedule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Schedule{}, err
	}

	if cached, ok := s.cache.Get(subjectID); ok && cached.Version == doc.Version {
		for i := range cached.AssessmentSchedules {
			if cached.AssessmentSchedules[i].Name == name {
				cached.AssessmentSchedules[i] = as
			}
		}
		cached.GeneratedAt = now
		s.cache.Add(subjectID, cached)
	}

	sched := domain.Schedule{
		AssessmentSchedules: []domain.AssessmentSchedule{as},
		Version:             doc.Version,
		Timezone:            subject.Timezone,
		GeneratedAt:         now,
	}
	s.Dispatch.DeleteScheduledMultiple(obsolete)
	if err := s.Dispatch.ScheduleMultiple(scheduled); err != nil {
		return sched, fmt.Errorf("register triggers: %w", err)
	}
	return sched, nil
}

// insertAssessment persists one assessment's tasks and messages inside the
// rebuild transaction and returns the messages needing triggers.
func (s *Service) insertAssessment(ctx context.Context, tx *sql.Tx, as *domain.AssessmentSchedule, now string) ([]domain.Message, error) {
	completedTasks := make(map[string]bool)
	insertedTasks := make(map[string]bool)
	for ti := range as.Tasks {
		task := &as.Tasks[ti]
		if task.Status == domain.TaskUnknown {
			task.Status = domain.TaskAdded
		}
		task.CreatedAt = now
		err := s.Repo.InsertTaskTx(ctx, tx, *task)
		if errors.Is(err, repo.ErrAlreadyExists) {
			// Two offsets landed on the same instant; keep the first.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("insert task %s: %w", task.Name, err)
		}
		insertedTasks[task.ID] = true
		if task.Status == domain.TaskCompleted {
			completedTasks[task.ID] = true
		}
		if err := s.Events.AppendTaskState(ctx, tx, task.ID, task.Status, ""); err != nil {
			return nil, err
		}
	}
	var scheduled []domain.Message
	for _, m := range append(append([]domain.Message{}, as.Notifications...), as.Reminders...) {
		// Messages for deduped or already completed tasks are dropped.
		if m.TaskID != nil && !insertedTasks[*m.TaskID] {
			continue
		}
		if m.TaskID != nil && completedTasks[*m.TaskID] {
			continue
		}
		m.CreatedAt = now
		err := s.Repo.InsertMessageTx(ctx, tx, m)
		if errors.Is(err, repo.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("insert message for %s: %w", m.SourceID, err)
		}
		if err := s.Events.AppendMessageState(ctx, tx, m.ID, domain.MessageAdded, ""); err != nil {
			return nil, err
		}
		scheduled = append(scheduled, m)
	}
	return scheduled, nil
}

func generatedMessages(msgs []domain.Message) []domain.Message {
	var res []domain.Message
	for _, m := range msgs {
		if m.TaskID != nil {
			res = append(res, m)
		}
	}
	return res
}

// generate runs the pipeline for every assessment, fanning out across a
// bounded worker pool. A misconfigured assessment is logged and yields an
// empty schedule; it never fails the subject.
func (s *Service) generate(assessments []domain.Assessment, subject domain.Subject, prevTasks []domain.Task, prevTimezone string) []domain.AssessmentSchedule {
	workers := s.Workers
	if workers <= 0 {
		workers = 4
	}
	results := make([]domain.AssessmentSchedule, len(assessments))
	p := pool.New().WithMaxGoroutines(workers)
	for i, a := range assessments {
		i, a := i, a
		p.Go(func() {
			prev := tasksForAssessment(prevTasks, a.Name)
			as, err := s.Runner.Run(a, subject, pipeline.HandlersFor(a, prev, prevTimezone))
			if err != nil {
				log.Printf("schedule: subject %s assessment %s: %v", subject.ID, a.Name, err)
				results[i] = domain.AssessmentSchedule{Name: a.Name}
				return
			}
			results[i] = as
		})
	}
	p.Wait()
	return results
}

func tasksForAssessment(tasks []domain.Task, name string) []domain.Task {
	var res []domain.Task
	for _, t := range tasks {
		if t.Name == name {
			res = append(res, t)
		}
	}
	return res
}
