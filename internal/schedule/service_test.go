package schedule_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"studyline/internal/db"
	"studyline/internal/dispatch"
	"studyline/internal/domain"
	"studyline/internal/events"
	"studyline/internal/migrate"
	"studyline/internal/pipeline"
	"studyline/internal/protocol"
	"studyline/internal/repo"
	"studyline/internal/schedule"
	"studyline/internal/trigger"
)

var testNow = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	repo     repo.Repo
	events   events.Writer
	protocol *protocol.Client
	registry *trigger.MemoryRegistry
	service  *schedule.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ev := events.Writer{DB: conn}
	pc := &protocol.Client{Repo: r}
	reg := trigger.NewMemoryRegistry(nil)
	reg.Now = func() time.Time { return testNow }
	t.Cleanup(reg.Stop)

	svc, err := schedule.NewService(r, ev, pc, dispatch.Scheduler{Registry: reg}, 16, 2)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	svc.Runner = pipeline.Runner{Now: func() time.Time { return testNow }}
	return &fixture{repo: r, events: ev, protocol: pc, registry: reg, service: svc}
}

func (f *fixture) seed(t *testing.T, version string) {
	t.Helper()
	ctx := context.Background()
	now := testNow.Format(time.RFC3339)
	if err := f.repo.InsertProject(ctx, domain.Project{ID: "proj-1", CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := f.repo.InsertSubject(ctx, domain.Subject{
		ID:            "sub-1",
		ProjectID:     "proj-1",
		Timezone:      "Europe/London",
		Language:      "en",
		EnrolmentDate: "2024-01-01T12:00:00Z",
		CreatedAt:     now,
	}); err != nil {
		t.Fatal(err)
	}
	f.putDoc(t, version)
}

func (f *fixture) putDoc(t *testing.T, version string) {
	t.Helper()
	_, err := f.protocol.Put(context.Background(), "proj-1", domain.ProtocolDoc{
		Version: version,
		Assessments: []domain.Assessment{{
			Name:       "PHQ8",
			Type:       domain.AssessmentSimple,
			NQuestions: 8,
			Protocol: domain.Protocol{
				RepeatProtocol:      &domain.RepeatProtocol{Unit: domain.UnitWeek, Amount: 1},
				RepeatQuestionnaire: &domain.RepeatQuestionnaire{Unit: domain.UnitDay, Offsets: []int64{0}},
				Notification: &domain.NotificationRule{
					Title: map[string]string{"en": "Time for {assessment}"},
					Body:  map[string]string{"en": "{assessment} is ready"},
				},
				EstimatedCompletionTime: 5,
			},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.protocol.Invalidate("proj-1")
	f.service.Invalidate("sub-1")
}

func TestReconcileGeneratesAndPersists(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "v1")
	ctx := context.Background()

	sched, err := f.service.Reconcile(ctx, "sub-1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if sched.Version != "v1" || sched.Timezone != "Europe/London" {
		t.Fatalf("schedule provenance wrong: %+v", sched)
	}

	tasks, err := f.repo.ListTasks(ctx, repo.TaskFilters{SubjectID: "sub-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 persisted tasks, got %d", len(tasks))
	}
	for _, task := range tasks {
		if task.Status != domain.TaskAdded {
			t.Fatalf("expected ADDED status after persistence, got %s", task.Status)
		}
		states, err := f.events.ListTaskStates(ctx, task.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(states) != 1 || states[0].State != domain.TaskAdded {
			t.Fatalf("expected one ADDED state event, got %+v", states)
		}
	}

	msgs, err := f.repo.ListMessages(ctx, repo.MessageFilters{SubjectID: "sub-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(msgs))
	}
	// The later notification is still pending; the past-due one fires on
	// registration and removes itself.
	future := msgs[len(msgs)-1]
	if !f.registry.JobExists(dispatch.JobID("sub-1", future.ID)) {
		t.Fatalf("expected a pending trigger for message %s", future.ID)
	}
}

func TestReconcileWithoutDriftKeepsTasks(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "v1")
	ctx := context.Background()

	if _, err := f.service.Reconcile(ctx, "sub-1"); err != nil {
		t.Fatal(err)
	}
	first, err := f.repo.ListTasks(ctx, repo.TaskFilters{SubjectID: "sub-1"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.service.Reconcile(ctx, "sub-1"); err != nil {
		t.Fatal(err)
	}
	second, err := f.repo.ListTasks(ctx, repo.TaskFilters{SubjectID: "sub-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != len(second) {
		t.Fatalf("task count changed without drift")
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("tasks regenerated without version or timezone drift")
		}
	}
}

func TestVersionDriftRebuildsAndCarriesCompletion(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "v1")
	ctx := context.Background()

	if _, err := f.service.Reconcile(ctx, "sub-1"); err != nil {
		t.Fatal(err)
	}
	tasks, err := f.repo.ListTasks(ctx, repo.TaskFilters{SubjectID: "sub-1"})
	if err != nil {
		t.Fatal(err)
	}
	doneAt := testNow.Add(-time.Hour).UnixMilli()
	tx, err := f.repo.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.repo.UpdateTaskStateTx(ctx, tx, tasks[0].ID, domain.TaskCompleted, true, &doneAt); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	f.putDoc(t, "v2")
	sched, err := f.service.Reconcile(ctx, "sub-1")
	if err != nil {
		t.Fatal(err)
	}
	if sched.Version != "v2" {
		t.Fatalf("expected rebuilt schedule at v2, got %q", sched.Version)
	}

	rebuilt, err := f.repo.ListTasks(ctx, repo.TaskFilters{SubjectID: "sub-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rebuilt) != 2 {
		t.Fatalf("expected 2 rebuilt tasks, got %d", len(rebuilt))
	}
	var carried bool
	for _, task := range rebuilt {
		if task.Timestamp == tasks[0].Timestamp {
			if task.Status != domain.TaskCompleted || !task.Completed {
				t.Fatalf("completion not carried over: %+v", task)
			}
			if task.CompletedAt == nil || *task.CompletedAt != doneAt {
				t.Fatalf("completion instant not preserved")
			}
			carried = true
		}
	}
	if !carried {
		t.Fatalf("no rebuilt task matched the completed one")
	}

	// Completed tasks must not get fresh notifications.
	msgs, err := f.repo.ListMessages(ctx, repo.MessageFilters{SubjectID: "sub-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 notification after carry-over, got %d", len(msgs))
	}
}

func TestTimezoneDriftRebuilds(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "v1")
	ctx := context.Background()

	if _, err := f.service.Reconcile(ctx, "sub-1"); err != nil {
		t.Fatal(err)
	}
	subject, err := f.repo.GetSubject(ctx, "sub-1")
	if err != nil {
		t.Fatal(err)
	}
	subject.Timezone = "America/New_York"
	if err := f.repo.UpdateSubject(ctx, subject); err != nil {
		t.Fatal(err)
	}

	sched, err := f.service.Reconcile(ctx, "sub-1")
	if err != nil {
		t.Fatal(err)
	}
	if sched.Timezone != "America/New_York" {
		t.Fatalf("schedule timezone not updated: %q", sched.Timezone)
	}
	ny, _ := time.LoadLocation("America/New_York")
	tasks, err := f.repo.ListTasks(ctx, repo.TaskFilters{SubjectID: "sub-1"})
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range tasks {
		local := time.UnixMilli(task.Timestamp).In(ny)
		if local.Hour() != 0 {
			t.Fatalf("task %v not at New York midnight", local)
		}
	}
}

func (f *fixture) putTwoAssessmentDoc(t *testing.T, version string) {
	t.Helper()
	rules := domain.Protocol{
		RepeatProtocol:      &domain.RepeatProtocol{Unit: domain.UnitWeek, Amount: 1},
		RepeatQuestionnaire: &domain.RepeatQuestionnaire{Unit: domain.UnitDay, Offsets: []int64{0}},
		Notification: &domain.NotificationRule{
			Title: map[string]string{"en": "Time for {assessment}"},
			Body:  map[string]string{"en": "{assessment} is ready"},
		},
		EstimatedCompletionTime: 5,
	}
	_, err := f.protocol.Put(context.Background(), "proj-1", domain.ProtocolDoc{
		Version: version,
		Assessments: []domain.Assessment{
			{Name: "PHQ8", Type: domain.AssessmentSimple, NQuestions: 8, Protocol: rules},
			{Name: "GAD7", Type: domain.AssessmentSimple, NQuestions: 7, Protocol: rules},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.protocol.Invalidate("proj-1")
	f.service.Invalidate("sub-1")
}

func TestRebuildKeepsDirectMessages(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "v1")
	ctx := context.Background()

	if _, err := f.service.Reconcile(ctx, "sub-1"); err != nil {
		t.Fatal(err)
	}
	direct := domain.Message{
		ID:            "direct-1",
		Kind:          domain.KindNotification,
		SubjectID:     "sub-1",
		ProjectID:     "proj-1",
		SourceID:      "manual",
		ScheduledTime: testNow.Add(time.Hour).UnixMilli(),
		TTLSeconds:    3600,
		Title:         "Checkup",
		Body:          "Please complete your questionnaire",
		CreatedAt:     testNow.Format(time.RFC3339),
	}
	if err := f.repo.InsertMessage(ctx, direct); err != nil {
		t.Fatal(err)
	}
	if err := (dispatch.Scheduler{Registry: f.registry}).Schedule(direct); err != nil {
		t.Fatal(err)
	}

	f.putDoc(t, "v2")
	if _, err := f.service.Reconcile(ctx, "sub-1"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.repo.GetMessage(ctx, "direct-1"); err != nil {
		t.Fatalf("direct message lost in rebuild: %v", err)
	}
	if !f.registry.JobExists(dispatch.JobID("sub-1", "direct-1")) {
		t.Fatalf("direct message trigger cancelled by rebuild")
	}
}

func TestReconcileAssessmentLeavesOthersAlone(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "v1")
	f.putTwoAssessmentDoc(t, "v1")
	ctx := context.Background()

	if _, err := f.service.Reconcile(ctx, "sub-1"); err != nil {
		t.Fatal(err)
	}
	before, err := f.repo.ListTasks(ctx, repo.TaskFilters{SubjectID: "sub-1", Name: "GAD7"})
	if err != nil {
		t.Fatal(err)
	}
	if len(before) == 0 {
		t.Fatalf("expected GAD7 tasks before the partial rebuild")
	}

	sched, err := f.service.ReconcileAssessment(ctx, "sub-1", "PHQ8")
	if err != nil {
		t.Fatalf("reconcile assessment: %v", err)
	}
	if len(sched.AssessmentSchedules) != 1 || sched.AssessmentSchedules[0].Name != "PHQ8" {
		t.Fatalf("expected a PHQ8-only schedule, got %+v", sched.AssessmentSchedules)
	}

	after, err := f.repo.ListTasks(ctx, repo.TaskFilters{SubjectID: "sub-1", Name: "GAD7"})
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(before) {
		t.Fatalf("GAD7 task count changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i].ID != after[i].ID {
			t.Fatalf("GAD7 tasks regenerated by a PHQ8 rebuild")
		}
	}
	phq, err := f.repo.ListTasks(ctx, repo.TaskFilters{SubjectID: "sub-1", Name: "PHQ8"})
	if err != nil {
		t.Fatal(err)
	}
	if len(phq) != 2 {
		t.Fatalf("expected 2 rebuilt PHQ8 tasks, got %d", len(phq))
	}

	if _, err := f.service.ReconcileAssessment(ctx, "sub-1", "NOPE"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for an unknown assessment, got %v", err)
	}
}

func TestLoopPassReconcilesAllSubjects(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "v1")
	ctx := context.Background()
	now := testNow.Format(time.RFC3339)
	if err := f.repo.InsertSubject(ctx, domain.Subject{
		ID:            "sub-2",
		ProjectID:     "proj-1",
		Timezone:      "Europe/London",
		EnrolmentDate: "2024-01-01T12:00:00Z",
		CreatedAt:     now,
	}); err != nil {
		t.Fatal(err)
	}

	loop := schedule.Loop{Service: f.service, Workers: 2}
	loop.Pass(ctx)

	for _, id := range []string{"sub-1", "sub-2"} {
		tasks, err := f.repo.ListTasks(ctx, repo.TaskFilters{SubjectID: id})
		if err != nil {
			t.Fatal(err)
		}
		if len(tasks) == 0 {
			t.Fatalf("subject %s has no tasks after loop pass", id)
		}
	}
}
