package builder_test

import (
	"testing"
	"time"

	"studyline/internal/builder"
	"studyline/internal/domain"
)

func TestTaskDefaults(t *testing.T) {
	a := domain.Assessment{
		Name:       "PHQ8",
		Type:       domain.AssessmentSimple,
		NQuestions: 8,
		Protocol:   domain.Protocol{Priority: 2, EstimatedCompletionTime: 5},
	}
	subject := domain.Subject{ID: "sub-1", ProjectID: "proj-1"}
	ts := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	task := builder.Task(a, subject, ts, 0)
	if task.ID == "" {
		t.Fatalf("expected generated id")
	}
	if task.Status != domain.TaskUnknown {
		t.Fatalf("expected UNKNOWN status, got %s", task.Status)
	}
	if task.Completed {
		t.Fatalf("expected completed=false")
	}
	if task.CompletionWindow != builder.DefaultCompletionWindow {
		t.Fatalf("expected default completion window, got %d", task.CompletionWindow)
	}
	if task.Timestamp != ts.UnixMilli() {
		t.Fatalf("timestamp mismatch")
	}
	if task.Priority != 2 || task.NQuestions != 8 {
		t.Fatalf("expected priority/question count copied from assessment")
	}
}

func TestNotificationTTLFromCompletionWindow(t *testing.T) {
	task := domain.Task{
		ID:               "task-1",
		SubjectID:        "sub-1",
		ProjectID:        "proj-1",
		Name:             "PHQ8",
		CompletionWindow: 6 * 60 * 60 * 1000,
	}
	scheduled := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	n := builder.Notification(task, scheduled, "Questionnaire time", "PHQ8 is ready", true)
	if n.Kind != domain.KindNotification {
		t.Fatalf("expected notification kind, got %s", n.Kind)
	}
	if n.TTLSeconds != 6*60*60 {
		t.Fatalf("expected ttl %d, got %d", 6*60*60, n.TTLSeconds)
	}
	if n.TaskID == nil || *n.TaskID != "task-1" {
		t.Fatalf("expected owning task reference")
	}
	if n.SourceID != "PHQ8" {
		t.Fatalf("expected source id from task name")
	}
	if !n.EmailEnabled {
		t.Fatalf("expected email flag carried over")
	}
}

func TestDataMessagePayload(t *testing.T) {
	task := domain.Task{ID: "task-1", SubjectID: "sub-1", Name: "PHQ8", CompletionWindow: 1000}
	m := builder.DataMessage(task, time.Now(), map[string]string{"action": "QUESTIONNAIRE"})
	if m.Kind != domain.KindData {
		t.Fatalf("expected data kind")
	}
	if m.Data["action"] != "QUESTIONNAIRE" {
		t.Fatalf("expected payload map carried")
	}
	if m.TTLSeconds != 1 {
		t.Fatalf("expected ttl derived from window, got %d", m.TTLSeconds)
	}
}
