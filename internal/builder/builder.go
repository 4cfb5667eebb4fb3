// Package builder constructs Task and Message values from assessment
// definitions and computed instants.
package builder

import (
	"time"

	"github.com/google/uuid"

	"studyline/internal/domain"
)

// DefaultCompletionWindow applies when an assessment protocol carries no
// completion window rule.
const DefaultCompletionWindow = 24 * 60 * 60 * 1000 // millis

// Task builds a task for one occurrence of an assessment. Status starts at
// UNKNOWN; it moves to ADDED on first persistence.
func Task(a domain.Assessment, subject domain.Subject, ts time.Time, completionWindowMillis int64) domain.Task {
	if completionWindowMillis <= 0 {
		completionWindowMillis = DefaultCompletionWindow
	}
	return domain.Task{
		ID:                      uuid.New().String(),
		SubjectID:               subject.ID,
		ProjectID:               subject.ProjectID,
		Name:                    a.Name,
		Type:                    a.Type,
		Timestamp:               ts.UnixMilli(),
		CompletionWindow:        completionWindowMillis,
		Completed:               false,
		Status:                  domain.TaskUnknown,
		Priority:                a.Protocol.Priority,
		NQuestions:              a.NQuestions,
		EstimatedCompletionTime: a.Protocol.EstimatedCompletionTime,
		ShowInCalendar:          a.ShowInCalendar,
		IsDemo:                  a.IsDemo,
		Order:                   a.Order,
	}
}

// Notification builds a push notification tied to a task. The TTL is derived
// from the task's completion window so the notification expires no later than
// the task's completion deadline.
func Notification(task domain.Task, scheduled time.Time, title, body string, emailEnabled bool) domain.Message {
	taskID := task.ID
	return domain.Message{
		ID:            uuid.New().String(),
		Kind:          domain.KindNotification,
		SubjectID:     task.SubjectID,
		ProjectID:     task.ProjectID,
		TaskID:        &taskID,
		SourceID:      task.Name,
		ScheduledTime: scheduled.UnixMilli(),
		TTLSeconds:    ttlSeconds(task),
		Title:         title,
		Body:          body,
		Sound:         "default",
		EmailEnabled:  emailEnabled,
	}
}

// DataMessage builds a data message tied to a task, carrying an opaque
// string payload for the client application.
func DataMessage(task domain.Task, scheduled time.Time, data map[string]string) domain.Message {
	taskID := task.ID
	return domain.Message{
		ID:            uuid.New().String(),
		Kind:          domain.KindData,
		SubjectID:     task.SubjectID,
		ProjectID:     task.ProjectID,
		TaskID:        &taskID,
		SourceID:      task.Name,
		ScheduledTime: scheduled.UnixMilli(),
		TTLSeconds:    ttlSeconds(task),
		Data:          data,
	}
}

func ttlSeconds(task domain.Task) int {
	window := task.CompletionWindow
	if window <= 0 {
		window = DefaultCompletionWindow
	}
	return int(window / 1000)
}
