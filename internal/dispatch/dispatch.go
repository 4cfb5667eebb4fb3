// Package dispatch maps persisted messages onto delivery triggers. Each
// message gets at most one trigger job, keyed deterministically from its
// identifiers, so reconciliation can re-run any number of times without
// duplicating deliveries.
package dispatch

import (
	"fmt"
	"strings"
	"time"

	"studyline/internal/domain"
	"studyline/internal/trigger"
)

// Payload identifies the message a fired trigger should deliver.
type Payload struct {
	SubjectID string             `json:"subject_id"`
	ProjectID string             `json:"project_id"`
	MessageID string             `json:"message_id"`
	Kind      domain.MessageKind `json:"kind"`
}

type Scheduler struct {
	Registry trigger.Registry
}

// JobID derives the trigger job key for a message. The separator token keeps
// subject and message IDs parseable back out of the key.
func JobID(subjectID, messageID string) string {
	return subjectID + "-MESSAGE-" + messageID
}

// ParseJobID splits a job key back into subject and message IDs.
func ParseJobID(jobID string) (subjectID, messageID string, err error) {
	idx := strings.LastIndex(jobID, "-MESSAGE-")
	if idx < 0 {
		return "", "", fmt.Errorf("malformed job id %q", jobID)
	}
	return jobID[:idx], jobID[idx+len("-MESSAGE-"):], nil
}

// Schedule registers a trigger for one message. An already registered job is
// left as is.
func (s Scheduler) Schedule(m domain.Message) error {
	jobID := JobID(m.SubjectID, m.ID)
	if s.Registry.JobExists(jobID) {
		return nil
	}
	return s.Registry.RegisterOneShot(jobID, time.UnixMilli(m.ScheduledTime))
}

func (s Scheduler) ScheduleMultiple(msgs []domain.Message) error {
	for _, m := range msgs {
		if err := s.Schedule(m); err != nil {
			return fmt.Errorf("schedule message %s: %w", m.ID, err)
		}
	}
	return nil
}

// UpdateScheduled replaces a message's trigger, moving it to the message's
// current scheduled time.
func (s Scheduler) UpdateScheduled(m domain.Message) error {
	jobID := JobID(m.SubjectID, m.ID)
	s.Registry.CancelJob(jobID)
	return s.Registry.RegisterOneShot(jobID, time.UnixMilli(m.ScheduledTime))
}

// DeleteScheduled cancels a message's trigger. Unknown jobs are ignored so
// deletion stays idempotent.
func (s Scheduler) DeleteScheduled(subjectID, messageID string) {
	s.Registry.CancelJob(JobID(subjectID, messageID))
}

func (s Scheduler) DeleteScheduledMultiple(msgs []domain.Message) {
	for _, m := range msgs {
		s.DeleteScheduled(m.SubjectID, m.ID)
	}
}

// PayloadFor builds the delivery payload for a message, normalizing
// unrecognized kinds to UNKNOWN.
func PayloadFor(m domain.Message) Payload {
	kind := m.Kind
	switch kind {
	case domain.KindNotification, domain.KindData:
	default:
		kind = domain.KindUnknown
	}
	return Payload{
		SubjectID: m.SubjectID,
		ProjectID: m.ProjectID,
		MessageID: m.ID,
		Kind:      kind,
	}
}
