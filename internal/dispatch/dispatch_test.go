package dispatch_test

import (
	"testing"
	"time"

	"studyline/internal/dispatch"
	"studyline/internal/domain"
	"studyline/internal/trigger"
)

func message(id, subject string, at time.Time) domain.Message {
	return domain.Message{
		ID:            id,
		Kind:          domain.KindNotification,
		SubjectID:     subject,
		ProjectID:     "proj-1",
		ScheduledTime: at.UnixMilli(),
		TTLSeconds:    3600,
	}
}

func TestScheduleIsIdempotent(t *testing.T) {
	reg := trigger.NewMemoryRegistry(nil)
	defer reg.Stop()
	s := dispatch.Scheduler{Registry: reg}

	m := message("msg-1", "sub-1", time.Now().Add(time.Hour))
	if err := s.Schedule(m); err != nil {
		t.Fatal(err)
	}
	if err := s.Schedule(m); err != nil {
		t.Fatal(err)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected single job, got %d", reg.Len())
	}
	if !reg.JobExists(dispatch.JobID("sub-1", "msg-1")) {
		t.Fatalf("job key not derived from subject and message ids")
	}
}

func TestScheduleMultipleAndDelete(t *testing.T) {
	reg := trigger.NewMemoryRegistry(nil)
	defer reg.Stop()
	s := dispatch.Scheduler{Registry: reg}

	msgs := []domain.Message{
		message("msg-1", "sub-1", time.Now().Add(time.Hour)),
		message("msg-2", "sub-1", time.Now().Add(2*time.Hour)),
	}
	if err := s.ScheduleMultiple(msgs); err != nil {
		t.Fatal(err)
	}
	if reg.Len() != 2 {
		t.Fatalf("expected 2 jobs, got %d", reg.Len())
	}

	s.DeleteScheduledMultiple(msgs)
	if reg.Len() != 0 {
		t.Fatalf("expected no jobs after delete, got %d", reg.Len())
	}
	// Deleting again must not panic or error.
	s.DeleteScheduled("sub-1", "msg-1")
}

func TestUpdateScheduledReplacesJob(t *testing.T) {
	reg := trigger.NewMemoryRegistry(nil)
	defer reg.Stop()
	s := dispatch.Scheduler{Registry: reg}

	m := message("msg-1", "sub-1", time.Now().Add(time.Hour))
	if err := s.Schedule(m); err != nil {
		t.Fatal(err)
	}
	m.ScheduledTime = time.Now().Add(3 * time.Hour).UnixMilli()
	if err := s.UpdateScheduled(m); err != nil {
		t.Fatal(err)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected single job after update, got %d", reg.Len())
	}
}

func TestParseJobID(t *testing.T) {
	subject, msg, err := dispatch.ParseJobID(dispatch.JobID("sub-1", "msg-1"))
	if err != nil {
		t.Fatal(err)
	}
	if subject != "sub-1" || msg != "msg-1" {
		t.Fatalf("round trip failed: %q %q", subject, msg)
	}
	if _, _, err := dispatch.ParseJobID("garbage"); err == nil {
		t.Fatalf("expected error for malformed id")
	}
}

func TestPayloadNormalizesUnknownKind(t *testing.T) {
	m := message("msg-1", "sub-1", time.Now())
	m.Kind = domain.MessageKind("CARRIER_PIGEON")
	p := dispatch.PayloadFor(m)
	if p.Kind != domain.KindUnknown {
		t.Fatalf("expected UNKNOWN kind, got %s", p.Kind)
	}
	if p.MessageID != "msg-1" || p.SubjectID != "sub-1" {
		t.Fatalf("payload ids wrong: %+v", p)
	}
}
