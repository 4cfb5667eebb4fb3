package domain

import "time"

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Subject is a study participant. EnrolmentDate is RFC3339; Timezone is an
// IANA zone name and drives all schedule computation for the subject.
type Subject struct {
	ID            string            `json:"id"`
	ProjectID     string            `json:"project_id"`
	ExternalID    string            `json:"external_id,omitempty"`
	Timezone      string            `json:"timezone"`
	Language      string            `json:"language,omitempty"`
	EnrolmentDate string            `json:"enrolment_date,omitempty" format:"date-time"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	CreatedAt     string            `json:"created_at" format:"date-time"`
}

// Location resolves the subject's timezone, falling back to UTC when the
// identifier is missing or unknown.
func (s Subject) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Enrolment parses the subject's enrolment date; zero time when absent.
func (s Subject) Enrolment() time.Time {
	if s.EnrolmentDate == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s.EnrolmentDate)
	if err != nil {
		return time.Time{}
	}
	return t
}

type AssessmentType string

const (
	AssessmentClinical AssessmentType = "CLINICAL"
	AssessmentSimple   AssessmentType = "SIMPLE"
)

// Assessment is the immutable definition of one questionnaire and its
// scheduling rules, supplied by the protocol source.
type Assessment struct {
	Name           string         `json:"name"`
	Type           AssessmentType `json:"type"`
	Order          int            `json:"order,omitempty"`
	NQuestions     int            `json:"n_questions,omitempty"`
	ShowInCalendar bool           `json:"show_in_calendar,omitempty"`
	IsDemo         bool           `json:"is_demo,omitempty"`
	Protocol       Protocol       `json:"protocol"`
}

// Protocol holds the optional scheduling rules of one assessment. Absent
// rules are not errors; they short-circuit the corresponding pipeline stage.
type Protocol struct {
	ReferenceTimestamp      *ReferenceTimestamp  `json:"reference_timestamp,omitempty"`
	RepeatProtocol          *RepeatProtocol      `json:"repeat_protocol,omitempty"`
	RepeatQuestionnaire     *RepeatQuestionnaire `json:"repeat_questionnaire,omitempty"`
	Notification            *NotificationRule    `json:"notification,omitempty"`
	Reminders               *ReminderRule        `json:"reminders,omitempty"`
	CompletionWindow        *Period              `json:"completion_window,omitempty"`
	EstimatedCompletionTime int                  `json:"estimated_completion_time,omitempty"`
	Priority                int                  `json:"priority,omitempty"`
}

type TimeUnit string

const (
	UnitMinute TimeUnit = "min"
	UnitHour   TimeUnit = "hour"
	UnitDay    TimeUnit = "day"
	UnitWeek   TimeUnit = "week"
	UnitMonth  TimeUnit = "month"
	UnitYear   TimeUnit = "year"
)

type Period struct {
	Unit   TimeUnit `json:"unit"`
	Amount int64    `json:"amount"`
}

type ReferenceTimestampFormat string

const (
	RefDate        ReferenceTimestampFormat = "DATE"
	RefDatetime    ReferenceTimestampFormat = "DATETIME"
	RefDatetimeUTC ReferenceTimestampFormat = "DATETIMEUTC"
	RefNow         ReferenceTimestampFormat = "NOW"
	RefToday       ReferenceTimestampFormat = "TODAY"
)

type ReferenceTimestamp struct {
	Format    ReferenceTimestampFormat `json:"format"`
	Timestamp string                   `json:"timestamp,omitempty"`
}

// RepeatProtocol expands the reference timestamp into repeated occurrences.
// DaysOfWeek, when set, restricts occurrences to the named weekdays
// (uppercase English names, e.g. "MONDAY").
type RepeatProtocol struct {
	Unit       TimeUnit `json:"unit"`
	Amount     int64    `json:"amount"`
	DaysOfWeek []string `json:"days_of_week,omitempty"`
}

type RandomOffset struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

// RepeatQuestionnaire generates one task per offset from each occurrence
// timestamp. Exactly one of Offsets, RandomOffsets, or DayOfWeekOffsets is
// expected to be populated.
type RepeatQuestionnaire struct {
	Unit             TimeUnit         `json:"unit"`
	Offsets          []int64          `json:"offsets,omitempty"`
	RandomOffsets    []RandomOffset   `json:"random_offsets,omitempty"`
	DayOfWeekOffsets map[string]int64 `json:"day_of_week_offsets,omitempty"`
}

// NotificationRule supplies per-locale title/body templates. The placeholder
// {assessment} is substituted with the assessment name.
type NotificationRule struct {
	Title        map[string]string `json:"title"`
	Body         map[string]string `json:"body"`
	EmailEnabled bool              `json:"email_enabled,omitempty"`
}

type ReminderRule struct {
	Repeat       int      `json:"repeat"`
	Unit         TimeUnit `json:"unit"`
	Amount       int64    `json:"amount"`
	EmailEnabled bool     `json:"email_enabled,omitempty"`
}

// ProtocolDoc is the versioned assessment set for one project as served by
// the protocol source.
type ProtocolDoc struct {
	Version     string       `json:"version"`
	Assessments []Assessment `json:"assessments"`
}

type TaskState string

const (
	TaskUnknown   TaskState = "UNKNOWN"
	TaskAdded     TaskState = "ADDED"
	TaskCompleted TaskState = "COMPLETED"
	TaskErrored   TaskState = "ERRORED"
)

// Task is one concrete scheduled occurrence of a questionnaire.
// (subject_id, name, timestamp) is the natural dedup key.
type Task struct {
	ID                      string         `json:"id"`
	SubjectID               string         `json:"subject_id"`
	ProjectID               string         `json:"project_id"`
	Name                    string         `json:"name"`
	Type                    AssessmentType `json:"type"`
	Timestamp               int64          `json:"timestamp"`              // unix millis
	CompletionWindow        int64          `json:"completion_window"`      // millis
	Completed               bool           `json:"completed"`
	CompletedAt             *int64         `json:"completed_at,omitempty"` // unix millis
	Status                  TaskState      `json:"status"`
	Priority                int            `json:"priority,omitempty"`
	NQuestions              int            `json:"n_questions,omitempty"`
	EstimatedCompletionTime int            `json:"estimated_completion_time,omitempty"`
	ShowInCalendar          bool           `json:"show_in_calendar,omitempty"`
	IsDemo                  bool           `json:"is_demo,omitempty"`
	Order                   int            `json:"order,omitempty"`
	CreatedAt               string         `json:"created_at,omitempty" format:"date-time"`
}

type MessageKind string

const (
	KindNotification MessageKind = "NOTIFICATION"
	KindData         MessageKind = "DATA"
	KindUnknown      MessageKind = "UNKNOWN"
)

type MessageState string

const (
	MessageAdded     MessageState = "ADDED"
	MessageUpdated   MessageState = "UPDATED"
	MessageDelivered MessageState = "DELIVERED"
	MessageDismissed MessageState = "DISMISSED"
	MessageOpened    MessageState = "OPENED"
	MessageErrored   MessageState = "ERRORED"
	MessageUnknown   MessageState = "UNKNOWN"
	MessageCancelled MessageState = "CANCELLED" // internal-only, never persisted
)

// Message is a deliverable payload scheduled for push at a specific instant.
// Kind discriminates notifications (title/body payload) from data messages
// (string map payload). The natural dedup key is
// (subject_id, kind, source_id, scheduled_time, ttl_seconds, title, body).
type Message struct {
	ID                string            `json:"id"`
	Kind              MessageKind       `json:"kind"`
	SubjectID         string            `json:"subject_id"`
	ProjectID         string            `json:"project_id"`
	TaskID            *string           `json:"task_id,omitempty"`
	SourceID          string            `json:"source_id,omitempty"`
	ScheduledTime     int64             `json:"scheduled_time"` // unix millis
	TTLSeconds        int               `json:"ttl_seconds"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	Delivered         bool              `json:"delivered"`
	Validated         bool              `json:"validated"`
	DryRun            bool              `json:"dry_run,omitempty"`
	Priority          string            `json:"priority,omitempty"`
	MutableContent    bool              `json:"mutable_content,omitempty"`
	Title             string            `json:"title,omitempty"`
	Body              string            `json:"body,omitempty"`
	Sound             string            `json:"sound,omitempty"`
	Badge             string            `json:"badge,omitempty"`
	EmailEnabled      bool              `json:"email_enabled,omitempty"`
	Data              map[string]string `json:"data,omitempty"`
	CreatedAt         string            `json:"created_at,omitempty" format:"date-time"`
}

// Expired reports whether the message's delivery window has already closed.
func (m Message) Expired(now time.Time) bool {
	deadline := time.UnixMilli(m.ScheduledTime).Add(time.Duration(m.TTLSeconds) * time.Second)
	return deadline.Before(now)
}

type TaskStateEvent struct {
	ID             int64     `json:"id"`
	TaskID         string    `json:"task_id"`
	State          TaskState `json:"state"`
	Time           string    `json:"time" format:"date-time"`
	AssociatedInfo string    `json:"associated_info,omitempty"`
}

type MessageStateEvent struct {
	ID             int64        `json:"id"`
	MessageID      string       `json:"message_id"`
	State          MessageState `json:"state"`
	Time           string       `json:"time" format:"date-time"`
	AssociatedInfo string       `json:"associated_info,omitempty"`
}

// AssessmentSchedule is the per-assessment working result of one pipeline
// run. Fields are filled incrementally by successive stages; a stage treats
// an absent input field as nothing to do.
type AssessmentSchedule struct {
	Name                string      `json:"name"`
	ReferenceTimestamp  *time.Time  `json:"reference_timestamp,omitempty"`
	ReferenceTimestamps []time.Time `json:"reference_timestamps,omitempty"`
	Tasks               []Task      `json:"tasks,omitempty"`
	Notifications       []Message   `json:"notifications,omitempty"`
	Reminders           []Message   `json:"reminders,omitempty"`
}

// Schedule is the per-subject aggregate, held in the reconciliation
// service's cache. Version and Timezone record what it was generated from;
// drift in either forces a full rebuild.
type Schedule struct {
	AssessmentSchedules []AssessmentSchedule `json:"assessment_schedules"`
	Version             string               `json:"version"`
	Timezone            string               `json:"timezone"`
	GeneratedAt         string               `json:"generated_at,omitempty" format:"date-time"`
}
