package server

// Request payloads. Responses reuse the domain structs directly; their JSON
// tags are the wire format.

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type CreateSubjectRequest struct {
	ID            *string           `json:"id,omitempty"`
	ProjectID     string            `json:"project_id"`
	ExternalID    *string           `json:"external_id,omitempty"`
	Timezone      string            `json:"timezone"`
	Language      *string           `json:"language,omitempty"`
	EnrolmentDate *string           `json:"enrolment_date,omitempty" format:"date-time"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

type UpdateSubjectRequest struct {
	Timezone      *string `json:"timezone,omitempty"`
	Language      *string `json:"language,omitempty"`
	ExternalID    *string `json:"external_id,omitempty"`
	EnrolmentDate *string `json:"enrolment_date,omitempty" format:"date-time"`
}

type ReportTaskStateRequest struct {
	State          string  `json:"state" enum:"COMPLETED,UNKNOWN,ERRORED"`
	AssociatedInfo *string `json:"associated_info,omitempty"`
}

type ReportMessageStateRequest struct {
	State          string  `json:"state" enum:"DELIVERED,DISMISSED,OPENED,ERRORED,UNKNOWN,CANCELLED"`
	AssociatedInfo *string `json:"associated_info,omitempty"`
}

type CreateMessageRequest struct {
	SubjectID     string            `json:"subject_id"`
	Kind          string            `json:"kind" enum:"NOTIFICATION,DATA,UNKNOWN"`
	SourceID      *string           `json:"source_id,omitempty"`
	ScheduledTime int64             `json:"scheduled_time"`
	TTLSeconds    int               `json:"ttl_seconds"`
	Title         *string           `json:"title,omitempty"`
	Body          *string           `json:"body,omitempty"`
	Sound         *string           `json:"sound,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
	EmailEnabled  *bool             `json:"email_enabled,omitempty"`
	DryRun        *bool             `json:"dry_run,omitempty"`
}

type UpdateMessageRequest struct {
	ScheduledTime *int64  `json:"scheduled_time,omitempty"`
	Title         *string `json:"title,omitempty"`
	Body          *string `json:"body,omitempty"`
}

func strValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func boolValue(p *bool) bool {
	if p == nil {
		return false
	}
	return *p
}

func int64Value(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
