package studylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Studyline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Subject represents the API subject model.
type Subject struct {
	ID            string            `json:"id"`
	ProjectID     string            `json:"project_id"`
	ExternalID    string            `json:"external_id,omitempty"`
	Timezone      string            `json:"timezone"`
	Language      string            `json:"language,omitempty"`
	EnrolmentDate string            `json:"enrolment_date,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	CreatedAt     string            `json:"created_at"`
}

// Task represents the API task model (partial).
type Task struct {
	ID               string `json:"id"`
	SubjectID        string `json:"subject_id"`
	ProjectID        string `json:"project_id"`
	Name             string `json:"name"`
	Timestamp        int64  `json:"timestamp"`
	CompletionWindow int64  `json:"completion_window"`
	Completed        bool   `json:"completed"`
	CompletedAt      *int64 `json:"completed_at,omitempty"`
	Status           string `json:"status"`
}

// Message represents the API message model (partial).
type Message struct {
	ID            string            `json:"id"`
	Kind          string            `json:"kind"`
	SubjectID     string            `json:"subject_id"`
	TaskID        *string           `json:"task_id,omitempty"`
	SourceID      string            `json:"source_id,omitempty"`
	ScheduledTime int64             `json:"scheduled_time"`
	TTLSeconds    int               `json:"ttl_seconds"`
	Delivered     bool              `json:"delivered"`
	Title         string            `json:"title,omitempty"`
	Body          string            `json:"body,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
}

// Schedule is the generated per-subject schedule.
type Schedule struct {
	Version     string `json:"version"`
	Timezone    string `json:"timezone"`
	GeneratedAt string `json:"generated_at,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateSubject enrols a subject.
func (c *Client) CreateSubject(ctx context.Context, projectID, timezone, language, enrolmentDate string) (Subject, error) {
	body := map[string]any{
		"project_id": projectID,
		"timezone":   timezone,
	}
	if language != "" {
		body["language"] = language
	}
	if enrolmentDate != "" {
		body["enrolment_date"] = enrolmentDate
	}
	var resp Subject
	err := c.do(ctx, http.MethodPost, "v0/subjects", body, &resp)
	return resp, err
}

// GenerateSchedule reconciles the subject's schedule now.
func (c *Client) GenerateSchedule(ctx context.Context, subjectID string) (Schedule, error) {
	var resp Schedule
	endpoint := fmt.Sprintf("v0/subjects/%s/schedule", url.PathEscape(subjectID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Tasks lists a subject's tasks, optionally within a window (unix millis;
// zero means unbounded).
func (c *Client) Tasks(ctx context.Context, subjectID string, from, to int64) ([]Task, error) {
	endpoint := fmt.Sprintf("v0/tasks?subject_id=%s", url.QueryEscape(subjectID))
	if from > 0 {
		endpoint = fmt.Sprintf("%s&from=%d", endpoint, from)
	}
	if to > 0 {
		endpoint = fmt.Sprintf("%s&to=%d", endpoint, to)
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ReportTaskState reports COMPLETED, UNKNOWN, or ERRORED for a task.
func (c *Client) ReportTaskState(ctx context.Context, taskID, state, info string) (Task, error) {
	body := map[string]any{"state": state}
	if info != "" {
		body["associated_info"] = info
	}
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/state", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Messages lists a subject's messages.
func (c *Client) Messages(ctx context.Context, subjectID string) ([]Message, error) {
	endpoint := fmt.Sprintf("v0/messages?subject_id=%s", url.QueryEscape(subjectID))
	var resp []Message
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ReportMessageState reports a delivery-side message state.
func (c *Client) ReportMessageState(ctx context.Context, messageID, state, info string) (Message, error) {
	body := map[string]any{"state": state}
	if info != "" {
		body["associated_info"] = info
	}
	var resp Message
	endpoint := fmt.Sprintf("v0/messages/%s/state", url.PathEscape(messageID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
