package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"studyline/internal/config"
	"studyline/internal/db"
	"studyline/internal/dispatch"
	"studyline/internal/domain"
	"studyline/internal/engine"
	"studyline/internal/migrate"
	"studyline/internal/pipeline"
	"studyline/internal/protocol"
	"studyline/internal/schedule"
	"studyline/internal/trigger"
)

var testNow = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	e := engine.New(conn, config.Default("proj-1"))
	e.Now = func() time.Time { return testNow }
	reg := trigger.NewMemoryRegistry(nil)
	reg.Now = func() time.Time { return testNow }
	e.Dispatch = dispatch.Scheduler{Registry: reg}
	e.Protocol = &protocol.Client{Repo: e.Repo}
	svc, err := schedule.NewService(e.Repo, e.Events, e.Protocol, e.Dispatch, 16, 2)
	if err != nil {
		t.Fatalf("schedule service: %v", err)
	}
	svc.Runner = pipeline.Runner{Now: func() time.Time { return testNow }}
	e.Schedule = svc

	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			reg.Stop()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func seedStudy(t *testing.T, srv *testServer) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id": "proj-1",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/proj-1/protocol", map[string]any{
		"version": "v1",
		"assessments": []map[string]any{{
			"name":        "PHQ8",
			"type":        "SIMPLE",
			"n_questions": 8,
			"protocol": map[string]any{
				"repeat_protocol":      map[string]any{"unit": "week", "amount": 1},
				"repeat_questionnaire": map[string]any{"unit": "day", "offsets": []int64{0}},
				"notification": map[string]any{
					"title": map[string]string{"en": "Time for {assessment}"},
					"body":  map[string]string{"en": "{assessment} is ready"},
				},
				"estimated_completion_time": 5,
			},
		}},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put protocol: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/subjects", map[string]any{
		"id":             "sub-1",
		"project_id":     "proj-1",
		"timezone":       "Europe/London",
		"language":       "en",
		"enrolment_date": "2024-01-01T12:00:00Z",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create subject: %d %s", res.StatusCode, string(data))
	}
}

func TestScheduleLifecycle(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	seedStudy(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/subjects/sub-1/schedule", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("generate schedule: %d %s", res.StatusCode, string(data))
	}
	var sched domain.Schedule
	if err := json.Unmarshal(data, &sched); err != nil {
		t.Fatalf("unmarshal schedule: %v", err)
	}
	if sched.Version != "v1" || sched.Timezone != "Europe/London" {
		t.Fatalf("schedule provenance wrong: %+v", sched)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks?subject_id=sub-1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks: %d %s", res.StatusCode, string(data))
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		t.Fatalf("unmarshal tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+tasks[1].ID+"/state", map[string]any{
		"state": "COMPLETED",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("report completed: %d %s", res.StatusCode, string(data))
	}
	var done domain.Task
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if done.Status != domain.TaskCompleted || !done.Completed {
		t.Fatalf("completion not applied: %+v", done)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/messages?task_id="+tasks[1].ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list messages: %d %s", res.StatusCode, string(data))
	}
	var msgs []domain.Message
	_ = json.Unmarshal(data, &msgs)
	if len(msgs) != 0 {
		t.Fatalf("expected cascaded message deletion, got %d messages", len(msgs))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+tasks[1].ID+"/states", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list task states: %d %s", res.StatusCode, string(data))
	}
	var states []domain.TaskStateEvent
	if err := json.Unmarshal(data, &states); err != nil {
		t.Fatalf("unmarshal states: %v", err)
	}
	if len(states) != 2 || states[1].State != domain.TaskCompleted {
		t.Fatalf("expected ADDED then COMPLETED, got %+v", states)
	}
}

func TestAssessmentScopedGenerate(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	seedStudy(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/subjects/sub-1/schedule?assessment=PHQ8", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("generate assessment: %d %s", res.StatusCode, string(data))
	}
	var sched domain.Schedule
	if err := json.Unmarshal(data, &sched); err != nil {
		t.Fatalf("unmarshal schedule: %v", err)
	}
	if len(sched.AssessmentSchedules) != 1 || sched.AssessmentSchedules[0].Name != "PHQ8" {
		t.Fatalf("expected a PHQ8-only schedule, got %+v", sched.AssessmentSchedules)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/subjects/sub-1/schedule?assessment=NOPE", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown assessment, got %d %s", res.StatusCode, string(data))
	}
}

func TestFilteredScheduleDelete(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	seedStudy(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/subjects/sub-1/schedule", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("generate schedule: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/subjects/sub-1/schedule?search=name:eq:NOPE", nil, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("filtered delete: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks?subject_id=sub-1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks: %d %s", res.StatusCode, string(data))
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		t.Fatalf("unmarshal tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("non-matching filter must delete nothing, got %d tasks", len(tasks))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/subjects/sub-1/schedule?search=name:eq:PHQ8", nil, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("matching delete: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks?subject_id=sub-1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks: %d %s", res.StatusCode, string(data))
	}
	tasks = nil
	_ = json.Unmarshal(data, &tasks)
	if len(tasks) != 0 {
		t.Fatalf("expected matching tasks deleted, got %d", len(tasks))
	}
}

func TestDuplicateMessageConflict(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	seedStudy(t, srv)
	client := srv.Client()

	payload := map[string]any{
		"subject_id":     "sub-1",
		"kind":           "NOTIFICATION",
		"source_id":      "manual",
		"scheduled_time": testNow.Add(time.Hour).UnixMilli(),
		"ttl_seconds":    3600,
		"title":          "Checkup",
		"body":           "Please complete your questionnaire",
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/messages", payload, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create message: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/messages", payload, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate natural key, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "conflict" {
		t.Fatalf("expected conflict code, got %q", envelope.Error.Code)
	}
}

func TestNotFoundEnvelope(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("expected not_found code, got %q", envelope.Error.Code)
	}
}

func TestSubjectValidation(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	seedStudy(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/subjects", map[string]any{
		"project_id": "proj-1",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing timezone, got %d %s", res.StatusCode, string(data))
	}
}

func TestJWTAuth(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "test-secret"})
	client := srv.Client()

	// Health stays open.
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d %s", res.StatusCode, string(data))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "tester"})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a garbage token, got %d %s", res.StatusCode, string(data))
	}
}
