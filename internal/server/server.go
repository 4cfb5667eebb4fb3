// Package server exposes the studyline HTTP API: subjects, protocol
// documents, schedule generation, tasks, messages, and their state-event
// history.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"studyline/internal/domain"
	"studyline/internal/engine"
	"studyline/internal/protocol"
	"studyline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// optionalBool is an optional boolean query parameter. huma rejects pointer
// fields for parameters, so the absent-vs-false distinction is carried via
// its ParamWrapper/ParamReactor interfaces instead.
type optionalBool struct {
	Value bool
	IsSet bool
}

func (o *optionalBool) Receiver() reflect.Value { return reflect.ValueOf(o).Elem().Field(0) }

func (o *optionalBool) OnParamSet(isSet bool, _ any) { o.IsSet = isSet }

func (o *optionalBool) Schema(_ huma.Registry) *huma.Schema {
	return &huma.Schema{Type: huma.TypeBoolean}
}

func (o optionalBool) ptr() *bool {
	if !o.IsSet {
		return nil
	}
	return &o.Value
}

// New returns an HTTP handler exposing the studyline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(body))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, body)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Studyline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerProtocolDocs(group, cfg.Engine)
	registerSubjects(group, cfg.Engine)
	registerSchedules(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerMessages(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ste engine.StateTransitionError
	if errors.As(err, &ste) {
		return newAPIError(http.StatusUnprocessableEntity, "state_rejected", err.Error(), map[string]any{
			"entity": ste.Entity,
			"state":  ste.State,
		})
	}
	if errors.Is(err, repo.ErrAlreadyExists) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, protocol.ErrUpstreamUnavailable) {
		return newAPIError(http.StatusBadGateway, "upstream_unavailable", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "state_rejected"
	case http.StatusBadGateway:
		return "upstream_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Studyline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		p, err := e.InitProject(ctx, input.Body.ID, strValue(input.Body.Name), strValue(input.Body.Description))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	type ProjectPath struct {
		ProjectID string `path:"project_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ProjectPath) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-project",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}",
		Summary:       "Delete project",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ProjectPath) (*struct{}, error) {
		if err := e.Repo.DeleteProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerProtocolDocs(api huma.API, e engine.Engine) {
	type ProtocolPath struct {
		ProjectID string `path:"project_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "put-protocol",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/protocol",
		Summary:     "Store protocol document",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProtocolPath
		Body domain.ProtocolDoc `json:"body"`
	}) (*struct {
		Body domain.ProtocolDoc `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		doc, err := e.Protocol.Put(ctx, input.ProjectID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProtocolDoc `json:"body"`
		}{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-protocol",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/protocol",
		Summary:     "Get protocol document",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *ProtocolPath) (*struct {
		Body domain.ProtocolDoc `json:"body"`
	}, error) {
		doc, err := e.Protocol.Get(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProtocolDoc `json:"body"`
		}{Body: doc}, nil
	})
}

func registerSubjects(api huma.API, e engine.Engine) {
	type SubjectPath struct {
		SubjectID string `path:"subject_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-subject",
		Method:        http.MethodPost,
		Path:          "/subjects",
		Summary:       "Enrol subject",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateSubjectRequest `json:"body"`
	}) (*struct {
		Body domain.Subject `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		s, err := e.CreateSubject(ctx, engine.SubjectCreateOptions{
			ID:            strValue(input.Body.ID),
			ProjectID:     input.Body.ProjectID,
			ExternalID:    strValue(input.Body.ExternalID),
			Timezone:      input.Body.Timezone,
			Language:      strValue(input.Body.Language),
			EnrolmentDate: strValue(input.Body.EnrolmentDate),
			Attributes:    input.Body.Attributes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Subject `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-subjects",
		Method:      http.MethodGet,
		Path:        "/subjects",
		Summary:     "List subjects",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
	}) (*struct {
		Body []domain.Subject `json:"body"`
	}, error) {
		items, err := e.Repo.ListSubjects(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Subject `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-subject",
		Method:      http.MethodGet,
		Path:        "/subjects/{subject_id}",
		Summary:     "Get subject",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *SubjectPath) (*struct {
		Body domain.Subject `json:"body"`
	}, error) {
		s, err := e.Repo.GetSubject(ctx, input.SubjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Subject `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-subject",
		Method:      http.MethodPatch,
		Path:        "/subjects/{subject_id}",
		Summary:     "Update subject",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SubjectPath
		Body UpdateSubjectRequest `json:"body"`
	}) (*struct {
		Body domain.Subject `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		s, err := e.UpdateSubject(ctx, input.SubjectID,
			strValue(input.Body.Timezone), strValue(input.Body.Language),
			strValue(input.Body.ExternalID), strValue(input.Body.EnrolmentDate))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Subject `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-subject",
		Method:        http.MethodDelete,
		Path:          "/subjects/{subject_id}",
		Summary:       "Delete subject",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *SubjectPath) (*struct{}, error) {
		if _, err := e.Repo.GetSubject(ctx, input.SubjectID); err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteSubject(ctx, input.SubjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "subject-status",
		Method:      http.MethodGet,
		Path:        "/subjects/{subject_id}/status",
		Summary:     "Subject task counts by status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *SubjectPath) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		s, err := e.Repo.GetSubject(ctx, input.SubjectID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountTasksByStatus(ctx, s.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"subject_id":  s.ID,
			"project_id":  s.ProjectID,
			"timezone":    s.Timezone,
			"task_counts": counts,
		}}, nil
	})
}

func registerSchedules(api huma.API, e engine.Engine) {
	type SubjectPath struct {
		SubjectID string `path:"subject_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "generate-schedule",
		Method:      http.MethodPost,
		Path:        "/subjects/{subject_id}/schedule",
		Summary:     "Generate or reconcile the subject's schedule",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		SubjectPath
		Assessment string `query:"assessment" doc:"Rebuild only this assessment, leaving the rest of the schedule untouched"`
	}) (*struct {
		Body domain.Schedule `json:"body"`
	}, error) {
		var sched domain.Schedule
		var err error
		if input.Assessment != "" {
			sched, err = e.GenerateAssessmentSchedule(ctx, input.SubjectID, input.Assessment)
		} else {
			sched, err = e.GenerateSchedule(ctx, input.SubjectID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Schedule `json:"body"`
		}{Body: sched}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-schedule",
		Method:      http.MethodGet,
		Path:        "/subjects/{subject_id}/schedule",
		Summary:     "Get the subject's current schedule",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *SubjectPath) (*struct {
		Body domain.Schedule `json:"body"`
	}, error) {
		if e.Schedule != nil {
			if cached, ok := e.Schedule.Cached(input.SubjectID); ok {
				return &struct {
					Body domain.Schedule `json:"body"`
				}{Body: cached}, nil
			}
		}
		sched, err := e.GenerateSchedule(ctx, input.SubjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Schedule `json:"body"`
		}{Body: sched}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-schedule",
		Method:        http.MethodDelete,
		Path:          "/subjects/{subject_id}/schedule",
		Summary:       "Delete generated tasks and messages, optionally narrowed by type and search",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SubjectPath
		Type   string   `query:"type" doc:"Only delete tasks of this type"`
		Search []string `query:"search" doc:"field:operator:value filters, e.g. name:like:PHQ%"`
	}) (*struct{}, error) {
		if err := e.DeleteSchedule(ctx, input.SubjectID, engine.ScheduleDeleteOptions{
			Type:   input.Type,
			Search: input.Search,
		}); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	type TaskPath struct {
		TaskID string `path:"task_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		SubjectID string   `query:"subject_id"`
		ProjectID string   `query:"project_id"`
		Name      string   `query:"name"`
		Type      string   `query:"type"`
		Status    string   `query:"status" enum:"UNKNOWN,ADDED,COMPLETED,ERRORED"`
		Completed optionalBool `query:"completed"`
		From      int64    `query:"from" doc:"Unix millis; include tasks whose completion window ends at or after this instant"`
		To        int64    `query:"to" doc:"Unix millis; include tasks starting at or before this instant"`
		Search    []string `query:"search" doc:"field:operator:value filters, e.g. name:like:PHQ%"`
		Limit     int      `query:"limit"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			SubjectID: input.SubjectID,
			ProjectID: input.ProjectID,
			Name:      input.Name,
			Type:      input.Type,
			Status:    input.Status,
			Completed: input.Completed.ptr(),
			From:      input.From,
			To:        input.To,
			Search:    input.Search,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *TaskPath) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-task-state",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/state",
		Summary:     "Report a task state transition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body ReportTaskStateRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		t, err := e.ReportTaskState(ctx, input.TaskID, domain.TaskState(input.Body.State), strValue(input.Body.AssociatedInfo))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-states",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/states",
		Summary:     "List a task's state-event history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *TaskPath) (*struct {
		Body []domain.TaskStateEvent `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		states, err := e.Events.ListTaskStates(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TaskStateEvent `json:"body"`
		}{Body: states}, nil
	})
}

func registerMessages(api huma.API, e engine.Engine) {
	type MessagePath struct {
		MessageID string `path:"message_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-message",
		Method:        http.MethodPost,
		Path:          "/messages",
		Summary:       "Create a message directly",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateMessageRequest `json:"body"`
	}) (*struct {
		Body domain.Message `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.SubjectID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "subject_id is required", nil)
		}
		m, err := e.CreateMessage(ctx, engine.MessageCreateOptions{
			SubjectID:     input.Body.SubjectID,
			Kind:          domain.MessageKind(input.Body.Kind),
			SourceID:      strValue(input.Body.SourceID),
			ScheduledTime: input.Body.ScheduledTime,
			TTLSeconds:    input.Body.TTLSeconds,
			Title:         strValue(input.Body.Title),
			Body:          strValue(input.Body.Body),
			Sound:         strValue(input.Body.Sound),
			Data:          input.Body.Data,
			EmailEnabled:  boolValue(input.Body.EmailEnabled),
			DryRun:        boolValue(input.Body.DryRun),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Message `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/messages",
		Summary:     "List messages",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		SubjectID string   `query:"subject_id"`
		ProjectID string   `query:"project_id"`
		TaskID    string   `query:"task_id"`
		Kind      string   `query:"kind" enum:"NOTIFICATION,DATA,UNKNOWN"`
		Delivered optionalBool `query:"delivered"`
		From      int64    `query:"from" doc:"Unix millis; include messages whose delivery window ends at or after this instant"`
		To        int64    `query:"to" doc:"Unix millis; include messages scheduled at or before this instant"`
		Search    []string `query:"search" doc:"field:operator:value filters"`
		Limit     int      `query:"limit"`
	}) (*struct {
		Body []domain.Message `json:"body"`
	}, error) {
		items, err := e.Repo.ListMessages(ctx, repo.MessageFilters{
			SubjectID: input.SubjectID,
			ProjectID: input.ProjectID,
			TaskID:    input.TaskID,
			Kind:      input.Kind,
			Delivered: input.Delivered.ptr(),
			From:      input.From,
			To:        input.To,
			Search:    input.Search,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Message `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-message",
		Method:      http.MethodGet,
		Path:        "/messages/{message_id}",
		Summary:     "Get message",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *MessagePath) (*struct {
		Body domain.Message `json:"body"`
	}, error) {
		m, err := e.Repo.GetMessage(ctx, input.MessageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Message `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-message",
		Method:      http.MethodPatch,
		Path:        "/messages/{message_id}",
		Summary:     "Update message schedule or payload",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MessagePath
		Body UpdateMessageRequest `json:"body"`
	}) (*struct {
		Body domain.Message `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		m, err := e.UpdateMessage(ctx, input.MessageID,
			int64Value(input.Body.ScheduledTime), strValue(input.Body.Title), strValue(input.Body.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Message `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-message",
		Method:        http.MethodDelete,
		Path:          "/messages/{message_id}",
		Summary:       "Delete message",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *MessagePath) (*struct{}, error) {
		if err := e.DeleteMessage(ctx, input.MessageID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-message-state",
		Method:      http.MethodPost,
		Path:        "/messages/{message_id}/state",
		Summary:     "Report a message state transition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		MessagePath
		Body ReportMessageStateRequest `json:"body"`
	}) (*struct {
		Body domain.Message `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		m, err := e.ReportMessageState(ctx, input.MessageID, domain.MessageState(input.Body.State), strValue(input.Body.AssociatedInfo))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Message `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-message-states",
		Method:      http.MethodGet,
		Path:        "/messages/{message_id}/states",
		Summary:     "List a message's state-event history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *MessagePath) (*struct {
		Body []domain.MessageStateEvent `json:"body"`
	}, error) {
		if _, err := e.Repo.GetMessage(ctx, input.MessageID); err != nil {
			return nil, handleError(err)
		}
		states, err := e.Events.ListMessageStates(ctx, input.MessageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.MessageStateEvent `json:"body"`
		}{Body: states}, nil
	})
}
