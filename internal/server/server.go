package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"injectline/internal/domain"
	"injectline/internal/engine"
	"injectline/internal/engine/auth"
	"injectline/internal/events"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Events   *events.Writer
	BasePath string
	Auth     AuthConfig
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"inject is SUCCESS, cannot complete"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the injectline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics)
	}
	hcfg := huma.DefaultConfig("injectline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerExercises(group, cfg.Engine)
	registerInjects(group, cfg.Engine)
	registerExpectations(group, cfg.Engine)
	registerCycles(group, cfg.Engine)
	if cfg.Events != nil {
		registerEvents(group, *cfg.Events)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrCycleInProgress):
		return newAPIError(http.StatusConflict, "cycle_in_progress", err.Error(), nil)
	case errors.Is(err, engine.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidArgument), errors.Is(err, domain.ErrExpectationTarget):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, engine.ErrNotReady):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requirePermission(ctx context.Context, perm string) error {
	p, err := principalFromRequest(ctx)
	if err != nil {
		return err
	}
	return auth.Require(p.Permissions, perm)
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
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

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
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
    <title>injectline API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
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

type exercisePath struct {
	ExerciseID string `path:"exercise_id"`
}

type exerciseOutput struct {
	Body domain.Exercise
}

func registerExercises(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-exercises",
		Method:      http.MethodGet,
		Path:        "/exercises",
		Summary:     "List exercises",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"Comma separated exercise statuses"`
	}) (*struct{ Body listResponse[domain.Exercise] }, error) {
		if err := requirePermission(ctx, auth.PermExercisesRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Store.ListExercises(ctx, parseExerciseStatuses(input.Status)...)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body listResponse[domain.Exercise] }{Body: newList(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-exercise-injects",
		Method:      http.MethodGet,
		Path:        "/exercises/{exercise_id}/injects",
		Summary:     "List the injects of an exercise",
	}, func(ctx context.Context, input *exercisePath) (*struct{ Body listResponse[InjectResponse] }, error) {
		if err := requirePermission(ctx, auth.PermInjectsRead); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Store.GetExercise(ctx, input.ExerciseID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Store.ListExerciseInjects(ctx, input.ExerciseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body listResponse[InjectResponse] }{Body: newList(mapInjects(items))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-exercise",
		Method:      http.MethodPost,
		Path:        "/exercises/{exercise_id}/pause",
		Summary:     "Pause a running exercise",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *exercisePath) (*exerciseOutput, error) {
		if err := requirePermission(ctx, auth.PermExercisesManage); err != nil {
			return nil, handleError(err)
		}
		ex, err := e.PauseExercise(ctx, input.ExerciseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &exerciseOutput{Body: ex}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-exercise",
		Method:      http.MethodPost,
		Path:        "/exercises/{exercise_id}/resume",
		Summary:     "Resume a paused exercise",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *exercisePath) (*exerciseOutput, error) {
		if err := requirePermission(ctx, auth.PermExercisesManage); err != nil {
			return nil, handleError(err)
		}
		ex, err := e.ResumeExercise(ctx, input.ExerciseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &exerciseOutput{Body: ex}, nil
	})
}

func parseExerciseStatuses(raw string) []domain.ExerciseStatus {
	var out []domain.ExerciseStatus
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, domain.ExerciseStatus(strings.ToUpper(s)))
		}
	}
	return out
}

type injectPath struct {
	InjectID string `path:"inject_id"`
}

func registerInjects(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-inject",
		Method:      http.MethodGet,
		Path:        "/injects/{inject_id}",
		Summary:     "Get an inject with its status and traces",
	}, func(ctx context.Context, input *injectPath) (*struct{ Body InjectResponse }, error) {
		if err := requirePermission(ctx, auth.PermInjectsRead); err != nil {
			return nil, handleError(err)
		}
		inj, err := e.Store.GetInject(ctx, input.InjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body InjectResponse }{Body: injectResponse(inj)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execution-callback",
		Method:      http.MethodPost,
		Path:        "/injects/{inject_id}/callback",
		Summary:     "Report an execution result for an inject",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		InjectID string `path:"inject_id"`
		Body     CallbackRequest
	}) (*struct{ Body domain.InjectStatus }, error) {
		if err := requirePermission(ctx, auth.PermInjectsCallback); err != nil {
			return nil, handleError(err)
		}
		st, err := e.HandleExecutionCallback(ctx, input.InjectID, input.Body.AgentID, input.Body.result())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.InjectStatus }{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-target",
		Method:      http.MethodGet,
		Path:        "/injects/{inject_id}/targets/{target_type}/{target_id}",
		Summary:     "Expectations and traces of one inject target",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InjectID   string `path:"inject_id"`
		TargetType string `path:"target_type" doc:"AGENT, ASSET or ASSET_GROUP"`
		TargetID   string `path:"target_id"`
	}) (*struct{ Body engine.TargetView }, error) {
		if err := requirePermission(ctx, auth.PermInjectsRead); err != nil {
			return nil, handleError(err)
		}
		view, err := e.ResolveTarget(ctx, input.InjectID, input.TargetID, domain.TargetType(input.TargetType))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body engine.TargetView }{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-inject-expectations",
		Method:      http.MethodGet,
		Path:        "/injects/{inject_id}/expectations",
		Summary:     "List the expectations of an inject",
	}, func(ctx context.Context, input *injectPath) (*struct {
		Body listResponse[domain.InjectExpectation]
	}, error) {
		if err := requirePermission(ctx, auth.PermInjectsRead); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Store.GetInject(ctx, input.InjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Store.ListInjectExpectations(ctx, input.InjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listResponse[domain.InjectExpectation]
		}{Body: newList(items)}, nil
	})
}

func registerExpectations(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-expectation-result",
		Method:        http.MethodPost,
		Path:          "/expectations/{expectation_id}/results",
		Summary:       "Record a result and optional score on an expectation",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExpectationID string `path:"expectation_id"`
		Body          ResultRequest
	}) (*struct{ Body domain.InjectExpectation }, error) {
		if err := requirePermission(ctx, auth.PermExpectationsScore); err != nil {
			return nil, handleError(err)
		}
		exp, err := e.ScoreExpectation(ctx, input.ExpectationID, input.Body.result())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.InjectExpectation }{Body: exp}, nil
	})
}

func registerCycles(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-cycle",
		Method:      http.MethodPost,
		Path:        "/cycles",
		Summary:     "Run one orchestrator cycle now",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body engine.CycleReport }, error) {
		if err := requirePermission(ctx, auth.PermCyclesRun); err != nil {
			return nil, handleError(err)
		}
		report, err := e.RunCycle(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body engine.CycleReport }{Body: report}, nil
	})
}

func registerEvents(api huma.API, w events.Writer) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent notifications",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*struct{ Body listResponse[domain.Event] }, error) {
		if err := requirePermission(ctx, auth.PermEventsRead); err != nil {
			return nil, handleError(err)
		}
		items, err := w.List(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body listResponse[domain.Event] }{Body: newList(items)}, nil
	})
}
