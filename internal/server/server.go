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
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"opsdrill/internal/domain"
	"opsdrill/internal/engine"
	"opsdrill/internal/genai"
	"opsdrill/internal/progress"
	"opsdrill/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Tracker serves challenge and achievement reads; created on demand
	// when nil.
	Tracker *progress.Tracker
	// Reviewer receives plans submitted over the API. When nil, reviews
	// are applied manually through the review endpoint.
	Reviewer *genai.Reviewer
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition: open -> resolved"`
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

// New returns an HTTP handler exposing the Opsdrill API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Tracker == nil {
		cfg.Tracker = progress.NewTracker(cfg.Engine)
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
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
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Opsdrill API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSessions(group, cfg.Engine)
	registerTeams(group, cfg.Engine, cfg.Tracker)
	registerIncidents(group, cfg.Engine)
	registerPlans(group, cfg.Engine, cfg.Reviewer)
	registerChanges(group, cfg.Engine)
	registerPIRs(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
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
	if errors.Is(err, engine.ErrInvalidTransition) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrStaleState) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrInvariant) {
		return newAPIError(http.StatusUnprocessableEntity, "invariant_violation", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
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
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
    <title>Opsdrill API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Create session",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		s, err := e.InitSession(ctx, input.Body.ID, desc, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []SessionResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListSessions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SessionResponse `json:"body"`
		}{Body: mapSessions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-session-status",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/status",
		Summary:     "Start, pause or end a session",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Body      SetSessionStatusRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.SetSessionStatus(ctx, input.SessionID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session-config",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/config",
		Summary:     "Get session config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body SessionConfigResponse `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetSessionConfig(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionConfigResponse `json:"body"`
		}{Body: SessionConfigResponse{Config: *cfg}}, nil
	})
}

func registerTeams(api huma.API, e engine.Engine, tracker *progress.Tracker) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-team",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/teams",
		Summary:       "Create team",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Body      CreateTeamRequest `json:"body"`
	}) (*struct {
		Body TeamResponse `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if input.Body.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "role is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TeamCreateOptions{
			SessionID: input.SessionID,
			Name:      input.Body.Name,
			Role:      input.Body.Role,
			ActorID:   actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		t, err := e.CreateTeam(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TeamResponse `json:"body"`
		}{Body: teamResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-teams",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/teams",
		Summary:     "List teams",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body []TeamResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListTeams(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TeamResponse `json:"body"`
		}{Body: mapTeams(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-team",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}",
		Summary:     "Get team",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
	}) (*struct {
		Body TeamResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTeam(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TeamResponse `json:"body"`
		}{Body: teamResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "team-status",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/status",
		Summary:     "Team scoreboard",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
	}) (*struct {
		Body TeamStatusResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTeam(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountIncidentsByStatus(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		open, err := e.Repo.OpenIncidentCount(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		cost, err := e.Repo.TeamDowntimeCost(ctx, t.ID, e.NowRFC3339())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TeamStatusResponse `json:"body"`
		}{Body: TeamStatusResponse{
			Team:           teamResponse(t),
			IncidentCounts: counts,
			OpenIncidents:  open,
			DowntimeCost:   cost,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-team-challenges",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/challenges",
		Summary:     "List team challenges",
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
		Status string `query:"status" enum:"active,completed,expired"`
	}) (*struct {
		Body []ChallengeResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListChallenges(ctx, repo.ChallengeFilters{
			TeamID: input.TeamID,
			Status: input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ChallengeResponse `json:"body"`
		}{Body: mapChallenges(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-team-achievements",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/achievements",
		Summary:     "List team achievement progress",
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
	}) (*struct {
		Body []domain.AchievementProgress `json:"body"`
	}, error) {
		items, err := tracker.Achievements(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AchievementProgress `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-team-pirs",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/pirs",
		Summary:     "List team post-incident reviews",
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
		Status string `query:"status" enum:"pending,submitted,graded"`
	}) (*struct {
		Body []PIRResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListPIRReviews(ctx, input.TeamID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PIRResponse `json:"body"`
		}{Body: mapPIRs(items)}, nil
	})
}

func registerIncidents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-incident",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/incidents",
		Summary:       "Create incident",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Body      CreateIncidentRequest `json:"body"`
	}) (*struct {
		Body IncidentResponse `json:"body"`
	}, error) {
		if input.Body.TeamID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "team_id is required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.IncidentCreateOptions{
			SessionID:        input.SessionID,
			TeamID:           input.Body.TeamID,
			Title:            input.Body.Title,
			Priority:         input.Body.Priority,
			AffectedServices: input.Body.AffectedServices,
			ActorID:          actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		if input.Body.Severity != nil {
			opts.Severity = *input.Body.Severity
		}
		if input.Body.CostPerMinute != nil {
			opts.CostPerMinute = *input.Body.CostPerMinute
		}
		if input.Body.RequiresPIR != nil {
			opts.RequiresPIR = *input.Body.RequiresPIR
		}
		in, err := e.CreateIncident(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IncidentResponse `json:"body"`
		}{Body: incidentResponse(e, in)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-incidents",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/incidents",
		Summary:     "List incidents",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		TeamID    string `query:"team_id"`
		Status    string `query:"status" enum:"open,in_progress,resolved,closed"`
		Priority  string `query:"priority" enum:"critical,high,medium,low"`
		Limit     int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []IncidentResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListIncidents(ctx, repo.IncidentFilters{
			SessionID: input.SessionID,
			TeamID:    input.TeamID,
			Status:    input.Status,
			Priority:  input.Priority,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []IncidentResponse `json:"body"`
		}{Body: mapIncidents(e, items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-incident",
		Method:      http.MethodGet,
		Path:        "/incidents/{incident_id}",
		Summary:     "Get incident",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IncidentID string `path:"incident_id"`
	}) (*struct {
		Body IncidentResponse `json:"body"`
	}, error) {
		in, err := e.Repo.GetIncident(ctx, input.IncidentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IncidentResponse `json:"body"`
		}{Body: incidentResponse(e, in)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-incident",
		Method:      http.MethodPost,
		Path:        "/incidents/{incident_id}/transition",
		Summary:     "Transition incident status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		IncidentID string `path:"incident_id"`
		Body       TransitionIncidentRequest `json:"body"`
	}) (*struct {
		Body IncidentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.TransitionIncident(ctx, input.IncidentID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IncidentResponse `json:"body"`
		}{Body: incidentResponse(e, in)}, nil
	})
}

func registerPlans(api huma.API, e engine.Engine, reviewer *genai.Reviewer) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-plan",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/plans",
		Summary:       "Create plan",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Body      CreatePlanRequest `json:"body"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		if input.Body.TeamID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "team_id is required", nil)
		}
		if input.Body.IncidentID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "incident_id is required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.PlanCreateOptions{
			SessionID:  input.SessionID,
			TeamID:     input.Body.TeamID,
			IncidentID: input.Body.IncidentID,
			Title:      input.Body.Title,
			Body:       input.Body.Body,
			RiskLevel:  input.Body.RiskLevel,
			ActorID:    actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		p, err := e.CreatePlan(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-plans",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/plans",
		Summary:     "List plans",
	}, func(ctx context.Context, input *struct {
		SessionID  string `path:"session_id"`
		TeamID     string `query:"team_id"`
		IncidentID string `query:"incident_id"`
		Status     string `query:"status"`
		Limit      int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []PlanResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListPlans(ctx, repo.PlanFilters{
			SessionID:  input.SessionID,
			TeamID:     input.TeamID,
			IncidentID: input.IncidentID,
			Status:     input.Status,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PlanResponse `json:"body"`
		}{Body: mapPlans(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}",
		Summary:     "Get plan",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetPlan(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-plan-revisions",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}/revisions",
		Summary:     "List plan revisions",
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body []PlanRevisionResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListPlanRevisions(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]PlanRevisionResponse, 0, len(items))
		for _, rev := range items {
			out = append(out, planRevisionResponse(rev))
		}
		return &struct {
			Body []PlanRevisionResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-plan",
		Method:      http.MethodPost,
		Path:        "/plans/{plan_id}/submit",
		Summary:     "Submit plan for AI review",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, rev, err := e.SubmitPlanForReview(ctx, input.PlanID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if reviewer != nil {
			reviewer.Enqueue(p.ID, genai.PlanInput{
				Title:     p.Title,
				Body:      rev.Body,
				RiskLevel: p.RiskLevel,
			})
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revise-plan",
		Method:      http.MethodPost,
		Path:        "/plans/{plan_id}/revise",
		Summary:     "Revise plan body",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
		Body   RevisePlanRequest `json:"body"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		if input.Body.Body == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.RevisePlan(ctx, input.PlanID, input.Body.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-plan",
		Method:      http.MethodPost,
		Path:        "/plans/{plan_id}/review",
		Summary:     "Apply a review verdict",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
		Body   ReviewPlanRequest `json:"body"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.ApplyPlanReview(ctx, input.PlanID, input.Body.Score, input.Body.Decision, input.Body.Feedback, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(p)}, nil
	})
}

func registerChanges(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-change",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/changes",
		Summary:       "Create change request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Body      CreateChangeRequest `json:"body"`
	}) (*struct {
		Body ChangeResponse `json:"body"`
	}, error) {
		if input.Body.TeamID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "team_id is required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ChangeCreateOptions{
			SessionID:        input.SessionID,
			TeamID:           input.Body.TeamID,
			Title:            input.Body.Title,
			ChangeType:       input.Body.ChangeType,
			RiskLevel:        input.Body.RiskLevel,
			AffectedServices: input.Body.AffectedServices,
			ActorID:          actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.PlanID != nil {
			opts.PlanID = *input.Body.PlanID
		}
		if input.Body.IncidentID != nil {
			opts.IncidentID = *input.Body.IncidentID
		}
		if input.Body.ImplementationPlan != nil {
			opts.ImplementationPlan = *input.Body.ImplementationPlan
		}
		if input.Body.RollbackPlan != nil {
			opts.RollbackPlan = *input.Body.RollbackPlan
		}
		if input.Body.TestPlan != nil {
			opts.TestPlan = *input.Body.TestPlan
		}
		c, err := e.CreateChange(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChangeResponse `json:"body"`
		}{Body: changeResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-changes",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/changes",
		Summary:     "List change requests",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		TeamID    string `query:"team_id"`
		PlanID    string `query:"plan_id"`
		Status    string `query:"status"`
		Limit     int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []ChangeResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListChangeRequests(ctx, repo.ChangeFilters{
			SessionID: input.SessionID,
			TeamID:    input.TeamID,
			PlanID:    input.PlanID,
			Status:    input.Status,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ChangeResponse `json:"body"`
		}{Body: mapChanges(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-change",
		Method:      http.MethodGet,
		Path:        "/changes/{change_id}",
		Summary:     "Get change request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ChangeID string `path:"change_id"`
	}) (*struct {
		Body ChangeResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetChangeRequest(ctx, input.ChangeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChangeResponse `json:"body"`
		}{Body: changeResponse(c)}, nil
	})

	changeAction := func(opID, pathSuffix, summary string, apply func(ctx context.Context, id, actorID string) (domain.ChangeRequest, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/changes/{change_id}/" + pathSuffix,
			Summary:     summary,
			Errors: []int{
				http.StatusNotFound,
				http.StatusConflict,
			},
		}, func(ctx context.Context, input *struct {
			ChangeID string `path:"change_id"`
		}) (*struct {
			Body ChangeResponse `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			c, err := apply(ctx, input.ChangeID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body ChangeResponse `json:"body"`
			}{Body: changeResponse(c)}, nil
		})
	}
	changeAction("approve-change", "approve", "Approve change", e.ApproveChange)
	changeAction("reject-change", "reject", "Reject change", e.RejectChange)
	changeAction("start-change", "start", "Start change implementation", e.StartChange)

	huma.Register(api, huma.Operation{
		OperationID: "complete-change",
		Method:      http.MethodPost,
		Path:        "/changes/{change_id}/complete",
		Summary:     "Complete change and draw its outcome",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ChangeID string `path:"change_id"`
	}) (*struct {
		Body CompleteChangeResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, spawned, err := e.CompleteChange(ctx, input.ChangeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		res := CompleteChangeResponse{Change: changeResponse(c)}
		if spawned != nil {
			in := incidentResponse(e, *spawned)
			res.SpawnedIncident = &in
		}
		return &struct {
			Body CompleteChangeResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerPIRs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-pir",
		Method:      http.MethodGet,
		Path:        "/pirs/{pir_id}",
		Summary:     "Get post-incident review",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PIRID string `path:"pir_id"`
	}) (*struct {
		Body PIRResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetPIRReview(ctx, input.PIRID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PIRResponse `json:"body"`
		}{Body: pirResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-pir",
		Method:      http.MethodPost,
		Path:        "/pirs/{pir_id}/submit",
		Summary:     "Submit post-incident review text",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		PIRID string `path:"pir_id"`
		Body  SubmitPIRRequest `json:"body"`
	}) (*struct {
		Body PIRResponse `json:"body"`
	}, error) {
		if input.Body.Body == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SubmitPIR(ctx, input.PIRID, input.Body.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PIRResponse `json:"body"`
		}{Body: pirResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "grade-pir",
		Method:      http.MethodPost,
		Path:        "/pirs/{pir_id}/grade",
		Summary:     "Record a review grade",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		PIRID string `path:"pir_id"`
		Body  GradePIRRequest `json:"body"`
	}) (*struct {
		Body PIRResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.ApplyPIRGrade(ctx, input.PIRID, input.Body.Score, input.Body.Feedback, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PIRResponse `json:"body"`
		}{Body: pirResponse(p)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/events",
		Summary:     "List events",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		After     int64  `query:"after" minimum:"0"`
		Limit     int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit == 0 {
			limit = 100
		}
		var items []domain.Event
		var err error
		if input.After > 0 {
			items, err = e.Repo.EventsAfter(ctx, limit, input.After, input.SessionID)
		} else {
			items, err = e.Repo.ListEvents(ctx, input.SessionID, limit)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		rawKey := uuid.New().String() + uuid.New().String()
		key := domain.APIKey{
			ID:        uuid.New().String(),
			ActorID:   input.Body.ActorID,
			KeyHash:   repo.HashAPIKey(rawKey),
			CreatedAt: e.NowRFC3339(),
		}
		if input.Body.Name != nil {
			key.Name = *input.Body.Name
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			CreatedAt: key.CreatedAt,
			Key:       rawKey,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(items))
		for _, k := range items {
			out = append(out, APIKeyResponse{
				ID:        k.ID,
				ActorID:   k.ActorID,
				Name:      k.Name,
				CreatedAt: k.CreatedAt,
			})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-apikey",
		Method:        http.MethodDelete,
		Path:          "/apikeys/{key_id}",
		Summary:       "Delete API key",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}
