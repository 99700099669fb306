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
	"github.com/go-chi/chi/v5/middleware"

	"questline/internal/domain"
	"questline/internal/engine"
	"questline/internal/ledger"
	"questline/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"claim conflict: item is CLAIMED"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Questline API.
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
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Questline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerItems(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerBalances(group, cfg.Engine)
	registerSpend(group, cfg.Engine)
	registerRecovery(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
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
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var fe *engine.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{
			"action": fe.Action,
			"reason": fe.Reason,
		})
	}
	var ce *engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{
			"action": ce.Action,
			"reason": ce.Reason,
			"status": ce.Item.Status,
			"item":   ce.Item,
		})
	}
	if errors.Is(err, ledger.ErrInsufficientPoints) {
		return newAPIError(http.StatusConflict, "insufficient_points", err.Error(), nil)
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if store.IsTransient(err) {
		return newAPIError(http.StatusServiceUnavailable, "unavailable", "store unavailable, retry later", map[string]any{
			"error":   err.Error(),
			"timeout": store.IsTimeout(err),
		})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusServiceUnavailable:
		return "unavailable"
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>Questline API Docs</title>
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

type itemOutput struct {
	Body domain.WorkItem `json:"body"`
}

type itemPath struct {
	ID string `path:"id"`
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body CreateItemRequest `json:"body"`
	}) (*itemOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Title) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		opts := engine.ItemCreateOptions{
			Title:            input.Body.Title,
			CreatorID:        actorID,
			RewardXP:         input.Body.RewardXP,
			RewardReputation: input.Body.RewardReputation,
			RewardPoints:     input.Body.RewardPoints,
			DeadlineAt:       input.Body.DeadlineAt,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		item, err := e.CreateItem(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &itemOutput{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *itemPath) (*itemOutput, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		item, err := e.GetItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &itemOutput{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List work items by status",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" default:"OPEN" enum:"OPEN,CLAIMED,SUBMITTED,COMPLETE,DISPUTED,EXPIRED"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body ItemListResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListItems(ctx, domain.Status(input.Status), normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemListResponse `json:"body"`
		}{Body: ItemListResponse{Items: mapItems(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-item",
		Method:      http.MethodDelete,
		Path:        "/items/{id}",
		Summary:     "Delete an OPEN work item (creator only)",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *itemPath) (*itemOutput, error) {
		return transition(ctx, e, input.ID, engine.ActionDelete, engine.Input{})
	})
}

var transitionErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusServiceUnavailable,
}

func transition(ctx context.Context, e engine.Engine, id string, action engine.Action, in engine.Input) (*itemOutput, error) {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return nil, authErr
	}
	item, err := e.RequestTransition(ctx, id, actorID, action, in)
	if err != nil {
		return nil, handleError(err)
	}
	return &itemOutput{Body: item}, nil
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/claim",
		Summary:     "Claim an OPEN item as performer",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *itemPath) (*itemOutput, error) {
		return transition(ctx, e, input.ID, engine.ActionClaim, engine.Input{})
	})

	huma.Register(api, huma.Operation{
		OperationID: "unclaim-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/unclaim",
		Summary:     "Release a claimed item",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *itemPath) (*itemOutput, error) {
		return transition(ctx, e, input.ID, engine.ActionUnclaim, engine.Input{})
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/submit",
		Summary:     "Submit work for attestation",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body *SubmitRequest `json:"body" required:"false"`
	}) (*itemOutput, error) {
		var in engine.Input
		if input.Body != nil {
			in.Text = input.Body.Text
		}
		return transition(ctx, e, input.ID, engine.ActionSubmit, in)
	})

	huma.Register(api, huma.Operation{
		OperationID: "attest-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/attestations",
		Summary:     "Attest a submitted item; completes it once both parties attest",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AttestRequest `json:"body"`
	}) (*itemOutput, error) {
		return transition(ctx, e, input.ID, engine.ActionAttest, engine.Input{
			Role:      domain.Role(input.Body.Role),
			Signature: input.Body.Signature,
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispute-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/dispute",
		Summary:     "Dispute a submitted item",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body *DisputeRequest `json:"body" required:"false"`
	}) (*itemOutput, error) {
		var in engine.Input
		if input.Body != nil {
			in.Reason = input.Body.Reason
		}
		return transition(ctx, e, input.ID, engine.ActionDispute, in)
	})
}

func registerBalances(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-balance",
		Method:      http.MethodGet,
		Path:        "/actors/{id}/balance",
		Summary:     "Actor balance",
		Errors:      []int{http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Balance `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		bal, err := e.Balance(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Balance `json:"body"`
		}{Body: bal}, nil
	})
}

func registerSpend(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "spend-points",
		Method:      http.MethodPost,
		Path:        "/actors/{id}/spend",
		Summary:     "Spend points from your own balance (idempotent per spend_id)",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body SpendRequest `json:"body"`
	}) (*struct {
		Body SpendResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if actorID != input.ID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "actors may only spend their own points", nil)
		}
		res, err := e.Spend(ctx, actorID, input.Body.SpendID, input.Body.Points)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SpendResponse `json:"body"`
		}{Body: SpendResponse{Applied: res.Applied, AlreadyProcessed: res.AlreadyProcessed, Balance: res.Balance}}, nil
	})
}

func registerRecovery(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "recovery-sweep",
		Method:      http.MethodPost,
		Path:        "/recovery/sweep",
		Summary:     "Run one reconcile pass: expire stale items, finish ready completions, retry failed rewards",
		Errors:      []int{http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		res, err := e.Reconcile(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := SweepResponse{Recovery: res.Recovery, Expired: res.Expired, Completed: res.Completed, Credited: res.Credited}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-failed-rewards",
		Method:      http.MethodGet,
		Path:        "/recovery/failed-rewards",
		Summary:     "List failed rewards (non-terminal when status is omitted)",
		Errors:      []int{http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,retrying,resolved,abandoned"`
	}) (*struct {
		Body FailedRewardListResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		recs, err := e.Recovery.List(ctx, domain.FailedRewardStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FailedRewardListResponse `json:"body"`
		}{Body: FailedRewardListResponse{Items: mapFailedRewards(recs)}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
