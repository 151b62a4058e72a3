package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"civicforge/internal/domain"
	"civicforge/internal/engine"
	"civicforge/internal/engine/auth"
	"civicforge/internal/identity"
	"civicforge/internal/idempotency"
	"civicforge/internal/ledger"
	"civicforge/internal/ratelimit"
	"civicforge/internal/repo"
	"civicforge/internal/reprocess"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Worker    *reprocess.Worker
	Limiter   *ratelimit.Limiter
	BasePath  string
	Auth      AuthConfig
	Logger    *slog.Logger
	TokenTTL  time.Duration
	ExpireMax int
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_applied"`
	Message string         `json:"message" example:"quest is not in a state that allows this action"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"status\":\"CLAIMED\"}"`
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

// New returns an HTTP handler exposing the quest API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
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
	router.Use(newRateLimitMiddleware(cfg.Limiter, cfg.logger()))
	hcfg := huma.DefaultConfig("CivicForge API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerIdentity(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerQuests(group, cfg)
	registerBoards(group, cfg.Engine)
	registerRewards(group, cfg)
	registerEvents(group, cfg.Engine)
	if cfg.Auth.AllowDevLogin {
		registerDevAuth(group, cfg)
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
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": fe.Action})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return newAPIError(http.StatusConflict, "insufficient_balance", msg, nil)
	case errors.Is(err, engine.ErrQuestExists):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, idempotency.ErrInProgress):
		return newAPIError(http.StatusConflict, "in_progress", msg, nil)
	case repo.IsFatal(err):
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", "store unavailable", map[string]any{"error": msg})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func notApplied(q domain.Quest) huma.StatusError {
	return newAPIError(http.StatusConflict, "not_applied", "quest is not in a state that allows this action", map[string]any{
		"quest_id": q.ID,
		"status":   q.Status,
	})
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
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func newRateLimitMiddleware(l *ratelimit.Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !l.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			key := "ip:" + clientIP(req)
			if p, ok := principalFromContext(req.Context()); ok && p.UserID != "" {
				key = "user:" + p.UserID
			}
			ok, err := l.Allow(req.Context(), key)
			if err != nil {
				// the limiter shares the store; do not turn its outage into a second one
				logger.Warn("rate limit check failed", slog.String("key", key), slog.String("error", err.Error()))
				next.ServeHTTP(w, req)
				return
			}
			if !ok {
				retry := l.RetryAfter()
				w.Header().Set("Retry-After", strconv.Itoa(int(retry.Round(time.Second)/time.Second)))
				respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", map[string]any{
					"limit":  l.Requests,
					"window": l.Window.String(),
				}))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
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
    <title>CivicForge API Docs</title>
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

func registerIdentity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "confirm-identity",
		Method:      http.MethodPost,
		Path:        "/identity/confirmations",
		Summary:     "Create the ledger entry for a confirmed identity",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body IdentityConfirmationRequest `json:"body"`
	}) (*struct {
		Body IdentityConfirmationResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if id := optional(input.Body.UserID); id != "" && id != userID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "identity confirmations are accepted for the caller only", nil)
		}
		res := e.Identity().HandleConfirmation(ctx, identity.Confirmation{
			UserID:        userID,
			Username:      input.Body.Username,
			WalletAddress: input.Body.WalletAddress,
		})
		return &struct {
			Body IdentityConfirmationResponse `json:"body"`
		}{Body: IdentityConfirmationResponse{UserID: userID, Result: string(res)}}, nil
	})
}

type userOutput struct {
	Body domain.User `json:"body"`
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*userOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.Repo.GetUser(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &userOutput{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-user",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}",
		Summary:     "Get user",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*userOutput, error) {
		u, err := e.Repo.GetUser(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &userOutput{Body: u}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/me/api-keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, raw, err := e.CreateAPIKey(ctx, userID, optional(input.Body.Name))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{APIKey: key, Key: raw}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/me/api-keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: nonNilSlice(keys)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/me/api-keys/{key_id}",
		Summary:       "Revoke API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.RevokeAPIKey(ctx, input.KeyID, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

type questOutput struct {
	Body domain.Quest `json:"body"`
}

type questPath struct {
	QuestID string `path:"quest_id"`
}

func transitionResult(q domain.Quest, applied bool, err error) (*questOutput, error) {
	if err != nil {
		return nil, handleError(err)
	}
	if !applied {
		return nil, notApplied(q)
	}
	return &questOutput{Body: q}, nil
}

var transitionErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusServiceUnavailable,
}

func registerQuests(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "create-quest",
		Method:        http.MethodPost,
		Path:          "/quests",
		Summary:       "Create quest",
		DefaultStatus: http.StatusCreated,
		Errors:        transitionErrors,
	}, func(ctx context.Context, input *struct {
		IdempotencyKey string             `header:"Idempotency-Key"`
		Body           CreateQuestRequest `json:"body"`
	}) (*questOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.QuestCreateOptions{
			ID:               optional(input.Body.ID),
			BoardID:          optional(input.Body.BoardID),
			CreatorID:        userID,
			Title:            input.Body.Title,
			Description:      optional(input.Body.Description),
			RewardXP:         input.Body.RewardXP,
			RewardReputation: input.Body.RewardReputation,
			IdempotencyKey:   input.IdempotencyKey,
		}
		if input.Body.TTLSeconds != nil {
			opts.TTL = time.Duration(*input.Body.TTLSeconds) * time.Second
		}
		q, err := e.CreateQuest(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &questOutput{Body: q}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-quests",
		Method:      http.MethodGet,
		Path:        "/quests",
		Summary:     "List quests",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"OPEN,CLAIMED,SUBMITTED,COMPLETE,DISPUTED,EXPIRED,CANCELLED"`
		CreatorID string `query:"creator_id"`
		BoardID   string `query:"board_id"`
		Limit     int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []domain.Quest `json:"body"`
	}, error) {
		items, err := e.ListQuests(ctx, repo.QuestFilters{
			Status:    input.Status,
			CreatorID: input.CreatorID,
			BoardID:   input.BoardID,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Quest `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-quest",
		Method:      http.MethodGet,
		Path:        "/quests/{quest_id}",
		Summary:     "Get quest",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *questPath) (*questOutput, error) {
		q, err := e.Repo.GetQuest(ctx, input.QuestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &questOutput{Body: q}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-quest",
		Method:      http.MethodPost,
		Path:        "/quests/{quest_id}/claim",
		Summary:     "Claim quest",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *questPath) (*questOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return transitionResult(e.Claim(ctx, input.QuestID, userID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-quest",
		Method:      http.MethodPost,
		Path:        "/quests/{quest_id}/submit",
		Summary:     "Submit quest work",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		QuestID string             `path:"quest_id"`
		Body    SubmitQuestRequest `json:"body"`
	}) (*questOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return transitionResult(e.Submit(ctx, input.QuestID, userID, input.Body.SubmissionText))
	})

	huma.Register(api, huma.Operation{
		OperationID: "attest-quest",
		Method:      http.MethodPost,
		Path:        "/quests/{quest_id}/attestations",
		Summary:     "Attest quest",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		QuestID string        `path:"quest_id"`
		Body    AttestRequest `json:"body"`
	}) (*questOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return transitionResult(e.Attest(ctx, input.QuestID, userID, input.Body.Role, optional(input.Body.Signature)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-quest",
		Method:      http.MethodPost,
		Path:        "/quests/{quest_id}/complete",
		Summary:     "Complete quest and credit the performer",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *questPath) (*questOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return transitionResult(e.Complete(ctx, input.QuestID, userID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispute-quest",
		Method:      http.MethodPost,
		Path:        "/quests/{quest_id}/dispute",
		Summary:     "Dispute quest submission",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		QuestID string         `path:"quest_id"`
		Body    DisputeRequest `json:"body"`
	}) (*questOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return transitionResult(e.Dispute(ctx, input.QuestID, userID, input.Body.Reason))
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-quest",
		Method:      http.MethodPost,
		Path:        "/quests/{quest_id}/cancel",
		Summary:     "Cancel quest",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *questPath) (*questOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return transitionResult(e.Cancel(ctx, input.QuestID, userID))
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-quest",
		Method:        http.MethodDelete,
		Path:          "/quests/{quest_id}",
		Summary:       "Delete an open, unclaimed quest",
		DefaultStatus: http.StatusNoContent,
		Errors:        transitionErrors,
	}, func(ctx context.Context, input *questPath) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ok, err := e.Delete(ctx, input.QuestID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			q, err := e.Repo.GetQuest(ctx, input.QuestID)
			if err != nil {
				return nil, handleError(err)
			}
			return nil, notApplied(q)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "expire-quests",
		Method:      http.MethodPost,
		Path:        "/quests/expire",
		Summary:     "Expire quests past their time-to-live",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ExpireResponse `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, err
		}
		n, err := e.ExpireDue(ctx, cfg.ExpireMax)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExpireResponse `json:"body"`
		}{Body: ExpireResponse{Expired: n}}, nil
	})
}

type boardPath struct {
	BoardID string `path:"board_id"`
}

func registerBoards(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-board",
		Method:        http.MethodPost,
		Path:          "/boards",
		Summary:       "Create board owned by the caller",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateBoardRequest `json:"body"`
	}) (*struct {
		Body domain.Board `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, ok, err := e.CreateBoard(ctx, input.Body.ID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusConflict, "not_applied", "board already exists", map[string]any{"board_id": b.ID})
		}
		return &struct {
			Body domain.Board `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-board",
		Method:      http.MethodGet,
		Path:        "/boards/{board_id}",
		Summary:     "Get board",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *boardPath) (*struct {
		Body domain.Board `json:"body"`
	}, error) {
		b, err := e.Repo.GetBoard(ctx, input.BoardID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Board `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-board-roles",
		Method:      http.MethodGet,
		Path:        "/boards/{board_id}/roles",
		Summary:     "List assigned board roles",
	}, func(ctx context.Context, input *boardPath) (*struct {
		Body []domain.BoardRole `json:"body"`
	}, error) {
		roles, err := e.Repo.ListBoardRoles(ctx, input.BoardID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.BoardRole `json:"body"`
		}{Body: nonNilSlice(roles)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-board-role",
		Method:      http.MethodPut,
		Path:        "/boards/{board_id}/roles/{user_id}",
		Summary:     "Assign board role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BoardID string            `path:"board_id"`
		UserID  string            `path:"user_id"`
		Body    AssignRoleRequest `json:"body"`
	}) (*struct {
		Body domain.BoardRole `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		br, err := e.AssignBoardRole(ctx, input.BoardID, input.UserID, input.Body.Role, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BoardRole `json:"body"`
		}{Body: br}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-board-role",
		Method:        http.MethodDelete,
		Path:          "/boards/{board_id}/roles/{user_id}",
		Summary:       "Revoke board role",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BoardID string `path:"board_id"`
		UserID  string `path:"user_id"`
	}) (*struct{}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ok, err := e.RevokeBoardRole(ctx, input.BoardID, input.UserID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no role assigned", nil)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transfer-board",
		Method:      http.MethodPost,
		Path:        "/boards/{board_id}/transfer",
		Summary:     "Transfer board ownership",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		BoardID string               `path:"board_id"`
		Body    TransferBoardRequest `json:"body"`
	}) (*struct {
		Body domain.Board `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ok, err := e.TransferBoard(ctx, input.BoardID, input.Body.OwnerID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusConflict, "not_applied", "board ownership changed concurrently", nil)
		}
		b, err := e.Repo.GetBoard(ctx, input.BoardID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Board `json:"body"`
		}{Body: b}, nil
	})
}

func registerRewards(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "list-failed-rewards",
		Method:      http.MethodGet,
		Path:        "/rewards/failed",
		Summary:     "List queued reward postings",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,resolved,abandoned"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []domain.FailedReward `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, err
		}
		status := input.Status
		if status == "" {
			status = domain.RewardPending
		}
		items, err := e.Repo.ListFailedRewards(ctx, status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.FailedReward `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reprocess-rewards",
		Method:      http.MethodPost,
		Path:        "/rewards/reprocess",
		Summary:     "Run one reprocessor batch",
		Errors:      []int{http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ReprocessResponse `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, err
		}
		if cfg.Worker == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "reprocessor_disabled", "reprocessor not configured", nil)
		}
		sum, err := cfg.Worker.RunOnce(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReprocessResponse `json:"body"`
		}{Body: ReprocessResponse{WorkerID: cfg.Worker.ID(), Summary: sum}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events, newest first",
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerDevAuth(api huma.API, cfg Config) {
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
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		token, err := SignToken(cfg.Auth.JWTSecret, userID, input.Body.Roles, cfg.TokenTTL, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}
