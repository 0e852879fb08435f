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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"scribepool/internal/domain"
	"scribepool/internal/engine"
	"scribepool/internal/engine/rates"
	"scribepool/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"lease_expired"`
	Message string         `json:"message" example:"lease expired; re-claim the work item"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Scribepool API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Scribepool API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerWorkItems(group, cfg.Engine)
	registerLeases(group, cfg.Engine)
	registerSubmissions(group, cfg.Engine)
	registerReviews(group, cfg.Engine)
	registerPay(group, cfg.Engine)
	registerRatePlans(group, cfg.Engine)
	registerMaintenance(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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

// handleError maps engine errors to the wire envelope. Engine errors are
// typed; nothing here matches on message text.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var cooldown engine.CooldownError
	if errors.As(err, &cooldown) {
		return newAPIError(http.StatusTooManyRequests, "cooldown", err.Error(), map[string]any{
			"retry_after_seconds": cooldown.RetryAfterSeconds,
		})
	}
	switch {
	case errors.Is(err, engine.ErrNoCapacity):
		return newAPIError(http.StatusConflict, "no_capacity", err.Error(), nil)
	case errors.Is(err, engine.ErrNoItemsAvailable):
		return newAPIError(http.StatusNotFound, "no_items_available", err.Error(), nil)
	case errors.Is(err, engine.ErrItemNotAvailable):
		return newAPIError(http.StatusConflict, "item_not_available", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyApproved):
		return newAPIError(http.StatusConflict, "already_approved", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyReviewed):
		return newAPIError(http.StatusConflict, "already_reviewed", err.Error(), nil)
	case errors.Is(err, engine.ErrLeaseExpired):
		return newAPIError(http.StatusConflict, "lease_expired", err.Error(), nil)
	case errors.Is(err, engine.ErrLeaseNotOwned):
		return newAPIError(http.StatusForbidden, "lease_not_owned", err.Error(), nil)
	case errors.Is(err, engine.ErrNotApproved):
		return newAPIError(http.StatusConflict, "not_approved", err.Error(), nil)
	case errors.Is(err, engine.ErrNotRejected):
		return newAPIError(http.StatusConflict, "not_rejected", err.Error(), nil)
	case errors.Is(err, rates.ErrNoActivePlan):
		return newAPIError(http.StatusUnprocessableEntity, "no_active_rate_plan", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be") || strings.Contains(lowered, "unknown") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusUnauthorized:
		return "unauthorized"
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
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Scribepool API Docs</title>
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

func registerWorkItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Ingest a work item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkItemRequest `json:"body"`
	}) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, domain.RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.DurationSeconds <= 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "duration_seconds must be positive", nil)
		}
		opts := engine.WorkItemCreateOptions{
			Pool:            input.Body.Pool,
			StorageRef:      input.Body.StorageRef,
			DurationSeconds: input.Body.DurationSeconds,
			ActorID:         p.ActorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		item, err := e.CreateWorkItem(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(item)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List work items",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Pool   string `query:"pool"`
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"100"`
	}) (*struct {
		Body []WorkItemResponse `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, domain.RoleAdmin, domain.RoleReviewer); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListWorkItems(ctx, repo.WorkItemFilters{
			Pool:   input.Pool,
			Status: input.Status,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []WorkItemResponse `json:"body"`
		}{Body: mapWorkItems(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-item",
		Method:      http.MethodGet,
		Path:        "/items/{id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		item, err := e.Repo.GetWorkItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(item)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-available-items",
		Method:      http.MethodGet,
		Path:        "/items/available",
		Summary:     "List claimable work items",
	}, func(ctx context.Context, input *struct {
		Pool string `query:"pool"`
	}) (*struct {
		Body []WorkItemResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListAvailable(ctx, input.Pool)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []WorkItemResponse `json:"body"`
		}{Body: mapWorkItems(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revert-approval",
		Method:      http.MethodPost,
		Path:        "/items/{id}/revert",
		Summary:     "Revert an approval",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, domain.RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Revert(ctx, input.ID, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		item, err := e.Repo.GetWorkItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(item)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "requeue-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/requeue",
		Summary:     "Requeue a rejected item",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, domain.RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Requeue(ctx, input.ID, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		item, err := e.Repo.GetWorkItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(item)}, nil
	})
}

func registerLeases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "claim-work",
		Method:        http.MethodPost,
		Path:          "/claims",
		Summary:       "Claim a work item",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusConflict,
			http.StatusNotFound,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		Body ClaimRequest `json:"body"`
	}) (*struct {
		Body LeaseResponse `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, domain.RoleWorker)
		if authErr != nil {
			return nil, authErr
		}
		lease, err := e.Claim(ctx, p.ActorID, input.Body.Pool, input.Body.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeaseResponse `json:"body"`
		}{Body: leaseResponse(lease)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-lease",
		Method:      http.MethodPost,
		Path:        "/leases/{id}/release",
		Summary:     "Release a lease",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		p, authErr := requireRole(ctx, domain.RoleWorker)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Release(ctx, input.ID, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-draft",
		Method:      http.MethodPut,
		Path:        "/leases/{id}/draft",
		Summary:     "Save a draft transcript",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body DraftRequest `json:"body"`
	}) (*struct {
		Body SubmissionResponse `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, domain.RoleWorker)
		if authErr != nil {
			return nil, authErr
		}
		draft, err := e.SaveDraft(ctx, input.ID, p.ActorID, input.Body.Text)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmissionResponse `json:"body"`
		}{Body: submissionResponse(draft)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-transcript",
		Method:        http.MethodPost,
		Path:          "/leases/{id}/submit",
		Summary:       "Submit the transcript for review",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body SubmitRequest `json:"body"`
	}) (*struct {
		Body SubmissionResponse `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, domain.RoleWorker)
		if authErr != nil {
			return nil, authErr
		}
		sub, err := e.Submit(ctx, input.ID, p.ActorID, input.Body.Text)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmissionResponse `json:"body"`
		}{Body: submissionResponse(sub)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-work",
		Method:      http.MethodGet,
		Path:        "/work",
		Summary:     "List the caller's in-flight work",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []WorkEntryResponse `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, domain.RoleWorker)
		if authErr != nil {
			return nil, authErr
		}
		entries, err := e.WorkerItems(ctx, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []WorkEntryResponse `json:"body"`
		}{Body: mapWorkEntries(entries)}, nil
	})
}

func registerSubmissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-submission",
		Method:      http.MethodGet,
		Path:        "/submissions/{id}",
		Summary:     "Get submission",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SubmissionResponse `json:"body"`
	}, error) {
		sub, err := e.Repo.GetSubmission(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		if p.Role == domain.RoleWorker && p.ActorID != sub.WorkerID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "cannot access another worker's submission", nil)
		}
		return &struct {
			Body SubmissionResponse `json:"body"`
		}{Body: submissionResponse(sub)}, nil
	})
}

func registerReviews(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-pending-reviews",
		Method:      http.MethodGet,
		Path:        "/reviews/pending",
		Summary:     "List submissions awaiting review",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []PendingReviewResponse `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, domain.RoleReviewer); authErr != nil {
			return nil, authErr
		}
		pending, err := e.ListPending(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PendingReviewResponse `json:"body"`
		}{Body: mapPendingReviews(pending)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "decide-submission",
		Method:        http.MethodPost,
		Path:          "/submissions/{id}/decision",
		Summary:       "Decide a submission",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body DecisionRequest `json:"body"`
	}) (*struct {
		Body ReviewResponse `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, domain.RoleReviewer)
		if authErr != nil {
			return nil, authErr
		}
		review, err := e.Decide(ctx, engine.DecideOptions{
			SubmissionID: input.ID,
			ReviewerID:   p.ActorID,
			Decision:     input.Body.Decision,
			Comments:     input.Body.Comments,
			FinalText:    input.Body.FinalText,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewResponse `json:"body"`
		}{Body: reviewResponse(review)}, nil
	})
}

func registerPay(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "worker-balance",
		Method:      http.MethodGet,
		Path:        "/workers/{id}/balance",
		Summary:     "Worker balance",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body BalanceResponse `json:"body"`
	}, error) {
		if _, authErr := requireSelfOrAdmin(ctx, input.ID); authErr != nil {
			return nil, authErr
		}
		w, err := e.Balance(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BalanceResponse `json:"body"`
		}{Body: BalanceResponse{WorkerID: input.ID, TotalEarningsCents: w.TotalEarningsCents}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "worker-ledger",
		Method:      http.MethodGet,
		Path:        "/workers/{id}/ledger",
		Summary:     "Worker compensation ledger",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"100"`
	}) (*struct {
		Body []LedgerEntryResponse `json:"body"`
	}, error) {
		if _, authErr := requireSelfOrAdmin(ctx, input.ID); authErr != nil {
			return nil, authErr
		}
		entries, err := e.Repo.ListLedgerEntries(ctx, input.ID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []LedgerEntryResponse `json:"body"`
		}{Body: mapLedgerEntries(entries)}, nil
	})
}

func registerRatePlans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-rate-plan",
		Method:        http.MethodPost,
		Path:          "/rate-plans",
		Summary:       "Create a rate plan",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateRatePlanRequest `json:"body"`
	}) (*struct {
		Body RatePlanResponse `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, domain.RoleAdmin); authErr != nil {
			return nil, authErr
		}
		if input.Body.RatePerMinuteCents <= 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "rate_per_minute_cents must be positive", nil)
		}
		plan := domain.RatePlan{
			ID:                 uuid.New().String(),
			RatePerMinuteCents: input.Body.RatePerMinuteCents,
			Currency:           input.Body.Currency,
			CreatedAt:          e.Now().UTC().Format(time.RFC3339),
		}
		if input.Body.ID != nil && *input.Body.ID != "" {
			plan.ID = *input.Body.ID
		}
		if plan.Currency == "" {
			plan.Currency = e.Config.Pay.Currency
		}
		if err := e.Repo.InsertRatePlan(ctx, plan); err != nil {
			return nil, handleError(err)
		}
		if input.Body.Activate {
			if err := e.Repo.ActivateRatePlan(ctx, plan.ID); err != nil {
				return nil, handleError(err)
			}
			plan.Active = true
		}
		return &struct {
			Body RatePlanResponse `json:"body"`
		}{Body: ratePlanResponse(plan)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rate-plans",
		Method:      http.MethodGet,
		Path:        "/rate-plans",
		Summary:     "List rate plans",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []RatePlanResponse `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, domain.RoleAdmin); authErr != nil {
			return nil, authErr
		}
		plans, err := e.Repo.ListRatePlans(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]RatePlanResponse, 0, len(plans))
		for _, p := range plans {
			out = append(out, ratePlanResponse(p))
		}
		return &struct {
			Body []RatePlanResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-rate-plan",
		Method:      http.MethodPost,
		Path:        "/rate-plans/{id}/activate",
		Summary:     "Activate a rate plan",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := requireRole(ctx, domain.RoleAdmin); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.ActivateRatePlan(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMaintenance(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sweep-leases",
		Method:      http.MethodPost,
		Path:        "/maintenance/sweep-leases",
		Summary:     "Expire stale leases",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"500"`
	}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, domain.RoleAdmin); authErr != nil {
			return nil, authErr
		}
		n, err := e.ExpireStale(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"expired": n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile-statuses",
		Method:      http.MethodPost,
		Path:        "/maintenance/reconcile-statuses",
		Summary:     "Re-derive work item statuses",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []engine.StatusFix `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, domain.RoleAdmin); authErr != nil {
			return nil, authErr
		}
		fixes, err := e.ReconcileStatuses(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if fixes == nil {
			fixes = []engine.StatusFix{}
		}
		return &struct {
			Body []engine.StatusFix `json:"body"`
		}{Body: fixes}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile-balances",
		Method:      http.MethodPost,
		Path:        "/maintenance/reconcile-balances",
		Summary:     "Repair cached balances from the ledger",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkerID string `query:"worker_id"`
	}) (*struct {
		Body []engine.BalanceFix `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, domain.RoleAdmin); authErr != nil {
			return nil, authErr
		}
		fixes, err := e.ReconcileBalances(ctx, input.WorkerID)
		if err != nil {
			return nil, handleError(err)
		}
		if fixes == nil {
			fixes = []engine.BalanceFix{}
		}
		return &struct {
			Body []engine.BalanceFix `json:"body"`
		}{Body: fixes}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, domain.RoleAdmin); authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		role := input.Body.Role
		if role == "" {
			role = domain.RoleWorker
		}
		switch role {
		case domain.RoleWorker, domain.RoleReviewer, domain.RoleAdmin:
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown role", map[string]any{"role": role})
		}
		plaintext := uuid.New().String() + uuid.New().String()
		key := domain.APIKey{
			ID:        uuid.New().String(),
			ActorID:   input.Body.ActorID,
			Role:      role,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(plaintext),
			CreatedAt: e.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Role:      key.Role,
			Name:      key.Name,
			CreatedAt: key.CreatedAt,
			Key:       plaintext,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, domain.RoleAdmin); authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, APIKeyResponse{
				ID:        k.ID,
				ActorID:   k.ActorID,
				Role:      k.Role,
				Name:      k.Name,
				CreatedAt: k.CreatedAt,
			})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/keys/{id}",
		Summary:     "Delete an API key",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := requireRole(ctx, domain.RoleAdmin); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"100"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, domain.RoleAdmin); authErr != nil {
			return nil, authErr
		}
		events, err := e.Repo.LatestEvents(ctx, input.Limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: events}, nil
	})
}
