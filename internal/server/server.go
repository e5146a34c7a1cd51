package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Auth      AuthConfig
	RateLimit RateLimit
	// Gatherer backs /metrics; nil leaves the route unregistered.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// apiError is the error envelope every failing route returns.
type apiError struct {
	status        int
	Detail        string   `json:"detail" example:"transaction tx-1 is completed, cannot fund"`
	CurrentStatus string   `json:"current_status,omitempty" example:"completed"`
	Errors        []string `json:"errors,omitempty"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Detail }

type output[T any] struct {
	Body T
}

func reply[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

type handlers struct {
	e      engine.Engine
	logger *slog.Logger
}

// New returns an HTTP handler exposing the escrow API.
func New(cfg Config) (http.Handler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, msg, "", errs...)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		// Request schema failures are client input errors.
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		return newAPIError(status, msg, "", errs...)
	}

	if cfg.Auth.APIKeys == nil {
		cfg.Auth.APIKeys = cfg.Engine
	}
	router := chi.NewRouter()
	router.Use(newRateLimitMiddleware(cfg.RateLimit))
	router.Use(newAuthMiddleware(cfg.Auth))
	if cfg.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	hcfg := huma.DefaultConfig("Escrowline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)

	h := handlers{e: cfg.Engine, logger: logger}
	registerHealth(api)
	h.registerTransactions(api)
	h.registerContracts(api)
	h.registerAdmin(api)
	h.registerEvents(api)
	registerOpenAPI(router, api)

	return otelhttp.NewHandler(router, "escrowline.api"), nil
}

func newAPIError(status int, detail, currentStatus string, errs ...error) huma.StatusError {
	e := &apiError{status: status, Detail: detail, CurrentStatus: currentStatus}
	for _, err := range errs {
		if err != nil {
			e.Errors = append(e.Errors, err.Error())
		}
	}
	if e.Detail == "" {
		e.Detail = strings.ToLower(http.StatusText(status))
	}
	return e
}

// handleError maps engine errors to the HTTP status contract.
func (h handlers) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return newAPIError(http.StatusBadRequest, err.Error(), "")
	case domain.KindNotFound:
		return newAPIError(http.StatusNotFound, err.Error(), "")
	case domain.KindConflict:
		return newAPIError(http.StatusConflict, err.Error(), domain.CurrentStatus(err))
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not found", "")
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusServiceUnavailable, "request cancelled", "")
	}
	h.logger.Error("request failed", "err", err)
	return newAPIError(http.StatusInternalServerError, "internal error", "")
}

func registerOpenAPI(r chi.Router, api huma.API) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get("/openapi.json", func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI) {
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
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if isPublicPath(route) {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func (h handlers) registerTransactions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-transactions",
		Method:      http.MethodGet,
		Path:        "/escrow/transactions",
		Summary:     "List escrow transactions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PageQuery
		Status     string `query:"status" enum:"pending,funded,in_progress,completed,disputed,cancelled"`
		ContractID string `query:"contract_id"`
		HasDispute string `query:"has_dispute" enum:"true,false"`
	}) (*output[Page[domain.EscrowTransaction]], error) {
		f := repo.TransactionFilters{
			Search:     input.Search,
			Status:     input.Status,
			ContractID: input.ContractID,
			Page:       input.Page,
			PageSize:   input.PageSize,
		}
		if input.HasDispute != "" {
			v := input.HasDispute == "true"
			f.HasDispute = &v
		}
		items, total, err := h.e.ListTransactions(ctx, f)
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(newPage(items, total)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-transaction",
		Method:      http.MethodGet,
		Path:        "/escrow/transactions/{id}",
		Summary:     "Get escrow transaction",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *IDPath) (*output[domain.EscrowTransaction], error) {
		t, err := h.e.GetTransaction(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-transaction-ledger",
		Method:      http.MethodGet,
		Path:        "/escrow/transactions/{id}/ledger",
		Summary:     "List ledger entries of a transaction",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *IDPath) (*output[LedgerResponse], error) {
		entries, err := h.e.Ledger(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(LedgerResponse{Items: entries}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile-transaction",
		Method:      http.MethodGet,
		Path:        "/escrow/transactions/{id}/reconcile",
		Summary:     "Compare transaction balances with its ledger",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *IDPath) (*output[engine.ReconcileReport], error) {
		rep, err := h.e.Reconcile(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(rep), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-transaction",
		Method:        http.MethodPost,
		Path:          "/escrow/transactions",
		Summary:       "Open an escrow transaction on a contract",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTransactionRequest
	}) (*output[domain.EscrowTransaction], error) {
		opts := engine.TransactionCreateOptions{
			ID:          input.Body.ID,
			ContractID:  input.Body.ContractID,
			TotalAmount: input.Body.TotalAmount,
			ActorID:     actorID(ctx),
		}
		for _, m := range input.Body.Milestones {
			opts.Milestones = append(opts.Milestones, engine.MilestoneInput{Title: m.Title, Amount: m.Amount})
		}
		t, err := h.e.CreateTransaction(ctx, opts)
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fund-transaction",
		Method:      http.MethodPost,
		Path:        "/escrow/transactions/{id}/fund",
		Summary:     "Deposit the full transaction amount",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		IDPath
		Body FundRequest
	}) (*output[domain.EscrowTransaction], error) {
		t, err := h.e.Fund(ctx, input.ID, input.Body.Amount, actorID(ctx))
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-milestone",
		Method:      http.MethodPost,
		Path:        "/escrow/transactions/{id}/milestones/{milestone_id}/complete",
		Summary:     "Complete the next milestone and release its amount",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		IDPath
		MilestoneID string `path:"milestone_id"`
	}) (*output[domain.EscrowTransaction], error) {
		t, err := h.e.CompleteMilestone(ctx, input.ID, input.MilestoneID, actorID(ctx))
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-transaction",
		Method:      http.MethodPost,
		Path:        "/escrow/transactions/{id}/cancel",
		Summary:     "Cancel a transaction before any release",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *IDPath) (*output[domain.EscrowTransaction], error) {
		t, err := h.e.Cancel(ctx, input.ID, actorID(ctx))
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "raise-dispute",
		Method:      http.MethodPost,
		Path:        "/escrow/transactions/{id}/dispute",
		Summary:     "Freeze held funds pending adjudication",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		IDPath
		Body RaiseDisputeRequest
	}) (*output[domain.EscrowTransaction], error) {
		t, err := h.e.RaiseDispute(ctx, engine.DisputeRaiseOptions{
			TransactionID: input.ID,
			Reason:        input.Body.Reason,
			RaisedBy:      domain.Party(input.Body.RaisedBy),
			ActorID:       actorID(ctx),
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(t), nil
	})
}

func (h handlers) registerContracts(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-contracts",
		Method:      http.MethodGet,
		Path:        "/escrow/contracts",
		Summary:     "List contracts",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PageQuery
		Status string `query:"status" enum:"draft,sent,signed,expired"`
	}) (*output[Page[domain.Contract]], error) {
		items, total, err := h.e.ListContracts(ctx, repo.ContractFilters{
			Search:   input.Search,
			Status:   input.Status,
			Page:     input.Page,
			PageSize: input.PageSize,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(newPage(items, total)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/escrow/contracts/{id}",
		Summary:     "Get contract",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *IDPath) (*output[domain.Contract], error) {
		c, err := h.e.GetContract(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-contract",
		Method:        http.MethodPost,
		Path:          "/escrow/contracts",
		Summary:       "Draft a contract",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateContractRequest
	}) (*output[domain.Contract], error) {
		c, err := h.e.CreateContract(ctx, engine.ContractCreateOptions{
			ID:       input.Body.ID,
			BuyerID:  input.Body.BuyerID,
			SellerID: input.Body.SellerID,
			Title:    input.Body.Title,
			ActorID:  actorID(ctx),
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(c), nil
	})

	for _, step := range []struct {
		name string
		fn   func(context.Context, string, string) (domain.Contract, error)
	}{
		{"send", h.e.SendContract},
		{"sign", h.e.SignContract},
	} {
		huma.Register(api, huma.Operation{
			OperationID: step.name + "-contract",
			Method:      http.MethodPost,
			Path:        "/escrow/contracts/{id}/" + step.name,
			Summary:     strings.ToUpper(step.name[:1]) + step.name[1:] + " contract",
			Errors:      mutationErrors,
		}, func(ctx context.Context, input *IDPath) (*output[domain.Contract], error) {
			c, err := step.fn(ctx, input.ID, actorID(ctx))
			if err != nil {
				return nil, h.handleError(err)
			}
			return reply(c), nil
		})
	}
}

func (h handlers) registerAdmin(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "resolve-dispute",
		Method:      http.MethodPost,
		Path:        "/admin/escrow/{id}/resolve",
		Summary:     "Resolve the open dispute of a transaction",
		Errors:      append([]int{http.StatusForbidden}, mutationErrors...),
	}, func(ctx context.Context, input *struct {
		IDPath
		Body ResolveDisputeRequest
	}) (*output[domain.EscrowTransaction], error) {
		t, err := h.e.ResolveDispute(ctx, engine.DisputeResolveOptions{
			TransactionID: input.ID,
			Resolution:    domain.Resolution(input.Body.Resolution),
			BuyerShareBps: input.Body.BuyerShareBps,
			ActorID:       actorID(ctx),
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-fee-settings",
		Method:      http.MethodGet,
		Path:        "/admin/settings/fees",
		Summary:     "Current fee policy",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*output[FeePolicyResponse], error) {
		p, err := h.e.FeePolicy(ctx)
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(feePolicyResponse(p)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-fee-settings",
		Method:      http.MethodPut,
		Path:        "/admin/settings/fees",
		Summary:     "Store a new fee policy version",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body UpdateFeesRequest
	}) (*output[FeePolicyResponse], error) {
		p, err := h.e.UpdateFeePolicy(ctx, input.Body.EscrowFeePercent, input.Body.MinEscrowAmount, actorID(ctx))
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(feePolicyResponse(p)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-fee-settings",
		Method:      http.MethodGet,
		Path:        "/admin/settings/fees/history",
		Summary:     "All fee policy versions, newest first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*output[FeeHistoryResponse], error) {
		items, err := h.e.FeePolicyHistory(ctx)
		if err != nil {
			return nil, h.handleError(err)
		}
		resp := FeeHistoryResponse{Items: []FeePolicyResponse{}}
		for _, p := range items {
			resp.Items = append(resp.Items, feePolicyResponse(p))
		}
		return reply(resp), nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/escrow/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"contract,transaction,fee_policy,api_key"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"200"`
		Cursor     int64  `query:"cursor" minimum:"0"`
	}) (*output[EventsResponse], error) {
		items, err := h.e.ListEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     input.Cursor,
			Limit:      input.Limit + 1,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		resp := EventsResponse{Items: []domain.Event{}}
		if len(items) > input.Limit {
			resp.NextCursor = items[input.Limit-1].ID
			items = items[:input.Limit]
		}
		resp.Items = append(resp.Items, items...)
		return reply(resp), nil
	})
}
