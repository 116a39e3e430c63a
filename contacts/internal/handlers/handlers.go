package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/executor"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/models"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/repos"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/httpx"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/logx"
)

const (
	BasePath        = "/api/v1/ssn-verification"
	PathVerify      = BasePath + "/verify"
	PathVerifyFull  = BasePath + "/verify-full-name"
	PathHealth      = BasePath + "/health"
	PathOutcomes    = BasePath + "/outcomes"
	PathLatest      = BasePath + "/outcomes/{contactId}/latest"
	PathRedrive     = BasePath + "/redrive"
	HealthMessage   = "SSN Verification Service is running"
	maxOutcomeLimit = 500

	saturatedRetryAfter = 5 * time.Second
)

type Verifier interface {
	VerifySSNMatch(ctx context.Context, ssn string, firstName string, lastName string) models.VerificationResult
	VerifyFullName(ctx context.Context, ssn string, fullName string) models.VerificationResult
}

// Pool is satisfied by *executor.Executor.
type Pool interface {
	TrySubmit(task executor.Task) error
}

type OutcomeReader interface {
	List(ctx context.Context, f models.OutcomeFilter) ([]models.VerificationOutcome, error)
	Latest(ctx context.Context, subjectID string) (models.VerificationOutcome, error)
}

type LatestCache interface {
	Get(ctx context.Context, subjectID string) (models.VerificationOutcome, bool, error)
	Put(ctx context.Context, o models.VerificationOutcome) error
}

// RedriveFunc enqueues a redrive run and returns its task id and request id.
type RedriveFunc func(ctx context.Context, subjectID string) (taskID string, requestID string, err error)

type Handlers struct {
	Verifier Verifier
	Pool     Pool
	Outcomes OutcomeReader
	Cache    LatestCache
	Redrive  RedriveFunc
	Logger   logx.Logger
}

func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+PathVerify, h.Verify)
	mux.HandleFunc("GET "+PathVerifyFull, h.VerifyFullName)
	mux.HandleFunc("GET "+PathHealth, h.Health)
	mux.HandleFunc("GET "+PathOutcomes, h.ListOutcomes)
	mux.HandleFunc("GET "+PathLatest, h.LatestOutcome)
	mux.HandleFunc("POST "+PathRedrive, h.TriggerRedrive)
}

func (h *Handlers) Verify(w http.ResponseWriter, r *http.Request) {
	q, ok := requireParams(w, r, "ssn", "firstName", "lastName")
	if !ok {
		return
	}
	h.runDirect(w, r, func(ctx context.Context) models.VerificationResult {
		return h.Verifier.VerifySSNMatch(ctx, q.Get("ssn"), q.Get("firstName"), q.Get("lastName"))
	})
}

func (h *Handlers) VerifyFullName(w http.ResponseWriter, r *http.Request) {
	q, ok := requireParams(w, r, "ssn", "fullName")
	if !ok {
		return
	}
	h.runDirect(w, r, func(ctx context.Context) models.VerificationResult {
		return h.Verifier.VerifyFullName(ctx, q.Get("ssn"), q.Get("fullName"))
	})
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	httpx.WriteText(w, http.StatusOK, HealthMessage)
}

// runDirect executes fn on the direct verification pool and writes its result.
func (h *Handlers) runDirect(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context) models.VerificationResult) {
	ctx := r.Context()
	done := make(chan models.VerificationResult, 1)
	err := h.Pool.TrySubmit(func(context.Context) {
		done <- fn(ctx)
	})
	if err != nil {
		if errors.Is(err, executor.ErrSaturated) || errors.Is(err, executor.ErrClosed) {
			httpx.WriteRetryable(w, r, http.StatusServiceUnavailable, "RESOURCE_EXHAUSTED", "verification capacity exhausted, retry later", saturatedRetryAfter)
			return
		}
		h.internalError(w, r, "direct_verify_failed", err)
		return
	}

	select {
	case res := <-done:
		httpx.WriteJSON(w, http.StatusOK, res)
	case <-ctx.Done():
		h.internalError(w, r, "direct_verify_failed", ctx.Err())
	}
}

func (h *Handlers) ListOutcomes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.OutcomeFilter{
		SubjectID: strings.TrimSpace(q.Get("contactId")),
		SSN:       strings.TrimSpace(q.Get("ssn")),
	}
	if raw := q.Get("status"); raw != "" {
		status, ok := models.ParseStatus(raw)
		if !ok {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "unknown status", map[string]any{"status": raw})
			return
		}
		f.Status = status
	}
	if raw := q.Get("matching"); raw != "" {
		matching, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "matching must be true or false", nil)
			return
		}
		f.Matching = &matching
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxOutcomeLimit {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "limit must be between 1 and 500", nil)
			return
		}
		f.Limit = limit
	}

	outcomes, err := h.Outcomes.List(r.Context(), f)
	if err != nil {
		h.internalError(w, r, "outcomes_query_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, outcomes)
}

func (h *Handlers) LatestOutcome(w http.ResponseWriter, r *http.Request) {
	subjectID := strings.TrimSpace(r.PathValue("contactId"))
	if subjectID == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "contactId is required", nil)
		return
	}
	if h.Cache != nil {
		o, ok, err := h.Cache.Get(r.Context(), subjectID)
		if err != nil {
			h.Logger.Warn(r.Context(), "outcome_cache_read_failed", "outcome cache read failed",
				slog.String("error", err.Error()),
			)
		}
		if ok {
			w.Header().Set("X-Cache", "HIT")
			httpx.WriteJSON(w, http.StatusOK, o)
			return
		}
	}

	o, err := h.Outcomes.Latest(r.Context(), subjectID)
	if err != nil {
		if errors.Is(err, repos.ErrNotFound) {
			httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "no outcome for contact", map[string]any{"contactId": subjectID})
			return
		}
		h.internalError(w, r, "outcomes_query_failed", err)
		return
	}
	if h.Cache != nil {
		if err := h.Cache.Put(r.Context(), o); err != nil {
			h.Logger.Warn(r.Context(), "outcome_cache_write_failed", "outcome cache write failed",
				slog.String("error", err.Error()),
			)
		}
	}
	w.Header().Set("X-Cache", "MISS")
	httpx.WriteJSON(w, http.StatusOK, o)
}

func (h *Handlers) TriggerRedrive(w http.ResponseWriter, r *http.Request) {
	if h.Redrive == nil {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "redrive queue not configured", nil)
		return
	}
	subjectID := strings.TrimSpace(r.URL.Query().Get("contactId"))
	taskID, requestID, err := h.Redrive(r.Context(), subjectID)
	if err != nil {
		h.internalError(w, r, "redrive_enqueue_failed", err)
		return
	}
	h.Logger.Info(r.Context(), "redrive_enqueued", "delivery gap redrive enqueued",
		slog.String("task_id", taskID),
		slog.String("redrive_request_id", requestID),
		slog.String("contact_id", subjectID),
	)
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{
		"task_id":    taskID,
		"request_id": requestID,
		"contactId":  subjectID,
	})
}

func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, event string, err error) {
	h.Logger.Error(r.Context(), event, "request failed",
		slog.String("error_code", "INTERNAL_ERROR"),
		slog.String("error", err.Error()),
	)
	httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", nil)
}

func requireParams(w http.ResponseWriter, r *http.Request, names ...string) (url.Values, bool) {
	q := r.URL.Query()
	var missing []string
	for _, n := range names {
		if !q.Has(n) {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing required query parameters", map[string]any{"missing": missing})
		return nil, false
	}
	return q, true
}
