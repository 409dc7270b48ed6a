package httpserver

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	appai "github.com/helixsec/helix/internal/application/ai"
	appsandbox "github.com/helixsec/helix/internal/application/sandbox"
	appscans "github.com/helixsec/helix/internal/application/scans"
	domai "github.com/helixsec/helix/internal/domain/ai"
	domsandbox "github.com/helixsec/helix/internal/domain/sandbox"
	"github.com/helixsec/helix/internal/domain/scanerrors"
	domain "github.com/helixsec/helix/internal/domain/scans"
	"github.com/helixsec/helix/internal/middleware"
)

type Router struct {
	scansSvc   *appscans.Service
	reconciler *appscans.Reconciler
	sandboxSvc *appsandbox.Service
	aiSvc      *appai.Service
	errorsRepo scanerrors.Repository
	logger     zerolog.Logger
}

// Options carries the handlers main wires in around the core services.
type Options struct {
	APIKeys        map[string]string
	RateCapacity   int
	RateRefill     int
	Metrics        *middleware.Metrics
	HealthCheckers map[string]middleware.HealthChecker
}

func NewRouter(
	scansSvc *appscans.Service,
	reconciler *appscans.Reconciler,
	sandboxSvc *appsandbox.Service,
	aiSvc *appai.Service,
	errorsRepo scanerrors.Repository,
	logger zerolog.Logger,
	opts Options,
) http.Handler {
	r := &Router{
		scansSvc:   scansSvc,
		reconciler: reconciler,
		sandboxSvc: sandboxSvc,
		aiSvc:      aiSvc,
		errorsRepo: errorsRepo,
		logger:     logger,
	}
	mux := chi.NewRouter()

	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	mux.Use(middleware.Logging(logger))
	if opts.Metrics != nil {
		mux.Use(opts.Metrics.Middleware)
	}
	if len(opts.APIKeys) > 0 {
		mux.Use(middleware.APIKeyAuth(opts.APIKeys))
	}
	if opts.RateCapacity > 0 {
		mux.Use(middleware.RateLimit(opts.RateCapacity, opts.RateRefill))
	}

	mux.Get("/health", middleware.HealthHandler(opts.HealthCheckers))
	mux.Get("/ready", middleware.ReadinessHandler)
	mux.Get("/live", middleware.LivenessHandler)
	if opts.Metrics != nil {
		mux.Method("GET", "/metrics", opts.Metrics.Handler())
	}

	mux.Route("/v1/{tenant}", func(rt chi.Router) {
		rt.Use(middleware.RequireValidTenant)

		rt.Post("/scans", r.wrap(r.handleSubmit))
		rt.Get("/scans", r.wrap(r.handleList))
		rt.Get("/scans/{id}", r.wrap(r.handleGet))
		rt.Post("/scans/{id}/cancel", r.wrap(r.handleCancel))
		rt.Post("/scans/{id}/retry", r.wrap(r.handleRetry))
		rt.Get("/scans/{id}/progress", r.wrap(r.handleProgress))
		rt.Get("/scans/{id}/errors", r.wrap(r.handleErrors))
		rt.Get("/scans/{id}/sandbox", r.wrap(r.handleSandbox))
		rt.Post("/scans/{id}/analyze", r.wrap(r.handleAnalyze))
		rt.Get("/analyses", r.wrap(r.handleAnalyses))
		rt.Get("/summary", r.wrap(r.handleSummary))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		switch {
		case errors.Is(err, domain.ErrNotFound), errors.Is(err, sql.ErrNoRows):
			http.Error(w, "not found", http.StatusNotFound)
		case errors.Is(err, domain.ErrQuotaExceeded),
			errors.Is(err, domsandbox.ErrResourceQuotaExceeded),
			errors.Is(err, domai.ErrQuotaExceeded):
			http.Error(w, err.Error(), http.StatusTooManyRequests)
		case errors.Is(err, domain.ErrNotCancellable), errors.Is(err, domain.ErrNotRetryable):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, domsandbox.ErrInvalidTargetURL):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, errBadRequest):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			r.logger.Error().Err(err).Str("path", req.URL.Path).Msg("request failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errBadRequest}, args...)...)
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// POST /v1/{tenant}/scans
func (r *Router) handleSubmit(w http.ResponseWriter, req *http.Request) error {
	tenant := chi.URLParam(req, "tenant")

	var body struct {
		ProjectID string `json:"project_id"`
		Target    string `json:"target"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return badRequest("invalid JSON body")
	}
	if body.ProjectID == "" || body.Target == "" {
		return badRequest("project_id and target are required")
	}

	job, err := r.scansSvc.Submit(req.Context(), appscans.SubmitCommand{
		TenantID:  tenant,
		ProjectID: body.ProjectID,
		Target:    middleware.SanitizeString(body.Target),
	})
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusAccepted, job)
}

// GET /v1/{tenant}/scans?status=&cursor=&limit=
func (r *Router) handleList(w http.ResponseWriter, req *http.Request) error {
	tenant := chi.URLParam(req, "tenant")
	q := req.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	page, err := r.scansSvc.List(req.Context(), tenant,
		domain.Status(q.Get("status")), q.Get("cursor"), middleware.ValidateLimit(limit))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, page)
}

// GET /v1/{tenant}/scans/{id}
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) error {
	tenant := chi.URLParam(req, "tenant")
	id := chi.URLParam(req, "id")
	if err := middleware.ValidateScanID(id); err != nil {
		return badRequest("%v", err)
	}

	job, err := r.scansSvc.Get(req.Context(), tenant, domain.ScanID(id))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, job)
}

// POST /v1/{tenant}/scans/{id}/cancel
func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) error {
	tenant := chi.URLParam(req, "tenant")
	id := chi.URLParam(req, "id")

	job, err := r.scansSvc.Cancel(req.Context(), tenant, domain.ScanID(id))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, job)
}

// POST /v1/{tenant}/scans/{id}/retry
func (r *Router) handleRetry(w http.ResponseWriter, req *http.Request) error {
	tenant := chi.URLParam(req, "tenant")
	id := chi.URLParam(req, "id")

	job, err := r.scansSvc.Retry(req.Context(), tenant, domain.ScanID(id))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusAccepted, job)
}

// GET /v1/{tenant}/scans/{id}/progress
// Streams reconciler progress as server-sent events until the scan finishes
// or the client disconnects. A disconnect only detaches this subscriber; the
// shared reconcile loop keeps running.
func (r *Router) handleProgress(w http.ResponseWriter, req *http.Request) error {
	tenant := chi.URLParam(req, "tenant")
	id := chi.URLParam(req, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported")
	}

	// Terminal jobs get one final snapshot instead of a stream.
	job, err := r.scansSvc.Get(req.Context(), tenant, domain.ScanID(id))
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	send := func(p appscans.Progress) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if job.Status.Terminal() {
		return send(appscans.Progress{
			ScanID:  job.ID,
			Status:  job.Status,
			Percent: job.ProgressPct,
		})
	}

	updates, detach := r.reconciler.Subscribe(tenant, domain.ScanID(id))
	defer detach()

	for {
		select {
		case <-req.Context().Done():
			return nil
		case p, ok := <-updates:
			if !ok {
				return nil
			}
			if err := send(p); err != nil {
				return nil // client went away
			}
		}
	}
}

// GET /v1/{tenant}/scans/{id}/errors?limit=
func (r *Router) handleErrors(w http.ResponseWriter, req *http.Request) error {
	tenant := chi.URLParam(req, "tenant")
	id := chi.URLParam(req, "id")
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))

	list, err := r.errorsRepo.ListByScan(req.Context(), tenant, id, middleware.ValidateLimit(limit))
	if err != nil {
		return err
	}
	if list == nil {
		list = []*scanerrors.ScanError{}
	}
	return writeJSON(w, http.StatusOK, list)
}

// GET /v1/{tenant}/scans/{id}/sandbox
func (r *Router) handleSandbox(w http.ResponseWriter, req *http.Request) error {
	tenant := chi.URLParam(req, "tenant")
	id := chi.URLParam(req, "id")

	sb := r.sandboxSvc.ForScan(tenant, id)
	if sb == nil {
		http.Error(w, "no sandbox for scan", http.StatusNotFound)
		return nil
	}
	refreshed, err := r.sandboxSvc.GetStatus(req.Context(), sb.Handle)
	if err != nil {
		return err
	}
	if refreshed == nil {
		refreshed = sb
	}
	return writeJSON(w, http.StatusOK, refreshed)
}

// POST /v1/{tenant}/scans/{id}/analyze
func (r *Router) handleAnalyze(w http.ResponseWriter, req *http.Request) error {
	tenant := chi.URLParam(req, "tenant")
	id := chi.URLParam(req, "id")

	a, err := r.aiSvc.AnalyzeAndStore(req.Context(), tenant, id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, a)
}

// GET /v1/{tenant}/analyses?page=&page_size=
func (r *Router) handleAnalyses(w http.ResponseWriter, req *http.Request) error {
	tenant := chi.URLParam(req, "tenant")
	q := req.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("page_size"))

	list, err := r.aiSvc.ListAnalyses(req.Context(), tenant, page, size)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, list)
}

// GET /v1/{tenant}/summary?days=7
func (r *Router) handleSummary(w http.ResponseWriter, req *http.Request) error {
	tenant := chi.URLParam(req, "tenant")
	days, _ := strconv.Atoi(req.URL.Query().Get("days"))

	summary, err := r.scansSvc.Summary(req.Context(), tenant, middleware.ValidateDays(days))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, summary)
}
