package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pesio-ai/be-records-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-records-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-records-workflow/internal/repository"
	"github.com/pesio-ai/be-records-workflow/internal/service"
)

// Actor headers set by the API gateway after authentication.
const (
	HeaderActorID    = "X-Actor-ID"
	HeaderActorRoles = "X-Actor-Roles"
)

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	engine   *service.Engine
	admin    *service.WorkflowAdminService
	pipeline *service.Pipeline
	health   Pinger
	log      *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(engine *service.Engine, admin *service.WorkflowAdminService, pipeline *service.Pipeline, health Pinger, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		engine:   engine,
		admin:    admin,
		pipeline: pipeline,
		health:   health,
		log:      log,
	}
}

// Routes builds the router. metrics may be nil.
func (h *HTTPHandler) Routes(metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(h.accessLog)

		api.Post("/requests/{id}/submit", h.SubmitRequest)
		api.Post("/requests/{id}/notes", h.AddNote)
		api.Get("/requests/{id}/history", h.GetHistory)
		api.Post("/requests/{id}/regenerate", h.Regenerate)

		api.Post("/assignments/{id}/actions", h.Act)
		api.Get("/reviewers/{id}/assignments", h.PendingForReviewer)

		api.Route("/workflows", func(wf chi.Router) {
			wf.Get("/", h.ListWorkflows)
			wf.Get("/{category}", h.GetWorkflow)
			wf.Put("/{category}", h.PutWorkflow)
			wf.Delete("/{category}", h.DeleteWorkflow)
			wf.Post("/{category}/resync", h.ResyncWorkflow)
		})
	})

	return otelhttp.NewHandler(r, "records-workflow")
}

// Health handles health check requests
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// SubmitRequest routes a newly submitted request.
func (h *HTTPHandler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category string `json:"category"`
	}
	if !h.decodeOptional(w, r, &req) {
		return
	}

	res, err := h.engine.SubmitRequest(r.Context(), chi.URLParam(r, "id"), req.Category)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubmitView(res))
}

// Act applies a reviewer decision to an assignment.
func (h *HTTPHandler) Act(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action    string          `json:"action"`
		Comment   string          `json:"comment"`
		Signature json.RawMessage `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", err.Error()))
		return
	}

	action, err := service.ParseAction(req.Action)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var signature *string
	if len(req.Signature) > 0 && string(req.Signature) != "null" {
		s := string(req.Signature)
		signature = &s
	}

	res, err := h.engine.Act(r.Context(), chi.URLParam(r, "id"), actorFromHeaders(r), action, req.Comment, signature)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toActView(res))
}

// AddNote appends a note to a request's history.
func (h *HTTPHandler) AddNote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", err.Error()))
		return
	}
	if strings.TrimSpace(req.Comment) == "" {
		h.writeError(w, r, errors.InvalidInput("comment", "required"))
		return
	}

	entry, err := h.engine.AddNote(r.Context(), chi.URLParam(r, "id"), actorFromHeaders(r).ID, req.Comment)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toNoteView(entry))
}

// GetHistory returns the reconciled history of a request.
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.engine.GetHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// PendingForReviewer lists a reviewer's open assignments. Reviewers may only
// list their own unless they hold an admin role.
func (h *HTTPHandler) PendingForReviewer(w http.ResponseWriter, r *http.Request) {
	reviewerID := chi.URLParam(r, "id")
	actor := actorFromHeaders(r)
	if actor.ID != reviewerID {
		if err := h.admin.Authorize(actor); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	list, err := h.engine.PendingForReviewer(r.Context(), reviewerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"assignments": toAssignmentViews(list)})
}

// Regenerate re-runs the post-approval pipeline synchronously.
func (h *HTTPHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Force bool `json:"force"`
	}
	if !h.decodeOptional(w, r, &req) {
		return
	}
	if err := h.admin.Authorize(actorFromHeaders(r)); err != nil {
		h.writeError(w, r, err)
		return
	}

	requestID := chi.URLParam(r, "id")
	if err := h.pipeline.Regenerate(r.Context(), requestID, req.Force); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"request_id": requestID, "status": "generated"})
}

// ListWorkflows lists every workflow definition.
func (h *HTTPHandler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	defs, err := h.admin.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": defs})
}

// GetWorkflow returns one workflow definition.
func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := h.admin.Get(r.Context(), chi.URLParam(r, "category"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// PutWorkflow creates or replaces a workflow definition.
func (h *HTTPHandler) PutWorkflow(w http.ResponseWriter, r *http.Request) {
	var def repository.WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", err.Error()))
		return
	}
	category := chi.URLParam(r, "category")
	if def.Category == "" {
		def.Category = category
	}
	if def.Category != category {
		h.writeError(w, r, errors.InvalidInput("category", "body category does not match path"))
		return
	}

	saved, report, err := h.admin.Upsert(r.Context(), actorFromHeaders(r), &def)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflow": saved, "resync": report})
}

// DeleteWorkflow removes a workflow definition.
func (h *HTTPHandler) DeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.Delete(r.Context(), actorFromHeaders(r), chi.URLParam(r, "category")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResyncWorkflow rebuilds the pending assignments of a category.
func (h *HTTPHandler) ResyncWorkflow(w http.ResponseWriter, r *http.Request) {
	report, err := h.admin.Resync(r.Context(), actorFromHeaders(r), chi.URLParam(r, "category"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ── helpers ──────────────────────────────────────────────────────────────────

func actorFromHeaders(r *http.Request) service.Actor {
	actor := service.Actor{ID: strings.TrimSpace(r.Header.Get(HeaderActorID))}
	actor.Roles = splitRoles(r.Header.Get(HeaderActorRoles))
	return actor
}

func splitRoles(s string) []string {
	var roles []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			roles = append(roles, p)
		}
	}
	return roles
}

// decodeOptional decodes a JSON body when one is present.
func (h *HTTPHandler) decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, r, errors.InvalidInput("body", err.Error()))
		return false
	}
	return true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatus(err)
	if code >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeJSON(w, code, map[string]interface{}{
		"error": map[string]string{
			"code":    string(errors.CodeOf(err)),
			"message": err.Error(),
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *HTTPHandler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		h.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("actor_id", r.Header.Get(HeaderActorID)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
