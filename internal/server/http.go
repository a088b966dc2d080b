package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChuLiYu/mpc-orchestrator/internal/catalog"
	"github.com/ChuLiYu/mpc-orchestrator/internal/controller"
	"github.com/ChuLiYu/mpc-orchestrator/pkg/types"
)

// DefaultNamespace is the analyst WebSocket path.
const DefaultNamespace = "/analyst"

// NewRouter builds the HTTP surface:
//
//	GET  /healthz             liveness
//	GET  /datasets            catalog listing (?ownerId=&prefix=)
//	GET  /jobs/{jobID}        poll a job
//	POST /jobs/{jobID}/close  advisory close
//	GET  /result/{jobID}      final artifact of a job that produced a result
//	GET  <namespace>          analyst WebSocket
func NewRouter(orch Orchestrator, namespace string) http.Handler {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	h := &httpHandlers{orch: orch}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", h.health)
	r.Get("/datasets", h.listDatasets)
	r.Route("/jobs/{jobID}", func(r chi.Router) {
		r.Get("/", h.getJob)
		r.Post("/close", h.closeJob)
	})
	r.Get("/result/{jobID}", h.result)
	r.Handle(namespace, NewAnalystHandler(orch))
	return r
}

type httpHandlers struct {
	orch Orchestrator
}

func (h *httpHandlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *httpHandlers) listDatasets(w http.ResponseWriter, r *http.Request) {
	filter := catalog.Filter{NamePrefix: r.URL.Query().Get("prefix")}
	if raw := r.URL.Query().Get("ownerId"); raw != "" {
		owner, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, &wireError{Kind: types.KindValidationFailed, Message: "ownerId must be an integer"})
			return
		}
		filter.OwnerID = &owner
	}
	datasets, err := h.orch.ListDatasets(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, datasets)
}

func (h *httpHandlers) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.orch.GetJob(r.Context(), types.JobID(chi.URLParam(r, "jobID")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *httpHandlers) closeJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.orch.CloseJob(r.Context(), types.JobID(chi.URLParam(r, "jobID")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// result serves the postprocessing artifact once the result is available.
func (h *httpHandlers) result(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "jobID"))
	job, err := h.orch.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if job.ResultLocator == "" {
		writeJSON(w, http.StatusNotFound, &wireError{Kind: types.KindNotFound, Message: "no result for job " + string(id)})
		return
	}

	artifacts := job.Artifacts()
	var final *types.Artifact
	if n := len(artifacts); n > 0 && artifacts[n-1].Phase == types.PhasePostprocessing {
		final = &artifacts[n-1]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ucid":      job.ID,
		"netconfig": job.ConfigID,
		"type":      job.Parameters["type"],
		"artifact":  final,
	})
}

func httpStatus(err error) int {
	if errors.Is(err, controller.ErrStopped) {
		return http.StatusServiceUnavailable
	}
	switch types.KindOf(err) {
	case types.KindConfigurationInvalid, types.KindValidationFailed:
		return http.StatusBadRequest
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), newWireError(err))
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("Failed to write response", "error", err)
	}
}

// requestLogger logs each request at debug level through slog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()))
	})
}
