// Package api exposes the engine over HTTP.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/xraph/durable"
	"github.com/xraph/durable/engine"
)

// API serves the run, hook and stats routes of an Engine.
type API struct {
	eng    *engine.Engine
	logger *slog.Logger
}

// New creates an API from an Engine. It logs through the engine logger.
func New(eng *engine.Engine) *API {
	return &API{eng: eng, logger: eng.Logger()}
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	a.RegisterRoutes(mux)
	return mux
}

// RegisterRoutes registers all API routes on mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	a.registerRunRoutes(mux)
	a.registerHookRoutes(mux)
	a.registerStatsRoutes(mux)
}

// registerRunRoutes registers run lifecycle and stream routes.
func (a *API) registerRunRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /runs/{workflow}", a.startRun)
	mux.HandleFunc("GET /runs", a.listRuns)
	mux.HandleFunc("GET /runs/{runId}", a.getRun)
	mux.HandleFunc("POST /runs/{runId}/cancel", a.cancelRun)
	mux.HandleFunc("GET /runs/{runId}/stream", a.streamRun)
}

// registerHookRoutes registers hook inspection and resume routes.
func (a *API) registerHookRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /hooks/{token}", a.getHook)
	mux.HandleFunc("POST /hooks/{token}", a.resumeHook)
}

// registerStatsRoutes registers registry and aggregate routes.
func (a *API) registerStatsRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /workflows", a.listWorkflowNames)
	mux.HandleFunc("GET /stats", a.stats)
	mux.HandleFunc("GET /healthz", a.healthz)
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// WriteJSON encodes v as the response body with status code.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// WriteError maps err onto its HTTP status and writes an ErrorResponse.
func (a *API) WriteError(w http.ResponseWriter, r *http.Request, err error) {
	code := durable.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		a.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	WriteJSON(w, code, ErrorResponse{Error: err.Error(), Code: code})
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

// queryInt reads a non-negative integer query parameter. A missing
// parameter yields def.
func queryInt(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, durable.NewValidationError(name, "must be a non-negative integer")
	}
	return n, nil
}
