// Package httpapi exposes Clowdy's HTTP surface: the direct invoker (C6),
// the gateway dispatcher (C5, delegating route compilation to pkg/gateway),
// the invocation record query endpoints (C7), and the ambient
// metrics/health endpoints.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/clowdy-run/clowdy/pkg/engine"
	"github.com/clowdy-run/clowdy/pkg/gateway"
	"github.com/clowdy-run/clowdy/pkg/log"
	"github.com/clowdy-run/clowdy/pkg/metrics"
	"github.com/clowdy-run/clowdy/pkg/store"
	"github.com/clowdy-run/clowdy/pkg/types"
)

const defaultInvocationLimit = 50

// Server wires the engine and store onto a chi router.
type Server struct {
	engine *engine.Engine
	store  store.Store
	router *chi.Mux
}

func NewServer(eng *engine.Engine, st store.Store) *Server {
	s := &Server{engine: eng, store: st}
	s.router = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(requestMetrics)

	r.Post("/invoke/{functionID}", s.handleInvoke)
	r.Get("/invocations", s.handleListInvocations)
	r.Get("/stats", s.handleStats)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", healthzHandler)
	r.HandleFunc("/gateway/{slug}", s.handleGateway)
	r.HandleFunc("/gateway/{slug}/*", s.handleGateway)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	requestLog := log.WithComponent("httpapi")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		requestLog.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("elapsed", time.Since(start)).Msg("request")
	})
}

func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.HTTPRequestDuration, route)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// handleInvoke implements C6 Direct Invoker (spec §4.5): POST
// /invoke/<fid> with body {"input": <any JSON>}.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	functionID := chi.URLParam(r, "functionID")

	fn, err := s.store.GetFunction(functionID)
	if err != nil || fn == nil {
		writeError(w, http.StatusNotFound, "function not found")
		return
	}

	var body struct {
		Input any `json:"input"`
	}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err.Error() != "EOF" {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}
	if body.Input == nil {
		body.Input = map[string]any{}
	}

	result := s.engine.Invoke(r.Context(), fn, body.Input, types.InvocationSourceDirect, nil, nil)
	success := result.Status == types.InvocationSuccess

	resp := map[string]any{
		"success":       success,
		"output":        json.RawMessage(result.Output),
		"duration_ms":   result.DurationMS,
		"invocation_id": result.InvocationID,
	}
	if !success {
		resp["error"] = invocationErrorMessage(result.Output)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListInvocations implements C7's list_for_function query, exposed as
// GET /invocations?function_id=<fid>.
func (s *Server) handleListInvocations(w http.ResponseWriter, r *http.Request) {
	functionID := r.URL.Query().Get("function_id")
	if functionID == "" {
		writeError(w, http.StatusBadRequest, "function_id is required")
		return
	}

	invocations, err := s.store.ListInvocationsForFunction(functionID, defaultInvocationLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list invocations")
		return
	}
	writeJSON(w, http.StatusOK, invocations)
}

// handleStats supplements the core with a dashboard aggregate (spec.md
// §4.6 aggregate(owner_id), surfaced here since project/function CRUD and
// auth are external collaborators — owner_id is taken as a query parameter
// in lieu of bearer-token verification).
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	agg, err := s.store.Aggregate(ownerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

// handleGateway implements C5 Gateway Dispatcher (spec §4.4): resolve
// project by slug, compile its route table, match, invoke, shape response.
func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	remainder := strings.TrimPrefix(r.URL.Path, "/gateway/"+slug)
	if remainder == "" {
		remainder = "/"
	}

	project, err := s.store.GetProjectBySlugAnyOwner(slug)
	if err != nil || project == nil {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}

	routes, err := s.store.ListRoutes(project.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load routes")
		return
	}

	table, err := gateway.CompileTable(routes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compile routes")
		return
	}

	route, params, ok := table.Match(r.Method, remainder)
	if !ok {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}

	fn, err := s.store.GetFunction(route.FunctionID)
	if err != nil || fn == nil {
		writeError(w, http.StatusNotFound, "function not found")
		return
	}

	event, err := gateway.BuildEvent(r, remainder, params)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}

	method, path := r.Method, remainder
	result := s.engine.Invoke(r.Context(), fn, event, types.InvocationSourceGateway, &method, &path)
	metrics.GatewayRequestsTotal.WithLabelValues(project.Slug, string(result.Status)).Inc()

	gateway.WriteResponse(w, result.Output, result.Status)
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	metrics.HealthHandler()(w, r)
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, statusCode int, detail string) {
	writeJSON(w, statusCode, map[string]string{"detail": detail})
}

// invocationErrorMessage extracts the "error" field an engine.Result's
// output carries on a non-success status (spec.md:152's optional
// top-level error field).
func invocationErrorMessage(output json.RawMessage) string {
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(output, &parsed); err == nil && parsed.Error != "" {
		return parsed.Error
	}
	return "invocation failed"
}
