package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/renderflow/internal/observability"
	"github.com/example/renderflow/internal/scheduler"
	"github.com/example/renderflow/internal/state"
	"github.com/example/renderflow/pkg/flowapi"
)

type Server struct {
	engine *scheduler.Engine
	auth   *authorizer
}

func NewServer(e *scheduler.Engine) *Server {
	return &Server{
		engine: e,
		auth:   newAuthorizerFromEnv(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/metrics/prometheus", s.handleMetricsPrometheus)
	mux.HandleFunc("/v1/tasks", s.handleTasks)
	mux.HandleFunc("/v1/tasks/", s.handleTaskByID)
	mux.HandleFunc("/v1/claim", s.handleClaim)
	mux.HandleFunc("/v1/workers", s.handleWorkers)
	mux.HandleFunc("/v1/workers/", s.handleWorkerSubresource)
	mux.HandleFunc("/v1/capacity", s.handleCapacity)
	mux.HandleFunc("/v1/capacity/fleet", s.handleFleetCapacity)
	mux.HandleFunc("/v1/ledger", s.handleLedger)
	mux.HandleFunc("/v1/users", s.handleUsers)
	mux.HandleFunc("/v1/projects", s.handleProjects)
	return withTracing(withLogging(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, ScopeMetrics); !ok {
		return
	}
	writeJSON(w, http.StatusOK, observability.Default.Snapshot())
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, ScopeMetrics); !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, ScopeSubmit); !ok {
		return
	}
	var req flowapi.SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Kind) == "" || strings.TrimSpace(req.ProjectID) == "" {
		writeError(w, http.StatusBadRequest, "kind and project_id are required")
		return
	}
	task, err := s.engine.SubmitTask(r.Context(), scheduler.SubmitRequest{
		Kind:      req.Kind,
		Payload:   string(req.Payload),
		DependsOn: req.DependsOn,
		ProjectID: req.ProjectID,
	})
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrUnknownKind), errors.Is(err, scheduler.ErrInvalidPayload):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, state.ErrUnknownReference):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, flowapi.SubmitTaskResponse{TaskID: task.ID})
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	if path == "" {
		writeError(w, http.StatusNotFound, "task id is required")
		return
	}
	parts := strings.Split(path, "/")
	taskID := parts[0]
	subresource := ""
	if len(parts) > 1 {
		subresource = parts[1]
	}

	switch subresource {
	case "":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, ok := s.requireScopes(w, r, ScopeSubmit, ScopeClaim, ScopeReport); !ok {
			return
		}
		task, found, err := s.engine.GetTask(r.Context(), taskID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeJSON(w, http.StatusOK, taskStatusView(task))
	case "complete":
		s.handleTaskCompletion(w, r, taskID, true)
	case "fail":
		s.handleTaskCompletion(w, r, taskID, false)
	case "cancel":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, ok := s.requireScopes(w, r, ScopeSubmit); !ok {
			return
		}
		if err := s.engine.CancelTask(r.Context(), taskID); err != nil {
			writeTransitionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, flowapi.CancelTaskResponse{Cancelled: true})
	default:
		writeError(w, http.StatusNotFound, "task subresource not found")
	}
}

func (s *Server) handleTaskCompletion(w http.ResponseWriter, r *http.Request, taskID string, success bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, ScopeReport); !ok {
		return
	}
	if success {
		var req flowapi.CompleteTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := s.engine.Complete(r.Context(), taskID, string(req.Result)); err != nil {
			writeTransitionError(w, err)
			return
		}
	} else {
		var req flowapi.FailTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := s.engine.Fail(r.Context(), taskID, req.Error); err != nil {
			writeTransitionError(w, err)
			return
		}
	}
	task, _, err := s.engine.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, flowapi.TaskAckResponse{Accepted: true, Status: task.Status})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	p, ok := s.requireScopes(w, r, ScopeClaim)
	if !ok {
		return
	}
	var req flowapi.ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.WorkerID) == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}
	task, err := s.engine.Claim(r.Context(), req.WorkerID,
		scheduler.ClaimScope{UserID: req.UserID},
		scheduler.ClaimOptions{
			RunClass: req.RunClass,
			Trusted:  p.trusted(),
		})
	if err != nil {
		if errors.Is(err, scheduler.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		writeJSON(w, http.StatusOK, flowapi.ClaimResponse{Claimed: false})
		return
	}
	resp := flowapi.ClaimResponse{
		Claimed:   true,
		TaskID:    task.ID,
		Kind:      task.Kind,
		Payload:   json.RawMessage(task.Payload),
		ProjectID: task.ProjectID,
		Attempts:  task.Attempts,
	}
	if project, found, err := s.engine.Store().GetProject(r.Context(), task.ProjectID); err == nil && found {
		resp.UserID = project.UserID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, ScopeMetrics); !ok {
		return
	}
	workers, err := s.engine.ListWorkers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ids := make([]string, 0, len(workers))
	for _, wk := range workers {
		ids = append(ids, wk.ID)
	}
	running, err := s.engine.Store().ListRunningByWorkers(r.Context(), ids)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	now := time.Now().UTC()
	views := make([]flowapi.WorkerView, 0, len(workers))
	for _, wk := range workers {
		views = append(views, flowapi.WorkerView{
			WorkerID:      wk.ID,
			InstanceClass: wk.InstanceClass,
			Pool:          wk.Pool,
			Lifecycle:     wk.Lifecycle,
			Health:        s.engine.WorkerHealth(wk, running, now),
			Capabilities:  wk.Capabilities,
			LastHeartbeat: wk.LastHeartbeat.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, flowapi.ListWorkersResponse{Workers: views})
}

func (s *Server) handleWorkerSubresource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/workers/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		writeError(w, http.StatusNotFound, "worker subresource not found")
		return
	}
	workerID := parts[0]
	sub := parts[1]

	switch sub {
	case "heartbeat":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, ok := s.requireScopes(w, r, ScopeClaim, ScopeReport); !ok {
			return
		}
		var req flowapi.HeartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := s.engine.Heartbeat(r.Context(), workerID, req); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, flowapi.HeartbeatResponse{Accepted: true})
	default:
		writeError(w, http.StatusNotFound, "worker subresource not found")
	}
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	p, ok := s.requireScopes(w, r, ScopeMetrics, ScopeSubmit, ScopeClaim)
	if !ok {
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	capacity, err := s.engine.Capacity(r.Context(), userID, scheduler.CapacityOptions{
		IncludeActive: r.URL.Query().Get("include_active") == "true",
		RunClass:      strings.TrimSpace(r.URL.Query().Get("run_class")),
		Pool:          strings.TrimSpace(r.URL.Query().Get("pool")),
		Trusted:       p.trusted(),
	})
	if err != nil {
		if errors.Is(err, scheduler.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, flowapi.CapacityResponse{UserID: userID, Capacity: capacity})
}

func (s *Server) handleFleetCapacity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	p, ok := s.requireScopes(w, r, ScopeMetrics)
	if !ok {
		return
	}
	total, users, err := s.engine.FleetCapacity(r.Context(), scheduler.CapacityOptions{
		RunClass: strings.TrimSpace(r.URL.Query().Get("run_class")),
		Pool:     strings.TrimSpace(r.URL.Query().Get("pool")),
		Trusted:  p.trusted(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, flowapi.FleetCapacityResponse{Capacity: total, Users: users})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		if _, ok := s.requireScopes(w, r, ScopeLedger); !ok {
			return
		}
		var req flowapi.LedgerAppendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if strings.TrimSpace(req.UserID) == "" || req.Amount == 0 {
			writeError(w, http.StatusBadRequest, "user_id and a nonzero amount are required")
			return
		}
		if err := s.engine.AppendLedger(r.Context(), req.UserID, req.Amount, req.Kind, req.TaskID); err != nil {
			if errors.Is(err, state.ErrUnknownReference) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, flowapi.AcceptedResponse{Accepted: true})
	case http.MethodGet:
		if _, ok := s.requireScopes(w, r, ScopeLedger, ScopeMetrics); !ok {
			return
		}
		userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
		if userID == "" {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}
		limit := 50
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil && v > 0 {
				limit = v
			}
		}
		balance, err := s.engine.Balance(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		entries, err := s.engine.LedgerEntries(r.Context(), userID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		views := make([]flowapi.LedgerEntryView, 0, len(entries))
		for _, e := range entries {
			views = append(views, flowapi.LedgerEntryView{
				ID:        e.ID,
				UserID:    e.UserID,
				Amount:    e.Amount,
				Kind:      e.Kind,
				TaskID:    e.TaskID,
				CreatedAt: e.CreatedAt.Format(time.RFC3339),
			})
		}
		writeJSON(w, http.StatusOK, flowapi.LedgerResponse{UserID: userID, Balance: balance, Entries: views})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, ScopeOperator); !ok {
		return
	}
	var req flowapi.UpsertUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	err := s.engine.UpsertUser(r.Context(), state.UserRecord{
		ID:                 req.UserID,
		AllowsLocalWorkers: req.AllowsLocalWorkers,
		AllowsCloudWorkers: req.AllowsCloudWorkers,
		CreatedAt:          time.Now().UTC(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, flowapi.AcceptedResponse{Accepted: true})
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, ScopeOperator); !ok {
		return
	}
	var req flowapi.UpsertProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.ProjectID) == "" || strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "project_id and user_id are required")
		return
	}
	if _, found, err := s.engine.Store().GetUser(r.Context(), req.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	} else if !found {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	err := s.engine.UpsertProject(r.Context(), state.ProjectRecord{
		ID:        req.ProjectID,
		UserID:    req.UserID,
		Name:      req.Name,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, flowapi.AcceptedResponse{Accepted: true})
}

func (s *Server) requireScopes(w http.ResponseWriter, r *http.Request, scopes ...string) (principal, bool) {
	p, code, msg := s.auth.authorize(r, scopes...)
	if code != http.StatusOK {
		writeError(w, code, msg)
		return principal{}, false
	}
	return p, true
}

func taskStatusView(task state.TaskRecord) flowapi.TaskStatusResponse {
	resp := flowapi.TaskStatusResponse{
		TaskID:    task.ID,
		Kind:      task.Kind,
		Status:    task.Status,
		DependsOn: task.DependsOn,
		ProjectID: task.ProjectID,
		WorkerID:  task.WorkerID,
		Attempts:  task.Attempts,
		Error:     task.Error,
		CreatedAt: task.CreatedAt.Format(time.RFC3339),
	}
	if task.Result != "" {
		resp.Result = json.RawMessage(task.Result)
	}
	if !task.StartedAt.IsZero() {
		resp.StartedAt = task.StartedAt.Format(time.RFC3339)
	}
	if !task.FinishedAt.IsZero() {
		resp.FinishedAt = task.FinishedAt.Format(time.RFC3339)
	}
	return resp
}

func writeTransitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeJSON marshals before touching the ResponseWriter so a serialization
// failure surfaces as a 500 instead of a truncated body behind a success
// status.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("encode %T response: %v", payload, err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"response encoding failed"}` + "\n"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		traceID := span.SpanContext().TraceID().String()
		if traceID != "" {
			sw.Header().Set("X-Trace-ID", traceID)
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}
