package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/renderflow/internal/scheduler"
	"github.com/example/renderflow/internal/state"
	"github.com/example/renderflow/pkg/flowapi"
)

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	srv := NewServer(scheduler.NewInMemoryEngine())
	return srv, srv.Handler()
}

func seedAccount(t *testing.T, e *scheduler.Engine, userID, projectID string, credits float64) {
	t.Helper()
	ctx := context.Background()
	if err := e.UpsertUser(ctx, state.UserRecord{
		ID:                 userID,
		AllowsLocalWorkers: true,
		AllowsCloudWorkers: true,
		CreatedAt:          time.Now().UTC(),
	}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	if err := e.UpsertProject(ctx, state.ProjectRecord{
		ID:        projectID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("upsert project: %v", err)
	}
	if credits != 0 {
		if err := e.AppendLedger(ctx, userID, credits, state.LedgerPurchase, ""); err != nil {
			t.Fatalf("fund ledger: %v", err)
		}
	}
}

func reqJSON(t *testing.T, h http.Handler, method, path string, reqBody []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(reqBody))
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func reqWithToken(t *testing.T, h http.Handler, method, path, token string, reqBody []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(reqBody))
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, h := newTestServer(t)
	seedAccount(t, srv.engine, "alice", "p1", 10)

	// Submit.
	w := reqJSON(t, h, http.MethodPost, "/v1/tasks",
		[]byte(`{"kind":"image_generation","project_id":"p1","payload":{"prompt":"sunset"}}`))
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit: %d body=%s", w.Code, w.Body.String())
	}
	var submitted flowapi.SubmitTaskResponse
	if err := json.NewDecoder(w.Body).Decode(&submitted); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}

	// Claim.
	w = reqJSON(t, h, http.MethodPost, "/v1/claim",
		[]byte(`{"worker_id":"w1","user_id":"alice"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("claim: %d body=%s", w.Code, w.Body.String())
	}
	var claim flowapi.ClaimResponse
	if err := json.NewDecoder(w.Body).Decode(&claim); err != nil {
		t.Fatalf("decode claim response: %v", err)
	}
	if !claim.Claimed || claim.TaskID != submitted.TaskID || claim.UserID != "alice" {
		t.Fatalf("claim response = %+v", claim)
	}

	// Complete.
	w = reqJSON(t, h, http.MethodPost, "/v1/tasks/"+submitted.TaskID+"/complete",
		[]byte(`{"worker_id":"w1","result":{"url":"s3://renders/out.png"}}`))
	if w.Code != http.StatusOK {
		t.Fatalf("complete: %d body=%s", w.Code, w.Body.String())
	}
	var ack flowapi.TaskAckResponse
	if err := json.NewDecoder(w.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ack.Accepted || ack.Status != state.StatusComplete {
		t.Fatalf("ack = %+v", ack)
	}

	// Status reflects the terminal state and the result.
	w = reqJSON(t, h, http.MethodGet, "/v1/tasks/"+submitted.TaskID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d body=%s", w.Code, w.Body.String())
	}
	var status flowapi.TaskStatusResponse
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Status != state.StatusComplete || status.FinishedAt == "" {
		t.Fatalf("status = %+v", status)
	}

	// The completion debited the owner's ledger.
	w = reqJSON(t, h, http.MethodGet, "/v1/ledger?user_id=alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ledger: %d body=%s", w.Code, w.Body.String())
	}
	var ledger flowapi.LedgerResponse
	if err := json.NewDecoder(w.Body).Decode(&ledger); err != nil {
		t.Fatalf("decode ledger: %v", err)
	}
	if ledger.Balance != 9 {
		t.Fatalf("balance = %v, want 9 after image_generation debit", ledger.Balance)
	}
	if len(ledger.Entries) != 2 {
		t.Fatalf("entries = %d, want purchase + spend", len(ledger.Entries))
	}
}

func TestSubmitValidation(t *testing.T) {
	srv, h := newTestServer(t)
	seedAccount(t, srv.engine, "alice", "p1", 10)

	w := reqJSON(t, h, http.MethodPost, "/v1/tasks", []byte(`{"kind":"hologram","project_id":"p1"}`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown kind: %d, want 400", w.Code)
	}
	w = reqJSON(t, h, http.MethodPost, "/v1/tasks", []byte(`{"kind":"image_generation","project_id":"ghost"}`))
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown project: %d, want 404", w.Code)
	}
	w = reqJSON(t, h, http.MethodPost, "/v1/tasks", []byte(`{"kind":"image_generation"}`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing project: %d, want 400", w.Code)
	}
	// A truncated payload document never reaches the queue.
	w = reqJSON(t, h, http.MethodPost, "/v1/tasks", []byte(`{"kind":"image_generation","project_id":"p1","payload":{"prompt":`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed payload: %d, want 400", w.Code)
	}
	tasks, err := srv.engine.ListProjectTasks(context.Background(), "p1")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("rejected submissions left %d tasks behind", len(tasks))
	}
}

func TestWriteJSONEncodingFailure(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, map[string]any{"bad": make(chan int)})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 when the body cannot be encoded", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if body["error"] == "" {
		t.Fatalf("error body = %v, want an error message", body)
	}
}

func TestFailEndpointRetriesThenTerminal(t *testing.T) {
	srv, h := newTestServer(t)
	seedAccount(t, srv.engine, "alice", "p1", 100)

	w := reqJSON(t, h, http.MethodPost, "/v1/tasks", []byte(`{"kind":"image_generation","project_id":"p1"}`))
	var submitted flowapi.SubmitTaskResponse
	if err := json.NewDecoder(w.Body).Decode(&submitted); err != nil {
		t.Fatalf("decode: %v", err)
	}

	for attempt := 1; attempt <= scheduler.RetryCeiling; attempt++ {
		w = reqJSON(t, h, http.MethodPost, "/v1/claim", []byte(`{"worker_id":"w1","user_id":"alice"}`))
		var claim flowapi.ClaimResponse
		if err := json.NewDecoder(w.Body).Decode(&claim); err != nil {
			t.Fatalf("decode claim: %v", err)
		}
		if !claim.Claimed {
			t.Fatalf("attempt %d: nothing claimed", attempt)
		}
		w = reqJSON(t, h, http.MethodPost, "/v1/tasks/"+submitted.TaskID+"/fail",
			[]byte(fmt.Sprintf(`{"worker_id":"w1","error":"attempt %d crashed"}`, attempt)))
		if w.Code != http.StatusOK {
			t.Fatalf("fail attempt %d: %d body=%s", attempt, w.Code, w.Body.String())
		}
		var ack flowapi.TaskAckResponse
		if err := json.NewDecoder(w.Body).Decode(&ack); err != nil {
			t.Fatalf("decode ack: %v", err)
		}
		want := state.StatusRetryPending
		if attempt == scheduler.RetryCeiling {
			want = state.StatusFailed
		}
		if ack.Status != want {
			t.Fatalf("attempt %d status = %s, want %s", attempt, ack.Status, want)
		}
	}

	// Reporting completion on a terminally failed task is a conflict.
	w = reqJSON(t, h, http.MethodPost, "/v1/tasks/"+submitted.TaskID+"/complete", []byte(`{}`))
	if w.Code != http.StatusConflict {
		t.Fatalf("complete failed task: %d, want 409", w.Code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	srv, h := newTestServer(t)
	seedAccount(t, srv.engine, "alice", "p1", 10)

	w := reqJSON(t, h, http.MethodPost, "/v1/tasks", []byte(`{"kind":"api_generation","project_id":"p1"}`))
	var submitted flowapi.SubmitTaskResponse
	if err := json.NewDecoder(w.Body).Decode(&submitted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	w = reqJSON(t, h, http.MethodPost, "/v1/tasks/"+submitted.TaskID+"/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: %d body=%s", w.Code, w.Body.String())
	}
	w = reqJSON(t, h, http.MethodGet, "/v1/tasks/"+submitted.TaskID, nil)
	var status flowapi.TaskStatusResponse
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != state.StatusCancelled {
		t.Fatalf("status = %s, want Cancelled", status.Status)
	}
}

func TestHeartbeatAndWorkerList(t *testing.T) {
	_, h := newTestServer(t)

	w := reqJSON(t, h, http.MethodPost, "/v1/workers/render-7/heartbeat",
		[]byte(`{"instance_class":"a100","pool":"cloud","lifecycle":"Active","capabilities":{"vram":"80GB"}}`))
	if w.Code != http.StatusOK {
		t.Fatalf("heartbeat: %d body=%s", w.Code, w.Body.String())
	}

	w = reqJSON(t, h, http.MethodGet, "/v1/workers", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list workers: %d body=%s", w.Code, w.Body.String())
	}
	var list flowapi.ListWorkersResponse
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Workers) != 1 || list.Workers[0].WorkerID != "render-7" {
		t.Fatalf("workers = %+v", list.Workers)
	}
	if list.Workers[0].Health != scheduler.HealthHealthy {
		t.Fatalf("health = %s, want Healthy right after heartbeat", list.Workers[0].Health)
	}
}

func TestCapacityEndpoints(t *testing.T) {
	srv, h := newTestServer(t)
	seedAccount(t, srv.engine, "alice", "p1", 10)
	for i := 0; i < 2; i++ {
		reqJSON(t, h, http.MethodPost, "/v1/tasks", []byte(`{"kind":"image_generation","project_id":"p1"}`))
	}

	w := reqJSON(t, h, http.MethodGet, "/v1/capacity?user_id=alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("capacity: %d body=%s", w.Code, w.Body.String())
	}
	var capacity flowapi.CapacityResponse
	if err := json.NewDecoder(w.Body).Decode(&capacity); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if capacity.Capacity != 2 {
		t.Fatalf("capacity = %d, want 2", capacity.Capacity)
	}

	w = reqJSON(t, h, http.MethodGet, "/v1/capacity?user_id=ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown user capacity: %d, want 404", w.Code)
	}

	w = reqJSON(t, h, http.MethodGet, "/v1/capacity/fleet", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("fleet capacity: %d body=%s", w.Code, w.Body.String())
	}
	var fleet flowapi.FleetCapacityResponse
	if err := json.NewDecoder(w.Body).Decode(&fleet); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fleet.Capacity != 2 || fleet.Users != 1 {
		t.Fatalf("fleet = %+v", fleet)
	}
}

func TestAuthScopes(t *testing.T) {
	t.Setenv("RENDERFLOW_API_TOKENS",
		"op-token:operator,studio-token:submit|metrics,agent-token:claim|report,pipeline-token:claim|automation")
	srv := NewServer(scheduler.NewInMemoryEngine())
	h := srv.Handler()
	seedAccount(t, srv.engine, "broke", "p1", 0)

	w := reqJSON(t, h, http.MethodGet, "/v1/metrics", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d, want 401", w.Code)
	}
	w = reqWithToken(t, h, http.MethodGet, "/v1/metrics", "agent-token", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("agent token on metrics: %d, want 403", w.Code)
	}
	w = reqWithToken(t, h, http.MethodGet, "/v1/metrics", "studio-token", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("studio token on metrics: %d, want 200", w.Code)
	}
	w = reqWithToken(t, h, http.MethodPost, "/v1/users", "studio-token",
		[]byte(`{"user_id":"x"}`))
	if w.Code != http.StatusForbidden {
		t.Fatalf("studio token on users: %d, want 403", w.Code)
	}
	w = reqWithToken(t, h, http.MethodPost, "/v1/users", "op-token",
		[]byte(`{"user_id":"x","allows_cloud_workers":true}`))
	if w.Code != http.StatusOK {
		t.Fatalf("operator token on users: %d body=%s", w.Code, w.Body.String())
	}

	// The automation scope claims past an exhausted balance; a plain agent
	// token does not.
	w = reqWithToken(t, h, http.MethodPost, "/v1/tasks", "op-token",
		[]byte(`{"kind":"image_generation","project_id":"p1"}`))
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit: %d body=%s", w.Code, w.Body.String())
	}
	w = reqWithToken(t, h, http.MethodPost, "/v1/claim", "agent-token",
		[]byte(`{"worker_id":"w1","user_id":"broke"}`))
	var claim flowapi.ClaimResponse
	if err := json.NewDecoder(w.Body).Decode(&claim); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if claim.Claimed {
		t.Fatal("agent token claimed despite exhausted balance")
	}
	w = reqWithToken(t, h, http.MethodPost, "/v1/claim", "pipeline-token",
		[]byte(`{"worker_id":"w1","user_id":"broke"}`))
	if err := json.NewDecoder(w.Body).Decode(&claim); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !claim.Claimed {
		t.Fatalf("automation token failed to claim: %s", w.Body.String())
	}
}

func TestLedgerAppendValidation(t *testing.T) {
	srv, h := newTestServer(t)
	seedAccount(t, srv.engine, "alice", "p1", 0)

	w := reqJSON(t, h, http.MethodPost, "/v1/ledger",
		[]byte(`{"user_id":"alice","amount":25,"kind":"purchase"}`))
	if w.Code != http.StatusAccepted {
		t.Fatalf("append: %d body=%s", w.Code, w.Body.String())
	}
	w = reqJSON(t, h, http.MethodPost, "/v1/ledger",
		[]byte(`{"user_id":"alice","amount":5,"kind":"bribe"}`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad kind: %d, want 400", w.Code)
	}
	w = reqJSON(t, h, http.MethodPost, "/v1/ledger",
		[]byte(`{"user_id":"alice","amount":0,"kind":"manual"}`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("zero amount: %d, want 400", w.Code)
	}

	w = reqJSON(t, h, http.MethodGet, "/v1/ledger?user_id=alice", nil)
	var ledger flowapi.LedgerResponse
	if err := json.NewDecoder(w.Body).Decode(&ledger); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ledger.Balance != 25 {
		t.Fatalf("balance = %v, want 25", ledger.Balance)
	}
}
