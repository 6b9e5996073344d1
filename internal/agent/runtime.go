package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/example/renderflow/internal/state"
	"github.com/example/renderflow/pkg/flowapi"
)

// Runtime is the worker agent's main loop: heartbeat in the background,
// claim-execute-report in the foreground. One task at a time; concurrency
// comes from running more agents.
type Runtime struct {
	cfg        Config
	exec       *Executor
	httpClient *http.Client
}

func NewRuntime(cfg Config, exec *Executor) *Runtime {
	return &Runtime{
		cfg:        cfg,
		exec:       exec,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *Runtime) Run(ctx context.Context) error {
	if err := r.heartbeat(ctx, state.LifecycleActive); err != nil {
		return fmt.Errorf("initial heartbeat: %w", err)
	}
	go r.heartbeatLoop(ctx)

	t := time.NewTicker(r.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			// Announce the drain so the control plane stops offering work
			// and recovery does not count us as dead.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.heartbeat(shutdownCtx, state.LifecycleTerminated); err != nil {
				log.Printf("drain heartbeat failed: %v", err)
			}
			return nil
		case <-t.C:
			if err := r.claimAndRun(ctx); err != nil {
				log.Printf("claim cycle failed: %v", err)
			}
		}
	}
}

// claimAndRun drains the queue until a claim comes back empty.
func (r *Runtime) claimAndRun(ctx context.Context) error {
	for {
		claim, err := r.claim(ctx)
		if err != nil {
			return err
		}
		if !claim.Claimed {
			return nil
		}
		result, runErr := r.exec.Run(ctx, Task{
			ID:        claim.TaskID,
			Kind:      claim.Kind,
			Payload:   claim.Payload,
			ProjectID: claim.ProjectID,
			Attempt:   claim.Attempts,
		})
		if runErr != nil {
			log.Printf("task %s failed: %v", claim.TaskID, runErr)
			if err := r.reportFailure(ctx, claim.TaskID, runErr.Error()); err != nil {
				return err
			}
			continue
		}
		if err := r.reportCompletion(ctx, claim.TaskID, result); err != nil {
			return err
		}
	}
}

func (r *Runtime) claim(ctx context.Context) (flowapi.ClaimResponse, error) {
	var resp flowapi.ClaimResponse
	err := r.postJSON(ctx, "/v1/claim", flowapi.ClaimRequest{
		WorkerID: r.cfg.WorkerID,
		UserID:   r.cfg.UserID,
		RunClass: r.cfg.RunClass,
	}, &resp)
	return resp, err
}

func (r *Runtime) reportCompletion(ctx context.Context, taskID string, result json.RawMessage) error {
	var ack flowapi.TaskAckResponse
	return r.postJSON(ctx, "/v1/tasks/"+taskID+"/complete", flowapi.CompleteTaskRequest{
		WorkerID: r.cfg.WorkerID,
		Result:   result,
	}, &ack)
}

func (r *Runtime) reportFailure(ctx context.Context, taskID, message string) error {
	var ack flowapi.TaskAckResponse
	return r.postJSON(ctx, "/v1/tasks/"+taskID+"/fail", flowapi.FailTaskRequest{
		WorkerID: r.cfg.WorkerID,
		Error:    message,
	}, &ack)
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(r.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.heartbeat(ctx, state.LifecycleActive); err != nil {
				log.Printf("heartbeat failed: %v", err)
			}
		}
	}
}

func (r *Runtime) heartbeat(ctx context.Context, lifecycle string) error {
	var resp flowapi.HeartbeatResponse
	return r.postJSON(ctx, "/v1/workers/"+r.cfg.WorkerID+"/heartbeat", flowapi.HeartbeatRequest{
		InstanceClass: r.cfg.InstanceClass,
		Pool:          r.cfg.Pool,
		Lifecycle:     lifecycle,
		Capabilities:  map[string]string{"run_class": r.cfg.RunClass},
		TimestampUnix: time.Now().Unix(),
	}, &resp)
}

func (r *Runtime) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := strings.TrimRight(r.cfg.ControlPlaneBaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := strings.TrimSpace(r.cfg.APIToken); token != "" {
		req.Header.Set("X-Renderflow-Token", token)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("control-plane request %s failed: %s", path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
