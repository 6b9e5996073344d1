package flowapi

import "encoding/json"

type SubmitTaskRequest struct {
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	DependsOn string          `json:"depends_on,omitempty"`
	ProjectID string          `json:"project_id"`
}

type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
}

type TaskStatusResponse struct {
	TaskID     string          `json:"task_id"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	DependsOn  string          `json:"depends_on,omitempty"`
	ProjectID  string          `json:"project_id"`
	WorkerID   string          `json:"worker_id,omitempty"`
	Attempts   int             `json:"attempts"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	CreatedAt  string          `json:"created_at"`
	StartedAt  string          `json:"started_at,omitempty"`
	FinishedAt string          `json:"finished_at,omitempty"`
}

type CancelTaskResponse struct {
	Cancelled bool `json:"cancelled"`
}

type ClaimRequest struct {
	WorkerID string `json:"worker_id"`
	UserID   string `json:"user_id,omitempty"`
	RunClass string `json:"run_class,omitempty"`
}

type ClaimResponse struct {
	Claimed   bool            `json:"claimed"`
	TaskID    string          `json:"task_id,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ProjectID string          `json:"project_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Attempts  int             `json:"attempts,omitempty"`
}

type HeartbeatRequest struct {
	InstanceClass string            `json:"instance_class,omitempty"`
	Pool          string            `json:"pool,omitempty"`
	Lifecycle     string            `json:"lifecycle,omitempty"`
	Capabilities  map[string]string `json:"capabilities,omitempty"`
	TimestampUnix int64             `json:"timestamp_unix,omitempty"`
}

type HeartbeatResponse struct {
	Accepted bool `json:"accepted"`
}

type WorkerView struct {
	WorkerID      string            `json:"worker_id"`
	InstanceClass string            `json:"instance_class"`
	Pool          string            `json:"pool"`
	Lifecycle     string            `json:"lifecycle"`
	Health        string            `json:"health"`
	Capabilities  map[string]string `json:"capabilities,omitempty"`
	LastHeartbeat string            `json:"last_heartbeat"`
}

type ListWorkersResponse struct {
	Workers []WorkerView `json:"workers"`
}

type CompleteTaskRequest struct {
	WorkerID string          `json:"worker_id,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

type FailTaskRequest struct {
	WorkerID string `json:"worker_id,omitempty"`
	Error    string `json:"error"`
}

type TaskAckResponse struct {
	Accepted bool   `json:"accepted"`
	Status   string `json:"status"`
}

type CapacityResponse struct {
	UserID   string `json:"user_id"`
	Capacity int    `json:"capacity"`
}

type FleetCapacityResponse struct {
	Capacity int `json:"capacity"`
	Users    int `json:"users"`
}

type LedgerAppendRequest struct {
	UserID string  `json:"user_id"`
	Amount float64 `json:"amount"`
	Kind   string  `json:"kind"`
	TaskID string  `json:"task_id,omitempty"`
}

type LedgerEntryView struct {
	ID        int64   `json:"id"`
	UserID    string  `json:"user_id"`
	Amount    float64 `json:"amount"`
	Kind      string  `json:"kind"`
	TaskID    string  `json:"task_id,omitempty"`
	CreatedAt string  `json:"created_at"`
}

type LedgerResponse struct {
	UserID  string            `json:"user_id"`
	Balance float64           `json:"balance"`
	Entries []LedgerEntryView `json:"entries,omitempty"`
}

type UpsertUserRequest struct {
	UserID             string `json:"user_id"`
	AllowsLocalWorkers bool   `json:"allows_local_workers"`
	AllowsCloudWorkers bool   `json:"allows_cloud_workers"`
}

type UpsertProjectRequest struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
}

type AcceptedResponse struct {
	Accepted bool `json:"accepted"`
}
