package agent

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	WorkerID            string
	ControlPlaneBaseURL string
	APIToken            string
	Pool                string
	InstanceClass       string
	RunClass            string
	UserID              string
	PollInterval        time.Duration
	HeartbeatInterval   time.Duration
	ArtifactBackend     string
	ArtifactRoot        string
	MinIOEndpoint       string
	MinIOAccessKey      string
	MinIOSecretKey      string
	MinIOBucket         string
	MinIOUseSSL         bool
}

func FromEnv() Config {
	return Config{
		WorkerID:            getenv("RENDERFLOW_WORKER_ID", "render-local"),
		ControlPlaneBaseURL: getenv("RENDERFLOW_CONTROL_PLANE_URL", "http://localhost:8080"),
		APIToken:            getenv("RENDERFLOW_API_TOKEN", ""),
		Pool:                getenv("RENDERFLOW_WORKER_POOL", "cloud"),
		InstanceClass:       getenv("RENDERFLOW_INSTANCE_CLASS", "gpu"),
		RunClass:            getenv("RENDERFLOW_RUN_CLASS", ""),
		UserID:              getenv("RENDERFLOW_SCOPE_USER_ID", ""),
		PollInterval:        time.Duration(getenvInt("RENDERFLOW_POLL_MILLIS", 1500)) * time.Millisecond,
		HeartbeatInterval:   time.Duration(getenvInt("RENDERFLOW_HEARTBEAT_SECONDS", 30)) * time.Second,
		ArtifactBackend:     getenv("RENDERFLOW_ARTIFACT_BACKEND", "local"),
		ArtifactRoot:        getenv("RENDERFLOW_ARTIFACT_ROOT", "/tmp/renderflow-artifacts"),
		MinIOEndpoint:       getenv("RENDERFLOW_MINIO_ENDPOINT", ""),
		MinIOAccessKey:      getenv("RENDERFLOW_MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:      getenv("RENDERFLOW_MINIO_SECRET_KEY", ""),
		MinIOBucket:         getenv("RENDERFLOW_MINIO_BUCKET", "renderflow-artifacts"),
		MinIOUseSSL:         getenvBool("RENDERFLOW_MINIO_USE_SSL", false),
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}
