// Package bootstrap assembles a scheduler engine from environment
// configuration. The control-plane binary and tests both go through here so
// the store selection logic lives in one place.
package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/renderflow/internal/scheduler"
	"github.com/example/renderflow/internal/state"
	"github.com/example/renderflow/internal/tasktype"
)

func NewEngineFromEnv() (*scheduler.Engine, error) {
	store, err := newStore(getenv("RENDERFLOW_STORE", "memory"))
	if err != nil {
		return nil, err
	}
	types, err := newTypeRegistry()
	if err != nil {
		return nil, err
	}
	staleSeconds := getenvInt("RENDERFLOW_HEARTBEAT_STALE_SECONDS", 300)
	stuckSeconds := getenvInt("RENDERFLOW_STUCK_RUNNING_SECONDS", 600)
	return scheduler.NewEngine(store, scheduler.Options{
		Types:               types,
		HeartbeatStaleAfter: time.Duration(staleSeconds) * time.Second,
		StuckRunningAfter:   time.Duration(stuckSeconds) * time.Second,
	}), nil
}

func newStore(kind string) (state.Store, error) {
	switch kind {
	case "memory":
		return state.NewMemoryStore(), nil
	case "postgres":
		dsn := os.Getenv("RENDERFLOW_POSTGRES_DSN")
		if dsn == "" {
			return nil, fmt.Errorf("RENDERFLOW_POSTGRES_DSN is required when RENDERFLOW_STORE=postgres")
		}
		return state.NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported RENDERFLOW_STORE value %q", kind)
	}
}

func newTypeRegistry() (*tasktype.Registry, error) {
	path := os.Getenv("RENDERFLOW_TASK_TYPES_FILE")
	if path == "" {
		return tasktype.NewDefaultRegistry(), nil
	}
	return tasktype.LoadFile(path)
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
