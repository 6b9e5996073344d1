package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/example/renderflow/internal/agent"
	"github.com/example/renderflow/internal/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTrace, err := observability.InitTracingFromEnv("renderflow-worker")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	cfg := agent.FromEnv()
	artifacts, err := agent.NewArtifactStore(cfg)
	if err != nil {
		log.Fatalf("artifact store: %v", err)
	}
	rt := agent.NewRuntime(cfg, agent.NewExecutor(artifacts))

	log.Printf("renderflow worker %s polling %s", cfg.WorkerID, cfg.ControlPlaneBaseURL)
	if err := rt.Run(ctx); err != nil {
		log.Fatalf("worker stopped with error: %v", err)
	}
}
