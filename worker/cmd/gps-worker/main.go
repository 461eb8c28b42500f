package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/example/gps/internal/bootstrap"
	"github.com/example/gps/internal/observability"
	"github.com/example/gps/internal/scenario"
	"github.com/example/gps/worker"
	"github.com/example/gps/worker/internal/config"
)

func main() {
	log.SetPrefix("gps-worker ")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()
	sc, err := scenario.Load(cfg.ScenarioPath)
	if err != nil {
		log.Fatalf("load scenario: %v", err)
	}
	if sc.Store.Backend == "memory" {
		log.Fatalf("GPS_STORE=memory is private to one process; use redis or sqlite, or run workers inside gps-coordinator")
	}
	traceCfg, err := observability.TracingConfigFromEnv()
	if err != nil {
		log.Fatalf("tracing config: %v", err)
	}
	shutdown, err := observability.InitTracing(context.Background(), "gps-worker", sc.Name, traceCfg)
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	client, err := bootstrap.OpenClient(sc)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer client.Store().Close()

	if err := worker.Run(ctx, sc, client); err != nil {
		log.Fatalf("worker stopped with error: %v", err)
	}
}
