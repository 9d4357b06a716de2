package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"report-orchestrator/internal/bootstrap"
	"report-orchestrator/internal/config"
	"report-orchestrator/internal/telemetry"
	workerproc "report-orchestrator/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer st.Close()

	rdb, err := bootstrap.NewRedis(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if rdb != nil {
		defer rdb.Close()
	}
	q, notifier := bootstrap.WithNotifier(st, rdb)

	orch, release, err := bootstrap.NewOrchestrator(ctx, cfg, st, q, rdb)
	if err != nil {
		log.Fatalf("init orchestrator: %v", err)
	}
	defer release()

	processor := workerproc.NewProcessor(st, workerproc.OptionsFromConfig(cfg))
	processor.SetDepthReporter(st)
	if notifier != nil {
		processor.SetWaiter(notifier)
	}
	orch.Register(processor)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s started with concurrency=%d lease=%s backoff_initial=%s",
		cfg.WorkerID, cfg.WorkerConcurrency, cfg.LeaseDuration, cfg.BackoffInitial)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
