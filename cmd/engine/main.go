package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rawblock/fluxflow-engine/internal/api"
	"github.com/rawblock/fluxflow-engine/internal/classifier"
	"github.com/rawblock/fluxflow-engine/internal/config"
	"github.com/rawblock/fluxflow-engine/internal/db"
	"github.com/rawblock/fluxflow-engine/internal/enhancer"
	"github.com/rawblock/fluxflow-engine/internal/indexer"
	"github.com/rawblock/fluxflow-engine/internal/pipeline"
	"github.com/rawblock/fluxflow-engine/internal/scheduler"
)

func main() {
	log.Println("Starting FluxFlow Exchange Flow Engine...")

	// .env is for local development only; production supplies real env.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded configuration from .env")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("FATAL: invalid configuration: %v", err)
	}

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("FATAL: failed to open store at %s: %v", cfg.DBPath, err)
	}
	defer store.Close()
	log.Printf("Store open at %s", cfg.DBPath)

	registry := classifier.NewHTTPRegistry(cfg.NodeRegistryURL)
	cls, err := classifier.New(cfg.ExchangeAddressFile, registry)
	if err != nil {
		log.Fatalf("FATAL: failed to load address classifier: %v", err)
	}
	if err := cls.Refresh(); err != nil {
		// The registry is refreshed again before every run; starting with
		// an empty operator set is survivable.
		log.Printf("Warning: initial node registry fetch failed: %v", err)
	} else {
		log.Printf("Node registry loaded: %d operators", cls.OperatorCount())
	}

	client := indexer.NewClient(cfg)
	log.Printf("Indexer client active on %s source", client.ActiveSourceName())

	pipe := pipeline.New(client, cls, store, cfg.RetentionWindowBlocks)
	engine := enhancer.New(store, client, cls, cfg.Enhancement, cfg.BlockTimeSeconds)

	wsHub := api.NewHub()
	go wsHub.Run()
	pipe.SetNotifier(api.BroadcastFlowEvents(wsHub))

	sched := scheduler.New(cfg, pipe, engine, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	r := api.SetupRouter(store, pipe, engine, sched, cls, client, wsHub, cfg)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		log.Printf("Engine running on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Block until interrupted, then drain: schedulers first so no new
	// work starts, then the HTTP listener.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("Shutdown signal received")

	cancel()
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	log.Println("Engine stopped")
}
