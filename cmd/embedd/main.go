// Embedd is the embedding reliability daemon.
//
// It manages per-tenant vector collections, recovers from embedding and
// vector store failures, and migrates collections between embedding
// configurations without losing data.
//
// Usage:
//
//	# Start with defaults (chromem in-memory store)
//	embedd
//
//	# Start with a config file
//	embedd -config /etc/embedd/config.yaml
//
//	# Configure via environment
//	SERVER_ADDR=:9090 VECTORSTORE_PROVIDER=qdrant embedd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/embedd/internal/config"
	"github.com/fyrsmithlabs/embedd/internal/configstore"
	"github.com/fyrsmithlabs/embedd/internal/embedding"
	"github.com/fyrsmithlabs/embedd/internal/events"
	"github.com/fyrsmithlabs/embedd/internal/lifecycle"
	"github.com/fyrsmithlabs/embedd/internal/logging"
	"github.com/fyrsmithlabs/embedd/internal/metrics"
	"github.com/fyrsmithlabs/embedd/internal/migration"
	"github.com/fyrsmithlabs/embedd/internal/pipeline"
	"github.com/fyrsmithlabs/embedd/internal/recovery"
	"github.com/fyrsmithlabs/embedd/internal/server"
	"github.com/fyrsmithlabs/embedd/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/embedd/config.yaml)")
	watch := flag.Bool("watch", false, "reload configuration on file change")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  embedd           Start the embedd daemon\n")
			fmt.Fprintf(os.Stderr, "  embedd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath, *watch); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("embedd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the full service and blocks until ctx is cancelled.
//
//  1. Loads and validates configuration
//  2. Initializes the logger
//  3. Connects infrastructure (vector store, badger, NATS)
//  4. Builds the recovery coordinator and lifecycle services
//  5. Resumes interrupted migrations
//  6. Starts the ops HTTP server
//  7. Drains everything on shutdown
func run(ctx context.Context, configPath string, watch bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("starting embedd",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("vectorstore", cfg.Vectorstore.Provider))

	vs, err := vectorstore.NewStore(cfg.Vectorstore.Provider, cfg.Vectorstore.Qdrant, cfg.Vectorstore.Chromem, logger)
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}

	records, err := configstore.NewBadgerStore(cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("failed to open control-plane store: %w", err)
	}
	defer records.Close()

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Events.URL != "" {
		publisher, err = events.NewNATSPublisher(cfg.Events, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.Events.URL, err)
		}
	}
	defer publisher.Close()

	clock := recovery.SystemClock{}
	coordinator := recovery.NewCoordinator(cfg.Recovery, clock, logger)
	manager := lifecycle.NewManager(vs, records, coordinator, nil, clock, logger)

	newProvider := func(c embedding.Config) (embedding.Provider, error) {
		return embedding.NewProvider(c, cfg.Providers)
	}

	orch := migration.NewOrchestrator(cfg.Migration, vs, records, manager, coordinator, newProvider, publisher, clock, logger)
	manager.SetRequester(orch)

	scheduler, err := lifecycle.NewScheduler(manager, cfg.Maintenance, logger)
	if err != nil {
		return fmt.Errorf("failed to create maintenance scheduler: %w", err)
	}
	defer scheduler.Close()
	go scheduler.Run(ctx)

	scanner := lifecycle.NewScanner(manager, scheduler, cfg.Scanner, logger)
	go scanner.Run(ctx)

	p := pipeline.New(cfg.Pipeline, vs, records, manager, orch, coordinator, newProvider, logger)
	defer p.Close()

	m := metrics.New(coordinator.Registry())
	coordinator.SetObserver(m.RecordErrorEvent)
	srv := server.New(cfg.Server, p, m, logger)

	// Pick up migrations interrupted by a previous crash before serving.
	if err := orch.ResumePending(ctx); err != nil {
		logger.Warn("failed to resume pending migrations", zap.Error(err))
	}

	if watch {
		go func() {
			err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
				// Wiring is fixed at startup; a reload only triggers a
				// drift sweep so new desired configs are picked up at
				// once instead of on the next scanner tick.
				logger.Info("configuration file changed, sweeping for drift")
				scanner.Sweep(ctx)
			})
			if err != nil {
				logger.Warn("config watcher stopped", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx := context.Background()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown failed", zap.Error(err))
	}

	// Running migrations observe cancellation between batches and roll
	// back; wait for them to reach a terminal phase.
	orch.Wait()
	return nil
}
