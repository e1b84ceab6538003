package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rezkam/fleetq/internal/application/dispatcher"
	"github.com/rezkam/fleetq/internal/application/events"
	"github.com/rezkam/fleetq/internal/application/queue"
	"github.com/rezkam/fleetq/internal/application/registry"
	"github.com/rezkam/fleetq/internal/config"
	"github.com/rezkam/fleetq/internal/domain"
	"github.com/rezkam/fleetq/internal/infrastructure/archive"
	archivefs "github.com/rezkam/fleetq/internal/infrastructure/archive/fs"
	archivegcs "github.com/rezkam/fleetq/internal/infrastructure/archive/gcs"
	apihttp "github.com/rezkam/fleetq/internal/infrastructure/http"
	"github.com/rezkam/fleetq/internal/infrastructure/http/handler"
	"github.com/rezkam/fleetq/internal/infrastructure/persistence/postgres"
	"github.com/rezkam/fleetq/internal/infrastructure/persistence/sqlite"
	"github.com/rezkam/fleetq/pkg/observability"
)

const serviceName = "fleetq-orchestrator"

func main() {
	if len(os.Args) < 2 || os.Args[1] != "serve" {
		fmt.Fprintln(os.Stderr, "usage: orchestrator serve [--port N]")
		os.Exit(2)
	}

	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	port := flags.Int("port", 0, "listen port (overrides ORCHESTRATOR_ADDR)")
	if err := flags.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}

	if err := run(*port); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

// store is what both persistence backends provide: the queue engine plus the
// robot registry store.
type store interface {
	queue.Engine
	registry.Store
}

func run(port int) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if port > 0 {
		cfg.Addr = ":" + strconv.Itoa(port)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Observability: logger, tracer and meter providers, each shut down with
	// a timeout so an unreachable collector cannot hang the exit path.
	lp, logger, err := observability.InitLogger(ctx, serviceName, cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer shutdownProvider(lp.Shutdown)
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, serviceName, cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init tracer provider: %w", err)
	}
	defer shutdownProvider(tp.Shutdown)

	mp, err := observability.InitMeterProvider(ctx, serviceName, cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init meter provider: %w", err)
	}
	defer shutdownProvider(mp.Shutdown)

	bus := events.NewBus()

	st, closeStore, err := openStore(ctx, cfg, bus)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := registry.New(st, bus, cfg.OfflineThreshold)
	disp := dispatcher.New(st, dispatcher.Defaults{MaxRetries: cfg.MaxRetriesDefault})

	archiveStore, err := openArchive(ctx, cfg)
	if err != nil {
		return err
	}
	var archiveFn func(context.Context, *domain.Job) error
	if archiveStore != nil {
		archiveFn = archiveStore.Put
	}

	// Background loops: lease recovery, retention sweep, robot liveness.
	recovery := queue.NewRecoveryLoop(st, cfg.RecoveryInterval)
	go func() {
		if err := recovery.Start(ctx); err != nil && ctx.Err() == nil {
			slog.ErrorContext(ctx, "recovery loop exited", "error", err)
		}
	}()

	retention := queue.NewRetentionSweeper(st,
		time.Duration(cfg.RetentionDays)*24*time.Hour, time.Hour, archiveFn)
	go func() {
		if err := retention.Start(ctx); err != nil && ctx.Err() == nil {
			slog.ErrorContext(ctx, "retention sweeper exited", "error", err)
		}
	}()

	liveness := registry.NewLivenessSweeper(st, bus, cfg.OfflineThreshold, cfg.RecoveryInterval)
	go func() {
		if err := liveness.Start(ctx); err != nil && ctx.Err() == nil {
			slog.ErrorContext(ctx, "liveness sweeper exited", "error", err)
		}
	}()

	metrics := apihttp.NewMetrics(bus)
	defer metrics.Close()

	api := handler.New(st, disp, reg, bus)
	server := apihttp.NewAPIServer(api.Routes(), metrics, apihttp.ServerConfig{
		Addr:         cfg.Addr,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})

	errResult := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errResult <- fmt.Errorf("failed to serve: %w", err)
		}
	}()

	slog.InfoContext(ctx, "orchestrator started",
		"addr", cfg.Addr,
		"visibility_timeout", cfg.VisibilityTimeout,
		"recovery_interval", cfg.RecoveryInterval,
		"offline_threshold", cfg.OfflineThreshold)

	select {
	case <-ctx.Done():
		slog.InfoContext(ctx, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.WarnContext(shutdownCtx, "server shutdown timed out", "error", err)
		}
		return nil
	case err := <-errResult:
		return err
	}
}

// openStore selects the persistence backend: PostgreSQL when DB_URL is set,
// the embedded SQLite store otherwise.
func openStore(ctx context.Context, cfg *config.Config, bus *events.Bus) (store, func(), error) {
	if cfg.DBURL != "" {
		pg, err := postgres.NewStore(ctx, postgres.DBConfig{
			DSN:             cfg.DBURL,
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
			ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		// All durable events reach the bus through the LISTEN/NOTIFY bridge,
		// one stream shared by every orchestrator node.
		if err := pg.ListenEvents(ctx, bus); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("failed to start event bridge: %w", err)
		}
		slog.InfoContext(ctx, "storage initialized", "backend", "postgres")
		return pg, pg.Close, nil
	}

	sl, err := sqlite.NewStore(ctx, cfg.SQLitePath, bus)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	slog.InfoContext(ctx, "storage initialized", "backend", "sqlite", "path", cfg.SQLitePath)
	return sl, func() { _ = sl.Close() }, nil
}

func openArchive(ctx context.Context, cfg *config.Config) (archive.Store, error) {
	switch cfg.ArchiveType {
	case "fs":
		return archivefs.NewStore(cfg.ArchiveDir)
	case "gcs":
		return archivegcs.NewStore(ctx, cfg.ArchiveBucket)
	default:
		return nil, nil
	}
}

func shutdownProvider(shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to shutdown telemetry provider", "error", err)
	}
}
