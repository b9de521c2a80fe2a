package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nuetzliches/docket/internal/admin"
	"github.com/nuetzliches/docket/internal/batchclaim"
	"github.com/nuetzliches/docket/internal/idempotency"
	"github.com/nuetzliches/docket/internal/queue"
)

func run(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dotenvPath := fs.String("dotenv", "", "")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "run: unexpected positional arguments")
		return 2
	}

	if *dotenvPath != "" {
		if err := loadDotenv(*dotenvPath); err != nil {
			fmt.Fprintf(os.Stderr, "run: load dotenv: %v\n", err)
			return 1
		}
	}

	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}

	logger, logCloser, err := newLogger(cfg.LogLevel, cfg.LogOutput, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := newRuntimeMetrics()

	tracingEnabled := cfg.TracingEndpoint != ""
	var tracingShutdown func(context.Context) error
	if tracingEnabled {
		tracingShutdown, err = initTracing(ctx, cfg.TracingEndpoint, cfg.TracingInsecure, func(err error) {
			metrics.incTracingExportErrors()
			logger.Warn("tracing_export_error", slog.Any("err", err))
		})
		if err != nil {
			// Tracing is best effort; the service still runs without it.
			tracingEnabled = false
			metrics.incTracingInitFailures()
			logger.Warn("tracing_init_failed", slog.Any("err", err))
		}
	}
	metrics.setTracingEnabled(tracingEnabled)

	store, registry, coord, err := openBackends(cfg, logger)
	if err != nil {
		logger.Error("backend_open_failed", slog.Any("err", err))
		return 1
	}
	defer store.Close()
	defer registry.Close()
	if coord != nil {
		defer coord.Close()
	}

	adminSrv := admin.NewServer(store)
	adminSrv.Coordinator = coord
	adminSrv.Authorize = admin.BearerTokenAuthorizer(cfg.adminTokenBytes())
	adminSrv.Logger = logger
	adminSrv.RuntimeStats = metrics.snapshot

	handler := withAccessLog(logger, wrapTracingHandler(tracingEnabled, "docket_admin", adminSrv.Handler()))
	ln, err := net.Listen("tcp", cfg.AdminAddr)
	if err != nil {
		logger.Error("admin_listen_failed",
			slog.String("addr", cfg.AdminAddr),
			slog.Any("err", err),
		)
		return 1
	}
	httpSrv := &http.Server{Handler: handler}
	go func() {
		err := httpSrv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		logger.Error("admin_server_error", slog.Any("err", err))
		stop()
	}()

	var monitor *batchclaim.StaleMonitor
	if coord != nil {
		monitor = batchclaim.NewStaleMonitor(coord, cfg.StaleSweepInterval, cfg.StaleAfter, logger)
		monitor.Start()
	}

	workers := startWorkers(registeredWorkers(), store, registry, metrics, logger)

	logger.Info("docket_started",
		slog.String("version", version),
		slog.String("store", cfg.Store),
		slog.String("admin_addr", ln.Addr().String()),
		slog.Int("workers", len(workers)),
		slog.Bool("tracing", tracingEnabled),
	)

	<-ctx.Done()
	logger.Info("docket_stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin_shutdown_failed", slog.Any("err", err))
	}
	drainWorkers(workers, cfg.ShutdownTimeout, logger)
	if monitor != nil {
		monitor.Stop()
	}
	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			logger.Warn("tracing_shutdown_failed", slog.Any("err", err))
		}
	}

	logger.Info("docket_stopped")
	return 0
}

// openBackends builds the store, idempotency registry and batch claim
// coordinator for the configured backend. The memory backend has no durable
// claim state, so batch claims are disabled there.
func openBackends(cfg Config, logger *slog.Logger) (queue.Store, idempotency.Registry, batchclaim.Coordinator, error) {
	switch cfg.Store {
	case "memory":
		logger.Warn("memory_store_selected",
			slog.String("note", "data is lost on restart and batch claims are disabled"),
		)
		return queue.NewMemoryStore(), idempotency.NewMemoryRegistry(), nil, nil

	case "sqlite":
		store, err := queue.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite queue store: %w", err)
		}
		registry, err := idempotency.NewSQLiteRegistry(cfg.DBPath)
		if err != nil {
			_ = store.Close()
			return nil, nil, nil, fmt.Errorf("open sqlite idempotency registry: %w", err)
		}
		coord, err := batchclaim.NewSQLiteCoordinator(cfg.DBPath,
			batchclaim.WithSQLiteStaleAfter(cfg.StaleAfter))
		if err != nil {
			_ = registry.Close()
			_ = store.Close()
			return nil, nil, nil, fmt.Errorf("open sqlite claim coordinator: %w", err)
		}
		return store, registry, coord, nil

	case "postgres":
		store, err := queue.NewPostgresStore(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres queue store: %w", err)
		}
		registry, err := idempotency.NewPostgresRegistry(cfg.PostgresDSN)
		if err != nil {
			_ = store.Close()
			return nil, nil, nil, fmt.Errorf("open postgres idempotency registry: %w", err)
		}
		coord, err := batchclaim.NewPostgresCoordinator(cfg.PostgresDSN,
			batchclaim.WithPostgresStaleAfter(cfg.StaleAfter))
		if err != nil {
			_ = registry.Close()
			_ = store.Close()
			return nil, nil, nil, fmt.Errorf("open postgres claim coordinator: %w", err)
		}
		return store, registry, coord, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store)
}
