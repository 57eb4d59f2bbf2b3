// Command herald runs the scheduling daemon: a durable task store, an
// in-memory timer engine and an HTTP gateway that streams execution
// output per session over SSE.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/herald/internal/audit"
	"github.com/basket/herald/internal/bus"
	"github.com/basket/herald/internal/config"
	"github.com/basket/herald/internal/dispatch"
	"github.com/basket/herald/internal/engine"
	"github.com/basket/herald/internal/gateway"
	otelPkg "github.com/basket/herald/internal/otel"
	"github.com/basket/herald/internal/persistence"
	"github.com/basket/herald/internal/scheduler"
	"github.com/basket/herald/internal/session"
	"github.com/basket/herald/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	bindAddr := flag.String("bind", "", "listen address (overrides config)")
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("herald", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "herald: config: %v\n", err)
		os.Exit(1)
	}
	if *bindAddr != "" {
		cfg.BindAddr = *bindAddr
	}

	// logs/system.jsonl is the canonical log; stdout mirrors it for a
	// human watching a terminal unless -quiet or a pipe says otherwise.
	quietLogs := *quiet
	if !isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("HERALD_LOG_STDOUT") == "" {
		quietLogs = true
	}
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "herald: logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("starting herald", "version", Version, "home", cfg.HomeDir, "bind", cfg.BindAddr, "config", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		logger.Error("otel init", "error", err)
		os.Exit(1)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Error("otel metrics", "error", err)
		os.Exit(1)
	}

	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		logger.Error("open audit log", "error", err)
		os.Exit(1)
	}
	defer auditLog.Close()

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.HomeDir, "herald.db")
	}
	store, err := persistence.Open(dbPath)
	if err != nil {
		logger.Error("open task store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	eventBus := bus.New()
	registry := session.NewRegistry()

	runner := &engine.CommandEngine{
		Command: cfg.Engine.Command,
		Args:    cfg.Engine.Args,
		Timeout: cfg.EngineTimeout(),
		Logger:  logger,
	}

	dispatcher := dispatch.New(dispatch.Config{
		Registry: registry,
		Engine:   runner,
		Logger:   logger,
		Bus:      eventBus,
		Tracer:   otelProvider.Tracer,
		Metrics:  metrics,
	})

	sched := scheduler.New(scheduler.Config{
		Store:      store,
		Dispatcher: dispatcher,
		Logger:     logger,
		Audit:      auditLog,
		Bus:        eventBus,
		Tracer:     otelProvider.Tracer,
		Metrics:    metrics,
	})
	if err := sched.Rehydrate(ctx); err != nil {
		logger.Error("rehydrate scheduler", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()

	gw := gateway.New(gateway.Config{
		Store:             store,
		Registry:          registry,
		Dispatcher:        dispatcher,
		Scheduler:         sched,
		Logger:            logger,
		Bus:               eventBus,
		Tracer:            otelProvider.Tracer,
		Metrics:           metrics,
		KeepAlive:         cfg.KeepAlive(),
		DefaultTimezone:   cfg.DefaultTimezone,
		ConfigFingerprint: cfg.Fingerprint(),
	})

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	watchConfig(ctx, cfg, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.BindAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	sched.Stop()
	dispatcher.Wait()
	logger.Info("herald stopped")
}

// watchConfig logs when config.yaml changes on disk. Most settings need
// a restart; the log line tells the operator whether the running config
// has drifted from the file.
func watchConfig(ctx context.Context, cfg config.Config, logger *slog.Logger) {
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
		return
	}
	go func() {
		for range watcher.Events() {
			next, err := config.LoadFrom(cfg.HomeDir)
			if err != nil {
				logger.Warn("config.yaml changed but did not parse", "error", err)
				continue
			}
			if next.Fingerprint() == cfg.Fingerprint() {
				continue
			}
			logger.Info("config.yaml changed on disk, restart to apply",
				"active", cfg.Fingerprint(), "disk", next.Fingerprint())
		}
	}()
}
