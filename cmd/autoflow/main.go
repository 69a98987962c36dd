package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rendis/autoflow/internal/engine"
	"github.com/rendis/autoflow/internal/entities"
	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/httpapi"
	"github.com/rendis/autoflow/internal/logging"
	"github.com/rendis/autoflow/internal/presets"
	"github.com/rendis/autoflow/internal/rules"
	"github.com/rendis/autoflow/internal/scheduler"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/validation"
	"github.com/rendis/autoflow/pkg/mcp"
)

func main() {
	mode := "serve"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	switch mode {
	case "serve", "mcp":
	default:
		fmt.Fprintf(os.Stderr, "usage: autoflow [serve|mcp]\n")
		os.Exit(2)
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(mode, cfg, logger); err != nil {
		logger.Error("autoflow exited", "error", err)
		os.Exit(1)
	}
}

func run(mode string, cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.UpstreamURL == "" {
		return errors.New("upstream URL is required (AUTOFLOW_UPSTREAM_URL or settings.json)")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	source, err := entities.NewHTTPSource(entities.HTTPConfig{
		BaseURL: cfg.UpstreamURL,
		Token:   cfg.UpstreamToken,
		Timeout: cfg.upstreamTimeout(),
	})
	if err != nil {
		return fmt.Errorf("upstream source: %w", err)
	}

	conditions, err := expressions.NewConditions()
	if err != nil {
		return fmt.Errorf("condition engines: %w", err)
	}
	wire, err := validation.NewWireValidator()
	if err != nil {
		return fmt.Errorf("wire validator: %w", err)
	}
	catalog, err := presets.Load(wire)
	if err != nil {
		return fmt.Errorf("preset catalog: %w", err)
	}
	evaluator := rules.NewEvaluator(conditions)
	flow := validation.NewFlowValidator(conditions)

	eng := engine.New(engine.Deps{
		Source:    source,
		Store:     st,
		Flow:      flow,
		Catalog:   catalog,
		Evaluator: evaluator,
		Logger:    logger,
	})

	if mode == "mcp" {
		flowServer := mcp.NewFlowServer(mcp.FlowServerDeps{
			Engine:     eng,
			Conditions: conditions,
			Logger:     logger,
		})
		logger.Info("autoflow mcp server listening on stdio")
		return flowServer.Serve(ctx)
	}

	sched, err := scheduler.NewScheduler(st, source, cfg.RefreshCron, logger)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	api := httpapi.New(httpapi.Deps{
		Store:     st,
		Source:    source,
		Wire:      wire,
		Flow:      flow,
		Evaluator: evaluator,
		Catalog:   catalog,
		Logger:    logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("autoflow http server listening", "addr", cfg.ListenAddr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
