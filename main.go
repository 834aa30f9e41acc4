// Command copilot serves the occupational-safety question-answering and
// letter-drafting API: retrieval over the indexed policy corpus, grounded
// answer drafting with citations, moderation and redaction around every
// request, and the audit trail behind /api/audit-logs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/worksafeai/copilot/internal/audit"
	"github.com/worksafeai/copilot/internal/config"
	"github.com/worksafeai/copilot/internal/demo"
	"github.com/worksafeai/copilot/internal/embeddings"
	"github.com/worksafeai/copilot/internal/health"
	"github.com/worksafeai/copilot/internal/httpapi"
	"github.com/worksafeai/copilot/internal/llm"
	"github.com/worksafeai/copilot/internal/memory"
	"github.com/worksafeai/copilot/internal/moderation"
	"github.com/worksafeai/copilot/internal/orchestrator"
	"github.com/worksafeai/copilot/internal/promptreg"
	"github.com/worksafeai/copilot/internal/redaction"
	"github.com/worksafeai/copilot/internal/tracing"
	"github.com/worksafeai/copilot/internal/vectorstore"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

const healthCheckInterval = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	store, err := vectorstore.NewFromConfig(cfg, logger)
	if err != nil {
		return fmt.Errorf("build vector store: %w", err)
	}
	defer store.Close()
	if err := store.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize vector store %s: %w", store.Name(), err)
	}

	mem, err := memory.NewFromConfig(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build memory store: %w", err)
	}
	defer mem.Close()

	auditLog, err := audit.NewFromConfig(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build audit log: %w", err)
	}
	defer auditLog.Close()

	registry, versions, err := promptreg.NewFromConfig(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build prompt registry: %w", err)
	}

	moderator, err := moderation.NewFromConfig(cfg, logger)
	if err != nil {
		return fmt.Errorf("build moderator: %w", err)
	}

	embedder, err := embeddings.NewFromConfig(cfg, logger)
	if err != nil {
		return fmt.Errorf("build embedding client: %w", err)
	}

	completer, err := llm.NewFromConfig(cfg, logger)
	if err != nil {
		return fmt.Errorf("build completion client: %w", err)
	}

	demoSvc, err := demo.New(cfg.Demo, logger)
	if err != nil {
		return fmt.Errorf("build demo service: %w", err)
	}
	defer demoSvc.Close()

	orch := orchestrator.New(orchestrator.Deps{
		Config:    cfg,
		Logger:    logger,
		Demo:      demoSvc,
		Moderator: moderator,
		Redactor:  redaction.NewEngine(cfg.Redaction.Enabled),
		Audit:     auditLog,
		Memory:    mem,
		Store:     store,
		Embedder:  embedder,
		Completer: completer,
		Registry:  registry,
		Versions:  versions,
	})

	manager := health.NewManager(healthCheckInterval, logger)
	checkers := []health.Checker{
		health.NewVectorStoreChecker(store),
		health.NewAuditChecker(auditLog),
		health.NewMemoryChecker(mem),
		health.NewLLMChecker(completer, embedder),
		health.NewDemoChecker(demoSvc),
	}
	for _, c := range checkers {
		if err := manager.Register(c); err != nil {
			return fmt.Errorf("register health checker: %w", err)
		}
	}
	manager.Start()
	defer manager.Stop()

	api := httpapi.New(httpapi.Deps{
		Config:       cfg,
		Logger:       logger,
		Orchestrator: orch,
		Memory:       mem,
		Audit:        auditLog,
		Versions:     versions,
		Health:       manager,
		Version:      version,
	})

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      api.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("vector_store", store.Name()),
			zap.String("memory_store", mem.Name()),
			zap.String("audit_store", auditLog.Name()),
			zap.String("moderator", moderator.Name()),
			zap.String("model", completer.Model()),
			zap.Bool("demo_mode", demoSvc.Enabled()),
			zap.String("version", version),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("grace", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api server: %w", err)
	}
	return nil
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}
