// evalharness batch-scores the answering pipeline against a golden dataset
// CSV and writes a JSON report. It wires the deterministic demo providers,
// so it runs offline; point -corpus at a chunk file to index content first
// and -fixtures at a demo fixtures directory to enable canned responses.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/audit"
	"github.com/worksafeai/copilot/internal/config"
	"github.com/worksafeai/copilot/internal/demo"
	"github.com/worksafeai/copilot/internal/embeddings"
	"github.com/worksafeai/copilot/internal/evaluation"
	"github.com/worksafeai/copilot/internal/llm"
	"github.com/worksafeai/copilot/internal/memory"
	"github.com/worksafeai/copilot/internal/models"
	"github.com/worksafeai/copilot/internal/moderation"
	"github.com/worksafeai/copilot/internal/orchestrator"
	"github.com/worksafeai/copilot/internal/promptreg"
	"github.com/worksafeai/copilot/internal/redaction"
	"github.com/worksafeai/copilot/internal/vectorstore"
)

func main() {
	goldenPath := flag.String("golden", "", "path to the golden dataset CSV (required)")
	reportPath := flag.String("report", "eval-report.json", "path for the JSON report")
	corpusPath := flag.String("corpus", "", "optional JSON file of chunks to index before the run")
	fixturesPath := flag.String("fixtures", "", "optional demo fixtures directory")
	strict := flag.Bool("strict", false, "exit nonzero when any case fails")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *goldenPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	zcfg := zap.NewDevelopmentConfig()
	if *verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := zcfg.Build()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *goldenPath, *reportPath, *corpusPath, *fixturesPath, *strict); err != nil {
		logger.Fatal("evaluation failed", zap.Error(err))
	}
}

func run(ctx context.Context, logger *zap.Logger, goldenPath, reportPath, corpusPath, fixturesPath string, strict bool) error {
	cases, err := evaluation.LoadGolden(goldenPath)
	if err != nil {
		return err
	}
	logger.Info("golden dataset loaded", zap.String("path", goldenPath), zap.Int("cases", len(cases)))

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	threshold, err := moderation.ParseThreshold(cfg.Moderation.Threshold)
	if err != nil {
		return err
	}

	workDir, err := os.MkdirTemp("", "evalharness-")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	store := vectorstore.NewJSONStore(filepath.Join(workDir, "chunks.json"), cfg.VectorStore.Dimension, logger)
	if err := store.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize vector store: %w", err)
	}

	mem := memory.NewManager(memory.NewMemStore(cfg.Memory.MaxTurns, logger), cfg.Memory, logger)
	defer mem.Close()

	registry, err := promptreg.NewMemoryRegistry(logger)
	if err != nil {
		return fmt.Errorf("seed prompt registry: %w", err)
	}

	deps := orchestrator.Deps{
		Config:    cfg,
		Logger:    logger,
		Moderator: moderation.NewLocalModerator(threshold),
		Redactor:  redaction.NewEngine(cfg.Redaction.Enabled),
		Audit:     audit.NewMemoryStore(logger),
		Memory:    mem,
		Store:     store,
		Embedder:  embeddings.NewDemoEmbedder(cfg.VectorStore.Dimension),
		Completer: llm.NewDemoCompleter(),
		Registry:  registry,
		Versions:  promptreg.NewMemoryVersionStore(),
	}

	if fixturesPath != "" {
		svc, err := demo.New(config.DemoConfig{
			Enabled:      true,
			FixturesPath: fixturesPath,
			TracePath:    fixturesPath,
		}, logger)
		if err != nil {
			return fmt.Errorf("load demo fixtures: %w", err)
		}
		defer svc.Close()
		deps.Demo = svc
	}

	orch := orchestrator.New(deps)

	if corpusPath != "" {
		if err := ingestCorpus(ctx, orch, corpusPath, logger); err != nil {
			return err
		}
	}

	report, err := evaluation.New(orch, logger).Run(ctx, cases)
	if err != nil {
		return err
	}
	if err := report.WriteFile(reportPath); err != nil {
		return err
	}
	logger.Info("report written",
		zap.String("path", reportPath),
		zap.Int("passed", report.Passed),
		zap.Int("cases", report.Cases))

	if strict && report.Passed < report.Cases {
		return fmt.Errorf("%d of %d cases failed", report.Cases-report.Passed, report.Cases)
	}
	return nil
}

func ingestCorpus(ctx context.Context, orch *orchestrator.Orchestrator, path string, logger *zap.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read corpus: %w", err)
	}
	var chunks []models.Chunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		return fmt.Errorf("parse corpus %s: %w", path, err)
	}
	resp, err := orch.ProcessIngest(ctx, &models.IngestRequest{Chunks: chunks})
	if err != nil {
		return fmt.Errorf("index corpus: %w", err)
	}
	for _, f := range resp.Failed {
		logger.Warn("corpus chunk rejected",
			zap.Int("index", f.Index),
			zap.String("id", f.ID),
			zap.String("error", f.Error))
	}
	logger.Info("corpus indexed",
		zap.Int("succeeded", resp.Succeeded),
		zap.Int("failed", len(resp.Failed)))
	return nil
}
