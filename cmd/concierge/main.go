// Command concierge runs the conversational assistant engine: the event
// dispatcher, the task worker pool, and the stale-row reaper, against a
// sqlite-backed queue and context store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/concierge/internal/assemble"
	"github.com/basket/concierge/internal/config"
	"github.com/basket/concierge/internal/dispatch"
	"github.com/basket/concierge/internal/knowledge"
	"github.com/basket/concierge/internal/llm"
	"github.com/basket/concierge/internal/orchestrator"
	"github.com/basket/concierge/internal/outbound"
	"github.com/basket/concierge/internal/persistence"
	"github.com/basket/concierge/internal/profiling"
	"github.com/basket/concierge/internal/tagging"
	"github.com/basket/concierge/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Run the engine daemon
  %s ingest -tenant <id> [-source <name>] <file>
                              Chunk, embed and store a knowledge document

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CONCIERGE_HOME          Data directory (default: ~/.concierge)
  CONCIERGE_DEV_MODE      Set to 1 to simulate outbound deliveries
  GEMINI_API_KEY          Required for the generation gateway
  OPENAI_API_KEY          Required for the embedding gateway
`)
}

func main() {
	home := flag.String("home", os.Getenv("CONCIERGE_HOME"), "data directory (default: ~/.concierge)")
	dev := flag.Bool("dev", false, "simulate outbound channel deliveries instead of calling the channel API")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*home)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	if *dev {
		cfg.Outbound.DevMode = true
	}

	logger, logLevel, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logging:", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "ingest":
			os.Exit(runIngest(ctx, cfg, logger, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if err := run(ctx, cfg, logger, logLevel); err != nil {
		logger.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, logLevel *slog.LevelVar) error {
	traces, err := telemetry.InitTracing(ctx, telemetry.TraceConfig{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := traces.Shutdown(shutdownCtx); err != nil {
			logger.Warn("trace shutdown", "error", err)
		}
	}()

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	gen, embedder, err := buildGateways(ctx, cfg)
	if err != nil {
		return err
	}

	assembler := assemble.New(store, gen, embedder, assemble.Config{
		HistoryLimit:       cfg.Retrieval.HistoryLimit,
		MemoryLimit:        cfg.Retrieval.MemoryLimit,
		KnowledgeTopK:      cfg.Retrieval.KnowledgeTopK,
		KnowledgeThreshold: cfg.Retrieval.KnowledgeThreshold,
	}, logger)

	reconciler, err := tagging.New(store, gen, embedder, tagging.Config{
		CandidateFloor: cfg.Tagging.CandidateFloor,
		CandidateLimit: cfg.Tagging.CandidateLimit,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tagging: %w", err)
	}
	profiler := profiling.New(store, reconciler, logger)

	orch, err := orchestrator.New(store, gen, assembler, traces.Tracer, logger)
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	sender := outbound.NewWhatsAppSender(outbound.Config{
		GraphBaseURL: cfg.Outbound.GraphBaseURL,
		APIVersion:   cfg.Outbound.APIVersion,
		DevMode:      cfg.Outbound.DevMode,
		Timeout:      time.Duration(cfg.Outbound.TimeoutSeconds) * time.Second,
	}, logger)

	dispatcher := dispatch.NewDispatcher(store, dispatch.DispatcherConfig{
		PollInterval: time.Duration(cfg.DispatchPollSeconds) * time.Second,
	}, traces.Tracer, logger)

	pool := dispatch.NewPool(store, orch, profiler, sender, dispatch.WorkerConfig{
		Count:        cfg.WorkerCount,
		PollInterval: time.Duration(cfg.WorkerPollSeconds) * time.Second,
		TaskTimeout:  time.Duration(cfg.TaskTimeoutSeconds) * time.Second,
	}, traces.Tracer, logger)

	reaper, err := dispatch.NewReaper(store, dispatch.ReaperConfig{
		Schedule:  cfg.Reaper.Schedule,
		Staleness: time.Duration(cfg.Reaper.StalenessSeconds) * time.Second,
	}, logger)
	if err != nil {
		return fmt.Errorf("init reaper: %w", err)
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				fresh, err := config.Load(cfg.HomeDir)
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				logLevel.Set(telemetry.ParseLevel(fresh.LogLevel))
				assembler.SetConfig(assemble.Config{
					HistoryLimit:       fresh.Retrieval.HistoryLimit,
					MemoryLimit:        fresh.Retrieval.MemoryLimit,
					KnowledgeTopK:      fresh.Retrieval.KnowledgeTopK,
					KnowledgeThreshold: fresh.Retrieval.KnowledgeThreshold,
				})
				reconciler.SetConfig(tagging.Config{
					CandidateFloor: fresh.Tagging.CandidateFloor,
					CandidateLimit: fresh.Tagging.CandidateLimit,
				})
				logger.Info("config reloaded",
					"log_level", fresh.LogLevel,
					"knowledge_threshold", fresh.Retrieval.KnowledgeThreshold,
					"candidate_floor", fresh.Tagging.CandidateFloor)
			}
		}()
	}

	dispatcher.Start(ctx)
	pool.Start(ctx)
	reaper.Start(ctx)
	logger.Info("concierge started",
		"version", Version, "db", cfg.DBPath,
		"workers", cfg.WorkerCount, "dev_mode", cfg.Outbound.DevMode)

	<-ctx.Done()
	logger.Info("shutting down")
	dispatcher.Stop()
	pool.Stop()
	reaper.Stop()
	return nil
}

func buildGateways(ctx context.Context, cfg *config.Config) (llm.Generator, llm.Embedder, error) {
	gen, err := llm.NewGenkitGateway(ctx, llm.GatewayConfig{
		Model:  cfg.Generator.Model,
		APIKey: cfg.Generator.APIKey,
	})
	if err != nil {
		return nil, nil, err
	}
	embedder, err := llm.NewOpenAIEmbedder(llm.EmbedConfig{
		Model:  cfg.Embedding.Model,
		APIKey: cfg.Embedding.APIKey,
	})
	if err != nil {
		return nil, nil, err
	}
	return gen, embedder, nil
}

func runIngest(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	tenantID := fs.String("tenant", "", "tenant id owning the document (required)")
	source := fs.String("source", "", "source name recorded on the chunks")
	_ = fs.Parse(args)

	if *tenantID == "" || fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: concierge ingest -tenant <id> [-source <name>] <file>")
		return 2
	}

	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read document:", err)
		return 1
	}
	sourceName := *source
	if sourceName == "" {
		sourceName = fs.Arg(0)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open store:", err)
		return 1
	}
	defer store.Close()

	gen, embedder, err := buildGateways(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ingestor, err := knowledge.NewIngestor(store, gen, embedder, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init ingestor:", err)
		return 1
	}

	ids, err := ingestor.Ingest(ctx, *tenantID, sourceName, string(raw))
	if err != nil {
		fmt.Fprintln(os.Stderr, "ingest:", err)
		return 1
	}
	fmt.Printf("ingested %d chunks for tenant %s\n", len(ids), *tenantID)
	return 0
}
