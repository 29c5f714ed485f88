package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/jo-hoe/vidprompt/internal/config"
	"github.com/jo-hoe/vidprompt/internal/engine"
	"github.com/jo-hoe/vidprompt/internal/jobs"
	"github.com/jo-hoe/vidprompt/internal/llm"
	"github.com/jo-hoe/vidprompt/internal/llm/aiproxy"
	"github.com/jo-hoe/vidprompt/internal/llm/mock"
	"github.com/jo-hoe/vidprompt/internal/llm/openai"
	"github.com/jo-hoe/vidprompt/internal/logging"
	"github.com/jo-hoe/vidprompt/internal/orchestrator"
	"github.com/jo-hoe/vidprompt/internal/publish"
	"github.com/jo-hoe/vidprompt/internal/storage"
)

// app holds the wired runtime shared by the commands.
type app struct {
	log          *slog.Logger
	cfg          *config.Config
	store        jobs.Store
	uploader     *storage.Uploader
	workDir      *storage.WorkDir
	queue        *jobs.Queue
	orch         *orchestrator.Orchestrator
	artifactsDir string        // empty unless the local publisher is used
	engineState  func() string // nil unless the engine sits behind a breaker
}

// loadConfig reads the dotenv file and the YAML config named by the global flags.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	if err := config.LoadEnvFile(cmd.String("env-file")); err != nil {
		return nil, err
	}
	return config.Load(cmd.String("config"))
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	return logging.New(cfg.Server.LogLevel, cfg.Server.LogFormat, w)
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a := &app{
		log:      logger,
		cfg:      cfg,
		store:    store,
		uploader: storage.NewUploader(cfg.Server.StorageDir),
		workDir:  storage.NewWorkDir(cfg.Server.StorageDir),
		queue:    jobs.NewQueue(logger, cfg.Server.QueueCapacity, cfg.Server.WorkerCount),
	}

	parser, err := buildParser(cfg.LLM)
	if err != nil {
		a.Close()
		return nil, err
	}
	eng, err := buildEngine(cfg.Engine, a.workDir, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if b, ok := eng.(*engine.Breaker); ok {
		a.engineState = func() string { return b.State().String() }
	}
	pub, err := buildPublisher(cfg.Publisher)
	if err != nil {
		a.Close()
		return nil, err
	}
	if local, ok := pub.(*publish.Local); ok {
		a.artifactsDir = local.Dir()
	}

	a.orch = orchestrator.New(orchestrator.Deps{
		Log:       logger,
		Store:     store,
		Parser:    parser,
		Engine:    eng,
		Publisher: pub,
		WorkDir:   a.workDir,
		Queue:     a.queue,
	}, orchestrator.Options{
		CallbackRetries:  cfg.Server.CallbackRetries,
		CallbackBackoff:  cfg.Server.CallbackBackoff,
		CallbackTimeout:  cfg.Server.CallbackTimeout,
		CleanupProcessed: cfg.Server.CleanupProcessed,
		RecoveryPolicy:   cfg.Recovery.Policy,
		RecoveryGrace:    cfg.Recovery.GracePeriod,
	})
	logger.Info("runtime wired",
		"store", cfg.Store.Driver,
		"llm", cfg.LLM.Provider,
		"engine", cfg.Engine.Type,
		"breaker", cfg.Engine.Breaker.Enabled,
		"publisher", cfg.Publisher.Type)
	return a, nil
}

func (a *app) Close() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("close store", "err", err)
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (jobs.Store, error) {
	switch cfg.Driver {
	case "memory":
		return jobs.NewMemoryStore(), nil
	case "sqlite":
		s, err := jobs.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite open: %w", err)
		}
		return s, nil
	case "postgres":
		s, err := jobs.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres open: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
}

func buildParser(cfg config.LLMConfig) (llm.Parser, error) {
	switch cfg.Provider {
	case "mock":
		return mock.New(cfg.Mock), nil
	case "aiproxy":
		return aiproxy.New(cfg), nil
	case "openai":
		c, err := openai.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("init openai parser: %w", err)
		}
		return c, nil
	}
	return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
}

func buildEngine(cfg config.EngineConfig, workDir *storage.WorkDir, logger *slog.Logger) (engine.Client, error) {
	var c engine.Client
	switch cfg.Type {
	case "http":
		hc, err := engine.NewHTTPClient(cfg, workDir)
		if err != nil {
			return nil, fmt.Errorf("init engine client: %w", err)
		}
		c = hc
	case "passthrough":
		c = engine.NewPassthrough(workDir, logger)
	default:
		return nil, fmt.Errorf("unsupported engine type %q", cfg.Type)
	}
	if cfg.Breaker.Enabled {
		c = engine.NewBreaker(c, cfg.Breaker, logger)
	}
	return c, nil
}

func buildPublisher(cfg config.PublisherConfig) (publish.Publisher, error) {
	switch cfg.Type {
	case "local":
		return publish.NewLocal(cfg.Local), nil
	case "minio":
		m, err := publish.NewMinio(cfg.Minio)
		if err != nil {
			return nil, fmt.Errorf("init minio publisher: %w", err)
		}
		return m, nil
	}
	return nil, fmt.Errorf("unsupported publisher type %q", cfg.Type)
}
