package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/jo-hoe/vidprompt/internal/server"
)

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// Workers outlive the signal so in-flight jobs get ShutdownGrace to finish.
	if err := a.queue.Start(context.WithoutCancel(ctx), a.orch); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}

	stopRecovery := func() {}
	if cfg.Recovery.Enabled {
		report, err := a.orch.Reconcile(ctx)
		if err != nil {
			logger.Error("startup reconcile", "err", err)
		} else {
			logger.Info("startup reconcile", "scanned", report.Scanned, "failed", report.Failed,
				"resumed", report.Resumed, "skipped", report.Skipped, "errors", len(report.Errors))
		}
		stopRecovery, err = a.orch.StartRecovery(ctx, cfg.Recovery.Schedule)
		if err != nil {
			a.queue.Shutdown(cfg.Server.ShutdownGrace)
			return err
		}
	}

	httpSrv := server.NewHTTPServer(&server.Service{
		Log:          logger,
		Cfg:          cfg,
		Jobs:         a.orch,
		Uploader:     a.uploader,
		ArtifactsDir: a.artifactsDir,
		EngineState:  a.engineState,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("server error", "err", serveErr)
		}
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	stopRecovery()
	a.queue.Shutdown(cfg.Server.ShutdownGrace)
	if inFlight := a.orch.InFlight(); len(inFlight) > 0 {
		logger.Warn("jobs interrupted by shutdown", "job_ids", inFlight)
	}
	logger.Info("server stopped")
	return serveErr
}
