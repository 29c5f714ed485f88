package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/jo-hoe/vidprompt/internal/config"
	"github.com/jo-hoe/vidprompt/internal/orchestrator"
)

// reconcileAction runs one recovery pass. Resumed jobs are processed before
// the command returns.
func reconcileAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if p := strings.ToLower(strings.TrimSpace(cmd.String("policy"))); p != "" {
		if p != config.RecoveryPolicyFail && p != config.RecoveryPolicyResume {
			return fmt.Errorf("unknown policy %q (want %s or %s)", p, config.RecoveryPolicyFail, config.RecoveryPolicyResume)
		}
		cfg.Recovery.Policy = p
	}
	if g := cmd.Duration("grace"); g > 0 {
		cfg.Recovery.GracePeriod = g
	}

	a, err := buildApp(ctx, cfg, newLogger(cfg, os.Stderr))
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := runReconcile(ctx, a)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.Root().Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func runReconcile(ctx context.Context, a *app) (orchestrator.ReconcileReport, error) {
	if err := a.queue.Start(ctx, a.orch); err != nil {
		return orchestrator.ReconcileReport{}, fmt.Errorf("start queue: %w", err)
	}
	report, err := a.orch.Reconcile(ctx)
	// zero deadline drains everything that was resumed
	a.queue.Shutdown(0)
	return report, err
}
