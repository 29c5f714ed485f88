package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/jo-hoe/vidprompt/internal/jobs"
	"github.com/jo-hoe/vidprompt/internal/orchestrator"
)

func jobShowAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	id := cmd.String("id")
	job, err := store.Get(ctx, id)
	if errors.Is(err, jobs.ErrNotFound) {
		return fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.Root().Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(orchestrator.NewJobView(job))
}
