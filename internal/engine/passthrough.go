package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/jo-hoe/vidprompt/internal/failure"
	"github.com/jo-hoe/vidprompt/internal/storage"
)

var _ Client = (*Passthrough)(nil)

// Passthrough copies the input video unchanged into the working directory.
// It stands in for a real engine during local development.
type Passthrough struct {
	log        *slog.Logger
	workDir    *storage.WorkDir
	httpClient *http.Client
}

func NewPassthrough(workDir *storage.WorkDir, logger *slog.Logger) *Passthrough {
	if logger == nil {
		logger = slog.Default()
	}
	return &Passthrough{log: logger, workDir: workDir, httpClient: &http.Client{}}
}

func (p *Passthrough) Process(ctx context.Context, req Request) (Result, error) {
	p.log.Debug("passthrough render", "job_id", req.JobID, "actions", len(req.Actions))

	src, name, err := p.open(ctx, req.InputRef)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = src.Close() }()

	local, err := p.workDir.Write(req.JobID, storage.ExtensionFor("", name), src, 0)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, failure.Internal(failure.CauseStore, err, "copy input")
	}
	return Result{OutputRef: local, LocalPath: local}, nil
}

func (p *Passthrough) open(ctx context.Context, ref string) (io.ReadCloser, string, error) {
	if !IsRemoteRef(ref) {
		f, err := os.Open(filepath.Clean(ref))
		if err != nil {
			return nil, "", failure.Internal(failure.CauseStore, err, "open input video")
		}
		return f, ref, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, "", failure.Processing(failure.CauseTransport, err, "build input request")
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, "", failure.Processing(failure.CauseTimeout, err, "fetch input")
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", failure.Processing(failure.CauseTransport, err, "fetch input")
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, "", failure.Processing(failure.CauseEngineRejected, fmt.Errorf("status %d", resp.StatusCode), "fetch input")
	}
	return resp.Body, path.Base(req.URL.Path), nil
}
