package publish

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jo-hoe/vidprompt/internal/common"
	"github.com/jo-hoe/vidprompt/internal/config"
	"github.com/jo-hoe/vidprompt/internal/failure"
)

var _ Publisher = (*Local)(nil)

// Local copies artifacts into a directory served under /artifacts.
type Local struct {
	dir     string
	baseURL string
}

func NewLocal(cfg config.LocalSettings) *Local {
	return &Local{dir: cfg.Dir, baseURL: cfg.BaseURL}
}

// Dir returns the directory served as static files.
func (l *Local) Dir() string {
	return l.dir
}

func (l *Local) Publish(ctx context.Context, localPath, key string) (string, error) {
	key = cleanKey(key)
	if key == "" {
		return "", failure.Publish(failure.CauseUpload, nil, "empty artifact key")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dst := filepath.Join(l.dir, filepath.FromSlash(key))
	if err := copyFile(localPath, dst); err != nil {
		return "", failure.Publish(failure.CauseUpload, err, "publish %s", key)
	}
	return joinURL(l.baseURL, common.PathArtifacts, key), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("ensure artifacts dir: %w", err)
	}
	tmp := dst + ".part"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	_, err = io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("copy artifact: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalize artifact: %w", err)
	}
	return nil
}
