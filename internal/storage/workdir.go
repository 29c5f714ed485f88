package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jo-hoe/vidprompt/internal/common"
)

// WorkDir holds processed intermediates between the engine and publish steps.
type WorkDir struct {
	dir string
}

// NewWorkDir creates a working directory at baseDir/processed.
func NewWorkDir(baseDir string) *WorkDir {
	return &WorkDir{dir: filepath.Join(baseDir, common.ProcessedDirName)}
}

// Dir returns the directory path.
func (w *WorkDir) Dir() string {
	return w.dir
}

// Path returns the location of the processed output for jobID.
func (w *WorkDir) Path(jobID, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return filepath.Join(w.dir, filepath.Base(jobID)+ext)
}

// Write streams r into the processed output for jobID, replacing a partial
// file from an earlier attempt. At most limit bytes are accepted when limit > 0.
func (w *WorkDir) Write(jobID, ext string, r io.Reader, limit int64) (string, error) {
	if err := os.MkdirAll(w.dir, 0o750); err != nil {
		return "", fmt.Errorf("ensure processed dir: %w", err)
	}
	path := w.Path(jobID, ext)
	tmp := path + ".part"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", fmt.Errorf("create processed file: %w", err)
	}
	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(f, src)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && limit > 0 && n > limit {
		err = ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write processed file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("finalize processed file: %w", err)
	}
	return path, nil
}

// Remove deletes a processed intermediate. Missing files are ignored.
func (w *WorkDir) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
