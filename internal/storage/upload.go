package storage

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/jo-hoe/vidprompt/internal/common"
)

// ErrTooLarge is returned when an upload exceeds the size limit.
var ErrTooLarge = errors.New("upload exceeds size limit")

// Uploader handles storing uploaded source videos on disk.
type Uploader struct {
	baseDir string
}

var allowedVideoMimes = map[string]string{
	common.MimeVideoMP4:       ".mp4",
	common.MimeVideoQuickTime: ".mov",
	common.MimeVideoWebM:      ".webm",
	common.MimeVideoMatroska:  ".mkv",
	common.MimeVideoAVI:       ".avi",
}

// videoExtensions maps extensions to mime types independent of the host mime database.
var videoExtensions = map[string]string{
	".mp4":  common.MimeVideoMP4,
	".m4v":  common.MimeVideoMP4,
	".mov":  common.MimeVideoQuickTime,
	".webm": common.MimeVideoWebM,
	".mkv":  common.MimeVideoMatroska,
	".avi":  common.MimeVideoAVI,
}

// NewUploader creates an uploader that stores to baseDir/uploads.
func NewUploader(baseDir string) *Uploader {
	return &Uploader{baseDir: filepath.Join(baseDir, common.UploadsDirName)}
}

// Dir returns the directory uploads are written to.
func (u *Uploader) Dir() string {
	return u.baseDir
}

// SaveMultipartVideo validates and stores an uploaded video to disk.
// It returns the file path, a cleanup function deleting the file, and the resolved mime type.
// Uploads larger than maxBytes are rejected with ErrTooLarge and nothing is kept.
func (u *Uploader) SaveMultipartVideo(fileHeader *multipart.FileHeader, maxBytes int64) (string, func() error, string, error) {
	if fileHeader == nil {
		return "", nil, "", fmt.Errorf("no file provided")
	}
	mimeType := strings.ToLower(strings.TrimSpace(fileHeader.Header.Get("Content-Type")))
	// Some clients set application/octet-stream for uploads; treat it as unknown and fall back to extension.
	if mimeType == "" || mimeType == common.ContentTypeOctet {
		mimeType = MimeForExtension(fileHeader.Filename)
	}
	if !IsAllowedVideoMime(mimeType) {
		return "", nil, "", fmt.Errorf("unsupported content type: %q", mimeType)
	}

	if err := os.MkdirAll(u.baseDir, 0o750); err != nil {
		return "", nil, "", fmt.Errorf("ensure uploads dir: %w", err)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return "", nil, "", fmt.Errorf("open uploaded file: %w", err)
	}
	defer func() { _ = src.Close() }()

	filename := randomHex(16) + allowedVideoMimes[mimeType]
	dstPath := filepath.Join(u.baseDir, filename)

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return "", nil, "", fmt.Errorf("create upload file: %w", err)
	}

	n, err := io.Copy(dst, io.LimitReader(src, maxBytes+1))
	closeErr := dst.Close()
	switch {
	case err != nil:
		_ = os.Remove(dstPath)
		return "", nil, "", fmt.Errorf("copy upload: %w", err)
	case closeErr != nil:
		_ = os.Remove(dstPath)
		return "", nil, "", fmt.Errorf("close upload: %w", closeErr)
	case n > maxBytes:
		_ = os.Remove(dstPath)
		return "", nil, "", ErrTooLarge
	case n == 0:
		_ = os.Remove(dstPath)
		return "", nil, "", fmt.Errorf("uploaded file is empty")
	}

	cleanup := func() error {
		return os.Remove(dstPath)
	}
	return dstPath, cleanup, mimeType, nil
}

// IsAllowedVideoMime reports whether mimeType is an accepted video type.
func IsAllowedVideoMime(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	_, ok := allowedVideoMimes[mt]
	return ok
}

// MimeForExtension resolves the video mime type of name by extension, or "".
func MimeForExtension(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if mt, ok := videoExtensions[ext]; ok {
		return mt
	}
	mt, _, _ := mime.ParseMediaType(mime.TypeByExtension(ext))
	return mt
}

// HasVideoExtension reports whether name carries a known video extension.
func HasVideoExtension(name string) bool {
	_, ok := videoExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// ExtensionFor picks a file extension for a video, preferring the mime type.
func ExtensionFor(mimeType, name string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if ext, ok := allowedVideoMimes[mt]; ok {
		return ext
	}
	if HasVideoExtension(name) {
		return strings.ToLower(filepath.Ext(name))
	}
	return ".mp4"
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
