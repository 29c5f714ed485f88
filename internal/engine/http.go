package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jo-hoe/vidprompt/internal/actions"
	"github.com/jo-hoe/vidprompt/internal/common"
	"github.com/jo-hoe/vidprompt/internal/config"
	"github.com/jo-hoe/vidprompt/internal/failure"
	"github.com/jo-hoe/vidprompt/internal/storage"
)

const (
	defaultTimeout    = 10 * time.Minute
	errorSnippetLimit = 400

	statusSuccess = "success"
)

var _ Client = (*HTTPClient)(nil)

// HTTPClient posts render requests to a remote engine as multipart forms.
type HTTPClient struct {
	httpClient  *http.Client
	endpoint    string
	apiKey      string
	timeout     time.Duration
	maxDownload int64
	workDir     *storage.WorkDir
}

// NewHTTPClient creates a client for the engine at cfg.HTTP.BaseURL.
func NewHTTPClient(cfg config.EngineConfig, workDir *storage.WorkDir) (*HTTPClient, error) {
	base := strings.TrimSpace(cfg.HTTP.BaseURL)
	if base == "" {
		return nil, errors.New("engine base url is empty")
	}
	endpoint, err := url.JoinPath(base, cfg.HTTP.ProcessPath)
	if err != nil {
		return nil, fmt.Errorf("join engine url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		// The per-request context carries the deadline.
		httpClient:  &http.Client{},
		endpoint:    endpoint,
		apiKey:      cfg.HTTP.APIKey,
		timeout:     timeout,
		maxDownload: int64(cfg.HTTP.MaxDownload),
		workDir:     workDir,
	}, nil
}

// engineResponse covers both response shapes the engine is known to send.
type engineResponse struct {
	Status     string `json:"status"`
	Success    *bool  `json:"success"`
	Output     string `json:"output"`
	OutputPath string `json:"output_path"`
	Error      string `json:"error"`
	Detail     any    `json:"detail"`
	Message    string `json:"message"`
}

// Process uploads the input and action plan and waits for the rendered output,
// bounded by the configured timeout.
func (c *HTTPClient) Process(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	plan, err := actions.Encode(req.Actions)
	if err != nil {
		return Result{}, failure.Internal(failure.CauseMalformedResponse, err, "encode action plan")
	}

	var input io.Reader
	if !IsRemoteRef(req.InputRef) {
		f, err := os.Open(filepath.Clean(req.InputRef))
		if err != nil {
			return Result{}, failure.Internal(failure.CauseStore, err, "open input video")
		}
		defer func() { _ = f.Close() }()
		input = f
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		_ = pw.CloseWithError(writeForm(mw, req, plan, input))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, pr)
	if err != nil {
		_ = pr.Close()
		return Result{}, failure.Processing(failure.CauseTransport, err, "build engine request")
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Accept", common.ContentTypeJSON+", "+common.ContentTypeVideoPrefix+"*")
	if strings.TrimSpace(c.apiKey) != "" {
		httpReq.Header.Set(common.HeaderAPIKey, c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		_ = pr.Close()
		return Result{}, c.transportError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorSnippetLimit))
		return Result{}, failure.Processing(failure.CauseEngineError,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), "engine failed")
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return Result{}, failure.Processing(failure.CauseEngineRejected,
			fmt.Errorf("status %d", resp.StatusCode), "engine rejected the request: %s", rejectionDetail(body))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch {
	case strings.HasPrefix(mediaType, common.ContentTypeVideoPrefix) || mediaType == common.ContentTypeOctet:
		local, err := c.workDir.Write(req.JobID, storage.ExtensionFor(mediaType, req.InputRef), resp.Body, c.maxDownload)
		if err != nil {
			return Result{}, c.streamError(ctx, err)
		}
		return Result{OutputRef: local, LocalPath: local}, nil
	case mediaType == common.ContentTypeJSON || strings.HasSuffix(mediaType, "+json"):
		return c.handleJSON(ctx, req, resp.Body)
	default:
		return Result{}, failure.Internal(failure.CauseMalformedResponse, nil, "unexpected engine content type %q", mediaType)
	}
}

// writeForm streams the form; input is nil for remote references.
func writeForm(mw *multipart.Writer, req Request, plan []byte, input io.Reader) error {
	if err := mw.WriteField(common.FormFieldJobID, req.JobID); err != nil {
		return err
	}
	if err := mw.WriteField(common.FormFieldActions, string(plan)); err != nil {
		return err
	}
	if input == nil {
		if err := mw.WriteField(common.FormFieldInputURL, req.InputRef); err != nil {
			return err
		}
		return mw.Close()
	}
	part, err := mw.CreateFormFile(common.FormFieldFile, filepath.Base(req.InputRef))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, input); err != nil {
		return fmt.Errorf("stream input: %w", err)
	}
	return mw.Close()
}

func (c *HTTPClient) handleJSON(ctx context.Context, req Request, body io.Reader) (Result, error) {
	var er engineResponse
	if err := json.NewDecoder(io.LimitReader(body, 1<<20)).Decode(&er); err != nil {
		return Result{}, failure.Internal(failure.CauseMalformedResponse, err, "decode engine response")
	}

	var ok bool
	switch {
	case er.Success != nil:
		ok = *er.Success
	case er.Status != "":
		ok = strings.EqualFold(er.Status, statusSuccess)
	default:
		return Result{}, failure.Internal(failure.CauseMalformedResponse, nil, "engine response has neither status nor success")
	}
	if !ok {
		return Result{}, failure.Processing(failure.CauseEngineRejected, nil, "engine reported failure: %s", er.reason())
	}

	ref := strings.TrimSpace(er.Output)
	if ref == "" {
		ref = strings.TrimSpace(er.OutputPath)
	}
	if ref == "" {
		return Result{}, failure.Internal(failure.CauseMalformedResponse, nil, "engine response has no output reference")
	}

	if IsRemoteRef(ref) {
		local, err := c.download(ctx, req, ref)
		if err != nil {
			return Result{}, err
		}
		return Result{OutputRef: ref, LocalPath: local}, nil
	}
	info, err := os.Stat(ref)
	if err != nil || info.IsDir() {
		return Result{}, failure.Internal(failure.CauseMalformedResponse, err, "engine output %q is not a readable file", ref)
	}
	return Result{OutputRef: ref, LocalPath: ref}, nil
}

func (c *HTTPClient) download(ctx context.Context, req Request, ref string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", failure.Internal(failure.CauseMalformedResponse, err, "invalid output url")
	}
	if strings.TrimSpace(c.apiKey) != "" && sameHost(ref, c.endpoint) {
		httpReq.Header.Set(common.HeaderAPIKey, c.apiKey)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", c.transportError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusInternalServerError {
		return "", failure.Processing(failure.CauseEngineError, fmt.Errorf("status %d", resp.StatusCode), "download engine output")
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", failure.Processing(failure.CauseEngineRejected, fmt.Errorf("status %d", resp.StatusCode), "download engine output")
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	local, err := c.workDir.Write(req.JobID, storage.ExtensionFor(mediaType, path.Base(ref)), resp.Body, c.maxDownload)
	if err != nil {
		return "", c.streamError(ctx, err)
	}
	return local, nil
}

func (c *HTTPClient) transportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure.Processing(failure.CauseTimeout, err, "engine did not finish within %s", c.timeout)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return failure.Processing(failure.CauseTransport, err, "engine unreachable")
}

func (c *HTTPClient) streamError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return c.transportError(ctx, err)
	}
	if errors.Is(err, storage.ErrTooLarge) {
		return failure.Processing(failure.CauseEngineRejected, err, "engine output exceeds %d bytes", c.maxDownload)
	}
	return failure.Internal(failure.CauseStore, err, "store engine output")
}

func (r engineResponse) reason() string {
	for _, s := range []string{r.Error, detailString(r.Detail), r.Message, r.Status} {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return "no detail"
}

func rejectionDetail(body []byte) string {
	var er engineResponse
	if err := json.Unmarshal(body, &er); err == nil {
		if d := er.reason(); d != "no detail" {
			return truncate(d, errorSnippetLimit)
		}
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return truncate(s, errorSnippetLimit)
	}
	return "no detail"
}

// detailString flattens string or structured "detail" values.
func detailString(v any) string {
	switch d := v.(type) {
	case nil:
		return ""
	case string:
		return d
	default:
		b, _ := json.Marshal(d)
		return string(b)
	}
}

func sameHost(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	return errA == nil && errB == nil && strings.EqualFold(ua.Host, ub.Host)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
