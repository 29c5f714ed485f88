package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/vidprompt/internal/actions"
	"github.com/jo-hoe/vidprompt/internal/config"
	"github.com/jo-hoe/vidprompt/internal/failure"
	"github.com/jo-hoe/vidprompt/internal/storage"
)

type seenRequest struct {
	apiKey   string
	jobID    string
	actions  string
	inputURL string
	file     string
	filename string
}

func newEngineServer(t *testing.T, seen *seenRequest, respond func(w http.ResponseWriter)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/process" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if seen != nil {
			seen.apiKey = r.Header.Get("X-API-Key")
			seen.jobID = r.FormValue("job_id")
			seen.actions = r.FormValue("actions")
			seen.inputURL = r.FormValue("input_url")
			if f, fh, err := r.FormFile("file"); err == nil {
				b, _ := io.ReadAll(f)
				seen.file = string(b)
				seen.filename = fh.Filename
				_ = f.Close()
			}
		}
		respond(w)
	}))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newClient(t *testing.T, baseURL string, timeout time.Duration) (*HTTPClient, string) {
	t.Helper()
	dir := t.TempDir()
	c, err := NewHTTPClient(config.EngineConfig{
		Timeout: timeout,
		HTTP:    config.HTTPEngineSettings{BaseURL: baseURL, ProcessPath: "/process", APIKey: "engine-key"},
	}, storage.NewWorkDir(dir))
	require.NoError(t, err)
	return c, dir
}

func inputFile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "source.mp4")
	require.NoError(t, os.WriteFile(p, []byte("source-bytes"), 0o600))
	return p
}

var brighten = []actions.Action{{Kind: actions.KindBrightness, Parameters: map[string]float64{actions.ParamValue: 1.2}}}

func TestHTTPClient_JSONLocalOutput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "rendered.mp4")
	require.NoError(t, os.WriteFile(out, []byte("rendered"), 0o600))

	var seen seenRequest
	ts := newEngineServer(t, &seen, func(w http.ResponseWriter) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "output": out})
	})
	defer ts.Close()

	c, _ := newClient(t, ts.URL, time.Second)
	res, err := c.Process(context.Background(), Request{JobID: "job-1", InputRef: inputFile(t), Actions: brighten})
	require.NoError(t, err)
	assert.Equal(t, out, res.OutputRef)
	assert.Equal(t, out, res.LocalPath)

	assert.Equal(t, "engine-key", seen.apiKey)
	assert.Equal(t, "job-1", seen.jobID)
	assert.Equal(t, "source-bytes", seen.file)
	assert.Equal(t, "source.mp4", seen.filename)
	assert.JSONEq(t, `{"actions":[{"action":"brightness","value":1.2}]}`, seen.actions)
}

func TestHTTPClient_SuccessFlagAndOutputPath(t *testing.T) {
	out := filepath.Join(t.TempDir(), "o.mp4")
	require.NoError(t, os.WriteFile(out, []byte("x"), 0o600))
	ts := newEngineServer(t, nil, func(w http.ResponseWriter) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "output_path": out})
	})
	defer ts.Close()

	c, _ := newClient(t, ts.URL, time.Second)
	res, err := c.Process(context.Background(), Request{JobID: "job-2", InputRef: inputFile(t), Actions: brighten})
	require.NoError(t, err)
	assert.Equal(t, out, res.LocalPath)
}

func TestHTTPClient_VideoBody(t *testing.T) {
	ts := newEngineServer(t, nil, func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "video/webm")
		_, _ = w.Write([]byte("webm-bytes"))
	})
	defer ts.Close()

	c, dir := newClient(t, ts.URL, time.Second)
	res, err := c.Process(context.Background(), Request{JobID: "job-3", InputRef: inputFile(t), Actions: brighten})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "processed", "job-3.webm"), res.LocalPath)
	data, err := os.ReadFile(res.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "webm-bytes", string(data))
}

func TestHTTPClient_RemoteInputAndOutput(t *testing.T) {
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("remote-render"))
	}))
	defer files.Close()

	var seen seenRequest
	ts := newEngineServer(t, &seen, func(w http.ResponseWriter) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "output": files.URL + "/renders/out.mp4"})
	})
	defer ts.Close()

	c, dir := newClient(t, ts.URL, time.Second)
	res, err := c.Process(context.Background(), Request{JobID: "job-4", InputRef: "https://videos.example/in.mp4", Actions: brighten})
	require.NoError(t, err)
	assert.Equal(t, "https://videos.example/in.mp4", seen.inputURL)
	assert.Empty(t, seen.file)
	assert.Equal(t, files.URL+"/renders/out.mp4", res.OutputRef)
	assert.Equal(t, filepath.Join(dir, "processed", "job-4.mp4"), res.LocalPath)
}

func TestHTTPClient_FailureClassification(t *testing.T) {
	cases := []struct {
		name    string
		respond func(w http.ResponseWriter)
		kind    failure.Kind
		cause   string
	}{
		{
			name: "rejected with detail",
			respond: func(w http.ResponseWriter) {
				writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "Invalid actions JSON"})
			},
			kind: failure.KindProcessing, cause: failure.CauseEngineRejected,
		},
		{
			name: "server error",
			respond: func(w http.ResponseWriter) {
				http.Error(w, "ffmpeg crashed", http.StatusInternalServerError)
			},
			kind: failure.KindProcessing, cause: failure.CauseEngineError,
		},
		{
			name: "reported failure",
			respond: func(w http.ResponseWriter) {
				writeJSON(w, http.StatusOK, map[string]any{"status": "error", "error": "unsupported codec"})
			},
			kind: failure.KindProcessing, cause: failure.CauseEngineRejected,
		},
		{
			name: "no status field",
			respond: func(w http.ResponseWriter) {
				writeJSON(w, http.StatusOK, map[string]any{"output": "/tmp/x.mp4"})
			},
			kind: failure.KindInternal, cause: failure.CauseMalformedResponse,
		},
		{
			name: "success without output",
			respond: func(w http.ResponseWriter) {
				writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
			},
			kind: failure.KindInternal, cause: failure.CauseMalformedResponse,
		},
		{
			name: "output file missing",
			respond: func(w http.ResponseWriter) {
				writeJSON(w, http.StatusOK, map[string]any{"status": "success", "output": "/nonexistent/out.mp4"})
			},
			kind: failure.KindInternal, cause: failure.CauseMalformedResponse,
		},
		{
			name: "not json",
			respond: func(w http.ResponseWriter) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte("{broken"))
			},
			kind: failure.KindInternal, cause: failure.CauseMalformedResponse,
		},
		{
			name: "html page",
			respond: func(w http.ResponseWriter) {
				w.Header().Set("Content-Type", "text/html")
				_, _ = w.Write([]byte("<html></html>"))
			},
			kind: failure.KindInternal, cause: failure.CauseMalformedResponse,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newEngineServer(t, nil, tc.respond)
			defer ts.Close()

			c, _ := newClient(t, ts.URL, time.Second)
			_, err := c.Process(context.Background(), Request{JobID: "job-f", InputRef: inputFile(t), Actions: brighten})
			require.Error(t, err)
			assert.Equal(t, tc.kind, failure.KindOf(err), "err: %v", err)
			assert.Equal(t, tc.cause, failure.CauseOf(err), "err: %v", err)
		})
	}
}

func TestHTTPClient_RejectionDetailInReason(t *testing.T) {
	ts := newEngineServer(t, nil, func(w http.ResponseWriter) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": "Invalid actions JSON"})
	})
	defer ts.Close()

	c, _ := newClient(t, ts.URL, time.Second)
	_, err := c.Process(context.Background(), Request{JobID: "job-d", InputRef: inputFile(t), Actions: brighten})
	require.Error(t, err)
	assert.Contains(t, failure.Reason(err), "Invalid actions JSON")
}

func TestHTTPClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	ts := newEngineServer(t, nil, func(w http.ResponseWriter) {
		<-release
	})
	defer ts.Close()
	defer close(release)

	c, _ := newClient(t, ts.URL, 100*time.Millisecond)
	start := time.Now()
	_, err := c.Process(context.Background(), Request{JobID: "job-t", InputRef: inputFile(t), Actions: brighten})
	require.Error(t, err)
	assert.Equal(t, failure.KindProcessing, failure.KindOf(err))
	assert.Equal(t, failure.CauseTimeout, failure.CauseOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestHTTPClient_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c, _ := newClient(t, url, time.Second)
	_, err := c.Process(context.Background(), Request{JobID: "job-u", InputRef: inputFile(t), Actions: brighten})
	require.Error(t, err)
	assert.Equal(t, failure.CauseTransport, failure.CauseOf(err))
}

func TestHTTPClient_MissingInput(t *testing.T) {
	c, _ := newClient(t, "http://127.0.0.1:1", time.Second)
	_, err := c.Process(context.Background(), Request{JobID: "job-m", InputRef: "/does/not/exist.mp4"})
	require.Error(t, err)
	assert.Equal(t, failure.KindInternal, failure.KindOf(err))
}

func TestNewHTTPClient_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPClient(config.EngineConfig{}, storage.NewWorkDir(t.TempDir()))
	assert.Error(t, err)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	got := truncate("日本語", 4)
	assert.Equal(t, "日...", got)
	assert.True(t, utf8.ValidString(got))
}
