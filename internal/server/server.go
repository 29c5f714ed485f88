// Package server exposes job submission and status over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jo-hoe/vidprompt/internal/common"
	"github.com/jo-hoe/vidprompt/internal/config"
	"github.com/jo-hoe/vidprompt/internal/failure"
	"github.com/jo-hoe/vidprompt/internal/jobs"
	"github.com/jo-hoe/vidprompt/internal/orchestrator"
	"github.com/jo-hoe/vidprompt/internal/storage"
)

// Error codes returned in error bodies.
const (
	codeInvalidInput     = "INVALID_INPUT"
	codeTooLarge         = "PAYLOAD_TOO_LARGE"
	codeUnsupportedMedia = "UNSUPPORTED_MEDIA_TYPE"
	codeQueueFull        = "QUEUE_FULL"
	codeNotFound         = "NOT_FOUND"
	codeUnauthorized     = "UNAUTHORIZED"
	codeInternal         = "INTERNAL_ERROR"
)

const (
	// multipartMemory is how much of a form is buffered before spilling to disk.
	multipartMemory = 32 << 20
	// formOverhead leaves room for multipart framing and text fields on top of the file limit.
	formOverhead = 1 << 20
)

// JobService is the part of the orchestrator the HTTP layer needs.
type JobService interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*jobs.Job, error)
	Get(ctx context.Context, id string) (*jobs.Job, error)
}

type Service struct {
	Log          *slog.Logger
	Cfg          *config.Config
	Jobs         JobService
	Uploader     *storage.Uploader
	ArtifactsDir string        // served under /artifacts when set
	EngineState  func() string // circuit breaker state reported by /healthz when set
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	return &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      svc.Routes(),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
}

// Routes returns the router serving the public API.
func (svc *Service) Routes() http.Handler {
	log := svc.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoveryMiddleware(log))
	r.Use(loggingMiddleware(log))

	r.Get(common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		body := map[string]string{"status": "ok"}
		if svc.EngineState != nil {
			body["engine"] = svc.EngineState()
		}
		writeJSON(w, http.StatusOK, body)
	})

	r.Group(func(r chi.Router) {
		r.Use(apiKeyMiddleware(svc.Cfg.Server.APIKey, log))
		limit := safeInt64(svc.Cfg.Server.MaxUploadSize)
		if limit > 0 && limit < math.MaxInt64-formOverhead {
			limit += formOverhead
		}
		r.With(bodyLimitMiddleware(limit)).Post(common.PathJobs, svc.handleCreateJob)
		r.Get(common.PathJobs+"/{id}", svc.handleGetJob)
	})

	if svc.ArtifactsDir != "" {
		files := http.StripPrefix(common.PathArtifacts+"/", http.FileServer(http.Dir(svc.ArtifactsDir)))
		r.Get(common.PathArtifacts+"/*", func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/") {
				writeError(w, http.StatusNotFound, "not found", codeNotFound)
				return
			}
			files.ServeHTTP(w, r)
		})
	}
	return r
}

type createJobRequest struct {
	InputRef    string `json:"input_ref"`
	Prompt      string `json:"prompt"`
	CallbackURL string `json:"callback_url"`
}

type createJobResponse struct {
	JobID     string      `json:"job_id"`
	Status    jobs.Status `json:"status"`
	StatusURL string      `json:"status_url"`
}

type errorResponse struct {
	Error      string   `json:"error"`
	Code       string   `json:"code"`
	Violations []string `json:"violations,omitempty"`
	JobID      string   `json:"job_id,omitempty"`
}

func (svc *Service) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil && r.Header.Get("Content-Type") != "" {
		writeError(w, http.StatusUnsupportedMediaType, "invalid content type", codeUnsupportedMedia)
		return
	}

	var req orchestrator.SubmitRequest
	cleanup := func() error { return nil }
	switch mediaType {
	case common.ContentTypeMultipart:
		var ok bool
		req, cleanup, ok = svc.readMultipart(w, r)
		if !ok {
			return
		}
	case common.ContentTypeJSON, "":
		var body createJobRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			if isTooLarge(err) {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large", codeTooLarge)
				return
			}
			writeValidation(w, "invalid JSON body")
			return
		}
		req = orchestrator.SubmitRequest{
			InputRef:    strings.TrimSpace(body.InputRef),
			Prompt:      body.Prompt,
			CallbackURL: strings.TrimSpace(body.CallbackURL),
		}
	default:
		writeError(w, http.StatusUnsupportedMediaType, "use multipart/form-data or application/json", codeUnsupportedMedia)
		return
	}

	log := svc.logger(r)
	job, err := svc.Jobs.Submit(r.Context(), req)
	if err != nil {
		switch {
		case failure.Is(err, failure.KindInvalidInput):
			_ = cleanup()
			fe, _ := failure.As(err)
			writeValidation(w, fe.Violations...)
		case failure.CauseOf(err) == failure.CauseQueueFull:
			resp := errorResponse{Error: "queue full, try later", Code: codeQueueFull}
			if job != nil {
				resp.JobID = job.ID
			}
			writeJSON(w, http.StatusServiceUnavailable, resp)
		default:
			if job == nil {
				_ = cleanup()
			}
			log.Error("submit job", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error", codeInternal)
		}
		return
	}

	statusURL := path.Join(common.PathJobs, job.ID)
	w.Header().Set("Location", statusURL)
	writeJSON(w, http.StatusAccepted, createJobResponse{
		JobID:     job.ID,
		Status:    job.Status,
		StatusURL: statusURL,
	})
}

// readMultipart stores the uploaded video, if any, and returns the request
// built from the form. The returned cleanup deletes the stored upload.
func (svc *Service) readMultipart(w http.ResponseWriter, r *http.Request) (orchestrator.SubmitRequest, func() error, bool) {
	noop := func() error { return nil }
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if isTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", codeTooLarge)
		} else {
			writeValidation(w, "invalid multipart form: "+err.Error())
		}
		return orchestrator.SubmitRequest{}, noop, false
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	req := orchestrator.SubmitRequest{
		InputRef:    strings.TrimSpace(r.FormValue(common.FormFieldInputRef)),
		Prompt:      r.FormValue(common.FormFieldPrompt),
		CallbackURL: strings.TrimSpace(r.FormValue(common.FormFieldCallbackURL)),
	}
	files := r.MultipartForm.File[common.FormFieldFile]
	if len(files) == 0 {
		return req, noop, true
	}

	p, cleanup, mimeType, err := svc.Uploader.SaveMultipartVideo(files[0], safeInt64(svc.Cfg.Server.MaxUploadSize))
	if err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "uploaded file too large", codeTooLarge)
		} else {
			writeValidation(w, "file: "+err.Error())
		}
		return orchestrator.SubmitRequest{}, noop, false
	}
	svc.logger(r).Debug("upload stored", "path", p, "mime", mimeType, "size", files[0].Size)
	req.InputRef = p
	return req, cleanup, true
}

func (svc *Service) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := svc.Jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found", codeNotFound)
			return
		}
		svc.logger(r).Error("get job", "job_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", codeInternal)
		return
	}
	writeJSON(w, http.StatusOK, orchestrator.NewJobView(job))
}

func (svc *Service) logger(r *http.Request) *slog.Logger {
	log := svc.Log
	if log == nil {
		log = slog.Default()
	}
	return log.With("request_id", RequestID(r.Context()))
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func writeValidation(w http.ResponseWriter, violations ...string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Error:      "invalid input",
		Code:       codeInvalidInput,
		Violations: violations,
	})
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}
