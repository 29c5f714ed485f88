// Package orchestrator drives edit jobs through parse, process and publish.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jo-hoe/vidprompt/internal/actions"
	"github.com/jo-hoe/vidprompt/internal/engine"
	"github.com/jo-hoe/vidprompt/internal/failure"
	"github.com/jo-hoe/vidprompt/internal/jobs"
	"github.com/jo-hoe/vidprompt/internal/llm"
	"github.com/jo-hoe/vidprompt/internal/logging"
	"github.com/jo-hoe/vidprompt/internal/publish"
	"github.com/jo-hoe/vidprompt/internal/storage"
)

// Enqueuer accepts work for asynchronous processing.
type Enqueuer interface {
	Enqueue(item jobs.WorkItem) error
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Log       *slog.Logger
	Store     jobs.Store
	Parser    llm.Parser
	Engine    engine.Client
	Publisher publish.Publisher
	WorkDir   *storage.WorkDir
	Queue     Enqueuer
}

// Options tune pipeline side effects and recovery.
type Options struct {
	CallbackRetries  int
	CallbackBackoff  time.Duration
	CallbackTimeout  time.Duration
	CleanupProcessed bool
	RecoveryPolicy   string        // fail|resume
	RecoveryGrace    time.Duration // minimum idle time before a job counts as stranded
}

// Orchestrator implements jobs.Processor and owns every status transition.
type Orchestrator struct {
	log        *slog.Logger
	store      jobs.Store
	parser     llm.Parser
	engine     engine.Client
	publisher  publish.Publisher
	workDir    *storage.WorkDir
	queue      Enqueuer
	opts       Options
	httpClient *http.Client
	now        func() time.Time

	mu     sync.Mutex
	claims map[string]bool // job id -> running; false while waiting in the queue
}

var _ jobs.Processor = (*Orchestrator)(nil)

func New(deps Deps, opts Options) *Orchestrator {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	if opts.CallbackRetries <= 0 {
		opts.CallbackRetries = 3
	}
	if opts.CallbackBackoff <= 0 {
		opts.CallbackBackoff = 2 * time.Second
	}
	if opts.CallbackTimeout <= 0 {
		opts.CallbackTimeout = 10 * time.Second
	}
	if opts.RecoveryPolicy == "" {
		opts.RecoveryPolicy = PolicyFail
	}
	return &Orchestrator{
		log:        logging.WithComponent(log, "orchestrator"),
		store:      deps.Store,
		parser:     deps.Parser,
		engine:     deps.Engine,
		publisher:  deps.Publisher,
		workDir:    deps.WorkDir,
		queue:      deps.Queue,
		opts:       opts,
		httpClient: &http.Client{},
		now:        func() time.Time { return time.Now().UTC() },
		claims:     make(map[string]bool),
	}
}

// SubmitRequest is a validated-on-entry edit request.
type SubmitRequest struct {
	InputRef    string
	Prompt      string
	CallbackURL string
}

// Submit validates req, persists a PENDING job and schedules it. It returns
// before any pipeline step runs. Invalid input creates no job.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*jobs.Job, error) {
	if violations := validateSubmission(req); len(violations) > 0 {
		return nil, failure.InvalidInput(violations...)
	}

	now := o.now()
	job := &jobs.Job{
		ID:        uuid.NewString(),
		InputRef:  req.InputRef,
		Prompt:    req.Prompt,
		Status:    jobs.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.CallbackURL != "" {
		cb := req.CallbackURL
		job.CallbackURL = &cb
	}
	if err := o.store.Create(ctx, job); err != nil {
		return nil, failure.Internal(failure.CauseStore, err, "create job")
	}
	log := logging.WithJobID(o.log, job.ID)

	o.claim(job.ID)
	if err := o.queue.Enqueue(jobs.WorkItem{JobID: job.ID}); err != nil {
		o.release(job.ID)
		qerr := failure.Internal(failure.CauseQueueFull, err, "work queue rejected job")
		failed, ferr := o.fail(ctx, job.ID, qerr)
		if ferr != nil {
			log.Error("record enqueue failure", "err", ferr)
			return nil, qerr
		}
		log.Warn("job rejected by work queue", "err", err)
		return failed, qerr
	}
	log.Info("job accepted", "input_ref", job.InputRef)
	return job.Clone(), nil
}

// Get returns the current job record.
func (o *Orchestrator) Get(ctx context.Context, id string) (*jobs.Job, error) {
	return o.store.Get(ctx, id)
}

// Process runs the pipeline for one job, resuming from the furthest
// persisted step. Cancellation of ctx leaves the job non-terminal. A panic in
// any step fails the job as internal_failure.
func (o *Orchestrator) Process(ctx context.Context, item jobs.WorkItem) (err error) {
	if !o.start(item.JobID) {
		return fmt.Errorf("job %s is already in flight", item.JobID)
	}
	defer o.release(item.JobID)

	log := logging.WithJobID(o.log, item.JobID)
	defer func() {
		if rec := recover(); rec != nil {
			err = o.failPanic(ctx, log, item.JobID, rec)
		}
	}()

	job, err := o.store.Get(ctx, item.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() {
		log.Debug("job already finished", "status", job.Status)
		return nil
	}

	for !job.Status.Terminal() {
		var stepErr error
		job, stepErr = o.step(ctx, log, job)
		if stepErr == nil {
			continue
		}
		if ctx.Err() != nil {
			log.Warn("pipeline interrupted; job left for recovery", "status", job.Status, "err", stepErr)
			return ctx.Err()
		}
		if errors.Is(stepErr, jobs.ErrInvalidTransition) || errors.Is(stepErr, jobs.ErrActionsAlreadySet) {
			// another writer moved the job on; never overwrite it
			log.Warn("job changed underneath pipeline", "err", stepErr)
			return stepErr
		}
		failed, ferr := o.fail(ctx, job.ID, stepErr)
		if ferr != nil {
			return fmt.Errorf("record failure %q: %w", failure.Reason(stepErr), ferr)
		}
		log.Error("job failed", "failure_kind", failure.KindOf(stepErr), "reason", failure.Reason(stepErr))
		o.notify(ctx, failed)
		return stepErr
	}

	if job.Status == jobs.StatusCompleted {
		if o.opts.CleanupProcessed && job.ProcessedRef != nil {
			if err := o.workDir.Remove(*job.ProcessedRef); err != nil {
				log.Warn("remove processed artifact", "path", *job.ProcessedRef, "err", err)
			}
		}
		log.Info("job completed", "output_ref", *job.OutputRef)
	}
	o.notify(ctx, job)
	return nil
}

// step performs the next pipeline step and persists its outcome.
func (o *Orchestrator) step(ctx context.Context, log *slog.Logger, job *jobs.Job) (*jobs.Job, error) {
	switch {
	case job.Status == jobs.StatusPending:
		return o.parse(ctx, log, job)
	case job.ParsedActions == nil:
		return job, failure.Internal(failure.CauseStore, nil, "processing job has no parsed actions")
	case job.ProcessedRef == nil || !fileExists(*job.ProcessedRef):
		return o.render(ctx, log, job)
	default:
		return o.publish(ctx, log, job)
	}
}

func (o *Orchestrator) parse(ctx context.Context, log *slog.Logger, job *jobs.Job) (*jobs.Job, error) {
	start := time.Now()
	list, err := o.parser.ParsePrompt(ctx, job.Prompt)
	if err != nil {
		return job, asKind(err, failure.KindParse, failure.CauseLLMCall, "prompt parsing failed")
	}
	if err := actions.ValidateAll(list); err != nil {
		return job, failure.Parse(failure.CauseSchema, err, "parser returned an invalid plan")
	}
	next, err := o.store.Update(ctx, job.ID, func(j *jobs.Job) error {
		if err := j.SetActions(list); err != nil {
			return err
		}
		return j.Advance(jobs.StatusProcessing, o.now())
	})
	if err != nil {
		return job, err
	}
	log.Info("prompt parsed", "actions", len(list), "duration", time.Since(start))
	return next, nil
}

func (o *Orchestrator) render(ctx context.Context, log *slog.Logger, job *jobs.Job) (*jobs.Job, error) {
	start := time.Now()
	res, err := o.engine.Process(ctx, engine.Request{
		JobID:    job.ID,
		InputRef: job.InputRef,
		Actions:  job.ParsedActions,
	})
	if err != nil {
		return job, asKind(err, failure.KindProcessing, failure.CauseTransport, "processing failed")
	}
	if res.LocalPath == "" {
		return job, failure.Internal(failure.CauseMalformedResponse, nil, "engine returned no local output")
	}
	next, err := o.store.Update(ctx, job.ID, func(j *jobs.Job) error {
		p := res.LocalPath
		j.ProcessedRef = &p
		return nil
	})
	if err != nil {
		return job, err
	}
	log.Info("video processed", "output", res.OutputRef, "duration", time.Since(start))
	return next, nil
}

func (o *Orchestrator) publish(ctx context.Context, log *slog.Logger, job *jobs.Job) (*jobs.Job, error) {
	start := time.Now()
	local := *job.ProcessedRef
	ref, err := o.publisher.Publish(ctx, local, job.ID+filepath.Ext(local))
	if err != nil {
		return job, asKind(err, failure.KindPublish, failure.CauseUpload, "publishing failed")
	}
	next, err := o.store.Update(ctx, job.ID, func(j *jobs.Job) error {
		return j.Complete(ref, o.now())
	})
	if err != nil {
		return job, err
	}
	log.Info("artifact published", "output_ref", ref, "duration", time.Since(start))
	return next, nil
}

// fail records err on the job. The processed artifact reference is kept.
func (o *Orchestrator) fail(ctx context.Context, id string, err error) (*jobs.Job, error) {
	kind := failure.KindOf(err)
	reason := failure.Reason(err)
	return o.store.Update(ctx, id, func(j *jobs.Job) error {
		return j.Fail(kind, reason, o.now())
	})
}

// failPanic records a recovered pipeline panic on the job.
func (o *Orchestrator) failPanic(ctx context.Context, log *slog.Logger, id string, rec any) error {
	perr := failure.Internal(failure.CausePanic, nil, "pipeline panicked: %v", rec)
	log.Error("pipeline panicked", "panic", rec, "stack", string(debug.Stack()))
	failed, ferr := o.fail(context.WithoutCancel(ctx), id, perr)
	if ferr != nil {
		return fmt.Errorf("record failure %q: %w", failure.Reason(perr), ferr)
	}
	o.notify(ctx, failed)
	return perr
}

// asKind leaves classified errors alone and classifies the rest as kind.
func asKind(err error, kind failure.Kind, cause, detail string) error {
	if _, ok := failure.As(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return failure.New(kind, cause, detail, err)
}

// InFlight lists the job ids this process has queued or is driving.
func (o *Orchestrator) InFlight() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.claims))
	for id := range o.claims {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// claim reserves id from enqueue until Process returns. It reports false if
// the job is already queued or running here.
func (o *Orchestrator) claim(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.claims[id]; ok {
		return false
	}
	o.claims[id] = false
	return true
}

// start marks id as running. Work items that were never claimed are accepted.
func (o *Orchestrator) start(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.claims[id] {
		return false
	}
	o.claims[id] = true
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.claims, id)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
