package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jo-hoe/vidprompt/internal/actions"
	"github.com/jo-hoe/vidprompt/internal/failure"
)

// Status represents the lifecycle status of an edit job.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrActionsAlreadySet = errors.New("parsed actions already set")
)

// Job describes a single edit request.
type Job struct {
	ID            string           // UUIDv4, immutable
	InputRef      string           // local path or URL of the source video, immutable
	Prompt        string           // original instruction, immutable
	ParsedActions []actions.Action // nil until the parser step succeeds
	ProcessedRef  *string          // local processed artifact, kept when publishing fails
	OutputRef     *string          // published URL, set iff COMPLETED
	Status        Status           // current status
	FailureKind   *failure.Kind    // set iff FAILED
	FailureReason *string          // set iff FAILED
	CallbackURL   *string          // optional terminal notification target
	CreatedAt     time.Time        // creation time
	UpdatedAt     time.Time        // last persisted mutation
	CompletedAt   *time.Time       // when a terminal status was reached
}

// Valid reports whether s is one of the four legal statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions may occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	}
	return -1
}

// CanTransition reports whether s may move to next: strictly forward along
// PENDING -> PROCESSING -> COMPLETED, or from any non-terminal status to FAILED.
func (s Status) CanTransition(next Status) bool {
	if !s.Valid() || !next.Valid() || s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return next.rank() == s.rank()+1
}

// ParseStatus validates a persisted status string.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

// Advance moves the job to next, rejecting regressions and terminal exits.
func (j *Job) Advance(next Status, at time.Time) error {
	if !j.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
	}
	j.Status = next
	j.UpdatedAt = at
	if next.Terminal() {
		t := at
		j.CompletedAt = &t
	}
	return nil
}

// SetActions records the parsed plan. It may be called once.
func (j *Job) SetActions(list []actions.Action) error {
	if j.ParsedActions != nil {
		return ErrActionsAlreadySet
	}
	if list == nil {
		list = []actions.Action{}
	}
	j.ParsedActions = actions.Clone(list)
	return nil
}

// Complete publishes outputRef and marks the job COMPLETED.
func (j *Job) Complete(outputRef string, at time.Time) error {
	if outputRef == "" {
		return errors.New("output reference is required")
	}
	if err := j.Advance(StatusCompleted, at); err != nil {
		return err
	}
	j.OutputRef = &outputRef
	return nil
}

// Fail marks the job FAILED with a non-empty reason.
func (j *Job) Fail(kind failure.Kind, reason string, at time.Time) error {
	if reason == "" {
		reason = string(kind)
	}
	if err := j.Advance(StatusFailed, at); err != nil {
		return err
	}
	j.FailureKind = &kind
	j.FailureReason = &reason
	j.OutputRef = nil
	return nil
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.ParsedActions = actions.Clone(j.ParsedActions)
	c.ProcessedRef = clonePtr(j.ProcessedRef)
	c.OutputRef = clonePtr(j.OutputRef)
	c.FailureKind = clonePtr(j.FailureKind)
	c.FailureReason = clonePtr(j.FailureReason)
	c.CallbackURL = clonePtr(j.CallbackURL)
	c.CompletedAt = clonePtr(j.CompletedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// MutateFunc changes a job in place. Returning an error aborts the write.
type MutateFunc func(job *Job) error

// Store defines persistence for Jobs. Update is a single-record
// read-modify-write keyed by id; no multi-job transactions exist.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, id string, fn MutateFunc) (*Job, error)
	// ListUnfinished returns non-terminal jobs last updated before the cutoff.
	ListUnfinished(ctx context.Context, updatedBefore time.Time) ([]*Job, error)
	Close() error
}

func validateNew(job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if job.ID == "" {
		return errors.New("job.ID is required")
	}
	if job.Status != StatusPending {
		return fmt.Errorf("new job must be %s, got %q", StatusPending, job.Status)
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	return nil
}

// checkMutation enforces invariants a MutateFunc must not break.
func checkMutation(before, after *Job) error {
	if after.ID != before.ID || after.InputRef != before.InputRef || after.Prompt != before.Prompt {
		return errors.New("immutable job fields changed")
	}
	if after.Status != before.Status && !before.Status.CanTransition(after.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, before.Status, after.Status)
	}
	if before.Status.Terminal() && after.Status == before.Status {
		return fmt.Errorf("%w: job is %s", ErrInvalidTransition, before.Status)
	}
	if before.ParsedActions != nil && !sameActions(before.ParsedActions, after.ParsedActions) {
		return ErrActionsAlreadySet
	}
	if (after.OutputRef != nil) != (after.Status == StatusCompleted) {
		return errors.New("output reference must be set iff job is completed")
	}
	if (after.FailureReason != nil) != (after.Status == StatusFailed) {
		return errors.New("failure reason must be set iff job failed")
	}
	return nil
}

func sameActions(a, b []actions.Action) bool {
	if len(a) != len(b) || (a == nil) != (b == nil) {
		return false
	}
	for i := range a {
		if a[i].Kind != b[i].Kind || len(a[i].Parameters) != len(b[i].Parameters) {
			return false
		}
		for k, v := range a[i].Parameters {
			if bv, ok := b[i].Parameters[k]; !ok || bv != v {
				return false
			}
		}
	}
	return true
}
