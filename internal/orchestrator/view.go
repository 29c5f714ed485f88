package orchestrator

import (
	"path/filepath"
	"time"

	"github.com/jo-hoe/vidprompt/internal/actions"
	"github.com/jo-hoe/vidprompt/internal/engine"
	"github.com/jo-hoe/vidprompt/internal/jobs"
)

// JobView is the JSON representation of a job shared by the status API and
// callback notifications.
type JobView struct {
	ID            string            `json:"id"`
	Status        jobs.Status       `json:"status"`
	Prompt        string            `json:"prompt"`
	InputRef      string            `json:"input_ref"`                // file name only for local inputs
	ParsedActions *[]actions.Action `json:"parsed_actions,omitempty"` // absent until parsed
	OutputRef     *string           `json:"output_ref,omitempty"`
	FailureKind   *string           `json:"failure_kind,omitempty"`
	FailureReason *string           `json:"failure_reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// NewJobView renders job for clients. The processed intermediate and the
// server-side directory of a local input stay internal.
func NewJobView(job *jobs.Job) JobView {
	v := JobView{
		ID:            job.ID,
		Status:        job.Status,
		Prompt:        job.Prompt,
		InputRef:      publicInputRef(job.InputRef),
		OutputRef:     job.OutputRef,
		FailureReason: job.FailureReason,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
		CompletedAt:   job.CompletedAt,
	}
	if job.ParsedActions != nil {
		list := actions.Clone(job.ParsedActions)
		v.ParsedActions = &list
	}
	if job.FailureKind != nil {
		k := string(*job.FailureKind)
		v.FailureKind = &k
	}
	return v
}

func publicInputRef(ref string) string {
	if ref == "" || engine.IsRemoteRef(ref) {
		return ref
	}
	return filepath.Base(ref)
}
