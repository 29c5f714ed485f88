package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/vidprompt/internal/actions"
	"github.com/jo-hoe/vidprompt/internal/failure"
	"github.com/jo-hoe/vidprompt/internal/jobs"
)

// strand stores a job that was last touched an hour ago.
func strand(t *testing.T, h *harness, id string, processing bool) {
	t.Helper()
	past := time.Now().Add(-time.Hour).UTC()
	require.NoError(t, h.store.Create(context.Background(), &jobs.Job{
		ID:        id,
		InputRef:  h.input(t),
		Prompt:    "brighter",
		Status:    jobs.StatusPending,
		CreatedAt: past,
		UpdatedAt: past,
	}))
	if !processing {
		return
	}
	_, err := h.store.Update(context.Background(), id, func(j *jobs.Job) error {
		if err := j.SetActions(brighten); err != nil {
			return err
		}
		return j.Advance(jobs.StatusProcessing, past)
	})
	require.NoError(t, err)
}

func TestReconcile_FailsStrandedJobs(t *testing.T) {
	h := newHarness(t, Options{RecoveryPolicy: PolicyFail, RecoveryGrace: time.Minute}, nil)
	strand(t, h, "stale-pending", false)

	fresh, err := h.orch.Submit(context.Background(), SubmitRequest{InputRef: h.input(t), Prompt: "brighter"})
	require.NoError(t, err)

	report, err := h.orch.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Failed)

	got, err := h.store.Get(context.Background(), "stale-pending")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	require.NotNil(t, got.FailureKind)
	assert.Equal(t, failure.KindInternal, *got.FailureKind)
	assert.Contains(t, *got.FailureReason, "abandoned")

	still, err := h.store.Get(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, still.Status)
}

func TestReconcile_ZeroGraceCatchesEveryUnfinishedJob(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	strand(t, h, "a", false)
	strand(t, h, "b", true)
	time.Sleep(5 * time.Millisecond)

	report, err := h.orch.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 2, report.Failed)

	b, err := h.store.Get(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, b.Status)
	assert.Equal(t, brighten, b.ParsedActions, "recovery keeps the parsed plan")
}

func TestReconcile_ResumeReenqueues(t *testing.T) {
	h := newHarness(t, Options{RecoveryPolicy: PolicyResume, RecoveryGrace: time.Minute}, nil)
	strand(t, h, "stale", false)

	report, err := h.orch.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resumed)
	require.Len(t, h.queue.Items(), 1)
	assert.Equal(t, "stale", h.queue.Items()[0].JobID)

	require.NoError(t, h.orch.Process(context.Background(), h.queue.Items()[0]))
	got, err := h.store.Get(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
}

func TestReconcile_ResumeReportsQueueErrors(t *testing.T) {
	h := newHarness(t, Options{RecoveryPolicy: PolicyResume, RecoveryGrace: time.Minute}, func(h *harness) {
		h.queue.err = jobs.ErrQueueFull
	})
	strand(t, h, "stale", false)

	report, err := h.orch.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Resumed)
	assert.Len(t, report.Errors, 1)

	got, err := h.store.Get(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, got.Status)
}

func TestReconcile_SkipsJobsInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	h := newHarness(t, Options{}, func(h *harness) {
		h.parser = func(context.Context, string) ([]actions.Action, error) {
			close(started)
			<-release
			return actions.Clone(brighten), nil
		}
	})
	strand(t, h, "busy", false)

	done := make(chan error, 1)
	go func() { done <- h.orch.Process(context.Background(), jobs.WorkItem{JobID: "busy"}) }()
	<-started
	assert.Equal(t, []string{"busy"}, h.orch.InFlight())

	report, err := h.orch.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Failed)

	close(release)
	require.NoError(t, <-done)
	got, err := h.store.Get(context.Background(), "busy")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
}

func TestStartRecovery(t *testing.T) {
	h := newHarness(t, Options{}, nil)

	stop, err := h.orch.StartRecovery(context.Background(), "")
	require.NoError(t, err)
	stop()

	_, err = h.orch.StartRecovery(context.Background(), "every now and then")
	assert.Error(t, err)

	stop, err = h.orch.StartRecovery(context.Background(), "@every 1h")
	require.NoError(t, err)
	stop()
}

func TestReconcile_LeavesQueuedJobsAlone(t *testing.T) {
	for _, policy := range []string{PolicyFail, PolicyResume} {
		t.Run(policy, func(t *testing.T) {
			h := newHarness(t, Options{RecoveryPolicy: policy, RecoveryGrace: 15 * time.Minute}, nil)
			job, err := h.orch.Submit(context.Background(), SubmitRequest{InputRef: h.input(t), Prompt: "brighter"})
			require.NoError(t, err)
			assert.Equal(t, []string{job.ID}, h.orch.InFlight())

			// the backlog kept the job waiting past the grace period
			h.orch.now = func() time.Time { return time.Now().UTC().Add(20 * time.Minute) }
			report, err := h.orch.Reconcile(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, report.Scanned)
			assert.Equal(t, 1, report.Skipped)
			assert.Zero(t, report.Failed+report.Resumed)
			require.Len(t, h.queue.Items(), 1)

			require.NoError(t, h.orch.Process(context.Background(), h.queue.Items()[0]))
			got, err := h.store.Get(context.Background(), job.ID)
			require.NoError(t, err)
			assert.Equal(t, jobs.StatusCompleted, got.Status)
			assert.Equal(t, 1, h.engine.Calls())
			assert.Empty(t, h.orch.InFlight())
		})
	}
}

func TestReconcile_ResumedJobIsNotResumedTwice(t *testing.T) {
	h := newHarness(t, Options{RecoveryPolicy: PolicyResume, RecoveryGrace: time.Minute}, nil)
	strand(t, h, "stale", false)

	first, err := h.orch.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Resumed)

	second, err := h.orch.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Resumed)
	assert.Equal(t, 1, second.Skipped)
	assert.Len(t, h.queue.Items(), 1)
}
