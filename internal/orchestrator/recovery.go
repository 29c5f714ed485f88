package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/jo-hoe/vidprompt/internal/failure"
	"github.com/jo-hoe/vidprompt/internal/jobs"
	"github.com/jo-hoe/vidprompt/internal/logging"
)

// Recovery policies for stranded jobs.
const (
	PolicyFail   = "fail"
	PolicyResume = "resume"
)

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Scanned int      `json:"scanned"`
	Failed  int      `json:"failed"`
	Resumed int      `json:"resumed"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// Reconcile resolves non-terminal jobs that this process neither holds in its
// queue nor is driving, and that have been idle for longer than the grace period.
func (o *Orchestrator) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	stranded, err := o.store.ListUnfinished(ctx, o.now().Add(-o.opts.RecoveryGrace))
	if err != nil {
		return report, fmt.Errorf("list unfinished jobs: %w", err)
	}
	report.Scanned = len(stranded)

	for _, job := range stranded {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		log := logging.WithJobID(o.log, job.ID)
		if !o.claim(job.ID) {
			report.Skipped++
			continue
		}

		switch o.opts.RecoveryPolicy {
		case PolicyResume:
			if err := o.queue.Enqueue(jobs.WorkItem{JobID: job.ID}); err != nil {
				o.release(job.ID)
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", job.ID, err))
				log.Warn("could not resume stranded job", "err", err)
				continue
			}
			report.Resumed++
			log.Info("stranded job resumed", "status", job.Status)
		default:
			abandoned := failure.Internal(failure.CauseAbandoned, nil, "job was interrupted while %s", job.Status)
			failed, err := o.fail(ctx, job.ID, abandoned)
			o.release(job.ID)
			if err != nil {
				if errors.Is(err, jobs.ErrInvalidTransition) {
					// finished in the meantime
					report.Skipped++
					continue
				}
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", job.ID, err))
				log.Warn("could not fail stranded job", "err", err)
				continue
			}
			report.Failed++
			log.Info("stranded job failed", "previous_status", job.Status)
			o.notify(ctx, failed)
		}
	}
	return report, nil
}

// StartRecovery runs Reconcile on the given cron schedule until the returned
// stop function is called. An empty schedule disables the periodic scan.
func (o *Orchestrator) StartRecovery(ctx context.Context, schedule string) (func(), error) {
	if schedule == "" {
		return func() {}, nil
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		report, err := o.Reconcile(ctx)
		if err != nil {
			o.log.Error("scheduled reconcile failed", "err", err)
			return
		}
		if report.Failed+report.Resumed > 0 || len(report.Errors) > 0 {
			o.log.Info("scheduled reconcile", "scanned", report.Scanned, "failed", report.Failed,
				"resumed", report.Resumed, "skipped", report.Skipped, "errors", len(report.Errors))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid recovery schedule %q: %w", schedule, err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}
