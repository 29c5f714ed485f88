package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jo-hoe/vidprompt/internal/common"
	"github.com/jo-hoe/vidprompt/internal/jobs"
	"github.com/jo-hoe/vidprompt/internal/logging"
)

// notify posts the terminal job to its callback URL. Delivery failures are
// logged and never change the job.
func (o *Orchestrator) notify(ctx context.Context, job *jobs.Job) {
	if job == nil || job.CallbackURL == nil || *job.CallbackURL == "" || !job.Status.Terminal() {
		return
	}
	if err := o.sendCallbackWithRetry(ctx, *job.CallbackURL, NewJobView(job)); err != nil {
		logging.WithJobID(o.log, job.ID).Warn("callback failed after retries", "err", err)
	}
}

func (o *Orchestrator) sendCallbackWithRetry(ctx context.Context, url string, payload any) error {
	var lastErr error
	for attempt := 1; attempt <= o.opts.CallbackRetries; attempt++ {
		err := o.postJSON(ctx, url, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		// If context was cancelled, stop retries.
		if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return err
		}
		if attempt == o.opts.CallbackRetries {
			break
		}
		// linear backoff
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(time.Duration(attempt) * o.opts.CallbackBackoff):
		}
	}
	return lastErr
}

func (o *Orchestrator) postJSON(ctx context.Context, url string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, o.opts.CallbackTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", common.ContentTypeJSON)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback status %d", resp.StatusCode)
	}
	return nil
}
