package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lectern/internal/events"
	"github.com/MrWong99/lectern/internal/job"
	"github.com/MrWong99/lectern/internal/observe"
)

// Retry re-runs a failed job. It fails with [ErrRetryLimit] without waiting
// or writing anything when the job has used all its retries. Otherwise it
// waits for the backoff delay, resets the job to queued and polls the
// already known remote transcription again.
//
// A failure during the retried run is recorded once by the failure path and
// returned as is.
func (o *Orchestrator) Retry(ctx context.Context, jobID string) error {
	j, runCtx, release, err := o.prepareRetry(ctx, jobID)
	if err != nil {
		return err
	}
	defer release()
	return o.retry(runCtx, j)
}

// RetryAsync checks Retry's preconditions synchronously and runs the rest in
// the background. Errors returned are the same precondition errors as Retry.
func (o *Orchestrator) RetryAsync(ctx context.Context, jobID string) error {
	bg, stop := o.background(ctx)
	j, runCtx, release, err := o.prepareRetry(bg, jobID)
	if err != nil {
		stop()
		return err
	}
	o.goDrive(runCtx, j, stop, release, o.retry)
	return nil
}

func (o *Orchestrator) prepareRetry(ctx context.Context, jobID string) (*job.Job, context.Context, func(), error) {
	j, err := o.loadJob(ctx, jobID)
	if err != nil {
		return nil, nil, nil, err
	}
	if max := o.Config().MaxRetries; j.RetryCount >= max {
		return nil, nil, nil, fmt.Errorf("%w: job %s failed %d times (max %d)", ErrRetryLimit, j.ID, j.RetryCount, max)
	}
	if j.Status != job.StatusFailed {
		return nil, nil, nil, fmt.Errorf("%w: job %s is %s, not failed", job.ErrInvalidTransition, j.ID, j.Status)
	}
	if !j.HasRemoteJob() {
		return nil, nil, nil, fmt.Errorf("%w: %s must be transcribed again", ErrNoRemoteJob, j.ID)
	}
	if !o.Configured(ctx) {
		return nil, nil, nil, ErrNotConfigured
	}
	runCtx, release, err := o.acquire(ctx, j.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	return j, runCtx, release, nil
}

func (o *Orchestrator) retry(ctx context.Context, j *job.Job) error {
	o.metrics.Retries.Add(ctx, 1)
	delay := o.Config().Backoff.Delay(max(j.RetryCount-1, 0))
	observe.Logger(ctx).Info("retrying transcription job", "job_id", j.ID, "attempt", j.RetryCount+1, "delay", delay)
	if err := o.sleep(ctx, delay); err != nil {
		return err
	}

	if err := o.store.ResetForRetry(ctx, j.ID); err != nil {
		return fmt.Errorf("orchestrator: reset job: %w", err)
	}
	j.Status = job.StatusQueued
	j.ErrorMessage = ""
	j.Progress = nil
	if err := o.store.UpdateTranscriptStatus(ctx, j.TrackID, job.TranscriptProcessing, j.ProviderJobID, ""); err != nil {
		return fmt.Errorf("orchestrator: update transcript: %w", err)
	}
	return o.drive(ctx, j, "orchestrator.Retry", func(ctx context.Context) error {
		if err := o.step(ctx, j, job.StatusProcessing, progressProcessing); err != nil {
			return err
		}
		if err := o.poll(ctx, j); err != nil {
			return err
		}
		return o.complete(ctx, j)
	})
}

// Resume continues a job from its last durable state after a restart. It
// never uploads again or creates a second remote transcription. A job that
// was interrupted before its remote transcription existed is marked failed
// and [ErrNoRemoteJob] is returned. Resuming a completed job is a no-op.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) error {
	j, runCtx, release, err := o.prepareResume(ctx, jobID)
	if err != nil || j == nil {
		return err
	}
	defer release()
	return o.resume(runCtx, j)
}

// ResumeAsync checks Resume's preconditions synchronously and continues the
// job in the background.
func (o *Orchestrator) ResumeAsync(ctx context.Context, jobID string) error {
	bg, stop := o.background(ctx)
	j, runCtx, release, err := o.prepareResume(bg, jobID)
	if err != nil || j == nil {
		stop()
		return err
	}
	o.goDrive(runCtx, j, stop, release, o.resume)
	return nil
}

// prepareResume returns a nil job when there is nothing to do.
func (o *Orchestrator) prepareResume(ctx context.Context, jobID string) (*job.Job, context.Context, func(), error) {
	j, err := o.loadJob(ctx, jobID)
	if err != nil {
		return nil, nil, nil, err
	}
	switch j.Status {
	case job.StatusCompleted:
		return nil, nil, nil, nil
	case job.StatusFailed, job.StatusCanceled:
		return nil, nil, nil, fmt.Errorf("%w: job %s is %s", job.ErrInvalidTransition, j.ID, j.Status)
	}

	runCtx, release, err := o.acquire(ctx, j.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	if !j.HasRemoteJob() {
		err := fmt.Errorf("%w: %s", ErrNoRemoteJob, j.ID)
		if werr := o.markFailed(runCtx, j, "interrupted before the remote transcription was created"); werr != nil {
			err = errors.Join(err, werr)
		}
		release()
		return nil, nil, nil, err
	}
	return j, runCtx, release, nil
}

func (o *Orchestrator) resume(ctx context.Context, j *job.Job) error {
	observe.Logger(ctx).Info("resuming transcription job", "job_id", j.ID, "status", j.Status)
	return o.drive(ctx, j, "orchestrator.Resume", func(ctx context.Context) error {
		// A queued job with a remote transcription only waits for it, like
		// a retry. Interrupted uploads walk forward so no state is skipped.
		path := []job.Status{job.StatusDownloading, job.StatusUploading, job.StatusProcessing}
		if j.Status == job.StatusQueued {
			path = []job.Status{job.StatusProcessing}
		}
		for _, next := range path {
			if !job.CanTransition(j.Status, next) || j.Status == next {
				continue
			}
			if err := o.step(ctx, j, next, progressFor(next)); err != nil {
				return err
			}
		}
		if err := o.store.UpdateTranscriptStatus(ctx, j.TrackID, job.TranscriptProcessing, j.ProviderJobID, ""); err != nil {
			return fmt.Errorf("orchestrator: update transcript: %w", err)
		}
		if err := o.poll(ctx, j); err != nil {
			return err
		}
		return o.complete(ctx, j)
	})
}

func progressFor(s job.Status) float64 {
	switch s {
	case job.StatusDownloading:
		return progressDownloading
	case job.StatusUploading:
		return progressUploading
	default:
		return progressProcessing
	}
}

// ResumeAll resumes every non-terminal job, at most
// Config.MaxConcurrentResumes at a time. A failing job never stops the
// others; all failures are joined into the returned error.
func (o *Orchestrator) ResumeAll(ctx context.Context) error {
	jobs, err := o.store.LoadActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: load active jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}
	observe.Logger(ctx).Info("resuming active jobs", "count", len(jobs))

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(o.Config().MaxConcurrentResumes)
	for _, j := range jobs {
		g.Go(func() error {
			if err := o.Resume(ctx, j.ID); err != nil {
				observe.Logger(ctx).Warn("failed to resume job", "job_id", j.ID, "err", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("job %s: %w", j.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Cancel cancels a queued job. Jobs that have started cannot be canceled,
// and a queued job that is being driven fails with [ErrJobBusy].
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	j, err := o.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	_, release, err := o.acquire(ctx, j.ID)
	if err != nil {
		return err
	}
	defer release()
	if err := o.store.UpdateStatus(ctx, j.ID, job.StatusCanceled, nil); err != nil {
		return fmt.Errorf("orchestrator: cancel job: %w", err)
	}
	j.Status = job.StatusCanceled
	o.publish(events.KindCanceled, j, "")
	return nil
}

// Delete stops any driver of the job, removes its row and, unless it
// completed, deletes its remote artifacts on a best-effort basis.
func (o *Orchestrator) Delete(ctx context.Context, jobID string) error {
	j, err := o.loadJob(ctx, jobID)
	if err != nil {
		return err
	}

	o.activeMu.Lock()
	stop, running := o.active[j.ID]
	o.activeMu.Unlock()
	if running {
		stop()
	}

	if err := o.store.DeleteJob(ctx, j.ID); err != nil {
		return fmt.Errorf("orchestrator: delete job: %w", err)
	}
	if j.Status != job.StatusCompleted {
		o.cleanup(ctx, j)
	}
	o.publish(events.KindDeleted, j, "")
	observe.Logger(ctx).Info("deleted transcription job", "job_id", j.ID, "was_running", running)
	return nil
}

// Sweep removes completed jobs that finished more than retention ago.
func (o *Orchestrator) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := o.store.DeleteCompletedBefore(ctx, o.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("orchestrator: sweep: %w", err)
	}
	if n > 0 {
		observe.Logger(ctx).Info("swept completed jobs", "count", n, "retention", retention)
	}
	return n, nil
}
