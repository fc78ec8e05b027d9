package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/lectern/internal/job"
	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/pkg/provider/asyncstt"
)

// Progress bounds while the remote job is processing.
const (
	pollProgressMin = 0.3
	pollProgressMax = 0.9
)

// Poll checks the job's remote transcription until it reaches a terminal
// status. It returns nil once the remote job has completed; fetching and
// saving the result is left to the caller. A remote error marks the job
// failed and is returned as a [*ProviderError]. [ErrPollTimeout] is returned
// without touching the job.
func (o *Orchestrator) Poll(ctx context.Context, jobID string) error {
	j, err := o.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !j.HasRemoteJob() {
		return fmt.Errorf("%w: %s", ErrNoRemoteJob, j.ID)
	}
	if j.Status != job.StatusProcessing {
		return fmt.Errorf("%w: job %s is %s, not processing", job.ErrInvalidTransition, j.ID, j.Status)
	}
	runCtx, release, err := o.acquire(ctx, j.ID)
	if err != nil {
		return err
	}
	defer release()
	if err := o.poll(runCtx, j); err != nil {
		return o.abort(runCtx, j, err)
	}
	return nil
}

// poll is the loop behind Poll. It never records a failure itself; callers
// pass its error through abort.
func (o *Orchestrator) poll(ctx context.Context, j *job.Job) error {
	cfg := o.Config()
	log := observe.Logger(ctx).With("job_id", j.ID, "provider_job_id", j.ProviderJobID)
	start := o.now()

	for {
		rep, err := o.provider.CheckStatus(ctx, j.ProviderJobID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, asyncstt.ErrUnknownJob) {
				err = &ProviderError{JobID: j.ID, Message: "remote transcription no longer exists"}
			} else {
				err = fmt.Errorf("orchestrator: check status: %w", err)
			}
			return err
		}
		o.metrics.RecordPoll(ctx, string(rep.Status))

		switch rep.Status {
		case asyncstt.RemoteCompleted:
			log.Debug("remote transcription completed")
			return nil
		case asyncstt.RemoteError:
			msg := rep.ErrorMessage
			if msg == "" {
				msg = "unknown provider error"
			}
			return &ProviderError{JobID: j.ID, Message: msg}
		}

		elapsed := o.now().Sub(start)
		if elapsed >= cfg.PollTimeout {
			log.Warn("remote transcription did not finish in time", "timeout", cfg.PollTimeout)
			return fmt.Errorf("%w after %s", ErrPollTimeout, cfg.PollTimeout)
		}

		estimate := pollProgressMin + (pollProgressMax-pollProgressMin)*elapsed.Seconds()/cfg.PollTimeout.Seconds()
		estimate = max(pollProgressMin, min(pollProgressMax, estimate))
		if err := o.step(ctx, j, job.StatusProcessing, estimate); err != nil {
			return err
		}

		if err := o.sleep(ctx, cfg.PollInterval); err != nil {
			return err
		}
	}
}
