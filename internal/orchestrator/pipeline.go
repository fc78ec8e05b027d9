package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/lectern/internal/events"
	"github.com/MrWong99/lectern/internal/job"
	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/internal/segment"
	"github.com/MrWong99/lectern/pkg/provider/asyncstt"
)

// Progress reported on entering each pre-processing stage.
const (
	progressDownloading = 0.05
	progressUploading   = 0.15
	progressProcessing  = 0.3
)

// cleanupTimeout bounds best-effort deletion of remote artifacts.
const cleanupTimeout = 30 * time.Second

// Request asks for one track to be transcribed.
type Request struct {
	TrackID      string
	CollectionID string
	Source       AudioSource

	// LanguageHints and Context override the configured defaults when set.
	LanguageHints []string
	Context       string

	// JobID restarts an existing queued or failed job instead of creating a
	// new one.
	JobID string
}

// Begin runs the whole pipeline for req and returns the job in its final
// state. On failure the job and its transcript are marked failed once and
// the error is returned. When ctx is canceled, or polling times out with
// [ErrPollTimeout], nothing further is written and the job keeps its last
// durable state.
func (o *Orchestrator) Begin(ctx context.Context, req Request) (*job.Job, error) {
	j, runCtx, release, err := o.prepare(ctx, ctx, req)
	if err != nil {
		if j != nil {
			j = o.reload(ctx, j)
		}
		return j, err
	}
	defer release()

	err = o.run(runCtx, j, req)
	return o.reload(ctx, j), err
}

// reload returns the stored row of j, or j itself when it cannot be read.
func (o *Orchestrator) reload(ctx context.Context, j *job.Job) *job.Job {
	final, err := o.store.LoadJob(context.WithoutCancel(ctx), j.ID)
	if err != nil || final == nil {
		return j
	}
	return final
}

// Submit prepares the job like Begin but continues the pipeline in the
// background. The returned job is in its first durable state. Background
// work stops on [Orchestrator.Close] or when the job is deleted.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*job.Job, error) {
	bg, stop := o.background(ctx)
	j, runCtx, release, err := o.prepare(ctx, bg, req)
	if err != nil {
		stop()
		return j, err
	}
	// The driver mutates its copy as it advances; the caller keeps j.
	o.goDrive(runCtx, j.Clone(), stop, release, func(ctx context.Context, j *job.Job) error {
		return o.run(ctx, j, req)
	})
	return j, nil
}

// background derives a context for work that outlives the request: it keeps
// ctx's values but is canceled only by stop or [Orchestrator.Close].
func (o *Orchestrator) background(ctx context.Context) (context.Context, func()) {
	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopAfter := context.AfterFunc(o.base, cancel)
	return bg, func() {
		stopAfter()
		cancel()
	}
}

// goDrive runs fn for j in a tracked goroutine and releases everything when
// it returns.
func (o *Orchestrator) goDrive(ctx context.Context, j *job.Job, stop, release func(), fn func(context.Context, *job.Job) error) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer stop()
		defer release()
		if err := fn(ctx, j); err != nil {
			observe.Logger(ctx).Warn("transcription failed", "job_id", j.ID, "track_id", j.TrackID, "err", err)
		}
	}()
}

// prepare validates req, checks the credential and makes sure the transcript
// and job rows exist. On success the job is in status downloading and the
// caller holds its claim: runCtx derives from parent and release must be
// called when the driver is done. Once a job row exists, a failure is
// recorded on it and the job is returned with the error.
func (o *Orchestrator) prepare(ctx, parent context.Context, req Request) (*job.Job, context.Context, func(), error) {
	if req.TrackID == "" {
		return nil, nil, nil, fmt.Errorf("%w: track id is required", ErrInvalidRequest)
	}
	if req.Source == nil {
		return nil, nil, nil, fmt.Errorf("%w: audio source is required", ErrInvalidRequest)
	}
	if !o.Configured(ctx) {
		return nil, nil, nil, ErrNotConfigured
	}

	language := ""
	if hints := o.hints(req); len(hints) > 0 {
		language = hints[0]
	}
	if _, err := o.store.EnsureTranscript(ctx, req.TrackID, req.CollectionID, language); err != nil {
		return nil, nil, nil, fmt.Errorf("orchestrator: ensure transcript: %w", err)
	}

	var (
		j       *job.Job
		runCtx  context.Context
		release func()
		err     error
	)
	if req.JobID != "" {
		// Claim first: a retry may be waiting out its backoff on this job.
		if runCtx, release, err = o.acquire(parent, req.JobID); err != nil {
			return nil, nil, nil, err
		}
		if j, err = o.reuseJob(ctx, req); err != nil {
			release()
			return nil, nil, nil, err
		}
	} else {
		p := progressDownloading
		j, err = o.store.CreateJob(ctx, req.TrackID, job.PendingPrefix+uuid.NewString(), job.StatusDownloading, &p)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("orchestrator: create job: %w", err)
		}
		if runCtx, release, err = o.acquire(parent, j.ID); err != nil {
			return j, nil, nil, err
		}
	}

	if err := o.store.UpdateTranscriptStatus(ctx, req.TrackID, job.TranscriptProcessing, "", ""); err != nil {
		err = o.abort(ctx, j, fmt.Errorf("orchestrator: update transcript: %w", err))
		release()
		return j, nil, nil, err
	}
	o.publish(events.KindStatus, j, "")
	return j, runCtx, release, nil
}

// reuseJob moves an existing queued or failed job back to downloading.
func (o *Orchestrator) reuseJob(ctx context.Context, req Request) (*job.Job, error) {
	j, err := o.loadJob(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	if j.TrackID != req.TrackID {
		return nil, fmt.Errorf("%w: job %s belongs to track %s", ErrInvalidRequest, j.ID, j.TrackID)
	}
	switch j.Status {
	case job.StatusFailed:
		if max := o.Config().MaxRetries; j.RetryCount >= max {
			return nil, fmt.Errorf("%w: job %s failed %d times (max %d)", ErrRetryLimit, j.ID, j.RetryCount, max)
		}
		if err := o.store.ResetForRetry(ctx, j.ID); err != nil {
			return nil, fmt.Errorf("orchestrator: reset job: %w", err)
		}
	case job.StatusQueued:
	default:
		return nil, fmt.Errorf("%w: cannot restart job %s from %s", job.ErrInvalidTransition, j.ID, j.Status)
	}
	p := progressDownloading
	if err := o.store.UpdateStatus(ctx, j.ID, job.StatusDownloading, &p); err != nil {
		return nil, fmt.Errorf("orchestrator: start job: %w", err)
	}
	return o.loadJob(ctx, j.ID)
}

func (o *Orchestrator) hints(req Request) []string {
	if len(req.LanguageHints) > 0 {
		return req.LanguageHints
	}
	return o.Config().LanguageHints
}

// run executes download, upload, remote creation, polling and completion.
func (o *Orchestrator) run(ctx context.Context, j *job.Job, req Request) error {
	return o.drive(ctx, j, "orchestrator.Begin", func(ctx context.Context) error {
		localPath, release, err := req.Source.Resolve(ctx)
		if err != nil {
			return err
		}
		defer release()

		if err := o.step(ctx, j, job.StatusUploading, progressUploading); err != nil {
			return err
		}
		fileID, err := o.provider.UploadFile(ctx, localPath)
		if err != nil {
			return err
		}
		if err := o.store.SetProviderIDs(ctx, j.ID, fileID, ""); err != nil {
			return fmt.Errorf("orchestrator: store file id: %w", err)
		}
		j.ProviderFileID = fileID

		cfg := o.Config()
		remoteCtx := req.Context
		if remoteCtx == "" {
			remoteCtx = cfg.Context
		}
		remoteID, err := o.provider.CreateTranscription(ctx, asyncstt.CreateRequest{
			FileID:             fileID,
			LanguageHints:      o.hints(req),
			SpeakerDiarization: cfg.SpeakerDiarization,
			Context:            remoteCtx,
		})
		if err != nil {
			return fmt.Errorf("orchestrator: create transcription: %w", err)
		}
		if err := o.store.SetProviderIDs(ctx, j.ID, "", remoteID); err != nil {
			return fmt.Errorf("orchestrator: store provider job id: %w", err)
		}
		j.ProviderJobID = remoteID

		if err := o.step(ctx, j, job.StatusProcessing, progressProcessing); err != nil {
			return err
		}
		if err := o.store.UpdateTranscriptStatus(ctx, j.TrackID, job.TranscriptProcessing, remoteID, ""); err != nil {
			return fmt.Errorf("orchestrator: update transcript: %w", err)
		}

		if err := o.poll(ctx, j); err != nil {
			return err
		}
		return o.complete(ctx, j)
	})
}

// drive wraps one pipeline run with a span, metrics and the failure policy:
// an error is recorded on the job exactly once unless ctx was canceled.
func (o *Orchestrator) drive(ctx context.Context, j *job.Job, name string, fn func(ctx context.Context) error) error {
	ctx, span := observe.StartJobSpan(ctx, name, j.ID, j.TrackID)
	defer span.End()

	start := o.now()
	o.metrics.JobsStarted.Add(ctx, 1)

	err := fn(ctx)
	outcome := "completed"
	if err != nil {
		outcome = "failed"
		if ctx.Err() != nil || errors.Is(err, ErrPollTimeout) {
			outcome = "interrupted"
			observe.Logger(ctx).Info("transcription interrupted", "job_id", j.ID, "err", err)
		}
		err = o.abort(ctx, j, err)
		observe.SpanError(span, err)
	}
	o.metrics.RecordJobOutcome(context.WithoutCancel(ctx), outcome, o.now().Sub(start).Seconds())
	return err
}

// abort applies the failure policy to err and returns the error to report.
// A canceled run or a poll timeout leaves the job in its last durable state;
// anything else marks it failed, and a failing write joins err.
func (o *Orchestrator) abort(ctx context.Context, j *job.Job, err error) error {
	if ctx.Err() != nil || errors.Is(err, ErrPollTimeout) {
		return err
	}
	if werr := o.markFailed(ctx, j, failureMessage(err)); werr != nil {
		return errors.Join(err, werr)
	}
	return err
}

// failureMessage is the text stored on a failed job.
func failureMessage(err error) string {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Message
	}
	return err.Error()
}

// markFailed records a failure on the job and then on its transcript. It
// returns the first write that failed.
func (o *Orchestrator) markFailed(ctx context.Context, j *job.Job, message string) error {
	log := observe.Logger(ctx)
	if err := o.store.MarkFailed(ctx, j.ID, message); err != nil {
		log.Error("failed to mark job failed", "job_id", j.ID, "reason", message, "err", err)
		return fmt.Errorf("orchestrator: mark job failed: %w", err)
	}
	j.Status = job.StatusFailed
	j.ErrorMessage = message
	o.publish(events.KindFailed, j, message)
	log.Warn("transcription job failed", "job_id", j.ID, "track_id", j.TrackID, "reason", message)

	if err := o.store.UpdateTranscriptStatus(ctx, j.TrackID, job.TranscriptFailed, "", message); err != nil {
		log.Error("failed to mark transcript failed", "track_id", j.TrackID, "err", err)
		return fmt.Errorf("orchestrator: mark transcript failed: %w", err)
	}
	return nil
}

// step moves the job to status with progress and publishes the change.
func (o *Orchestrator) step(ctx context.Context, j *job.Job, status job.Status, progress float64) error {
	if err := o.store.UpdateStatus(ctx, j.ID, status, &progress); err != nil {
		return fmt.Errorf("orchestrator: move job to %s: %w", status, err)
	}
	j.Status = status
	j.Progress = &progress
	o.publish(events.KindStatus, j, "")
	return nil
}

// complete fetches the tokens, builds and saves the transcript, marks the
// job completed and removes remote artifacts.
func (o *Orchestrator) complete(ctx context.Context, j *job.Job) error {
	tokens, err := o.provider.GetResult(ctx, j.ProviderJobID)
	if err != nil {
		return fmt.Errorf("orchestrator: fetch result: %w", err)
	}

	cfg := o.Config()
	segs := segment.Build(tokens, segment.WithMaxDuration(cfg.MaxSegmentDuration))
	rows := make([]job.Segment, len(segs))
	for i, s := range segs {
		rows[i] = job.Segment{
			Index:      s.Index,
			StartMs:    s.StartMs,
			EndMs:      s.EndMs,
			Text:       s.Text,
			Confidence: s.Confidence,
			Speaker:    s.Speaker,
			Language:   s.Language,
		}
	}

	tr, err := o.store.EnsureTranscript(ctx, j.TrackID, "", "")
	if err != nil {
		return fmt.Errorf("orchestrator: load transcript: %w", err)
	}
	if err := o.store.SaveTranscript(ctx, tr.ID, rows, segment.FullText(segs)); err != nil {
		return fmt.Errorf("orchestrator: save transcript: %w", err)
	}
	if err := o.store.MarkCompleted(ctx, j.ID); err != nil {
		return fmt.Errorf("orchestrator: mark completed: %w", err)
	}
	j.Status = job.StatusCompleted
	done := 1.0
	j.Progress = &done

	o.metrics.SegmentsPerTranscript.Record(ctx, int64(len(rows)))
	o.publish(events.KindCompleted, j, "")
	observe.Logger(ctx).Info("transcription completed",
		"job_id", j.ID, "track_id", j.TrackID, "segments", len(rows), "tokens", len(tokens))

	o.cleanup(ctx, j)
	return nil
}

// cleanup deletes the remote transcription and file. Failures are logged
// and never reported.
func (o *Orchestrator) cleanup(ctx context.Context, j *job.Job) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	log := observe.Logger(ctx)
	if j.HasRemoteJob() {
		if err := o.provider.DeleteTranscription(ctx, j.ProviderJobID); err != nil {
			log.Debug("remote transcription cleanup failed", "job_id", j.ID, "err", err)
		}
	}
	if j.ProviderFileID != "" {
		if err := o.provider.DeleteFile(ctx, j.ProviderFileID); err != nil {
			log.Debug("remote file cleanup failed", "job_id", j.ID, "err", err)
		}
	}
}

// publish emits an event for j when a bus is configured.
func (o *Orchestrator) publish(kind events.Kind, j *job.Job, message string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{
		Kind:     kind,
		JobID:    j.ID,
		TrackID:  j.TrackID,
		Status:   string(j.Status),
		Progress: j.Progress,
		Message:  message,
	})
}
