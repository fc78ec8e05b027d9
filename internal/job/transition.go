package job

import (
	"fmt"
	"slices"
	"time"
)

// transitions lists the allowed target states per source state. Self
// transitions of non-terminal states (progress refreshes) are always allowed.
var transitions = map[Status][]Status{
	StatusQueued:      {StatusDownloading, StatusUploading, StatusProcessing, StatusFailed, StatusCanceled},
	StatusDownloading: {StatusUploading, StatusFailed},
	StatusUploading:   {StatusProcessing, StatusFailed},
	StatusProcessing:  {StatusCompleted, StatusFailed},
	StatusFailed:      {StatusQueued},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.Terminal()
	}
	return slices.Contains(transitions[from], to)
}

func checkTransition(j *Job, to Status) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: job %s %s -> %s", ErrInvalidTransition, j.ID, j.Status, to)
	}
	return nil
}

// applyStatus moves j to a non-terminal or canceled status. Completion,
// failure and retry resets each have their own function so that their side
// effects cannot be triggered through a plain status update.
func applyStatus(j *Job, to Status, progress *float64, now time.Time) error {
	switch to {
	case StatusCompleted, StatusFailed:
		return fmt.Errorf("%w: job %s: %s requires a dedicated mark operation", ErrInvalidTransition, j.ID, to)
	}
	if j.Status == StatusFailed && to == StatusQueued {
		return fmt.Errorf("%w: job %s: failed -> queued requires a retry reset", ErrInvalidTransition, j.ID)
	}
	if !to.Valid() {
		return fmt.Errorf("%w: job %s: unknown status %q", ErrInvalidTransition, j.ID, to)
	}
	if err := checkTransition(j, to); err != nil {
		return err
	}

	if j.Status != to && (to == StatusUploading || to == StatusProcessing) {
		j.LastAttemptAt = &now
	}
	j.Status = to
	if progress != nil {
		j.Progress = clampProgress(j.Progress, *progress)
	}
	return nil
}

func applyCompleted(j *Job, now time.Time) error {
	if err := checkTransition(j, StatusCompleted); err != nil {
		return err
	}
	one := 1.0
	j.Status = StatusCompleted
	j.Progress = &one
	j.ErrorMessage = ""
	j.CompletedAt = &now
	return nil
}

func applyFailed(j *Job, message string, now time.Time) error {
	if err := checkTransition(j, StatusFailed); err != nil {
		return err
	}
	j.Status = StatusFailed
	j.ErrorMessage = message
	j.RetryCount++
	j.LastAttemptAt = &now
	return nil
}

func applyReset(j *Job) error {
	if j.Status != StatusFailed {
		return fmt.Errorf("%w: job %s: only failed jobs can be reset (status %s)", ErrInvalidTransition, j.ID, j.Status)
	}
	j.Status = StatusQueued
	j.ErrorMessage = ""
	j.Progress = nil
	return nil
}

// clampProgress bounds p to [0, 1] and never lets it fall below prev.
func clampProgress(prev *float64, p float64) *float64 {
	p = max(0, min(1, p))
	if prev != nil && p < *prev {
		p = *prev
	}
	return &p
}
