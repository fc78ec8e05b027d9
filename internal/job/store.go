package job

import (
	"context"
	"time"
)

// Store persists jobs, transcripts and segments. Implementations must be safe
// for concurrent use and must apply every job mutation as one atomic
// read-compute-write so concurrent updates to the same row are never lost.
type Store interface {
	// CreateJob inserts a new job for trackID and returns it.
	CreateJob(ctx context.Context, trackID, providerJobID string, status Status, progress *float64) (*Job, error)

	// LoadJob returns the job with id, or (nil, nil) if it does not exist.
	LoadJob(ctx context.Context, id string) (*Job, error)

	// LoadJobsByTrack returns every job of a track, newest first.
	LoadJobsByTrack(ctx context.Context, trackID string) ([]Job, error)

	// LoadActiveJobs returns every job that is not in a terminal status,
	// oldest first.
	LoadActiveJobs(ctx context.Context) ([]Job, error)

	// UpdateStatus moves the job to status. progress, when non-nil, is
	// clamped to [0, 1] and never decreases.
	UpdateStatus(ctx context.Context, id string, status Status, progress *float64) error

	// SetProviderIDs records the remote file and job ids. Empty arguments
	// leave the stored value unchanged.
	SetProviderIDs(ctx context.Context, id, providerFileID, providerJobID string) error

	// MarkCompleted moves a processing job to completed and stamps its
	// completion time.
	MarkCompleted(ctx context.Context, id string) error

	// MarkFailed moves a non-terminal job to failed, records message and
	// increments its retry count.
	MarkFailed(ctx context.Context, id, message string) error

	// ResetForRetry moves a failed job back to queued and clears its error.
	ResetForRetry(ctx context.Context, id string) error

	// DeleteJob removes a job. Deleting a missing job is not an error.
	DeleteJob(ctx context.Context, id string) error

	// DeleteCompletedBefore removes completed jobs finished before cutoff and
	// returns how many were removed.
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// EnsureTranscript returns the track's transcript, creating a pending one
	// if none exists.
	EnsureTranscript(ctx context.Context, trackID, collectionID, language string) (*Transcript, error)

	// LoadTranscript returns the track's transcript, or (nil, nil).
	LoadTranscript(ctx context.Context, trackID string) (*Transcript, error)

	// UpdateTranscriptStatus sets the transcript's status. Non-empty
	// providerJobID replaces the stored one; message replaces the error text.
	UpdateTranscriptStatus(ctx context.Context, trackID string, status TranscriptStatus, providerJobID, message string) error

	// SaveTranscript replaces the transcript's segments, stores its full text
	// and marks it complete, all in one atomic unit.
	SaveTranscript(ctx context.Context, transcriptID string, segments []Segment, fullText string) error

	// LoadSegments returns a transcript's segments ordered by index.
	LoadSegments(ctx context.Context, transcriptID string) ([]Segment, error)
}
