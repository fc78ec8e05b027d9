// Package job holds the durable model of transcription work: jobs moving
// through their lifecycle, the transcript that a job produces for a track, and
// the transcript's segments.
//
// A [Store] persists all three. Every job mutation is an atomic
// read-compute-write that validates the transition against the lifecycle
// table in transition.go, so two concurrent writers can never skip or reorder
// a job's states.
package job

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrJobNotFound is returned when a mutation targets a job that does not
	// exist.
	ErrJobNotFound = errors.New("job: job not found")

	// ErrTranscriptNotFound is returned when a mutation targets a transcript
	// that does not exist.
	ErrTranscriptNotFound = errors.New("job: transcript not found")

	// ErrInvalidTransition is returned when a status change is not allowed by
	// the lifecycle.
	ErrInvalidTransition = errors.New("job: invalid status transition")
)

// Status is the lifecycle state of a [Job].
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusUploading   Status = "uploading"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCanceled    Status = "canceled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusDownloading, StatusUploading, StatusProcessing,
		StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Terminal reports whether no further automatic transition happens from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// PendingPrefix marks a provider job id that was stored before the remote
// job existed.
const PendingPrefix = "pending-"

// Job tracks one track's transcription request.
type Job struct {
	ID      string `json:"id"`
	TrackID string `json:"track_id"`

	// ProviderJobID is the remote transcription id, or a "pending-" placeholder
	// until the remote job has been created.
	ProviderJobID string `json:"provider_job_id"`

	// ProviderFileID is the id of the uploaded audio, kept so remote cleanup
	// also works after a retry or a restart.
	ProviderFileID string `json:"provider_file_id,omitempty"`

	Status Status `json:"status"`

	// Progress is in [0, 1]. While processing it is an estimate derived from
	// elapsed time, not a measurement.
	Progress *float64 `json:"progress,omitempty"`

	ErrorMessage  string     `json:"error_message,omitempty"`
	RetryCount    int        `json:"retry_count"`
	CreatedAt     time.Time  `json:"created_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// HasRemoteJob reports whether the provider job id refers to a real remote
// job rather than a placeholder.
func (j *Job) HasRemoteJob() bool {
	return j.ProviderJobID != "" && !strings.HasPrefix(j.ProviderJobID, PendingPrefix)
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Progress = cloneFloat(j.Progress)
	c.LastAttemptAt = cloneTime(j.LastAttemptAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

// TranscriptStatus is the state of a [Transcript].
type TranscriptStatus string

const (
	TranscriptPending    TranscriptStatus = "pending"
	TranscriptProcessing TranscriptStatus = "processing"
	TranscriptComplete   TranscriptStatus = "complete"
	TranscriptFailed     TranscriptStatus = "failed"
)

// Transcript is the text produced for one track. There is at most one per
// track; re-transcribing a track reuses it.
type Transcript struct {
	ID            string           `json:"id"`
	TrackID       string           `json:"track_id"`
	CollectionID  string           `json:"collection_id"`
	Language      string           `json:"language,omitempty"`
	FullText      string           `json:"full_text,omitempty"`
	Status        TranscriptStatus `json:"status"`
	ProviderJobID string           `json:"provider_job_id,omitempty"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Segment is a persisted transcript segment.
type Segment struct {
	ID           string   `json:"id"`
	TranscriptID string   `json:"transcript_id"`
	Index        int      `json:"index"`
	StartMs      int64    `json:"start_ms"`
	EndMs        int64    `json:"end_ms"`
	Text         string   `json:"text"`
	Confidence   *float64 `json:"confidence,omitempty"`
	Speaker      string   `json:"speaker,omitempty"`
	Language     string   `json:"language,omitempty"`
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
