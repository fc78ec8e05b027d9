// Package asyncstt defines the Provider interface for asynchronous, file-based
// Speech-to-Text backends.
//
// Unlike streaming recognisers, an async provider works on whole audio files:
// the caller uploads a file, creates a remote transcription job that references
// it, polls the job until it reaches a terminal status, and finally fetches the
// recognised tokens with their timestamps. Remote artifacts are deleted on a
// best-effort basis once the result has been persisted.
//
// Implementations must be safe for concurrent use. Many jobs may be in flight
// against the same provider at once.
package asyncstt

import (
	"context"
	"errors"
)

// ErrUpload classifies failures that happen while transferring the audio file
// to the provider. Implementations wrap it so callers can use [errors.Is].
var ErrUpload = errors.New("asyncstt: upload failed")

// ErrUnknownJob is returned when the provider does not know the requested
// transcription job (for example after it has been deleted remotely).
var ErrUnknownJob = errors.New("asyncstt: unknown transcription job")

// RemoteStatus is the status of a transcription job as reported by the
// provider.
type RemoteStatus string

const (
	RemoteQueued     RemoteStatus = "queued"
	RemoteProcessing RemoteStatus = "processing"
	RemoteCompleted  RemoteStatus = "completed"
	RemoteError      RemoteStatus = "error"
)

// Terminal reports whether s is a final provider status.
func (s RemoteStatus) Terminal() bool {
	return s == RemoteCompleted || s == RemoteError
}

// CreateRequest describes a new remote transcription job.
type CreateRequest struct {
	// FileID is the provider's identifier of a previously uploaded file.
	FileID string

	// LanguageHints lists BCP-47 language codes the audio is expected to
	// contain. Empty lets the provider auto-detect.
	LanguageHints []string

	// SpeakerDiarization asks the provider to attribute tokens to speakers.
	SpeakerDiarization bool

	// Context is free text (book title, author, proper nouns) that biases
	// recognition. May be empty.
	Context string
}

// StatusReport is the result of a status check.
type StatusReport struct {
	Status RemoteStatus

	// ErrorMessage carries the provider's explanation when Status is
	// [RemoteError].
	ErrorMessage string
}

// Token is one recognised word or sub-word with timing.
type Token struct {
	Text    string
	StartMs int64

	// EndMs is nil when the provider did not report an end time.
	EndMs *int64

	// Confidence is in [0, 1]; nil when not reported.
	Confidence *float64

	// Speaker is the diarization label. Empty when diarization is off.
	Speaker string

	// Language is the detected language code of this token. May be empty.
	Language string
}

// End returns the token's end time, falling back to its start when the
// provider omitted it.
func (t Token) End() int64 {
	if t.EndMs == nil {
		return t.StartMs
	}
	return *t.EndMs
}

// Provider is the abstraction over any asynchronous STT backend.
type Provider interface {
	// UploadFile transfers the audio at localPath and returns the provider's
	// file id. Failures wrap [ErrUpload].
	UploadFile(ctx context.Context, localPath string) (fileID string, err error)

	// CreateTranscription starts a remote job and returns its id.
	CreateTranscription(ctx context.Context, req CreateRequest) (providerJobID string, err error)

	// CheckStatus reports the remote job's current status.
	CheckStatus(ctx context.Context, providerJobID string) (StatusReport, error)

	// GetResult fetches the recognised tokens of a completed job in provider
	// order.
	GetResult(ctx context.Context, providerJobID string) ([]Token, error)

	// DeleteTranscription removes the remote job. Best-effort.
	DeleteTranscription(ctx context.Context, providerJobID string) error

	// DeleteFile removes the uploaded file. Best-effort.
	DeleteFile(ctx context.Context, fileID string) error
}
