// Package mock provides a test double for the asyncstt.Provider interface.
//
// Every method records its arguments and returns the pre-configured response.
// Status checks walk through Statuses in order and keep returning the last
// entry once the list is exhausted, so a test can script
// "queued, processing, completed" in one line.
//
// Example:
//
//	p := &mock.Provider{
//	    Statuses: []asyncstt.StatusReport{
//	        {Status: asyncstt.RemoteProcessing},
//	        {Status: asyncstt.RemoteCompleted},
//	    },
//	    Tokens: tokens,
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/lectern/pkg/provider/asyncstt"
)

// Provider is a mock implementation of asyncstt.Provider.
type Provider struct {
	mu sync.Mutex

	// FileID is returned by UploadFile. Default: "file-1".
	FileID string

	// UploadErr, if non-nil, is returned by UploadFile.
	UploadErr error

	// JobID is returned by CreateTranscription. Default: "remote-1".
	JobID string

	// CreateErr, if non-nil, is returned by CreateTranscription.
	CreateErr error

	// Statuses scripts CheckStatus responses. Empty means always completed.
	Statuses []asyncstt.StatusReport

	// StatusErr, if non-nil, is returned by every CheckStatus call.
	StatusErr error

	// StatusFunc, if set, overrides Statuses and StatusErr. call is the
	// 0-based number of previous CheckStatus calls for providerJobID.
	StatusFunc func(providerJobID string, call int) (asyncstt.StatusReport, error)

	// Tokens is returned by GetResult.
	Tokens []asyncstt.Token

	// ResultErr, if non-nil, is returned by GetResult.
	ResultErr error

	// DeleteTranscriptionErr and DeleteFileErr are returned by the delete
	// methods.
	DeleteTranscriptionErr error
	DeleteFileErr          error

	// --- Call records ---

	UploadCalls              []string
	CreateCalls              []asyncstt.CreateRequest
	StatusCalls              []string
	ResultCalls              []string
	DeleteTranscriptionCalls []string
	DeleteFileCalls          []string

	statusCount map[string]int
}

var _ asyncstt.Provider = (*Provider)(nil)

// UploadFile records the call and returns FileID, UploadErr.
func (p *Provider) UploadFile(_ context.Context, localPath string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.UploadCalls = append(p.UploadCalls, localPath)
	if p.UploadErr != nil {
		return "", p.UploadErr
	}
	if p.FileID == "" {
		return "file-1", nil
	}
	return p.FileID, nil
}

// CreateTranscription records the call and returns JobID, CreateErr.
func (p *Provider) CreateTranscription(_ context.Context, req asyncstt.CreateRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CreateCalls = append(p.CreateCalls, req)
	if p.CreateErr != nil {
		return "", p.CreateErr
	}
	if p.JobID == "" {
		return "remote-1", nil
	}
	return p.JobID, nil
}

// CheckStatus records the call and returns the next scripted status.
func (p *Provider) CheckStatus(ctx context.Context, providerJobID string) (asyncstt.StatusReport, error) {
	p.mu.Lock()
	p.StatusCalls = append(p.StatusCalls, providerJobID)
	if p.statusCount == nil {
		p.statusCount = make(map[string]int)
	}
	call := p.statusCount[providerJobID]
	p.statusCount[providerJobID]++
	fn := p.StatusFunc
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return asyncstt.StatusReport{}, err
	}
	if fn != nil {
		return fn(providerJobID, call)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StatusErr != nil {
		return asyncstt.StatusReport{}, p.StatusErr
	}
	if len(p.Statuses) == 0 {
		return asyncstt.StatusReport{Status: asyncstt.RemoteCompleted}, nil
	}
	return p.Statuses[min(call, len(p.Statuses)-1)], nil
}

// GetResult records the call and returns Tokens, ResultErr.
func (p *Provider) GetResult(_ context.Context, providerJobID string) ([]asyncstt.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ResultCalls = append(p.ResultCalls, providerJobID)
	if p.ResultErr != nil {
		return nil, p.ResultErr
	}
	return p.Tokens, nil
}

// DeleteTranscription records the call and returns DeleteTranscriptionErr.
func (p *Provider) DeleteTranscription(_ context.Context, providerJobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DeleteTranscriptionCalls = append(p.DeleteTranscriptionCalls, providerJobID)
	return p.DeleteTranscriptionErr
}

// DeleteFile records the call and returns DeleteFileErr.
func (p *Provider) DeleteFile(_ context.Context, fileID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DeleteFileCalls = append(p.DeleteFileCalls, fileID)
	return p.DeleteFileErr
}

// Calls returns a snapshot of the number of calls per method. Thread-safe.
func (p *Provider) Calls() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]int{
		"UploadFile":          len(p.UploadCalls),
		"CreateTranscription": len(p.CreateCalls),
		"CheckStatus":         len(p.StatusCalls),
		"GetResult":           len(p.ResultCalls),
		"DeleteTranscription": len(p.DeleteTranscriptionCalls),
		"DeleteFile":          len(p.DeleteFileCalls),
	}
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.UploadCalls = nil
	p.CreateCalls = nil
	p.StatusCalls = nil
	p.ResultCalls = nil
	p.DeleteTranscriptionCalls = nil
	p.DeleteFileCalls = nil
	p.statusCount = nil
}
