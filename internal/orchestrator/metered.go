package orchestrator

import (
	"context"
	"time"

	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/pkg/provider/asyncstt"
)

// meteredProvider records latency and outcome of every provider call.
type meteredProvider struct {
	next    asyncstt.Provider
	metrics *observe.Metrics
	name    string
	now     func() time.Time
}

var _ asyncstt.Provider = (*meteredProvider)(nil)

func (p *meteredProvider) record(ctx context.Context, op string, start time.Time, err error) {
	p.metrics.RecordProviderCall(ctx, p.name, op, p.now().Sub(start).Seconds(), err)
}

func (p *meteredProvider) UploadFile(ctx context.Context, localPath string) (string, error) {
	start := p.now()
	id, err := p.next.UploadFile(ctx, localPath)
	p.record(ctx, "upload", start, err)
	return id, err
}

func (p *meteredProvider) CreateTranscription(ctx context.Context, req asyncstt.CreateRequest) (string, error) {
	start := p.now()
	id, err := p.next.CreateTranscription(ctx, req)
	p.record(ctx, "create", start, err)
	return id, err
}

func (p *meteredProvider) CheckStatus(ctx context.Context, providerJobID string) (asyncstt.StatusReport, error) {
	start := p.now()
	rep, err := p.next.CheckStatus(ctx, providerJobID)
	p.record(ctx, "check_status", start, err)
	return rep, err
}

func (p *meteredProvider) GetResult(ctx context.Context, providerJobID string) ([]asyncstt.Token, error) {
	start := p.now()
	toks, err := p.next.GetResult(ctx, providerJobID)
	p.record(ctx, "get_result", start, err)
	return toks, err
}

func (p *meteredProvider) DeleteTranscription(ctx context.Context, providerJobID string) error {
	start := p.now()
	err := p.next.DeleteTranscription(ctx, providerJobID)
	p.record(ctx, "delete_transcription", start, err)
	return err
}

func (p *meteredProvider) DeleteFile(ctx context.Context, fileID string) error {
	start := p.now()
	err := p.next.DeleteFile(ctx, fileID)
	p.record(ctx, "delete_file", start, err)
	return err
}
