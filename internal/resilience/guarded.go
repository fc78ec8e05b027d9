package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/lectern/pkg/provider/asyncstt"
)

// GuardedProvider routes the calls of an [asyncstt.Provider] through a
// [CircuitBreaker]. Best-effort deletes bypass the breaker so cleanup never
// keeps it open or gets rejected by it.
type GuardedProvider struct {
	inner asyncstt.Provider
	cb    *CircuitBreaker
}

var _ asyncstt.Provider = (*GuardedProvider)(nil)

// NewGuardedProvider wraps p. When cfg.IsFailure is nil, unknown-job errors
// are treated as caller problems and do not count against the breaker.
func NewGuardedProvider(p asyncstt.Provider, cfg CircuitBreakerConfig) *GuardedProvider {
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool {
			return defaultIsFailure(err) && !errors.Is(err, asyncstt.ErrUnknownJob)
		}
	}
	return &GuardedProvider{inner: p, cb: NewCircuitBreaker(cfg)}
}

// Breaker exposes the underlying breaker for health reporting.
func (g *GuardedProvider) Breaker() *CircuitBreaker { return g.cb }

// UploadFile implements [asyncstt.Provider].
func (g *GuardedProvider) UploadFile(ctx context.Context, localPath string) (string, error) {
	var id string
	err := g.cb.ExecuteContext(ctx, func(ctx context.Context) error {
		var err error
		id, err = g.inner.UploadFile(ctx, localPath)
		return err
	})
	return id, err
}

// CreateTranscription implements [asyncstt.Provider].
func (g *GuardedProvider) CreateTranscription(ctx context.Context, req asyncstt.CreateRequest) (string, error) {
	var id string
	err := g.cb.ExecuteContext(ctx, func(ctx context.Context) error {
		var err error
		id, err = g.inner.CreateTranscription(ctx, req)
		return err
	})
	return id, err
}

// CheckStatus implements [asyncstt.Provider].
func (g *GuardedProvider) CheckStatus(ctx context.Context, providerJobID string) (asyncstt.StatusReport, error) {
	var rep asyncstt.StatusReport
	err := g.cb.ExecuteContext(ctx, func(ctx context.Context) error {
		var err error
		rep, err = g.inner.CheckStatus(ctx, providerJobID)
		return err
	})
	return rep, err
}

// GetResult implements [asyncstt.Provider].
func (g *GuardedProvider) GetResult(ctx context.Context, providerJobID string) ([]asyncstt.Token, error) {
	var toks []asyncstt.Token
	err := g.cb.ExecuteContext(ctx, func(ctx context.Context) error {
		var err error
		toks, err = g.inner.GetResult(ctx, providerJobID)
		return err
	})
	return toks, err
}

// DeleteTranscription implements [asyncstt.Provider].
func (g *GuardedProvider) DeleteTranscription(ctx context.Context, providerJobID string) error {
	return g.inner.DeleteTranscription(ctx, providerJobID)
}

// DeleteFile implements [asyncstt.Provider].
func (g *GuardedProvider) DeleteFile(ctx context.Context, fileID string) error {
	return g.inner.DeleteFile(ctx, fileID)
}
