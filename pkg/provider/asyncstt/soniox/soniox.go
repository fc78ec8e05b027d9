// Package soniox provides an asynchronous STT provider backed by the Soniox
// REST API. It implements the asyncstt.Provider interface.
//
// The credential is resolved from a [secret.Source] on every request, so a
// key rotated in the environment takes effect without rebuilding the
// provider.
package soniox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/lectern/internal/secret"
	"github.com/MrWong99/lectern/pkg/provider/asyncstt"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultBaseURL = "https://api.soniox.com"
	defaultModel   = "stt-async-preview"
	defaultTimeout = 5 * time.Minute

	// maxErrorBody bounds how much of an error response is copied into an
	// error message.
	maxErrorBody = 2048
)

// ErrNoCredential is returned when the secret source yields no API key.
var ErrNoCredential = errors.New("soniox: no API key configured")

// Option is a functional option for configuring the Soniox Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL. Used by tests and proxies.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithModel sets the Soniox async model (default "stt-async-preview").
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithHTTPClient replaces the HTTP client. The default client carries
// OpenTelemetry transport instrumentation and a five minute timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.client = c
		}
	}
}

// WithLanguageIdentification toggles per-token language identification.
func WithLanguageIdentification(enabled bool) Option {
	return func(p *Provider) {
		p.languageID = enabled
	}
}

// Provider implements asyncstt.Provider for Soniox.
type Provider struct {
	key        secret.Source
	baseURL    string
	model      string
	client     *http.Client
	languageID bool
}

// Compile-time interface assertion.
var _ asyncstt.Provider = (*Provider)(nil)

// New creates a new Soniox Provider. key must not be nil; whether it yields a
// credential is only checked per request.
func New(key secret.Source, opts ...Option) (*Provider, error) {
	if key == nil {
		return nil, errors.New("soniox: secret source must not be nil")
	}
	p := &Provider{
		key:        key,
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		languageID: true,
		client: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// APIError is a non-2xx response from the Soniox API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("soniox: HTTP %d: %s", e.StatusCode, e.Body)
}

// UploadFile implements asyncstt.Provider. The file is streamed as a
// multipart form without buffering it in memory.
func (p *Provider) UploadFile(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %v", asyncstt.ErrUpload, localPath, err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	defer pr.Close()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(localPath))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	var resp struct {
		ID string `json:"id"`
	}
	if err := p.do(ctx, http.MethodPost, "/v1/files", mw.FormDataContentType(), pr, &resp); err != nil {
		return "", fmt.Errorf("%w: %w", asyncstt.ErrUpload, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: soniox returned no file id", asyncstt.ErrUpload)
	}
	return resp.ID, nil
}

type createBody struct {
	FileID                       string   `json:"file_id"`
	Model                        string   `json:"model"`
	LanguageHints                []string `json:"language_hints,omitempty"`
	EnableSpeakerDiarization     bool     `json:"enable_speaker_diarization"`
	EnableLanguageIdentification bool     `json:"enable_language_identification"`
	Context                      string   `json:"context,omitempty"`
}

// CreateTranscription implements asyncstt.Provider.
func (p *Provider) CreateTranscription(ctx context.Context, req asyncstt.CreateRequest) (string, error) {
	body, err := json.Marshal(createBody{
		FileID:                       req.FileID,
		Model:                        p.model,
		LanguageHints:                req.LanguageHints,
		EnableSpeakerDiarization:     req.SpeakerDiarization,
		EnableLanguageIdentification: p.languageID,
		Context:                      req.Context,
	})
	if err != nil {
		return "", fmt.Errorf("soniox: marshal create request: %w", err)
	}

	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := p.do(ctx, http.MethodPost, "/v1/transcriptions", "application/json", bytes.NewReader(body), &resp); err != nil {
		return "", fmt.Errorf("soniox: create transcription: %w", err)
	}
	if resp.ID == "" {
		return "", errors.New("soniox: create transcription: response has no id")
	}
	return resp.ID, nil
}

// CheckStatus implements asyncstt.Provider. A 404 maps to
// [asyncstt.ErrUnknownJob].
func (p *Provider) CheckStatus(ctx context.Context, providerJobID string) (asyncstt.StatusReport, error) {
	var resp struct {
		Status       string `json:"status"`
		ErrorMessage string `json:"error_message"`
	}
	if err := p.do(ctx, http.MethodGet, "/v1/transcriptions/"+url.PathEscape(providerJobID), "", nil, &resp); err != nil {
		return asyncstt.StatusReport{}, fmt.Errorf("soniox: check status %s: %w", providerJobID, notFound(err))
	}

	report := asyncstt.StatusReport{ErrorMessage: resp.ErrorMessage}
	switch resp.Status {
	case "queued":
		report.Status = asyncstt.RemoteQueued
	case "processing":
		report.Status = asyncstt.RemoteProcessing
	case "completed":
		report.Status = asyncstt.RemoteCompleted
	case "error":
		report.Status = asyncstt.RemoteError
		if report.ErrorMessage == "" {
			report.ErrorMessage = "unknown error"
		}
	default:
		return asyncstt.StatusReport{}, fmt.Errorf("soniox: check status %s: unexpected status %q", providerJobID, resp.Status)
	}
	return report, nil
}

// GetResult implements asyncstt.Provider.
func (p *Provider) GetResult(ctx context.Context, providerJobID string) ([]asyncstt.Token, error) {
	var raw json.RawMessage
	path := "/v1/transcriptions/" + url.PathEscape(providerJobID) + "/transcript"
	if err := p.do(ctx, http.MethodGet, path, "", nil, &raw); err != nil {
		return nil, fmt.Errorf("soniox: get transcript %s: %w", providerJobID, notFound(err))
	}
	return parseTokens(raw)
}

// parseTokens reads the transcript's token array. Speaker labels may arrive
// as strings or numbers, so fields are read loosely.
func parseTokens(raw []byte) ([]asyncstt.Token, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.New("soniox: transcript is not valid JSON")
	}
	arr := gjson.GetBytes(raw, "tokens")
	if !arr.IsArray() {
		return nil, errors.New("soniox: transcript has no tokens array")
	}

	out := make([]asyncstt.Token, 0, len(arr.Array()))
	arr.ForEach(func(_, t gjson.Result) bool {
		tok := asyncstt.Token{
			Text:     t.Get("text").String(),
			StartMs:  t.Get("start_ms").Int(),
			Speaker:  t.Get("speaker").String(),
			Language: t.Get("language").String(),
		}
		if end := t.Get("end_ms"); end.Exists() && end.Type != gjson.Null {
			v := end.Int()
			tok.EndMs = &v
		} else if d := t.Get("duration_ms"); d.Exists() && d.Type != gjson.Null {
			v := tok.StartMs + d.Int()
			tok.EndMs = &v
		}
		if c := t.Get("confidence"); c.Exists() && c.Type != gjson.Null {
			v := c.Float()
			tok.Confidence = &v
		}
		out = append(out, tok)
		return true
	})
	return out, nil
}

// DeleteTranscription implements asyncstt.Provider.
func (p *Provider) DeleteTranscription(ctx context.Context, providerJobID string) error {
	if err := p.do(ctx, http.MethodDelete, "/v1/transcriptions/"+url.PathEscape(providerJobID), "", nil, nil); err != nil {
		return fmt.Errorf("soniox: delete transcription %s: %w", providerJobID, notFound(err))
	}
	return nil
}

// DeleteFile implements asyncstt.Provider.
func (p *Provider) DeleteFile(ctx context.Context, fileID string) error {
	if err := p.do(ctx, http.MethodDelete, "/v1/files/"+url.PathEscape(fileID), "", nil, nil); err != nil {
		return fmt.Errorf("soniox: delete file %s: %w", fileID, err)
	}
	return nil
}

// do sends one authenticated request and decodes a JSON response into out
// when out is non-nil.
func (p *Provider) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	key, ok, err := p.key.APIKey(ctx)
	if err != nil {
		return fmt.Errorf("resolve credential: %w", err)
	}
	if !ok {
		return ErrNoCredential
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+key)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// notFound maps a 404 to asyncstt.ErrUnknownJob and returns other errors
// unchanged.
func notFound(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", asyncstt.ErrUnknownJob, err)
	}
	return err
}
