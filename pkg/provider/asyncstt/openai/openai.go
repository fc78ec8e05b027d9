// Package openai adapts the OpenAI audio transcription endpoint to the
// asynchronous asyncstt.Provider contract.
//
// OpenAI transcribes a file in a single synchronous request, so the adapter
// emulates the upload / create / poll / fetch cycle locally: UploadFile
// registers the local path, CreateTranscription starts the request in the
// background and CheckStatus reports its progress. Results live in memory
// only; a job id from before a restart reports [asyncstt.RemoteError].
package openai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/lectern/internal/secret"
	"github.com/MrWong99/lectern/pkg/provider/asyncstt"
)

// DefaultModel is the default OpenAI transcription model. It is the only
// model that returns word timestamps.
const DefaultModel = oai.AudioModelWhisper1

const defaultTimeout = 30 * time.Minute

// Ensure Provider implements the asyncstt.Provider interface.
var _ asyncstt.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	httpClient   *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout bounds a single transcription request.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

type run struct {
	done   bool
	tokens []asyncstt.Token
	err    error
}

// Provider implements asyncstt.Provider on top of the OpenAI API.
type Provider struct {
	client  oai.Client
	key     secret.Source
	model   string
	timeout time.Duration

	mu    sync.Mutex
	files map[string]string // file id -> local path
	runs  map[string]*run   // job id -> run state
	wg    sync.WaitGroup
}

// New constructs a new OpenAI async transcription Provider. If model is
// empty, DefaultModel is used.
func New(key secret.Source, model string, opts ...Option) (*Provider, error) {
	if key == nil {
		return nil, errors.New("openai stt: secret source must not be nil")
	}
	if model == "" {
		model = string(DefaultModel)
	}

	cfg := &config{timeout: defaultTimeout}
	for _, o := range opts {
		o(cfg)
	}

	hc := cfg.httpClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	reqOpts := []option.RequestOption{option.WithHTTPClient(hc)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}

	return &Provider{
		client:  oai.NewClient(reqOpts...),
		key:     key,
		model:   model,
		timeout: cfg.timeout,
		files:   make(map[string]string),
		runs:    make(map[string]*run),
	}, nil
}

// UploadFile implements asyncstt.Provider. The file is only checked and
// registered; its bytes are sent by CreateTranscription.
func (p *Provider) UploadFile(_ context.Context, localPath string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", asyncstt.ErrUpload, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", asyncstt.ErrUpload, localPath)
	}
	id := "file-" + uuid.NewString()
	p.mu.Lock()
	p.files[id] = localPath
	p.mu.Unlock()
	return id, nil
}

// CreateTranscription implements asyncstt.Provider. The request runs in the
// background, detached from ctx's cancellation but bounded by the configured
// timeout.
func (p *Provider) CreateTranscription(ctx context.Context, req asyncstt.CreateRequest) (string, error) {
	key, ok, err := p.key.APIKey(ctx)
	if err != nil {
		return "", fmt.Errorf("openai stt: resolve credential: %w", err)
	}
	if !ok {
		return "", errors.New("openai stt: no API key configured")
	}

	p.mu.Lock()
	path, found := p.files[req.FileID]
	p.mu.Unlock()
	if !found {
		return "", fmt.Errorf("openai stt: unknown file %q", req.FileID)
	}

	id := "tr-" + uuid.NewString()
	r := &run{}
	p.mu.Lock()
	p.runs[id] = r
	p.mu.Unlock()

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		tokens, err := p.transcribe(runCtx, key, path, req)
		p.mu.Lock()
		r.done, r.tokens, r.err = true, tokens, err
		p.mu.Unlock()
	}()
	return id, nil
}

func (p *Provider) transcribe(ctx context.Context, key, path string, req asyncstt.CreateRequest) ([]asyncstt.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	params := oai.AudioTranscriptionNewParams{
		File:                   f,
		Model:                  oai.AudioModel(p.model),
		ResponseFormat:         oai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []string{"word"},
	}
	if len(req.LanguageHints) > 0 {
		params.Language = oai.String(req.LanguageHints[0])
	}
	if req.Context != "" {
		params.Prompt = oai.String(req.Context)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params, option.WithAPIKey(key))
	if err != nil {
		return nil, err
	}
	return parseVerbose(resp.RawJSON())
}

// parseVerbose converts a verbose_json response's words into tokens.
// Word times are fractional seconds.
func parseVerbose(raw string) ([]asyncstt.Token, error) {
	if !gjson.Valid(raw) {
		return nil, errors.New("response is not valid JSON")
	}
	doc := gjson.Parse(raw)
	words := doc.Get("words")
	if !words.IsArray() {
		return nil, errors.New("response has no word timestamps")
	}
	lang := languageCode(doc.Get("language").String())

	var out []asyncstt.Token
	words.ForEach(func(_, w gjson.Result) bool {
		end := secondsToMs(w.Get("end").Float())
		out = append(out, asyncstt.Token{
			Text:     w.Get("word").String(),
			StartMs:  secondsToMs(w.Get("start").Float()),
			EndMs:    &end,
			Language: lang,
		})
		return true
	})
	return out, nil
}

// whisperLanguages maps the language names reported by whisper-1 to codes
// for the languages where segmentation behaves differently.
var whisperLanguages = map[string]string{
	"chinese":  "zh",
	"japanese": "ja",
	"korean":   "ko",
	"english":  "en",
}

func languageCode(name string) string {
	if code, ok := whisperLanguages[strings.ToLower(name)]; ok {
		return code
	}
	return name
}

func secondsToMs(s float64) int64 {
	return int64(math.Round(s * 1000))
}

// CheckStatus implements asyncstt.Provider.
func (p *Provider) CheckStatus(ctx context.Context, providerJobID string) (asyncstt.StatusReport, error) {
	if err := ctx.Err(); err != nil {
		return asyncstt.StatusReport{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.runs[providerJobID]
	switch {
	case !ok:
		return asyncstt.StatusReport{
			Status:       asyncstt.RemoteError,
			ErrorMessage: "transcription result is no longer available",
		}, nil
	case !r.done:
		return asyncstt.StatusReport{Status: asyncstt.RemoteProcessing}, nil
	case r.err != nil:
		return asyncstt.StatusReport{Status: asyncstt.RemoteError, ErrorMessage: r.err.Error()}, nil
	default:
		return asyncstt.StatusReport{Status: asyncstt.RemoteCompleted}, nil
	}
}

// GetResult implements asyncstt.Provider.
func (p *Provider) GetResult(_ context.Context, providerJobID string) ([]asyncstt.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.runs[providerJobID]
	if !ok {
		return nil, fmt.Errorf("openai stt: %w: %s", asyncstt.ErrUnknownJob, providerJobID)
	}
	if !r.done {
		return nil, fmt.Errorf("openai stt: job %s is still running", providerJobID)
	}
	if r.err != nil {
		return nil, fmt.Errorf("openai stt: transcribe: %w", r.err)
	}
	return append([]asyncstt.Token(nil), r.tokens...), nil
}

// DeleteTranscription implements asyncstt.Provider. A running request is not
// interrupted; its result is discarded.
func (p *Provider) DeleteTranscription(_ context.Context, providerJobID string) error {
	p.mu.Lock()
	delete(p.runs, providerJobID)
	p.mu.Unlock()
	return nil
}

// DeleteFile implements asyncstt.Provider. The local file is left untouched.
func (p *Provider) DeleteFile(_ context.Context, fileID string) error {
	p.mu.Lock()
	delete(p.files, fileID)
	p.mu.Unlock()
	return nil
}

// Wait blocks until every background transcription has finished.
func (p *Provider) Wait() {
	p.wg.Wait()
}
