package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrDownload classifies failures resolving a track's audio.
var ErrDownload = errors.New("orchestrator: audio download failed")

// AudioSource resolves a track's audio to a local file. Cloud storage
// browsing and authentication live behind this interface.
type AudioSource interface {
	// Resolve returns the path of a local copy of the audio. release is
	// called once the file has been uploaded and may remove temporary copies.
	Resolve(ctx context.Context) (localPath string, release func(), err error)
}

// LocalFile is audio that already exists on disk.
type LocalFile string

// Resolve implements [AudioSource].
func (f LocalFile) Resolve(context.Context) (string, func(), error) {
	info, err := os.Stat(string(f))
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	if !info.Mode().IsRegular() {
		return "", nil, fmt.Errorf("%w: %s is not a regular file", ErrDownload, f)
	}
	return string(f), func() {}, nil
}

// RemoteFile downloads audio over HTTP(S) into a temporary file that is
// removed on release.
type RemoteFile struct {
	URL string

	// Header is sent with the download request, e.g. a storage bearer token.
	Header http.Header

	// Client defaults to an instrumented http.Client.
	Client *http.Client

	// Dir is where the temporary copy is created. Default: os.TempDir().
	Dir string
}

var defaultDownloadClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

// Resolve implements [AudioSource].
func (f RemoteFile) Resolve(ctx context.Context) (string, func(), error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	for k, vs := range f.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	client := f.Client
	if client == nil {
		client = defaultDownloadClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrDownload, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("%w: %s returned HTTP %d", ErrDownload, f.URL, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(f.Dir, "lectern-*"+path.Ext(req.URL.Path))
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	release := func() { _ = os.Remove(tmp.Name()) }
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		release()
		return "", nil, fmt.Errorf("%w: %w", ErrDownload, err)
	}
	if err := tmp.Close(); err != nil {
		release()
		return "", nil, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	return tmp.Name(), release, nil
}
