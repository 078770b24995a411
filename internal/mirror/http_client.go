package mirror

import (
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ulikunitz/xz"
)

// HTTPClient fetches remote repository resources with a bounded number of
// in-flight requests.  It performs no retries; retry policy, if any,
// belongs to the caller.
type HTTPClient struct {
	client    *http.Client
	semaphore chan struct{}
	repoID    string
}

// NewHTTPClient creates an HTTP client allowing at most maxConns
// concurrent requests.
func NewHTTPClient(maxConns int, repoID string) *HTTPClient {
	semaphore := make(chan struct{}, maxConns)
	for i := 0; i < maxConns; i++ {
		semaphore <- struct{}{}
	}

	return &HTTPClient{
		client:    clonedTransport(),
		semaphore: semaphore,
		repoID:    repoID,
	}
}

// semaphoreBody returns the connection token when the response body is
// closed.
type semaphoreBody struct {
	io.ReadCloser
	release func()
}

func (b *semaphoreBody) Close() error {
	err := b.ReadCloser.Close()
	if b.release != nil {
		b.release()
		b.release = nil
	}
	return err
}

// Fetch performs a GET and returns the response body.  Closing the body
// releases the connection slot.  Connection failures and non-200 statuses
// are reported as ErrNetwork.
func (h *HTTPClient) Fetch(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.semaphore:
	}
	release := func() { h.semaphore <- struct{}{} }

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		release()
		return nil, err
	}
	req.Header.Set("User-Agent", "offline-sync")

	resp, err := h.client.Do(req)
	if err != nil {
		release()
		return nil, errors.Mark(errors.Wrapf(err, "GET %s", u), ErrNetwork)
	}
	if resp.StatusCode != http.StatusOK {
		closeRespBody(resp)
		release()
		return nil, errors.Mark(errors.Newf("GET %s: status %d", u, resp.StatusCode), ErrNetwork)
	}

	return &semaphoreBody{ReadCloser: resp.Body, release: release}, nil
}

// FetchBytes performs a GET and reads the whole body.  A truncated stream
// surfaces as ErrNetwork.
func (h *HTTPClient) FetchBytes(ctx context.Context, u *url.URL) ([]byte, error) {
	body, err := h.Fetch(ctx, u)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := body.Close(); err != nil {
			slog.Warn("failed to close response body", "repo", h.repoID, "error", err)
		}
	}()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "GET %s: read body", u), ErrNetwork)
	}
	return data, nil
}

// FetchDecompressed performs a GET and wraps the body in a decompressor
// chosen by the URL path extension (.gz, .xz; anything else is returned
// as-is).  Closing the returned stream closes the underlying body.
func (h *HTTPClient) FetchDecompressed(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	body, err := h.Fetch(ctx, u)
	if err != nil {
		return nil, err
	}

	dec, err := decompressor(body, u.Path)
	if err != nil {
		if closeErr := body.Close(); closeErr != nil {
			slog.Warn("failed to close response body", "repo", h.repoID, "error", closeErr)
		}
		return nil, errors.Mark(errors.Wrapf(err, "GET %s: decompress", u), ErrNetwork)
	}
	return dec, nil
}

// ContentLength performs a HEAD and returns the declared content length.
// Used as the staleness fallback for index entries without a checksum.
func (h *HTTPClient) ContentLength(ctx context.Context, u *url.URL) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.semaphore:
	}
	defer func() { h.semaphore <- struct{}{} }()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", "offline-sync")

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "HEAD %s", u), ErrNetwork)
	}
	closeRespBody(resp)
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Mark(errors.Newf("HEAD %s: status %d", u, resp.StatusCode), ErrNetwork)
	}
	return resp.ContentLength, nil
}

type readerCloser struct {
	io.Reader
	close func() error
}

func (r *readerCloser) Close() error {
	return r.close()
}

// decompressor selects a transparent decompression wrapper by filename
// extension.
func decompressor(rc io.ReadCloser, name string) (io.ReadCloser, error) {
	switch path.Ext(name) {
	case ".gz":
		zr, err := gzip.NewReader(rc)
		if err != nil {
			return nil, err
		}
		return &readerCloser{Reader: zr, close: func() error {
			if err := zr.Close(); err != nil {
				return err
			}
			return rc.Close()
		}}, nil
	case ".xz":
		xr, err := xz.NewReader(rc)
		if err != nil {
			return nil, err
		}
		return &readerCloser{Reader: xr, close: rc.Close}, nil
	default:
		return rc, nil
	}
}

// closeRespBody closes HTTP response body.
func closeRespBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}

// clonedTransport creates a new HTTP client with optimized transport settings.
func clonedTransport() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 10
	tr.IdleConnTimeout = 90 * time.Second

	return &http.Client{
		Transport: tr,
		Timeout:   0, // no timeout; timeout is controlled by context
	}
}
