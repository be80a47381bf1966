// Package network delivers single file chunks to a pre-authorized upload URL
// over HTTP, with bounded immediate retries and cooperative cancellation.
package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/lumavid/go-uploadkit/upload/chunker"
)

// ProgressFunc receives the number of body bytes sent so far during one chunk
// transfer. The count restarts from zero when an attempt is retried; callers
// that need monotonic totals clamp on their side.
type ProgressFunc func(sentBytes int64)

// TransportConfig holds configuration for a Transport.
type TransportConfig struct {
	// HTTPClient is the client used for chunk requests.
	// If nil, DefaultHTTPClient() is used.
	HTTPClient *http.Client

	// Method is the HTTP method carrying chunk bodies. Defaults to PUT.
	Method string

	// MaxRetries is the number of additional attempts after a failed one,
	// so a chunk is tried at most MaxRetries+1 times.
	MaxRetries int

	// ExtraHeaders are set on every request, e.g. protocol-specific
	// metadata required by the upload endpoint.
	ExtraHeaders map[string]string
}

// Transport uploads chunks to a destination URL one request per chunk.
// It holds no upload state: retries happen inside a single call, and
// everything else is reported back through the returned error and the
// progress callback.
type Transport struct {
	client       *http.Client
	method       string
	maxRetries   int
	extraHeaders map[string]string
	logger       log.Logger
}

// NewTransport creates a Transport with the given configuration.
func NewTransport(cfg TransportConfig, logger log.Logger) *Transport {
	client := cfg.HTTPClient
	if client == nil {
		client = DefaultHTTPClient()
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodPut
	}

	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &Transport{
		client:       client,
		method:       method,
		maxRetries:   maxRetries,
		extraHeaders: cfg.ExtraHeaders,
		logger:       logger,
	}
}

// UploadChunk sends one non-empty chunk to url with a Content-Range header
// describing its byte range. Transient failures (connection errors, HTTP
// 408/429/5xx) are retried immediately up to MaxRetries additional attempts;
// other HTTP errors fail fast. A cancelled context aborts the in-flight
// request and is returned without retrying, detectable with
// errors.Is(err, context.Canceled). Exhausted or non-retryable failures are
// wrapped in a *ChunkError.
func (t *Transport) UploadChunk(ctx context.Context, url string, chunk chunker.Chunk, progress ProgressFunc) error {
	if chunk.EOF() {
		return fmt.Errorf("chunk [%d,%d) is empty, nothing to upload", chunk.StartByte, chunk.EndByte)
	}

	return t.send(ctx, url, contentRange(chunk), chunk.Payload, chunk.StartByte, progress)
}

// Finalize sends the zero-byte terminal request some upload protocols require
// after the last chunk, with a Content-Range of "bytes */<totalSize>". It uses
// the same retry envelope as chunk uploads.
func (t *Transport) Finalize(ctx context.Context, url string, totalSize int64) error {
	return t.send(ctx, url, fmt.Sprintf("bytes */%d", totalSize), nil, totalSize, nil)
}

func (t *Transport) send(ctx context.Context, url, rangeValue string, payload []byte, offset int64, progress ProgressFunc) error {
	attempts := 0

	err := retry.Times(uint(t.maxRetries)).TryWithAbort(func(attempt uint) (error, bool) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("chunk upload cancelled: %w", err), true
		}

		attempts = int(attempt) + 1
		t.logger.Debugf("Sending %s %s (attempt %d/%d)", rangeValue, url, attempts, t.maxRetries+1)

		uploadErr := t.sendOnce(ctx, url, rangeValue, payload, progress)
		if uploadErr == nil {
			return nil, false
		}

		if isCancellation(uploadErr) {
			return uploadErr, true
		}

		var httpErr *HTTPError
		if errors.As(uploadErr, &httpErr) && !isRetryableStatus(httpErr.StatusCode) {
			return uploadErr, true
		}

		t.logger.Warnf("Chunk at offset %d, attempt %d failed: %v", offset, attempts, uploadErr)
		return uploadErr, false
	})
	if err == nil {
		return nil
	}
	if isCancellation(err) {
		return err
	}

	return &ChunkError{Offset: offset, Attempts: attempts, Err: err}
}

func (t *Transport) sendOnce(ctx context.Context, url, rangeValue string, payload []byte, progress ProgressFunc) error {
	var body io.Reader
	if len(payload) > 0 {
		body = &progressReader{reader: bytes.NewReader(payload), progress: progress}
	}

	req, err := http.NewRequestWithContext(ctx, t.method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", rangeValue)
	for k, v := range t.extraHeaders {
		req.Header.Set(k, v)
	}
	req.ContentLength = int64(len(payload))

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("chunk upload cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode, Message: readErrorBody(resp.Body)}
	}

	return nil
}

// contentRange formats the header value for a non-empty chunk, e.g.
// "bytes 0-999999/1000001". The wire format's last byte is inclusive while
// chunk ranges are half-open, hence the -1.
func contentRange(c chunker.Chunk) string {
	return fmt.Sprintf("bytes %d-%d/%d", c.StartByte, c.EndByte-1, c.TotalSize)
}

func readErrorBody(body io.Reader) string {
	buf := make([]byte, 1024)
	n, _ := io.ReadAtLeast(body, buf, 1)
	return string(buf[:n])
}

// progressReader counts body bytes as the HTTP client pulls them.
type progressReader struct {
	reader   io.Reader
	sent     int64
	progress ProgressFunc
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.sent += int64(n)
		if r.progress != nil {
			r.progress(r.sent)
		}
	}
	return n, err
}
