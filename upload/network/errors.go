package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// HTTPError is a non-2xx response to a chunk request. Message holds the
// leading bytes of the response body when the server sent any.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// ChunkError reports that one chunk could not be delivered after all allowed
// attempts. It wraps the last underlying failure, either an *HTTPError or a
// connection-level error.
type ChunkError struct {
	// Offset is the chunk's start byte within the file.
	Offset int64
	// Attempts is how many times the chunk was sent before giving up.
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("upload chunk at offset %d after %d attempts: %v", e.Offset, e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

func isRetryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
