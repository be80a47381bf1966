//go:build integration
// +build integration

package integration

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/require"

	"github.com/lumavid/go-uploadkit/upload"
)

var logger = log.NewLogger()

// chunkSink is an upload endpoint that records every chunk request and can
// reassemble the transferred file from the received byte ranges. A respond
// hook scripts per-request status codes and can block to gate the transfer;
// a nil hook accepts everything.
type chunkSink struct {
	mu       sync.Mutex
	requests []chunkRequest

	respond func(call int, contentRange string) int
}

type chunkRequest struct {
	contentRange string
	body         []byte
}

func (s *chunkSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	contentRange := r.Header.Get("Content-Range")
	s.mu.Lock()
	call := len(s.requests)
	s.requests = append(s.requests, chunkRequest{contentRange: contentRange, body: body})
	hook := s.respond
	s.mu.Unlock()

	status := http.StatusOK
	if hook != nil {
		status = hook(call, contentRange)
	}
	w.WriteHeader(status)
}

func (s *chunkSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *chunkSink) ranges() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.requests))
	for _, req := range s.requests {
		out = append(out, req.contentRange)
	}
	return out
}

// assemble rebuilds the uploaded file from the recorded chunk bodies,
// ordered by their content-range start offsets. Later writes to the same
// offset win, matching how a range-addressed store behaves on re-sends.
func (s *chunkSink) assemble(t *testing.T) []byte {
	t.Helper()

	s.mu.Lock()
	requests := make([]chunkRequest, len(s.requests))
	copy(requests, s.requests)
	s.mu.Unlock()

	type span struct {
		start int64
		body  []byte
	}
	var total int64
	var spans []span
	for _, req := range requests {
		var start, end, size int64
		if _, err := fmt.Sscanf(req.contentRange, "bytes %d-%d/%d", &start, &end, &size); err != nil {
			// The finalize request carries "bytes */<total>" and no body.
			_, err := fmt.Sscanf(req.contentRange, "bytes */%d", &size)
			require.NoError(t, err, "unparseable Content-Range %q", req.contentRange)
			require.Empty(t, req.body, "finalize request must carry no body")
			continue
		}
		require.Equal(t, end-start+1, int64(len(req.body)), "range %q does not match the body length", req.contentRange)
		spans = append(spans, span{start: start, body: req.body})
		total = size
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	out := make([]byte, total)
	for _, sp := range spans {
		copy(out[sp.start:], sp.body)
	}
	return out
}

func makeSourceFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "source.bin")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path, data
}

func checksumOf(bytes []byte) string {
	hash := sha256.New()
	hash.Write(bytes)
	return hex.EncodeToString(hash.Sum(nil))
}

// testOptions opts out of event tracking so tests never talk to an
// analytics backend.
func testOptions(chunkSize int64) upload.Options {
	return upload.Options{
		ChunkSize:     chunkSize,
		EventTracking: upload.EventTrackingOptions{OptedOut: true},
	}
}

func collectResult(u *upload.Uploader) chan upload.Result {
	results := make(chan upload.Result, 2)
	u.OnResult(func(r upload.Result) { results <- r })
	return results
}

func awaitResult(t *testing.T, results chan upload.Result) upload.Result {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the upload result")
		return upload.Result{}
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
