package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumavid/go-uploadkit/upload/chunker"
	"github.com/lumavid/go-uploadkit/upload/network"
)

func writeUploadFile(t *testing.T, size int) string {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "source.bin")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func newTestWorker(path string, opts Options, transport chunkTransport, tracker *uploadTracker) *Worker {
	if tracker == nil {
		tracker = newUploadTracker(nil, false, log.NewLogger())
	}
	identity := Identity{UploadURL: "https://uploads.example.com/v1/item", File: path}
	return newWorker(identity, opts, transport, nil, nil, tracker, log.NewLogger())
}

func waitForRun(t *testing.T, w *Worker) {
	t.Helper()
	done := w.runDoneChan()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the upload loop to finish")
	}
}

func awaitSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestWorker_UploadsAllChunks(t *testing.T) {
	path := writeUploadFile(t, 1000)
	transport := &fakeTransport{}
	events := &fakeTracker{}
	w := newTestWorker(path, Options{ChunkSize: 400}, transport, newUploadTracker(events, false, log.NewLogger()))
	recorder := &stateRecorder{}
	w.RegisterObserver("test", recorder.observe)

	w.Start()
	waitForRun(t, w)

	st, ok := w.State().(StateSucceeded)
	require.True(t, ok, "expected succeeded, got %T", w.State())
	assert.Equal(t, int64(1000), st.Progress.UploadedBytes)
	assert.Equal(t, int64(1000), st.Progress.TotalBytes)

	chunks := transport.recordedChunks()
	require.Len(t, chunks, 3)
	assert.Equal(t, int64(0), chunks[0].StartByte)
	assert.Equal(t, int64(400), chunks[0].EndByte)
	assert.Equal(t, int64(400), chunks[1].StartByte)
	assert.Equal(t, int64(800), chunks[1].EndByte)
	assert.Equal(t, int64(800), chunks[2].StartByte)
	assert.Equal(t, int64(1000), chunks[2].EndByte)
	assert.Empty(t, transport.finalizeCalls())

	states := recorder.all()
	require.NotEmpty(t, states)
	_, ok = states[0].(StateUploading)
	assert.True(t, ok, "first notification should be uploading, got %T", states[0])
	_, ok = states[len(states)-1].(StateSucceeded)
	assert.True(t, ok, "last notification should be succeeded, got %T", states[len(states)-1])

	assert.Equal(t, []string{"upload_started", "upload_succeeded"}, events.eventNames())
	props := events.eventProperties("upload_started")
	require.NotNil(t, props)
	assert.Equal(t, int64(1000), props["file_size_bytes"])
}

func TestWorker_EmptyFile(t *testing.T) {
	path := writeUploadFile(t, 0)
	transport := &fakeTransport{}
	w := newTestWorker(path, Options{ChunkSize: 400}, transport, nil)

	w.Start()
	waitForRun(t, w)

	st, ok := w.State().(StateSucceeded)
	require.True(t, ok)
	assert.Equal(t, int64(0), st.Progress.UploadedBytes)
	assert.Equal(t, int64(0), st.Progress.TotalBytes)
	assert.Zero(t, transport.callCount())
}

func TestWorker_FinalizeEmptyRequest(t *testing.T) {
	path := writeUploadFile(t, 500)
	transport := &fakeTransport{}
	w := newTestWorker(path, Options{ChunkSize: 500, Finalize: FinalizeEmptyRequest}, transport, nil)

	w.Start()
	waitForRun(t, w)

	_, ok := w.State().(StateSucceeded)
	require.True(t, ok)
	assert.Equal(t, []int64{500}, transport.finalizeCalls())
}

func TestWorker_PauseStopsAtChunkBoundary(t *testing.T) {
	path := writeUploadFile(t, 300)
	secondStarted := make(chan struct{})
	release := make(chan struct{})
	transport := &fakeTransport{
		onChunk: func(ctx context.Context, call int, chunk chunker.Chunk, progress network.ProgressFunc) error {
			if call == 1 {
				close(secondStarted)
				<-release
			}
			return nil
		},
	}
	events := &fakeTracker{}
	w := newTestWorker(path, Options{ChunkSize: 100}, transport, newUploadTracker(events, false, log.NewLogger()))

	w.Start()
	awaitSignal(t, secondStarted, "second chunk")
	w.Pause()
	close(release)
	waitForRun(t, w)

	st, ok := w.State().(StatePaused)
	require.True(t, ok, "expected paused, got %T", w.State())
	assert.Equal(t, int64(200), st.Progress.UploadedBytes, "in-flight chunk should finish before pausing")
	assert.Len(t, transport.recordedChunks(), 2)

	w.Start()
	waitForRun(t, w)

	_, ok = w.State().(StateSucceeded)
	require.True(t, ok, "expected succeeded after resume, got %T", w.State())
	chunks := transport.recordedChunks()
	require.Len(t, chunks, 3)
	assert.Equal(t, int64(200), chunks[2].StartByte, "resume should continue from the watermark")
	assert.Equal(t, int64(300), chunks[2].EndByte)

	assert.Equal(t, []string{"upload_started", "upload_paused", "upload_resumed", "upload_succeeded"}, events.eventNames())
}

func TestWorker_CancelInterruptsInFlightChunk(t *testing.T) {
	path := writeUploadFile(t, 300)
	started := make(chan struct{})
	transport := &fakeTransport{
		onChunk: func(ctx context.Context, call int, chunk chunker.Chunk, progress network.ProgressFunc) error {
			if call == 0 {
				close(started)
			}
			<-ctx.Done()
			return fmt.Errorf("chunk upload cancelled: %w", ctx.Err())
		},
	}
	events := &fakeTracker{}
	w := newTestWorker(path, Options{ChunkSize: 100}, transport, newUploadTracker(events, false, log.NewLogger()))
	recorder := &stateRecorder{}
	w.RegisterObserver("test", recorder.observe)

	w.Start()
	awaitSignal(t, started, "first chunk")
	w.Cancel()
	waitForRun(t, w)

	_, ok := w.State().(StateCancelled)
	require.True(t, ok, "expected cancelled, got %T", w.State())
	assert.Empty(t, transport.recordedChunks())

	for _, s := range recorder.all() {
		_, failed := s.(StateFailed)
		assert.False(t, failed, "cancellation must not surface as a failure")
	}
	assert.Contains(t, events.eventNames(), "upload_cancelled")
	assert.NotContains(t, events.eventNames(), "upload_failed")

	before := recorder.count()
	w.Cancel()
	assert.Equal(t, before, recorder.count(), "repeated cancel must not notify again")
}

func TestWorker_FailsAfterTransportError(t *testing.T) {
	path := writeUploadFile(t, 300)
	chunkErr := &network.ChunkError{
		Offset:   0,
		Attempts: 4,
		Err:      &network.HTTPError{StatusCode: 500, Message: "backend exploded"},
	}
	transport := &fakeTransport{
		onChunk: func(ctx context.Context, call int, chunk chunker.Chunk, progress network.ProgressFunc) error {
			return chunkErr
		},
	}
	events := &fakeTracker{}
	w := newTestWorker(path, Options{ChunkSize: 100}, transport, newUploadTracker(events, false, log.NewLogger()))

	w.Start()
	waitForRun(t, w)

	st, ok := w.State().(StateFailed)
	require.True(t, ok, "expected failed, got %T", w.State())
	require.NotNil(t, st.Failure)
	assert.Equal(t, FailureHTTP, st.Failure.Code)
	assert.Equal(t, int64(0), st.Failure.Progress.UploadedBytes)
	assert.True(t, errors.Is(st.Failure, chunkErr))
	assert.Equal(t, 1, transport.callCount(), "retries happen inside the transport, not the worker")

	props := events.eventProperties("upload_failed")
	require.NotNil(t, props)
	assert.Equal(t, "http", props["error_code"])
}

func TestWorker_FailureKeepsCommittedProgress(t *testing.T) {
	path := writeUploadFile(t, 300)
	transport := &fakeTransport{
		onChunk: func(ctx context.Context, call int, chunk chunker.Chunk, progress network.ProgressFunc) error {
			if call == 1 {
				return &network.ChunkError{Offset: chunk.StartByte, Attempts: 2, Err: errors.New("connection reset")}
			}
			return nil
		},
	}
	w := newTestWorker(path, Options{ChunkSize: 100}, transport, nil)

	w.Start()
	waitForRun(t, w)

	st, ok := w.State().(StateFailed)
	require.True(t, ok)
	require.NotNil(t, st.Failure)
	assert.Equal(t, FailureConnection, st.Failure.Code)
	assert.Equal(t, int64(100), st.Failure.Progress.UploadedBytes)
}

func TestWorker_FailsWhenSourceMissing(t *testing.T) {
	transport := &fakeTransport{}
	w := newTestWorker(filepath.Join(t.TempDir(), "missing.bin"), Options{ChunkSize: 100}, transport, nil)

	w.Start()
	waitForRun(t, w)

	st, ok := w.State().(StateFailed)
	require.True(t, ok)
	require.NotNil(t, st.Failure)
	assert.Equal(t, FailureFile, st.Failure.Code)
	assert.Zero(t, transport.callCount())
}

func TestWorker_FailsWhenResolverFails(t *testing.T) {
	transport := &fakeTransport{}
	resolver := &fakeResolver{err: errors.New("download interrupted")}
	identity := Identity{UploadURL: "https://uploads.example.com/v1/item", File: "https://cdn.example.com/clip.mp4"}
	w := newWorker(identity, Options{ChunkSize: 100}, transport, resolver, nil, newUploadTracker(nil, false, log.NewLogger()), log.NewLogger())

	w.Start()
	waitForRun(t, w)

	st, ok := w.State().(StateFailed)
	require.True(t, ok)
	require.NotNil(t, st.Failure)
	assert.Equal(t, FailureFile, st.Failure.Code)
	assert.Contains(t, st.Failure.Message, "resolve upload source")
}

func TestWorker_ResumeDoesNotResolveAgain(t *testing.T) {
	path := writeUploadFile(t, 300)
	resolver := &fakeResolver{path: path}
	secondStarted := make(chan struct{})
	release := make(chan struct{})
	transport := &fakeTransport{
		onChunk: func(ctx context.Context, call int, chunk chunker.Chunk, progress network.ProgressFunc) error {
			if call == 1 {
				close(secondStarted)
				<-release
			}
			return nil
		},
	}
	identity := Identity{UploadURL: "https://uploads.example.com/v1/item", File: "https://cdn.example.com/clip.mp4"}
	w := newWorker(identity, Options{ChunkSize: 100}, transport, resolver, nil, newUploadTracker(nil, false, log.NewLogger()), log.NewLogger())

	w.Start()
	awaitSignal(t, secondStarted, "second chunk")
	w.Pause()
	close(release)
	waitForRun(t, w)

	w.Start()
	waitForRun(t, w)

	_, ok := w.State().(StateSucceeded)
	require.True(t, ok)
	assert.Equal(t, 1, resolver.callCount())
}

func TestWorker_StandardizerRewritesSource(t *testing.T) {
	original := writeUploadFile(t, 300)
	standardized := writeUploadFile(t, 120)
	transport := &fakeTransport{}
	standardizer := &fakeStandardizer{result: standardized}
	events := &fakeTracker{}
	opts := Options{ChunkSize: 100, Standardization: StandardizationOptions{Enabled: true, Preset: Preset1920x1080}}
	identity := Identity{UploadURL: "https://uploads.example.com/v1/item", File: original}
	w := newWorker(identity, opts, transport, nil, standardizer, newUploadTracker(events, false, log.NewLogger()), log.NewLogger())

	w.Start()
	waitForRun(t, w)

	st, ok := w.State().(StateSucceeded)
	require.True(t, ok)
	assert.Equal(t, int64(120), st.Progress.TotalBytes, "the standardized rendition should be uploaded")
	assert.NotContains(t, events.eventNames(), "standardization_failed")
}

func TestWorker_StandardizerFailureUploadsOriginal(t *testing.T) {
	original := writeUploadFile(t, 300)
	transport := &fakeTransport{}
	standardizer := &fakeStandardizer{err: errors.New("transcoder crashed")}
	events := &fakeTracker{}
	opts := Options{ChunkSize: 100, Standardization: StandardizationOptions{Enabled: true, Preset: Preset1920x1080}}
	identity := Identity{UploadURL: "https://uploads.example.com/v1/item", File: original}
	w := newWorker(identity, opts, transport, nil, standardizer, newUploadTracker(events, false, log.NewLogger()), log.NewLogger())

	w.Start()
	waitForRun(t, w)

	st, ok := w.State().(StateSucceeded)
	require.True(t, ok, "standardization failure must not fail the upload")
	assert.Equal(t, int64(300), st.Progress.TotalBytes)
	assert.Contains(t, events.eventNames(), "standardization_failed")
}

func TestWorker_StandardizationDisabledSkipsStandardizer(t *testing.T) {
	path := writeUploadFile(t, 100)
	standardizer := &fakeStandardizer{}
	identity := Identity{UploadURL: "https://uploads.example.com/v1/item", File: path}
	w := newWorker(identity, Options{ChunkSize: 100}, &fakeTransport{}, nil, standardizer, newUploadTracker(nil, false, log.NewLogger()), log.NewLogger())

	w.Start()
	waitForRun(t, w)

	_, ok := w.State().(StateSucceeded)
	require.True(t, ok)
	assert.Zero(t, standardizer.calls)
}

func TestWorker_ProgressIsMonotonic(t *testing.T) {
	path := writeUploadFile(t, 500)
	transport := &fakeTransport{
		onChunk: func(ctx context.Context, call int, chunk chunker.Chunk, progress network.ProgressFunc) error {
			progress(chunk.Len() / 2)
			progress(chunk.Len())
			progress(30) // a retried body restarts from the beginning
			return nil
		},
	}
	w := newTestWorker(path, Options{ChunkSize: 100, ProgressInterval: time.Nanosecond}, transport, nil)
	recorder := &stateRecorder{}
	w.RegisterObserver("test", recorder.observe)

	w.Start()
	waitForRun(t, w)

	_, ok := w.State().(StateSucceeded)
	require.True(t, ok)

	var last int64 = -1
	for _, s := range recorder.all() {
		up, uploading := s.(StateUploading)
		if !uploading {
			continue
		}
		require.GreaterOrEqual(t, up.Progress.UploadedBytes, last, "delivered progress went backwards")
		require.LessOrEqual(t, up.Progress.UploadedBytes, int64(500))
		last = up.Progress.UploadedBytes
	}
}

func TestWorker_StartWhileUploadingIsNoOp(t *testing.T) {
	path := writeUploadFile(t, 200)
	started := make(chan struct{})
	release := make(chan struct{})
	transport := &fakeTransport{
		onChunk: func(ctx context.Context, call int, chunk chunker.Chunk, progress network.ProgressFunc) error {
			if call == 0 {
				close(started)
				<-release
			}
			return nil
		},
	}
	w := newTestWorker(path, Options{ChunkSize: 100}, transport, nil)

	w.Start()
	awaitSignal(t, started, "first chunk")
	first := w.runDoneChan()
	w.Start()
	assert.Equal(t, first, w.runDoneChan(), "a second start must not spawn a second loop")
	close(release)
	waitForRun(t, w)

	_, ok := w.State().(StateSucceeded)
	require.True(t, ok)
	assert.Len(t, transport.recordedChunks(), 2)
}

func TestWorker_StartAfterTerminalIsNoOp(t *testing.T) {
	path := writeUploadFile(t, 100)
	transport := &fakeTransport{}
	w := newTestWorker(path, Options{ChunkSize: 100}, transport, nil)

	w.Start()
	waitForRun(t, w)
	_, ok := w.State().(StateSucceeded)
	require.True(t, ok)

	calls := transport.callCount()
	w.Start()
	waitForRun(t, w)

	_, ok = w.State().(StateSucceeded)
	assert.True(t, ok)
	assert.Equal(t, calls, transport.callCount())
}

func TestWorker_PauseWhenNotUploadingIsNoOp(t *testing.T) {
	path := writeUploadFile(t, 100)
	w := newTestWorker(path, Options{ChunkSize: 100}, &fakeTransport{}, nil)

	w.Pause()
	_, ok := w.State().(StateNotStarted)
	assert.True(t, ok)

	w.Start()
	waitForRun(t, w)
	w.Pause()
	_, ok = w.State().(StateSucceeded)
	assert.True(t, ok)
}

func TestWorker_CancelBeforeStart(t *testing.T) {
	path := writeUploadFile(t, 100)
	transport := &fakeTransport{}
	w := newTestWorker(path, Options{ChunkSize: 100}, transport, nil)

	w.Cancel()
	_, ok := w.State().(StateCancelled)
	require.True(t, ok)

	w.Start()
	assert.Nil(t, w.runDoneChan())
	assert.Zero(t, transport.callCount())
}

func TestWorker_RemovedObserverHearsNothingFurther(t *testing.T) {
	path := writeUploadFile(t, 100)
	release := make(chan struct{})
	transport := &fakeTransport{
		onChunk: func(ctx context.Context, call int, chunk chunker.Chunk, progress network.ProgressFunc) error {
			<-release
			return nil
		},
	}
	w := newTestWorker(path, Options{ChunkSize: 100}, transport, nil)
	recorder := &stateRecorder{}
	w.RegisterObserver("gone", recorder.observe)

	w.Start()
	w.RemoveObserver("gone")
	close(release)
	waitForRun(t, w)

	_, ok := w.State().(StateSucceeded)
	require.True(t, ok)
	for _, s := range recorder.all() {
		_, succeeded := s.(StateSucceeded)
		assert.False(t, succeeded, "removed observer saw the terminal state")
	}
}

func TestWorker_IdentityAndID(t *testing.T) {
	path := writeUploadFile(t, 10)
	w := newTestWorker(path, Options{}, &fakeTransport{}, nil)

	assert.NotEmpty(t, w.ID())
	assert.Equal(t, path, w.Identity().File)
	assert.Equal(t, "https://uploads.example.com/v1/item", w.Identity().UploadURL)

	other := newTestWorker(path, Options{}, &fakeTransport{}, nil)
	assert.NotEqual(t, w.ID(), other.ID())
}
