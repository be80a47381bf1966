package upload

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/lumavid/go-uploadkit/upload/chunker"
	"github.com/lumavid/go-uploadkit/upload/network"
)

// Identity is the (upload URL, file reference) pair an upload is keyed by.
// At most one active worker exists per identity.
type Identity struct {
	UploadURL string
	File      string
}

func (id Identity) String() string {
	return fmt.Sprintf("%s -> %s", id.File, id.UploadURL)
}

// chunkTransport is the slice of network.Transport the worker drives.
type chunkTransport interface {
	UploadChunk(ctx context.Context, uploadURL string, chunk chunker.Chunk, progress network.ProgressFunc) error
	Finalize(ctx context.Context, uploadURL string, totalSize int64) error
}

// SourceResolver materializes a file reference into an uploadable local
// path. input.FileProvider is the canonical implementation.
type SourceResolver interface {
	LocalPath(ctx context.Context, ref string) (string, error)
}

// Worker drives a single upload end to end: it reads chunks, pushes them
// through the transport, commits progress after each delivered chunk and
// surfaces every state transition to registered observers.
//
// The chunk loop runs on a background goroutine; Start, Pause and Cancel
// only flip control state and return. Pause takes effect at the next chunk
// boundary, Cancel interrupts the in-flight request.
type Worker struct {
	id       string
	identity Identity
	opts     Options

	transport    chunkTransport
	resolver     SourceResolver
	standardizer Standardizer
	tracker      *uploadTracker
	logger       log.Logger

	observers *observerList
	gate      *progressGate

	// notifyMu orders observer deliveries so that nothing is delivered
	// after a terminal notification.
	notifyMu sync.Mutex

	mu         sync.Mutex
	state      State
	watermark  int64
	totalBytes int64
	chunkCount int
	startedAt  time.Time
	updatedAt  time.Time
	localPath  string
	pause      bool
	cancelRun  context.CancelFunc
	runDone    chan struct{}
}

func newWorker(identity Identity, opts Options, transport chunkTransport, resolver SourceResolver, standardizer Standardizer, tracker *uploadTracker, logger log.Logger) *Worker {
	return &Worker{
		id:           uuid.NewString(),
		identity:     identity,
		opts:         opts,
		transport:    transport,
		resolver:     resolver,
		standardizer: standardizer,
		tracker:      tracker,
		logger:       logger,
		observers:    newObserverList(),
		gate:         newProgressGate(opts.ProgressInterval, nil),
		state:        StateNotStarted{},
	}
}

// ID returns the worker's unique identifier.
func (w *Worker) ID() string {
	return w.id
}

// Identity returns the (upload URL, file reference) pair the worker is
// keyed by.
func (w *Worker) Identity() Identity {
	return w.identity
}

// Options returns the normalized options the worker runs with.
func (w *Worker) Options() Options {
	return w.opts
}

// State returns the current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Progress returns a snapshot of the committed progress.
func (w *Worker) Progress() Progress {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.progressLocked()
}

func (w *Worker) progressLocked() Progress {
	return Progress{
		UploadedBytes: w.watermark,
		TotalBytes:    w.totalBytes,
		StartedAt:     w.startedAt,
		UpdatedAt:     w.updatedAt,
	}
}

// RegisterObserver subscribes fn to state notifications under the given
// token. Registering an already used token replaces its callback.
func (w *Worker) RegisterObserver(token string, fn ObserverFunc) {
	w.observers.register(token, fn)
}

// RemoveObserver unsubscribes the token. Once it returns, the callback is
// not invoked again.
func (w *Worker) RemoveObserver(token string) {
	w.observers.remove(token)
}

// Start begins a new upload, or resumes a paused one from its watermark.
// It is a no-op while uploading or after a terminal state.
func (w *Worker) Start() {
	w.mu.Lock()
	resumed := false
	switch w.state.(type) {
	case StateNotStarted:
	case StatePaused:
		resumed = true
	default:
		w.mu.Unlock()
		return
	}

	if w.startedAt.IsZero() {
		w.startedAt = time.Now()
	}
	w.updatedAt = time.Now()
	w.pause = false

	ctx, cancel := context.WithCancel(context.Background())
	w.cancelRun = cancel
	done := make(chan struct{})
	w.runDone = done

	st := StateUploading{Progress: w.progressLocked()}
	w.state = st
	w.mu.Unlock()

	w.deliver(st)
	go w.run(ctx, cancel, done, resumed)
}

// Pause asks the chunk loop to stop at the next chunk boundary; the
// in-flight chunk is allowed to finish. No-op unless uploading.
func (w *Worker) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.state.(StateUploading); !ok {
		return
	}
	w.pause = true
}

// Cancel aborts the upload, interrupting any in-flight request. The
// cancelled state is committed synchronously; the background loop releases
// the file handle as it unwinds and reports nothing further. Cancelling a
// worker in a terminal state is a no-op.
func (w *Worker) Cancel() {
	w.mu.Lock()
	if IsTerminal(w.state) {
		w.mu.Unlock()
		return
	}
	w.state = StateCancelled{}
	w.updatedAt = time.Now()
	cancel := w.cancelRun
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.tracker.logCancelled()
	w.deliver(StateCancelled{})
}

// run is the chunk loop. It owns the file handle: no other goroutine opens,
// reads or closes the upload source.
func (w *Worker) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}, resumed bool) {
	file := chunker.NewChunkedFile(w.opts.ChunkSize)

	defer close(done)
	defer cancel()
	defer w.closeQuietly(file)

	path, err := w.resolveSource(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		w.failWith(FailureFile, err)
		return
	}

	if err := file.Open(path); err != nil {
		w.failWith(FailureFile, err)
		return
	}

	w.mu.Lock()
	w.totalBytes = file.Size()
	watermark := w.watermark
	w.mu.Unlock()
	file.Seek(watermark)

	w.logger.Infof("Uploading %s (%s)", filepath.Base(path), units.HumanSizeWithPrecision(float64(file.Size()), 3))
	w.logger.Debugf("Destination: %s", w.identity.UploadURL)
	w.tracker.logStarted(file.Size(), w.opts.ChunkSize, resumed)

	for {
		if ctx.Err() != nil {
			// Cancel committed the state before cancelling the context.
			return
		}

		if w.pauseRequested() {
			w.closeQuietly(file)
			w.commitPaused()
			return
		}

		chunk, err := file.ReadNextChunk()
		if err != nil {
			w.failWith(FailureFile, err)
			return
		}

		if chunk.EOF() {
			w.finish(ctx, file)
			return
		}

		err = w.transport.UploadChunk(ctx, w.identity.UploadURL, chunk, func(sent int64) {
			w.reportProgress(chunk.StartByte + sent)
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.failWith(classifyFailure(err), err)
			return
		}

		w.commitChunk(chunk)
	}
}

// resolveSource turns the file reference into a local path, running it
// through the standardizer when one is configured. The result is cached so
// a resume does not resolve again.
func (w *Worker) resolveSource(ctx context.Context) (string, error) {
	w.mu.Lock()
	cached := w.localPath
	w.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	path := w.identity.File
	if w.resolver != nil {
		resolved, err := w.resolver.LocalPath(ctx, w.identity.File)
		if err != nil {
			return "", fmt.Errorf("resolve upload source: %w", err)
		}
		path = resolved
	}

	if w.standardizer != nil && w.opts.Standardization.Enabled {
		standardized, err := w.standardizer.Standardize(ctx, path, w.opts.Standardization.Preset)
		switch {
		case errors.Is(err, context.Canceled):
			return "", err
		case err != nil:
			w.logger.Warnf("Input standardization failed, uploading the original file: %v", err)
			w.tracker.logStandardizationFailed(w.opts.Standardization.Preset)
		default:
			path = standardized
		}
	}

	w.mu.Lock()
	w.localPath = path
	w.mu.Unlock()
	return path, nil
}

func (w *Worker) pauseRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pause
}

// commitChunk moves the watermark past a fully delivered chunk.
func (w *Worker) commitChunk(chunk chunker.Chunk) {
	w.mu.Lock()
	w.watermark = chunk.EndByte
	w.chunkCount++
	w.updatedAt = time.Now()
	w.mu.Unlock()

	w.reportProgress(chunk.EndByte)
}

// reportProgress delivers a rate-limited uploading notification. Values
// that do not increase the last delivered byte count are dropped, so the
// delivered sequence stays monotonic across chunk retries.
func (w *Worker) reportProgress(uploadedBytes int64) {
	if !w.gate.admit(uploadedBytes) {
		return
	}

	w.mu.Lock()
	if _, ok := w.state.(StateUploading); !ok {
		w.mu.Unlock()
		return
	}
	w.updatedAt = time.Now()
	progress := w.progressLocked()
	progress.UploadedBytes = uploadedBytes
	st := StateUploading{Progress: progress}
	w.state = st
	w.mu.Unlock()

	w.deliver(st)
}

func (w *Worker) commitPaused() {
	w.mu.Lock()
	if IsTerminal(w.state) {
		w.mu.Unlock()
		return
	}
	w.pause = false
	w.updatedAt = time.Now()
	progress := w.progressLocked()
	st := StatePaused{Progress: progress}
	w.state = st
	w.mu.Unlock()

	w.logger.Infof("Upload paused at %s", units.HumanSizeWithPrecision(float64(progress.UploadedBytes), 3))
	w.tracker.logPaused(progress.UploadedBytes)
	w.deliver(st)
}

// finish runs the optional finalize handshake and commits success.
func (w *Worker) finish(ctx context.Context, file *chunker.ChunkedFile) {
	if w.opts.Finalize == FinalizeEmptyRequest {
		if err := w.transport.Finalize(ctx, w.identity.UploadURL, file.Size()); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.failWith(classifyFailure(err), err)
			return
		}
	}

	w.closeQuietly(file)

	w.mu.Lock()
	if IsTerminal(w.state) {
		w.mu.Unlock()
		return
	}
	w.updatedAt = time.Now()
	progress := w.progressLocked()
	st := StateSucceeded{Progress: progress}
	w.state = st
	duration := time.Since(w.startedAt)
	chunkCount := w.chunkCount
	w.mu.Unlock()

	w.logger.Donef("Uploaded %s in %s", units.HumanSizeWithPrecision(float64(progress.TotalBytes), 3), duration.Round(time.Second))
	w.tracker.logSucceeded(duration, progress.TotalBytes, chunkCount)
	w.deliver(st)
}

func (w *Worker) failWith(code FailureCode, err error) {
	w.mu.Lock()
	if IsTerminal(w.state) {
		w.mu.Unlock()
		return
	}
	w.updatedAt = time.Now()
	failure := &Failure{
		Code:     code,
		Message:  err.Error(),
		Progress: w.progressLocked(),
		Err:      err,
	}
	st := StateFailed{Failure: failure}
	w.state = st
	w.mu.Unlock()

	w.logger.Errorf("Upload failed: %v", err)
	w.tracker.logFailed(code)
	w.deliver(st)
}

// deliver hands st to the observers. Non-terminal notifications racing a
// terminal transition are dropped here, so observers never hear from a
// worker after its terminal notification.
func (w *Worker) deliver(st State) {
	w.notifyMu.Lock()
	defer w.notifyMu.Unlock()

	if !IsTerminal(st) {
		w.mu.Lock()
		terminal := IsTerminal(w.state)
		w.mu.Unlock()
		if terminal {
			return
		}
	}

	w.observers.notify(w, st)
}

func (w *Worker) closeQuietly(file *chunker.ChunkedFile) {
	if err := file.Close(); err != nil {
		w.logger.Warnf("Close upload source: %v", err)
	}
}

func (w *Worker) runDoneChan() chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runDone
}
