package upload

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/google/uuid"

	uploadanalytics "github.com/lumavid/go-uploadkit/analytics"
	"github.com/lumavid/go-uploadkit/input"
	"github.com/lumavid/go-uploadkit/upload/network"
)

// Input identifies and configures one upload.
type Input struct {
	// UploadURL is the pre-authorized destination the file is sent to. Any
	// required authorization must already be baked into it by whoever issued
	// it; the engine itself never attaches credentials.
	UploadURL string
	// File is the upload source: a local path, a file:// URL or an http(s)
	// URL that is fetched to a temporary file first.
	File string
	// Options tunes the transfer. The zero value selects the defaults.
	Options Options
}

// Status is a point-in-time public view of an upload.
type Status struct {
	UploadedBytes int64
	TotalBytes    int64
	StartTime     time.Time
	UpdatedTime   time.Time
	IsPaused      bool
}

// Result is the final outcome of an upload. Err is nil on success.
// Cancelled uploads produce no Result.
type Result struct {
	Status Status
	Err    *UploadError
}

// UploadError is the terminal error of a failed upload.
type UploadError struct {
	LastStatus Status
	Code       FailureCode
	Message    string
	Cause      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed (%s): %s", e.Code, e.Message)
}

func (e *UploadError) Unwrap() error {
	return e.Cause
}

// Uploader is the high-level handle for one upload. It resolves the input,
// builds the worker and exposes the lifecycle controls, while registration
// and deduplication stay with the injected coordinator.
//
// Progress and result callbacks are delivered in order on a background
// goroutine, so they may call back into the Uploader.
type Uploader struct {
	coordinator  *Coordinator
	identity     Identity
	opts         Options
	logger       log.Logger
	transport    *network.Transport
	resolver     SourceResolver
	standardizer Standardizer
	tracker      *uploadTracker
	token        string
	dispatch     *dispatcher

	httpClient *http.Client
	rawTracker analytics.Tracker

	mu         sync.Mutex
	worker     *Worker
	onProgress func(Status)
	onResult   func(Result)
	resultSent bool
}

// UploaderOption customizes an Uploader.
type UploaderOption func(*Uploader)

// WithHTTPClient overrides the HTTP client chunks are sent through.
func WithHTTPClient(client *http.Client) UploaderOption {
	return func(u *Uploader) {
		u.httpClient = client
	}
}

// WithTracker overrides the analytics backend. EventTracking.OptedOut still
// wins: an opted-out upload tracks nothing.
func WithTracker(tracker analytics.Tracker) UploaderOption {
	return func(u *Uploader) {
		u.rawTracker = tracker
	}
}

// WithStandardizer installs the input standardization implementation.
func WithStandardizer(standardizer Standardizer) UploaderOption {
	return func(u *Uploader) {
		u.standardizer = standardizer
	}
}

// WithSourceResolver overrides how the file reference is materialized into
// a local path.
func WithSourceResolver(resolver SourceResolver) UploaderOption {
	return func(u *Uploader) {
		u.resolver = resolver
	}
}

// New validates the input and returns an Uploader bound to the coordinator.
// Nothing is transferred until Start.
func New(coordinator *Coordinator, in Input, logger log.Logger, opts ...UploaderOption) (*Uploader, error) {
	if coordinator == nil {
		return nil, errors.New("no coordinator provided")
	}
	if in.File == "" {
		return nil, errors.New("no upload source provided")
	}
	parsed, err := url.Parse(in.UploadURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("invalid upload URL: %q", in.UploadURL)
	}

	normalized, err := in.Options.normalized()
	if err != nil {
		return nil, err
	}

	file := in.File
	if !isRemoteRef(file) && !strings.HasPrefix(file, "file://") {
		abs, err := pathutil.NewPathModifier().AbsPath(file)
		if err != nil {
			return nil, fmt.Errorf("resolve upload source path: %w", err)
		}
		file = abs
	}

	u := &Uploader{
		coordinator: coordinator,
		identity:    Identity{UploadURL: in.UploadURL, File: file},
		opts:        normalized,
		logger:      logger,
		token:       uuid.NewString(),
		dispatch:    &dispatcher{},
	}
	for _, opt := range opts {
		opt(u)
	}

	if u.resolver == nil {
		u.resolver = input.NewFileProvider(logger)
	}
	if normalized.Standardization.Enabled && u.standardizer == nil {
		logger.Warnf("Input standardization is enabled but no standardizer is configured, files are uploaded as-is")
	}

	tracker := u.rawTracker
	if tracker == nil && !normalized.EventTracking.OptedOut {
		tracker = uploadanalytics.NewDefaultUploadTracker(env.NewRepository(), logger)
	}
	u.tracker = newUploadTracker(tracker, normalized.EventTracking.OptedOut, logger)

	u.transport = network.NewTransport(network.TransportConfig{
		HTTPClient:   u.httpClient,
		Method:       normalized.Method,
		MaxRetries:   normalized.RetriesPerChunk,
		ExtraHeaders: normalized.ExtraHeaders,
	}, logger)

	return u, nil
}

// OnProgress sets the progress callback. It fires on uploading and paused
// snapshots, at most once per progress interval. Set it before Start.
func (u *Uploader) OnProgress(fn func(Status)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onProgress = fn
}

// OnResult sets the result callback. It fires exactly once per started
// transfer, on success or failure; a cancelled transfer reports nothing.
// Set it before Start.
func (u *Uploader) OnResult(fn func(Result)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onResult = fn
}

// Start begins the upload, or resumes it when paused. With forceRestart an
// upload already running for the same identity anywhere in the process is
// cancelled and replaced by a fresh transfer from byte zero; without it,
// Start joins such an upload instead of duplicating it.
func (u *Uploader) Start(forceRestart bool) {
	u.mu.Lock()
	candidate := u.worker
	fresh := candidate == nil || forceRestart
	u.mu.Unlock()

	if fresh {
		candidate = u.buildWorker()
		candidate.RegisterObserver(u.token, u.observe)
		u.mu.Lock()
		u.worker = candidate
		u.resultSent = false
		u.mu.Unlock()
	}

	authoritative := u.coordinator.StartUpload(candidate, forceRestart)
	if authoritative == candidate {
		return
	}

	// Another uploader already runs this identity; follow its worker.
	authoritative.RegisterObserver(u.token, u.observe)
	u.mu.Lock()
	u.worker = authoritative
	u.resultSent = false
	u.mu.Unlock()
}

// Pause asks the transfer to stop at the next chunk boundary. Resume with
// Start.
func (u *Uploader) Pause() {
	if w := u.currentWorker(); w != nil {
		w.Pause()
	}
}

// Cancel aborts the transfer. No result callback follows.
func (u *Uploader) Cancel() {
	if w := u.currentWorker(); w != nil {
		w.Cancel()
	}
}

// Status returns the latest known status. Before Start it is the zero
// value.
func (u *Uploader) Status() Status {
	w := u.currentWorker()
	if w == nil {
		return Status{}
	}
	s := w.State()
	_, paused := s.(StatePaused)
	if p, ok := progressIn(s); ok {
		return statusFrom(p, paused)
	}
	return statusFrom(w.Progress(), paused)
}

// InProgress reports whether the transfer is uploading or paused.
func (u *Uploader) InProgress() bool {
	w := u.currentWorker()
	if w == nil {
		return false
	}
	switch w.State().(type) {
	case StateUploading, StatePaused:
		return true
	}
	return false
}

// Worker returns the registered worker driving this upload, or nil before
// the first Start.
func (u *Uploader) Worker() *Worker {
	return u.currentWorker()
}

// Flush blocks until queued analytics events are delivered.
func (u *Uploader) Flush() {
	u.tracker.wait()
}

func (u *Uploader) currentWorker() *Worker {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.worker
}

func (u *Uploader) buildWorker() *Worker {
	return newWorker(u.identity, u.opts, u.transport, u.resolver, u.standardizer, u.tracker, u.logger)
}

// observe translates worker states into user callbacks. Callbacks are
// enqueued here and invoked by the dispatcher, outside every engine lock.
func (u *Uploader) observe(w *Worker, s State) {
	u.mu.Lock()
	if u.worker != w {
		u.mu.Unlock()
		return
	}
	onProgress := u.onProgress
	onResult := u.onResult

	var fn func()
	switch st := s.(type) {
	case StateUploading:
		if onProgress != nil {
			status := statusFrom(st.Progress, false)
			fn = func() { onProgress(status) }
		}
	case StatePaused:
		if onProgress != nil {
			status := statusFrom(st.Progress, true)
			fn = func() { onProgress(status) }
		}
	case StateSucceeded:
		if onResult != nil && !u.resultSent {
			u.resultSent = true
			status := statusFrom(st.Progress, false)
			fn = func() { onResult(Result{Status: status}) }
		}
	case StateFailed:
		if onResult != nil && !u.resultSent && st.Failure != nil {
			u.resultSent = true
			status := statusFrom(st.Failure.Progress, false)
			uploadErr := &UploadError{
				LastStatus: status,
				Code:       st.Failure.Code,
				Message:    st.Failure.Message,
				Cause:      st.Failure.Err,
			}
			fn = func() { onResult(Result{Status: status, Err: uploadErr}) }
		}
	}
	u.mu.Unlock()

	if fn != nil {
		u.dispatch.enqueue(fn)
	}
}

// RestoreUploads rebuilds an Uploader for every entry in the coordinator's
// ledger. Restored uploads are registered but not started; starting one
// transfers the whole file again from byte zero. Entries that no longer
// validate are skipped.
func RestoreUploads(coordinator *Coordinator, logger log.Logger, opts ...UploaderOption) []*Uploader {
	var out []*Uploader
	for _, e := range coordinator.LedgerEntries() {
		in := Input{UploadURL: e.UploadURL, File: e.File, Options: e.Options}
		u, err := New(coordinator, in, logger, opts...)
		if err != nil {
			logger.Warnf("Skipping unrestorable upload %s: %s", e.File, err)
			continue
		}
		w := coordinator.adopt(u.buildWorker())
		w.RegisterObserver(u.token, u.observe)
		u.mu.Lock()
		u.worker = w
		u.mu.Unlock()
		out = append(out, u)
	}
	return out
}

func statusFrom(p Progress, paused bool) Status {
	return Status{
		UploadedBytes: p.UploadedBytes,
		TotalBytes:    p.TotalBytes,
		StartTime:     p.StartedAt,
		UpdatedTime:   p.UpdatedAt,
		IsPaused:      paused,
	}
}

func isRemoteRef(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// dispatcher runs queued callbacks one at a time in enqueue order on a
// background goroutine that exits whenever the queue drains.
type dispatcher struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (d *dispatcher) enqueue(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	if !d.running {
		d.running = true
		go d.drain()
	}
	d.mu.Unlock()
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.running = false
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		fn()
	}
}
