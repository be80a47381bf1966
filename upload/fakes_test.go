package upload

import (
	"context"
	"sync"

	"github.com/bitrise-io/go-utils/v2/analytics"

	"github.com/lumavid/go-uploadkit/upload/chunker"
	"github.com/lumavid/go-uploadkit/upload/network"
)

// fakeTransport records delivered chunks. An onChunk hook scripts per-call
// outcomes; a nil hook succeeds and reports the whole payload as sent.
type fakeTransport struct {
	mu        sync.Mutex
	calls     int
	chunks    []chunker.Chunk
	finalized []int64

	onChunk    func(ctx context.Context, call int, chunk chunker.Chunk, progress network.ProgressFunc) error
	onFinalize func(ctx context.Context, totalSize int64) error
}

func (f *fakeTransport) UploadChunk(ctx context.Context, uploadURL string, chunk chunker.Chunk, progress network.ProgressFunc) error {
	f.mu.Lock()
	call := f.calls
	f.calls++
	handler := f.onChunk
	f.mu.Unlock()

	if handler != nil {
		if err := handler(ctx, call, chunk, progress); err != nil {
			return err
		}
	} else if progress != nil {
		progress(chunk.Len())
	}

	f.mu.Lock()
	f.chunks = append(f.chunks, chunk)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Finalize(ctx context.Context, uploadURL string, totalSize int64) error {
	f.mu.Lock()
	handler := f.onFinalize
	f.mu.Unlock()

	if handler != nil {
		if err := handler(ctx, totalSize); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.finalized = append(f.finalized, totalSize)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) recordedChunks() []chunker.Chunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chunker.Chunk, len(f.chunks))
	copy(out, f.chunks)
	return out
}

func (f *fakeTransport) finalizeCalls() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.finalized))
	copy(out, f.finalized)
	return out
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeResolver struct {
	mu    sync.Mutex
	calls int
	path  string
	err   error
}

func (f *fakeResolver) LocalPath(ctx context.Context, ref string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.err != nil {
		return "", f.err
	}
	if f.path != "" {
		return f.path, nil
	}
	return ref, nil
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStandardizer struct {
	mu     sync.Mutex
	calls  int
	result string
	err    error
}

func (f *fakeStandardizer) Standardize(ctx context.Context, path string, preset Preset) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.err != nil {
		return "", f.err
	}
	if f.result != "" {
		return f.result, nil
	}
	return path, nil
}

type trackedEvent struct {
	name       string
	properties []analytics.Properties
}

// fakeTracker implements analytics.Tracker and records enqueued events.
type fakeTracker struct {
	mu     sync.Mutex
	events []trackedEvent
	waits  int
}

func (f *fakeTracker) Enqueue(eventName string, properties ...analytics.Properties) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, trackedEvent{name: eventName, properties: properties})
}

func (f *fakeTracker) Wait() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits++
}

func (f *fakeTracker) eventNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.events))
	for _, e := range f.events {
		names = append(names, e.name)
	}
	return names
}

func (f *fakeTracker) eventProperties(eventName string) analytics.Properties {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.name == eventName && len(e.properties) > 0 {
			return e.properties[0]
		}
	}
	return nil
}

// stateRecorder is an ObserverFunc that keeps every notification.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) observe(_ *Worker, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.states))
	copy(out, r.states)
	return out
}

func (r *stateRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}
