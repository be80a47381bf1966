package upload

import (
	"context"
	"errors"
	"fmt"

	"github.com/lumavid/go-uploadkit/upload/chunker"
	"github.com/lumavid/go-uploadkit/upload/network"
)

// State is the lifecycle position of one upload worker. It is a closed set:
// exactly the variants in this file implement it, and each variant carries
// only the data valid in that state.
//
//	StateNotStarted -> StateUploading -> StatePaused | StateSucceeded | StateFailed | StateCancelled
//	StatePaused -> StateUploading | StateCancelled
//
// Succeeded, failed and cancelled are terminal.
type State interface {
	uploadState()
}

// StateNotStarted is the initial state before Start.
type StateNotStarted struct{}

// StateUploading carries the progress snapshot current at notification time.
type StateUploading struct {
	Progress Progress
}

// StatePaused carries the progress at the chunk boundary the worker paused on.
type StatePaused struct {
	Progress Progress
}

// StateSucceeded carries the final progress (all bytes committed).
type StateSucceeded struct {
	Progress Progress
}

// StateFailed carries the terminal failure, including the last progress
// snapshot for diagnostics.
type StateFailed struct {
	Failure *Failure
}

// StateCancelled is the terminal state of a user-initiated abort. It carries
// no payload: cancellation is not a failure and reports no error.
type StateCancelled struct{}

func (StateNotStarted) uploadState() {}
func (StateUploading) uploadState()  {}
func (StatePaused) uploadState()     {}
func (StateSucceeded) uploadState()  {}
func (StateFailed) uploadState()     {}
func (StateCancelled) uploadState()  {}

// IsTerminal reports whether s is one of the absorbing states.
func IsTerminal(s State) bool {
	switch s.(type) {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

func stateCode(s State) string {
	switch s.(type) {
	case StateNotStarted:
		return "not_started"
	case StateUploading:
		return "uploading"
	case StatePaused:
		return "paused"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// progressIn returns the progress payload carried by s, when it has one.
func progressIn(s State) (Progress, bool) {
	switch st := s.(type) {
	case StateUploading:
		return st.Progress, true
	case StatePaused:
		return st.Progress, true
	case StateSucceeded:
		return st.Progress, true
	case StateFailed:
		if st.Failure != nil {
			return st.Failure.Progress, true
		}
	}
	return Progress{}, false
}

// FailureCode classifies terminal upload failures.
type FailureCode string

const (
	// FailureCancelled marks errors caused by context cancellation. Workers
	// route these to StateCancelled, never to StateFailed.
	FailureCancelled FailureCode = "cancelled"
	// FailureHTTP is a non-2xx response from the upload endpoint.
	FailureHTTP FailureCode = "http"
	// FailureConnection is an I/O or transport-level failure.
	FailureConnection FailureCode = "connection"
	// FailureFile is a local source access or read failure.
	FailureFile FailureCode = "file"
	// FailureUnknown is the catch-all for unclassified internal errors.
	FailureUnknown FailureCode = "unknown"
)

// Failure is the payload of StateFailed.
type Failure struct {
	Code     FailureCode
	Message  string
	Progress Progress
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("upload failed (%s): %s", f.Code, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// classifyFailure maps low-level errors onto the failure taxonomy.
func classifyFailure(err error) FailureCode {
	if errors.Is(err, context.Canceled) {
		return FailureCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureConnection
	}

	var fileErr *chunker.FileAccessError
	if errors.As(err, &fileErr) {
		return FailureFile
	}

	var httpErr *network.HTTPError
	if errors.As(err, &httpErr) {
		return FailureHTTP
	}

	var chunkErr *network.ChunkError
	if errors.As(err, &chunkErr) {
		return FailureConnection
	}

	return FailureUnknown
}
