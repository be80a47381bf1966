package upload

import (
	"fmt"
	"net/http"
	"time"
)

const (
	// DefaultChunkSize is used when Options.ChunkSize is unset.
	DefaultChunkSize int64 = 8 * 1024 * 1024
	// MinChunkSize is the smallest accepted chunk size. Smaller values are
	// raised to it.
	MinChunkSize int64 = 256 * 1024

	// DefaultRetriesPerChunk is used when Options.RetriesPerChunk is unset.
	DefaultRetriesPerChunk = 3

	maxRetriesPerChunk = 10
)

// FinalizeMode selects how the end of the file is signaled to the server.
type FinalizeMode string

const (
	// FinalizeNone sends nothing after the last chunk. Servers that infer
	// completion from the final content range need no more.
	FinalizeNone FinalizeMode = "none"
	// FinalizeEmptyRequest sends a zero-length request with a
	// "bytes */<total>" content range after the last chunk.
	FinalizeEmptyRequest FinalizeMode = "empty_request"
)

// StandardizationOptions toggles pre-upload input standardization.
type StandardizationOptions struct {
	Enabled bool   `json:"enabled"`
	Preset  Preset `json:"preset,omitempty"`
}

// EventTrackingOptions controls anonymized usage reporting.
type EventTrackingOptions struct {
	OptedOut bool `json:"opted_out"`
}

// Options is the recognized per-upload configuration surface.
//
// The zero value is usable: normalization fills in defaults. Callers that
// want to tweak a single knob should start from DefaultOptions.
type Options struct {
	// ChunkSize is the upload chunk size in bytes. Values below MinChunkSize
	// are raised to it; zero or negative means DefaultChunkSize.
	ChunkSize int64 `json:"chunk_size"`
	// RetriesPerChunk is the number of immediate retries after a failed
	// chunk, so a chunk is attempted at most RetriesPerChunk+1 times. Zero
	// or negative means DefaultRetriesPerChunk.
	RetriesPerChunk int `json:"retries_per_chunk"`
	// Method is the HTTP method used for chunk requests, http.MethodPut or
	// http.MethodPatch. Empty means PUT.
	Method string `json:"method,omitempty"`
	// Finalize selects the end-of-file handshake. Empty means FinalizeNone.
	Finalize FinalizeMode `json:"finalize,omitempty"`
	// ExtraHeaders are set verbatim on every chunk request. Reserved for
	// protocol headers the server side requires; never put credentials here.
	ExtraHeaders map[string]string `json:"extra_headers,omitempty"`
	// ProgressInterval caps the rate of progress notifications. Zero means
	// one per 100ms.
	ProgressInterval time.Duration `json:"progress_interval,omitempty"`

	Standardization StandardizationOptions `json:"standardization"`
	EventTracking   EventTrackingOptions   `json:"event_tracking"`
}

// DefaultOptions returns the options every field of which is set to its
// default.
func DefaultOptions() Options {
	return Options{
		ChunkSize:       DefaultChunkSize,
		RetriesPerChunk: DefaultRetriesPerChunk,
		Method:          http.MethodPut,
		Finalize:        FinalizeNone,
		Standardization: StandardizationOptions{Preset: Preset1920x1080},
	}
}

// normalized returns a copy with defaults filled in and out-of-range values
// clamped, or an error for values that cannot be fixed up.
func (o Options) normalized() (Options, error) {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ChunkSize < MinChunkSize {
		o.ChunkSize = MinChunkSize
	}

	if o.RetriesPerChunk <= 0 {
		o.RetriesPerChunk = DefaultRetriesPerChunk
	}
	if o.RetriesPerChunk > maxRetriesPerChunk {
		o.RetriesPerChunk = maxRetriesPerChunk
	}

	switch o.Method {
	case "":
		o.Method = http.MethodPut
	case http.MethodPut, http.MethodPatch:
	default:
		return Options{}, fmt.Errorf("unsupported upload method %q", o.Method)
	}

	switch o.Finalize {
	case "":
		o.Finalize = FinalizeNone
	case FinalizeNone, FinalizeEmptyRequest:
	default:
		return Options{}, fmt.Errorf("unsupported finalize mode %q", o.Finalize)
	}

	if o.Standardization.Preset == "" {
		o.Standardization.Preset = Preset1920x1080
	}

	if o.ProgressInterval <= 0 {
		o.ProgressInterval = defaultProgressInterval
	}

	return o, nil
}
