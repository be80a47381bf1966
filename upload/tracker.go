package upload

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
)

// uploadTracker reports upload lifecycle events.
//
// A nil backing tracker, or an opted-out configuration, turns every method
// into a no-op so call sites stay unconditional.
type uploadTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

func newUploadTracker(tracker analytics.Tracker, optedOut bool, logger log.Logger) *uploadTracker {
	if optedOut {
		tracker = nil
	}
	return &uploadTracker{tracker: tracker, logger: logger}
}

func (t *uploadTracker) logStarted(fileSizeBytes, chunkSizeBytes int64, resumed bool) {
	if t.tracker == nil {
		return
	}
	name := "upload_started"
	if resumed {
		name = "upload_resumed"
	}
	t.tracker.Enqueue(name, analytics.Properties{
		"file_size_bytes":  fileSizeBytes,
		"chunk_size_bytes": chunkSizeBytes,
	})
}

func (t *uploadTracker) logPaused(uploadedBytes int64) {
	if t.tracker == nil {
		return
	}
	t.tracker.Enqueue("upload_paused", analytics.Properties{
		"uploaded_bytes": uploadedBytes,
	})
}

func (t *uploadTracker) logSucceeded(duration time.Duration, fileSizeBytes int64, chunkCount int) {
	if t.tracker == nil {
		return
	}
	t.tracker.Enqueue("upload_succeeded", analytics.Properties{
		"duration_s":      duration.Truncate(time.Second).Seconds(),
		"file_size_bytes": fileSizeBytes,
		"chunk_count":     chunkCount,
	})
}

func (t *uploadTracker) logFailed(code FailureCode) {
	if t.tracker == nil {
		return
	}
	t.tracker.Enqueue("upload_failed", analytics.Properties{
		"error_code": string(code),
	})
}

func (t *uploadTracker) logCancelled() {
	if t.tracker == nil {
		return
	}
	t.tracker.Enqueue("upload_cancelled")
}

func (t *uploadTracker) logStandardizationFailed(preset Preset) {
	if t.tracker == nil {
		return
	}
	t.tracker.Enqueue("standardization_failed", analytics.Properties{
		"preset": string(preset),
	})
}

// wait blocks until queued events are flushed.
func (t *uploadTracker) wait() {
	if t.tracker == nil {
		return
	}
	t.tracker.Wait()
}
