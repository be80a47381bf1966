package upload

import (
	"sync"
	"time"
)

// Progress is a point-in-time snapshot of one upload.
type Progress struct {
	UploadedBytes int64
	TotalBytes    int64
	StartedAt     time.Time
	UpdatedAt     time.Time
}

// defaultProgressInterval caps how often observers see uploading-progress
// notifications, so byte-level updates cannot flood subscribers.
const defaultProgressInterval = 100 * time.Millisecond

// progressGate throttles uploading-progress notifications. Byte counts that
// do not increase past the last delivered value are dropped, which keeps the
// delivered sequence monotonic even when a retried chunk restarts its body
// transfer. Increases are delivered at most once per interval. State
// transitions are not routed through the gate; only progress repeats are.
type progressGate struct {
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	lastSent int64
	lastAt   time.Time
}

func newProgressGate(interval time.Duration, now func() time.Time) *progressGate {
	if interval <= 0 {
		interval = defaultProgressInterval
	}
	if now == nil {
		now = time.Now
	}
	return &progressGate{interval: interval, now: now}
}

// admit reports whether a progress update carrying uploadedBytes should be
// delivered, and records it as delivered when true.
func (g *progressGate) admit(uploadedBytes int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if uploadedBytes <= g.lastSent {
		return false
	}

	now := g.now()
	if !g.lastAt.IsZero() && now.Sub(g.lastAt) < g.interval {
		return false
	}

	g.lastSent = uploadedBytes
	g.lastAt = now
	return true
}
