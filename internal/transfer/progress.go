package transfer

import (
	"sync"
	"time"
)

// Snapshot is an ephemeral view of transfer progress emitted to subscribers.
// It is recomputed on each report tick and never persisted.
type Snapshot struct {
	BytesDone    int64          `json:"bytes_done"`
	BytesTotal   int64          `json:"bytes_total"`
	Percent      float64        `json:"percent"`
	Rate         float64        `json:"rate"`          // bytes/sec, instantaneous
	SmoothedRate float64        `json:"smoothed_rate"` // bytes/sec, moving average
	ETA          *time.Duration `json:"eta,omitempty"` // nil when rate is zero or total unknown
}

const speedSampleCount = 10

type speedSample struct {
	position int64
	at       time.Time
}

// Tracker converts a monotonically increasing byte counter into smoothed
// rate and ETA metrics, and rate-limits emission so subscribers are not
// flooded by bursty I/O. Snapshot is safe to call concurrently with the
// writer.
type Tracker struct {
	mu           sync.RWMutex
	bytesDone    int64
	bytesTotal   int64
	samples      []speedSample
	lastEmit     time.Time
	emitInterval time.Duration
	now          func() time.Time // test seam
}

// NewTracker creates a tracker emitting at most once per interval
func NewTracker(emitInterval time.Duration) *Tracker {
	if emitInterval <= 0 {
		emitInterval = 200 * time.Millisecond
	}
	return &Tracker{
		emitInterval: emitInterval,
		now:          time.Now,
	}
}

// Reset positions the counter, e.g. when resuming from a durable offset
func (t *Tracker) Reset(bytesDone, bytesTotal int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bytesDone = bytesDone
	t.bytesTotal = bytesTotal
	t.samples = t.samples[:0]
	t.samples = append(t.samples, speedSample{position: bytesDone, at: t.now()})
}

// SetTotal records the total size once the first response supplies it
func (t *Tracker) SetTotal(total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bytesTotal = total
}

// Add accumulates downloaded bytes and records a rate sample
func (t *Tracker) Add(delta int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bytesDone += delta
	t.samples = append(t.samples, speedSample{position: t.bytesDone, at: t.now()})
	if len(t.samples) > speedSampleCount {
		t.samples = t.samples[len(t.samples)-speedSampleCount:]
	}
}

// ShouldEmit returns true at most once per emit interval. Start and
// terminal events bypass this gate so observers always see a first and a
// last snapshot.
func (t *Tracker) ShouldEmit(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if now.Sub(t.lastEmit) < t.emitInterval {
		return false
	}
	t.lastEmit = now
	return true
}

// Snapshot returns the current progress metrics
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := Snapshot{
		BytesDone:    t.bytesDone,
		BytesTotal:   t.bytesTotal,
		Rate:         t.instantRateLocked(),
		SmoothedRate: t.smoothedRateLocked(),
	}

	if t.bytesTotal > 0 {
		snap.Percent = float64(t.bytesDone) / float64(t.bytesTotal) * 100
		if snap.Percent < 0 {
			snap.Percent = 0
		}
		if snap.Percent > 100 {
			snap.Percent = 100
		}
		if snap.SmoothedRate > 0 && t.bytesDone < t.bytesTotal {
			remaining := float64(t.bytesTotal - t.bytesDone)
			eta := time.Duration(remaining / snap.SmoothedRate * float64(time.Second))
			snap.ETA = &eta
		}
	}

	return snap
}

// smoothedRateLocked averages over the whole sample window to damp jitter
func (t *Tracker) smoothedRateLocked() float64 {
	if len(t.samples) < 2 {
		return 0
	}
	first := t.samples[0]
	last := t.samples[len(t.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(last.position-first.position) / elapsed
}

// instantRateLocked uses only the two most recent samples
func (t *Tracker) instantRateLocked() float64 {
	if len(t.samples) < 2 {
		return 0
	}
	prev := t.samples[len(t.samples)-2]
	last := t.samples[len(t.samples)-1]
	elapsed := last.at.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(last.position-prev.position) / elapsed
}
