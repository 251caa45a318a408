package app

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/librisync/librisync/internal/domain"
	"github.com/librisync/librisync/internal/transfer"
)

// LicenseService acquires a decrypted voucher for a content ID
type LicenseService interface {
	Acquire(ctx context.Context, contentID string) (*domain.Voucher, error)
}

// Converter decodes a downloaded file with the voucher's key material and
// returns the output path
type Converter interface {
	Convert(ctx context.Context, task *domain.Task, voucher *domain.Voucher, inputPath string) (string, error)
}

// ProgressEvent is one progress update delivered to subscribers
type ProgressEvent struct {
	TaskID    string            `json:"task_id"`
	ContentID string            `json:"content_id"`
	Status    domain.TaskStatus `json:"status"`
	transfer.Snapshot
}

// taskRunner is the in-memory runtime for one admitted task. The events
// channel decouples the transfer goroutine from subscribers: publishes never
// block, overflow drops the update and the next one carries fresh numbers.
type taskRunner struct {
	task    *domain.Task
	tracker *transfer.Tracker
	stream  *transfer.Stream
	cancel  context.CancelFunc
	events  chan ProgressEvent
	done    chan struct{}

	cancelled      atomic.Bool
	pauseRequested atomic.Bool

	mu sync.Mutex // guards task entity and stream pointer
}

func (r *taskRunner) publish(ev ProgressEvent) {
	select {
	case r.events <- ev:
	default:
	}
}

func (r *taskRunner) getStream() *transfer.Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream
}

func (r *taskRunner) status() domain.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task.Status
}

func (r *taskRunner) snapshot() transfer.Snapshot {
	r.mu.Lock()
	tracker := r.tracker
	r.mu.Unlock()
	if tracker == nil {
		return transfer.Snapshot{}
	}
	return tracker.Snapshot()
}
