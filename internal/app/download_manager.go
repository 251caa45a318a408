package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/librisync/librisync/internal/domain"
	"github.com/librisync/librisync/internal/transfer"
	"github.com/librisync/librisync/pkg/logger"
)

// DownloadManager owns the task catalog and drives each admitted task
// through license acquisition, resumable transfer, and conversion. At most
// ConcurrentLimit tasks hold the admission semaphore at a time; the rest
// wait in enqueue order.
type DownloadManager struct {
	repo      domain.TaskRepository
	licenses  LicenseService
	converter Converter
	config    *domain.Config
	logger    *zap.Logger
	events    *logger.EventLogger

	sem chan struct{}

	mu         sync.RWMutex
	runners    map[string]*taskRunner
	subs       map[string]map[int]chan ProgressEvent
	nextSub    int
	baseCtx    context.Context
	baseCancel context.CancelFunc

	wg sync.WaitGroup
}

// NewDownloadManager creates a new download manager
func NewDownloadManager(
	repo domain.TaskRepository,
	licenses LicenseService,
	converter Converter,
	config *domain.Config,
	zapLogger *zap.Logger,
	eventLogger *logger.EventLogger,
) *DownloadManager {
	limit := config.Download.ConcurrentLimit
	if limit < 1 {
		limit = 1
	}
	return &DownloadManager{
		repo:      repo,
		licenses:  licenses,
		converter: converter,
		config:    config,
		logger:    zapLogger,
		events:    eventLogger,
		sem:       make(chan struct{}, limit),
		runners:   make(map[string]*taskRunner),
		subs:      make(map[string]map[int]chan ProgressEvent),
	}
}

// Start begins processing. Tasks interrupted mid-transfer by a previous
// shutdown are requeued and resume from their durable offsets.
func (m *DownloadManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.baseCtx != nil {
		m.mu.Unlock()
		return fmt.Errorf("download manager already started")
	}
	m.baseCtx, m.baseCancel = context.WithCancel(ctx)
	m.mu.Unlock()

	for _, status := range []domain.TaskStatus{domain.StatusPending, domain.StatusDownloading} {
		interrupted, err := m.repo.FindByStatus(status)
		if err != nil {
			return fmt.Errorf("failed to load interrupted tasks: %w", err)
		}
		for _, task := range interrupted {
			task.Status = domain.StatusQueued
			task.UpdatedAt = time.Now()
			if err := m.repo.Update(task); err != nil {
				return fmt.Errorf("failed to requeue interrupted task: %w", err)
			}
		}
	}

	queued, err := m.repo.FindQueued()
	if err != nil {
		return fmt.Errorf("failed to load queued tasks: %w", err)
	}
	for _, task := range queued {
		m.startTask(task)
	}

	m.logger.Info("download manager started",
		zap.Int("concurrent_limit", cap(m.sem)),
		zap.Int("queued", len(queued)))
	return nil
}

// Stop pauses all active transfers and waits for them to reach a durable
// checkpoint. Transfers that do not yield within the timeout are cancelled
// via context; their flushed progress remains resumable.
func (m *DownloadManager) Stop(timeout time.Duration) {
	m.PauseAll()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		m.logger.Warn("shutdown timeout, cancelling remaining transfers")
	}

	m.mu.Lock()
	if m.baseCancel != nil {
		m.baseCancel()
	}
	m.mu.Unlock()
	m.wg.Wait()

	m.logger.Info("download manager stopped")
}

// Enqueue registers a new download. Enqueueing a content ID that already
// has a task returns the existing task with ErrDuplicateTask; callers decide
// whether that is an error or a no-op.
func (m *DownloadManager) Enqueue(contentID, title string) (*domain.Task, error) {
	if contentID == "" {
		return nil, fmt.Errorf("content id must not be empty")
	}

	if existing, err := m.repo.FindByContentID(contentID); err == nil {
		return existing, domain.ErrDuplicateTask
	}

	destination := filepath.Join(m.config.Download.BaseDir, contentID+".aaxc")
	task := domain.NewTask(contentID, title, destination)

	if err := m.repo.Create(task); err != nil {
		return nil, err
	}

	m.events.LogTransferEvent("task_enqueued",
		zap.String("id", task.ID),
		zap.String("content_id", contentID),
		zap.String("title", title))

	m.mu.RLock()
	started := m.baseCtx != nil
	m.mu.RUnlock()
	if started {
		m.startTask(task)
	}

	return task, nil
}

// Pause requests a cooperative pause. The transfer yields after its current
// chunk is flushed, so the persisted offset stays durable.
func (m *DownloadManager) Pause(id string) error {
	m.mu.RLock()
	r, active := m.runners[id]
	m.mu.RUnlock()

	if active {
		r.pauseRequested.Store(true)
		if stream := r.getStream(); stream != nil {
			stream.Pause()
		} else {
			// still waiting for admission or license, cancel delivery
			r.cancel()
		}
		return nil
	}

	task, err := m.repo.FindByID(id)
	if err != nil {
		return err
	}
	if task.Status != domain.StatusQueued {
		return fmt.Errorf("task is not active or queued: %s", task.Status)
	}
	task.MarkPaused()
	return m.repo.Update(task)
}

// PauseAll pauses every active transfer
func (m *DownloadManager) PauseAll() {
	m.mu.RLock()
	runners := make([]*taskRunner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.RUnlock()

	for _, r := range runners {
		if stream := r.getStream(); stream != nil {
			stream.Pause()
		} else {
			r.cancel()
		}
	}
}

// CancelAll cancels every non-terminal task, active or queued
func (m *DownloadManager) CancelAll() {
	tasks, err := m.repo.FindAll(nil)
	if err != nil {
		m.logger.Error("cancel all: list tasks", zap.Error(err))
		return
	}
	for _, task := range tasks {
		if task.IsTerminal() {
			continue
		}
		if err := m.Cancel(task.ID); err != nil {
			m.logger.Warn("cancel all", zap.String("id", task.ID), zap.Error(err))
		}
	}
}

// Cancel stops a task and deletes its partial file and transfer state
func (m *DownloadManager) Cancel(id string) error {
	m.mu.RLock()
	r, active := m.runners[id]
	m.mu.RUnlock()

	if active {
		r.cancelled.Store(true)
		r.cancel()
		return nil
	}

	task, err := m.repo.FindByID(id)
	if err != nil {
		return err
	}
	if task.IsTerminal() {
		return fmt.Errorf("task already in terminal state: %s", task.Status)
	}

	task.MarkCancelled()
	if err := m.repo.Update(task); err != nil {
		return err
	}
	m.removePartialFiles(task)

	m.events.LogTransferEvent("task_cancelled", zap.String("id", task.ID))
	return nil
}

// Resume requeues a paused or failed task. The transfer picks up from the
// persisted offset when its state sidecar survives.
func (m *DownloadManager) Resume(id string) error {
	m.mu.RLock()
	_, active := m.runners[id]
	started := m.baseCtx != nil
	m.mu.RUnlock()

	if active {
		return fmt.Errorf("task is already running")
	}

	task, err := m.repo.FindByID(id)
	if err != nil {
		return err
	}
	if !task.IsResumable() {
		return fmt.Errorf("task is not resumable: %s", task.Status)
	}

	task.Status = domain.StatusQueued
	task.ErrorCategory = ""
	task.ErrorMessage = ""
	task.UpdatedAt = time.Now()
	if err := m.repo.Update(task); err != nil {
		return err
	}

	m.events.LogTransferEvent("task_resumed", zap.String("id", task.ID))

	if started {
		m.startTask(task)
	}
	return nil
}

// GetTask retrieves a task by ID. A running task carries its live byte
// counters rather than the last persisted ones.
func (m *DownloadManager) GetTask(id string) (*domain.Task, error) {
	task, err := m.repo.FindByID(id)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	r, active := m.runners[id]
	m.mu.RUnlock()
	if active {
		snap := r.snapshot()
		task.BytesDone = snap.BytesDone
		task.BytesTotal = snap.BytesTotal
	}
	return task, nil
}

// ListTasks lists tasks with optional filters
func (m *DownloadManager) ListTasks(filters map[string]interface{}) ([]*domain.Task, error) {
	return m.repo.FindAll(filters)
}

// GetStats returns catalog statistics
func (m *DownloadManager) GetStats() (*domain.TaskStats, error) {
	return m.repo.GetStats()
}

// Progress returns the live snapshot for a running task
func (m *DownloadManager) Progress(id string) (transfer.Snapshot, bool) {
	m.mu.RLock()
	r, active := m.runners[id]
	m.mu.RUnlock()
	if !active {
		return transfer.Snapshot{}, false
	}
	return r.snapshot(), true
}

// Subscribe registers a progress listener. An empty taskID receives events
// for all tasks. Slow subscribers lose intermediate events, never block the
// transfer.
func (m *DownloadManager) Subscribe(taskID string) (int, <-chan ProgressEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSub++
	id := m.nextSub
	ch := make(chan ProgressEvent, 16)
	if m.subs[taskID] == nil {
		m.subs[taskID] = make(map[int]chan ProgressEvent)
	}
	m.subs[taskID][id] = ch
	return id, ch
}

// Unsubscribe removes a progress listener and closes its channel
func (m *DownloadManager) Unsubscribe(taskID string, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.subs[taskID][id]; ok {
		delete(m.subs[taskID], id)
		close(ch)
	}
}

// startTask creates the runner pair: one goroutine drives the pipeline,
// one fans events out to subscribers.
func (m *DownloadManager) startTask(task *domain.Task) {
	m.mu.Lock()
	if _, exists := m.runners[task.ID]; exists {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	r := &taskRunner{
		task:   task,
		cancel: cancel,
		events: make(chan ProgressEvent, 64),
		done:   make(chan struct{}),
	}
	m.runners[task.ID] = r
	m.mu.Unlock()

	m.wg.Add(2)
	go m.dispatch(r)
	go func() {
		defer m.wg.Done()
		m.runTask(ctx, r)
		close(r.events)

		m.mu.Lock()
		delete(m.runners, task.ID)
		m.mu.Unlock()
		close(r.done)
	}()
}

// dispatch forwards a runner's events to subscribers and keeps the entity's
// byte counters fresh, persisting them at a coarse interval so a crash does
// not cost more than a second of progress display.
func (m *DownloadManager) dispatch(r *taskRunner) {
	defer m.wg.Done()

	lastPersist := time.Now()
	for ev := range r.events {
		r.mu.Lock()
		r.task.UpdateProgress(ev.BytesDone, ev.BytesTotal)
		persist := time.Since(lastPersist) >= time.Second
		var task domain.Task
		if persist {
			task = *r.task
			lastPersist = time.Now()
		}
		r.mu.Unlock()

		if persist {
			if err := m.repo.Update(&task); err != nil {
				m.logger.Error("failed to persist task progress", zap.Error(err))
			}
		}

		m.fanOut(ev)
	}
}

func (m *DownloadManager) fanOut(ev ProgressEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.subs[ev.TaskID] {
		select {
		case ch <- ev:
		default:
		}
	}
	for _, ch := range m.subs[""] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// runTask drives one task through the full pipeline: admission, license,
// transfer with URL refresh, then conversion.
func (m *DownloadManager) runTask(ctx context.Context, r *taskRunner) {
	task := r.task

	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-ctx.Done():
		m.finishInterrupted(r)
		return
	}

	r.mu.Lock()
	task.MarkPending()
	r.mu.Unlock()
	m.persist(r)

	m.events.LogTransferEvent("task_started",
		zap.String("id", task.ID),
		zap.String("content_id", task.ContentID))

	voucher, err := m.licenses.Acquire(ctx, task.ContentID)
	if err != nil {
		if ctx.Err() != nil {
			m.finishInterrupted(r)
			return
		}
		m.fail(r, err)
		return
	}

	tracker := transfer.NewTracker(m.config.Download.ProgressInterval)
	stream := transfer.NewStream(task.DestinationPath, transfer.Options{
		ChunkSize:        m.config.Download.ChunkSize,
		FlushThreshold:   m.config.Download.FlushThreshold,
		MaxRetryStreak:   m.config.Download.MaxRetryStreak,
		RetryDelay:       m.config.Download.RetryDelay,
		ReadStallTimeout: m.config.Download.ReadStallTimeout,
		MaxBytesPerSec:   m.config.Download.MaxBytesPerSec,
		UserAgent:        m.config.Download.UserAgent,
	}, tracker, func(snap transfer.Snapshot) {
		r.publish(ProgressEvent{
			TaskID:    task.ID,
			ContentID: task.ContentID,
			Status:    r.status(),
			Snapshot:  snap,
		})
	}, m.logger)

	r.mu.Lock()
	r.tracker = tracker
	r.stream = stream
	task.MarkDownloading()
	r.mu.Unlock()
	m.persist(r)

	refreshes := 0
	for {
		err = stream.Run(ctx, voucher.ContentURL)
		if err == nil {
			break
		}

		if errors.Is(err, domain.ErrURLExpired) && refreshes < m.config.License.MaxURLRefresh {
			refreshes++
			m.logger.Info("download URL expired, requesting fresh license",
				zap.String("id", task.ID),
				zap.Int("refresh", refreshes),
				zap.Int64("bytes_written", stream.BytesWritten()))
			m.events.LogTransferEvent("url_refreshed",
				zap.String("id", task.ID),
				zap.Int("refresh", refreshes))

			fresh, lerr := m.licenses.Acquire(ctx, task.ContentID)
			if lerr != nil {
				m.fail(r, lerr)
				return
			}
			voucher = fresh
			stream.SetURL(fresh.ContentURL)
			continue
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			m.finishInterrupted(r)
			return
		}
		m.fail(r, err)
		return
	}

	if stream.Status() == transfer.StatusPaused {
		r.mu.Lock()
		task.MarkPaused()
		r.mu.Unlock()
		m.persist(r)

		m.events.LogTransferEvent("task_paused",
			zap.String("id", task.ID),
			zap.Int64("bytes_written", stream.BytesWritten()))
		m.publishTerminal(r)
		return
	}

	outputPath, err := m.converter.Convert(ctx, task, voucher, task.DestinationPath)
	if err != nil {
		m.fail(r, err)
		return
	}

	r.mu.Lock()
	task.MarkCompleted(outputPath)
	r.mu.Unlock()
	m.persist(r)

	m.logger.Info("task completed",
		zap.String("id", task.ID),
		zap.String("content_id", task.ContentID),
		zap.String("output", outputPath))
	m.events.LogTransferEvent("task_completed",
		zap.String("id", task.ID),
		zap.String("output", outputPath))
	m.publishTerminal(r)
}

// finishInterrupted records the outcome of a context-cancelled runner:
// cancelled tasks lose their partial files, everything else parks as paused
// with progress intact.
func (m *DownloadManager) finishInterrupted(r *taskRunner) {
	r.mu.Lock()
	task := r.task
	if r.cancelled.Load() {
		task.MarkCancelled()
	} else if r.pauseRequested.Load() || task.Status != domain.StatusQueued {
		// an explicitly paused task parks even before admission; a queued
		// task swept up in shutdown stays queued for the next start
		task.MarkPaused()
	}
	r.mu.Unlock()
	m.persist(r)

	if r.cancelled.Load() {
		m.removePartialFiles(task)
		m.events.LogTransferEvent("task_cancelled", zap.String("id", task.ID))
	}
	m.publishTerminal(r)
}

func (m *DownloadManager) fail(r *taskRunner, err error) {
	r.mu.Lock()
	r.task.MarkFailed(err)
	r.mu.Unlock()
	m.persist(r)

	m.logger.Error("task failed",
		zap.String("id", r.task.ID),
		zap.String("content_id", r.task.ContentID),
		zap.String("category", r.task.ErrorCategory),
		zap.Error(err))
	m.events.LogAppError("task failed",
		zap.String("id", r.task.ID),
		zap.String("category", r.task.ErrorCategory),
		zap.Error(err))
	m.publishTerminal(r)
}

// publishTerminal pushes a final event carrying the task's terminal status
func (m *DownloadManager) publishTerminal(r *taskRunner) {
	r.publish(ProgressEvent{
		TaskID:    r.task.ID,
		ContentID: r.task.ContentID,
		Status:    r.status(),
		Snapshot:  r.snapshot(),
	})
}

func (m *DownloadManager) persist(r *taskRunner) {
	r.mu.Lock()
	task := *r.task
	r.mu.Unlock()
	if err := m.repo.Update(&task); err != nil {
		m.logger.Error("failed to persist task", zap.String("id", task.ID), zap.Error(err))
	}
}

func (m *DownloadManager) removePartialFiles(task *domain.Task) {
	if err := os.Remove(task.DestinationPath); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to remove partial file", zap.String("path", task.DestinationPath), zap.Error(err))
	}
	if err := transfer.RemoveState(task.DestinationPath); err != nil {
		m.logger.Warn("failed to remove transfer state", zap.String("path", task.DestinationPath), zap.Error(err))
	}
}
