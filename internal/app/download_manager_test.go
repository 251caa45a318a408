package app

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/librisync/librisync/internal/domain"
	"github.com/librisync/librisync/internal/transfer"
	"github.com/librisync/librisync/pkg/logger"
)

// mockTaskRepository is an in-memory TaskRepository for manager tests
type mockTaskRepository struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
}

func newMockRepo() *mockTaskRepository {
	return &mockTaskRepository{tasks: make(map[string]*domain.Task)}
}

func (r *mockTaskRepository) Create(task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if t.ContentID == task.ContentID {
			return domain.ErrDuplicateTask
		}
	}
	clone := *task
	r.tasks[task.ID] = &clone
	return nil
}

func (r *mockTaskRepository) Update(task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *task
	r.tasks[task.ID] = &clone
	return nil
}

func (r *mockTaskRepository) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
	return nil
}

func (r *mockTaskRepository) FindByID(id string) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[id]; ok {
		clone := *t
		return &clone, nil
	}
	return nil, domain.ErrTaskNotFound
}

func (r *mockTaskRepository) FindByContentID(contentID string) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if t.ContentID == contentID {
			clone := *t
			return &clone, nil
		}
	}
	return nil, domain.ErrTaskNotFound
}

func (r *mockTaskRepository) FindByStatus(status domain.TaskStatus) ([]*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Task
	for _, t := range r.tasks {
		if t.Status == status {
			clone := *t
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *mockTaskRepository) FindQueued() ([]*domain.Task, error) {
	return r.FindByStatus(domain.StatusQueued)
}

func (r *mockTaskRepository) FindAll(filters map[string]interface{}) ([]*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Task
	for _, t := range r.tasks {
		if status, ok := filters["status"]; ok && string(t.Status) != status {
			continue
		}
		clone := *t
		out = append(out, &clone)
	}
	return out, nil
}

func (r *mockTaskRepository) CountByStatus(status domain.TaskStatus) (int64, error) {
	tasks, _ := r.FindByStatus(status)
	return int64(len(tasks)), nil
}

func (r *mockTaskRepository) GetStats() (*domain.TaskStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := &domain.TaskStats{Total: int64(len(r.tasks))}
	for _, t := range r.tasks {
		switch t.Status {
		case domain.StatusQueued:
			stats.Queued++
		case domain.StatusCompleted:
			stats.Completed++
		case domain.StatusFailed:
			stats.Failed++
		case domain.StatusPaused:
			stats.Paused++
		case domain.StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

// fakeLicenses hands out vouchers pointing at a test content server
type fakeLicenses struct {
	contentURL string
	err        error
	mu         sync.Mutex
	calls      int
}

func (f *fakeLicenses) Acquire(ctx context.Context, contentID string) (*domain.Voucher, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Voucher{
		Kind:       domain.DrmKeyPair,
		Key:        bytes.Repeat([]byte{0x11}, 16),
		IV:         bytes.Repeat([]byte{0x22}, 16),
		ContentURL: f.contentURL,
	}, nil
}

// fakeConverter records invocations and fabricates an output path
type fakeConverter struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeConverter) Convert(ctx context.Context, task *domain.Task, voucher *domain.Voucher, inputPath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, task.ContentID)
	return inputPath + ".m4b", nil
}

// concurrencyServer serves fixed content and tracks the peak number of
// simultaneous requests
type concurrencyServer struct {
	content []byte
	mu      sync.Mutex
	active  int
	peak    int
}

func (s *concurrencyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.active++
	if s.active > s.peak {
		s.peak = s.active
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	time.Sleep(30 * time.Millisecond) // hold the slot so overlap is observable
	http.ServeContent(w, r, "content", time.Unix(1700000000, 0), bytes.NewReader(s.content))
}

func (s *concurrencyServer) peakConcurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

// resumableServer honors Range requests and drips content in small flushed
// chunks so a transfer can be interrupted mid-stream
type resumableServer struct {
	content []byte
	mu      sync.Mutex
	ranges  []string
}

func (s *resumableServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rng := r.Header.Get("Range")
	s.mu.Lock()
	s.ranges = append(s.ranges, rng)
	s.mu.Unlock()

	offset := int64(0)
	if rng != "" {
		fmt.Sscanf(rng, "bytes=%d-", &offset)
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", offset, len(s.content)-1, len(s.content)))
		w.Header().Set("Content-Length", fmt.Sprintf("%d", int64(len(s.content))-offset))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(s.content)))
	}

	flusher, _ := w.(http.Flusher)
	for pos := offset; pos < int64(len(s.content)); pos += 4096 {
		end := pos + 4096
		if end > int64(len(s.content)) {
			end = int64(len(s.content))
		}
		if _, err := w.Write(s.content[pos:end]); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (s *resumableServer) recordedRanges() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges...)
}

func testManagerConfig(t *testing.T, limit int) *domain.Config {
	t.Helper()
	config := domain.DefaultConfig()
	config.Download.BaseDir = t.TempDir()
	config.Download.LogsDir = t.TempDir()
	config.Download.ConcurrentLimit = limit
	config.Download.ChunkSize = 4096
	config.Download.FlushThreshold = 16384
	config.Download.RetryDelay = 10 * time.Millisecond
	config.Download.ProgressInterval = 5 * time.Millisecond
	return config
}

func newTestManager(t *testing.T, repo domain.TaskRepository, licenses LicenseService, config *domain.Config) *DownloadManager {
	t.Helper()
	eventLog, err := logger.NewEventLogger(config.Download.LogsDir, "info")
	require.NoError(t, err)
	return NewDownloadManager(repo, licenses, &fakeConverter{}, config, zap.NewNop(), eventLog)
}

func waitForStatus(t *testing.T, repo domain.TaskRepository, id string, want domain.TaskStatus) *domain.Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		task, err := repo.FindByID(id)
		require.NoError(t, err)
		if task.Status == want {
			return task
		}
		if task.Status == domain.StatusFailed && want != domain.StatusFailed {
			t.Fatalf("task failed: [%s] %s", task.ErrorCategory, task.ErrorMessage)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached status %s", id, want)
	return nil
}

func TestEnqueue_DuplicateContentIDReturnsExistingTask(t *testing.T) {
	repo := newMockRepo()
	manager := newTestManager(t, repo, &fakeLicenses{}, testManagerConfig(t, 1))

	first, err := manager.Enqueue("B01LWUJKQ7", "A Title")
	require.NoError(t, err)

	second, err := manager.Enqueue("B01LWUJKQ7", "A Title")
	require.ErrorIs(t, err, domain.ErrDuplicateTask)
	assert.Equal(t, first.ID, second.ID)
}

func TestEnqueue_RejectsEmptyContentID(t *testing.T) {
	repo := newMockRepo()
	manager := newTestManager(t, repo, &fakeLicenses{}, testManagerConfig(t, 1))

	_, err := manager.Enqueue("", "")
	assert.Error(t, err)
}

func TestDownloadManager_RunsTasksToCompletion(t *testing.T) {
	srv := &concurrencyServer{content: bytes.Repeat([]byte{0xAB}, 50000)}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	repo := newMockRepo()
	config := testManagerConfig(t, 2)
	manager := newTestManager(t, repo, &fakeLicenses{contentURL: ts.URL}, config)

	task, err := manager.Enqueue("B000000001", "Title One")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, manager.Start(ctx))
	defer manager.Stop(5 * time.Second)

	done := waitForStatus(t, repo, task.ID, domain.StatusCompleted)
	assert.Equal(t, task.DestinationPath+".m4b", done.OutputPath)
	assert.Empty(t, done.ErrorMessage)

	// downloaded payload landed at the destination
	data, err := os.ReadFile(task.DestinationPath)
	require.NoError(t, err)
	assert.Len(t, data, 50000)

	// transfer state is cleaned up after completion
	st, err := transfer.LoadState(task.DestinationPath)
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestDownloadManager_HonorsConcurrencyLimit(t *testing.T) {
	srv := &concurrencyServer{content: bytes.Repeat([]byte{0xCD}, 30000)}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	repo := newMockRepo()
	config := testManagerConfig(t, 2)
	manager := newTestManager(t, repo, &fakeLicenses{contentURL: ts.URL}, config)

	var ids []string
	for i := 0; i < 5; i++ {
		task, err := manager.Enqueue(fmt.Sprintf("B00000000%d", i), fmt.Sprintf("Title %d", i))
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, manager.Start(ctx))
	defer manager.Stop(5 * time.Second)

	for _, id := range ids {
		waitForStatus(t, repo, id, domain.StatusCompleted)
	}

	assert.LessOrEqual(t, srv.peakConcurrency(), 2,
		"no more than the configured limit may transfer at once")
}

func TestDownloadManager_LicenseFailureFailsTask(t *testing.T) {
	repo := newMockRepo()
	config := testManagerConfig(t, 1)
	licenses := &fakeLicenses{err: &domain.CategorizedError{
		Category: domain.CategoryAuth,
		Message:  "token rejected",
	}}
	manager := newTestManager(t, repo, licenses, config)

	task, err := manager.Enqueue("B0NOAUTH", "Locked Title")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, manager.Start(ctx))
	defer manager.Stop(5 * time.Second)

	failed := waitForStatus(t, repo, task.ID, domain.StatusFailed)
	assert.Equal(t, string(domain.CategoryAuth), failed.ErrorCategory)
	assert.Contains(t, failed.ErrorMessage, "token rejected")
}

func TestDownloadManager_CancelQueuedTaskRemovesPartialFiles(t *testing.T) {
	repo := newMockRepo()
	config := testManagerConfig(t, 1)
	manager := newTestManager(t, repo, &fakeLicenses{}, config)

	// not started, so the task just sits queued
	task, err := manager.Enqueue("B0CANCEL", "Unwanted Title")
	require.NoError(t, err)

	// simulate leftovers from an earlier attempt
	require.NoError(t, os.WriteFile(task.DestinationPath, []byte("partial"), 0644))
	st := &transfer.State{SourceURL: "https://cdn.example.com/x", BytesWritten: 7}
	require.NoError(t, st.Save(task.DestinationPath))

	require.NoError(t, manager.Cancel(task.ID))

	got, err := repo.FindByID(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)

	_, err = os.Stat(task.DestinationPath)
	assert.True(t, os.IsNotExist(err), "partial file must be deleted")
	_, err = os.Stat(transfer.StatePath(task.DestinationPath))
	assert.True(t, os.IsNotExist(err), "state sidecar must be deleted")
}

func TestDownloadManager_CancelAllCancelsQueuedTasks(t *testing.T) {
	repo := newMockRepo()
	manager := newTestManager(t, repo, &fakeLicenses{}, testManagerConfig(t, 1))

	first, err := manager.Enqueue("B0CANCEL01", "First")
	require.NoError(t, err)
	second, err := manager.Enqueue("B0CANCEL02", "Second")
	require.NoError(t, err)

	done := domain.NewTask("B0CANCEL03", "Done", filepath.Join(t.TempDir(), "3.aaxc"))
	done.MarkCompleted("/tmp/3.m4b")
	require.NoError(t, repo.Create(done))

	manager.CancelAll()

	for _, id := range []string{first.ID, second.ID} {
		got, err := repo.FindByID(id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, got.Status)
	}

	got, err := repo.FindByID(done.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

func TestDownloadManager_FreshManagerResumesInterruptedTask(t *testing.T) {
	content := make([]byte, 400000)
	for i := range content {
		content[i] = byte(i % 251)
	}
	srv := &resumableServer{content: content}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	repo := newMockRepo()
	config := testManagerConfig(t, 1)
	first := newTestManager(t, repo, &fakeLicenses{contentURL: ts.URL}, config)

	task, err := first.Enqueue("B0RESTART1", "Interrupted Title")
	require.NoError(t, err)

	subID, events := first.Subscribe(task.ID)
	var pauseOnce sync.Once
	go func() {
		for ev := range events {
			if ev.BytesDone >= 20000 {
				pauseOnce.Do(func() { first.Pause(task.ID) })
			}
		}
	}()

	ctx1, cancel1 := context.WithCancel(context.Background())
	require.NoError(t, first.Start(ctx1))
	waitForStatus(t, repo, task.ID, domain.StatusPaused)
	first.Unsubscribe(task.ID, subID)
	first.Stop(5 * time.Second)
	cancel1()

	state, err := transfer.LoadState(task.DestinationPath)
	require.NoError(t, err)
	require.NotNil(t, state)
	require.Greater(t, state.BytesWritten, int64(0))
	require.Less(t, state.BytesWritten, int64(len(content)))

	// a crash leaves the catalog row mid-transfer with no pause recorded
	interrupted, err := repo.FindByID(task.ID)
	require.NoError(t, err)
	interrupted.Status = domain.StatusDownloading
	require.NoError(t, repo.Update(interrupted))

	second := newTestManager(t, repo, &fakeLicenses{contentURL: ts.URL}, config)
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	require.NoError(t, second.Start(ctx2))
	defer second.Stop(5 * time.Second)

	waitForStatus(t, repo, task.ID, domain.StatusCompleted)

	assert.Contains(t, srv.recordedRanges(),
		fmt.Sprintf("bytes=%d-", state.BytesWritten))

	got, err := os.ReadFile(task.DestinationPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadManager_ResumeRequiresResumableStatus(t *testing.T) {
	repo := newMockRepo()
	manager := newTestManager(t, repo, &fakeLicenses{}, testManagerConfig(t, 1))

	task, err := manager.Enqueue("B0QUEUED", "Still Queued")
	require.NoError(t, err)

	err = manager.Resume(task.ID)
	assert.Error(t, err, "a queued task has nothing to resume")
}

func TestDownloadManager_SubscriberSeesTerminalEvent(t *testing.T) {
	srv := &concurrencyServer{content: bytes.Repeat([]byte{0xEF}, 20000)}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	repo := newMockRepo()
	config := testManagerConfig(t, 1)
	manager := newTestManager(t, repo, &fakeLicenses{contentURL: ts.URL}, config)

	task, err := manager.Enqueue("B0EVENTS", "Observed Title")
	require.NoError(t, err)

	subID, events := manager.Subscribe("")
	defer manager.Unsubscribe("", subID)

	sawCompleted := make(chan ProgressEvent, 1)
	go func() {
		for ev := range events {
			if ev.TaskID == task.ID && ev.Status == domain.StatusCompleted {
				select {
				case sawCompleted <- ev:
				default:
				}
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, manager.Start(ctx))
	defer manager.Stop(5 * time.Second)

	select {
	case ev := <-sawCompleted:
		assert.Equal(t, int64(20000), ev.BytesDone)
		assert.Equal(t, 100.0, ev.Percent)
	case <-time.After(10 * time.Second):
		t.Fatal("never saw a completed progress event")
	}
}
