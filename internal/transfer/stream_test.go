package transfer

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/librisync/librisync/internal/domain"
)

func testContent(size int) []byte {
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i % 251)
	}
	return content
}

func testOptions() Options {
	return Options{
		ChunkSize:        4096,
		FlushThreshold:   16384,
		MaxRetryStreak:   3,
		RetryDelay:       10 * time.Millisecond,
		ReadStallTimeout: 5 * time.Second,
		UserAgent:        "LibriSync/1.0",
	}
}

// rangeServer serves content with Range support and records the Range
// header of every request
type rangeServer struct {
	content []byte
	mu      sync.Mutex
	ranges  []string
}

func (s *rangeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.ranges = append(s.ranges, r.Header.Get("Range"))
	s.mu.Unlock()
	http.ServeContent(w, r, "content", time.Unix(1700000000, 0), bytes.NewReader(s.content))
}

func (s *rangeServer) seenRanges() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges...)
}

func newTestStream(t *testing.T, dest string) (*Stream, *Tracker) {
	t.Helper()
	tracker := NewTracker(10 * time.Millisecond)
	return NewStream(dest, testOptions(), tracker, nil, zap.NewNop()), tracker
}

func TestStream_DownloadsFullFile(t *testing.T) {
	content := testContent(100000)
	srv := &rangeServer{content: content}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	dest := filepath.Join(t.TempDir(), "title.aaxc")
	stream, tracker := newTestStream(t, dest)

	err := stream.Run(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stream.Status())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// state sidecar is removed on completion
	st, err := LoadState(dest)
	require.NoError(t, err)
	assert.Nil(t, st)

	snap := tracker.Snapshot()
	assert.Equal(t, int64(len(content)), snap.BytesDone)
	assert.Equal(t, 100.0, snap.Percent)
}

func TestStream_ResumesFromPersistedOffset(t *testing.T) {
	content := testContent(300000)
	srv := &rangeServer{content: content}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	dest := filepath.Join(t.TempDir(), "title.aaxc")
	offset := int64(100000)
	require.NoError(t, os.WriteFile(dest, content[:offset], 0644))
	st := &State{
		SourceURL:      ts.URL,
		BytesWritten:   offset,
		TotalBytes:     int64(len(content)),
		RequestHeaders: []Header{{Name: "User-Agent", Value: "LibriSync/1.0"}},
	}
	require.NoError(t, st.Save(dest))

	stream, _ := newTestStream(t, dest)
	err := stream.Run(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stream.Status())

	ranges := srv.seenRanges()
	require.NotEmpty(t, ranges)
	assert.Equal(t, "bytes=100000-", ranges[0], "resume must request exactly the durable offset")

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestStream_TrimsBytesPastDurableOffset(t *testing.T) {
	content := testContent(200000)
	srv := &rangeServer{content: content}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	dest := filepath.Join(t.TempDir(), "title.aaxc")
	// crash after write, before state persist: file is longer than the
	// recorded offset
	require.NoError(t, os.WriteFile(dest, content[:60000], 0644))
	st := &State{SourceURL: ts.URL, BytesWritten: 50000, TotalBytes: int64(len(content))}
	require.NoError(t, st.Save(dest))

	stream, _ := newTestStream(t, dest)
	err := stream.Run(context.Background(), ts.URL)
	require.NoError(t, err)

	ranges := srv.seenRanges()
	require.NotEmpty(t, ranges)
	assert.Equal(t, "bytes=50000-", ranges[0])

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got, "bytes past the offset must be trimmed, not duplicated")
}

func TestStream_RestartsWhenServerIgnoresRange(t *testing.T) {
	content := testContent(100000)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// plain 200 with the whole body regardless of Range
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}))
	defer ts.Close()

	dest := filepath.Join(t.TempDir(), "title.aaxc")
	require.NoError(t, os.WriteFile(dest, content[:40000], 0644))
	st := &State{SourceURL: ts.URL, BytesWritten: 40000, TotalBytes: int64(len(content))}
	require.NoError(t, st.Save(dest))

	stream, _ := newTestStream(t, dest)
	err := stream.Run(context.Background(), ts.URL)
	require.NoError(t, err, "an ignored range request is a silent restart, not an error")
	assert.Equal(t, StatusCompleted, stream.Status())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestStream_ExpiredURLIsResumable(t *testing.T) {
	content := testContent(300000)

	expired := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer expired.Close()

	srv := &rangeServer{content: content}
	fresh := httptest.NewServer(srv)
	defer fresh.Close()

	dest := filepath.Join(t.TempDir(), "title.aaxc")
	offset := int64(100000)
	require.NoError(t, os.WriteFile(dest, content[:offset], 0644))
	st := &State{SourceURL: expired.URL, BytesWritten: offset, TotalBytes: int64(len(content))}
	require.NoError(t, st.Save(dest))

	stream, _ := newTestStream(t, dest)
	err := stream.Run(context.Background(), expired.URL)
	require.ErrorIs(t, err, domain.ErrURLExpired)
	assert.Equal(t, StatusPaused, stream.Status())
	assert.Equal(t, offset, stream.BytesWritten(), "expiry must not cost progress")

	// caller refreshed the license and got a fresh URL
	err = stream.Run(context.Background(), fresh.URL)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stream.Status())

	ranges := srv.seenRanges()
	require.NotEmpty(t, ranges)
	assert.Equal(t, "bytes=100000-", ranges[0], "refreshed URL resumes from the same offset")

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestStream_RetriesAfterServerError(t *testing.T) {
	content := testContent(50000)
	var calls int
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, "content", time.Unix(1700000000, 0), bytes.NewReader(content))
	}))
	defer ts.Close()

	dest := filepath.Join(t.TempDir(), "title.aaxc")
	stream, _ := newTestStream(t, dest)

	err := stream.Run(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stream.Status())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestStream_ResumesAfterTruncatedResponse(t *testing.T) {
	content := testContent(300000)
	cut := 150000
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			// advertise the full length but drop the connection halfway
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			w.WriteHeader(http.StatusOK)
			w.Write(content[:cut])
			return
		}
		var off int
		fmt.Sscanf(rng, "bytes=%d-", &off)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", off, len(content)-1, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[off:])
	}))
	defer ts.Close()

	dest := filepath.Join(t.TempDir(), "title.aaxc")
	stream, _ := newTestStream(t, dest)

	err := stream.Run(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stream.Status())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got, "retry must continue from the flushed offset without corruption")
}

func TestStream_PauseLeavesDurableState(t *testing.T) {
	content := testContent(400000)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
		// drip the body so the pause lands mid-transfer
		for off := 0; off < len(content); off += 8192 {
			end := off + 8192
			if end > len(content) {
				end = len(content)
			}
			if _, err := w.Write(content[off:end]); err != nil {
				return
			}
			flusher.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	}))
	defer ts.Close()

	dest := filepath.Join(t.TempDir(), "title.aaxc")
	tracker := NewTracker(time.Millisecond)

	var stream *Stream
	var once sync.Once
	emit := func(snap Snapshot) {
		if snap.BytesDone >= 20000 {
			once.Do(func() { stream.Pause() })
		}
	}
	stream = NewStream(dest, testOptions(), tracker, emit, zap.NewNop())

	err := stream.Run(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, stream.Status())

	st, err := LoadState(dest)
	require.NoError(t, err)
	require.NotNil(t, st, "paused transfer keeps its state sidecar")
	assert.Greater(t, st.BytesWritten, int64(0))
	assert.Less(t, st.BytesWritten, int64(len(content)))

	fi, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, st.BytesWritten, fi.Size(), "persisted offset never exceeds durable bytes")

	// the flushed prefix matches the source exactly
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content[:st.BytesWritten], got)
}
