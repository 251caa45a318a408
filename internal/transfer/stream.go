package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/librisync/librisync/internal/domain"
)

// Status is the stream's position in its lifecycle
type Status string

const (
	StatusIdle       Status = "idle"
	StatusRequesting Status = "requesting"
	StatusStreaming  Status = "streaming"
	StatusFlushing   Status = "flushing"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Options tune a stream's transfer behavior
type Options struct {
	ChunkSize        int
	FlushThreshold   int64
	MaxRetryStreak   int
	RetryDelay       time.Duration
	ReadStallTimeout time.Duration
	MaxBytesPerSec   int64 // 0 means unlimited
	UserAgent        string
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 8 * 1024
	}
	if o.FlushThreshold <= 0 {
		o.FlushThreshold = 1024 * 1024
	}
	if o.MaxRetryStreak <= 0 {
		o.MaxRetryStreak = 5
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
	if o.ReadStallTimeout <= 0 {
		o.ReadStallTimeout = 30 * time.Second
	}
	if o.UserAgent == "" {
		o.UserAgent = "LibriSync/1.0"
	}
	return o
}

// Stream transfers one file over HTTP with crash-safe resume. Writes are
// strictly append-only; the persisted resume offset advances only after a
// successful flush, so a crash mid-chunk never moves the resume point past
// durable bytes.
type Stream struct {
	destination string
	opts        Options
	client      *http.Client
	tracker     *Tracker
	emit        func(Snapshot)
	logger      *zap.Logger

	mu     sync.Mutex
	url    string
	status Status
	state  *State

	pauseRequested atomic.Bool
}

// NewStream creates a stream writing to destination. The emit callback
// receives progress snapshots; it must not block.
func NewStream(destination string, opts Options, tracker *Tracker, emit func(Snapshot), logger *zap.Logger) *Stream {
	if emit == nil {
		emit = func(Snapshot) {}
	}
	return &Stream{
		destination: destination,
		opts:        opts.withDefaults(),
		client:      &http.Client{},
		tracker:     tracker,
		emit:        emit,
		logger:      logger,
		status:      StatusIdle,
	}
}

// SetURL swaps the source URL for the same destination and state, e.g.
// after the caller refreshed an expired CDN URL. The resume offset is
// preserved.
func (s *Stream) SetURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = url
	if s.state != nil {
		s.state.SourceURL = url
	}
}

// Pause requests a cooperative stop at the next safe checkpoint: the
// current chunk is written and flushed before the stream yields.
func (s *Stream) Pause() {
	s.pauseRequested.Store(true)
}

// Status returns the current lifecycle status
func (s *Stream) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// BytesWritten returns the durably flushed offset
func (s *Stream) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return 0
	}
	return s.state.BytesWritten
}

func (s *Stream) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Run performs the transfer from url to the destination, resuming from a
// matching persisted state when one exists. It returns nil on completion or
// pause (check Status to distinguish), ErrURLExpired when the caller must
// refresh the URL, and a categorized error on failure.
func (s *Stream) Run(ctx context.Context, url string) error {
	s.pauseRequested.Store(false)
	s.mu.Lock()
	s.url = url
	s.mu.Unlock()

	file, err := s.prepare()
	if err != nil {
		s.setStatus(StatusFailed)
		return err
	}
	defer file.Close()

	s.mu.Lock()
	s.tracker.Reset(s.state.BytesWritten, s.state.TotalBytes)
	s.mu.Unlock()
	s.emit(s.tracker.Snapshot()) // observers always see a first event

	streak := 0
	for {
		if err := ctx.Err(); err != nil {
			s.setStatus(StatusPaused)
			return err
		}
		if s.pauseRequested.Load() {
			s.setStatus(StatusPaused)
			s.emit(s.tracker.Snapshot())
			return nil
		}

		done, err := s.attempt(ctx, file, &streak)
		if err == nil {
			if done {
				if err := RemoveState(s.destination); err != nil {
					s.logger.Warn("failed to remove transfer state", zap.Error(err))
				}
				s.setStatus(StatusCompleted)
				s.emit(s.tracker.Snapshot()) // observers always see a last event
				return nil
			}
			// paused at a checkpoint
			s.setStatus(StatusPaused)
			s.emit(s.tracker.Snapshot())
			return nil
		}

		switch {
		case errors.Is(err, domain.ErrURLExpired):
			s.setStatus(StatusPaused)
			return err
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			s.setStatus(StatusPaused)
			return err
		case domain.IsRetryable(err):
			streak++
			if streak > s.opts.MaxRetryStreak {
				s.setStatus(StatusFailed)
				return fmt.Errorf("retry budget exhausted after %d consecutive failures: %w", streak, err)
			}
			s.logger.Warn("transient transfer error, retrying from last flushed offset",
				zap.String("destination", s.destination),
				zap.Int64("bytes_written", s.BytesWritten()),
				zap.Int("streak", streak),
				zap.Error(err))
			select {
			case <-time.After(s.opts.RetryDelay):
			case <-ctx.Done():
				s.setStatus(StatusPaused)
				return ctx.Err()
			}
		default:
			s.setStatus(StatusFailed)
			return err
		}
	}
}

// prepare loads or initializes durable state and opens the destination for
// append-only writes. A file longer than the recorded offset (crash after
// write, before state persist) is truncated back to the offset; a file
// shorter than the offset means the state is corrupt and the transfer
// restarts from zero.
func (s *Stream) prepare() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(s.destination), 0755); err != nil {
		return nil, domain.NewStorageError("failed to create destination directory", err)
	}

	st, err := LoadState(s.destination)
	if err != nil {
		return nil, domain.NewStorageError("failed to load transfer state", err)
	}

	s.mu.Lock()
	url := s.url
	s.mu.Unlock()

	if st != nil {
		fi, statErr := os.Stat(s.destination)
		if statErr == nil && fi.Size() > st.BytesWritten {
			if err := os.Truncate(s.destination, st.BytesWritten); err != nil {
				return nil, domain.NewStorageError("failed to trim destination to durable offset", err)
			}
		}
		st.SourceURL = url
		s.logger.Info("resuming transfer from durable offset",
			zap.String("destination", s.destination),
			zap.Int64("bytes_written", st.BytesWritten))
	} else {
		st = &State{
			SourceURL:      url,
			RequestHeaders: []Header{{Name: "User-Agent", Value: s.opts.UserAgent}},
		}
		if err := os.WriteFile(s.destination, nil, 0644); err != nil {
			return nil, domain.NewStorageError("failed to create destination file", err)
		}
	}

	file, err := os.OpenFile(s.destination, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, domain.NewStorageError("failed to open destination file", err)
	}

	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	return file, nil
}

// attempt issues one request and streams its body until EOF, a checkpointed
// pause, or an error. done is true when the transfer finished.
func (s *Stream) attempt(ctx context.Context, file *os.File, streak *int) (done bool, err error) {
	s.setStatus(StatusRequesting)

	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()

	s.mu.Lock()
	url := s.url
	offset := s.state.BytesWritten
	headers := append([]Header(nil), s.state.RequestHeaders...)
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build transfer request: %w", err)
	}
	for _, h := range headers {
		req.Header.Set(h.Name, h.Value)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	// watchdog covers both the initial response and stalled body reads
	watchdog := time.AfterFunc(s.opts.ReadStallTimeout, cancelAttempt)
	defer watchdog.Stop()

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, domain.NewTransientError("transfer request failed", err)
	}
	defer resp.Body.Close()

	offset, err = s.handleResponse(resp, file, offset)
	if err != nil {
		return false, err
	}

	return s.streamBody(ctx, resp.Body, file, offset, streak, watchdog)
}

// handleResponse validates the response against the requested offset and
// returns the effective start offset. A 200 answer to a range request means
// the server ignored the range: the transfer restarts from zero, which is
// logged but deliberately not surfaced as an error.
func (s *Stream) handleResponse(resp *http.Response, file *os.File, offset int64) (int64, error) {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// auth-class rejection of an otherwise valid request: the signed
		// CDN URL has expired, the caller can refresh it and resume
		return 0, domain.ErrURLExpired
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return 0, domain.NewTransientError(fmt.Sprintf("server returned status %d", resp.StatusCode), nil)
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		if err := s.restartFromZero(file); err != nil {
			return 0, err
		}
		return 0, domain.NewTransientError("requested range not satisfiable, restarting from zero", nil)
	case resp.StatusCode == http.StatusPartialContent:
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			if err := s.restartFromZero(file); err != nil {
				return 0, err
			}
			return 0, domain.NewTransientError("content range does not match resume offset, restarting from zero", nil)
		}
		s.setTotal(total)
		return offset, nil
	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			// server ignored the range request
			s.logger.Info("server ignored range request, restarting transfer from zero",
				zap.String("destination", s.destination),
				zap.Int64("discarded_offset", offset))
			if err := s.restartFromZero(file); err != nil {
				return 0, err
			}
		}
		if resp.ContentLength > 0 {
			s.setTotal(resp.ContentLength)
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("server returned unexpected status %d", resp.StatusCode)
	}
}

// streamBody copies the response body to the destination in fixed-size
// chunks, flushing file and state at each threshold. The consecutive
// failure streak resets on every successful chunk.
func (s *Stream) streamBody(ctx context.Context, body io.Reader, file *os.File, offset int64, streak *int, watchdog *time.Timer) (bool, error) {
	s.setStatus(StatusStreaming)

	buf := make([]byte, s.opts.ChunkSize)
	var unflushed int64

	for {
		chunkStart := time.Now()
		watchdog.Reset(s.opts.ReadStallTimeout)

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return false, domain.NewStorageError("failed to write chunk", err)
			}
			unflushed += int64(n)
			s.tracker.Add(int64(n))
			*streak = 0

			if unflushed >= s.opts.FlushThreshold {
				if err := s.flush(file, &unflushed); err != nil {
					return false, err
				}
			}
			if s.tracker.ShouldEmit(time.Now()) {
				s.emit(s.tracker.Snapshot())
			}
			s.throttle(ctx, n, chunkStart)
		}

		if readErr == io.EOF {
			if err := s.flush(file, &unflushed); err != nil {
				return false, err
			}
			s.mu.Lock()
			written, total := s.state.BytesWritten, s.state.TotalBytes
			s.mu.Unlock()
			if total > 0 && written < total {
				return false, domain.NewTransientError(
					fmt.Sprintf("response truncated at %d of %d bytes", written, total), nil)
			}
			return true, nil
		}
		if readErr != nil {
			// keep what we have durable before taking the retry path
			if err := s.flush(file, &unflushed); err != nil {
				return false, err
			}
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, domain.NewTransientError("connection interrupted", readErr)
		}

		// cancellation and pause only take effect after the current
		// chunk's flush, keeping the resume point durable
		if s.pauseRequested.Load() || ctx.Err() != nil {
			if err := s.flush(file, &unflushed); err != nil {
				return false, err
			}
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, nil
		}
	}
}

// flush makes buffered bytes durable and only then advances the persisted
// resume offset
func (s *Stream) flush(file *os.File, unflushed *int64) error {
	if *unflushed == 0 {
		return nil
	}
	s.setStatus(StatusFlushing)

	if err := file.Sync(); err != nil {
		return domain.NewStorageError("failed to sync destination file", err)
	}

	s.mu.Lock()
	s.state.BytesWritten += *unflushed
	st := *s.state
	s.mu.Unlock()

	if err := st.Save(s.destination); err != nil {
		return domain.NewStorageError("failed to persist transfer state", err)
	}

	*unflushed = 0
	s.setStatus(StatusStreaming)
	return nil
}

// restartFromZero discards prior progress when the server cannot honor the
// resume offset
func (s *Stream) restartFromZero(file *os.File) error {
	if err := file.Truncate(0); err != nil {
		return domain.NewStorageError("failed to truncate destination file", err)
	}
	s.mu.Lock()
	s.state.BytesWritten = 0
	st := *s.state
	total := s.state.TotalBytes
	s.mu.Unlock()
	if err := st.Save(s.destination); err != nil {
		return domain.NewStorageError("failed to persist transfer state", err)
	}
	s.tracker.Reset(0, total)
	return nil
}

func (s *Stream) setTotal(total int64) {
	if total <= 0 {
		return
	}
	s.mu.Lock()
	s.state.TotalBytes = total
	s.mu.Unlock()
	s.tracker.SetTotal(total)
}

// throttle sleeps so a chunk takes at least its share of the configured
// rate cap
func (s *Stream) throttle(ctx context.Context, n int, chunkStart time.Time) {
	if s.opts.MaxBytesPerSec <= 0 {
		return
	}
	minDuration := time.Duration(float64(n) / float64(s.opts.MaxBytesPerSec) * float64(time.Second))
	if sleep := minDuration - time.Since(chunkStart); sleep > 0 {
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
		}
	}
}

// parseContentRange extracts start and total from "bytes start-end/total"
func parseContentRange(value string) (start, total int64, ok bool) {
	if !strings.HasPrefix(value, "bytes ") {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(value, "bytes ")
	slash := strings.IndexByte(spec, '/')
	dash := strings.IndexByte(spec, '-')
	if slash < 0 || dash < 0 || dash > slash {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(spec[:dash], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if totalStr := spec[slash+1:]; totalStr != "*" {
		total, err = strconv.ParseInt(totalStr, 10, 64)
		if err != nil {
			return 0, 0, false
		}
	}
	return start, total, true
}
