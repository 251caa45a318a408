package transfer

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Header is one request header name/value pair. Headers are stored as a
// slice so their order survives persistence; the set must include a stable
// client identifier or the CDN rejects the request.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// State is the durable record of one in-flight transfer, persisted next to
// the destination file. BytesWritten is the sole position resume trusts: it
// only ever reflects bytes that have been flushed to disk, never an
// in-memory buffer position.
type State struct {
	SourceURL      string    `json:"source_url"`
	BytesWritten   int64     `json:"bytes_written"`
	TotalBytes     int64     `json:"total_bytes"`
	RequestHeaders []Header  `json:"request_headers"`
	LastUpdated    time.Time `json:"last_updated"`
}

// StatePath returns the sidecar path for a destination file
func StatePath(destination string) string {
	return destination + ".state"
}

// LoadState reads the persisted state for a destination. Returns nil with
// no error when no state exists. A state that cannot be parsed, or whose
// resume offset exceeds the destination file's actual length, is corrupt:
// it is discarded and the transfer restarts from zero.
func LoadState(destination string) (*State, error) {
	data, err := os.ReadFile(StatePath(destination))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read transfer state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		// corrupt sidecar, restart from zero
		return nil, nil
	}
	if st.BytesWritten < 0 {
		return nil, nil
	}

	fi, err := os.Stat(destination)
	if err != nil {
		// no payload to resume into
		return nil, nil
	}
	if fi.Size() < st.BytesWritten {
		// resume point past durable bytes, state is corrupt
		return nil, nil
	}

	return &st, nil
}

// Save persists the state durably: written to a temp file, synced, then
// renamed over the sidecar so a crash never leaves a torn record.
func (s *State) Save(destination string) error {
	s.LastUpdated = time.Now()

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode transfer state: %w", err)
	}

	path := StatePath(destination)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create state file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close state file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// RemoveState deletes the sidecar; missing is not an error
func RemoveState(destination string) error {
	err := os.Remove(StatePath(destination))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// HeaderValue finds a header by name, empty when absent
func (s *State) HeaderValue(name string) string {
	for _, h := range s.RequestHeaders {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}
