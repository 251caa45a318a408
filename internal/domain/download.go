package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current status of a download task
type TaskStatus string

const (
	StatusQueued      TaskStatus = "queued"
	StatusPending     TaskStatus = "pending" // admitted, acquiring license
	StatusDownloading TaskStatus = "downloading"
	StatusPaused      TaskStatus = "paused"
	StatusCompleted   TaskStatus = "completed"
	StatusFailed      TaskStatus = "failed"
	StatusCancelled   TaskStatus = "cancelled"
)

// Task represents one title's download lifecycle: license acquisition,
// resumable transfer, and handoff to the codec converter.
type Task struct {
	ID              string     `json:"id" gorm:"primaryKey"`
	ContentID       string     `json:"content_id" gorm:"not null;uniqueIndex"`
	Title           string     `json:"title"`
	DestinationPath string     `json:"destination_path" gorm:"not null"`
	Status          TaskStatus `json:"status" gorm:"not null;index"`
	ErrorCategory   string     `json:"error_category,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	BytesDone       int64      `json:"bytes_done"`
	BytesTotal      int64      `json:"bytes_total"`
	OutputPath      string     `json:"output_path,omitempty"`
	CreatedAt       time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// NewTask creates a new download task in Queued state
func NewTask(contentID, title, destinationPath string) *Task {
	return &Task{
		ID:              uuid.New().String(),
		ContentID:       contentID,
		Title:           title,
		DestinationPath: destinationPath,
		Status:          StatusQueued,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
}

// MarkPending marks the task as admitted and acquiring its license
func (t *Task) MarkPending() {
	t.Status = StatusPending
	now := time.Now()
	t.StartedAt = &now
	t.UpdatedAt = now
}

// MarkDownloading marks the task as actively streaming
func (t *Task) MarkDownloading() {
	t.Status = StatusDownloading
	t.UpdatedAt = time.Now()
}

// MarkPaused marks the task as paused; partial file and state are retained
func (t *Task) MarkPaused() {
	t.Status = StatusPaused
	t.UpdatedAt = time.Now()
}

// MarkCompleted marks the task as completed with the converted output path
func (t *Task) MarkCompleted(outputPath string) {
	t.Status = StatusCompleted
	t.OutputPath = outputPath
	t.ErrorCategory = ""
	t.ErrorMessage = ""
	now := time.Now()
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// MarkFailed marks the task as failed with a category-tagged message
func (t *Task) MarkFailed(err error) {
	t.Status = StatusFailed
	t.ErrorCategory = string(CategoryOf(err))
	t.ErrorMessage = err.Error()
	t.UpdatedAt = time.Now()
}

// MarkCancelled marks the task as cancelled; partial file and state are deleted
func (t *Task) MarkCancelled() {
	t.Status = StatusCancelled
	t.UpdatedAt = time.Now()
}

// IsTerminal checks if the task is in a terminal state
func (t *Task) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusCancelled
}

// IsActive checks if the task currently owns its destination path
func (t *Task) IsActive() bool {
	return t.Status == StatusPending || t.Status == StatusDownloading
}

// IsResumable checks if the task retains transfer state a restart can use
func (t *Task) IsResumable() bool {
	return t.Status == StatusPaused || t.Status == StatusFailed
}

// UpdateProgress records the latest byte counters on the entity
func (t *Task) UpdateProgress(done, total int64) {
	t.BytesDone = done
	t.BytesTotal = total
	t.UpdatedAt = time.Now()
}

// ValidStatus checks if a status string is one of the known task states
func ValidStatus(status TaskStatus) bool {
	switch status {
	case StatusQueued, StatusPending, StatusDownloading, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
