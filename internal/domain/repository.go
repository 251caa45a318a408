package domain

// TaskRepository defines persistence for download tasks
type TaskRepository interface {
	Create(task *Task) error
	Update(task *Task) error
	Delete(id string) error
	FindByID(id string) (*Task, error)
	FindByContentID(contentID string) (*Task, error)
	FindByStatus(status TaskStatus) ([]*Task, error)
	FindQueued() ([]*Task, error)
	FindAll(filters map[string]interface{}) ([]*Task, error)
	CountByStatus(status TaskStatus) (int64, error)
	GetStats() (*TaskStats, error)
}

// TaskStats aggregates task counts by status
type TaskStats struct {
	Total       int64 `json:"total"`
	Queued      int64 `json:"queued"`
	Pending     int64 `json:"pending"`
	Downloading int64 `json:"downloading"`
	Paused      int64 `json:"paused"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	Cancelled   int64 `json:"cancelled"`
}
