package infrastructure

import (
	"errors"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/librisync/librisync/internal/domain"
)

// SQLiteTaskRepository implements TaskRepository using SQLite
type SQLiteTaskRepository struct {
	db *gorm.DB
}

// NewSQLiteTaskRepository creates a new SQLite repository
func NewSQLiteTaskRepository(dbPath string) (*SQLiteTaskRepository, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&domain.Task{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &SQLiteTaskRepository{db: db}, nil
}

// Create creates a new task. A content ID that is already tracked violates
// the unique index and surfaces as ErrDuplicateTask.
func (r *SQLiteTaskRepository) Create(task *domain.Task) error {
	err := r.db.Create(task).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrDuplicateTask
	}
	return err
}

// Update updates an existing task
func (r *SQLiteTaskRepository) Update(task *domain.Task) error {
	return r.db.Save(task).Error
}

// Delete deletes a task by ID
func (r *SQLiteTaskRepository) Delete(id string) error {
	return r.db.Delete(&domain.Task{}, "id = ?", id).Error
}

// FindByID finds a task by ID
func (r *SQLiteTaskRepository) FindByID(id string) (*domain.Task, error) {
	var task domain.Task
	err := r.db.First(&task, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

// FindByContentID finds a task by its content ID
func (r *SQLiteTaskRepository) FindByContentID(contentID string) (*domain.Task, error) {
	var task domain.Task
	err := r.db.First(&task, "content_id = ?", contentID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

// FindByStatus finds tasks by status
func (r *SQLiteTaskRepository) FindByStatus(status domain.TaskStatus) ([]*domain.Task, error) {
	var tasks []*domain.Task
	err := r.db.Where("status = ?", status).Find(&tasks).Error
	return tasks, err
}

// FindQueued finds all queued tasks in enqueue order
func (r *SQLiteTaskRepository) FindQueued() ([]*domain.Task, error) {
	var tasks []*domain.Task
	err := r.db.Where("status = ?", domain.StatusQueued).
		Order("created_at ASC").
		Find(&tasks).Error
	return tasks, err
}

// FindAll finds all tasks with optional filters
func (r *SQLiteTaskRepository) FindAll(filters map[string]interface{}) ([]*domain.Task, error) {
	var tasks []*domain.Task
	query := r.db

	for key, value := range filters {
		query = query.Where(fmt.Sprintf("%s = ?", key), value)
	}

	err := query.Order("created_at DESC").Find(&tasks).Error
	return tasks, err
}

// CountByStatus returns the number of tasks with the given status
func (r *SQLiteTaskRepository) CountByStatus(status domain.TaskStatus) (int64, error) {
	var count int64
	err := r.db.Model(&domain.Task{}).Where("status = ?", status).Count(&count).Error
	return count, err
}

// GetStats returns task statistics
func (r *SQLiteTaskRepository) GetStats() (*domain.TaskStats, error) {
	stats := &domain.TaskStats{}

	if err := r.db.Model(&domain.Task{}).Count(&stats.Total).Error; err != nil {
		return nil, err
	}

	statusCounts := []struct {
		Status domain.TaskStatus
		Count  int64
	}{}

	if err := r.db.Model(&domain.Task{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&statusCounts).Error; err != nil {
		return nil, err
	}

	for _, sc := range statusCounts {
		switch sc.Status {
		case domain.StatusQueued:
			stats.Queued = sc.Count
		case domain.StatusPending:
			stats.Pending = sc.Count
		case domain.StatusDownloading:
			stats.Downloading = sc.Count
		case domain.StatusPaused:
			stats.Paused = sc.Count
		case domain.StatusCompleted:
			stats.Completed = sc.Count
		case domain.StatusFailed:
			stats.Failed = sc.Count
		case domain.StatusCancelled:
			stats.Cancelled = sc.Count
		}
	}

	return stats, nil
}

// Close closes the database connection
func (r *SQLiteTaskRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
