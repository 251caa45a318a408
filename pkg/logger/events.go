package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EventCategory names a structured event log file
type EventCategory string

const (
	CategoryTransfer EventCategory = "transfer" // task lifecycle events (JSON)
	CategoryError    EventCategory = "error"    // application errors (JSON)
)

// EventLogger writes categorized JSON event logs to per-day files, one file
// per category. Task lifecycle events go to the transfer log so a UI or
// support tooling can reconstruct what happened to a given title.
type EventLogger struct {
	loggers map[EventCategory]*zap.Logger
	logsDir string
	mu      sync.RWMutex
}

// NewEventLogger creates an event logger rooted at logsDir
func NewEventLogger(logsDir, level string) (*EventLogger, error) {
	if logsDir == "" {
		return nil, fmt.Errorf("logs dir must be specified")
	}
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	el := &EventLogger{
		loggers: make(map[EventCategory]*zap.Logger),
		logsDir: logsDir,
	}

	transferLogger, err := el.newCategoryLogger(CategoryTransfer, lvl)
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer logger: %w", err)
	}
	el.loggers[CategoryTransfer] = transferLogger

	errorLogger, err := el.newCategoryLogger(CategoryError, zapcore.ErrorLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create error logger: %w", err)
	}
	el.loggers[CategoryError] = errorLogger

	return el, nil
}

func (el *EventLogger) newCategoryLogger(category EventCategory, level zapcore.Level) (*zap.Logger, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.MessageKey = "msg"
	encoderConfig.LevelKey = "level"
	encoderConfig.CallerKey = "" // cleaner event records

	filename := fmt.Sprintf("%s-%s.log", category, time.Now().Format("20060102"))
	file, err := os.OpenFile(filepath.Join(el.logsDir, filename), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(file), level)
	return zap.New(core), nil
}

// LogTransferEvent records a task lifecycle event
func (el *EventLogger) LogTransferEvent(event string, fields ...zap.Field) {
	el.mu.RLock()
	defer el.mu.RUnlock()
	if l, ok := el.loggers[CategoryTransfer]; ok {
		l.Info(event, fields...)
	}
}

// LogAppError records an application-level error
func (el *EventLogger) LogAppError(msg string, fields ...zap.Field) {
	el.mu.RLock()
	defer el.mu.RUnlock()
	if l, ok := el.loggers[CategoryError]; ok {
		l.Error(msg, fields...)
	}
}

// Sync flushes all category loggers
func (el *EventLogger) Sync() error {
	el.mu.RLock()
	defer el.mu.RUnlock()

	var lastErr error
	for _, l := range el.loggers {
		if err := l.Sync(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
