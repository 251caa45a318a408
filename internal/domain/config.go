package domain

import "time"

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Download  DownloadConfig  `mapstructure:"download"`
	Queue     QueueConfig     `mapstructure:"queue"`
	License   LicenseConfig   `mapstructure:"license"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Converter ConverterConfig `mapstructure:"converter"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DownloadConfig contains transfer-related configuration
type DownloadConfig struct {
	BaseDir          string        `mapstructure:"base_dir"`
	LogsDir          string        `mapstructure:"logs_dir"`
	ConcurrentLimit  int           `mapstructure:"concurrent_limit"`
	ChunkSize        int           `mapstructure:"chunk_size"`
	FlushThreshold   int64         `mapstructure:"flush_threshold"`
	MaxRetryStreak   int           `mapstructure:"max_retry_streak"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	ReadStallTimeout time.Duration `mapstructure:"read_stall_timeout"`
	MaxBytesPerSec   int64         `mapstructure:"max_bytes_per_sec"`
	UserAgent        string        `mapstructure:"user_agent"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
}

// QueueConfig contains task catalog configuration
type QueueConfig struct {
	DatabasePath string `mapstructure:"database_path"`
}

// LicenseConfig contains license service configuration
type LicenseConfig struct {
	APIBaseURL     string        `mapstructure:"api_base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Quality        string        `mapstructure:"quality"`
	MaxURLRefresh  int           `mapstructure:"max_url_refresh"`
}

// AuthConfig contains static credentials for the token provider.
// Registration and token refresh are handled outside this service.
type AuthConfig struct {
	AccessToken  string `mapstructure:"access_token"`
	DeviceType   string `mapstructure:"device_type"`
	DeviceSerial string `mapstructure:"device_serial"`
	AccountID    string `mapstructure:"account_id"`
}

// ConverterConfig contains codec converter configuration
type ConverterConfig struct {
	Binary    string `mapstructure:"binary"`
	OutputDir string `mapstructure:"output_dir"`
	Format    string `mapstructure:"format"`
}

// LoggingConfig contains logging-related configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, or file path
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8090,
		},
		Download: DownloadConfig{
			BaseDir:          "$HOME/librisync/incoming",
			LogsDir:          "$HOME/librisync/logs",
			ConcurrentLimit:  2,
			ChunkSize:        8 * 1024,
			FlushThreshold:   1024 * 1024,
			MaxRetryStreak:   5,
			RetryDelay:       2 * time.Second,
			ReadStallTimeout: 30 * time.Second,
			MaxBytesPerSec:   0, // unlimited
			UserAgent:        "LibriSync/1.0 CFNetwork/1240.0.4 Darwin/20.6.0",
			ProgressInterval: 200 * time.Millisecond,
		},
		Queue: QueueConfig{
			DatabasePath: "$HOME/librisync/tasks.db",
		},
		License: LicenseConfig{
			APIBaseURL:     "https://api.audible.com/1.0",
			RequestTimeout: 30 * time.Second,
			Quality:        "High",
			MaxURLRefresh:  2,
		},
		Converter: ConverterConfig{
			Binary:    "ffmpeg",
			OutputDir: "$HOME/librisync/completed",
			Format:    "m4b",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			OutputPath: "stdout",
		},
	}
}
