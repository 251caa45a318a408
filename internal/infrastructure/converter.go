package infrastructure

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/librisync/librisync/internal/domain"
)

// FFmpegConverter strips DRM from a downloaded title by invoking an
// external ffmpeg-compatible binary with the voucher's key material. Key
// material is passed as process arguments and never written to disk.
type FFmpegConverter struct {
	config  *domain.ConverterConfig
	logsDir string
}

// NewFFmpegConverter creates a converter writing decoded files to the
// configured output directory
func NewFFmpegConverter(config *domain.ConverterConfig, logsDir string) *FFmpegConverter {
	return &FFmpegConverter{config: config, logsDir: logsDir}
}

// Convert decodes inputPath using the voucher's key material and returns
// the decoded output path. The input file is left in place; callers decide
// when to remove it.
func (c *FFmpegConverter) Convert(ctx context.Context, task *domain.Task, voucher *domain.Voucher, inputPath string) (string, error) {
	if err := os.MkdirAll(c.config.OutputDir, 0755); err != nil {
		return "", domain.NewStorageError("failed to create output directory", err)
	}

	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	outputPath := filepath.Join(c.config.OutputDir, base+"."+c.config.Format)

	args := c.buildArgs(voucher, inputPath, outputPath)

	convertLog, err := c.openLogFile()
	if err != nil {
		return "", fmt.Errorf("failed to open conversion log: %w", err)
	}
	defer convertLog.Close()

	c.writeLogHeader(convertLog, task.ID, redactedCommandLine(c.config.Binary, args))

	cmd := exec.CommandContext(ctx, c.config.Binary, args...)
	cmd.Stdout = convertLog
	cmd.Stderr = convertLog

	if err := cmd.Run(); err != nil {
		c.writeLogFooter(convertLog, false, fmt.Sprintf("conversion failed: %v", err))
		os.Remove(outputPath)
		return "", fmt.Errorf("conversion failed: %w", err)
	}

	c.writeLogFooter(convertLog, true, fmt.Sprintf("decoded: %s", outputPath))
	return outputPath, nil
}

// buildArgs maps the voucher's scheme onto decoder arguments: the
// activation scheme hands over a 4-byte activation key, the key+iv scheme a
// 16-byte AES key and IV, all hex-encoded.
func (c *FFmpegConverter) buildArgs(voucher *domain.Voucher, inputPath, outputPath string) []string {
	args := []string{"-y"}

	switch voucher.Kind {
	case domain.DrmActivation:
		args = append(args, "-activation_bytes", voucher.KeyHex())
	case domain.DrmKeyPair:
		args = append(args, "-audible_key", voucher.KeyHex(), "-audible_iv", voucher.IVHex())
	}

	return append(args,
		"-i", inputPath,
		"-c", "copy",
		outputPath,
	)
}

// openLogFile opens the conversion log file for today
func (c *FFmpegConverter) openLogFile() (*os.File, error) {
	if err := os.MkdirAll(c.logsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	dateStr := time.Now().Format("20060102")
	logPath := filepath.Join(c.logsDir, "convert-"+dateStr+".log")
	return os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

// writeLogHeader writes the conversion start marker
func (c *FFmpegConverter) writeLogHeader(file *os.File, taskID, cmdLine string) {
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	file.WriteString(fmt.Sprintf("\n=== [%s] Convert: %s ===\n", timestamp, taskID))
	file.WriteString(fmt.Sprintf("$ %s\n", cmdLine))
}

// writeLogFooter writes the conversion end marker
func (c *FFmpegConverter) writeLogFooter(file *os.File, success bool, message string) {
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	status := "SUCCESS"
	if !success {
		status = "FAILED"
	}
	file.WriteString(fmt.Sprintf("[%s] %s: %s\n", timestamp, status, message))
	file.WriteString("=== END ===\n\n")
}

// redactedCommandLine builds a shell-safe command line for the log with key
// material masked
func redactedCommandLine(binary string, args []string) string {
	display := make([]string, len(args))
	redactNext := false
	for i, arg := range args {
		if redactNext {
			display[i] = "****"
			redactNext = false
			continue
		}
		display[i] = arg
		switch arg {
		case "-activation_bytes", "-audible_key", "-audible_iv":
			redactNext = true
		}
	}
	return ShellEscapeCommand(binary, display...)
}
